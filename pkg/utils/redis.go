package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls the redis client used for cluster-wide call slots.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize    int
	PoolTimeout time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	// Slot acquire/release is one round trip per call event; a small pool is plenty.
	if out.PoolSize <= 0 {
		out.PoolSize = 8
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		PoolTimeout:  cfg.PoolTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// The slot set is a sorted set of call ids scored by lease expiry (unix ms),
// so a crashed bridge only holds its slots until their leases run out.
var slotAcquireScript = redis.NewScript(`
-- KEYS[1] = slot set
-- ARGV[1] = limit, ARGV[2] = now_ms, ARGV[3] = lease_ms, ARGV[4] = call id
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
if redis.call('ZSCORE', KEYS[1], ARGV[4]) then
  redis.call('ZADD', KEYS[1], tonumber(ARGV[2]) + tonumber(ARGV[3]), ARGV[4])
  return 1
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[2]) + tonumber(ARGV[3]), ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var slotReleaseScript = redis.NewScript(`
-- KEYS[1] = slot set, ARGV[1] = call id
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// AcquireCallSlot atomically takes one of limit slots for callID.
// Re-acquiring a held slot extends its lease.
func AcquireCallSlot(ctx context.Context, rdb *redis.Client, key, callID string, limit int, lease time.Duration) (bool, error) {
	if rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if key == "" || callID == "" {
		return false, fmt.Errorf("key and call id are required")
	}
	if limit <= 0 {
		return false, fmt.Errorf("limit must be > 0")
	}
	if lease <= 0 {
		return false, fmt.Errorf("lease must be > 0")
	}

	now := time.Now().UnixMilli()
	res, err := slotAcquireScript.Run(ctx, rdb, []string{key}, limit, now, lease.Milliseconds(), callID).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseCallSlot frees callID's slot. Releasing an unknown call id is a no-op.
func ReleaseCallSlot(ctx context.Context, rdb *redis.Client, key, callID string) error {
	if rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if key == "" || callID == "" {
		return fmt.Errorf("key and call id are required")
	}
	_, err := slotReleaseScript.Run(ctx, rdb, []string{key}, callID).Result()
	return err
}

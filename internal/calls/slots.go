package calls

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"call-bridge/pkg/utils"
)

// SlotLimiter is an optional cluster-wide admission gate checked before the
// local registry.
type SlotLimiter interface {
	Acquire(ctx context.Context, callID string) (bool, error)
	Release(ctx context.Context, callID string) error
}

// RedisSlots shares one concurrent-call budget between bridge instances. Each
// slot is a lease so a crashed instance cannot hold capacity forever.
type RedisSlots struct {
	rdb   *redis.Client
	key   string
	limit int
	lease time.Duration
}

func NewRedisSlots(rdb *redis.Client, key string, limit int, lease time.Duration) *RedisSlots {
	return &RedisSlots{rdb: rdb, key: key, limit: limit, lease: lease}
}

func (s *RedisSlots) Acquire(ctx context.Context, callID string) (bool, error) {
	return utils.AcquireCallSlot(ctx, s.rdb, s.key, callID, s.limit, s.lease)
}

func (s *RedisSlots) Release(ctx context.Context, callID string) error {
	return utils.ReleaseCallSlot(ctx, s.rdb, s.key, callID)
}

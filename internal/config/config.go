package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the bridge process needs.
// All values come from env (optionally seeded from a .env file by main).
type Config struct {
	App      AppConfig
	Platform PlatformConfig
	Calls    CallConfig
	Health   HealthConfig
	AI       AIConfig
	DB       DBConfig
	Redis    RedisConfig
	Status   StatusConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// PlatformConfig identifies this bridge to the telephony platform's provisioning API.
type PlatformConfig struct {
	Server       string
	ClientID     string
	ClientSecret string
	JWTAssertion string

	// RequestTimeout bounds every provisioning call and signaling round trip.
	RequestTimeout time.Duration
	// StatusPollDelay is the wait before re-polling a device that was not Online at registration.
	StatusPollDelay time.Duration
}

type CallConfig struct {
	MaxConcurrent   int
	Timeout         time.Duration
	AnswerTimeout   time.Duration
	VoicemailTarget string
}

type HealthConfig struct {
	Interval           time.Duration
	MaxAttempts        int
	FastReconnectDelay time.Duration
}

type AIConfig struct {
	RelayURL  string
	NotifyURL string
}

// DBConfig is optional; an empty Host keeps call records in memory.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional; when Host is set, call slots are also capped cluster-wide.
type RedisConfig struct {
	Host    string
	Port    int
	SlotKey string
}

// StatusConfig protects the /v1 status API. An empty secret leaves it open (local use only).
type StatusConfig struct {
	JWTSecret string
	JWTIssuer string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = optionalInt(parseErrs, "APP_PORT")

	c.Platform.Server = strings.TrimSpace(os.Getenv("PLATFORM_SERVER"))
	c.Platform.ClientID = strings.TrimSpace(os.Getenv("PLATFORM_CLIENT_ID"))
	c.Platform.ClientSecret = os.Getenv("PLATFORM_CLIENT_SECRET")
	c.Platform.JWTAssertion = strings.TrimSpace(os.Getenv("PLATFORM_JWT_ASSERTION"))
	c.Platform.RequestTimeout, parseErrs = optionalDuration(parseErrs, "REQUEST_TIMEOUT")
	c.Platform.StatusPollDelay, parseErrs = optionalDuration(parseErrs, "STATUS_POLL_DELAY")

	c.Calls.MaxConcurrent, parseErrs = optionalInt(parseErrs, "MAX_CONCURRENT_CALLS")
	c.Calls.Timeout, parseErrs = optionalDuration(parseErrs, "CALL_TIMEOUT")
	c.Calls.AnswerTimeout, parseErrs = optionalDuration(parseErrs, "ANSWER_TIMEOUT")
	c.Calls.VoicemailTarget = strings.TrimSpace(os.Getenv("VOICEMAIL_TARGET"))

	c.Health.Interval, parseErrs = optionalDuration(parseErrs, "HEALTH_INTERVAL")
	c.Health.MaxAttempts, parseErrs = optionalInt(parseErrs, "HEALTH_MAX_ATTEMPTS")
	c.Health.FastReconnectDelay, parseErrs = optionalDuration(parseErrs, "FAST_RECONNECT_DELAY")

	c.AI.RelayURL = strings.TrimSpace(os.Getenv("AI_RELAY_URL"))
	c.AI.NotifyURL = strings.TrimSpace(os.Getenv("AI_NOTIFY_URL"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = optionalInt(parseErrs, "DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = optionalInt(parseErrs, "REDIS_PORT")
	c.Redis.SlotKey = strings.TrimSpace(os.Getenv("CALL_SLOT_KEY"))

	c.Status.JWTSecret = os.Getenv("STATUS_JWT_SECRET")
	c.Status.JWTIssuer = strings.TrimSpace(os.Getenv("STATUS_JWT_ISSUER"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadStatus reads only the status API settings. Tooling that mints operator
// tokens uses it without the platform credentials Load insists on.
func LoadStatus() (StatusConfig, error) {
	c := StatusConfig{
		JWTSecret: os.Getenv("STATUS_JWT_SECRET"),
		JWTIssuer: strings.TrimSpace(os.Getenv("STATUS_JWT_ISSUER")),
	}
	if c.JWTSecret == "" {
		return StatusConfig{}, errors.New("STATUS_JWT_SECRET is required")
	}
	return c, nil
}

// Validate fills defaults in place and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		c.App.Env = "local"
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port == 0 {
		c.App.Port = 8080
	}
	if c.App.Port < 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Platform.Server == "" {
		errs = append(errs, errors.New("PLATFORM_SERVER is required"))
	} else if !hasScheme(c.Platform.Server, "http", "https") {
		errs = append(errs, fmt.Errorf("PLATFORM_SERVER must be an http(s) URL, got %q", c.Platform.Server))
	}
	if c.Platform.ClientID == "" || c.Platform.ClientSecret == "" {
		errs = append(errs, errors.New("PLATFORM_CLIENT_ID and PLATFORM_CLIENT_SECRET are required"))
	}
	if c.Platform.JWTAssertion == "" {
		errs = append(errs, errors.New("PLATFORM_JWT_ASSERTION is required"))
	}
	if c.Platform.RequestTimeout <= 0 {
		c.Platform.RequestTimeout = 10 * time.Second
	}
	if c.Platform.StatusPollDelay <= 0 {
		c.Platform.StatusPollDelay = 2 * time.Second
	}

	if c.Calls.MaxConcurrent == 0 {
		c.Calls.MaxConcurrent = 5
	}
	if c.Calls.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_CALLS must be positive, got %d", c.Calls.MaxConcurrent))
	}
	if c.Calls.Timeout <= 0 {
		c.Calls.Timeout = 300 * time.Second
	}
	if c.Calls.AnswerTimeout <= 0 {
		c.Calls.AnswerTimeout = 15 * time.Second
	}
	if c.Calls.AnswerTimeout >= c.Calls.Timeout {
		errs = append(errs, errors.New("ANSWER_TIMEOUT must be shorter than CALL_TIMEOUT"))
	}

	if c.Health.Interval <= 0 {
		c.Health.Interval = 30 * time.Second
	}
	if c.Health.MaxAttempts == 0 {
		c.Health.MaxAttempts = 5
	}
	if c.Health.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("HEALTH_MAX_ATTEMPTS must be positive, got %d", c.Health.MaxAttempts))
	}
	if c.Health.FastReconnectDelay <= 0 {
		c.Health.FastReconnectDelay = 5 * time.Second
	}
	if c.Health.FastReconnectDelay >= c.Health.Interval {
		errs = append(errs, errors.New("FAST_RECONNECT_DELAY must be shorter than HEALTH_INTERVAL"))
	}

	if c.AI.RelayURL != "" && !hasScheme(c.AI.RelayURL, "ws", "wss") {
		errs = append(errs, fmt.Errorf("AI_RELAY_URL must be a ws(s) URL, got %q", c.AI.RelayURL))
	}
	if c.AI.NotifyURL != "" && !hasScheme(c.AI.NotifyURL, "http", "https") {
		errs = append(errs, fmt.Errorf("AI_NOTIFY_URL must be an http(s) URL, got %q", c.AI.NotifyURL))
	}

	if c.DB.Host != "" {
		if c.DB.Port == 0 {
			c.DB.Port = 5432
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required when DB_HOST is set"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required when DB_HOST is set"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Redis.Host != "" {
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.SlotKey == "" {
			c.Redis.SlotKey = "call-bridge:call-slots"
		}
	}

	if c.IsProduction() && c.Status.JWTSecret == "" {
		errs = append(errs, errors.New("STATUS_JWT_SECRET is required in production"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) HasPostgres() bool { return c.DB.Host != "" }

func (c Config) HasRedis() bool { return c.Redis.Host != "" }

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func optionalInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration like 30s, got %q", key, v))
	}
	return d, errs
}

func hasScheme(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}

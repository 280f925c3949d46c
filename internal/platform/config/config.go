// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the top-level process configuration.
type Config struct {
	Server      Server
	Redis       RedisConfig
	Database    DatabaseConfig
	Kafka       KafkaConfig
	CSRF        CSRFConfig
	RateLimit   RateLimitConfig
	Admin       AdminConfig
	EventLog    EventLogConfig
	Environment string `validate:"required"`
	LogLevel    string `validate:"omitempty,oneof=debug info warn error"`
}

// Server captures HTTP server level configuration. Traffic that passes the
// limiter is proxied to UpstreamURL (and WebSocket traffic to UpstreamWSURL).
type Server struct {
	Addr            string        `validate:"required"`
	UpstreamURL     string        `validate:"omitempty,url"`
	UpstreamWSURL   string        `validate:"omitempty,url"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// RedisConfig configures the shared counter store connection.
// An empty URL selects the in-memory stores.
type RedisConfig struct {
	URL          string `validate:"omitempty,url"`
	PoolSize     int    `validate:"gte=0"`
	MinIdleConns int    `validate:"gte=0"`
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig configures the durable IP policy store. Optional.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int `validate:"gte=0"`
	MaxIdleConns    int `validate:"gte=0"`
	ConnMaxLifetime time.Duration
}

// KafkaConfig configures the event fan-out. Optional.
type KafkaConfig struct {
	Brokers     string
	EventsTopic string `validate:"required_with=Brokers"`
	AuditTopic  string `validate:"required_with=Brokers"`
	Acks        string `validate:"omitempty,oneof=0 1 all"`
}

// CSRFConfig configures the double-submit token service.
type CSRFConfig struct {
	Secret       string        `validate:"required,min=32"`
	CookieName   string        `validate:"required"`
	HeaderName   string        `validate:"required"`
	TTL          time.Duration `validate:"gt=0"`
	SecureCookie bool
}

// RateLimitConfig holds the engine-level knobs. Per-scope quotas live in the
// optional YAML policy file.
type RateLimitConfig struct {
	PolicyFile       string
	CheckTimeout     time.Duration `validate:"gt=0"`
	PolicyCacheTTL   time.Duration `validate:"gte=0"`
	AutoBlock        bool
	AutoBlockTTL     time.Duration `validate:"gte=0"`
	BreakerThreshold int           `validate:"gt=0"`
	BreakerCooldown  time.Duration `validate:"gt=0"`
	// IdentityHeader carries the authenticated caller set by an upstream
	// proxy. GraphQL limits fall back to the client IP without it.
	IdentityHeader string
}

// AdminConfig configures the operator surface.
type AdminConfig struct {
	Token      string
	BypassIP   string `validate:"omitempty,ip"`
	APIKeyHash string `validate:"required_with=BypassIP"`
}

// EventLogConfig configures event retention.
type EventLogConfig struct {
	Retention       time.Duration `validate:"gt=0"`
	MaxEvents       int           `validate:"gt=0"`
	CleanupInterval time.Duration `validate:"gt=0"`
}

// Default values applied when the corresponding variable is unset.
const (
	DefaultAddr            = ":8080"
	DefaultCheckTimeout    = 25 * time.Millisecond
	DefaultCSRFCookie      = "csrf_token"
	DefaultCSRFHeader      = "X-CSRF-Token"
	DefaultCSRFTTL         = 24 * time.Hour
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultMaxEvents       = 100_000
	DefaultCleanupInterval = 10 * time.Minute
	DefaultPolicyCacheTTL  = 5 * time.Second
	DefaultAutoBlockTTL    = time.Hour
)

// FromEnv builds the process config from environment variables, after loading an
// optional .env file from the working directory.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()
	return Load(os.Getenv)
}

// Load builds and validates a Config using getenv for lookups.
func Load(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}

	cfg := &Config{
		Server: Server{
			Addr:            e.str("TURNSTILE_ADDR", DefaultAddr),
			UpstreamURL:     e.str("UPSTREAM_URL", ""),
			UpstreamWSURL:   e.str("UPSTREAM_WS_URL", ""),
			ReadTimeout:     e.duration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    e.duration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: e.duration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Redis: RedisConfig{
			URL:          e.str("REDIS_URL", ""),
			PoolSize:     e.int("REDIS_POOL_SIZE", 20),
			MinIdleConns: e.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  e.duration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  e.duration("REDIS_READ_TIMEOUT", 100*time.Millisecond),
			WriteTimeout: e.duration("REDIS_WRITE_TIMEOUT", 100*time.Millisecond),
		},
		Database: DatabaseConfig{
			URL:             e.str("DATABASE_URL", ""),
			MaxOpenConns:    e.int("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    e.int("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: e.duration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:     e.str("KAFKA_BROKERS", ""),
			EventsTopic: e.str("KAFKA_EVENTS_TOPIC", "turnstile.ratelimit.events"),
			AuditTopic:  e.str("KAFKA_AUDIT_TOPIC", "turnstile.audit"),
			Acks:        e.str("KAFKA_ACKS", "all"),
		},
		CSRF: CSRFConfig{
			Secret:       e.str("CSRF_SECRET", ""),
			CookieName:   e.str("CSRF_COOKIE_NAME", DefaultCSRFCookie),
			HeaderName:   e.str("CSRF_HEADER_NAME", DefaultCSRFHeader),
			TTL:          e.duration("CSRF_TOKEN_TTL", DefaultCSRFTTL),
			SecureCookie: e.bool("CSRF_SECURE_COOKIE", true),
		},
		RateLimit: RateLimitConfig{
			PolicyFile:       e.str("RATE_LIMIT_POLICY_FILE", ""),
			CheckTimeout:     e.duration("RATE_LIMIT_CHECK_TIMEOUT", DefaultCheckTimeout),
			PolicyCacheTTL:   e.duration("IP_POLICY_CACHE_TTL", DefaultPolicyCacheTTL),
			AutoBlock:        e.bool("ABUSE_AUTO_BLOCK", false),
			AutoBlockTTL:     e.duration("ABUSE_AUTO_BLOCK_TTL", DefaultAutoBlockTTL),
			BreakerThreshold: e.int("REDIS_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  e.duration("REDIS_BREAKER_COOLDOWN", 5*time.Second),
			IdentityHeader:   e.str("RATE_LIMIT_IDENTITY_HEADER", "X-User-ID"),
		},
		Admin: AdminConfig{
			Token:      e.str("ADMIN_API_TOKEN", ""),
			BypassIP:   e.str("ADMIN_IP", ""),
			APIKeyHash: e.str("ADMIN_API_KEY_HASH", ""),
		},
		EventLog: EventLogConfig{
			Retention:       e.duration("EVENT_RETENTION", DefaultRetention),
			MaxEvents:       e.int("EVENT_LOG_MAX_EVENTS", DefaultMaxEvents),
			CleanupInterval: e.duration("EVENT_CLEANUP_INTERVAL", DefaultCleanupInterval),
		},
		Environment: e.str("TURNSTILE_ENV", "development"),
		LogLevel:    strings.ToLower(e.str("LOG_LEVEL", "info")),
	}

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %s", strings.Join(e.errs, "; "))
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// env collects parse errors so that every bad variable is reported at once.
type env struct {
	get  func(string) string
	errs []string
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

// Package config loads portalctl settings from YAML and PORTAL_* environment
// variables and turns them into client options.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apiclient "github.com/tharun-truereach/Solarium-CP-CU-APP-sub004"
)

// Session store backends.
const (
	StoreNone  = "none"
	StoreFile  = "file"
	StoreRedis = "redis"
)

// Config is the portalctl configuration, read from YAML and/or PORTAL_*
// environment variables.
type Config struct {
	BaseURL     string        `yaml:"base_url" env:"PORTAL_BASE_URL" validate:"required,url"`
	ClientType  string        `yaml:"client_type" env:"PORTAL_CLIENT_TYPE" env-default:"web-portal" validate:"required"`
	Timeout     time.Duration `yaml:"timeout" env:"PORTAL_TIMEOUT" env-default:"30s" validate:"gt=0"`
	Debug       bool          `yaml:"debug" env:"PORTAL_DEBUG"`
	MetricsAddr string        `yaml:"metrics_addr" env:"PORTAL_METRICS_ADDR"`
	Retry       RetryConfig   `yaml:"retry"`
	Session     SessionConfig `yaml:"session"`
	Redis       RedisConfig   `yaml:"redis"`
}

// RetryConfig maps onto the client retry and rate-limit options.
type RetryConfig struct {
	MaxRetries       int           `yaml:"max_retries" env:"PORTAL_MAX_RETRIES" env-default:"3" validate:"gte=0,lte=100"`
	InitialBackoff   time.Duration `yaml:"initial_backoff" env:"PORTAL_INITIAL_BACKOFF" env-default:"100ms" validate:"gt=0"`
	MaxBackoff       time.Duration `yaml:"max_backoff" env:"PORTAL_MAX_BACKOFF" env-default:"10s" validate:"gtefield=InitialBackoff"`
	RateLimitRetries int           `yaml:"rate_limit_retries" env:"PORTAL_RATE_LIMIT_RETRIES" env-default:"0" validate:"gte=0"`
	RateLimitMaxWait time.Duration `yaml:"rate_limit_max_wait" env:"PORTAL_RATE_LIMIT_MAX_WAIT" env-default:"5s" validate:"lte=1h"`
}

// SessionConfig selects where a remembered session is kept and the
// passphrase it is sealed with. Path applies to the file store, RedisKey and
// TTL to the redis store.
type SessionConfig struct {
	Store      string        `yaml:"store" env:"PORTAL_SESSION_STORE" env-default:"file" validate:"oneof=none file redis"`
	Path       string        `yaml:"path" env:"PORTAL_SESSION_PATH" env-default:".portal/session.bin" validate:"required_if=Store file"`
	Passphrase string        `yaml:"passphrase" env:"PORTAL_SESSION_PASSPHRASE" validate:"required_unless=Store none"`
	RedisKey   string        `yaml:"redis_key" env:"PORTAL_SESSION_REDIS_KEY" env-default:"portal:session"`
	TTL        time.Duration `yaml:"ttl" env:"PORTAL_SESSION_TTL" env-default:"720h" validate:"gte=0"`
}

// RedisConfig is the connection used by the redis session store.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"PORTAL_REDIS_ADDR" validate:"omitempty,hostname_port"`
	Password string `yaml:"password" env:"PORTAL_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"PORTAL_REDIS_DB" validate:"gte=0"`
}

// LoadDotEnv loads .env style files into the environment. Missing files are
// skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path (YAML) when given, then environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	var cfg Config

	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the combinations between sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Session.Store == StoreRedis && c.Redis.Addr == "" {
		return errors.New("invalid config: redis.addr is required for the redis session store")
	}
	return nil
}

// ClientOptions converts the config into client options. logger may be nil.
func (c *Config) ClientOptions(logger *zap.Logger) []apiclient.Option {
	opts := []apiclient.Option{
		apiclient.WithBaseURL(c.BaseURL),
		apiclient.WithClientType(c.ClientType),
		apiclient.WithTimeout(c.Timeout),
		apiclient.WithMaxRetries(c.Retry.MaxRetries),
		apiclient.WithInitialBackoff(c.Retry.InitialBackoff),
		apiclient.WithMaxBackoff(c.Retry.MaxBackoff),
	}
	if c.Retry.RateLimitRetries > 0 {
		opts = append(opts, apiclient.WithRateLimitRetry(c.Retry.RateLimitRetries, c.Retry.RateLimitMaxWait))
	}
	if logger != nil {
		opts = append(opts, apiclient.WithZapLogger(logger))
		if c.Debug {
			opts = append(opts, apiclient.WithDebug())
		}
	}
	return opts
}

// OpenPersister builds the configured session persister. The returned close
// function releases its connections and is never nil.
func (c *Config) OpenPersister() (apiclient.SessionPersister, func() error, error) {
	noop := func() error { return nil }

	switch c.Session.Store {
	case StoreNone, "":
		return nil, noop, nil
	case StoreFile:
		return apiclient.NewFilePersister(c.Session.Path), noop, nil
	case StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		return apiclient.NewRedisPersister(rdb, c.Session.RedisKey, c.Session.TTL), rdb.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown session store %q", c.Session.Store)
	}
}

// TokenStore builds a token store backed by the configured persister.
func (c *Config) TokenStore() (*apiclient.TokenStore, func() error, error) {
	persister, closeFn, err := c.OpenPersister()
	if err != nil {
		return nil, closeFn, err
	}
	if persister == nil {
		return apiclient.NewTokenStore(), closeFn, nil
	}
	return apiclient.NewTokenStore(apiclient.WithPersister(persister, c.Session.Passphrase)), closeFn, nil
}

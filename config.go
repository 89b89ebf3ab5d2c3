package apiclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// EnvConfig is the client configuration read from the environment.
type EnvConfig struct {
	BaseURL   string `env:"APICLIENT_BASE_URL, required"`
	UserAgent string `env:"APICLIENT_USER_AGENT, default=jp-go-apiclient/1.0"`

	RequestTimeout time.Duration `env:"APICLIENT_REQUEST_TIMEOUT, default=30s"`

	MaxAttempts    int           `env:"APICLIENT_MAX_ATTEMPTS, default=3"`
	RetryBaseDelay time.Duration `env:"APICLIENT_RETRY_BASE_DELAY, default=1s"`
	RetryMaxDelay  time.Duration `env:"APICLIENT_RETRY_MAX_DELAY, default=30s"`
	RetryJitter    time.Duration `env:"APICLIENT_RETRY_JITTER, default=0s"`

	RefreshPath    string        `env:"APICLIENT_REFRESH_PATH, default=/auth/refresh"`
	RefreshTimeout time.Duration `env:"APICLIENT_REFRESH_TIMEOUT, default=30s"`

	// CircuitBreaker wraps the transport in a circuit breaker with default settings.
	CircuitBreaker bool `env:"APICLIENT_CIRCUIT_BREAKER, default=false"`

	CacheTTL  time.Duration `env:"APICLIENT_CACHE_TTL, default=5m"`
	CacheSize int           `env:"APICLIENT_CACHE_SIZE, default=1000"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"APICLIENT_LOG_LEVEL, default=info"`

	KeyringService string `env:"APICLIENT_KEYRING_SERVICE, default=jp-go-apiclient"`
	KeyringUser    string `env:"APICLIENT_KEYRING_USER, default=default"`
}

// LoadConfig reads the configuration from the process environment.
func LoadConfig(ctx context.Context) (EnvConfig, error) {
	return loadConfig(ctx, nil) // load from OS environment
}

func loadConfig(ctx context.Context, lookup envconfig.Lookuper) (EnvConfig, error) {
	var cfg EnvConfig
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if _, err := cfg.level(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c EnvConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("invalid APICLIENT_LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger returns a text logger writing to w at the configured level.
func (c EnvConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Options converts the configuration into client options.
func (c EnvConfig) Options() []Option {
	opts := []Option{
		WithBaseURL(c.BaseURL),
		WithUserAgent(c.UserAgent),
		WithRequestTimeout(c.RequestTimeout),
		WithMaxAttempts(c.MaxAttempts),
		WithExponentialBackoff(c.RetryBaseDelay, c.RetryMaxDelay),
		WithJitter(c.RetryJitter),
		WithRefreshPath(c.RefreshPath),
		WithRefreshTimeout(c.RefreshTimeout),
	}
	if c.CircuitBreaker {
		opts = append(opts, WithCircuitBreaker())
	}
	return opts
}

// ServiceOptions converts the cache configuration into service options.
func (c EnvConfig) ServiceOptions() []ServiceOption {
	return []ServiceOption{
		WithCacheTTL(c.CacheTTL),
		WithCacheSize(c.CacheSize),
	}
}

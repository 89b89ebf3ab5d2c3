package apiclient

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Config holds client configuration options.
type Config struct {
	// BaseURL is prepended to every request path.
	BaseURL string

	// Transport performs physical exchanges.
	// Default: HTTPTransport over HTTPClient
	Transport Transport

	// HTTPClient is used by the default transport.
	// Default: an http.Client with RequestTimeout
	HTTPClient *http.Client

	// RequestTimeout bounds one physical exchange of the default transport.
	// Default: 30 seconds
	RequestTimeout time.Duration

	// UserAgent is sent by the default transport.
	// Default: "jp-go-apiclient/1.0"
	UserAgent string

	// Credentials holds the access and refresh tokens.
	// Default: an empty MemoryCredentialStore
	Credentials CredentialStore

	// Refresher exchanges a refresh token for new credentials.
	// Default: HTTPRefresher posting to RefreshPath through Transport
	Refresher Refresher

	// RefreshPath is the refresh endpoint used by the default refresher.
	// Default: "/auth/refresh"
	RefreshPath string

	// RefreshTimeout bounds the single in-flight refresh call.
	// Default: 30 seconds
	RefreshTimeout time.Duration

	// OnLogout is invoked when authentication fails terminally.
	OnLogout func(err error)

	// Retry configures the retry policy.
	Retry RetryConfig

	// CircuitBreaker wraps the transport in a circuit breaker when non-nil.
	// Default: nil (disabled)
	CircuitBreaker *CircuitBreakerConfig

	// Logger for pipeline operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Sink receives one record per attempt. It is always called through an AsyncSink.
	// Default: SlogSink over Logger
	Sink AttemptSink

	// SinkBuffer is the capacity of the async attempt log buffer.
	// Default: 256
	SinkBuffer int

	// Metrics records prometheus counters when non-nil.
	Metrics *Metrics
}

// Option is a functional option for configuring the client.
type Option func(*Config)

// DefaultConfig returns client configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 30 * time.Second,
		UserAgent:      "jp-go-apiclient/1.0",
		RefreshPath:    "/auth/refresh",
		RefreshTimeout: 30 * time.Second,
		Retry:          *DefaultRetryConfig(),
		Logger:         slog.Default(),
		SinkBuffer:     256,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Transport == nil && c.HTTPClient == nil && c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be > 0, got %v", c.RequestTimeout))
	}
	if c.RefreshTimeout <= 0 {
		errs = append(errs, fmt.Errorf("refresh timeout must be > 0, got %v", c.RefreshTimeout))
	}
	if c.SinkBuffer <= 0 {
		errs = append(errs, fmt.Errorf("sink buffer must be > 0, got %d", c.SinkBuffer))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WithBaseURL sets the URL prefix for every request path.
//
// Example:
//
//	apiclient.WithBaseURL("https://api.example.com/v1")
func WithBaseURL(baseURL string) Option {
	return func(c *Config) {
		c.BaseURL = baseURL
	}
}

// WithTransport replaces the default HTTP transport.
func WithTransport(t Transport) Option {
	return func(c *Config) {
		c.Transport = t
	}
}

// WithHTTPClient builds the default transport around an existing http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = hc
	}
}

// WithRequestTimeout sets the per-exchange timeout of the default transport.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithUserAgent sets the User-Agent of the default transport.
func WithUserAgent(ua string) Option {
	return func(c *Config) {
		c.UserAgent = ua
	}
}

// WithCredentialStore sets where access and refresh tokens are read and written.
func WithCredentialStore(store CredentialStore) Option {
	return func(c *Config) {
		c.Credentials = store
	}
}

// WithRefresher replaces the default refresh endpoint client.
func WithRefresher(r Refresher) Option {
	return func(c *Config) {
		c.Refresher = r
	}
}

// WithRefreshPath sets the path of the refresh endpoint.
func WithRefreshPath(path string) Option {
	return func(c *Config) {
		c.RefreshPath = path
	}
}

// WithRefreshTimeout bounds the in-flight refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RefreshTimeout = d
	}
}

// WithLogoutHandler sets the callback that forces the application into a logged-out state.
//
// Example:
//
//	apiclient.WithLogoutHandler(func(err error) {
//	    ui.NavigateTo("/login")
//	})
func WithLogoutHandler(fn func(err error)) Option {
	return func(c *Config) {
		c.OnLogout = fn
	}
}

// WithMaxAttempts sets the maximum number of attempts (including the initial request).
//
// Example:
//
//	apiclient.WithMaxAttempts(5) // Try up to 5 times total
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.Retry.MaxAttempts = attempts
	}
}

// WithExponentialBackoff configures the base delay and the cap of the retry backoff.
//
// Example:
//
//	apiclient.WithExponentialBackoff(time.Second, 30*time.Second)
//	// Delays: 1s, 2s, 4s, 8s, 16s, 30s (capped)
func WithExponentialBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Config) {
		c.Retry.BaseDelay = baseDelay
		c.Retry.MaxDelay = maxDelay
	}
}

// WithJitter adds up to the given random duration to each retry delay.
func WithJitter(jitter time.Duration) Option {
	return func(c *Config) {
		c.Retry.Jitter = jitter
	}
}

// WithCircuitBreaker wraps the transport in a circuit breaker.
//
// Example:
//
//	apiclient.WithCircuitBreaker(apiclient.WithBreakerTimeout(time.Minute))
func WithCircuitBreaker(opts ...CircuitBreakerOption) Option {
	return func(c *Config) {
		cb := DefaultCircuitBreakerConfig()
		for _, opt := range opts {
			opt(cb)
		}
		c.CircuitBreaker = cb
	}
}

// WithLogger sets a custom logger for pipeline operations.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	apiclient.WithLogger(logger)
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithAttemptSink sets where attempt records are delivered.
func WithAttemptSink(sink AttemptSink) Option {
	return func(c *Config) {
		c.Sink = sink
	}
}

// WithSinkBuffer sets the capacity of the async attempt log buffer.
func WithSinkBuffer(n int) Option {
	return func(c *Config) {
		c.SinkBuffer = n
	}
}

// WithMetrics enables prometheus counters.
func WithMetrics(m *Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever a request fails in the closed state.
	// If ReadyToTrip returns true, the circuit breaker will be placed into the open state.
	// Default: trips after 5 requests with 60% failure rate
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// ErrorClassifier determines which errors should trip the circuit breaker.
	// Default: KindClassifier (network failures and 5xx)
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations. Set from the client logger when nil.
	Logger *slog.Logger

	// Name identifies the breaker in logs and state change callbacks.
	// Default: "api-transport"
	Name string

	// Interval is the cyclic period of the closed state for the circuit breaker
	// to clear the internal counts. If 0, never clears.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout is the period of the open state, after which the state becomes half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is in the half-open state.
	// Default: 1
	MaxRequests uint32
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithBreakerMaxRequests sets the maximum number of requests in half-open state.
func WithBreakerMaxRequests(maxRequests uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithBreakerInterval sets the interval for clearing counts in closed state.
func WithBreakerInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Interval = interval
	}
}

// WithBreakerTimeout sets how long the circuit stays open.
func WithBreakerTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Timeout = timeout
	}
}

// WithReadyToTrip sets a custom function to determine when to trip the circuit.
//
// Example:
//
//	apiclient.WithReadyToTrip(func(counts apiclient.CircuitBreakerCounts) bool {
//	    return counts.ConsecutiveFailures >= 3
//	})
func WithReadyToTrip(fn func(counts CircuitBreakerCounts) bool) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithBreakerErrorClassifier sets a custom error classifier for circuit breaker decisions.
func WithBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:        "api-transport",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		ErrorClassifier: DefaultCircuitBreakerErrorClassifier(),
	}
}

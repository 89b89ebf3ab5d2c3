package apiclient

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// maxAttemptsCap bounds MaxAttempts to keep backoff arithmetic in range.
const maxAttemptsCap = 1000

// RetryConfig holds retry configuration options.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	// Default: 3
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Each further retry doubles it.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps a single retry delay.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Jitter adds a random +/- offset to each delay. Zero keeps delays exact.
	// Default: 0
	Jitter time.Duration
}

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Validate checks the retry configuration.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}
	if c.MaxAttempts > maxAttemptsCap {
		return fmt.Errorf("max attempts must be <= %d, got %d", maxAttemptsCap, c.MaxAttempts)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be > 0, got %v", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay (%v) must be >= base delay (%v)", c.MaxDelay, c.BaseDelay)
	}
	if c.Jitter < 0 {
		return fmt.Errorf("jitter must be >= 0, got %v", c.Jitter)
	}
	return nil
}

// RetryPolicy decides whether a normalized error is retried and how long to wait.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a policy from a validated configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	return &RetryPolicy{config: config}
}

// MaxAttempts returns the attempt budget of one logical request.
func (p *RetryPolicy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// ShouldRetry returns true for network failures, timeouts and 5xx responses.
// Every other kind is terminal.
func (p *RetryPolicy) ShouldRetry(err *Error) bool {
	if err == nil {
		return false
	}
	switch err.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindServer:
		return err.Status >= 500 && err.Status <= 599
	default:
		return false
	}
}

// DelayForAttempt returns BaseDelay * 2^(n-1), capped at MaxDelay. Attempts start at 1.
func (p *RetryPolicy) DelayForAttempt(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > maxAttemptsCap {
		n = maxAttemptsCap
	}

	exp := retry.NewExponential(p.config.BaseDelay)
	var delay time.Duration
	for i := 0; i < n; i++ {
		delay, _ = exp.Next()
	}

	if delay <= 0 || delay > p.config.MaxDelay {
		return p.config.MaxDelay
	}
	return delay
}

// backoff returns a fresh go-retry backoff for one logical request.
// retry.Do counts the initial attempt, so MaxAttempts-1 retries are allowed.
func (p *RetryPolicy) backoff() retry.Backoff {
	attempt := 0
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return p.DelayForAttempt(attempt), false
	})

	if p.config.Jitter > 0 {
		b = retry.WithJitter(p.config.Jitter, b)
	}

	maxRetries := p.config.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.WithMaxRetries(uint64(maxRetries), b) // #nosec G115 - validated non-negative
}

// requestStats tracks pipeline statistics.
type requestStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	totalCancelled  int64
	lastAttemptTime time.Time
	lastError       error
}

func (s *requestStats) recordAttempt(attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalAttempts++
	if attempt > 1 {
		s.totalRetries++
	}
	s.lastAttemptTime = time.Now()
}

func (s *requestStats) recordOutcome(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.totalSuccesses++
	case IsCancelled(err):
		s.totalCancelled++
	default:
		s.totalFailures++
		s.lastError = err
	}
}

// RequestStats holds statistics about pipeline operations.
type RequestStats struct {
	// TotalAttempts is the total number of transport attempts (including initial and retries)
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64

	// TotalSuccesses is the number of logical requests that returned a response
	TotalSuccesses int64

	// TotalFailures is the number of logical requests that returned a terminal error
	TotalFailures int64

	// TotalCancelled is the number of logical requests abandoned by their originator
	TotalCancelled int64

	// TotalRefreshes is the number of physical credential refresh calls
	TotalRefreshes int64

	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time

	// LastError is the last terminal error encountered (if any)
	LastError error
}

func (s *requestStats) snapshot() RequestStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return RequestStats{
		TotalAttempts:   s.totalAttempts,
		TotalRetries:    s.totalRetries,
		TotalSuccesses:  s.totalSuccesses,
		TotalFailures:   s.totalFailures,
		TotalCancelled:  s.totalCancelled,
		LastAttemptTime: s.lastAttemptTime,
		LastError:       s.lastError,
	}
}

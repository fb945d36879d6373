package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrCallTimeout is returned when a connector call exceeds its timeout.
	ErrCallTimeout = errors.New("connector call timeout exceeded")
)

// RetryConfig defines retry behavior for connector calls.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% random delay on top of the computed backoff.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// TimeoutConfig defines per-call deadlines.
type TimeoutConfig struct {
	// CallTimeout bounds a single Query, Mask or Test call.
	CallTimeout time.Duration
}

// DefaultTimeoutConfig returns sensible timeout defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{CallTimeout: 30 * time.Second}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryPolicy determines if and when a failed call is attempted again.
type RetryPolicy struct {
	config RetryConfig
	sleep  SleepFunc
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	return &RetryPolicy{config: config, sleep: Sleep}
}

// WithSleep replaces the wait between attempts. Tests use it to record delays.
func (rp *RetryPolicy) WithSleep(sleep SleepFunc) *RetryPolicy {
	clone := *rp
	if sleep == nil {
		sleep = Sleep
	}
	clone.sleep = sleep
	return &clone
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether attempt (zero-based) may be followed by another.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rp.config.MaxRetries {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return IsRetryableError(err)
}

// CalculateBackoff returns the delay before the retry following attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))

	if backoff > rp.config.MaxBackoff || backoff <= 0 {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		jitter := time.Duration(rand.Int63n(int64(backoff / 4)))
		backoff += jitter
	}

	return backoff
}

// RetryObserver is told about every failed attempt that will be retried.
type RetryObserver func(attempt int, delay time.Duration, err error)

// Do runs fn until it succeeds, fails permanently or retries run out. It returns
// the number of attempts made and the last error.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, observe RetryObserver) (int, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}

		if !rp.ShouldRetry(err, attempt) {
			if attempt > 0 && attempt >= rp.config.MaxRetries && IsRetryableError(err) {
				return attempt + 1, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
			}
			return attempt + 1, err
		}

		delay := rp.CalculateBackoff(attempt)
		if observe != nil {
			observe(attempt+1, delay, err)
		}
		if sleepErr := rp.sleep(ctx, delay); sleepErr != nil {
			return attempt + 1, sleepErr
		}
		attempt++
	}
}

// WithCallTimeout derives the context for a single connector call.
func WithCallTimeout(ctx context.Context, cfg TimeoutConfig) (context.Context, context.CancelFunc) {
	if cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.CallTimeout)
}

// IsRetryableError determines if an error should trigger a retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var connErr *domain.ConnectorError
	if errors.As(err, &connErr) {
		return connErr.Kind == domain.ConnectorTransient
	}

	var decErr *domain.DecryptionError
	if errors.As(err, &decErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCallTimeout) {
		return true
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"temporary failure",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

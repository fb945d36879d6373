package governance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func transient(msg string) error {
	return &domain.ConnectorError{Kind: domain.ConnectorTransient, Connection: "db", Err: errors.New(msg)}
}

func recordingSleep(delays *[]time.Duration) SleepFunc {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetryPolicyRetriesExactlyMaxRetries(t *testing.T) {
	var delays []time.Duration
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     time.Second,
	}).WithSleep(recordingSleep(&delays))

	calls := 0
	var observed []int
	attempts, err := policy.Do(context.Background(), func(context.Context, int) error {
		calls++
		return transient("connection reset by peer")
	}, func(attempt int, _ time.Duration, _ error) {
		observed = append(observed, attempt)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 6, calls)
	assert.Equal(t, 6, attempts)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, observed)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		160 * time.Millisecond,
	}, delays)
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	var delays []time.Duration
	policy := NewRetryPolicy(DefaultRetryConfig()).WithSleep(recordingSleep(&delays))

	calls := 0
	permanent := &domain.ConnectorError{Kind: domain.ConnectorPermanent, Err: errors.New("column does not exist")}
	attempts, err := policy.Do(context.Background(), func(context.Context, int) error {
		calls++
		return permanent
	}, nil)

	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, delays)
}

func TestRetryPolicyRecovers(t *testing.T) {
	var delays []time.Duration
	policy := NewRetryPolicy(DefaultRetryConfig()).WithSleep(recordingSleep(&delays))

	attempts, err := policy.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt < 2 {
			return fmt.Errorf("dial tcp: %w", context.DeadlineExceeded)
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, delays, 2)
}

func TestRetryPolicyDoesNotRetryOpenCircuit(t *testing.T) {
	policy := NewRetryPolicy(DefaultRetryConfig()).WithSleep(func(context.Context, time.Duration) error { return nil })
	calls := 0
	_, err := policy.Do(context.Background(), func(context.Context, int) error {
		calls++
		return ErrCircuitOpen
	}, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := NewRetryPolicy(DefaultRetryConfig()).WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})
	_, err := policy.Do(ctx, func(context.Context, int) error { return transient("timeout") }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoffIsMonotonicAndCapped(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := time.Duration(rapid.IntRange(1, 1000).Draw(t, "initial_ms")) * time.Millisecond
		maxBackoff := initial * time.Duration(rapid.IntRange(1, 64).Draw(t, "cap_factor"))
		policy := NewRetryPolicy(RetryConfig{MaxRetries: 10, InitialBackoff: initial, MaxBackoff: maxBackoff})

		prev := time.Duration(0)
		for attempt := 0; attempt < 12; attempt++ {
			d := policy.CalculateBackoff(attempt)
			if d < prev {
				t.Fatalf("backoff decreased at attempt %d: %s < %s", attempt, d, prev)
			}
			if d > maxBackoff {
				t.Fatalf("backoff %s exceeds cap %s", d, maxBackoff)
			}
			prev = d
		}
	})
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(transient("boom")))
	assert.False(t, IsRetryableError(&domain.ConnectorError{Kind: domain.ConnectorAuthFailure, Err: errors.New("password authentication failed")}))
	assert.False(t, IsRetryableError(&domain.DecryptionError{ConnectionKey: "db", Err: errors.New("timeout")}))
	assert.True(t, IsRetryableError(fmt.Errorf("query: %w", ErrCallTimeout)))
	assert.True(t, IsRetryableError(errors.New("dial tcp 10.0.0.1:5432: connection refused")))
	assert.False(t, IsRetryableError(errors.New("syntax error")))
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: 10 * time.Second, MaxHalfOpenRequests: 1})
	cb.now = clock.Now

	fail := func(context.Context) error { return transient("connection reset") }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	require.Error(t, cb.ExecuteContext(ctx, fail))
	require.Equal(t, StateClosed, cb.State())
	require.Error(t, cb.ExecuteContext(ctx, fail))
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.ExecuteContext(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	clock.now = clock.now.Add(11 * time.Second)
	require.NoError(t, cb.ExecuteContext(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Stats().Failures)
}

func TestCircuitBreakerIgnoresPermanentErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1})
	permanent := &domain.ConnectorError{Kind: domain.ConnectorPermanent, Err: errors.New("bad column")}
	for i := 0; i < 3; i++ {
		_ = cb.ExecuteContext(context.Background(), func(context.Context) error { return permanent })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerManagerIsPerConnection(t *testing.T) {
	m := NewCircuitBreakerManager(CircuitBreakerConfig{MaxFailures: 1})
	_ = m.Get("a").ExecuteContext(context.Background(), func(context.Context) error { return transient("timeout") })

	assert.Equal(t, StateOpen, m.Get("a").State())
	assert.Equal(t, StateClosed, m.Get("b").State())
	assert.Len(t, m.Stats(), 2)

	m.ResetAll()
	assert.Equal(t, StateClosed, m.Get("a").State())
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimiterConfig{"slow": {RequestsPerSecond: 0.001, BurstSize: 1}}, RateLimiterConfig{})

	assert.True(t, rl.Allow("slow"))
	assert.False(t, rl.Allow("slow"))
	assert.True(t, rl.Allow("unlimited"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx, "slow"))
	assert.NoError(t, rl.Wait(context.Background(), "unlimited"))

	rl.Configure(map[string]RateLimiterConfig{"slow": {}})
	assert.True(t, rl.Allow("slow"))
}

func TestWithCallTimeout(t *testing.T) {
	ctx, cancel := WithCallTimeout(context.Background(), TimeoutConfig{CallTimeout: time.Minute})
	defer cancel()
	_, ok := ctx.Deadline()
	assert.True(t, ok)

	ctx2, cancel2 := WithCallTimeout(context.Background(), TimeoutConfig{})
	defer cancel2()
	_, ok = ctx2.Deadline()
	assert.False(t, ok)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/telemetry"
)

// callFunc is one connector operation. It runs with an open connector whose
// credentials are only valid for the duration of the call.
type callFunc func(ctx context.Context, conn connector.Connector) error

// callMeta describes how a governed call went.
type callMeta struct {
	attempts int
	outcome  telemetry.Outcome
}

// governor applies the per-connection limits shared by every request of an
// executor: concurrency cap, rate limit and circuit breaker.
type governor struct {
	maxConcurrent int64
	retry         *governance.RetryPolicy
	timeouts      governance.TimeoutConfig
	breakers      *governance.CircuitBreakerManager
	limiter       *governance.RateLimiter
	secrets       CredentialProvider
	connectors    *connector.Registry

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newGovernor(cfg ExecutorConfig) *governor {
	return &governor{
		maxConcurrent: int64(cfg.MaxConcurrentPerConnection),
		retry:         governance.NewRetryPolicy(cfg.Retry).WithSleep(cfg.Sleep),
		timeouts:      cfg.Timeouts,
		breakers:      governance.NewCircuitBreakerManager(cfg.CircuitBreaker),
		limiter:       governance.NewRateLimiter(cfg.RateLimits, cfg.DefaultRateLimit),
		secrets:       cfg.Secrets,
		connectors:    cfg.Connectors,
		sems:          make(map[string]*semaphore.Weighted),
	}
}

func (g *governor) semaphore(connectionKey string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()

	sem, ok := g.sems[connectionKey]
	if !ok {
		sem = semaphore.NewWeighted(g.maxConcurrent)
		g.sems[connectionKey] = sem
	}
	return sem
}

// call runs fn against the connection with retries. Each attempt holds a slot
// of the connection's concurrency cap, so backoff waits do not occupy it.
func (g *governor) call(ctx context.Context, connectionKey, op string, fn callFunc, observe governance.RetryObserver) (callMeta, error) {
	breaker := g.breakers.Get(connectionKey)
	sem := g.semaphore(connectionKey)

	attempts, err := g.retry.Do(ctx, func(ctx context.Context, _ int) error {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)

		return breaker.ExecuteContext(ctx, func(ctx context.Context) error {
			if err := g.limiter.Wait(ctx, connectionKey); err != nil {
				return err
			}
			return g.attempt(ctx, connectionKey, op, fn)
		})
	}, observe)

	meta := callMeta{attempts: attempts, outcome: telemetry.OutcomeComplete}
	switch {
	case err == nil:
	case errors.Is(err, governance.ErrCircuitOpen):
		meta.outcome = telemetry.OutcomeCircuitOpen
	case errors.Is(err, governance.ErrCallTimeout):
		meta.outcome = telemetry.OutcomeTimeout
	default:
		meta.outcome = telemetry.OutcomeError
	}
	return meta, err
}

// attempt decrypts the credentials, opens the connector and runs fn under the
// per-call timeout. The connector is closed before the credentials are wiped.
func (g *governor) attempt(ctx context.Context, connectionKey, op string, fn callFunc) error {
	if g.secrets == nil {
		return connector.Permanent(connectionKey, op, errors.New("no credential provider configured"))
	}

	return g.secrets.WithDecrypted(ctx, connectionKey, func(cfg domain.ConnectionConfig, creds connector.Credentials) error {
		conn, err := g.connectors.Open(cfg, creds)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()

		callCtx, cancel := governance.WithCallTimeout(ctx, g.timeouts)
		defer cancel()

		err = fn(callCtx, conn)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s on %s exceeded %s: %w", governance.ErrCallTimeout, op, connectionKey, g.timeouts.CallTimeout, err)
		}
		return err
	})
}

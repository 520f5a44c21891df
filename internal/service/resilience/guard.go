package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/observability"
	"github.com/caretrace/provider-validator/internal/service/breaker"
	"github.com/caretrace/provider-validator/internal/service/ratelimiter"
)

// Guard sequences the shared protections around one connector call: wait for
// a rate-limit slot, consult the circuit breaker, invoke, record the outcome
// and retry transient failures on the connector's schedule. Every retry
// re-acquires a rate-limit slot so backoff never outruns politeness.
type Guard struct {
	limiter  ratelimiter.Limiter
	breaker  breaker.Breaker
	policies map[string]domain.RetryPolicy
	mu       sync.RWMutex
}

func NewGuard(limiter ratelimiter.Limiter, brk breaker.Breaker) *Guard {
	return &Guard{
		limiter:  limiter,
		breaker:  brk,
		policies: map[string]domain.RetryPolicy{},
	}
}

// SetPolicy registers the retry policy for a connector. Unregistered
// connectors fall back to the built-in defaults for their name.
func (g *Guard) SetPolicy(connector string, policy domain.RetryPolicy) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies[connector] = policy
}

func (g *Guard) retryPolicy(connector string) domain.RetryPolicy {
	g.mu.RLock()
	policy, ok := g.policies[connector]
	g.mu.RUnlock()
	if !ok {
		policy = domain.DefaultConnectorPolicy(connector).Retry
	}
	return policy
}

// Do invokes call under the connector's protections and returns the number
// of upstream attempts actually made. An open circuit fails fast without
// consuming the retry budget.
func (g *Guard) Do(ctx context.Context, connector string, call func(context.Context) error) (int, error) {
	policy := g.retryPolicy(connector)

	attempts := 0
	op := func() error {
		// Breaker first: an open circuit fails immediately, before any
		// rate-limit sleep, and does not consume the retry budget.
		if g.breaker != nil {
			if err := g.breaker.Allow(ctx, connector); err != nil {
				return backoff.Permanent(err)
			}
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx, connector); err != nil {
				return backoff.Permanent(err)
			}
		}

		attempts++
		start := time.Now()
		err := call(ctx)
		observability.ObserveSourceRequest(connector, time.Since(start), err)

		if g.breaker != nil {
			// Only upstream-health categories count against the circuit; a
			// clean "not found" is a healthy exchange.
			g.breaker.Record(ctx, connector, err == nil || !Transient(err))
		}
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("transient connector error",
			slog.String("connector", connector),
			slog.Int("attempt", attempts),
			slog.Any("error", err))
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(newSchedule(policy), ctx))
	return attempts, err
}

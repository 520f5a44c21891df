// Package resilience wraps connector calls with the shared protections:
// rate-limit admission, circuit breaking and bounded retries.
package resilience

import (
	"context"
	"errors"
	"net"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/caretrace/provider-validator/internal/domain"
)

// schedule adapts a domain.RetryPolicy to the backoff.BackOff interface.
// Delays are deterministic: min(base*2^n, max) when exponential, else
// base*(n+1), stopping after MaxRetries.
type schedule struct {
	policy  domain.RetryPolicy
	attempt int
}

func newSchedule(policy domain.RetryPolicy) *schedule {
	return &schedule{policy: policy}
}

func (s *schedule) NextBackOff() time.Duration {
	if s.attempt >= s.policy.MaxRetries {
		return backoff.Stop
	}
	d := s.policy.Delay(s.attempt)
	s.attempt++
	return d
}

func (s *schedule) Reset() {
	s.attempt = 0
}

// RetryWithPolicy runs op on the policy's schedule until it succeeds, returns
// a permanent error, exhausts the retry budget or the context is done.
func RetryWithPolicy(ctx context.Context, policy domain.RetryPolicy, op backoff.Operation) error {
	return backoff.Retry(op, backoff.WithContext(newSchedule(policy), ctx))
}

// Transient reports whether an error belongs to a retryable category:
// connection failures, timeouts, 5xx responses and upstream rate limits.
// Open circuits and robots denials are never retried in place.
func Transient(err error) bool {
	var statusErr *domain.UpstreamStatusError
	var netErr net.Error
	switch {
	case err == nil:
		return false
	case errors.Is(err, domain.ErrCircuitOpen), errors.Is(err, domain.ErrRobotsBlocked):
		return false
	case errors.Is(err, domain.ErrUpstreamTimeout),
		errors.Is(err, domain.ErrUpstreamRateLimit),
		errors.Is(err, domain.ErrRateLimited):
		return true
	// Per-attempt deadlines are retryable; the task context bounds the total.
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	case errors.As(err, &statusErr):
		return statusErr.Transient()
	case errors.As(err, &netErr):
		return true
	default:
		return false
	}
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/caretrace/provider-validator/internal/domain"
)

func TestSchedule_Exponential(t *testing.T) {
	s := newSchedule(domain.RetryPolicy{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Exponential: true,
	})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := s.NextBackOff(); got != w {
			t.Fatalf("delay %d = %v, want %v", i, got, w)
		}
	}
	if got := s.NextBackOff(); got != backoff.Stop {
		t.Fatalf("expected Stop after retry budget, got %v", got)
	}
}

func TestSchedule_ExponentialCapsAtMax(t *testing.T) {
	s := newSchedule(domain.RetryPolicy{
		MaxRetries:  5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Exponential: true,
	})

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second,
	}
	for i, w := range want {
		if got := s.NextBackOff(); got != w {
			t.Fatalf("delay %d = %v, want %v", i, got, w)
		}
	}

	s = newSchedule(domain.RetryPolicy{
		MaxRetries:  8,
		BaseDelay:   10 * time.Second,
		MaxDelay:    15 * time.Second,
		Exponential: true,
	})
	if got := s.NextBackOff(); got != 10*time.Second {
		t.Fatalf("first delay = %v, want 10s", got)
	}
	for i := 1; i < 8; i++ {
		if got := s.NextBackOff(); got != 15*time.Second {
			t.Fatalf("delay %d = %v, want capped 15s", i, got)
		}
	}
}

func TestSchedule_Linear(t *testing.T) {
	s := newSchedule(domain.RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   time.Minute,
	})

	want := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}
	for i, w := range want {
		if got := s.NextBackOff(); got != w {
			t.Fatalf("delay %d = %v, want %v", i, got, w)
		}
	}
}

func TestSchedule_Reset(t *testing.T) {
	s := newSchedule(domain.RetryPolicy{MaxRetries: 1, BaseDelay: time.Second, Exponential: true})
	if got := s.NextBackOff(); got != time.Second {
		t.Fatalf("delay = %v, want 1s", got)
	}
	if got := s.NextBackOff(); got != backoff.Stop {
		t.Fatalf("expected Stop, got %v", got)
	}
	s.Reset()
	if got := s.NextBackOff(); got != time.Second {
		t.Fatalf("delay after reset = %v, want 1s", got)
	}
}

func TestRetryWithPolicy_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := RetryWithPolicy(context.Background(), domain.RetryPolicy{MaxRetries: 3}, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("op=test: %w", domain.ErrUpstreamTimeout)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryWithPolicy_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := RetryWithPolicy(context.Background(), domain.RetryPolicy{MaxRetries: 2}, func() error {
		calls++
		return domain.ErrUpstreamTimeout
	})
	if !errors.Is(err, domain.ErrUpstreamTimeout) {
		t.Fatalf("expected upstream timeout, got %v", err)
	}
	if calls != 3 { // first attempt plus two retries
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryWithPolicy_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := RetryWithPolicy(context.Background(), domain.RetryPolicy{MaxRetries: 5}, func() error {
		calls++
		return backoff.Permanent(domain.ErrNotFound)
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "connection reset by peer" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

func TestTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"upstream timeout", domain.ErrUpstreamTimeout, true},
		{"upstream rate limit", domain.ErrUpstreamRateLimit, true},
		{"rate limited", domain.ErrRateLimited, true},
		{"circuit open", domain.ErrCircuitOpen, false},
		{"robots blocked", domain.ErrRobotsBlocked, false},
		{"attempt deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"wrapped timeout", fmt.Errorf("op=geocode.fetch: %w", domain.ErrUpstreamTimeout), true},
		{"status 500", &domain.UpstreamStatusError{Connector: "geocoder", Status: 500}, true},
		{"status 503", &domain.UpstreamStatusError{Connector: "geocoder", Status: 503}, true},
		{"status 429", &domain.UpstreamStatusError{Connector: "geocoder", Status: 429}, true},
		{"status 404", &domain.UpstreamStatusError{Connector: "geocoder", Status: 404}, false},
		{"status 400", &domain.UpstreamStatusError{Connector: "geocoder", Status: 400}, false},
		{"net error", fakeNetError{}, true},
		{"not found", domain.ErrNotFound, false},
		{"invalid argument", domain.ErrInvalidArgument, false},
		{"schema invalid", domain.ErrSchemaInvalid, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Transient(tc.err); got != tc.want {
				t.Fatalf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

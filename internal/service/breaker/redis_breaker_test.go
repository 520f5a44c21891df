package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/caretrace/provider-validator/internal/domain"
)

func newTestBreaker(t *testing.T) (*RedisBreaker, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBreaker(rdb)

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return b, mr, cleanup
}

func fixClock(b *RedisBreaker, start time.Time) func(d time.Duration) {
	now := start
	b.now = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

var testPolicy = domain.BreakerPolicy{
	FailureThreshold: 3,
	RecoveryTimeout:  60 * time.Second,
	HalfOpenMaxCalls: 2,
}

// tripOpen drives the breaker from closed to open with consecutive failures.
func tripOpen(t *testing.T, b *RedisBreaker, connector string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < testPolicy.FailureThreshold; i++ {
		if err := b.Allow(ctx, connector); err != nil {
			t.Fatalf("failure %d: expected admit while closed, got %v", i, err)
		}
		b.Record(ctx, connector, false)
	}
	if err := b.Allow(ctx, connector); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen once threshold reached, got %v", err)
	}
}

func TestAllow_ClosedByDefault(t *testing.T) {
	b, _, cleanup := newTestBreaker(t)
	defer cleanup()

	b.SetPolicy("conn", testPolicy)
	if err := b.Allow(context.Background(), "conn"); err != nil {
		t.Fatalf("fresh breaker should admit, got %v", err)
	}
	state, err := b.State(context.Background(), "conn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateClosed {
		t.Fatalf("state = %q, want closed", state)
	}
}

func TestRecord_SuccessResetsFailureCount(t *testing.T) {
	b, _, cleanup := newTestBreaker(t)
	defer cleanup()
	ctx := context.Background()

	b.SetPolicy("conn", testPolicy)
	fixClock(b, time.Unix(1_700_000_000, 0))

	// Two failures, then a success, then two more failures: never reaches
	// the consecutive threshold of three.
	b.Record(ctx, "conn", false)
	b.Record(ctx, "conn", false)
	b.Record(ctx, "conn", true)
	b.Record(ctx, "conn", false)
	b.Record(ctx, "conn", false)

	if err := b.Allow(ctx, "conn"); err != nil {
		t.Fatalf("breaker should still be closed, got %v", err)
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _, cleanup := newTestBreaker(t)
	defer cleanup()

	b.SetPolicy("conn", testPolicy)
	fixClock(b, time.Unix(1_700_000_000, 0))
	tripOpen(t, b, "conn")

	state, _ := b.State(context.Background(), "conn")
	if state != StateOpen {
		t.Fatalf("state = %q, want open", state)
	}
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	b, _, cleanup := newTestBreaker(t)
	defer cleanup()
	ctx := context.Background()

	b.SetPolicy("conn", testPolicy)
	advance := fixClock(b, time.Unix(1_700_000_000, 0))
	tripOpen(t, b, "conn")

	// Still open just before the recovery timeout.
	advance(testPolicy.RecoveryTimeout - time.Second)
	if err := b.Allow(ctx, "conn"); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected open before recovery timeout, got %v", err)
	}

	// Past the timeout: up to HalfOpenMaxCalls probes admitted, no more.
	advance(2 * time.Second)
	for i := 0; i < testPolicy.HalfOpenMaxCalls; i++ {
		if err := b.Allow(ctx, "conn"); err != nil {
			t.Fatalf("probe %d: expected admit, got %v", i, err)
		}
	}
	if err := b.Allow(ctx, "conn"); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected probe budget exhausted, got %v", err)
	}

	state, _ := b.State(ctx, "conn")
	if state != StateHalfOpen {
		t.Fatalf("state = %q, want half_open", state)
	}
}

func TestBreaker_AllProbesSucceedCloses(t *testing.T) {
	b, _, cleanup := newTestBreaker(t)
	defer cleanup()
	ctx := context.Background()

	b.SetPolicy("conn", testPolicy)
	advance := fixClock(b, time.Unix(1_700_000_000, 0))
	tripOpen(t, b, "conn")

	advance(testPolicy.RecoveryTimeout)
	for i := 0; i < testPolicy.HalfOpenMaxCalls; i++ {
		if err := b.Allow(ctx, "conn"); err != nil {
			t.Fatalf("probe %d: expected admit, got %v", i, err)
		}
		b.Record(ctx, "conn", true)
	}

	state, _ := b.State(ctx, "conn")
	if state != StateClosed {
		t.Fatalf("state = %q, want closed after successful probes", state)
	}

	// Failure count was reset: two failures must not re-open.
	b.Record(ctx, "conn", false)
	b.Record(ctx, "conn", false)
	if err := b.Allow(ctx, "conn"); err != nil {
		t.Fatalf("breaker should remain closed below threshold, got %v", err)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, _, cleanup := newTestBreaker(t)
	defer cleanup()
	ctx := context.Background()

	b.SetPolicy("conn", testPolicy)
	advance := fixClock(b, time.Unix(1_700_000_000, 0))
	tripOpen(t, b, "conn")

	advance(testPolicy.RecoveryTimeout)
	if err := b.Allow(ctx, "conn"); err != nil {
		t.Fatalf("expected probe admit, got %v", err)
	}
	b.Record(ctx, "conn", false)

	state, _ := b.State(ctx, "conn")
	if state != StateOpen {
		t.Fatalf("state = %q, want open after probe failure", state)
	}

	// The probe failure restarted the recovery clock.
	advance(testPolicy.RecoveryTimeout - time.Second)
	if err := b.Allow(ctx, "conn"); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected open until a full recovery interval elapses, got %v", err)
	}
	advance(2 * time.Second)
	if err := b.Allow(ctx, "conn"); err != nil {
		t.Fatalf("expected half-open probe after recovery, got %v", err)
	}
}

func TestBreaker_StragglerFailureExtendsOpen(t *testing.T) {
	b, _, cleanup := newTestBreaker(t)
	defer cleanup()
	ctx := context.Background()

	b.SetPolicy("conn", testPolicy)
	advance := fixClock(b, time.Unix(1_700_000_000, 0))
	tripOpen(t, b, "conn")

	// A slow in-flight call reports failure half-way through recovery.
	advance(30 * time.Second)
	b.Record(ctx, "conn", false)

	advance(testPolicy.RecoveryTimeout - time.Second)
	if err := b.Allow(ctx, "conn"); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected recovery deadline pushed out by straggler, got %v", err)
	}
}

func TestBreaker_ScrapedDefaultsByConnectorName(t *testing.T) {
	b, _, cleanup := newTestBreaker(t)
	defer cleanup()
	ctx := context.Background()

	fixClock(b, time.Unix(1_700_000_000, 0))

	// Licensing boards default to a threshold of three.
	connector := domain.LicenseBoardConnector("tx")
	for i := 0; i < 3; i++ {
		b.Record(ctx, connector, false)
	}
	if err := b.Allow(ctx, connector); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected scraped-site threshold of 3 to open the circuit, got %v", err)
	}
}

func TestBreaker_RedisDown_FailOpen(t *testing.T) {
	b, mr, cleanup := newTestBreaker(t)
	defer cleanup()
	ctx := context.Background()

	b.SetPolicy("conn", testPolicy)
	mr.Close()

	if err := b.Allow(ctx, "conn"); err != nil {
		t.Fatalf("expected fail-open admit when Redis is unreachable, got %v", err)
	}
	// Outcome recording must not panic either.
	b.Record(ctx, "conn", false)
}

func TestBreaker_NilSafe(t *testing.T) {
	var b *RedisBreaker
	if err := b.Allow(context.Background(), "conn"); err != nil {
		t.Fatalf("nil breaker should admit, got %v", err)
	}
	b.Record(context.Background(), "conn", true)
	b.SetPolicy("conn", testPolicy)

	state, err := b.State(context.Background(), "conn")
	if err != nil || state != StateClosed {
		t.Fatalf("nil breaker state = %q, %v; want closed, nil", state, err)
	}
}

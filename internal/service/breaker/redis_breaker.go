// Package breaker implements the per-connector circuit breaker on Redis so
// that every worker process observes the same state and a flapping upstream
// is shielded across the whole fleet, not per process.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/observability"
)

// Breaker states as stored in Redis and reported in metrics.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Breaker guards connector calls with a shared circuit breaker.
type Breaker interface {
	// Allow reports whether a call may proceed. It returns
	// domain.ErrCircuitOpen while the circuit rejects traffic.
	Allow(ctx context.Context, connector string) error
	// Record feeds a call outcome back into the state machine.
	Record(ctx context.Context, connector string, success bool)
}

// RedisBreaker keeps one state hash per connector. Transitions run inside
// Lua scripts so concurrent workers cannot race a half-open probe budget or
// double-open a circuit.
type RedisBreaker struct {
	redis    *redis.Client
	before   *redis.Script
	after    *redis.Script
	policies map[string]domain.BreakerPolicy
	mu       sync.RWMutex
	now      func() time.Time
}

func NewRedisBreaker(rdb *redis.Client) *RedisBreaker {
	if rdb == nil {
		return nil
	}
	return &RedisBreaker{
		redis:    rdb,
		before:   redis.NewScript(luaBreakerBefore),
		after:    redis.NewScript(luaBreakerAfter),
		policies: map[string]domain.BreakerPolicy{},
		now:      time.Now,
	}
}

// State hashes carry a sliding TTL so retired connectors do not leak keys.
const stateTTLMS = 24 * 60 * 60 * 1000

// Admission check. open -> half_open happens here once the recovery timeout
// has elapsed since the last failure; the transitioning caller takes the
// first probe slot. A half-open circuit whose probes never reported back
// reclaims the slots after another recovery interval.
// Returns {admit, state, transitioned}.
const luaBreakerBefore = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local recovery_ms = tonumber(ARGV[2])
local max_probes = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call("HGET", key, "state")
if not state then
  state = "closed"
end

if state == "closed" then
  return { 1, state, 0 }
end

if state == "open" then
  local last = tonumber(redis.call("HGET", key, "last_failure_ms") or "0")
  if now_ms - last >= recovery_ms then
    redis.call("HSET", key, "state", "half_open", "probes", 1, "probe_successes", 0, "since_ms", now_ms)
    redis.call("PEXPIRE", key, ttl_ms)
    return { 1, "half_open", 1 }
  end
  return { 0, "open", 0 }
end

local probes = tonumber(redis.call("HGET", key, "probes") or "0")
if probes < max_probes then
  redis.call("HINCRBY", key, "probes", 1)
  redis.call("PEXPIRE", key, ttl_ms)
  return { 1, "half_open", 0 }
end

local since = tonumber(redis.call("HGET", key, "since_ms") or "0")
if now_ms - since >= recovery_ms then
  redis.call("HSET", key, "probes", 1, "probe_successes", 0, "since_ms", now_ms)
  redis.call("PEXPIRE", key, ttl_ms)
  return { 1, "half_open", 0 }
end

return { 0, "half_open", 0 }
`

// Outcome recording. closed counts consecutive failures and opens at the
// threshold; half_open closes after max_probes successes and reverts to open
// on any probe failure; a straggler failing while already open pushes the
// recovery deadline out. Returns {state, transitioned}.
const luaBreakerAfter = `
local key = KEYS[1]
local ok = tonumber(ARGV[1])
local now_ms = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local max_probes = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call("HGET", key, "state")
if not state then
  state = "closed"
end

if state == "half_open" then
  if ok == 1 then
    local succ = redis.call("HINCRBY", key, "probe_successes", 1)
    redis.call("PEXPIRE", key, ttl_ms)
    if succ >= max_probes then
      redis.call("HSET", key, "state", "closed", "failures", 0, "probes", 0, "probe_successes", 0, "since_ms", now_ms)
      return { "closed", 1 }
    end
    return { "half_open", 0 }
  end
  redis.call("HSET", key, "state", "open", "last_failure_ms", now_ms, "probes", 0, "probe_successes", 0, "since_ms", now_ms)
  redis.call("PEXPIRE", key, ttl_ms)
  return { "open", 1 }
end

if state == "open" then
  if ok == 0 then
    redis.call("HSET", key, "last_failure_ms", now_ms)
    redis.call("PEXPIRE", key, ttl_ms)
  end
  return { "open", 0 }
end

if ok == 1 then
  local fails = tonumber(redis.call("HGET", key, "failures") or "0")
  if fails > 0 then
    redis.call("HSET", key, "failures", 0)
    redis.call("PEXPIRE", key, ttl_ms)
  end
  return { "closed", 0 }
end

local fails = redis.call("HINCRBY", key, "failures", 1)
redis.call("HSET", key, "last_failure_ms", now_ms)
if fails >= threshold then
  redis.call("HSET", key, "state", "open", "probes", 0, "probe_successes", 0, "since_ms", now_ms)
  redis.call("PEXPIRE", key, ttl_ms)
  return { "open", 1 }
end
redis.call("PEXPIRE", key, ttl_ms)
return { "closed", 0 }
`

// SetPolicy registers the breaker policy for a connector. Unregistered
// connectors fall back to the built-in defaults for their name.
func (b *RedisBreaker) SetPolicy(connector string, policy domain.BreakerPolicy) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policies[connector] = policy
}

func (b *RedisBreaker) policyFor(connector string) domain.BreakerPolicy {
	b.mu.RLock()
	policy, ok := b.policies[connector]
	b.mu.RUnlock()
	if !ok {
		policy = domain.DefaultConnectorPolicy(connector).Breaker
	}
	return policy
}

func (b *RedisBreaker) Allow(ctx context.Context, connector string) error {
	if b == nil || b.redis == nil {
		return nil
	}
	policy := b.policyFor(connector)

	res, err := b.before.Run(ctx, b.redis,
		[]string{stateKey(connector)},
		b.now().UnixMilli(),
		policy.RecoveryTimeout.Milliseconds(),
		policy.HalfOpenMaxCalls,
		stateTTLMS,
	).Result()
	if err != nil {
		slog.Warn("circuit breaker store unreachable, admitting",
			slog.String("connector", connector), slog.Any("error", err))
		// Fail open: with no shared state the breaker cannot shield anyone.
		return nil
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Warn("circuit breaker unexpected script result",
			slog.String("connector", connector), slog.Any("result", res))
		return nil
	}

	state := toString(vals[1])
	if toInt64(vals[2]) == 1 {
		b.logTransition(connector, state)
	}
	if toInt64(vals[0]) != 1 {
		return domain.ErrCircuitOpen
	}
	return nil
}

func (b *RedisBreaker) Record(ctx context.Context, connector string, success bool) {
	if b == nil || b.redis == nil {
		return
	}
	policy := b.policyFor(connector)

	okArg := 0
	if success {
		okArg = 1
	}
	res, err := b.after.Run(ctx, b.redis,
		[]string{stateKey(connector)},
		okArg,
		b.now().UnixMilli(),
		policy.FailureThreshold,
		policy.HalfOpenMaxCalls,
		stateTTLMS,
	).Result()
	if err != nil {
		slog.Warn("circuit breaker store unreachable, outcome dropped",
			slog.String("connector", connector), slog.Any("error", err))
		return
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Warn("circuit breaker unexpected script result",
			slog.String("connector", connector), slog.Any("result", res))
		return
	}
	if toInt64(vals[1]) == 1 {
		b.logTransition(connector, toString(vals[0]))
	}
}

// State reports the current circuit state for diagnostics.
func (b *RedisBreaker) State(ctx context.Context, connector string) (string, error) {
	if b == nil || b.redis == nil {
		return StateClosed, nil
	}
	state, err := b.redis.HGet(ctx, stateKey(connector), "state").Result()
	if err == redis.Nil {
		return StateClosed, nil
	}
	if err != nil {
		return "", err
	}
	return state, nil
}

func (b *RedisBreaker) logTransition(connector, state string) {
	observability.BreakerTransition(connector, state)
	slog.Info("circuit breaker state change",
		slog.String("connector", connector), slog.String("state", state))
}

func stateKey(connector string) string {
	return "breaker:" + connector
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

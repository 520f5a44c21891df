package ratelimiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/observability"
)

// Limiter admits outbound source-connector calls subject to per-connector
// request ceilings.
type Limiter interface {
	// Check reports whether one request may proceed now. When denied, wait
	// is the duration after which a retry can succeed.
	Check(ctx context.Context, connector string) (allowed bool, wait time.Duration, err error)
	// Wait blocks until a request is admitted or the context is done.
	Wait(ctx context.Context, connector string) error
}

// RedisLuaLimiter enforces, per connector, a sliding window of admitted
// request timestamps (requests per minute) and a pacing gap between
// consecutive requests (requests per second). State lives in Redis so every
// worker process shares one window and restarts do not reset it.
type RedisLuaLimiter struct {
	redis    *redis.Client
	script   *redis.Script
	policies map[string]domain.RatePolicy
	gaps     map[string]time.Duration
	mu       sync.RWMutex
	now      func() time.Time
}

func NewRedisLuaLimiter(rdb *redis.Client) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	return &RedisLuaLimiter{
		redis:    rdb,
		script:   redis.NewScript(luaSlidingWindowScript),
		policies: map[string]domain.RatePolicy{},
		gaps:     map[string]time.Duration{},
		now:      time.Now,
	}
}

// The script trims expired entries, then admits iff the window count is below
// the per-minute limit and the pacing gap since the newest entry has elapsed.
// Denials are not recorded. Returns {allowed, wait_ms, count}.
const luaSlidingWindowScript = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local gap_ms = tonumber(ARGV[4])
local member = ARGV[5]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now_ms - window_ms)

local count = redis.call("ZCARD", key)

local gap_wait = 0
if gap_ms > 0 and count > 0 then
  local last = redis.call("ZRANGE", key, -1, -1, "WITHSCORES")
  if last[2] ~= nil then
    local elapsed = now_ms - tonumber(last[2])
    if elapsed < gap_ms then
      gap_wait = gap_ms - elapsed
    end
  end
end

local window_wait = 0
if count >= limit then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  if oldest[2] ~= nil then
    window_wait = (tonumber(oldest[2]) + window_ms) - now_ms
    if window_wait < 0 then
      window_wait = 0
    end
  end
end

local wait = gap_wait
if window_wait > wait then
  wait = window_wait
end

if wait > 0 then
  return { 0, wait, count }
end

redis.call("ZADD", key, now_ms, member)
local ttl = window_ms
if gap_ms > ttl then
  ttl = gap_ms
end
redis.call("PEXPIRE", key, ttl + 1000)

return { 1, 0, count + 1 }
`

// SetPolicy registers the rate policy for a connector. Unregistered
// connectors fall back to the built-in defaults for their name.
func (l *RedisLuaLimiter) SetPolicy(connector string, policy domain.RatePolicy) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[connector] = policy
}

// ObserveCrawlDelay records the robots.txt crawl-delay for a connector. The
// effective pacing gap is the slower of the configured per-second rate and
// the observed crawl-delay, re-evaluated on every check so a lowered delay
// takes effect after the robots cache refreshes.
func (l *RedisLuaLimiter) ObserveCrawlDelay(connector string, delay time.Duration) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if delay <= 0 {
		delete(l.gaps, connector)
		return
	}
	l.gaps[connector] = delay
}

func (l *RedisLuaLimiter) policyFor(connector string) (domain.RatePolicy, time.Duration) {
	l.mu.RLock()
	policy, ok := l.policies[connector]
	override := l.gaps[connector]
	l.mu.RUnlock()
	if !ok {
		policy = domain.DefaultConnectorPolicy(connector).Rate
	}
	gap := policy.MinGap()
	if override > gap {
		gap = override
	}
	return policy, gap
}

func (l *RedisLuaLimiter) Check(ctx context.Context, connector string) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	policy, gap := l.policyFor(connector)
	if policy.PerMinute <= 0 {
		return true, 0, nil
	}

	now := l.now()
	res, err := l.script.Run(ctx, l.redis,
		[]string{windowKey(connector)},
		now.UnixMilli(),
		policy.Window.Milliseconds(),
		policy.PerMinute,
		gap.Milliseconds(),
		uuid.NewString(),
	).Result()
	if err != nil {
		slog.Warn("rate limiter store unreachable, admitting",
			slog.String("connector", connector), slog.Any("error", err))
		observability.RateLimitDecision(connector, "fail_open")
		// Fail open so a Redis outage degrades politeness, not availability.
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Warn("rate limiter unexpected script result",
			slog.String("connector", connector), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	wait := time.Duration(toInt64(vals[1])) * time.Millisecond
	if allowed {
		observability.RateLimitDecision(connector, "allowed")
	} else {
		observability.RateLimitDecision(connector, "denied")
	}
	return allowed, wait, nil
}

func (l *RedisLuaLimiter) Wait(ctx context.Context, connector string) error {
	for {
		allowed, wait, _ := l.Check(ctx, connector)
		if allowed {
			return nil
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func windowKey(connector string) string {
	return "rate:" + connector
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

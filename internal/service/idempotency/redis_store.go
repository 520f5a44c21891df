package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caretrace/provider-validator/internal/domain"
)

// Records are Redis hashes so the create script can test status and expiry
// without deserializing a blob. Creation wins by atomic script; a record in
// status failed, or past its absolute expiry, yields to a fresh attempt.
var luaPutPending = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_ms') or '0')
local now = tonumber(ARGV[1])

if status and status ~= 'failed' and now < expires then
  return 0
end

redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'status', ARGV[2],
  'job_id', ARGV[3],
  'fingerprint', ARGV[4],
  'response', ARGV[5],
  'created_ms', ARGV[1],
  'updated_ms', ARGV[1],
  'expires_ms', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
return 1
`)

// Updates never touch the key TTL and never resurrect an expired record:
// transitioning a record that Redis already dropped is a no-op.
var luaUpdate = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1],
  'status', ARGV[1],
  'job_id', ARGV[2],
  'response', ARGV[3],
  'updated_ms', ARGV[4])
return 1
`)

// RedisStore implements domain.IdempotencyStore on a Redis hash per record.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewRedisStore builds the store. ttl bounds every record's lifetime from
// creation; updates do not extend it.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{redis: rdb, ttl: ttl, now: time.Now}
}

// PutPending creates the record when absent, expired, or failed, and
// reports whether this call created it. On a lost race the existing record
// comes back so the caller can replay its outcome.
func (s *RedisStore) PutPending(ctx context.Context, rec domain.IdempotencyRecord) (domain.IdempotencyRecord, bool, error) {
	now := s.now().UTC()
	rec.Status = domain.IdemPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(s.ttl)

	for attempt := 0; attempt < 3; attempt++ {
		res, err := luaPutPending.Run(ctx, s.redis, []string{rec.Key},
			now.UnixMilli(),
			string(rec.Status),
			rec.JobID,
			rec.Fingerprint,
			string(rec.Response),
			rec.ExpiresAt.UnixMilli(),
			s.ttl.Milliseconds(),
		).Result()
		if err != nil {
			return domain.IdempotencyRecord{}, false, fmt.Errorf("op=idempotency.PutPending: %w", err)
		}
		if created, _ := res.(int64); created == 1 {
			return rec, true, nil
		}

		existing, err := s.Get(ctx, rec.Key)
		if err == nil {
			return existing, false, nil
		}
		// The incumbent expired between the script and the read; try to
		// claim again.
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.IdempotencyRecord{}, false, err
		}
	}
	return domain.IdempotencyRecord{}, false, fmt.Errorf("op=idempotency.PutPending: record for %s kept vanishing", rec.Key)
}

// Get returns the record, or domain.ErrNotFound when absent or past its
// absolute expiry.
func (s *RedisStore) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	fields, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("op=idempotency.Get: %w", err)
	}
	if len(fields) == 0 {
		return domain.IdempotencyRecord{}, domain.ErrNotFound
	}
	rec := recordFromHash(key, fields)
	if !s.now().UTC().Before(rec.ExpiresAt) {
		return domain.IdempotencyRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

// Update transitions an existing record's status, job binding and cached
// response. Expired records are left alone.
func (s *RedisStore) Update(ctx context.Context, rec domain.IdempotencyRecord) error {
	res, err := luaUpdate.Run(ctx, s.redis, []string{rec.Key},
		string(rec.Status),
		rec.JobID,
		string(rec.Response),
		s.now().UTC().UnixMilli(),
	).Result()
	if err != nil {
		return fmt.Errorf("op=idempotency.Update: %w", err)
	}
	if updated, _ := res.(int64); updated == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func recordFromHash(key string, fields map[string]string) domain.IdempotencyRecord {
	rec := domain.IdempotencyRecord{
		Key:         key,
		Status:      domain.IdempotencyStatus(fields["status"]),
		JobID:       fields["job_id"],
		Fingerprint: fields["fingerprint"],
		CreatedAt:   msToTime(fields["created_ms"]),
		UpdatedAt:   msToTime(fields["updated_ms"]),
		ExpiresAt:   msToTime(fields["expires_ms"]),
	}
	if body := fields["response"]; body != "" {
		rec.Response = []byte(body)
	}
	return rec
}

func msToTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

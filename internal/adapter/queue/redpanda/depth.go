package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/observability"
)

// DepthTracker mirrors the pending-task count of each logical queue in
// Redis counters so the orchestrator can apply backpressure without an
// admin round trip to the brokers. Counters are advisory: a crash between
// commit and decrement drifts them by at most the in-flight task count.
type DepthTracker struct {
	redis *redis.Client
}

// NewDepthTracker constructs a DepthTracker on the shared Redis client.
func NewDepthTracker(rdb *redis.Client) *DepthTracker {
	return &DepthTracker{redis: rdb}
}

func depthKey(t domain.TaskType) string {
	return "queue:pending:" + t.Queue()
}

// AddBatch bumps the counters for every task in an accepted batch.
func (d *DepthTracker) AddBatch(ctx context.Context, tasks []domain.WorkerTask) error {
	counts := make(map[domain.TaskType]int64)
	for _, t := range tasks {
		counts[t.Type]++
	}

	pipe := d.redis.Pipeline()
	cmds := make(map[domain.TaskType]*redis.IntCmd, len(counts))
	for tt, n := range counts {
		cmds[tt] = pipe.IncrBy(ctx, depthKey(tt), n)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.depth_add: %w", err)
	}
	for tt, cmd := range cmds {
		observability.SetQueueDepth(tt.Queue(), cmd.Val())
	}
	return nil
}

// TaskDone decrements the counter for one finished task. Failures only
// cost gauge accuracy, so they are logged and swallowed.
func (d *DepthTracker) TaskDone(ctx context.Context, t domain.TaskType) {
	n, err := d.redis.Decr(ctx, depthKey(t)).Result()
	if err != nil {
		slog.Warn("queue depth decrement failed",
			slog.String("queue", t.Queue()), slog.Any("error", err))
		return
	}
	if n < 0 {
		// Counter reset raced in-flight tasks; clamp rather than go negative.
		d.redis.Set(ctx, depthKey(t), 0, 0)
		n = 0
	}
	observability.SetQueueDepth(t.Queue(), n)
}

// PendingDepth returns the pending-task count for one queue; a missing
// counter reads as zero.
func (d *DepthTracker) PendingDepth(ctx context.Context, t domain.TaskType) (int64, error) {
	n, err := d.redis.Get(ctx, depthKey(t)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=queue.depth: %w", err)
	}
	return n, nil
}

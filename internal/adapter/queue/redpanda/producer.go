package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/caretrace/provider-validator/internal/domain"
)

// Producer publishes worker tasks with exactly-once semantics and
// implements domain.TaskQueue together with its DepthTracker.
type Producer struct {
	client *kgo.Client
	depth  *DepthTracker
	// txMu serializes transactions on the shared client.
	txMu chan struct{}
}

// NewProducer constructs a transactional producer and bootstraps the
// per-task-type topics.
func NewProducer(ctx context.Context, brokers []string, transactionalID string, partitions int32, replication int16, depth *DepthTracker) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.producer: no seed brokers")
	}
	if transactionalID == "" {
		transactionalID = "provider-validator-producer"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.producer: %w", err)
	}

	if err := EnsureTopics(ctx, client, partitions, replication); err != nil {
		// Brokers may deny topic admin to this principal; consumers also
		// ensure topics, so keep going.
		slog.Warn("topic bootstrap failed", slog.Any("error", err))
	}

	slog.Info("queue producer ready",
		slog.Any("brokers", brokers),
		slog.String("transactional_id", transactionalID))
	return &Producer{client: client, depth: depth, txMu: make(chan struct{}, 1)}, nil
}

// EnqueueBatch publishes every task of a submission in one Kafka
// transaction. Consumers fetch read-committed, so the batch becomes
// visible whole or not at all.
func (p *Producer) EnqueueBatch(ctx domain.Context, tasks []domain.WorkerTask) error {
	if len(tasks) == 0 {
		return nil
	}

	select {
	case p.txMu <- struct{}{}:
		defer func() { <-p.txMu }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=queue.enqueue_batch: begin: %w", err)
	}

	promise := kgo.AbortingFirstErrPromise(p.client)
	for i := range tasks {
		rec, err := taskRecord(tasks[i])
		if err != nil {
			p.abort(ctx)
			return fmt.Errorf("op=queue.enqueue_batch: %w", err)
		}
		p.client.Produce(ctx, rec, promise.Promise())
	}
	if err := promise.Err(); err != nil {
		p.abort(ctx)
		return fmt.Errorf("op=queue.enqueue_batch: produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=queue.enqueue_batch: commit: %w", err)
	}

	if p.depth != nil {
		if err := p.depth.AddBatch(ctx, tasks); err != nil {
			slog.Warn("queue depth update failed", slog.Any("error", err))
		}
	}
	slog.Info("task batch enqueued",
		slog.String("job_id", tasks[0].JobID),
		slog.Int("tasks", len(tasks)))
	return nil
}

// PendingDepth reports the tracked pending-task count for one task type.
func (p *Producer) PendingDepth(ctx domain.Context, t domain.TaskType) (int64, error) {
	if p.depth == nil {
		return 0, nil
	}
	return p.depth.PendingDepth(ctx, t)
}

// Ping verifies broker connectivity, for readiness probes.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close releases the underlying client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

func (p *Producer) abort(ctx context.Context) {
	if err := p.client.EndTransaction(ctx, kgo.TryAbort); err != nil {
		slog.Error("abort transaction failed", slog.Any("error", err))
	}
}

// taskRecord encodes a task for its type's topic. The provider id keys the
// record so one provider's tasks stay ordered within a partition.
func taskRecord(t domain.WorkerTask) (*kgo.Record, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", t.TaskID, err)
	}
	return &kgo.Record{
		Topic: t.Type.Queue(),
		Key:   []byte(t.ProviderID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(t.JobID)},
			{Key: "provider_id", Value: []byte(t.ProviderID)},
			{Key: "priority", Value: []byte(t.Priority)},
			{Key: "task_id", Value: []byte(t.TaskID)},
		},
	}, nil
}

package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/observability"
)

// TaskHandler processes one delivered task. A returned error means the
// infrastructure failed (result could not be persisted) and the record
// must be redelivered; source failures never surface here because they
// are encoded into the stored WorkerResult.
type TaskHandler interface {
	Handle(ctx context.Context, task domain.WorkerTask) error
}

// Consumer drains one task type's topic with a fixed worker pool. Offsets
// are marked only after the handler returns, so a crash mid-task causes a
// redelivery; the result log deduplicates by task id.
type Consumer struct {
	client   *kgo.Client
	handler  TaskHandler
	depth    *DepthTracker
	taskType domain.TaskType
	groupID  string
	workers  int
	records  chan *kgo.Record
}

// NewConsumer constructs a group consumer for one task type. Worker count
// comes from configuration: small pools for scraped sources keep the
// politeness delays from stacking goroutines, API sources run wider.
func NewConsumer(ctx context.Context, brokers []string, taskType domain.TaskType, workers int, handler TaskHandler, depth *DepthTracker, partitions int32, replication int16) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.consumer: no seed brokers")
	}
	if handler == nil {
		return nil, fmt.Errorf("op=queue.consumer: nil handler")
	}
	if workers <= 0 {
		workers = 1
	}
	groupID := "validator-" + taskType.Queue()

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(taskType.Queue()),
		// Read committed keeps half-published batches invisible until the
		// producer's transaction lands.
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
		kgo.FetchMaxWait(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.consumer: %w", err)
	}

	if err := createTopicIfNotExists(ctx, client, taskType.Queue(), partitions, replication); err != nil {
		slog.Warn("topic bootstrap failed",
			slog.String("topic", taskType.Queue()), slog.Any("error", err))
	}

	slog.Info("queue consumer ready",
		slog.String("topic", taskType.Queue()),
		slog.String("group_id", groupID),
		slog.Int("workers", workers))
	return &Consumer{
		client:   client,
		handler:  handler,
		depth:    depth,
		taskType: taskType,
		groupID:  groupID,
		workers:  workers,
		records:  make(chan *kgo.Record, workers*2),
	}, nil
}

// Run consumes until the context ends. Each fetched batch dispatches
// urgent work first; offset order preserves FIFO within a priority class.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, id)
		}(i)
	}

poll:
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				break poll
			}
			slog.Error("fetch error",
				slog.String("topic", fe.Topic),
				slog.Int("partition", int(fe.Partition)),
				slog.Any("error", fe.Err))
		}

		records := make([]*kgo.Record, 0, fetches.NumRecords())
		fetches.EachRecord(func(r *kgo.Record) {
			records = append(records, r)
		})
		sortByPriority(records)

		for _, rec := range records {
			select {
			case c.records <- rec:
			case <-ctx.Done():
				break poll
			}
		}
	}

	wg.Wait()
	slog.Info("queue consumer stopped", slog.String("topic", c.taskType.Queue()))
	return ctx.Err()
}

// Close releases the underlying client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func (c *Consumer) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-c.records:
			if rec == nil {
				return
			}
			c.handleRecord(ctx, rec, id)
		}
	}
}

func (c *Consumer) handleRecord(ctx context.Context, rec *kgo.Record, workerID int) {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessTask")
	defer span.End()

	var task domain.WorkerTask
	if err := json.Unmarshal(rec.Value, &task); err != nil {
		// An undecodable record would redeliver forever and starve the
		// partition; drop it with a loud log line.
		slog.Error("dropping undecodable task record",
			slog.String("topic", rec.Topic),
			slog.Int64("offset", rec.Offset),
			slog.Int("partition", int(rec.Partition)),
			slog.Any("error", err))
		c.client.MarkCommitRecords(rec)
		return
	}

	lg := observability.LoggerFromContext(ctx).With(
		slog.String("job_id", task.JobID),
		slog.String("provider_id", task.ProviderID),
		slog.String("task_id", task.TaskID),
		slog.String("task_type", string(task.Type)),
		slog.Int("worker_id", workerID))
	ctx = observability.ContextWithLogger(ctx, lg)

	if err := c.handler.Handle(ctx, task); err != nil {
		lg.Error("task left for redelivery", slog.Any("error", err))
		return
	}

	c.client.MarkCommitRecords(rec)
	if c.depth != nil {
		c.depth.TaskDone(ctx, task.Type)
	}
}

// sortByPriority orders a fetched batch urgent-first. The sort is stable,
// so records of equal priority keep their offset order.
func sortByPriority(records []*kgo.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return recordPriority(records[i]).Rank() > recordPriority(records[j]).Rank()
	})
}

// recordPriority reads the priority header; absent or unknown values rank
// as normal.
func recordPriority(rec *kgo.Record) domain.Priority {
	for _, h := range rec.Headers {
		if h.Key == "priority" {
			return domain.Priority(h.Value)
		}
	}
	return domain.PriorityNormal
}

// Package redpanda carries validation tasks from the orchestrator to the
// worker fleet: one topic per task type, a transactional producer for
// all-or-nothing batch activation, and per-type group consumers with fixed
// worker pools.
package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/caretrace/provider-validator/internal/domain"
)

// EnsureTopics creates one topic per task type. Existing topics are left
// untouched, so every process can call this at startup.
func EnsureTopics(ctx context.Context, client *kgo.Client, partitions int32, replication int16) error {
	for _, tt := range domain.AllTaskTypes() {
		if err := createTopicIfNotExists(ctx, client, tt.Queue(), partitions, replication); err != nil {
			return err
		}
	}
	return nil
}

// createTopicIfNotExists creates a topic through the admin API and treats
// TOPIC_ALREADY_EXISTS as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	if topic == "" {
		return fmt.Errorf("op=queue.create_topic: empty topic name")
	}
	if partitions <= 0 {
		partitions = 1
	}
	if replication <= 0 {
		replication = 1
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=queue.create_topic: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=queue.create_topic: unexpected response type %T", resp)
	}

	for _, tr := range createResp.Topics {
		if tr.ErrorCode != 0 {
			// Error code 36 = TOPIC_ALREADY_EXISTS, see
			// https://kafka.apache.org/protocol#protocol_error_codes
			if tr.ErrorCode == 36 {
				continue
			}
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("op=queue.create_topic: %s (code %d)", msg, tr.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", tr.Topic),
			slog.Int("partitions", int(partitions)),
			slog.Int("replication", int(replication)))
	}
	return nil
}

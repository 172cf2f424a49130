// Package kafka publishes document lifecycle events. The publisher is
// optional: when no brokers are configured the pipeline runs without it
// and handlers publish into a nil (no-op) port.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// Topic carries every document lifecycle event type.
const Topic = "dealgraph.document-events"

const errTopicAlreadyExists = 36

// Publisher implements domain.EventPublisher over a franz-go producer.
type Publisher struct {
	client *kgo.Client
}

// New connects a producer and ensures the topic exists. Topic creation
// failure is non-fatal since the broker may auto-create.
func New(ctx context.Context, brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.new: no brokers configured")
	}
	tracer := kotel.NewTracer()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.new: %w", err)
	}
	if err := createTopicIfNotExists(ctx, client, Topic, 3, 1); err != nil {
		slog.Warn("event topic creation failed, relying on broker auto-create",
			"topic", Topic, "error", err)
	}
	return &Publisher{client: client}, nil
}

// Publish emits one event, keyed by deal id so per-deal ordering holds.
func (p *Publisher) Publish(ctx domain.Context, e domain.Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=events.publish type=%s: %w", e.Type, err)
	}
	record := &kgo.Record{
		Topic: Topic,
		Key:   []byte(e.DealID),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=events.publish type=%s: %w", e.Type, err)
	}
	return nil
}

// Close flushes and releases the producer.
func (p *Publisher) Close() {
	p.client.Close()
}

// createTopicIfNotExists issues a CreateTopics request and tolerates
// TOPIC_ALREADY_EXISTS (error code 36).
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replication
	req.Topics = append(req.Topics, t)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	created, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", resp)
	}
	for _, tr := range created.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == errTopicAlreadyExists {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
	}
	return nil
}

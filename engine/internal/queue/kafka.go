package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the franz-go-backed durable queue adapter.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	DLQTopic      string
	ConsumerGroup string
}

// KafkaQueue adapts a github.com/twmb/franz-go client to the Queue
// interface. Acks are expressed as manual offset commits; nacks skip the
// commit and drop the record from the local in-flight table (after
// redeliverAfter, if positive), leaving redelivery to the consumer
// group. Nack does not hand the record back out itself.
type KafkaQueue struct {
	client   *kgo.Client
	cfg      KafkaConfig
	dlqTopic string

	mu            sync.Mutex
	inFlight      map[string]*kgo.Record
	deliveryCount map[string]int
}

// NewKafkaQueue dials brokers and subscribes to cfg.Topic under
// cfg.ConsumerGroup.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka queue: dial brokers: %w", err)
	}
	return &KafkaQueue{
		client:        client,
		cfg:           cfg,
		dlqTopic:      cfg.DLQTopic,
		inFlight:      make(map[string]*kgo.Record),
		deliveryCount: make(map[string]int),
	}, nil
}

func recordID(r *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
}

func (q *KafkaQueue) Pull(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	fetches := q.client.PollRecords(ctx, max)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("kafka queue: client closed")
	}
	var out []Message
	fetches.EachRecord(func(r *kgo.Record) {
		id := recordID(r)
		q.mu.Lock()
		q.inFlight[id] = r
		count := q.deliveryCount[id] + 1
		q.deliveryCount[id] = count
		q.mu.Unlock()
		out = append(out, Message{ID: id, Payload: r.Value, DeliveryCount: count})
	})
	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		errs = append(errs, fmt.Errorf("kafka queue: fetch %s/%d: %w", topic, partition, err))
	})
	if len(errs) > 0 && len(out) == 0 {
		return nil, errs[0]
	}
	return out, nil
}

func (q *KafkaQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	r, ok := q.inFlight[id]
	if ok {
		delete(q.inFlight, id)
		delete(q.deliveryCount, id)
	}
	q.mu.Unlock()
	if !ok {
		return nil // idempotent: repeated ack of an already-resolved id is a no-op
	}
	return q.client.CommitRecords(ctx, r)
}

// Nack drops the record from the in-flight table without committing
// its offset, so the consumer group's rebalance (or this same
// client's next poll once the group re-assigns the partition)
// redelivers it. redeliverAfter is honored by delaying the drop.
func (q *KafkaQueue) Nack(ctx context.Context, id string, redeliverAfter time.Duration) error {
	if redeliverAfter > 0 {
		time.Sleep(redeliverAfter)
	}
	q.mu.Lock()
	delete(q.inFlight, id)
	q.mu.Unlock()
	return nil
}

// Dlq commits the original offset (so it is not redelivered) and, if a
// DLQ topic is configured, republishes the record there with reason as
// a header.
func (q *KafkaQueue) Dlq(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	r, ok := q.inFlight[id]
	if ok {
		delete(q.inFlight, id)
	}
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if q.dlqTopic != "" {
		dlqRecord := &kgo.Record{
			Topic: q.dlqTopic,
			Key:   r.Key,
			Value: r.Value,
			Headers: append(r.Headers, kgo.RecordHeader{
				Key: "dlq_reason", Value: []byte(reason),
			}),
		}
		if err := q.client.ProduceSync(ctx, dlqRecord).FirstErr(); err != nil {
			return fmt.Errorf("kafka queue: republish to dlq: %w", err)
		}
	}
	return q.client.CommitRecords(ctx, r)
}

func (q *KafkaQueue) Close() error {
	q.client.Close()
	return nil
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the part of *kgo.Client the Kafka notifier uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaNotifier publishes notifications to one topic per channel, keyed by
// event id so notifications about one event stay ordered.
type KafkaNotifier struct {
	producer    Producer
	topicPrefix string
}

// NewKafkaNotifier creates a KafkaNotifier. Topics are "<prefix>.<channel>".
func NewKafkaNotifier(p Producer, topicPrefix string) *KafkaNotifier {
	if topicPrefix == "" {
		topicPrefix = "audit.notifications"
	}
	return &KafkaNotifier{producer: p, topicPrefix: topicPrefix}
}

// Topic returns the topic a channel publishes to.
func (k *KafkaNotifier) Topic(ch Channel) string {
	return TopicFor(k.topicPrefix, ch)
}

// TopicFor returns "<prefix>.<channel>".
func TopicFor(prefix string, ch Channel) string {
	return prefix + "." + string(ch)
}

// Notify implements Notifier.
func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	key := n.EventID
	if key == "" {
		key = n.ID
	}
	rec := &kgo.Record{
		Topic: k.Topic(n.Channel),
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(n.Kind)},
			{Key: "severity", Value: []byte(n.Severity)},
		},
	}
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce notification to %s: %w", rec.Topic, err)
	}
	return nil
}

// TopicAdmin is the part of *kadm.Client used to provision topics.
type TopicAdmin interface {
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
}

// EnsureTopics creates the notification topics for every channel. Topics that
// already exist are left alone.
func EnsureTopics(ctx context.Context, admin TopicAdmin, prefix string, partitions int32, replicationFactor int16) error {
	if prefix == "" {
		prefix = "audit.notifications"
	}
	topics := make([]string, 0, len(Channels()))
	for _, ch := range Channels() {
		topics = append(topics, TopicFor(prefix, ch))
	}
	resps, err := admin.CreateTopics(ctx, partitions, replicationFactor, nil, topics...)
	if err != nil {
		return fmt.Errorf("create notification topics: %w", err)
	}
	var errs []error
	for _, r := range resps.Sorted() {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			errs = append(errs, fmt.Errorf("topic %s: %w", r.Topic, r.Err))
		}
	}
	return errors.Join(errs...)
}

package eventcore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// Transport defines an interface for forwarding events to an external system.
type Transport interface {
	Start() error
	Send(ctx context.Context, evt Event) error
	Close() error
}

// KafkaTransport implements Transport using Kafka. Messages are keyed by
// aggregate ID so one aggregate's events stay in order within a partition.
type KafkaTransport struct {
	producer   sarama.SyncProducer
	topic      string
	maxRetries int
	retryDelay time.Duration
	async      bool
}

var _ Transport = (*KafkaTransport)(nil)

// NewKafkaTransport creates a Kafka transport.
func NewKafkaTransport(brokers []string, topic string, opts ...KafkaOption) (*KafkaTransport, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	t := &KafkaTransport{
		topic:      topic,
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.async {
		config.Producer.Return.Successes = false
	}
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	t.producer = producer
	return t, nil
}

// KafkaOption configures KafkaTransport.
type KafkaOption func(*KafkaTransport)

// WithKafkaRetries sets the number of retries.
func WithKafkaRetries(n int) KafkaOption {
	return func(t *KafkaTransport) { t.maxRetries = n }
}

// WithKafkaRetryDelay sets the initial retry delay.
func WithKafkaRetryDelay(d time.Duration) KafkaOption {
	return func(t *KafkaTransport) { t.retryDelay = d }
}

// WithKafkaAsync enables asynchronous producing.
func WithKafkaAsync(async bool) KafkaOption {
	return func(t *KafkaTransport) { t.async = async }
}

// Start initializes the transport.
func (t *KafkaTransport) Start() error {
	return nil
}

// Send forwards an event to Kafka with retry logic.
func (t *KafkaTransport) Send(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", evt.ID, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: t.topic,
		Key:   sarama.StringEncoder(evt.AggregateID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(evt.Type)},
		},
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.retryDelay
	b.MaxElapsedTime = time.Duration(t.maxRetries) * t.retryDelay * 2
	return backoff.Retry(func() error {
		_, _, err := t.producer.SendMessage(msg)
		return err
	}, backoff.WithContext(b, ctx))
}

// Close shuts down the transport.
func (t *KafkaTransport) Close() error {
	return t.producer.Close()
}

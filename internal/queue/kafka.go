package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig represents Apache Kafka configuration
type KafkaConfig struct {
	Brokers      []string      // Kafka broker addresses
	Topic        string        // Shared wake-up topic (default: "meshcoord.mailbox")
	GroupID      string        // Consumer group prefix; each subject gets its own group
	BatchSize    int           // Batch size for producer (default: 100)
	BatchTimeout time.Duration // Batch timeout for producer (default: 10ms)
	MaxRetries   int           // Max write attempts (default: 3)
}

// KafkaQueue implements Queue over one shared topic. The subject travels as the
// message key and every subscription filters on it, so node churn never creates
// topics.
type KafkaQueue struct {
	config        KafkaConfig
	writer        *kafka.Writer
	readers       map[string]*kafka.Reader
	subscriptions map[string]context.CancelFunc
	mu            sync.RWMutex
}

// newKafkaQueue creates a new Kafka queue instance
func newKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	// Apply defaults
	if cfg.Topic == "" {
		cfg.Topic = "meshcoord.mailbox"
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "meshcoord"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	return &KafkaQueue{
		config: cfg,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  cfg.MaxRetries,
		},
		readers:       make(map[string]*kafka.Reader),
		subscriptions: make(map[string]context.CancelFunc),
	}, nil
}

func (q *KafkaQueue) message(subject string, data []byte) kafka.Message {
	return kafka.Message{Key: []byte(subject), Value: data, Time: time.Now()}
}

// Publish publishes a message keyed by subject
func (q *KafkaQueue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := q.writer.WriteMessages(ctx, q.message(subject, data)); err != nil {
		return fmt.Errorf("failed to publish %s to kafka topic %s: %w", subject, q.config.Topic, err)
	}
	return nil
}

// PublishBatch publishes multiple messages in one write
func (q *KafkaQueue) PublishBatch(ctx context.Context, messages []BatchMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, q.message(m.Subject, m.Data))
	}

	if err := q.writer.WriteMessages(ctx, msgs...); err != nil {
		var werr kafka.WriteErrors
		if errors.As(err, &werr) {
			return len(msgs) - werr.Count(), nil
		}
		return 0, fmt.Errorf("failed to publish batch: %w", err)
	}
	return len(msgs), nil
}

// Subscribe consumes the shared topic from the latest offset and hands only
// messages keyed by subject to handler
func (q *KafkaQueue) Subscribe(subject string, handler MessageHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.subscriptions[subject]; exists {
		return fmt.Errorf("already subscribed to topic: %s", subject)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        q.config.Brokers,
		GroupID:        q.config.GroupID + "-" + sanitizeToken(subject),
		Topic:          q.config.Topic,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        time.Second,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	q.readers[subject] = reader
	q.subscriptions[subject] = cancel

	go q.consumeMessages(ctx, reader, subject, handler)
	return nil
}

// consumeMessages reads the topic in a loop; offsets are committed in the
// background since a missed wake-up is harmless
func (q *KafkaQueue) consumeMessages(ctx context.Context, reader *kafka.Reader, subject string, handler MessageHandler) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if string(msg.Key) != subject {
			continue
		}
		_ = handler(msg.Value)
	}
}

// Unsubscribe unsubscribes from a subject
func (q *KafkaQueue) Unsubscribe(subject string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancel, exists := q.subscriptions[subject]
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", subject)
	}

	cancel()
	if reader, ok := q.readers[subject]; ok {
		_ = reader.Close()
		delete(q.readers, subject)
	}
	delete(q.subscriptions, subject)
	return nil
}

// Close closes all readers and the writer
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var lastErr error
	for subject, cancel := range q.subscriptions {
		cancel()
		if reader, ok := q.readers[subject]; ok {
			if err := reader.Close(); err != nil {
				lastErr = err
			}
		}
		delete(q.subscriptions, subject)
		delete(q.readers, subject)
	}

	if err := q.writer.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

// Stats returns writer stats (for monitoring)
func (q *KafkaQueue) Stats() kafka.WriterStats {
	return q.writer.Stats()
}

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig represents NATS connection settings
type NATSConfig struct {
	URL      string
	Username string
	Password string
}

// NATSQueue implements Queue over core NATS subjects. Wake-ups are fire and
// forget, so no JetStream stream is involved.
type NATSQueue struct {
	conn          *nats.Conn
	subscriptions map[string]*nats.Subscription
	mu            sync.RWMutex
}

// newNATSQueue connects to NATS and reconnects forever on connection loss
func newNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	opts := []nats.Option{
		nats.Name("meshcoord"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATSQueueWithConn(conn), nil
}

// newNATSQueueWithConn wraps an existing connection (used in tests)
func newNATSQueueWithConn(conn *nats.Conn) *NATSQueue {
	return &NATSQueue{
		conn:          conn,
		subscriptions: make(map[string]*nats.Subscription),
	}
}

// Publish publishes a message to a subject
func (q *NATSQueue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := q.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to subject %s: %w", subject, err)
	}
	return nil
}

// PublishBatch buffers all messages and flushes once
func (q *NATSQueue) PublishBatch(ctx context.Context, messages []BatchMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	successCount := 0
	for _, msg := range messages {
		if err := q.conn.Publish(msg.Subject, msg.Data); err != nil {
			continue
		}
		successCount++
	}

	// FlushWithContext refuses a context without deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := q.conn.FlushWithContext(ctx); err != nil {
		return successCount, fmt.Errorf("failed to flush batch publish: %w", err)
	}
	return successCount, nil
}

// Subscribe subscribes to a subject with a message handler
func (q *NATSQueue) Subscribe(subject string, handler MessageHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.subscriptions[subject]; exists {
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}

	sub, err := q.conn.Subscribe(subject, func(msg *nats.Msg) {
		_ = handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	q.subscriptions[subject] = sub
	return nil
}

// Unsubscribe unsubscribes from a subject
func (q *NATSQueue) Unsubscribe(subject string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	sub, exists := q.subscriptions[subject]
	if !exists {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from subject %s: %w", subject, err)
	}

	delete(q.subscriptions, subject)
	return nil
}

// Close drains subscriptions and closes the connection
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for subject, sub := range q.subscriptions {
		_ = sub.Unsubscribe()
		delete(q.subscriptions, subject)
	}

	q.conn.Close()
	return nil
}

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig represents Redis pub/sub configuration
type RedisConfig struct {
	URL      string // Redis URL (e.g., redis://localhost:6379)
	Password string // Optional password
	DB       int    // Database number (default: 0)
	Channel  string // Channel prefix (default: "meshcoord")
}

// RedisQueue implements Queue over Redis pub/sub channels
type RedisQueue struct {
	client        *redis.Client
	config        RedisConfig
	subscriptions map[string]*redis.PubSub
	mu            sync.RWMutex
}

// newRedisQueue creates a new Redis queue instance
func newRedisQueue(cfg RedisConfig) (*RedisQueue, error) {
	// Parse URL or use defaults
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		// Fallback to simple options
		opts = &redis.Options{
			Addr:     cfg.URL,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = "meshcoord"
	}

	return &RedisQueue{
		client:        client,
		config:        cfg,
		subscriptions: make(map[string]*redis.PubSub),
	}, nil
}

// channelName converts a subject to a Redis channel name
func (q *RedisQueue) channelName(subject string) string {
	return fmt.Sprintf("%s:%s", q.config.Channel, subject)
}

// Publish publishes a message to a Redis channel
func (q *RedisQueue) Publish(ctx context.Context, subject string, data []byte) error {
	channel := q.channelName(subject)
	if err := q.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis channel %s: %w", channel, err)
	}
	return nil
}

// PublishBatch publishes multiple messages using a Redis pipeline
func (q *RedisQueue) PublishBatch(ctx context.Context, messages []BatchMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	pipe := q.client.Pipeline()
	for _, msg := range messages {
		pipe.Publish(ctx, q.channelName(msg.Subject), msg.Data)
	}

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to execute batch publish: %w", err)
	}

	successCount := 0
	for _, cmd := range cmds {
		if cmd.Err() == nil {
			successCount++
		}
	}
	return successCount, nil
}

// Subscribe subscribes to a Redis channel and waits for the confirmation
func (q *RedisQueue) Subscribe(subject string, handler MessageHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.subscriptions[subject]; exists {
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := q.client.Subscribe(ctx, q.channelName(subject))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	go func() {
		for msg := range ps.Channel() {
			_ = handler([]byte(msg.Payload))
		}
	}()

	q.subscriptions[subject] = ps
	return nil
}

// Unsubscribe unsubscribes from a subject
func (q *RedisQueue) Unsubscribe(subject string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ps, exists := q.subscriptions[subject]
	if !exists {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}

	delete(q.subscriptions, subject)
	return ps.Close()
}

// Close closes all subscriptions and the Redis connection
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for subject, ps := range q.subscriptions {
		_ = ps.Close()
		delete(q.subscriptions, subject)
	}

	return q.client.Close()
}

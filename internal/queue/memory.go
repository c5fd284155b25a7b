package queue

import (
	"context"
	"fmt"
	"sync"
)

// memoryBuffer is the per-subscription backlog before wake-ups are dropped
const memoryBuffer = 64

// MemoryQueue implements Queue in process. It is used in tests and when the
// coordinator and its nodes share one binary.
type MemoryQueue struct {
	mu            sync.RWMutex
	subscriptions map[string]*memorySubscription
	closed        bool
}

type memorySubscription struct {
	ch     chan []byte
	cancel context.CancelFunc
	done   chan struct{}
}

// newMemoryQueue creates a new in-memory queue instance
func newMemoryQueue() *MemoryQueue {
	return &MemoryQueue{subscriptions: make(map[string]*memorySubscription)}
}

// NewMemoryQueue creates an in-process queue
func NewMemoryQueue() *MemoryQueue {
	return newMemoryQueue()
}

// Publish hands data to the subscriber of subject. Without a subscriber the
// message is dropped; a full backlog is an error.
func (q *MemoryQueue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return fmt.Errorf("queue closed")
	}
	sub, ok := q.subscriptions[subject]
	if !ok {
		return nil
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	select {
	case sub.ch <- dataCopy:
		return nil
	default:
		return fmt.Errorf("backlog full for subject: %s", subject)
	}
}

// PublishBatch publishes multiple messages
func (q *MemoryQueue) PublishBatch(ctx context.Context, messages []BatchMessage) (int, error) {
	successCount := 0
	for _, msg := range messages {
		if err := q.Publish(ctx, msg.Subject, msg.Data); err != nil {
			continue
		}
		successCount++
	}
	return successCount, nil
}

// Subscribe starts a consumer goroutine for subject
func (q *MemoryQueue) Subscribe(subject string, handler MessageHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue closed")
	}
	if _, exists := q.subscriptions[subject]; exists {
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{
		ch:     make(chan []byte, memoryBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	q.subscriptions[subject] = sub

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-sub.ch:
				_ = handler(data)
			}
		}
	}()
	return nil
}

// Unsubscribe stops the consumer of subject and waits for it
func (q *MemoryQueue) Unsubscribe(subject string) error {
	q.mu.Lock()
	sub, exists := q.subscriptions[subject]
	if !exists {
		q.mu.Unlock()
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}
	delete(q.subscriptions, subject)
	q.mu.Unlock()

	sub.cancel()
	<-sub.done
	return nil
}

// Close stops every consumer
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	subs := q.subscriptions
	q.subscriptions = make(map[string]*memorySubscription)
	q.closed = true
	q.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}

// Subscribed reports whether subject has a consumer
func (q *MemoryQueue) Subscribed(subject string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.subscriptions[subject]
	return ok
}

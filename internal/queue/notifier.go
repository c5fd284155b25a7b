package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soltixdb/meshcoord/internal/logging"
)

// MailboxSubjectPrefix prefixes every per-node wake-up subject
const MailboxSubjectPrefix = "meshcoord.mailbox."

// MailboxSubject returns the wake-up subject of nodeID
func MailboxSubject(nodeID string) string {
	return MailboxSubjectPrefix + sanitizeToken(nodeID)
}

// WakeUp is the body of a mailbox wake-up
type WakeUp struct {
	NodeID string    `json:"nodeId"`
	At     time.Time `json:"at"`
}

// Notifier publishes mailbox wake-ups; it satisfies messaging.Notifier
type Notifier struct {
	publisher Publisher
	logger    *logging.Logger
	now       func() time.Time
}

// NewNotifier wraps p
func NewNotifier(p Publisher, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.Global()
	}
	return &Notifier{
		publisher: p,
		logger:    logger.With("component", "notifier"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Nudge publishes one wake-up per node. A partial batch is reported as an error.
func (n *Notifier) Nudge(ctx context.Context, nodeIDs ...string) error {
	if len(nodeIDs) == 0 {
		return nil
	}

	at := n.now()
	batch := make([]BatchMessage, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		data, err := json.Marshal(WakeUp{NodeID: id, At: at})
		if err != nil {
			return fmt.Errorf("failed to encode wake-up for %s: %w", id, err)
		}
		batch = append(batch, BatchMessage{Subject: MailboxSubject(id), Data: data})
	}

	if len(batch) == 1 {
		return n.publisher.Publish(ctx, batch[0].Subject, batch[0].Data)
	}

	sent, err := n.publisher.PublishBatch(ctx, batch)
	if err != nil {
		return err
	}
	if sent < len(batch) {
		return fmt.Errorf("published %d of %d wake-ups", sent, len(batch))
	}
	n.logger.Debug("Published wake-ups", "count", sent)
	return nil
}

// WatchMailbox calls fn for every wake-up addressed to nodeID until the returned
// stop function is called. fn must not block.
func WatchMailbox(sub Subscriber, nodeID string, fn func(WakeUp)) (func() error, error) {
	subject := MailboxSubject(nodeID)
	err := sub.Subscribe(subject, func(data []byte) error {
		var w WakeUp
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("invalid wake-up on %s: %w", subject, err)
		}
		fn(w)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() error { return sub.Unsubscribe(subject) }, nil
}

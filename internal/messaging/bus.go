// Package messaging is a store-and-forward mailbox. Every message is a pending
// row addressed to one node; recipients poll, dispatch by type and mark rows
// processed. Delivery is at least once and FIFO per recipient.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/metrics"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/store"
)

// DefaultBatchSize bounds one poll when no limit is given
const DefaultBatchSize = 100

// Recipients resolves the active nodes of a level
type Recipients interface {
	GetActiveNodes(ctx context.Context, level models.Level) ([]*models.Node, error)
}

// Notifier wakes recipients so they poll before their next tick. It carries no
// message content; the store row is the only copy.
type Notifier interface {
	Nudge(ctx context.Context, nodeIDs ...string) error
}

// SendResult is the outcome of Send
type SendResult struct {
	MessageID string
}

// BroadcastResult is the outcome of BroadcastToLevel
type BroadcastResult struct {
	SentCount  int
	MessageIDs []string
}

// ProcessReport summarizes one ProcessPending pass
type ProcessReport struct {
	Polled    int
	Processed int
	Failed    int
	Unknown   int
}

// Options configures a Bus
type Options struct {
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	BatchSize int
	Now       func() time.Time
	NewID     func() string
}

// Bus writes and consumes mailbox rows
type Bus struct {
	store      store.Store
	recipients Recipients
	notifier   Notifier
	metrics    *metrics.Metrics
	logger     *logging.Logger
	batchSize  int
	now        func() time.Time
	newID      func() string
}

// NewBus creates a bus over s. recipients is needed only for broadcasts.
func NewBus(s store.Store, recipients Recipients, opts Options) *Bus {
	b := &Bus{
		store:      s,
		recipients: recipients,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		batchSize:  opts.BatchSize,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if b.logger == nil {
		b.logger = logging.Global()
	}
	b.logger = b.logger.With("component", "messaging")
	if b.batchSize <= 0 {
		b.batchSize = DefaultBatchSize
	}
	if b.now == nil {
		b.now = func() time.Time { return time.Now().UTC() }
	}
	if b.newID == nil {
		b.newID = uuid.NewString
	}
	return b
}

// SetNotifier installs the wake-up transport after construction
func (b *Bus) SetNotifier(n Notifier) {
	b.notifier = n
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		return data, nil
	}
}

func (b *Bus) newMessage(from, to string, msgType models.MessageType, data json.RawMessage, at time.Time) *models.Message {
	if from == "" {
		from = models.SystemSender
	}
	return &models.Message{
		ID:          b.newID(),
		FromNodeID:  from,
		ToNodeID:    to,
		MessageType: msgType,
		MessageData: data,
		Status:      models.MessagePending,
		CreatedAt:   at,
	}
}

// Send stores one pending message for to. It never waits on the recipient.
func (b *Bus) Send(ctx context.Context, from, to string, msgType models.MessageType, payload any) (SendResult, error) {
	if to == "" || msgType == "" {
		return SendResult{}, fmt.Errorf("recipient and message type are required")
	}
	data, err := encodePayload(payload)
	if err != nil {
		return SendResult{}, err
	}

	msg := b.newMessage(from, to, msgType, data, b.now())
	if err := b.store.Update(ctx, func(tx store.Tx) error {
		return tx.InsertMessage(msg)
	}); err != nil {
		return SendResult{}, fmt.Errorf("failed to send %s to %s: %w", msgType, to, err)
	}

	b.metrics.MessageSent(string(msgType))
	b.nudge(ctx, to)
	return SendResult{MessageID: msg.ID}, nil
}

// BroadcastToLevel stores one message per active node of level, skipping
// excludeNodeID. All rows are written in one transaction.
func (b *Bus) BroadcastToLevel(ctx context.Context, level models.Level, from string, msgType models.MessageType, payload any, excludeNodeID string) (BroadcastResult, error) {
	if b.recipients == nil {
		return BroadcastResult{}, fmt.Errorf("broadcast requires a recipient resolver")
	}
	data, err := encodePayload(payload)
	if err != nil {
		return BroadcastResult{}, err
	}
	nodes, err := b.recipients.GetActiveNodes(ctx, level)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("failed to resolve recipients of %s: %w", level.Key(), err)
	}

	now := b.now()
	var msgs []*models.Message
	for _, n := range nodes {
		if n.NodeID == excludeNodeID {
			continue
		}
		msgs = append(msgs, b.newMessage(from, n.NodeID, msgType, data, now))
	}
	if len(msgs) == 0 {
		return BroadcastResult{}, nil
	}

	err = b.store.Update(ctx, func(tx store.Tx) error {
		for _, m := range msgs {
			if err := tx.InsertMessage(m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("failed to broadcast %s to %s: %w", msgType, level.Key(), err)
	}

	res := BroadcastResult{SentCount: len(msgs), MessageIDs: make([]string, 0, len(msgs))}
	recipients := make([]string, 0, len(msgs))
	for _, m := range msgs {
		res.MessageIDs = append(res.MessageIDs, m.ID)
		recipients = append(recipients, m.ToNodeID)
		b.metrics.MessageSent(string(msgType))
	}
	b.nudge(ctx, recipients...)
	return res, nil
}

func (b *Bus) nudge(ctx context.Context, nodeIDs ...string) {
	if b.notifier == nil || len(nodeIDs) == 0 {
		return
	}
	if err := b.notifier.Nudge(ctx, nodeIDs...); err != nil {
		b.logger.Warn("Failed to nudge recipients", "recipients", len(nodeIDs), "error", err)
	}
}

// PollPending returns up to limit pending messages of nodeID, oldest first
func (b *Bus) PollPending(ctx context.Context, nodeID string, limit int) ([]*models.Message, error) {
	return b.pollAfter(ctx, nodeID, nil, limit)
}

func (b *Bus) pollAfter(ctx context.Context, nodeID string, after *store.MessageCursor, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = b.batchSize
	}
	var msgs []*models.Message
	err := b.store.View(ctx, func(tx store.Tx) error {
		var err error
		msgs, err = tx.ListPending(nodeID, after, limit)
		return err
	})
	return msgs, err
}

// Ack marks a message processed; false when it was already processed
func (b *Bus) Ack(ctx context.Context, messageID string) (bool, error) {
	var changed bool
	err := b.store.Update(ctx, func(tx store.Tx) error {
		var err error
		changed, err = tx.MarkProcessed(messageID, b.now())
		return err
	})
	return changed, err
}

// ProcessPending walks nc's whole mailbox once, a page at a time, through d.
// A handler error leaves its message pending for the next pass and the walk
// continues past it; unknown types are marked processed with a warning.
func (b *Bus) ProcessPending(ctx context.Context, nc models.NodeContext, d *Dispatcher) (ProcessReport, error) {
	var (
		report ProcessReport
		after  *store.MessageCursor
	)
	for {
		msgs, err := b.pollAfter(ctx, nc.NodeID, after, b.batchSize)
		if err != nil {
			return report, fmt.Errorf("failed to poll mailbox of %s: %w", nc.NodeID, err)
		}
		report.Polled += len(msgs)

		for _, msg := range msgs {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			b.process(ctx, nc, d, msg, &report)
		}

		if len(msgs) < b.batchSize {
			return report, nil
		}
		after = store.CursorOf(msgs[len(msgs)-1])
	}
}

func (b *Bus) process(ctx context.Context, nc models.NodeContext, d *Dispatcher, msg *models.Message, report *ProcessReport) {
	handler, ok := d.lookup(msg.MessageType)
	if !ok {
		b.logger.Warn("No handler for message type, marking processed",
			"node_id", nc.NodeID,
			"message_id", msg.ID,
			"message_type", string(msg.MessageType))
		b.metrics.MessageProcessed(string(msg.MessageType), metrics.ResultUnknown)
		report.Unknown++
		b.markProcessed(ctx, msg)
		return
	}

	if err := d.invoke(ctx, handler, nc, msg); err != nil {
		b.logger.Error("Message handler failed, leaving message pending",
			"node_id", nc.NodeID,
			"message_id", msg.ID,
			"message_type", string(msg.MessageType),
			"error", err)
		b.metrics.MessageProcessed(string(msg.MessageType), metrics.ResultFailed)
		report.Failed++
		return
	}

	if b.markProcessed(ctx, msg) {
		b.metrics.MessageProcessed(string(msg.MessageType), metrics.ResultOK)
		report.Processed++
	}
}

func (b *Bus) markProcessed(ctx context.Context, msg *models.Message) bool {
	if _, err := b.Ack(ctx, msg.ID); err != nil {
		b.logger.Error("Failed to mark message processed", "message_id", msg.ID, "error", err)
		return false
	}
	return true
}

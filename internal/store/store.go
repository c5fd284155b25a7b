// Package store defines the transactional boundary shared by every coordination
// component. A Store hands out Tx values inside View (read-only) and Update
// (read-write, atomic) callbacks; an Update whose callback returns an error is
// rolled back as a whole.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soltixdb/meshcoord/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert collides with an existing row
	ErrConflict = errors.New("conflict")

	// ErrClosed is returned by operations on a closed store
	ErrClosed = errors.New("store closed")

	// ErrUnavailable is the StoreUnavailable member of the error taxonomy
	ErrUnavailable = models.ErrStoreUnavailable
)

// Unavailable wraps a driver failure so that errors.Is(err, ErrUnavailable) holds
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Store is the shared relational store
type Store interface {
	// View runs fn in a read-only transaction
	View(ctx context.Context, fn func(Tx) error) error
	// Update runs fn in a serializable read-write transaction
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// MessageCursor is a position in mailbox order. ListPending resumes strictly
// after it.
type MessageCursor struct {
	CreatedAt time.Time
	Seq       uint64
}

// CursorOf returns the mailbox position of m
func CursorOf(m *models.Message) *MessageCursor {
	return &MessageCursor{CreatedAt: m.CreatedAt, Seq: m.Seq}
}

// NodeQuery filters ListNodes
type NodeQuery struct {
	ActiveOnly bool
}

// Tx exposes per-table operations inside one transaction
type Tx interface {
	// GetNode looks a node up by id across all levels
	GetNode(nodeID string) (*models.Node, error)
	// InsertNode creates a node; ErrConflict if the id exists
	InsertNode(n *models.Node) error
	// SaveNode overwrites an existing node; ErrNotFound if absent
	SaveNode(n *models.Node) error
	// ListNodes returns the nodes of one level ordered by priority desc,
	// createdAt asc, nodeId asc
	ListNodes(level models.Level, q NodeQuery) ([]*models.Node, error)
	// CountNodes counts nodes of one type across all levels
	CountNodes(t models.NodeType) (int, error)
	// OldestOffline returns the offline node of t with the oldest heartbeat
	OldestOffline(t models.NodeType) (*models.Node, error)
	// DeleteNode removes a node and its heartbeat
	DeleteNode(nodeID string) error
	// SetMainNode clears the flag on every node of the level and sets it on winnerID
	SetMainNode(level models.Level, winnerID string) error

	GetHeartbeat(nodeID string) (*models.HeartbeatRecord, error)
	// PutHeartbeat upserts the record and projects its status onto the node row
	PutHeartbeat(hb *models.HeartbeatRecord) error
	// ListExpired returns active records whose lastHeartbeat is before cutoff
	ListExpired(cutoff time.Time) ([]*models.HeartbeatRecord, error)
	// MarkOffline flips the record to offline only if it is still active and
	// still older than cutoff; it reports whether this call made the change
	MarkOffline(nodeID string, cutoff time.Time) (bool, error)

	// AppendElection assigns the record id and stores it
	AppendElection(rec *models.ElectionRecord) error
	// ListElections returns up to limit records of a level, newest first
	ListElections(level models.Level, limit int) ([]*models.ElectionRecord, error)

	// InsertMessage assigns the sequence number and stores the message
	InsertMessage(m *models.Message) error
	GetMessage(id string) (*models.Message, error)
	// ListPending returns up to limit pending messages for toNodeID ordered by
	// createdAt, then sequence. A non-nil after skips everything up to and
	// including that position.
	ListPending(toNodeID string, after *MessageCursor, limit int) ([]*models.Message, error)
	// MarkProcessed flips a pending message to processed; false if it was not pending
	MarkProcessed(id string, at time.Time) (bool, error)
}

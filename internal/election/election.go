// Package election keeps at most one main node per level. Winners are picked
// deterministically from the sorted candidate list and every change of
// leadership is written to the audit trail in the same transaction.
package election

import (
	"context"
	"fmt"
	"time"

	"github.com/soltixdb/meshcoord/internal/events"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/messaging"
	"github.com/soltixdb/meshcoord/internal/metrics"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/registry"
	"github.com/soltixdb/meshcoord/internal/store"
)

// CandidateSource lists the active nodes of a level in election order
type CandidateSource interface {
	ActiveNodesInTx(tx store.Tx, level models.Level) ([]*models.Node, error)
}

// Broadcaster delivers a notice to every active node of a level except one
type Broadcaster interface {
	BroadcastToLevel(ctx context.Context, level models.Level, from string, msgType models.MessageType, payload any, excludeNodeID string) (messaging.BroadcastResult, error)
}

// Options configures a Coordinator
type Options struct {
	Events  *events.Bus
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	Now     func() time.Time
}

// Coordinator runs elections against the shared store
type Coordinator struct {
	store       store.Store
	candidates  CandidateSource
	broadcaster Broadcaster
	events      *events.Bus
	metrics     *metrics.Metrics
	logger      *logging.Logger
	now         func() time.Time
}

// New creates a coordinator. broadcaster may be nil when no notices are wanted.
func New(s store.Store, candidates CandidateSource, broadcaster Broadcaster, opts Options) *Coordinator {
	c := &Coordinator{
		store:       s,
		candidates:  candidates,
		broadcaster: broadcaster,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if c.logger == nil {
		c.logger = logging.Global()
	}
	c.logger = c.logger.With("component", "election")
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// outcome is what one election transaction decided
type outcome struct {
	winner  *models.Node
	record  *models.ElectionRecord
	changed bool
}

// EnsureMainNode returns the active main node of level, electing one with reason
// automatic when there is none. The check is repeated inside the election
// transaction so racing callers elect at most once.
func (c *Coordinator) EnsureMainNode(ctx context.Context, level models.Level) (*models.Node, error) {
	if err := level.Validate(); err != nil {
		return nil, err
	}

	var current *models.Node
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		current, err = registry.MainNodeInTx(tx, level)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read main node of %s: %w", level.Key(), err)
	}
	if current != nil {
		return current, nil
	}
	return c.elect(ctx, level, models.ElectionAutomatic, true)
}

// ElectMainNode picks the first active candidate of level and makes it the main
// node. It returns nil without side effects when the level has no active node.
func (c *Coordinator) ElectMainNode(ctx context.Context, level models.Level, reason models.ElectionReason) (*models.Node, error) {
	if err := level.Validate(); err != nil {
		return nil, err
	}
	return c.elect(ctx, level, reason, false)
}

func (c *Coordinator) elect(ctx context.Context, level models.Level, reason models.ElectionReason, onlyIfLeaderless bool) (*models.Node, error) {
	var out outcome
	err := c.store.Update(ctx, func(tx store.Tx) error {
		out = outcome{}

		if onlyIfLeaderless {
			current, err := registry.MainNodeInTx(tx, level)
			if err != nil {
				return err
			}
			if current != nil {
				out.winner = current
				return nil
			}
		}

		// 1. Rank candidates
		candidates, err := c.candidates.ActiveNodesInTx(tx, level)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		winner := candidates[0]

		// 2. Find the previous flag holder, active or not
		all, err := tx.ListNodes(level, store.NodeQuery{})
		if err != nil {
			return err
		}
		var previous *string
		for _, n := range all {
			if n.IsMainNode {
				id := n.NodeID
				previous = &id
				break
			}
		}
		if previous != nil && *previous == winner.NodeID {
			out.winner = winner
			return nil
		}

		// 3. Clear and set as one unit, then audit
		if err := tx.SetMainNode(level, winner.NodeID); err != nil {
			return err
		}
		winner.IsMainNode = true
		rec := &models.ElectionRecord{
			Level:        level,
			OldMainNode:  previous,
			NewMainNode:  winner.NodeID,
			Reason:       reason,
			ElectionTime: c.now(),
			Status:       models.ElectionStatusCompleted,
		}
		if err := tx.AppendElection(rec); err != nil {
			return err
		}
		out = outcome{winner: winner, record: rec, changed: true}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("election for %s failed: %w", level.Key(), err)
	}

	if out.winner == nil {
		c.metrics.ElectionEmpty(string(level.NodeType))
		c.logger.Debug("No active candidates, level stays leaderless", "level", level.Key())
		return nil, nil
	}
	if out.changed {
		c.announce(ctx, out)
	}
	return out.winner, nil
}

// announce runs after commit; delivery failures are logged and do not undo the election
func (c *Coordinator) announce(ctx context.Context, out outcome) {
	rec := out.record
	c.metrics.Election(string(rec.Level.NodeType), string(rec.Reason))

	notice := models.LeadershipChanged{
		Level:        rec.Level,
		OldMainNode:  rec.OldMainNode,
		NewMainNode:  rec.NewMainNode,
		Reason:       rec.Reason,
		ElectionTime: rec.ElectionTime,
		IPAddress:    out.winner.IPAddress,
		Port:         out.winner.Port,
	}

	old := ""
	if rec.OldMainNode != nil {
		old = *rec.OldMainNode
	}
	c.logger.Info("Main node elected",
		"level", rec.Level.Key(),
		"new_main_node", rec.NewMainNode,
		"old_main_node", old,
		"reason", string(rec.Reason))

	c.events.Emit(events.Event{
		Kind:    events.MainNodeElected,
		Level:   rec.Level,
		NodeID:  rec.NewMainNode,
		Payload: notice,
		At:      rec.ElectionTime,
	})

	if c.broadcaster == nil {
		return
	}
	res, err := c.broadcaster.BroadcastToLevel(ctx, rec.Level, models.SystemSender, models.MessageLeadershipChanged, notice, rec.NewMainNode)
	if err != nil {
		c.logger.Error("Failed to broadcast leadership change", "level", rec.Level.Key(), "error", err)
		return
	}
	c.logger.Debug("Leadership change broadcast", "level", rec.Level.Key(), "recipients", res.SentCount)
}

// History returns up to limit election records of level, newest first
func (c *Coordinator) History(ctx context.Context, level models.Level, limit int) ([]*models.ElectionRecord, error) {
	if err := level.Validate(); err != nil {
		return nil, err
	}
	var recs []*models.ElectionRecord
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		recs, err = tx.ListElections(level, limit)
		return err
	})
	return recs, err
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soltixdb/meshcoord/internal/events"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/store"
)

// Registration outcomes recorded in metrics
const (
	resultCreated  = "created"
	resultUpdated  = "updated"
	resultRejected = "rejected"
	resultError    = "error"
)

// RegisterResult is the outcome of Register
type RegisterResult struct {
	NodeID  string
	Status  models.NodeStatus
	Created bool
}

// UpdateResult is the outcome of Update
type UpdateResult struct {
	NodeID string
	Status models.NodeStatus
}

// Register inserts a node, or refreshes it when the id is already known
func (r *Registry) Register(ctx context.Context, info models.NodeInfo) (RegisterResult, error) {
	// 1. Validate the declared level
	nodeType, err := models.ParseNodeType(info.NodeType)
	if err != nil {
		r.metrics.Registration("unknown", resultRejected)
		return RegisterResult{}, err
	}
	hierarchy := info.Hierarchy()
	if err := hierarchy.Validate(nodeType); err != nil {
		r.metrics.Registration(string(nodeType), resultRejected)
		return RegisterResult{}, err
	}
	level := models.Level{NodeType: nodeType, Hierarchy: hierarchy}

	nodeID := info.NodeID
	if nodeID == "" {
		nodeID = r.newID()
	}

	// 2. Insert, or fall through to update for a known id
	var (
		node    *models.Node
		created bool
	)
	err = r.store.Update(ctx, func(tx store.Tx) error {
		existing, err := tx.GetNode(nodeID)
		switch {
		case err == nil:
			if existing.Level() != level {
				return fmt.Errorf("%w: node %s is registered at %s, not %s",
					models.ErrInvalidHierarchy, nodeID, existing.Level().Key(), level.Key())
			}
			created = false
			node, err = r.applyPatch(tx, existing, models.PatchFromInfo(info))
			return err
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		count, err := tx.CountNodes(nodeType)
		if err != nil {
			return err
		}
		if err := r.capacity.Admit(tx, nodeType, count); err != nil {
			return err
		}

		now := r.now()
		node = &models.Node{
			NodeID:       nodeID,
			NodeType:     nodeType,
			Hierarchy:    hierarchy,
			IPAddress:    info.IPAddress,
			Port:         info.Port,
			Status:       models.NodeStatusActive,
			CreatedAt:    now,
			UpdatedAt:    now,
			Capabilities: info.Capabilities,
			Metadata:     info.Metadata,
		}
		if info.Priority != nil {
			node.Priority = *info.Priority
		}
		if err := tx.InsertNode(node); err != nil {
			return err
		}
		created = true
		return tx.PutHeartbeat(heartbeatFor(node, now))
	})
	if err != nil {
		result := resultError
		if errors.Is(err, models.ErrCapacityExceeded) || errors.Is(err, models.ErrInvalidHierarchy) {
			result = resultRejected
		}
		r.metrics.Registration(string(nodeType), result)
		r.logger.Warn("Node registration failed", "node_id", nodeID, "level", level.Key(), "error", err)
		return RegisterResult{}, err
	}

	// 3. Notify, then make sure the level has a leader
	if created {
		r.metrics.Registration(string(nodeType), resultCreated)
		r.events.Emit(events.Event{Kind: events.NodeRegistered, Level: level, NodeID: nodeID, Payload: node})
		r.logger.Info("Node registered",
			"node_id", nodeID,
			"level", level.Key(),
			"address", fmt.Sprintf("%s:%d", node.IPAddress, node.Port),
			"priority", node.Priority)
	} else {
		r.metrics.Registration(string(nodeType), resultUpdated)
		r.logger.Debug("Node re-registered", "node_id", nodeID, "level", level.Key())
	}
	r.ensureLeader(ctx, level)

	return RegisterResult{NodeID: nodeID, Status: node.Status, Created: created}, nil
}

// Update patches a node looked up by id across all levels and refreshes its heartbeat
func (r *Registry) Update(ctx context.Context, nodeID string, patch models.NodePatch) (UpdateResult, error) {
	var node *models.Node
	err := r.store.Update(ctx, func(tx store.Tx) error {
		existing, err := tx.GetNode(nodeID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", models.ErrNodeNotFound, nodeID)
		}
		if err != nil {
			return err
		}
		node, err = r.applyPatch(tx, existing, patch)
		return err
	})
	if err != nil {
		return UpdateResult{}, err
	}

	r.logger.Debug("Node updated", "node_id", nodeID, "level", node.Level().Key())
	r.ensureLeader(ctx, node.Level())
	return UpdateResult{NodeID: nodeID, Status: node.Status}, nil
}

func (r *Registry) applyPatch(tx store.Tx, n *models.Node, patch models.NodePatch) (*models.Node, error) {
	now := r.now()
	patch.Apply(n)
	n.UpdatedAt = now
	if err := tx.SaveNode(n); err != nil {
		return nil, err
	}

	hb := heartbeatFor(n, now)
	if prev, err := tx.GetHeartbeat(n.NodeID); err == nil && prev.LastHeartbeat.After(now) {
		hb.LastHeartbeat = prev.LastHeartbeat
	}
	if err := tx.PutHeartbeat(hb); err != nil {
		return nil, err
	}
	n.Status = hb.Status
	return n, nil
}

func heartbeatFor(n *models.Node, at time.Time) *models.HeartbeatRecord {
	return &models.HeartbeatRecord{
		NodeID:        n.NodeID,
		NodeType:      n.NodeType,
		Hierarchy:     n.Hierarchy,
		IPAddress:     n.IPAddress,
		Port:          n.Port,
		LastHeartbeat: at,
		Status:        models.NodeStatusActive,
	}
}

// ensureLeader is best effort: the registration is already committed and a store
// failure here is repaired by the next heartbeat or health check
func (r *Registry) ensureLeader(ctx context.Context, level models.Level) {
	elector := r.leaderElector()
	if elector == nil {
		return
	}
	if _, err := elector.EnsureMainNode(ctx, level); err != nil {
		r.logger.Error("Failed to ensure main node", "level", level.Key(), "error", err)
	}
}

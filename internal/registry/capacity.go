package registry

import (
	"errors"
	"fmt"

	"github.com/soltixdb/meshcoord/internal/config"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/store"
)

// CapacityPolicy decides whether one more node of a type may be inserted.
// Admit runs inside the insert transaction; count is the current number of
// nodes of that type.
type CapacityPolicy interface {
	Admit(tx store.Tx, nodeType models.NodeType, count int) error
}

// Unbounded admits every registration
type Unbounded struct{}

func (Unbounded) Admit(store.Tx, models.NodeType, int) error { return nil }

// RejectWhenFull refuses registrations once a type holds Max nodes
type RejectWhenFull struct {
	Max int
}

func (p RejectWhenFull) Admit(_ store.Tx, nodeType models.NodeType, count int) error {
	if count >= p.Max {
		return fmt.Errorf("%w: %s holds %d of %d nodes", models.ErrCapacityExceeded, nodeType, count, p.Max)
	}
	return nil
}

// EvictOldestOffline makes room by deleting the offline node of the type with the
// oldest heartbeat; when every node is active the registration is refused
type EvictOldestOffline struct {
	Max int
}

func (p EvictOldestOffline) Admit(tx store.Tx, nodeType models.NodeType, count int) error {
	if count < p.Max {
		return nil
	}
	victim, err := tx.OldestOffline(nodeType)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s holds %d active nodes", models.ErrCapacityExceeded, nodeType, count)
	}
	if err != nil {
		return err
	}
	return tx.DeleteNode(victim.NodeID)
}

// PolicyFromConfig maps the coordination.capacity_policy setting to a policy
func PolicyFromConfig(cfg config.CoordinationConfig) (CapacityPolicy, error) {
	switch cfg.CapacityPolicy {
	case config.CapacityUnbounded, "":
		return Unbounded{}, nil
	case config.CapacityReject:
		return RejectWhenFull{Max: cfg.MaxNodesPerLevel}, nil
	case config.CapacityEvictOldestOffline:
		return EvictOldestOffline{Max: cfg.MaxNodesPerLevel}, nil
	default:
		return nil, fmt.Errorf("unknown capacity policy: %s", cfg.CapacityPolicy)
	}
}

// Package registry is the sole writer of node rows. It validates the hierarchy of
// every registration, seeds liveness and asks the election coordinator to fill a
// leaderless level.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soltixdb/meshcoord/internal/events"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/metrics"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/store"
)

// LeaderElector fills a level that has no active main node
type LeaderElector interface {
	EnsureMainNode(ctx context.Context, level models.Level) (*models.Node, error)
}

// Options configures a Registry
type Options struct {
	Capacity CapacityPolicy
	Events   *events.Bus
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
	Now      func() time.Time
	NewID    func() string
}

// Registry manages node rows across the four level tables
type Registry struct {
	store    store.Store
	capacity CapacityPolicy
	events   *events.Bus
	metrics  *metrics.Metrics
	logger   *logging.Logger
	now      func() time.Time
	newID    func() string

	mu      sync.RWMutex
	elector LeaderElector
}

// New creates a registry over s
func New(s store.Store, opts Options) *Registry {
	r := &Registry{
		store:    s,
		capacity: opts.Capacity,
		events:   opts.Events,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if r.capacity == nil {
		r.capacity = Unbounded{}
	}
	if r.logger == nil {
		r.logger = logging.Global()
	}
	r.logger = r.logger.With("component", "registry")
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

// SetLeaderElector wires the election coordinator; the two reference each other
func (r *Registry) SetLeaderElector(e LeaderElector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elector = e
}

func (r *Registry) leaderElector() LeaderElector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.elector
}

// GetNode returns a node of any level, or ErrNodeNotFound
func (r *Registry) GetNode(ctx context.Context, nodeID string) (*models.Node, error) {
	var n *models.Node
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.GetNode(nodeID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrNodeNotFound, nodeID)
	}
	return n, err
}

// GetActiveNodes returns the active nodes of a level ordered by priority desc,
// createdAt asc. The election coordinator picks the first element.
func (r *Registry) GetActiveNodes(ctx context.Context, level models.Level) ([]*models.Node, error) {
	return r.ListNodes(ctx, level, false)
}

// ListNodes returns the nodes of a level; offline nodes are included on request
func (r *Registry) ListNodes(ctx context.Context, level models.Level, includeOffline bool) ([]*models.Node, error) {
	if err := level.Validate(); err != nil {
		return nil, err
	}
	var nodes []*models.Node
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		nodes, err = tx.ListNodes(level, store.NodeQuery{ActiveOnly: !includeOffline})
		return err
	})
	return nodes, err
}

// ActiveNodesInTx lists election candidates inside the caller's transaction
func (r *Registry) ActiveNodesInTx(tx store.Tx, level models.Level) ([]*models.Node, error) {
	return tx.ListNodes(level, store.NodeQuery{ActiveOnly: true})
}

// GetMainNode returns the active main node of a level, or nil when leaderless
func (r *Registry) GetMainNode(ctx context.Context, level models.Level) (*models.Node, error) {
	if err := level.Validate(); err != nil {
		return nil, err
	}
	var main *models.Node
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		main, err = MainNodeInTx(tx, level)
		return err
	})
	return main, err
}

// MainNodeInTx returns the active flag holder of a level inside tx
func MainNodeInTx(tx store.Tx, level models.Level) (*models.Node, error) {
	nodes, err := tx.ListNodes(level, store.NodeQuery{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.IsMainNode {
			return n, nil
		}
	}
	return nil, nil
}

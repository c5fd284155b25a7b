package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/meshcoord/internal/config"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/store"
)

func TestCapacity_RejectWhenFull(t *testing.T) {
	r, _, _, _ := setupRegistry(t, RejectWhenFull{Max: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.Register(ctx, models.NodeInfo{NodeType: "domain", DomainID: "d1"})
		require.NoError(t, err)
	}
	_, err := r.Register(ctx, models.NodeInfo{NodeType: "domain", DomainID: "d2"})
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	// other types are counted separately
	_, err = r.Register(ctx, models.NodeInfo{NodeType: "cluster", DomainID: "d1", ClusterID: "c1"})
	assert.NoError(t, err)

	// re-registering a known node is never refused
	_, err = r.Register(ctx, models.NodeInfo{NodeID: "gen-1", NodeType: "domain", DomainID: "d1"})
	assert.NoError(t, err)
}

func TestCapacity_EvictOldestOffline(t *testing.T) {
	r, clock, _, _ := setupRegistry(t, EvictOldestOffline{Max: 2})
	ctx := context.Background()

	_, err := r.Register(ctx, models.NodeInfo{NodeID: "old", NodeType: "domain", DomainID: "d1"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = r.Register(ctx, models.NodeInfo{NodeID: "live", NodeType: "domain", DomainID: "d1"})
	require.NoError(t, err)

	// full and all active
	_, err = r.Register(ctx, models.NodeInfo{NodeID: "new", NodeType: "domain", DomainID: "d1"})
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	require.NoError(t, r.store.Update(ctx, func(tx store.Tx) error {
		_, err := tx.MarkOffline("old", clock.Now())
		return err
	}))

	_, err = r.Register(ctx, models.NodeInfo{NodeID: "new", NodeType: "domain", DomainID: "d1"})
	require.NoError(t, err)

	_, err = r.GetNode(ctx, "old")
	assert.ErrorIs(t, err, models.ErrNodeNotFound)
	_, err = r.GetNode(ctx, "live")
	assert.NoError(t, err)
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Coordination

	p, err := PolicyFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, Unbounded{}, p)

	cfg.CapacityPolicy = config.CapacityReject
	p, err = PolicyFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, RejectWhenFull{Max: 1000}, p)

	cfg.CapacityPolicy = config.CapacityEvictOldestOffline
	p, err = PolicyFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, EvictOldestOffline{Max: 1000}, p)

	cfg.CapacityPolicy = "lru"
	_, err = PolicyFromConfig(cfg)
	assert.Error(t, err)
}

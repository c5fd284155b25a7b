package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/store"
	"github.com/soltixdb/meshcoord/internal/store/storetest"
)

func TestBoltStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := store.OpenBolt(filepath.Join(t.TempDir(), "mesh.db"))
		require.NoError(t, err)
		return s
	})
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.db")
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	s, err := store.OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertNode(&models.Node{
			NodeID:    "d1-a",
			NodeType:  models.NodeTypeDomain,
			Hierarchy: models.Hierarchy{DomainID: "d1"},
			Status:    models.NodeStatusActive,
			Priority:  3,
			CreatedAt: created,
		}); err != nil {
			return err
		}
		return tx.InsertMessage(&models.Message{
			ID:          "m1",
			ToNodeID:    "d1-a",
			MessageType: models.MessageHeartbeatRequest,
			Status:      models.MessagePending,
			CreatedAt:   created,
		})
	}))
	require.NoError(t, s.Close())

	s, err = store.OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		n, err := tx.GetNode("d1-a")
		require.NoError(t, err)
		assert.Equal(t, 3, n.Priority)
		assert.True(t, n.CreatedAt.Equal(created))

		pending, err := tx.ListPending("d1-a", nil, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, uint64(1), pending[0].Seq)
		return nil
	}))
}

func TestBoltStore_OpenFailure(t *testing.T) {
	_, err := store.OpenBolt(filepath.Join(t.TempDir(), "missing", "dir", "mesh.db"))
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

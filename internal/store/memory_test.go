package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/store"
	"github.com/soltixdb/meshcoord/internal/store/storetest"
)

func TestMemoryStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestMemoryStore_ViewIsReadOnly(t *testing.T) {
	s := store.NewMemoryStore()
	err := s.View(context.Background(), func(tx store.Tx) error {
		return tx.InsertNode(&models.Node{NodeID: "n1", NodeType: models.NodeTypeDomain})
	})
	assert.Error(t, err)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.InsertNode(&models.Node{
			NodeID:    "n1",
			NodeType:  models.NodeTypeDomain,
			Hierarchy: models.Hierarchy{DomainID: "d1"},
			Status:    models.NodeStatusActive,
			CreatedAt: time.Now(),
		})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		n, err := tx.GetNode("n1")
		require.NoError(t, err)
		n.Priority = 99
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		n, err := tx.GetNode("n1")
		require.NoError(t, err)
		assert.Equal(t, 0, n.Priority)
		return nil
	}))
}

func TestMemoryStore_Closed(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.Close())

	err := s.Update(context.Background(), func(tx store.Tx) error { return nil })
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, models.CodeStoreUnavailable, models.ErrorCode(err))
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.View(ctx, func(tx store.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func BenchmarkMemoryStore_HeartbeatWithHistory(b *testing.B) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := &models.Node{
		NodeID:    "n1",
		NodeType:  models.NodeTypeDomain,
		Hierarchy: models.Hierarchy{DomainID: "d1"},
		Status:    models.NodeStatusActive,
		CreatedAt: at,
	}
	require.NoError(b, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertNode(n); err != nil {
			return err
		}
		for i := 0; i < 50000; i++ {
			id := fmt.Sprintf("m%d", i)
			if err := tx.InsertMessage(&models.Message{ID: id, ToNodeID: "n1", MessageType: models.MessageHeartbeatRequest, Status: models.MessagePending, CreatedAt: at}); err != nil {
				return err
			}
			if _, err := tx.MarkProcessed(id, at); err != nil {
				return err
			}
		}
		return nil
	}))

	hb := &models.HeartbeatRecord{NodeID: "n1", NodeType: n.NodeType, Hierarchy: n.Hierarchy, Status: models.NodeStatusActive}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hb.LastHeartbeat = at.Add(time.Duration(i) * time.Second)
		if err := s.Update(ctx, func(tx store.Tx) error { return tx.PutHeartbeat(hb) }); err != nil {
			b.Fatal(err)
		}
	}
}

// Package storetest holds the behavioral suite every store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/store"
)

// Factory returns an empty store; the suite closes it
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

var (
	clusterA = models.Level{NodeType: models.NodeTypeCluster, Hierarchy: models.Hierarchy{DomainID: "d1", ClusterID: "c1"}}
	clusterB = models.Level{NodeType: models.NodeTypeCluster, Hierarchy: models.Hierarchy{DomainID: "d1", ClusterID: "c2"}}
)

// Run executes every conformance test against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"NodeLifecycle", testNodeLifecycle},
		{"ListNodesOrdering", testListNodesOrdering},
		{"CountAndOldestOffline", testCountAndOldestOffline},
		{"SetMainNodeExclusive", testSetMainNodeExclusive},
		{"HeartbeatProjection", testHeartbeatProjection},
		{"MarkOfflineCompareAndSet", testMarkOfflineCompareAndSet},
		{"ElectionsNewestFirst", testElectionsNewestFirst},
		{"SaveNodeKeepsTimestamps", testSaveNodeKeepsTimestamps},
		{"MessagesFIFO", testMessagesFIFO},
		{"PendingCursor", testPendingCursor},
		{"MarkProcessedOnce", testMarkProcessedOnce},
		{"UpdateRollback", testUpdateRollback},
		{"UpdateRollbackRestoresRows", testUpdateRollbackRestoresRows},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func node(id string, level models.Level, priority int, created time.Time) *models.Node {
	return &models.Node{
		NodeID:    id,
		NodeType:  level.NodeType,
		Hierarchy: level.Hierarchy,
		IPAddress: "10.0.0.1",
		Port:      7000,
		Status:    models.NodeStatusActive,
		Priority:  priority,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func heartbeat(n *models.Node, at time.Time, status models.NodeStatus) *models.HeartbeatRecord {
	return &models.HeartbeatRecord{
		NodeID:        n.NodeID,
		NodeType:      n.NodeType,
		Hierarchy:     n.Hierarchy,
		IPAddress:     n.IPAddress,
		Port:          n.Port,
		LastHeartbeat: at,
		Status:        status,
	}
}

func insert(t *testing.T, s store.Store, nodes ...*models.Node) {
	t.Helper()
	err := s.Update(context.Background(), func(tx store.Tx) error {
		for _, n := range nodes {
			if err := tx.InsertNode(n); err != nil {
				return err
			}
			if err := tx.PutHeartbeat(heartbeat(n, n.CreatedAt, n.Status)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func ids(nodes []*models.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.NodeID)
	}
	return out
}

func testNodeLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	n := node("n1", clusterA, 1, base)
	n.Metadata = map[string]any{"zone": "a"}
	insert(t, s, n)

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.InsertNode(node("n1", clusterA, 1, base))
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	err = s.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetNode("n1")
		require.NoError(t, err)
		assert.Equal(t, models.NodeTypeCluster, got.NodeType)
		assert.Equal(t, clusterA.Hierarchy, got.Hierarchy)
		assert.Equal(t, "a", got.Metadata["zone"])
		assert.True(t, got.CreatedAt.Equal(base))

		_, err = tx.GetNode("missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	err = s.Update(ctx, func(tx store.Tx) error {
		got, err := tx.GetNode("n1")
		if err != nil {
			return err
		}
		got.Port = 7001
		got.UpdatedAt = base.Add(time.Minute)
		return tx.SaveNode(got)
	})
	require.NoError(t, err)

	err = s.Update(ctx, func(tx store.Tx) error {
		return tx.SaveNode(node("ghost", clusterA, 0, base))
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.Update(ctx, func(tx store.Tx) error {
		got, err := tx.GetNode("n1")
		require.NoError(t, err)
		assert.Equal(t, 7001, got.Port)
		return tx.DeleteNode("n1")
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetNode("n1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.GetHeartbeat("n1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

// Priorities [5,5,3] created in order A,B,C sort as A,B,C; offline nodes are
// filtered by ActiveOnly; other levels are never included.
func testListNodesOrdering(t *testing.T, s store.Store) {
	c := node("C", clusterA, 3, base)
	b := node("B", clusterA, 5, base.Add(2*time.Second))
	a := node("A", clusterA, 5, base.Add(time.Second))
	off := node("OFF", clusterA, 9, base)
	off.Status = models.NodeStatusOffline
	other := node("X", clusterB, 10, base)
	insert(t, s, c, b, a, off, other)

	err := s.View(context.Background(), func(tx store.Tx) error {
		active, err := tx.ListNodes(clusterA, store.NodeQuery{ActiveOnly: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, ids(active))

		all, err := tx.ListNodes(clusterA, store.NodeQuery{})
		require.NoError(t, err)
		assert.Equal(t, []string{"OFF", "A", "B", "C"}, ids(all))

		empty, err := tx.ListNodes(models.Level{NodeType: models.NodeTypeCluster, Hierarchy: models.Hierarchy{DomainID: "d9", ClusterID: "c9"}}, store.NodeQuery{})
		require.NoError(t, err)
		assert.Empty(t, empty)
		return nil
	})
	require.NoError(t, err)
}

func testCountAndOldestOffline(t *testing.T, s store.Store) {
	n1 := node("n1", clusterA, 0, base)
	n2 := node("n2", clusterB, 0, base)
	insert(t, s, n1, n2)

	ctx := context.Background()
	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutHeartbeat(heartbeat(n1, base.Add(time.Minute), models.NodeStatusOffline)); err != nil {
			return err
		}
		return tx.PutHeartbeat(heartbeat(n2, base, models.NodeStatusOffline))
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx store.Tx) error {
		count, err := tx.CountNodes(models.NodeTypeCluster)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		count, err = tx.CountNodes(models.NodeTypeDomain)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		oldest, err := tx.OldestOffline(models.NodeTypeCluster)
		require.NoError(t, err)
		assert.Equal(t, "n2", oldest.NodeID)

		_, err = tx.OldestOffline(models.NodeTypeLocal)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func testSetMainNodeExclusive(t *testing.T, s store.Store) {
	insert(t, s,
		node("a", clusterA, 1, base),
		node("b", clusterA, 2, base),
		node("x", clusterB, 1, base),
	)
	ctx := context.Background()

	for _, winner := range []string{"a", "b"} {
		err := s.Update(ctx, func(tx store.Tx) error {
			return tx.SetMainNode(clusterA, winner)
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.SetMainNode(clusterB, "x")
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.SetMainNode(clusterA, "x")
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.View(ctx, func(tx store.Tx) error {
		nodes, err := tx.ListNodes(clusterA, store.NodeQuery{})
		require.NoError(t, err)
		var mains []string
		for _, n := range nodes {
			if n.IsMainNode {
				mains = append(mains, n.NodeID)
			}
		}
		assert.Equal(t, []string{"b"}, mains)

		x, err := tx.GetNode("x")
		require.NoError(t, err)
		assert.True(t, x.IsMainNode)
		return nil
	})
	require.NoError(t, err)
}

func testHeartbeatProjection(t *testing.T, s store.Store) {
	n := node("n1", clusterA, 0, base)
	insert(t, s, n)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.PutHeartbeat(heartbeat(n, base.Add(time.Minute), models.NodeStatusOffline))
	}))

	err := s.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetNode("n1")
		require.NoError(t, err)
		assert.Equal(t, models.NodeStatusOffline, got.Status)

		hb, err := tx.GetHeartbeat("n1")
		require.NoError(t, err)
		assert.True(t, hb.LastHeartbeat.Equal(base.Add(time.Minute)))
		assert.Equal(t, clusterA, hb.Level())
		return nil
	})
	require.NoError(t, err)

	err = s.Update(ctx, func(tx store.Tx) error {
		return tx.PutHeartbeat(heartbeat(node("ghost", clusterA, 0, base), base, models.NodeStatusActive))
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testMarkOfflineCompareAndSet(t *testing.T, s store.Store) {
	stale := node("stale", clusterA, 0, base)
	fresh := node("fresh", clusterA, 0, base.Add(5*time.Minute))
	insert(t, s, stale, fresh)
	ctx := context.Background()
	cutoff := base.Add(2 * time.Minute)

	err := s.View(ctx, func(tx store.Tx) error {
		expired, err := tx.ListExpired(cutoff)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "stale", expired[0].NodeID)
		return nil
	})
	require.NoError(t, err)

	var first, second, freshFlip bool
	require.NoError(t, s.Update(ctx, func(tx store.Tx) (err error) {
		first, err = tx.MarkOffline("stale", cutoff)
		return err
	}))
	require.NoError(t, s.Update(ctx, func(tx store.Tx) (err error) {
		second, err = tx.MarkOffline("stale", cutoff)
		return err
	}))
	require.NoError(t, s.Update(ctx, func(tx store.Tx) (err error) {
		freshFlip, err = tx.MarkOffline("fresh", cutoff)
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)
	assert.False(t, freshFlip)

	err = s.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetNode("stale")
		require.NoError(t, err)
		assert.Equal(t, models.NodeStatusOffline, got.Status)

		expired, err := tx.ListExpired(cutoff)
		require.NoError(t, err)
		assert.Empty(t, expired)
		return nil
	})
	require.NoError(t, err)
}

func testElectionsNewestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	old := "a"
	records := []*models.ElectionRecord{
		{Level: clusterA, NewMainNode: "a", Reason: models.ElectionAutomatic, ElectionTime: base},
		{Level: clusterB, NewMainNode: "x", Reason: models.ElectionAutomatic, ElectionTime: base},
		{Level: clusterA, OldMainNode: &old, NewMainNode: "b", Reason: models.ElectionManual, ElectionTime: base.Add(time.Minute)},
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for _, r := range records {
			r.Status = models.ElectionStatusCompleted
			if err := tx.AppendElection(r); err != nil {
				return err
			}
		}
		return nil
	}))
	assert.NotZero(t, records[0].ID)
	assert.Greater(t, records[2].ID, records[0].ID)

	err := s.View(ctx, func(tx store.Tx) error {
		got, err := tx.ListElections(clusterA, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[0].NewMainNode)
		require.NotNil(t, got[0].OldMainNode)
		assert.Equal(t, "a", *got[0].OldMainNode)
		assert.Equal(t, models.ElectionManual, got[0].Reason)
		assert.Nil(t, got[1].OldMainNode)

		limited, err := tx.ListElections(clusterA, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
		return nil
	})
	require.NoError(t, err)
}

func message(id, to string, at time.Time) *models.Message {
	return &models.Message{
		ID:          id,
		FromNodeID:  models.SystemSender,
		ToNodeID:    to,
		MessageType: models.MessageHeartbeatRequest,
		MessageData: []byte(`{"requestedBy":"system"}`),
		Status:      models.MessagePending,
		CreatedAt:   at,
	}
}

func testSaveNodeKeepsTimestamps(t *testing.T, s store.Store) {
	ctx := context.Background()
	n := node("n1", clusterA, 1, base)
	insert(t, s, n)

	updated := base.Add(90 * time.Second)
	n.Priority = 4
	n.UpdatedAt = updated
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.SaveNode(n)
	}))

	err := s.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetNode("n1")
		require.NoError(t, err)
		assert.Equal(t, 4, got.Priority)
		assert.True(t, got.CreatedAt.Equal(base), "created at %s", got.CreatedAt)
		assert.True(t, got.UpdatedAt.Equal(updated), "updated at %s", got.UpdatedAt)
		return nil
	})
	require.NoError(t, err)
}

func testMessagesFIFO(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		// m2 and m3 share a timestamp; insertion order breaks the tie
		for _, m := range []*models.Message{
			message("m2", "n1", base.Add(time.Second)),
			message("m3", "n1", base.Add(time.Second)),
			message("m1", "n1", base),
			message("other", "n2", base),
		} {
			if err := tx.InsertMessage(m); err != nil {
				return err
			}
		}
		return nil
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.InsertMessage(message("m1", "n1", base))
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	err = s.View(ctx, func(tx store.Tx) error {
		pending, err := tx.ListPending("n1", nil, 0)
		require.NoError(t, err)
		var got []string
		for _, m := range pending {
			got = append(got, m.ID)
		}
		assert.Equal(t, []string{"m1", "m2", "m3"}, got)
		assert.JSONEq(t, `{"requestedBy":"system"}`, string(pending[0].MessageData))

		limited, err := tx.ListPending("n1", nil, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
		return nil
	})
	require.NoError(t, err)
}

func testPendingCursor(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for i, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
			// m2 and m3 share a timestamp
			at := base.Add(time.Duration(i) * time.Second)
			if id == "m3" {
				at = base.Add(time.Second)
			}
			if err := tx.InsertMessage(message(id, "n1", at)); err != nil {
				return err
			}
		}
		return nil
	}))

	var pages [][]string
	var after *store.MessageCursor
	cursors := map[string]*store.MessageCursor{}
	for {
		var page []*models.Message
		require.NoError(t, s.View(ctx, func(tx store.Tx) (err error) {
			page, err = tx.ListPending("n1", after, 2)
			return err
		}))
		var got []string
		for _, m := range page {
			got = append(got, m.ID)
			cursors[m.ID] = store.CursorOf(m)
		}
		pages = append(pages, got)
		if len(page) < 2 {
			break
		}
		after = store.CursorOf(page[len(page)-1])
	}
	assert.Equal(t, [][]string{{"m1", "m2"}, {"m3", "m4"}, {"m5"}}, pages)

	// a cursor past a processed message still resumes in order
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		_, err := tx.MarkProcessed("m2", base)
		return err
	}))
	err := s.View(ctx, func(tx store.Tx) error {
		rest, err := tx.ListPending("n1", cursors["m2"], 0)
		require.NoError(t, err)
		var got []string
		for _, m := range rest {
			got = append(got, m.ID)
		}
		assert.Equal(t, []string{"m3", "m4", "m5"}, got)
		return nil
	})
	require.NoError(t, err)
}

func testMarkProcessedOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.InsertMessage(message("m1", "n1", base))
	}))

	var first, second bool
	require.NoError(t, s.Update(ctx, func(tx store.Tx) (err error) {
		first, err = tx.MarkProcessed("m1", base.Add(time.Second))
		return err
	}))
	require.NoError(t, s.Update(ctx, func(tx store.Tx) (err error) {
		second, err = tx.MarkProcessed("m1", base.Add(2*time.Second))
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)

	err := s.Update(ctx, func(tx store.Tx) error {
		_, err := tx.MarkProcessed("missing", base)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.View(ctx, func(tx store.Tx) error {
		m, err := tx.GetMessage("m1")
		require.NoError(t, err)
		assert.Equal(t, models.MessageProcessed, m.Status)
		require.NotNil(t, m.ProcessedAt)
		assert.True(t, m.ProcessedAt.Equal(base.Add(time.Second)))

		pending, err := tx.ListPending("n1", nil, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
		return nil
	})
	require.NoError(t, err)
}

func testUpdateRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertNode(node("n1", clusterA, 0, base)); err != nil {
			return err
		}
		if err := tx.InsertMessage(message("m1", "n1", base)); err != nil {
			return err
		}
		return fmt.Errorf("abort: %w", boom)
	})
	assert.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetNode("n1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.GetMessage("m1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func testUpdateRollbackRestoresRows(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := node("a", clusterA, 2, base)
	b := node("b", clusterA, 1, base)
	insert(t, s, a, b)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.SetMainNode(clusterA, "a"); err != nil {
			return err
		}
		if err := tx.AppendElection(&models.ElectionRecord{
			Level: clusterA, NewMainNode: "a", Reason: models.ElectionAutomatic, ElectionTime: base, Status: "success",
		}); err != nil {
			return err
		}
		return tx.InsertMessage(message("m1", "b", base))
	}))

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.MarkOffline("a", base.Add(time.Hour)); err != nil {
			return err
		}
		if err := tx.SetMainNode(clusterA, "b"); err != nil {
			return err
		}
		if err := tx.AppendElection(&models.ElectionRecord{
			Level: clusterA, NewMainNode: "b", Reason: models.ElectionAutomatic, ElectionTime: base.Add(time.Hour), Status: "success",
		}); err != nil {
			return err
		}
		if _, err := tx.MarkProcessed("m1", base.Add(time.Hour)); err != nil {
			return err
		}
		if err := tx.DeleteNode("b"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx store.Tx) error {
		ga, err := tx.GetNode("a")
		require.NoError(t, err)
		assert.True(t, ga.IsMainNode)
		assert.Equal(t, models.NodeStatusActive, ga.Status)

		gb, err := tx.GetNode("b")
		require.NoError(t, err)
		assert.False(t, gb.IsMainNode)

		hb, err := tx.GetHeartbeat("a")
		require.NoError(t, err)
		assert.Equal(t, models.NodeStatusActive, hb.Status)
		_, err = tx.GetHeartbeat("b")
		assert.NoError(t, err)

		recs, err := tx.ListElections(clusterA, 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "a", recs[0].NewMainNode)

		pending, err := tx.ListPending("b", nil, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "m1", pending[0].ID)
		return nil
	})
	require.NoError(t, err)

	// the audit trail keeps appending after a rollback
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		rec := &models.ElectionRecord{
			Level: clusterA, NewMainNode: "a", Reason: models.ElectionManual, ElectionTime: base.Add(2 * time.Hour), Status: "success",
		}
		if err := tx.AppendElection(rec); err != nil {
			return err
		}
		recs, err := tx.ListElections(clusterA, 0)
		if err != nil {
			return err
		}
		assert.Len(t, recs, 2)
		assert.Equal(t, rec.ID, recs[0].ID)
		return nil
	}))
}

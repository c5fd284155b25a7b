package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/meshcoord/internal/coordination"
	"github.com/soltixdb/meshcoord/internal/events"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/queue"
	"github.com/soltixdb/meshcoord/internal/store"
)

var clusterLevel = models.Level{
	NodeType:  models.NodeTypeCluster,
	Hierarchy: models.Hierarchy{DomainID: "d1", ClusterID: "c1"},
}

func clusterInfo(id string, priority int) models.NodeInfo {
	return models.NodeInfo{
		NodeID:    id,
		NodeType:  string(models.NodeTypeCluster),
		DomainID:  "d1",
		ClusterID: "c1",
		IPAddress: "10.1.0.1",
		Port:      7000,
		Priority:  &priority,
	}
}

func setupService(t *testing.T, q *queue.MemoryQueue) *coordination.Service {
	t.Helper()
	opts := coordination.Options{Logger: logging.NewNop()}
	if q != nil {
		opts.Notifier = queue.NewNotifier(q, logging.NewNop())
	}
	svc, err := coordination.New(store.NewMemoryStore(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) record(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func TestNew_Validation(t *testing.T) {
	svc := setupService(t, nil)

	_, err := New(svc, models.NodeInfo{NodeType: "region", DomainID: "d1"}, Options{})
	assert.ErrorIs(t, err, models.ErrUnknownNodeType)

	_, err = New(svc, models.NodeInfo{NodeType: "cluster", DomainID: "d1"}, Options{})
	assert.ErrorIs(t, err, models.ErrInvalidHierarchy)
}

func TestAgent_StartRegistersAndLearnsLeader(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	a, err := New(svc, clusterInfo("", 1), Options{Logger: logging.NewNop(), HeartbeatInterval: time.Hour, PollInterval: time.Hour})
	require.NoError(t, err)

	changed := &eventLog{}
	a.Events().Subscribe(events.MainNodeChanged, changed.record)

	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	assert.Error(t, a.Start(ctx))

	nc := a.Context()
	assert.NotEmpty(t, nc.NodeID)
	assert.Equal(t, clusterLevel.Key(), nc.Level().Key())

	leader, ok := a.Leaders().Get(clusterLevel)
	require.True(t, ok)
	assert.Equal(t, nc.NodeID, leader)
	assert.Equal(t, 1, changed.len())
}

func TestAgent_LeadershipNotices(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	a, err := New(svc, clusterInfo("low", 1), Options{Logger: logging.NewNop(), HeartbeatInterval: time.Hour, PollInterval: time.Hour})
	require.NoError(t, err)
	changed := &eventLog{}
	a.Events().Subscribe(events.MainNodeChanged, changed.record)
	require.NoError(t, a.Join(ctx))

	_, err = svc.Registry.Register(ctx, clusterInfo("high", 9))
	require.NoError(t, err)
	_, err = svc.Elections.ElectMainNode(ctx, clusterLevel, models.ElectionManual)
	require.NoError(t, err)

	report, err := a.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	leader, _ := a.Leaders().Get(clusterLevel)
	assert.Equal(t, "high", leader)
	assert.Equal(t, 2, changed.len())

	// a redelivered notice is harmless
	_, err = svc.Bus.Send(ctx, models.SystemSender, "low", models.MessageLeadershipChanged, models.LeadershipChanged{Level: clusterLevel, NewMainNode: "high"})
	require.NoError(t, err)
	_, err = a.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, changed.len())
}

func TestAgent_NodeOfflineNotice(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	a, err := New(svc, clusterInfo("n1", 1), Options{Logger: logging.NewNop(), HeartbeatInterval: time.Hour, PollInterval: time.Hour})
	require.NoError(t, err)
	offline := &eventLog{}
	a.Events().Subscribe(events.NodeOfflineNotification, offline.record)
	require.NoError(t, a.Join(ctx))

	a.Leaders().Set(clusterLevel, "n9", time.Now())
	_, err = svc.Bus.Send(ctx, models.SystemSender, "n1", models.MessageNodeOffline, models.NodeOffline{NodeID: "n9", Level: clusterLevel, WasMainNode: true})
	require.NoError(t, err)

	_, err = a.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, offline.len())
	_, ok := a.Leaders().Get(clusterLevel)
	assert.False(t, ok)
}

func TestAgent_HeartbeatRequest(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	a, err := New(svc, clusterInfo("n1", 1), Options{Logger: logging.NewNop(), HeartbeatInterval: time.Hour, PollInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, a.Join(ctx))

	var before time.Time
	require.NoError(t, svc.Store.View(ctx, func(tx store.Tx) error {
		hb, err := tx.GetHeartbeat("n1")
		if err == nil {
			before = hb.LastHeartbeat
		}
		return err
	}))

	time.Sleep(5 * time.Millisecond)
	_, err = svc.Bus.Send(ctx, "ops", "n1", models.MessageHeartbeatRequest, models.HeartbeatRequest{RequestedBy: "ops"})
	require.NoError(t, err)
	_, err = a.Drain(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Store.View(ctx, func(tx store.Tx) error {
		hb, err := tx.GetHeartbeat("n1")
		if err == nil {
			assert.True(t, hb.LastHeartbeat.After(before))
		}
		return err
	}))
}

func TestAgent_BeatReRegistersMissingNode(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	a, err := New(svc, clusterInfo("n1", 1), Options{Logger: logging.NewNop(), HeartbeatInterval: time.Hour, PollInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, a.Join(ctx))

	require.NoError(t, svc.Store.Update(ctx, func(tx store.Tx) error { return tx.DeleteNode("n1") }))

	require.NoError(t, a.Beat(ctx))
	n, err := svc.Registry.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusActive, n.Status)
}

func TestAgent_WakeUpDrainsMailbox(t *testing.T) {
	q := queue.NewMemoryQueue()
	defer func() { _ = q.Close() }()
	svc := setupService(t, q)
	ctx := context.Background()

	a, err := New(svc, clusterInfo("n1", 1), Options{
		Logger:            logging.NewNop(),
		HeartbeatInterval: time.Hour,
		PollInterval:      time.Hour,
		Wakeups:           q,
	})
	require.NoError(t, err)

	got := make(chan string, 1)
	a.Handle("custom", func(_ context.Context, _ models.NodeContext, msg *models.Message) error {
		got <- msg.ID
		return nil
	})
	require.NoError(t, a.Start(ctx))
	assert.True(t, q.Subscribed(queue.MailboxSubject("n1")))

	res, err := svc.Bus.Send(ctx, "n2", "n1", "custom", map[string]string{"k": "v"})
	require.NoError(t, err)

	select {
	case id := <-got:
		assert.Equal(t, res.MessageID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("wake-up did not trigger a drain")
	}

	a.Stop()
	assert.False(t, q.Subscribed(queue.MailboxSubject("n1")))
	a.Stop()
}

func TestAgent_PollingWithoutWakeups(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	a, err := New(svc, clusterInfo("n1", 1), Options{
		Logger:            logging.NewNop(),
		HeartbeatInterval: 10 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	a.Handle("custom", func(context.Context, models.NodeContext, *models.Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	for i := 0; i < 3; i++ {
		_, err := svc.Bus.Send(ctx, "n2", "n1", "custom", nil)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgent_StaleLeadershipNoticeIgnored(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	a, err := New(svc, clusterInfo("n1", 1), Options{Logger: logging.NewNop(), HeartbeatInterval: time.Hour, PollInterval: time.Hour})
	require.NoError(t, err)
	changed := &eventLog{}
	a.Events().Subscribe(events.MainNodeChanged, changed.record)
	require.NoError(t, a.Join(ctx))

	electedAt, ok := a.Leaders().ElectedAt(clusterLevel)
	require.True(t, ok)
	require.False(t, electedAt.IsZero())
	require.Equal(t, 1, changed.len())

	_, err = svc.Bus.Send(ctx, models.SystemSender, "n1", models.MessageLeadershipChanged, models.LeadershipChanged{
		Level:        clusterLevel,
		NewMainNode:  "n0",
		ElectionTime: electedAt.Add(-time.Minute),
	})
	require.NoError(t, err)
	report, err := a.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	leader, _ := a.Leaders().Get(clusterLevel)
	assert.Equal(t, "n1", leader)
	assert.Equal(t, 1, changed.len())

	_, err = svc.Bus.Send(ctx, models.SystemSender, "n1", models.MessageLeadershipChanged, models.LeadershipChanged{
		Level:        clusterLevel,
		NewMainNode:  "n7",
		ElectionTime: electedAt.Add(time.Minute),
	})
	require.NoError(t, err)
	_, err = a.Drain(ctx)
	require.NoError(t, err)

	leader, _ = a.Leaders().Get(clusterLevel)
	assert.Equal(t, "n7", leader)
	assert.Equal(t, 2, changed.len())
}

func TestLeaderCache(t *testing.T) {
	c := NewLeaderCache()
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, c.Set(clusterLevel, "a", t0))
	assert.False(t, c.Set(clusterLevel, "a", t0))
	assert.True(t, c.Set(clusterLevel, "b", t0.Add(time.Second)))

	id, ok := c.Get(clusterLevel)
	assert.True(t, ok)
	assert.Equal(t, "b", id)

	assert.False(t, c.Forget(clusterLevel, "a"))
	assert.True(t, c.Forget(clusterLevel, "b"))
	assert.Empty(t, c.Snapshot())
	_, ok = c.Get(clusterLevel)
	assert.False(t, ok)
}

func TestLeaderCache_OutOfOrder(t *testing.T) {
	c := NewLeaderCache()
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, c.Set(clusterLevel, "new", t0.Add(time.Minute)))
	assert.False(t, c.Set(clusterLevel, "old", t0))
	id, _ := c.Get(clusterLevel)
	assert.Equal(t, "new", id)

	// a forgotten leader keeps its election time as a floor
	require.True(t, c.Forget(clusterLevel, "new"))
	assert.False(t, c.Set(clusterLevel, "old", t0))
	_, ok := c.Get(clusterLevel)
	assert.False(t, ok)

	assert.True(t, c.Set(clusterLevel, "next", t0.Add(2*time.Minute)))
	at, ok := c.ElectedAt(clusterLevel)
	require.True(t, ok)
	assert.True(t, at.Equal(t0.Add(2*time.Minute)))
}

package coordination

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/meshcoord/internal/config"
	"github.com/soltixdb/meshcoord/internal/events"
	"github.com/soltixdb/meshcoord/internal/heartbeat"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/messaging"
	"github.com/soltixdb/meshcoord/internal/metrics"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/queue"
	"github.com/soltixdb/meshcoord/internal/registry"
	"github.com/soltixdb/meshcoord/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var domainLevel = models.Level{NodeType: models.NodeTypeDomain, Hierarchy: models.Hierarchy{DomainID: "d1"}}

func domainInfo(id string) models.NodeInfo {
	return models.NodeInfo{NodeID: id, NodeType: "domain", DomainID: "d1", IPAddress: "10.0.0.1", Port: 9000}
}

func domainInfoWithPriority(id string, priority int) models.NodeInfo {
	info := domainInfo(id)
	info.Priority = &priority
	return info
}

func heartbeatFor(nodeID string) heartbeat.Signal {
	return heartbeat.Signal{NodeID: nodeID}
}

func setupService(t *testing.T, s store.Store, opts Options) (*Service, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts.Logger = logging.NewNop()
	opts.Now = c.Now
	svc, err := New(s, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, c
}

func TestNew_InvalidCapacityPolicy(t *testing.T) {
	_, err := New(store.NewMemoryStore(), Options{
		Config: config.CoordinationConfig{CapacityPolicy: "random"},
		Logger: logging.NewNop(),
	})
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	svc, _ := setupService(t, store.NewMemoryStore(), Options{})

	cfg := svc.Config()
	assert.Equal(t, 120*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 100, cfg.MailboxBatchSize)
	assert.Equal(t, 120*time.Second, svc.Monitor.Timeout())
	assert.NotNil(t, svc.Events)
}

// D1 leads, goes silent and D2 takes over after the timeout. D2 has the higher
// priority but does not preempt an active main node.
func TestFailover_EndToEnd(t *testing.T) {
	ctx := context.Background()
	m := metrics.New("e2e")
	svc, clk := setupService(t, store.NewMemoryStore(), Options{Metrics: m})

	var seen []events.Kind
	var mu sync.Mutex
	for _, k := range []events.Kind{events.NodeRegistered, events.MainNodeElected, events.NodeOffline} {
		svc.Events.Subscribe(k, func(e events.Event) {
			mu.Lock()
			seen = append(seen, e.Kind)
			mu.Unlock()
		})
	}

	_, err := svc.Registry.Register(ctx, domainInfoWithPriority("D1", 1))
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = svc.Registry.Register(ctx, domainInfoWithPriority("D2", 5))
	require.NoError(t, err)

	main, err := svc.Registry.GetMainNode(ctx, domainLevel)
	require.NoError(t, err)
	assert.Equal(t, "D1", main.NodeID)
	assert.False(t, mustNode(t, svc, "D2").IsMainNode)

	// only D2 keeps beating
	for i := 0; i < 5; i++ {
		clk.Advance(30 * time.Second)
		_, err := svc.Monitor.RecordHeartbeat(ctx, heartbeatFor("D2"))
		require.NoError(t, err)
	}

	report, err := svc.Monitor.CheckHealth(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"D1"}, report.MarkedOffline)

	main, err = svc.Registry.GetMainNode(ctx, domainLevel)
	require.NoError(t, err)
	require.NotNil(t, main)
	assert.Equal(t, "D2", main.NodeID)

	history, err := svc.Elections.History(ctx, domainLevel, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].OldMainNode)
	assert.Equal(t, "D1", *history[0].OldMainNode)
	assert.Equal(t, "D2", history[0].NewMainNode)
	assert.Equal(t, models.ElectionAutomatic, history[0].Reason)

	// exactly one active main node
	active, err := svc.Registry.GetActiveNodes(ctx, domainLevel)
	require.NoError(t, err)
	mains := 0
	for _, n := range active {
		if n.IsMainNode {
			mains++
		}
	}
	assert.Equal(t, 1, mains)

	mu.Lock()
	assert.Equal(t, []events.Kind{
		events.NodeRegistered, events.MainNodeElected,
		events.NodeRegistered,
		events.NodeOffline, events.MainNodeElected,
	}, seen)
	mu.Unlock()

	// D1 comes back and stays a follower
	_, err = svc.Monitor.RecordHeartbeat(ctx, heartbeatFor("D1"))
	require.NoError(t, err)
	main, err = svc.Registry.GetMainNode(ctx, domainLevel)
	require.NoError(t, err)
	assert.Equal(t, "D2", main.NodeID)
}

func mustNode(t *testing.T, svc *Service, id string) *models.Node {
	t.Helper()
	n, err := svc.Registry.GetNode(context.Background(), id)
	require.NoError(t, err)
	return n
}

// the only node expires, the level stays leaderless until the next registration
func TestLeaderlessLevel_NextRegistrantIsElected(t *testing.T) {
	ctx := context.Background()
	svc, clk := setupService(t, store.NewMemoryStore(), Options{})

	_, err := svc.Registry.Register(ctx, domainInfoWithPriority("D1", 1))
	require.NoError(t, err)

	clk.Advance(121 * time.Second)
	report, err := svc.Monitor.CheckHealth(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"D1"}, report.MarkedOffline)
	assert.Empty(t, report.Reelected)

	main, err := svc.Registry.GetMainNode(ctx, domainLevel)
	require.NoError(t, err)
	assert.Nil(t, main)

	_, err = svc.Registry.Register(ctx, domainInfoWithPriority("D2", 5))
	require.NoError(t, err)

	main, err = svc.Registry.GetMainNode(ctx, domainLevel)
	require.NoError(t, err)
	require.NotNil(t, main)
	assert.Equal(t, "D2", main.NodeID)

	history, err := svc.Elections.History(ctx, domainLevel, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "D2", history[0].NewMainNode)
}

func TestMailbox_FIFOAndRedelivery(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	defer func() { _ = q.Close() }()
	svc, clk := setupService(t, store.NewMemoryStore(), Options{Notifier: queue.NewNotifier(q, logging.NewNop())})

	woken := make(chan struct{}, 8)
	stop, err := queue.WatchMailbox(q, "B", func(queue.WakeUp) { woken <- struct{}{} })
	require.NoError(t, err)
	defer func() { _ = stop() }()

	for i := 0; i < 3; i++ {
		_, err := svc.Bus.Send(ctx, "A", "B", "step", map[string]int{"n": i})
		require.NoError(t, err)
		clk.Advance(time.Millisecond)
	}

	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("expected a wake-up")
	}

	var order []int
	failOnce := true
	d := messaging.NewDispatcher()
	d.Handle("step", func(_ context.Context, _ models.NodeContext, msg *models.Message) error {
		var body map[string]int
		if err := msg.Decode(&body); err != nil {
			return err
		}
		if body["n"] == 1 && failOnce {
			failOnce = false
			return errors.New("not yet")
		}
		order = append(order, body["n"])
		return nil
	})

	nc := models.NodeContext{NodeID: "B"}
	_, err = svc.Bus.ProcessPending(ctx, nc, d)
	require.NoError(t, err)
	_, err = svc.Bus.ProcessPending(ctx, nc, d)
	require.NoError(t, err)

	// message 1 failed once and was delivered again on the next pass
	assert.Equal(t, []int{0, 2, 1}, order)

	pending, err := svc.Bus.PollPending(ctx, "B", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCapacity_FromConfig(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t, store.NewMemoryStore(), Options{
		Config: config.CoordinationConfig{CapacityPolicy: config.CapacityReject, MaxNodesPerLevel: 1},
	})

	_, err := svc.Registry.Register(ctx, domainInfo("D1"))
	require.NoError(t, err)
	_, err = svc.Registry.Register(ctx, domainInfo("D2"))
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	_, err = svc.Registry.Register(ctx, domainInfo("D1"))
	assert.NoError(t, err)
}

func TestBoltBackend_EndToEnd(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenBolt(t.TempDir() + "/coord.db")
	require.NoError(t, err)
	svc, clk := setupService(t, s, Options{Capacity: registry.Unbounded{}})

	_, err = svc.Registry.Register(ctx, domainInfo("D1"))
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = svc.Registry.Register(ctx, domainInfo("D2"))
	require.NoError(t, err)

	clk.Advance(3 * time.Minute)
	_, err = svc.Monitor.RecordHeartbeat(ctx, heartbeatFor("D2"))
	require.NoError(t, err)

	_, err = svc.Monitor.CheckHealth(ctx, 0)
	require.NoError(t, err)

	main, err := svc.Registry.GetMainNode(ctx, domainLevel)
	require.NoError(t, err)
	require.NotNil(t, main)
	assert.Equal(t, "D2", main.NodeID)
}

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/registry"
	"github.com/soltixdb/meshcoord/internal/store"
)

type recordingNotifier struct {
	mu    sync.Mutex
	nodes []string
	err   error
}

func (n *recordingNotifier) Nudge(_ context.Context, nodeIDs ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes = append(n.nodes, nodeIDs...)
	return n.err
}

func (n *recordingNotifier) nudged() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.nodes...)
}

type testEnv struct {
	store    store.Store
	registry *registry.Registry
	bus      *Bus
	notifier *recordingNotifier
	now      time.Time
}

func setupBus(t *testing.T) *testEnv {
	t.Helper()
	return setupBusWithBatch(t, 0)
}

func setupBusWithBatch(t *testing.T, batch int) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }
	env.registry = registry.New(env.store, registry.Options{Logger: logging.NewNop(), Now: clock})
	seq := 0
	env.bus = NewBus(env.store, env.registry, Options{
		Notifier:  env.notifier,
		Logger:    logging.NewNop(),
		BatchSize: batch,
		Now:       clock,
		NewID: func() string {
			seq++
			return fmt.Sprintf("msg-%d", seq)
		},
	})
	return env
}

func (e *testEnv) register(t *testing.T, id string, h models.Hierarchy) {
	t.Helper()
	_, err := e.registry.Register(context.Background(), models.NodeInfo{
		NodeID:    id,
		NodeType:  string(models.NodeTypeCluster),
		DomainID:  h.DomainID,
		ClusterID: h.ClusterID,
		IPAddress: "10.0.0.1",
		Port:      9000,
	})
	require.NoError(t, err)
}

func TestSend_StoresPendingAndNudges(t *testing.T) {
	env := setupBus(t)
	ctx := context.Background()

	res, err := env.bus.Send(ctx, "", "n1", models.MessageHeartbeatRequest, models.HeartbeatRequest{RequestedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", res.MessageID)
	assert.Equal(t, []string{"n1"}, env.notifier.nudged())

	pending, err := env.bus.PollPending(ctx, "n1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.SystemSender, pending[0].FromNodeID)
	assert.Equal(t, models.MessagePending, pending[0].Status)

	var req models.HeartbeatRequest
	require.NoError(t, pending[0].Decode(&req))
	assert.Equal(t, "ops", req.RequestedBy)
}

func TestSend_Validation(t *testing.T) {
	env := setupBus(t)
	ctx := context.Background()

	_, err := env.bus.Send(ctx, "a", "", models.MessageHeartbeatRequest, nil)
	assert.Error(t, err)

	_, err = env.bus.Send(ctx, "a", "b", "", nil)
	assert.Error(t, err)

	_, err = env.bus.Send(ctx, "a", "b", "custom", json.RawMessage(`{broken`))
	assert.Error(t, err)

	_, err = env.bus.Send(ctx, "a", "b", "custom", func() {})
	assert.Error(t, err)

	assert.Empty(t, env.notifier.nudged())
}

func TestSend_RawPayloadKeptVerbatim(t *testing.T) {
	env := setupBus(t)
	ctx := context.Background()

	_, err := env.bus.Send(ctx, "a", "b", "custom", json.RawMessage(`{"k":[1,2]}`))
	require.NoError(t, err)

	pending, err := env.bus.PollPending(ctx, "b", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"k":[1,2]}`, string(pending[0].MessageData))
}

func TestSend_NotifierFailureIsNotFatal(t *testing.T) {
	env := setupBus(t)
	env.notifier.err = errors.New("queue down")

	_, err := env.bus.Send(context.Background(), "a", "b", "custom", nil)
	require.NoError(t, err)

	pending, err := env.bus.PollPending(context.Background(), "b", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestBroadcastToLevel(t *testing.T) {
	env := setupBus(t)
	ctx := context.Background()
	h := models.Hierarchy{DomainID: "d1", ClusterID: "c1"}
	env.register(t, "A", h)
	env.register(t, "B", h)
	env.register(t, "C", h)
	env.register(t, "other", models.Hierarchy{DomainID: "d1", ClusterID: "c2"})

	level := models.Level{NodeType: models.NodeTypeCluster, Hierarchy: h}
	res, err := env.bus.BroadcastToLevel(ctx, level, "A", "custom", map[string]string{"hello": "world"}, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, res.SentCount)
	assert.Len(t, res.MessageIDs, 2)
	assert.ElementsMatch(t, []string{"B", "C"}, env.notifier.nudged())

	for _, id := range []string{"B", "C"} {
		pending, err := env.bus.PollPending(ctx, id, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1, id)
	}
	for _, id := range []string{"A", "other"} {
		pending, err := env.bus.PollPending(ctx, id, 10)
		require.NoError(t, err)
		assert.Empty(t, pending, id)
	}
}

func TestBroadcastToLevel_EmptyLevel(t *testing.T) {
	env := setupBus(t)
	level := models.Level{NodeType: models.NodeTypeCluster, Hierarchy: models.Hierarchy{DomainID: "d1", ClusterID: "none"}}

	res, err := env.bus.BroadcastToLevel(context.Background(), level, "", "custom", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.SentCount)
	assert.Empty(t, env.notifier.nudged())
}

func TestPollPending_FIFO(t *testing.T) {
	env := setupBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.bus.Send(ctx, "a", "b", "custom", map[string]int{"i": i})
		require.NoError(t, err)
	}
	env.now = env.now.Add(-time.Minute)
	_, err := env.bus.Send(ctx, "a", "b", "custom", map[string]int{"i": -1})
	require.NoError(t, err)

	pending, err := env.bus.PollPending(ctx, "b", 10)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	assert.Equal(t, "msg-4", pending[0].ID)
	assert.Equal(t, "msg-1", pending[1].ID)
	assert.Equal(t, "msg-2", pending[2].ID)
	assert.Equal(t, "msg-3", pending[3].ID)

	limited, err := env.bus.PollPending(ctx, "b", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAck(t *testing.T) {
	env := setupBus(t)
	ctx := context.Background()

	res, err := env.bus.Send(ctx, "a", "b", "custom", nil)
	require.NoError(t, err)

	changed, err := env.bus.Ack(ctx, res.MessageID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = env.bus.Ack(ctx, res.MessageID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = env.bus.Ack(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessPending_DispatchesInOrder(t *testing.T) {
	env := setupBus(t)
	ctx := context.Background()
	nc := models.NodeContext{NodeID: "b"}

	for i := 0; i < 3; i++ {
		_, err := env.bus.Send(ctx, "a", "b", "custom", map[string]int{"i": i})
		require.NoError(t, err)
	}

	var seen []int
	d := NewDispatcher()
	d.Handle("custom", func(_ context.Context, got models.NodeContext, msg *models.Message) error {
		assert.Equal(t, "b", got.NodeID)
		var body map[string]int
		require.NoError(t, msg.Decode(&body))
		seen = append(seen, body["i"])
		return nil
	})

	report, err := env.bus.ProcessPending(ctx, nc, d)
	require.NoError(t, err)
	assert.Equal(t, ProcessReport{Polled: 3, Processed: 3}, report)
	assert.Equal(t, []int{0, 1, 2}, seen)

	pending, err := env.bus.PollPending(ctx, "b", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessPending_FailedHandlerIsRedelivered(t *testing.T) {
	env := setupBus(t)
	ctx := context.Background()
	nc := models.NodeContext{NodeID: "b"}

	_, err := env.bus.Send(ctx, "a", "b", "flaky", nil)
	require.NoError(t, err)
	_, err = env.bus.Send(ctx, "a", "b", "steady", nil)
	require.NoError(t, err)

	calls := map[models.MessageType]int{}
	d := NewDispatcher()
	d.Handle("flaky", func(_ context.Context, _ models.NodeContext, msg *models.Message) error {
		calls[msg.MessageType]++
		if calls[msg.MessageType] == 1 {
			return errors.New("transient")
		}
		return nil
	})
	d.Handle("steady", func(_ context.Context, _ models.NodeContext, msg *models.Message) error {
		calls[msg.MessageType]++
		return nil
	})

	report, err := env.bus.ProcessPending(ctx, nc, d)
	require.NoError(t, err)
	assert.Equal(t, ProcessReport{Polled: 2, Processed: 1, Failed: 1}, report)

	report, err = env.bus.ProcessPending(ctx, nc, d)
	require.NoError(t, err)
	assert.Equal(t, ProcessReport{Polled: 1, Processed: 1}, report)
	assert.Equal(t, 2, calls["flaky"])
	assert.Equal(t, 1, calls["steady"])
}

func TestProcessPending_FailingHeadDoesNotStarveMailbox(t *testing.T) {
	env := setupBusWithBatch(t, 2)
	ctx := context.Background()
	nc := models.NodeContext{NodeID: "b"}

	for i := 0; i < 3; i++ {
		_, err := env.bus.Send(ctx, "a", "b", "bad", nil)
		require.NoError(t, err)
	}
	_, err := env.bus.Send(ctx, "a", "b", "good", nil)
	require.NoError(t, err)

	good := 0
	d := NewDispatcher()
	d.Handle("bad", func(context.Context, models.NodeContext, *models.Message) error {
		return errors.New("rejected")
	})
	d.Handle("good", func(context.Context, models.NodeContext, *models.Message) error {
		good++
		return nil
	})

	report, err := env.bus.ProcessPending(ctx, nc, d)
	require.NoError(t, err)
	assert.Equal(t, ProcessReport{Polled: 4, Processed: 1, Failed: 3}, report)
	assert.Equal(t, 1, good)

	// failed rows are retried on the next pass, still in order
	report, err = env.bus.ProcessPending(ctx, nc, d)
	require.NoError(t, err)
	assert.Equal(t, ProcessReport{Polled: 3, Failed: 3}, report)
	assert.Equal(t, 1, good)

	pending, err := env.bus.PollPending(ctx, "b", 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"msg-1", "msg-2", "msg-3"}, []string{pending[0].ID, pending[1].ID, pending[2].ID})
}

func TestProcessPending_PagesThroughFullMailbox(t *testing.T) {
	env := setupBusWithBatch(t, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.bus.Send(ctx, "a", "b", "custom", map[string]int{"i": i})
		require.NoError(t, err)
	}

	var seen []int
	d := NewDispatcher()
	d.Handle("custom", func(_ context.Context, _ models.NodeContext, msg *models.Message) error {
		var body map[string]int
		require.NoError(t, msg.Decode(&body))
		seen = append(seen, body["i"])
		return nil
	})

	report, err := env.bus.ProcessPending(ctx, models.NodeContext{NodeID: "b"}, d)
	require.NoError(t, err)
	assert.Equal(t, ProcessReport{Polled: 5, Processed: 5}, report)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestProcessPending_UnknownTypeIsDiscarded(t *testing.T) {
	env := setupBus(t)
	ctx := context.Background()

	_, err := env.bus.Send(ctx, "a", "b", "mystery", nil)
	require.NoError(t, err)

	report, err := env.bus.ProcessPending(ctx, models.NodeContext{NodeID: "b"}, NewDispatcher())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unknown)

	pending, err := env.bus.PollPending(ctx, "b", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessPending_HandlerPanicKeepsMessage(t *testing.T) {
	env := setupBus(t)
	ctx := context.Background()

	_, err := env.bus.Send(ctx, "a", "b", "custom", nil)
	require.NoError(t, err)

	d := NewDispatcher()
	d.Handle("custom", func(context.Context, models.NodeContext, *models.Message) error {
		panic("boom")
	})

	report, err := env.bus.ProcessPending(ctx, models.NodeContext{NodeID: "b"}, d)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	pending, err := env.bus.PollPending(ctx, "b", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestProcessPending_StoreUnavailable(t *testing.T) {
	env := setupBus(t)
	require.NoError(t, env.store.Close())

	_, err := env.bus.ProcessPending(context.Background(), models.NodeContext{NodeID: "b"}, NewDispatcher())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

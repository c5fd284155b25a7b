// Package agent is the node side of coordination: it registers one node, keeps
// its heartbeat going and drains its mailbox.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soltixdb/meshcoord/internal/coordination"
	"github.com/soltixdb/meshcoord/internal/events"
	"github.com/soltixdb/meshcoord/internal/heartbeat"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/messaging"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/queue"
)

const (
	// DefaultHeartbeatInterval is the heartbeat cadence of a node
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultPollInterval is the mailbox poll cadence without wake-ups
	DefaultPollInterval = 5 * time.Second
)

// Options configures an Agent
type Options struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	// Wakeups shortens the poll delay when set
	Wakeups queue.Subscriber
	// Events receives MainNodeChanged and NodeOfflineNotification; a private
	// bus is created when nil
	Events *events.Bus
	Logger *logging.Logger
}

// Agent runs one node against the coordination service
type Agent struct {
	svc        *coordination.Service
	info       models.NodeInfo
	heartbeat  time.Duration
	poll       time.Duration
	wakeups    queue.Subscriber
	events     *events.Bus
	logger     *logging.Logger
	leaders    *LeaderCache
	dispatcher *messaging.Dispatcher

	mu      sync.RWMutex
	nc      models.NodeContext
	running bool
	cancel  context.CancelFunc
	unwatch func() error
	wake    chan struct{}
	wg      sync.WaitGroup
}

// New validates info and prepares an agent with the default handlers
func New(svc *coordination.Service, info models.NodeInfo, opts Options) (*Agent, error) {
	nodeType, err := models.ParseNodeType(info.NodeType)
	if err != nil {
		return nil, err
	}
	if err := info.Hierarchy().Validate(nodeType); err != nil {
		return nil, err
	}

	a := &Agent{
		svc:        svc,
		info:       info,
		heartbeat:  opts.HeartbeatInterval,
		poll:       opts.PollInterval,
		wakeups:    opts.Wakeups,
		events:     opts.Events,
		logger:     opts.Logger,
		leaders:    NewLeaderCache(),
		dispatcher: messaging.NewDispatcher(),
		wake:       make(chan struct{}, 1),
	}
	if a.heartbeat <= 0 {
		a.heartbeat = DefaultHeartbeatInterval
	}
	if a.poll <= 0 {
		a.poll = DefaultPollInterval
	}
	if a.logger == nil {
		a.logger = logging.Global()
	}
	a.logger = a.logger.With("component", "agent")
	if a.events == nil {
		a.events = events.NewBus(a.logger)
	}

	a.dispatcher.Handle(models.MessageLeadershipChanged, a.onLeadershipChanged)
	a.dispatcher.Handle(models.MessageNodeOffline, a.onNodeOffline)
	a.dispatcher.Handle(models.MessageHeartbeatRequest, a.onHeartbeatRequest)
	return a, nil
}

// Context returns the node identity; empty until Start registered the node
func (a *Agent) Context() models.NodeContext {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nc
}

// Leaders exposes the leader cache
func (a *Agent) Leaders() *LeaderCache {
	return a.leaders
}

// Events exposes the node-side event bus
func (a *Agent) Events() *events.Bus {
	return a.events
}

// Handle adds or replaces the handler of msgType
func (a *Agent) Handle(msgType models.MessageType, fn messaging.HandlerFunc) {
	a.dispatcher.Handle(msgType, fn)
}

// Start registers the node and launches the heartbeat and mailbox loops
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent already started")
	}
	a.mu.Unlock()

	// 1. Register and learn the current leader
	if err := a.Join(ctx); err != nil {
		return err
	}
	nc := a.Context()

	// 2. Subscribe to wake-ups before the first drain so none is missed
	runCtx, cancel := context.WithCancel(logging.WithNodeID(ctx, nc.NodeID))
	var unwatch func() error
	if a.wakeups != nil {
		var err error
		unwatch, err = queue.WatchMailbox(a.wakeups, nc.NodeID, func(queue.WakeUp) { a.Wake() })
		if err != nil {
			a.logger.Warn("Wake-ups unavailable, relying on polling", "node_id", nc.NodeID, "error", err)
		}
	}

	a.mu.Lock()
	a.running = true
	a.cancel = cancel
	a.unwatch = unwatch
	a.mu.Unlock()

	a.wg.Add(2)
	go a.heartbeatLoop(runCtx)
	go a.mailboxLoop(runCtx)

	a.logger.Info("Agent started",
		"node_id", nc.NodeID,
		"level", nc.Level().Key(),
		"heartbeat_interval", a.heartbeat,
		"poll_interval", a.poll)
	return nil
}

// Join registers the node, or refreshes an existing registration, and learns
// the leader of its level. Start calls it; hosts driving Beat and Drain
// themselves call it directly.
func (a *Agent) Join(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	a.refreshLeader(ctx)
	return nil
}

// Stop ends both loops and waits for them
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel, unwatch := a.cancel, a.unwatch
	a.mu.Unlock()

	if unwatch != nil {
		if err := unwatch(); err != nil {
			a.logger.Warn("Failed to stop wake-up subscription", "error", err)
		}
	}
	cancel()
	a.wg.Wait()
	a.logger.Info("Agent stopped", "node_id", a.Context().NodeID)
}

// Wake asks the mailbox loop to drain now
func (a *Agent) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) register(ctx context.Context) error {
	res, err := a.svc.Registry.Register(ctx, a.info)
	if err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	nodeType, _ := models.ParseNodeType(a.info.NodeType)

	a.mu.Lock()
	a.info.NodeID = res.NodeID
	a.nc = models.NodeContext{NodeID: res.NodeID, NodeType: nodeType, Hierarchy: a.info.Hierarchy()}
	a.mu.Unlock()
	return nil
}

// Beat sends one heartbeat and refreshes the leader of the node's level. A node
// that vanished from the registry registers again.
func (a *Agent) Beat(ctx context.Context) error {
	nc := a.Context()
	_, err := a.svc.Monitor.RecordHeartbeat(ctx, heartbeat.SignalFor(nc))
	if errors.Is(err, models.ErrNodeNotFound) {
		a.logger.Warn("Node missing from registry, registering again", "node_id", nc.NodeID)
		err = a.register(ctx)
	}
	if err != nil {
		return err
	}
	a.refreshLeader(ctx)
	return nil
}

// Drain processes one batch of the mailbox
func (a *Agent) Drain(ctx context.Context) (messaging.ProcessReport, error) {
	return a.svc.Bus.ProcessPending(ctx, a.Context(), a.dispatcher)
}

// refreshLeader covers the notice a new leader never receives about itself
func (a *Agent) refreshLeader(ctx context.Context) {
	level := a.Context().Level()
	main, err := a.svc.Registry.GetMainNode(ctx, level)
	if err != nil {
		a.logger.Warn("Failed to read main node", "level", level.Key(), "error", err)
		return
	}
	if main == nil {
		return
	}
	notice := models.LeadershipChanged{
		Level:       level,
		NewMainNode: main.NodeID,
		IPAddress:   main.IPAddress,
		Port:        main.Port,
	}
	if recs, err := a.svc.Elections.History(ctx, level, 1); err == nil && len(recs) == 1 && recs[0].NewMainNode == main.NodeID {
		notice.OldMainNode = recs[0].OldMainNode
		notice.Reason = recs[0].Reason
		notice.ElectionTime = recs[0].ElectionTime
	}
	if a.leaders.Set(level, main.NodeID, notice.ElectionTime) {
		a.events.Emit(events.Event{
			Kind:    events.MainNodeChanged,
			Level:   level,
			NodeID:  main.NodeID,
			Payload: notice,
		})
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.Beat(ctx); err != nil && ctx.Err() == nil {
				a.logger.WithContext(ctx).Error("Heartbeat failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) mailboxLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	a.drainAll(ctx)
	for {
		select {
		case <-ticker.C:
			a.drainAll(ctx)
		case <-a.wake:
			a.drainAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// drainAll walks the mailbox once; a pass already pages past failed messages
func (a *Agent) drainAll(ctx context.Context) {
	report, err := a.Drain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.WithContext(ctx).Error("Mailbox drain failed", "error", err)
		}
		return
	}
	if report.Failed > 0 {
		a.logger.WithContext(ctx).Warn("Messages left pending after handler failures", "failed", report.Failed, "polled", report.Polled)
	}
}

// Package heartbeat tracks liveness. Nodes report periodically; a health check
// flips silent nodes offline, tells their level and repairs leadership.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soltixdb/meshcoord/internal/events"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/messaging"
	"github.com/soltixdb/meshcoord/internal/metrics"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/store"
)

const (
	// DefaultTimeout is how long a node may stay silent before it is offline
	DefaultTimeout = 120 * time.Second
	// DefaultCheckInterval is the scheduler tick of the health check loop
	DefaultCheckInterval = 30 * time.Second
)

// Elector fills a level that lost its main node
type Elector interface {
	EnsureMainNode(ctx context.Context, level models.Level) (*models.Node, error)
}

// Broadcaster delivers a notice to the other active nodes of a level
type Broadcaster interface {
	BroadcastToLevel(ctx context.Context, level models.Level, from string, msgType models.MessageType, payload any, excludeNodeID string) (messaging.BroadcastResult, error)
}

// Signal is one liveness report. NodeType and Hierarchy are optional; when set
// they must match the registered level.
type Signal struct {
	NodeID    string
	NodeType  models.NodeType
	Hierarchy models.Hierarchy
	IPAddress string
	Port      int
}

// SignalFor builds the signal a node sends for itself
func SignalFor(nc models.NodeContext) Signal {
	return Signal{NodeID: nc.NodeID, NodeType: nc.NodeType, Hierarchy: nc.Hierarchy}
}

// NodeFailure is a node the health check could not process
type NodeFailure struct {
	NodeID string `json:"nodeId"`
	Error  string `json:"error"`
}

// HealthReport summarizes one CheckHealth pass
type HealthReport struct {
	CheckedAt     time.Time     `json:"checkedAt"`
	Cutoff        time.Time     `json:"cutoff"`
	Expired       int           `json:"expired"`
	MarkedOffline []string      `json:"markedOffline"`
	Skipped       int           `json:"skipped"`
	Reelected     []string      `json:"reelected,omitempty"`
	Failures      []NodeFailure `json:"failures,omitempty"`
}

// Options configures a Monitor
type Options struct {
	Timeout       time.Duration
	CheckInterval time.Duration
	Events        *events.Bus
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
	Now           func() time.Time
}

// Monitor records heartbeats and expires silent nodes
type Monitor struct {
	store       store.Store
	elector     Elector
	broadcaster Broadcaster
	events      *events.Bus
	metrics     *metrics.Metrics
	logger      *logging.Logger
	now         func() time.Time
	timeout     time.Duration
	interval    time.Duration

	// serializes scheduler ticks with manual checks
	checkMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a monitor. broadcaster may be nil.
func New(s store.Store, elector Elector, broadcaster Broadcaster, opts Options) *Monitor {
	m := &Monitor{
		store:       s,
		elector:     elector,
		broadcaster: broadcaster,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
		timeout:     opts.Timeout,
		interval:    opts.CheckInterval,
		stopCh:      make(chan struct{}),
	}
	if m.logger == nil {
		m.logger = logging.Global()
	}
	m.logger = m.logger.With("component", "heartbeat")
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.interval <= 0 {
		m.interval = DefaultCheckInterval
	}
	return m
}

// Timeout returns the configured expiry window
func (m *Monitor) Timeout() time.Duration {
	return m.timeout
}

// RecordHeartbeat refreshes the liveness of a registered node. lastHeartbeat
// never moves backwards. Every heartbeat makes sure the node's level has a main
// node, which also covers a node returning from offline.
func (m *Monitor) RecordHeartbeat(ctx context.Context, sig Signal) (*models.HeartbeatRecord, error) {
	if sig.NodeID == "" {
		return nil, fmt.Errorf("%w: empty node id", models.ErrNodeNotFound)
	}

	var (
		rec     *models.HeartbeatRecord
		node    *models.Node
		revived bool
	)
	err := m.store.Update(ctx, func(tx store.Tx) error {
		// 1. Resolve the node and check the claimed level
		n, err := tx.GetNode(sig.NodeID)
		if err != nil {
			return err
		}
		if sig.NodeType != "" && (sig.NodeType != n.NodeType || sig.Hierarchy != n.Hierarchy) {
			return fmt.Errorf("%w: node %s is registered at %s", models.ErrInvalidHierarchy, n.NodeID, n.Level().Key())
		}

		// 2. Refresh the address when the node reports a new one
		if sig.IPAddress != "" || sig.Port != 0 {
			if sig.IPAddress != "" {
				n.IPAddress = sig.IPAddress
			}
			if sig.Port != 0 {
				n.Port = sig.Port
			}
			if err := tx.SaveNode(n); err != nil {
				return err
			}
		}

		// 3. Upsert the record; status is projected onto the node row
		at := m.now()
		prev, err := tx.GetHeartbeat(n.NodeID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if prev != nil && prev.LastHeartbeat.After(at) {
			at = prev.LastHeartbeat
		}
		revived = n.Status == models.NodeStatusOffline
		rec = &models.HeartbeatRecord{
			NodeID:        n.NodeID,
			NodeType:      n.NodeType,
			Hierarchy:     n.Hierarchy,
			IPAddress:     n.IPAddress,
			Port:          n.Port,
			LastHeartbeat: at,
			Status:        models.NodeStatusActive,
		}
		node = n
		return tx.PutHeartbeat(rec)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrNodeNotFound, sig.NodeID)
	}
	if err != nil {
		return nil, err
	}

	m.metrics.Heartbeat(string(node.NodeType))
	if revived {
		m.logger.Info("Node is back online", "node_id", node.NodeID, "level", node.Level().Key())
	}
	m.ensureLeader(ctx, node.Level())
	return rec, nil
}

// CheckHealth marks every node whose last heartbeat is older than timeout as
// offline. Each node is handled in its own transaction; a failure is recorded in
// the report and the scan moves on.
func (m *Monitor) CheckHealth(ctx context.Context, timeout time.Duration) (HealthReport, error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	start := time.Now()
	defer m.metrics.ObserveHealthCheck(start)

	if timeout <= 0 {
		timeout = m.timeout
	}
	now := m.now()
	report := HealthReport{CheckedAt: now, Cutoff: now.Add(-timeout), MarkedOffline: []string{}}

	var expired []*models.HeartbeatRecord
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		expired, err = tx.ListExpired(report.Cutoff)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("failed to list expired heartbeats: %w", err)
	}
	report.Expired = len(expired)

	for _, hb := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		node, err := m.expire(ctx, hb, report.Cutoff, now)
		if err != nil {
			m.logger.Error("Failed to expire node", "node_id", hb.NodeID, "error", err)
			report.Failures = append(report.Failures, NodeFailure{NodeID: hb.NodeID, Error: err.Error()})
			continue
		}
		if node == nil {
			report.Skipped++
			continue
		}
		report.MarkedOffline = append(report.MarkedOffline, node.NodeID)
		if node.IsMainNode && m.ensureLeader(ctx, node.Level()) {
			report.Reelected = append(report.Reelected, node.Level().Key())
		}
	}

	if len(report.MarkedOffline) > 0 || len(report.Failures) > 0 {
		m.logger.Info("Health check completed",
			"expired", report.Expired,
			"marked_offline", len(report.MarkedOffline),
			"skipped", report.Skipped,
			"failures", len(report.Failures))
	}
	return report, nil
}

// expire flips one node offline with a compare-and-set on its heartbeat. It
// returns nil when another checker or a fresh heartbeat got there first.
func (m *Monitor) expire(ctx context.Context, hb *models.HeartbeatRecord, cutoff, detectedAt time.Time) (*models.Node, error) {
	var node *models.Node
	err := m.store.Update(ctx, func(tx store.Tx) error {
		node = nil
		changed, err := tx.MarkOffline(hb.NodeID, cutoff)
		if err != nil || !changed {
			return err
		}
		n, err := tx.GetNode(hb.NodeID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		node = n
		return nil
	})
	if err != nil || node == nil {
		return nil, err
	}

	level := node.Level()
	m.metrics.HeartbeatExpired(string(node.NodeType))
	m.logger.Warn("Node marked offline",
		"node_id", node.NodeID,
		"level", level.Key(),
		"was_main_node", node.IsMainNode,
		"last_heartbeat", hb.LastHeartbeat.Format(time.RFC3339))

	notice := models.NodeOffline{
		NodeID:        node.NodeID,
		Level:         level,
		WasMainNode:   node.IsMainNode,
		LastHeartbeat: hb.LastHeartbeat,
		DetectedAt:    detectedAt,
	}
	m.events.Emit(events.Event{Kind: events.NodeOffline, Level: level, NodeID: node.NodeID, Payload: notice, At: detectedAt})

	if m.broadcaster != nil {
		if _, err := m.broadcaster.BroadcastToLevel(ctx, level, models.SystemSender, models.MessageNodeOffline, notice, node.NodeID); err != nil {
			m.logger.Error("Failed to broadcast node offline", "node_id", node.NodeID, "error", err)
		}
	}
	return node, nil
}

// ensureLeader reports whether the level ended up with a main node
func (m *Monitor) ensureLeader(ctx context.Context, level models.Level) bool {
	if m.elector == nil {
		return false
	}
	main, err := m.elector.EnsureMainNode(ctx, level)
	if err != nil {
		m.logger.Error("Failed to ensure main node", "level", level.Key(), "error", err)
		return false
	}
	return main != nil
}

// Start runs CheckHealth every check interval until ctx is done or Stop is called
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("Starting health check loop",
		"interval", m.interval,
		"timeout", m.timeout)

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop ends the loop started by Start and waits for it
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.CheckHealth(ctx, m.timeout); err != nil {
				m.logger.Error("Health check failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

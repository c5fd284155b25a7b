// Package coordination assembles the registry, heartbeat monitor, election
// coordinator and message bus over one shared store.
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/soltixdb/meshcoord/internal/config"
	"github.com/soltixdb/meshcoord/internal/election"
	"github.com/soltixdb/meshcoord/internal/events"
	"github.com/soltixdb/meshcoord/internal/heartbeat"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/messaging"
	"github.com/soltixdb/meshcoord/internal/metrics"
	"github.com/soltixdb/meshcoord/internal/registry"
	"github.com/soltixdb/meshcoord/internal/store"
)

// Options configures a Service. Zero values fall back to config defaults, a
// fresh event bus and the global logger.
type Options struct {
	Config   config.CoordinationConfig
	Logger   *logging.Logger
	Events   *events.Bus
	Metrics  *metrics.Metrics
	Notifier messaging.Notifier
	Capacity registry.CapacityPolicy
	Now      func() time.Time
	NewID    func() string
}

// Service is the coordination subsystem of one process
type Service struct {
	Store     store.Store
	Registry  *registry.Registry
	Monitor   *heartbeat.Monitor
	Elections *election.Coordinator
	Bus       *messaging.Bus
	Events    *events.Bus
	Metrics   *metrics.Metrics

	cfg    config.CoordinationConfig
	logger *logging.Logger
}

// New wires the components. The registry and the election coordinator refer to
// each other, so the elector is installed after both exist.
func New(s store.Store, opts Options) (*Service, error) {
	cfg := opts.Config
	defaults := config.DefaultConfig().Coordination
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if cfg.MailboxBatchSize <= 0 {
		cfg.MailboxBatchSize = defaults.MailboxBatchSize
	}
	if cfg.ElectionHistory <= 0 {
		cfg.ElectionHistory = defaults.ElectionHistory
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}
	bus := opts.Events
	if bus == nil {
		bus = events.NewBus(logger)
	}

	capacity := opts.Capacity
	if capacity == nil {
		var err error
		capacity, err = registry.PolicyFromConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("invalid capacity policy: %w", err)
		}
	}

	// 1. Registry owns node rows
	reg := registry.New(s, registry.Options{
		Capacity: capacity,
		Events:   bus,
		Metrics:  opts.Metrics,
		Logger:   logger,
		Now:      opts.Now,
		NewID:    opts.NewID,
	})

	// 2. Message bus resolves levels through the registry
	mb := messaging.NewBus(s, reg, messaging.Options{
		Notifier:  opts.Notifier,
		Metrics:   opts.Metrics,
		Logger:    logger,
		BatchSize: cfg.MailboxBatchSize,
		Now:       opts.Now,
		NewID:     opts.NewID,
	})

	// 3. Elections rank registry candidates and announce over the bus
	coord := election.New(s, reg, mb, election.Options{
		Events:  bus,
		Metrics: opts.Metrics,
		Logger:  logger,
		Now:     opts.Now,
	})
	reg.SetLeaderElector(coord)

	// 4. Monitor expires nodes and repairs leadership
	mon := heartbeat.New(s, coord, mb, heartbeat.Options{
		Timeout:       cfg.HeartbeatTimeout,
		CheckInterval: cfg.HealthCheckInterval,
		Events:        bus,
		Metrics:       opts.Metrics,
		Logger:        logger,
		Now:           opts.Now,
	})

	return &Service{
		Store:     s,
		Registry:  reg,
		Monitor:   mon,
		Elections: coord,
		Bus:       mb,
		Events:    bus,
		Metrics:   opts.Metrics,
		cfg:       cfg,
		logger:    logger.With("component", "coordination"),
	}, nil
}

// Config returns the effective coordination settings
func (s *Service) Config() config.CoordinationConfig {
	return s.cfg
}

// StartScheduler runs the periodic health check in process
func (s *Service) StartScheduler(ctx context.Context) {
	s.Monitor.Start(ctx)
}

// Close stops the scheduler and closes the store
func (s *Service) Close() error {
	s.Monitor.Stop()
	if err := s.Store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.logger.Info("Coordination service stopped")
	return nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/soltixdb/meshcoord/internal/agent"
	"github.com/soltixdb/meshcoord/internal/config"
	"github.com/soltixdb/meshcoord/internal/coordination"
	"github.com/soltixdb/meshcoord/internal/events"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/messaging"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/queue"
	"github.com/soltixdb/meshcoord/internal/store"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	nodeID := flag.String("node-id", "", "Node id; generated when empty")
	nodeType := flag.String("type", "local", "Node type: domain, cluster, channel or local")
	domainID := flag.String("domain", "", "Domain id")
	clusterID := flag.String("cluster", "", "Cluster id")
	channelID := flag.String("channel", "", "Channel id")
	ip := flag.String("ip", "", "Advertised IP address; auto-detected when empty")
	port := flag.Int("port", 0, "Advertised port")
	priority := flag.Int("priority", 0, "Election priority; higher wins")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	logger.Info("Node starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime)

	advertise := *ip
	if advertise == "" {
		advertise = getOutboundIP()
		if advertise == "" {
			logger.Fatal("Failed to auto-detect IP address and no -ip given")
		}
		logger.Info("Auto-detected machine IP address", "ip", advertise)
	}

	info := models.NodeInfo{
		NodeID:    *nodeID,
		NodeType:  *nodeType,
		DomainID:  *domainID,
		ClusterID: *clusterID,
		ChannelID: *channelID,
		IPAddress: advertise,
		Port:      *port,
		Priority:  priority,
	}
	if err := run(cfg, logger, info); err != nil {
		logger.Fatal("Node stopped with error", "error", err)
	}
	logger.Info("Node exited")
}

func run(cfg *config.Config, logger *logging.Logger, info models.NodeInfo) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	s, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	var (
		notifier messaging.Notifier
		wakeups  queue.Subscriber
	)
	if cfg.Queue.Enabled {
		q, err := queue.NewQueue(cfg.Queue)
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("failed to connect to queue: %w", err)
		}
		defer func() { _ = q.Close() }()
		notifier = queue.NewNotifier(q, logger)
		wakeups = q
	}

	svc, err := coordination.New(s, coordination.Options{
		Config:   cfg.Coordination,
		Logger:   logger,
		Notifier: notifier,
	})
	if err != nil {
		_ = s.Close()
		return err
	}
	defer func() { _ = svc.Close() }()

	bus := events.NewBus(logger)
	bus.Subscribe(events.MainNodeChanged, func(e events.Event) {
		logger.Info("Main node changed", "level", e.Level.Key(), "main_node", e.NodeID)
	})
	bus.Subscribe(events.NodeOfflineNotification, func(e events.Event) {
		logger.Warn("Peer went offline", "level", e.Level.Key(), "node_id", e.NodeID)
	})

	a, err := agent.New(svc, info, agent.Options{
		HeartbeatInterval: cfg.Coordination.HeartbeatInterval,
		PollInterval:      cfg.Coordination.MailboxPollInterval,
		Wakeups:           wakeups,
		Events:            bus,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}
	nc := a.Context()
	logger.Info("Node joined", "node_id", nc.NodeID, "level", nc.Level().Key())

	<-ctx.Done()
	logger.Info("Shutting down node...")
	a.Stop()
	return nil
}

// getOutboundIP returns the local address a UDP socket would use; no packet is sent
func getOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer func() { _ = conn.Close() }()

	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

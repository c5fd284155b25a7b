package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/soltixdb/meshcoord/internal/config"
	"github.com/soltixdb/meshcoord/internal/coordination"
	"github.com/soltixdb/meshcoord/internal/directory"
	"github.com/soltixdb/meshcoord/internal/events"
	"github.com/soltixdb/meshcoord/internal/handlers"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/messaging"
	"github.com/soltixdb/meshcoord/internal/metrics"
	"github.com/soltixdb/meshcoord/internal/queue"
	"github.com/soltixdb/meshcoord/internal/router"
	"github.com/soltixdb/meshcoord/internal/store"
	"github.com/soltixdb/meshcoord/internal/utils"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
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
	logger.Info("Coordinator starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Coordinator stopped with error", "error", err)
	}
	logger.Info("Coordinator exited")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	// 1. Shared store
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	logger.Info("Opening store", "driver", cfg.Store.Driver, "development", cfg.IsDevelopment())
	s, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	// 2. Optional wake-up transport
	var notifier messaging.Notifier
	if cfg.Queue.Enabled {
		logger.Info("Connecting to Queue", "type", cfg.Queue.Type, "url", cfg.Queue.URL)
		q, err := queue.NewQueue(cfg.Queue)
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("failed to connect to queue: %w", err)
		}
		defer func() { _ = q.Close() }()
		notifier = queue.NewNotifier(q, logger)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	bus := events.NewBus(logger)
	svc, err := coordination.New(s, coordination.Options{
		Config:   cfg.Coordination,
		Logger:   logger,
		Events:   bus,
		Metrics:  m,
		Notifier: notifier,
	})
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("failed to build coordination service: %w", err)
	}
	defer func() { _ = svc.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Optional leader directory
	var dir handlers.LeaderDirectory
	if cfg.Etcd.Enabled {
		logger.Info("Connecting to etcd", "endpoints", cfg.Etcd.Endpoints)
		d, err := directory.NewEtcdDirectory(cfg.Etcd, logger)
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()
		d.Attach(bus)
		d.Watch(ctx)
		dir = d
	}

	if cfg.Auth.Enabled {
		logger.Info("API key authentication enabled", "num_keys", len(cfg.Auth.APIKeys))
	} else {
		logger.Warn("API key authentication DISABLED - all requests will be allowed")
	}

	app := router.New(logger, router.Deps{Service: svc, Directory: dir, Version: Version}, *cfg)

	// 4. Serve until a signal arrives
	svc.StartScheduler(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := cfg.GetServerAddress()
		logger.Info("Server listening", "address", addr)
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), utils.ShutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/streamer/internal/catalog"
	"github.com/devrev/pairdb/streamer/internal/config"
	"github.com/devrev/pairdb/streamer/internal/gossip"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/devrev/pairdb/streamer/internal/metrics"
	"github.com/devrev/pairdb/streamer/internal/node"
	"github.com/devrev/pairdb/streamer/internal/server"
	"github.com/devrev/pairdb/streamer/internal/storage/memtable"
	"github.com/devrev/pairdb/streamer/internal/store"
	"github.com/devrev/pairdb/streamer/internal/streaming"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a streamer node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := initLogger(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", envOr("CONFIG_PATH", "./config.yaml"), "path to the YAML configuration file")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	self := locator.Endpoint(cfg.Server.Endpoint)
	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("endpoint", cfg.Server.Endpoint),
		zap.String("listen_address", cfg.Server.ListenAddress))

	if cfg.Cluster.TopologyFile == "" {
		return fmt.Errorf("cluster.topology_file is required")
	}
	topo, err := config.LoadTopology(cfg.Cluster.TopologyFile)
	if err != nil {
		return err
	}
	cat, err := topo.Build(self)
	if err != nil {
		return err
	}
	snitch, err := locator.NewSnitch(cfg.Cluster.Snitch, cat.TokenMetadata().Topology())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, reg)

	detector, shutdownGossip, err := startDetector(cfg, self, snitch, m, logger)
	if err != nil {
		return err
	}
	defer shutdownGossip()

	data, err := openStore(cat)
	if err != nil {
		return err
	}

	throttle := streaming.NewThrottle(cfg.Streaming.ThroughputMBPerSec, m)
	sender := streaming.NewSender(cat, data, throttle, cfg.Streaming.FragmentSize, m, logger)
	receiver := streaming.NewReceiver(cat, data, m)

	grpcServer := grpc.NewServer()
	streaming.RegisterStreamServiceServer(grpcServer, streaming.NewServer(sender, receiver, m, logger))

	conns := streaming.NewConnCache()
	defer conns.Close()
	manager := streaming.NewManager(streaming.ManagerConfig{
		Self:        self,
		Compression: cfg.Streaming.Compression,
		PlanTimeout: cfg.Streaming.PlanTimeout,
	}, sender, receiver, conns, m, logger)

	progress, lease, err := openProgress(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer progress.Close()
	defer func() { _ = lease.Close() }()

	operator := node.New(node.Config{
		NodeID:                  cfg.Server.NodeID,
		Self:                    self,
		ConsistentRangeMovement: cfg.Streaming.ConsistentRangeMovement,
		MaxConcurrentSources:    cfg.Streaming.MaxConcurrentSources,
		RangesPerPlanDivisor:    cfg.Streaming.RangesPerPlanDivisor,
		LeaseTTL:                cfg.Lease.TTL,
	}, node.Dependencies{
		Catalog:  cat,
		Snitch:   snitch,
		Detector: detector,
		Plans:    manager,
		Progress: progress,
		Lease:    lease,
		Metrics:  m,
	}, logger)

	var admin *server.AdminServer
	if cfg.Admin.Enabled {
		admin = server.NewAdminServer(&server.AdminServerConfig{
			Port:     cfg.Admin.Port,
			NodeID:   cfg.Server.NodeID,
			Gatherer: reg,
		}, operator, manager, map[string]server.Pinger{"progress": progress}, logger)
		if err := admin.Start(); err != nil {
			return err
		}
	}

	listener, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddress, err)
	}
	logger.Info("Streamer node starting",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", listener.Addr().String()),
		zap.Int("nr_nodes_in_ring", cat.TokenMetadata().NodeCount()))

	serveErr := make(chan error, 1)
	go func() { serveErr <- grpcServer.Serve(listener) }()

	select {
	case err := <-serveErr:
		return fmt.Errorf("gRPC server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully")
	if operator.Abort() {
		logger.Info("Aborted running operation")
	}
	if n := manager.AbortAll(); n > 0 {
		logger.Info("Aborted stream plans", zap.Int("nr_plans", n))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if admin != nil {
		if err := admin.Stop(shutdownCtx); err != nil {
			logger.Warn("Failed to stop admin server", zap.Error(err))
		}
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	return nil
}

// startDetector joins gossip when enabled. Without gossip every endpoint is
// considered alive and failure detection is reported as disabled.
func startDetector(cfg *config.Config, self locator.Endpoint, snitch locator.Snitch, m *metrics.Metrics, logger *zap.Logger) (gossip.FailureDetector, func(), error) {
	if !cfg.Gossip.Enabled {
		return gossip.NewStaticDetector(false), func() {}, nil
	}
	d, err := gossip.NewMemberlistDetector(&gossip.Config{
		BindAddr:       cfg.Gossip.BindAddr,
		BindPort:       cfg.Gossip.BindPort,
		SeedNodes:      cfg.Gossip.SeedNodes,
		GossipInterval: cfg.Gossip.GossipInterval,
		ProbeTimeout:   cfg.Gossip.ProbeTimeout,
		ProbeInterval:  cfg.Gossip.ProbeInterval,
	}, gossip.NodeState{
		NodeID:     cfg.Server.NodeID,
		Endpoint:   self,
		Datacenter: snitch.Datacenter(self),
		Rack:       snitch.Rack(self),
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start gossip: %w", err)
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			m.UpdateGossipMembers(len(d.LiveEndpoints()))
			select {
			case <-ticker.C:
			case <-done:
				return
			}
		}
	}()
	shutdown := func() {
		close(done)
		if err := d.Shutdown(); err != nil {
			logger.Warn("Failed to leave gossip", zap.Error(err))
		}
	}
	return d, shutdown, nil
}

// openStore creates the memtables of every table in the catalog
func openStore(cat *catalog.Catalog) (*memtable.Store, error) {
	data := memtable.NewStore()
	for _, ks := range cat.Keyspaces() {
		tables, err := cat.Tables(ks)
		if err != nil {
			return nil, err
		}
		for _, s := range tables {
			data.Table(s)
		}
	}
	return data, nil
}

func openProgress(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.ProgressStore, store.RunLease, error) {
	var progress store.ProgressStore = store.NewMemoryProgressStore()
	if cfg.Progress.Backend == config.BackendPostgres {
		pg, err := store.NewPostgresProgressStore(ctx, cfg.Progress.DSN, cfg.Progress.MaxConnections, logger)
		if err != nil {
			return nil, nil, err
		}
		progress = pg
	}

	var lease store.RunLease = store.NewMemoryRunLease()
	if cfg.Lease.Backend == config.BackendRedis {
		rl, err := store.NewRedisRunLease(ctx, cfg.Lease.Addr, cfg.Lease.Password, cfg.Lease.DB, logger)
		if err != nil {
			progress.Close()
			return nil, nil, err
		}
		lease = rl
	}
	return progress, lease, nil
}

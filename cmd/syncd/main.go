package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/TopGunBuild/topgun/internal/cluster"
	"github.com/TopGunBuild/topgun/internal/config"
	"github.com/TopGunBuild/topgun/internal/datastore"
	"github.com/TopGunBuild/topgun/internal/hlc"
	"github.com/TopGunBuild/topgun/internal/metrics"
	"github.com/TopGunBuild/topgun/internal/partition"
	"github.com/TopGunBuild/topgun/internal/server"
	"github.com/TopGunBuild/topgun/internal/store"
	"github.com/TopGunBuild/topgun/internal/storage"
	"github.com/TopGunBuild/topgun/internal/subscription"
	"github.com/TopGunBuild/topgun/internal/worker"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting TopGun sync node",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.Int("partitions", cfg.Partition.Count),
		zap.String("write_mode", cfg.Storage.WriteMode))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.NewMetrics(cfg.Server.NodeID, promReg)

	source := hlc.WallClock{}
	clock := hlc.NewClock(cfg.Server.NodeID, source, cfg.Clock.MaxSkew)

	membership, gossip, err := initMembership(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize membership", zap.Error(err))
	}

	peers := server.NewPeerClient(cfg.Server.NodeID, cfg.Gossip.PeerURLs)
	subs := subscription.NewRegistry()
	conns := server.NewConnRegistry(m, logger)
	notifier := subscription.NewNotifier(subs, conns, logger)

	emitter := partition.NewEmitter(membership, peers, cfg.Partition.BackupCount, 1024, m, logger)
	emitter.Start()

	stores := &dataStoreSet{cfg: cfg, backend: datastore.NewMemoryBackend(), logger: logger}

	manager := partition.NewManager(cfg.Partition.Count, cfg.Partition.InboxCapacity, partition.Deps{
		Clock:      clock,
		Membership: membership,
		StoreConfig: store.Config{
			Engine: storage.EngineConfig{
				CostLimit:    cfg.Storage.CostLimitBytes,
				DisableSpill: cfg.Storage.DisableSpill,
				Policy:       storage.EvictionPolicy(cfg.Storage.EvictionPolicy),
			},
			DefaultTTL: cfg.Storage.DefaultTTL,
			Metrics:    m,
		},
		DataStoreFor: stores.build,
		Observers:    []store.MutationObserver{emitter, notifier},
		Metrics:      m,
		Logger:       logger,
	})
	manager.Start()
	logger.Info("Partition actors started", zap.Int("count", cfg.Partition.Count))

	shutdownCtl := server.NewShutdownController(logger)
	srv := server.New(cfg, server.Deps{
		Manager:  manager,
		Peers:    peers,
		Subs:     subs,
		Conns:    conns,
		Metrics:  m,
		PromReg:  promReg,
		Source:   source,
		Shutdown: shutdownCtl,
		Logger:   logger,
	})

	var jobs worker.Group
	jobs.Add(worker.NewRunner(worker.GcJob{Manager: manager, Source: source, Metrics: m},
		cfg.Gc.Interval, 0.1, logger))
	jobs.Add(worker.NewRunner(worker.AntiEntropyJob{Manager: manager, Peers: peers, BackupCount: cfg.Partition.BackupCount},
		cfg.AntiEntropy.Interval, 0.1, logger))
	jobs.Add(worker.NewRunner(worker.ClockSkewJob{Clock: clock, Source: source, Threshold: cfg.Clock.MaxSkew / 2, Logger: logger},
		cfg.Clock.MonitorPeriod, 0.1, logger))
	if cfg.Storage.WriteMode == "write-behind" {
		jobs.Add(worker.NewRunner(worker.FlushJob{Stores: stores.snapshot, Metrics: m},
			cfg.Storage.FlushInterval, 0.1, logger))
	}
	jobs.Start()

	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	jobs.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
	emitter.Stop()
	if gossip != nil {
		if err := gossip.Shutdown(); err != nil {
			logger.Warn("Gossip shutdown failed", zap.Error(err))
		}
	}
	logger.Info("Sync node stopped")
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func initMembership(cfg *config.Config, logger *zap.Logger) (cluster.Membership, *cluster.GossipMembership, error) {
	if !cfg.Gossip.Enabled {
		members := cfg.Gossip.StaticMembers
		if len(members) == 0 {
			members = []string{cfg.Server.NodeID}
		}
		return cluster.NewStaticMembership(cfg.Server.NodeID, members), nil, nil
	}
	gossip, err := cluster.NewGossipMembership(&cluster.GossipConfig{
		BindPort:  cfg.Gossip.BindPort,
		SeedNodes: cfg.Gossip.SeedNodes,
	}, cfg.Server.NodeID, logger)
	if err != nil {
		return nil, nil, err
	}
	return gossip, gossip, nil
}

// dataStoreSet builds the persistence stack per (map, partition) and
// remembers every built store so the flush job can reach them.
type dataStoreSet struct {
	cfg     *config.Config
	backend *datastore.MemoryBackend
	logger  *zap.Logger

	mu  sync.Mutex
	all []datastore.MapDataStore
}

func (s *dataStoreSet) build(mapName string, partitionID int) datastore.MapDataStore {
	scoped := fmt.Sprintf("%s/%d", mapName, partitionID)
	var ds datastore.MapDataStore
	switch s.cfg.Storage.WriteMode {
	case "write-through":
		ds = datastore.NewWriteThroughStore(scoped, s.backend, s.logger)
	case "write-behind":
		ds = datastore.NewWriteBehindStore(scoped, s.backend, s.logger)
	default:
		ds = datastore.NullStore{}
	}
	s.mu.Lock()
	s.all = append(s.all, ds)
	s.mu.Unlock()
	return ds
}

func (s *dataStoreSet) snapshot() []datastore.MapDataStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datastore.MapDataStore(nil), s.all...)
}

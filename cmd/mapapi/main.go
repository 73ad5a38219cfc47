package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/clock"
	"github.com/robomesh/mapapi/internal/config"
	"github.com/robomesh/mapapi/internal/discovery"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/metrics"
	"github.com/robomesh/mapapi/internal/nettable"
	"github.com/robomesh/mapapi/internal/raft"
	"github.com/robomesh/mapapi/internal/server"
)

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("discovery", cfg.Discovery.Backend))

	// Initialize transport
	registry := prometheus.NewRegistry()
	peerMetrics := metrics.New(registry)
	logicalClock := clock.New()

	peerHub, err := hub.New(cfg.Hub, cfg.Server.Host, cfg.Server.Port,
		logicalClock, peerMetrics, logger)
	if err != nil {
		logger.Fatal("Failed to initialize hub", zap.Error(err))
	}

	// Initialize table manager; applications declare their tables
	// through it before serving
	manager := nettable.NewManager(peerHub, logicalClock, cfg, peerMetrics, logger)

	// Initialize raft cluster membership if enabled
	var raftCluster *raft.Cluster
	if cfg.Raft.Enabled {
		raftCluster, err = raft.NewCluster(cfg.Raft, peerHub, peerMetrics, logger)
		if err != nil {
			logger.Fatal("Failed to initialize raft cluster", zap.Error(err))
		}
	}

	peerHub.Start()

	// Bootstrap peer discovery
	disc, err := discovery.New(cfg.Discovery, peerHub, logger)
	if err != nil {
		logger.Fatal("Failed to initialize discovery", zap.Error(err))
	}
	if err := discovery.Bootstrap(disc, peerHub, logger); err != nil {
		logger.Fatal("Discovery bootstrap failed", zap.Error(err))
	}
	ctx := context.Background()
	peerHub.Announce(ctx)

	if raftCluster != nil {
		raftCluster.Start()
		logger.Info("Raft cluster membership started")
	}

	// Start metrics server
	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path,
			registry, peerHub.Self(), logger)
		metricsServer.Start()
	}

	logger.Info("Map-API peer running", zap.String("address", peerHub.Self().String()))

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if raftCluster != nil {
		raftCluster.Stop()
	}
	manager.Shutdown(shutdownCtx)
	if err := disc.Close(); err != nil {
		logger.Warn("Discovery close failed", zap.Error(err))
	}
	if metricsServer != nil {
		metricsServer.Stop(shutdownCtx)
	}
	peerHub.Shutdown(shutdownCtx)
}

// initLogger initializes the zap logger
func initLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return config.Build()
}

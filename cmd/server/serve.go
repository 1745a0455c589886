package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/configserver/internal/api/rest"
	"github.com/arohanajit/configserver/internal/cluster"
	"github.com/arohanajit/configserver/internal/config"
	"github.com/arohanajit/configserver/internal/logstore"
	"github.com/arohanajit/configserver/internal/nodeconfig"
	"github.com/arohanajit/configserver/internal/storage"
	"github.com/arohanajit/configserver/internal/tenant"
)

const shutdownTimeout = 30 * time.Second

// loadConfig applies the command line overrides through the environment so
// they win over both the file and the .env values.
func loadConfig(opts *serveOptions) (*config.ServerConfig, error) {
	if opts.nodeID != "" {
		os.Setenv("NODE_ID", opts.nodeID)
	}
	if opts.port != 0 {
		os.Setenv("SERVER_PORT", strconv.Itoa(opts.port))
	}
	return config.LoadFile(opts.configPath, opts.envFile)
}

// clusterNodes converts the configured nodes. The own node takes NodeURL as
// its address when one is set.
func clusterNodes(cfg *config.ServerConfig) []cluster.NodeConfig {
	nodes := make([]cluster.NodeConfig, 0, len(cfg.Cluster.Nodes))
	for _, n := range cfg.Cluster.Nodes {
		nc := cluster.NodeConfig{
			ID:      n.ID,
			Address: n.Address,
			Enabled: n.Enabled,
			URI:     n.URI,
			WANURI:  n.WANURI,
		}
		if n.ID == cfg.NodeID && cfg.NodeURL != "" {
			nc.Address = cfg.NodeURL
		}
		nodes = append(nodes, nc)
	}
	return nodes
}

func openTenants(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger) (*tenant.Manager, error) {
	tenants := tenant.NewManager(cfg.Tenant, logger)
	for _, tc := range cfg.Tenants {
		if !tc.Enabled {
			logger.Info("Tenant disabled", zap.String("tenant", tc.ID))
			continue
		}
		provider, err := storage.Open(ctx, tc.Store, tc.ID)
		if err != nil {
			tenants.Close()
			return nil, fmt.Errorf("open store of tenant %s: %w", tc.ID, err)
		}
		if err := tenants.AddTenant(ctx, tc.ID, tc.StartEntity, provider); err != nil {
			provider.Close()
			tenants.Close()
			return nil, err
		}
	}
	return tenants, nil
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := config.InitLogger(cfg.Log.Level); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := config.GetLogger().With(zap.String("nodeId", cfg.NodeID))
	defer config.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tenants, err := openTenants(ctx, cfg, logger)
	if err != nil {
		return err
	}

	nodeStore, err := nodeconfig.Open(cfg.Cluster.NodeStore)
	if err != nil {
		tenants.Close()
		return fmt.Errorf("open node store: %w", err)
	}
	nodes := clusterNodes(cfg)
	if nodeStore != nil {
		stored, err := nodeStore.List(ctx)
		if err != nil {
			logger.Warn("Stored node list unavailable", zap.Error(err))
		}
		nodes = nodeconfig.Merge(nodes, stored)
	}

	persister, err := logstore.Open(cfg.LogStore)
	if err != nil {
		tenants.Close()
		return fmt.Errorf("open log store: %w", err)
	}
	selfLog, err := cluster.NewSelfLog(persister)
	if err != nil {
		tenants.Close()
		return err
	}

	registry, err := cluster.NewRegistry(cluster.RegistryConfig{
		SelfID:             cfg.NodeID,
		MaxAttempts:        cfg.Cluster.MaxAttempts,
		SkipAttemptsOnFail: cfg.Cluster.SkipAttemptsOnFail,
		Life:               cfg.Cluster.NodeLife,
	}, nodes, nodeStore, logger)
	if err != nil {
		tenants.Close()
		selfLog.Close()
		return err
	}

	signer := cluster.NewSigner(cfg.NodeID, cfg.Cluster.Security.Secret, cfg.Cluster.Security.TokenTTL)
	if signer == nil {
		logger.Warn("Cluster secret not set; heartbeats are not authenticated")
	}
	transport := cluster.NewHTTPTransport(&http.Client{Timeout: cfg.Cluster.RequestTimeout}, signer)
	protocol := cluster.NewProtocol(registry, selfLog, tenants, transport, cfg.Cluster.RequestTimeout, logger)

	tenants.Subscribe(tenant.ObserverFunc(func(ctx context.Context, ev tenant.ChangeEvent) {
		protocol.RecordChange(ev.TenantID, ev.Entity, ev.Diff, ev.Full)
	}))
	if watcher, ok := nodeStore.(*nodeconfig.EtcdStore); ok {
		watcher.Watch(ctx, func(announced []cluster.NodeConfig) {
			registry.MergeDiscovered(ctx, announced)
		})
	}

	scheduler := cluster.NewScheduler(registry, protocol, cfg.Cluster.HeartbeatInterval, cfg.Cluster.MaxConcurrentExchanges, logger)

	router := rest.NewRouter(rest.RouterConfig{
		Protocol:       protocol,
		Manager:        scheduler,
		Signer:         signer,
		Tenants:        tenants,
		MaxPayloadSize: cfg.MaxPayloadSize,
		RequestTimeout: cfg.Cluster.RequestTimeout * 2,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	shutdownMgr := cluster.NewShutdownManager(
		server,
		scheduler,
		protocol,
		tenants,
		logger,
		shutdownTimeout,
		selfLog,
		tenants,
		nodeStore,
	)

	// pending change events are drained by Stop, not dropped on the signal
	tenants.Start(context.WithoutCancel(ctx))
	scheduler.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info("Server started",
		zap.String("address", cfg.Address()),
		zap.Int("nodes", len(registry.ListNodes())),
		zap.Int("tenants", len(tenants.TenantIDs())),
		zap.Int64("lastLogId", selfLog.LastLogID()))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdownMgr.Shutdown(shutdownCtx); err != nil {
		return multierr.Append(runErr, err)
	}
	logger.Info("Server shutdown completed")
	return runErr
}

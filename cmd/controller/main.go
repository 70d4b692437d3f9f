// Package main is the entry point for the Ariana controller.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/repository/sqlite"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/client"
	"github.com/ariana-dot-dev/ariana-sub004/internal/api"
	"github.com/ariana-dot-dev/ariana-sub004/internal/blobstore"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/tracing"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/version"
	"github.com/ariana-dot-dev/ariana-sub004/internal/db"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events"
	"github.com/ariana-dot-dev/ariana-sub004/internal/gateway"
	"github.com/ariana-dot-dev/ariana-sub004/internal/machine"
	"github.com/ariana-dot-dev/ariana-sub004/internal/machine/provider"
	"github.com/ariana-dot-dev/ariana-sub004/internal/metrics"
	"github.com/ariana-dot-dev/ariana-sub004/internal/orchestrator"
	"github.com/ariana-dot-dev/ariana-sub004/internal/orchestrator/poller"
	"github.com/ariana-dot-dev/ariana-sub004/internal/quota"
	"github.com/ariana-dot-dev/ariana-sub004/internal/snapshot"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)
	tracing.SetServiceName("ariana-controller")

	log.Info("Starting controller...",
		zap.String("version", version.Version),
		zap.Int("worker_index", cfg.Instance.WorkerIndex))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the store
	store, err := db.Open(cfg.Database.Driver, cfg.Database.DSN(), cfg.Database.MaxConns)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer store.Close()
	repo, err := sqlite.NewWithDB(store.Writer(), store.Reader())
	if err != nil {
		log.Fatal("Failed to initialize repository", zap.Error(err))
	}
	log.Info("Database ready", zap.String("driver", cfg.Database.Driver))

	// 5. Connect the event bus. An empty NATS URL selects the in-memory
	// bus, which is only correct for single-replica deploys.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 6. Select the machine provider
	var prov provider.Provider
	switch cfg.Pool.Provider {
	case "sprites":
		prov = provider.NewSprites(cfg.Sprites, cfg.Workers.Port, log)
	case "docker":
		dockerProv, err := provider.NewDocker(cfg.Docker, cfg.Workers.Port, log)
		if err != nil {
			log.Fatal("Failed to initialize docker provider", zap.Error(err))
		}
		prov = dockerProv
	default:
		prov = provider.NewFake()
		log.Warn("Using fake machine provider; agents will not get real VMs")
	}
	log.Info("Machine provider ready", zap.String("provider", cfg.Pool.Provider))

	// 7. Machine pool and admission quotas
	pool := machine.NewPool(repo, prov, eventBus, cfg.Pool, log)
	guard := quota.NewGuard(repo, cfg.Quota, log)

	// 8. Blob store for VM snapshots
	var blobs blobstore.Store
	if cfg.Snapshot.Endpoint != "" {
		r2, err := blobstore.NewR2(ctx, cfg.Snapshot)
		if err != nil {
			log.Fatal("Failed to initialize R2 blob store", zap.Error(err))
		}
		blobs = r2
		log.Info("Connected to R2", zap.String("bucket", cfg.Snapshot.Bucket))
	} else {
		blobs = blobstore.NewMemory()
		log.Warn("No snapshot endpoint configured; snapshots are held in memory")
	}

	// 9. Snapshot service, port-domain gateway, metrics
	snaps := snapshot.NewService(repo, blobs, prov, eventBus, cfg.Snapshot, log)
	registry := gateway.NewPortDomainRegistry(repo, cfg.Gateway, log)
	if !registry.Enabled() {
		log.Info("Port-domain gateway disabled (no admin URL configured)")
	}
	met := metrics.New()

	// 10. Worker dialer. The machine row carries the master secret the
	// per-agent envelope key is derived from.
	workerPort := cfg.Workers.Port
	dialPoller := func(m *models.Machine, agentID string) (poller.Worker, error) {
		return client.New(m.BaseURL(workerPort), agentID, m.Secret, log)
	}
	dialWorker := func(m *models.Machine, agentID string) (orchestrator.Worker, error) {
		return client.New(m.BaseURL(workerPort), agentID, m.Secret, log)
	}

	// 11. Poller: one loop per live agent
	pollCfg := poller.DefaultConfig()
	pollCfg.Interval = cfg.Workers.PollIntervalDuration()
	watcher := poller.NewManager(repo, snaps, eventBus, dialPoller, pollCfg, log)

	// 12. Orchestrator service
	svcCfg := orchestrator.DefaultServiceConfig()
	svcCfg.WorkerIndex = cfg.Instance.WorkerIndex
	svcCfg.SeedPath = cfg.Seed.Path
	svc := orchestrator.NewService(repo, pool, guard, snaps, registry, eventBus, met, dialWorker, watcher, svcCfg, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	// 13. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.New(svc, repo, registry, eventBus, met, log)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 14. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down controller...")

	// 16. Graceful shutdown: stop accepting requests, then stop the
	// poll loops and the orchestrator's background work.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	watcher.Stop()
	if err := svc.Stop(); err != nil {
		log.Error("Orchestrator stop error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Controller stopped")
}

// Package main is the entry point for the agentd worker daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/config"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/version"
)

func main() {
	// 1. Load configuration. In production the provider injects AGENTD_*
	// env vars at boot; a local .env covers development runs.
	_ = godotenv.Load()
	cfg := config.Load()
	if cfg.MachineSecret == "" {
		fmt.Fprintln(os.Stderr, "AGENTD_MACHINE_SECRET is required")
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentd...",
		zap.String("version", version.Version),
		zap.Int("port", cfg.Port))

	// 3. Assemble and start the daemon
	daemon := server.New(cfg, log)
	daemon.Start()

	// 4. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentd...")

	// 5. Graceful shutdown: drain prompts, persist state, close listener
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := daemon.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}

	log.Info("agentd stopped")
}

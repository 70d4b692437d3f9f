// Package server wires the worker daemon together: the assistant
// subprocess transport, the encrypted API and the HTTP listener.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/config"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/api"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/assistant"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// drainTimeout bounds how long shutdown waits for the in-flight exchange
// before the listener closes anyway.
const drainTimeout = 30 * time.Second

// Daemon is the running worker process.
type Daemon struct {
	cfg     *config.Config
	log     *logger.Logger
	api     *api.Server
	httpSrv *http.Server
}

// New assembles the daemon. The assistant subprocess is spawned lazily on
// the first prompt, so construction never fails.
func New(cfg *config.Config, log *logger.Logger) *Daemon {
	streamer := assistant.NewSubprocessStreamer(cfg.AssistantCommand, log)
	apiSrv := api.New(cfg, streamer, log)
	return &Daemon{
		cfg: cfg,
		log: log.WithFields(zap.String("component", "agentd")),
		api: apiSrv,
		httpSrv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           apiSrv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// API exposes the underlying server for tests and tooling.
func (d *Daemon) API() *api.Server {
	return d.api
}

// Start launches the prompt dispatcher and the HTTP listener.
func (d *Daemon) Start() {
	d.api.Start()
	go func() {
		d.log.Info("worker API listening",
			zap.String("addr", d.httpSrv.Addr),
			zap.Bool("shell_enabled", d.cfg.ShellEnabled))
		if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains and stops the daemon: new prompts are rejected, the
// active exchange gets drainTimeout to settle, then the listener closes
// and conversation state is persisted.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.api.BeginDrain()

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	if err := d.api.WaitIdle(drainCtx); err != nil {
		d.log.Warn("shutdown with work still in flight", zap.Error(err))
	}
	cancel()

	err := d.httpSrv.Shutdown(ctx)
	d.api.Stop()
	return err
}

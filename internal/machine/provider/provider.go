// Package provider abstracts the VM backends the machine pool draws from.
// Sprites hosts the managed fleet, Docker serves local development, and the
// fake backend keeps tests hermetic. A provider boots plain worker VMs; the
// agent lifecycle on top of them belongs to the orchestrator.
package provider

import (
	"context"
	"fmt"
	"io"

	"github.com/ariana-dot-dev/ariana-sub004/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// Instance is what a backend hands back after booting a worker VM.
type Instance struct {
	// ProviderID is the backend-side handle: sprite name or container ID.
	ProviderID string
	IPv4       string
	// URL overrides the default http://<ipv4>:<port> base when the worker
	// is only reachable through a tunnel (sprites proxies to localhost).
	URL string
}

// CreateRequest carries everything a backend needs to boot a worker VM.
type CreateRequest struct {
	MachineID string
	// Secret is the machine master secret. The worker derives per-agent
	// envelope keys from it, so it must reach the agentd process unlogged.
	Secret string
	// Env is extra environment for the agentd process.
	Env map[string]string
}

// Provider boots, destroys and images worker VMs. Implementations must be
// safe for concurrent use; the pool calls them from multiple goroutines.
type Provider interface {
	// Name returns the backend identifier stored on Machine rows.
	Name() string

	// HealthCheck verifies the backend is reachable and configured.
	HealthCheck(ctx context.Context) error

	// Create boots a worker VM and starts agentd inside it. The VM is up
	// when Create returns, but HTTP health is the caller's concern.
	Create(ctx context.Context, req *CreateRequest) (*Instance, error)

	// Destroy tears the VM down. Destroying an unknown or already-destroyed
	// VM is not an error.
	Destroy(ctx context.Context, providerID string) error

	// ExportImage streams a filesystem image of the VM's worker home.
	// The caller owns the ReadCloser.
	ExportImage(ctx context.Context, providerID string) (io.ReadCloser, error)

	// ImportImage unpacks a previously exported image onto the VM and
	// restarts agentd so it picks up the restored state.
	ImportImage(ctx context.Context, providerID string, image io.Reader) error
}

// Provide builds the backend selected by pool.provider.
func Provide(cfg *config.Config, log *logger.Logger) (Provider, error) {
	switch cfg.Pool.Provider {
	case "sprites":
		return NewSprites(cfg.Sprites, cfg.Workers.Port, log), nil
	case "docker":
		return NewDocker(cfg.Docker, cfg.Workers.Port, log)
	case "fake":
		return NewFake(), nil
	default:
		return nil, fmt.Errorf("unknown machine provider %q", cfg.Pool.Provider)
	}
}

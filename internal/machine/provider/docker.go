package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

const (
	dockerHome        = "/home/agent"
	dockerStopTimeout = 10 // seconds

	// labelMachineID marks containers owned by this deployment so leaked
	// ones can be found with a label filter.
	labelMachineID = "dev.ariana.machine-id"
	labelManaged   = "dev.ariana.managed"
)

// Docker boots worker containers on a local or remote Docker daemon. It is
// the development stand-in for the managed fleet: one container per machine,
// agentd as the entrypoint, reachable on the container IP.
type Docker struct {
	cli        *client.Client
	cfg        config.DockerConfig
	agentdPort int
	log        *logger.Logger
}

// NewDocker creates the Docker backend.
func NewDocker(cfg config.DockerConfig, agentdPort int, log *logger.Logger) (*Docker, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Docker{
		cli:        cli,
		cfg:        cfg,
		agentdPort: agentdPort,
		log:        log.WithFields(zap.String("provider", "docker")),
	}, nil
}

func (p *Docker) Name() string {
	return "docker"
}

func (p *Docker) HealthCheck(ctx context.Context) error {
	if _, err := p.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (p *Docker) Create(ctx context.Context, req *CreateRequest) (*Instance, error) {
	if err := p.pullImage(ctx); err != nil {
		return nil, err
	}

	name := containerName(req.MachineID)
	containerCfg := &container.Config{
		Image:      p.cfg.Image,
		Env:        p.agentdEnv(req),
		WorkingDir: dockerHome,
		Labels: map[string]string{
			labelMachineID: req.MachineID,
			labelManaged:   "true",
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.cfg.Network),
		Resources: container.Resources{
			Memory:   p.cfg.MemoryLimitMB * 1024 * 1024,
			CPUQuota: p.cfg.CPUQuota,
		},
	}

	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.removeContainer(ctx, resp.ID)
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	ip, err := p.containerIP(ctx, resp.ID)
	if err != nil {
		p.removeContainer(ctx, resp.ID)
		return nil, err
	}

	p.log.Info("container ready",
		zap.String("machine_id", req.MachineID),
		zap.String("container_id", resp.ID),
		zap.String("ip", ip))

	return &Instance{ProviderID: resp.ID, IPv4: ip}, nil
}

func (p *Docker) Destroy(ctx context.Context, providerID string) error {
	timeout := dockerStopTimeout
	err := p.cli.ContainerStop(ctx, providerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !isNoSuchContainer(err) {
		p.log.Warn("failed to stop container, forcing removal",
			zap.String("container_id", providerID), zap.Error(err))
	}

	err = p.cli.ContainerRemove(ctx, providerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !isNoSuchContainer(err) {
		return fmt.Errorf("failed to remove container %s: %w", providerID, err)
	}
	return nil
}

func (p *Docker) ExportImage(ctx context.Context, providerID string) (io.ReadCloser, error) {
	reader, err := p.cli.ContainerExport(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to export container %s: %w", providerID, err)
	}
	return reader, nil
}

func (p *Docker) ImportImage(ctx context.Context, providerID string, img io.Reader) error {
	err := p.cli.CopyToContainer(ctx, providerID, "/", img, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("failed to import image into container %s: %w", providerID, err)
	}

	// Restart relaunches the entrypoint against the restored filesystem.
	timeout := dockerStopTimeout
	if err := p.cli.ContainerRestart(ctx, providerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to restart container %s after import: %w", providerID, err)
	}
	return nil
}

// ListManaged returns the container IDs carrying this deployment's label,
// including stopped ones. Used by the pool reconciler to find leaked VMs.
func (p *Docker) ListManaged(ctx context.Context) (map[string]string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelManaged+"=true")

	containers, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}

	byMachine := make(map[string]string, len(containers))
	for _, ctr := range containers {
		byMachine[ctr.Labels[labelMachineID]] = ctr.ID
	}
	return byMachine, nil
}

// Close releases the underlying SDK client.
func (p *Docker) Close() error {
	return p.cli.Close()
}

// --- helpers ---

func (p *Docker) pullImage(ctx context.Context) error {
	reader, err := p.cli.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", p.cfg.Image, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the progress stream; the pull completes when it ends.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("image pull interrupted: %w", err)
	}
	return nil
}

func (p *Docker) containerIP(ctx context.Context, containerID string) (string, error) {
	inspect, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			return inspect.NetworkSettings.IPAddress, nil
		}
		for _, netSettings := range inspect.NetworkSettings.Networks {
			if netSettings.IPAddress != "" {
				return netSettings.IPAddress, nil
			}
		}
	}
	return "", fmt.Errorf("no IP address found for container %s", containerID)
}

func (p *Docker) removeContainer(ctx context.Context, containerID string) {
	err := p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !isNoSuchContainer(err) {
		p.log.Warn("failed to remove container during cleanup",
			zap.String("container_id", containerID), zap.Error(err))
	}
}

func (p *Docker) agentdEnv(req *CreateRequest) []string {
	env := []string{
		fmt.Sprintf("AGENTD_PORT=%d", p.agentdPort),
		"AGENTD_MACHINE_SECRET=" + req.Secret,
		"AGENTD_HOME=" + dockerHome,
	}
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func containerName(machineID string) string {
	short := machineID
	if len(short) > 12 {
		short = short[:12]
	}
	return "ariana-machine-" + short
}

func isNoSuchContainer(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such container")
}

// WaitStopped blocks until the container exits or ctx is done. Used in tests
// and by callers that need a hard teardown barrier.
func (p *Docker) WaitStopped(ctx context.Context, providerID string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := p.cli.ContainerWait(waitCtx, providerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if isNoSuchContainer(err) {
			return nil
		}
		return fmt.Errorf("failed waiting for container %s: %w", providerID, err)
	case <-statusCh:
		return nil
	case <-waitCtx.Done():
		return waitCtx.Err()
	}
}

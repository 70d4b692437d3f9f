package provider

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

const (
	spriteHome           = "/home/sprite"
	spriteAgentdBin      = "/usr/local/bin/agentd"
	spriteStepTimeout    = 120 * time.Second
	spriteDestroyTimeout = 30 * time.Second
	spriteImageTimeout   = 10 * time.Minute
)

// spriteSession tracks the proxy tunnel and agentd environment of one sprite
// so Destroy can tear the tunnel down and ImportImage can relaunch agentd.
type spriteSession struct {
	localPort int
	proxy     *sprites.ProxySession
	env       []string
}

// Sprites boots worker VMs on the Sprites.dev fleet. Workers there have no
// routable address, so every instance carries a localhost tunnel and the
// returned URL points at it.
type Sprites struct {
	client     *sprites.Client
	cfg        config.SpritesConfig
	agentdPort int
	log        *logger.Logger

	mu       sync.Mutex
	sessions map[string]*spriteSession // keyed by sprite name
}

// NewSprites creates the Sprites backend.
func NewSprites(cfg config.SpritesConfig, agentdPort int, log *logger.Logger) *Sprites {
	return &Sprites{
		client:     sprites.New(cfg.Token),
		cfg:        cfg,
		agentdPort: agentdPort,
		log:        log.WithFields(zap.String("provider", "sprites")),
		sessions:   make(map[string]*spriteSession),
	}
}

func (p *Sprites) Name() string {
	return "sprites"
}

func (p *Sprites) HealthCheck(_ context.Context) error {
	if p.cfg.Token == "" {
		return fmt.Errorf("sprites token not configured")
	}
	return nil
}

func (p *Sprites) Create(ctx context.Context, req *CreateRequest) (*Instance, error) {
	name := p.spriteName(req.MachineID)
	sprite := p.client.Sprite(name)
	env := p.agentdEnv(req)

	p.log.Info("creating sprite",
		zap.String("machine_id", req.MachineID),
		zap.String("sprite_name", name))

	// Sequence: boot check → upload agentd → start agentd → proxy
	if err := p.initializeSprite(ctx, sprite); err != nil {
		p.cleanupOnFailure(sprite, name)
		return nil, err
	}
	if err := p.uploadAgentd(ctx, sprite); err != nil {
		p.cleanupOnFailure(sprite, name)
		return nil, err
	}
	if err := p.startAgentd(sprite, env); err != nil {
		p.cleanupOnFailure(sprite, name)
		return nil, err
	}
	localPort, err := p.openTunnel(ctx, sprite, name, env)
	if err != nil {
		p.cleanupOnFailure(sprite, name)
		return nil, err
	}

	p.log.Info("sprite ready",
		zap.String("sprite_name", name),
		zap.Int("local_port", localPort))

	return &Instance{
		ProviderID: name,
		IPv4:       "127.0.0.1",
		URL:        fmt.Sprintf("http://127.0.0.1:%d", localPort),
	}, nil
}

func (p *Sprites) Destroy(_ context.Context, providerID string) error {
	p.closeTunnel(providerID)

	sprite := p.client.Sprite(providerID)
	if err := sprite.Destroy(); err != nil {
		// A sprite that is already gone is a success for our purposes.
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("failed to destroy sprite %s: %w", providerID, err)
	}
	p.log.Info("sprite destroyed", zap.String("sprite_name", providerID))
	return nil
}

func (p *Sprites) ExportImage(ctx context.Context, providerID string) (io.ReadCloser, error) {
	stepCtx, cancel := context.WithTimeout(ctx, spriteImageTimeout)

	sprite := p.client.Sprite(providerID)
	cmd := sprite.CommandContext(stepCtx, "tar", "czf", "-",
		"-C", "/", strings.TrimPrefix(spriteHome, "/"))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open image stream: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start image export: %w", err)
	}

	return &commandStream{ReadCloser: stdout, wait: cmd.Wait, cancel: cancel}, nil
}

func (p *Sprites) ImportImage(ctx context.Context, providerID string, image io.Reader) error {
	stepCtx, cancel := context.WithTimeout(ctx, spriteImageTimeout)
	defer cancel()

	sprite := p.client.Sprite(providerID)
	cmd := sprite.CommandContext(stepCtx, "sh", "-c", "tar xzf - -C /")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start image import: %w", err)
	}
	if _, err := io.Copy(stdin, image); err != nil {
		return fmt.Errorf("failed to stream image: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("failed to close stdin: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("image import failed: %w", err)
	}

	// The restored tree replaces agentd's state out from under it, so
	// relaunch the process with the environment recorded at Create.
	p.mu.Lock()
	session := p.sessions[providerID]
	p.mu.Unlock()
	if session == nil {
		return fmt.Errorf("no session recorded for sprite %s", providerID)
	}
	if err := p.startAgentd(sprite, session.env); err != nil {
		return fmt.Errorf("failed to restart agentd after import: %w", err)
	}
	return nil
}

// --- boot phases ---

func (p *Sprites) initializeSprite(ctx context.Context, sprite *sprites.Sprite) error {
	stepCtx, cancel := context.WithTimeout(ctx, spriteStepTimeout)
	defer cancel()

	// The first command creates the sprite if it does not exist yet.
	out, err := sprite.CommandContext(stepCtx, "echo", "ariana-ready").Output()
	if err != nil {
		return fmt.Errorf("sprite boot check failed: %w", err)
	}
	if !strings.Contains(string(out), "ariana-ready") {
		return fmt.Errorf("unexpected sprite boot output: %q", string(out))
	}
	return nil
}

func (p *Sprites) uploadAgentd(ctx context.Context, sprite *sprites.Sprite) error {
	data, err := os.ReadFile(p.cfg.AgentdPath)
	if err != nil {
		return fmt.Errorf("agentd binary not found: %w", err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, spriteStepTimeout)
	defer cancel()

	p.log.Debug("uploading agentd binary", zap.Int("size_bytes", len(data)))

	cmd := sprite.CommandContext(stepCtx, "sh", "-c",
		fmt.Sprintf("cat > %s && chmod +x %s", spriteAgentdBin, spriteAgentdBin))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start upload: %w", err)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write binary data: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("failed to close stdin: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("upload command failed: %w", err)
	}

	if _, err := sprite.CommandContext(stepCtx, spriteAgentdBin, "--version").Output(); err != nil {
		return fmt.Errorf("agentd verification failed: %w", err)
	}
	return nil
}

func (p *Sprites) startAgentd(sprite *sprites.Sprite, env []string) error {
	// Background context: agentd outlives this call.
	cmd := sprite.CommandContext(context.Background(), spriteAgentdBin)
	cmd.Env = env
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agentd: %w", err)
	}
	return nil
}

func (p *Sprites) openTunnel(ctx context.Context, sprite *sprites.Sprite, name string, env []string) (int, error) {
	localPort, err := getFreePort()
	if err != nil {
		return 0, fmt.Errorf("failed to get free port: %w", err)
	}

	session, err := sprite.ProxyPort(ctx, localPort, p.agentdPort)
	if err != nil {
		return 0, fmt.Errorf("port forwarding failed: %w", err)
	}

	p.mu.Lock()
	p.sessions[name] = &spriteSession{localPort: localPort, proxy: session, env: env}
	p.mu.Unlock()
	return localPort, nil
}

func (p *Sprites) closeTunnel(name string) {
	p.mu.Lock()
	session := p.sessions[name]
	delete(p.sessions, name)
	p.mu.Unlock()

	if session != nil && session.proxy != nil {
		if err := session.proxy.Close(); err != nil {
			p.log.Warn("failed to close sprite tunnel",
				zap.String("sprite_name", name), zap.Error(err))
		}
	}
}

func (p *Sprites) cleanupOnFailure(sprite *sprites.Sprite, name string) {
	p.log.Warn("cleaning up sprite after failed create", zap.String("sprite_name", name))
	p.closeTunnel(name)
	if err := sprite.Destroy(); err != nil {
		p.log.Warn("failed to destroy sprite during cleanup",
			zap.String("sprite_name", name), zap.Error(err))
	}
}

// --- helpers ---

func (p *Sprites) spriteName(machineID string) string {
	short := machineID
	if len(short) > 12 {
		short = short[:12]
	}
	return p.cfg.NamePrefix + "-" + short
}

func (p *Sprites) agentdEnv(req *CreateRequest) []string {
	env := []string{
		"AGENTD_PORT=" + fmt.Sprintf("%d", p.agentdPort),
		"AGENTD_MACHINE_SECRET=" + req.Secret,
		"AGENTD_HOME=" + spriteHome,
	}
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// commandStream ties a remote command's stdout to its completion so closing
// the stream surfaces tar failures.
type commandStream struct {
	io.ReadCloser
	wait   func() error
	cancel context.CancelFunc
}

func (s *commandStream) Close() error {
	defer s.cancel()
	if err := s.ReadCloser.Close(); err != nil {
		_ = s.wait()
		return err
	}
	return s.wait()
}

// getFreePort finds an available local port.
func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}

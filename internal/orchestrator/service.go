// Package orchestrator walks agents through their lifecycle. It owns:
//
//   - Admission: quota checks and machine reservation for new agents
//   - The provisioning pipeline from PROVISIONING to READY
//   - Fork and resume onto fresh machines from snapshots
//   - Archive, interrupt, reboot and the prompt queue front door
//   - Recovery: startup reconcile and the auto-restore sweep
//
// The orchestrator is the only writer of agent state transitions; the
// event poller reports worker activity back to the database and the REST
// API calls into the orchestrator for every mutation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events/bus"
	"github.com/ariana-dot-dev/ariana-sub004/internal/gateway"
	"github.com/ariana-dot-dev/ariana-sub004/internal/machine"
	"github.com/ariana-dot-dev/ariana-sub004/internal/metrics"
	"github.com/ariana-dot-dev/ariana-sub004/internal/quota"
	"github.com/ariana-dot-dev/ariana-sub004/internal/snapshot"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// Worker is the slice of the agentd client the orchestrator drives:
// provisioning calls plus the git and automation commands proxied from the
// REST API. The full client satisfies it.
type Worker interface {
	WaitHealthy(ctx context.Context, attempts int, interval time.Duration) error
	StartWithRetry(ctx context.Context, req *types.StartRequest, attempts int, backoff time.Duration) (*types.StartResponse, error)
	Prompt(ctx context.Context, req *types.PromptRequest) (*types.PromptResponse, error)
	Interrupt(ctx context.Context) error
	RestoreSnapshot(ctx context.Context, urls []string) error

	GitCommit(ctx context.Context, message string) (*types.CommitResponse, error)
	GitPush(ctx context.Context, force bool) (*types.PushResponse, error)
	GitHistory(ctx context.Context) (*types.HistoryResponse, error)
	TriggerManualAutomation(ctx context.Context, automationID, name string) error
	StopAutomation(ctx context.Context, automationID string) error
}

// Dialer builds a worker client for a machine. The machine row carries the
// master secret the envelope key is derived from, so dialing always goes
// through the row and never through config.
type Dialer func(m *models.Machine, agentID string) (Worker, error)

// Poller watches live agents for worker-side activity. The orchestrator
// arms it when an agent reaches READY and disarms it on archive and error.
type Poller interface {
	Watch(agent *models.Agent)
	Unwatch(agentID string)
}

// ServiceConfig holds the orchestrator's retry budgets and loop intervals.
type ServiceConfig struct {
	// HealthProbeAttempts x HealthProbeInterval bounds both the first
	// boot probe and the post-restore probe.
	HealthProbeAttempts int
	HealthProbeInterval time.Duration
	// StartAttempts x StartBackoff bounds /start, which races the worker
	// service restarting right after an image restore.
	StartAttempts int
	StartBackoff  time.Duration

	RestoreTimeout time.Duration
	ArchiveTimeout time.Duration
	// ReserveWait caps how long admission may park in the pool's
	// reservation queue before POOL_EXHAUSTED surfaces to the caller.
	ReserveWait time.Duration

	SweepInterval time.Duration
	// SweepWindow is how far back the auto-restore sweep looks for
	// errored agents.
	SweepWindow time.Duration
	// IdleTTL archives agents with no activity for this long. Zero
	// disables idle archiving.
	IdleTTL time.Duration

	ReconcileInterval time.Duration

	// WorkerIndex identifies this replica; scheduled loops (sweeps,
	// snapshot GC, pool reconcile) run only on index 0.
	WorkerIndex int
	// SeedPath optionally points at a YAML file of default automations
	// and environment bundles loaded at startup.
	SeedPath string
}

// DefaultServiceConfig returns the production retry budgets.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		HealthProbeAttempts: 15,
		HealthProbeInterval: 2 * time.Second,
		StartAttempts:       10,
		StartBackoff:        3 * time.Second,
		RestoreTimeout:      10 * time.Minute,
		ArchiveTimeout:      10 * time.Minute,
		ReserveWait:         15 * time.Second,
		SweepInterval:       10 * time.Minute,
		SweepWindow:         48 * time.Hour,
		ReconcileInterval:   time.Minute,
	}
}

// CreateAgentRequest carries everything needed to admit and start a new
// agent. Git fields flow straight into the worker's /start call; the
// controller never persists tokens.
type CreateAgentRequest struct {
	UserID        string
	ProjectID     string
	Name          string
	EnvironmentID *string

	RepoURL      string
	Branch       string
	BaseBranch   string
	GitToken     string
	GitUserName  string
	GitUserEmail string

	InitialPrompt string
	Model         string
	IsTemplate    bool

	// ClientIP feeds the per-IP quota windows.
	ClientIP string
}

// Service is the agent lifecycle coordinator.
type Service struct {
	repo    repository.Repository
	pool    *machine.Pool
	quota   *quota.Guard
	snaps   *snapshot.Service
	gateway *gateway.PortDomainRegistry
	bus     bus.EventBus
	metrics *metrics.Metrics
	dial    Dialer
	poller  Poller
	cfg     ServiceConfig
	log     *logger.Logger

	// inflight tracks one transition per agent id so concurrent resume
	// callers coalesce onto the same pipeline.
	inflight sync.Map

	actionSub bus.Subscription

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewService wires the orchestrator. The poller may be nil in tests that
// do not exercise post-READY behavior.
func NewService(
	repo repository.Repository,
	pool *machine.Pool,
	guard *quota.Guard,
	snaps *snapshot.Service,
	registry *gateway.PortDomainRegistry,
	eventBus bus.EventBus,
	met *metrics.Metrics,
	dial Dialer,
	watcher Poller,
	cfg ServiceConfig,
	log *logger.Logger,
) *Service {
	runCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:    repo,
		pool:    pool,
		quota:   guard,
		snaps:   snaps,
		gateway: registry,
		bus:     eventBus,
		metrics: met,
		dial:    dial,
		poller:  watcher,
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "orchestrator")),
		runCtx:  runCtx,
		cancel:  cancel,
	}
}

// Start reconciles persisted state, subscribes to worker actions and, on
// replica 0, launches the scheduled loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("starting orchestrator")

	if err := s.reconcileOnStartup(ctx); err != nil {
		s.log.Error("startup reconcile failed", zap.Error(err))
	}
	if err := s.subscribeWorkerActions(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to subscribe to worker actions: %w", err)
	}
	if s.cfg.SeedPath != "" {
		if err := s.loadSeed(ctx, s.cfg.SeedPath); err != nil {
			s.log.Error("seed load failed", zap.String("path", s.cfg.SeedPath), zap.Error(err))
		}
	}

	if s.cfg.WorkerIndex == 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSweeps(s.runCtx)
		}()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.snaps.RunGC(s.runCtx)
		}()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pool.RunReconciler(s.runCtx, s.cfg.ReconcileInterval)
		}()
	}

	s.log.Info("orchestrator started", zap.Int("worker_index", s.cfg.WorkerIndex))
	return nil
}

// Stop cancels background work and waits for in-flight pipelines.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("stopping orchestrator")
	if s.actionSub != nil {
		if err := s.actionSub.Unsubscribe(); err != nil {
			s.log.Warn("failed to unsubscribe worker actions", zap.Error(err))
		}
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

// CreateAgent admits a new agent and returns it in PROVISIONING while the
// pipeline brings the machine up in the background. Quota and pool errors
// surface synchronously with nothing written.
func (s *Service) CreateAgent(ctx context.Context, req *CreateAgentRequest) (*models.Agent, error) {
	if req.UserID == "" || req.ProjectID == "" {
		return nil, apperrors.Validation("userId and projectId are required")
	}

	if err := s.quota.Check(ctx, req.UserID, req.ClientIP, quota.ResourceAgent); err != nil {
		if apperrors.IsKind(err, apperrors.KindQuota) {
			s.metrics.QuotaDenied.Inc()
		}
		return nil, err
	}

	m, err := s.pool.ReserveWait(ctx, req.UserID, s.cfg.ReserveWait)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindPoolExhausted) {
			s.metrics.PoolExhausted.Inc()
		}
		return nil, err
	}

	agent := &models.Agent{
		UserID:        req.UserID,
		ProjectID:     req.ProjectID,
		Name:          req.Name,
		MachineType:   models.MachineTypeManaged,
		EnvironmentID: req.EnvironmentID,
		BranchName:    req.Branch,
		BaseBranch:    req.BaseBranch,
		IsTemplate:    req.IsTemplate,
	}
	if agent.Name == "" {
		agent.Name = "agent-" + shortID()
	}
	if agent.BranchName == "" {
		agent.BranchName = "ariana/" + shortID()
	}
	agent.ApplyState(models.AgentStateProvisioning)

	if err := s.repo.CreateAgent(ctx, agent); err != nil {
		if relErr := s.pool.Release(ctx, m.ID); relErr != nil {
			s.log.Error("failed to release machine after create failure",
				zap.String("machine_id", m.ID), zap.Error(relErr))
		}
		return nil, err
	}
	s.metrics.AgentsCreated.Inc()
	s.publishState(ctx, agent)

	t := s.track(agent.ID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.provisionNew(s.runCtx, t, agent, m, req)
	}()
	return agent, nil
}

// provisionNew walks a fresh agent PROVISIONING -> PROVISIONED -> CLONING
// -> READY. Any failure parks the agent in ERROR with its queued prompts
// failed.
func (s *Service) provisionNew(ctx context.Context, t *transition, agent *models.Agent, m *models.Machine, req *CreateAgentRequest) {
	m, err := s.bindMachine(ctx, agent, m)
	if err != nil {
		s.failTransition(ctx, t, agent, err)
		return
	}

	w, err := s.bootWorker(ctx, m, agent.ID)
	if err != nil {
		s.failTransition(ctx, t, agent, err)
		return
	}

	if err := s.advance(ctx, agent, models.AgentStateCloning); err != nil {
		s.failTransition(ctx, t, agent, err)
		return
	}

	startReq, err := s.buildStartRequest(ctx, agent, req)
	if err != nil {
		s.failTransition(ctx, t, agent, err)
		return
	}
	resp, err := w.StartWithRetry(ctx, startReq, s.cfg.StartAttempts, s.cfg.StartBackoff)
	if err != nil {
		s.failTransition(ctx, t, agent,
			apperrors.Wrap(err, apperrors.KindStartFailed, "project setup failed"))
		return
	}
	applyStartResponse(agent, resp)

	if req.InitialPrompt != "" {
		prompt := &models.AgentPrompt{
			AgentID: agent.ID,
			Text:    req.InitialPrompt,
			Status:  models.PromptStatusActive,
		}
		if err := s.repo.CreatePrompt(ctx, prompt); err != nil {
			s.log.Error("failed to record initial prompt",
				zap.String("agent_id", agent.ID), zap.Error(err))
		} else {
			now := time.Now().UTC()
			agent.LastPromptText = &prompt.Text
			agent.LastPromptAt = &now
		}
		agent.ApplyState(models.AgentStateRunning)
	} else {
		agent.ApplyState(models.AgentStateReady)
	}
	agent.ErrorMessage = nil
	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		s.failTransition(ctx, t, agent, err)
		return
	}
	s.publishState(ctx, agent)
	if agent.State == models.AgentStateReady {
		s.publishEvent(ctx, events.AgentReady, agent, nil)
	}
	s.watch(agent)

	s.log.Info("agent provisioned",
		zap.String("agent_id", agent.ID),
		zap.String("machine_id", m.ID),
		zap.String("state", string(agent.State)))
	s.settle(t, agent, nil)
}

// bindMachine provisions the reserved machine, assigns it to the agent and
// records the PROVISIONED transition.
func (s *Service) bindMachine(ctx context.Context, agent *models.Agent, m *models.Machine) (*models.Machine, error) {
	m, err := s.pool.Provision(ctx, m.ID)
	if err != nil {
		// Provision released the reservation on failure; nothing to
		// give back here.
		return nil, apperrors.Wrap(err, apperrors.KindProvisioningFailed, "machine provisioning failed")
	}
	if err := s.pool.Assign(ctx, m.ID, agent.ID); err != nil {
		return nil, err
	}
	agent.MachineID = &m.ID
	agent.ApplyState(models.AgentStateProvisioned)
	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	s.publishState(ctx, agent)
	return m, nil
}

// bootWorker dials agentd on a freshly provisioned machine and waits for
// it to come up.
func (s *Service) bootWorker(ctx context.Context, m *models.Machine, agentID string) (Worker, error) {
	w, err := s.dial(m, agentID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindProvisioningFailed, "failed to dial worker")
	}
	if err := w.WaitHealthy(ctx, s.cfg.HealthProbeAttempts, s.cfg.HealthProbeInterval); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindProvisioningFailed, "worker never became healthy")
	}
	return w, nil
}

// buildStartRequest assembles the worker /start payload for a new agent,
// folding in the environment bundle when one is attached.
func (s *Service) buildStartRequest(ctx context.Context, agent *models.Agent, req *CreateAgentRequest) (*types.StartRequest, error) {
	start := &types.StartRequest{
		SetupMode:     types.SetupModeGitClone,
		RepoURL:       req.RepoURL,
		Branch:        agent.BranchName,
		BaseBranch:    agent.BaseBranch,
		GitToken:      req.GitToken,
		GitUserName:   req.GitUserName,
		GitUserEmail:  req.GitUserEmail,
		InitialPrompt: req.InitialPrompt,
		Model:         req.Model,
	}
	if req.RepoURL == "" {
		start.SetupMode = types.SetupModeLocal
	} else if req.GitToken == "" {
		start.SetupMode = types.SetupModeGitClonePublic
	}
	if err := s.applyEnvironment(ctx, agent.EnvironmentID, start); err != nil {
		return nil, err
	}
	return start, nil
}

// applyEnvironment resolves an environment bundle onto a start request.
func (s *Service) applyEnvironment(ctx context.Context, envID *string, start *types.StartRequest) error {
	if envID == nil {
		return nil
	}
	env, err := s.repo.GetEnvironment(ctx, *envID)
	if err != nil {
		return err
	}
	start.EnvContents = env.EnvContents
	for _, f := range env.SecretFiles {
		start.SecretFiles = append(start.SecretFiles, types.SecretFile{Path: f.Path, Contents: f.Contents})
	}
	if env.SSHKeyPair != nil {
		start.SSHKeyPair = &types.SSHKeyPair{
			PrivateKey: env.SSHKeyPair.PrivateKey,
			PublicKey:  env.SSHKeyPair.PublicKey,
		}
	}
	for _, id := range env.AutomationIDs {
		automation, err := s.repo.GetAutomation(ctx, id)
		if err != nil {
			if apperrors.IsKind(err, apperrors.KindNotFound) {
				s.log.Warn("environment references missing automation",
					zap.String("environment_id", env.ID), zap.String("automation_id", id))
				continue
			}
			return err
		}
		start.Automations = append(start.Automations, automationSpec(automation))
	}
	return nil
}

// automationSpec converts a stored automation to its wire form.
func automationSpec(a *models.Automation) types.AutomationSpec {
	return types.AutomationSpec{
		ID:   a.ID,
		Name: a.Name,
		Trigger: types.TriggerSpec{
			Type:         string(a.Trigger.Type),
			Glob:         a.Trigger.Glob,
			Regex:        a.Trigger.Regex,
			AutomationID: a.Trigger.AutomationID,
		},
		ScriptLanguage: string(a.ScriptLanguage),
		ScriptContent:  a.ScriptContent,
		Blocking:       a.Blocking,
		FeedOutput:     a.FeedOutput,
	}
}

// applyStartResponse copies the git facts /start reports onto the agent.
func applyStartResponse(agent *models.Agent, resp *types.StartResponse) {
	if resp == nil {
		return
	}
	if resp.StartCommitSha != "" && agent.StartCommitSha == nil {
		sha := resp.StartCommitSha
		agent.StartCommitSha = &sha
	}
	if resp.GitHistoryLastPushedCommitSha != "" {
		sha := resp.GitHistoryLastPushedCommitSha
		agent.GitHistoryLastPushedCommitSha = &sha
	}
}

// GetAgent returns an agent readable by the caller. Trashed agents stay
// visible to their owner only.
func (s *Service) GetAgent(ctx context.Context, agentID, userID string) (*models.Agent, error) {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.IsTrashed && agent.UserID != userID {
		return nil, apperrors.NotFound("agent", agentID)
	}
	return agent, nil
}

// SubmitPrompt enqueues a prompt, resuming archived and errored agents
// first when the caller owns them. The poller promotes queued prompts once
// the worker is ready.
func (s *Service) SubmitPrompt(ctx context.Context, agentID, userID, ip, text string) (*models.AgentPrompt, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.Validation("prompt text is required")
	}
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if err := s.quota.Check(ctx, userID, ip, quota.ResourcePrompt); err != nil {
		if apperrors.IsKind(err, apperrors.KindQuota) {
			s.metrics.QuotaDenied.Inc()
		}
		return nil, err
	}

	owner := agent.UserID == userID
	switch {
	case agent.State.IsResumable():
		if !owner {
			return nil, apperrors.New(apperrors.KindAgentNotReady, "agent is not running")
		}
		if agent.MachineType != models.MachineTypeManaged {
			return nil, apperrors.New(apperrors.KindAgentNotReady, "agent cannot be resumed")
		}
		if _, err := s.Fork(ctx, agentID, userID, "", false); err != nil {
			return nil, err
		}
	case agent.State.IsTransitional():
		if !owner {
			return nil, apperrors.New(apperrors.KindAgentNotReady, "agent is still provisioning")
		}
	}

	return s.enqueuePrompt(ctx, agent, text)
}

// enqueuePrompt appends a queued prompt row and denormalizes the latest
// prompt onto the agent. Worker actions use it directly, skipping quota.
func (s *Service) enqueuePrompt(ctx context.Context, agent *models.Agent, text string) (*models.AgentPrompt, error) {
	prompt := &models.AgentPrompt{
		AgentID: agent.ID,
		Text:    text,
		Status:  models.PromptStatusQueued,
	}
	if err := s.repo.CreatePrompt(ctx, prompt); err != nil {
		return nil, err
	}

	fresh, err := s.repo.GetAgent(ctx, agent.ID)
	if err == nil {
		now := time.Now().UTC()
		fresh.LastPromptText = &prompt.Text
		fresh.LastPromptAt = &now
		if err := s.repo.UpdateAgent(ctx, fresh); err != nil {
			s.log.Warn("failed to denormalize last prompt",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	return prompt, nil
}

// Interrupt cancels the active prompt and running blocking automations.
// The conversation survives so the next prompt continues the session.
func (s *Service) Interrupt(ctx context.Context, agentID, userID string) error {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.UserID != userID {
		return apperrors.Auth("only the owner can interrupt an agent")
	}

	w, err := s.workerFor(ctx, agent)
	if err != nil {
		return err
	}
	if err := w.Interrupt(ctx); err != nil {
		return err
	}

	if active, err := s.repo.ActivePrompt(ctx, agentID); err == nil && active != nil {
		if err := s.repo.UpdatePromptStatus(ctx, active.ID, models.PromptStatusFailed); err != nil {
			s.log.Warn("failed to fail interrupted prompt",
				zap.String("prompt_id", active.ID), zap.Error(err))
		}
	}
	if agent.State == models.AgentStateRunning {
		if err := s.advance(ctx, agent, models.AgentStateReady); err != nil {
			return err
		}
	}
	return nil
}

// Archive captures a final snapshot, releases the machine and parks the
// agent. Blocking, bounded by ArchiveTimeout. Idempotent for agents
// already archived.
func (s *Service) Archive(ctx context.Context, agentID, userID string) (*models.Agent, error) {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.UserID != userID {
		return nil, apperrors.Auth("only the owner can archive an agent")
	}
	if agent.State == models.AgentStateArchived {
		return agent, nil
	}
	if agent.State.IsTransitional() {
		return nil, apperrors.New(apperrors.KindAgentNotReady, "agent is still provisioning")
	}

	s.unwatch(agent.ID)

	if agent.MachineID == nil {
		// ERROR after release: just park the row.
		agent.ApplyState(models.AgentStateArchived)
		if err := s.repo.UpdateAgent(ctx, agent); err != nil {
			return nil, err
		}
		s.publishState(ctx, agent)
		return agent, nil
	}

	machineID := *agent.MachineID
	m, err := s.repo.GetMachine(ctx, machineID)
	if err == nil && m.Status == models.MachineStatusActive {
		capCtx, cancel := context.WithTimeout(ctx, s.cfg.ArchiveTimeout)
		if _, err := s.snaps.Capture(capCtx, machineID, m.ProviderID); err != nil {
			s.log.Error("final snapshot failed, archiving anyway",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
		cancel()
	}
	if s.gateway.Enabled() {
		if err := s.gateway.ReleaseAll(ctx, agent.ID); err != nil {
			s.log.Warn("failed to release port domains",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	if _, err := s.repo.FailPendingPrompts(ctx, agent.ID); err != nil {
		s.log.Warn("failed to fail pending prompts",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}

	agent.LastMachineID = agent.MachineID
	agent.MachineID = nil
	agent.ApplyState(models.AgentStateArchived)
	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	s.publishState(ctx, agent)

	if err := s.pool.Release(ctx, machineID); err != nil {
		s.log.Error("failed to release machine",
			zap.String("machine_id", machineID), zap.Error(err))
	}
	return agent, nil
}

// Reboot moves an agent onto a fresh machine: archive, then resume from
// the snapshot the archive just captured.
func (s *Service) Reboot(ctx context.Context, agentID, userID string) (*models.Agent, error) {
	if _, err := s.Archive(ctx, agentID, userID); err != nil {
		return nil, err
	}
	return s.Fork(ctx, agentID, userID, "", false)
}

// Trash soft-deletes an agent, archiving it first when it still holds a
// machine. Rows stay for history; listings hide trashed agents by default.
func (s *Service) Trash(ctx context.Context, agentID, userID string) error {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.UserID != userID {
		return apperrors.Auth("only the owner can delete an agent")
	}
	if agent.MachineID != nil && !agent.State.IsTransitional() {
		if _, err := s.Archive(ctx, agentID, userID); err != nil {
			return err
		}
		agent, err = s.repo.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
	}
	agent.IsTrashed = true
	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	s.publishState(ctx, agent)
	return nil
}

// failAgent is the shared pre-READY failure path: release the machine,
// park the agent in ERROR and fail everything still queued so the
// auto-restore sweep cannot loop.
func (s *Service) failAgent(ctx context.Context, agent *models.Agent, cause error) {
	msg := cause.Error()
	if appErr := apperrors.AsError(cause); appErr != nil {
		msg = appErr.Message
	}

	s.unwatch(agent.ID)

	var machineID string
	if agent.MachineID != nil {
		machineID = *agent.MachineID
		agent.LastMachineID = agent.MachineID
		agent.MachineID = nil
	}
	agent.ApplyState(models.AgentStateError)
	agent.ErrorMessage = &msg
	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		s.log.Error("failed to record agent error",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}
	if _, err := s.repo.FailPendingPrompts(ctx, agent.ID); err != nil {
		s.log.Warn("failed to fail pending prompts",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}
	if machineID != "" {
		if err := s.pool.Release(ctx, machineID); err != nil {
			s.log.Error("failed to release machine",
				zap.String("machine_id", machineID), zap.Error(err))
		}
	}
	s.publishState(ctx, agent)

	s.log.Warn("agent failed",
		zap.String("agent_id", agent.ID),
		zap.String("error", msg))
}

// advance records a state transition and publishes it.
func (s *Service) advance(ctx context.Context, agent *models.Agent, state models.AgentState) error {
	agent.ApplyState(state)
	agent.ErrorMessage = nil
	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	s.publishState(ctx, agent)
	return nil
}

func (s *Service) publishState(ctx context.Context, agent *models.Agent) {
	extra := map[string]any{}
	if agent.ErrorMessage != nil {
		extra["errorMessage"] = *agent.ErrorMessage
	}
	s.publishEvent(ctx, events.AgentStateChanged, agent, extra)
}

func (s *Service) publishEvent(ctx context.Context, eventType string, agent *models.Agent, extra map[string]any) {
	if s.bus == nil {
		return
	}
	data := map[string]any{
		"agentId":   agent.ID,
		"userId":    agent.UserID,
		"projectId": agent.ProjectID,
		"state":     string(agent.State),
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, "orchestrator", data)
	if err := s.bus.Publish(ctx, events.BuildAgentSubject(agent.ID), event); err != nil {
		s.log.Warn("failed to publish agent event",
			zap.String("agent_id", agent.ID),
			zap.String("type", eventType),
			zap.Error(err))
	}
}

func (s *Service) watch(agent *models.Agent) {
	if s.poller != nil {
		s.poller.Watch(agent)
	}
}

func (s *Service) unwatch(agentID string) {
	if s.poller != nil {
		s.poller.Unwatch(agentID)
	}
}

// shortID returns the first uuid block, enough to keep generated names
// readable and unique in practice.
func shortID() string {
	return uuid.New().String()[:8]
}

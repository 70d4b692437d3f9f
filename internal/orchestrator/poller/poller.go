// Package poller scrapes live agents' workers on a timer and feeds what it
// finds back into the control plane:
//
//   - conversation messages are persisted and re-published on the bus
//   - automation run events and spooled worker actions are drained
//   - the prompt queue is driven: finished prompts complete, the next
//     queued prompt is promoted, and quiet agents settle into IDLE
//   - denormalized activity fields (last tool, last commit, context usage)
//     are kept fresh for list views
//
// One goroutine per watched agent. The loop stops itself as soon as the
// agent leaves a live state or moves to another machine, so out-of-band
// transitions (reconciler, archive on another replica) need no callback.
package poller

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events/bus"
)

// Store is the slice of the repository the poller reads and writes.
type Store interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	BulkUpsertMessages(ctx context.Context, messages []*models.AgentMessage) error
	SetAgentTaskSummary(ctx context.Context, id, summary string) error
	ActivePrompt(ctx context.Context, agentID string) (*models.AgentPrompt, error)
	NextQueuedPrompt(ctx context.Context, agentID string) (*models.AgentPrompt, error)
	UpdatePromptStatus(ctx context.Context, id string, status models.PromptStatus) error
	CreateCommit(ctx context.Context, commit *models.AgentCommit) error
}

// Worker is the slice of the agentd client one poll loop drives.
type Worker interface {
	State(ctx context.Context) (*types.StateResponse, error)
	Messages(ctx context.Context, updatedAfter time.Time) ([]types.Message, error)
	DrainAutomationEvents(ctx context.Context) (*types.AutomationEventsResponse, error)
	Prompt(ctx context.Context, req *types.PromptRequest) (*types.PromptResponse, error)
	ExecuteAutomations(ctx context.Context, events []types.AutomationEvent) error
	GitLastCommit(ctx context.Context) (*types.LastCommitResponse, error)
	GenerateTaskSummary(ctx context.Context, req *types.GenerateTaskSummaryRequest) (string, error)
}

// Dialer connects to the worker serving an agent on a machine.
type Dialer func(m *models.Machine, agentID string) (Worker, error)

// Capturer snapshots a machine's filesystem when its agent settles.
type Capturer interface {
	Capture(ctx context.Context, machineID, providerID string) (*models.MachineSnapshot, error)
}

// Config tunes the poll loops.
type Config struct {
	Interval       time.Duration // tick period per agent
	RequestTimeout time.Duration // budget for one tick's worker calls
	CommitTicks    int           // check /git-last-commit every N ticks
	SummaryTimeout time.Duration // task summary generation budget
	CaptureTimeout time.Duration // snapshot capture budget
	FailureLog     int           // log unreachable workers every N failed ticks
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       2 * time.Second,
		RequestTimeout: 10 * time.Second,
		CommitTicks:    15,
		SummaryTimeout: 30 * time.Second,
		CaptureTimeout: 10 * time.Minute,
		FailureLog:     15,
	}
}

// Manager owns one poll loop per watched agent.
type Manager struct {
	store Store
	snaps Capturer
	bus   bus.EventBus
	dial  Dialer
	cfg   Config
	log   *logger.Logger

	mu      sync.Mutex
	loops   map[string]*loop
	stopped bool
	wg      sync.WaitGroup
}

type loop struct {
	agentID string
	cancel  context.CancelFunc
}

// NewManager creates a poller manager. Loops start via Watch.
func NewManager(store Store, snaps Capturer, eventBus bus.EventBus, dial Dialer, cfg Config, log *logger.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.CommitTicks <= 0 {
		cfg.CommitTicks = DefaultConfig().CommitTicks
	}
	if cfg.FailureLog <= 0 {
		cfg.FailureLog = DefaultConfig().FailureLog
	}
	return &Manager{
		store: store,
		snaps: snaps,
		bus:   eventBus,
		dial:  dial,
		cfg:   cfg,
		log:   log.WithFields(zap.String("component", "poller")),
		loops: make(map[string]*loop),
	}
}

// Watch starts (or restarts, after a machine change) the poll loop for an
// agent. Safe to call repeatedly with the same agent.
func (p *Manager) Watch(agent *models.Agent) {
	if agent == nil || agent.MachineID == nil {
		return
	}
	machineID := *agent.MachineID

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if existing, ok := p.loops[agent.ID]; ok {
		// The old loop notices the machine change on its next tick, but
		// cancel now so two loops never poll the same agent.
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{agentID: agent.ID, cancel: cancel}
	p.loops[agent.ID] = l

	s := newSession(agent, machineID)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.remove(agent.ID, l)
		p.run(ctx, s)
	}()

	p.log.Debug("watching agent",
		zap.String("agent_id", agent.ID),
		zap.String("machine_id", machineID))
}

// Unwatch stops the agent's poll loop, if any.
func (p *Manager) Unwatch(agentID string) {
	p.mu.Lock()
	l, ok := p.loops[agentID]
	if ok {
		delete(p.loops, agentID)
	}
	p.mu.Unlock()
	if ok {
		l.cancel()
	}
}

// Stop cancels every loop and waits for them to drain.
func (p *Manager) Stop() {
	p.mu.Lock()
	p.stopped = true
	for _, l := range p.loops {
		l.cancel()
	}
	p.loops = make(map[string]*loop)
	p.mu.Unlock()
	p.wg.Wait()
}

// Watching reports whether the agent currently has a poll loop.
func (p *Manager) Watching(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[agentID]
	return ok
}

func (p *Manager) remove(agentID string, l *loop) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.loops[agentID]; ok && current == l {
		delete(p.loops, agentID)
	}
}

// session is the mutable state of one poll loop.
type session struct {
	agentID    string
	machineID  string
	providerID string
	worker     Worker
	lastSync   time.Time
	lastUsage  types.ContextUsage
	haveUsage  bool
	ticks      int
	failures   int
	capturing  atomic.Bool

	// readyPending is the on_agent_ready debt of this provisioning cycle.
	// An agent watched in READY or RUNNING has not settled into IDLE yet,
	// so the first settle still owes the automations; an agent re-watched
	// while already IDLE paid up in an earlier loop.
	readyPending bool
}

func newSession(agent *models.Agent, machineID string) *session {
	return &session{
		agentID:      agent.ID,
		machineID:    machineID,
		readyPending: agent.State == models.AgentStateReady || agent.State == models.AgentStateRunning,
	}
}

func (p *Manager) run(ctx context.Context, s *session) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.tick(ctx, s) {
				return
			}
		}
	}
}

// tick runs one poll round. It returns false when the loop should exit: the
// agent is gone, no longer live, or on a different machine.
func (p *Manager) tick(ctx context.Context, s *session) bool {
	tctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	s.ticks++

	agent, err := p.store.GetAgent(tctx, s.agentID)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			return false
		}
		p.log.Warn("poll read failed", zap.String("agent_id", s.agentID), zap.Error(err))
		return true
	}
	if !liveState(agent.State) || agent.MachineID == nil || *agent.MachineID != s.machineID {
		p.log.Debug("agent moved on, poll loop exiting",
			zap.String("agent_id", s.agentID),
			zap.String("state", string(agent.State)))
		return false
	}

	if s.worker == nil {
		if err := p.connect(tctx, s); err != nil {
			p.log.Warn("failed to dial worker",
				zap.String("agent_id", s.agentID),
				zap.String("machine_id", s.machineID),
				zap.Error(err))
			return true
		}
	}

	st, err := s.worker.State(tctx)
	if err != nil {
		s.failures++
		if s.failures%p.cfg.FailureLog == 0 {
			p.log.Warn("worker unreachable",
				zap.String("agent_id", s.agentID),
				zap.String("machine_id", s.machineID),
				zap.Int("consecutive_failures", s.failures),
				zap.Error(err))
		}
		return true
	}
	s.failures = 0

	dirty := p.syncMessages(tctx, s, agent)
	p.syncAutomations(tctx, s)
	p.syncContextUsage(tctx, s, st)
	if s.ticks%p.cfg.CommitTicks == 0 {
		if p.syncLastCommit(tctx, s, agent) {
			dirty = true
		}
	}

	stateChanged, promoteDirty := p.promote(tctx, s, agent, st)
	dirty = dirty || promoteDirty

	if dirty || stateChanged {
		if err := p.store.UpdateAgent(tctx, agent); err != nil {
			p.log.Warn("failed to update agent",
				zap.String("agent_id", s.agentID), zap.Error(err))
			return true
		}
	}
	if stateChanged {
		p.publish(tctx, events.BuildAgentSubject(agent.ID), events.AgentStateChanged, map[string]any{
			"agentId":   agent.ID,
			"userId":    agent.UserID,
			"projectId": agent.ProjectID,
			"state":     string(agent.State),
		})
	}
	return true
}

func (p *Manager) connect(ctx context.Context, s *session) error {
	m, err := p.store.GetMachine(ctx, s.machineID)
	if err != nil {
		return err
	}
	w, err := p.dial(m, s.agentID)
	if err != nil {
		return err
	}
	s.worker = w
	s.providerID = m.ProviderID
	return nil
}

// syncMessages pulls the conversation delta, persists it and refreshes the
// last-tool denormalization. Reports whether the agent row changed.
func (p *Manager) syncMessages(ctx context.Context, s *session, agent *models.Agent) bool {
	msgs, err := s.worker.Messages(ctx, s.lastSync)
	if err != nil {
		p.log.Warn("failed to fetch messages", zap.String("agent_id", s.agentID), zap.Error(err))
		return false
	}
	if len(msgs) == 0 {
		return false
	}

	batch := make([]*models.AgentMessage, 0, len(msgs))
	maxSeen := s.lastSync
	for _, msg := range msgs {
		batch = append(batch, toModelMessage(s.agentID, msg))
		if msg.UpdatedAt.After(maxSeen) {
			maxSeen = msg.UpdatedAt
		}
	}
	if err := p.store.BulkUpsertMessages(ctx, batch); err != nil {
		p.log.Warn("failed to persist messages", zap.String("agent_id", s.agentID), zap.Error(err))
		return false
	}
	s.lastSync = maxSeen

	for _, msg := range msgs {
		p.publish(ctx, events.BuildAgentSubject(s.agentID), events.MessageAppended, map[string]any{
			"agentId": s.agentID,
			"message": msg,
		})
	}

	dirty := false
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != string(models.MessageRoleAssistant) {
			continue
		}
		if name, target, ok := lastToolUse(msgs[i].Content); ok {
			at := msgs[i].UpdatedAt.UTC()
			agent.LastToolName = &name
			agent.LastToolTarget = &target
			agent.LastToolAt = &at
			dirty = true
		}
		break
	}
	return dirty
}

// syncAutomations drains run events and spooled actions. Runs are
// re-published for UI subscribers; actions fan out to whichever controller
// replica queue-subscribed them.
func (p *Manager) syncAutomations(ctx context.Context, s *session) {
	drained, err := s.worker.DrainAutomationEvents(ctx)
	if err != nil {
		p.log.Warn("failed to drain automation events",
			zap.String("agent_id", s.agentID), zap.Error(err))
		return
	}
	for _, ev := range drained.Events {
		p.publish(ctx, events.BuildAgentSubject(s.agentID), events.AutomationRunUpdated, map[string]any{
			"agentId": s.agentID,
			"run":     ev,
		})
	}
	for _, action := range drained.Actions {
		p.publish(ctx, events.BuildWorkerActionSubject(s.agentID), events.WorkerActionReceived, map[string]any{
			"agentId":        s.agentID,
			"type":           action.Type,
			"automationId":   action.AutomationID,
			"automationName": action.AutomationName,
			"payload":        action.Payload,
		})
	}
}

func (p *Manager) syncContextUsage(ctx context.Context, s *session, st *types.StateResponse) {
	if st.ContextUsage == nil {
		return
	}
	if s.haveUsage && *st.ContextUsage == s.lastUsage {
		return
	}
	s.lastUsage = *st.ContextUsage
	s.haveUsage = true
	p.publish(ctx, events.BuildAgentSubject(s.agentID), events.ContextUsageUpdated, map[string]any{
		"agentId":          s.agentID,
		"usedPercent":      st.ContextUsage.UsedPercent,
		"remainingPercent": st.ContextUsage.RemainingPercent,
		"totalTokens":      st.ContextUsage.TotalTokens,
		"contextWindow":    st.ContextUsage.ContextWindow,
	})
}

// syncLastCommit discovers commits made inside the VM (by the assistant or
// an automation) that never passed through the controller API.
func (p *Manager) syncLastCommit(ctx context.Context, s *session, agent *models.Agent) bool {
	last, err := s.worker.GitLastCommit(ctx)
	if err != nil {
		p.log.Warn("failed to read last commit", zap.String("agent_id", s.agentID), zap.Error(err))
		return false
	}
	if last.Sha == "" || (agent.LastCommitSha != nil && *agent.LastCommitSha == last.Sha) {
		return false
	}

	commit := &models.AgentCommit{
		AgentID:   agent.ID,
		Sha:       last.Sha,
		Message:   last.Message,
		Timestamp: last.CommittedAt,
	}
	if err := p.store.CreateCommit(ctx, commit); err != nil {
		p.log.Warn("failed to record commit",
			zap.String("agent_id", s.agentID),
			zap.String("sha", last.Sha),
			zap.Error(err))
		return false
	}
	at := commit.Timestamp
	agent.LastCommitSha = &commit.Sha
	agent.LastCommitAt = &at
	agent.LastCommitPushed = false
	p.publish(ctx, events.BuildAgentSubject(s.agentID), events.CommitRecorded, map[string]any{
		"agentId": s.agentID,
		"sha":     commit.Sha,
		"message": commit.Message,
	})
	return true
}

// promote drives the prompt queue front: completes the active prompt once
// the worker is quiet, hands it the next queued one, and settles idle
// agents into IDLE (which triggers a snapshot capture). Blocking
// automations defer all of it. Returns (stateChanged, rowDirty).
func (p *Manager) promote(ctx context.Context, s *session, agent *models.Agent, st *types.StateResponse) (bool, bool) {
	if !st.IsReady || st.HasBlockingAutomation {
		return false, false
	}

	active, err := p.store.ActivePrompt(ctx, s.agentID)
	if err != nil {
		p.log.Warn("failed to read active prompt", zap.String("agent_id", s.agentID), zap.Error(err))
		return false, false
	}
	if active != nil {
		if err := p.store.UpdatePromptStatus(ctx, active.ID, models.PromptStatusDone); err != nil {
			p.log.Warn("failed to complete prompt",
				zap.String("agent_id", s.agentID),
				zap.String("prompt_id", active.ID),
				zap.Error(err))
			return false, false
		}
		p.generateSummary(s, active.Text)
	}

	next, err := p.store.NextQueuedPrompt(ctx, s.agentID)
	if err != nil {
		p.log.Warn("failed to read prompt queue", zap.String("agent_id", s.agentID), zap.Error(err))
		return false, false
	}
	if next != nil {
		if err := p.store.UpdatePromptStatus(ctx, next.ID, models.PromptStatusActive); err != nil {
			p.log.Warn("failed to activate prompt",
				zap.String("prompt_id", next.ID), zap.Error(err))
			return false, false
		}
		if _, err := s.worker.Prompt(ctx, &types.PromptRequest{Text: next.Text, PromptID: next.ID}); err != nil {
			// Put it back; the next tick retries.
			if revertErr := p.store.UpdatePromptStatus(ctx, next.ID, models.PromptStatusQueued); revertErr != nil {
				p.log.Error("failed to re-queue prompt after send failure",
					zap.String("prompt_id", next.ID), zap.Error(revertErr))
			}
			p.log.Warn("failed to send prompt to worker",
				zap.String("agent_id", s.agentID), zap.Error(err))
			return false, false
		}
		now := time.Now().UTC()
		agent.LastPromptText = &next.Text
		agent.LastPromptAt = &now
		if agent.State != models.AgentStateRunning {
			agent.ApplyState(models.AgentStateRunning)
			return true, true
		}
		return false, true
	}

	if agent.State == models.AgentStateReady || agent.State == models.AgentStateRunning {
		agent.ApplyState(models.AgentStateIdle)
		if s.readyPending {
			// on_agent_ready runs exactly once per provisioning cycle, on
			// the first settle. An agent that went straight to work on an
			// initial prompt owes it until now; resume re-arms it with a
			// fresh loop.
			s.readyPending = false
			if err := s.worker.ExecuteAutomations(ctx, []types.AutomationEvent{{Type: string(models.TriggerOnAgentReady)}}); err != nil {
				p.log.Warn("failed to fire agent-ready automations",
					zap.String("agent_id", s.agentID), zap.Error(err))
			}
		}
		p.capture(s)
		return true, false
	}
	return false, false
}

// generateSummary asks the worker for a one-line task summary after a
// prompt completes. Best effort, off the tick path.
func (p *Manager) generateSummary(s *session, promptText string) {
	worker := s.worker
	agentID := s.agentID
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SummaryTimeout)
		defer cancel()

		summary, err := worker.GenerateTaskSummary(ctx, &types.GenerateTaskSummaryRequest{Prompts: []string{promptText}})
		if err != nil || summary == "" {
			if err != nil {
				p.log.Warn("task summary generation failed",
					zap.String("agent_id", agentID), zap.Error(err))
			}
			return
		}
		if err := p.store.SetAgentTaskSummary(ctx, agentID, summary); err != nil {
			p.log.Warn("failed to store task summary",
				zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		p.publish(ctx, events.BuildAgentSubject(agentID), events.TaskSummaryGenerated, map[string]any{
			"agentId": agentID,
			"summary": summary,
		})
	}()
}

// capture snapshots the machine on arrival in IDLE. At most one capture per
// loop is in flight; overlapping arrivals coalesce into the running one.
func (p *Manager) capture(s *session) {
	if p.snaps == nil || s.providerID == "" {
		return
	}
	if !s.capturing.CompareAndSwap(false, true) {
		return
	}
	machineID, providerID, agentID := s.machineID, s.providerID, s.agentID
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer s.capturing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CaptureTimeout)
		defer cancel()

		if _, err := p.snaps.Capture(ctx, machineID, providerID); err != nil {
			p.log.Warn("idle snapshot capture failed",
				zap.String("agent_id", agentID),
				zap.String("machine_id", machineID),
				zap.Error(err))
		}
	}()
}

func (p *Manager) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if p.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "poller", data)
	if err := p.bus.Publish(ctx, subject, event); err != nil {
		p.log.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.String("type", eventType),
			zap.Error(err))
	}
}

func liveState(state models.AgentState) bool {
	switch state {
	case models.AgentStateReady, models.AgentStateIdle, models.AgentStateRunning:
		return true
	}
	return false
}

func toModelMessage(agentID string, msg types.Message) *models.AgentMessage {
	var promptID *string
	if msg.PromptID != "" {
		id := msg.PromptID
		promptID = &id
	}
	return &models.AgentMessage{
		ID:           msg.ID,
		AgentID:      agentID,
		APIMessageID: msg.APIMessageID,
		PromptID:     promptID,
		Role:         models.MessageRole(msg.Role),
		Content:      msg.Content,
		CreatedAt:    msg.CreatedAt,
	}
}

// contentBlock is the slice of a message content entry the poller cares
// about: tool invocations and their primary argument.
type contentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// lastToolUse extracts the most recent tool invocation from a message's
// JSON content blocks.
func lastToolUse(content string) (name, target string, ok bool) {
	var blocks []contentBlock
	if err := json.Unmarshal([]byte(content), &blocks); err != nil {
		return "", "", false
	}
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].Type != "tool_use" || blocks[i].Name == "" {
			continue
		}
		return blocks[i].Name, toolTarget(blocks[i].Input), true
	}
	return "", "", false
}

// toolTarget picks a human-readable argument out of a tool input.
func toolTarget(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	for _, key := range []string{"file_path", "path", "command", "url", "pattern"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

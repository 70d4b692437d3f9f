package poller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/repository/sqlite"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub004/internal/db"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events/bus"
)

type fakePollWorker struct {
	mu         sync.Mutex
	state      types.StateResponse
	messages   []types.Message
	drain      types.AutomationEventsResponse
	lastCommit types.LastCommitResponse
	prompts    []*types.PromptRequest
	promptErr  error
	summary    string
	fired      []types.AutomationEvent
}

func (w *fakePollWorker) State(context.Context) (*types.StateResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.state
	return &st, nil
}

func (w *fakePollWorker) Messages(_ context.Context, updatedAfter time.Time) ([]types.Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []types.Message
	for _, m := range w.messages {
		if m.UpdatedAt.After(updatedAfter) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (w *fakePollWorker) DrainAutomationEvents(context.Context) (*types.AutomationEventsResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	drained := w.drain
	w.drain = types.AutomationEventsResponse{}
	return &drained, nil
}

func (w *fakePollWorker) Prompt(_ context.Context, req *types.PromptRequest) (*types.PromptResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.promptErr != nil {
		return nil, w.promptErr
	}
	w.prompts = append(w.prompts, req)
	w.state.IsReady = false
	return &types.PromptResponse{Status: "queued", PromptID: req.PromptID}, nil
}

func (w *fakePollWorker) ExecuteAutomations(_ context.Context, events []types.AutomationEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fired = append(w.fired, events...)
	return nil
}

func (w *fakePollWorker) GitLastCommit(context.Context) (*types.LastCommitResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	last := w.lastCommit
	return &last, nil
}

func (w *fakePollWorker) GenerateTaskSummary(context.Context, *types.GenerateTaskSummaryRequest) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.summary == "" {
		return "worked on the task", nil
	}
	return w.summary, nil
}

func (w *fakePollWorker) set(mutate func(*fakePollWorker)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mutate(w)
}

func (w *fakePollWorker) sentPrompts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prompts)
}

func (w *fakePollWorker) firedEvents() []types.AutomationEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]types.AutomationEvent(nil), w.fired...)
}

type fakeCapturer struct {
	mu    sync.Mutex
	calls []string
}

func (c *fakeCapturer) Capture(_ context.Context, machineID, _ string) (*models.MachineSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, machineID)
	return &models.MachineSnapshot{MachineID: machineID}, nil
}

func (c *fakeCapturer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type eventSink struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (s *eventSink) handle(_ context.Context, event *bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *eventSink) ofType(eventType string) []*bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*bus.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type pollerEnv struct {
	mgr    *Manager
	repo   *sqlite.Repository
	worker *fakePollWorker
	capt   *fakeCapturer
	bus    *bus.MemoryEventBus
	agent  *models.Agent
	sink   *eventSink
}

func newPollerEnv(t *testing.T, mutate func(*Config)) *pollerEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	dbPool, err := db.Open("sqlite", dbPath, 0)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	repo, err := sqlite.NewWithDB(dbPool.Writer(), dbPool.Reader())
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() {
		if err := dbPool.Close(); err != nil {
			t.Errorf("failed to close pool: %v", err)
		}
	})

	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	worker := &fakePollWorker{state: types.StateResponse{IsReady: true}}
	capt := &fakeCapturer{}
	dial := func(*models.Machine, string) (Worker, error) { return worker, nil }

	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	cfg.CommitTicks = 1 << 20 // no commit polling unless a test opts in
	if mutate != nil {
		mutate(&cfg)
	}
	mgr := NewManager(repo, capt, eventBus, dial, cfg, log)
	t.Cleanup(mgr.Stop)

	ctx := context.Background()
	m := &models.Machine{
		ID:           "m-1",
		ProviderName: "fake",
		ProviderID:   "prov-1",
		IPv4:         "10.0.0.5",
		Status:       models.MachineStatusActive,
		Secret:       "secret",
	}
	if err := repo.CreateMachine(ctx, m); err != nil {
		t.Fatalf("CreateMachine failed: %v", err)
	}
	agent := &models.Agent{
		UserID:      "user-1",
		ProjectID:   "proj-1",
		Name:        "poll-me",
		MachineType: models.MachineTypeManaged,
		MachineID:   &m.ID,
		BranchName:  "ariana/abc",
	}
	agent.ApplyState(models.AgentStateReady)
	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	sink := &eventSink{}
	if _, err := eventBus.Subscribe(events.BuildAgentSubject(agent.ID), sink.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	return &pollerEnv{mgr: mgr, repo: repo, worker: worker, capt: capt, bus: eventBus, agent: agent, sink: sink}
}

func (e *pollerEnv) newSession() *session {
	return newSession(e.agent, *e.agent.MachineID)
}

func (e *pollerEnv) reloadAgent(t *testing.T) *models.Agent {
	t.Helper()
	agent, err := e.repo.GetAgent(context.Background(), e.agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	return agent
}

func (e *pollerEnv) queuePrompt(t *testing.T, text string) *models.AgentPrompt {
	t.Helper()
	prompt := &models.AgentPrompt{AgentID: e.agent.ID, Text: text, Status: models.PromptStatusQueued}
	if err := e.repo.CreatePrompt(context.Background(), prompt); err != nil {
		t.Fatalf("CreatePrompt failed: %v", err)
	}
	return prompt
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func wireMessage(id, role, content string, at time.Time) types.Message {
	return types.Message{
		ID:           id,
		APIMessageID: "api-" + id,
		Role:         role,
		Content:      content,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func TestTickPersistsMessagesAndToolActivity(t *testing.T) {
	env := newPollerEnv(t, nil)
	ctx := context.Background()
	s := env.newSession()

	now := time.Now().UTC()
	env.worker.set(func(w *fakePollWorker) {
		w.messages = []types.Message{
			wireMessage("w-1", "user", `[{"type":"text","text":"fix the bug"}]`, now),
			wireMessage("w-2", "assistant",
				`[{"type":"text","text":"on it"},{"type":"tool_use","name":"edit_file","input":{"file_path":"main.go"}}]`,
				now.Add(time.Millisecond)),
		}
	})

	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	messages, err := env.repo.ListMessages(ctx, env.agent.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}

	agent := env.reloadAgent(t)
	if agent.LastToolName == nil || *agent.LastToolName != "edit_file" {
		t.Errorf("lastToolName not derived: %v", agent.LastToolName)
	}
	if agent.LastToolTarget == nil || *agent.LastToolTarget != "main.go" {
		t.Errorf("lastToolTarget not derived: %v", agent.LastToolTarget)
	}
	if got := len(env.sink.ofType(events.MessageAppended)); got != 2 {
		t.Errorf("expected 2 message events, got %d", got)
	}

	// Nothing new: the delta cursor keeps the second tick quiet.
	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	messages, _ = env.repo.ListMessages(ctx, env.agent.ID)
	if len(messages) != 2 {
		t.Errorf("duplicate rows after second tick: %d", len(messages))
	}
	if got := len(env.sink.ofType(events.MessageAppended)); got != 2 {
		t.Errorf("message events re-published: %d", got)
	}
}

func TestPromptLifecycle(t *testing.T) {
	env := newPollerEnv(t, nil)
	ctx := context.Background()
	s := env.newSession()

	queued := env.queuePrompt(t, "add tests")
	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}

	if env.worker.sentPrompts() != 1 {
		t.Fatalf("expected the prompt sent to the worker, got %d", env.worker.sentPrompts())
	}
	prompt, err := env.repo.ActivePrompt(ctx, env.agent.ID)
	if err != nil {
		t.Fatalf("ActivePrompt failed: %v", err)
	}
	if prompt == nil || prompt.ID != queued.ID {
		t.Fatalf("prompt not promoted to active: %+v", prompt)
	}
	agent := env.reloadAgent(t)
	if agent.State != models.AgentStateRunning {
		t.Errorf("expected RUNNING, got %s", agent.State)
	}
	if agent.LastPromptText == nil || *agent.LastPromptText != "add tests" {
		t.Errorf("lastPromptText not set: %v", agent.LastPromptText)
	}

	// Worker still busy: nothing changes.
	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	if agent := env.reloadAgent(t); agent.State != models.AgentStateRunning {
		t.Errorf("agent left RUNNING while the worker was busy: %s", agent.State)
	}

	// Worker done: the prompt completes and the agent settles into IDLE.
	env.worker.set(func(w *fakePollWorker) { w.state.IsReady = true })
	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	if p, _ := env.repo.ActivePrompt(ctx, env.agent.ID); p != nil {
		t.Errorf("prompt still active after completion: %+v", p)
	}
	prompts, _ := env.repo.ListPrompts(ctx, env.agent.ID)
	if len(prompts) != 1 || prompts[0].Status != models.PromptStatusDone {
		t.Errorf("prompt not completed: %+v", prompts)
	}
	if agent := env.reloadAgent(t); agent.State != models.AgentStateIdle {
		t.Errorf("expected IDLE, got %s", agent.State)
	}

	// Off the tick path: snapshot capture and task summary.
	eventually(t, func() bool { return env.capt.count() == 1 },
		"idle transition never captured a snapshot")
	eventually(t, func() bool {
		a := env.reloadAgent(t)
		return a.TaskSummary != nil && *a.TaskSummary == "worked on the task"
	}, "task summary never stored")

	states := env.sink.ofType(events.AgentStateChanged)
	if len(states) != 2 {
		t.Fatalf("expected 2 state events (RUNNING, IDLE), got %d", len(states))
	}
	if states[0].Data["state"] != string(models.AgentStateRunning) ||
		states[1].Data["state"] != string(models.AgentStateIdle) {
		t.Errorf("unexpected state sequence: %v, %v", states[0].Data["state"], states[1].Data["state"])
	}
}

func TestAgentReadyAutomationsFireOnFirstSettle(t *testing.T) {
	env := newPollerEnv(t, nil)
	ctx := context.Background()
	s := env.newSession()

	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	if agent := env.reloadAgent(t); agent.State != models.AgentStateIdle {
		t.Fatalf("expected IDLE, got %s", agent.State)
	}
	fired := env.worker.firedEvents()
	if len(fired) != 1 || fired[0].Type != string(models.TriggerOnAgentReady) {
		t.Fatalf("expected one on_agent_ready event, got %+v", fired)
	}

	// Later idle ticks must not re-fire it.
	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	if got := env.worker.firedEvents(); len(got) != 1 {
		t.Fatalf("on_agent_ready fired again: %+v", got)
	}
}

func TestAgentReadyAutomationsFireAfterInitialPrompt(t *testing.T) {
	// An agent created with an initial prompt never passes through READY:
	// provisioning leaves it in RUNNING with the prompt already active. The
	// agent-ready automations are still owed on its first settle into IDLE.
	env := newPollerEnv(t, nil)
	ctx := context.Background()

	prompt := &models.AgentPrompt{AgentID: env.agent.ID, Text: "build the feature", Status: models.PromptStatusActive}
	if err := env.repo.CreatePrompt(ctx, prompt); err != nil {
		t.Fatalf("CreatePrompt failed: %v", err)
	}
	env.agent.ApplyState(models.AgentStateRunning)
	if err := env.repo.UpdateAgent(ctx, env.agent); err != nil {
		t.Fatalf("UpdateAgent failed: %v", err)
	}
	s := env.newSession()

	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	if agent := env.reloadAgent(t); agent.State != models.AgentStateIdle {
		t.Fatalf("expected IDLE, got %s", agent.State)
	}
	if p, _ := env.repo.ActivePrompt(ctx, env.agent.ID); p != nil {
		t.Fatalf("initial prompt still active after settle: %+v", p)
	}
	fired := env.worker.firedEvents()
	if len(fired) != 1 || fired[0].Type != string(models.TriggerOnAgentReady) {
		t.Fatalf("expected one on_agent_ready event on first settle, got %+v", fired)
	}

	// The debt is paid: later RUNNING -> IDLE settles stay quiet.
	env.queuePrompt(t, "now polish it")
	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	env.worker.set(func(w *fakePollWorker) { w.state.IsReady = true })
	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	if agent := env.reloadAgent(t); agent.State != models.AgentStateIdle {
		t.Fatalf("expected IDLE after second settle, got %s", agent.State)
	}
	if got := env.worker.firedEvents(); len(got) != 1 {
		t.Fatalf("on_agent_ready fired again on a later settle: %+v", got)
	}
}

func TestBlockingAutomationDefersPrompt(t *testing.T) {
	env := newPollerEnv(t, nil)
	ctx := context.Background()
	s := env.newSession()

	queued := env.queuePrompt(t, "deploy")
	env.worker.set(func(w *fakePollWorker) {
		w.state = types.StateResponse{
			IsReady:               false,
			HasBlockingAutomation: true,
			BlockingAutomationIDs: []string{"auto-1"},
		}
	})

	for i := 0; i < 3; i++ {
		if !env.mgr.tick(ctx, s) {
			t.Fatal("tick wanted to stop")
		}
	}
	if env.worker.sentPrompts() != 0 {
		t.Fatal("prompt sent while a blocking automation was running")
	}
	prompt, _ := env.repo.NextQueuedPrompt(ctx, env.agent.ID)
	if prompt == nil || prompt.ID != queued.ID {
		t.Fatalf("prompt did not stay queued: %+v", prompt)
	}

	// Automation finished: the very next tick promotes.
	env.worker.set(func(w *fakePollWorker) { w.state = types.StateResponse{IsReady: true} })
	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	if env.worker.sentPrompts() != 1 {
		t.Fatal("prompt not promoted after the automation finished")
	}
	if p, _ := env.repo.ActivePrompt(ctx, env.agent.ID); p == nil {
		t.Fatal("no active prompt after promotion")
	}
}

func TestPromptSendFailureRequeues(t *testing.T) {
	env := newPollerEnv(t, nil)
	ctx := context.Background()
	s := env.newSession()

	queued := env.queuePrompt(t, "try me")
	env.worker.set(func(w *fakePollWorker) { w.promptErr = errors.New("connection refused") })

	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	prompt, _ := env.repo.NextQueuedPrompt(ctx, env.agent.ID)
	if prompt == nil || prompt.ID != queued.ID {
		t.Fatalf("failed send must re-queue the prompt: %+v", prompt)
	}
	if agent := env.reloadAgent(t); agent.State != models.AgentStateReady {
		t.Errorf("state changed despite failed send: %s", agent.State)
	}

	env.worker.set(func(w *fakePollWorker) { w.promptErr = nil })
	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	if env.worker.sentPrompts() != 1 {
		t.Fatal("prompt not retried after the worker recovered")
	}
}

func TestDrainPublishesRunsAndActions(t *testing.T) {
	env := newPollerEnv(t, nil)
	ctx := context.Background()
	s := env.newSession()

	actions := &eventSink{}
	if _, err := env.bus.Subscribe(events.BuildWorkerActionWildcardSubject(), actions.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	finished := time.Now().UTC()
	env.worker.set(func(w *fakePollWorker) {
		w.drain = types.AutomationEventsResponse{
			Events: []types.AutomationRunEvent{
				{AutomationID: "auto-1", AutomationName: "lint", Status: "started", StartedAt: finished.Add(-time.Second)},
				{AutomationID: "auto-1", AutomationName: "lint", Status: "finished", StartedAt: finished.Add(-time.Second), FinishedAt: &finished},
			},
			Actions: []types.WorkerAction{
				{Type: types.ActionQueuePrompt, AutomationName: "lint", Payload: "fix the findings"},
			},
		}
	})

	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	if got := len(env.sink.ofType(events.AutomationRunUpdated)); got != 2 {
		t.Errorf("expected 2 run events, got %d", got)
	}
	got := actions.ofType(events.WorkerActionReceived)
	if len(got) != 1 {
		t.Fatalf("expected 1 worker action event, got %d", len(got))
	}
	if got[0].Data["agentId"] != env.agent.ID || got[0].Data["type"] != types.ActionQueuePrompt {
		t.Errorf("action event malformed: %v", got[0].Data)
	}
	if got[0].Data["payload"] != "fix the findings" {
		t.Errorf("payload lost: %v", got[0].Data)
	}

	// The drain cleared the spool: nothing re-published.
	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	if got := len(env.sink.ofType(events.AutomationRunUpdated)); got != 2 {
		t.Errorf("run events re-published: %d", got)
	}
}

func TestCommitDiscovery(t *testing.T) {
	env := newPollerEnv(t, func(cfg *Config) { cfg.CommitTicks = 1 })
	ctx := context.Background()
	s := env.newSession()

	committedAt := time.Now().UTC().Truncate(time.Second)
	env.worker.set(func(w *fakePollWorker) {
		w.lastCommit = types.LastCommitResponse{Sha: "abc1234", Message: "wip", CommittedAt: committedAt}
	})

	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	commits, err := env.repo.ListCommits(ctx, env.agent.ID)
	if err != nil {
		t.Fatalf("ListCommits failed: %v", err)
	}
	if len(commits) != 1 || commits[0].Sha != "abc1234" {
		t.Fatalf("commit not recorded: %+v", commits)
	}
	agent := env.reloadAgent(t)
	if agent.LastCommitSha == nil || *agent.LastCommitSha != "abc1234" {
		t.Errorf("lastCommitSha not denormalized: %v", agent.LastCommitSha)
	}
	if got := len(env.sink.ofType(events.CommitRecorded)); got != 1 {
		t.Errorf("expected 1 commit event, got %d", got)
	}

	// Same sha next tick: no duplicate row.
	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	commits, _ = env.repo.ListCommits(ctx, env.agent.ID)
	if len(commits) != 1 {
		t.Errorf("duplicate commit recorded: %d", len(commits))
	}
}

func TestContextUsagePublishedOnChange(t *testing.T) {
	env := newPollerEnv(t, nil)
	ctx := context.Background()
	s := env.newSession()

	env.worker.set(func(w *fakePollWorker) {
		w.state.ContextUsage = &types.ContextUsage{UsedPercent: 40, RemainingPercent: 60, TotalTokens: 8000, ContextWindow: 20000}
	})
	for i := 0; i < 2; i++ {
		if !env.mgr.tick(ctx, s) {
			t.Fatal("tick wanted to stop")
		}
	}
	if got := len(env.sink.ofType(events.ContextUsageUpdated)); got != 1 {
		t.Fatalf("expected 1 usage event for an unchanged reading, got %d", got)
	}

	env.worker.set(func(w *fakePollWorker) {
		w.state.ContextUsage = &types.ContextUsage{UsedPercent: 55, RemainingPercent: 45, TotalTokens: 11000, ContextWindow: 20000}
	})
	if !env.mgr.tick(ctx, s) {
		t.Fatal("tick wanted to stop")
	}
	if got := len(env.sink.ofType(events.ContextUsageUpdated)); got != 2 {
		t.Errorf("usage change not published: %d events", got)
	}
}

func TestTickStopsWhenAgentMovesOn(t *testing.T) {
	env := newPollerEnv(t, nil)
	ctx := context.Background()

	s := env.newSession()
	if !env.mgr.tick(ctx, s) {
		t.Fatal("live agent's tick must continue")
	}

	if err := env.repo.UpdateAgentState(ctx, env.agent.ID, models.AgentStateArchived, ""); err != nil {
		t.Fatalf("UpdateAgentState failed: %v", err)
	}
	if env.mgr.tick(ctx, s) {
		t.Fatal("tick must stop for an archived agent")
	}

	// A loop bound to a stale machine stops as well.
	stale := &session{agentID: env.agent.ID, machineID: "someone-else"}
	if err := env.repo.UpdateAgentState(ctx, env.agent.ID, models.AgentStateReady, ""); err != nil {
		t.Fatalf("UpdateAgentState failed: %v", err)
	}
	if env.mgr.tick(ctx, stale) {
		t.Fatal("tick must stop when the agent is on another machine")
	}
}

func TestWatchLifecycle(t *testing.T) {
	env := newPollerEnv(t, nil)

	now := time.Now().UTC()
	env.worker.set(func(w *fakePollWorker) {
		w.messages = []types.Message{wireMessage("w-1", "user", `[{"type":"text","text":"hello"}]`, now)}
	})

	env.mgr.Watch(env.agent)
	if !env.mgr.Watching(env.agent.ID) {
		t.Fatal("agent not watched")
	}
	// Watch is idempotent: a second call replaces, not duplicates.
	env.mgr.Watch(env.agent)

	eventually(t, func() bool {
		messages, err := env.repo.ListMessages(context.Background(), env.agent.ID)
		return err == nil && len(messages) == 1
	}, "poll loop never persisted the message")

	env.mgr.Unwatch(env.agent.ID)
	if env.mgr.Watching(env.agent.ID) {
		t.Fatal("agent still watched after Unwatch")
	}

	// The loop also dies on its own when the agent archives.
	env.mgr.Watch(env.agent)
	if err := env.repo.UpdateAgentState(context.Background(), env.agent.ID, models.AgentStateArchived, ""); err != nil {
		t.Fatalf("UpdateAgentState failed: %v", err)
	}
	eventually(t, func() bool { return !env.mgr.Watching(env.agent.ID) },
		"loop kept polling an archived agent")
}

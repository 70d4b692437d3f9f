package automation

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// killedExitCode is reported for runs stopped by the user.
const killedExitCode = 137

// VarsFunc supplies the shared script variables (git state, conversation,
// tokens) for one triggering event. The engine adds the event-specific
// and output-history variables itself.
type VarsFunc func(ev types.AutomationEvent) map[string]string

// Config locates the engine's working directories.
type Config struct {
	ProjectDir   string
	ScriptsDir   string
	VarsDir      string
	ActionsDir   string
	Home         string
	User         string
	PollInterval time.Duration
}

// Engine owns installed automations and their runs. One run per
// automation id at a time; a trigger for an already-running automation
// is skipped.
//
// Locking: one mutex per map, never two held at once; every accessor
// returns copies taken under the lock.
type Engine struct {
	cfg    Config
	runner *Runner
	vars   VarsFunc
	logger *logger.Logger

	specsMu sync.Mutex
	specs   []types.AutomationSpec

	runsMu sync.Mutex
	runs   map[string]*RunHandle

	blockMu      sync.Mutex
	blocking     map[string]struct{}
	blockingGone chan struct{}

	killMu     sync.Mutex
	killedPids map[int]struct{}

	eventsMu sync.Mutex
	events   []types.AutomationRunEvent

	actionsMu sync.Mutex
	actions   []types.WorkerAction

	outMu          sync.Mutex
	lastOutput     map[string]string
	lastFinishedID string

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewEngine builds an engine. vars may be nil when no shared variables
// are available yet.
func NewEngine(cfg Config, vars VarsFunc, log *logger.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	if vars == nil {
		vars = func(types.AutomationEvent) map[string]string { return nil }
	}
	return &Engine{
		cfg:        cfg,
		runner:     NewRunner(cfg.ProjectDir, cfg.ScriptsDir, cfg.VarsDir, cfg.ActionsDir, cfg.Home, cfg.User, log),
		vars:       vars,
		logger:     log.WithFields(zap.String("component", "automation-engine")),
		runs:       make(map[string]*RunHandle),
		blocking:   make(map[string]struct{}),
		killedPids: make(map[int]struct{}),
		lastOutput: make(map[string]string),
		stop:       make(chan struct{}),
	}
}

// Start launches the action-spool poller.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.pollLoop()
}

// Close stops the poller and waits for it. Running scripts are not
// touched; call KillAll first when tearing down.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Install replaces the set of installed automations.
func (e *Engine) Install(specs []types.AutomationSpec) {
	e.specsMu.Lock()
	e.specs = append([]types.AutomationSpec(nil), specs...)
	e.specsMu.Unlock()
	e.logger.Info("automations installed", zap.Int("count", len(specs)))
}

// Specs returns the installed automations.
func (e *Engine) Specs() []types.AutomationSpec {
	e.specsMu.Lock()
	defer e.specsMu.Unlock()
	return append([]types.AutomationSpec(nil), e.specs...)
}

// Fire matches the event against installed triggers and starts every
// match.
func (e *Engine) Fire(ev types.AutomationEvent) {
	for _, spec := range e.Specs() {
		if Matches(spec, ev) {
			e.startRun(spec, ev)
		}
	}
}

// TriggerManual starts the automation with the given id (or name as a
// fallback) regardless of its trigger type.
func (e *Engine) TriggerManual(automationID, name string) error {
	for _, spec := range e.Specs() {
		if (automationID != "" && spec.ID == automationID) || (automationID == "" && name != "" && spec.Name == name) {
			e.startRun(spec, types.AutomationEvent{Type: TriggerManual, AutomationID: spec.ID})
			return nil
		}
	}
	return fmt.Errorf("automation not found")
}

func (e *Engine) startRun(spec types.AutomationSpec, ev types.AutomationEvent) {
	vars := e.buildVars(spec, ev)

	e.runsMu.Lock()
	if _, running := e.runs[spec.ID]; running {
		e.runsMu.Unlock()
		e.logger.Warn("automation already running, skipping trigger",
			zap.String("automation_id", spec.ID),
			zap.String("trigger", ev.Type))
		return
	}
	handle, err := e.runner.Start(spec, vars)
	if err != nil {
		e.runsMu.Unlock()
		e.logger.Error("failed to start automation",
			zap.String("automation_id", spec.ID),
			zap.Error(err))
		now := time.Now().UTC()
		e.appendEvent(types.AutomationRunEvent{
			AutomationID:   spec.ID,
			AutomationName: spec.Name,
			Status:         "failed",
			ExitCode:       1,
			Output:         "failed to start: " + err.Error(),
			FeedOutput:     spec.FeedOutput,
			Blocking:       spec.Blocking,
			StartedAt:      now,
			FinishedAt:     &now,
		})
		return
	}
	e.runs[spec.ID] = handle
	e.runsMu.Unlock()

	if spec.Blocking {
		e.blockMu.Lock()
		e.blocking[spec.ID] = struct{}{}
		e.blockMu.Unlock()
	}

	e.appendEvent(types.AutomationRunEvent{
		AutomationID:   spec.ID,
		AutomationName: spec.Name,
		Status:         "started",
		FeedOutput:     spec.FeedOutput,
		Blocking:       spec.Blocking,
		StartedAt:      handle.StartedAt,
	})
	e.logger.Info("automation started",
		zap.String("automation_id", spec.ID),
		zap.String("name", spec.Name),
		zap.String("trigger", ev.Type),
		zap.Bool("blocking", spec.Blocking))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		<-handle.Done()
		e.finishRun(spec, handle)
	}()
}

// finishRun is the close handler for a run's process exit. Runs stopped
// through Kill are suppressed here: their terminal event was already
// emitted by the cancellation path.
func (e *Engine) finishRun(spec types.AutomationSpec, handle *RunHandle) {
	pid := handle.PID()
	e.killMu.Lock()
	_, suppressed := e.killedPids[pid]
	delete(e.killedPids, pid)
	e.killMu.Unlock()

	e.runsMu.Lock()
	if e.runs[spec.ID] == handle {
		delete(e.runs, spec.ID)
	}
	e.runsMu.Unlock()

	e.clearBlocking(spec.ID)

	if suppressed {
		return
	}

	output, truncated := handle.Output()
	code := handle.ExitCode()

	e.outMu.Lock()
	e.lastOutput[spec.ID] = output
	e.lastFinishedID = spec.ID
	e.outMu.Unlock()

	status := "finished"
	if code != 0 {
		status = "failed"
	}
	now := time.Now().UTC()
	e.appendEvent(types.AutomationRunEvent{
		AutomationID:     spec.ID,
		AutomationName:   spec.Name,
		Status:           status,
		ExitCode:         code,
		Output:           output,
		IsStartTruncated: truncated,
		FeedOutput:       spec.FeedOutput,
		Blocking:         spec.Blocking,
		StartedAt:        handle.StartedAt,
		FinishedAt:       &now,
	})
	e.logger.Info("automation finished",
		zap.String("automation_id", spec.ID),
		zap.String("status", status),
		zap.Int("exit_code", code))

	// Natural completion chains downstream automations; killed runs do
	// not.
	e.Fire(types.AutomationEvent{Type: TriggerAutomationFinishes, AutomationID: spec.ID})
}

// Kill stops a running automation: SIGTERM to the root process, the pid
// goes into the suppress set so the close handler stays quiet, and the
// terminal event is emitted here with the kill exit code. Killing an
// automation that is not running is a no-op.
func (e *Engine) Kill(automationID string) {
	e.runsMu.Lock()
	handle, ok := e.runs[automationID]
	if ok {
		delete(e.runs, automationID)
	}
	e.runsMu.Unlock()
	if !ok {
		return
	}

	e.killMu.Lock()
	e.killedPids[handle.PID()] = struct{}{}
	e.killMu.Unlock()

	if err := handle.Signal(syscall.SIGTERM); err != nil {
		e.logger.Warn("failed to signal automation",
			zap.String("automation_id", automationID),
			zap.Error(err))
	}
	// Escalate if the script ignores SIGTERM.
	time.AfterFunc(5*time.Second, func() {
		select {
		case <-handle.Done():
		default:
			_ = handle.Signal(syscall.SIGKILL)
		}
	})

	e.clearBlocking(automationID)

	output, truncated := handle.Output()
	output += "\n[Stopped by user]"

	e.outMu.Lock()
	e.lastOutput[automationID] = output
	e.outMu.Unlock()

	now := time.Now().UTC()
	e.appendEvent(types.AutomationRunEvent{
		AutomationID:     automationID,
		AutomationName:   handle.Spec.Name,
		Status:           "failed",
		ExitCode:         killedExitCode,
		Output:           output,
		IsStartTruncated: truncated,
		FeedOutput:       handle.Spec.FeedOutput,
		Blocking:         handle.Spec.Blocking,
		StartedAt:        handle.StartedAt,
		FinishedAt:       &now,
	})
	e.logger.Info("automation killed", zap.String("automation_id", automationID))
}

// KillAll stops every running automation; invoked on user interrupt and
// on shutdown.
func (e *Engine) KillAll() {
	e.runsMu.Lock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.runsMu.Unlock()

	for _, id := range ids {
		e.Kill(id)
	}
}

func (e *Engine) clearBlocking(automationID string) {
	e.blockMu.Lock()
	delete(e.blocking, automationID)
	if len(e.blocking) == 0 && e.blockingGone != nil {
		close(e.blockingGone)
		e.blockingGone = nil
	}
	e.blockMu.Unlock()
}

// HasBlockingRunning reports whether any blocking automation is running.
func (e *Engine) HasBlockingRunning() bool {
	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	return len(e.blocking) > 0
}

// BlockingIDs returns the ids of running blocking automations.
func (e *Engine) BlockingIDs() []string {
	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	out := make([]string, 0, len(e.blocking))
	for id := range e.blocking {
		out = append(out, id)
	}
	return out
}

// WaitNoBlocking blocks until no blocking automation is running or the
// context ends.
func (e *Engine) WaitNoBlocking(ctx context.Context) error {
	for {
		e.blockMu.Lock()
		if len(e.blocking) == 0 {
			e.blockMu.Unlock()
			return nil
		}
		if e.blockingGone == nil {
			e.blockingGone = make(chan struct{})
		}
		ch := e.blockingGone
		e.blockMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Running reports whether the automation currently has a live run.
func (e *Engine) Running(automationID string) bool {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	_, ok := e.runs[automationID]
	return ok
}

// RunningOutputs snapshots the live output of every running automation.
func (e *Engine) RunningOutputs() map[string]string {
	e.runsMu.Lock()
	handles := make(map[string]*RunHandle, len(e.runs))
	for id, h := range e.runs {
		handles[id] = h
	}
	e.runsMu.Unlock()

	out := make(map[string]string, len(handles))
	for id, h := range handles {
		text, _ := h.Output()
		out[id] = text
	}
	return out
}

// LastOutput returns the captured output of the most recent finished run
// of the automation.
func (e *Engine) LastOutput(automationID string) (string, bool) {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	out, ok := e.lastOutput[automationID]
	return out, ok
}

// PushAction enqueues a control action for the controller to drain. The
// spool poller and the MCP tools both feed this queue.
func (e *Engine) PushAction(a types.WorkerAction) {
	e.actionsMu.Lock()
	e.actions = append(e.actions, a)
	e.actionsMu.Unlock()
}

func (e *Engine) appendEvent(ev types.AutomationRunEvent) {
	e.eventsMu.Lock()
	e.events = append(e.events, ev)
	e.eventsMu.Unlock()
}

// Drain returns accumulated run events and spooled actions, clearing
// both.
func (e *Engine) Drain() ([]types.AutomationRunEvent, []types.WorkerAction) {
	e.eventsMu.Lock()
	events := e.events
	e.events = nil
	e.eventsMu.Unlock()

	e.actionsMu.Lock()
	actions := e.actions
	e.actions = nil
	e.actionsMu.Unlock()

	return events, actions
}

func (e *Engine) buildVars(spec types.AutomationSpec, ev types.AutomationEvent) map[string]string {
	vars := make(map[string]string)
	for k, v := range e.vars(ev) {
		if v != "" {
			vars[k] = v
		}
	}
	if ev.FilePath != "" {
		vars[VarInputFilePath] = ev.FilePath
	}
	if ev.Command != "" {
		vars[VarInputCommand] = ev.Command
	}

	e.outMu.Lock()
	last := ""
	if ev.AutomationID != "" {
		last = e.lastOutput[ev.AutomationID]
	}
	if last == "" && e.lastFinishedID != "" {
		last = e.lastOutput[e.lastFinishedID]
	}
	e.outMu.Unlock()
	if last != "" {
		vars[VarLastScriptOutput] = last
	}
	return vars
}

func (e *Engine) pollLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			for _, a := range ReadSpool(e.cfg.ActionsDir, e.logger) {
				e.logger.Info("spooled action received",
					zap.String("type", a.Type),
					zap.String("automation_id", a.AutomationID))
				e.PushAction(a)
			}
		}
	}
}

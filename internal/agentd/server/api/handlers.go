package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/assistant"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/automation"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/setup"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
)

// handleStart runs the one-time initialization. A repeat call returns the
// first call's response so the controller's retry protocol is idempotent.
func (s *Server) handleStart(c *gin.Context) {
	var req types.StartRequest
	if !s.bindSealed(c, &req) {
		return
	}
	if !req.SetupMode.Valid() {
		s.sealError(c, http.StatusBadRequest, fmt.Sprintf("unknown setup mode %q", req.SetupMode))
		return
	}

	s.mu.Lock()
	if s.started {
		resp := s.lastStart
		s.mu.Unlock()
		s.seal(c, http.StatusOK, resp)
		return
	}
	if s.starting {
		s.mu.Unlock()
		s.sealError(c, http.StatusConflict, "start already in progress")
		return
	}
	s.starting = true
	s.mu.Unlock()

	resp, err := s.start(c.Request.Context(), &req)

	s.mu.Lock()
	s.starting = false
	if err == nil {
		s.started = true
		s.lastStart = resp
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("start failed", zap.String("setup_mode", string(req.SetupMode)), zap.Error(err))
		s.sealError(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.seal(c, http.StatusOK, resp)
}

func (s *Server) start(ctx context.Context, req *types.StartRequest) (*types.StartResponse, error) {
	res, err := setup.Run(ctx, setup.Dirs{ProjectDir: s.cfg.ProjectDir, Home: s.cfg.Home}, req, s.logger)
	if err != nil {
		return nil, err
	}

	engine := automation.NewEngine(automation.Config{
		ProjectDir: res.Dir,
		ScriptsDir: filepath.Join(s.cfg.AutomationDir, "scripts"),
		VarsDir:    s.cfg.VarsDir(),
		ActionsDir: s.cfg.ActionsDir(),
		Home:       s.cfg.Home,
		User:       os.Getenv("USER"),
	}, s.automationVars, s.logger)
	engine.Install(req.Automations)
	engine.Start()

	session := assistant.NewSession(s.streamer, res.Dir, req.Model, s.logger)
	session.SetPersistHook(func() {
		if err := session.SaveTo(s.cfg.StatePath()); err != nil {
			s.logger.Warn("failed to persist conversation state", zap.Error(err))
		}
	})
	session.SetToolObserver(s.onToolUse)

	if req.DontSendInitialMessage {
		st, err := assistant.LoadState(s.cfg.StatePath())
		switch {
		case err != nil:
			s.logger.Warn("failed to load conversation state", zap.Error(err))
		case st == nil:
			s.logger.Info("no persisted conversation state to restore")
		default:
			session.RestoreState(st)
			s.logger.Info("restored conversation state",
				zap.Int("messages", len(session.Messages())))
		}
	}

	s.mu.Lock()
	s.session = session
	s.engine = engine
	s.project = res
	s.gitToken = req.GitToken
	s.envContents = req.EnvContents
	s.mu.Unlock()

	if !req.DontSendInitialMessage && strings.TrimSpace(req.InitialPrompt) != "" {
		if !s.enqueue(promptJob{text: req.InitialPrompt, promptID: uuid.NewString(), model: req.Model}) {
			s.logger.Warn("initial prompt dropped, queue full")
		}
	}

	resp := &types.StartResponse{Status: "started", GitInfoStatus: "ok"}
	if res.Git != nil && res.Git.IsRepo() {
		resp.StartCommitSha = res.StartCommit
		resp.GitHistoryLastPushedCommitSha = res.Git.LastPushedSha(ctx)
	} else {
		resp.GitInfoStatus = "unavailable"
		resp.GitInfoError = "working tree is not a git repository"
	}
	return resp, nil
}

func (s *Server) enqueue(job promptJob) bool {
	job.gen = s.interrupts.Load()
	s.pending.Add(1)
	select {
	case s.queue <- job:
		return true
	default:
		s.pending.Add(-1)
		return false
	}
}

func (s *Server) handlePrompt(c *gin.Context) {
	var req types.PromptRequest
	if !s.bindSealed(c, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.sealError(c, http.StatusBadRequest, "prompt text is required")
		return
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		s.sealError(c, http.StatusConflict, "agent not started")
		return
	}
	if s.draining.Load() {
		s.sealError(c, http.StatusServiceUnavailable, "worker is draining")
		return
	}

	promptID := req.PromptID
	if promptID == "" {
		promptID = uuid.NewString()
	}
	if !s.enqueue(promptJob{text: req.Text, promptID: promptID, model: req.Model}) {
		s.sealError(c, http.StatusTooManyRequests, "prompt queue full")
		return
	}
	s.seal(c, http.StatusAccepted, types.PromptResponse{Status: "queued", PromptID: promptID})
}

// handleInterrupt cancels the active prompt, drops queued ones and kills
// running automations.
func (s *Server) handleInterrupt(c *gin.Context) {
	var req struct{}
	if !s.bindSealed(c, &req) {
		return
	}

	s.mu.Lock()
	session, engine := s.session, s.engine
	s.mu.Unlock()

	s.interrupts.Add(1)
	dropped := 0
drain:
	for {
		select {
		case <-s.queue:
			s.pending.Add(-1)
			dropped++
		default:
			break drain
		}
	}
	if session != nil {
		session.Interrupt()
	}
	if engine != nil {
		engine.KillAll()
	}
	s.logger.Info("interrupted", zap.Int("dropped_prompts", dropped))
	s.seal(c, http.StatusOK, types.StatusResponse{Status: "interrupted"})
}

func (s *Server) handleClaudeState(c *gin.Context) {
	var req struct{}
	if !s.bindSealed(c, &req) {
		return
	}
	s.seal(c, http.StatusOK, s.stateSnapshot())
}

func (s *Server) stateSnapshot() *types.StateResponse {
	s.mu.Lock()
	started, session, engine := s.started, s.session, s.engine
	s.mu.Unlock()

	st := &types.StateResponse{BlockingAutomationIDs: []string{}}
	if engine != nil {
		st.BlockingAutomationIDs = engine.BlockingIDs()
		st.HasBlockingAutomation = engine.HasBlockingRunning()
	}
	streaming := false
	if session != nil {
		streaming = session.Streaming()
		st.ContextUsage = session.ContextUsage()
	}
	st.IsReady = started && !s.draining.Load() &&
		s.pending.Load() == 0 && !streaming && !st.HasBlockingAutomation
	return st
}

func (s *Server) handleMessages(c *gin.Context) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()

	resp := types.MessagesResponse{Messages: []types.Message{}}
	if session != nil {
		if after := c.Query("updatedAfter"); after != "" {
			t, err := time.Parse(time.RFC3339Nano, after)
			if err != nil {
				s.sealError(c, http.StatusBadRequest, "invalid updatedAfter timestamp")
				return
			}
			resp.Messages = session.MessagesSince(t)
		} else {
			resp.Messages = session.Messages()
		}
	}
	s.seal(c, http.StatusOK, resp)
}

// onToolUse turns assistant tool calls into automation events.
func (s *Server) onToolUse(name string, input map[string]any) {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return
	}
	str := func(key string) string {
		v, _ := input[key].(string)
		return v
	}
	switch name {
	case "Edit", "Write", "MultiEdit", "NotebookEdit":
		engine.Fire(types.AutomationEvent{Type: automation.TriggerAfterEditFiles, FilePath: str("file_path")})
	case "Read":
		engine.Fire(types.AutomationEvent{Type: automation.TriggerAfterReadFiles, FilePath: str("file_path")})
	case "Bash":
		engine.Fire(types.AutomationEvent{Type: automation.TriggerAfterRunCommand, Command: str("command")})
	}
}

// QueuePrompt implements mcptools.AgentControl: the request is spooled as
// a worker action the controller picks up on its next drain, entering the
// same admission path as user prompts.
func (s *Server) QueuePrompt(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("prompt text is empty")
	}
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return fmt.Errorf("agent not started")
	}
	engine.PushAction(types.WorkerAction{Type: types.ActionQueuePrompt, Payload: text})
	return nil
}

// StopAgent implements mcptools.AgentControl.
func (s *Server) StopAgent() error {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return fmt.Errorf("agent not started")
	}
	engine.PushAction(types.WorkerAction{Type: types.ActionStopAgent})
	return nil
}

// AutomationOutput implements mcptools.AgentControl: live output while the
// automation runs, the final capture after it exits.
func (s *Server) AutomationOutput(automationID string) (string, bool) {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return "", false
	}
	if engine.Running(automationID) {
		if out, ok := engine.RunningOutputs()[automationID]; ok {
			return out, true
		}
	}
	return engine.LastOutput(automationID)
}

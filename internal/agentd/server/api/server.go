// Package api is agentd's encrypted HTTP surface. Every endpoint except
// /health, the diagnostic shell and the MCP mount speaks the
// {"encrypted": ...} envelope: the X-Agent-ID header names the per-agent
// key, the AEAD proves the caller knew the machine secret. Envelope
// failures reply in plaintext because the caller's key may be the thing
// that is wrong; application errors reply sealed with a real HTTP status.
//
// Prompts are admitted into a bounded FIFO queue and dispatched by a
// single goroutine that defers to running blocking automations, so a
// prompt submitted mid-automation stays queued until the automation
// exits.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/config"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/assistant"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/automation"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/mcptools"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/setup"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/shell"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/httpmw"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/secretbox"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/version"
)

const (
	agentIDHeader   = "X-Agent-ID"
	promptQueueSize = 256
	restoreDeadline = 10 * time.Minute
)

// Gin context keys set by the envelope middleware.
const (
	boxKey       = "agentd.box"
	plaintextKey = "agentd.plaintext"
)

type promptJob struct {
	text     string
	promptID string
	model    string
	// gen is the interrupt generation at admission. An interrupt bumps
	// the counter, so jobs admitted before it never reach the assistant.
	gen uint64
}

// Server is the worker's HTTP API and the owner of the per-VM agent
// state: one assistant session, one automation engine, one project tree.
type Server struct {
	cfg      *config.Config
	streamer assistant.Streamer
	logger   *logger.Logger
	router   *gin.Engine
	mcp      *mcptools.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	started     bool
	starting    bool
	lastStart   *types.StartResponse
	session     *assistant.Session
	engine      *automation.Engine
	project     *setup.Result
	gitToken    string
	envContents string
	shellSess   *shell.Session

	draining   atomic.Bool
	pending    atomic.Int32
	interrupts atomic.Uint64
	queue      chan promptJob

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New builds the server. Start launches the prompt dispatcher; Stop must
// be called to release the engine and persist conversation state.
func New(cfg *config.Config, streamer assistant.Streamer, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		streamer: streamer,
		logger:   log.WithFields(zap.String("component", "agentd-api")),
		queue:    make(chan promptJob, promptQueueSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	s.mcp = mcptools.New(s, log)

	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.RequestLogger(log, "agentd"))
	s.router = router
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.cfg.ShellEnabled {
		s.router.GET("/shell/stream", s.handleShellStream)
	}
	s.mcp.RegisterRoutes(s.router)

	sealed := s.router.Group("", s.envelope())
	sealed.POST("/start", s.handleStart)
	sealed.POST("/prompt", s.handlePrompt)
	sealed.POST("/interrupt", s.handleInterrupt)
	sealed.POST("/claudeState", s.handleClaudeState)
	sealed.GET("/messages", s.handleMessages)
	sealed.POST("/git-commit", s.handleGitCommit)
	sealed.POST("/git-push", s.handleGitPush)
	sealed.POST("/git-last-commit", s.handleGitLastCommit)
	sealed.POST("/git-history", s.handleGitHistory)
	sealed.POST("/generate-commit-name", s.handleGenerateCommitName)
	sealed.POST("/generate-task-summary", s.handleGenerateTaskSummary)
	sealed.POST("/execute-automations", s.handleExecuteAutomations)
	sealed.POST("/stop-automation", s.handleStopAutomation)
	sealed.POST("/trigger-manual-automation", s.handleTriggerManualAutomation)
	sealed.POST("/automation-events", s.handleAutomationEvents)
	sealed.POST("/restore-snapshot", s.handleRestoreSnapshot)
}

// Router exposes the handler for an http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start launches the prompt dispatcher.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.dispatch()
}

// BeginDrain rejects new prompts so in-flight work can finish before Stop.
func (s *Server) BeginDrain() {
	s.draining.Store(true)
}

// WaitIdle blocks until no prompt is queued or streaming, or ctx expires.
func (s *Server) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		session := s.session
		s.mu.Unlock()
		if s.pending.Load() == 0 && (session == nil || !session.Streaming()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop cancels the dispatcher, kills automations, persists conversation
// state and closes the shell and MCP transports. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.baseCancel()
		s.wg.Wait()

		s.mu.Lock()
		session, engine, shellSess := s.session, s.engine, s.shellSess
		s.shellSess = nil
		s.mu.Unlock()

		if session != nil {
			session.Interrupt()
			if err := session.SaveTo(s.cfg.StatePath()); err != nil {
				s.logger.Warn("failed to persist conversation state", zap.Error(err))
			}
		}
		if engine != nil {
			engine.KillAll()
			engine.Close()
		}
		if shellSess != nil {
			shellSess.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.mcp.Close(ctx); err != nil {
			s.logger.Warn("mcp shutdown failed", zap.Error(err))
		}
	})
}

// dispatch pops prompts in FIFO order. Each one waits out running
// blocking automations before it reaches the assistant, then runs to
// completion before the next is considered.
func (s *Server) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case job := <-s.queue:
			s.runPrompt(job)
		}
	}
}

func (s *Server) runPrompt(job promptJob) {
	defer s.pending.Add(-1)

	s.mu.Lock()
	session, engine := s.session, s.engine
	s.mu.Unlock()
	if session == nil {
		return
	}
	if engine != nil {
		if err := engine.WaitNoBlocking(s.baseCtx); err != nil {
			return
		}
	}
	if job.gen != s.interrupts.Load() {
		// Interrupted while waiting; the prompt must not start now.
		return
	}
	done, err := session.Submit(s.baseCtx, job.text, job.promptID, job.model)
	if err != nil {
		s.logger.Warn("prompt submit failed",
			zap.String("prompt_id", job.promptID), zap.Error(err))
		return
	}
	select {
	case <-done:
	case <-s.baseCtx.Done():
	}
}

// envelope authenticates sealed requests. The header only names the key;
// authenticity comes from the AEAD opening cleanly. GET requests carry no
// body, so only the key derivation runs for them.
func (s *Server) envelope() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.GetHeader(agentIDHeader)
		if agentID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.ErrorResponse{Error: "missing " + agentIDHeader + " header"})
			return
		}
		box, err := secretbox.New(s.cfg.MachineSecret, agentID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.ErrorResponse{Error: "failed to derive envelope key"})
			return
		}
		c.Set(boxKey, box)

		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest,
				types.ErrorResponse{Error: "failed to read request body"})
			return
		}
		var env secretbox.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Encrypted == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest,
				types.ErrorResponse{Error: "missing encrypted envelope"})
			return
		}
		plaintext, err := box.Open(env.Encrypted)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest,
				types.ErrorResponse{Error: "failed to decrypt request"})
			return
		}
		c.Set(plaintextKey, plaintext)
		c.Next()
	}
}

// seal encrypts v and writes it with the given status. A seal failure
// degrades to a plaintext 500 so the controller still sees an error.
func (s *Server) seal(c *gin.Context, status int, v any) {
	box := c.MustGet(boxKey).(*secretbox.Box)
	env, err := box.SealJSON(v)
	if err != nil {
		s.logger.Error("failed to seal response", zap.Error(err))
		c.JSON(http.StatusInternalServerError,
			types.ErrorResponse{Error: "failed to seal response"})
		return
	}
	c.JSON(status, env)
}

func (s *Server) sealError(c *gin.Context, status int, msg string) {
	s.seal(c, status, types.ErrorResponse{Error: msg})
}

// bindSealed decodes the decrypted body into v. The envelope already
// authenticated, so malformed JSON inside is an application error and
// replies sealed.
func (s *Server) bindSealed(c *gin.Context, v any) bool {
	raw, _ := c.Get(plaintextKey)
	body, _ := raw.([]byte)
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.sealError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthResponse{Status: "ok", Version: version.Version})
}

func (s *Server) handleShellStream(c *gin.Context) {
	sess, err := s.shellSession()
	if err != nil {
		c.JSON(http.StatusInternalServerError,
			types.ErrorResponse{Error: "failed to start shell: " + err.Error()})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("shell websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()
	shell.Bridge(conn, sess, s.logger)
}

// shellSession lazily spawns the diagnostic shell: in the project tree
// once /start ran, in the daemon home before that.
func (s *Server) shellSession() (*shell.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shellSess != nil {
		return s.shellSess, nil
	}
	workDir := s.cfg.Home
	if s.project != nil && s.project.Dir != "" {
		workDir = s.project.Dir
	}
	sess, err := shell.NewSession(shell.DefaultConfig(workDir), s.logger)
	if err != nil {
		return nil, err
	}
	s.shellSess = sess
	return sess, nil
}

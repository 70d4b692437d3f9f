// Package shell runs the worker's diagnostic terminal: a single pty-backed
// login shell in the project directory, streamed over websocket. The shell
// exists for operators poking at a live agent machine and is disabled unless
// the worker config turns it on.
package shell

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// scrollbackSize bounds the retained output replayed to new viewers.
const scrollbackSize = 16 * 1024

const respawnDelay = 100 * time.Millisecond

// Config holds the shell session settings.
type Config struct {
	WorkDir string
	Cols    int
	Rows    int
	Command string   // optional shell override
	Args    []string // optional args override
}

// DefaultConfig returns an 80x24 shell rooted at workDir.
func DefaultConfig(workDir string) Config {
	return Config{WorkDir: workDir, Cols: 80, Rows: 24}
}

// Status reports the live shell process.
type Status struct {
	Running   bool
	Pid       int
	Shell     string
	Dir       string
	StartedAt time.Time
}

// Session is the worker's single shell. It respawns the process if it dies
// and fans output out to any number of stream viewers.
type Session struct {
	logger *logger.Logger
	shell  string
	args   []string
	config Config

	pty *os.File
	cmd *exec.Cmd

	running   bool
	stopping  bool
	startedAt time.Time
	cols      int
	rows      int
	mu        sync.RWMutex

	subscribers map[chan<- []byte]struct{}
	subMu       sync.RWMutex

	scrollback []byte
	backMu     sync.RWMutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// detectShell prefers the user's login shell and falls back through the
// usual suspects. Workers are Linux machines, so no further platforms.
func detectShell() (string, []string) {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh, []string{"-l"}
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}
	return "/bin/sh", nil
}

// NewSession starts the shell immediately.
func NewSession(cfg Config, log *logger.Logger) (*Session, error) {
	shell, args := detectShell()
	if cfg.Command != "" {
		shell = cfg.Command
		args = cfg.Args
		if len(args) == 0 {
			args = []string{"-l"}
		}
	}
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}

	s := &Session{
		logger:      log.WithFields(zap.String("component", "shell")),
		shell:       shell,
		args:        args,
		config:      cfg,
		cols:        cfg.Cols,
		rows:        cfg.Rows,
		subscribers: make(map[chan<- []byte]struct{}),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if err := s.spawn(); err != nil {
		return nil, err
	}
	return s, nil
}

// spawn starts (or restarts) the shell process under a pty.
func (s *Session) spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return nil
	}

	s.cmd = exec.Command(s.shell, s.args...)
	s.cmd.Dir = s.config.WorkDir
	s.cmd.Env = shellEnv(s.config.WorkDir)

	f, err := pty.StartWithSize(s.cmd, &pty.Winsize{
		Cols: uint16(s.cols),
		Rows: uint16(s.rows),
	})
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}
	s.pty = f
	s.running = true
	s.startedAt = time.Now()

	s.logger.Info("shell started",
		zap.String("shell", s.shell),
		zap.String("dir", s.config.WorkDir),
		zap.Int("pid", s.cmd.Process.Pid))

	go s.readOutput(f)
	go s.waitForExit(s.cmd)
	return nil
}

// Stop terminates the shell and prevents respawn. Idempotent.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.stopping = true
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopping = true
	f := s.pty
	s.mu.Unlock()

	close(s.stopCh)
	if f != nil {
		_ = f.Close() // SIGHUPs the process group
	}

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.logger.Warn("shell did not exit, killing")
		s.mu.RLock()
		cmd := s.cmd
		s.mu.RUnlock()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	return nil
}

// Write feeds keystrokes to the shell.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || s.pty == nil {
		return 0, fmt.Errorf("shell not running")
	}
	return s.pty.Write(data)
}

// Resize changes the terminal dimensions; the new size also applies to any
// future respawn.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols, s.rows = cols, rows
	if !s.running || s.pty == nil {
		return nil
	}
	return pty.Setsize(s.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Subscribe registers an output channel. Slow subscribers drop chunks
// rather than stall the pty reader.
func (s *Session) Subscribe(ch chan<- []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers[ch] = struct{}{}
}

// Unsubscribe removes an output channel.
func (s *Session) Unsubscribe(ch chan<- []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subscribers, ch)
}

// Scrollback returns a copy of the retained recent output.
func (s *Session) Scrollback() []byte {
	s.backMu.RLock()
	defer s.backMu.RUnlock()
	if len(s.scrollback) == 0 {
		return nil
	}
	out := make([]byte, len(s.scrollback))
	copy(out, s.scrollback)
	return out
}

// Status reports the current shell process.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	return Status{
		Running:   s.running,
		Pid:       pid,
		Shell:     s.shell,
		Dir:       s.config.WorkDir,
		StartedAt: s.startedAt,
	}
}

func (s *Session) readOutput(f *os.File) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		n, err := f.Read(buf)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("pty read ended", zap.Error(err))
			}
			return
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		s.broadcast(chunk)
	}
}

func (s *Session) broadcast(chunk []byte) {
	s.backMu.Lock()
	s.scrollback = append(s.scrollback, chunk...)
	if len(s.scrollback) > scrollbackSize {
		s.scrollback = s.scrollback[len(s.scrollback)-scrollbackSize:]
	}
	s.backMu.Unlock()

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- chunk:
		default:
		}
	}
}

// waitForExit reaps the process and respawns unless Stop was called.
func (s *Session) waitForExit(cmd *exec.Cmd) {
	_ = cmd.Wait()

	s.mu.Lock()
	stopping := s.stopping
	s.running = false
	s.mu.Unlock()

	if stopping {
		close(s.doneCh)
		return
	}

	s.logger.Info("shell exited, respawning")
	time.Sleep(respawnDelay)
	if err := s.spawn(); err != nil {
		s.logger.Error("failed to respawn shell", zap.Error(err))
		close(s.doneCh)
	}
}

func shellEnv(workDir string) []string {
	env := os.Environ()
	env = append(env,
		"PWD="+workDir,
		"TERM=xterm-256color",
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	)
	return env
}

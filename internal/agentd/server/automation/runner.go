package automation

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// outputRingLines bounds the captured output of one run.
const outputRingLines = 1000

// RunHandle tracks one executing automation script.
type RunHandle struct {
	Spec      types.AutomationSpec
	StartedAt time.Time

	cmd    *exec.Cmd
	ring   *ring
	writer *lineWriter

	done     chan struct{}
	exitOnce sync.Once
	exitCode int
}

// PID returns the root process id of the run.
func (h *RunHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done closes when the process has exited and output is fully captured.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// ExitCode is valid once Done is closed.
func (h *RunHandle) ExitCode() int { return h.exitCode }

// Output snapshots the captured lines so far and whether the beginning
// was dropped.
func (h *RunHandle) Output() (string, bool) { return h.ring.text() }

// Signal delivers sig to the root process.
func (h *RunHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return h.cmd.Process.Signal(sig)
}

// Runner executes synthesized scripts in the project directory under a
// login shell environment.
type Runner struct {
	projectDir string
	scriptsDir string
	varsDir    string
	actionsDir string
	home       string
	user       string
	logger     *logger.Logger
}

// NewRunner builds a runner. home and user pin the identity variables of
// every run; an empty user defaults to root.
func NewRunner(projectDir, scriptsDir, varsDir, actionsDir, home, user string, log *logger.Logger) *Runner {
	if user == "" {
		user = "root"
	}
	if log == nil {
		log = logger.Default()
	}
	return &Runner{
		projectDir: projectDir,
		scriptsDir: scriptsDir,
		varsDir:    varsDir,
		actionsDir: actionsDir,
		home:       home,
		user:       user,
		logger:     log,
	}
}

// Start synthesizes and launches the script for one run. There is no
// built-in timeout; stopping a run is an explicit kill.
func (r *Runner) Start(spec types.AutomationSpec, vars map[string]string) (*RunHandle, error) {
	script, err := Generate(r.scriptsDir, r.varsDir, r.actionsDir, spec, vars)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(script.Argv[0], script.Argv[1:]...)
	cmd.Dir = r.projectDir
	cmd.Env = append(os.Environ(),
		"HOME="+r.home,
		"USER="+r.user,
		"LOGNAME="+r.user,
		"SHELL=/bin/bash",
	)
	cmd.Env = append(cmd.Env, script.Env...)

	rng := newRing(outputRingLines)
	writer := newLineWriter(rng)
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		_ = os.Remove(script.Path)
		return nil, fmt.Errorf("failed to start automation script: %w", err)
	}

	h := &RunHandle{
		Spec:      spec,
		StartedAt: time.Now().UTC(),
		cmd:       cmd,
		ring:      rng,
		writer:    writer,
		done:      make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		writer.flush()
		_ = os.Remove(script.Path)
		h.exitOnce.Do(func() {
			code := cmd.ProcessState.ExitCode()
			if code < 0 {
				// Killed by signal; report the conventional code.
				code = 137
			}
			if err != nil && code == 0 {
				code = 1
			}
			h.exitCode = code
		})
		close(h.done)
	}()
	return h, nil
}

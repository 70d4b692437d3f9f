// Package assistant hosts the worker's conversation with the coding
// assistant: a streaming vendor client plus the session bookkeeping
// (message dedup, context usage, interrupts, persisted state) around it.
package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// Stream event types and subtypes emitted by the assistant CLI.
const (
	EventTypeSystem    = "system"
	EventTypeAssistant = "assistant"
	EventTypeUser      = "user"
	EventTypeResult    = "result"

	SubtypeInit            = "init"
	SubtypeCompactBoundary = "compact_boundary"
)

// Usage carries the vendor's token accounting for one API message.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	ContextWindow            int `json:"context_window,omitempty"`
}

// Total returns the tokens occupying the context window: fresh input
// plus everything served from cache.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// StreamMessage is the API message embedded in assistant/user events.
// Content is kept raw: the worker stores and serves content blocks
// verbatim, it never interprets them beyond tool_use extraction.
type StreamMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// CompactMetadata describes a context compaction boundary.
type CompactMetadata struct {
	Trigger   string `json:"trigger"` // "manual" or "auto"
	PreTokens int    `json:"pre_tokens"`
}

// Delta is an incremental content fragment inside a stream_event.
type Delta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// RawStreamEvent is the partial-message event wrapper; only text deltas
// are consumed, everything else is ignored.
type RawStreamEvent struct {
	Type  string `json:"type"`
	Delta *Delta `json:"delta,omitempty"`
}

// Event is one decoded line of the vendor's JSON stream.
type Event struct {
	Type            string           `json:"type"`
	Subtype         string           `json:"subtype,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	Message         *StreamMessage   `json:"message,omitempty"`
	Usage           *Usage           `json:"usage,omitempty"`
	CompactMetadata *CompactMetadata `json:"compact_metadata,omitempty"`
	StreamEvent     *RawStreamEvent  `json:"event,omitempty"`
	IsError         bool             `json:"is_error,omitempty"`
	Result          string           `json:"result,omitempty"`
}

// QueryRequest describes one streaming exchange with the assistant.
type QueryRequest struct {
	Prompt    string
	SessionID string // resume an existing vendor session when non-empty
	Model     string
	WorkDir   string
}

// Query is one in-flight exchange. Events closes when the exchange
// settles, whether it finished or was interrupted. Interrupt asks the
// vendor to stop as soon as possible and is safe to call repeatedly.
type Query interface {
	Events() <-chan Event
	Interrupt()
}

// Streamer opens exchanges with the assistant. The subprocess
// implementation shells out to the assistant CLI; tests substitute a
// scripted fake.
type Streamer interface {
	Start(ctx context.Context, req QueryRequest) (Query, error)
}

// maxLineSize bounds a single stream-json line; assistant turns with
// large file contents can produce lines well past the scanner default.
const maxLineSize = 10 * 1024 * 1024

// SubprocessStreamer runs the assistant CLI in print mode and decodes
// its stream-json output line by line.
type SubprocessStreamer struct {
	command string
	logger  *logger.Logger
}

// NewSubprocessStreamer returns a streamer invoking the given CLI
// command (for example "claude").
func NewSubprocessStreamer(command string, log *logger.Logger) *SubprocessStreamer {
	if log == nil {
		log = logger.Default()
	}
	return &SubprocessStreamer{
		command: command,
		logger:  log.WithFields(zap.String("component", "assistant-streamer")),
	}
}

// Start launches one assistant exchange. The prompt travels over stdin
// so its size and content never hit argv.
func (s *SubprocessStreamer) Start(ctx context.Context, req QueryRequest) (Query, error) {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	cmd := exec.CommandContext(ctx, s.command, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.command, err)
	}

	q := &subprocessQuery{
		cmd:    cmd,
		stderr: &stderr,
		events: make(chan Event, 64),
		logger: s.logger,
	}
	go q.run(stdout)
	return q, nil
}

type subprocessQuery struct {
	cmd       *exec.Cmd
	stderr    *bytes.Buffer
	events    chan Event
	logger    *logger.Logger
	interrupt sync.Once
}

func (q *subprocessQuery) Events() <-chan Event { return q.events }

// Interrupt sends SIGINT so the CLI can flush a final result event
// before exiting. Killing outright would lose the session id.
func (q *subprocessQuery) Interrupt() {
	q.interrupt.Do(func() {
		if q.cmd.Process != nil {
			_ = q.cmd.Process.Signal(os.Interrupt)
		}
	})
}

func (q *subprocessQuery) run(stdout interface{ Read([]byte) (int, error) }) {
	defer close(q.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			q.logger.Warn("skipping unparseable stream line", zap.Error(err))
			continue
		}
		q.events <- ev
	}
	if err := scanner.Err(); err != nil {
		q.logger.Warn("assistant stream read failed", zap.Error(err))
	}

	if err := q.cmd.Wait(); err != nil {
		msg := strings.TrimSpace(q.stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		q.logger.Warn("assistant process exited with error",
			zap.Error(err),
			zap.String("stderr", msg))
	}
}

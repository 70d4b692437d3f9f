package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// Message roles stored by the session.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Compaction records one context compaction reported by the assistant.
type Compaction struct {
	Trigger   string    `json:"trigger"`
	PreTokens int       `json:"preTokens"`
	At        time.Time `json:"at"`
}

// record is the session's own copy of one conversation entry.
type record struct {
	id        string
	apiID     string
	promptID  string
	role      string
	content   string
	createdAt time.Time
	updatedAt time.Time
}

// toolUse is one tool invocation extracted from assistant content blocks.
type toolUse struct {
	id    string
	name  string
	input map[string]any
}

// Session owns the conversation with the assistant: ordered acknowledged
// messages, the in-flight streaming buffer, vendor session id, context
// usage, and archived past conversations.
//
// Submit serializes callers so an interrupt-and-retry never races a fresh
// prompt. All other methods are safe to call concurrently.
type Session struct {
	streamer     Streamer
	workDir      string
	defaultModel string
	logger       *logger.Logger

	persist   func()
	onToolUse func(name string, input map[string]any)

	submitMu sync.Mutex

	mu            sync.Mutex
	sessionID     string
	records       []*record
	byAPIID       map[string]*record
	seenTools     map[string]struct{}
	past          [][]*record
	compactions   []Compaction
	usage         *Usage
	contextWindow int

	streaming     bool
	streamDone    chan struct{}
	query         Query
	cancel        context.CancelFunc
	promptID      string
	streamID      string
	streamStart   time.Time
	streamUpdated time.Time
	streamBuf     strings.Builder
}

// NewSession creates a session around the given streamer. workDir is the
// project directory queries run in; defaultModel applies when a submit
// does not name one.
func NewSession(streamer Streamer, workDir, defaultModel string, log *logger.Logger) *Session {
	if log == nil {
		log = logger.Default()
	}
	return &Session{
		streamer:     streamer,
		workDir:      workDir,
		defaultModel: defaultModel,
		logger:       log.WithFields(zap.String("component", "assistant-session")),
		byAPIID:      make(map[string]*record),
		seenTools:    make(map[string]struct{}),
	}
}

// SetPersistHook registers fn to run whenever the conversation settles or
// materially changes; the server wires state persistence here.
func (s *Session) SetPersistHook(fn func()) { s.persist = fn }

// SetToolObserver registers fn to run once per tool invocation the
// assistant makes, in stream order.
func (s *Session) SetToolObserver(fn func(name string, input map[string]any)) { s.onToolUse = fn }

// Submit starts one exchange. It blocks until any previous exchange has
// settled, then returns a channel that closes when this one settles.
func (s *Session) Submit(ctx context.Context, text, promptID, model string) (<-chan struct{}, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("prompt text is empty")
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.mu.Lock()
	prev := s.streamDone
	s.mu.Unlock()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if model == "" {
		model = s.defaultModel
	}

	now := time.Now().UTC()
	s.mu.Lock()
	sid := s.sessionID
	s.records = append(s.records, &record{
		id:        uuid.NewString(),
		promptID:  promptID,
		role:      RoleUser,
		content:   textBlocks(text),
		createdAt: now,
		updatedAt: now,
	})
	s.mu.Unlock()

	qctx, cancel := context.WithCancel(ctx)
	q, err := s.streamer.Start(qctx, QueryRequest{
		Prompt:    text,
		SessionID: sid,
		Model:     model,
		WorkDir:   s.workDir,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start assistant query: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.streaming = true
	s.streamDone = done
	s.query = q
	s.cancel = cancel
	s.promptID = promptID
	s.streamID = uuid.NewString()
	s.streamStart = now
	s.streamUpdated = now
	s.streamBuf.Reset()
	s.mu.Unlock()

	go s.consume(q, done, cancel)
	return done, nil
}

func (s *Session) consume(q Query, done chan struct{}, cancel context.CancelFunc) {
	for ev := range q.Events() {
		s.handle(ev)
	}

	cancel()
	s.mu.Lock()
	s.streaming = false
	s.query = nil
	s.cancel = nil
	s.streamBuf.Reset()
	s.mu.Unlock()

	if s.persist != nil {
		s.persist()
	}
	close(done)
}

func (s *Session) handle(ev Event) {
	switch {
	case ev.Type == EventTypeSystem && ev.Subtype == SubtypeInit:
		s.mu.Lock()
		if ev.SessionID != "" {
			s.sessionID = ev.SessionID
		}
		s.mu.Unlock()

	case ev.Type == EventTypeSystem && ev.Subtype == SubtypeCompactBoundary:
		s.recordCompaction(ev)

	case ev.Type == EventTypeAssistant && ev.Message != nil:
		s.absorb(ev)

	case ev.Type == "stream_event" && ev.StreamEvent != nil:
		if d := ev.StreamEvent.Delta; d != nil && d.Type == "text_delta" && d.Text != "" {
			s.mu.Lock()
			s.streamBuf.WriteString(d.Text)
			s.streamUpdated = time.Now().UTC()
			s.mu.Unlock()
		}

	case ev.Type == EventTypeResult:
		s.mu.Lock()
		if ev.SessionID != "" {
			s.sessionID = ev.SessionID
		}
		if ev.Usage != nil {
			s.usage = ev.Usage
			if ev.Usage.ContextWindow > 0 {
				s.contextWindow = ev.Usage.ContextWindow
			}
		}
		s.mu.Unlock()
	}
}

// absorb folds one full assistant message yield into the acknowledged
// list. The vendor re-yields the same API message as its content grows,
// so known ids update in place; only new ids allocate a session uuid.
func (s *Session) absorb(ev Event) {
	now := time.Now().UTC()
	content := string(ev.Message.Content)

	s.mu.Lock()
	if r, ok := s.byAPIID[ev.Message.ID]; ok {
		r.content = content
		r.updatedAt = now
	} else {
		r := &record{
			id:        uuid.NewString(),
			apiID:     ev.Message.ID,
			promptID:  s.promptID,
			role:      RoleAssistant,
			content:   content,
			createdAt: now,
			updatedAt: now,
		}
		s.records = append(s.records, r)
		if ev.Message.ID != "" {
			s.byAPIID[ev.Message.ID] = r
		}
	}
	if ev.Message.Usage != nil {
		s.usage = ev.Message.Usage
		if ev.Message.Usage.ContextWindow > 0 {
			s.contextWindow = ev.Message.Usage.ContextWindow
		}
	}
	// A complete yield supersedes the deltas accumulated for it.
	s.streamBuf.Reset()
	fresh := s.extractNewToolUses(ev.Message.Content)
	s.mu.Unlock()

	for _, tu := range fresh {
		if s.onToolUse != nil {
			s.onToolUse(tu.name, tu.input)
		}
	}
}

// extractNewToolUses returns tool_use blocks not seen before. Caller
// holds s.mu.
func (s *Session) extractNewToolUses(content json.RawMessage) []toolUse {
	var blocks []struct {
		Type  string         `json:"type"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil
	}
	var fresh []toolUse
	for _, b := range blocks {
		if b.Type != "tool_use" || b.ID == "" {
			continue
		}
		if _, seen := s.seenTools[b.ID]; seen {
			continue
		}
		s.seenTools[b.ID] = struct{}{}
		fresh = append(fresh, toolUse{id: b.ID, name: b.Name, input: b.Input})
	}
	return fresh
}

func (s *Session) recordCompaction(ev Event) {
	trigger := "auto"
	preTokens := 0
	if ev.CompactMetadata != nil {
		if ev.CompactMetadata.Trigger != "" {
			trigger = ev.CompactMetadata.Trigger
		}
		preTokens = ev.CompactMetadata.PreTokens
	}
	now := time.Now().UTC()

	s.mu.Lock()
	s.compactions = append(s.compactions, Compaction{Trigger: trigger, PreTokens: preTokens, At: now})
	// Surface the boundary in the conversation itself so it rides the
	// ordinary message sync path to the controller.
	s.records = append(s.records, &record{
		id:        uuid.NewString(),
		role:      RoleSystem,
		content:   textBlocks(fmt.Sprintf("Context compacted (%s); %d tokens before compaction", trigger, preTokens)),
		createdAt: now,
		updatedAt: now,
	})
	s.mu.Unlock()

	s.logger.Info("conversation compacted",
		zap.String("trigger", trigger),
		zap.Int("pre_tokens", preTokens))
	if s.persist != nil {
		s.persist()
	}
}

// Interrupt stops the in-flight exchange. The streaming buffer is
// dropped immediately; the session id survives so the next submit
// resumes the same vendor session.
func (s *Session) Interrupt() {
	s.mu.Lock()
	q := s.query
	cancel := s.cancel
	s.streamBuf.Reset()
	s.mu.Unlock()

	if q == nil {
		return
	}
	q.Interrupt()
	if cancel != nil {
		// Hard stop if the vendor ignores the polite signal.
		time.AfterFunc(10*time.Second, cancel)
	}
}

// Streaming reports whether an exchange is in flight.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// SessionID returns the current vendor session id, empty before the
// first exchange or after a reset.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Messages returns the acknowledged conversation plus, while streaming,
// a synthetic assistant message carrying the delta buffer so far.
func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// MessagesSince returns messages updated strictly after the given time.
func (s *Session) MessagesSince(after time.Time) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.snapshotLocked()
	out := make([]types.Message, 0, len(all))
	for _, m := range all {
		if m.UpdatedAt.After(after) {
			out = append(out, m)
		}
	}
	return out
}

func (s *Session) snapshotLocked() []types.Message {
	out := make([]types.Message, 0, len(s.records)+1)
	for _, r := range s.records {
		out = append(out, types.Message{
			ID:           r.id,
			APIMessageID: r.apiID,
			PromptID:     r.promptID,
			Role:         r.role,
			Content:      r.content,
			CreatedAt:    r.createdAt,
			UpdatedAt:    r.updatedAt,
		})
	}
	if s.streaming && s.streamBuf.Len() > 0 {
		out = append(out, types.Message{
			ID:          s.streamID,
			PromptID:    s.promptID,
			Role:        RoleAssistant,
			Content:     textBlocks(s.streamBuf.String()),
			IsStreaming: true,
			CreatedAt:   s.streamStart,
			UpdatedAt:   s.streamUpdated,
		})
	}
	return out
}

// ContextUsage reports how full the context window is, computed from the
// last assistant usage seen. Nil until the assistant has reported usage
// with a context window.
func (s *Session) ContextUsage() *types.ContextUsage {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.usage == nil || s.contextWindow <= 0 {
		return nil
	}
	total := s.usage.Total()
	used := float64(total) / float64(s.contextWindow) * 100
	if used > 100 {
		used = 100
	}
	return &types.ContextUsage{
		UsedPercent:      used,
		RemainingPercent: 100 - used,
		TotalTokens:      total,
		ContextWindow:    s.contextWindow,
	}
}

// Compactions returns the compaction history of the current conversation.
func (s *Session) Compactions() []Compaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Compaction, len(s.compactions))
	copy(out, s.compactions)
	return out
}

// Reset archives the current conversation and clears the vendor session
// id; the next submit starts fresh.
func (s *Session) Reset() {
	s.mu.Lock()
	if len(s.records) > 0 {
		s.past = append(s.past, s.records)
	}
	s.records = nil
	s.byAPIID = make(map[string]*record)
	s.seenTools = make(map[string]struct{})
	s.compactions = nil
	s.sessionID = ""
	s.usage = nil
	s.contextWindow = 0
	s.mu.Unlock()

	s.logger.Info("conversation reset")
	if s.persist != nil {
		s.persist()
	}
}

// LastPrompt returns the text of the most recent user message, empty if
// none.
func (s *Session) LastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].role == RoleUser {
			return textFromBlocks(s.records[i].content)
		}
	}
	return ""
}

// AllPrompts returns every user prompt of the current conversation in
// order.
func (s *Session) AllPrompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.records {
		if r.role == RoleUser {
			out = append(out, textFromBlocks(r.content))
		}
	}
	return out
}

// Transcript renders the current conversation as readable text, one
// "role: text" paragraph per message in order.
func (s *Session) Transcript() string {
	s.mu.Lock()
	recs := make([]*record, len(s.records))
	copy(recs, s.records)
	s.mu.Unlock()

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].createdAt.Before(recs[j].createdAt) })
	var b strings.Builder
	for _, r := range recs {
		text := textFromBlocks(r.content)
		if text == "" {
			continue
		}
		b.WriteString(r.role)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func textBlocks(text string) string {
	blocks := []map[string]string{{"type": "text", "text": text}}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// textFromBlocks concatenates the text parts of a content-block JSON
// array. Non-JSON content is returned as-is.
func textFromBlocks(content string) string {
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &blocks); err != nil {
		return content
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

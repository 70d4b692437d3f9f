package assistant

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeQuery struct {
	events           chan Event
	once             sync.Once
	mu               sync.Mutex
	interrupted      bool
	closeOnInterrupt bool
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{events: make(chan Event, 64)}
}

func (q *fakeQuery) Events() <-chan Event { return q.events }

func (q *fakeQuery) Interrupt() {
	q.mu.Lock()
	q.interrupted = true
	closeNow := q.closeOnInterrupt
	q.mu.Unlock()
	if closeNow {
		q.finish()
	}
}

func (q *fakeQuery) feed(ev Event) { q.events <- ev }

func (q *fakeQuery) finish() {
	q.once.Do(func() { close(q.events) })
}

func (q *fakeQuery) wasInterrupted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interrupted
}

type fakeStreamer struct {
	mu      sync.Mutex
	starts  []QueryRequest
	queries []*fakeQuery
	started chan struct{}
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{started: make(chan struct{}, 16)}
}

func (f *fakeStreamer) Start(_ context.Context, req QueryRequest) (Query, error) {
	q := newFakeQuery()
	f.mu.Lock()
	f.starts = append(f.starts, req)
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	f.started <- struct{}{}
	return q, nil
}

func (f *fakeStreamer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeStreamer) query(i int) *fakeQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[i]
}

func (f *fakeStreamer) request(i int) QueryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[i]
}

func initEvent(sessionID string) Event {
	return Event{Type: EventTypeSystem, Subtype: SubtypeInit, SessionID: sessionID}
}

func assistantEvent(apiID, text string, usage *Usage) Event {
	content, _ := json.Marshal([]map[string]string{{"type": "text", "text": text}})
	return Event{
		Type: EventTypeAssistant,
		Message: &StreamMessage{
			ID:      apiID,
			Role:    "assistant",
			Content: content,
			Usage:   usage,
		},
	}
}

func toolUseEvent(apiID, blockID, name string, input map[string]any) Event {
	content, _ := json.Marshal([]map[string]any{
		{"type": "tool_use", "id": blockID, "name": name, "input": input},
	})
	return Event{
		Type:    EventTypeAssistant,
		Message: &StreamMessage{ID: apiID, Role: "assistant", Content: content},
	}
}

func deltaEvent(text string) Event {
	return Event{
		Type:        "stream_event",
		StreamEvent: &RawStreamEvent{Type: "content_block_delta", Delta: &Delta{Type: "text_delta", Text: text}},
	}
}

func resultEvent(sessionID string, usage *Usage) Event {
	return Event{Type: EventTypeResult, SessionID: sessionID, Usage: usage}
}

func awaitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not settle in time")
	}
}

// eventually polls cond until true or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubmitRecordsAndDedups(t *testing.T) {
	f := newFakeStreamer()
	s := NewSession(f, t.TempDir(), "default-model", nil)

	done, err := s.Submit(context.Background(), "hello there", "prompt-1", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	q := f.query(0)
	q.feed(initEvent("sess-1"))
	q.feed(assistantEvent("api-1", "Hel", nil))
	q.feed(assistantEvent("api-1", "Hello!", nil))
	q.feed(assistantEvent("api-2", "Done.", &Usage{InputTokens: 400, CacheReadInputTokens: 100}))
	q.feed(resultEvent("sess-1", &Usage{InputTokens: 400, CacheReadInputTokens: 100, ContextWindow: 2000}))
	q.finish()
	awaitDone(t, done)

	if got := f.request(0); got.Model != "default-model" || got.SessionID != "" {
		t.Fatalf("unexpected first request: %+v", got)
	}

	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages (dedup by api id), got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].PromptID != "prompt-1" {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].APIMessageID != "api-1" || !strings.Contains(msgs[1].Content, "Hello!") {
		t.Fatalf("assistant message not updated in place: %+v", msgs[1])
	}
	if strings.Contains(msgs[1].Content, "Hel\"") {
		t.Fatalf("stale partial content survived: %s", msgs[1].Content)
	}
	if msgs[2].APIMessageID != "api-2" {
		t.Fatalf("unexpected third message: %+v", msgs[2])
	}
	if s.SessionID() != "sess-1" {
		t.Fatalf("session id = %q, want sess-1", s.SessionID())
	}
	if s.Streaming() {
		t.Fatal("session still marked streaming after settle")
	}

	usage := s.ContextUsage()
	if usage == nil {
		t.Fatal("expected context usage after result")
	}
	if usage.TotalTokens != 500 || usage.ContextWindow != 2000 {
		t.Fatalf("unexpected usage totals: %+v", usage)
	}
	if usage.UsedPercent != 25 || usage.RemainingPercent != 75 {
		t.Fatalf("unexpected usage percentages: %+v", usage)
	}
}

func TestContextUsageNilBeforeFirstResult(t *testing.T) {
	s := NewSession(newFakeStreamer(), t.TempDir(), "m", nil)
	if s.ContextUsage() != nil {
		t.Fatal("expected nil context usage before any exchange")
	}
}

func TestSubmitAwaitsPreviousExchange(t *testing.T) {
	f := newFakeStreamer()
	s := NewSession(f, t.TempDir(), "m", nil)

	done1, err := s.Submit(context.Background(), "first", "p1", "")
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	<-f.started

	secondDone := make(chan (<-chan struct{}), 1)
	go func() {
		d, err := s.Submit(context.Background(), "second", "p2", "")
		if err != nil {
			t.Errorf("second submit failed: %v", err)
		}
		secondDone <- d
	}()

	select {
	case <-f.started:
		t.Fatal("second exchange started while the first was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	f.query(0).finish()
	awaitDone(t, done1)

	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("second exchange never started")
	}
	f.query(1).finish()
	awaitDone(t, <-secondDone)

	if f.startCount() != 2 {
		t.Fatalf("expected 2 starts, got %d", f.startCount())
	}
}

func TestInterruptKeepsSessionID(t *testing.T) {
	f := newFakeStreamer()
	s := NewSession(f, t.TempDir(), "m", nil)

	done, err := s.Submit(context.Background(), "work on this", "p1", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	q := f.query(0)
	q.mu.Lock()
	q.closeOnInterrupt = true
	q.mu.Unlock()
	q.feed(initEvent("sess-42"))

	eventually(t, func() bool { return s.SessionID() == "sess-42" }, "init event not absorbed")

	s.Interrupt()
	awaitDone(t, done)

	if !q.wasInterrupted() {
		t.Fatal("query never saw the interrupt")
	}
	if s.SessionID() != "sess-42" {
		t.Fatalf("interrupt lost the session id: %q", s.SessionID())
	}

	done2, err := s.Submit(context.Background(), "try again", "p2", "")
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if got := f.request(1).SessionID; got != "sess-42" {
		t.Fatalf("resubmit did not resume session: %q", got)
	}
	f.query(1).finish()
	awaitDone(t, done2)
}

func TestStreamingBufferAndInterruptClearsIt(t *testing.T) {
	f := newFakeStreamer()
	s := NewSession(f, t.TempDir(), "m", nil)

	done, err := s.Submit(context.Background(), "stream please", "p1", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	q := f.query(0)
	q.feed(deltaEvent("par"))
	q.feed(deltaEvent("tial answer"))

	eventually(t, func() bool {
		msgs := s.Messages()
		last := msgs[len(msgs)-1]
		return last.IsStreaming && strings.Contains(last.Content, "partial answer")
	}, "synthetic streaming message never appeared")

	s.Interrupt()
	eventually(t, func() bool {
		msgs := s.Messages()
		return !msgs[len(msgs)-1].IsStreaming
	}, "interrupt did not clear the streaming buffer")

	q.finish()
	awaitDone(t, done)
}

func TestCompleteYieldSupersedesDeltas(t *testing.T) {
	f := newFakeStreamer()
	s := NewSession(f, t.TempDir(), "m", nil)

	done, err := s.Submit(context.Background(), "go", "p1", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	q := f.query(0)
	q.feed(deltaEvent("half of the ans"))
	eventually(t, func() bool {
		msgs := s.Messages()
		return msgs[len(msgs)-1].IsStreaming
	}, "delta buffer never surfaced")

	q.feed(assistantEvent("api-1", "half of the answer, whole", nil))
	eventually(t, func() bool {
		msgs := s.Messages()
		return !msgs[len(msgs)-1].IsStreaming && msgs[len(msgs)-1].APIMessageID == "api-1"
	}, "complete yield did not supersede the delta buffer")

	q.finish()
	awaitDone(t, done)
}

func TestResetArchivesConversation(t *testing.T) {
	f := newFakeStreamer()
	s := NewSession(f, t.TempDir(), "m", nil)

	done, err := s.Submit(context.Background(), "first conversation", "p1", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	q := f.query(0)
	q.feed(initEvent("sess-1"))
	q.feed(assistantEvent("api-1", "answer", nil))
	q.finish()
	awaitDone(t, done)

	s.Reset()

	if len(s.Messages()) != 0 {
		t.Fatalf("messages survived reset: %d", len(s.Messages()))
	}
	if s.SessionID() != "" {
		t.Fatalf("session id survived reset: %q", s.SessionID())
	}

	st := s.ExportState()
	if len(st.PastConversations) != 1 || len(st.PastConversations[0]) != 2 {
		t.Fatalf("expected one archived conversation with 2 messages, got %+v", st.PastConversations)
	}

	// Next submit starts a fresh vendor session.
	done2, err := s.Submit(context.Background(), "second conversation", "p2", "")
	if err != nil {
		t.Fatalf("submit after reset failed: %v", err)
	}
	if got := f.request(1).SessionID; got != "" {
		t.Fatalf("submit after reset resumed old session %q", got)
	}
	f.query(1).finish()
	awaitDone(t, done2)
}

func TestStateRoundTrip(t *testing.T) {
	f := newFakeStreamer()
	s := NewSession(f, t.TempDir(), "m", nil)

	done, err := s.Submit(context.Background(), "remember me", "p1", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	q := f.query(0)
	q.feed(initEvent("sess-7"))
	q.feed(assistantEvent("api-1", "original", nil))
	q.feed(resultEvent("sess-7", &Usage{InputTokens: 10, ContextWindow: 100}))
	q.finish()
	awaitDone(t, done)

	path := filepath.Join(t.TempDir(), "nested", "state.json")
	if err := s.SaveTo(path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}
	loaded, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadState returned nil for existing file")
	}

	f2 := newFakeStreamer()
	s2 := NewSession(f2, t.TempDir(), "m", nil)
	s2.RestoreState(loaded)

	if s2.SessionID() != "sess-7" {
		t.Fatalf("restored session id = %q", s2.SessionID())
	}
	msgs := s2.Messages()
	if len(msgs) != 2 || msgs[1].APIMessageID != "api-1" {
		t.Fatalf("restored messages wrong: %+v", msgs)
	}
	if s2.ContextUsage() == nil {
		t.Fatal("restored session lost context usage")
	}

	// The dedup index must survive the round trip: a new yield for a
	// known api id updates in place instead of appending.
	done2, err := s2.Submit(context.Background(), "continue", "p2", "")
	if err != nil {
		t.Fatalf("submit on restored session failed: %v", err)
	}
	q2 := f2.query(0)
	q2.feed(assistantEvent("api-1", "revised", nil))
	q2.finish()
	awaitDone(t, done2)

	msgs = s2.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after restored-session update, got %d", len(msgs))
	}
	if !strings.Contains(msgs[1].Content, "revised") {
		t.Fatalf("restored dedup index did not update in place: %s", msgs[1].Content)
	}
}

func TestLoadStateMissingFile(t *testing.T) {
	st, err := LoadState(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing state file should not error: %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil state, got %+v", st)
	}
}

func TestToolObserverFiresOncePerToolUse(t *testing.T) {
	f := newFakeStreamer()
	s := NewSession(f, t.TempDir(), "m", nil)

	var mu sync.Mutex
	var calls []string
	s.SetToolObserver(func(name string, input map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, name)
	})

	done, err := s.Submit(context.Background(), "edit a file", "p1", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	q := f.query(0)
	q.feed(toolUseEvent("api-1", "tu-1", "Edit", map[string]any{"file_path": "a.go"}))
	q.feed(toolUseEvent("api-1", "tu-1", "Edit", map[string]any{"file_path": "a.go"})) // re-yield
	q.feed(toolUseEvent("api-1", "tu-2", "Bash", map[string]any{"command": "go test"}))
	q.finish()
	awaitDone(t, done)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 || calls[0] != "Edit" || calls[1] != "Bash" {
		t.Fatalf("unexpected observer calls: %v", calls)
	}
}

func TestCompactionRecordedAsSystemMessage(t *testing.T) {
	f := newFakeStreamer()
	s := NewSession(f, t.TempDir(), "m", nil)

	done, err := s.Submit(context.Background(), "long task", "p1", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	q := f.query(0)
	q.feed(Event{
		Type:            EventTypeSystem,
		Subtype:         SubtypeCompactBoundary,
		CompactMetadata: &CompactMetadata{Trigger: "auto", PreTokens: 150000},
	})
	q.finish()
	awaitDone(t, done)

	comps := s.Compactions()
	if len(comps) != 1 || comps[0].Trigger != "auto" || comps[0].PreTokens != 150000 {
		t.Fatalf("unexpected compactions: %+v", comps)
	}
	msgs := s.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != RoleSystem || !strings.Contains(last.Content, "150000") {
		t.Fatalf("compaction system message missing: %+v", last)
	}
}

func TestPromptAccessors(t *testing.T) {
	f := newFakeStreamer()
	s := NewSession(f, t.TempDir(), "m", nil)

	for i, text := range []string{"first task", "second task"} {
		done, err := s.Submit(context.Background(), text, "", "")
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		q := f.query(i)
		q.feed(assistantEvent("api-"+text, "ok: "+text, nil))
		q.finish()
		awaitDone(t, done)
	}

	if got := s.LastPrompt(); got != "second task" {
		t.Fatalf("LastPrompt = %q", got)
	}
	if got := s.AllPrompts(); len(got) != 2 || got[0] != "first task" {
		t.Fatalf("AllPrompts = %v", got)
	}
	tr := s.Transcript()
	if !strings.Contains(tr, "user: first task") || !strings.Contains(tr, "assistant: ok: second task") {
		t.Fatalf("transcript missing entries:\n%s", tr)
	}
}

func TestMessagesSince(t *testing.T) {
	f := newFakeStreamer()
	s := NewSession(f, t.TempDir(), "m", nil)

	done, err := s.Submit(context.Background(), "one", "p1", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	f.query(0).feed(assistantEvent("api-1", "first", nil))
	f.query(0).finish()
	awaitDone(t, done)

	cut := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)

	done, err = s.Submit(context.Background(), "two", "p2", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	f.query(1).feed(assistantEvent("api-2", "second", nil))
	f.query(1).finish()
	awaitDone(t, done)

	recent := s.MessagesSince(cut)
	if len(recent) != 2 {
		t.Fatalf("expected 2 messages after cutoff, got %d", len(recent))
	}
	for _, m := range recent {
		if !m.UpdatedAt.After(cut) {
			t.Fatalf("message not after cutoff: %+v", m)
		}
	}
	if len(s.MessagesSince(time.Time{})) != 4 {
		t.Fatal("zero cutoff should return everything")
	}
}

func TestGenerateOnce(t *testing.T) {
	f := newFakeStreamer()
	go func() {
		<-f.started
		q := f.query(0)
		q.feed(assistantEvent("api-1", "feat: add parser", nil))
		q.feed(Event{Type: EventTypeResult, Result: "feat: add parser\n"})
		q.finish()
	}()

	got, err := GenerateOnce(context.Background(), f, t.TempDir(), "small-model", "name this commit")
	if err != nil {
		t.Fatalf("GenerateOnce failed: %v", err)
	}
	if got != "feat: add parser" {
		t.Fatalf("GenerateOnce = %q", got)
	}
	if f.request(0).Model != "small-model" {
		t.Fatalf("model not forwarded: %+v", f.request(0))
	}
}

func TestGenerateOnceErrorResult(t *testing.T) {
	f := newFakeStreamer()
	go func() {
		<-f.started
		q := f.query(0)
		q.feed(Event{Type: EventTypeResult, IsError: true, Result: "overloaded"})
		q.finish()
	}()

	if _, err := GenerateOnce(context.Background(), f, t.TempDir(), "m", "p"); err == nil {
		t.Fatal("expected error for is_error result")
	}
}

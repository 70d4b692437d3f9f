package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/config"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/assistant"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/automation"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/setup"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/secretbox"
)

const (
	testSecret  = "test-master-secret"
	testAgentID = "agent-under-test"
)

type fakeQuery struct {
	events           chan assistant.Event
	once             sync.Once
	mu               sync.Mutex
	interrupted      bool
	closeOnInterrupt bool
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{events: make(chan assistant.Event, 64)}
}

func (q *fakeQuery) Events() <-chan assistant.Event { return q.events }

func (q *fakeQuery) Interrupt() {
	q.mu.Lock()
	q.interrupted = true
	closeNow := q.closeOnInterrupt
	q.mu.Unlock()
	if closeNow {
		q.finish()
	}
}

func (q *fakeQuery) feed(ev assistant.Event) { q.events <- ev }

func (q *fakeQuery) finish() {
	q.once.Do(func() { close(q.events) })
}

func (q *fakeQuery) wasInterrupted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interrupted
}

type fakeStreamer struct {
	mu       sync.Mutex
	startErr error
	starts   []assistant.QueryRequest
	queries  []*fakeQuery
	started  chan struct{}
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{started: make(chan struct{}, 16)}
}

func (f *fakeStreamer) Start(_ context.Context, req assistant.QueryRequest) (assistant.Query, error) {
	f.mu.Lock()
	if f.startErr != nil {
		err := f.startErr
		f.mu.Unlock()
		return nil, err
	}
	q := newFakeQuery()
	f.starts = append(f.starts, req)
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	f.started <- struct{}{}
	return q, nil
}

func (f *fakeStreamer) failStarts(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
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

func (f *fakeStreamer) request(i int) assistant.QueryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[i]
}

func assistantEvent(apiID, text string) assistant.Event {
	content, _ := json.Marshal([]map[string]string{{"type": "text", "text": text}})
	return assistant.Event{
		Type:    assistant.EventTypeAssistant,
		Message: &assistant.StreamMessage{ID: apiID, Role: "assistant", Content: content},
	}
}

func toolUseEvent(apiID, blockID, name string, input map[string]any) assistant.Event {
	content, _ := json.Marshal([]map[string]any{
		{"type": "tool_use", "id": blockID, "name": name, "input": input},
	})
	return assistant.Event{
		Type:    assistant.EventTypeAssistant,
		Message: &assistant.StreamMessage{ID: apiID, Role: "assistant", Content: content},
	}
}

func resultEvent(text string) assistant.Event {
	return assistant.Event{Type: assistant.EventTypeResult, Result: text}
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func newTestServer(t *testing.T) (*Server, *fakeStreamer) {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{
		Port:             0,
		MachineSecret:    testSecret,
		Home:             home,
		ProjectDir:       filepath.Join(home, "project"),
		AutomationDir:    filepath.Join(t.TempDir(), "automations"),
		AssistantCommand: "claude",
		HelperModel:      "haiku",
		RestoreRoot:      t.TempDir(),
		ShellEnabled:     false,
		LogLevel:         "error",
		LogFormat:        "console",
	}
	f := newFakeStreamer()
	s := New(cfg, f, logger.Default())
	s.Start()
	t.Cleanup(s.Stop)
	return s, f
}

func testBox(t *testing.T) *secretbox.Box {
	t.Helper()
	box, err := secretbox.New(testSecret, testAgentID)
	if err != nil {
		t.Fatalf("derive box: %v", err)
	}
	return box
}

func postSealed(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	env, err := testBox(t).SealJSON(body)
	if err != nil {
		t.Fatalf("seal request: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("X-Agent-ID", testAgentID)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func getSealed(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Agent-ID", testAgentID)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// openSealed decrypts an envelope response into out.
func openSealed(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env secretbox.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil || env.Encrypted == "" {
		t.Fatalf("response is not an envelope: %s", w.Body.String())
	}
	if err := testBox(t).OpenJSON(&env, out); err != nil {
		t.Fatalf("open response: %v", err)
	}
}

func sealedErr(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e types.ErrorResponse
	openSealed(t, w, &e)
	return e.Error
}

// startLocal runs /start in local mode, defaulting to a fresh scratch
// tree, and returns the decrypted response.
func startLocal(t *testing.T, s *Server, req types.StartRequest) types.StartResponse {
	t.Helper()
	if req.SetupMode == "" {
		req.SetupMode = types.SetupModeLocal
	}
	if req.ProjectDir == "" {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		req.ProjectDir = dir
	}
	w := postSealed(t, s, "/start", req)
	if w.Code != http.StatusOK {
		t.Fatalf("start: status %d, body %s", w.Code, w.Body.String())
	}
	var resp types.StartResponse
	openSealed(t, w, &resp)
	if resp.Status != "started" {
		t.Fatalf("start status = %q", resp.Status)
	}
	return resp
}

func claudeState(t *testing.T, s *Server) types.StateResponse {
	t.Helper()
	w := postSealed(t, s, "/claudeState", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("claudeState: status %d", w.Code)
	}
	var st types.StateResponse
	openSealed(t, w, &st)
	return st
}

func awaitQueryStart(t *testing.T, f *fakeStreamer) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("assistant query never started")
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
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHealthPlaintext(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp types.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("health is not plaintext JSON: %v", err)
	}
	if resp.Status != "ok" || resp.Version == "" {
		t.Fatalf("unexpected health body: %+v", resp)
	}
}

func TestEnvelopeMissingHeader(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/claudeState", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("rejection must be plaintext: %v", err)
	}
	if !strings.Contains(e.Error, "X-Agent-ID") {
		t.Fatalf("error does not name the header: %q", e.Error)
	}
}

func TestEnvelopeMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/claudeState", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("X-Agent-ID", testAgentID)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("rejection must be plaintext: %v", err)
	}
	if !strings.Contains(e.Error, "missing encrypted envelope") {
		t.Fatalf("unexpected error: %q", e.Error)
	}
}

func TestEnvelopeWrongKey(t *testing.T) {
	s, _ := newTestServer(t)

	// Sealed under a different agent's key than the header names.
	wrongBox, err := secretbox.New(testSecret, "some-other-agent")
	if err != nil {
		t.Fatalf("derive box: %v", err)
	}
	env, err := wrongBox.SealJSON(map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/claudeState", bytes.NewReader(raw))
	req.Header.Set("X-Agent-ID", testAgentID)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("rejection must be plaintext: %v", err)
	}
	if !strings.Contains(e.Error, "failed to decrypt") {
		t.Fatalf("unexpected error: %q", e.Error)
	}
}

func TestStartUnknownMode(t *testing.T) {
	s, _ := newTestServer(t)

	w := postSealed(t, s, "/start", map[string]string{"setupMode": "carrier-pigeon"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if msg := sealedErr(t, w); !strings.Contains(msg, "unknown setup mode") {
		t.Fatalf("unexpected error: %q", msg)
	}
}

func TestStartSetupFailure(t *testing.T) {
	s, _ := newTestServer(t)

	w := postSealed(t, s, "/start", types.StartRequest{
		SetupMode:  types.SetupModeLocal,
		ProjectDir: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if msg := sealedErr(t, w); !strings.Contains(msg, "local project dir unusable") {
		t.Fatalf("unexpected error: %q", msg)
	}

	// A failed start leaves the server startable.
	startLocal(t, s, types.StartRequest{})
}

func TestStartIdempotent(t *testing.T) {
	s, _ := newTestServer(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := startLocal(t, s, types.StartRequest{ProjectDir: dir})
	if first.GitInfoStatus != "unavailable" {
		t.Fatalf("plain dir should report git unavailable, got %q", first.GitInfoStatus)
	}
	if first.GitInfoError == "" {
		t.Fatal("expected gitInfoError for a plain dir")
	}

	// The retry protocol replays the original response.
	second := startLocal(t, s, types.StartRequest{ProjectDir: dir})
	if second != first {
		t.Fatalf("repeat start diverged: %+v vs %+v", second, first)
	}

	if st := claudeState(t, s); !st.IsReady {
		t.Fatalf("expected ready state after start, got %+v", st)
	}
}

func TestStartWithInitialPrompt(t *testing.T) {
	s, f := newTestServer(t)

	startLocal(t, s, types.StartRequest{InitialPrompt: "set the project up"})

	awaitQueryStart(t, f)
	if st := claudeState(t, s); st.IsReady {
		t.Fatal("ready while the initial prompt is in flight")
	}

	q := f.query(0)
	q.feed(assistantEvent("api-1", "done"))
	q.finish()

	eventually(t, func() bool { return claudeState(t, s).IsReady }, "never settled after initial prompt")

	var msgs types.MessagesResponse
	openSealed(t, getSealed(t, s, "/messages"), &msgs)
	if len(msgs.Messages) != 2 || !strings.Contains(msgs.Messages[0].Content, "set the project up") {
		t.Fatalf("unexpected messages: %+v", msgs.Messages)
	}
}

func TestClaudeStateBeforeStart(t *testing.T) {
	s, _ := newTestServer(t)

	st := claudeState(t, s)
	if st.IsReady {
		t.Fatal("ready before start")
	}
	if st.BlockingAutomationIDs == nil {
		t.Fatal("blocking ids must not be nil")
	}

	// On the wire the ids must serialize as [], not null.
	w := postSealed(t, s, "/claudeState", nil)
	var env secretbox.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	raw, err := testBox(t).Open(env.Encrypted)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !strings.Contains(string(raw), `"blockingAutomationIds":[]`) {
		t.Fatalf("ids serialized wrong: %s", raw)
	}

	var msgs types.MessagesResponse
	openSealed(t, getSealed(t, s, "/messages"), &msgs)
	if len(msgs.Messages) != 0 {
		t.Fatalf("messages before start: %+v", msgs.Messages)
	}
}

func TestPromptLifecycle(t *testing.T) {
	s, f := newTestServer(t)
	startLocal(t, s, types.StartRequest{})

	w := postSealed(t, s, "/prompt", types.PromptRequest{Text: "add a parser", PromptID: "p-1"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var ack types.PromptResponse
	openSealed(t, w, &ack)
	if ack.Status != "queued" || ack.PromptID != "p-1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	awaitQueryStart(t, f)
	if st := claudeState(t, s); st.IsReady {
		t.Fatal("ready while a prompt is streaming")
	}

	cut := time.Now().UTC()
	q := f.query(0)
	q.feed(assistantEvent("api-1", "parser added"))
	q.feed(resultEvent(""))
	q.finish()

	eventually(t, func() bool { return claudeState(t, s).IsReady }, "prompt never settled")

	var msgs types.MessagesResponse
	openSealed(t, getSealed(t, s, "/messages"), &msgs)
	if len(msgs.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs.Messages))
	}
	if msgs.Messages[0].Role != "user" || msgs.Messages[0].PromptID != "p-1" {
		t.Fatalf("unexpected user message: %+v", msgs.Messages[0])
	}
	if !strings.Contains(msgs.Messages[1].Content, "parser added") {
		t.Fatalf("unexpected assistant message: %+v", msgs.Messages[1])
	}

	// Delta poll: only the assistant reply moved after the cutoff.
	path := "/messages?updatedAfter=" + url.QueryEscape(cut.Format(time.RFC3339Nano))
	var delta types.MessagesResponse
	openSealed(t, getSealed(t, s, path), &delta)
	for _, m := range delta.Messages {
		if !m.UpdatedAt.After(cut) {
			t.Fatalf("delta returned a stale message: %+v", m)
		}
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)
	var none types.MessagesResponse
	openSealed(t, getSealed(t, s, "/messages?updatedAfter="+url.QueryEscape(future)), &none)
	if len(none.Messages) != 0 {
		t.Fatalf("future cutoff returned messages: %+v", none.Messages)
	}

	bad := getSealed(t, s, "/messages?updatedAfter=yesterday")
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad timestamp: status = %d, want 400", bad.Code)
	}
}

func TestPromptRejections(t *testing.T) {
	s, _ := newTestServer(t)

	w := postSealed(t, s, "/prompt", types.PromptRequest{Text: "hi"})
	if w.Code != http.StatusConflict {
		t.Fatalf("before start: status = %d, want 409", w.Code)
	}

	startLocal(t, s, types.StartRequest{})

	w = postSealed(t, s, "/prompt", types.PromptRequest{Text: "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank text: status = %d, want 400", w.Code)
	}

	s.BeginDrain()
	w = postSealed(t, s, "/prompt", types.PromptRequest{Text: "hi"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining: status = %d, want 503", w.Code)
	}
	if msg := sealedErr(t, w); !strings.Contains(msg, "draining") {
		t.Fatalf("unexpected error: %q", msg)
	}
}

func TestPromptWaitsForBlockingAutomation(t *testing.T) {
	requireBash(t)
	s, f := newTestServer(t)

	startLocal(t, s, types.StartRequest{
		Automations: []types.AutomationSpec{{
			ID:             "gate",
			Name:           "gate",
			Trigger:        types.TriggerSpec{Type: automation.TriggerAgentReady},
			ScriptLanguage: automation.LangBash,
			ScriptContent:  "sleep 0.6",
			Blocking:       true,
		}},
	})

	w := postSealed(t, s, "/execute-automations", types.ExecuteAutomationsRequest{
		Events: []types.AutomationEvent{{Type: automation.TriggerAgentReady}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("execute-automations: status = %d", w.Code)
	}

	st := claudeState(t, s)
	if !st.HasBlockingAutomation || st.IsReady {
		t.Fatalf("blocking automation not reflected: %+v", st)
	}
	if len(st.BlockingAutomationIDs) != 1 || st.BlockingAutomationIDs[0] != "gate" {
		t.Fatalf("unexpected blocking ids: %v", st.BlockingAutomationIDs)
	}

	w = postSealed(t, s, "/prompt", types.PromptRequest{Text: "work"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("prompt: status = %d", w.Code)
	}

	// The prompt must hold until the automation exits.
	time.Sleep(150 * time.Millisecond)
	if f.startCount() != 0 {
		t.Fatal("prompt reached the assistant while a blocking automation ran")
	}

	awaitQueryStart(t, f)
	q := f.query(0)
	q.feed(assistantEvent("api-1", "done"))
	q.finish()

	eventually(t, func() bool { return claudeState(t, s).IsReady }, "never settled after automation")
}

func TestInterruptDropsQueuedPrompts(t *testing.T) {
	s, f := newTestServer(t)
	startLocal(t, s, types.StartRequest{})

	if w := postSealed(t, s, "/prompt", types.PromptRequest{Text: "first"}); w.Code != http.StatusAccepted {
		t.Fatalf("first prompt: status = %d", w.Code)
	}
	awaitQueryStart(t, f)

	// Queued behind the in-flight exchange.
	if w := postSealed(t, s, "/prompt", types.PromptRequest{Text: "second"}); w.Code != http.StatusAccepted {
		t.Fatalf("second prompt: status = %d", w.Code)
	}

	q := f.query(0)
	q.mu.Lock()
	q.closeOnInterrupt = true
	q.mu.Unlock()

	w := postSealed(t, s, "/interrupt", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("interrupt: status = %d", w.Code)
	}
	var ack types.StatusResponse
	openSealed(t, w, &ack)
	if ack.Status != "interrupted" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	if !q.wasInterrupted() {
		t.Fatal("active query never saw the interrupt")
	}
	eventually(t, func() bool { return claudeState(t, s).IsReady }, "never settled after interrupt")

	// The queued prompt must not surface later.
	time.Sleep(100 * time.Millisecond)
	if f.startCount() != 1 {
		t.Fatalf("dropped prompt still started: %d starts", f.startCount())
	}
}

func TestInterruptBeforeStart(t *testing.T) {
	s, _ := newTestServer(t)
	w := postSealed(t, s, "/interrupt", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAutomationEndpointsRequireStart(t *testing.T) {
	s, _ := newTestServer(t)

	if w := postSealed(t, s, "/execute-automations", types.ExecuteAutomationsRequest{}); w.Code != http.StatusConflict {
		t.Fatalf("execute-automations: status = %d, want 409", w.Code)
	}
	if w := postSealed(t, s, "/trigger-manual-automation", types.TriggerManualAutomationRequest{AutomationID: "x"}); w.Code != http.StatusConflict {
		t.Fatalf("trigger-manual: status = %d, want 409", w.Code)
	}
	// Validation runs before the engine check.
	if w := postSealed(t, s, "/stop-automation", types.StopAutomationRequest{}); w.Code != http.StatusBadRequest {
		t.Fatalf("stop without id: status = %d, want 400", w.Code)
	}
}

func TestManualAutomation(t *testing.T) {
	requireBash(t)
	s, _ := newTestServer(t)

	marker := filepath.Join(t.TempDir(), "ran.txt")
	startLocal(t, s, types.StartRequest{
		Automations: []types.AutomationSpec{{
			ID:             "touch",
			Name:           "touch-marker",
			Trigger:        types.TriggerSpec{Type: automation.TriggerManual},
			ScriptLanguage: automation.LangBash,
			ScriptContent:  fmt.Sprintf("echo done > %q", marker),
		}},
	})

	w := postSealed(t, s, "/trigger-manual-automation", types.TriggerManualAutomationRequest{AutomationID: "touch"})
	if w.Code != http.StatusOK {
		t.Fatalf("trigger: status = %d, body %s", w.Code, w.Body.String())
	}
	eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, "manual automation never ran")

	if w := postSealed(t, s, "/trigger-manual-automation", types.TriggerManualAutomationRequest{AutomationID: "ghost"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown automation: status = %d, want 404", w.Code)
	}
	if w := postSealed(t, s, "/trigger-manual-automation", types.TriggerManualAutomationRequest{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing selector: status = %d, want 400", w.Code)
	}
	if w := postSealed(t, s, "/stop-automation", types.StopAutomationRequest{AutomationID: "touch"}); w.Code != http.StatusOK {
		t.Fatalf("stop: status = %d", w.Code)
	}
}

func TestAutomationEventsDrain(t *testing.T) {
	requireBash(t)
	s, _ := newTestServer(t)
	startLocal(t, s, types.StartRequest{
		Automations: []types.AutomationSpec{{
			ID:             "echoer",
			Name:           "echoer",
			Trigger:        types.TriggerSpec{Type: automation.TriggerManual},
			ScriptLanguage: automation.LangBash,
			ScriptContent:  "echo drained output",
			FeedOutput:     true,
		}},
	})

	// Empty drain serializes events as [], never null.
	w := postSealed(t, s, "/automation-events", nil)
	var env secretbox.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	raw, err := testBox(t).Open(env.Encrypted)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !strings.Contains(string(raw), `"events":[]`) {
		t.Fatalf("empty drain serialized wrong: %s", raw)
	}

	if w := postSealed(t, s, "/trigger-manual-automation", types.TriggerManualAutomationRequest{AutomationID: "echoer"}); w.Code != http.StatusOK {
		t.Fatalf("trigger: status = %d", w.Code)
	}

	var drained []types.AutomationRunEvent
	eventually(t, func() bool {
		var resp types.AutomationEventsResponse
		openSealed(t, postSealed(t, s, "/automation-events", nil), &resp)
		drained = append(drained, resp.Events...)
		for _, ev := range drained {
			if ev.AutomationID == "echoer" && ev.Status == "finished" {
				return true
			}
		}
		return false
	}, "finished event never drained")

	for _, ev := range drained {
		if ev.Status == "finished" && !strings.Contains(ev.Output, "drained output") {
			t.Fatalf("finished event lost output: %+v", ev)
		}
	}
}

func TestAgentControlActions(t *testing.T) {
	s, _ := newTestServer(t)

	if err := s.QueuePrompt("early"); err == nil {
		t.Fatal("queue before start must fail")
	}

	startLocal(t, s, types.StartRequest{})
	if err := s.QueuePrompt("   "); err == nil {
		t.Fatal("blank prompt must fail")
	}
	if err := s.QueuePrompt("follow up on the tests"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.StopAgent(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var resp types.AutomationEventsResponse
	openSealed(t, postSealed(t, s, "/automation-events", nil), &resp)
	if len(resp.Actions) != 2 {
		t.Fatalf("len(actions) = %d, want 2: %+v", len(resp.Actions), resp.Actions)
	}
	if resp.Actions[0].Type != types.ActionQueuePrompt || resp.Actions[0].Payload != "follow up on the tests" {
		t.Fatalf("unexpected first action: %+v", resp.Actions[0])
	}
	if resp.Actions[1].Type != types.ActionStopAgent {
		t.Fatalf("unexpected second action: %+v", resp.Actions[1])
	}

	if out, ok := s.AutomationOutput("ghost"); ok || out != "" {
		t.Fatalf("output for unknown automation: %q, %v", out, ok)
	}
}

func TestToolUseFiresAutomation(t *testing.T) {
	requireBash(t)
	s, f := newTestServer(t)

	marker := filepath.Join(t.TempDir(), "edited.txt")
	startLocal(t, s, types.StartRequest{
		Automations: []types.AutomationSpec{{
			ID:             "fmt",
			Name:           "fmt-on-edit",
			Trigger:        types.TriggerSpec{Type: automation.TriggerAfterEditFiles, Glob: "*.go"},
			ScriptLanguage: automation.LangBash,
			ScriptContent:  fmt.Sprintf("echo \"$INPUT_FILE_PATH\" > %q", marker),
		}},
	})

	if w := postSealed(t, s, "/prompt", types.PromptRequest{Text: "edit main.go"}); w.Code != http.StatusAccepted {
		t.Fatalf("prompt: status = %d", w.Code)
	}
	awaitQueryStart(t, f)
	q := f.query(0)
	q.feed(toolUseEvent("api-1", "tu-1", "Edit", map[string]any{"file_path": "cmd/main.go"}))
	q.finish()

	eventually(t, func() bool {
		raw, err := os.ReadFile(marker)
		return err == nil && strings.Contains(string(raw), "cmd/main.go")
	}, "edit automation never ran")
}

// newServerRepo seeds a git repository and points the server's start at it.
func newServerRepo(t *testing.T, s *Server) (*setup.Repo, types.StartResponse) {
	t.Helper()
	requireGit(t)
	ctx := context.Background()

	dir := t.TempDir()
	repo := setup.OpenRepo(dir, logger.Default())
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := repo.SetIdentity(ctx, "tester", "tester@example.com"); err != nil {
		t.Fatalf("identity: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := repo.Commit(ctx, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := startLocal(t, s, types.StartRequest{ProjectDir: dir})
	if resp.GitInfoStatus != "ok" {
		t.Fatalf("gitInfoStatus = %q", resp.GitInfoStatus)
	}
	if resp.StartCommitSha == "" {
		t.Fatal("expected start commit sha")
	}
	return repo, resp
}

func TestGitCommitAndHistory(t *testing.T) {
	s, _ := newTestServer(t)
	repo, started := newServerRepo(t, s)

	if err := os.WriteFile(filepath.Join(repo.Dir(), "parser.go"), []byte("package main\n\nfunc parse() {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w := postSealed(t, s, "/git-commit", types.CommitRequest{Message: "add parser"})
	if w.Code != http.StatusOK {
		t.Fatalf("commit: status = %d, body %s", w.Code, w.Body.String())
	}
	var commit types.CommitResponse
	openSealed(t, w, &commit)
	if commit.NothingToCommit || commit.Sha == "" || commit.Message != "add parser" {
		t.Fatalf("unexpected commit: %+v", commit)
	}
	if commit.Sha == started.StartCommitSha {
		t.Fatal("commit sha did not advance")
	}

	// Clean tree: explicit message avoids the generator, nothing to commit.
	var noop types.CommitResponse
	openSealed(t, postSealed(t, s, "/git-commit", types.CommitRequest{Message: "noop"}), &noop)
	if !noop.NothingToCommit {
		t.Fatalf("expected nothingToCommit: %+v", noop)
	}

	var last types.LastCommitResponse
	openSealed(t, postSealed(t, s, "/git-last-commit", nil), &last)
	if last.Sha != commit.Sha || last.Message != "add parser" {
		t.Fatalf("unexpected last commit: %+v", last)
	}

	// History is everything ahead of the start commit.
	var hist types.HistoryResponse
	openSealed(t, postSealed(t, s, "/git-history", nil), &hist)
	if len(hist.Commits) != 1 || hist.Commits[0].Sha != commit.Sha {
		t.Fatalf("unexpected history: %+v", hist.Commits)
	}
}

func TestGitPush(t *testing.T) {
	s, _ := newTestServer(t)
	repo, _ := newServerRepo(t, s)
	ctx := context.Background()

	bare := filepath.Join(t.TempDir(), "origin.git")
	if out, err := exec.Command("git", "init", "--bare", bare).CombinedOutput(); err != nil {
		t.Fatalf("init bare: %v: %s", err, out)
	}
	if err := repo.SetRemote(ctx, bare); err != nil {
		t.Fatalf("set remote: %v", err)
	}

	if err := os.WriteFile(filepath.Join(repo.Dir(), "pushed.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var commit types.CommitResponse
	openSealed(t, postSealed(t, s, "/git-commit", types.CommitRequest{Message: "to push"}), &commit)

	w := postSealed(t, s, "/git-push", types.PushRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("push: status = %d, body %s", w.Code, w.Body.String())
	}
	var push types.PushResponse
	openSealed(t, w, &push)
	if !push.Pushed || push.CommitSha != commit.Sha {
		t.Fatalf("unexpected push: %+v", push)
	}

	branch, err := repo.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	out, err := exec.Command("git", "--git-dir", bare, "rev-parse", branch).CombinedOutput()
	if err != nil {
		t.Fatalf("rev-parse on remote: %v: %s", err, out)
	}
	if got := strings.TrimSpace(string(out)); got != commit.Sha {
		t.Fatalf("remote head = %q, want %q", got, commit.Sha)
	}
}

func TestGitEndpointsRequireRepo(t *testing.T) {
	s, _ := newTestServer(t)

	if w := postSealed(t, s, "/git-commit", types.CommitRequest{Message: "m"}); w.Code != http.StatusConflict {
		t.Fatalf("before start: status = %d, want 409", w.Code)
	}

	startLocal(t, s, types.StartRequest{})
	w := postSealed(t, s, "/git-commit", types.CommitRequest{Message: "m"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("non-repo tree: status = %d, want 400", w.Code)
	}
	if msg := sealedErr(t, w); !strings.Contains(msg, "not a git repository") {
		t.Fatalf("unexpected error: %q", msg)
	}
}

func TestGenerateCommitNameFallback(t *testing.T) {
	s, f := newTestServer(t)
	f.failStarts(errors.New("spawn failed"))

	w := postSealed(t, s, "/generate-commit-name", types.GenerateCommitNameRequest{Diff: "+func A()"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp types.GenerateCommitNameResponse
	openSealed(t, w, &resp)
	if !strings.HasPrefix(resp.Name, "Agent work ") {
		t.Fatalf("fallback name = %q", resp.Name)
	}
}

func TestGenerateCommitNameFromModel(t *testing.T) {
	s, f := newTestServer(t)

	go func() {
		<-f.started
		q := f.query(0)
		q.feed(resultEvent("feat: add parser\n"))
		q.finish()
	}()

	w := postSealed(t, s, "/generate-commit-name", types.GenerateCommitNameRequest{
		Diff:    "+func parse() {}",
		Prompts: []string{"add a parser"},
	})
	var resp types.GenerateCommitNameResponse
	openSealed(t, w, &resp)
	if resp.Name != "feat: add parser" {
		t.Fatalf("name = %q", resp.Name)
	}
	if f.request(0).Model != "haiku" {
		t.Fatalf("helper model not forwarded: %+v", f.request(0))
	}
}

func TestGenerateTaskSummaryFallback(t *testing.T) {
	s, f := newTestServer(t)
	f.failStarts(errors.New("spawn failed"))

	w := postSealed(t, s, "/generate-task-summary", types.GenerateTaskSummaryRequest{
		Prompts: []string{"   ", "Fix the flaky watcher test"},
	})
	var resp types.GenerateTaskSummaryResponse
	openSealed(t, w, &resp)
	if resp.Summary != "Fix the flaky watcher test" {
		t.Fatalf("summary = %q", resp.Summary)
	}

	var empty types.GenerateTaskSummaryResponse
	openSealed(t, postSealed(t, s, "/generate-task-summary", nil), &empty)
	if empty.Summary != "Coding session" {
		t.Fatalf("empty summary = %q", empty.Summary)
	}
}

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
)

func TestPromptQueueOrder(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i, text := range []string{"first", "second", "third"} {
		prompt := &models.AgentPrompt{
			AgentID:   "agent-1",
			Text:      text,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.CreatePrompt(ctx, prompt); err != nil {
			t.Fatalf("CreatePrompt failed: %v", err)
		}
	}

	next, err := repo.NextQueuedPrompt(ctx, "agent-1")
	if err != nil {
		t.Fatalf("NextQueuedPrompt failed: %v", err)
	}
	if next == nil || next.Text != "first" {
		t.Fatalf("expected oldest prompt first, got %+v", next)
	}

	if err := repo.UpdatePromptStatus(ctx, next.ID, models.PromptStatusActive); err != nil {
		t.Fatalf("UpdatePromptStatus failed: %v", err)
	}
	active, err := repo.ActivePrompt(ctx, "agent-1")
	if err != nil {
		t.Fatalf("ActivePrompt failed: %v", err)
	}
	if active == nil || active.ID != next.ID {
		t.Fatalf("expected active prompt, got %+v", active)
	}

	// The queue keeps serving in FIFO order as prompts complete.
	if err := repo.UpdatePromptStatus(ctx, next.ID, models.PromptStatusDone); err != nil {
		t.Fatalf("UpdatePromptStatus failed: %v", err)
	}
	next, err = repo.NextQueuedPrompt(ctx, "agent-1")
	if err != nil {
		t.Fatalf("NextQueuedPrompt failed: %v", err)
	}
	if next == nil || next.Text != "second" {
		t.Fatalf("expected second prompt, got %+v", next)
	}
}

func TestNextQueuedPromptEmpty(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()

	next, err := repo.NextQueuedPrompt(context.Background(), "agent-none")
	if err != nil {
		t.Fatalf("NextQueuedPrompt failed: %v", err)
	}
	if next != nil {
		t.Errorf("expected nil for empty queue, got %+v", next)
	}
}

func TestFailPendingPrompts(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	active := &models.AgentPrompt{AgentID: "agent-1", Text: "running", Status: models.PromptStatusActive}
	queued := &models.AgentPrompt{AgentID: "agent-1", Text: "waiting"}
	done := &models.AgentPrompt{AgentID: "agent-1", Text: "finished", Status: models.PromptStatusDone}
	for _, prompt := range []*models.AgentPrompt{active, queued, done} {
		if err := repo.CreatePrompt(ctx, prompt); err != nil {
			t.Fatalf("CreatePrompt failed: %v", err)
		}
	}

	failed, err := repo.FailPendingPrompts(ctx, "agent-1")
	if err != nil {
		t.Fatalf("FailPendingPrompts failed: %v", err)
	}
	if failed != 2 {
		t.Errorf("expected 2 prompts failed, got %d", failed)
	}

	prompts, _ := repo.ListPrompts(ctx, "agent-1")
	for _, prompt := range prompts {
		switch prompt.Text {
		case "running", "waiting":
			if prompt.Status != models.PromptStatusFailed {
				t.Errorf("prompt %q should be failed, got %s", prompt.Text, prompt.Status)
			}
		case "finished":
			if prompt.Status != models.PromptStatusDone {
				t.Errorf("done prompt must not be touched, got %s", prompt.Status)
			}
		}
	}
}

func TestCopyPrompts(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	var sourceIDs []string
	for i, text := range []string{"one", "two"} {
		prompt := &models.AgentPrompt{
			AgentID:   "agent-src",
			Text:      text,
			Status:    models.PromptStatusDone,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.CreatePrompt(ctx, prompt); err != nil {
			t.Fatalf("CreatePrompt failed: %v", err)
		}
		sourceIDs = append(sourceIDs, prompt.ID)
	}

	idMap, err := repo.CopyPrompts(ctx, "agent-src", "agent-dst")
	if err != nil {
		t.Fatalf("CopyPrompts failed: %v", err)
	}
	if len(idMap) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(idMap))
	}
	for _, sourceID := range sourceIDs {
		newID, ok := idMap[sourceID]
		if !ok {
			t.Errorf("missing mapping for %s", sourceID)
		}
		if newID == sourceID {
			t.Error("copied prompt must get a fresh id")
		}
	}

	copied, err := repo.ListPrompts(ctx, "agent-dst")
	if err != nil {
		t.Fatalf("ListPrompts failed: %v", err)
	}
	if len(copied) != 2 || copied[0].Text != "one" || copied[1].Text != "two" {
		t.Errorf("copied prompts out of order: %+v", copied)
	}
	if copied[0].Status != models.PromptStatusDone {
		t.Errorf("status not preserved: %s", copied[0].Status)
	}
}

func TestUpsertMessageDedup(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	message := &models.AgentMessage{
		AgentID:      "agent-1",
		APIMessageID: "msg_01",
		Role:         models.MessageRoleAssistant,
		Content:      `[{"type":"text","text":"partial"}]`,
	}
	if err := repo.UpsertMessage(ctx, message); err != nil {
		t.Fatalf("UpsertMessage failed: %v", err)
	}

	// The stream re-yields the same api id with grown content.
	grown := &models.AgentMessage{
		AgentID:      "agent-1",
		APIMessageID: "msg_01",
		Role:         models.MessageRoleAssistant,
		Content:      `[{"type":"text","text":"partial plus more"}]`,
	}
	if err := repo.UpsertMessage(ctx, grown); err != nil {
		t.Fatalf("UpsertMessage failed: %v", err)
	}

	messages, err := repo.ListMessages(ctx, "agent-1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected dedup to a single row, got %d", len(messages))
	}
	if messages[0].Content != grown.Content {
		t.Errorf("content not updated in place: %s", messages[0].Content)
	}

	// A different agent with the same api id is a separate row.
	other := &models.AgentMessage{
		AgentID:      "agent-2",
		APIMessageID: "msg_01",
		Role:         models.MessageRoleAssistant,
		Content:      `[]`,
	}
	if err := repo.UpsertMessage(ctx, other); err != nil {
		t.Fatalf("UpsertMessage failed: %v", err)
	}
	otherMessages, _ := repo.ListMessages(ctx, "agent-2")
	if len(otherMessages) != 1 {
		t.Errorf("expected agent-scoped dedup, got %d rows", len(otherMessages))
	}
}

func TestBulkUpsertMessages(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	batch := []*models.AgentMessage{
		{AgentID: "agent-1", APIMessageID: "msg_01", Role: models.MessageRoleUser, Content: `[{"type":"text","text":"hi"}]`},
		{AgentID: "agent-1", APIMessageID: "msg_02", Role: models.MessageRoleAssistant, Content: `[]`},
		{AgentID: "agent-1", APIMessageID: "msg_02", Role: models.MessageRoleAssistant, Content: `[{"type":"text","text":"done"}]`},
	}
	if err := repo.BulkUpsertMessages(ctx, batch); err != nil {
		t.Fatalf("BulkUpsertMessages failed: %v", err)
	}

	messages, err := repo.ListMessages(ctx, "agent-1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 rows after in-batch dedup, got %d", len(messages))
	}
}

func TestCopyMessagesRemapsPrompts(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	promptID := "prompt-src"
	orphanPromptID := "prompt-gone"
	base := time.Now().UTC().Add(-time.Minute)
	messages := []*models.AgentMessage{
		{AgentID: "agent-src", APIMessageID: "msg_01", PromptID: &promptID, Role: models.MessageRoleUser, Content: `[]`, CreatedAt: base},
		{AgentID: "agent-src", APIMessageID: "msg_02", PromptID: &orphanPromptID, Role: models.MessageRoleAssistant, Content: `[]`, CreatedAt: base.Add(time.Second)},
	}
	if err := repo.BulkUpsertMessages(ctx, messages); err != nil {
		t.Fatalf("BulkUpsertMessages failed: %v", err)
	}

	err := repo.CopyMessages(ctx, "agent-src", "agent-dst", map[string]string{promptID: "prompt-dst"})
	if err != nil {
		t.Fatalf("CopyMessages failed: %v", err)
	}

	copied, err := repo.ListMessages(ctx, "agent-dst")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(copied) != 2 {
		t.Fatalf("expected 2 copied messages, got %d", len(copied))
	}
	if copied[0].PromptID == nil || *copied[0].PromptID != "prompt-dst" {
		t.Errorf("prompt reference not remapped: %v", copied[0].PromptID)
	}
	// References to prompts outside the mapping are dropped, not carried.
	if copied[1].PromptID != nil {
		t.Errorf("orphan prompt reference should be dropped, got %v", *copied[1].PromptID)
	}
	if copied[0].APIMessageID != "msg_01" {
		t.Errorf("api message id must be preserved, got %s", copied[0].APIMessageID)
	}
}

package repository

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/repository/sqlite"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/db"
)

func createTestRepo(t *testing.T) (*sqlite.Repository, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	pool, err := db.Open("sqlite", dbPath, 0)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	repo, err := sqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	cleanup := func() {
		if err := pool.Close(); err != nil {
			t.Errorf("failed to close pool: %v", err)
		}
	}
	return repo, cleanup
}

func newTestAgent(userID, projectID string) *models.Agent {
	agent := &models.Agent{
		UserID:     userID,
		ProjectID:  projectID,
		Name:       "fix-login-flow",
		BranchName: "ariana/fix-login-flow",
		BaseBranch: "main",
	}
	agent.ApplyState(models.AgentStateProvisioning)
	return agent
}

func TestCreateAndGetAgent(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	machineID := "machine-1"
	summary := "Fixing the login flow"
	agent := newTestAgent("user-1", "project-1")
	agent.MachineID = &machineID
	agent.TaskSummary = &summary

	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	if agent.ID == "" {
		t.Fatal("expected generated agent id")
	}

	got, err := repo.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.UserID != "user-1" || got.ProjectID != "project-1" {
		t.Errorf("unexpected ownership: %s/%s", got.UserID, got.ProjectID)
	}
	if got.State != models.AgentStateProvisioning {
		t.Errorf("expected PROVISIONING, got %s", got.State)
	}
	if got.MachineID == nil || *got.MachineID != machineID {
		t.Errorf("machine id not persisted: %v", got.MachineID)
	}
	if got.TaskSummary == nil || *got.TaskSummary != summary {
		t.Errorf("task summary not persisted: %v", got.TaskSummary)
	}
	if got.MachineType != models.MachineTypeManaged {
		t.Errorf("expected managed default, got %s", got.MachineType)
	}
	if got.LastCommitSha != nil || got.LastAutoRestoredAt != nil {
		t.Error("expected nil optional fields on fresh agent")
	}
}

func TestGetAgentNotFound(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()

	_, err := repo.GetAgent(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for missing agent")
	}
	if !apperrors.IsKind(err, apperrors.KindNotFound) {
		t.Errorf("expected NOT_FOUND kind, got %v", err)
	}
}

func TestUpdateAgent(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	agent := newTestAgent("user-1", "project-1")
	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	sha := "abc123"
	commitAt := time.Now().UTC().Truncate(time.Second)
	agent.ApplyState(models.AgentStateIdle)
	agent.LastCommitSha = &sha
	agent.LastCommitAt = &commitAt
	agent.LastCommitPushed = true
	if err := repo.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("UpdateAgent failed: %v", err)
	}

	got, err := repo.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.State != models.AgentStateIdle || !got.IsReady || got.IsRunning {
		t.Errorf("state flags wrong: state=%s ready=%v running=%v", got.State, got.IsReady, got.IsRunning)
	}
	if got.LastCommitSha == nil || *got.LastCommitSha != sha {
		t.Errorf("last commit sha not persisted: %v", got.LastCommitSha)
	}
	if got.LastCommitAt == nil || !got.LastCommitAt.Equal(commitAt) {
		t.Errorf("last commit at not persisted: %v", got.LastCommitAt)
	}
	if !got.LastCommitPushed {
		t.Error("last commit pushed flag lost")
	}
}

func TestUpdateAgentNotFound(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()

	agent := newTestAgent("user-1", "project-1")
	agent.ID = "missing"
	err := repo.UpdateAgent(context.Background(), agent)
	if !apperrors.IsKind(err, apperrors.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestListAgentsFiltering(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	a1 := newTestAgent("user-1", "project-1")
	a2 := newTestAgent("user-1", "project-2")
	trashed := newTestAgent("user-1", "project-1")
	trashed.IsTrashed = true
	other := newTestAgent("user-2", "project-1")
	for _, agent := range []*models.Agent{a1, a2, trashed, other} {
		if err := repo.CreateAgent(ctx, agent); err != nil {
			t.Fatalf("CreateAgent failed: %v", err)
		}
	}

	all, err := repo.ListAgents(ctx, "user-1", "", false)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 agents, got %d", len(all))
	}

	scoped, err := repo.ListAgents(ctx, "user-1", "project-1", false)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != a1.ID {
		t.Errorf("project scoping wrong: %d agents", len(scoped))
	}

	withTrashed, err := repo.ListAgents(ctx, "user-1", "project-1", true)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(withTrashed) != 2 {
		t.Errorf("expected trashed agent included, got %d", len(withTrashed))
	}
}

func TestListAgentsByState(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	idle := newTestAgent("user-1", "project-1")
	idle.ApplyState(models.AgentStateIdle)
	running := newTestAgent("user-1", "project-1")
	running.ApplyState(models.AgentStateRunning)
	archived := newTestAgent("user-1", "project-1")
	archived.ApplyState(models.AgentStateArchived)
	for _, agent := range []*models.Agent{idle, running, archived} {
		if err := repo.CreateAgent(ctx, agent); err != nil {
			t.Fatalf("CreateAgent failed: %v", err)
		}
	}

	active, err := repo.ListAgentsByState(ctx, models.AgentStateIdle, models.AgentStateRunning)
	if err != nil {
		t.Fatalf("ListAgentsByState failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active agents, got %d", len(active))
	}

	none, err := repo.ListAgentsByState(ctx)
	if err != nil {
		t.Fatalf("ListAgentsByState with no states failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected empty result for no states, got %d", len(none))
	}
}

func TestUpdateAgentState(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	agent := newTestAgent("user-1", "project-1")
	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	if err := repo.UpdateAgentState(ctx, agent.ID, models.AgentStateRunning, ""); err != nil {
		t.Fatalf("UpdateAgentState failed: %v", err)
	}
	got, _ := repo.GetAgent(ctx, agent.ID)
	if got.State != models.AgentStateRunning || !got.IsRunning || !got.IsReady {
		t.Errorf("RUNNING flags wrong: %+v", got)
	}

	if err := repo.UpdateAgentState(ctx, agent.ID, models.AgentStateError, "provisioning timed out"); err != nil {
		t.Fatalf("UpdateAgentState failed: %v", err)
	}
	got, _ = repo.GetAgent(ctx, agent.ID)
	if got.State != models.AgentStateError || got.IsRunning || got.IsReady {
		t.Errorf("ERROR flags wrong: %+v", got)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "timed out") {
		t.Errorf("error message not stored: %v", got.ErrorMessage)
	}

	// Leaving ERROR clears the stored message.
	if err := repo.UpdateAgentState(ctx, agent.ID, models.AgentStateIdle, ""); err != nil {
		t.Fatalf("UpdateAgentState failed: %v", err)
	}
	got, _ = repo.GetAgent(ctx, agent.ID)
	if got.ErrorMessage != nil {
		t.Errorf("expected error message cleared, got %v", *got.ErrorMessage)
	}
}

func TestSetAgentAutoRestoredNow(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	agent := newTestAgent("user-1", "project-1")
	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	first, err := repo.SetAgentAutoRestoredNow(ctx, agent.ID)
	if err != nil {
		t.Fatalf("SetAgentAutoRestoredNow failed: %v", err)
	}
	if !first {
		t.Fatal("expected first stamp to win")
	}

	second, err := repo.SetAgentAutoRestoredNow(ctx, agent.ID)
	if err != nil {
		t.Fatalf("SetAgentAutoRestoredNow failed: %v", err)
	}
	if second {
		t.Error("expected second stamp on the same day to lose")
	}

	got, _ := repo.GetAgent(ctx, agent.ID)
	if got.LastAutoRestoredAt == nil {
		t.Fatal("expected last_auto_restored_at set")
	}

	count, err := repo.CountAutoRestoredSince(ctx, "user-1", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountAutoRestoredSince failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 auto-restored agent, got %d", count)
	}
}

func TestListErrorAgentsCreatedSince(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	broken := newTestAgent("user-1", "project-1")
	broken.ApplyState(models.AgentStateError)
	healthy := newTestAgent("user-1", "project-1")
	healthy.ApplyState(models.AgentStateIdle)
	for _, agent := range []*models.Agent{broken, healthy} {
		if err := repo.CreateAgent(ctx, agent); err != nil {
			t.Fatalf("CreateAgent failed: %v", err)
		}
	}

	agents, err := repo.ListErrorAgentsCreatedSince(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListErrorAgentsCreatedSince failed: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != broken.ID {
		t.Errorf("expected only the broken agent, got %d", len(agents))
	}

	old, err := repo.ListErrorAgentsCreatedSince(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListErrorAgentsCreatedSince failed: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("expected no agents past the cutoff, got %d", len(old))
	}
}

func TestDeleteAgentCascades(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	agent := newTestAgent("user-1", "project-1")
	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	prompt := &models.AgentPrompt{AgentID: agent.ID, Text: "do the thing"}
	if err := repo.CreatePrompt(ctx, prompt); err != nil {
		t.Fatalf("CreatePrompt failed: %v", err)
	}

	if err := repo.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}
	if _, err := repo.GetAgent(ctx, agent.ID); !apperrors.IsKind(err, apperrors.KindNotFound) {
		t.Errorf("expected agent gone, got %v", err)
	}
	prompts, err := repo.ListPrompts(ctx, agent.ID)
	if err != nil {
		t.Fatalf("ListPrompts failed: %v", err)
	}
	if len(prompts) != 0 {
		t.Errorf("expected prompts deleted with agent, got %d", len(prompts))
	}
}

// Package repository defines the storage interface consumed by the
// orchestrator and its control loops.
package repository

import (
	"context"
	"time"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
)

// Repository defines the storage operations for the control plane.
type Repository interface {
	// Agent operations
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	// ListAgents returns the user's agents, trashed ones excluded. projectID
	// narrows to one project when non-empty.
	ListAgents(ctx context.Context, userID, projectID string, includeTrashed bool) ([]*models.Agent, error)
	ListAgentsByState(ctx context.Context, states ...models.AgentState) ([]*models.Agent, error)
	UpdateAgentState(ctx context.Context, id string, state models.AgentState, errorMessage string) error
	// SetAgentAutoRestoredNow stamps last_auto_restored_at if it has not
	// already been stamped today. Returns false when another sweep won.
	SetAgentAutoRestoredNow(ctx context.Context, id string) (bool, error)
	SetAgentTaskSummary(ctx context.Context, id, summary string) error
	CountAutoRestoredSince(ctx context.Context, userID string, since time.Time) (int, error)
	ListErrorAgentsCreatedSince(ctx context.Context, since time.Time) ([]*models.Agent, error)

	// Machine operations
	CreateMachine(ctx context.Context, machine *models.Machine) error
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	UpdateMachine(ctx context.Context, machine *models.Machine) error
	UpdateMachineStatus(ctx context.Context, id string, status models.MachineStatus) error
	AssignMachine(ctx context.Context, machineID, agentID string) error
	ListMachines(ctx context.Context, statuses ...models.MachineStatus) ([]*models.Machine, error)
	CountActiveMachines(ctx context.Context) (int, error)

	// Snapshot operations
	CreateSnapshot(ctx context.Context, snapshot *models.MachineSnapshot) error
	GetSnapshot(ctx context.Context, id string) (*models.MachineSnapshot, error)
	LatestSnapshotForMachine(ctx context.Context, machineID string) (*models.MachineSnapshot, error)
	ListExpiredSnapshots(ctx context.Context, now time.Time) ([]*models.MachineSnapshot, error)
	CountSnapshotsByR2Key(ctx context.Context, r2Key string) (int, error)
	DeleteSnapshot(ctx context.Context, id string) error

	// Prompt operations
	CreatePrompt(ctx context.Context, prompt *models.AgentPrompt) error
	GetPrompt(ctx context.Context, id string) (*models.AgentPrompt, error)
	ListPrompts(ctx context.Context, agentID string) ([]*models.AgentPrompt, error)
	NextQueuedPrompt(ctx context.Context, agentID string) (*models.AgentPrompt, error)
	ActivePrompt(ctx context.Context, agentID string) (*models.AgentPrompt, error)
	UpdatePromptStatus(ctx context.Context, id string, status models.PromptStatus) error
	// FailPendingPrompts marks all queued and active prompts failed so the
	// auto-restore sweep does not re-drive a broken agent forever.
	FailPendingPrompts(ctx context.Context, agentID string) (int64, error)
	// CopyPrompts duplicates the source agent's prompts onto the target with
	// fresh ids and returns the old-id to new-id mapping.
	CopyPrompts(ctx context.Context, sourceAgentID, targetAgentID string) (map[string]string, error)

	// Message operations
	UpsertMessage(ctx context.Context, message *models.AgentMessage) error
	BulkUpsertMessages(ctx context.Context, messages []*models.AgentMessage) error
	ListMessages(ctx context.Context, agentID string) ([]*models.AgentMessage, error)
	// CopyMessages duplicates the source agent's messages onto the target,
	// rewriting prompt references through promptIDMap.
	CopyMessages(ctx context.Context, sourceAgentID, targetAgentID string, promptIDMap map[string]string) error

	// Commit operations
	CreateCommit(ctx context.Context, commit *models.AgentCommit) error
	UpdateCommit(ctx context.Context, commit *models.AgentCommit) error
	ListCommits(ctx context.Context, agentID string) ([]*models.AgentCommit, error)
	LatestCommit(ctx context.Context, agentID string) (*models.AgentCommit, error)

	// Reset operations
	CreateReset(ctx context.Context, reset *models.AgentReset) error
	ListResets(ctx context.Context, agentID string) ([]*models.AgentReset, error)
	CopyResets(ctx context.Context, sourceAgentID, targetAgentID string) error

	// Automation operations
	CreateAutomation(ctx context.Context, automation *models.Automation) error
	GetAutomation(ctx context.Context, id string) (*models.Automation, error)
	GetAutomationByName(ctx context.Context, userID, projectID, name string) (*models.Automation, error)
	UpdateAutomation(ctx context.Context, automation *models.Automation) error
	DeleteAutomation(ctx context.Context, id string) error
	ListAutomations(ctx context.Context, userID, projectID string) ([]*models.Automation, error)

	// Environment bundle operations
	CreateEnvironment(ctx context.Context, env *models.EnvironmentBundle) error
	GetEnvironment(ctx context.Context, id string) (*models.EnvironmentBundle, error)
	UpdateEnvironment(ctx context.Context, env *models.EnvironmentBundle) error
	DeleteEnvironment(ctx context.Context, id string) error
	ListEnvironments(ctx context.Context, userID, projectID string) ([]*models.EnvironmentBundle, error)

	// Port domain operations
	CreateAgentDomain(ctx context.Context, domain *models.AgentDomain) error
	// GetAgentDomain returns nil when the (agent, port) pair has no domain.
	GetAgentDomain(ctx context.Context, agentID string, port int) (*models.AgentDomain, error)
	ListAgentDomains(ctx context.Context, agentID string) ([]*models.AgentDomain, error)
	DeleteAgentDomain(ctx context.Context, id string) error

	// Usage operations
	GetUsageRecord(ctx context.Context, userID string) (*models.UsageRecord, error)
	// IncrementAgentsThisMonth bumps the monthly counter, rolling the window
	// forward when agentsMonthResetAt has passed.
	IncrementAgentsThisMonth(ctx context.Context, userID string) (*models.UsageRecord, error)
	RecordUsageEvent(ctx context.Context, userID, resource string) error
	CountUsageEventsSince(ctx context.Context, userID, resource string, since time.Time) (int, error)
	RecordIPEvent(ctx context.Context, ip string) error
	CountIPEventsSince(ctx context.Context, ip string, since time.Time) (int, error)

	Close() error
}

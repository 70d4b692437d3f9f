// Package models defines the persistent entities of the agent control plane.
package models

import (
	"fmt"
	"time"
)

// AgentState represents where an agent is in its lifecycle.
type AgentState string

const (
	// AgentStateProvisioning - machine reservation requested, VM booting
	AgentStateProvisioning AgentState = "PROVISIONING"
	// AgentStateProvisioned - VM up, worker installed, not yet started
	AgentStateProvisioned AgentState = "PROVISIONED"
	// AgentStateCloning - worker is preparing the working tree
	AgentStateCloning AgentState = "CLONING"
	// AgentStateReady - worker accepted /start, no prompt yet
	AgentStateReady AgentState = "READY"
	// AgentStateIdle - steady state after on_agent_ready automations ran
	AgentStateIdle AgentState = "IDLE"
	// AgentStateRunning - a prompt is active
	AgentStateRunning AgentState = "RUNNING"
	// AgentStateArchived - machine released, rows kept, resumable
	AgentStateArchived AgentState = "ARCHIVED"
	// AgentStateError - unrecoverable failure, resumable
	AgentStateError AgentState = "ERROR"
)

// IsTransitional reports whether the agent is mid-provisioning. Concurrent
// resume callers wait on transitional agents instead of forking twice.
func (s AgentState) IsTransitional() bool {
	return s == AgentStateProvisioning || s == AgentStateProvisioned || s == AgentStateCloning
}

// IsResumable reports whether the agent can be brought back by fork/resume.
func (s AgentState) IsResumable() bool {
	return s == AgentStateArchived || s == AgentStateError
}

// HoldsMachine reports whether the state requires a machine attached.
func (s AgentState) HoldsMachine() bool {
	switch s {
	case AgentStateProvisioning, AgentStateProvisioned, AgentStateCloning,
		AgentStateReady, AgentStateIdle, AgentStateRunning:
		return true
	}
	return false
}

// MachineType distinguishes pool-managed VMs from user-supplied hosts.
type MachineType string

const (
	MachineTypeManaged MachineType = "managed"
	MachineTypeCustom  MachineType = "custom"
)

// Agent is a long-lived orchestrated worker owned by a user.
type Agent struct {
	ID            string      `json:"id" db:"id"`
	UserID        string      `json:"userId" db:"user_id"`
	ProjectID     string      `json:"projectId" db:"project_id"`
	Name          string      `json:"name" db:"name"`
	State         AgentState  `json:"state" db:"state"`
	MachineID     *string     `json:"machineId,omitempty" db:"machine_id"`
	LastMachineID *string     `json:"lastMachineId,omitempty" db:"last_machine_id"`
	MachineType   MachineType `json:"machineType" db:"machine_type"`
	EnvironmentID *string     `json:"environmentId,omitempty" db:"environment_id"`

	BranchName     string  `json:"branchName" db:"branch_name"`
	BaseBranch     string  `json:"baseBranch" db:"base_branch"`
	StartCommitSha *string `json:"startCommitSha,omitempty" db:"start_commit_sha"`

	IsRunning  bool `json:"isRunning" db:"is_running"`
	IsReady    bool `json:"isReady" db:"is_ready"`
	IsTrashed  bool `json:"isTrashed" db:"is_trashed"`
	IsTemplate bool `json:"isTemplate" db:"is_template"`

	ErrorMessage *string `json:"errorMessage,omitempty" db:"error_message"`
	TaskSummary  *string `json:"taskSummary,omitempty" db:"task_summary"`

	// Denormalized latest-activity fields, copied on fork.
	LastCommitSha                 *string    `json:"lastCommitSha,omitempty" db:"last_commit_sha"`
	LastCommitURL                 *string    `json:"lastCommitUrl,omitempty" db:"last_commit_url"`
	LastCommitAt                  *time.Time `json:"lastCommitAt,omitempty" db:"last_commit_at"`
	LastCommitPushed              bool       `json:"lastCommitPushed" db:"last_commit_pushed"`
	LastCommitName                *string    `json:"lastCommitName,omitempty" db:"last_commit_name"`
	LastPromptText                *string    `json:"lastPromptText,omitempty" db:"last_prompt_text"`
	LastPromptAt                  *time.Time `json:"lastPromptAt,omitempty" db:"last_prompt_at"`
	LastToolName                  *string    `json:"lastToolName,omitempty" db:"last_tool_name"`
	LastToolTarget                *string    `json:"lastToolTarget,omitempty" db:"last_tool_target"`
	LastToolAt                    *time.Time `json:"lastToolAt,omitempty" db:"last_tool_at"`
	GitHistoryLastPushedCommitSha *string    `json:"gitHistoryLastPushedCommitSha,omitempty" db:"git_history_last_pushed_commit_sha"`

	LastAutoRestoredAt *time.Time `json:"lastAutoRestoredAt,omitempty" db:"last_auto_restored_at"`
	CreatedAt          time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time  `json:"updatedAt" db:"updated_at"`
}

// ApplyState sets State and the derived isRunning/isReady flags together so
// they can never disagree.
func (a *Agent) ApplyState(state AgentState) {
	a.State = state
	switch state {
	case AgentStateRunning:
		a.IsRunning = true
		a.IsReady = true
	case AgentStateReady, AgentStateIdle:
		a.IsRunning = false
		a.IsReady = true
	default:
		a.IsRunning = false
		a.IsReady = false
	}
}

// MachineStatus represents a machine reservation's lifecycle.
type MachineStatus string

const (
	MachineStatusReserved  MachineStatus = "reserved"
	MachineStatusActive    MachineStatus = "active"
	MachineStatusReleasing MachineStatus = "releasing"
	MachineStatusReleased  MachineStatus = "released"
)

// Machine is a VM reservation. The pool is the sole mutator.
type Machine struct {
	ID           string        `json:"id" db:"id"`
	ProviderName string        `json:"providerName" db:"provider_name"` // sprites | docker | fake
	ProviderID   string        `json:"providerId" db:"provider_id"`     // provider-side handle
	IPv4         string        `json:"ipv4" db:"ipv4"`
	URL          *string       `json:"url,omitempty" db:"url"`
	OwnerAgentID *string       `json:"ownerAgentId,omitempty" db:"owner_agent_id"`
	Status       MachineStatus `json:"status" db:"status"`
	// Secret seeds the per-agent envelope key. Set once at provisioning.
	Secret    string    `json:"-" db:"secret"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// BaseURL returns the worker API root for this machine: the provider's
// proxy URL when one exists, otherwise plain HTTP to its address.
func (m *Machine) BaseURL(port int) string {
	if m.URL != nil && *m.URL != "" {
		return *m.URL
	}
	return fmt.Sprintf("http://%s:%d", m.IPv4, port)
}

// SnapshotSource says whether a snapshot row owns its blob or references
// another machine's.
type SnapshotSource string

const (
	SnapshotSourceCaptured    SnapshotSource = "captured"
	SnapshotSourceCarriedOver SnapshotSource = "carried-over"
)

// MachineSnapshot is an immutable record of a filesystem image in object
// storage. A trailing slash on R2Key means the image is chunked.
type MachineSnapshot struct {
	ID        string         `json:"id" db:"id"`
	MachineID string         `json:"machineId" db:"machine_id"`
	R2Key     string         `json:"r2Key" db:"r2_key"`
	SizeBytes int64          `json:"sizeBytes" db:"size_bytes"`
	Source    SnapshotSource `json:"source" db:"source"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
	ExpiresAt time.Time      `json:"expiresAt" db:"expires_at"`
}

// Chunked reports whether the snapshot was uploaded in parts.
func (s *MachineSnapshot) Chunked() bool {
	return len(s.R2Key) > 0 && s.R2Key[len(s.R2Key)-1] == '/'
}

// AgentDomain is a subdomain registered at the TLS gateway, exposing one
// port inside an agent's VM. At most one row per (agent, port).
type AgentDomain struct {
	ID        string    `json:"id" db:"id"`
	AgentID   string    `json:"agentId" db:"agent_id"`
	Port      int       `json:"port" db:"port"`
	Domain    string    `json:"domain" db:"domain"`
	Target    string    `json:"target" db:"target"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// PromptStatus represents an AgentPrompt's queue state.
type PromptStatus string

const (
	PromptStatusQueued PromptStatus = "queued"
	PromptStatusActive PromptStatus = "active"
	PromptStatusDone   PromptStatus = "done"
	PromptStatusFailed PromptStatus = "failed"
)

// AgentPrompt is one entry in an agent's FIFO prompt queue.
// At most one prompt per agent is active at a time.
type AgentPrompt struct {
	ID        string       `json:"id" db:"id"`
	AgentID   string       `json:"agentId" db:"agent_id"`
	Text      string       `json:"text" db:"text"`
	Status    PromptStatus `json:"status" db:"status"`
	CreatedAt time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time    `json:"updatedAt" db:"updated_at"`
}

// MessageRole identifies a conversation message's author.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// AgentMessage is one entry in an agent's append-only conversation log.
// APIMessageID is the assistant vendor's stable id; repeated yields of the
// same id update the existing row in place instead of appending.
type AgentMessage struct {
	ID           string      `json:"id" db:"id"`
	AgentID      string      `json:"agentId" db:"agent_id"`
	APIMessageID string      `json:"apiMessageId" db:"api_message_id"`
	PromptID     *string     `json:"promptId,omitempty" db:"prompt_id"`
	Role         MessageRole `json:"role" db:"role"`
	Content      string      `json:"content" db:"content"` // JSON content blocks
	CreatedAt    time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time   `json:"updatedAt" db:"updated_at"`
}

// AgentCommit records one git commit made by the worker.
type AgentCommit struct {
	ID         string    `json:"id" db:"id"`
	AgentID    string    `json:"agentId" db:"agent_id"`
	Sha        string    `json:"sha" db:"sha"`
	Message    string    `json:"message" db:"message"`
	Additions  int       `json:"additions" db:"additions"`
	Deletions  int       `json:"deletions" db:"deletions"`
	Pushed     bool      `json:"pushed" db:"pushed"`
	IsReverted bool      `json:"isReverted" db:"is_reverted"`
	Timestamp  time.Time `json:"timestamp" db:"committed_at"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// AgentReset marks a conversation reset point. Messages created before the
// latest reset belong to past conversations. Copied on fork so the target
// shows the same conversation boundaries.
type AgentReset struct {
	ID        string    `json:"id" db:"id"`
	AgentID   string    `json:"agentId" db:"agent_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// UsageRecord tracks a user's consumption towards monthly limits.
type UsageRecord struct {
	UserID             string    `json:"userId" db:"user_id"`
	ProjectsTotal      int       `json:"projectsTotal" db:"projects_total"`
	AgentsThisMonth    int       `json:"agentsThisMonth" db:"agents_this_month"`
	AgentsMonthResetAt time.Time `json:"agentsMonthResetAt" db:"agents_month_reset_at"`
	UpdatedAt          time.Time `json:"updatedAt" db:"updated_at"`
}

// Package types holds the wire contracts between the controller and the
// per-VM agentd worker. Both the controller's client and the worker's
// handlers marshal these structs; the package has no other dependencies so
// the agentd binary stays small.
package types

import "time"

// SetupMode selects how /start initializes the working tree.
type SetupMode string

const (
	SetupModeLocal          SetupMode = "local"
	SetupModeGitClone       SetupMode = "git-clone"
	SetupModeGitClonePublic SetupMode = "git-clone-public"
	SetupModeZipLocal       SetupMode = "zip-local"
	// SetupModeExisting is used after a snapshot restore: the tree is already
	// on disk, only the optional branch checkout runs.
	SetupModeExisting SetupMode = "existing"
)

// Valid reports whether m is a known setup mode.
func (m SetupMode) Valid() bool {
	switch m {
	case SetupModeLocal, SetupModeGitClone, SetupModeGitClonePublic,
		SetupModeZipLocal, SetupModeExisting:
		return true
	}
	return false
}

// ErrorResponse is the error reply body: sealed for application failures,
// plaintext for envelope-level failures (decrypt or validation errors
// before the payload is readable).
type ErrorResponse struct {
	Error string `json:"error"`
}

// TriggerSpec mirrors the controller's automation trigger union on the wire.
type TriggerSpec struct {
	Type         string `json:"type"`
	Glob         string `json:"glob,omitempty"`
	Regex        string `json:"regex,omitempty"`
	AutomationID string `json:"automationId,omitempty"`
}

// AutomationSpec is the worker-side view of an installed automation.
type AutomationSpec struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Trigger        TriggerSpec `json:"trigger"`
	ScriptLanguage string      `json:"scriptLanguage"`
	ScriptContent  string      `json:"scriptContent"`
	Blocking       bool        `json:"blocking"`
	FeedOutput     bool        `json:"feedOutput"`
}

// SecretFile is one extra file materialized into the VM at setup.
type SecretFile struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// SSHKeyPair carries a deploy key installed for git operations.
type SSHKeyPair struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// StartRequest is the one-time initialization call. Exactly one setup mode
// applies; unrelated fields are ignored.
type StartRequest struct {
	SetupMode SetupMode `json:"setupMode"`

	// ProjectDir overrides the working tree path (local mode).
	ProjectDir string `json:"projectDir,omitempty"`

	// Clone parameters (git-clone / git-clone-public).
	RepoURL    string `json:"repoUrl,omitempty"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	GitToken   string `json:"gitToken,omitempty"`

	// Bundle parameters (zip-local).
	BundlePath string `json:"bundlePath,omitempty"`
	PatchPath  string `json:"patchPath,omitempty"`

	// Local identity stamped on the repo.
	GitUserName  string `json:"gitUserName,omitempty"`
	GitUserEmail string `json:"gitUserEmail,omitempty"`

	// Environment injected before automations run.
	EnvContents string       `json:"envContents,omitempty"` // dotenv text
	SecretFiles []SecretFile `json:"secretFiles,omitempty"`
	SSHKeyPair  *SSHKeyPair  `json:"sshKeyPair,omitempty"`

	Automations []AutomationSpec `json:"automations,omitempty"`

	// DontSendInitialMessage restores the persisted conversation state
	// instead of opening a fresh session (set on resume/fork).
	DontSendInitialMessage bool   `json:"dontSendInitialMessage,omitempty"`
	InitialPrompt          string `json:"initialPrompt,omitempty"`
	Model                  string `json:"model,omitempty"`
}

// StartResponse reports setup results. GitInfoStatus covers the repo
// inspection that runs after setup; its failure does not fail /start.
type StartResponse struct {
	Status                        string `json:"status"`
	GitInfoStatus                 string `json:"gitInfoStatus"`
	StartCommitSha                string `json:"startCommitSha,omitempty"`
	GitHistoryLastPushedCommitSha string `json:"gitHistoryLastPushedCommitSha,omitempty"`
	GitInfoError                  string `json:"gitInfoError,omitempty"`
}

// PromptRequest enqueues a user message.
type PromptRequest struct {
	Text     string `json:"text"`
	PromptID string `json:"promptId,omitempty"`
	Model    string `json:"model,omitempty"`
}

// PromptResponse acknowledges admission into the worker queue.
type PromptResponse struct {
	Status   string `json:"status"`
	PromptID string `json:"promptId,omitempty"`
}

// ContextUsage is the assistant's model-reported context consumption.
type ContextUsage struct {
	UsedPercent      float64 `json:"usedPercent"`
	RemainingPercent float64 `json:"remainingPercent"`
	TotalTokens      int     `json:"totalTokens"`
	ContextWindow    int     `json:"contextWindow"`
}

// StateResponse answers /claudeState.
type StateResponse struct {
	IsReady               bool          `json:"isReady"`
	HasBlockingAutomation bool          `json:"hasBlockingAutomation"`
	BlockingAutomationIDs []string      `json:"blockingAutomationIds"`
	ContextUsage          *ContextUsage `json:"contextUsage,omitempty"`
}

// Message is one conversation entry as the worker sees it. APIMessageID is
// the vendor's stable id; a streaming in-flight message carries
// IsStreaming=true and grows on each poll.
type Message struct {
	ID           string    `json:"id"`
	APIMessageID string    `json:"apiMessageId"`
	PromptID     string    `json:"promptId,omitempty"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	IsStreaming  bool      `json:"isStreaming,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// MessagesResponse answers GET /messages. With an updatedAfter query only
// messages updated strictly later are included.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

// CommitRequest asks the worker to commit the working tree. An empty
// message lets the worker generate one.
type CommitRequest struct {
	Message string `json:"message,omitempty"`
}

// CommitResponse reports the created commit. NothingToCommit is set when
// the tree was clean; Sha is empty in that case.
type CommitResponse struct {
	Sha             string    `json:"sha,omitempty"`
	Message         string    `json:"message,omitempty"`
	Additions       int       `json:"additions"`
	Deletions       int       `json:"deletions"`
	CommittedAt     time.Time `json:"committedAt,omitempty"`
	NothingToCommit bool      `json:"nothingToCommit,omitempty"`
}

// PushRequest pushes the agent branch to the remote.
type PushRequest struct {
	Force bool `json:"force,omitempty"`
}

// PushResponse reports push results.
type PushResponse struct {
	Pushed    bool   `json:"pushed"`
	CommitSha string `json:"commitSha,omitempty"`
	URL       string `json:"url,omitempty"`
}

// LastCommitResponse answers /git-last-commit.
type LastCommitResponse struct {
	Sha         string    `json:"sha,omitempty"`
	Message     string    `json:"message,omitempty"`
	CommittedAt time.Time `json:"committedAt,omitempty"`
}

// HistoryCommit is one entry of /git-history.
type HistoryCommit struct {
	Sha         string    `json:"sha"`
	Message     string    `json:"message"`
	Additions   int       `json:"additions"`
	Deletions   int       `json:"deletions"`
	CommittedAt time.Time `json:"committedAt"`
}

// HistoryResponse lists the agent branch's commits ahead of the base.
type HistoryResponse struct {
	Commits []HistoryCommit `json:"commits"`
}

// GenerateCommitNameRequest asks the helper model for a short commit name.
type GenerateCommitNameRequest struct {
	Diff    string   `json:"diff,omitempty"`
	Prompts []string `json:"prompts,omitempty"`
}

// GenerateCommitNameResponse carries the generated or fallback name.
type GenerateCommitNameResponse struct {
	Name string `json:"name"`
}

// GenerateTaskSummaryRequest asks for a one-line summary of the agent's task.
type GenerateTaskSummaryRequest struct {
	Prompts []string `json:"prompts,omitempty"`
}

// GenerateTaskSummaryResponse carries the generated or fallback summary.
type GenerateTaskSummaryResponse struct {
	Summary string `json:"summary"`
}

// AutomationEvent is an observed occurrence matched against triggers.
type AutomationEvent struct {
	Type     string `json:"type"`
	FilePath string `json:"filePath,omitempty"`
	Command  string `json:"command,omitempty"`
	// AutomationID names the finished upstream automation for
	// on_automation_finishes events, or the target for manual runs.
	AutomationID string `json:"automationId,omitempty"`
}

// ExecuteAutomationsRequest feeds events into the worker's engine.
type ExecuteAutomationsRequest struct {
	Events []AutomationEvent `json:"events"`
}

// StopAutomationRequest kills one running automation.
type StopAutomationRequest struct {
	AutomationID string `json:"automationId"`
}

// TriggerManualAutomationRequest fires a manual automation by id or name.
type TriggerManualAutomationRequest struct {
	AutomationID string `json:"automationId,omitempty"`
	Name         string `json:"name,omitempty"`
}

// AutomationRunEvent reports one run's lifecycle to the controller. The
// drain endpoint returns accumulated events and clears them.
type AutomationRunEvent struct {
	AutomationID     string     `json:"automationId"`
	AutomationName   string     `json:"automationName"`
	Status           string     `json:"status"` // started | finished | failed
	ExitCode         int        `json:"exitCode,omitempty"`
	Output           string     `json:"output,omitempty"`
	IsStartTruncated bool       `json:"isStartTruncated,omitempty"`
	FeedOutput       bool       `json:"feedOutput,omitempty"`
	Blocking         bool       `json:"blocking,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

// Worker action types.
const (
	ActionStopAgent   = "stop_agent"
	ActionQueuePrompt = "queue_prompt"
)

// WorkerAction is a control request spooled on the worker for the
// controller: an automation script or MCP tool asking to stop the agent or
// queue a prompt. Payload carries the prompt text for queue_prompt.
type WorkerAction struct {
	Type           string `json:"type"`
	AutomationID   string `json:"automationId,omitempty"`
	AutomationName string `json:"automationName,omitempty"`
	Payload        string `json:"payload,omitempty"`
}

// AutomationEventsResponse answers the drain endpoint: accumulated run
// events plus any spooled actions, both cleared by the drain.
type AutomationEventsResponse struct {
	Events  []AutomationRunEvent `json:"events"`
	Actions []WorkerAction       `json:"actions,omitempty"`
}

// RestoreSnapshotRequest delivers the presigned URL(s) of a machine image.
// A single URL restores one object; a list restores chunks in order.
type RestoreSnapshotRequest struct {
	PresignedDownloadURL  string   `json:"presignedDownloadUrl,omitempty"`
	PresignedDownloadURLs []string `json:"presignedDownloadUrls,omitempty"`
}

// URLs normalizes the two request shapes into restore order.
func (r *RestoreSnapshotRequest) URLs() []string {
	if len(r.PresignedDownloadURLs) > 0 {
		return r.PresignedDownloadURLs
	}
	if r.PresignedDownloadURL != "" {
		return []string{r.PresignedDownloadURL}
	}
	return nil
}

// StatusResponse is the generic acknowledgement body.
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthResponse answers the plaintext liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

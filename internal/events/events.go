// Package events defines the subjects and event types flowing through the
// controller's event bus. Subjects follow NATS conventions: dot-separated
// tokens with the entity ID as the final token, so subscribers can use
// single-token (*) and multi-token (>) wildcards.
package events

// Event types for agents
const (
	AgentStateChanged = "agent.state_changed" // Lifecycle state transition
	AgentReady        = "agent.ready"         // Worker finished boot and accepted /start
	AgentAutoRestored = "agent.auto_restored" // ERROR agent brought back by the restore job
	AgentSnapshot     = "agent.snapshot"      // Full row sent when an event stream attaches
)

// Event types for conversation
const (
	MessageAppended      = "message.appended"       // New or updated conversation message
	ContextUsageUpdated  = "context_usage.updated"  // Assistant context window usage changed
	ConversationCompact  = "conversation.compacted" // Assistant compacted its history
	ConversationReset    = "conversation.reset"     // Conversation moved to pastConversations
	TaskSummaryGenerated = "task_summary.generated" // Worker produced a task summary
)

// Event types for automations
const (
	AutomationRunUpdated = "automation_run.updated" // Run started, finished, failed or was stopped
	WorkerActionReceived = "worker.action"          // Action drained from the worker spool
)

// Event types for git activity
const (
	CommitRecorded = "commit.recorded" // New commit discovered on the agent branch
	CommitPushed   = "commit.pushed"   // Agent branch pushed to the remote
)

// Event types for machines and snapshots
const (
	MachineUpdated    = "machine.updated"    // Machine provisioned, assigned or destroyed
	SnapshotCompleted = "snapshot.completed" // Snapshot upload finished
	SnapshotDeleted   = "snapshot.deleted"   // Snapshot removed by retention GC
)

// Subject roots. Concrete subjects append the entity ID.
const (
	agentSubjectRoot     = "agent"
	machineSubjectRoot   = "machine"
	actionSubjectRoot    = "worker.action"
	snapshotSubjectRoot  = "snapshot"
	broadcastSubjectRoot = "broadcast"
)

// BuildAgentSubject creates the subject for all events of one agent.
func BuildAgentSubject(agentID string) string {
	return agentSubjectRoot + "." + agentID
}

// BuildAgentWildcardSubject subscribes to events of every agent.
func BuildAgentWildcardSubject() string {
	return agentSubjectRoot + ".*"
}

// BuildMachineSubject creates the subject for one machine's events.
func BuildMachineSubject(machineID string) string {
	return machineSubjectRoot + "." + machineID
}

// BuildMachineWildcardSubject subscribes to events of every machine.
func BuildMachineWildcardSubject() string {
	return machineSubjectRoot + ".*"
}

// BuildWorkerActionSubject creates the subject for actions spooled by one
// agent's worker. Actions are queue-subscribed so exactly one controller
// replica executes each.
func BuildWorkerActionSubject(agentID string) string {
	return actionSubjectRoot + "." + agentID
}

// BuildWorkerActionWildcardSubject subscribes to every worker action.
func BuildWorkerActionWildcardSubject() string {
	return actionSubjectRoot + ".*"
}

// BuildSnapshotSubject creates the subject for one agent's snapshot events.
func BuildSnapshotSubject(agentID string) string {
	return snapshotSubjectRoot + "." + agentID
}

// BuildSnapshotWildcardSubject subscribes to every snapshot event.
func BuildSnapshotWildcardSubject() string {
	return snapshotSubjectRoot + ".*"
}

// BuildBroadcastSubject creates the subject for controller-wide events.
func BuildBroadcastSubject() string {
	return broadcastSubjectRoot
}

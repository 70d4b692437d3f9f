package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/db/dialect"
)

const agentColumns = `id, user_id, project_id, name, state, machine_id, last_machine_id, machine_type, environment_id,
	branch_name, base_branch, start_commit_sha, is_running, is_ready, is_trashed, is_template,
	error_message, task_summary, last_commit_sha, last_commit_url, last_commit_at, last_commit_pushed, last_commit_name,
	last_prompt_text, last_prompt_at, last_tool_name, last_tool_target, last_tool_at,
	git_history_last_pushed_commit_sha, last_auto_restored_at, created_at, updated_at`

// CreateAgent inserts a new agent row.
func (r *Repository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil {
		return fmt.Errorf("agent is nil")
	}
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.MachineType == "" {
		agent.MachineType = models.MachineTypeManaged
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		agent.ID, agent.UserID, agent.ProjectID, agent.Name, string(agent.State),
		agent.MachineID, agent.LastMachineID, string(agent.MachineType), agent.EnvironmentID,
		agent.BranchName, agent.BaseBranch, agent.StartCommitSha,
		dialect.BoolToInt(agent.IsRunning), dialect.BoolToInt(agent.IsReady),
		dialect.BoolToInt(agent.IsTrashed), dialect.BoolToInt(agent.IsTemplate),
		agent.ErrorMessage, agent.TaskSummary,
		agent.LastCommitSha, agent.LastCommitURL, agent.LastCommitAt,
		dialect.BoolToInt(agent.LastCommitPushed), agent.LastCommitName,
		agent.LastPromptText, agent.LastPromptAt,
		agent.LastToolName, agent.LastToolTarget, agent.LastToolAt,
		agent.GitHistoryLastPushedCommitSha, agent.LastAutoRestoredAt,
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent by id.
func (r *Repository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+agentColumns+` FROM agents WHERE id = ?
	`), id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", id)
	}
	return agent, err
}

// UpdateAgent persists every mutable agent field.
func (r *Repository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil {
		return fmt.Errorf("agent is nil")
	}
	agent.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET
			name = ?, state = ?, machine_id = ?, last_machine_id = ?, machine_type = ?, environment_id = ?,
			branch_name = ?, base_branch = ?, start_commit_sha = ?,
			is_running = ?, is_ready = ?, is_trashed = ?, is_template = ?,
			error_message = ?, task_summary = ?,
			last_commit_sha = ?, last_commit_url = ?, last_commit_at = ?, last_commit_pushed = ?, last_commit_name = ?,
			last_prompt_text = ?, last_prompt_at = ?,
			last_tool_name = ?, last_tool_target = ?, last_tool_at = ?,
			git_history_last_pushed_commit_sha = ?, last_auto_restored_at = ?, updated_at = ?
		WHERE id = ?
	`),
		agent.Name, string(agent.State), agent.MachineID, agent.LastMachineID, string(agent.MachineType), agent.EnvironmentID,
		agent.BranchName, agent.BaseBranch, agent.StartCommitSha,
		dialect.BoolToInt(agent.IsRunning), dialect.BoolToInt(agent.IsReady),
		dialect.BoolToInt(agent.IsTrashed), dialect.BoolToInt(agent.IsTemplate),
		agent.ErrorMessage, agent.TaskSummary,
		agent.LastCommitSha, agent.LastCommitURL, agent.LastCommitAt,
		dialect.BoolToInt(agent.LastCommitPushed), agent.LastCommitName,
		agent.LastPromptText, agent.LastPromptAt,
		agent.LastToolName, agent.LastToolTarget, agent.LastToolAt,
		agent.GitHistoryLastPushedCommitSha, agent.LastAutoRestoredAt, agent.UpdatedAt,
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("agent", agent.ID)
	}
	return nil
}

// DeleteAgent removes the agent row and its dependents.
func (r *Repository) DeleteAgent(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM agent_messages WHERE agent_id = ?`,
		`DELETE FROM agent_prompts WHERE agent_id = ?`,
		`DELETE FROM agent_commits WHERE agent_id = ?`,
		`DELETE FROM agent_resets WHERE agent_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, r.db.Rebind(stmt), id); err != nil {
			return fmt.Errorf("failed to delete agent dependents: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("agent", id)
	}
	return tx.Commit()
}

// ListAgents returns the user's agents, newest first. projectID narrows to
// one project when non-empty; trashed agents are excluded unless requested.
func (r *Repository) ListAgents(ctx context.Context, userID, projectID string, includeTrashed bool) ([]*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE user_id = ?`
	args := []any{userID}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if !includeTrashed {
		query += ` AND is_trashed = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectAgents(rows)
}

// ListAgentsByState returns all non-trashed agents in any of the given states.
func (r *Repository) ListAgentsByState(ctx context.Context, states ...models.AgentState) ([]*models.Agent, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, state := range states {
		placeholders[i] = "?"
		args[i] = string(state)
	}
	query := fmt.Sprintf(`SELECT `+agentColumns+` FROM agents WHERE state IN (%s) AND is_trashed = 0 ORDER BY created_at ASC`,
		strings.Join(placeholders, ", "))

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectAgents(rows)
}

// UpdateAgentState sets the state column and the flags derived from it.
// errorMessage is stored for ERROR and cleared otherwise.
func (r *Repository) UpdateAgentState(ctx context.Context, id string, state models.AgentState, errorMessage string) error {
	running := state == models.AgentStateRunning
	ready := running || state == models.AgentStateReady || state == models.AgentStateIdle
	var errMsg *string
	if state == models.AgentStateError && errorMessage != "" {
		errMsg = &errorMessage
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents
		SET state = ?, is_running = ?, is_ready = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`), string(state), dialect.BoolToInt(running), dialect.BoolToInt(ready), errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

// SetAgentTaskSummary writes only the task_summary column, so summary
// generation running off the main poll path cannot clobber a concurrent
// state transition.
func (r *Repository) SetAgentTaskSummary(ctx context.Context, id, summary string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET task_summary = ?, updated_at = ? WHERE id = ?
	`), summary, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set task summary: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

// SetAgentAutoRestoredNow stamps last_auto_restored_at, but only when the
// agent has not been stamped today. The date guard makes concurrent sweeps
// race-safe: exactly one caller observes true.
func (r *Repository) SetAgentAutoRestoredNow(ctx context.Context, id string) (bool, error) {
	driver := r.db.DriverName()
	query := fmt.Sprintf(`
		UPDATE agents
		SET last_auto_restored_at = ?, updated_at = ?
		WHERE id = ?
		  AND (last_auto_restored_at IS NULL OR %s < %s)
	`, dialect.DateOf(driver, "last_auto_restored_at"), dialect.CurrentDate(driver))

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to stamp auto-restore: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CountAutoRestoredSince counts the user's agents auto-restored at or after
// the given time.
func (r *Repository) CountAutoRestoredSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM agents
		WHERE user_id = ? AND last_auto_restored_at IS NOT NULL AND last_auto_restored_at >= ?
	`), userID, since.UTC()).Scan(&count)
	return count, err
}

// ListErrorAgentsCreatedSince returns non-trashed ERROR agents created at or
// after the cutoff, oldest first. The auto-restore sweep walks this list.
func (r *Repository) ListErrorAgentsCreatedSince(ctx context.Context, since time.Time) ([]*models.Agent, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE state = ? AND is_trashed = 0 AND created_at >= ?
		ORDER BY created_at ASC
	`), string(models.AgentStateError), since.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectAgents(rows)
}

func collectAgents(rows *sql.Rows) ([]*models.Agent, error) {
	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return agents, nil
}

func scanAgent(scanner interface{ Scan(dest ...any) error }) (*models.Agent, error) {
	agent := &models.Agent{}
	var (
		state, machineType                             string
		machineID, lastMachineID, environmentID        sql.NullString
		startCommitSha, errorMessage, taskSummary      sql.NullString
		lastCommitSha, lastCommitURL, lastCommitName   sql.NullString
		lastPromptText, lastToolName, lastToolTarget   sql.NullString
		gitHistoryLastPushed                           sql.NullString
		lastCommitAt, lastPromptAt, lastToolAt         sql.NullTime
		lastAutoRestoredAt                             sql.NullTime
		isRunning, isReady, isTrashed, isTemplate      int
		lastCommitPushed                               int
	)
	if err := scanner.Scan(
		&agent.ID, &agent.UserID, &agent.ProjectID, &agent.Name, &state,
		&machineID, &lastMachineID, &machineType, &environmentID,
		&agent.BranchName, &agent.BaseBranch, &startCommitSha,
		&isRunning, &isReady, &isTrashed, &isTemplate,
		&errorMessage, &taskSummary,
		&lastCommitSha, &lastCommitURL, &lastCommitAt, &lastCommitPushed, &lastCommitName,
		&lastPromptText, &lastPromptAt,
		&lastToolName, &lastToolTarget, &lastToolAt,
		&gitHistoryLastPushed, &lastAutoRestoredAt,
		&agent.CreatedAt, &agent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	agent.State = models.AgentState(state)
	agent.MachineType = models.MachineType(machineType)
	agent.MachineID = strPtr(machineID)
	agent.LastMachineID = strPtr(lastMachineID)
	agent.EnvironmentID = strPtr(environmentID)
	agent.StartCommitSha = strPtr(startCommitSha)
	agent.ErrorMessage = strPtr(errorMessage)
	agent.TaskSummary = strPtr(taskSummary)
	agent.LastCommitSha = strPtr(lastCommitSha)
	agent.LastCommitURL = strPtr(lastCommitURL)
	agent.LastCommitAt = timePtr(lastCommitAt)
	agent.LastCommitName = strPtr(lastCommitName)
	agent.LastPromptText = strPtr(lastPromptText)
	agent.LastPromptAt = timePtr(lastPromptAt)
	agent.LastToolName = strPtr(lastToolName)
	agent.LastToolTarget = strPtr(lastToolTarget)
	agent.LastToolAt = timePtr(lastToolAt)
	agent.GitHistoryLastPushedCommitSha = strPtr(gitHistoryLastPushed)
	agent.LastAutoRestoredAt = timePtr(lastAutoRestoredAt)
	agent.IsRunning = isRunning == 1
	agent.IsReady = isReady == 1
	agent.IsTrashed = isTrashed == 1
	agent.IsTemplate = isTemplate == 1
	agent.LastCommitPushed = lastCommitPushed == 1
	agent.CreatedAt = agent.CreatedAt.UTC()
	agent.UpdatedAt = agent.UpdatedAt.UTC()
	return agent, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
)

const promptColumns = `id, agent_id, text, status, created_at, updated_at`

// CreatePrompt appends a prompt to the agent's queue.
func (r *Repository) CreatePrompt(ctx context.Context, prompt *models.AgentPrompt) error {
	if prompt == nil {
		return fmt.Errorf("prompt is nil")
	}
	if prompt.ID == "" {
		prompt.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = now
	}
	prompt.UpdatedAt = now
	if prompt.Status == "" {
		prompt.Status = models.PromptStatusQueued
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agent_prompts (`+promptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`), prompt.ID, prompt.AgentID, prompt.Text, string(prompt.Status), prompt.CreatedAt, prompt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create prompt: %w", err)
	}
	return nil
}

// GetPrompt returns the prompt by id.
func (r *Repository) GetPrompt(ctx context.Context, id string) (*models.AgentPrompt, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+promptColumns+` FROM agent_prompts WHERE id = ?
	`), id)
	prompt, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("prompt", id)
	}
	return prompt, err
}

// ListPrompts returns all of the agent's prompts in queue order.
func (r *Repository) ListPrompts(ctx context.Context, agentID string) ([]*models.AgentPrompt, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+promptColumns+` FROM agent_prompts
		WHERE agent_id = ?
		ORDER BY created_at ASC, id ASC
	`), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectPrompts(rows)
}

// NextQueuedPrompt returns the oldest queued prompt, or nil when the queue
// is empty.
func (r *Repository) NextQueuedPrompt(ctx context.Context, agentID string) (*models.AgentPrompt, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+promptColumns+` FROM agent_prompts
		WHERE agent_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`), agentID, string(models.PromptStatusQueued))
	prompt, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return prompt, err
}

// ActivePrompt returns the agent's currently active prompt, or nil.
func (r *Repository) ActivePrompt(ctx context.Context, agentID string) (*models.AgentPrompt, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+promptColumns+` FROM agent_prompts
		WHERE agent_id = ? AND status = ?
		LIMIT 1
	`), agentID, string(models.PromptStatusActive))
	prompt, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return prompt, err
}

// UpdatePromptStatus moves a prompt through the queue lifecycle.
func (r *Repository) UpdatePromptStatus(ctx context.Context, id string, status models.PromptStatus) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agent_prompts SET status = ?, updated_at = ? WHERE id = ?
	`), string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update prompt status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("prompt", id)
	}
	return nil
}

// FailPendingPrompts marks every queued and active prompt of the agent
// failed, returning how many were touched.
func (r *Repository) FailPendingPrompts(ctx context.Context, agentID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agent_prompts
		SET status = ?, updated_at = ?
		WHERE agent_id = ? AND status IN (?, ?)
	`), string(models.PromptStatusFailed), time.Now().UTC(), agentID,
		string(models.PromptStatusQueued), string(models.PromptStatusActive))
	if err != nil {
		return 0, fmt.Errorf("failed to fail pending prompts: %w", err)
	}
	return result.RowsAffected()
}

// CopyPrompts duplicates the source agent's prompts onto the target with
// fresh ids, preserving text, status, and queue order. Returns the old-id
// to new-id mapping used to rewrite message references.
func (r *Repository) CopyPrompts(ctx context.Context, sourceAgentID, targetAgentID string) (map[string]string, error) {
	prompts, err := r.ListPrompts(ctx, sourceAgentID)
	if err != nil {
		return nil, err
	}
	idMap := make(map[string]string, len(prompts))
	if len(prompts) == 0 {
		return idMap, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(`
		INSERT INTO agent_prompts (`+promptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return nil, err
	}
	defer func() { _ = stmt.Close() }()

	for _, prompt := range prompts {
		newID := uuid.New().String()
		idMap[prompt.ID] = newID
		if _, err := stmt.ExecContext(ctx, newID, targetAgentID, prompt.Text,
			string(prompt.Status), prompt.CreatedAt, prompt.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to copy prompt: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return idMap, nil
}

func collectPrompts(rows *sql.Rows) ([]*models.AgentPrompt, error) {
	var prompts []*models.AgentPrompt
	for rows.Next() {
		prompt, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, prompt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return prompts, nil
}

func scanPrompt(scanner interface{ Scan(dest ...any) error }) (*models.AgentPrompt, error) {
	prompt := &models.AgentPrompt{}
	var status string
	if err := scanner.Scan(
		&prompt.ID, &prompt.AgentID, &prompt.Text, &status,
		&prompt.CreatedAt, &prompt.UpdatedAt,
	); err != nil {
		return nil, err
	}
	prompt.Status = models.PromptStatus(status)
	prompt.CreatedAt = prompt.CreatedAt.UTC()
	prompt.UpdatedAt = prompt.UpdatedAt.UTC()
	return prompt, nil
}

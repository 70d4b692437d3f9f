package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
)

const messageColumns = `id, agent_id, api_message_id, prompt_id, role, content, created_at, updated_at`

const upsertMessageQuery = `
	INSERT INTO agent_messages (id, agent_id, api_message_id, prompt_id, role, content, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(agent_id, api_message_id) DO UPDATE SET
		prompt_id = excluded.prompt_id,
		role = excluded.role,
		content = excluded.content,
		updated_at = excluded.updated_at
`

// UpsertMessage appends a message, or updates the existing row in place when
// the agent already has one with the same api_message_id. Streaming deltas
// re-yield the same id with grown content.
func (r *Repository) UpsertMessage(ctx context.Context, message *models.AgentMessage) error {
	if message == nil {
		return fmt.Errorf("message is nil")
	}
	prepareMessage(message)
	_, err := r.db.ExecContext(ctx, r.db.Rebind(upsertMessageQuery),
		message.ID, message.AgentID, message.APIMessageID, message.PromptID,
		string(message.Role), message.Content, message.CreatedAt, message.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

// BulkUpsertMessages applies a batch of messages in one transaction.
func (r *Repository) BulkUpsertMessages(ctx context.Context, messages []*models.AgentMessage) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(upsertMessageQuery))
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, message := range messages {
		if message == nil {
			continue
		}
		prepareMessage(message)
		if _, err := stmt.ExecContext(ctx,
			message.ID, message.AgentID, message.APIMessageID, message.PromptID,
			string(message.Role), message.Content, message.CreatedAt, message.UpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert message: %w", err)
		}
	}
	return tx.Commit()
}

// ListMessages returns the agent's conversation log in append order.
func (r *Repository) ListMessages(ctx context.Context, agentID string) ([]*models.AgentMessage, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+messageColumns+` FROM agent_messages
		WHERE agent_id = ?
		ORDER BY created_at ASC, id ASC
	`), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.AgentMessage
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// CopyMessages duplicates the source agent's messages onto the target with
// fresh ids, preserving api_message_id and timestamps. Prompt references are
// rewritten through promptIDMap; references to unknown prompts are dropped.
func (r *Repository) CopyMessages(ctx context.Context, sourceAgentID, targetAgentID string, promptIDMap map[string]string) error {
	messages, err := r.ListMessages(ctx, sourceAgentID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(`
		INSERT INTO agent_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, message := range messages {
		var promptID *string
		if message.PromptID != nil {
			if mapped, ok := promptIDMap[*message.PromptID]; ok {
				promptID = &mapped
			}
		}
		if _, err := stmt.ExecContext(ctx, uuid.New().String(), targetAgentID,
			message.APIMessageID, promptID, string(message.Role), message.Content,
			message.CreatedAt, message.UpdatedAt); err != nil {
			return fmt.Errorf("failed to copy message: %w", err)
		}
	}
	return tx.Commit()
}

func prepareMessage(message *models.AgentMessage) {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = now
	if message.Role == "" {
		message.Role = models.MessageRoleAssistant
	}
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*models.AgentMessage, error) {
	message := &models.AgentMessage{}
	var role string
	var promptID sql.NullString
	if err := scanner.Scan(
		&message.ID, &message.AgentID, &message.APIMessageID, &promptID,
		&role, &message.Content, &message.CreatedAt, &message.UpdatedAt,
	); err != nil {
		return nil, err
	}
	message.Role = models.MessageRole(role)
	message.PromptID = strPtr(promptID)
	message.CreatedAt = message.CreatedAt.UTC()
	message.UpdatedAt = message.UpdatedAt.UTC()
	return message, nil
}

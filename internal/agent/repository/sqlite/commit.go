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
	"github.com/ariana-dot-dev/ariana-sub004/internal/db/dialect"
)

const commitColumns = `id, agent_id, sha, message, additions, deletions, pushed, is_reverted, committed_at, created_at`

// CreateCommit records a commit made on the agent's branch.
func (r *Repository) CreateCommit(ctx context.Context, commit *models.AgentCommit) error {
	if commit == nil {
		return fmt.Errorf("commit is nil")
	}
	if commit.ID == "" {
		commit.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if commit.CreatedAt.IsZero() {
		commit.CreatedAt = now
	}
	if commit.Timestamp.IsZero() {
		commit.Timestamp = now
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agent_commits (`+commitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), commit.ID, commit.AgentID, commit.Sha, commit.Message, commit.Additions, commit.Deletions,
		dialect.BoolToInt(commit.Pushed), dialect.BoolToInt(commit.IsReverted), commit.Timestamp, commit.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create commit: %w", err)
	}
	return nil
}

// UpdateCommit persists the commit's mutable flags (pushed / reverted, and
// the sha which changes when history is rewritten).
func (r *Repository) UpdateCommit(ctx context.Context, commit *models.AgentCommit) error {
	if commit == nil {
		return fmt.Errorf("commit is nil")
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agent_commits
		SET sha = ?, message = ?, additions = ?, deletions = ?, pushed = ?, is_reverted = ?
		WHERE id = ?
	`), commit.Sha, commit.Message, commit.Additions, commit.Deletions,
		dialect.BoolToInt(commit.Pushed), dialect.BoolToInt(commit.IsReverted), commit.ID)
	if err != nil {
		return fmt.Errorf("failed to update commit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("commit", commit.ID)
	}
	return nil
}

// ListCommits returns the agent's commits oldest first.
func (r *Repository) ListCommits(ctx context.Context, agentID string) ([]*models.AgentCommit, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+commitColumns+` FROM agent_commits
		WHERE agent_id = ?
		ORDER BY committed_at ASC, created_at ASC
	`), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var commits []*models.AgentCommit
	for rows.Next() {
		commit, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return commits, nil
}

// LatestCommit returns the agent's newest commit, or nil when it has none.
func (r *Repository) LatestCommit(ctx context.Context, agentID string) (*models.AgentCommit, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+commitColumns+` FROM agent_commits
		WHERE agent_id = ?
		ORDER BY committed_at DESC, created_at DESC
		LIMIT 1
	`), agentID)
	commit, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return commit, err
}

// CreateReset records a conversation reset point for the agent.
func (r *Repository) CreateReset(ctx context.Context, reset *models.AgentReset) error {
	if reset == nil {
		return fmt.Errorf("reset is nil")
	}
	if reset.ID == "" {
		reset.ID = uuid.New().String()
	}
	if reset.CreatedAt.IsZero() {
		reset.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agent_resets (id, agent_id, created_at) VALUES (?, ?, ?)
	`), reset.ID, reset.AgentID, reset.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create reset: %w", err)
	}
	return nil
}

// ListResets returns the agent's reset points oldest first.
func (r *Repository) ListResets(ctx context.Context, agentID string) ([]*models.AgentReset, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, agent_id, created_at FROM agent_resets
		WHERE agent_id = ?
		ORDER BY created_at ASC
	`), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var resets []*models.AgentReset
	for rows.Next() {
		reset := &models.AgentReset{}
		if err := rows.Scan(&reset.ID, &reset.AgentID, &reset.CreatedAt); err != nil {
			return nil, err
		}
		reset.CreatedAt = reset.CreatedAt.UTC()
		resets = append(resets, reset)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return resets, nil
}

// CopyResets duplicates the source agent's reset points onto the target so
// the fork shows the same conversation boundaries.
func (r *Repository) CopyResets(ctx context.Context, sourceAgentID, targetAgentID string) error {
	resets, err := r.ListResets(ctx, sourceAgentID)
	if err != nil {
		return err
	}
	for _, reset := range resets {
		if err := r.CreateReset(ctx, &models.AgentReset{
			AgentID:   targetAgentID,
			CreatedAt: reset.CreatedAt,
		}); err != nil {
			return err
		}
	}
	return nil
}

func scanCommit(scanner interface{ Scan(dest ...any) error }) (*models.AgentCommit, error) {
	commit := &models.AgentCommit{}
	var pushed, isReverted int
	if err := scanner.Scan(
		&commit.ID, &commit.AgentID, &commit.Sha, &commit.Message,
		&commit.Additions, &commit.Deletions, &pushed, &isReverted,
		&commit.Timestamp, &commit.CreatedAt,
	); err != nil {
		return nil, err
	}
	commit.Pushed = pushed == 1
	commit.IsReverted = isReverted == 1
	commit.Timestamp = commit.Timestamp.UTC()
	commit.CreatedAt = commit.CreatedAt.UTC()
	return commit, nil
}

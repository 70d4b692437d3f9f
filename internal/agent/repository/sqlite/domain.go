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

const domainColumns = `id, agent_id, port, domain, target, created_at`

// CreateAgentDomain inserts a gateway registration row.
func (r *Repository) CreateAgentDomain(ctx context.Context, domain *models.AgentDomain) error {
	if domain == nil {
		return fmt.Errorf("domain is nil")
	}
	if domain.ID == "" {
		domain.ID = uuid.New().String()
	}
	if domain.CreatedAt.IsZero() {
		domain.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agent_domains (`+domainColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`), domain.ID, domain.AgentID, domain.Port, domain.Domain, domain.Target, domain.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent domain: %w", err)
	}
	return nil
}

// GetAgentDomain returns the registration for one (agent, port), or nil
// when the port has no domain.
func (r *Repository) GetAgentDomain(ctx context.Context, agentID string, port int) (*models.AgentDomain, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+domainColumns+` FROM agent_domains WHERE agent_id = ? AND port = ?
	`), agentID, port)
	domain, err := scanDomain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return domain, err
}

// ListAgentDomains returns the agent's registrations ordered by port.
func (r *Repository) ListAgentDomains(ctx context.Context, agentID string) ([]*models.AgentDomain, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+domainColumns+` FROM agent_domains
		WHERE agent_id = ?
		ORDER BY port ASC
	`), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var domains []*models.AgentDomain
	for rows.Next() {
		domain, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, domain)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return domains, nil
}

// DeleteAgentDomain removes a registration row.
func (r *Repository) DeleteAgentDomain(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM agent_domains WHERE id = ?
	`), id)
	if err != nil {
		return fmt.Errorf("failed to delete agent domain: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("agent domain", id)
	}
	return nil
}

func scanDomain(scanner interface{ Scan(dest ...any) error }) (*models.AgentDomain, error) {
	domain := &models.AgentDomain{}
	if err := scanner.Scan(
		&domain.ID, &domain.AgentID, &domain.Port, &domain.Domain,
		&domain.Target, &domain.CreatedAt,
	); err != nil {
		return nil, err
	}
	domain.CreatedAt = domain.CreatedAt.UTC()
	return domain, nil
}

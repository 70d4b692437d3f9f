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
)

const machineColumns = `id, provider_name, provider_id, ipv4, url, owner_agent_id, status, secret, created_at, updated_at`

// CreateMachine inserts a new machine reservation row.
func (r *Repository) CreateMachine(ctx context.Context, machine *models.Machine) error {
	if machine == nil {
		return fmt.Errorf("machine is nil")
	}
	if machine.ID == "" {
		machine.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if machine.CreatedAt.IsZero() {
		machine.CreatedAt = now
	}
	machine.UpdatedAt = now
	if machine.Status == "" {
		machine.Status = models.MachineStatusReserved
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO machines (`+machineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), machine.ID, machine.ProviderName, machine.ProviderID, machine.IPv4, machine.URL,
		machine.OwnerAgentID, string(machine.Status), machine.Secret, machine.CreatedAt, machine.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create machine: %w", err)
	}
	return nil
}

// GetMachine returns the machine by id.
func (r *Repository) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+machineColumns+` FROM machines WHERE id = ?
	`), id)
	machine, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("machine", id)
	}
	return machine, err
}

// UpdateMachine persists the machine's mutable fields.
func (r *Repository) UpdateMachine(ctx context.Context, machine *models.Machine) error {
	if machine == nil {
		return fmt.Errorf("machine is nil")
	}
	machine.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE machines
		SET provider_name = ?, provider_id = ?, ipv4 = ?, url = ?, owner_agent_id = ?, status = ?, secret = ?, updated_at = ?
		WHERE id = ?
	`), machine.ProviderName, machine.ProviderID, machine.IPv4, machine.URL,
		machine.OwnerAgentID, string(machine.Status), machine.Secret, machine.UpdatedAt, machine.ID)
	if err != nil {
		return fmt.Errorf("failed to update machine: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("machine", machine.ID)
	}
	return nil
}

// UpdateMachineStatus moves the machine to the given status.
func (r *Repository) UpdateMachineStatus(ctx context.Context, id string, status models.MachineStatus) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE machines SET status = ?, updated_at = ? WHERE id = ?
	`), string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update machine status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("machine", id)
	}
	return nil
}

// AssignMachine binds the machine to an agent and activates it. Only an
// unowned machine can be assigned; losing the race returns an error.
func (r *Repository) AssignMachine(ctx context.Context, machineID, agentID string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE machines
		SET owner_agent_id = ?, status = ?, updated_at = ?
		WHERE id = ? AND owner_agent_id IS NULL
	`), agentID, string(models.MachineStatusActive), time.Now().UTC(), machineID)
	if err != nil {
		return fmt.Errorf("failed to assign machine: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("machine %s is not assignable", machineID)
	}
	return nil
}

// ListMachines returns machines filtered to the given statuses, or all
// machines when none are given.
func (r *Repository) ListMachines(ctx context.Context, statuses ...models.MachineStatus) ([]*models.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += fmt.Sprintf(` WHERE status IN (%s)`, strings.Join(placeholders, ", "))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var machines []*models.Machine
	for rows.Next() {
		machine, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, machine)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return machines, nil
}

// CountActiveMachines counts machines still holding provider capacity, i.e.
// every status except released.
func (r *Repository) CountActiveMachines(ctx context.Context) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM machines WHERE status != ?
	`), string(models.MachineStatusReleased)).Scan(&count)
	return count, err
}

func scanMachine(scanner interface{ Scan(dest ...any) error }) (*models.Machine, error) {
	machine := &models.Machine{}
	var status string
	var url, ownerAgentID sql.NullString
	if err := scanner.Scan(
		&machine.ID, &machine.ProviderName, &machine.ProviderID, &machine.IPv4,
		&url, &ownerAgentID, &status, &machine.Secret,
		&machine.CreatedAt, &machine.UpdatedAt,
	); err != nil {
		return nil, err
	}
	machine.Status = models.MachineStatus(status)
	machine.URL = strPtr(url)
	machine.OwnerAgentID = strPtr(ownerAgentID)
	machine.CreatedAt = machine.CreatedAt.UTC()
	machine.UpdatedAt = machine.UpdatedAt.UTC()
	return machine, nil
}

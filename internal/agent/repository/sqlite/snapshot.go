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

const snapshotColumns = `id, machine_id, r2_key, size_bytes, source, created_at, expires_at`

// CreateSnapshot inserts a snapshot record. Snapshot rows are immutable;
// carryover rows share the r2_key of the row they were copied from.
func (r *Repository) CreateSnapshot(ctx context.Context, snapshot *models.MachineSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if snapshot.ID == "" {
		snapshot.ID = uuid.New().String()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	if snapshot.Source == "" {
		snapshot.Source = models.SnapshotSourceCaptured
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO machine_snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), snapshot.ID, snapshot.MachineID, snapshot.R2Key, snapshot.SizeBytes,
		string(snapshot.Source), snapshot.CreatedAt, snapshot.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the snapshot by id.
func (r *Repository) GetSnapshot(ctx context.Context, id string) (*models.MachineSnapshot, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+snapshotColumns+` FROM machine_snapshots WHERE id = ?
	`), id)
	snapshot, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("snapshot", id)
	}
	return snapshot, err
}

// LatestSnapshotForMachine returns the machine's newest snapshot, or nil
// when the machine has none.
func (r *Repository) LatestSnapshotForMachine(ctx context.Context, machineID string) (*models.MachineSnapshot, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+snapshotColumns+` FROM machine_snapshots
		WHERE machine_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`), machineID)
	snapshot, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snapshot, err
}

// ListExpiredSnapshots returns snapshots whose retention window has passed.
func (r *Repository) ListExpiredSnapshots(ctx context.Context, now time.Time) ([]*models.MachineSnapshot, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+snapshotColumns+` FROM machine_snapshots
		WHERE expires_at <= ?
		ORDER BY expires_at ASC
	`), now.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var snapshots []*models.MachineSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// CountSnapshotsByR2Key counts rows referencing the same stored blob. The
// expiry sweep only deletes the blob when the last reference goes.
func (r *Repository) CountSnapshotsByR2Key(ctx context.Context, r2Key string) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM machine_snapshots WHERE r2_key = ?
	`), r2Key).Scan(&count)
	return count, err
}

// DeleteSnapshot removes the snapshot row.
func (r *Repository) DeleteSnapshot(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM machine_snapshots WHERE id = ?
	`), id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("snapshot", id)
	}
	return nil
}

func scanSnapshot(scanner interface{ Scan(dest ...any) error }) (*models.MachineSnapshot, error) {
	snapshot := &models.MachineSnapshot{}
	var source string
	if err := scanner.Scan(
		&snapshot.ID, &snapshot.MachineID, &snapshot.R2Key, &snapshot.SizeBytes,
		&source, &snapshot.CreatedAt, &snapshot.ExpiresAt,
	); err != nil {
		return nil, err
	}
	snapshot.Source = models.SnapshotSource(source)
	snapshot.CreatedAt = snapshot.CreatedAt.UTC()
	snapshot.ExpiresAt = snapshot.ExpiresAt.UTC()
	return snapshot, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
)

// GetUsageRecord returns the user's usage counters, or nil when the user has
// no recorded usage yet.
func (r *Repository) GetUsageRecord(ctx context.Context, userID string) (*models.UsageRecord, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT user_id, projects_total, agents_this_month, agents_month_reset_at, updated_at
		FROM usage_records WHERE user_id = ?
	`), userID)
	record, err := scanUsageRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// IncrementAgentsThisMonth bumps the user's monthly agent counter and
// returns the updated record. When the reset timestamp has passed, the
// window rolls forward and the counter restarts at one.
func (r *Repository) IncrementAgentsThisMonth(ctx context.Context, userID string) (*models.UsageRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	record, err := scanUsageRecord(tx.QueryRowContext(ctx, r.db.Rebind(`
		SELECT user_id, projects_total, agents_this_month, agents_month_reset_at, updated_at
		FROM usage_records WHERE user_id = ?
	`), userID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		record = &models.UsageRecord{
			UserID:             userID,
			AgentsThisMonth:    1,
			AgentsMonthResetAt: nextMonthStart(now),
			UpdatedAt:          now,
		}
		if _, err := tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO usage_records (user_id, projects_total, agents_this_month, agents_month_reset_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`), record.UserID, record.ProjectsTotal, record.AgentsThisMonth, record.AgentsMonthResetAt, record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to insert usage record: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		if !now.Before(record.AgentsMonthResetAt) {
			record.AgentsThisMonth = 1
			record.AgentsMonthResetAt = nextMonthStart(now)
		} else {
			record.AgentsThisMonth++
		}
		record.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE usage_records
			SET agents_this_month = ?, agents_month_reset_at = ?, updated_at = ?
			WHERE user_id = ?
		`), record.AgentsThisMonth, record.AgentsMonthResetAt, record.UpdatedAt, record.UserID); err != nil {
			return nil, fmt.Errorf("failed to update usage record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return record, nil
}

// RecordUsageEvent logs one consumption event for rate-window counting.
func (r *Repository) RecordUsageEvent(ctx context.Context, userID, resource string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO usage_events (id, user_id, resource, created_at) VALUES (?, ?, ?, ?)
	`), uuid.New().String(), userID, resource, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record usage event: %w", err)
	}
	return nil
}

// CountUsageEventsSince counts the user's events for a resource within the
// rate window.
func (r *Repository) CountUsageEventsSince(ctx context.Context, userID, resource string, since time.Time) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM usage_events
		WHERE user_id = ? AND resource = ? AND created_at >= ?
	`), userID, resource, since.UTC()).Scan(&count)
	return count, err
}

// RecordIPEvent logs one anonymous-creation event for an IP address.
func (r *Repository) RecordIPEvent(ctx context.Context, ip string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO ip_events (id, ip, created_at) VALUES (?, ?, ?)
	`), uuid.New().String(), ip, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record ip event: %w", err)
	}
	return nil
}

// CountIPEventsSince counts creation events from an IP within the window.
func (r *Repository) CountIPEventsSince(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM ip_events WHERE ip = ? AND created_at >= ?
	`), ip, since.UTC()).Scan(&count)
	return count, err
}

func nextMonthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

func scanUsageRecord(scanner interface{ Scan(dest ...any) error }) (*models.UsageRecord, error) {
	record := &models.UsageRecord{}
	if err := scanner.Scan(
		&record.UserID, &record.ProjectsTotal, &record.AgentsThisMonth,
		&record.AgentsMonthResetAt, &record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.AgentsMonthResetAt = record.AgentsMonthResetAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

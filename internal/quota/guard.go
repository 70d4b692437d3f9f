// Package quota admits resource creation against per-user sliding windows
// and a monthly counter, plus per-IP windows as abuse brakes. The guard is
// advisory bookkeeping, not billing: windows are counted from event rows and
// the monthly counter rolls lazily on first use after its reset time.
package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/config"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// Resource names recorded in usage events.
const (
	ResourceAgent  = "agent"
	ResourcePrompt = "prompt"
)

// Store is the slice of the repository the guard needs.
type Store interface {
	GetUsageRecord(ctx context.Context, userID string) (*models.UsageRecord, error)
	IncrementAgentsThisMonth(ctx context.Context, userID string) (*models.UsageRecord, error)
	RecordUsageEvent(ctx context.Context, userID, resource string) error
	CountUsageEventsSince(ctx context.Context, userID, resource string, since time.Time) (int, error)
	RecordIPEvent(ctx context.Context, ip string) error
	CountIPEventsSince(ctx context.Context, ip string, since time.Time) (int, error)
}

// window pairs a limit with its lookback.
type window struct {
	limitType string
	limit     int
	span      time.Duration
}

// Guard enforces the quota config. A zero limit disables that window.
type Guard struct {
	store Store
	cfg   config.QuotaConfig
	log   *logger.Logger
}

// NewGuard creates the guard.
func NewGuard(store Store, cfg config.QuotaConfig, log *logger.Logger) *Guard {
	return &Guard{
		store: store,
		cfg:   cfg,
		log:   log.WithFields(zap.String("component", "quota-guard")),
	}
}

// Check admits one new resource for the user and, when ip is non-empty, the
// caller's IP. On admission every counter is charged; on rejection nothing
// is, and the error names the exhausted limit so the UI can explain it.
func (g *Guard) Check(ctx context.Context, userID, ip, resource string) error {
	now := time.Now().UTC()

	if ip != "" {
		ipWindows := []window{
			{"minute", g.cfg.IPPerMinute, time.Minute},
			{"hour", g.cfg.IPPerHour, time.Hour},
		}
		for _, w := range ipWindows {
			if w.limit <= 0 {
				continue
			}
			count, err := g.store.CountIPEventsSince(ctx, ip, now.Add(-w.span))
			if err != nil {
				return fmt.Errorf("failed to count ip events: %w", err)
			}
			if count >= w.limit {
				g.log.Warn("ip quota exceeded",
					zap.String("ip", ip),
					zap.String("limit_type", w.limitType),
					zap.Int("count", count))
				return apperrors.Quota(w.limitType, "request", count, w.limit, false)
			}
		}
	}

	userWindows := []window{
		{"minute", g.cfg.AgentsPerMinute, time.Minute},
		{"hour", g.cfg.AgentsPerHour, time.Hour},
		{"day", g.cfg.AgentsPerDay, 24 * time.Hour},
	}
	for _, w := range userWindows {
		if w.limit <= 0 {
			continue
		}
		count, err := g.store.CountUsageEventsSince(ctx, userID, resource, now.Add(-w.span))
		if err != nil {
			return fmt.Errorf("failed to count usage events: %w", err)
		}
		if count >= w.limit {
			g.log.Warn("user quota exceeded",
				zap.String("user_id", userID),
				zap.String("resource", resource),
				zap.String("limit_type", w.limitType),
				zap.Int("count", count))
			return apperrors.Quota(w.limitType, resource, count, w.limit, false)
		}
	}

	if resource == ResourceAgent && g.cfg.AgentsPerMonth > 0 {
		record, err := g.store.GetUsageRecord(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load usage record: %w", err)
		}
		// A record past its reset time has rolled over; the increment
		// below starts the new month at 1.
		if record != nil && now.Before(record.AgentsMonthResetAt) &&
			record.AgentsThisMonth >= g.cfg.AgentsPerMonth {
			g.log.Warn("monthly agent quota exceeded",
				zap.String("user_id", userID),
				zap.Int("count", record.AgentsThisMonth))
			return apperrors.Quota("month", resource, record.AgentsThisMonth, g.cfg.AgentsPerMonth, true)
		}
	}

	return g.charge(ctx, userID, ip, resource)
}

// CheckSystem admits a system-initiated resource, for auto-restore and other
// internal flows. It never charges the user's counters.
func (g *Guard) CheckSystem(_ context.Context, userID, resource string) error {
	g.log.Debug("system admission",
		zap.String("user_id", userID),
		zap.String("resource", resource))
	return nil
}

func (g *Guard) charge(ctx context.Context, userID, ip, resource string) error {
	if err := g.store.RecordUsageEvent(ctx, userID, resource); err != nil {
		return fmt.Errorf("failed to record usage event: %w", err)
	}
	if ip != "" {
		if err := g.store.RecordIPEvent(ctx, ip); err != nil {
			return fmt.Errorf("failed to record ip event: %w", err)
		}
	}
	if resource == ResourceAgent {
		if _, err := g.store.IncrementAgentsThisMonth(ctx, userID); err != nil {
			return fmt.Errorf("failed to increment monthly counter: %w", err)
		}
	}
	return nil
}

// Usage reports the user's current monthly consumption for the API layer.
func (g *Guard) Usage(ctx context.Context, userID string) (*models.UsageRecord, error) {
	record, err := g.store.GetUsageRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = &models.UsageRecord{UserID: userID}
	}
	return record, nil
}

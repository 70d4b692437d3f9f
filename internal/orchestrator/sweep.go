package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events"
	"github.com/ariana-dot-dev/ariana-sub004/internal/quota"
)

var allAgentStates = []models.AgentState{
	models.AgentStateProvisioning,
	models.AgentStateProvisioned,
	models.AgentStateCloning,
	models.AgentStateReady,
	models.AgentStateIdle,
	models.AgentStateRunning,
	models.AgentStateArchived,
	models.AgentStateError,
}

// runSweeps loops the scheduled maintenance passes until ctx is cancelled.
// Only replica 0 runs it.
func (s *Service) runSweeps(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.autoRestoreSweep(ctx)
			s.idleArchiveSweep(ctx)
			s.census(ctx)
		}
	}
}

// autoRestoreSweep resumes recently errored agents, at most one per user
// per calendar day, without charging anyone's monthly quota. An agent that
// fails again lands back in ERROR with its prompts failed, so the sweep
// cannot loop on it.
func (s *Service) autoRestoreSweep(ctx context.Context) {
	now := time.Now().UTC()
	agents, err := s.repo.ListErrorAgentsCreatedSince(ctx, now.Add(-s.cfg.SweepWindow))
	if err != nil {
		s.log.Error("auto-restore scan failed", zap.Error(err))
		return
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for _, agent := range agents {
		if agent.IsTrashed || agent.MachineType != models.MachineTypeManaged {
			continue
		}
		restored, err := s.repo.CountAutoRestoredSince(ctx, agent.UserID, startOfDay)
		if err != nil {
			s.log.Error("auto-restore count failed",
				zap.String("user_id", agent.UserID), zap.Error(err))
			continue
		}
		if restored > 0 {
			continue
		}
		// Compare-and-set on lastAutoRestoredAt; a concurrent sweep on
		// another replica loses here.
		won, err := s.repo.SetAgentAutoRestoredNow(ctx, agent.ID)
		if err != nil || !won {
			continue
		}
		if err := s.quota.CheckSystem(ctx, agent.UserID, quota.ResourceAgent); err != nil {
			continue
		}

		s.log.Info("auto-restoring agent",
			zap.String("agent_id", agent.ID),
			zap.String("user_id", agent.UserID))
		target, err := s.Fork(ctx, agent.ID, agent.UserID, "", false)
		if err != nil {
			s.log.Warn("auto-restore failed",
				zap.String("agent_id", agent.ID), zap.Error(err))
			continue
		}
		s.publishEvent(ctx, events.AgentAutoRestored, target, nil)
	}
}

// idleArchiveSweep archives agents whose last activity is older than the
// idle TTL. RUNNING agents are never touched.
func (s *Service) idleArchiveSweep(ctx context.Context) {
	if s.cfg.IdleTTL <= 0 {
		return
	}
	agents, err := s.repo.ListAgentsByState(ctx, models.AgentStateReady, models.AgentStateIdle)
	if err != nil {
		s.log.Error("idle scan failed", zap.Error(err))
		return
	}
	cutoff := time.Now().UTC().Add(-s.cfg.IdleTTL)
	for _, agent := range agents {
		if agent.UpdatedAt.After(cutoff) {
			continue
		}
		s.log.Info("archiving idle agent",
			zap.String("agent_id", agent.ID),
			zap.Time("last_activity", agent.UpdatedAt))
		if _, err := s.Archive(ctx, agent.ID, agent.UserID); err != nil {
			s.log.Warn("idle archive failed",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
}

// census refreshes the state gauges.
func (s *Service) census(ctx context.Context) {
	agents, err := s.repo.ListAgentsByState(ctx, allAgentStates...)
	if err != nil {
		s.log.Error("census scan failed", zap.Error(err))
		return
	}
	counts := make(map[string]int, len(allAgentStates))
	for _, agent := range agents {
		counts[string(agent.State)]++
	}
	s.metrics.SetAgentStates(counts)

	active, err := s.pool.ActiveCount(ctx)
	if err != nil {
		s.log.Error("active machine count failed", zap.Error(err))
		return
	}
	s.metrics.MachinesActive.Set(float64(active))
}

package machine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
)

var machineHoldingStates = []models.AgentState{
	models.AgentStateProvisioning,
	models.AgentStateProvisioned,
	models.AgentStateCloning,
	models.AgentStateReady,
	models.AgentStateIdle,
	models.AgentStateRunning,
}

// Reconcile repairs drift between machine rows and agent rows. It releases
// machines whose owner no longer holds them, errors out agents that point
// at dead machines, and finishes releases a crashed replica left behind.
// Agents holding machines can therefore never exceed the pool's active
// count for longer than one reconcile interval.
func (p *Pool) Reconcile(ctx context.Context) error {
	machines, err := p.store.ListMachines(ctx,
		models.MachineStatusReserved,
		models.MachineStatusActive,
		models.MachineStatusReleasing)
	if err != nil {
		return fmt.Errorf("failed to list machines: %w", err)
	}

	agents, err := p.store.ListAgentsByState(ctx, machineHoldingStates...)
	if err != nil {
		return fmt.Errorf("failed to list holding agents: %w", err)
	}

	holders := make(map[string]*models.Agent, len(agents))
	for _, a := range agents {
		if a.MachineID != nil {
			holders[*a.MachineID] = a
		}
	}

	now := time.Now().UTC()
	for _, m := range machines {
		switch m.Status {
		case models.MachineStatusReleasing:
			// A releasing row older than the grace window means the
			// destroy goroutine died with its replica. Finish it here.
			if now.Sub(m.UpdatedAt) > reconcileGrace {
				p.log.Warn("finishing stale release",
					zap.String("machine_id", m.ID))
				p.destroys.Add(1)
				go p.finishRelease(m)
			}

		case models.MachineStatusReserved, models.MachineStatusActive:
			if _, held := holders[m.ID]; held {
				continue
			}
			// Unheld machines inside the grace window are most likely
			// mid-provision; leave them alone.
			if m.OwnerAgentID == nil && now.Sub(m.CreatedAt) <= reconcileGrace {
				continue
			}
			p.log.Warn("releasing leaked machine",
				zap.String("machine_id", m.ID),
				zap.String("status", string(m.Status)))
			if err := p.Release(ctx, m.ID); err != nil {
				p.log.Error("failed to release leaked machine",
					zap.String("machine_id", m.ID), zap.Error(err))
			}
		}
	}

	alive := make(map[string]models.MachineStatus, len(machines))
	for _, m := range machines {
		alive[m.ID] = m.Status
	}
	for _, a := range agents {
		if a.MachineID == nil {
			// Holding states require a machine; without one the agent
			// cannot make progress.
			p.failAgent(ctx, a, "machine reference lost")
			continue
		}
		status, ok := alive[*a.MachineID]
		if !ok || status == models.MachineStatusReleasing {
			p.failAgent(ctx, a, "machine no longer available")
		}
	}

	return nil
}

// RunReconciler loops Reconcile until ctx is cancelled. The orchestrator
// starts one per process; robustness against overlapping runs comes from
// every step being idempotent.
func (p *Pool) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Reconcile(ctx); err != nil {
				p.log.Error("reconcile pass failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) failAgent(ctx context.Context, a *models.Agent, reason string) {
	err := p.store.UpdateAgentState(ctx, a.ID, models.AgentStateError, reason)
	if err != nil && !apperrors.IsKind(err, apperrors.KindNotFound) {
		p.log.Error("failed to error out agent",
			zap.String("agent_id", a.ID), zap.Error(err))
		return
	}
	p.log.Warn("agent errored by reconciler",
		zap.String("agent_id", a.ID),
		zap.String("reason", reason))
}

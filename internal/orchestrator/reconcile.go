package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events/bus"
)

// reconcileOnStartup repairs state a dead replica left behind. Transitional
// agents lost their pipeline with the process and cannot be picked back
// up, so they fail; live agents are re-verified against their machine and
// re-armed in the poller.
func (s *Service) reconcileOnStartup(ctx context.Context) error {
	stuck, err := s.repo.ListAgentsByState(ctx,
		models.AgentStateProvisioning,
		models.AgentStateProvisioned,
		models.AgentStateCloning)
	if err != nil {
		return err
	}
	for _, agent := range stuck {
		s.log.Warn("failing agent stranded mid-provisioning",
			zap.String("agent_id", agent.ID),
			zap.String("state", string(agent.State)))
		s.failAgent(ctx, agent,
			apperrors.New(apperrors.KindProvisioningFailed, "controller restarted during provisioning"))
	}

	live, err := s.repo.ListAgentsByState(ctx,
		models.AgentStateReady,
		models.AgentStateIdle,
		models.AgentStateRunning)
	if err != nil {
		return err
	}
	for _, agent := range live {
		if agent.MachineID == nil {
			s.failAgent(ctx, agent, apperrors.New(apperrors.KindInternal, "machine reference lost"))
			continue
		}
		m, err := s.repo.GetMachine(ctx, *agent.MachineID)
		if err != nil || m.Status != models.MachineStatusActive {
			s.failAgent(ctx, agent, apperrors.New(apperrors.KindInternal, "machine no longer available"))
			continue
		}
		s.watch(agent)
	}

	if err := s.pool.Reconcile(ctx); err != nil {
		s.log.Warn("pool reconcile failed", zap.Error(err))
	}
	return nil
}

// subscribeWorkerActions routes spooled worker actions (published by the
// poller) to exactly one controller replica.
func (s *Service) subscribeWorkerActions() error {
	sub, err := s.bus.QueueSubscribe(events.BuildWorkerActionWildcardSubject(), "controllers", s.handleWorkerAction)
	if err != nil {
		return err
	}
	s.actionSub = sub
	return nil
}

// handleWorkerAction executes one action on behalf of the agent's owner.
// Actions are best-effort: an agent that is gone or not ready drops the
// action without retry.
func (s *Service) handleWorkerAction(ctx context.Context, event *bus.Event) error {
	agentID, _ := event.Data["agentId"].(string)
	actionType, _ := event.Data["type"].(string)
	if agentID == "" || actionType == "" {
		return nil
	}

	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			return nil
		}
		return err
	}

	switch actionType {
	case types.ActionStopAgent:
		if err := s.Interrupt(ctx, agentID, agent.UserID); err != nil {
			if apperrors.IsKind(err, apperrors.KindAgentNotReady) {
				return nil
			}
			s.log.Warn("stop_agent action failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	case types.ActionQueuePrompt:
		payload, _ := event.Data["payload"].(string)
		if strings.TrimSpace(payload) == "" {
			return nil
		}
		if _, err := s.enqueuePrompt(ctx, agent, payload); err != nil {
			s.log.Warn("queue_prompt action failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	default:
		s.log.Warn("unknown worker action",
			zap.String("agent_id", agentID),
			zap.String("type", actionType))
	}
	return nil
}

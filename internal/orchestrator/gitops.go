package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events"
)

// ErrNothingToCommit reports a clean working tree. The API layer turns it
// into a 200 with nothingToCommit set instead of an error envelope.
var ErrNothingToCommit = errors.New("nothing to commit")

// workerFor dials the agent's live worker. Fails AGENT_NOT_READY when the
// agent holds no machine or has not finished provisioning.
func (s *Service) workerFor(ctx context.Context, agent *models.Agent) (Worker, error) {
	if agent.MachineID == nil || !agent.IsReady {
		return nil, apperrors.New(apperrors.KindAgentNotReady, "agent is not running")
	}
	m, err := s.repo.GetMachine(ctx, *agent.MachineID)
	if err != nil {
		return nil, err
	}
	return s.dial(m, agent.ID)
}

// Commit asks the worker to commit the working tree. An empty message lets
// the worker generate one. The resulting commit is recorded and
// denormalized onto the agent so listings stay fresh without a poll cycle.
func (s *Service) Commit(ctx context.Context, agentID, userID, message string) (*models.AgentCommit, error) {
	agent, err := s.GetAgent(ctx, agentID, userID)
	if err != nil {
		return nil, err
	}
	w, err := s.workerFor(ctx, agent)
	if err != nil {
		return nil, err
	}

	resp, err := w.GitCommit(ctx, message)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindGitFailure, "commit failed")
	}
	if resp.NothingToCommit {
		return nil, ErrNothingToCommit
	}

	commit := &models.AgentCommit{
		AgentID:   agent.ID,
		Sha:       resp.Sha,
		Message:   resp.Message,
		Additions: resp.Additions,
		Deletions: resp.Deletions,
		Timestamp: resp.CommittedAt,
	}
	if err := s.repo.CreateCommit(ctx, commit); err != nil {
		return nil, err
	}

	agent.LastCommitSha = &commit.Sha
	agent.LastCommitName = &commit.Message
	agent.LastCommitAt = &commit.Timestamp
	agent.LastCommitPushed = false
	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		s.log.Warn("failed to denormalize commit",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}
	s.publishEvent(ctx, events.CommitRecorded, agent, map[string]any{
		"sha":     commit.Sha,
		"message": commit.Message,
	})
	return commit, nil
}

// Push pushes the agent branch. On success the latest recorded commit and
// the agent's pushed markers are updated.
func (s *Service) Push(ctx context.Context, agentID, userID string, force bool) (*types.PushResponse, error) {
	agent, err := s.GetAgent(ctx, agentID, userID)
	if err != nil {
		return nil, err
	}
	w, err := s.workerFor(ctx, agent)
	if err != nil {
		return nil, err
	}

	resp, err := w.GitPush(ctx, force)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindGitFailure, "push failed")
	}
	if !resp.Pushed {
		return resp, nil
	}

	if latest, err := s.repo.LatestCommit(ctx, agent.ID); err == nil && latest != nil {
		latest.Pushed = true
		if err := s.repo.UpdateCommit(ctx, latest); err != nil {
			s.log.Warn("failed to mark commit pushed",
				zap.String("commit_id", latest.ID), zap.Error(err))
		}
	}
	agent.LastCommitPushed = true
	if resp.CommitSha != "" {
		agent.GitHistoryLastPushedCommitSha = &resp.CommitSha
	}
	if resp.URL != "" {
		agent.LastCommitURL = &resp.URL
	}
	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		s.log.Warn("failed to denormalize push",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}
	s.publishEvent(ctx, events.CommitPushed, agent, map[string]any{
		"sha": resp.CommitSha,
		"url": resp.URL,
	})
	return resp, nil
}

// GitHistory reads the branch history live from the worker. The database
// rows under /commits only cover commits the controller saw; this is the
// worker's own view.
func (s *Service) GitHistory(ctx context.Context, agentID, userID string) (*types.HistoryResponse, error) {
	agent, err := s.GetAgent(ctx, agentID, userID)
	if err != nil {
		return nil, err
	}
	w, err := s.workerFor(ctx, agent)
	if err != nil {
		return nil, err
	}
	resp, err := w.GitHistory(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindGitFailure, "history read failed")
	}
	return resp, nil
}

// TriggerAutomation fires a manual automation on the worker by id or name.
func (s *Service) TriggerAutomation(ctx context.Context, agentID, userID, automationID, name string) error {
	if automationID == "" && name == "" {
		return apperrors.Validation("automationId or name is required")
	}
	agent, err := s.GetAgent(ctx, agentID, userID)
	if err != nil {
		return err
	}
	w, err := s.workerFor(ctx, agent)
	if err != nil {
		return err
	}
	if err := w.TriggerManualAutomation(ctx, automationID, name); err != nil {
		return apperrors.Wrap(err, apperrors.KindAutomationFailure, "automation trigger failed")
	}
	return nil
}

// StopAutomation kills one running automation on the worker.
func (s *Service) StopAutomation(ctx context.Context, agentID, userID, automationID string) error {
	if automationID == "" {
		return apperrors.Validation("automationId is required")
	}
	agent, err := s.GetAgent(ctx, agentID, userID)
	if err != nil {
		return err
	}
	w, err := s.workerFor(ctx, agent)
	if err != nil {
		return err
	}
	if err := w.StopAutomation(ctx, automationID); err != nil {
		return apperrors.Wrap(err, apperrors.KindAutomationFailure, "automation stop failed")
	}
	return nil
}


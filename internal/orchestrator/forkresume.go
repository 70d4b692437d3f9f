package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events"
	"github.com/ariana-dot-dev/ariana-sub004/internal/quota"
)

// transition is one in-flight provisioning pipeline. Concurrent callers
// hold the pointer and read agent/err after done closes.
type transition struct {
	id    string
	done  chan struct{}
	agent *models.Agent
	err   error
}

// Fork brings an agent's snapshot up on a fresh machine. With
// forceNewAgent false and the caller owning an archived or errored source,
// the same agent row is resumed; otherwise a new agent is created with the
// source's conversation and git history copied over.
//
// The returned agent is in PROVISIONING; the pipeline finishes in the
// background. Admission errors (quota, pool) surface synchronously with no
// rows written.
func (s *Service) Fork(ctx context.Context, sourceID, newOwnerID, newName string, forceNewAgent bool) (*models.Agent, error) {
	if newOwnerID == "" {
		return nil, apperrors.Validation("newOwnerId is required")
	}
	source, err := s.repo.GetAgent(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	sameOwner := source.UserID == newOwnerID
	resumeIntent := !forceNewAgent && sameOwner

	// A transitional source with resume intent means someone is already
	// bringing this agent up; join them instead of forking twice.
	if resumeIntent && source.State.IsTransitional() {
		if v, ok := s.inflight.Load(sourceID); ok {
			return s.waitFor(ctx, v.(*transition))
		}
		return s.awaitRemote(ctx, sourceID)
	}

	if source.MachineType != models.MachineTypeManaged {
		return nil, apperrors.Validation("agents on custom machines cannot be forked")
	}
	snap, err := s.snaps.LatestFor(ctx, source)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, apperrors.New(apperrors.KindSnapshotMissing, "no snapshot available for this agent")
	}

	resume := resumeIntent && source.State.IsResumable()

	var t *transition
	if resume {
		var joined bool
		t, joined = s.trackOrJoin(sourceID)
		if joined {
			return s.waitFor(ctx, t)
		}
		// Re-check under the guard: another caller may have won the
		// store race and settled already.
		source, err = s.repo.GetAgent(ctx, sourceID)
		if err != nil {
			s.settle(t, nil, err)
			return nil, err
		}
		if !source.State.IsResumable() {
			s.settle(t, source, nil)
			if source.State.IsTransitional() {
				return s.awaitRemote(ctx, sourceID)
			}
			return source, nil
		}
	}

	if resume {
		err = s.quota.CheckSystem(ctx, newOwnerID, quota.ResourceAgent)
	} else {
		err = s.quota.Check(ctx, newOwnerID, "", quota.ResourceAgent)
	}
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindQuota) {
			s.metrics.QuotaDenied.Inc()
		}
		if t != nil {
			s.settle(t, nil, err)
		}
		return nil, err
	}

	m, err := s.pool.ReserveWait(ctx, newOwnerID, s.cfg.ReserveWait)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindPoolExhausted) {
			s.metrics.PoolExhausted.Inc()
		}
		if t != nil {
			s.settle(t, nil, err)
		}
		return nil, err
	}

	var target *models.Agent
	if resume {
		target = source
		target.ApplyState(models.AgentStateProvisioning)
		target.ErrorMessage = nil
		if err := s.repo.UpdateAgent(ctx, target); err != nil {
			s.releaseAfterAdmission(ctx, m.ID)
			s.settle(t, nil, err)
			return nil, err
		}
	} else {
		target = forkRow(source, newOwnerID, newName, sameOwner)
		if err := s.repo.CreateAgent(ctx, target); err != nil {
			s.releaseAfterAdmission(ctx, m.ID)
			return nil, err
		}
		t = s.track(target.ID)
	}
	s.publishState(ctx, target)

	if err := s.pool.Assign(ctx, m.ID, target.ID); err != nil {
		s.failTransition(ctx, t, target, err)
		return nil, err
	}
	target.MachineID = &m.ID
	if err := s.repo.UpdateAgent(ctx, target); err != nil {
		s.failTransition(ctx, t, target, err)
		return nil, err
	}

	if !resume {
		if err := s.copyHistory(ctx, source.ID, target.ID); err != nil {
			s.failTransition(ctx, t, target, err)
			return nil, err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runForkPipeline(s.runCtx, t, target, m, snap)
	}()
	return target, nil
}

// forkRow builds the new agent row for a fresh fork: denormalized history
// copied, task summary cleared, environment inherited only when the new
// owner may see its secrets.
func forkRow(source *models.Agent, newOwnerID, newName string, sameOwner bool) *models.Agent {
	target := &models.Agent{
		UserID:      newOwnerID,
		ProjectID:   source.ProjectID,
		Name:        source.Name,
		MachineType: models.MachineTypeManaged,
		BranchName:  source.BranchName,
		BaseBranch:  source.BaseBranch,

		LastCommitSha:                 source.LastCommitSha,
		LastCommitURL:                 source.LastCommitURL,
		LastCommitAt:                  source.LastCommitAt,
		LastCommitPushed:              source.LastCommitPushed,
		LastCommitName:                source.LastCommitName,
		LastPromptText:                source.LastPromptText,
		LastPromptAt:                  source.LastPromptAt,
		LastToolName:                  source.LastToolName,
		LastToolTarget:                source.LastToolTarget,
		LastToolAt:                    source.LastToolAt,
		GitHistoryLastPushedCommitSha: source.GitHistoryLastPushedCommitSha,
	}
	if newName != "" {
		target.Name = newName
	}
	if sameOwner {
		// The source keeps its branch; the fork diverges under its own.
		target.BranchName = fmt.Sprintf("%s-fork-%s", source.BranchName, shortID())
	}
	if sameOwner || source.IsTemplate {
		target.EnvironmentID = source.EnvironmentID
	}
	if source.LastCommitSha != nil {
		target.StartCommitSha = source.LastCommitSha
	} else {
		target.StartCommitSha = source.StartCommitSha
	}
	target.ApplyState(models.AgentStateProvisioning)
	return target
}

// copyHistory moves the source's conversation onto a fresh fork: prompts
// get new ids, messages are rewritten against the id map, resets come
// along. Commit rows stay with the source; the denormalized fields on the
// fork row carry the tip.
func (s *Service) copyHistory(ctx context.Context, sourceID, targetID string) error {
	promptIDs, err := s.repo.CopyPrompts(ctx, sourceID, targetID)
	if err != nil {
		return fmt.Errorf("failed to copy prompts: %w", err)
	}
	if err := s.repo.CopyMessages(ctx, sourceID, targetID, promptIDs); err != nil {
		return fmt.Errorf("failed to copy messages: %w", err)
	}
	if err := s.repo.CopyResets(ctx, sourceID, targetID); err != nil {
		return fmt.Errorf("failed to copy resets: %w", err)
	}
	return nil
}

// runForkPipeline drives the machine side of fork/resume: boot, restore,
// probe, carryover, /start, finalize.
func (s *Service) runForkPipeline(ctx context.Context, t *transition, agent *models.Agent, m *models.Machine, snap *models.MachineSnapshot) {
	m, err := s.pool.Provision(ctx, m.ID)
	if err != nil {
		s.failTransition(ctx, t, agent,
			apperrors.Wrap(err, apperrors.KindProvisioningFailed, "machine provisioning failed"))
		return
	}
	if err := s.advance(ctx, agent, models.AgentStateProvisioned); err != nil {
		s.failTransition(ctx, t, agent, err)
		return
	}

	// No CLONING here: the tree comes from the image, not from git.
	w, err := s.bootWorker(ctx, m, agent.ID)
	if err != nil {
		s.failTransition(ctx, t, agent, err)
		return
	}

	restoreCtx, cancel := context.WithTimeout(ctx, s.cfg.RestoreTimeout)
	err = s.restoreImage(restoreCtx, w, m, snap)
	cancel()
	if err != nil {
		s.failTransition(ctx, t, agent,
			apperrors.Wrap(err, apperrors.KindSnapshotRestoreFailed, "snapshot restore failed"))
		return
	}

	// The worker restarts itself after applying the image; wait for it
	// to come back before /start.
	if err := w.WaitHealthy(ctx, s.cfg.HealthProbeAttempts, s.cfg.HealthProbeInterval); err != nil {
		s.failTransition(ctx, t, agent,
			apperrors.Wrap(err, apperrors.KindSnapshotRestoreFailed, "worker did not come back after restore"))
		return
	}

	// Keep the image reachable from the new machine's history so an
	// immediate re-fork does not depend on the old machine's rows.
	if snap.MachineID != m.ID {
		if _, err := s.snaps.Carryover(ctx, snap, m.ID); err != nil {
			s.log.Warn("failed to carry snapshot over",
				zap.String("agent_id", agent.ID),
				zap.String("snapshot_id", snap.ID),
				zap.Error(err))
		}
	}

	startReq := &types.StartRequest{
		SetupMode:              types.SetupModeExisting,
		Branch:                 agent.BranchName,
		BaseBranch:             agent.BaseBranch,
		DontSendInitialMessage: true,
	}
	if err := s.applyEnvironment(ctx, agent.EnvironmentID, startReq); err != nil {
		// A vanished bundle degrades the start, it does not block it.
		s.log.Warn("failed to resolve environment bundle",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}
	resp, err := w.StartWithRetry(ctx, startReq, s.cfg.StartAttempts, s.cfg.StartBackoff)
	if err != nil {
		s.failTransition(ctx, t, agent,
			apperrors.Wrap(err, apperrors.KindStartFailed, "worker start failed after restore"))
		return
	}
	applyStartResponse(agent, resp)

	agent.ApplyState(models.AgentStateReady)
	agent.ErrorMessage = nil
	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		s.failTransition(ctx, t, agent, err)
		return
	}
	s.metrics.AgentForks.Inc()
	s.publishState(ctx, agent)
	s.publishEvent(ctx, events.AgentReady, agent, nil)
	s.watch(agent)

	s.log.Info("agent restored",
		zap.String("agent_id", agent.ID),
		zap.String("machine_id", m.ID),
		zap.String("snapshot_id", snap.ID))
	s.settle(t, agent, nil)
}

// restoreImage prefers worker-pull via presigned URLs and falls back to
// pushing the image through the provider when presigning is unavailable.
func (s *Service) restoreImage(ctx context.Context, w Worker, m *models.Machine, snap *models.MachineSnapshot) error {
	urls, err := s.snaps.RestoreManifest(ctx, snap)
	if err == nil {
		return w.RestoreSnapshot(ctx, urls)
	}
	s.log.Warn("presigned restore unavailable, pushing through provider", zap.Error(err))
	return s.snaps.Restore(ctx, snap, m.ProviderID)
}

// releaseAfterAdmission gives a machine back when row work failed between
// reservation and pipeline start.
func (s *Service) releaseAfterAdmission(ctx context.Context, machineID string) {
	if err := s.pool.Release(ctx, machineID); err != nil {
		s.log.Error("failed to release machine after admission failure",
			zap.String("machine_id", machineID), zap.Error(err))
	}
}

// track registers a transition for an agent id this caller owns.
func (s *Service) track(agentID string) *transition {
	t := &transition{id: agentID, done: make(chan struct{})}
	s.inflight.Store(agentID, t)
	return t
}

// trackOrJoin registers a transition or joins the existing one. The bool
// reports joining.
func (s *Service) trackOrJoin(agentID string) (*transition, bool) {
	t := &transition{id: agentID, done: make(chan struct{})}
	actual, loaded := s.inflight.LoadOrStore(agentID, t)
	return actual.(*transition), loaded
}

// settle publishes a transition's result and wakes every waiter.
func (s *Service) settle(t *transition, agent *models.Agent, err error) {
	if t == nil {
		return
	}
	t.agent, t.err = agent, err
	s.inflight.Delete(t.id)
	close(t.done)
}

// failTransition is failAgent plus waking the transition's waiters.
func (s *Service) failTransition(ctx context.Context, t *transition, agent *models.Agent, cause error) {
	s.failAgent(ctx, agent, cause)
	s.settle(t, agent, cause)
}

func (s *Service) waitFor(ctx context.Context, t *transition) (*models.Agent, error) {
	select {
	case <-t.done:
		return t.agent, t.err
	case <-ctx.Done():
		return nil, apperrors.Wrap(ctx.Err(), apperrors.KindCancelled, "wait for agent transition cancelled")
	}
}

// WaitSettled blocks until no transition is in flight for the agent and
// returns its final row. Callers that need the outcome of a background
// pipeline use it; the REST API does not.
func (s *Service) WaitSettled(ctx context.Context, agentID string) (*models.Agent, error) {
	if v, ok := s.inflight.Load(agentID); ok {
		return s.waitFor(ctx, v.(*transition))
	}
	return s.repo.GetAgent(ctx, agentID)
}

// awaitRemote polls the row while another replica drives the transition.
func (s *Service) awaitRemote(ctx context.Context, agentID string) (*models.Agent, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		agent, err := s.repo.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if !agent.State.IsTransitional() {
			return agent, nil
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(ctx.Err(), apperrors.KindCancelled, "wait for agent transition cancelled")
		case <-ticker.C:
		}
	}
}

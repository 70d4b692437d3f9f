// Package machine manages the bounded pool of worker VMs. The pool is the
// only component that creates, assigns and releases Machine rows; everyone
// else goes through it. Capacity is a control-plane bound: a machine counts
// against it from reservation until its row reaches released.
package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/config"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/secretbox"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events/bus"
	"github.com/ariana-dot-dev/ariana-sub004/internal/machine/provider"
)

const (
	destroyTimeout = 60 * time.Second
	// reconcileGrace shields machines mid-provision from the reconciler.
	reconcileGrace = 10 * time.Minute
)

// Store is the slice of the repository the pool needs.
type Store interface {
	CreateMachine(ctx context.Context, m *models.Machine) error
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	UpdateMachine(ctx context.Context, m *models.Machine) error
	UpdateMachineStatus(ctx context.Context, id string, status models.MachineStatus) error
	AssignMachine(ctx context.Context, machineID, agentID string) error
	ListMachines(ctx context.Context, statuses ...models.MachineStatus) ([]*models.Machine, error)
	CountActiveMachines(ctx context.Context) (int, error)
	ListAgentsByState(ctx context.Context, states ...models.AgentState) ([]*models.Agent, error)
	UpdateAgentState(ctx context.Context, id string, state models.AgentState, errorMessage string) error
}

// Pool hands out machines up to pool.maxActiveMachines. Reserve fails fast
// when full; callers that can wait go through ReserveWait, which parks the
// request in the bounded reservation queue and retries on every release.
type Pool struct {
	store    Store
	provider provider.Provider
	bus      bus.EventBus
	log      *logger.Logger
	max      int

	mu       sync.Mutex // serializes the capacity check against row creation
	queue    *reservationQueue
	destroys sync.WaitGroup
}

// NewPool creates the pool. The queue bounds come from cfg.
func NewPool(store Store, prov provider.Provider, eventBus bus.EventBus, cfg config.PoolConfig, log *logger.Logger) *Pool {
	return &Pool{
		store:    store,
		provider: prov,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "machine-pool")),
		max:      cfg.MaxActiveMachines,
		queue:    newReservationQueue(cfg.QueuePerUser, cfg.MaxActiveMachines*2),
	}
}

// Reserve claims capacity and creates a reserved Machine row with a fresh
// master secret. It never waits: when the pool is full the caller gets
// POOL_EXHAUSTED immediately and no row is written.
func (p *Pool) Reserve(ctx context.Context, userID string) (*models.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	active, err := p.store.CountActiveMachines(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count active machines: %w", err)
	}
	if active >= p.max {
		p.log.Warn("pool exhausted",
			zap.String("user_id", userID),
			zap.Int("active", active),
			zap.Int("max", p.max))
		return nil, apperrors.PoolExhausted(active, p.max)
	}

	secret, err := secretbox.GenerateMasterSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate machine secret: %w", err)
	}

	m := &models.Machine{
		ProviderName: p.provider.Name(),
		Status:       models.MachineStatusReserved,
		Secret:       secret,
	}
	if err := p.store.CreateMachine(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to create machine row: %w", err)
	}

	p.publish(ctx, m)
	return m, nil
}

// ReserveWait behaves like Reserve, but on exhaustion parks the request in
// the reservation queue for up to wait. A zero wait degrades to Reserve.
func (p *Pool) ReserveWait(ctx context.Context, userID string, wait time.Duration) (*models.Machine, error) {
	m, err := p.Reserve(ctx, userID)
	if err == nil || !apperrors.IsKind(err, apperrors.KindPoolExhausted) || wait <= 0 {
		return m, err
	}
	exhausted := err

	w, qErr := p.queue.enqueue(userID)
	if qErr != nil {
		// Queue full counts as exhaustion too; keep the pool details.
		return nil, exhausted
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case res := <-w.result:
		return res.machine, res.err
	case <-timer.C:
		if p.queue.remove(w) {
			return nil, exhausted
		}
		// Delivery raced the timeout; take the machine anyway.
		res := <-w.result
		return res.machine, res.err
	case <-ctx.Done():
		if p.queue.remove(w) {
			return nil, apperrors.Wrap(ctx.Err(), apperrors.KindCancelled, "machine reservation cancelled")
		}
		res := <-w.result
		return res.machine, res.err
	}
}

// Provision boots the VM for a reserved machine and stores its address.
// On provider failure the row is released so capacity is not leaked.
func (p *Pool) Provision(ctx context.Context, machineID string) (*models.Machine, error) {
	m, err := p.store.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}

	inst, err := p.provider.Create(ctx, &provider.CreateRequest{
		MachineID: m.ID,
		Secret:    m.Secret,
	})
	if err != nil {
		if relErr := p.store.UpdateMachineStatus(ctx, m.ID, models.MachineStatusReleased); relErr != nil {
			p.log.Error("failed to release machine after provider error",
				zap.String("machine_id", m.ID), zap.Error(relErr))
		}
		p.retryQueue()
		return nil, apperrors.Wrap(err, apperrors.KindProvisioningFailed, "failed to boot machine")
	}

	m.ProviderID = inst.ProviderID
	m.IPv4 = inst.IPv4
	if inst.URL != "" {
		url := inst.URL
		m.URL = &url
	}
	if err := p.store.UpdateMachine(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to store machine address: %w", err)
	}

	p.publish(ctx, m)
	return m, nil
}

// Assign binds a machine to its owning agent. Fails if the machine already
// has an owner, which makes concurrent provision races lose cleanly.
func (p *Pool) Assign(ctx context.Context, machineID, agentID string) error {
	if err := p.store.AssignMachine(ctx, machineID, agentID); err != nil {
		return err
	}
	m, err := p.store.GetMachine(ctx, machineID)
	if err == nil {
		p.publish(ctx, m)
	}
	return nil
}

// Release starts teardown of a machine. It is idempotent: released and
// releasing machines are a no-op. The VM is destroyed in the background;
// capacity frees once the row reaches released.
func (p *Pool) Release(ctx context.Context, machineID string) error {
	m, err := p.store.GetMachine(ctx, machineID)
	if err != nil {
		return err
	}

	switch m.Status {
	case models.MachineStatusReleased, models.MachineStatusReleasing:
		return nil
	}

	if err := p.store.UpdateMachineStatus(ctx, m.ID, models.MachineStatusReleasing); err != nil {
		return fmt.Errorf("failed to mark machine releasing: %w", err)
	}
	m.Status = models.MachineStatusReleasing
	p.publish(ctx, m)

	p.destroys.Add(1)
	go p.finishRelease(m)
	return nil
}

// finishRelease destroys the VM and completes the accounting. Runs off the
// caller's goroutine; uses its own timeout since the triggering request may
// be long gone.
func (p *Pool) finishRelease(m *models.Machine) {
	defer p.destroys.Done()

	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()

	if m.ProviderID != "" {
		if err := p.provider.Destroy(ctx, m.ProviderID); err != nil {
			// The row still completes: a stuck VM must not pin pool
			// capacity forever. The reconciler retries the destroy.
			p.log.Error("failed to destroy machine VM",
				zap.String("machine_id", m.ID),
				zap.String("provider_id", m.ProviderID),
				zap.Error(err))
		}
	}

	if err := p.store.UpdateMachineStatus(ctx, m.ID, models.MachineStatusReleased); err != nil {
		p.log.Error("failed to mark machine released",
			zap.String("machine_id", m.ID), zap.Error(err))
		return
	}
	m.Status = models.MachineStatusReleased
	p.publish(ctx, m)

	p.retryQueue()
}

// retryQueue hands freed capacity to parked reservations, oldest first.
func (p *Pool) retryQueue() {
	for {
		w := p.queue.pop()
		if w == nil {
			return
		}
		m, err := p.Reserve(context.Background(), w.userID)
		if err != nil {
			if apperrors.IsKind(err, apperrors.KindPoolExhausted) {
				if p.queue.pushFront(w) {
					return
				}
				continue // waiter left; try the next one
			}
			p.queue.deliver(w, waitResult{err: err})
			continue
		}
		if !p.queue.deliver(w, waitResult{machine: m}) {
			// The waiter timed out after we reserved for it; give the
			// capacity back and keep draining.
			if err := p.Release(context.Background(), m.ID); err != nil {
				p.log.Error("failed to release unclaimed machine",
					zap.String("machine_id", m.ID), zap.Error(err))
			}
		}
	}
}

// ActiveCount reports machines currently counted against capacity.
func (p *Pool) ActiveCount(ctx context.Context) (int, error) {
	return p.store.CountActiveMachines(ctx)
}

// QueueDepth reports parked reservations. Exposed for metrics.
func (p *Pool) QueueDepth() int {
	return p.queue.depth()
}

// Drain blocks until all in-flight VM destroys finish or ctx expires.
func (p *Pool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.destroys.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) publish(ctx context.Context, m *models.Machine) {
	if p.bus == nil {
		return
	}
	event := bus.NewEvent(events.MachineUpdated, "machine-pool", map[string]any{
		"machineId": m.ID,
		"status":    string(m.Status),
	})
	if err := p.bus.Publish(ctx, events.BuildMachineSubject(m.ID), event); err != nil {
		p.log.Warn("failed to publish machine event",
			zap.String("machine_id", m.ID), zap.Error(err))
	}
}

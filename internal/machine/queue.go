package machine

import (
	"fmt"
	"sync"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
)

// waitResult is what a parked reservation eventually receives.
type waitResult struct {
	machine *models.Machine
	err     error
}

// waiter is one parked reservation. State moves under the queue mutex:
// waiting → delivered (result sent) or waiting → cancelled (caller left).
// The result channel is buffered so delivery never blocks on the caller.
type waiter struct {
	userID    string
	result    chan waitResult
	delivered bool
	cancelled bool
}

// reservationQueue parks reservations that found the pool full. Global FIFO
// with a per-user cap: each user's requests stay ordered, and no user can
// occupy more than a few slots, which keeps the retry order fair enough
// across users.
type reservationQueue struct {
	mu         sync.Mutex
	waiters    []*waiter
	perUser    map[string]int
	maxPerUser int
	maxTotal   int
}

func newReservationQueue(maxPerUser, maxTotal int) *reservationQueue {
	return &reservationQueue{
		perUser:    make(map[string]int),
		maxPerUser: maxPerUser,
		maxTotal:   maxTotal,
	}
}

func (q *reservationQueue) enqueue(userID string) (*waiter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxPerUser <= 0 {
		return nil, fmt.Errorf("reservation queue disabled")
	}
	if len(q.waiters) >= q.maxTotal {
		return nil, fmt.Errorf("reservation queue full")
	}
	if q.perUser[userID] >= q.maxPerUser {
		return nil, fmt.Errorf("user %s already has %d reservations waiting", userID, q.perUser[userID])
	}

	w := &waiter{userID: userID, result: make(chan waitResult, 1)}
	q.waiters = append(q.waiters, w)
	q.perUser[userID]++
	return w, nil
}

// pop removes and returns the oldest live waiter, or nil when empty.
func (q *reservationQueue) pop() *waiter {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.decrement(w.userID)
		if !w.cancelled {
			return w
		}
	}
	return nil
}

// pushFront returns a popped waiter to the head after a failed retry.
// Returns false when the waiter cancelled in the meantime.
func (q *reservationQueue) pushFront(w *waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if w.cancelled {
		return false
	}
	q.waiters = append([]*waiter{w}, q.waiters...)
	q.perUser[w.userID]++
	return true
}

// deliver hands a result to a popped waiter. Returns false when the waiter
// cancelled first, in which case the caller still owns the machine.
func (q *reservationQueue) deliver(w *waiter, res waitResult) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if w.cancelled {
		return false
	}
	w.delivered = true
	w.result <- res
	return true
}

// remove withdraws a parked waiter. Returns false when a result was already
// delivered, in which case the caller must drain the channel.
func (q *reservationQueue) remove(target *waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if target.delivered {
		return false
	}
	target.cancelled = true
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			q.decrement(w.userID)
			break
		}
	}
	return true
}

func (q *reservationQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

func (q *reservationQueue) decrement(userID string) {
	if q.perUser[userID] <= 1 {
		delete(q.perUser, userID)
	} else {
		q.perUser[userID]--
	}
}

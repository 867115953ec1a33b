// Package queue bounds the number of HTTP jobs in flight across every sync
// root so one busy folder cannot starve the host of sockets. Jobs acquire a
// slot before touching the network; user-visible work (explicit hydration
// requests) takes a priority lane that overtakes the FIFO backlog.
package queue

import (
	"context"
	"sync"
)

// Priority orders waiting jobs.
type Priority int

const (
	PriorityNormal Priority = iota
	// PriorityUserVisible jumps the backlog; used for jobs a user is
	// actively waiting on.
	PriorityUserVisible
)

// Scheduler is the process-global job gate.
type Scheduler struct {
	mu       sync.Mutex
	capacity int
	inFlight int
	waiters  []*waiter // FIFO per priority; user-visible first
}

type waiter struct {
	priority Priority
	ready    chan struct{}
}

// NewScheduler builds a scheduler admitting up to capacity concurrent jobs.
func NewScheduler(capacity int) *Scheduler {
	if capacity < 1 {
		capacity = 1
	}
	return &Scheduler{capacity: capacity}
}

// Acquire blocks until a slot is free or ctx is done. Cancellation unblocks
// immediately; a cancelled waiter never occupies a slot.
func (s *Scheduler) Acquire(ctx context.Context, p Priority) error {
	s.mu.Lock()
	if s.inFlight < s.capacity && len(s.waiters) == 0 {
		s.inFlight++
		s.mu.Unlock()
		return nil
	}

	w := &waiter{priority: p, ready: make(chan struct{})}
	s.enqueue(w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		// The slot may have been granted while we were cancelling.
		select {
		case <-w.ready:
			s.inFlight--
			s.grantNext()
			s.mu.Unlock()
			return ctx.Err()
		default:
		}
		s.remove(w)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees a slot and wakes the next waiter.
func (s *Scheduler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.grantNext()
}

// InFlight reports the number of admitted jobs.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// enqueue inserts the waiter behind the last entry of equal-or-higher
// priority, keeping FIFO order within each class.
func (s *Scheduler) enqueue(w *waiter) {
	if w.priority == PriorityUserVisible {
		insert := 0
		for insert < len(s.waiters) && s.waiters[insert].priority == PriorityUserVisible {
			insert++
		}
		s.waiters = append(s.waiters, nil)
		copy(s.waiters[insert+1:], s.waiters[insert:])
		s.waiters[insert] = w
		return
	}
	s.waiters = append(s.waiters, w)
}

func (s *Scheduler) grantNext() {
	for s.inFlight < s.capacity && len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.inFlight++
		close(next.ready)
	}
}

func (s *Scheduler) remove(target *waiter) {
	for i, w := range s.waiters {
		if w == target {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

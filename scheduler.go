package signalq

import (
	"context"
	"log/slog"
	"time"
)

// Syncer runs one flush pass. *Node implements it.
type Syncer interface {
	AttemptSync(ctx context.Context) SyncReport
}

// Scheduler periodically flushes the queue so signals that failed while the
// device stayed online are still retried. The delay doubles after each pass
// that left signals behind, up to max, and returns to base once a pass
// leaves nothing to retry.
type Scheduler struct {
	node Syncer
	base time.Duration
	max  time.Duration
	done chan struct{}
}

// NewScheduler creates a flush scheduler. max is raised to base if smaller.
func NewScheduler(node Syncer, base, max time.Duration) *Scheduler {
	if max < base {
		max = base
	}
	return &Scheduler{
		node: node,
		base: base,
		max:  max,
		done: make(chan struct{}),
	}
}

// Start begins the flush loop. Call with a cancellable context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	timer := time.NewTimer(s.base)
	go func() {
		defer timer.Stop()
		defer close(s.done)
		delay := s.base
		for {
			select {
			case <-timer.C:
				report := s.node.AttemptSync(ctx)
				delay = s.next(delay, report)
				timer.Reset(delay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the scheduler has stopped.
func (s *Scheduler) Wait() {
	<-s.done
}

func (s *Scheduler) next(current time.Duration, r SyncReport) time.Duration {
	if !r.Ran {
		return current
	}
	if r.Retained == 0 {
		return s.base
	}
	next := current * 2
	if next > s.max {
		next = s.max
	}
	if next != current {
		slog.Debug("signalq scheduler: backing off", "delay", next, "retained", r.Retained)
	}
	return next
}

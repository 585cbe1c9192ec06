package keystroke

import (
	"context"
	"fmt"
	"log/slog"
)

// Scheduler defers work to the next tick of the owning event loop.
type Scheduler interface {
	Schedule(fn func())
}

// TickQueue is a Scheduler drained explicitly by its owner.
// It is not safe for concurrent use.
type TickQueue struct {
	pending []func()
}

// Schedule queues fn for the next Tick.
func (q *TickQueue) Schedule(fn func()) {
	q.pending = append(q.pending, fn)
}

// Tick runs the work queued before the call. Work scheduled while it runs
// waits for the following Tick. It returns the number of functions run.
func (q *TickQueue) Tick() int {
	batch := q.pending
	q.pending = nil
	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Drain ticks until nothing is pending.
func (q *TickQueue) Drain() {
	for q.Tick() > 0 {
	}
}

// Len returns the number of queued functions.
func (q *TickQueue) Len() int {
	return len(q.pending)
}

// ImmediateScheduler runs scheduled work synchronously.
type ImmediateScheduler struct{}

// Schedule runs fn now.
func (ImmediateScheduler) Schedule(fn func()) { fn() }

// Loop is a single-goroutine cooperative event loop.
//
// Each submitted task is one tick. Work scheduled during a tick runs after
// it, before the next submitted task. Schedule must only be called from
// code running on the loop.
type Loop struct {
	inbox  chan func()
	next   []func()
	done   chan struct{}
	logger *slog.Logger
}

// NewLoop creates a loop with room for buffer queued tasks.
func NewLoop(buffer int, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		inbox:  make(chan func(), buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Schedule defers fn to run after the current tick.
func (l *Loop) Schedule(fn func()) {
	l.next = append(l.next, fn)
}

// Submit queues fn as a new tick.
func (l *Loop) Submit(ctx context.Context, fn func()) error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.inbox <- fn:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do submits fn and waits for its tick, including deferred work, to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	err := l.Submit(ctx, func() {
		defer l.Schedule(func() { close(finished) })
		fn()
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.inbox:
			l.run(fn)
			for len(l.next) > 0 {
				batch := l.next
				l.next = nil
				for _, d := range batch {
					l.run(d)
				}
			}
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("capture loop task panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Package taskrunner runs one cancellable background task at a time and
// queues its progress and results for the controller goroutine to poll.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/gazecal/internal/monitoring"
	"github.com/banshee-data/gazecal/internal/timeutil"
)

// ErrTaskCancelled is returned by work functions that stop because their
// task was cancelled.
var ErrTaskCancelled = errors.New("task cancelled")

// EventKind identifies a queued task event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventPartial
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventPartial:
		return "partial"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one message from a running task.
type Event struct {
	Kind   EventKind
	TaskID string

	// Fraction and Message are set for EventProgress.
	Fraction float64
	Message  string

	// Payload is set for EventPartial and holds the result for EventCompleted.
	Payload any

	// Err is set for EventFailed.
	Err error
}

// Reporter is handed to a running task. Both methods return false once the
// task has been cancelled; the task should then return promptly.
type Reporter interface {
	Progress(fraction float64, msg string) bool
	Partial(payload any) bool
}

// WorkFunc is the body of a background task.
type WorkFunc func(ctx context.Context, r Reporter) (any, error)

// Runner owns at most one active task. Events are queued in an unbounded,
// mutex-guarded slice and drained by Poll.
type Runner struct {
	clock timeutil.Clock

	mu     sync.Mutex
	queue  []Event
	gen    uint64
	active bool
	cancel context.CancelFunc
	taskID string
	name   string

	wg sync.WaitGroup
}

// NewRunner creates an idle runner. A nil clock uses the real clock.
func NewRunner(clock timeutil.Clock) *Runner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Runner{clock: clock}
}

// Start cancels any active task and runs work on a new goroutine. It returns
// the new task's ID.
func (r *Runner) Start(name string, work WorkFunc) string {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	r.mu.Lock()
	r.cancelLocked()
	r.gen++
	gen := r.gen
	r.active = true
	r.cancel = cancel
	r.taskID = id
	r.name = name
	r.mu.Unlock()

	monitoring.Debugf("[TaskRunner] start %s (%s)", name, id)

	r.wg.Add(1)
	go r.run(ctx, cancel, gen, id, name, work)
	return id
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, gen uint64, id, name string, work WorkFunc) {
	defer r.wg.Done()
	defer cancel()
	started := r.clock.Now()

	rep := &reporter{r: r, ctx: ctx, gen: gen, id: id}
	result, err := safeRun(ctx, rep, work)

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || ctx.Err() != nil {
		// Cancelled: whatever the task produced is dropped.
		return
	}
	if err != nil {
		r.queue = append(r.queue, Event{Kind: EventFailed, TaskID: id, Err: err})
		monitoring.Logf("[TaskRunner] %s failed after %v: %v", name, r.clock.Since(started).Round(time.Millisecond), err)
	} else {
		r.queue = append(r.queue, Event{Kind: EventCompleted, TaskID: id, Payload: result})
		monitoring.Debugf("[TaskRunner] %s completed in %v", name, r.clock.Since(started).Round(time.Millisecond))
	}
	r.active = false
	r.cancel = nil
}

func safeRun(ctx context.Context, rep Reporter, work WorkFunc) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return work(ctx, rep)
}

// Poll drains the queued events without blocking.
func (r *Runner) Poll() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	out := r.queue
	r.queue = nil
	return out
}

// Cancel stops the active task, if any, and discards its queued events.
// The task goroutine observes cancellation at its next Reporter call or
// context check.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
}

func (r *Runner) cancelLocked() {
	if !r.active {
		return
	}
	r.cancel()
	monitoring.Debugf("[TaskRunner] cancelled %s (%s)", r.name, r.taskID)
	r.gen++
	r.active = false
	r.cancel = nil
	r.queue = nil
}

// IsActive reports whether a task is running and has not yet queued its
// terminal event.
func (r *Runner) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// TaskID returns the ID of the most recently started task.
func (r *Runner) TaskID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taskID
}

// Wait blocks until every task goroutine started by r has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

type reporter struct {
	r   *Runner
	ctx context.Context
	gen uint64
	id  string
}

func (p *reporter) push(e Event) bool {
	if p.ctx.Err() != nil {
		return false
	}
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	if p.gen != p.r.gen {
		return false
	}
	p.r.queue = append(p.r.queue, e)
	return true
}

func (p *reporter) Progress(fraction float64, msg string) bool {
	return p.push(Event{Kind: EventProgress, TaskID: p.id, Fraction: fraction, Message: msg})
}

func (p *reporter) Partial(payload any) bool {
	return p.push(Event{Kind: EventPartial, TaskID: p.id, Payload: payload})
}

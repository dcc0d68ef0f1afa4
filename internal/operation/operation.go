// Package operation implements the single-flight asynchronous state machine
// shared by the whole-store pipelines.
//
// An Operation owns an ordered list of steps. Starting it dispatches the first
// step; every step reports back through a one-shot callback and the operation
// reacts by dispatching the next step, or by settling in a terminal state.
// The operation never blocks waiting for a step.
package operation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Callback reports the result of a step. A nil error means the step succeeded.
type Callback func(err error)

// Step is one unit of a pipeline.
type Step struct {
	Name string

	// Skip, if set, is evaluated right before the step would be dispatched.
	// Returning true moves on to the next step without running this one.
	// It is called with the operation lock held and must not call back into
	// the Operation.
	Skip func() bool

	// Run starts the step. It must arrange for done to be called once,
	// from any goroutine. Extra calls are ignored.
	Run func(ctx context.Context, done Callback)
}

// Observer is notified once, after the operation reached a terminal state.
type Observer func(op *Operation)

type Option func(*Operation)

// WithID overrides the generated operation id.
func WithID(id string) Option {
	return func(o *Operation) {
		o.id = id
	}
}

// WithObserver registers fn to run once the operation is terminal.
func WithObserver(fn Observer) Option {
	return func(o *Operation) {
		if fn != nil {
			o.observers = append(o.observers, fn)
		}
	}
}

type Operation struct {
	id        string
	name      string
	steps     []Step
	observers []Observer
	done      chan struct{}
	log       *slog.Logger

	mu         sync.Mutex
	ctx        context.Context
	state      State
	err        *Error
	current    int
	startedAt  time.Time
	finishedAt time.Time
}

// New creates a Pending operation that will run steps in order.
func New(name string, steps []Step, opts ...Option) *Operation {
	o := &Operation{
		id:      uuid.New().String(),
		name:    name,
		steps:   steps,
		done:    make(chan struct{}),
		state:   StatePending,
		current: -1,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = slog.With("op", o.name, "id", o.id)
	return o
}

func (o *Operation) ID() string {
	return o.id
}

func (o *Operation) Name() string {
	return o.name
}

func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the failure of a Failed operation, nil in every other state.
func (o *Operation) Err() *Error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// CurrentStep returns the name of the step in flight, or of the step the
// operation stopped at. It is empty before start.
func (o *Operation) CurrentStep() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current < 0 || o.current >= len(o.steps) {
		return ""
	}
	return o.steps[o.current].Name
}

// StepNames lists the pipeline in dispatch order.
func (o *Operation) StepNames() []string {
	names := make([]string, len(o.steps))
	for i, s := range o.steps {
		names[i] = s.Name
	}
	return names
}

func (o *Operation) StartedAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startedAt
}

func (o *Operation) FinishedAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finishedAt
}

// Done is closed once the operation reached a terminal state and every
// observer returned.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Start moves the operation from Pending to Running and dispatches the first
// step. It returns an InvalidState error on any later call.
// ctx is handed to every step; once it is done, the next step result settles
// the operation as Cancelled.
func (o *Operation) Start(ctx context.Context) error {
	o.mu.Lock()
	if !canTransition(o.state, StateRunning) {
		state := o.state
		o.mu.Unlock()
		return InvalidState("start %s operation in state %s", o.name, state)
	}
	o.ctx = ctx
	o.state = StateRunning
	o.startedAt = time.Now()
	o.log.Debug("operation started", "steps", len(o.steps))

	idx, step, ok := o.proceedLocked(0)
	o.mu.Unlock()

	if ok {
		o.dispatch(idx, step)
	} else {
		o.notify()
	}
	return nil
}

// Cancel settles the operation as Cancelled. Before start this discards the
// operation for good; while running, the result of the step in flight is
// ignored when it arrives. In-flight transport calls are not interrupted.
func (o *Operation) Cancel() {
	o.mu.Lock()
	if !canTransition(o.state, StateCancelled) {
		o.mu.Unlock()
		return
	}
	o.finishLocked(StateCancelled, nil)
	o.mu.Unlock()

	o.notify()
}

// Wait blocks the caller until the operation is terminal or ctx is done.
// It returns nil for Succeeded, the *Error for Failed and ErrCancelled for
// Cancelled.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StateFailed:
		return o.err
	case StateCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

func (o *Operation) dispatch(idx int, step Step) {
	var called atomic.Bool
	o.log.Debug("operation step", "step", step.Name, "index", idx)
	step.Run(o.ctx, func(err error) {
		if !called.CompareAndSwap(false, true) {
			o.log.Debug("operation callback ignored", "step", step.Name, "reason", "duplicate")
			return
		}
		o.complete(idx, step.Name, err)
	})
}

func (o *Operation) complete(idx int, name string, err error) {
	o.mu.Lock()
	if o.state != StateRunning || o.current != idx {
		state := o.state
		o.mu.Unlock()
		o.log.Debug("operation callback ignored", "step", name, "state", state, "error", err)
		return
	}

	if o.ctx.Err() != nil {
		o.finishLocked(StateCancelled, nil)
		o.mu.Unlock()
		o.notify()
		return
	}

	if err != nil {
		o.finishLocked(StateFailed, asError(name, err))
		o.mu.Unlock()
		o.notify()
		return
	}

	nextIdx, next, ok := o.proceedLocked(idx + 1)
	o.mu.Unlock()

	if ok {
		o.dispatch(nextIdx, next)
	} else {
		o.notify()
	}
}

// proceedLocked selects the first runnable step at or after i. When there is
// none left the operation succeeds and ok is false.
func (o *Operation) proceedLocked(i int) (int, Step, bool) {
	for ; i < len(o.steps); i++ {
		step := o.steps[i]
		if step.Skip != nil && step.Skip() {
			o.log.Debug("operation step skipped", "step", step.Name, "index", i)
			continue
		}
		o.current = i
		return i, step, true
	}
	o.finishLocked(StateSucceeded, nil)
	return -1, Step{}, false
}

func (o *Operation) finishLocked(state State, err *Error) {
	o.state = state
	o.err = err
	o.finishedAt = time.Now()
}

func (o *Operation) notify() {
	o.mu.Lock()
	state, err := o.state, o.err
	elapsed := o.finishedAt.Sub(o.startedAt)
	o.mu.Unlock()

	switch state {
	case StateFailed:
		o.log.Error("operation failed", "step", o.CurrentStep(), "kind", err.Kind, "error", err)
	case StateCancelled:
		o.log.Warn("operation cancelled", "step", o.CurrentStep())
	default:
		o.log.Info("operation completed", "took", elapsed)
	}

	for _, fn := range o.observers {
		fn(o)
	}
	close(o.done)
}

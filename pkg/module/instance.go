package module

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/chazu/hotload/pkg/cell"
)

// State is the lifecycle state of an Instance.
type State string

const (
	// StateUninitialized is an instance that has not started running.
	StateUninitialized State = "Uninitialized"

	// StateRunning is an instance whose body is executing.
	StateRunning State = "Running"

	// StateReady is an instance that has published its exports. A body may
	// mark ready before it returns.
	StateReady State = "Ready"

	// StateFailed is an instance whose compile or body failed.
	StateFailed State = "Failed"

	// StateCancelled is an instance torn down before it became ready.
	StateCancelled State = "Cancelled"
)

var validTransitions = map[State][]State{
	StateUninitialized: {StateRunning, StateFailed, StateCancelled},
	StateRunning:       {StateReady, StateFailed, StateCancelled},
	// A body that marked ready early can still fail or be torn down.
	StateReady:     {StateFailed, StateCancelled},
	StateFailed:    {},
	StateCancelled: {},
}

func validateStateTransition(from, to State) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("cannot transition from %s to %s", from, to)
}

// Instance is one live execution of a module inside one environment.
type Instance struct {
	id      ID
	path    string
	owner   *cell.Cell[context.Context]
	exports *Exports
	onReady func(*Instance)

	mu    sync.Mutex
	state State
	err   error

	torndown  bool
	done      chan struct{}
	tokens    map[any]struct{}
	callbacks []func()
}

// NewInstance creates an uninitialized instance. owner is the reference cell
// of the execution job the instance belongs to; onReady, if set, is called
// once when the instance becomes ready.
func NewInstance(id ID, path string, owner *cell.Cell[context.Context], onReady func(*Instance)) *Instance {
	return &Instance{
		id:      id,
		path:    path,
		owner:   owner,
		exports: NewExports(),
		onReady: onReady,
		state:   StateUninitialized,
		done:    make(chan struct{}),
		tokens:  make(map[any]struct{}),
	}
}

func (i *Instance) ID() ID            { return i.id }
func (i *Instance) Path() string      { return i.path }
func (i *Instance) Exports() *Exports { return i.exports }

// Context returns the owning job's context, or cell.ErrNulled once the
// instance has been unloaded.
func (i *Instance) Context() (context.Context, error) {
	return i.owner.Get()
}

// Alive reports whether the owning reference cell is still live.
func (i *Instance) Alive() bool {
	return !i.owner.IsNull()
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.state
}

// OK reports whether the instance is ready and has not failed.
func (i *Instance) OK() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.state == StateReady && i.err == nil
}

// Err returns the failure recorded for the instance.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.err
}

// Done is closed when the instance is torn down.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Start moves the instance into Running.
func (i *Instance) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.setStateLocked(StateRunning, nil)
}

// MarkReady publishes the exports before the body has finished, so that a
// caller that required this module re-entrantly can observe them.
func (i *Instance) MarkReady() {
	i.mu.Lock()
	if i.state != StateRunning {
		i.mu.Unlock()
		return
	}
	_ = i.setStateLocked(StateReady, nil)
	onReady := i.onReady
	i.mu.Unlock()

	if onReady != nil {
		onReady(i)
	}
}

// Finish records the outcome of the body and seals the exports.
func (i *Instance) Finish(err error) error {
	defer i.exports.Seal()

	i.mu.Lock()
	defer i.mu.Unlock()

	switch {
	case err == nil && i.state == StateReady:
		return nil
	case err == nil:
		return i.setStateLocked(StateReady, nil)
	case IsCancelled(err):
		return i.setStateLocked(StateCancelled, err)
	default:
		return i.setStateLocked(StateFailed, err)
	}
}

func (i *Instance) setStateLocked(to State, err error) error {
	if err := validateStateTransition(i.state, to); err != nil {
		return fmt.Errorf("instance %s (%s): %w", i.id, i.path, err)
	}
	i.state = to
	if err != nil {
		i.err = err
	}
	return nil
}

// OnTeardown registers cb to run when the instance is torn down. A non-nil
// token must be comparable; registering the same token twice keeps only the
// first callback. If teardown already happened cb runs immediately.
func (i *Instance) OnTeardown(cb func(), token any) {
	i.mu.Lock()
	if i.torndown {
		i.mu.Unlock()
		cb()
		return
	}
	if token != nil {
		if _, seen := i.tokens[token]; seen {
			i.mu.Unlock()
			return
		}
		i.tokens[token] = struct{}{}
	}
	i.callbacks = append(i.callbacks, cb)
	i.mu.Unlock()
}

// TornDown reports whether Teardown has run.
func (i *Instance) TornDown() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.torndown
}

// Teardown fires the cancellation signal and every registered callback.
// It is called by the owning environment once the instance has been fully
// unregistered. Panicking callbacks are collected into the returned error.
func (i *Instance) Teardown() error {
	i.mu.Lock()
	if i.torndown {
		i.mu.Unlock()
		return nil
	}
	i.torndown = true
	if i.state == StateUninitialized || i.state == StateRunning {
		i.state = StateCancelled
		i.err = ErrExecutionCancelled
	}
	callbacks := i.callbacks
	i.callbacks = nil
	clear(i.tokens)
	close(i.done)
	i.mu.Unlock()

	var errs error
	for _, cb := range callbacks {
		errs = multierr.Append(errs, runCallback(cb))
	}
	return errs
}

func runCallback(cb func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("teardown callback panicked: %v", r)
		}
	}()
	cb()
	return nil
}

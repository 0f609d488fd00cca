// Package job implements the shared future used to deduplicate compile and
// execution work. Every caller interested in a unit of work waits on the same
// Job and observes the identical settled value.
package job

import (
	"context"
	"slices"
	"sync"

	"github.com/chazu/hotload/pkg/cell"
)

// Job is a single in-flight unit of work keyed by a module id.
type Job[T any] struct {
	key int

	owner  *cell.Cell[context.Context]
	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	done   chan struct{}
	result T

	mu         sync.Mutex
	requesters map[int]struct{}
}

// New creates a pending job. The job context keeps the values of parent but
// is cancelled only through Cancel, so one caller giving up never aborts work
// that other callers share.
func New[T any](parent context.Context, key int) *Job[T] {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Job[T]{
		key:        key,
		owner:      cell.New(ctx),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		requesters: make(map[int]struct{}),
	}
}

// Key returns the id the job was created for.
func (j *Job[T]) Key() int { return j.key }

// Context is the context work for this job should run under.
func (j *Job[T]) Context() context.Context { return j.ctx }

// Owner is the job's reference cell. It is nulled by Cancel; continuations
// check it before committing results anywhere.
func (j *Job[T]) Owner() *cell.Cell[context.Context] { return j.owner }

// Settle resolves the job with v. Only the first settlement wins.
func (j *Job[T]) Settle(v T) bool {
	settled := false
	j.once.Do(func() {
		j.result = v
		close(j.done)
		settled = true
	})
	return settled
}

// Cancel nulls the reference cell, cancels the job context and settles every
// waiter with v. It reports whether the job was still pending.
func (j *Job[T]) Cancel(v T) bool {
	j.owner.Null()
	j.cancel()
	return j.Settle(v)
}

// Done is closed once the job has settled.
func (j *Job[T]) Done() <-chan struct{} { return j.done }

// Wait blocks until the job settles and returns its value.
func (j *Job[T]) Wait() T {
	<-j.done
	return j.result
}

// Result returns the settled value without blocking.
func (j *Job[T]) Result() (T, bool) {
	select {
	case <-j.done:
		return j.result, true
	default:
		var zero T
		return zero, false
	}
}

// AddRequester records an id that asked for this job while it was pending.
func (j *Job[T]) AddRequester(id int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.requesters[id] = struct{}{}
}

// Requesters lists recorded requesters in ascending order.
func (j *Job[T]) Requesters() []int {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]int, 0, len(j.requesters))
	for id := range j.requesters {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/chazu/hotload/pkg/module"
)

// Visitor loads one node, typically by fetching its module again.
type Visitor func(ctx context.Context, n Node) error

// ExecutorConfig tunes a reload pass.
type ExecutorConfig struct {
	// MaxConcurrency caps the visitors running at once. Values below one
	// mean one.
	MaxConcurrency int

	// MaxRetries is how many extra attempts a failing node gets.
	MaxRetries int

	// Backoff before the nth retry is RetryBackoffBase doubled n-1 times,
	// capped at RetryBackoffMax.
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
}

// DefaultExecutorConfig visits eight nodes at a time without retries.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrency:   8,
		RetryBackoffBase: 100 * time.Millisecond,
		RetryBackoffMax:  5 * time.Second,
	}
}

// Executor visits the nodes of a snapshot in waves, each module after the
// modules it imports. Modules that import each other cannot be ordered and
// are visited together once nothing else is ready.
type Executor struct {
	cfg ExecutorConfig
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	cfg.MaxConcurrency = max(cfg.MaxConcurrency, 1)
	return &Executor{cfg: cfg}
}

// Execute visits every node of s and returns the pass's progress. Nodes
// behind a dependency that failed for good stay Waiting.
func (e *Executor) Execute(ctx context.Context, s *Snapshot, visit Visitor) (*Progress, error) {
	if s == nil {
		return nil, errors.New("nil snapshot")
	}

	nodes := s.Nodes()
	ids := make([]module.ID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	prog := NewProgress(ids)
	defer prog.end()

	for !prog.Settled() {
		if err := ctx.Err(); err != nil {
			return prog, err
		}
		wave := e.wave(nodes, prog)
		if len(wave) == 0 {
			break
		}
		e.run(ctx, wave, prog, visit)
	}
	return prog, nil
}

// wave picks the next batch: nodes whose imports have all loaded, or,
// failing that, waiting nodes held up only by other waiting nodes.
func (e *Executor) wave(nodes []Node, prog *Progress) []Node {
	var ready, stuck []Node
	for _, n := range nodes {
		ph := prog.Phase(n.ID)
		if ph != Waiting && !e.retryable(n.ID, prog) {
			continue
		}
		loaded, blocked := true, false
		for _, dep := range n.DependsOn {
			switch prog.Phase(dep) {
			case Loaded:
			case Failed:
				loaded, blocked = false, true
			default:
				loaded = false
			}
		}
		switch {
		case loaded:
			ready = append(ready, n)
		case ph == Waiting && !blocked:
			stuck = append(stuck, n)
		}
	}
	if len(ready) > 0 {
		return ready
	}
	return stuck
}

func (e *Executor) retryable(id module.ID, prog *Progress) bool {
	st, ok := prog.Step(id)
	return ok && st.Phase == Failed && st.Attempts <= e.cfg.MaxRetries
}

func (e *Executor) run(ctx context.Context, wave []Node, prog *Progress, visit Visitor) {
	p := pool.New().WithMaxGoroutines(e.cfg.MaxConcurrency)
	for _, n := range wave {
		p.Go(func() { e.load(ctx, n, prog, visit) })
	}
	p.Wait()
}

func (e *Executor) load(ctx context.Context, n Node, prog *Progress, visit Visitor) {
	if st, _ := prog.Step(n.ID); st.Phase == Failed {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.backoff(st.Attempts)):
		}
	}
	if err := prog.Move(n.ID, Loading); err != nil {
		_ = prog.Fail(n.ID, err)
		return
	}
	if err := safeVisit(ctx, n, visit); err != nil {
		_ = prog.Fail(n.ID, err)
		return
	}
	_ = prog.Move(n.ID, Loaded)
}

func safeVisit(ctx context.Context, n Node, visit Visitor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loading %s panicked: %v", n.Path, r)
		}
	}()
	return visit(ctx, n)
}

// backoff returns the wait before retry number attempt.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBackoffBase
	for i := 1; i < attempt && d < e.cfg.RetryBackoffMax; i++ {
		d *= 2
	}
	return min(d, e.cfg.RetryBackoffMax)
}

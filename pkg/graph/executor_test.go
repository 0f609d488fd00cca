package graph

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chazu/hotload/pkg/module"
)

// recorder is a Visitor that records visit order and fails chosen nodes
type recorder struct {
	mu        sync.Mutex
	visited   []module.ID
	failNodes map[module.ID]int // remaining failures per node
	delay     time.Duration
}

func newRecorder() *recorder {
	return &recorder{failNodes: make(map[module.ID]int)}
}

func (r *recorder) visit(_ context.Context, n Node) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if left := r.failNodes[n.ID]; left > 0 {
		r.failNodes[n.ID] = left - 1
		return errors.New("visit failed")
	}
	r.visited = append(r.visited, n.ID)
	return nil
}

func (r *recorder) order() []module.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.visited)
}

func mustBuild(t *testing.T, edges map[module.ID][]module.ID) *Snapshot {
	t.Helper()
	s, err := Build(edges, paths(10))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return s
}

func TestExecutor_LinearChain(t *testing.T) {
	// 0 imports 1 imports 2
	s := mustBuild(t, map[module.ID][]module.ID{0: {1}, 1: {2}})
	r := newRecorder()

	prog, err := NewExecutor(DefaultExecutorConfig()).Execute(context.Background(), s, r.visit)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := r.order(); !slices.Equal(got, []module.ID{2, 1, 0}) {
		t.Errorf("visit order = %v, want [#2 #1 #0]", got)
	}
	if tally := prog.Tally(); tally.Loaded != 3 || !prog.Ended() {
		t.Errorf("tally = %+v", tally)
	}
}

func TestExecutor_ParallelWave(t *testing.T) {
	// 1, 2 and 3 import nothing and run together
	s := mustBuild(t, map[module.ID][]module.ID{0: {1, 2, 3}})

	var running, peak atomic.Int32
	visit := func(ctx context.Context, n Node) error {
		now := running.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	prog, err := NewExecutor(ExecutorConfig{MaxConcurrency: 3}).Execute(context.Background(), s, visit)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want the leaves visited together", peak.Load())
	}
	if !prog.Settled() || len(prog.Errors()) != 0 {
		t.Errorf("tally = %+v", prog.Tally())
	}
}

func TestExecutor_ErrorHandling(t *testing.T) {
	// 0 imports 1; 2 is independent
	s := mustBuild(t, map[module.ID][]module.ID{0: {1}, 2: nil})
	r := newRecorder()
	r.failNodes[1] = 1

	prog, err := NewExecutor(DefaultExecutorConfig()).Execute(context.Background(), s, r.visit)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := r.order(); !slices.Equal(got, []module.ID{2}) {
		t.Errorf("visited = %v, want [#2]", got)
	}
	if ph := prog.Phase(1); ph != Failed {
		t.Errorf("node 1 phase = %s, want Failed", ph)
	}
	if ph := prog.Phase(0); ph != Waiting {
		t.Errorf("node 0 phase = %s, want Waiting behind its failed dependency", ph)
	}
}

func TestExecutor_Retries(t *testing.T) {
	s := mustBuild(t, map[module.ID][]module.ID{0: {1}})
	r := newRecorder()
	r.failNodes[1] = 2

	config := ExecutorConfig{
		MaxConcurrency:   2,
		RetryBackoffBase: time.Millisecond,
		RetryBackoffMax:  5 * time.Millisecond,
		MaxRetries:       2,
	}
	prog, err := NewExecutor(config).Execute(context.Background(), s, r.visit)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := r.order(); !slices.Equal(got, []module.ID{1, 0}) {
		t.Errorf("visit order = %v, want [#1 #0]", got)
	}
	st, _ := prog.Step(1)
	if st.Phase != Loaded || st.Attempts != 3 {
		t.Errorf("node 1 step = %+v", st)
	}
}

func TestExecutor_Cycle(t *testing.T) {
	// 0 and 1 import each other, 2 imports 0
	s := mustBuild(t, map[module.ID][]module.ID{0: {1}, 1: {0}, 2: {0}})
	r := newRecorder()

	prog, err := NewExecutor(DefaultExecutorConfig()).Execute(context.Background(), s, r.visit)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := r.order()
	slices.Sort(got)
	if !slices.Equal(got, []module.ID{0, 1, 2}) {
		t.Errorf("visited = %v, want every node", got)
	}
	if !prog.Settled() {
		t.Errorf("tally = %+v", prog.Tally())
	}
}

func TestExecutor_PanicIsError(t *testing.T) {
	s := mustBuild(t, map[module.ID][]module.ID{0: nil})
	prog, err := NewExecutor(DefaultExecutorConfig()).Execute(context.Background(), s, func(context.Context, Node) error {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	st, _ := prog.Step(0)
	if st.Phase != Failed || st.Err == nil {
		t.Errorf("step = %+v", st)
	}
}

func TestExecutor_ContextCancellation(t *testing.T) {
	s := mustBuild(t, map[module.ID][]module.ID{0: {1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewExecutor(DefaultExecutorConfig()).Execute(ctx, s, newRecorder().visit); !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() error = %v, want context.Canceled", err)
	}
	if _, err := NewExecutor(DefaultExecutorConfig()).Execute(context.Background(), nil, newRecorder().visit); err == nil {
		t.Error("Execute(nil) succeeded")
	}
}

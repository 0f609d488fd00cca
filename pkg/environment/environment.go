// Package environment executes compiled modules. An Environment owns one
// live instance per module id, caches execution results, tracks the import
// edges between instances and unloads or reloads whole dependent closures.
package environment

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/authzed/controller-idioms/handler"
	"github.com/go-logr/logr"

	"github.com/chazu/hotload/pkg/archetype"
	"github.com/chazu/hotload/pkg/graph"
	"github.com/chazu/hotload/pkg/job"
	"github.com/chazu/hotload/pkg/metrics"
	"github.com/chazu/hotload/pkg/module"
	"github.com/chazu/hotload/pkg/registry"
)

// NoRequester marks a fetch that does not come from an import.
const NoRequester module.ID = -1

// DefaultMaxConcurrency bounds the refetches run by Invalidate.
const DefaultMaxConcurrency = 8

// Options configure an Environment.
type Options struct {
	// Name labels logs and metrics.
	Name string

	Registry *registry.Registry

	// ImportHook defaults to DefaultImportHook(Registry.Base()).
	ImportHook ImportHook

	// ErrorHook defaults to logging the failure.
	ErrorHook ErrorHook

	// HostLoader serves KindHost imports. Without one they fail.
	HostLoader HostLoader

	// Kinds defaults to DefaultKinds.
	Kinds KindFunc

	// MaxConcurrency bounds the refetches run by Invalidate.
	MaxConcurrency int

	Logger logr.Logger
}

type slot struct {
	inst *module.Instance
	job  *job.Job[*module.ExecResult]
}

// Environment is an isolated execution context. Compiled artifacts are
// shared with other environments through the registry; everything else is
// private. One mutex guards all state and is never held while compiling,
// running a module body, calling hooks or tearing down.
type Environment struct {
	name      string
	reg       *registry.Registry
	hook      ImportHook
	errorHook ErrorHook
	host      HostLoader
	kinds     KindFunc
	maxConc   int
	log       logr.Logger
	pipeline  handler.Handler

	mu        sync.Mutex
	cache     map[module.ID]*module.ExecResult
	pending   map[module.ID]*job.Job[*module.ExecResult]
	instances map[module.ID]slot
	graph     *archetype.Graph
	edges     map[module.ID]map[module.ID]struct{}
	links     map[*module.Instance]map[*module.Exports]*linkEntry
}

var _ registry.Dependent = (*Environment)(nil)

// New returns an empty environment bound to opts.Registry.
func New(opts Options) *Environment {
	if opts.Registry == nil {
		panic("environment: Options.Registry is required")
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.ImportHook == nil {
		opts.ImportHook = DefaultImportHook(opts.Registry.Base())
	}
	if opts.Kinds == nil {
		opts.Kinds = DefaultKinds
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}

	e := &Environment{
		name:      opts.Name,
		reg:       opts.Registry,
		hook:      opts.ImportHook,
		errorHook: opts.ErrorHook,
		host:      opts.HostLoader,
		kinds:     opts.Kinds,
		maxConc:   opts.MaxConcurrency,
		log:       opts.Logger.WithName("environment").WithValues("environment", opts.Name),
		cache:     make(map[module.ID]*module.ExecResult),
		pending:   make(map[module.ID]*job.Job[*module.ExecResult]),
		instances: make(map[module.ID]slot),
		graph:     archetype.New(),
		edges:     make(map[module.ID]map[module.ID]struct{}),
		links:     make(map[*module.Instance]map[*module.Exports]*linkEntry),
	}
	if e.errorHook == nil {
		e.errorHook = e.logError
	}
	e.pipeline = e.importPipeline()
	return e
}

// Name returns the environment's name.
func (e *Environment) Name() string { return e.name }

// Registry returns the registry the environment compiles through.
func (e *Environment) Registry() *registry.Registry { return e.reg }

func (e *Environment) logError(id module.ID, err error) {
	p, _ := e.reg.Path(id)
	e.log.Error(err, "module failed", "id", id, "path", p)
}

// Fetch returns the execution result for id, compiling and running the
// module if no live instance exists. Concurrent fetches of one id share a
// single execution. requester is recorded for diagnostics; pass NoRequester
// for top-level fetches.
func (e *Environment) Fetch(ctx context.Context, id module.ID, requester module.ID) *module.ExecResult {
	p, ok := e.reg.Path(id)
	if !ok {
		return module.FailedExec(id, nil, fmt.Errorf("unknown module id %s", id))
	}

	e.mu.Lock()
	if res, ok := e.cache[id]; ok {
		e.mu.Unlock()
		return res
	}
	if j, ok := e.pending[id]; ok {
		if requester != NoRequester {
			j.AddRequester(int(requester))
		}
		e.mu.Unlock()
		return j.Wait()
	}
	if _, exists := e.instances[id]; exists {
		e.mu.Unlock()
		return module.FailedExec(id, nil, module.ErrInstanceExists)
	}

	j := job.New[*module.ExecResult](ctx, int(id))
	if requester != NoRequester {
		j.AddRequester(int(requester))
	}
	inst := module.NewInstance(id, p, j.Owner(), func(inst *module.Instance) {
		// Publishing early lets a re-entrant importer see partial exports.
		j.Settle(module.Executed(inst))
	})
	e.pending[id] = j
	e.instances[id] = slot{inst: inst, job: j}
	e.graph.Add(id)
	live := len(e.instances)
	e.mu.Unlock()

	metrics.SetLiveInstances(e.name, live)
	go e.execute(j, inst)
	return j.Wait()
}

// FetchPath registers p and fetches it.
func (e *Environment) FetchPath(ctx context.Context, p string) *module.ExecResult {
	return e.Fetch(ctx, e.reg.ID(p), NoRequester)
}

func (e *Environment) execute(j *job.Job[*module.ExecResult], inst *module.Instance) {
	ctx := j.Context()
	id := inst.ID()

	var err error
	if err = inst.Start(); err == nil {
		art := e.reg.Compile(ctx, id, e)
		if art.OK() {
			err = e.run(ctx, art.Value(), inst)
		} else {
			err = art.Err()
		}
	}
	if ferr := inst.Finish(err); ferr != nil {
		e.log.V(1).Info("instance finished after teardown", "id", id, "reason", ferr.Error())
	}

	res := module.Executed(inst)
	if err != nil {
		res = module.FailedExec(id, inst, err)
	} else if early, ok := j.Result(); ok && early.OK() {
		// published by MarkReady; waiters already hold it
		res = early
	}

	e.mu.Lock()
	if j.Owner().IsNull() {
		e.mu.Unlock()
		metrics.RecordLateResult("execute")
		e.log.V(1).Info("discarding result of unloaded module", "id", id, "path", inst.Path())
		return
	}
	e.cache[id] = res
	delete(e.pending, id)
	e.mu.Unlock()

	result := "success"
	switch {
	case err == nil:
	case module.IsCancelled(err):
		result = "cancelled"
	default:
		result = "error"
		if inst.Alive() && !inst.TornDown() {
			e.errorHook(id, err)
		}
	}
	metrics.RecordExecution(e.name, result)
	j.Settle(res)
}

func (e *Environment) run(ctx context.Context, art *module.Artifact, inst *module.Instance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &module.ExecutionError{Path: art.Path, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := art.Runner.Run(ctx, e.importerFor(inst), inst, inst.Exports()); err != nil {
		return &module.ExecutionError{Path: art.Path, Err: err}
	}
	return nil
}

// Unload tears down ids and every module that transitively imports them.
// Pending executions are cancelled, cached results dropped and instances
// unregistered; teardown callbacks run only after the whole closure has
// been removed. It returns the ids of the instances that were torn down.
func (e *Environment) Unload(ctx context.Context, ids []module.ID) []module.ID {
	e.mu.Lock()
	closure := e.graph.DetachAll(ids).Sorted()
	var torn []*module.Instance
	for _, id := range closure {
		s, ok := e.instances[id]
		if ok {
			s.job.Cancel(module.FailedExec(id, s.inst, module.ErrExecutionCancelled))
			torn = append(torn, s.inst)
			delete(e.instances, id)
		}
		delete(e.pending, id)
		delete(e.cache, id)
		delete(e.edges, id)
	}
	live := len(e.instances)
	e.mu.Unlock()

	unloaded := make([]module.ID, 0, len(torn))
	for _, inst := range torn {
		if err := inst.Teardown(); err != nil {
			e.log.Error(err, "teardown callback failed", "id", inst.ID(), "path", inst.Path())
		}
		unloaded = append(unloaded, inst.ID())
	}

	metrics.RecordUnload(e.name, len(torn))
	metrics.SetLiveInstances(e.name, live)
	if len(torn) > 0 {
		e.log.V(1).Info("unloaded modules", "requested", ids, "unloaded", unloaded)
	}
	return unloaded
}

// Invalidate unloads ids with their dependents and fetches every unloaded
// module again, each after the modules it imports.
func (e *Environment) Invalidate(ctx context.Context, ids []module.ID) []*module.ExecResult {
	edges := e.Edges()
	unloaded := e.Unload(ctx, ids)
	metrics.RecordInvalidation("environment")
	if len(unloaded) == 0 {
		return nil
	}

	snap, err := graph.Build(reloadEdges(edges, unloaded), e.reg.Path)
	if err != nil {
		e.log.Error(err, "ordering reload failed, refetching unordered")
		snap, _ = graph.Build(reloadEdges(nil, unloaded), e.reg.Path)
	}

	var (
		mu      sync.Mutex
		results = make([]*module.ExecResult, 0, len(unloaded))
	)
	exec := graph.NewExecutor(graph.ExecutorConfig{MaxConcurrency: e.maxConc})
	prog, err := exec.Execute(ctx, snap, func(ctx context.Context, n graph.Node) error {
		res := e.Fetch(ctx, n.ID, NoRequester)
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
		return nil
	})
	if err != nil {
		e.log.Error(err, "reload interrupted", "unloaded", unloaded)
	} else {
		t := prog.Tally()
		e.log.V(1).Info("reloaded", "modules", t.Loaded, "elapsed", t.Elapsed)
	}

	slices.SortFunc(results, func(a, b *module.ExecResult) int { return int(a.ID) - int(b.ID) })
	return results
}

// reloadEdges restricts edges to the modules being reloaded.
func reloadEdges(edges map[module.ID][]module.ID, ids []module.ID) map[module.ID][]module.ID {
	keep := make(map[module.ID]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	out := make(map[module.ID][]module.ID, len(ids))
	for _, id := range ids {
		deps := []module.ID{}
		for _, dep := range edges[id] {
			if keep[dep] {
				deps = append(deps, dep)
			}
		}
		out[id] = deps
	}
	return out
}

// Close unloads every instance and stops receiving registry invalidations.
func (e *Environment) Close(ctx context.Context) {
	e.reg.Forget(e)

	e.mu.Lock()
	ids := slices.Collect(maps.Keys(e.instances))
	e.mu.Unlock()

	e.Unload(ctx, ids)
}

// Instance returns the live instance for id.
func (e *Environment) Instance(id module.ID) (*module.Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.instances[id]
	return s.inst, ok
}

// Len returns the number of live instances.
func (e *Environment) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.instances)
}

// Requesters lists the ids that joined the pending execution of id.
func (e *Environment) Requesters(id module.ID) []module.ID {
	e.mu.Lock()
	j, ok := e.pending[id]
	e.mu.Unlock()

	if !ok {
		return nil
	}
	var out []module.ID
	for _, r := range j.Requesters() {
		out = append(out, module.ID(r))
	}
	return out
}

// Archetypes returns the number of distinct dependency sets seen so far.
func (e *Environment) Archetypes() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.graph.Len()
}

// ArchetypeOf returns the archetype id currently belongs to.
func (e *Environment) ArchetypeOf(id module.ID) *archetype.Archetype {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.graph.ArchetypeOf(id)
}

// Edges returns the recorded import edges, importer to imported.
func (e *Environment) Edges() map[module.ID][]module.ID {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[module.ID][]module.ID, len(e.instances))
	for id := range e.instances {
		out[id] = slices.Sorted(maps.Keys(e.edges[id]))
	}
	return out
}

// Graph snapshots the live import graph.
func (e *Environment) Graph() (*graph.Snapshot, error) {
	return graph.Build(e.Edges(), e.reg.Path)
}

// addEdge records that importer depends on dep, unless importer has already
// been unloaded.
func (e *Environment) addEdge(importer *module.Instance, dep module.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !importer.Alive() {
		return
	}
	from := importer.ID()
	e.graph.AddEdge(from, dep)
	if e.edges[from] == nil {
		e.edges[from] = make(map[module.ID]struct{})
	}
	e.edges[from][dep] = struct{}{}
	metrics.SetArchetypes(e.name, e.graph.Len())
}

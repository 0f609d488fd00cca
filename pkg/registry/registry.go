// Package registry assigns module ids to normalized paths and owns the
// compilation cache shared by every execution environment.
package registry

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/sourcegraph/conc/pool"

	"github.com/chazu/hotload/pkg/compiler"
	"github.com/chazu/hotload/pkg/job"
	"github.com/chazu/hotload/pkg/metrics"
	"github.com/chazu/hotload/pkg/module"
	"github.com/chazu/hotload/pkg/source"
)

// Dependent is notified when artifacts it compiled are invalidated. Execution
// environments register themselves as dependents through Compile.
type Dependent interface {
	Name() string
	Invalidate(ctx context.Context, ids []module.ID) []*module.ExecResult
}

// Options configure a Registry.
type Options struct {
	// Base is the virtual directory relative paths are resolved against.
	// Defaults to "/".
	Base string

	// CaseInsensitive folds paths to lower case before lookup.
	CaseInsensitive bool

	Transport source.Transport
	Compiler  compiler.Compiler
	Logger    logr.Logger
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	IDs     int
	Cached  int
	Pending int
}

// Registry maps paths to ids and compiles modules at most once per id until
// the id is invalidated. All state is guarded by one mutex that is never
// held while fetching or compiling.
type Registry struct {
	base            string
	caseInsensitive bool
	transport       source.Transport
	compiler        compiler.Compiler
	log             logr.Logger

	mu         sync.Mutex
	ids        map[string]module.ID
	paths      []string
	cache      map[module.ID]*module.ArtifactResult
	pending    map[module.ID]*job.Job[*module.ArtifactResult]
	dependents map[module.ID]map[Dependent]struct{}
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	base := "/"
	if opts.Base != "" {
		base = path.Clean("/" + filepath.ToSlash(opts.Base))
	}
	if opts.CaseInsensitive {
		base = strings.ToLower(base)
	}

	return &Registry{
		base:            base,
		caseInsensitive: opts.CaseInsensitive,
		transport:       opts.Transport,
		compiler:        opts.Compiler,
		log:             opts.Logger.WithName("registry"),
		ids:             make(map[string]module.ID),
		cache:           make(map[module.ID]*module.ArtifactResult),
		pending:         make(map[module.ID]*job.Job[*module.ArtifactResult]),
		dependents:      make(map[module.ID]map[Dependent]struct{}),
	}
}

// Base returns the directory relative paths resolve against.
func (r *Registry) Base() string { return r.base }

// Normalize resolves p against the base, folds case if configured, and
// cleans it into a rooted slash path.
func (r *Registry) Normalize(p string) string {
	p = filepath.ToSlash(p)
	if r.caseInsensitive {
		p = strings.ToLower(p)
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(r.base, p)
	}
	return path.Clean(p)
}

// ID returns the id for p, assigning the next one on first sight.
func (r *Registry) ID(p string) module.ID {
	p = r.Normalize(p)

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.ids[p]; ok {
		return id
	}
	id := module.ID(len(r.paths))
	r.ids[p] = id
	r.paths = append(r.paths, p)
	return id
}

// Lookup returns the id for p without assigning one.
func (r *Registry) Lookup(p string) (module.ID, bool) {
	p = r.Normalize(p)

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.ids[p]
	return id, ok
}

// Path returns the normalized path registered for id.
func (r *Registry) Path(id module.ID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || int(id) >= len(r.paths) {
		return "", false
	}
	return r.paths[id], true
}

// Stats reports the number of ids, cached artifacts and pending compiles.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{IDs: len(r.paths), Cached: len(r.cache), Pending: len(r.pending)}
}

// Compile returns the artifact for id, compiling it if needed. Concurrent
// callers for the same id share one compilation. If dependent is non-nil it
// is recorded so that invalidating id reaches it.
func (r *Registry) Compile(ctx context.Context, id module.ID, dependent Dependent) *module.ArtifactResult {
	r.mu.Lock()
	if dependent != nil {
		if r.dependents[id] == nil {
			r.dependents[id] = make(map[Dependent]struct{})
		}
		r.dependents[id][dependent] = struct{}{}
	}
	if res, ok := r.cache[id]; ok {
		r.mu.Unlock()
		metrics.RecordCompileLookup("hit")
		return res
	}
	if j, ok := r.pending[id]; ok {
		r.mu.Unlock()
		metrics.RecordCompileLookup("joined")
		return j.Wait()
	}
	if id < 0 || int(id) >= len(r.paths) {
		r.mu.Unlock()
		return module.FailedArtifact(id, fmt.Errorf("unknown module id %s", id))
	}
	p := r.paths[id]
	j := job.New[*module.ArtifactResult](ctx, int(id))
	r.pending[id] = j
	r.mu.Unlock()

	metrics.RecordCompileLookup("miss")
	go r.compile(j, id, p)
	return j.Wait()
}

func (r *Registry) compile(j *job.Job[*module.ArtifactResult], id module.ID, p string) {
	start := time.Now()
	res := r.build(j.Context(), id, p)

	r.mu.Lock()
	if j.Owner().IsNull() {
		r.mu.Unlock()
		metrics.RecordLateResult("compile")
		r.log.V(1).Info("discarding cancelled compilation", "id", id, "path", p)
		return
	}
	r.cache[id] = res
	delete(r.pending, id)
	r.mu.Unlock()

	status := "success"
	if !res.OK() {
		status = "error"
		r.log.Error(res.Err(), "compile failed", "id", id, "path", p)
	} else {
		r.log.V(1).Info("compiled module", "id", id, "path", p, "digest", res.Value().Digest)
	}
	metrics.RecordCompile(status, time.Since(start).Seconds())
	j.Settle(res)
}

func (r *Registry) build(ctx context.Context, id module.ID, p string) (res *module.ArtifactResult) {
	defer func() {
		if rec := recover(); rec != nil {
			res = module.FailedArtifact(id, &module.CompileError{Path: p, Err: fmt.Errorf("panic: %v", rec)})
		}
	}()

	if r.transport == nil || r.compiler == nil {
		return module.FailedArtifact(id, &module.CompileError{Path: p, Err: fmt.Errorf("registry has no transport or compiler")})
	}

	start := time.Now()
	src, err := r.transport.Fetch(ctx, p)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordSourceFetch(r.transport.Type(), status, time.Since(start).Seconds())
	if err != nil {
		return module.FailedArtifact(id, &module.CompileError{Path: p, Err: err})
	}

	runner, err := r.compiler.Compile(ctx, src)
	if err != nil {
		return module.FailedArtifact(id, &module.CompileError{Path: p, Err: err})
	}
	return module.CompiledArtifact(&module.Artifact{Path: p, ID: id, Digest: src.Digest, Runner: runner})
}

// Invalidate drops the artifacts for ids, cancelling in-flight compilations,
// then invalidates every dependent environment with the ids it depends on.
// The returned results are the re-executions reported by those environments.
func (r *Registry) Invalidate(ctx context.Context, ids []module.ID) []*module.ExecResult {
	affected := make(map[Dependent][]module.ID)

	r.mu.Lock()
	for _, id := range ids {
		if j, ok := r.pending[id]; ok {
			j.Cancel(module.FailedArtifact(id, module.ErrCompilationCancelled))
			delete(r.pending, id)
			metrics.RecordCompileCancelled()
		} else {
			delete(r.cache, id)
		}
		for d := range r.dependents[id] {
			affected[d] = append(affected[d], id)
		}
	}
	r.mu.Unlock()

	metrics.RecordInvalidation("registry")
	if len(affected) == 0 {
		return nil
	}

	p := pool.NewWithResults[[]*module.ExecResult]()
	for d, depIDs := range affected {
		p.Go(func() []*module.ExecResult {
			r.log.V(1).Info("invalidating dependent", "dependent", d.Name(), "ids", depIDs)
			return d.Invalidate(ctx, depIDs)
		})
	}
	return slices.Concat(p.Wait()...)
}

// InvalidatePaths is Invalidate for paths. Paths never registered are
// skipped.
func (r *Registry) InvalidatePaths(ctx context.Context, paths []string) []*module.ExecResult {
	ids := make([]module.ID, 0, len(paths))
	for _, p := range paths {
		if id, ok := r.Lookup(p); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return r.Invalidate(ctx, ids)
}

// Forget stops notifying d about invalidations.
func (r *Registry) Forget(d Dependent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, set := range r.dependents {
		delete(set, d)
	}
}

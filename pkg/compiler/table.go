package compiler

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/chazu/hotload/pkg/module"
	"github.com/chazu/hotload/pkg/source"
)

// Table holds modules written as Go functions, keyed by normalized path. It
// is both the transport and the compiler for those modules: Fetch returns a
// placeholder source whose digest changes with every Put, and Compile looks
// the runner up again by path.
type Table struct {
	mu       sync.RWMutex
	runners  map[string]module.Runner
	versions map[string]int
	compiles map[string]int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		runners:  make(map[string]module.Runner),
		versions: make(map[string]int),
		compiles: make(map[string]int),
	}
}

// Put registers or replaces the runner for p.
func (t *Table) Put(p string, r module.Runner) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runners[p] = r
	t.versions[p]++
}

// PutFunc is Put for a plain function.
func (t *Table) PutFunc(p string, f module.RunnerFunc) {
	t.Put(p, f)
}

// Delete removes p.
func (t *Table) Delete(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.runners, p)
}

// Compiles reports how many times p was compiled.
func (t *Table) Compiles(p string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.compiles[p]
}

// Type returns the transport type
func (t *Table) Type() string {
	return "table"
}

// Fetch implements source.Transport.
func (t *Table) Fetch(ctx context.Context, p string) (*source.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.runners[p]; !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrNotFound, p)
	}
	version := strconv.Itoa(t.versions[p])
	return &source.Source{
		Path:   p,
		Text:   []byte(version),
		Digest: "table:" + p + "@" + version,
		Origin: "table://" + p,
	}, nil
}

// Compile implements Compiler.
func (t *Table) Compile(ctx context.Context, src *source.Source) (module.Runner, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runners[src.Path]
	if !ok {
		return nil, fmt.Errorf("no runner registered for %s", src.Path)
	}
	t.compiles[src.Path]++
	return r, nil
}

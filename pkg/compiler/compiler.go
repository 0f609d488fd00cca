// Package compiler turns fetched module source into runnable artifacts. It
// ships a CUE and an HCL module format plus a table of Go functions, and a
// dispatcher that picks one by file extension.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/chazu/hotload/pkg/module"
	"github.com/chazu/hotload/pkg/source"
)

// ErrNoCompiler is returned when no compiler handles a path's extension.
var ErrNoCompiler = errors.New("no compiler for extension")

// Compiler converts source text into a module.Runner. Compile must not run
// the module; it only prepares it.
type Compiler interface {
	Compile(ctx context.Context, src *source.Source) (module.Runner, error)
}

// Func adapts a function to a Compiler.
type Func func(ctx context.Context, src *source.Source) (module.Runner, error)

// Compile calls f.
func (f Func) Compile(ctx context.Context, src *source.Source) (module.Runner, error) {
	return f(ctx, src)
}

// ByExtension dispatches to a compiler registered for the extension of the
// source path. Extensions include the leading dot; "" matches paths without
// one.
type ByExtension struct {
	mu        sync.RWMutex
	compilers map[string]Compiler
}

// NewByExtension returns a dispatcher with the given registrations.
func NewByExtension(compilers map[string]Compiler) *ByExtension {
	b := &ByExtension{compilers: make(map[string]Compiler)}
	for ext, c := range compilers {
		b.Register(ext, c)
	}
	return b
}

// Default returns a dispatcher for .cue and .hcl modules.
func Default() *ByExtension {
	return NewByExtension(map[string]Compiler{
		".cue": NewCUE(),
		".hcl": NewHCL(),
	})
}

// Register adds or replaces the compiler for ext.
func (b *ByExtension) Register(ext string, c Compiler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.compilers[strings.ToLower(ext)] = c
}

// Extensions lists the registered extensions.
func (b *ByExtension) Extensions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return slices.Sorted(maps.Keys(b.compilers))
}

// Compile hands src to the compiler for its extension.
func (b *ByExtension) Compile(ctx context.Context, src *source.Source) (module.Runner, error) {
	ext := strings.ToLower(path.Ext(src.Path))

	b.mu.RLock()
	c, ok := b.compilers[ext]
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %q (%s)", ErrNoCompiler, ext, src.Path)
	}
	return c.Compile(ctx, src)
}

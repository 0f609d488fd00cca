// Package module defines the types shared by the registry, the compilers and
// execution environments: ids, artifacts, instances, exports and results.
package module

import (
	"context"
	"fmt"
)

// ID is the small integer handle assigned to a registered module path.
// IDs are never reused.
type ID int

func (id ID) String() string { return fmt.Sprintf("#%d", int(id)) }

// Kind classifies a resolved import.
type Kind int

const (
	// KindAuto asks the environment to derive the kind from the path.
	KindAuto Kind = iota
	// KindModule is a unit executed by the runtime itself.
	KindModule
	// KindHost is a unit loaded by the host's native facility.
	KindHost
	// KindDisallowed cannot be imported.
	KindDisallowed
)

func (k Kind) String() string {
	switch k {
	case KindAuto:
		return "auto"
	case KindModule:
		return "module"
	case KindHost:
		return "host"
	case KindDisallowed:
		return "disallowed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind reads the textual form used in module files and config.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "auto":
		return KindAuto, nil
	case "module":
		return KindModule, nil
	case "host":
		return KindHost, nil
	case "disallowed":
		return KindDisallowed, nil
	default:
		return KindAuto, fmt.Errorf("unknown import kind %q", s)
	}
}

// Runner is the executable entry point produced by compiling a module.
// Run publishes values into exports and imports dependencies through imp.
type Runner interface {
	Run(ctx context.Context, imp Importer, inst *Instance, exports *Exports) error
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, imp Importer, inst *Instance, exports *Exports) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, imp Importer, inst *Instance, exports *Exports) error {
	return f(ctx, imp, inst, exports)
}

// ImportOptions tune a single import.
type ImportOptions struct {
	// Kind overrides the kind derived from the resolved path.
	Kind Kind
	// NoEdge suppresses recording a dependency edge for the import.
	NoEdge bool
	// Attributes are passed through to the import hook untouched.
	Attributes map[string]string
}

// Importer is the import function handed to a running module.
type Importer interface {
	Import(ctx context.Context, specifier string, opts ImportOptions) ImportResult
}

// ImporterFunc adapts a function to an Importer.
type ImporterFunc func(ctx context.Context, specifier string, opts ImportOptions) ImportResult

// Import calls f.
func (f ImporterFunc) Import(ctx context.Context, specifier string, opts ImportOptions) ImportResult {
	return f(ctx, specifier, opts)
}

// Artifact is the environment-independent result of compiling a module.
type Artifact struct {
	Path   string
	ID     ID
	Digest string
	Runner Runner
}

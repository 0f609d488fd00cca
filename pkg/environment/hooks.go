package environment

import (
	"context"
	"path"
	"strings"

	"github.com/chazu/hotload/pkg/module"
)

// Requester identifies the module performing an import.
type Requester struct {
	ID   module.ID
	Path string
}

// Resolution is what an ImportHook turns a specifier into: either a path to
// load or a ready payload that bypasses loading.
type Resolution struct {
	Path    string
	Exports *module.Exports
}

// ImportHook resolves a specifier imported by requester.
type ImportHook func(ctx context.Context, requester Requester, specifier string, opts module.ImportOptions) (Resolution, error)

// ErrorHook is told about module bodies that failed while still live.
type ErrorHook func(id module.ID, err error)

// DefaultImportHook resolves "./" and "../" specifiers against the
// requester's directory, rooted specifiers as they are, and anything else
// against base.
func DefaultImportHook(base string) ImportHook {
	if base == "" {
		base = "/"
	}
	return func(_ context.Context, requester Requester, specifier string, _ module.ImportOptions) (Resolution, error) {
		switch {
		case strings.HasPrefix(specifier, "./"), strings.HasPrefix(specifier, "../"):
			return Resolution{Path: path.Join(path.Dir(requester.Path), specifier)}, nil
		case strings.HasPrefix(specifier, "/"):
			return Resolution{Path: path.Clean(specifier)}, nil
		default:
			return Resolution{Path: path.Join(base, specifier)}, nil
		}
	}
}

// KindFunc derives the kind of a resolved path.
type KindFunc func(p string) module.Kind

// ExtensionKinds classifies paths by extension: moduleExts are executed by
// the runtime, hostExts are handed to the host loader, everything else is
// disallowed. Extensions include the leading dot; "" matches none.
func ExtensionKinds(moduleExts, hostExts []string) KindFunc {
	kinds := make(map[string]module.Kind, len(moduleExts)+len(hostExts))
	for _, ext := range moduleExts {
		kinds[strings.ToLower(ext)] = module.KindModule
	}
	for _, ext := range hostExts {
		kinds[strings.ToLower(ext)] = module.KindHost
	}
	return func(p string) module.Kind {
		if k, ok := kinds[strings.ToLower(path.Ext(p))]; ok {
			return k
		}
		return module.KindDisallowed
	}
}

// DefaultKinds treats .cue, .hcl and extensionless paths as modules and .so
// plugins as host units.
var DefaultKinds = ExtensionKinds([]string{".cue", ".hcl", ""}, []string{".so"})

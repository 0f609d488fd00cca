package environment

import (
	"context"
	"fmt"
	"path/filepath"
	"plugin"
	"sync"

	"github.com/chazu/hotload/pkg/module"
)

// HostLoader loads units the runtime does not execute itself.
type HostLoader interface {
	Load(ctx context.Context, p string) (*module.Exports, error)
}

// HostTable serves host units registered by the embedding program.
type HostTable struct {
	mu    sync.RWMutex
	units map[string]*module.Exports
}

// NewHostTable returns an empty table.
func NewHostTable() *HostTable {
	return &HostTable{units: make(map[string]*module.Exports)}
}

// Register makes exports importable at p.
func (h *HostTable) Register(p string, exports *module.Exports) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.units[p] = exports
}

// Load returns the exports registered at p.
func (h *HostTable) Load(_ context.Context, p string) (*module.Exports, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.units[p]
	if !ok {
		return nil, fmt.Errorf("no host unit registered at %s", p)
	}
	return e, nil
}

// ExportsSymbol is the symbol a plugin publishes its exports under. It must
// be a map[string]any variable or a func() map[string]any.
const ExportsSymbol = "Exports"

// PluginHost loads Go plugins from a directory. The normalized path is
// joined onto Root. Plugins cannot be unloaded, so each is opened once.
type PluginHost struct {
	Root string

	mu     sync.Mutex
	loaded map[string]*module.Exports
}

// NewPluginHost returns a loader for plugins under root.
func NewPluginHost(root string) *PluginHost {
	return &PluginHost{Root: root, loaded: make(map[string]*module.Exports)}
}

// Load opens the plugin at p and reads its exports.
func (h *PluginHost) Load(_ context.Context, p string) (*module.Exports, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.loaded[p]; ok {
		return e, nil
	}

	file := filepath.Join(h.Root, filepath.FromSlash(p))
	plug, err := plugin.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", file, err)
	}
	sym, err := plug.Lookup(ExportsSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", file, err)
	}

	var values map[string]any
	switch v := sym.(type) {
	case *map[string]any:
		values = *v
	case func() map[string]any:
		values = v()
	default:
		return nil, fmt.Errorf("plugin %s: symbol %s has type %T", file, ExportsSymbol, sym)
	}

	e := module.ExportsOf(values)
	e.Seal()
	h.loaded[p] = e
	return e, nil
}

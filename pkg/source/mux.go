package source

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

type mount struct {
	prefix    string
	transport Transport
}

// Mux routes paths to transports mounted under path prefixes. The longest
// matching prefix wins; the remainder of the path, rooted at "/", is passed
// to the mounted transport.
type Mux struct {
	mu     sync.RWMutex
	mounts []mount
}

// NewMux returns an empty mux.
func NewMux() *Mux {
	return &Mux{}
}

// Type returns the transport type
func (m *Mux) Type() string {
	return "mux"
}

// Mount attaches t at prefix, replacing any transport already there.
func (m *Mux) Mount(prefix string, t Transport) {
	prefix = clean(prefix)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.mounts = slices.DeleteFunc(m.mounts, func(mt mount) bool { return mt.prefix == prefix })
	m.mounts = append(m.mounts, mount{prefix: prefix, transport: t})
	slices.SortFunc(m.mounts, func(a, b mount) int { return len(b.prefix) - len(a.prefix) })
}

// Route returns the transport serving p and the path relative to its mount.
func (m *Mux) Route(p string) (Transport, string, error) {
	p = clean(p)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mt := range m.mounts {
		if rest, ok := under(p, mt.prefix); ok {
			return mt.transport, rest, nil
		}
	}
	return nil, "", fmt.Errorf("no transport mounted for %s: %w", p, ErrNotFound)
}

// Mounts returns the mounted prefixes, longest first.
func (m *Mux) Mounts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.mounts))
	for i, mt := range m.mounts {
		out[i] = mt.prefix
	}
	return out
}

// Fetch fetches p from the transport mounted over it.
func (m *Mux) Fetch(ctx context.Context, p string) (*Source, error) {
	t, rest, err := m.Route(p)
	if err != nil {
		return nil, err
	}
	src, err := t.Fetch(ctx, rest)
	if err != nil {
		return nil, err
	}
	src.Path = p
	return src, nil
}

// Sync syncs every mounted Syncer and returns the changed paths re-rooted
// under their mount prefixes. A failing mount does not stop the others.
func (m *Mux) Sync(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	mounts := slices.Clone(m.mounts)
	m.mu.RUnlock()

	var (
		changed []string
		errs    error
	)
	for _, mt := range mounts {
		s, ok := mt.transport.(Syncer)
		if !ok {
			continue
		}
		paths, err := s.Sync(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sync %s: %w", mt.prefix, err))
			continue
		}
		for _, p := range paths {
			changed = append(changed, join(mt.prefix, p))
		}
	}
	return changed, errs
}

func under(p, prefix string) (string, bool) {
	if prefix == "/" {
		return p, true
	}
	if p == prefix {
		return "/", true
	}
	if strings.HasPrefix(p, prefix+"/") {
		return p[len(prefix):], true
	}
	return "", false
}

func join(prefix, p string) string {
	if prefix == "/" {
		return clean(p)
	}
	return clean(prefix + clean(p))
}

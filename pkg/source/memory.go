package source

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Memory serves module text held in process. It is the transport used for
// inline modules and for programmatic reloads in tests and embedding hosts.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemory returns a transport serving files, keyed by path.
func NewMemory(files map[string]string) *Memory {
	m := &Memory{files: make(map[string][]byte, len(files))}
	for p, text := range files {
		m.files[clean(p)] = []byte(text)
	}
	return m
}

// Type returns the transport type
func (m *Memory) Type() string {
	return "inline"
}

// Put stores or replaces the text at p.
func (m *Memory) Put(p, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[clean(p)] = []byte(text)
}

// Delete removes p.
func (m *Memory) Delete(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, clean(p))
}

// Paths lists stored paths in sorted order.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Sorted(maps.Keys(m.files))
}

// Fetch returns the stored text for p.
func (m *Memory) Fetch(ctx context.Context, p string) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	text, ok := m.files[clean(p)]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(p)
	}

	return &Source{
		Path:   p,
		Text:   slices.Clone(text),
		Digest: contentDigest("inline", text),
		Origin: "inline",
	}, nil
}

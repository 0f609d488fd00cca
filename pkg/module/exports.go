package module

import (
	"maps"
	"slices"
	"sync"
)

// LinkHook customizes a payload for one importer. The environment calls it at
// most once per (payload, importer) pair and uses the returned exports in
// place of the payload for that importer.
type LinkHook func(importer *Instance, payload *Exports) (*Exports, error)

// Exports is a module's export payload.
type Exports struct {
	mu     sync.RWMutex
	values map[string]any
	sealed bool

	link    LinkHook
	hasLink bool
}

// NewExports returns an empty, writable payload.
func NewExports() *Exports {
	return &Exports{values: make(map[string]any)}
}

// ExportsOf returns a payload holding a copy of values.
func ExportsOf(values map[string]any) *Exports {
	e := NewExports()
	maps.Copy(e.values, values)
	return e
}

// Set publishes a value. It fails once the payload is sealed.
func (e *Exports) Set(name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sealed {
		return ErrSealed
	}
	e.values[name] = value
	return nil
}

// Get returns a published value.
func (e *Exports) Get(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	v, ok := e.values[name]
	return v, ok
}

// Keys returns the published names in sorted order.
func (e *Exports) Keys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return slices.Sorted(maps.Keys(e.values))
}

// Map returns a copy of the published values.
func (e *Exports) Map() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return maps.Clone(e.values)
}

// Len returns the number of published values.
func (e *Exports) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.values)
}

// Seal makes the payload read-only.
func (e *Exports) Seal() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sealed = true
}

// Sealed reports whether Seal has been called.
func (e *Exports) Sealed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.sealed
}

// SetLinkHook attaches the per-importer customization capability.
func (e *Exports) SetLinkHook(h LinkHook) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.link = h
	e.hasLink = h != nil
}

// LinkHook returns the customization capability, if the payload carries one.
func (e *Exports) LinkHook() (LinkHook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.link, e.hasLink
}

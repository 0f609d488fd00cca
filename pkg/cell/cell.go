// Package cell provides a single-slot ownership holder that can be nulled
// exactly once to signal that its owning context has been torn down.
package cell

import (
	"errors"
	"sync"
)

// ErrNulled is returned by Get once the cell has been nulled.
var ErrNulled = errors.New("cell: owner has been torn down")

// Cell holds a live value until Null is called.
type Cell[T any] struct {
	mu     sync.RWMutex
	value  T
	nulled bool
}

// New returns a live cell holding value.
func New[T any](value T) *Cell[T] {
	return &Cell[T]{value: value}
}

// Get returns the held value, or ErrNulled after Null.
func (c *Cell[T]) Get() (T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.nulled {
		var zero T
		return zero, ErrNulled
	}
	return c.value, nil
}

// Null replaces the value with the null sentinel. It reports whether this
// call performed the transition; later calls are no-ops.
func (c *Cell[T]) Null() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nulled {
		return false
	}
	var zero T
	c.value = zero
	c.nulled = true
	return true
}

// IsNull reports whether the cell has been nulled.
func (c *Cell[T]) IsNull() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.nulled
}

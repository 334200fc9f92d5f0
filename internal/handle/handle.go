// Package handle implements the fixed-capacity slot table described in
// spec.md §3 ("Handles"): integer keys into a capacity-bounded table,
// with a sentinel for "none" and reuse of released slots.
package handle

import (
	"github.com/tomtzook/obsr-go/internal/obsrerr"
)

// Handle is an index into a Table. None is the sentinel for "no handle".
type Handle uint32

// None is the sentinel returned where no handle applies.
const None Handle = 0xFFFFFFFF

// Table is a fixed-capacity slot table, generic over the stored type,
// grounded on the source's handle_table<type_, capacity_>.
type Table[T any] struct {
	slots []*T
}

// New creates a table with the given fixed capacity.
func New[T any](capacity int) *Table[T] {
	return &Table[T]{slots: make([]*T, capacity)}
}

// Has reports whether handle h refers to a live slot.
func (t *Table[T]) Has(h Handle) bool {
	if h == None {
		return false
	}
	idx := int(h)
	if idx < 0 || idx >= len(t.slots) {
		return false
	}
	return t.slots[idx] != nil
}

// Get returns the value at h, or NoSuchHandle if h is stale/unknown.
func (t *Table[T]) Get(h Handle) (*T, error) {
	if !t.Has(h) {
		return nil, obsrerr.New(obsrerr.KindNoSuchHandle, "handle.Get", nil)
	}
	return t.slots[int(h)], nil
}

// Allocate reserves the next free slot, stores value, and returns its handle.
// Fails with NoSpace if the table is full.
func (t *Table[T]) Allocate(value *T) (Handle, error) {
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = value
			return Handle(i), nil
		}
	}
	return None, obsrerr.New(obsrerr.KindNoSpace, "handle.Allocate", nil)
}

// Release frees the slot at h, returning the value that was stored there.
func (t *Table[T]) Release(h Handle) (*T, error) {
	if !t.Has(h) {
		return nil, obsrerr.New(obsrerr.KindNoSuchHandle, "handle.Release", nil)
	}
	v := t.slots[int(h)]
	t.slots[int(h)] = nil
	return v, nil
}

// Len returns the table's fixed capacity.
func (t *Table[T]) Len() int { return len(t.slots) }

// Range calls fn for every live (handle, value) pair in ascending handle
// order, stopping early if fn returns false.
func (t *Table[T]) Range(fn func(h Handle, v *T) bool) {
	for i, s := range t.slots {
		if s == nil {
			continue
		}
		if !fn(Handle(i), s) {
			return
		}
	}
}

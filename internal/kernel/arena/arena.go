// Package arena provides statically sized storage for objects the kernel
// creates before it has a heap.
package arena

import "errors"

var ErrInUse = errors.New("arena: slot already holds a live object")

// Slot is storage for exactly one T. Objects are constructed into the slot
// and must be released explicitly before the slot can be reused.
type Slot[T any] struct {
	value T
	live  bool
	gen   uint64
}

// Handle is an owned reference to the object in a Slot. It becomes invalid
// once released.
type Handle[T any] struct {
	slot *Slot[T]
	gen  uint64
}

// Construct stores v in the slot and returns the owning handle.
func (s *Slot[T]) Construct(v T) (Handle[T], error) {
	if s.live {
		return Handle[T]{}, ErrInUse
	}
	s.value = v
	s.live = true
	s.gen++
	return Handle[T]{slot: s, gen: s.gen}, nil
}

// ConstructFunc initialises the object in place. If init fails the slot
// stays empty.
func (s *Slot[T]) ConstructFunc(init func(*T) error) (Handle[T], error) {
	if s.live {
		return Handle[T]{}, ErrInUse
	}
	var zero T
	s.value = zero
	if err := init(&s.value); err != nil {
		s.value = zero
		return Handle[T]{}, err
	}
	s.live = true
	s.gen++
	return Handle[T]{slot: s, gen: s.gen}, nil
}

func (s *Slot[T]) Live() bool { return s.live }

// Valid reports whether h still owns a live object.
func (h Handle[T]) Valid() bool {
	return h.slot != nil && h.slot.live && h.slot.gen == h.gen
}

// Get returns the object, or nil if the handle is no longer valid.
func (h Handle[T]) Get() *T {
	if !h.Valid() {
		return nil
	}
	return &h.slot.value
}

// Release drops the object and frees the slot. Releasing a stale handle is
// a no-op.
func (h Handle[T]) Release() {
	if !h.Valid() {
		return
	}
	var zero T
	h.slot.value = zero
	h.slot.live = false
}

package transform

import (
	"sync/atomic"
)

// Slot holds the active transform. Writers (API, file watcher) Store a new
// transform at any time; the loop Loads once per tick, so a swap only
// affects ticks that start after it.
type Slot struct {
	cur     atomic.Pointer[entry]
	version atomic.Uint64
}

type entry struct {
	t Transform
}

// NewSlot creates a slot holding t, or passthrough when t is nil
func NewSlot(t Transform) *Slot {
	s := &Slot{}
	if t == nil {
		t = NewPassthrough()
	}
	s.cur.Store(&entry{t: t})
	return s
}

// Load returns the active transform
func (s *Slot) Load() Transform {
	return s.cur.Load().t
}

// Store replaces the active transform and returns the previous one
func (s *Slot) Store(t Transform) Transform {
	if t == nil {
		t = NewPassthrough()
	}
	old := s.cur.Swap(&entry{t: t})
	s.version.Add(1)
	return old.t
}

// Version counts Store calls
func (s *Slot) Version() uint64 {
	return s.version.Load()
}

// Package state provides fixed-size state slots. Aggregation state is
// constructed and destroyed through slots handed out by a Slab instead of
// reinterpreting raw memory.
package state

import (
	"fmt"
)

// SlotID identifies a slot within a Slab.
type SlotID int32

// InvalidSlot is never handed out.
const InvalidSlot SlotID = -1

const slotsPerChunk = 256

// Slot is a fixed-size state block plus an optional side object (for
// example a paged store header) set by whoever constructs the slot.
// Slot pointers and blocks stay valid until the slot is freed.
type Slot struct {
	ID    SlotID
	Block []byte
	Ext   any
	live  bool
}

// Slab hands out fixed-size slots carved from chunked byte regions, so
// growing the slab never moves existing blocks. Freed slots are reused.
// A Slab is not safe for concurrent use.
type Slab struct {
	slotSize int
	chunks   [][]byte
	slots    []*Slot
	free     []SlotID
}

// NewSlab creates a slab whose slots are slotSize bytes.
func NewSlab(slotSize int) *Slab {
	return &Slab{slotSize: slotSize}
}

// SlotSize returns the size of every slot's block.
func (s *Slab) SlotSize() int { return s.slotSize }

// Alloc returns a zeroed slot.
func (s *Slab) Alloc() *Slot {
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		slot := s.slots[id]
		clear(slot.Block)
		slot.live = true
		return slot
	}
	id := SlotID(len(s.slots))
	chunk, off := int(id)/slotsPerChunk, (int(id)%slotsPerChunk)*s.slotSize
	if chunk == len(s.chunks) {
		s.chunks = append(s.chunks, make([]byte, slotsPerChunk*s.slotSize))
	}
	slot := &Slot{
		ID:    id,
		Block: s.chunks[chunk][off : off+s.slotSize : off+s.slotSize],
		live:  true,
	}
	s.slots = append(s.slots, slot)
	return slot
}

// Get returns the live slot for id. It panics on a freed or unknown id.
func (s *Slab) Get(id SlotID) *Slot {
	s.mustLive(id)
	return s.slots[id]
}

// Free returns the slot to the slab. Freeing twice panics.
func (s *Slab) Free(slot *Slot) {
	s.mustLive(slot.ID)
	slot.live = false
	slot.Ext = nil
	s.free = append(s.free, slot.ID)
}

// Len returns the number of live slots.
func (s *Slab) Len() int { return len(s.slots) - len(s.free) }

func (s *Slab) mustLive(id SlotID) {
	if id < 0 || int(id) >= len(s.slots) || !s.slots[id].live {
		panic(fmt.Sprintf("state: slot %d is not live", id))
	}
}

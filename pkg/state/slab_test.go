package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlabAllocReuse(t *testing.T) {
	s := NewSlab(16)

	a := s.Alloc()
	b := s.Alloc()
	require.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, s.Len())

	require.Len(t, a.Block, 16)
	a.Block[0] = 0xff
	a.Ext = "header"
	assert.Equal(t, "header", s.Get(a.ID).Ext)

	s.Free(a)
	assert.Equal(t, 1, s.Len())

	c := s.Alloc()
	assert.Equal(t, a.ID, c.ID, "freed slot should be reused")
	assert.Equal(t, byte(0), c.Block[0], "reused slot must be zeroed")
	assert.Nil(t, c.Ext)
}

func TestSlabBlocksStableAcrossGrowth(t *testing.T) {
	s := NewSlab(8)
	slots := make([]*Slot, 3*slotsPerChunk)
	for i := range slots {
		slots[i] = s.Alloc()
		slots[i].Block[0] = byte(i)
	}
	for i, slot := range slots {
		assert.Equal(t, byte(i), slot.Block[0])
		assert.Same(t, slot, s.Get(slot.ID))
	}
}

func TestSlabZeroSizedSlots(t *testing.T) {
	s := NewSlab(0)
	a := s.Alloc()
	a.Ext = 42
	assert.Empty(t, a.Block)
	assert.Equal(t, 42, s.Get(a.ID).Ext)
}

func TestSlabDoubleFreePanics(t *testing.T) {
	s := NewSlab(8)
	slot := s.Alloc()
	s.Free(slot)
	assert.Panics(t, func() { s.Free(slot) })
	assert.Panics(t, func() { s.Get(InvalidSlot) })
}

// Package slab implements a slab allocator for small kernel objects on top
// of the frame allocator. Each slab is a single page frame carved into
// fixed-size slots; free slots form an intrusive chain threaded through the
// slot bytes themselves. Caches for power-of-two object sizes are grouped
// into a Heap which dispatches large requests directly to page blocks.
package slab

import (
	"github.com/greatbridf/eonix/kernel"
	"github.com/greatbridf/eonix/kernel/mem"
	"github.com/greatbridf/eonix/kernel/mem/pmm"
)

const (
	// headerSize is the number of bytes reserved at the start of each
	// slab frame for bookkeeping. Slot space begins at the first
	// objSize-aligned offset past it.
	headerSize = 40
)

// slabPage is the bookkeeping record for one frame owned by a cache. The
// free slots inside the frame form a chain of little-endian physical
// addresses stored in the first 8 bytes of each free slot, terminated by
// zero.
type slabPage struct {
	frame mem.Frame
	cache *Cache

	// freeHead is the physical address of the first free slot, or zero
	// when the slab is full.
	freeHead uintptr
	inUse    int

	prev, next *slabPage
}

// Cache allocates objects of a single fixed size. Slabs move between three
// lists as their occupancy changes: empty (no slot used), partial and full.
type Cache struct {
	heap *Heap

	objSize   mem.Size
	dataStart uintptr
	maxCount  int

	empty   *slabPage
	partial *slabPage
	full    *slabPage
}

func (c *Cache) init(heap *Heap, objSize mem.Size) {
	c.heap = heap
	c.objSize = objSize
	c.dataStart = (headerSize + uintptr(objSize) - 1) &^ (uintptr(objSize) - 1)
	c.maxCount = int((mem.PageSize - headerSize) / objSize)
}

// grow allocates a fresh frame, threads its free chain and places the new
// slab on the empty list.
func (c *Cache) grow() (*slabPage, *kernel.Error) {
	frame, err := c.heap.alloc.AllocPage()
	if err != nil {
		return nil, err
	}

	c.heap.alloc.PageFor(frame).Flags |= pmm.PageSlab

	s := &slabPage{
		frame: frame,
		cache: c,
	}

	base := frame.Address() + c.dataStart
	for i := c.maxCount - 1; i >= 0; i-- {
		slot := base + uintptr(i)*uintptr(c.objSize)
		c.heap.phys.SetWord(slot, uint64(s.freeHead))
		s.freeHead = slot
	}

	c.heap.slabs[frame] = s
	pushSlab(&c.empty, s)
	return s, nil
}

// allocSlot pops the head of the free chain and moves the slab between
// lists as needed. The heap lock is held.
func (c *Cache) allocSlot() (uintptr, *kernel.Error) {
	s := c.partial
	if s == nil {
		s = c.empty
		if s == nil {
			grown, err := c.grow()
			if err != nil {
				return 0, err
			}
			s = grown
		}
		removeSlab(&c.empty, s)
		pushSlab(&c.partial, s)
	}

	slot := s.freeHead
	c.checkSlot(s, slot)

	s.freeHead = uintptr(c.heap.phys.Word(slot))
	s.inUse++

	if s.inUse == c.maxCount {
		removeSlab(&c.partial, s)
		pushSlab(&c.full, s)
	}

	return slot, nil
}

// freeSlot pushes the slot back on the slab's free chain. The heap lock is
// held.
func (c *Cache) freeSlot(s *slabPage, slot uintptr) {
	c.checkSlot(s, slot)
	if s.inUse == 0 {
		panic("slab: free of a slot in an empty slab")
	}

	wasFull := s.inUse == c.maxCount

	c.heap.phys.SetWord(slot, uint64(s.freeHead))
	s.freeHead = slot
	s.inUse--

	// Single-slot slabs jump straight from full to empty.
	switch {
	case s.inUse == 0 && wasFull:
		removeSlab(&c.full, s)
		pushSlab(&c.empty, s)
	case s.inUse == 0:
		removeSlab(&c.partial, s)
		pushSlab(&c.empty, s)
	case wasFull:
		removeSlab(&c.full, s)
		pushSlab(&c.partial, s)
	}
}

// checkSlot panics if the address does not name a slot of this slab. A bad
// address here means the free chain was overwritten by a buffer overrun.
func (c *Cache) checkSlot(s *slabPage, slot uintptr) {
	base := s.frame.Address() + c.dataStart
	last := base + uintptr(c.maxCount-1)*uintptr(c.objSize)

	if slot < base || slot > last || (slot-base)%uintptr(c.objSize) != 0 {
		panic("slab: corrupted free chain")
	}
}

func pushSlab(list **slabPage, s *slabPage) {
	s.prev = nil
	s.next = *list
	if s.next != nil {
		s.next.prev = s
	}
	*list = s
}

func removeSlab(list **slabPage, s *slabPage) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		*list = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev = nil
	s.next = nil
}

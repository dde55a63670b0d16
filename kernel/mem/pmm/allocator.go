// Package pmm implements the physical frame allocator: a buddy system over
// an arena of per-frame descriptors. Zones of usable memory are registered
// at boot; blocks are handed out in power-of-two page counts and coalesced
// with their address-XOR buddy when freed.
package pmm

import (
	"math/bits"
	"sync"

	"github.com/greatbridf/eonix/kernel"
	"github.com/greatbridf/eonix/kernel/klog"
	"github.com/greatbridf/eonix/kernel/mem"
)

const (
	// MaxZoneOrder bounds the per-order free lists; usable orders are
	// 0 to MaxZoneOrder-1.
	MaxZoneOrder = 52
)

var (
	// ErrOutOfMemory is returned when no free block at or above the
	// requested order exists. Exhaustion is terminal for the caller;
	// there is no reclaim path.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidOrder is returned for allocation orders outside the
	// supported zone range.
	ErrInvalidOrder = &kernel.Error{Module: "pmm", Message: "invalid page order"}
)

// zone tracks the free blocks of one power-of-two order as an index-linked
// list through the descriptor arena.
type zone struct {
	head  mem.Frame
	count uint64
}

// Allocator owns every physical page frame. All operations run under a
// single lock standing in for the interrupt-masked spinlock bracket of the
// hardware implementation; the allocator must not be re-entered from the
// preemption timer path.
//
// The allocator follows an init-once/no-teardown lifecycle: it is created
// and seeded during boot and lives for the lifetime of the kernel.
type Allocator struct {
	mu sync.Mutex

	phys  *mem.Physical
	pages []PageDesc
	zones [MaxZoneOrder]zone

	emptyFrame mem.Frame
}

// NewAllocator creates an allocator whose descriptor arena covers the whole
// physical arena. Every frame starts out absent; usable ranges are
// registered with MarkPresent and CreateZone, typically through Init.
func NewAllocator(phys *mem.Physical) *Allocator {
	a := &Allocator{
		phys:       phys,
		pages:      make([]PageDesc, phys.Size().Pages()),
		emptyFrame: mem.InvalidFrame,
	}

	for i := range a.zones {
		a.zones[i].head = mem.InvalidFrame
	}
	for i := range a.pages {
		a.pages[i].prev = mem.InvalidFrame
		a.pages[i].next = mem.InvalidFrame
	}

	return a
}

// Init seeds the allocator from the boot memory map and reserves the shared
// zero-filled sentinel frame used for zero-fill-on-demand mappings.
func (a *Allocator) Init(regions []mem.Region) *kernel.Error {
	log := klog.For("pmm")

	mem.VisitRegions(regions, func(region *mem.Region) bool {
		if region.Type != mem.RegionAvailable {
			return true
		}

		log.Info("registering zone",
			"base", region.Base,
			"length", uint64(region.Length),
		)

		a.MarkPresent(region.Base, region.Base+uintptr(region.Length))
		a.CreateZone(region.Base, region.Base+uintptr(region.Length))
		return true
	})

	empty, err := a.AllocPage()
	if err != nil {
		return err
	}
	a.phys.Memset(empty.Address(), 0, mem.PageSize)
	a.emptyFrame = empty

	log.Info("free memory", "pages", a.TotalFreePages())
	return nil
}

// EmptyFrame returns the shared read-only zero frame. Its reference count
// is pinned at init so it can never return to the free lists.
func (a *Allocator) EmptyFrame() mem.Frame {
	return a.emptyFrame
}

// MarkPresent flags the frames covering [start, end) as having usable
// backing memory. The start address is rounded down and the end address
// rounded up to page boundaries.
func (a *Allocator) MarkPresent(start, end uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	frame := start >> mem.PageShift
	last := (end + uintptr(mem.PageSize) - 1) >> mem.PageShift

	for ; frame < last; frame++ {
		a.pages[frame].Flags |= PagePresent
	}
}

// CreateZone registers the physical range [start, end) with the buddy
// system, decomposing it into maximal aligned power-of-two blocks: aligned
// chunks of growing order are emitted while scanning low addresses upward
// and the remaining tail is emitted in decreasing orders. The start address
// is rounded up and the end address rounded down to page boundaries.
func (a *Allocator) CreateZone(start, end uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	frame := mem.Frame((start + uintptr(mem.PageSize) - 1) >> mem.PageShift)
	endFrame := mem.Frame(end >> mem.PageShift)

	for frame < endFrame {
		order := mem.PageOrder(bits.TrailingZeros64(uint64(frame)))
		if frame == 0 || order > MaxZoneOrder-1 {
			order = MaxZoneOrder - 1
		}

		for frame+mem.Frame(1)<<order > endFrame {
			order--
		}

		a.pushFree(frame, order)
		frame += mem.Frame(1) << order
	}
}

// AllocPages reserves a 2^order page block. The returned frame number is
// aligned to 2^order pages and the block's reference count is one.
func (a *Allocator) AllocPages(order mem.PageOrder) (mem.Frame, *kernel.Error) {
	if order >= MaxZoneOrder {
		return mem.InvalidFrame, ErrInvalidOrder
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := order; i < MaxZoneOrder; i++ {
		if a.zones[i].count == 0 {
			continue
		}

		frame := a.popFree(i)
		desc := &a.pages[frame]
		desc.Order = order
		desc.RefCount.Store(1)

		if i > order {
			a.splitBlock(frame, i, order)
		}

		if !desc.Has(PagePresent | PageBuddy) {
			panic("pmm: allocated frame is not a present buddy block")
		}

		return frame, nil
	}

	return mem.InvalidFrame, ErrOutOfMemory
}

// AllocPage reserves a single page frame.
func (a *Allocator) AllocPage() (mem.Frame, *kernel.Error) {
	return a.AllocPages(0)
}

// AllocPageTable reserves a single zero-filled frame for use as a
// page-table page.
func (a *Allocator) AllocPageTable() (mem.Frame, *kernel.Error) {
	frame, err := a.AllocPage()
	if err != nil {
		return mem.InvalidFrame, err
	}

	a.phys.Memset(frame.Address(), 0, mem.PageSize)
	return frame, nil
}

// FreePages drops one reference from the 2^order block starting at frame
// and returns it to the free lists once the count reaches zero, merging
// the block with its XOR-buddy into higher orders as long as the buddy is
// itself a free block of the same order.
func (a *Allocator) FreePages(frame mem.Frame, order mem.PageOrder) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.freeLocked(frame, order)
}

// FreePage drops one reference from a single page frame.
func (a *Allocator) FreePage(frame mem.Frame) {
	a.FreePages(frame, 0)
}

// IncRef adds one reference to the block starting at frame. Used when a
// frame becomes shared between address spaces under copy-on-write.
func (a *Allocator) IncRef(frame mem.Frame) {
	a.pages[frame].RefCount.Add(1)
}

// DecRef drops one reference from the block starting at frame, freeing it
// at zero. The block order is taken from the frame descriptor.
func (a *Allocator) DecRef(frame mem.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.freeLocked(frame, a.pages[frame].Order)
}

// TotalFreePages returns the number of pages currently on the free lists.
func (a *Allocator) TotalFreePages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uint64
	for order := range a.zones {
		total += a.zones[order].count << order
	}
	return total
}

// FreeBlocks returns the number of free blocks of the given order.
func (a *Allocator) FreeBlocks(order mem.PageOrder) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.zones[order].count
}

func (a *Allocator) freeLocked(frame mem.Frame, order mem.PageOrder) {
	desc := &a.pages[frame]
	if desc.Has(PageFree) {
		panic("pmm: double free of page frame")
	}
	if desc.Order != order {
		panic("pmm: free order does not match allocation order")
	}

	switch rc := desc.RefCount.Add(-1); {
	case rc > 0:
		return
	case rc < 0:
		panic("pmm: negative frame reference count")
	}

	desc.Flags &^= PageSlab | PageAnonymous | PageMapped

	// Merge with the buddy block while it is free and of equal order.
	for order < MaxZoneOrder-1 {
		buddy := frame ^ mem.Frame(1)<<order
		if !a.buddyCheck(buddy, order) {
			break
		}

		a.removeFree(buddy, order)

		// The merged block starts at the lower of the two buddies.
		frame &= buddy
		order++
	}

	a.pages[frame].Order = order
	a.pushFree(frame, order)
}

// buddyCheck reports whether the 2^order block at frame can be merged with:
// the buddy must exist, be backed by usable memory, sit on a free list and
// head a block of the same order.
func (a *Allocator) buddyCheck(frame mem.Frame, order mem.PageOrder) bool {
	if uint64(frame) >= uint64(len(a.pages)) {
		return false
	}

	desc := &a.pages[frame]
	if !desc.Has(PagePresent | PageFree) {
		return false
	}
	if desc.Order != order {
		return false
	}
	if desc.RefCount.Load() != 0 {
		panic("pmm: free frame with live references")
	}

	return true
}

// splitBlock halves the 2^order block at frame down to the target order,
// pushing each unused upper half onto the next lower free list.
func (a *Allocator) splitBlock(frame mem.Frame, order, target mem.PageOrder) {
	for order > target {
		order--
		a.pushFree(frame^mem.Frame(1)<<order, order)
	}
}

func (a *Allocator) pushFree(frame mem.Frame, order mem.PageOrder) {
	desc := &a.pages[frame]
	if !desc.Has(PagePresent) {
		panic("pmm: freeing a frame without backing memory")
	}

	desc.Flags |= PageBuddy | PageFree
	desc.Order = order
	desc.prev = mem.InvalidFrame
	desc.next = a.zones[order].head

	if desc.next.Valid() {
		a.pages[desc.next].prev = frame
	}

	a.zones[order].head = frame
	a.zones[order].count++
}

func (a *Allocator) popFree(order mem.PageOrder) mem.Frame {
	frame := a.zones[order].head
	if !frame.Valid() {
		panic("pmm: free count does not match free list")
	}

	a.removeFree(frame, order)
	return frame
}

func (a *Allocator) removeFree(frame mem.Frame, order mem.PageOrder) {
	desc := &a.pages[frame]

	if desc.prev.Valid() {
		a.pages[desc.prev].next = desc.next
	} else {
		a.zones[order].head = desc.next
	}
	if desc.next.Valid() {
		a.pages[desc.next].prev = desc.prev
	}

	desc.prev = mem.InvalidFrame
	desc.next = mem.InvalidFrame
	desc.Flags &^= PageFree
	a.zones[order].count--
}

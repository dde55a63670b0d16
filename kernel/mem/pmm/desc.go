package pmm

import (
	"sync/atomic"

	"github.com/greatbridf/eonix/kernel/mem"
)

// PageFlags is the set of state bits tracked for each physical page frame.
type PageFlags uint32

const (
	// PagePresent is set for frames whose backing memory was reported
	// usable by the boot memory map.
	PagePresent PageFlags = 1 << iota

	// PageBuddy is set for frames that are tracked by the buddy system,
	// either on a free list or handed out by it.
	PageBuddy

	// PageSlab is set for frames owned by a slab cache.
	PageSlab

	// PageFree is set while a frame sits on one of the order free lists.
	PageFree

	// PageAnonymous is set for frames backing anonymous mappings.
	PageAnonymous

	// PageMapped is set for frames populated from a file mapping.
	PageMapped
)

// PageDesc describes one physical page frame. One descriptor exists per
// frame in a contiguous arena indexed by PFN; the free-list links are Frame
// indices into that arena rather than pointers.
//
// The reference count is the only descriptor field shared between address
// spaces (through copy-on-write), so it is atomic. Every other field is
// mutated with the allocator lock held.
type PageDesc struct {
	// RefCount is zero exactly while the frame sits on a free list.
	RefCount atomic.Int64

	Flags PageFlags

	// Order is the power-of-two block size this frame heads. It is kept
	// up to date for free blocks and for the first frame of each
	// allocated block.
	Order mem.PageOrder

	prev, next mem.Frame
}

// Has returns true if all the given flags are set on this descriptor.
func (d *PageDesc) Has(flags PageFlags) bool {
	return d.Flags&flags == flags
}

// PageFor returns the descriptor for the given frame (pfn_to_page).
func (a *Allocator) PageFor(frame mem.Frame) *PageDesc {
	return &a.pages[frame]
}

// FrameCount returns the number of frames covered by the descriptor arena.
func (a *Allocator) FrameCount() uint64 {
	return uint64(len(a.pages))
}

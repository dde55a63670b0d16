package slab

import (
	"sync"

	"github.com/greatbridf/eonix/kernel"
	"github.com/greatbridf/eonix/kernel/mem"
	"github.com/greatbridf/eonix/kernel/mem/pmm"
)

const (
	// minClassShift and maxClassShift bound the cache object sizes:
	// 8 bytes up to 2048 bytes. Larger requests go straight to the
	// frame allocator.
	minClassShift = 3
	maxClassShift = 11

	classCount = maxClassShift - minClassShift + 1

	// maxCacheSize is the largest request served from a slab cache.
	maxCacheSize = mem.Size(1) << maxClassShift
)

var (
	// ErrInvalidSize is returned for zero-byte allocation requests.
	ErrInvalidSize = &kernel.Error{Module: "slab", Message: "invalid allocation size"}

	// ErrBadAddress is returned when freeing an address that was not
	// handed out by the heap.
	ErrBadAddress = &kernel.Error{Module: "slab", Message: "address does not belong to the heap"}
)

// Heap is the kernel object allocator. Requests up to maxCacheSize are
// rounded up to the next power of two and served from the matching slab
// cache; anything larger is served as a page block from the frame
// allocator.
type Heap struct {
	mu sync.Mutex

	phys  *mem.Physical
	alloc *pmm.Allocator

	// slabs maps an owning frame to its slab record so Free can locate
	// the slab by masking the slot address down to its frame.
	slabs  map[mem.Frame]*slabPage
	caches [classCount]Cache
}

// NewHeap creates a heap backed by the supplied frame allocator and
// pre-grows one slab per size class so the first allocation of each class
// cannot fail on a fragmented frame allocator.
func NewHeap(phys *mem.Physical, alloc *pmm.Allocator) (*Heap, *kernel.Error) {
	h := &Heap{
		phys:  phys,
		alloc: alloc,
		slabs: make(map[mem.Frame]*slabPage),
	}

	for i := range h.caches {
		h.caches[i].init(h, mem.Size(1)<<(minClassShift+i))
		if _, err := h.caches[i].grow(); err != nil {
			return nil, err
		}
	}

	return h, nil
}

// Alloc reserves size bytes and returns the physical address of the
// reservation. The contents of the returned block are undefined.
func (h *Heap) Alloc(size mem.Size) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}

	if size <= maxCacheSize {
		h.mu.Lock()
		defer h.mu.Unlock()

		return h.cacheFor(size).allocSlot()
	}

	frame, err := h.alloc.AllocPages(size.Order())
	if err != nil {
		return 0, err
	}

	return frame.Address(), nil
}

// Free releases an address previously returned by Alloc. Slab slots return
// to their owning slab's free chain; page blocks drop a frame reference.
func (h *Heap) Free(addr uintptr) *kernel.Error {
	frame := mem.FrameFromAddress(addr)

	h.mu.Lock()
	if s, ok := h.slabs[frame]; ok {
		s.cache.freeSlot(s, addr)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	desc := h.alloc.PageFor(frame)
	if addr != frame.Address() || desc.Has(pmm.PageFree) || desc.RefCount.Load() == 0 {
		return ErrBadAddress
	}

	h.alloc.DecRef(frame)
	return nil
}

// ObjectSize returns the size class an allocation of the given size is
// served from, or the page-rounded size for large allocations.
func (h *Heap) ObjectSize(size mem.Size) mem.Size {
	if size == 0 {
		return 0
	}
	if size <= maxCacheSize {
		return h.cacheFor(size).objSize
	}

	return mem.PageSize << size.Order()
}

func (h *Heap) cacheFor(size mem.Size) *Cache {
	for i := range h.caches {
		if h.caches[i].objSize >= size {
			return &h.caches[i]
		}
	}

	panic("slab: no cache for size")
}

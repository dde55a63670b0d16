package vmm

import (
	"testing"

	"github.com/greatbridf/eonix/kernel/mem"
	"github.com/greatbridf/eonix/kernel/mem/pmm"
)

// recordingTLB captures invalidations so tests can assert on the flush
// policy and on the ordering against frame frees.
type recordingTLB struct {
	invalidated []mem.Page
	flushes     int

	onInvalidate func(page mem.Page)
	onFlush      func()
}

func (t *recordingTLB) InvalidatePage(page mem.Page) {
	t.invalidated = append(t.invalidated, page)
	if t.onInvalidate != nil {
		t.onInvalidate(page)
	}
}

func (t *recordingTLB) FlushAll() {
	t.flushes++
	if t.onFlush != nil {
		t.onFlush()
	}
}

// recordingSink captures delivered fault signals.
type recordingSink struct {
	signals []Signal
	addrs   []uintptr
}

func (s *recordingSink) Deliver(sig Signal, addr uintptr) {
	s.signals = append(s.signals, sig)
	s.addrs = append(s.addrs, addr)
}

func (s *recordingSink) last() (Signal, uintptr) {
	if len(s.signals) == 0 {
		return 0, 0
	}
	return s.signals[len(s.signals)-1], s.addrs[len(s.addrs)-1]
}

type testFixture struct {
	phys  *mem.Physical
	alloc *pmm.Allocator
	tlb   *recordingTLB
	sink  *recordingSink
	sys   *System
	space *AddressSpace
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	phys := mem.NewPhysical(8 * mem.Mb)
	alloc := pmm.NewAllocator(phys)

	regions := []mem.Region{
		{Base: 0, Length: 8 * mem.Mb, Type: mem.RegionAvailable},
	}
	if err := alloc.Init(regions); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tlb := &recordingTLB{}
	sink := &recordingSink{}

	sys, err := NewSystem(phys, alloc, tlb, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	space, err := sys.NewAddressSpace()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return &testFixture{
		phys:  phys,
		alloc: alloc,
		tlb:   tlb,
		sink:  sink,
		sys:   sys,
		space: space,
	}
}

// mustMmap maps an anonymous area and fails the test on error.
func (f *testFixture) mustMmap(t *testing.T, addr uintptr, length mem.Size, flags AreaFlag) uintptr {
	t.Helper()

	got, err := f.space.Mmap(MapArgs{
		Addr:   addr,
		Length: length,
		Flags:  flags | AreaAnonymous,
		Fixed:  true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return got
}

// mustFault resolves a fault and fails the test on error.
func (f *testFixture) mustFault(t *testing.T, addr uintptr, flags FaultFlag) {
	t.Helper()

	if err := f.space.HandleFault(addr, flags|FaultUser); err != nil {
		t.Fatalf("unexpected error resolving fault at %#x: %v", addr, err)
	}
}

// leafEntry returns the leaf entry for a virtual address.
func (f *testFixture) leafEntry(t *testing.T, space *AddressSpace, addr uintptr) PSE {
	t.Helper()

	page := mem.PageFromAddress(addr)
	it := space.iter(page.Address(), page.Address()+uintptr(mem.PageSize))
	entry, ok := it.Next()
	if !ok {
		t.Fatalf("unexpected error walking to %#x: %v", addr, it.Err())
	}

	return entry
}

// checkInvariant fails the test unless the area set is sorted and pairwise
// disjoint.
func checkInvariant(t *testing.T, space *AddressSpace) {
	t.Helper()

	areas := space.Areas()
	for i := 0; i < len(areas); i++ {
		if areas[i].Start > areas[i].End {
			t.Fatalf("[area %d] inverted range [%#x, %#x)", i, areas[i].Start, areas[i].End)
		}
		if i == 0 {
			continue
		}
		if areas[i-1].End > areas[i].Start {
			t.Fatalf("[area %d] overlaps its predecessor: [%#x, %#x) then [%#x, %#x)",
				i, areas[i-1].Start, areas[i-1].End, areas[i].Start, areas[i].End)
		}
	}
}

package vmm

import (
	"io"

	"github.com/greatbridf/eonix/kernel"
	"github.com/greatbridf/eonix/kernel/mem"
)

// FaultFlag carries the page-fault error bits pushed by the walker
// hardware.
type FaultFlag uint32

const (
	// FaultPresent is set when the translation existed but the access
	// violated its permissions.
	FaultPresent FaultFlag = 1 << iota

	// FaultWrite is set for stores, clear for loads.
	FaultWrite

	// FaultUser is set for faults taken in user mode.
	FaultUser

	// FaultReserved is set when a reserved bit was found set in a
	// page-structure entry.
	FaultReserved

	// FaultInstructionFetch is set for instruction fetches.
	FaultInstructionFetch
)

// Signal identifies the fault signal delivered for unresolvable faults.
type Signal uint8

const (
	// SignalSegv reports an access violating the permissions of a live
	// mapping.
	SignalSegv Signal = iota + 1

	// SignalBus reports an access outside every mapping.
	SignalBus
)

// SignalSink receives fault signals for the faulting thread. It stands in
// for the scheduler's signal-delivery path.
type SignalSink interface {
	Deliver(sig Signal, addr uintptr)
}

// ErrUnresolvedFault is returned alongside a delivered signal so the
// interrupt path knows the faulting instruction must not be retried.
var ErrUnresolvedFault = &kernel.Error{Module: "vmm", Message: "unresolvable page fault"}

// HandleFault resolves a page fault at the given address.
//
// Not-present faults inside an area are demand fills: anonymous reads share
// the system zero frame copy-on-write, anonymous writes get a private
// zeroed frame and file-backed accesses are populated from the area's file.
// Write faults on copy-on-write entries break the sharing. Everything else
// is delivered to the signal sink and never retried.
func (m *AddressSpace) HandleFault(addr uintptr, flags FaultFlag) *kernel.Error {
	if flags&FaultReserved != 0 {
		panic("vmm: reserved bit set in a page-structure entry")
	}

	area := m.FindArea(addr)
	if area == nil {
		if flags&FaultUser == 0 {
			panic("vmm: kernel access to unmapped address")
		}

		m.sys.log.Debug("fault outside any area", "addr", addr)
		m.sys.sink.Deliver(SignalBus, addr)
		return ErrUnresolvedFault
	}

	if flags&FaultWrite != 0 && !area.Has(AreaWrite) {
		m.sys.sink.Deliver(SignalSegv, addr)
		return ErrUnresolvedFault
	}
	if flags&FaultInstructionFetch != 0 && !area.Has(AreaExecute) {
		m.sys.sink.Deliver(SignalSegv, addr)
		return ErrUnresolvedFault
	}

	page := mem.PageFromAddress(addr)

	it := m.iter(page.Address(), page.Address()+uintptr(mem.PageSize))
	entry, ok := it.Next()
	if !ok {
		return it.Err()
	}

	if flags&FaultPresent == 0 {
		return m.resolveDemand(entry, page, area, flags&FaultWrite != 0)
	}

	if flags&FaultWrite != 0 && entry.HasFlags(FlagCopyOnWrite) {
		return m.breakSharing(entry, page, area)
	}

	// A present fault that is not a copy-on-write break means the
	// permissions genuinely forbid the access.
	m.sys.sink.Deliver(SignalSegv, addr)
	return ErrUnresolvedFault
}

// resolveDemand materializes a frame for a not-present demand entry.
// Anonymous loads share the system zero frame copy-on-write; anonymous
// stores get a private zeroed frame straight away so the access completes
// in one fault.
func (m *AddressSpace) resolveDemand(entry PSE, page mem.Page, area *Area, write bool) *kernel.Error {
	if area.Has(AreaMapped) {
		return m.fillFromFile(entry, page, area)
	}

	if !write {
		empty := m.sys.alloc.EmptyFrame()
		m.sys.alloc.IncRef(empty)

		attr := FlagPresent | FlagUserAccessible | FlagCopyOnWrite | FlagAnonymous
		if !area.Has(AreaExecute) {
			attr |= FlagNoExecute
		}

		entry.Set(attr, empty)
		m.sys.tlb.InvalidatePage(page)
		return nil
	}

	frame, err := m.sys.alloc.AllocPage()
	if err != nil {
		m.sys.sink.Deliver(SignalBus, page.Address())
		return err
	}
	m.sys.phys.Memset(frame.Address(), 0, mem.PageSize)

	attr := FlagPresent | FlagRW | FlagUserAccessible | FlagAnonymous
	if !area.Has(AreaExecute) {
		attr |= FlagNoExecute
	}

	entry.Set(attr, frame)
	m.sys.tlb.InvalidatePage(page)
	return nil
}

// fillFromFile installs a frame populated from the area's backing file.
// Reads past end-of-file leave the tail of the page zeroed.
func (m *AddressSpace) fillFromFile(entry PSE, page mem.Page, area *Area) *kernel.Error {
	frame, err := m.sys.alloc.AllocPage()
	if err != nil {
		m.sys.sink.Deliver(SignalBus, page.Address())
		return err
	}

	buf := m.sys.phys.Slice(frame.Address(), mem.PageSize)
	offset := area.FileOffset + int64(page.Address()-area.Start)

	n, readErr := area.File.ReadAt(buf, offset)
	if readErr != nil && readErr != io.EOF {
		m.sys.alloc.FreePage(frame)
		m.sys.sink.Deliver(SignalBus, page.Address())
		return ErrUnresolvedFault
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}

	attr := FlagPresent | FlagUserAccessible | FlagMappedFile
	if area.Has(AreaWrite) {
		attr |= FlagRW
	}
	if !area.Has(AreaExecute) {
		attr |= FlagNoExecute
	}

	entry.Set(attr, frame)
	m.sys.tlb.InvalidatePage(page)
	return nil
}

// breakSharing gives the faulting address space a private writable copy of
// a copy-on-write page. A frame with a single reference is upgraded in
// place; nothing else can be sharing it.
func (m *AddressSpace) breakSharing(entry PSE, page mem.Page, area *Area) *kernel.Error {
	old := entry.Frame()

	if m.sys.alloc.PageFor(old).RefCount.Load() == 1 {
		entry.SetAttributes(entry.Attributes()&^FlagCopyOnWrite | FlagRW)
		m.sys.tlb.InvalidatePage(page)
		return nil
	}

	frame, err := m.sys.alloc.AllocPage()
	if err != nil {
		m.sys.sink.Deliver(SignalBus, page.Address())
		return err
	}

	m.sys.phys.Memcopy(old.Address(), frame.Address(), mem.PageSize)

	attr := entry.Attributes()&^FlagCopyOnWrite | FlagRW
	entry.Set(attr, frame)
	m.sys.tlb.InvalidatePage(page)

	// The old frame's reference drops only after the rewritten entry's
	// stale translation is gone.
	m.sys.alloc.DecRef(old)
	return nil
}

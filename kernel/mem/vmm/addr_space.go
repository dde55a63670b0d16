package vmm

import (
	"io"
	"log/slog"
	"sort"

	"github.com/greatbridf/eonix/kernel"
	"github.com/greatbridf/eonix/kernel/klog"
	"github.com/greatbridf/eonix/kernel/mem"
	"github.com/greatbridf/eonix/kernel/mem/pmm"
)

// AreaFlag describes the properties of a virtual memory area.
type AreaFlag uint32

const (
	// AreaWrite allows stores into the area.
	AreaWrite AreaFlag = 1 << iota

	// AreaExecute allows instruction fetches from the area.
	AreaExecute

	// AreaMapped marks an area populated from a backing file.
	AreaMapped

	// AreaAnonymous marks an area that zero-fills on demand.
	AreaAnonymous

	// AreaBreak marks the process heap area grown by SetBrk.
	AreaBreak
)

var (
	// ErrInvalidArgument is returned for misaligned or out-of-range
	// mmap/munmap/brk arguments.
	ErrInvalidArgument = &kernel.Error{Module: "vmm", Message: "invalid argument"}

	// ErrMappingExists is returned when a fixed mapping request collides
	// with an existing area.
	ErrMappingExists = &kernel.Error{Module: "vmm", Message: "mapping already exists"}

	// ErrNoVirtualSpace is returned when no free gap of the requested
	// length exists below the user memory top.
	ErrNoVirtualSpace = &kernel.Error{Module: "vmm", Message: "out of virtual address space"}
)

// Area is one contiguous virtual range [Start, End) with uniform flags.
// File-backed areas read their contents from File starting at FileOffset.
type Area struct {
	Start uintptr
	End   uintptr
	Flags AreaFlag

	File       io.ReaderAt
	FileOffset int64
}

// Has returns true if all the given flags are set on this area.
func (a *Area) Has(flags AreaFlag) bool {
	return a.Flags&flags == flags
}

// MapArgs carries the arguments of a Mmap call. When Fixed is set, Addr
// names the exact placement and collisions fail; otherwise Addr is a hint
// and the first free gap at or above it is used.
type MapArgs struct {
	Addr   uintptr
	Length mem.Size
	Flags  AreaFlag
	Fixed  bool

	File       io.ReaderAt
	FileOffset int64
}

// System bundles the collaborators shared by every address space: the
// physical arena, the frame allocator, the translation cache and the
// signal sink for unresolvable faults. It also owns the kernel-half
// page-table template copied into each new root table.
type System struct {
	phys  *mem.Physical
	alloc *pmm.Allocator
	tlb   TLB
	sink  SignalSink
	log   *slog.Logger

	kernelRoot mem.Frame
}

// NewSystem creates the shared address-space state. The kernel-half root
// entries of the template are empty until the caller installs the kernel
// mappings; user address spaces only ever copy them verbatim.
func NewSystem(phys *mem.Physical, alloc *pmm.Allocator, tlb TLB, sink SignalSink) (*System, *kernel.Error) {
	root, err := alloc.AllocPageTable()
	if err != nil {
		return nil, err
	}

	return &System{
		phys:       phys,
		alloc:      alloc,
		tlb:        tlb,
		sink:       sink,
		log:        klog.For("vmm"),
		kernelRoot: root,
	}, nil
}

// KernelRoot returns the template root table shared by all address spaces.
func (s *System) KernelRoot() mem.Frame {
	return s.kernelRoot
}

// AddressSpace is one process's view of memory: an ordered, pairwise
// disjoint set of areas plus the frame holding the root page table. It is
// exclusively owned by its process; only frame reference counts are shared
// across address spaces.
type AddressSpace struct {
	sys  *System
	root mem.Frame

	// areas is kept sorted in ascending order by End.
	areas []*Area
	brk   *Area
}

// NewAddressSpace creates an empty address space whose root table shares
// the kernel half with the system template.
func (s *System) NewAddressSpace() (*AddressSpace, *kernel.Error) {
	root, err := s.alloc.AllocPageTable()
	if err != nil {
		return nil, err
	}

	// The upper half of the root table is the kernel's; copy the
	// template entries so kernel mappings resolve in every space.
	half := uintptr(userRootEntries) << mem.PointerShift
	s.phys.Memcopy(s.kernelRoot.Address()+half, root.Address()+half, mem.Size(half))

	return &AddressSpace{sys: s, root: root}, nil
}

// Root returns the frame holding this space's root page table.
func (m *AddressSpace) Root() mem.Frame {
	return m.root
}

// SwitchTo flushes the translation cache and returns the root table frame
// for the CPU to load.
func (m *AddressSpace) SwitchTo() mem.Frame {
	m.sys.tlb.FlushAll()
	return m.root
}

// Areas returns the current area set in ascending order.
func (m *AddressSpace) Areas() []*Area {
	return m.areas
}

// FindArea returns the area containing addr, or nil.
func (m *AddressSpace) FindArea(addr uintptr) *Area {
	i := sort.Search(len(m.areas), func(i int) bool {
		return m.areas[i].End > addr
	})
	if i < len(m.areas) && m.areas[i].Start <= addr {
		return m.areas[i]
	}

	return nil
}

// IsAvail returns true if [addr, addr+length) lies inside the user window
// and overlaps no existing area.
func (m *AddressSpace) IsAvail(addr uintptr, length mem.Size) bool {
	end := addr + uintptr(length)
	if addr < MinMapAddr || end > UserMemoryTop || end < addr {
		return false
	}

	// The first area whose End exceeds addr is the only candidate that
	// could overlap.
	i := sort.Search(len(m.areas), func(i int) bool {
		return m.areas[i].End > addr
	})
	return i == len(m.areas) || m.areas[i].Start >= end
}

// FindAvail returns the start of the first free gap of the given length at
// or above the hint.
func (m *AddressSpace) FindAvail(hint uintptr, length mem.Size) (uintptr, *kernel.Error) {
	addr := hint
	if addr < MinMapAddr {
		addr = MinMapAddr
	}

	for addr+uintptr(length) <= UserMemoryTop {
		if m.IsAvail(addr, length) {
			return addr, nil
		}

		// Jump past the colliding area and retry.
		i := sort.Search(len(m.areas), func(i int) bool {
			return m.areas[i].End > addr
		})
		if i == len(m.areas) {
			break
		}
		addr = m.areas[i].End
	}

	return 0, ErrNoVirtualSpace
}

// Mmap creates a new area and seeds demand entries over its range. Frames
// are never assigned here; the fault resolver materializes them on first
// access.
func (m *AddressSpace) Mmap(args MapArgs) (uintptr, *kernel.Error) {
	if args.Length == 0 || !pageAligned(args.Addr) || !pageAligned(uintptr(args.Length)) {
		return 0, ErrInvalidArgument
	}
	if args.FileOffset&(int64(mem.PageSize)-1) != 0 {
		return 0, ErrInvalidArgument
	}

	mapped := args.Flags&AreaMapped != 0
	anonymous := args.Flags&AreaAnonymous != 0
	if mapped == anonymous {
		return 0, ErrInvalidArgument
	}
	if mapped && args.File == nil {
		return 0, ErrInvalidArgument
	}

	addr := args.Addr
	if args.Fixed {
		if !m.IsAvail(addr, args.Length) {
			return 0, ErrMappingExists
		}
	} else {
		found, err := m.FindAvail(addr, args.Length)
		if err != nil {
			return 0, err
		}
		addr = found
	}

	area := &Area{
		Start:      addr,
		End:        addr + uintptr(args.Length),
		Flags:      args.Flags &^ AreaBreak,
		File:       args.File,
		FileOffset: args.FileOffset,
	}

	if err := m.seedRange(area, area.Start, area.End); err != nil {
		return 0, err
	}

	m.insertArea(area)
	return addr, nil
}

// Unmap removes every mapping inside [addr, addr+length). Areas partially
// covered by the range are split first so only whole areas are ever
// discarded.
func (m *AddressSpace) Unmap(addr uintptr, length mem.Size) *kernel.Error {
	if length == 0 || !pageAligned(addr) || !pageAligned(uintptr(length)) {
		return ErrInvalidArgument
	}

	end := addr + uintptr(length)

	for _, area := range m.overlapping(addr, end) {
		if area.Start < addr {
			area = m.split(area, addr)
		}
		if area.End > end {
			// Splitting truncates the area to end; the tail stays
			// mapped.
			m.split(area, end)
		}

		m.unmapArea(area)
		m.removeArea(area)
	}

	return nil
}

// Protect changes the writable/executable flags of every mapping inside
// [addr, addr+length), splitting partially covered areas first. Present
// entries are rewritten in place; shared copy-on-write entries stay
// read-only until their write fault.
func (m *AddressSpace) Protect(addr uintptr, length mem.Size, flags AreaFlag) *kernel.Error {
	if length == 0 || !pageAligned(addr) || !pageAligned(uintptr(length)) {
		return ErrInvalidArgument
	}
	if flags&^(AreaWrite|AreaExecute) != 0 {
		return ErrInvalidArgument
	}

	end := addr + uintptr(length)

	for _, area := range m.overlapping(addr, end) {
		if area.Start < addr {
			area = m.split(area, addr)
		}
		if area.End > end {
			m.split(area, end)
		}

		area.Flags = area.Flags&^(AreaWrite|AreaExecute) | flags

		it := m.iter(area.Start, area.End)
		for entry, ok := it.Next(); ok; entry, ok = it.Next() {
			attr := entry.Attributes()

			if attr&FlagPresent == 0 {
				// Demand entries never carry the write bit; only
				// the no-execute choice needs updating.
				if area.Has(AreaExecute) {
					entry.ClearFlags(FlagNoExecute)
				} else {
					entry.SetFlags(FlagNoExecute)
				}
				continue
			}

			m.applyProtection(entry, area, attr)
			m.sys.tlb.InvalidatePage(it.Page())
		}
		if err := it.Err(); err != nil {
			return err
		}
	}

	return nil
}

// applyProtection rewrites an entry's RW and NX bits to match the area.
// Copy-on-write entries keep RW clear regardless; the write bit comes back
// when the fault resolver breaks the sharing.
func (m *AddressSpace) applyProtection(entry PSE, area *Area, attr PageTableEntryFlag) {
	if area.Has(AreaWrite) && attr&FlagCopyOnWrite == 0 {
		attr |= FlagRW
	} else {
		attr &^= FlagRW
	}
	if area.Has(AreaExecute) {
		attr &^= FlagNoExecute
	} else {
		attr |= FlagNoExecute
	}

	entry.SetAttributes(attr)
}

// RegisterBrk places the heap break area at the given page-aligned
// address. The area starts empty and only SetBrk grows it.
func (m *AddressSpace) RegisterBrk(addr uintptr) *kernel.Error {
	if m.brk != nil || !pageAligned(addr) {
		return ErrInvalidArgument
	}
	if !m.IsAvail(addr, mem.PageSize) {
		return ErrMappingExists
	}

	m.brk = &Area{
		Start: addr,
		End:   addr,
		Flags: AreaWrite | AreaAnonymous | AreaBreak,
	}
	m.insertArea(m.brk)
	return nil
}

// SetBrk grows the heap break to the given address and returns the new
// break. Growth is monotonic: requests at or below the current break
// return it unchanged.
func (m *AddressSpace) SetBrk(addr uintptr) (uintptr, *kernel.Error) {
	if m.brk == nil {
		return 0, ErrInvalidArgument
	}

	end := pageAlignUp(addr)
	if end <= m.brk.End {
		return m.brk.End, nil
	}

	grow := mem.Size(end - m.brk.End)
	if !m.IsAvail(m.brk.End, grow) {
		return 0, ErrMappingExists
	}

	if err := m.seedRange(m.brk, m.brk.End, end); err != nil {
		return 0, err
	}

	m.brk.End = end
	m.sortAreas()
	return m.brk.End, nil
}

// Brk returns the current break address, or zero before RegisterBrk.
func (m *AddressSpace) Brk() uintptr {
	if m.brk == nil {
		return 0
	}

	return m.brk.End
}

// Fork duplicates the address space for a child process. No frame contents
// are copied: every present leaf entry in both spaces is downgraded to
// read-only copy-on-write and the backing frame gains one reference.
func (m *AddressSpace) Fork() (*AddressSpace, *kernel.Error) {
	child, err := m.sys.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	for _, area := range m.areas {
		copied := *area
		child.areas = append(child.areas, &copied)
		if area == m.brk {
			child.brk = &copied
		}

		if area.Start == area.End {
			continue
		}

		parentIt := m.iter(area.Start, area.End)
		childIt := child.iter(area.Start, area.End)

		for {
			parentEntry, ok := parentIt.Next()
			if !ok {
				break
			}
			childEntry, ok := childIt.Next()
			if !ok {
				break
			}

			attr := parentEntry.Attributes()
			if attr&FlagPresent == 0 {
				// Demand entries carry no frame reference; the
				// child inherits them verbatim.
				childEntry.Set(attr, parentEntry.Frame())
				continue
			}

			frame := parentEntry.Frame()
			m.sys.alloc.IncRef(frame)

			childEntry.Set(attr&^(FlagRW|FlagAccessed|FlagDirty)|FlagCopyOnWrite, frame)
			parentEntry.SetAttributes(attr&^FlagRW | FlagCopyOnWrite)
		}

		if err := parentIt.Err(); err != nil {
			return nil, err
		}
		if err := childIt.Err(); err != nil {
			return nil, err
		}
	}

	// The parent's write permissions just changed under it.
	m.sys.tlb.FlushAll()
	return child, nil
}

// Clear unmaps every area but keeps the address space alive, as when a
// process replaces its image.
func (m *AddressSpace) Clear() {
	for _, area := range m.areas {
		m.unmapArea(area)
	}
	m.areas = nil
	m.brk = nil

	m.sys.tlb.FlushAll()
}

// Release tears the address space down: every area is unmapped and every
// page-table page of the user half is returned to the frame allocator. The
// kernel-half tables are shared with the system template and stay alive.
func (m *AddressSpace) Release() {
	for _, area := range m.areas {
		m.unmapArea(area)
	}
	m.areas = nil
	m.brk = nil

	m.freeTables(m.root, 1)
	m.sys.alloc.FreePage(m.root)
	m.root = mem.InvalidFrame
}

// freeTables recursively frees the table pages reachable from the given
// table. Level counts the table's depth starting at 1 for the root, where
// only the user-half entries are walked.
func (m *AddressSpace) freeTables(table mem.Frame, level int) {
	entries := uint(tableEntries)
	if level == 1 {
		entries = userRootEntries
	}

	for i := uint(0); i < entries; i++ {
		entry := TableEntry(m.sys.phys, table, i)
		if !entry.HasFlags(FlagPresent) {
			continue
		}

		if level < pageLevels-1 {
			m.freeTables(entry.Frame(), level+1)
		}
		m.sys.alloc.FreePage(entry.Frame())
		entry.Clear()
	}
}

// seedRange installs not-present demand entries over [start, end) for the
// area. The entry records the area kind and the no-execute choice; the
// write bit stays clear until the fault resolver hands out a frame.
func (m *AddressSpace) seedRange(area *Area, start, end uintptr) *kernel.Error {
	attr := PageTableEntryFlag(FlagUserAccessible)
	if area.Has(AreaMapped) {
		attr |= FlagMappedFile
	} else {
		attr |= FlagAnonymous
	}
	if !area.Has(AreaExecute) {
		attr |= FlagNoExecute
	}

	it := m.iter(start, end)
	for entry, ok := it.Next(); ok; entry, ok = it.Next() {
		entry.Set(attr, m.sys.alloc.EmptyFrame())
	}

	return it.Err()
}

// tlbRangeThreshold is the largest unmap range invalidated page by page;
// larger ranges pay one full flush instead.
const tlbRangeThreshold = 4 * mem.PageSize

// unmapArea clears every leaf entry of the area and releases the frames of
// the present ones. Entries are cleared and their translations invalidated
// before any frame reference is dropped, so no stale translation can
// outlive a reused frame.
func (m *AddressSpace) unmapArea(area *Area) {
	perPage := mem.Size(area.End-area.Start) <= tlbRangeThreshold

	var frames []mem.Frame

	it := m.iter(area.Start, area.End)
	for entry, ok := it.Next(); ok; entry, ok = it.Next() {
		present := entry.HasFlags(FlagPresent)
		frame := entry.Frame()

		entry.Clear()

		if perPage {
			m.sys.tlb.InvalidatePage(it.Page())
			if present {
				m.sys.alloc.DecRef(frame)
			}
			continue
		}

		if present {
			frames = append(frames, frame)
		}
	}

	if !perPage {
		m.sys.tlb.FlushAll()
		for _, frame := range frames {
			m.sys.alloc.DecRef(frame)
		}
	}
}

// split cuts an area in two at a page-aligned internal address and returns
// the second half. File-backed halves keep reading from their original
// file positions.
func (m *AddressSpace) split(area *Area, addr uintptr) *Area {
	if addr <= area.Start || addr >= area.End || !pageAligned(addr) {
		panic("vmm: split address outside the area")
	}

	second := &Area{
		Start:      addr,
		End:        area.End,
		Flags:      area.Flags,
		File:       area.File,
		FileOffset: area.FileOffset + int64(addr-area.Start),
	}

	area.End = addr
	if area == m.brk {
		// The break area keeps its identity; the severed tail is an
		// ordinary anonymous area.
		second.Flags &^= AreaBreak
	}

	m.insertArea(second)
	return second
}

func (m *AddressSpace) iter(start, end uintptr) *RangeIter {
	return NewRangeIter(m.sys.phys, m.sys.alloc, m.root, start, end)
}

// overlapping returns the areas intersecting [start, end), snapshotted so
// callers may mutate the area set while ranging.
func (m *AddressSpace) overlapping(start, end uintptr) []*Area {
	var out []*Area
	for _, area := range m.areas {
		if area.Start < end && area.End > start {
			out = append(out, area)
		}
	}

	return out
}

func (m *AddressSpace) insertArea(area *Area) {
	m.areas = append(m.areas, area)
	m.sortAreas()
}

func (m *AddressSpace) removeArea(area *Area) {
	for i, a := range m.areas {
		if a == area {
			m.areas = append(m.areas[:i], m.areas[i+1:]...)
			break
		}
	}
	if area == m.brk {
		m.brk = nil
	}
}

func (m *AddressSpace) sortAreas() {
	sort.Slice(m.areas, func(i, j int) bool {
		if m.areas[i].End != m.areas[j].End {
			return m.areas[i].End < m.areas[j].End
		}
		// Ties happen when a zero-length break area shares its
		// address with a neighbor's end.
		return m.areas[i].Start < m.areas[j].Start
	})
}

func pageAligned(addr uintptr) bool {
	return addr&(uintptr(mem.PageSize)-1) == 0
}

func pageAlignUp(addr uintptr) uintptr {
	return (addr + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
}

// Package vmm implements per-process virtual address spaces on top of the
// frame allocator: raw page-table manipulation, memory areas with
// mmap/munmap/brk semantics, copy-on-write forking and the page-fault
// resolution policy.
package vmm

import "github.com/greatbridf/eonix/kernel/mem"

// PageTableEntryFlag describes the attribute bits of a page-structure
// entry. Attribute bits and frame-number bits occupy disjoint positions.
type PageTableEntryFlag uint64

const (
	// FlagPresent is set for entries that point to a live frame or to a
	// next-level table.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW allows write access when set.
	FlagRW

	// FlagUserAccessible allows user-mode access when set.
	FlagUserAccessible

	// FlagWriteThrough enables write-through caching.
	FlagWriteThrough

	// FlagCacheDisable disables caching for this entry.
	FlagCacheDisable

	// FlagAccessed is set by the walker hardware on first access.
	FlagAccessed

	// FlagDirty is set by the walker hardware on first write.
	FlagDirty

	// FlagHugePage marks an intermediate entry as mapping a large leaf.
	FlagHugePage

	// FlagGlobal exempts the translation from address-space switches.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only entry whose frame is shared
	// between address spaces; the next write fault breaks the sharing.
	FlagCopyOnWrite

	// FlagMappedFile marks a demand entry whose contents come from a
	// backing file.
	FlagMappedFile

	// FlagAnonymous marks a demand entry that zero-fills on first access.
	FlagAnonymous
)

const (
	// FlagNoExecute forbids instruction fetches from the mapped page.
	FlagNoExecute = PageTableEntryFlag(1) << 63

	// AttrMask selects the attribute bits of an entry; the inverse
	// selects the physical frame address bits.
	AttrMask = 0xfff0_0000_0000_0fff
)

const (
	// pageLevels is the depth of the active table walk. Virtual
	// addresses carry a fifth 9-bit index at bits 48-56 which is
	// reserved for a deeper walk and must be zero for user addresses.
	pageLevels = 4

	// tableEntries is the number of entries per table page.
	tableEntries = 512

	// KernelSpaceStart is the lowest kernel-half virtual address. The
	// root-table entries covering [KernelSpaceStart, ...) are shared by
	// every address space and never owned by one.
	KernelSpaceStart = uintptr(0x8000_0000_0000_0000)

	// UserMemoryTop is the exclusive upper bound for user mappings.
	UserMemoryTop = uintptr(0x0000_8000_0000_0000)

	// MinMapAddr is the lowest address user mappings may occupy; the
	// first page stays unmapped so nil dereferences fault.
	MinMapAddr = uintptr(0x1000)

	// userRootEntries is the number of root-table entries covering the
	// user half of the address space.
	userRootEntries = tableEntries / 2
)

// tableIndex extracts the 9-bit table index for the given walk level.
// Level 0 is the root table, level pageLevels-1 the leaf table.
func tableIndex(virtAddr uintptr, level int) uint {
	shift := mem.PageShift + 9*(pageLevels-1-level)
	return uint(virtAddr>>shift) & (tableEntries - 1)
}

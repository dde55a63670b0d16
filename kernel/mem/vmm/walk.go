package vmm

import (
	"github.com/greatbridf/eonix/kernel"
	"github.com/greatbridf/eonix/kernel/mem"
	"github.com/greatbridf/eonix/kernel/mem/pmm"
)

// RangeIter walks the leaf page-table entries covering a [start, end)
// virtual window, descending into the next table whenever the leaf index
// crosses a 512-entry boundary. Missing intermediate tables are allocated
// on the way down, so the iterator can seed entries for ranges that were
// never touched before.
//
// Allocation failures stop the iteration; callers must check Err after the
// loop.
type RangeIter struct {
	phys  *mem.Physical
	alloc *pmm.Allocator

	// tables holds the physical frame of the table active at each walk
	// level; tables[0] is the address-space root.
	tables [pageLevels]mem.Frame
	idx    [pageLevels]uint

	page      mem.Page
	remaining uint64
	loaded    bool
	err       *kernel.Error
}

// NewRangeIter returns an iterator over the leaf entries for the
// page-aligned virtual window [start, end) below the given root table.
func NewRangeIter(phys *mem.Physical, alloc *pmm.Allocator, root mem.Frame, start, end uintptr) *RangeIter {
	return &RangeIter{
		phys:      phys,
		alloc:     alloc,
		tables:    [pageLevels]mem.Frame{root},
		page:      mem.PageFromAddress(start),
		remaining: uint64((end - start) >> mem.PageShift),
	}
}

// Next returns the view over the next leaf entry. It returns false when
// the window is exhausted or a table allocation failed.
func (it *RangeIter) Next() (PSE, bool) {
	if it.remaining == 0 || it.err != nil {
		return PSE{}, false
	}

	if !it.loaded {
		if !it.descend(0) {
			return PSE{}, false
		}
		it.loaded = true
	}

	entry := TableEntry(it.phys, it.tables[pageLevels-1], it.idx[pageLevels-1])

	it.remaining--
	it.advance()

	return entry, true
}

// Page returns the virtual page of the most recently returned entry.
func (it *RangeIter) Page() mem.Page {
	return it.page - 1
}

// Err returns the table allocation error that stopped the walk, if any.
func (it *RangeIter) Err() *kernel.Error {
	return it.err
}

// advance steps to the next page, cascading index rollovers upward and
// re-descending below the highest level whose index changed.
func (it *RangeIter) advance() {
	it.page++
	if it.remaining == 0 {
		return
	}

	level := pageLevels - 1
	for {
		it.idx[level]++
		if it.idx[level] < tableEntries {
			break
		}

		it.idx[level] = 0
		level--
	}

	if level < pageLevels-1 {
		if !it.descend(level + 1) {
			return
		}
	}
}

// descend resolves the table chain for the current page from the given
// level down to the leaf table, allocating zeroed table pages for absent
// intermediate entries.
func (it *RangeIter) descend(from int) bool {
	addr := it.page.Address()
	for level := from; level < pageLevels; level++ {
		it.idx[level] = tableIndex(addr, level)
	}
	if from == 0 {
		from = 1
	}

	for level := from; level < pageLevels; level++ {
		entry := TableEntry(it.phys, it.tables[level-1], it.idx[level-1])

		if !entry.HasFlags(FlagPresent) {
			table, err := it.alloc.AllocPageTable()
			if err != nil {
				it.err = err
				return false
			}

			entry.Set(FlagPresent|FlagRW|FlagUserAccessible, table)
		}

		it.tables[level] = entry.Frame()
	}

	return true
}

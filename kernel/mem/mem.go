// Package mem provides the basic units shared by the physical and virtual
// memory managers: byte sizes, page orders, frame and page index types and
// the owned arena that stands in for the machine's physical memory.
package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Order returns the smallest PageOrder that is suitable for storing a block
// of this size.
func (s Size) Order() PageOrder {
	var order = PageOrder(0)
	for ; ; order++ {
		if PageSize<<order >= s {
			break
		}
	}

	return order
}

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	pageSizeMinus1 := PageSize - 1
	return uint64(((s + pageSizeMinus1) &^ pageSizeMinus1) >> PageShift)
}

// PageOrder represents a power-of-two multiple of the base page size
// (PageSize) and is used as an argument to page-based memory allocators.
//
// PageOrder(0) refers to a page with size PageSize
// PageOrder(1) refers to a page with size PageSize * 2
// ...
type PageOrder uint8

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right
	// by PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// EntrySize is the size of one page-structure entry in bytes.
	EntrySize = 8

	// PointerShift is equal to log2(EntrySize) and converts a table
	// index into a byte offset inside a page-table page.
	PointerShift = 3
)

package mem

import "encoding/binary"

// Physical is the owned arena that models the identity-mapped physical
// memory window. All physical addresses used by the allocators and the
// page-table code are byte offsets into this arena; page-table pages, slab
// slots and mapped frame contents all live inside it.
//
// Accesses outside the arena panic: the physical address came out of a
// frame allocator or a page-table entry, so an out-of-range value means a
// corrupted structure, not a caller error.
type Physical struct {
	data []byte
}

// NewPhysical creates an arena covering physical addresses [0, size).
// Size is rounded up to the next page boundary.
func NewPhysical(size Size) *Physical {
	size = (size + PageSize - 1) &^ (PageSize - 1)
	return &Physical{data: make([]byte, size)}
}

// Size returns the extent of the physical address range.
func (p *Physical) Size() Size {
	return Size(len(p.data))
}

// Slice returns the arena bytes for the physical range [addr, addr+size).
func (p *Physical) Slice(addr uintptr, size Size) []byte {
	return p.data[addr : addr+uintptr(size)]
}

// Word reads the 8-byte little-endian cell at the given physical address.
func (p *Physical) Word(addr uintptr) uint64 {
	return binary.LittleEndian.Uint64(p.data[addr:])
}

// SetWord writes the 8-byte little-endian cell at the given physical address.
func (p *Physical) SetWord(addr uintptr, v uint64) {
	binary.LittleEndian.PutUint64(p.data[addr:], v)
}

// Memset sets size bytes at the given physical address to the supplied value.
func (p *Physical) Memset(addr uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	target := p.Slice(addr, size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from the src physical address to dst.
func (p *Physical) Memcopy(src, dst uintptr, size Size) {
	if size == 0 {
		return
	}

	copy(p.Slice(dst, size), p.Slice(src, size))
}

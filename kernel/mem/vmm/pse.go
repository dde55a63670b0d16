package vmm

import "github.com/greatbridf/eonix/kernel/mem"

// PSE is a typed view over one 8-byte page-structure entry stored at a
// physical address. It is a value type; copying it copies the view, not
// the entry.
type PSE struct {
	phys *mem.Physical
	addr uintptr
}

// TableEntry returns the view over the index-th entry of the table page
// that starts at the given frame.
func TableEntry(phys *mem.Physical, table mem.Frame, index uint) PSE {
	return PSE{phys: phys, addr: table.Address() + uintptr(index)<<mem.PointerShift}
}

// Value returns the raw entry contents.
func (e PSE) Value() uint64 {
	return e.phys.Word(e.addr)
}

// Set overwrites the entry with the given attributes and frame. Attribute
// bits outside AttrMask and frame-address bits inside it are discarded, so
// the two fields can never bleed into each other.
func (e PSE) Set(attr PageTableEntryFlag, frame mem.Frame) {
	e.phys.SetWord(e.addr, uint64(attr)&AttrMask|uint64(frame.Address())&^AttrMask)
}

// Clear zeroes the entry.
func (e PSE) Clear() {
	e.phys.SetWord(e.addr, 0)
}

// Attributes returns the entry's attribute bits.
func (e PSE) Attributes() PageTableEntryFlag {
	return PageTableEntryFlag(e.Value() & AttrMask)
}

// SetAttributes replaces the attribute bits, preserving the frame field.
func (e PSE) SetAttributes(attr PageTableEntryFlag) {
	e.phys.SetWord(e.addr, uint64(attr)&AttrMask|e.Value()&^AttrMask)
}

// SetFlags sets the given attribute bits.
func (e PSE) SetFlags(flags PageTableEntryFlag) {
	e.SetAttributes(e.Attributes() | flags)
}

// ClearFlags clears the given attribute bits.
func (e PSE) ClearFlags(flags PageTableEntryFlag) {
	e.SetAttributes(e.Attributes() &^ flags)
}

// HasFlags returns true if all the given attribute bits are set.
func (e PSE) HasFlags(flags PageTableEntryFlag) bool {
	return e.Attributes()&flags == flags
}

// HasAnyFlag returns true if at least one of the given bits is set.
func (e PSE) HasAnyFlag(flags PageTableEntryFlag) bool {
	return e.Attributes()&flags != 0
}

// Frame returns the frame stored in the entry's address field.
func (e PSE) Frame() mem.Frame {
	return mem.FrameFromAddress(uintptr(e.Value() &^ AttrMask))
}

// SetFrame replaces the frame field, preserving the attribute bits.
func (e PSE) SetFrame(frame mem.Frame) {
	e.phys.SetWord(e.addr, e.Value()&AttrMask|uint64(frame.Address())&^AttrMask)
}

// Descend treats the entry's frame as the physical base of the next-level
// table and returns the view over that table's first entry.
func (e PSE) Descend() PSE {
	return PSE{phys: e.phys, addr: e.Frame().Address()}
}

// Sibling returns the view over the entry n slots after this one in the
// same table.
func (e PSE) Sibling(n uint) PSE {
	return PSE{phys: e.phys, addr: e.addr + uintptr(n)<<mem.PointerShift}
}

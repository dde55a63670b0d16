package mem

// RegionType describes the kind of a boot-time physical memory region.
type RegionType uint32

const (
	// RegionAvailable indicates a region of usable RAM.
	RegionAvailable RegionType = iota + 1

	// RegionReserved indicates a region that must not be touched.
	RegionReserved
)

// Region describes one entry of the boot-time physical memory map as
// handed over by the bootstrap code. Parsing the firmware tables that
// produce these entries is outside this subsystem.
type Region struct {
	Base   uintptr
	Length Size
	Type   RegionType
}

// RegionVisitor is invoked by VisitRegions for each memory map entry. If
// the visitor returns false, the iteration stops.
type RegionVisitor func(region *Region) bool

// VisitRegions invokes the supplied visitor for each region in the boot
// memory map.
func VisitRegions(regions []Region, visit RegionVisitor) {
	for i := range regions {
		if !visit(&regions[i]) {
			return
		}
	}
}

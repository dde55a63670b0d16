package mem

import "testing"

func TestPhysicalRoundsToPages(t *testing.T) {
	phys := NewPhysical(PageSize + 1)
	if got := phys.Size(); got != 2*PageSize {
		t.Fatalf("expected the arena rounded to 2 pages; got %d bytes", got)
	}
}

func TestWordRoundTrip(t *testing.T) {
	phys := NewPhysical(64 * Kb)

	phys.SetWord(0x1000, 0xdead_beef_cafe_f00d)
	if got := phys.Word(0x1000); got != 0xdead_beef_cafe_f00d {
		t.Fatalf("expected 0xdeadbeefcafef00d; got %#x", got)
	}

	// Cells are little-endian.
	if got := phys.Slice(0x1000, 1)[0]; got != 0x0d {
		t.Fatalf("expected low byte first; got %#x", got)
	}
}

func TestMemset(t *testing.T) {
	phys := NewPhysical(64 * Kb)

	for _, size := range []Size{0, 1, 7, 64, 1000, PageSize} {
		phys.Memset(0x2000, 0xff, size)

		for i := Size(0); i < size; i++ {
			if phys.Slice(0x2000, size)[i] != 0xff {
				t.Fatalf("[size %d] byte %d not set", size, i)
			}
		}

		phys.Memset(0x2000, 0, PageSize)
	}
}

func TestMemcopy(t *testing.T) {
	phys := NewPhysical(64 * Kb)

	src := phys.Slice(0x1000, PageSize)
	for i := range src {
		src[i] = byte(i)
	}

	phys.Memcopy(0x1000, 0x3000, PageSize)

	dst := phys.Slice(0x3000, PageSize)
	for i := range dst {
		if dst[i] != byte(i) {
			t.Fatalf("byte %d mismatch: expected %#x; got %#x", i, byte(i), dst[i])
		}
	}
}

func TestVisitRegions(t *testing.T) {
	regions := []Region{
		{Base: 0, Length: 1 * Mb, Type: RegionAvailable},
		{Base: 0x100000, Length: 1 * Mb, Type: RegionReserved},
		{Base: 0x200000, Length: 1 * Mb, Type: RegionAvailable},
	}

	var visited int
	VisitRegions(regions, func(region *Region) bool {
		visited++
		return region.Type == RegionAvailable
	})

	// The visitor stops the walk at the reserved region.
	if visited != 2 {
		t.Fatalf("expected the visit to stop after 2 regions; got %d", visited)
	}
}

package vmm

import (
	"bytes"
	"testing"

	"github.com/greatbridf/eonix/kernel/mem"
)

func TestAnonymousWriteFault(t *testing.T) {
	f := newTestFixture(t)

	addr := f.mustMmap(t, 0x4000_0000, mem.PageSize, AreaWrite)

	entry := f.leafEntry(t, f.space, addr)
	if entry.HasFlags(FlagPresent) {
		t.Fatal("expected a not-present demand entry before the fault")
	}

	f.mustFault(t, addr, FaultWrite)

	entry = f.leafEntry(t, f.space, addr)
	if !entry.HasFlags(FlagPresent | FlagRW | FlagUserAccessible) {
		t.Fatal("expected a present writable user entry after the store fault")
	}
	if entry.HasAnyFlag(FlagCopyOnWrite) {
		t.Fatal("expected a private, non-COW frame")
	}

	frame := entry.Frame()
	if frame == f.alloc.EmptyFrame() {
		t.Fatal("expected a store fault to skip the shared zero frame")
	}
	for i, b := range f.phys.Slice(frame.Address(), mem.PageSize) {
		if b != 0 {
			t.Fatalf("expected a zero-filled frame; byte %d is %#x", i, b)
		}
	}
}

func TestAnonymousReadFaultSharesZeroFrame(t *testing.T) {
	f := newTestFixture(t)

	addr := f.mustMmap(t, 0x4000_0000, mem.PageSize, AreaWrite)

	empty := f.alloc.EmptyFrame()
	refs := f.alloc.PageFor(empty).RefCount.Load()

	f.mustFault(t, addr, 0)

	entry := f.leafEntry(t, f.space, addr)
	if !entry.HasFlags(FlagPresent | FlagCopyOnWrite | FlagUserAccessible) {
		t.Fatal("expected a present COW entry after the load fault")
	}
	if entry.HasAnyFlag(FlagRW) {
		t.Fatal("expected the shared zero frame mapped read-only")
	}
	if got := entry.Frame(); got != empty {
		t.Fatalf("expected the shared zero frame %d; got %d", empty, got)
	}
	if got := f.alloc.PageFor(empty).RefCount.Load(); got != refs+1 {
		t.Fatalf("expected the zero frame refcount to rise to %d; got %d", refs+1, got)
	}

	// The following store breaks the sharing with a private copy.
	f.mustFault(t, addr, FaultPresent|FaultWrite)

	entry = f.leafEntry(t, f.space, addr)
	if got := entry.Frame(); got == empty {
		t.Fatal("expected a private frame after the store")
	}
	if !entry.HasFlags(FlagRW) || entry.HasAnyFlag(FlagCopyOnWrite) {
		t.Fatal("expected a writable non-COW entry after the store")
	}
	if got := f.alloc.PageFor(empty).RefCount.Load(); got != refs {
		t.Fatalf("expected the zero frame refcount back to %d; got %d", refs, got)
	}
}

func TestFileBackedFault(t *testing.T) {
	f := newTestFixture(t)

	content := make([]byte, int(mem.PageSize)+100)
	for i := range content {
		content[i] = byte(i)
	}

	addr := uintptr(0x4000_0000)
	if _, err := f.space.Mmap(MapArgs{
		Addr:   addr,
		Length: 2 * mem.PageSize,
		Flags:  AreaMapped | AreaWrite,
		Fixed:  true,
		File:   bytes.NewReader(content),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.mustFault(t, addr, 0)
	f.mustFault(t, addr+uintptr(mem.PageSize), 0)

	first := f.leafEntry(t, f.space, addr)
	if !first.HasFlags(FlagPresent | FlagRW | FlagMappedFile) {
		t.Fatal("expected a present writable file-backed entry")
	}

	got := f.phys.Slice(first.Frame().Address(), mem.PageSize)
	if !bytes.Equal(got, content[:mem.PageSize]) {
		t.Fatal("expected the first page to carry the file contents")
	}

	// The second page runs past end-of-file; the tail must be zeroed.
	second := f.phys.Slice(f.leafEntry(t, f.space, addr+uintptr(mem.PageSize)).Frame().Address(), mem.PageSize)
	if !bytes.Equal(second[:100], content[mem.PageSize:]) {
		t.Fatal("expected the second page to start with the file tail")
	}
	for i, b := range second[100:] {
		if b != 0 {
			t.Fatalf("expected the past-EOF tail zeroed; byte %d is %#x", i+100, b)
		}
	}
}

func TestFileBackedFaultHonorsOffset(t *testing.T) {
	f := newTestFixture(t)

	content := make([]byte, 3*int(mem.PageSize))
	for i := range content {
		content[i] = byte(i / int(mem.PageSize))
	}

	addr := uintptr(0x4000_0000)
	if _, err := f.space.Mmap(MapArgs{
		Addr:       addr,
		Length:     mem.PageSize,
		Flags:      AreaMapped,
		Fixed:      true,
		File:       bytes.NewReader(content),
		FileOffset: int64(mem.PageSize),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.mustFault(t, addr, 0)

	frame := f.leafEntry(t, f.space, addr).Frame()
	for i, b := range f.phys.Slice(frame.Address(), mem.PageSize) {
		if b != 1 {
			t.Fatalf("expected the second file page mapped; byte %d is %#x", i, b)
		}
	}
}

func TestFaultOutsideAnyArea(t *testing.T) {
	f := newTestFixture(t)

	if err := f.space.HandleFault(0x6000_0000, FaultUser); err != ErrUnresolvedFault {
		t.Fatalf("expected ErrUnresolvedFault; got %v", err)
	}

	sig, addr := f.sink.last()
	if sig != SignalBus {
		t.Fatalf("expected SIGBUS; got %v", sig)
	}
	if addr != 0x6000_0000 {
		t.Fatalf("expected the faulting address delivered; got %#x", addr)
	}
}

func TestKernelFaultOnUnmappedPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic for a kernel-mode access to an unmapped address")
		}
	}()

	f := newTestFixture(t)
	_ = f.space.HandleFault(0x6000_0000, FaultWrite)
}

func TestReservedBitFaultPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic for a reserved-bit fault")
		}
	}()

	f := newTestFixture(t)
	_ = f.space.HandleFault(0x4000_0000, FaultUser|FaultReserved)
}

func TestWriteToReadOnlyArea(t *testing.T) {
	f := newTestFixture(t)

	addr := f.mustMmap(t, 0x4000_0000, mem.PageSize, 0)

	if err := f.space.HandleFault(addr, FaultWrite|FaultUser); err != ErrUnresolvedFault {
		t.Fatalf("expected ErrUnresolvedFault; got %v", err)
	}
	if sig, _ := f.sink.last(); sig != SignalSegv {
		t.Fatalf("expected SIGSEGV; got %v", sig)
	}
}

func TestExecuteFaultOnNoExecArea(t *testing.T) {
	f := newTestFixture(t)

	addr := f.mustMmap(t, 0x4000_0000, mem.PageSize, AreaWrite)
	f.mustFault(t, addr, FaultWrite)

	if err := f.space.HandleFault(addr, FaultPresent|FaultUser|FaultInstructionFetch); err != ErrUnresolvedFault {
		t.Fatalf("expected ErrUnresolvedFault; got %v", err)
	}
	if sig, _ := f.sink.last(); sig != SignalSegv {
		t.Fatalf("expected SIGSEGV; got %v", sig)
	}

	// An executable area resolves the fetch like a load.
	execAddr := f.mustMmap(t, 0x4100_0000, mem.PageSize, AreaExecute)
	if err := f.space.HandleFault(execAddr, FaultUser|FaultInstructionFetch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.leafEntry(t, f.space, execAddr).HasAnyFlag(FlagNoExecute) {
		t.Fatal("expected the executable mapping without the NX bit")
	}
}

func TestCOWUpgradeInPlace(t *testing.T) {
	f := newTestFixture(t)

	addr := f.mustMmap(t, 0x4000_0000, mem.PageSize, AreaWrite)
	f.mustFault(t, addr, FaultWrite)

	frame := f.leafEntry(t, f.space, addr).Frame()
	f.phys.Slice(frame.Address(), 1)[0] = 0x77

	child, err := f.space.Fork()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Parent writes first: refcount is 2, so it must copy.
	f.mustFault(t, addr, FaultPresent|FaultWrite)
	if got := f.leafEntry(t, f.space, addr).Frame(); got == frame {
		t.Fatal("expected the parent to take a private copy")
	}

	// Child writes second: it is the sole owner now, so the entry is
	// upgraded in place without a new frame.
	free := f.alloc.TotalFreePages()
	if err := child.HandleFault(addr, FaultPresent|FaultWrite|FaultUser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry := f.leafEntry(t, child, addr)
	if got := entry.Frame(); got != frame {
		t.Fatalf("expected the child to keep frame %d; got %d", frame, got)
	}
	if !entry.HasFlags(FlagRW) || entry.HasAnyFlag(FlagCopyOnWrite) {
		t.Fatal("expected a writable non-COW entry after the upgrade")
	}
	if got := f.alloc.TotalFreePages(); got != free {
		t.Fatalf("expected no frame allocation for the in-place upgrade; free pages %d, want %d", got, free)
	}
	if got := f.phys.Slice(frame.Address(), 1)[0]; got != 0x77 {
		t.Fatalf("expected the upgraded frame to keep its bytes; got %#x", got)
	}
}

// Package kmain wires the memory subsystem together at boot: it seeds the
// frame allocator from the boot memory map, brings up the kernel heap and
// creates the shared address-space state the scheduler forks processes
// from.
package kmain

import (
	"log/slog"

	"github.com/greatbridf/eonix/kernel"
	"github.com/greatbridf/eonix/kernel/klog"
	"github.com/greatbridf/eonix/kernel/mem"
	"github.com/greatbridf/eonix/kernel/mem/pmm"
	"github.com/greatbridf/eonix/kernel/mem/slab"
	"github.com/greatbridf/eonix/kernel/mem/vmm"
)

// Memory bundles the initialized memory-management components handed to
// the rest of the kernel. It follows an init-once/no-teardown lifecycle.
type Memory struct {
	Phys   *mem.Physical
	Frames *pmm.Allocator
	Heap   *slab.Heap
	VM     *vmm.System
}

// Kmain initializes the memory subsystem over the given physical arena and
// boot memory map. Initialization failures are unrecoverable at this stage;
// the error is returned so the bootstrap code can halt with a report.
func Kmain(phys *mem.Physical, regions []mem.Region, tlb vmm.TLB, sink vmm.SignalSink) (*Memory, *kernel.Error) {
	klog.Init(slog.LevelInfo)
	log := klog.For("kmain")

	frames := pmm.NewAllocator(phys)
	if err := frames.Init(regions); err != nil {
		return nil, err
	}

	heap, err := slab.NewHeap(phys, frames)
	if err != nil {
		return nil, err
	}

	vm, err := vmm.NewSystem(phys, frames, tlb, sink)
	if err != nil {
		return nil, err
	}

	log.Info("memory subsystem up", "free_pages", frames.TotalFreePages())

	return &Memory{
		Phys:   phys,
		Frames: frames,
		Heap:   heap,
		VM:     vm,
	}, nil
}

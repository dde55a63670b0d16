package vmm

import "github.com/greatbridf/eonix/kernel/mem"

// TLB abstracts translation-cache invalidation. Entries must be
// invalidated after a page-table entry is cleared or rewritten and before
// the frame it referenced is freed or reused; a stale translation observed
// after the frame returns to the allocator corrupts memory.
type TLB interface {
	// InvalidatePage drops the cached translation for a single page.
	InvalidatePage(page mem.Page)

	// FlushAll drops every non-global cached translation.
	FlushAll()
}

// noopTLB satisfies TLB for configurations without a translation cache.
type noopTLB struct{}

func (noopTLB) InvalidatePage(mem.Page) {}
func (noopTLB) FlushAll()               {}

// NewNoopTLB returns a TLB whose invalidations are no-ops.
func NewNoopTLB() TLB {
	return noopTLB{}
}

package pagetable

import "unsafe"

// pagePtr reinterprets a page-sized byte slice as a pte.Page, the same
// unsafe reinterpretation mem.pg2pmap performs to walk a physical page as a
// Pmap_t. The slice must be exactly one page (addr.PageSize bytes), which
// every caller in this package guarantees by construction.
func pagePtr(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// Package kheap implements the grow-only bump arena used for kernel
// init structures whose lifetime equals the kernel's (spec.md §4.3).
// There is no free: the kernel has no general allocator capable of
// freeing (spec.md §9).
package kheap

import (
	"sync"

	"github.com/oichkatzele/biscuit2/internal/memlayout"
	"github.com/oichkatzele/biscuit2/internal/pmm"
)

const initialPages = 64

// Heap_t is a bump-growing arena backed by a PMM. In this hosted
// simulation "physical" frames are plain Go byte slices rather than
// identity-mapped hardware pages, but the bump/extend protocol mirrors
// the teacher's heap exactly.
type Heap_t struct {
	sync.Mutex

	pmm *pmm.PMM_t

	frames map[uintptr][]byte // phys -> backing bytes, in allocation order
	order  []uintptr

	cur    []byte // current frame's view from the bump pointer onward
	offset int    // offset into cur already handed out
}

// Init grabs the initial pages from the allocator.
func Init(p *pmm.PMM_t) *Heap_t {
	h := &Heap_t{pmm: p, frames: make(map[uintptr][]byte)}
	base, ok := p.AllocContiguousPages(initialPages)
	if !ok {
		panic("kheap: no memory for initial arena")
	}
	h.adopt(base, initialPages)
	return h
}

func (h *Heap_t) adopt(base uintptr, n int) {
	buf := make([]byte, n*memlayout.PageSize)
	h.frames[base] = buf
	h.order = append(h.order, base)
	h.cur = buf
	h.offset = 0
}

// Alloc advances the bump pointer, aligning to align (which must be a
// power of two), and grabs more contiguous pages when the current
// frame is exhausted. On non-contiguous extension the extra page is
// returned to the PMM and allocation fails (spec.md §4.3).
func (h *Heap_t) Alloc(size, align int) ([]byte, bool) {
	if size <= 0 {
		panic("kheap: bad size")
	}
	if align <= 0 || align&(align-1) != 0 {
		panic("kheap: bad alignment")
	}
	h.Lock()
	defer h.Unlock()

	aligned := (h.offset + align - 1) &^ (align - 1)
	if aligned+size > len(h.cur) {
		need := memlayout.PageRound(size) / memlayout.PageSize
		base, ok := h.pmm.AllocContiguousPages(need)
		if !ok {
			return nil, false
		}
		last := h.order[len(h.order)-1]
		lastLen := len(h.frames[last])
		wantAdjacent := last + uintptr(lastLen)
		if base != wantAdjacent {
			// non-contiguous extension: give the page back, fail.
			h.pmm.FreeContiguousPages(base, need)
			return nil, false
		}
		h.adopt(base, need)
		aligned = 0
	}
	out := h.cur[aligned : aligned+size]
	h.offset = aligned + size
	return out, true
}

// Used reports the total bytes handed out so far, across all frames.
func (h *Heap_t) Used() int {
	h.Lock()
	defer h.Unlock()
	total := 0
	for _, base := range h.order[:len(h.order)-1] {
		total += len(h.frames[base])
	}
	total += h.offset
	return total
}

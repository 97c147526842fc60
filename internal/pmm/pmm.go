// Package pmm implements the bitmap physical page allocator (spec.md
// §4.1). One bit per 4 KiB frame: 0 is free, 1 is used. Allocation is a
// linear scan — acceptable given the small RAM sizes this kernel
// targets, exactly as the teacher accepts O(n) scans in mem/mem.go's
// free-list bookkeeping.
package pmm

import (
	"sync"

	"github.com/oichkatzele/biscuit2/internal/memlayout"
)

// Region describes one usable span of physical memory handed to us by
// the (out of scope) boot hand-off's firmware memory map.
type Region struct {
	Base uintptr
	Len  uintptr
}

// PMM_t is the bitmap allocator. The embedded mutex guards the bitmap
// and free-page counter, matching the teacher's habit of embedding
// sync.Mutex directly into the owning struct (vm.Vm_t, mem.Physmem_t).
type PMM_t struct {
	sync.Mutex

	base      uintptr // physical base address frame 0 corresponds to
	totalPgs  int
	bitmap    []uint64 // one bit per frame
	freePgs   int
	bitmapPgs int // pages consumed by the bitmap itself
}

// New builds an empty allocator; call Init with the firmware memory map
// before use.
func New() *PMM_t {
	return &PMM_t{}
}

// Init picks the first conventional region large enough to host the
// bitmap, marks everything used, marks conventional regions free, marks
// the bitmap's own pages used, and counts free pages (spec.md §4.1
// init).
func (p *PMM_t) Init(regions []Region) {
	p.Lock()
	defer p.Unlock()

	if len(regions) == 0 {
		panic("pmm: no memory map")
	}

	var lo, hi uintptr
	lo = regions[0].Base
	hi = regions[0].Base + regions[0].Len
	for _, r := range regions[1:] {
		if r.Base < lo {
			lo = r.Base
		}
		if end := r.Base + r.Len; end > hi {
			hi = end
		}
	}
	p.base = uintptr(memlayout.PageFloor(int(lo)))
	p.totalPgs = int((hi - p.base + memlayout.PageSize - 1) / memlayout.PageSize)

	words := (p.totalPgs + 63) / 64
	p.bitmap = make([]uint64, words)
	// mark everything used first
	for i := range p.bitmap {
		p.bitmap[i] = ^uint64(0)
	}

	// mark conventional regions free
	for _, r := range regions {
		start := (r.Base - p.base) / memlayout.PageSize
		n := r.Len / memlayout.PageSize
		for i := uintptr(0); i < n; i++ {
			idx := start + i
			if int(idx) >= p.totalPgs {
				break
			}
			p.clearBit(int(idx))
			p.freePgs++
		}
	}

	// host the bitmap itself in the first conventional region large
	// enough, and mark those pages used again.
	bitmapBytes := len(p.bitmap) * 8
	p.bitmapPgs = memlayout.PageRound(bitmapBytes) / memlayout.PageSize
	placed := false
	for _, r := range regions {
		if int(r.Len/memlayout.PageSize) >= p.bitmapPgs {
			start := (r.Base - p.base) / memlayout.PageSize
			for i := 0; i < p.bitmapPgs; i++ {
				idx := int(start) + i
				if !p.testBit(idx) {
					p.setBit(idx)
					p.freePgs--
				}
			}
			placed = true
			break
		}
	}
	if !placed {
		panic("pmm: no region large enough for bitmap")
	}
}

func (p *PMM_t) testBit(i int) bool {
	return p.bitmap[i/64]&(1<<uint(i%64)) != 0
}

func (p *PMM_t) setBit(i int) {
	p.bitmap[i/64] |= 1 << uint(i%64)
}

func (p *PMM_t) clearBit(i int) {
	p.bitmap[i/64] &^= 1 << uint(i%64)
}

// AllocPage allocates a single free frame. It returns (0, false) on
// failure; alloc_page never returns a page already in use (spec.md §8).
func (p *PMM_t) AllocPage() (uintptr, bool) {
	p.Lock()
	defer p.Unlock()
	for i := 0; i < p.totalPgs; i++ {
		if !p.testBit(i) {
			p.setBit(i)
			p.freePgs--
			phys := p.base + uintptr(i)*memlayout.PageSize
			zeroNewFrame(phys, 1)
			return phys, true
		}
	}
	return 0, false
}

// FreePage releases a previously allocated frame. Double-free and
// freeing an address outside the bitmap are silently ignored (spec.md
// §4.1 invariants).
func (p *PMM_t) FreePage(phys uintptr) {
	p.Lock()
	defer p.Unlock()
	idx, ok := p.indexOf(phys)
	if !ok {
		return
	}
	if !p.testBit(idx) {
		return // double free: no-op
	}
	p.clearBit(idx)
	p.freePgs++
	freeFrames(phys, 1)
}

func (p *PMM_t) indexOf(phys uintptr) (int, bool) {
	if phys < p.base {
		return 0, false
	}
	off := phys - p.base
	if off%memlayout.PageSize != 0 {
		return 0, false
	}
	idx := int(off / memlayout.PageSize)
	if idx >= p.totalPgs {
		return 0, false
	}
	return idx, true
}

// AllocContiguousPages finds n consecutive free frames, required for
// kernel stacks, DMA rings and virtqueue memory because the direct
// kernel map assumes contiguity (spec.md §4.1, §9). Guarded by the same
// lock as single-page allocation, so it is atomic w.r.t. concurrent
// callers.
func (p *PMM_t) AllocContiguousPages(n int) (uintptr, bool) {
	if n <= 0 {
		panic("pmm: bad contiguous alloc size")
	}
	p.Lock()
	defer p.Unlock()

	run := 0
	start := -1
	for i := 0; i < p.totalPgs; i++ {
		if !p.testBit(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				for j := start; j < start+n; j++ {
					p.setBit(j)
				}
				p.freePgs -= n
				phys := p.base + uintptr(start)*memlayout.PageSize
				zeroNewFrame(phys, n)
				return phys, true
			}
		} else {
			run = 0
			start = -1
		}
	}
	return 0, false
}

// FreeContiguousPages releases n frames starting at phys.
func (p *PMM_t) FreeContiguousPages(phys uintptr, n int) {
	p.Lock()
	defer p.Unlock()
	idx, ok := p.indexOf(phys)
	if !ok {
		return
	}
	for i := 0; i < n; i++ {
		j := idx + i
		if j >= p.totalPgs || !p.testBit(j) {
			continue
		}
		p.clearBit(j)
		p.freePgs++
	}
	freeFrames(phys, n)
}

// Stats reports total/free/in-use pages for sysinfo (spec.md §4.11).
func (p *PMM_t) Stats() (total, free, inUse int) {
	p.Lock()
	defer p.Unlock()
	return p.totalPgs, p.freePgs, p.totalPgs - p.freePgs
}

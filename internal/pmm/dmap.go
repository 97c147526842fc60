package pmm

import (
	"sync"

	"github.com/oichkatzele/biscuit2/internal/memlayout"
)

// frameStore backs every allocated frame with real bytes, playing the
// role of the teacher's direct map (mem/dmap.go: "Dmap converts a
// physical address into a direct-mapped virtual address"). In a hosted
// simulation there is no MMU to program, so Dmap just looks the frame
// up in a map instead of doing phys+KERNEL_VIRT_BASE arithmetic against
// real memory.
type frameStore struct {
	mu     sync.RWMutex
	frames map[uintptr][]byte
}

var store = frameStore{frames: make(map[uintptr][]byte)}

func frameBase(phys uintptr) uintptr {
	return uintptr(memlayout.PageFloor(int(phys)))
}

func ensureFrame(phys uintptr) []byte {
	base := frameBase(phys)
	store.mu.Lock()
	defer store.mu.Unlock()
	b, ok := store.frames[base]
	if !ok {
		b = make([]byte, memlayout.PageSize)
		store.frames[base] = b
	}
	return b
}

func dropFrame(phys uintptr) {
	base := frameBase(phys)
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.frames, base)
}

// Dmap returns the page-aligned byte slice backing the frame containing
// phys, offset to phys within that page (spec.md §4.2 phys_ptr).
func Dmap(phys uintptr) []byte {
	b := ensureFrame(phys)
	off := int(phys) & (memlayout.PageSize - 1)
	return b[off:]
}

// Zero clears the frame containing phys. Used when mapping fresh pages
// (spec.md §4.9 ELF loading: "zero it through the direct map").
func Zero(phys uintptr) {
	b := ensureFrame(frameBase(phys))
	for i := range b {
		b[i] = 0
	}
}

// zeroNewFrame is called by the PMM on every successful allocation so a
// freshly handed-out page never leaks the previous tenant's data.
func zeroNewFrame(phys uintptr, n int) {
	for i := 0; i < n; i++ {
		b := ensureFrame(phys + uintptr(i*memlayout.PageSize))
		for j := range b {
			b[j] = 0
		}
	}
}

func freeFrames(phys uintptr, n int) {
	for i := 0; i < n; i++ {
		dropFrame(phys + uintptr(i*memlayout.PageSize))
	}
}

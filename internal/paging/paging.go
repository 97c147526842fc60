// Package paging implements the 4-level page table / address space
// abstraction (spec.md §4.2). Page table pages are ordinary physical
// frames from the pmm, reinterpreted as a 512-entry PTE array exactly
// the way the teacher's mem.Pmap_t reinterprets a physical page
// (mem/mem.go: "Pmap_t is a page table page", mem/dmap.go's Kpmap
// casting a direct-mapped page to *Pmap_t) — here via pmm.Dmap instead
// of unsafe.Pointer arithmetic against a recursive mapping, since this
// is a hosted simulation with no MMU to program.
package paging

import (
	"encoding/binary"
	"sync"

	"github.com/oichkatzele/biscuit2/internal/memlayout"
	"github.com/oichkatzele/biscuit2/internal/pmm"
)

// Pte is one page table entry: a physical address plus flag bits,
// matching the x86_64 PTE layout the teacher's mem.Pa_t constants use.
type Pte uint64

const (
	PteP      Pte = 1 << 0 // present
	PteW      Pte = 1 << 1 // writable
	PteU      Pte = 1 << 2 // user-accessible
	PtePCD    Pte = 1 << 4 // no-cache
	PtePS     Pte = 1 << 7 // huge page (leaf at PDPT/PD level)
	PteNX     Pte = 1 << 63
	pteAddrLo = 12
	pteAddrHi = 51
)

const addrMask = Pte(((uint64(1) << (pteAddrHi + 1)) - 1) &^ ((uint64(1) << pteAddrLo) - 1))

// Addr returns the physical address bits of a PTE.
func (e Pte) Addr() uintptr { return uintptr(e & addrMask) }

// Present, Writable, User, Huge, NoExec report individual flag bits.
func (e Pte) Present() bool { return e&PteP != 0 }
func (e Pte) Writable() bool { return e&PteW != 0 }
func (e Pte) User() bool     { return e&PteU != 0 }
func (e Pte) Huge() bool     { return e&PtePS != 0 }
func (e Pte) NoExec() bool   { return e&PteNX != 0 }

// Flags bundles the caller-facing mapping attributes for MapPage.
type Flags struct {
	Writable bool
	User     bool
	NoCache  bool
	NoExec   bool
}

func (f Flags) pte(phys uintptr) Pte {
	e := Pte(phys)&addrMask | PteP
	if f.Writable {
		e |= PteW
	}
	if f.User {
		e |= PteU
	}
	if f.NoCache {
		e |= PtePCD
	}
	if f.NoExec {
		e |= PteNX
	}
	return e
}

const entriesPerTable = 512

// table is a page table page viewed as 512 entries, backed by the
// frame's bytes via pmm.Dmap — the simulation's stand-in for the
// teacher's *Pmap_t cast of a direct-mapped page.
type table struct {
	bytes []byte
}

func tableAt(phys uintptr) table {
	return table{bytes: pmm.Dmap(phys)[:entriesPerTable*8]}
}

func (t table) get(i int) Pte {
	return Pte(binary.LittleEndian.Uint64(t.bytes[i*8 : i*8+8]))
}

func (t table) set(i int, e Pte) {
	binary.LittleEndian.PutUint64(t.bytes[i*8:i*8+8], uint64(e))
}

// indices splits a virtual address into its four page-table indices
// (PML4, PDPT, PD, PT for x86_64; the riscv64 Sv39/Sv48 analogue uses
// the same shape per spec.md §4.2).
func indices(va uintptr) [4]int {
	return [4]int{
		int((va >> 39) & 0x1FF),
		int((va >> 30) & 0x1FF),
		int((va >> 21) & 0x1FF),
		int((va >> 12) & 0x1FF),
	}
}

// AddressSpace_t is the root page table of one process or thread
// group. The embedded mutex guards Root and every intermediate table
// reachable from it, mirroring the teacher's Vm_t ("lock for vmregion,
// pmpages, pmap, and p_pmap").
type AddressSpace_t struct {
	sync.Mutex

	pmm  *pmm.PMM_t
	Root uintptr // phys addr of the top-level table

	pgfltaken bool

	// CoresRanOn records, one bit per core id, which cores have ever
	// scheduled a thread of this address space — consulted to decide
	// which cores need a TLB shootdown IPI on unmap (spec.md §5 "TLB
	// coherence").
	CoresRanOn uint64
}

// Lock_pmap acquires the address-space lock and marks a page-table
// walk in progress, matching the teacher's Vm_t.Lock_pmap/pgfltaken
// convention.
func (as *AddressSpace_t) Lock_pmap() {
	as.Lock()
	as.pgfltaken = true
}

// Unlock_pmap releases the lock taken by Lock_pmap.
func (as *AddressSpace_t) Unlock_pmap() {
	as.pgfltaken = false
	as.Unlock()
}

// Lockassert_pmap panics if the address-space lock is not held.
func (as *AddressSpace_t) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("paging: pgfl lock must be held")
	}
}

// KernelMap_t holds the one kernel top-level table a booted kernel
// shallow-copies into every address space's upper half. It is a
// per-boot singleton in spirit (spec.md §4.2 "singleton kernel
// top-level") but modeled as an explicit value, not package-global
// state, so a test can stand up as many independent simulated kernels
// as it needs.
type KernelMap_t struct {
	pmm  *pmm.PMM_t
	Root uintptr
}

// InitKernelMap builds the kernel top-level table and its direct map
// of the first 4 GiB of physical RAM using 2 MiB huge pages (spec.md
// §4.2 "Direct kernel map").
func InitKernelMap(p *pmm.PMM_t) *KernelMap_t {
	root, ok := p.AllocPage()
	if !ok {
		panic("paging: no memory for kernel top-level table")
	}
	km := &KernelMap_t{pmm: p, Root: root}

	const gib = uintptr(1) << 30
	const mib2 = uintptr(2) << 20

	pml4 := tableAt(root)
	pdpt, ok := p.AllocPage()
	if !ok {
		panic("paging: no memory for kernel PDPT")
	}
	pml4.set(int((memlayout.KernelVirtBase>>39)&0x1FF), Pte(pdpt)&addrMask|PteP|PteW)
	for gb := uintptr(0); gb*gib < memlayout.DirectMapBytes; gb++ {
		pd, ok := p.AllocPage()
		if !ok {
			panic("paging: no memory for kernel PD")
		}
		tableAt(pdpt).set(int(gb), Pte(pd)&addrMask|PteP|PteW)

		pdTab := tableAt(pd)
		base := gb * gib
		for i := 0; i < entriesPerTable; i++ {
			phys := base + uintptr(i)*mib2
			pdTab.set(i, Pte(phys)&addrMask|PteP|PteW|PtePS)
		}
	}
	return km
}

// CreateAddressSpace allocates a fresh top-level table whose kernel
// half (indices 256..511) is shallow-copied from km — a shared
// reference to the same sub-tables, so kernel mappings change
// everywhere at once — and whose user half starts empty (spec.md
// §4.2 "Per-process top-level").
func (km *KernelMap_t) CreateAddressSpace() *AddressSpace_t {
	root, ok := km.pmm.AllocPage()
	if !ok {
		panic("paging: no memory for address space")
	}
	dst := tableAt(root)
	src := tableAt(km.Root)
	for i := entriesPerTable / 2; i < entriesPerTable; i++ {
		dst.set(i, src.get(i))
	}
	return &AddressSpace_t{pmm: km.pmm, Root: root}
}

// walk returns the leaf table and index for va, allocating
// intermediate tables along the way when create is true. ok is false
// if the path is absent and create is false, or if an intermediate
// level needed but could not allocate.
func (as *AddressSpace_t) walk(va uintptr, create bool) (table, int, bool) {
	idx := indices(va)
	phys := as.Root
	for lvl := 0; lvl < 3; lvl++ {
		t := tableAt(phys)
		e := t.get(idx[lvl])
		if !e.Present() {
			if !create {
				return table{}, 0, false
			}
			child, ok := as.pmm.AllocPage()
			if !ok {
				return table{}, 0, false
			}
			flags := PteP | PteW
			if va < memlayout.KernelVirtBase {
				flags |= PteU
			}
			t.set(idx[lvl], Pte(child)&addrMask|flags)
			phys = child
			continue
		}
		if e.Huge() {
			return table{}, 0, false // caller asked for a 4K slot inside a huge mapping
		}
		phys = e.Addr()
	}
	return tableAt(phys), idx[3], true
}

// MapPage installs a present mapping from vaddr to phys with the
// given flags, allocating intermediate tables as needed (spec.md
// §4.2 map_page).
func (as *AddressSpace_t) MapPage(vaddr, phys uintptr, flags Flags) bool {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	t, idx, ok := as.walk(vaddr, true)
	if !ok {
		return false
	}
	t.set(idx, flags.pte(phys))
	return true
}

// UnmapPage clears the mapping at vaddr, if any. It does not free the
// underlying frame; callers that own the frame free it separately.
func (as *AddressSpace_t) UnmapPage(vaddr uintptr) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	t, idx, ok := as.walk(vaddr, false)
	if !ok {
		return
	}
	t.set(idx, 0)
}

// TranslateVaddr returns the physical address vaddr currently maps
// to, or ok=false if unmapped (spec.md §4.2 translate_vaddr).
func (as *AddressSpace_t) TranslateVaddr(vaddr uintptr) (uintptr, bool) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	t, idx, ok := as.walk(vaddr, false)
	if !ok {
		return 0, false
	}
	e := t.get(idx)
	if !e.Present() {
		return 0, false
	}
	return e.Addr() | (vaddr & (memlayout.PageSize - 1)), true
}

// FreeAddressSpace walks the user half, frees every present leaf
// frame and every intermediate table, but never touches the
// kernel-half sub-tables shared with every other address space
// (spec.md §4.2 free_address_space).
func (as *AddressSpace_t) FreeAddressSpace() {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	pml4 := tableAt(as.Root)
	for i := 0; i < entriesPerTable/2; i++ {
		e := pml4.get(i)
		if !e.Present() {
			continue
		}
		freeSubtree(as.pmm, e.Addr(), 2)
	}
	as.pmm.FreePage(as.Root)
}

// freeSubtree recursively frees a page-table subtree rooted at phys,
// which is `depth` levels above the leaf 4K page (depth 2 == a PDPT
// entry pointing at a PD, depth 0 == a PT pointing at leaf frames).
func freeSubtree(p *pmm.PMM_t, phys uintptr, depth int) {
	t := tableAt(phys)
	for i := 0; i < entriesPerTable; i++ {
		e := t.get(i)
		if !e.Present() {
			continue
		}
		if depth == 0 || e.Huge() {
			p.FreePage(e.Addr())
			continue
		}
		freeSubtree(p, e.Addr(), depth-1)
	}
	p.FreePage(phys)
}

// SwitchAddressSpace is the simulation's stand-in for reloading the
// top-level table pointer register (CR3 / satp). In a hosted
// simulation there is no hardware TLB to reprogram, so this only
// returns as.Root and records nothing; callers needing the active root
// for Dmap-style lookups read as.Root directly.
func (as *AddressSpace_t) SwitchAddressSpace() uintptr {
	return as.Root
}

// SwitchToKernel reports km's root, used when freeing an address
// space on the current core before releasing its user page tables
// (spec.md §5 "must switch to the kernel top-level... before
// releasing the user page tables").
func (km *KernelMap_t) SwitchToKernel() uintptr {
	return km.Root
}

// PhysPtr returns the kernel-virtual address phys is reachable at
// through the direct map (spec.md §4.2 phys_ptr).
func PhysPtr(phys uintptr) uintptr {
	return phys + memlayout.KernelVirtBase
}

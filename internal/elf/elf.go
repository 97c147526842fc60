// Package elf loads an ELF64 executable into a target address space
// (spec.md §4.9). Parsing itself is the one ambient concern this
// kernel hands to the standard library's debug/elf rather than a
// pack dependency — no example repo in the retrieved set ships an
// ELF parser, and debug/elf already implements exactly the header
// validation and PT_LOAD iteration spec.md describes, so reimplementing
// it by hand would just be a worse copy of encoding/binary plumbing
// debug/elf already does correctly.
package elf

import (
	"bytes"
	"debug/elf"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/memlayout"
	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/pmm"
)

// Result carries the loader's output: the entry point and the initial
// program break (spec.md §4.9 "highest loaded address rounded up to a
// page is returned as the initial program break").
type Result struct {
	Entry uintptr
	Brk   uintptr
}

// Load validates the ELF64 header (magic, class, type, architecture),
// then for each PT_LOAD segment allocates a frame per page, zeroes it
// through the direct map, copies in the overlapping file data, and
// installs the mapping in as (spec.md §4.9). Load failure leaves any
// already-installed mappings in place; the caller treats this as
// fatal for the target process.
func Load(raw []byte, as *paging.AddressSpace_t, p *pmm.PMM_t, wantMachine elf.Machine) (Result, abi.Err_t) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return Result{}, abi.EINVAL
	}
	if f.Class != elf.ELFCLASS64 {
		return Result{}, abi.EINVAL
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return Result{}, abi.EINVAL
	}
	if f.Machine != wantMachine {
		return Result{}, abi.EINVAL
	}

	var brk uintptr
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(raw, prog, as, p); err != 0 {
			return Result{}, err
		}
		top := uintptr(memlayout.PageRound(int(prog.Vaddr + prog.Memsz)))
		if top > brk {
			brk = top
		}
	}
	return Result{Entry: uintptr(f.Entry), Brk: brk}, 0
}

func loadSegment(raw []byte, prog *elf.Prog, as *paging.AddressSpace_t, p *pmm.PMM_t) abi.Err_t {
	start := memlayout.PageFloor(int(prog.Vaddr))
	end := memlayout.PageRound(int(prog.Vaddr + prog.Memsz))

	flags := paging.Flags{User: true, Writable: prog.Flags&elf.PF_W != 0, NoExec: prog.Flags&elf.PF_X == 0}

	fileStart := int64(prog.Off)
	fileEnd := fileStart + int64(prog.Filesz)

	for va := start; va < end; va += memlayout.PageSize {
		frame, ok := p.AllocPage()
		if !ok {
			return abi.ENOMEM
		}
		page := pmm.Dmap(frame)[:memlayout.PageSize]

		// copy the overlapping slice of file data into this page.
		pageFileOff := fileStart + int64(va-start)
		if pageFileOff < fileEnd {
			n := int64(memlayout.PageSize)
			if pageFileOff+n > fileEnd {
				n = fileEnd - pageFileOff
			}
			if pageFileOff >= 0 && pageFileOff+n <= int64(len(raw)) {
				copy(page, raw[pageFileOff:pageFileOff+n])
			}
		}

		if !as.MapPage(uintptr(va), frame, flags) {
			p.FreePage(frame)
			return abi.ENOMEM
		}
	}
	return 0
}

package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/pmm"
	"github.com/stretchr/testify/require"
)

// buildMinimalELF64 hand-assembles a tiny, valid ELF64 executable with
// one PT_LOAD segment containing payload at vaddr, so the loader can
// be exercised without a real toolchain or on-disk fixture.
func buildMinimalELF64(vaddr uint64, payload []byte) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	dataOff := uint64(ehdrSize + phdrSize)

	var buf bytes.Buffer

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* LE */, 1, 0})
	buf.Write(make([]byte, 8)) // padding

	le := binary.LittleEndian
	u16 := func(v uint16) { var b [2]byte; le.PutUint16(b[:], v); buf.Write(b[:]) }
	u32 := func(v uint32) { var b [4]byte; le.PutUint32(b[:], v); buf.Write(b[:]) }
	u64 := func(v uint64) { var b [8]byte; le.PutUint64(b[:], v); buf.Write(b[:]) }

	u16(uint16(elf.ET_EXEC))
	u16(uint16(elf.EM_X86_64))
	u32(1) // e_version
	u64(vaddr + 0x10) // e_entry
	u64(ehdrSize)     // e_phoff
	u64(0)            // e_shoff
	u32(0)            // e_flags
	u16(ehdrSize)     // e_ehsize
	u16(phdrSize)     // e_phentsize
	u16(1)            // e_phnum
	u16(0)            // e_shentsize
	u16(0)            // e_shnum
	u16(0)            // e_shstrndx

	// program header: PT_LOAD, R+X
	u32(uint32(elf.PT_LOAD))
	u32(uint32(elf.PF_R | elf.PF_X))
	u64(dataOff)           // p_offset
	u64(vaddr)             // p_vaddr
	u64(vaddr)             // p_paddr
	u64(uint64(len(payload))) // p_filesz
	u64(uint64(len(payload))) // p_memsz
	u64(0x1000)            // p_align

	buf.Write(payload)
	return buf.Bytes()
}

func TestLoadMapsSegmentAndComputesBrk(t *testing.T) {
	p := pmm.New()
	p.Init([]pmm.Region{{Base: 0x10_0000, Len: 4096 * 4096}})
	km := paging.InitKernelMap(p)
	as := km.CreateAddressSpace()

	const vaddr = 0x40_0000
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	raw := buildMinimalELF64(vaddr, payload)

	res, err := Load(raw, as, p, elf.EM_X86_64)
	require.Equal(t, uint8(0), uint8(err))
	require.Equal(t, uintptr(vaddr+0x10), res.Entry)
	require.Equal(t, uintptr(vaddr+4096), res.Brk)

	phys, ok := as.TranslateVaddr(vaddr)
	require.True(t, ok)
	require.Equal(t, payload, pmm.Dmap(phys)[:len(payload)])
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	p := pmm.New()
	p.Init([]pmm.Region{{Base: 0x10_0000, Len: 4096 * 4096}})
	km := paging.InitKernelMap(p)
	as := km.CreateAddressSpace()

	raw := buildMinimalELF64(0x40_0000, []byte{1})
	_, err := Load(raw, as, p, elf.EM_RISCV)
	require.NotEqual(t, uint8(0), uint8(err))
}

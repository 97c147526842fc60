package paging

import (
	"testing"

	"github.com/oichkatzele/biscuit2/internal/pmm"
	"github.com/stretchr/testify/require"
)

func freshPMM(t *testing.T, pages int) *pmm.PMM_t {
	t.Helper()
	p := pmm.New()
	p.Init([]pmm.Region{{Base: 0x10_0000, Len: uintptr(pages) * 4096}})
	return p
}

func TestMapTranslateUnmap(t *testing.T) {
	p := freshPMM(t, 4096)
	km := InitKernelMap(p)
	as := km.CreateAddressSpace()

	frame, ok := p.AllocPage()
	require.True(t, ok)

	const va = uintptr(0x40_0000)
	require.True(t, as.MapPage(va, frame, Flags{Writable: true, User: true}))

	got, ok := as.TranslateVaddr(va + 0x10)
	require.True(t, ok)
	require.Equal(t, frame+0x10, got)

	as.UnmapPage(va)
	_, ok = as.TranslateVaddr(va)
	require.False(t, ok)
}

func TestKernelHalfSharedAcrossSpaces(t *testing.T) {
	p := freshPMM(t, 4096)
	km := InitKernelMap(p)
	a := km.CreateAddressSpace()
	b := km.CreateAddressSpace()

	ta := tableAt(a.Root)
	tb := tableAt(b.Root)
	for i := entriesPerTable / 2; i < entriesPerTable; i++ {
		require.Equal(t, ta.get(i), tb.get(i), "kernel-half entry %d must match across spaces", i)
	}
}

func TestFreeAddressSpaceReclaimsUserFramesOnly(t *testing.T) {
	p := freshPMM(t, 4096)
	km := InitKernelMap(p)
	as := km.CreateAddressSpace()

	frame, ok := p.AllocPage()
	require.True(t, ok)
	require.True(t, as.MapPage(0x20_0000, frame, Flags{Writable: true, User: true}))

	_, freeBefore, _ := p.Stats()
	as.FreeAddressSpace()
	_, freeAfter, _ := p.Stats()
	require.Greater(t, freeAfter, freeBefore)
}

func TestPhysPtrMatchesDirectMap(t *testing.T) {
	p := freshPMM(t, 4096)
	InitKernelMap(p)
	phys := uintptr(0x30_0000)
	require.Equal(t, phys+0xFFFF_8000_0000_0000, PhysPtr(phys))
}

package pmm

import (
	"testing"

	"github.com/oichkatzele/biscuit2/internal/memlayout"
	"github.com/stretchr/testify/require"
)

func freshPMM(t *testing.T, pages int) *PMM_t {
	t.Helper()
	p := New()
	p.Init([]Region{{Base: 0, Len: uintptr(pages * memlayout.PageSize)}})
	return p
}

func TestAllocAccounting(t *testing.T) {
	p := freshPMM(t, 64)
	total, free, inUse := p.Stats()
	require.Equal(t, total, free+inUse, "free_pages + in_use_pages == total_pages")

	var got []uintptr
	for i := 0; i < 10; i++ {
		pg, ok := p.AllocPage()
		require.True(t, ok)
		got = append(got, pg)
	}
	total2, free2, inUse2 := p.Stats()
	require.Equal(t, total, total2)
	require.Equal(t, total2, free2+inUse2)
	require.Equal(t, free-10, free2)

	seen := map[uintptr]bool{}
	for _, pg := range got {
		require.False(t, seen[pg], "alloc_page never returns a frame twice while in use")
		seen[pg] = true
	}

	for _, pg := range got {
		p.FreePage(pg)
	}
	total3, free3, _ := p.Stats()
	require.Equal(t, total, total3)
	require.Equal(t, free, free3)
}

func TestDoubleFreeIgnored(t *testing.T) {
	p := freshPMM(t, 8)
	pg, ok := p.AllocPage()
	require.True(t, ok)
	p.FreePage(pg)
	_, free1, _ := p.Stats()
	p.FreePage(pg) // double free, silently ignored
	_, free2, _ := p.Stats()
	require.Equal(t, free1, free2)
}

func TestFreeOutsideBitmapIsNoop(t *testing.T) {
	p := freshPMM(t, 4)
	_, free1, _ := p.Stats()
	p.FreePage(uintptr(10_000_000))
	_, free2, _ := p.Stats()
	require.Equal(t, free1, free2)
}

func TestContiguousAllocExactlyMarksRange(t *testing.T) {
	p := freshPMM(t, 32)
	base, ok := p.AllocContiguousPages(4)
	require.True(t, ok)

	for i := 0; i < 4; i++ {
		pg := base + uintptr(i*memlayout.PageSize)
		idx, ok := p.indexOf(pg)
		require.True(t, ok)
		require.True(t, p.testBit(idx), "every page in the contiguous run must be marked used")
	}

	p.FreeContiguousPages(base, 4)
	for i := 0; i < 4; i++ {
		pg := base + uintptr(i*memlayout.PageSize)
		idx, _ := p.indexOf(pg)
		require.False(t, p.testBit(idx))
	}
}

func TestContiguousAllocFailsWhenFragmented(t *testing.T) {
	p := freshPMM(t, 8)
	// take every free page, then free every other one to fragment the
	// bitmap (AllocPage is first-fit, so it hands out pages in order)
	var all []uintptr
	for {
		pg, ok := p.AllocPage()
		if !ok {
			break
		}
		all = append(all, pg)
	}
	require.Len(t, all, 7) // one of the 8 pages holds the bitmap itself
	for i := 0; i < len(all); i += 2 {
		p.FreePage(all[i])
	}
	_, ok := p.AllocContiguousPages(2)
	require.False(t, ok, "no 2 contiguous pages exist once fragmented")
}

func TestAllocExhaustion(t *testing.T) {
	p := freshPMM(t, 3) // one page holds the bitmap, two stay free
	_, ok1 := p.AllocPage()
	_, ok2 := p.AllocPage()
	require.True(t, ok1)
	require.True(t, ok2)
	_, ok3 := p.AllocPage()
	require.False(t, ok3)
}

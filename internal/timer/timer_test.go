package timer

import (
	"context"
	"testing"
	"time"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/percpu"
	"github.com/oichkatzele/biscuit2/internal/pmm"
	"github.com/oichkatzele/biscuit2/internal/proc"
	"github.com/stretchr/testify/require"
)

func freshProcs(t *testing.T, ncores int) *proc.Table_t {
	t.Helper()
	p := pmm.New()
	p.Init([]pmm.Region{{Base: 0x10_0000, Len: 8192 * 4096}})
	km := paging.InitKernelMap(p)
	cores := make([]*percpu.Core_t, ncores)
	for i := range cores {
		cores[i] = percpu.New(i)
	}
	return proc.NewTable(cores, km)
}

func TestSleepUntilComputesAbsoluteTick(t *testing.T) {
	procs := freshProcs(t, 1)
	tm := New(procs, 18)
	require.Equal(t, uint64(0), tm.Now())

	wake := tm.SleepUntil(1000)
	require.Equal(t, uint64(18), wake)
}

func TestSleepZeroWakesAtNextTick(t *testing.T) {
	procs := freshProcs(t, 1)
	tm := New(procs, 18)
	require.Equal(t, uint64(1), tm.SleepUntil(0))
}

func TestRunAdvancesTicksAndWakesSleeper(t *testing.T) {
	procs := freshProcs(t, 1)
	tm := New(procs, 200) // fast rate so the test doesn't stall

	p := procs.Create(0, true)
	p.Lock()
	p.State = proc.Blocked
	p.PendingOp = abi.PendSleep
	p.SleepUntil = 1
	p.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go tm.Run(ctx)

	require.Eventually(t, func() bool {
		p.Lock()
		defer p.Unlock()
		return p.State == proc.Ready
	}, 150*time.Millisecond, 5*time.Millisecond)
}

package sched

import (
	"testing"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/percpu"
	"github.com/oichkatzele/biscuit2/internal/pmm"
	"github.com/oichkatzele/biscuit2/internal/proc"
	"github.com/stretchr/testify/require"
)

func freshScheduler(t *testing.T, ncores int) (*Scheduler_t, *proc.Table_t) {
	t.Helper()
	p := pmm.New()
	p.Init([]pmm.Region{{Base: 0x10_0000, Len: 8192 * 4096}})
	km := paging.InitKernelMap(p)
	cores := make([]*percpu.Core_t, ncores)
	for i := range cores {
		cores[i] = percpu.New(i)
	}
	procs := proc.NewTable(cores, km)
	return New(procs, cores, Hooks{}), procs
}

func TestRunOnceDispatchesReadyThread(t *testing.T) {
	s, procs := freshScheduler(t, 1)
	p := procs.Create(0, true)

	pid := s.RunOnce(0, 0, false)
	require.Equal(t, p.Pid, pid)
	require.Equal(t, proc.Running, p.State)
}

func TestRunOnceIdlesWhenQueueEmptyButProcessAlive(t *testing.T) {
	s, procs := freshScheduler(t, 1)
	p := procs.Create(0, true)
	procs.Get(p.Pid) // keep referenced; process stays Ready but not queued
	s.Cores[0].RunQ.PopFront()

	pid := s.RunOnce(0, 0, false)
	require.Equal(t, 0, pid)
}

func TestWorkStealingMovesPidToThief(t *testing.T) {
	s, procs := freshScheduler(t, 2)
	p1 := procs.Create(0, true)
	p1.AssignedCore = 0
	s.Cores[0].RunQ.PushBack(p1.Pid)
	p2 := procs.Create(0, true)
	p2.AssignedCore = 0
	s.Cores[0].RunQ.PushBack(p2.Pid)

	pid := s.RunOnce(1, 0, false)
	require.NotEqual(t, 0, pid)
	stolen, _ := procs.Get(pid)
	require.Equal(t, 1, stolen.AssignedCore)
}

func TestPostSwitchHookResolvesSleep(t *testing.T) {
	var tick uint64 = 100
	s, procs := freshScheduler(t, 1)
	s.Hooks.Now = func() uint64 { return tick }
	p := procs.Create(0, true)
	p.PendingOp = abi.PendSleep
	p.SleepUntil = 50

	s.PostSwitchHook(p)
	require.Equal(t, abi.PendNone, p.PendingOp)
}

func TestPostSwitchHookReblocksSleepNotYetDue(t *testing.T) {
	var tick uint64 = 10
	s, procs := freshScheduler(t, 1)
	s.Hooks.Now = func() uint64 { return tick }
	p := procs.Create(0, true)
	p.State = proc.Running
	p.PendingOp = abi.PendSleep
	p.SleepUntil = 50

	s.PostSwitchHook(p)
	require.Equal(t, abi.PendSleep, p.PendingOp)
	require.Equal(t, proc.Blocked, p.State)
}

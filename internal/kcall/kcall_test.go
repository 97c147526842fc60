package kcall

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/console"
	"github.com/oichkatzele/biscuit2/internal/ipc"
	"github.com/oichkatzele/biscuit2/internal/klog"
	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/percpu"
	"github.com/oichkatzele/biscuit2/internal/pipe"
	"github.com/oichkatzele/biscuit2/internal/pmm"
	"github.com/oichkatzele/biscuit2/internal/proc"
	"github.com/oichkatzele/biscuit2/internal/sched"
	"github.com/oichkatzele/biscuit2/internal/timer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func freshKernel(t *testing.T, ncores int) (*Kernel_t, *proc.Process_t) {
	t.Helper()
	pm := pmm.New()
	pm.Init([]pmm.Region{{Base: 0x10_0000, Len: 16384 * 4096}})
	km := paging.InitKernelMap(pm)
	cores := make([]*percpu.Core_t, ncores)
	for i := range cores {
		cores[i] = percpu.New(i)
	}
	procs := proc.NewTable(cores, km)
	ipcT := ipc.NewTable(procs)
	pipes := pipe.NewTable(procs)
	cons := console.New()
	kl := klog.New(4096, zapcore.NewJSONEncoder(zapcore.EncoderConfig{MessageKey: "msg"}), zapcore.InfoLevel)
	tm := timer.New(procs, 18)
	sc := sched.New(procs, cores, sched.Hooks{})

	k := New(pm, km, procs, ipcT, pipes, cons, kl, tm, sc, cores, elf.EM_X86_64)

	p := procs.Create(0, true)
	return k, p
}

func TestSysBrkGrowsAndQueriesHeap(t *testing.T) {
	k, p := freshKernel(t, 1)
	p.Lock()
	p.Brk = 0x40_0000
	p.Unlock()

	r := k.Dispatch(p, abi.SysBrk, Args{A0: 0})
	require.Equal(t, uintptr(0x40_0000), r.Value)

	r = k.Dispatch(p, abi.SysBrk, Args{A0: 0x40_2000})
	require.Equal(t, uintptr(0x40_2000), r.Value)
	require.Equal(t, abi.Err_t(0), r.Err)

	p.Lock()
	brk := p.Brk
	p.Unlock()
	require.Equal(t, uintptr(0x40_2000), brk)
}

func TestSysPipeAllocatesReadWriteFds(t *testing.T) {
	k, p := freshKernel(t, 1)
	p.Lock()
	p.Brk = 0x40_0000
	p.Unlock()
	// reserve a user page to land the [readFd,writeFd] pair in
	brkRes := k.Dispatch(p, abi.SysBrk, Args{A0: 0x40_1000})
	require.Equal(t, abi.Err_t(0), brkRes.Err)

	r := k.Dispatch(p, abi.SysPipe, Args{A0: 0x40_0000})
	require.Equal(t, abi.Err_t(0), r.Err)
	require.False(t, r.Blocked)

	out := k.copyFromUser(p, 0x40_0000, 8)
	readFd := binary.LittleEndian.Uint32(out[0:4])
	writeFd := binary.LittleEndian.Uint32(out[4:8])
	require.NotEqual(t, readFd, writeFd)

	rfd, ok := p.GetFd(int(readFd))
	require.True(t, ok)
	require.Equal(t, abi.FdPipe, rfd.Kind)
	require.False(t, rfd.PipeWrite)

	wfd, ok := p.GetFd(int(writeFd))
	require.True(t, ok)
	require.True(t, wfd.PipeWrite)
}

func TestSysPipeWriteThenReadRoundTrips(t *testing.T) {
	k, p := freshKernel(t, 1)
	p.Lock()
	p.Brk = 0x40_0000
	p.Unlock()
	require.Equal(t, abi.Err_t(0), k.Dispatch(p, abi.SysBrk, Args{A0: 0x40_2000}).Err)

	pipeRes := k.Dispatch(p, abi.SysPipe, Args{A0: 0x40_0000})
	require.Equal(t, abi.Err_t(0), pipeRes.Err)
	fds := k.copyFromUser(p, 0x40_0000, 8)
	readFd := int(binary.LittleEndian.Uint32(fds[0:4]))
	writeFd := int(binary.LittleEndian.Uint32(fds[4:8]))

	msg := []byte("hello")
	k.copyToUser(p, 0x40_1000, msg)
	wr := k.Dispatch(p, abi.SysWrite, Args{A0: uintptr(writeFd), A1: 0x40_1000, A2: uintptr(len(msg))})
	require.Equal(t, abi.Err_t(0), wr.Err)
	require.Equal(t, uintptr(len(msg)), wr.Value)

	rr := k.Dispatch(p, abi.SysRead, Args{A0: uintptr(readFd), A1: 0x40_1800, A2: uintptr(len(msg))})
	require.Equal(t, abi.Err_t(0), rr.Err)
	require.Equal(t, uintptr(len(msg)), rr.Value)
	require.Equal(t, msg, k.copyFromUser(p, 0x40_1800, len(msg)))
}

func TestSysOpenDevConsole(t *testing.T) {
	k, p := freshKernel(t, 1)
	p.Lock()
	p.Brk = 0x40_0000
	p.Unlock()
	require.Equal(t, abi.Err_t(0), k.Dispatch(p, abi.SysBrk, Args{A0: 0x40_1000}).Err)
	path := "/dev/console"
	k.copyToUser(p, 0x40_0000, []byte(path))

	r := k.Dispatch(p, abi.SysOpen, Args{A0: 0x40_0000, A1: uintptr(len(path))})
	require.Equal(t, abi.Err_t(0), r.Err)
	require.False(t, r.Blocked)

	fd, ok := p.GetFd(int(r.Value))
	require.True(t, ok)
	require.Equal(t, abi.FdDevConsole, fd.Kind)
}

func TestSysOpenUnresolvedPathReturnsENOENT(t *testing.T) {
	k, p := freshKernel(t, 1)
	p.Lock()
	p.Brk = 0x40_0000
	p.Unlock()
	require.Equal(t, abi.Err_t(0), k.Dispatch(p, abi.SysBrk, Args{A0: 0x40_1000}).Err)
	path := "/srv/nonexistent"
	k.copyToUser(p, 0x40_0000, []byte(path))

	r := k.Dispatch(p, abi.SysOpen, Args{A0: 0x40_0000, A1: uintptr(len(path))})
	require.Equal(t, abi.ENOENT, r.Err)
}

func TestSysSleepBlocksCaller(t *testing.T) {
	k, p := freshKernel(t, 1)
	r := k.Dispatch(p, abi.SysSleep, Args{A0: 100})
	require.True(t, r.Blocked)

	p.Lock()
	defer p.Unlock()
	require.Equal(t, proc.Blocked, p.State)
	require.Equal(t, abi.PendSleep, p.PendingOp)
	require.Greater(t, p.SleepUntil, uint64(0))
}

func TestSysCloseUnknownFdReturnsEBADF(t *testing.T) {
	k, p := freshKernel(t, 1)
	r := k.Dispatch(p, abi.SysClose, Args{A0: 99})
	require.Equal(t, abi.EBADF, r.Err)
}

func TestSysSysinfoReportsPageSize(t *testing.T) {
	k, p := freshKernel(t, 1)
	p.Lock()
	p.Brk = 0x40_0000
	p.Unlock()
	require.Equal(t, abi.Err_t(0), k.Dispatch(p, abi.SysBrk, Args{A0: 0x40_1000}).Err)
	r := k.Dispatch(p, abi.SysSysinfo, Args{A0: 0x40_0000})
	require.Equal(t, abi.Err_t(0), r.Err)
	out := k.copyFromUser(p, 0x40_0000, 24)
	pageSize := binary.LittleEndian.Uint64(out[16:24])
	require.Equal(t, uint64(4096), pageSize)
}

func TestSysRforkThreadFlagSharesGroup(t *testing.T) {
	k, p := freshKernel(t, 1)
	r := k.Dispatch(p, abi.SysRfork, Args{A0: threadFlag})
	require.Equal(t, abi.Err_t(0), r.Err)
	require.NotEqual(t, p.Pid, int(r.Value))
	child, ok := k.Procs.Get(int(r.Value))
	require.True(t, ok)
	require.Same(t, p.AS, child.AS)
	require.Same(t, p.Group, child.Group)
}

func TestSysOpenDevProfReadsPprofSnapshot(t *testing.T) {
	k, p := freshKernel(t, 2)
	p.Lock()
	p.Brk = 0x40_0000
	p.Unlock()
	require.Equal(t, abi.Err_t(0), k.Dispatch(p, abi.SysBrk, Args{A0: 0x40_3000}).Err)

	path := "/dev/prof"
	k.copyToUser(p, 0x40_0000, []byte(path))

	openR := k.Dispatch(p, abi.SysOpen, Args{A0: 0x40_0000, A1: uintptr(len(path))})
	require.Equal(t, abi.Err_t(0), openR.Err)
	fd := int(openR.Value)

	entry, ok := p.GetFd(fd)
	require.True(t, ok)
	require.Equal(t, abi.FdDevProf, entry.Kind)

	readR := k.Dispatch(p, abi.SysRead, Args{A0: uintptr(fd), A1: 0x40_2000, A2: 4096})
	require.Equal(t, abi.Err_t(0), readR.Err)
	require.Greater(t, readR.Value, uintptr(0))

	out := k.copyFromUser(p, 0x40_2000, int(readR.Value))
	// gzip magic bytes, since profile.Write compresses the wire format.
	require.Equal(t, byte(0x1f), out[0])
	require.Equal(t, byte(0x8b), out[1])
}

package supervisor

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/ipc"
	"github.com/oichkatzele/biscuit2/internal/namespace"
	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/percpu"
	"github.com/oichkatzele/biscuit2/internal/pmm"
	"github.com/oichkatzele/biscuit2/internal/proc"
	"github.com/stretchr/testify/require"
)

// buildMinimalELF64 hand-assembles a tiny, valid ELF64 executable with
// one PT_LOAD segment, mirroring the elf package's own test fixture.
func buildMinimalELF64(vaddr uint64, payload []byte) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	dataOff := uint64(ehdrSize + phdrSize)

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))

	le := binary.LittleEndian
	u16 := func(v uint16) { var b [2]byte; le.PutUint16(b[:], v); buf.Write(b[:]) }
	u32 := func(v uint32) { var b [4]byte; le.PutUint32(b[:], v); buf.Write(b[:]) }
	u64 := func(v uint64) { var b [8]byte; le.PutUint64(b[:], v); buf.Write(b[:]) }

	u16(uint16(elf.ET_EXEC))
	u16(uint16(elf.EM_X86_64))
	u32(1)
	u64(vaddr + 0x10)
	u64(ehdrSize)
	u64(0)
	u32(0)
	u16(ehdrSize)
	u16(phdrSize)
	u16(1)
	u16(0)
	u16(0)
	u16(0)

	u32(uint32(elf.PT_LOAD))
	u32(uint32(elf.PF_R | elf.PF_X))
	u64(dataOff)
	u64(vaddr)
	u64(vaddr)
	u64(uint64(len(payload)))
	u64(uint64(len(payload)))
	u64(0x1000)

	buf.Write(payload)
	return buf.Bytes()
}

func freshTable(t *testing.T, ncores int) *Table_t {
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
	root := namespace.New()
	return New(pm, km, procs, ipcT, root, elf.EM_X86_64)
}

func TestSpawnServiceInstallsFd3AndMounts(t *testing.T) {
	tbl := freshTable(t, 1)
	image := buildMinimalELF64(0x40_0000, []byte{0xDE, 0xAD, 0xBE, 0xEF})

	pid, err := tbl.SpawnService("echo", image, "/srv/echo", 0)
	require.NoError(t, err)
	require.NotZero(t, pid)

	p, ok := tbl.procs.Get(pid)
	require.True(t, ok)
	fd, ok := p.GetFd(3)
	require.True(t, ok)
	require.Equal(t, abi.FdIpc, fd.Kind)

	chanID, suffix, ok := tbl.root.Resolve("/srv/echo/ping")
	require.True(t, ok)
	require.Equal(t, "ping", suffix)
	require.Equal(t, chanID, fd.ChanID) // server/client share one channel id (spec.md §4.5 channel_create)

	restarts, cap, failed, ok := tbl.Status("echo")
	require.True(t, ok)
	require.Equal(t, 0, restarts)
	require.Equal(t, DefaultCap, cap)
	require.False(t, failed)
}

func TestOnFaultRestartsUnderCapAndFailsOverCap(t *testing.T) {
	tbl := freshTable(t, 1)
	image := buildMinimalELF64(0x40_0000, []byte{1, 2, 3, 4})

	pid, err := tbl.SpawnService("svc", image, "/srv/svc", 2)
	require.NoError(t, err)

	status := tbl.OnFault(context.Background(), pid)
	require.Equal(t, Restarted, status)
	restarts, _, failed, _ := tbl.Status("svc")
	require.Equal(t, 1, restarts)
	require.False(t, failed)

	newPid, _, _, _ := tbl.serviceState("svc")
	status = tbl.OnFault(context.Background(), newPid)
	require.Equal(t, Restarted, status)
	restarts, _, failed, _ = tbl.Status("svc")
	require.Equal(t, 2, restarts)
	require.False(t, failed)

	newPid, _, _, _ = tbl.serviceState("svc")
	status = tbl.OnFault(context.Background(), newPid)
	require.Equal(t, PermanentlyFailed, status)
	_, _, failed, _ = tbl.Status("svc")
	require.True(t, failed)
}

func TestOnFaultUnknownPid(t *testing.T) {
	tbl := freshTable(t, 1)
	require.Equal(t, Unknown, tbl.OnFault(context.Background(), 999))
}

// serviceState is a tiny test-only accessor for the current pid of a
// named service, so the restart test can chase the pid across
// respawns without reaching into package-private fields directly.
func (t *Table_t) serviceState(name string) (pid, chanID, restarts int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.services {
		if s != nil && s.name == name {
			return s.pid, s.chanID, s.restarts, true
		}
	}
	return 0, 0, 0, false
}

package fault

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/oichkatzele/biscuit2/internal/ipc"
	"github.com/oichkatzele/biscuit2/internal/namespace"
	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/percpu"
	"github.com/oichkatzele/biscuit2/internal/pmm"
	"github.com/oichkatzele/biscuit2/internal/proc"
	"github.com/oichkatzele/biscuit2/internal/supervisor"
	"github.com/stretchr/testify/require"
)

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

func freshProcsAndSupervisor(t *testing.T) (*proc.Table_t, *supervisor.Table_t) {
	t.Helper()
	pm := pmm.New()
	pm.Init([]pmm.Region{{Base: 0x10_0000, Len: 16384 * 4096}})
	km := paging.InitKernelMap(pm)
	cores := []*percpu.Core_t{percpu.New(0)}
	procs := proc.NewTable(cores, km)
	ipcT := ipc.NewTable(procs)
	root := namespace.New()
	sup := supervisor.New(pm, km, procs, ipcT, root, elf.EM_X86_64)
	return procs, sup
}

func TestHandleKillsUnsupervisedProcess(t *testing.T) {
	procs, sup := freshProcsAndSupervisor(t)
	p := procs.Create(0, true)

	rep := Handle(context.Background(), procs, sup, p, Fault_t{
		Vector: VectorGeneralProtection,
		RIP:    0x40_1000,
	})

	require.Equal(t, proc.Dead, p.State)
	require.Equal(t, supervisor.Unknown, rep.Restarted)
	require.False(t, rep.IsSupervised)
	require.Contains(t, rep.Summary, "general-protection")
}

func TestHandleRestartsSupervisedService(t *testing.T) {
	procs, sup := freshProcsAndSupervisor(t)
	image := buildMinimalELF64(0x40_0000, []byte{1, 2, 3, 4})
	pid, err := sup.SpawnService("svc", image, "/srv/svc", 0)
	require.NoError(t, err)
	p, ok := procs.Get(pid)
	require.True(t, ok)

	rep := Handle(context.Background(), procs, sup, p, Fault_t{Vector: VectorPageFault, RIP: 0x40_1000, FaultAddr: 0xdead0000})
	require.Equal(t, supervisor.Restarted, rep.Restarted)
	require.True(t, rep.IsSupervised)

	restarts, _, failed, ok := sup.Status("svc")
	require.True(t, ok)
	require.Equal(t, 1, restarts)
	require.False(t, failed)
}

func TestDisassembleDecodesKnownInstruction(t *testing.T) {
	// 0x90 is NOP in both 32 and 64-bit mode.
	s := disassemble(Fault_t{RIP: 0x1000, InstrBytes: []byte{0x90}})
	require.Contains(t, s, "nop")
}

func TestDisassembleReportsMissingBytes(t *testing.T) {
	s := disassemble(Fault_t{RIP: 0x1000})
	require.Contains(t, s, "no instruction bytes")
}

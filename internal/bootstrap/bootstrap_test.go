package bootstrap

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"go.uber.org/zap/zapcore"

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

func TestBootWiresEverySubsystem(t *testing.T) {
	k, err := Boot(Config{Cores: 2, RAMBytes: 16 << 20, LogLevel: zapcore.InfoLevel, Machine: elf.EM_X86_64}, nil)
	require.NoError(t, err)
	require.NotNil(t, k.PMM)
	require.NotNil(t, k.KM)
	require.NotNil(t, k.Procs)
	require.NotNil(t, k.IPC)
	require.NotNil(t, k.Pipes)
	require.NotNil(t, k.Console)
	require.NotNil(t, k.Klog)
	require.NotNil(t, k.Timer)
	require.NotNil(t, k.Sched)
	require.NotNil(t, k.Kcall)
	require.NotNil(t, k.Super)
	require.Len(t, k.Cores, 2)
	require.NotEqual(t, k.Generation.String(), "")
}

func TestBootSpawnsInitrdServices(t *testing.T) {
	image := buildMinimalELF64(0x40_0000, []byte{1, 2, 3, 4})
	k, err := Boot(Config{Cores: 1, RAMBytes: 16 << 20, LogLevel: zapcore.InfoLevel, Machine: elf.EM_X86_64}, []Service{
		{Name: "echo", ELF: image, MountPath: "/srv/echo"},
	})
	require.NoError(t, err)

	restarts, cap, failed, ok := k.Super.Status("echo")
	require.True(t, ok)
	require.Equal(t, 0, restarts)
	require.Equal(t, 5, cap)
	require.False(t, failed)

	chanID, _, resolved := k.Root.Resolve("/srv/echo")
	require.True(t, resolved)
	require.GreaterOrEqual(t, chanID, 0)
}

func TestBootDefaultsCoresAndRAM(t *testing.T) {
	k, err := Boot(Config{Machine: elf.EM_X86_64}, nil)
	require.NoError(t, err)
	require.Len(t, k.Cores, 1)
}

// Package fault implements the architecture layer's ring-3 exception
// capture (spec.md §7 Programmer-invisible: "Caught by the
// architecture layer; the faulting process is killed. If it is a
// supervised service, the supervisor restarts it per §4.12."). The
// hosted simulation has no real page-fault/GP trap, so Handle is
// called explicitly wherever a caller detects a condition that would
// have trapped on real hardware (a bad user pointer, a decode of an
// invalid opcode at the recorded fault site, and so on).
package fault

import (
	"context"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/oichkatzele/biscuit2/internal/proc"
	"github.com/oichkatzele/biscuit2/internal/supervisor"
)

// Vector_t names the trapped exception, mirroring the x86 vector
// numbers a real IDT entry would carry.
type Vector_t int

const (
	VectorPageFault        Vector_t = 14
	VectorGeneralProtection Vector_t = 13
	VectorInvalidOpcode    Vector_t = 6
	VectorDivideError      Vector_t = 0
)

func (v Vector_t) String() string {
	switch v {
	case VectorPageFault:
		return "page-fault"
	case VectorGeneralProtection:
		return "general-protection"
	case VectorInvalidOpcode:
		return "invalid-opcode"
	case VectorDivideError:
		return "divide-error"
	default:
		return fmt.Sprintf("vector-%d", int(v))
	}
}

// Fault_t captures everything known about a trapped exception at the
// instant it fired (spec.md §3 "the faulting instruction bytes" for
// the panic/restart log line).
type Fault_t struct {
	Vector     Vector_t
	RIP        uintptr
	ErrorCode  uintptr
	FaultAddr  uintptr // CR2 equivalent, meaningful for VectorPageFault
	InstrBytes []byte  // up to 15 bytes read from RIP, for disassembly
}

// Report_t is what Handle hands back for logging: a human-readable
// one-line summary plus the disassembly of the faulting instruction
// when decodable.
type Report_t struct {
	Summary    string
	Disasm     string
	Restarted  supervisor.FaultStatus_t
	IsSupervised bool
}

// disassemble decodes the instruction at the fault site using
// x86asm, the same library the teacher's go.mod already pulls in for
// instruction-level debugging; a decode failure is reported inline
// rather than treated as fatal, since a corrupted or truncated
// capture shouldn't block killing the process.
func disassemble(f Fault_t) string {
	if len(f.InstrBytes) == 0 {
		return "<no instruction bytes captured>"
	}
	inst, err := x86asm.Decode(f.InstrBytes, 64)
	if err != nil {
		return fmt.Sprintf("<decode error: %v>", err)
	}
	return x86asm.GNUSyntax(inst, uint64(f.RIP), nil)
}

// Handle is the architecture layer's trap entry (spec.md §7): it
// kills the faulting process, and — if it is a registered service —
// asks the supervisor to apply the restart-or-fail policy. ctx bounds
// how long Handle will wait on the supervisor's backoff delay before
// giving up and reporting Unknown.
func Handle(ctx context.Context, procs *proc.Table_t, sup *supervisor.Table_t, p *proc.Process_t, f Fault_t) Report_t {
	pid := p.Pid
	procs.Exit(p, -1, nil)

	rep := Report_t{
		Summary: fmt.Sprintf("pid %d: %s at rip=%#x err=%#x", pid, f.Vector, f.RIP, f.ErrorCode),
		Disasm:  disassemble(f),
	}

	if sup == nil {
		rep.Restarted = supervisor.Unknown
		return rep
	}
	status := sup.OnFault(ctx, pid)
	rep.Restarted = status
	rep.IsSupervised = status != supervisor.Unknown
	return rep
}

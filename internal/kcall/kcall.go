// Package kcall implements the syscall dispatch table (spec.md §4.11):
// it is the one component that imports proc, ipc, pipe, namespace,
// paging, pmm, elf and sched together, wiring sched.Hooks.CopyToUser/
// CopyFromUser/Pipes/Now to the real subsystems so the scheduler's
// post-switch hook can finish deferred deliveries. The package is
// named kcall rather than syscall to avoid shadowing the standard
// library package of that name.
package kcall

import (
	debugelf "debug/elf"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/console"
	"github.com/oichkatzele/biscuit2/internal/ipc"
	"github.com/oichkatzele/biscuit2/internal/klog"
	"github.com/oichkatzele/biscuit2/internal/memlayout"
	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/percpu"
	"github.com/oichkatzele/biscuit2/internal/pipe"
	"github.com/oichkatzele/biscuit2/internal/pmm"
	"github.com/oichkatzele/biscuit2/internal/proc"
	"github.com/oichkatzele/biscuit2/internal/sched"
	"github.com/oichkatzele/biscuit2/internal/timer"
)

// Kernel_t is the fully wired kernel: every subsystem table plus the
// scheduler, reachable from one syscall-entry point (spec.md §4.11
// "dispatch table indexed by syscall number").
type Kernel_t struct {
	PMM     *pmm.PMM_t
	KM      *paging.KernelMap_t
	Procs   *proc.Table_t
	IPC     *ipc.Table_t
	Pipes   *pipe.Table_t
	Console *console.Table_t
	Klog    *klog.Ring_t
	Timer   *timer.Timer_t
	Sched   *sched.Scheduler_t
	Cores   []*percpu.Core_t
	Machine debugelf.Machine
}

// New wires every subsystem together and installs the CopyToUser/
// CopyFromUser/Pipes/Now hooks the scheduler's post-switch hook needs,
// closing the sched<->ipc/console cycle that sched.go documents as the
// reason Hooks exists.
func New(pm *pmm.PMM_t, km *paging.KernelMap_t, procs *proc.Table_t, ipcT *ipc.Table_t, pipes *pipe.Table_t, cons *console.Table_t, kl *klog.Ring_t, tm *timer.Timer_t, sc *sched.Scheduler_t, cores []*percpu.Core_t, machine debugelf.Machine) *Kernel_t {
	k := &Kernel_t{PMM: pm, KM: km, Procs: procs, IPC: ipcT, Pipes: pipes, Console: cons, Klog: kl, Timer: tm, Sched: sc, Cores: cores, Machine: machine}
	sc.Hooks.Pipes = pipes
	sc.Hooks.CopyToUser = k.copyToUser
	sc.Hooks.CopyFromUser = k.copyFromUser
	sc.Hooks.Now = tm.Now
	return k
}

// copyToUser writes data into target's own address space at uva,
// translating each touched page through target.AS (spec.md §4.10
// "the woken process's address space is active").
func (k *Kernel_t) copyToUser(target *proc.Process_t, uva uintptr, data []byte) int {
	written := 0
	for written < len(data) {
		phys, ok := target.AS.TranslateVaddr(uva + uintptr(written))
		if !ok {
			return written
		}
		page := pmm.Dmap(phys &^ (memlayout.PageSize - 1))
		off := int(phys) % memlayout.PageSize
		n := copy(page[off:], data[written:])
		written += n
	}
	return written
}

// copyFromUser reads n bytes out of target's own address space at uva.
func (k *Kernel_t) copyFromUser(target *proc.Process_t, uva uintptr, n int) []byte {
	out := make([]byte, 0, n)
	for len(out) < n {
		phys, ok := target.AS.TranslateVaddr(uva + uintptr(len(out)))
		if !ok {
			break
		}
		page := pmm.Dmap(phys &^ (memlayout.PageSize - 1))
		off := int(phys) % memlayout.PageSize
		remain := n - len(out)
		avail := memlayout.PageSize - off
		if avail > remain {
			avail = remain
		}
		out = append(out, page[off:off+avail]...)
	}
	return out
}

// Args is the fixed register convention (nr, a0..a4) spec.md §4.11
// describes.
type Args struct {
	A0, A1, A2, A3, A4 uintptr
}

// Result is what a syscall entry leaves for the caller: a return value
// (or error, encoded as a small negative per spec.md §4.11) and
// whether the calling thread blocked (in which case Value/Err are not
// yet meaningful; the post-switch hook fills SyscallRetSlot later).
type Result struct {
	Value   uintptr
	Err     abi.Err_t
	Blocked bool
}

// Dispatch snapshots the user context, then runs the syscall named by
// nr for caller (spec.md §4.11 "every syscall entry first snapshots
// the user context").
func (k *Kernel_t) Dispatch(caller *proc.Process_t, nr abi.SyscallNo_t, a Args) Result {
	caller.Lock()
	caller.RIP = a.A0 // overwritten meaningfully only by the resume path; kept for parity with spec's snapshot step
	caller.Unlock()

	switch nr {
	case abi.SysBrk:
		return k.sysBrk(caller, a)
	case abi.SysClose:
		return k.sysClose(caller, a)
	case abi.SysPipe:
		return k.sysPipe(caller, a)
	case abi.SysSysinfo:
		return k.sysSysinfo(caller, a)
	case abi.SysKlog:
		return k.sysKlogRead(caller, a)
	case abi.SysShutdown:
		return k.sysShutdown(caller, a)

	case abi.SysOpen:
		return k.sysOpen(caller, a)
	case abi.SysCreate:
		return k.sysCreate(caller, a)
	case abi.SysRead:
		return k.sysRead(caller, a)
	case abi.SysWrite:
		return k.sysWrite(caller, a)
	case abi.SysStat:
		return k.sysStat(caller, a)
	case abi.SysRemove:
		return k.sysRemove(caller, a)
	case abi.SysSeek:
		return k.sysSeek(caller, a)
	case abi.SysPread:
		return k.sysRead(caller, a)
	case abi.SysPwrite:
		return k.sysWrite(caller, a)

	case abi.SysSleep:
		return k.sysSleep(caller, a)
	case abi.SysIpcRecv:
		return k.sysIpcRecv(caller, a)
	case abi.SysIpcReply:
		return k.sysIpcReply(caller, a)
	case abi.SysWait:
		return k.sysWait(caller, a)
	case abi.SysExit:
		return k.sysExit(caller, a)

	case abi.SysMount:
		return k.sysMount(caller, a)
	case abi.SysBind:
		return k.sysBind(caller, a)
	case abi.SysUnmount:
		return k.sysUnmount(caller, a)

	case abi.SysRfork:
		return k.sysRfork(caller, a)
	case abi.SysExec:
		return k.sysExec(caller, a)
	case abi.SysSpawn:
		return k.sysSpawn(caller, a)

	default:
		return Result{Err: abi.ENOSYS}
	}
}

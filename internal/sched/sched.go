// Package sched implements the per-core round-robin scheduler with
// work stealing, and the resume protocol's post-switch hook (spec.md
// §4.10). A "core" here is one goroutine running runCore; the hosted
// simulation has no hardware interrupt to wake an idle core, so the
// idle loop below polls with runtime.Gosched instead of a real HLT.
package sched

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/percpu"
	"github.com/oichkatzele/biscuit2/internal/pipe"
	"github.com/oichkatzele/biscuit2/internal/proc"
)

// Hooks lets the post-switch dispatch table reach the subsystems that
// own deferred delivery, without sched importing ipc directly (ipc
// already imports proc, and a sched<->ipc cycle would follow since
// ipc_reply's deferred path and the scheduler's hook both touch
// Process_t.IpcPendingMsg). Callers (kcall, bootstrap) wire these up
// once at boot.
type Hooks struct {
	Pipes *pipe.Table_t
	// CopyToUser is how the hook finally lands bytes in the resumed
	// thread's address space; kcall supplies the real implementation
	// backed by paging.AddressSpace_t.TranslateVaddr + pmm.Dmap.
	CopyToUser func(target *proc.Process_t, uva uintptr, data []byte) int
	// CopyFromUser reads n bytes out of target's own address space,
	// used to finish a deferred pipe write once target has been
	// switched back in (its address space is active again by the time
	// PostSwitchHook runs for it).
	CopyFromUser func(target *proc.Process_t, uva uintptr, n int) []byte
	Now          func() uint64 // current tick, for sleep wake checks
}

// Scheduler_t runs the per-core decision loop described in spec.md
// §4.10 and §5.
type Scheduler_t struct {
	Procs *proc.Table_t
	Cores []*percpu.Core_t
	Hooks Hooks

	stop chan struct{}
}

// New builds a scheduler bound to the given process table, cores, and
// deferred-delivery hooks.
func New(procs *proc.Table_t, cores []*percpu.Core_t, hooks Hooks) *Scheduler_t {
	return &Scheduler_t{Procs: procs, Cores: cores, Hooks: hooks, stop: make(chan struct{})}
}

// Stop halts every core's Run loop at its next decision point.
func (s *Scheduler_t) Stop() { close(s.stop) }

// Run drives every core's decision loop concurrently, one goroutine
// per core under an errgroup.Group (spec.md §5 "N cores, each with a
// per-core run queue"). Every core loop returns nil, so one core
// stopping does not cancel the others; Run returns once every core has
// stopped (ctx cancellation, Stop, or global shutdown).
func (s *Scheduler_t) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range s.Cores {
		coreID := i
		g.Go(func() error {
			return s.runCore(ctx, coreID)
		})
	}
	return g.Wait()
}

func (s *Scheduler_t) runCore(ctx context.Context, coreID int) error {
	prevPid := 0
	prevRunning := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		default:
		}
		pid := s.RunOnce(coreID, prevPid, prevRunning)
		if pid == -1 {
			return nil // nothing left alive anywhere; shut this core down
		}
		prevPid = pid
		prevRunning = false
		if p, ok := s.Procs.Get(pid); ok && pid > 0 {
			p.Lock()
			prevRunning = p.State == proc.Running
			p.Unlock()
		}
	}
}

// stealVictim picks the next core id to steal from in round-robin
// order starting after self (spec.md §4.10 step 2 "round-robin victim
// selection").
func (s *Scheduler_t) stealVictim(self int) int {
	n := len(s.Cores)
	return (self + 1) % n
}

// pickNext implements steps 1-2 of the per-core decision (spec.md
// §4.10): re-enqueue the previous thread if still running, pop from
// the local queue, else steal half of another core's queue.
func (s *Scheduler_t) pickNext(coreID int, prevPid int, prevStillRunning bool) (int, bool) {
	core := s.Cores[coreID]
	if prevStillRunning && prevPid != 0 {
		core.RunQ.PushBack(prevPid)
	}
	if pid, ok := core.RunQ.PopFront(); ok {
		return pid, true
	}
	victimID := s.stealVictim(coreID)
	if victimID == coreID {
		return 0, false
	}
	victim := s.Cores[victimID]
	stolen := victim.RunQ.StealHalf()
	if len(stolen) == 0 {
		return 0, false
	}
	for _, pid := range stolen[1:] {
		if p, ok := s.Procs.Get(pid); ok {
			p.Lock()
			p.AssignedCore = coreID
			p.Unlock()
		}
		core.RunQ.PushBack(pid)
	}
	if p, ok := s.Procs.Get(stolen[0]); ok {
		p.Lock()
		p.AssignedCore = coreID
		p.Unlock()
	}
	return stolen[0], true
}

// anyAlive reports whether any process in the table is not Dead/Free,
// used for the "nothing alive at all" shutdown decision (spec.md
// §4.10 step 4).
func (s *Scheduler_t) anyAlive() bool {
	for _, c := range s.Cores {
		if c.RunQ.Len() > 0 {
			return true
		}
	}
	for _, p := range s.Procs.All() {
		if p.State != proc.Dead && p.State != proc.Free {
			return true
		}
	}
	return false
}

// RunOnce executes exactly one scheduling decision for coreID and
// returns the pid it switched to (0 if it idled). Split out from Run
// so tests can single-step the scheduler deterministically.
func (s *Scheduler_t) RunOnce(coreID int, prevPid int, prevStillRunning bool) int {
	core := s.Cores[coreID]
	pid, ok := s.pickNext(coreID, prevPid, prevStillRunning)
	if !ok {
		if !s.anyAlive() {
			return -1 // shutdown
		}
		runtime.Gosched()
		core.IdleTicks++
		return 0
	}
	p, ok := s.Procs.Get(pid)
	if !ok {
		return 0
	}
	s.SwitchTo(coreID, p)
	return pid
}

// SwitchTo installs p as current on coreID, records cores_ran_on,
// switches the address space, and runs the post-switch hook (spec.md
// §4.10 switch_to).
func (s *Scheduler_t) SwitchTo(coreID int, p *proc.Process_t) {
	core := s.Cores[coreID]
	core.SetCurrent(p.Pid)
	p.MarkRanOn(coreID)
	p.AS.SwitchAddressSpace()

	p.Lock()
	p.State = proc.Running
	p.Unlock()

	s.PostSwitchHook(p)
}

// PostSwitchHook consumes p's pending_op to finalize delivery before
// the (simulated) return to userspace (spec.md §4.10 table).
func (s *Scheduler_t) PostSwitchHook(p *proc.Process_t) {
	p.Lock()
	op := p.PendingOp
	p.Unlock()

	switch op {
	case abi.PendNone:
		return

	case abi.PendSleep:
		now := uint64(0)
		if s.Hooks.Now != nil {
			now = s.Hooks.Now()
		}
		p.Lock()
		if now >= p.SleepUntil {
			p.PendingOp = abi.PendNone
			p.SyscallRetSlot = 0
		} else {
			p.State = proc.Blocked
		}
		p.Unlock()

	case abi.PendPipeRead:
		s.resolvePipeRead(p)

	case abi.PendPipeWrite:
		s.resolvePipeWrite(p)

	case abi.PendRead, abi.PendStat, abi.PendIpcRecv:
		p.Lock()
		msg := p.IpcPendingMsg
		buf := p.IpcRecvBufPtr
		p.Unlock()
		if msg != nil {
			if s.Hooks.CopyToUser != nil {
				s.Hooks.CopyToUser(p, buf, msg.Bytes())
			}
			p.Lock()
			p.IpcPendingMsg = nil
			p.PendingOp = abi.PendNone
			p.SyscallRetSlot = uintptr(msg.Len)
			p.Unlock()
		}

	default:
		p.Lock()
		if p.IpcPendingMsg != nil {
			if s.Hooks.CopyToUser != nil {
				s.Hooks.CopyToUser(p, p.IpcRecvBufPtr, p.IpcPendingMsg.Bytes())
			}
			p.SyscallRetSlot = uintptr(p.IpcPendingMsg.Len)
			p.IpcPendingMsg = nil
		}
		p.PendingOp = abi.PendNone
		p.Unlock()
	}
}

func (s *Scheduler_t) resolvePipeRead(p *proc.Process_t) {
	p.Lock()
	fd, hasFd := p.GetFdLocked(p.PendingFd)
	buf := p.ContUserBuf
	size := p.ContSize
	p.Unlock()
	if !hasFd || s.Hooks.Pipes == nil {
		return
	}
	pp, ok := s.Hooks.Pipes.Get(fd.PipeID)
	if !ok {
		return
	}
	tmp := make([]byte, size)
	n, ready := pp.Read(tmp)
	if !ready {
		return // still nothing to deliver; stays blocked
	}
	if s.Hooks.CopyToUser != nil && n > 0 {
		s.Hooks.CopyToUser(p, buf, tmp[:n])
	}
	p.Lock()
	p.PendingOp = abi.PendNone
	p.SyscallRetSlot = uintptr(n)
	p.Unlock()
	s.Hooks.Pipes.WakeWriters(pp)
}

func (s *Scheduler_t) resolvePipeWrite(p *proc.Process_t) {
	p.Lock()
	fd, hasFd := p.GetFdLocked(p.PendingFd)
	buf := p.ContUserBuf
	size := p.ContSize
	p.Unlock()
	if !hasFd || s.Hooks.Pipes == nil {
		return
	}
	pp, ok := s.Hooks.Pipes.Get(fd.PipeID)
	if !ok {
		return
	}
	var data []byte
	if s.Hooks.CopyFromUser != nil {
		data = s.Hooks.CopyFromUser(p, buf, size)
	}
	n, ready := pp.Write(data)
	if !ready {
		return // still no room (or now broken); stays blocked/will re-fault
	}
	p.Lock()
	p.PendingOp = abi.PendNone
	p.SyscallRetSlot = uintptr(n)
	p.Unlock()
	s.Hooks.Pipes.WakeReaders(pp)
}

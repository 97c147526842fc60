// Package proc implements the Process and ThreadGroup model: creation,
// fd tables, exit/wait lifecycle, and the blocking-syscall
// continuation state the scheduler's post-switch hook drains (spec.md
// §3 Process/ThreadGroup, §4.8). Field layout follows the teacher's
// habit of large, mostly-exported structs (fd.Fd_t, tinfo.Tnote_t)
// rather than getter/setter wrapping.
package proc

import (
	"sync"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/accnt"
	"github.com/oichkatzele/biscuit2/internal/namespace"
	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/percpu"
)

// State_t is a process's scheduling state (spec.md §3 Process).
type State_t int

const (
	Free State_t = iota
	Ready
	Running
	Blocked
	Zombie
	Dead
)

const maxFds = 32

// FileDescriptor_t is one fd table slot, tagged by kind (spec.md §3
// FileDescriptor).
type FileDescriptor_t struct {
	Kind abi.FdKind_t
	Perms int

	// IPC-backed
	ChanID       int
	IsServer     bool
	ServerHandle int
	ReadOffset   int

	// Pipe-backed
	PipeID    int
	PipeWrite bool
}

// ThreadGroup_t is the optional shared container for threads created
// via create_thread (spec.md §3 ThreadGroup).
type ThreadGroup_t struct {
	sync.Mutex

	AS         *paging.AddressSpace_t
	Fds        *[maxFds]FileDescriptor_t
	fdsPresent [maxFds]bool
	NS         *namespace.Namespace_t
	Refcount   int
	CoresRanOn uint64
}

// Process_t is the scheduling unit (spec.md §3 Process). The embedded
// mutex guards every field below that the scheduler, IPC, or pipe
// subsystems mutate concurrently with the owning thread.
type Process_t struct {
	sync.Mutex

	Pid       int
	ParentPid int
	State     State_t

	AS    *paging.AddressSpace_t
	Group *ThreadGroup_t

	KernelStackBase uintptr // phys base of KernelStackPages contiguous frames

	RIP, RSP, Flags uintptr
	SyscallRetSlot  uintptr
	SavedKernelSP   uintptr

	fds        [maxFds]FileDescriptor_t
	fdsPresent [maxFds]bool

	NS *namespace.Namespace_t

	Brk uintptr

	PendingOp     abi.PendingOp_t
	PendingFd     int
	IpcRecvBufPtr uintptr
	IpcPendingMsg *abi.Message

	// Continuation state for blocking syscalls resumed from the
	// post-switch hook (spec.md §4.10).
	ContUserBuf uintptr
	ContSize    int

	AssignedCore int
	CoreAffinity int
	CoresRanOn   uint64

	SleepUntil uint64

	VT       int
	Uid, Gid int
	FsBase   uintptr

	Children      []*Process_t
	Zombies       []*Process_t
	WaitingForPid int
	ExitStatus    int

	Acct accnt.Accnt_t

	tbl *Table_t
}

// Fds returns the fd table the process should use: the thread
// group's shared table when one exists and shares fds, else the
// process's own inline table (spec.md §3 ThreadGroup "uses the
// group's shared resources in preference to its own inline ones").
func (p *Process_t) Fds() *[maxFds]FileDescriptor_t {
	if p.Group != nil && p.Group.Fds != nil {
		return p.Group.Fds
	}
	return &p.fds
}

// GetFd returns the fd table entry at index i, or ok=false if unset.
func (p *Process_t) GetFd(i int) (FileDescriptor_t, bool) {
	p.Lock()
	defer p.Unlock()
	return p.GetFdLocked(i)
}

// GetFdLocked is GetFd for callers that already hold p's lock, such as
// the scheduler's post-switch hook.
func (p *Process_t) GetFdLocked(i int) (FileDescriptor_t, bool) {
	if i < 0 || i >= maxFds || !p.fdPresent(i) {
		return FileDescriptor_t{}, false
	}
	return *p.fdSlot(i), true
}

func (p *Process_t) fdSlot(i int) *FileDescriptor_t {
	if p.Group != nil && p.Group.Fds != nil {
		return &p.Group.Fds[i]
	}
	return &p.fds[i]
}

func (p *Process_t) fdPresent(i int) bool {
	if p.Group != nil && p.Group.Fds != nil {
		return p.Group.fdsPresent[i]
	}
	return p.fdsPresent[i]
}

// AllocFd installs fd in the first free slot and returns its index,
// or ok=false if the table is full.
func (p *Process_t) AllocFd(fd FileDescriptor_t) (int, bool) {
	p.Lock()
	defer p.Unlock()
	for i := 0; i < maxFds; i++ {
		if !p.fdPresent(i) {
			*p.fdSlot(i) = fd
			p.setFdPresent(i, true)
			return i, true
		}
	}
	return 0, false
}

// PutFd installs fd at a specific index (used by spawn's fd_map copy).
func (p *Process_t) PutFd(i int, fd FileDescriptor_t) {
	p.Lock()
	defer p.Unlock()
	p.PutFdLocked(i, fd)
}

// PutFdLocked is PutFd for callers that already hold p's lock.
func (p *Process_t) PutFdLocked(i int, fd FileDescriptor_t) {
	*p.fdSlot(i) = fd
	p.setFdPresent(i, true)
}

// CloseFd clears the fd table slot at i.
func (p *Process_t) CloseFd(i int) {
	p.Lock()
	defer p.Unlock()
	p.CloseFdLocked(i)
}

// CloseFdLocked is CloseFd for callers that already hold p's lock.
func (p *Process_t) CloseFdLocked(i int) {
	if i >= 0 && i < maxFds {
		*p.fdSlot(i) = FileDescriptor_t{}
		p.setFdPresent(i, false)
	}
}

func (p *Process_t) setFdPresent(i int, v bool) {
	if p.Group != nil && p.Group.Fds != nil {
		p.Group.fdsPresent[i] = v
		return
	}
	p.fdsPresent[i] = v
}

// MarkRanOn records that this process's address space has been active
// on core id, for later TLB-shootdown targeting (spec.md §5).
func (p *Process_t) MarkRanOn(core int) {
	p.Lock()
	p.CoresRanOn |= 1 << uint(core)
	if p.Group != nil {
		p.Group.Lock()
		p.Group.CoresRanOn |= 1 << uint(core)
		p.Group.Unlock()
	}
	p.Unlock()
}

// Wake transitions the process from Blocked to Ready and places it on
// its assigned core's run queue, sending a schedule IPI if that core
// is not the caller's (spec.md §4.10 "send a schedule IPI").
func (p *Process_t) Wake(fromCore int) {
	p.tbl.MakeReady(p, fromCore)
}

// Table_t is the system-wide process table (spec.md §4.8 "claims a
// free slot under the table lock").
type Table_t struct {
	sync.Mutex

	procs   []*Process_t
	nextPid int
	cores   []*percpu.Core_t
	km      *paging.KernelMap_t
}

// NewTable builds a process table bound to the given per-core state
// and kernel address map, used for address-space creation and
// core-assignment decisions.
func NewTable(cores []*percpu.Core_t, km *paging.KernelMap_t) *Table_t {
	return &Table_t{cores: cores, km: km, nextPid: 1}
}

// leastLoadedCore returns the index of the core with the shortest run
// queue (spec.md §4.8 "least-loaded if spawned from userspace").
func (t *Table_t) leastLoadedCore() int {
	best := 0
	bestLen := t.cores[0].RunQ.Len()
	for i, c := range t.cores {
		if l := c.RunQ.Len(); l < bestLen {
			bestLen = l
			best = i
		}
	}
	return best
}

// Create allocates a new process with a fresh address space, assigns
// it a core, and places it on that core's run queue (spec.md §4.8
// create()). No kernel stack frames are allocated; KernelStackBase
// stays zero. fromKernel selects BSP (core 0) placement instead of
// least-loaded.
func (t *Table_t) Create(parentPid int, fromKernel bool) *Process_t {
	t.Lock()
	pid := t.nextPid
	t.nextPid++
	t.Unlock()

	as := t.km.CreateAddressSpace()
	p := &Process_t{
		Pid:       pid,
		ParentPid: parentPid,
		State:     Ready,
		AS:        as,
		NS:        namespace.New(),
		tbl:       t,
	}
	// x86_64: IF=1 in the initial saved flags (spec.md §4.8).
	p.Flags = 1 << 9

	core := 0
	if !fromKernel {
		core = t.leastLoadedCore()
	}
	p.AssignedCore = core
	p.MarkRanOn(core)

	t.Lock()
	t.procs = append(t.procs, p)
	t.Unlock()

	t.cores[core].RunQ.PushBack(pid)
	if core != 0 || !fromKernel {
		// placing on any core other than the caller's requires an IPI;
		// conservatively always raise one here since Create has no
		// caller-core context of its own.
		t.cores[core].RaiseIPI(percpu.IPISchedule)
	}
	return p
}

// CreateThread creates a new thread sharing parent's thread group,
// creating the group on first clone (spec.md §4.8 create_thread).
func (t *Table_t) CreateThread(parent *Process_t) *Process_t {
	parent.Lock()
	if parent.Group == nil {
		shared := parent.fds
		parent.Group = &ThreadGroup_t{
			AS:         parent.AS,
			Fds:        &shared,
			fdsPresent: parent.fdsPresent,
			NS:         parent.NS,
			Refcount:   1,
		}
	}
	group := parent.Group
	parentNS := group.NS
	parent.Unlock()

	group.Lock()
	group.Refcount++
	group.Unlock()

	t.Lock()
	pid := t.nextPid
	t.nextPid++
	t.Unlock()

	p := &Process_t{
		Pid:       pid,
		ParentPid: parent.Pid,
		State:     Ready,
		AS:        group.AS,
		Group:     group,
		NS:        parentNS,
		tbl:       t,
	}
	p.Flags = 1 << 9
	p.AssignedCore = t.leastLoadedCore()
	p.MarkRanOn(p.AssignedCore)

	t.Lock()
	t.procs = append(t.procs, p)
	t.Unlock()
	t.cores[p.AssignedCore].RunQ.PushBack(pid)
	t.cores[p.AssignedCore].RaiseIPI(percpu.IPISchedule)
	return p
}

// All returns a snapshot slice of every process in the table, used by
// the scheduler's shutdown check.
func (t *Table_t) All() []*Process_t {
	t.Lock()
	defer t.Unlock()
	out := make([]*Process_t, len(t.procs))
	copy(out, t.procs)
	return out
}

// Get returns the process with the given pid, if it is in the table;
// exited (Zombie or Dead) processes stay in the table and are returned
// too.
func (t *Table_t) Get(pid int) (*Process_t, bool) {
	t.Lock()
	defer t.Unlock()
	for _, p := range t.procs {
		if p.Pid == pid {
			return p, true
		}
	}
	return nil, false
}

// MakeReady is the scheduler-facing half of waking a blocked process
// (spec.md §4.10 wake/IPI rules).
func (t *Table_t) MakeReady(p *Process_t, fromCore int) {
	p.Lock()
	p.State = Ready
	core := p.AssignedCore
	p.Unlock()

	t.cores[core].RunQ.PushBack(p.Pid)
	if core != fromCore {
		t.cores[core].RaiseIPI(percpu.IPISchedule)
	}
}

// Exit implements process termination (spec.md §4.8 Exit semantics).
// Pipe/IPC fd teardown is the caller's responsibility (via a
// closeFd callback) to avoid a dependency cycle between proc and
// pipe/ipc.
func (t *Table_t) Exit(p *Process_t, status int, closeFd func(FileDescriptor_t)) {
	p.Lock()
	for i := 0; i < maxFds; i++ {
		if p.fdsPresent[i] {
			if closeFd != nil {
				closeFd(p.fds[i])
			}
			p.fds[i] = FileDescriptor_t{}
			p.fdsPresent[i] = false
		}
	}
	children := p.Children
	p.Children = nil
	parentPid := p.ParentPid
	p.ExitStatus = status
	p.Unlock()

	for _, c := range children {
		t.killDescendant(c)
	}

	if p.Group != nil {
		p.Group.Lock()
		p.Group.Refcount--
		free := p.Group.Refcount == 0
		p.Group.Unlock()
		if free {
			p.Group.AS.FreeAddressSpace()
		}
	} else {
		p.AS.FreeAddressSpace()
	}

	parent, parentAlive := t.Get(parentPid)
	p.Lock()
	p.State = Zombie
	p.Unlock()
	if parentAlive {
		parent.Lock()
		parent.Zombies = append(parent.Zombies, p)
		waiting := parent.State == Blocked && (parent.WaitingForPid == p.Pid || parent.WaitingForPid == 0)
		parent.Unlock()
		if waiting {
			t.MakeReady(parent, -1)
		}
		return
	}
	p.Lock()
	p.State = Dead
	p.Unlock()
}

func (t *Table_t) killDescendant(p *Process_t) {
	p.Lock()
	p.State = Dead
	p.Unlock()
}

// Wait reaps one zombie child (any child if pid==0), returning its
// exit status, or blocks the caller if none is ready (spec.md §4.8
// wait(pid)).
func (t *Table_t) Wait(parent *Process_t, pid int) (childPid, status int, ready bool) {
	parent.Lock()
	defer parent.Unlock()
	for i, z := range parent.Zombies {
		if pid == 0 || z.Pid == pid {
			parent.Zombies = append(parent.Zombies[:i], parent.Zombies[i+1:]...)
			return z.Pid, z.ExitStatus, true
		}
	}
	parent.State = Blocked
	parent.WaitingForPid = pid
	return 0, 0, false
}

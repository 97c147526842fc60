// Package supervisor implements the fixed-capacity service registry
// and fault-restart policy (spec.md §4.12). Each registered service
// owns an immutable ELF image; on a reported fault the supervisor
// re-spawns the service from that image and re-mounts it at its
// original path, backing off between attempts with
// cenkalti/backoff/v5 instead of a fixed retry delay.
package supervisor

import (
	"context"
	debugelf "debug/elf"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/elf"
	"github.com/oichkatzele/biscuit2/internal/ipc"
	"github.com/oichkatzele/biscuit2/internal/memlayout"
	"github.com/oichkatzele/biscuit2/internal/namespace"
	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/pmm"
	"github.com/oichkatzele/biscuit2/internal/proc"
)

// DefaultCap is the default restart cap a registered service gets
// when SpawnService is given a cap <= 0 (spec.md §4.12 "a cap
// (default 5)").
const DefaultCap = 5

// service_t is one registry slot (spec.md §3 "each holding an
// immutable ELF byte slice, a mount path, current pid/channel id, a
// restart count, and a cap").
type service_t struct {
	name        string
	elfImage    []byte
	mountPath   string
	pid         int
	chanID      int
	restarts    int
	cap         int
	permaFailed bool
	backoff     *backoff.ExponentialBackOff
}

// Table_t is the fixed-capacity service registry.
type Table_t struct {
	mu sync.Mutex

	services [maxServices]*service_t

	pmm     *pmm.PMM_t
	km      *paging.KernelMap_t
	procs   *proc.Table_t
	ipc     *ipc.Table_t
	root    *namespace.Namespace_t
	machine debugelf.Machine
}

const maxServices = 64

// New builds an empty registry. root is the namespace every
// supervised service's client channel end is mounted into (spec.md
// §4.12 "mounts the client end at mount_path in the root namespace").
func New(pm *pmm.PMM_t, km *paging.KernelMap_t, procs *proc.Table_t, ipcT *ipc.Table_t, root *namespace.Namespace_t, machine debugelf.Machine) *Table_t {
	return &Table_t{pmm: pm, km: km, procs: procs, ipc: ipcT, root: root, machine: machine}
}

// lookupByPid returns the service registered under pid, if any.
func (t *Table_t) lookupByPid(pid int) (int, *service_t) {
	for i, s := range t.services {
		if s != nil && s.pid == pid {
			return i, s
		}
	}
	return -1, nil
}

// SpawnService creates a process, loads elfImage into it, allocates a
// stack and an IPC channel pair, installs the server end as fd 3, and
// mounts the client end at mountPath in the root namespace (spec.md
// §4.12 spawn_service). cap<=0 selects DefaultCap.
func (t *Table_t) SpawnService(name string, elfImage []byte, mountPath string, cap int) (pid int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cap <= 0 {
		cap = DefaultCap
	}
	slot := -1
	for i, s := range t.services {
		if s == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, fmt.Errorf("supervisor: service table full")
	}

	p, chanID, serr := t.spawnProcess(elfImage, mountPath)
	if serr != nil {
		return 0, serr
	}

	t.services[slot] = &service_t{
		name:      name,
		elfImage:  elfImage,
		mountPath: mountPath,
		pid:       p.Pid,
		chanID:    chanID,
		cap:       cap,
		backoff:   backoff.NewExponentialBackOff(),
	}
	return p.Pid, nil
}

// spawnProcess is the shared create/load/channel/mount sequence used
// by both the initial spawn and every restart.
func (t *Table_t) spawnProcess(elfImage []byte, mountPath string) (*proc.Process_t, int, error) {
	serverID, clientID, ok := t.ipc.Create()
	if !ok {
		return nil, 0, fmt.Errorf("supervisor: channel table full")
	}

	child := t.procs.Create(0, true)
	res, lerr := elf.Load(elfImage, child.AS, t.pmm, t.machine)
	if lerr != 0 {
		return nil, 0, fmt.Errorf("supervisor: elf load failed: %v", lerr)
	}
	stackTop, serr := allocUserStack(t.pmm, child.AS)
	if serr != 0 {
		return nil, 0, fmt.Errorf("supervisor: stack alloc failed: %v", serr)
	}

	child.Lock()
	child.RIP = res.Entry
	child.RSP = stackTop
	child.Brk = res.Brk
	child.PutFdLocked(3, proc.FileDescriptor_t{Kind: abi.FdIpc, ChanID: serverID, IsServer: true})
	childNS := child.NS
	child.Unlock()

	t.root.Mount(mountPath, clientID, namespace.MountFlags{Replace: true})
	t.root.CloneInto(childNS)

	return child, serverID, nil
}

func allocUserStack(pm *pmm.PMM_t, as *paging.AddressSpace_t) (uintptr, abi.Err_t) {
	frame, ok := pm.AllocPage()
	if !ok {
		return 0, abi.ENOMEM
	}
	base := uintptr(memlayout.UserStackTop - memlayout.PageSize)
	if !as.MapPage(base, frame, paging.Flags{User: true, Writable: true, NoExec: true}) {
		pm.FreePage(frame)
		return 0, abi.ENOMEM
	}
	return memlayout.UserStackTop, 0
}

// FaultStatus_t is what OnFault reports back, for the caller (the
// fault package, or a test) to log or act on.
type FaultStatus_t int

const (
	Restarted FaultStatus_t = iota
	PermanentlyFailed
	Unknown // pid wasn't a supervised service
)

// OnFault is called by the arch fault handler when a supervised
// process takes a ring-3 exception it cannot itself survive (spec.md
// §4.12 "on process fault... looks up the service by pid"). It blocks
// for the backoff delay before respawning; callers that need this
// off the faulting goroutine should run it via go.
func (t *Table_t) OnFault(ctx context.Context, pid int) FaultStatus_t {
	t.mu.Lock()
	idx, svc := t.lookupByPid(pid)
	if svc == nil {
		t.mu.Unlock()
		return Unknown
	}
	if svc.permaFailed {
		t.mu.Unlock()
		return PermanentlyFailed
	}
	if svc.restarts >= svc.cap {
		svc.permaFailed = true
		t.mu.Unlock()
		return PermanentlyFailed
	}
	svc.restarts++
	delay := svc.backoff.NextBackOff()
	elfImage, mountPath := svc.elfImage, svc.mountPath
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Unknown
		}
	}

	child, chanID, err := t.spawnProcess(elfImage, mountPath)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.services[idx].permaFailed = true
		return PermanentlyFailed
	}
	t.services[idx].pid = child.Pid
	t.services[idx].chanID = chanID
	return Restarted
}

// Status reports the live restart count and cap for name, for
// diagnostics (klog lines, a future sysinfo extension).
func (t *Table_t) Status(name string) (restarts, cap int, permaFailed bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.services {
		if s != nil && s.name == name {
			return s.restarts, s.cap, s.permaFailed, true
		}
	}
	return 0, 0, false, false
}

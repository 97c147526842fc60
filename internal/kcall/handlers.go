package kcall

import (
	"encoding/binary"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/elf"
	"github.com/oichkatzele/biscuit2/internal/kprof"
	"github.com/oichkatzele/biscuit2/internal/memlayout"
	"github.com/oichkatzele/biscuit2/internal/namespace"
	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/pipe"
	"github.com/oichkatzele/biscuit2/internal/proc"
)

func (k *Kernel_t) readUserString(caller *proc.Process_t, ptr uintptr, n int) string {
	return string(k.copyFromUser(caller, ptr, n))
}

// --- non-blocking syscalls (spec.md §4.11) ---

// sysBrk grows the heap with per-page mapping; a.A0 is the requested
// new break (0 queries the current one without growing).
func (k *Kernel_t) sysBrk(caller *proc.Process_t, a Args) Result {
	caller.Lock()
	cur := caller.Brk
	caller.Unlock()

	newBrk := a.A0
	if newBrk == 0 || newBrk <= cur {
		return Result{Value: cur}
	}

	start := uintptr(memlayout.PageRound(int(cur)))
	end := uintptr(memlayout.PageRound(int(newBrk)))
	for va := start; va < end; va += memlayout.PageSize {
		frame, ok := k.PMM.AllocPage()
		if !ok {
			return Result{Err: abi.ENOMEM}
		}
		if !caller.AS.MapPage(va, frame, paging.Flags{User: true, Writable: true}) {
			k.PMM.FreePage(frame)
			return Result{Err: abi.ENOMEM}
		}
	}
	caller.Lock()
	caller.Brk = newBrk
	caller.Unlock()
	return Result{Value: newBrk}
}

// sysClose tears down fd a.A0's backing resource before clearing the
// table slot.
func (k *Kernel_t) sysClose(caller *proc.Process_t, a Args) Result {
	fd := int(a.A0)
	entry, ok := caller.GetFd(fd)
	if !ok {
		return Result{Err: abi.EBADF}
	}
	k.teardownFd(entry)
	caller.CloseFd(fd)
	return Result{}
}

func (k *Kernel_t) teardownFd(fd proc.FileDescriptor_t) {
	switch fd.Kind {
	case abi.FdPipe:
		if p, ok := k.Pipes.Get(fd.PipeID); ok {
			if fd.PipeWrite {
				k.Pipes.CloseWriter(p)
			} else {
				k.Pipes.CloseReader(p)
			}
		}
	}
}

// sysPipe allocates a pipe and installs its two ends as fresh fds in
// caller, writing [readFd, writeFd] as two little-endian int32s to the
// user buffer at a.A0 (spec.md §4.6).
func (k *Kernel_t) sysPipe(caller *proc.Process_t, a Args) Result {
	pp, ok := k.Pipes.Create()
	if !ok {
		return Result{Err: abi.ENOMEM}
	}
	readFd, ok1 := caller.AllocFd(proc.FileDescriptor_t{Kind: abi.FdPipe, PipeID: pp.ID(), PipeWrite: false})
	writeFd, ok2 := caller.AllocFd(proc.FileDescriptor_t{Kind: abi.FdPipe, PipeID: pp.ID(), PipeWrite: true})
	if !ok1 || !ok2 {
		return Result{Err: abi.EMFILE}
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(readFd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(writeFd))
	k.copyToUser(caller, a.A0, buf[:])
	return Result{}
}

// sysSysinfo writes {total_pages, free_pages, page_size} as three
// little-endian uint64s to the user struct at a.A0.
func (k *Kernel_t) sysSysinfo(caller *proc.Process_t, a Args) Result {
	total, free, _ := k.PMM.Stats()
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(total))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(free))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(memlayout.PageSize))
	k.copyToUser(caller, a.A0, buf[:])
	return Result{}
}

// sysKlogRead copies a window of the log ring starting at the clamped
// offset a.A2 into the user buffer a.A0 of length a.A1.
func (k *Kernel_t) sysKlogRead(caller *proc.Process_t, a Args) Result {
	tmp := make([]byte, a.A1)
	n, _ := k.Klog.ReadWindow(tmp, int(a.A2))
	k.copyToUser(caller, a.A0, tmp[:n])
	return Result{Value: uintptr(n)}
}

// sysShutdown halts the scheduler; flags distinguishes reboot from
// power-off, left to the bootstrap layer to interpret on return.
func (k *Kernel_t) sysShutdown(caller *proc.Process_t, a Args) Result {
	k.Sched.Stop()
	return Result{Value: a.A0}
}

// --- path-addressed syscalls (open/create/stat/remove) ---

// resolveAndDispatch implements the shared shape of open/create/stat/
// remove (spec.md §4.11): well-known /dev prefixes are handled
// in-kernel, else the namespace resolves to a channel and, unless it
// is kernel-backed, a request is sent and the caller blocks for reply.
func (k *Kernel_t) resolveAndDispatch(caller *proc.Process_t, path string, tag abi.Tag_t, op abi.PendingOp_t, buildData func(suffix string) []byte) Result {
	switch path {
	case "/dev/console":
		fd, ok := caller.AllocFd(proc.FileDescriptor_t{Kind: abi.FdDevConsole})
		if !ok {
			return Result{Err: abi.EMFILE}
		}
		return Result{Value: uintptr(fd)}
	case "/dev/null":
		fd, ok := caller.AllocFd(proc.FileDescriptor_t{Kind: abi.FdDevNull})
		if !ok {
			return Result{Err: abi.EMFILE}
		}
		return Result{Value: uintptr(fd)}
	case "/dev/prof":
		fd, ok := caller.AllocFd(proc.FileDescriptor_t{Kind: abi.FdDevProf})
		if !ok {
			return Result{Err: abi.EMFILE}
		}
		return Result{Value: uintptr(fd)}
	}

	caller.Lock()
	ns := caller.NS
	caller.Unlock()
	chanID, suffix, ok := ns.Resolve(path)
	if !ok {
		return Result{Err: abi.ENOENT}
	}
	ch, ok := k.IPC.Get(chanID)
	if !ok {
		return Result{Err: abi.ENOENT}
	}

	if ch.KernelBacked {
		fd, ok := caller.AllocFd(proc.FileDescriptor_t{Kind: abi.FdIpc, ChanID: chanID, ReadOffset: 0})
		if !ok {
			return Result{Err: abi.EMFILE}
		}
		return Result{Value: uintptr(fd)}
	}

	fd, ok := caller.AllocFd(proc.FileDescriptor_t{Kind: abi.FdIpc, ChanID: chanID})
	if !ok {
		return Result{Err: abi.EMFILE}
	}
	var data []byte
	if buildData != nil {
		data = buildData(suffix)
	} else {
		data = []byte(suffix)
	}
	msg := abi.NewMessage(tag, data)
	k.IPC.Send(ch, caller, msg, op, fd)
	return Result{Blocked: true}
}

func (k *Kernel_t) sysOpen(caller *proc.Process_t, a Args) Result {
	path := k.readUserString(caller, a.A0, int(a.A1))
	return k.resolveAndDispatch(caller, path, abi.Topen, abi.PendOpen, nil)
}

func (k *Kernel_t) sysCreate(caller *proc.Process_t, a Args) Result {
	path := k.readUserString(caller, a.A0, int(a.A1))
	flags := uint32(a.A2)
	build := func(suffix string) []byte {
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], flags)
		return append(hdr[:], []byte(suffix)...)
	}
	return k.resolveAndDispatch(caller, path, abi.Tcreate, abi.PendCreate, build)
}

func (k *Kernel_t) sysStat(caller *proc.Process_t, a Args) Result {
	path := k.readUserString(caller, a.A0, int(a.A1))
	return k.resolveAndDispatch(caller, path, abi.Tstat, abi.PendStat, nil)
}

func (k *Kernel_t) sysRemove(caller *proc.Process_t, a Args) Result {
	path := k.readUserString(caller, a.A0, int(a.A1))
	return k.resolveAndDispatch(caller, path, abi.Tremove, abi.PendRemove, nil)
}

func (k *Kernel_t) sysSeek(caller *proc.Process_t, a Args) Result {
	fd := int(a.A0)
	entry, ok := caller.GetFd(fd)
	if !ok {
		return Result{Err: abi.EBADF}
	}
	entry.ReadOffset = int(a.A1)
	caller.PutFd(fd, entry)
	return Result{Value: a.A1}
}

// --- read/write ---

func (k *Kernel_t) sysRead(caller *proc.Process_t, a Args) Result {
	fd := int(a.A0)
	buf, count := a.A1, int(a.A2)

	entry, ok := caller.GetFd(fd)
	if !ok {
		if fd == 0 {
			return k.readConsole(caller, a)
		}
		return Result{Err: abi.EBADF}
	}

	switch entry.Kind {
	case abi.FdDevConsole:
		return k.readConsole(caller, a)

	case abi.FdDevProf:
		snap, err := kprof.Snapshot(k.PMM, k.Cores)
		if err != nil {
			return Result{Err: abi.EIO}
		}
		off := entry.ReadOffset
		if off > len(snap) {
			off = len(snap)
		}
		end := off + count
		if end > len(snap) {
			end = len(snap)
		}
		chunk := snap[off:end]
		k.copyToUser(caller, buf, chunk)
		entry.ReadOffset = end
		caller.PutFd(fd, entry)
		return Result{Value: uintptr(len(chunk))}

	case abi.FdPipe:
		p, ok := k.Pipes.Get(entry.PipeID)
		if !ok {
			return Result{Err: abi.EBADF}
		}
		tmp := make([]byte, count)
		n, ready := p.Read(tmp)
		if ready {
			k.copyToUser(caller, buf, tmp[:max(n, 0)])
			return Result{Value: uintptr(n)}
		}
		p.RegisterReadWaiter(caller.Pid)
		k.blockOn(caller, abi.PendPipeRead, fd, buf, count)
		return Result{Blocked: true}

	case abi.FdIpc:
		ch, ok := k.IPC.Get(entry.ChanID)
		if !ok {
			return Result{Err: abi.EBADF}
		}
		if ch.KernelBacked {
			data := ch.KernelData
			off := entry.ReadOffset
			if off > len(data) {
				off = len(data)
			}
			end := off + count
			if end > len(data) {
				end = len(data)
			}
			chunk := data[off:end]
			k.copyToUser(caller, buf, chunk)
			entry.ReadOffset = end
			caller.PutFd(fd, entry)
			return Result{Value: uintptr(len(chunk))}
		}
		var hdr [12]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(entry.ServerHandle))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(entry.ReadOffset))
		binary.LittleEndian.PutUint32(hdr[8:12], uint32(count))
		msg := abi.NewMessage(abi.Tread, hdr[:])
		k.IPC.Send(ch, caller, msg, abi.PendRead, fd)
		caller.Lock()
		caller.ContUserBuf = buf
		caller.ContSize = count
		caller.IpcRecvBufPtr = buf // where the post-switch hook lands the reply
		caller.Unlock()
		return Result{Blocked: true}

	default:
		return Result{Err: abi.EBADF}
	}
}

func (k *Kernel_t) readConsole(caller *proc.Process_t, a Args) Result {
	vt := k.Console.Active()
	tmp := make([]byte, int(a.A2))
	n, ready := vt.ReadInput(tmp, caller.Pid)
	if ready {
		k.copyToUser(caller, a.A1, tmp[:n])
		return Result{Value: uintptr(n)}
	}
	k.blockOn(caller, abi.PendConsoleRead, 0, a.A1, int(a.A2))
	return Result{Blocked: true}
}

func (k *Kernel_t) blockOn(caller *proc.Process_t, op abi.PendingOp_t, fd int, buf uintptr, size int) {
	caller.Lock()
	caller.State = proc.Blocked
	caller.PendingOp = op
	caller.PendingFd = fd
	caller.ContUserBuf = buf
	caller.ContSize = size
	caller.Unlock()
}

func (k *Kernel_t) sysWrite(caller *proc.Process_t, a Args) Result {
	fd := int(a.A0)
	buf, count := a.A1, int(a.A2)
	data := k.copyFromUser(caller, buf, count)

	entry, ok := caller.GetFd(fd)
	if !ok {
		switch fd {
		case 0:
			if err := k.Console.Control(string(data)); err != nil {
				return Result{Err: abi.EINVAL}
			}
			return Result{Value: uintptr(len(data))}
		case 1, 2:
			k.Console.Write(data)
			return Result{Value: uintptr(len(data))}
		default:
			return Result{Err: abi.EBADF}
		}
	}

	switch entry.Kind {
	case abi.FdDevConsole:
		k.Console.Write(data)
		return Result{Value: uintptr(len(data))}

	case abi.FdPipe:
		p, ok := k.Pipes.Get(entry.PipeID)
		if !ok {
			return Result{Err: abi.EBADF}
		}
		n, ready := p.Write(data)
		if ready {
			k.Pipes.WakeReaders(p)
			return Result{Value: uintptr(n)}
		}
		if n == pipe.BrokenPipe {
			return Result{Err: abi.EIO}
		}
		p.RegisterWriteWaiter(caller.Pid)
		k.blockOn(caller, abi.PendPipeWrite, fd, buf, count)
		return Result{Blocked: true}

	case abi.FdIpc:
		ch, ok := k.IPC.Get(entry.ChanID)
		if !ok {
			return Result{Err: abi.EBADF}
		}
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], uint32(entry.ServerHandle))
		msg := abi.NewMessage(abi.Twrite, append(hdr[:], data...))
		k.IPC.Send(ch, caller, msg, abi.PendWrite, fd)
		return Result{Blocked: true}

	default:
		return Result{Err: abi.EBADF}
	}
}

// --- sleep / ipc / wait / exit ---

func (k *Kernel_t) sysSleep(caller *proc.Process_t, a Args) Result {
	wake := k.Timer.SleepUntil(int(a.A0))
	caller.Lock()
	caller.State = proc.Blocked
	caller.PendingOp = abi.PendSleep
	caller.SleepUntil = wake
	caller.Unlock()
	return Result{Blocked: true}
}

func (k *Kernel_t) sysIpcRecv(caller *proc.Process_t, a Args) Result {
	fd := int(a.A0)
	entry, ok := caller.GetFd(fd)
	if !ok || entry.Kind != abi.FdIpc {
		return Result{Err: abi.EBADF}
	}
	ch, ok := k.IPC.Get(entry.ChanID)
	if !ok {
		return Result{Err: abi.EBADF}
	}
	msg, delivered := k.IPC.Recv(ch, caller, a.A1)
	if delivered {
		k.copyToUser(caller, a.A1, msg.Bytes())
		return Result{Value: uintptr(msg.Len)}
	}
	return Result{Blocked: true}
}

func (k *Kernel_t) sysIpcReply(caller *proc.Process_t, a Args) Result {
	fd := int(a.A0)
	entry, ok := caller.GetFd(fd)
	if !ok || entry.Kind != abi.FdIpc {
		return Result{Err: abi.EBADF}
	}
	ch, ok := k.IPC.Get(entry.ChanID)
	if !ok {
		return Result{Err: abi.EBADF}
	}
	data := k.copyFromUser(caller, a.A1, int(a.A2))
	isError := a.A3 != 0
	msg := abi.NewMessage(abi.Rok, data)
	if isError {
		msg.Tag = abi.Rerror
	}
	k.IPC.Reply(ch, msg, isError, abi.Err_t(a.A4))
	return Result{}
}

// sysWait reaps a.A0 (0 = any child), writing its exit status to the
// optional user pointer a.A1 (0 = caller doesn't want it).
func (k *Kernel_t) sysWait(caller *proc.Process_t, a Args) Result {
	childPid, status, ready := k.Procs.Wait(caller, int(a.A0))
	if !ready {
		return Result{Blocked: true}
	}
	if a.A1 != 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(status))
		k.copyToUser(caller, a.A1, buf[:])
	}
	return Result{Value: uintptr(childPid)}
}

func (k *Kernel_t) sysExit(caller *proc.Process_t, a Args) Result {
	k.Procs.Exit(caller, int(a.A0), k.teardownFd)
	return Result{Blocked: true}
}

// --- namespace ---

func (k *Kernel_t) sysMount(caller *proc.Process_t, a Args) Result {
	path := k.readUserString(caller, a.A0, int(a.A1))
	chanID := int(a.A2)
	replace := a.A3 != 0
	caller.Lock()
	ns := caller.NS
	caller.Unlock()
	ns.Mount(path, chanID, namespace.MountFlags{Replace: replace})
	return Result{}
}

func (k *Kernel_t) sysBind(caller *proc.Process_t, a Args) Result {
	return k.sysMount(caller, a)
}

func (k *Kernel_t) sysUnmount(caller *proc.Process_t, a Args) Result {
	path := k.readUserString(caller, a.A0, int(a.A1))
	caller.Lock()
	ns := caller.NS
	caller.Unlock()
	ns.Unmount(path)
	return Result{}
}

// --- process creation ---

const threadFlag = 1 // rfork flag bit selecting create_thread over create

func (k *Kernel_t) sysRfork(caller *proc.Process_t, a Args) Result {
	if a.A0&threadFlag != 0 {
		child := k.Procs.CreateThread(caller)
		return Result{Value: uintptr(child.Pid)}
	}
	child := k.Procs.Create(caller.Pid, false)
	caller.Lock()
	ns := caller.NS
	caller.Unlock()
	ns.CloneInto(child.NS)
	return Result{Value: uintptr(child.Pid)}
}

// sysExec replaces caller's own image: load into a fresh address
// space, then commit by swapping the pointer and resetting register
// state (spec.md §4.11 "old user pointers still readable under old
// CR3").
func (k *Kernel_t) sysExec(caller *proc.Process_t, a Args) Result {
	raw := k.copyFromUser(caller, a.A0, int(a.A1))
	newAS := k.KM.CreateAddressSpace()
	res, err := elf.Load(raw, newAS, k.PMM, k.Machine)
	if err != 0 {
		newAS.FreeAddressSpace()
		return Result{Err: err}
	}
	stackTop, err := k.allocUserStack(newAS)
	if err != 0 {
		newAS.FreeAddressSpace()
		return Result{Err: err}
	}

	oldAS := caller.AS
	caller.Lock()
	caller.AS = newAS
	caller.RIP = res.Entry
	caller.RSP = stackTop
	caller.Brk = res.Brk
	caller.PendingOp = abi.PendNone
	caller.IpcPendingMsg = nil
	caller.Unlock()
	oldAS.FreeAddressSpace()
	return Result{Blocked: true}
}

// sysSpawn creates a child process running a separate ELF image
// (spec.md §4.11 spawn). argv materialization and fd_map copying are
// left to the caller-facing wrapper; this syscall covers process and
// image creation plus namespace cloning.
func (k *Kernel_t) sysSpawn(caller *proc.Process_t, a Args) Result {
	raw := k.copyFromUser(caller, a.A0, int(a.A1))
	child := k.Procs.Create(caller.Pid, false)
	res, err := elf.Load(raw, child.AS, k.PMM, k.Machine)
	if err != 0 {
		return Result{Err: err}
	}
	stackTop, err := k.allocUserStack(child.AS)
	if err != 0 {
		return Result{Err: err}
	}
	child.Lock()
	child.RIP = res.Entry
	child.RSP = stackTop
	child.Brk = res.Brk
	child.Unlock()

	caller.Lock()
	ns := caller.NS
	caller.Unlock()
	ns.CloneInto(child.NS)
	return Result{Value: uintptr(child.Pid)}
}

func (k *Kernel_t) allocUserStack(as *paging.AddressSpace_t) (uintptr, abi.Err_t) {
	frame, ok := k.PMM.AllocPage()
	if !ok {
		return 0, abi.ENOMEM
	}
	base := uintptr(memlayout.UserStackTop - memlayout.PageSize)
	if !as.MapPage(base, frame, paging.Flags{User: true, Writable: true, NoExec: true}) {
		k.PMM.FreePage(frame)
		return 0, abi.ENOMEM
	}
	return memlayout.UserStackTop, 0
}


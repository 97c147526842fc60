// Package ipc implements synchronous, copy-on-delivery, rendezvous
// message passing between a single client and a single server per
// channel (spec.md §4.5). Actual byte delivery into the waking
// process's user memory is deferred to the scheduler's post-switch
// hook (package sched), since a process woken here is still running
// under the waker's address space; this package only ever stores an
// *abi.Message pointer on the target process and marks it ready.
package ipc

import (
	"sync"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/proc"
)

const maxChannels = 256

// endpoint_t is one side (server or client) of a channel (spec.md §3
// Channel).
type endpoint_t struct {
	pid         int
	pendingMsg  *abi.Message
	sendWaiting bool
	recvWaiting bool
	waiterPid   int
}

// Channel_t is a bidirectional synchronous channel (spec.md §3
// Channel). The embedded mutex is the per-channel lock every
// operation below acquires first.
type Channel_t struct {
	sync.Mutex

	ID     int
	Live   bool
	Server endpoint_t
	Client endpoint_t

	KernelBacked bool
	KernelData   []byte
}

// Table_t is the system-wide channel table of 256 (spec.md §3
// "System-wide channel table of 256; allocation under a single global
// lock").
type Table_t struct {
	sync.Mutex // alloc_lock; lock order is always alloc_lock -> channel.Lock

	channels [maxChannels]*Channel_t
	procs    *proc.Table_t
}

// NewTable builds an empty channel table bound to the process table
// used to wake blocked endpoints.
func NewTable(procs *proc.Table_t) *Table_t {
	return &Table_t{procs: procs}
}

// Create allocates a fresh channel and returns the same id for both
// the server and client sides; callers distinguish sides via the fd
// table's IsServer flag (spec.md §4.5 channel_create).
func (t *Table_t) Create() (serverID, clientID int, ok bool) {
	t.Lock()
	defer t.Unlock()
	for i, c := range t.channels {
		if c == nil || !c.Live {
			nc := &Channel_t{ID: i, Live: true}
			t.channels[i] = nc
			return i, i, true
		}
	}
	return 0, 0, false
}

// CreateKernelBacked allocates a channel with an immutable byte slice
// attached; reads on the client side are served directly by the
// kernel with no rendezvous (spec.md §4.5, §4.11).
func (t *Table_t) CreateKernelBacked(data []byte) (id int, ok bool) {
	t.Lock()
	defer t.Unlock()
	for i, c := range t.channels {
		if c == nil || !c.Live {
			nc := &Channel_t{ID: i, Live: true, KernelBacked: true, KernelData: data}
			t.channels[i] = nc
			return i, true
		}
	}
	return 0, false
}

// Get returns the channel with the given id.
func (t *Table_t) Get(id int) (*Channel_t, bool) {
	t.Lock()
	defer t.Unlock()
	if id < 0 || id >= maxChannels || t.channels[id] == nil || !t.channels[id].Live {
		return nil, false
	}
	return t.channels[id], true
}

// Send is the client-side half of a request (spec.md §4.5 "a typical
// client-side request... does NOT itself block inside the IPC
// module"). It installs the message on the client endpoint, hands it
// directly to a server already in recv_waiting, and always leaves the
// client Blocked with pendingOp/pendingFd recorded for the reply path.
func (t *Table_t) Send(ch *Channel_t, client *proc.Process_t, msg abi.Message, pendingOp abi.PendingOp_t, pendingFd int) {
	ch.Lock()
	m := msg
	ch.Client.pendingMsg = &m
	ch.Client.sendWaiting = true
	ch.Client.waiterPid = client.Pid

	if ch.Server.recvWaiting {
		server, ok := t.procs.Get(ch.Server.waiterPid)
		if ok {
			server.Lock()
			server.IpcPendingMsg = &m
			server.Unlock()
		}
		ch.Server.recvWaiting = false
		ch.Client.pendingMsg = nil
		if ok {
			t.procs.MakeReady(server, -1)
		}
	}
	ch.Unlock()

	client.Lock()
	client.State = proc.Blocked
	client.PendingOp = pendingOp
	client.PendingFd = pendingFd
	client.Unlock()
}

// Recv is the server-side half (spec.md §4.5 ipc_recv). If a message
// is already pending on the client endpoint it is delivered
// immediately since the server's own address space is active; else
// the server blocks recv_waiting.
func (t *Table_t) Recv(ch *Channel_t, server *proc.Process_t, userBuf uintptr) (msg abi.Message, delivered bool) {
	ch.Lock()
	defer ch.Unlock()

	if ch.Client.sendWaiting && ch.Client.pendingMsg != nil {
		m := *ch.Client.pendingMsg
		ch.Client.pendingMsg = nil
		return m, true
	}

	ch.Server.recvWaiting = true
	ch.Server.waiterPid = server.Pid

	server.Lock()
	server.State = proc.Blocked
	server.PendingOp = abi.PendIpcRecv
	server.IpcRecvBufPtr = userBuf
	server.Unlock()
	return abi.Message{}, false
}

// applyReply translates the client's pending_op into
// syscall return semantics on r_ok (spec.md §4.5 ipc_reply table).
func applyReply(client *proc.Process_t, msg abi.Message, isError bool, errCode abi.Err_t) {
	client.Lock()
	defer client.Unlock()

	if isError {
		if client.PendingOp == abi.PendOpen || client.PendingOp == abi.PendCreate {
			client.CloseFdLocked(client.PendingFd)
		}
		client.IpcPendingMsg = nil
		client.PendingOp = abi.PendNone
		return
	}

	// PendRead, PendStat and PendNone (raw IPC) require deferred
	// delivery into user memory once the client's own address space is
	// active again, so PendingOp is left set for the post-switch hook
	// (spec.md §4.10 "raw IPC / read/stat reply") to consume and clear;
	// every other pending_op is fully resolved right here.
	switch client.PendingOp {
	case abi.PendOpen, abi.PendCreate:
		if fd, ok := client.GetFdLocked(client.PendingFd); ok && msg.Len >= 4 {
			handle := int(msg.Data[0]) | int(msg.Data[1])<<8 | int(msg.Data[2])<<16 | int(msg.Data[3])<<24
			fd.ServerHandle = handle
			client.PutFdLocked(client.PendingFd, fd)
		}
		client.PendingOp = abi.PendNone
	case abi.PendRead, abi.PendStat, abi.PendWrite:
		// write's reply carries the byte count (or the request length,
		// per spec.md §4.5's fallback) in msg, same as a read/stat
		// reply; leave pending_op set so the post-switch hook's default
		// branch copies msg.Len into SyscallRetSlot.
		m := msg
		client.IpcPendingMsg = &m
	case abi.PendClose:
		client.CloseFdLocked(client.PendingFd)
		client.PendingOp = abi.PendNone
	case abi.PendRemove:
		client.PendingOp = abi.PendNone
	default:
		m := msg
		client.IpcPendingMsg = &m
	}
}

// Reply is the server-side half (spec.md §4.5 ipc_reply). It looks up
// the channel's blocked client, applies the pending_op translation
// table, then marks the client ready and clears the endpoint's
// waiting flags.
func (t *Table_t) Reply(ch *Channel_t, msg abi.Message, isError bool, errCode abi.Err_t) {
	ch.Lock()
	clientPid := ch.Client.waiterPid
	ch.Client.sendWaiting = false
	ch.Client.waiterPid = 0
	ch.Unlock()

	client, ok := t.procs.Get(clientPid)
	if !ok {
		return
	}
	applyReply(client, msg, isError, errCode)
	client.Lock()
	client.State = proc.Ready
	client.Unlock()
	t.procs.MakeReady(client, -1)
}

// Package percpu holds the state private to each simulated core: its
// run queue, current thread, idle counter, and the "assembly-visible"
// slice of fields a real syscall-entry trampoline would reach through
// GS_BASE/tp (spec.md §4.4). In this hosted simulation a core is a
// goroutine and GS_BASE is simply a *Core_t passed down the call stack,
// but the field layout matches the teacher's and the spec's.
package percpu

import (
	"sync/atomic"

	"github.com/oichkatzele/biscuit2/internal/spinlock"
)

// RunQueueCap is the fixed capacity of a per-core run queue (spec.md §3
// RunQueue).
const RunQueueCap = 64

// IPI bit flags, recorded per-core so a remote core's wake/shootdown
// request survives until that core polls it (spec.md §4.4, §5).
const (
	IPISchedule      uint32 = 1 << 0
	IPITLBShootdown  uint32 = 1 << 1
)

// RunQueue_t is a per-core FIFO of ready thread (pid) indices. Push/Pop
// by the owning core need no lock (spec.md §5 "lockless for the owning
// core's push/pop"); a steal from another core takes Lock.
type RunQueue_t struct {
	lock  spinlock.Ticket_t
	items [RunQueueCap]int
	head  int
	tail  int
	count int
}

// PushBack enqueues pid at the tail. It panics on overflow: a fixed
// capacity queue overflowing is a scheduler bug, not a runtime
// condition to recover from (spec.md §9 "prefer fixed-size arrays").
func (q *RunQueue_t) PushBack(pid int) {
	if q.count == RunQueueCap {
		panic("percpu: run queue overflow")
	}
	q.items[q.tail] = pid
	q.tail = (q.tail + 1) % RunQueueCap
	q.count++
}

// PopFront dequeues the head pid, or (0, false) if empty. Called only by
// the owning core, so no lock is taken.
func (q *RunQueue_t) PopFront() (int, bool) {
	if q.count == 0 {
		return 0, false
	}
	pid := q.items[q.head]
	q.head = (q.head + 1) % RunQueueCap
	q.count--
	return pid, true
}

// Len returns the number of ready pids currently queued.
func (q *RunQueue_t) Len() int {
	return q.count
}

// StealHalf removes up to half of this queue's entries (at least one, if
// any exist) and returns them for the stealer to adopt. It takes the
// victim queue's own lock for the duration, so the caller must not
// hold it (spec.md §4.10 step 2, §5 "queues locked during steal").
func (q *RunQueue_t) StealHalf() []int {
	q.lock.Lock(-1)
	defer q.lock.Unlock()
	n := q.count / 2
	if n == 0 && q.count > 0 {
		n = 1
	}
	stolen := make([]int, 0, n)
	for i := 0; i < n; i++ {
		pid, ok := q.PopFront()
		if !ok {
			break
		}
		stolen = append(stolen, pid)
	}
	return stolen
}

// Lock/Unlock expose the victim-side lock that StealHalf takes. Only
// the steal path takes it (spec.md §5): PushBack and PopFront do not,
// so they are not serialized against a steal in progress; the lock
// only keeps two steals from the same queue apart.
func (q *RunQueue_t) Lock()   { q.lock.Lock(-1) }
func (q *RunQueue_t) Unlock() { q.lock.Unlock() }

// Core_t is one simulated CPU core's private state.
type Core_t struct {
	ID int

	RunQ RunQueue_t

	CurrentPid int32 // 0 means idle
	IdleTicks  uint64

	pendingIPI atomic.Uint32

	// TLB shootdown bookkeeping (spec.md §5 "TLB coherence").
	TLBFlushPending atomic.Bool

	// Assembly-visible resume slots (spec.md §4.4); in the simulation
	// these are plain fields rather than a fixed GS_BASE offset.
	KernelStackTop uintptr
	SavedUserSP    uintptr
	SavedUserIP    uintptr
	SavedUserFlags uintptr
	SavedKernelSP  uintptr
}

// New allocates a Core_t for the given id.
func New(id int) *Core_t {
	c := &Core_t{ID: id}
	return c
}

// Current returns the pid of the process currently running on this
// core, or 0 if idle.
func (c *Core_t) Current() int {
	return int(atomic.LoadInt32(&c.CurrentPid))
}

// SetCurrent records the pid now running on this core.
func (c *Core_t) SetCurrent(pid int) {
	atomic.StoreInt32(&c.CurrentPid, int32(pid))
}

// RaiseIPI ORs bits into the pending-IPI mask; a real core would now
// receive an interrupt (spec.md §4.10, §5). The scheduler loop does not
// read the mask; it polls its run queue on every decision instead, and
// TakeIPI is the only reader.
func (c *Core_t) RaiseIPI(bits uint32) {
	for {
		old := c.pendingIPI.Load()
		if c.pendingIPI.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

// TakeIPI atomically reads and clears the pending-IPI mask.
func (c *Core_t) TakeIPI() uint32 {
	return c.pendingIPI.Swap(0)
}

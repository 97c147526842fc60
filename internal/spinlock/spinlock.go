// Package spinlock implements ticket spinlocks with debug owner tracking
// (spec.md §4.4). Acquire is an atomic fetch-add on next, spin until
// serving == ticket; release bumps serving with release ordering.
// TryLock attempts a single compare-exchange.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// Debug enables owner-core tracking; real kernels only pay for this in
// debug builds, so it is a package-level switch rather than per-lock
// state (matches the teacher's habit of compiling debug checks out).
var Debug = false

// Ticket_t is a ticket spinlock.
type Ticket_t struct {
	next    uint64
	serving uint64
	owner   int64 // debug only: core id holding the lock, -1 if free
}

// New returns an unlocked ticket lock.
func New() *Ticket_t {
	t := &Ticket_t{owner: -1}
	return t
}

// Lock acquires the lock, spinning with a pause hint between reads.
func (t *Ticket_t) Lock(coreID int) {
	ticket := atomic.AddUint64(&t.next, 1) - 1
	for atomic.LoadUint64(&t.serving) != ticket {
		runtime.Gosched()
	}
	if Debug {
		atomic.StoreInt64(&t.owner, int64(coreID))
	}
}

// Unlock releases the lock with release ordering.
func (t *Ticket_t) Unlock() {
	if Debug {
		atomic.StoreInt64(&t.owner, -1)
	}
	atomic.AddUint64(&t.serving, 1)
}

// TryLock attempts a single compare-exchange and reports success.
func (t *Ticket_t) TryLock(coreID int) bool {
	serving := atomic.LoadUint64(&t.serving)
	next := atomic.LoadUint64(&t.next)
	if serving != next {
		return false
	}
	if !atomic.CompareAndSwapUint64(&t.next, next, next+1) {
		return false
	}
	if Debug {
		atomic.StoreInt64(&t.owner, int64(coreID))
	}
	return true
}

// Owner returns the debug-tracked owning core id, or -1 if unowned or
// Debug is disabled, for a lock built by New; a zero-value Ticket_t
// reports 0 until Debug tracking first writes the field.
func (t *Ticket_t) Owner() int {
	return int(atomic.LoadInt64(&t.owner))
}

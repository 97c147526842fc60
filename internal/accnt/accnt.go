// Package accnt accumulates per-process CPU time accounting,
// generalized from the teacher's accnt.Accnt_t (biscuit/src/accnt/accnt.go)
// to track the user/system split for a simulated process rather than a
// hosted-on-real-hardware one.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt_t accumulates user and system nanoseconds consumed by one
// process. The embedded mutex lets callers snapshot a consistent pair
// when reporting usage.
type Accnt_t struct {
	sync.Mutex

	Userns int64
	Sysns  int64
}

// Utadd adds delta nanoseconds of user time.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds of system time.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Now returns the current time in nanoseconds since the epoch.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

// IOTime removes time spent blocked on I/O from the system-time
// counter; callers record `since := a.Now()` when a thread blocks and
// call this on wake.
func (a *Accnt_t) IOTime(since int64) {
	a.Systadd(since - a.Now())
}

// SleepTime removes time spent in sleep(2) from system time.
func (a *Accnt_t) SleepTime(since int64) {
	a.Systadd(since - a.Now())
}

// Finish adds the time elapsed since inttime to system time, used
// when a syscall handler returns.
func (a *Accnt_t) Finish(inttime int64) {
	a.Systadd(a.Now() - inttime)
}

// Add merges n's counters into a, used when a thread group's combined
// usage is requested.
func (a *Accnt_t) Add(n *Accnt_t) {
	n.Lock()
	u, s := n.Userns, n.Sysns
	n.Unlock()
	a.Lock()
	a.Userns += u
	a.Sysns += s
	a.Unlock()
}

// Snapshot is a consistent point-in-time copy of the counters.
type Snapshot struct {
	UserNs int64
	SysNs  int64
}

// Fetch returns a consistent snapshot of the accounting record.
func (a *Accnt_t) Fetch() Snapshot {
	a.Lock()
	defer a.Unlock()
	return Snapshot{UserNs: a.Userns, SysNs: a.Sysns}
}

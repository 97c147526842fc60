// Package timer implements the tick counter and sleep-wakeup scan
// (spec.md §4.11 sleep, ~18 Hz). There is no programmable interval
// timer to drive in the hosted simulation, so Timer_t paces its own
// tick goroutine with golang.org/x/time/rate instead of an 8254/APIC
// timer IRQ.
package timer

import (
	"context"
	"sync/atomic"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/proc"
	"golang.org/x/time/rate"
)

// HzDefault is the simulated tick rate, matching spec.md's "~18 Hz"
// legacy PC timer reference.
const HzDefault = 18

// Timer_t owns the monotonic tick counter and periodically scans for
// processes whose sleep_until has come due.
type Timer_t struct {
	hz    int
	ticks atomic.Uint64
	procs *proc.Table_t
	lim   *rate.Limiter
}

// New builds a timer running at hz ticks/sec, scanning procs for
// expired sleepers on every tick.
func New(procs *proc.Table_t, hz int) *Timer_t {
	if hz <= 0 {
		hz = HzDefault
	}
	return &Timer_t{
		hz:    hz,
		procs: procs,
		lim:   rate.NewLimiter(rate.Limit(hz), 1),
	}
}

// Now returns the current tick count, wired as sched.Hooks.Now so the
// post-switch hook's sleep check uses the same clock sleep(ms) used to
// compute sleep_until.
func (t *Timer_t) Now() uint64 { return t.ticks.Load() }

// SleepUntil converts a millisecond duration into an absolute wake
// tick at this timer's rate, per sleep(ms)'s "compute absolute wake
// tick at the current rate (~18 Hz)".
func (t *Timer_t) SleepUntil(ms int) uint64 {
	ticks := uint64(ms) * uint64(t.hz) / 1000
	if ticks == 0 {
		ticks = 1 // sleep(0) and sub-tick sleeps still wake at the next tick
	}
	return t.Now() + ticks
}

// Run advances the tick counter at the configured rate and wakes any
// process whose sleep_until has come due, until ctx is canceled.
// cmd/kernelsim runs it in its own goroutine beside the scheduler.
func (t *Timer_t) Run(ctx context.Context) error {
	for {
		if err := t.lim.Wait(ctx); err != nil {
			return ctx.Err()
		}
		t.ticks.Add(1)
		t.scanSleepers()
	}
}

func (t *Timer_t) scanSleepers() {
	now := t.Now()
	for _, p := range t.procs.All() {
		p.Lock()
		due := p.PendingOp == abi.PendSleep && now >= p.SleepUntil && p.State == proc.Blocked
		p.Unlock()
		if due {
			p.Wake(-1)
		}
	}
}

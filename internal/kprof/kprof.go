// Package kprof builds a pprof wire-format snapshot of scheduler and
// PMM counters, exported to userspace through /dev/prof (spec.md
// §4.11's klog_read sibling for profiling data). It does not sample a
// running goroutine stack like runtime/pprof; every Sample is a
// single synthetic location standing in for one counter, so the
// output loads in the pprof tool as a flat counter dump rather than a
// call graph.
package kprof

import (
	"bytes"
	"time"

	"github.com/google/pprof/profile"

	"github.com/oichkatzele/biscuit2/internal/percpu"
	"github.com/oichkatzele/biscuit2/internal/pmm"
)

// Snapshot renders the current PMM and per-core scheduler counters as
// a gzip-compressed pprof profile. The result is self-contained: one
// fabricated Location/Function per counter, so every Sample carries
// exactly one frame.
func Snapshot(pm *pmm.PMM_t, cores []*percpu.Core_t) ([]byte, error) {
	total, free, inUse := pm.Stats()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "pages", Unit: "count"},
		},
		PeriodType:    &profile.ValueType{Type: "snapshot", Unit: "count"},
		Period:        1,
		TimeNanos:     time.Now().UnixNano(),
		DurationNanos: 0,
	}

	var locID, fnID uint64
	addSample := func(name string, value int64, labels map[string][]string) {
		fnID++
		locID++
		fn := &profile.Function{ID: fnID, Name: name, SystemName: name}
		loc := &profile.Location{ID: locID, Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{value},
			Label:    labels,
		})
	}

	addSample("pmm.total_pages", int64(total), nil)
	addSample("pmm.free_pages", int64(free), nil)
	addSample("pmm.used_pages", int64(inUse), nil)

	for _, c := range cores {
		labels := map[string][]string{"core": {itoa(c.ID)}}
		addSample("sched.runqueue_len", int64(c.RunQ.Len()), labels)
		addSample("sched.idle_ticks", int64(c.IdleTicks), labels)
	}

	if err := p.CheckValid(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		digits[i] = '-'
	}
	return string(digits[i:])
}

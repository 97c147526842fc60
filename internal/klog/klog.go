// Package klog is the kernel's log ring buffer: a zapcore.Core that
// writes every encoded entry into a bounded ring readable by the
// klog(2) syscall (spec.md §4.11 klog_read), plus a distinct-caller
// dedup filter adapted from the teacher's caller.Distinct_caller_t
// (biscuit/src/caller/caller.go) so a hot repeated-fault log site
// doesn't flood the ring.
package klog

import (
	"runtime"
	"sync"

	"github.com/oichkatzele/biscuit2/internal/ring"
	"go.uber.org/zap/zapcore"
)

const defaultRingBytes = 64 * 1024

// Ring_t is the log ring buffer core. It implements zapcore.Core so
// the rest of the kernel logs through the usual zap.Logger API
// (spec.md ambient logging stack), while also exposing a windowed
// Read for klog_read.
type Ring_t struct {
	mu    sync.Mutex
	buf   *ring.Ring_t
	enc   zapcore.Encoder
	level zapcore.LevelEnabler

	dedup *DistinctCaller_t
}

// New builds a klog ring of the given byte capacity, encoding entries
// with enc (normally a zapcore.NewJSONEncoder so klog_read yields
// machine-parseable lines).
func New(capacityBytes int, enc zapcore.Encoder, level zapcore.LevelEnabler) *Ring_t {
	if capacityBytes <= 0 {
		capacityBytes = defaultRingBytes
	}
	return &Ring_t{buf: ring.New(capacityBytes), enc: enc, level: level, dedup: &DistinctCaller_t{}}
}

func (r *Ring_t) Enabled(lvl zapcore.Level) bool { return r.level.Enabled(lvl) }

func (r *Ring_t) With(fields []zapcore.Field) zapcore.Core {
	clone := *r
	clone.enc = r.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return &clone
}

func (r *Ring_t) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if r.Enabled(ent.Level) {
		return ce.AddCore(ent, r)
	}
	return ce
}

func (r *Ring_t) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if r.dedup.Enabled() {
		var pcs [16]uintptr
		n := runtime.Callers(2, pcs[:])
		if distinct, _ := r.dedup.Distinct(pcs[:n]...); !distinct {
			return nil
		}
	}
	buf, err := r.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	b := buf.Bytes()
	r.mu.Lock()
	if len(b) > r.buf.Cap() {
		b = b[len(b)-r.buf.Cap():]
	}
	if over := len(b) - r.buf.Left(); over > 0 {
		r.buf.Advance(over) // drop the oldest bytes to make room
	}
	r.buf.Write(b)
	r.mu.Unlock()
	buf.Free()
	return nil
}

func (r *Ring_t) Sync() error { return nil }

// ReadWindow copies a window of the ring buffer starting at offset,
// clamping to the earliest byte still present (spec.md §4.11
// klog_read). It returns the clamped starting offset actually used.
func (r *Ring_t) ReadWindow(dst []byte, offset int) (n int, clampedOffset int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	earliest := r.buf.EarliestOffset()
	if offset < earliest {
		offset = earliest
	}
	skip := offset - earliest
	n = r.buf.Peek(dst, skip)
	return n, offset
}

// DistinctCaller_t tracks whether the current call chain has been
// seen, generalized from the teacher's caller.Distinct_caller_t.
type DistinctCaller_t struct {
	mu      sync.Mutex
	enabled bool
	seen    map[uintptr]bool
}

// SetEnabled toggles the dedup filter; disabled by default so normal
// logging is never silently dropped.
func (d *DistinctCaller_t) SetEnabled(v bool) {
	d.mu.Lock()
	d.enabled = v
	d.mu.Unlock()
}

func (d *DistinctCaller_t) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Distinct reports whether pcHash (a caller-computed stack hash, e.g.
// from runtime.Callers) has not been recorded before; true the first
// time a given call chain logs, false on every repeat.
func (d *DistinctCaller_t) Distinct(pcHash ...uintptr) (bool, uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[uintptr]bool)
	}
	var h uintptr
	for _, pc := range pcHash {
		h ^= pc*1103515245 + 12345
	}
	if d.seen[h] {
		return false, h
	}
	d.seen[h] = true
	return true, h
}

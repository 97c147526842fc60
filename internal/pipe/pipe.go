// Package pipe implements the fixed table of 32 kernel pipes (spec.md
// §4.6). Ring storage and waiter bookkeeping are guarded by a
// per-pipe spinlock; actual wake delivery of bytes into a blocked
// thread's buffer happens in the scheduler's post-switch hook, since
// the woken thread's address space is usually not active yet.
package pipe

import (
	"sync"

	"github.com/oichkatzele/biscuit2/internal/proc"
	"github.com/oichkatzele/biscuit2/internal/ring"
)

const (
	maxPipes      = 32
	pipeCap       = 4096
	maxWaiters    = 4
)

// Block is a sentinel returned by Read/Write meaning "caller must
// block"; distinct from 0 (EOF on read, nothing special on write).
const Block = -1

// BrokenPipe is the sentinel Write returns when there are no readers
// left (spec.md §4.6).
const BrokenPipe = -2

// Pipe_t is one pipe slot (spec.md §3 Pipe).
type Pipe_t struct {
	sync.Mutex

	id      int
	live    bool
	ring    *ring.Ring_t
	readers int
	writers int

	readWaiters  [maxWaiters]int
	nReadWaiters int
	writeWaiters [maxWaiters]int
	nWriteWaiters int
}

// Table_t is the fixed table of pipes.
type Table_t struct {
	sync.Mutex

	pipes [maxPipes]*Pipe_t
	procs *proc.Table_t
}

// NewTable builds an empty pipe table bound to the process table used
// to wake blocked waiters.
func NewTable(procs *proc.Table_t) *Table_t {
	return &Table_t{procs: procs}
}

// Create allocates a fresh pipe with one reader and one writer (the
// creating process's two fds), spec.md §4.6.
func (t *Table_t) Create() (*Pipe_t, bool) {
	t.Lock()
	defer t.Unlock()
	for i, p := range t.pipes {
		if p == nil || !p.live {
			np := &Pipe_t{id: i, live: true, ring: ring.New(pipeCap), readers: 1, writers: 1}
			t.pipes[i] = np
			return np, true
		}
	}
	return nil, false
}

// Get returns the pipe with the given id.
func (t *Table_t) Get(id int) (*Pipe_t, bool) {
	t.Lock()
	defer t.Unlock()
	if id < 0 || id >= maxPipes || t.pipes[id] == nil || !t.pipes[id].live {
		return nil, false
	}
	return t.pipes[id], true
}

// ID returns the pipe's table slot index.
func (p *Pipe_t) ID() int { return p.id }

// DupReader increments the read-end refcount (spec.md §4.6 "spawn may
// duplicate a pipe fd into a child").
func (p *Pipe_t) DupReader() {
	p.Lock()
	p.readers++
	p.Unlock()
}

// DupWriter increments the write-end refcount.
func (p *Pipe_t) DupWriter() {
	p.Lock()
	p.writers++
	p.Unlock()
}

func (t *Table_t) wakeAll(pids []int) {
	for _, pid := range pids {
		if p, ok := t.procs.Get(pid); ok {
			t.procs.MakeReady(p, -1)
		}
	}
}

// CloseReader decrements the read-end refcount, freeing the pipe slot
// once both ends reach zero, and wakes any blocked writers since EOF
// on the read side changes their blocking condition.
func (t *Table_t) CloseReader(p *Pipe_t) {
	p.Lock()
	p.readers--
	writers := p.writeWaiters[:p.nWriteWaiters]
	woken := append([]int{}, writers...)
	p.nWriteWaiters = 0
	free := p.readers <= 0 && p.writers <= 0
	p.Unlock()
	t.wakeAll(woken)
	if free {
		t.free(p)
	}
}

// CloseWriter decrements the write-end refcount, freeing the pipe
// slot once both ends reach zero, and wakes any blocked readers.
func (t *Table_t) CloseWriter(p *Pipe_t) {
	p.Lock()
	p.writers--
	readers := p.readWaiters[:p.nReadWaiters]
	woken := append([]int{}, readers...)
	p.nReadWaiters = 0
	free := p.readers <= 0 && p.writers <= 0
	p.Unlock()
	t.wakeAll(woken)
	if free {
		t.free(p)
	}
}

func (t *Table_t) free(p *Pipe_t) {
	t.Lock()
	defer t.Unlock()
	p.Lock()
	p.live = false
	p.Unlock()
}

// Read copies available bytes into dst. It returns (n, true) on a
// successful (possibly zero-length, meaning EOF) transfer, or
// (Block, false) if the caller must register as a waiter and block
// (spec.md §4.6 pipe_read).
func (p *Pipe_t) Read(dst []byte) (n int, ok bool) {
	p.Lock()
	defer p.Unlock()
	if !p.ring.Empty() {
		n := p.ring.Read(dst)
		return n, true
	}
	if p.writers <= 0 {
		return 0, true // EOF
	}
	return Block, false
}

// RegisterReadWaiter records pid as blocked waiting for data, bounded
// to maxWaiters entries (spec.md §3 Pipe "bounded wait lists").
func (p *Pipe_t) RegisterReadWaiter(pid int) {
	p.Lock()
	defer p.Unlock()
	if p.nReadWaiters < maxWaiters {
		p.readWaiters[p.nReadWaiters] = pid
		p.nReadWaiters++
	}
}

// Write copies src into the ring. It returns (n, true) on success, or
// (Block, false)/(BrokenPipe, false) when the caller must block or
// the pipe has no readers (spec.md §4.6 pipe_write).
func (p *Pipe_t) Write(src []byte) (n int, ok bool) {
	p.Lock()
	defer p.Unlock()
	if p.readers <= 0 {
		return BrokenPipe, false
	}
	if p.ring.Left() == 0 {
		return Block, false
	}
	n = p.ring.Write(src)
	return n, true
}

// RegisterWriteWaiter records pid as blocked waiting for ring space.
func (p *Pipe_t) RegisterWriteWaiter(pid int) {
	p.Lock()
	defer p.Unlock()
	if p.nWriteWaiters < maxWaiters {
		p.writeWaiters[p.nWriteWaiters] = pid
		p.nWriteWaiters++
	}
}

// WakeReaders wakes every waiter blocked on read — called after a
// successful write (spec.md §4.6 "any transfer that could change a
// peer's blocking condition must wake all waiters on that side").
func (t *Table_t) WakeReaders(p *Pipe_t) {
	p.Lock()
	waiters := append([]int{}, p.readWaiters[:p.nReadWaiters]...)
	p.nReadWaiters = 0
	p.Unlock()
	t.wakeAll(waiters)
}

// WakeWriters wakes every waiter blocked on write — called after a
// successful read.
func (t *Table_t) WakeWriters(p *Pipe_t) {
	p.Lock()
	waiters := append([]int{}, p.writeWaiters[:p.nWriteWaiters]...)
	p.nWriteWaiters = 0
	p.Unlock()
	t.wakeAll(waiters)
}

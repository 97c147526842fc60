// Package console implements the keyboard/console sink (spec.md §6):
// per-VT input rings with a waiter list, the fd 0 control-command
// protocol (rawon/rawoff/echo/size/vt N), and an ANSI CSI subset
// parser that tracks cursor position and SGR attributes for fd 1/2
// writes. Turning tracked cursor/attribute state into actual glyphs on
// a framebuffer is the VT console renderer, which spec.md explicitly
// places out of scope — this package stops at maintaining the grid
// state a renderer would consume.
package console

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/oichkatzele/biscuit2/internal/ring"
	"golang.org/x/text/width"
)

const (
	numVTs        = 8
	inputRingSize = 4096
	defaultCols   = 80
	defaultRows   = 25
)

// Cell holds one character grid position's rune and active SGR
// attribute state.
type Cell struct {
	Ch    rune
	Attrs Attrs
}

// Attrs mirrors the SGR subset spec.md §6 names: 0, 1, 7, 27, 30-37,
// 39, 40-47, 49.
type Attrs struct {
	Bold      bool
	Reverse   bool
	Fg, Bg    int // -1 = default
}

func defaultAttrs() Attrs { return Attrs{Fg: -1, Bg: -1} }

// VT_t is one virtual terminal: an input ring fed by the keyboard, a
// waiter list of pids blocked on console_read, raw/echo mode flags,
// and the character grid plus cursor state that ANSI writes mutate.
type VT_t struct {
	mu sync.Mutex

	input   *ring.Ring_t
	waiters []int

	raw  bool
	echo bool

	cols, rows int
	grid       [][]Cell
	curRow     int
	curCol     int
	attrs      Attrs

	ansiState ansiParser
}

func newVT() *VT_t {
	v := &VT_t{
		input: ring.New(inputRingSize),
		cols:  defaultCols,
		rows:  defaultRows,
		attrs: defaultAttrs(),
	}
	v.resetGrid()
	return v
}

func (v *VT_t) resetGrid() {
	v.grid = make([][]Cell, v.rows)
	for r := range v.grid {
		v.grid[r] = make([]Cell, v.cols)
		for c := range v.grid[r] {
			v.grid[r][c] = Cell{Ch: ' ', Attrs: defaultAttrs()}
		}
	}
	v.curRow, v.curCol = 0, 0
}

// Table_t owns the fixed set of VTs and tracks which one is currently
// active (spec.md's Process_t.vt index selects among these).
type Table_t struct {
	mu     sync.Mutex
	vts    [numVTs]*VT_t
	active int
}

// New constructs the console with numVTs independent VTs, VT 0 active.
func New() *Table_t {
	t := &Table_t{}
	for i := range t.vts {
		t.vts[i] = newVT()
	}
	return t
}

func (t *Table_t) VT(i int) (*VT_t, bool) {
	if i < 0 || i >= numVTs {
		return nil, false
	}
	return t.vts[i], true
}

func (t *Table_t) Active() *VT_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vts[t.active]
}

func (t *Table_t) SetActive(i int) bool {
	if i < 0 || i >= numVTs {
		return false
	}
	t.mu.Lock()
	t.active = i
	t.mu.Unlock()
	return true
}

// Keypress appends a byte from the (out-of-scope) keyboard driver into
// vt's input ring and wakes any waiting reader; wake is the caller's
// hook to actually make the waiting pids runnable (proc.Table_t.Wake),
// kept out of this package to avoid a console->proc dependency.
func (v *VT_t) Keypress(b byte, wake func(pid int)) {
	v.mu.Lock()
	v.input.Write([]byte{b})
	waiters := v.waiters
	v.waiters = nil
	v.mu.Unlock()
	for _, pid := range waiters {
		wake(pid)
	}
}

// ReadInput implements console_read (spec.md §4.9 pending-op table):
// if data is available, copy it out and report true; else register pid
// as a waiter and report false so the caller re-blocks.
func (v *VT_t) ReadInput(dst []byte, pid int) (n int, ready bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.input.Used() == 0 {
		v.waiters = append(v.waiters, pid)
		return 0, false
	}
	return v.input.Read(dst), true
}

// ErrUnknownCommand is returned by Control for an unrecognized fd 0
// control command.
type ErrUnknownCommand struct{ Cmd string }

func (e ErrUnknownCommand) Error() string { return fmt.Sprintf("console: unknown command %q", e.Cmd) }

// Control implements the fd 0 control-command protocol (spec.md §6):
// rawon, rawoff, echo on, echo off, size, vt N. size writes
// "<cols> <rows>\n" into the input ring so a subsequent read(fd 0, ...)
// retrieves it, exactly as the teacher's console writes synthesized
// replies back through the input path.
func (t *Table_t) Control(cmd string) error {
	v := t.Active()
	v.mu.Lock()
	defer v.mu.Unlock()

	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ErrUnknownCommand{Cmd: cmd}
	}

	switch fields[0] {
	case "rawon":
		v.raw = true
	case "rawoff":
		v.raw = false
	case "echo":
		if len(fields) != 2 {
			return ErrUnknownCommand{Cmd: cmd}
		}
		switch fields[1] {
		case "on":
			v.echo = true
		case "off":
			v.echo = false
		default:
			return ErrUnknownCommand{Cmd: cmd}
		}
	case "size":
		v.input.Write([]byte(fmt.Sprintf("%d %d\n", v.cols, v.rows)))
	case "vt":
		if len(fields) != 2 {
			return ErrUnknownCommand{Cmd: cmd}
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return ErrUnknownCommand{Cmd: cmd}
		}
		v.mu.Unlock()
		ok := t.SetActive(n)
		v.mu.Lock()
		if !ok {
			return ErrUnknownCommand{Cmd: cmd}
		}
	default:
		return ErrUnknownCommand{Cmd: cmd}
	}
	return nil
}

// IsRaw and IsEcho expose the active VT's mode flags for write(fd 0, ...)
// callers that need to decide default-sink framing (spec.md §4.9).
func (t *Table_t) IsRaw() bool {
	v := t.Active()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.raw
}

func (t *Table_t) IsEcho() bool {
	v := t.Active()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.echo
}

// Write feeds bytes written to fd 1/2 through the ANSI CSI subset
// parser, mutating the active VT's cursor and grid state.
func (t *Table_t) Write(data []byte) {
	v := t.Active()
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range data {
		v.ansiState.feed(v, b)
	}
}

// Grid returns a defensive copy of the active VT's character grid,
// for a renderer (out of scope here) to consult.
func (t *Table_t) Grid() [][]Cell {
	v := t.Active()
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][]Cell, len(v.grid))
	for i, row := range v.grid {
		out[i] = append([]Cell(nil), row...)
	}
	return out
}

// glyphWidth accounts for East Asian wide characters when advancing
// the cursor column, per golang.org/x/text/width.
func glyphWidth(r rune) int {
	p := width.LookupRune(r)
	switch p.Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return 2
	default:
		return 1
	}
}

// ansiParser is a tiny state machine recognizing ESC '[' params letter,
// the CSI subset spec.md §6 lists; any other byte sequence is treated
// as plain text advancing the cursor.
type ansiParser struct {
	inEscape bool
	inCSI    bool
	params   []int
	cur      int
	haveCur  bool
}

func (a *ansiParser) feed(v *VT_t, b byte) {
	switch {
	case a.inCSI:
		a.feedCSI(v, b)
	case a.inEscape:
		if b == '[' {
			a.inCSI = true
			a.params = a.params[:0]
			a.cur = 0
			a.haveCur = false
		} else {
			a.inEscape = false
		}
	case b == 0x1b:
		a.inEscape = true
	case b == '\n':
		v.newline()
	case b == '\r':
		v.curCol = 0
	default:
		v.put(rune(b))
	}
}

func (a *ansiParser) feedCSI(v *VT_t, b byte) {
	switch {
	case b >= '0' && b <= '9':
		a.cur = a.cur*10 + int(b-'0')
		a.haveCur = true
	case b == ';':
		a.params = append(a.params, a.cur)
		a.cur = 0
		a.haveCur = false
	default:
		if a.haveCur || len(a.params) == 0 {
			a.params = append(a.params, a.cur)
		}
		a.apply(v, b, a.params)
		a.inCSI = false
		a.params = nil
	}
}

func (a *ansiParser) apply(v *VT_t, final byte, params []int) {
	p := func(i, def int) int {
		if i >= len(params) || params[i] == 0 {
			return def
		}
		return params[i]
	}
	switch final {
	case 'H', 'f':
		v.curRow = clamp(p(0, 1)-1, 0, v.rows-1)
		v.curCol = clamp(p(1, 1)-1, 0, v.cols-1)
	case 'A':
		v.curRow = clamp(v.curRow-p(0, 1), 0, v.rows-1)
	case 'B':
		v.curRow = clamp(v.curRow+p(0, 1), 0, v.rows-1)
	case 'C':
		v.curCol = clamp(v.curCol+p(0, 1), 0, v.cols-1)
	case 'D':
		v.curCol = clamp(v.curCol-p(0, 1), 0, v.cols-1)
	case 'J':
		v.eraseScreen(p(0, 0))
	case 'K':
		v.eraseLine(p(0, 0))
	case 'm':
		v.sgr(params)
	}
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func (v *VT_t) put(r rune) {
	if v.curCol >= v.cols {
		v.newline()
	}
	v.grid[v.curRow][v.curCol] = Cell{Ch: r, Attrs: v.attrs}
	v.curCol += glyphWidth(r)
}

func (v *VT_t) newline() {
	v.curCol = 0
	if v.curRow == v.rows-1 {
		copy(v.grid, v.grid[1:])
		v.grid[v.rows-1] = make([]Cell, v.cols)
		for c := range v.grid[v.rows-1] {
			v.grid[v.rows-1][c] = Cell{Ch: ' ', Attrs: defaultAttrs()}
		}
		return
	}
	v.curRow++
}

func (v *VT_t) eraseScreen(mode int) {
	switch mode {
	case 0:
		v.eraseLine(0)
		for r := v.curRow + 1; r < v.rows; r++ {
			clearRow(v.grid[r])
		}
	case 1:
		for r := 0; r < v.curRow; r++ {
			clearRow(v.grid[r])
		}
		v.eraseLine(1)
	case 2:
		v.resetGrid()
	}
}

func (v *VT_t) eraseLine(mode int) {
	row := v.grid[v.curRow]
	switch mode {
	case 0:
		for c := v.curCol; c < len(row); c++ {
			row[c] = Cell{Ch: ' ', Attrs: defaultAttrs()}
		}
	case 1:
		for c := 0; c <= v.curCol && c < len(row); c++ {
			row[c] = Cell{Ch: ' ', Attrs: defaultAttrs()}
		}
	case 2:
		clearRow(row)
	}
}

func clearRow(row []Cell) {
	for c := range row {
		row[c] = Cell{Ch: ' ', Attrs: defaultAttrs()}
	}
}

// sgr applies the SGR subset spec.md §6 names: 0, 1, 7, 27, 30-37, 39,
// 40-47, 49.
func (v *VT_t) sgr(params []int) {
	for _, code := range params {
		switch {
		case code == 0:
			v.attrs = defaultAttrs()
		case code == 1:
			v.attrs.Bold = true
		case code == 7:
			v.attrs.Reverse = true
		case code == 27:
			v.attrs.Reverse = false
		case code >= 30 && code <= 37:
			v.attrs.Fg = code - 30
		case code == 39:
			v.attrs.Fg = -1
		case code >= 40 && code <= 47:
			v.attrs.Bg = code - 40
		case code == 49:
			v.attrs.Bg = -1
		}
	}
}

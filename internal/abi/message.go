package abi

// Message is the tagged IPC payload exchanged between a client and a
// server endpoint (spec.md §3 Message). Messages live on the sender's
// process struct; the receiver copies out before the sender resumes —
// this struct is that copy-on-delivery unit.
type Message struct {
	Tag     Tag_t
	Data    [MaxMsgData]byte
	Len     int
	PassFd  int // passed channel id for delegation, -1 if none
	HasPass bool
}

// NewMessage builds a Message from data, truncating to MaxMsgData (the
// caller is expected to have validated length already; truncation here
// is the last line of defense against a malformed payload).
func NewMessage(tag Tag_t, data []byte) Message {
	var m Message
	m.Tag = tag
	n := copy(m.Data[:], data)
	m.Len = n
	m.PassFd = -1
	return m
}

// Bytes returns the valid portion of the message payload.
func (m *Message) Bytes() []byte {
	return m.Data[:m.Len]
}

// FdKind_t is the closed tagged variant replacing per-kind branching
// across the fd table (spec.md §9 "Dynamic dispatch across fd kinds").
type FdKind_t int

const (
	FdIpc FdKind_t = iota
	FdNet
	FdPipe
	FdBlk
	FdProc
	FdDevNull
	FdDevZero
	FdDevRandom
	FdDevConsole
	FdDevProf
)

// Package message implements the framed request/reply protocol spoken
// between clients and servers.
//
// A frame is a 20-byte little-endian header followed by the body:
//
//	[magic:4][op:4][flags:4][length:4][count:4]
//
// length counts the body bytes after the header. count is the number of
// sub-operations in the body. Bulk payloads attached with AddSend are
// written after the body and are not part of length; the receiver consumes
// them directly from the stream.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/DeltaLaboratory/julea/internal/semantics"
)

// Op identifies the operation a frame carries. The numeric values are part
// of the wire protocol and must not be reordered.
type Op uint32

const (
	OpNone Op = iota
	OpObjectCreate
	OpObjectDelete
	OpObjectOpen
	OpObjectClose
	OpObjectStatus
	OpObjectSync
	OpObjectRead
	OpObjectWrite
	OpKVPut
	OpKVDelete
	OpKVGet
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpObjectCreate:
		return "object-create"
	case OpObjectDelete:
		return "object-delete"
	case OpObjectOpen:
		return "object-open"
	case OpObjectClose:
		return "object-close"
	case OpObjectStatus:
		return "object-status"
	case OpObjectSync:
		return "object-sync"
	case OpObjectRead:
		return "object-read"
	case OpObjectWrite:
		return "object-write"
	case OpKVPut:
		return "kv-put"
	case OpKVDelete:
		return "kv-delete"
	case OpKVGet:
		return "kv-get"
	}
	return fmt.Sprintf("op(%d)", uint32(o))
}

// Safety flag bits. The network bit requests a reply after server receipt;
// the storage bit additionally requests durable persistence before the
// reply. The storage bit never appears without the network bit, so "reply
// wanted" is always the network bit.
const (
	FlagSafetyNetwork uint32 = 0x1
	FlagSafetyStorage uint32 = 0x2
)

const (
	// Magic is the fixed first word of every frame ("JLE1").
	Magic uint32 = 0x4A4C4531

	headerSize = 20

	// maxBodySize bounds the body length accepted by Receive. It protects
	// the receiver against corrupted or hostile headers.
	maxBodySize = 256 << 20
)

var (
	ErrBadMagic  = errors.New("message: bad magic")
	ErrTooLarge  = errors.New("message: body exceeds maximum size")
	ErrExhausted = errors.New("message: read past end of body")
)

// Message is a single frame, used for both requests and replies. The append
// accessors build the body; the get accessors consume it behind a cursor.
// Get accessors keep a sticky error instead of returning one per call;
// decoders check Err once after consuming a sub-operation.
type Message struct {
	op    Op
	flags uint32
	count uint32

	body []byte
	pos  int

	sends [][]byte

	err error
}

// New allocates a frame. sizeHint is the expected body size and only
// pre-sizes the buffer.
func New(op Op, sizeHint int) *Message {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Message{
		op:   op,
		body: make([]byte, 0, sizeHint),
	}
}

// NewReply allocates an empty frame tied to the request's op. It is used
// both to receive a reply on the client and to build one on the server.
func NewReply(request *Message) *Message {
	return &Message{op: request.op}
}

func (m *Message) Op() Op        { return m.op }
func (m *Message) Flags() uint32 { return m.flags }
func (m *Message) Count() uint32 { return m.count }

// Err reports the sticky cursor error, if any get accessor ran past the
// body.
func (m *Message) Err() error { return m.err }

// SetSafety translates the semantics' safety level into flag bits.
func (m *Message) SetSafety(s *semantics.Semantics) {
	switch s.Safety() {
	case semantics.SafetyNetwork:
		m.flags |= FlagSafetyNetwork
	case semantics.SafetyStorage:
		m.flags |= FlagSafetyNetwork | FlagSafetyStorage
	}
}

// ForceSafety raises the safety flags to at least the given level,
// regardless of the semantics already applied.
func (m *Message) ForceSafety(safety semantics.Safety) {
	switch safety {
	case semantics.SafetyNetwork:
		m.flags |= FlagSafetyNetwork
	case semantics.SafetyStorage:
		m.flags |= FlagSafetyNetwork | FlagSafetyStorage
	}
}

// AddOperation closes the previous sub-operation and opens a new one with
// the declared payload size. The size only pre-grows the buffer; the actual
// sub-operation layout is defined per op.
func (m *Message) AddOperation(size int) {
	m.count++
	if size > 0 && cap(m.body)-len(m.body) < size {
		grown := make([]byte, len(m.body), len(m.body)+size)
		copy(grown, m.body)
		m.body = grown
	}
}

// AppendN appends raw bytes to the current sub-operation payload.
func (m *Message) AppendN(b []byte) {
	m.body = append(m.body, b...)
}

// AppendString appends a NUL-terminated string.
func (m *Message) AppendString(s string) {
	m.body = append(m.body, s...)
	m.body = append(m.body, 0)
}

// Append4 appends a little-endian uint32.
func (m *Message) Append4(v uint32) {
	m.body = binary.LittleEndian.AppendUint32(m.body, v)
}

// Append8 appends a little-endian uint64.
func (m *Message) Append8(v uint64) {
	m.body = binary.LittleEndian.AppendUint64(m.body, v)
}

// AddSend attaches an out-of-band bulk region transmitted after the body.
// The slice is not copied; it must stay valid until Send returns.
func (m *Message) AddSend(b []byte) {
	m.sends = append(m.sends, b)
}

// Get4 consumes a little-endian uint32 from the body.
func (m *Message) Get4() uint32 {
	if m.pos+4 > len(m.body) {
		m.err = ErrExhausted
		return 0
	}
	v := binary.LittleEndian.Uint32(m.body[m.pos:])
	m.pos += 4
	return v
}

// Get8 consumes a little-endian uint64 from the body.
func (m *Message) Get8() uint64 {
	if m.pos+8 > len(m.body) {
		m.err = ErrExhausted
		return 0
	}
	v := binary.LittleEndian.Uint64(m.body[m.pos:])
	m.pos += 8
	return v
}

// GetN consumes n raw bytes. The returned slice aliases the message buffer
// and is valid for the message's lifetime.
func (m *Message) GetN(n int) []byte {
	if n < 0 || m.pos+n > len(m.body) {
		m.err = ErrExhausted
		return nil
	}
	b := m.body[m.pos : m.pos+n]
	m.pos += n
	return b
}

// GetString consumes a NUL-terminated string.
func (m *Message) GetString() string {
	for i := m.pos; i < len(m.body); i++ {
		if m.body[i] == 0 {
			s := string(m.body[m.pos:i])
			m.pos = i + 1
			return s
		}
	}
	m.err = ErrExhausted
	return ""
}

// Send writes the header, the body and all attached bulk regions to w.
// The caller must hold the stream exclusively until Send returns.
func (m *Message) Send(w io.Writer) error {
	var header [headerSize]byte

	binary.LittleEndian.PutUint32(header[0:], Magic)
	binary.LittleEndian.PutUint32(header[4:], uint32(m.op))
	binary.LittleEndian.PutUint32(header[8:], m.flags)
	binary.LittleEndian.PutUint32(header[12:], uint32(len(m.body)))
	binary.LittleEndian.PutUint32(header[16:], m.count)

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("message: send header: %w", err)
	}
	if len(m.body) > 0 {
		if _, err := w.Write(m.body); err != nil {
			return fmt.Errorf("message: send body: %w", err)
		}
	}
	for _, b := range m.sends {
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("message: send bulk: %w", err)
		}
	}

	return nil
}

// Receive reads one frame from r, replacing the message's contents. It
// validates the magic word and the body bound and resets the get cursor.
// The same message can receive repeatedly, which the streamed read reply
// loop relies on.
func (m *Message) Receive(r io.Reader) error {
	var header [headerSize]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("message: receive header: %w", err)
	}

	if magic := binary.LittleEndian.Uint32(header[0:]); magic != Magic {
		return ErrBadMagic
	}

	length := binary.LittleEndian.Uint32(header[12:])
	if length > maxBodySize {
		return ErrTooLarge
	}

	m.op = Op(binary.LittleEndian.Uint32(header[4:]))
	m.flags = binary.LittleEndian.Uint32(header[8:])
	m.count = binary.LittleEndian.Uint32(header[16:])
	m.pos = 0
	m.err = nil
	m.sends = nil

	if cap(m.body) < int(length) {
		m.body = make([]byte, length)
	} else {
		m.body = m.body[:length]
	}

	if length > 0 {
		if _, err := io.ReadFull(r, m.body); err != nil {
			return fmt.Errorf("message: receive body: %w", err)
		}
	}

	return nil
}

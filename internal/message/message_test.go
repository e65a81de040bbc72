package message

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeltaLaboratory/julea/internal/semantics"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	m := New(OpKVPut, 64)

	s := semantics.New(semantics.TemplateDefault)
	m.SetSafety(s)

	m.AppendString("namespace")
	m.AddOperation(16)
	m.AppendString("key-a")
	m.Append4(3)
	m.AppendN([]byte{0x01, 0x02, 0x03})
	m.AddOperation(16)
	m.AppendString("key-b")
	m.Append4(2)
	m.AppendN([]byte{0xfe, 0xff})

	var buf bytes.Buffer
	require.NoError(t, m.Send(&buf))

	r := New(OpNone, 0)
	require.NoError(t, r.Receive(&buf))

	assert.Equal(t, OpKVPut, r.Op())
	assert.Equal(t, uint32(2), r.Count())
	assert.Equal(t, FlagSafetyNetwork, r.Flags())

	assert.Equal(t, "namespace", r.GetString())
	assert.Equal(t, "key-a", r.GetString())
	assert.Equal(t, uint32(3), r.Get4())
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, r.GetN(3))
	assert.Equal(t, "key-b", r.GetString())
	assert.Equal(t, uint32(2), r.Get4())
	assert.Equal(t, []byte{0xfe, 0xff}, r.GetN(2))
	assert.NoError(t, r.Err())
}

func TestSendAppendsBulkAfterBody(t *testing.T) {
	m := New(OpObjectWrite, 32)
	m.AppendString("ns")
	m.AppendString("obj")
	m.AddOperation(16)
	m.Append8(4)
	m.Append8(0)
	m.AddSend([]byte("data"))

	var buf bytes.Buffer
	require.NoError(t, m.Send(&buf))

	raw := buf.Bytes()
	bodyLen := binary.LittleEndian.Uint32(raw[12:])

	// Bulk payload follows the framed body and is not counted in length.
	assert.Equal(t, []byte("data"), raw[20+bodyLen:])

	r := New(OpNone, 0)
	require.NoError(t, r.Receive(&buf))
	assert.Equal(t, "ns", r.GetString())
	assert.Equal(t, "obj", r.GetString())
	assert.Equal(t, uint64(4), r.Get8())
	assert.Equal(t, uint64(0), r.Get8())

	// The bulk bytes are still on the stream for the receiver to consume.
	assert.Equal(t, []byte("data"), buf.Bytes())
}

func TestReceiveBadMagic(t *testing.T) {
	var raw [20]byte
	binary.LittleEndian.PutUint32(raw[0:], 0xdeadbeef)

	r := New(OpNone, 0)
	assert.ErrorIs(t, r.Receive(bytes.NewReader(raw[:])), ErrBadMagic)
}

func TestReceiveShortRead(t *testing.T) {
	m := New(OpKVGet, 8)
	m.AppendString("ns")
	m.AddOperation(4)
	m.AppendString("key")

	var buf bytes.Buffer
	require.NoError(t, m.Send(&buf))

	truncated := buf.Bytes()[:buf.Len()-2]

	r := New(OpNone, 0)
	assert.Error(t, r.Receive(bytes.NewReader(truncated)))
}

func TestReceiveOversizedBody(t *testing.T) {
	var raw [20]byte
	binary.LittleEndian.PutUint32(raw[0:], Magic)
	binary.LittleEndian.PutUint32(raw[12:], maxBodySize+1)

	r := New(OpNone, 0)
	assert.ErrorIs(t, r.Receive(bytes.NewReader(raw[:])), ErrTooLarge)
}

func TestCursorExhaustion(t *testing.T) {
	m := New(OpKVGet, 4)
	m.Append4(7)

	var buf bytes.Buffer
	require.NoError(t, m.Send(&buf))

	r := New(OpNone, 0)
	require.NoError(t, r.Receive(&buf))

	assert.Equal(t, uint32(7), r.Get4())
	assert.NoError(t, r.Err())
	assert.Equal(t, uint64(0), r.Get8())
	assert.ErrorIs(t, r.Err(), ErrExhausted)
}

func TestSafetyFlags(t *testing.T) {
	tests := []struct {
		name   string
		safety semantics.Safety
		flags  uint32
	}{
		{"none", semantics.SafetyNone, 0},
		{"network", semantics.SafetyNetwork, FlagSafetyNetwork},
		{"storage", semantics.SafetyStorage, FlagSafetyNetwork | FlagSafetyStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := semantics.New(semantics.TemplateDefault)
			s.SetSafety(tt.safety)

			m := New(OpObjectWrite, 0)
			m.SetSafety(s)
			assert.Equal(t, tt.flags, m.Flags())
		})
	}
}

func TestForceSafety(t *testing.T) {
	s := semantics.New(semantics.TemplateDefault)
	s.SetSafety(semantics.SafetyNone)

	m := New(OpObjectCreate, 0)
	m.SetSafety(s)
	assert.Equal(t, uint32(0), m.Flags())

	m.ForceSafety(semantics.SafetyNetwork)
	assert.Equal(t, FlagSafetyNetwork, m.Flags())
}

func TestReceiveReusesMessage(t *testing.T) {
	var buf bytes.Buffer

	for i := 0; i < 3; i++ {
		m := New(OpObjectRead, 8)
		m.AddOperation(8)
		m.Append8(uint64(i))
		require.NoError(t, m.Send(&buf))
	}

	r := New(OpNone, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Receive(&buf))
		assert.Equal(t, uint32(1), r.Count())
		assert.Equal(t, uint64(i), r.Get8())
		assert.NoError(t, r.Err())
	}
}

package posix

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeltaLaboratory/julea/internal/backend"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()

	b, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return b
}

func TestCreateWriteRead(t *testing.T) {
	b := newBackend(t)

	h, err := b.Create("ns", "obj")
	require.NoError(t, err)
	defer h.Close()

	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}

	n, err := h.Write(data, 256)
	require.NoError(t, err)
	assert.Equal(t, 256, n)

	_, size, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, uint64(512), size)

	buf := make([]byte, 256)
	n, err = h.Read(buf, 256)
	require.NoError(t, err)
	assert.Equal(t, 256, n)
	assert.Equal(t, data, buf)

	require.NoError(t, h.Sync())
}

func TestCreateExisting(t *testing.T) {
	b := newBackend(t)

	h, err := b.Create("ns", "obj")
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = b.Create("ns", "obj")
	assert.ErrorIs(t, err, backend.ErrExists)
}

func TestOpenMissing(t *testing.T) {
	b := newBackend(t)

	_, err := b.Open("ns", "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestDelete(t *testing.T) {
	b := newBackend(t)

	h, err := b.Create("ns", "obj")
	require.NoError(t, err)
	require.NoError(t, h.Delete())

	_, err = b.Open("ns", "obj")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestReadPastEnd(t *testing.T) {
	b := newBackend(t)

	h, err := b.Create("ns", "obj")
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Write([]byte("abc"), 0)
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := h.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = h.Read(buf, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

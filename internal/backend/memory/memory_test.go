package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeltaLaboratory/julea/internal/backend"
	"github.com/DeltaLaboratory/julea/internal/semantics"
)

func TestObjectLifecycle(t *testing.T) {
	b := NewObject()

	h, err := b.Create("ns", "obj")
	require.NoError(t, err)

	n, err := h.Write([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// Writing into a hole extends the object.
	n, err = h.Write([]byte("x"), 9)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	modTime, size, err := h.Status()
	require.NoError(t, err)
	assert.NotZero(t, modTime)
	assert.Equal(t, uint64(10), size)

	buf := make([]byte, 10)
	n, err = h.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []byte("hello\x00\x00\x00\x00x"), buf)

	// Reading past the end is a short read, not an error.
	n, err = h.Read(buf, 20)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, h.Close())
}

func TestObjectCreateExisting(t *testing.T) {
	b := NewObject()

	_, err := b.Create("ns", "obj")
	require.NoError(t, err)

	_, err = b.Create("ns", "obj")
	assert.ErrorIs(t, err, backend.ErrExists)
}

func TestObjectOpenMissing(t *testing.T) {
	b := NewObject()

	_, err := b.Open("ns", "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestObjectDelete(t *testing.T) {
	b := NewObject()

	h, err := b.Create("ns", "obj")
	require.NoError(t, err)
	require.NoError(t, h.Delete())

	_, err = b.Open("ns", "obj")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	// Deleting again reports the object as gone.
	assert.ErrorIs(t, h.Delete(), backend.ErrNotFound)
}

func TestKVBatch(t *testing.T) {
	b := NewKV()

	batch, err := b.BatchStart("ns", semantics.SafetyNetwork)
	require.NoError(t, err)
	require.NoError(t, batch.Put("a", []byte{1}))
	require.NoError(t, batch.Put("b", []byte{2}))
	require.NoError(t, batch.Delete("a"))

	// Nothing is visible before execute.
	_, err = b.Get("ns", "b")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, b.BatchExecute(batch))

	_, err = b.Get("ns", "a")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	value, err := b.Get("ns", "b")
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, value)
}

func TestKVNamespaceIsolation(t *testing.T) {
	b := NewKV()

	batch, _ := b.BatchStart("one", semantics.SafetyNone)
	require.NoError(t, batch.Put("k", []byte("v")))
	require.NoError(t, b.BatchExecute(batch))

	_, err := b.Get("two", "k")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestKVPrefixIteration(t *testing.T) {
	b := NewKV()

	batch, _ := b.BatchStart("ns", semantics.SafetyNone)
	for _, key := range []string{"user.1", "user.2", "group.1"} {
		require.NoError(t, batch.Put(key, []byte(key)))
	}
	require.NoError(t, b.BatchExecute(batch))

	it, err := b.GetByPrefix("ns", "user.")
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for {
		key, value, ok := it.Next()
		if !ok {
			break
		}
		assert.Equal(t, []byte(key), value)
		keys = append(keys, key)
	}

	assert.Equal(t, []string{"user.1", "user.2"}, keys)
}

func TestKVGetAll(t *testing.T) {
	b := NewKV()

	batch, _ := b.BatchStart("ns", semantics.SafetyNone)
	require.NoError(t, batch.Put("b", []byte{2}))
	require.NoError(t, batch.Put("a", []byte{1}))
	require.NoError(t, b.BatchExecute(batch))

	it, err := b.GetAll("ns")
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for {
		key, _, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, key)
	}

	assert.Equal(t, []string{"a", "b"}, keys)
}

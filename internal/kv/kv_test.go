package kv

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeltaLaboratory/julea/internal/backend"
	"github.com/DeltaLaboratory/julea/internal/backend/memory"
	"github.com/DeltaLaboratory/julea/internal/batch"
	"github.com/DeltaLaboratory/julea/internal/config"
	"github.com/DeltaLaboratory/julea/internal/helper"
	"github.com/DeltaLaboratory/julea/internal/semantics"
)

func testConfig(kvServers int) *config.Configuration {
	cfg := &config.Configuration{
		ObjectServers: []string{"object0:4711"},
		Object:        config.Backend{Backend: "memory", Component: "client", Path: "/"},
		KV:            config.Backend{Backend: "memory", Component: "client", Path: "/"},
	}
	for i := 0; i < kvServers; i++ {
		cfg.KVServers = append(cfg.KVServers, "kv:4711")
	}
	return cfg
}

func newLocalClient(t *testing.T, servers int) *Client {
	t.Helper()
	return NewClient(testConfig(servers), memory.NewKV(), nil, zerolog.Nop())
}

func TestHandleIndexDerivedFromKey(t *testing.T) {
	c := newLocalClient(t, 5)

	for _, key := range []string{"k", "key-1", "some longer key"} {
		kv := c.New("ns", key)
		assert.Equal(t, helper.ServerIndex(key, 5), kv.Index())
	}
}

func TestPutGet(t *testing.T) {
	c := newLocalClient(t, 1)

	kv := c.New("ns", "k")

	b := batch.New(nil, nil, nil)
	require.NoError(t, kv.Put([]byte{0x01, 0x02, 0x03}, b))
	require.True(t, b.Execute())

	var out []byte
	require.NoError(t, kv.Get(&out, b))
	require.True(t, b.Execute())
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, out)
}

func TestGetAbsentFails(t *testing.T) {
	c := newLocalClient(t, 1)

	var out []byte
	b := batch.New(nil, nil, nil)
	require.NoError(t, c.New("ns", "missing").Get(&out, b))
	assert.False(t, b.Execute())
}

func TestDelete(t *testing.T) {
	c := newLocalClient(t, 1)
	kv := c.New("ns", "k")

	b := batch.New(nil, nil, nil)
	require.NoError(t, kv.Put([]byte("v"), b))
	require.True(t, b.Execute())

	kv.Delete(b)
	require.True(t, b.Execute())

	var out []byte
	require.NoError(t, kv.Get(&out, b))
	assert.False(t, b.Execute())
}

func TestGetCallback(t *testing.T) {
	c := newLocalClient(t, 1)
	kv := c.New("ns", "k")

	b := batch.New(nil, nil, nil)
	require.NoError(t, kv.Put([]byte("callback"), b))
	require.True(t, b.Execute())

	var got []byte
	require.NoError(t, kv.GetCallback(func(value []byte) {
		got = append(got, value...)
	}, b))
	require.True(t, b.Execute())
	assert.Equal(t, []byte("callback"), got)
}

func TestInvalidArguments(t *testing.T) {
	c := newLocalClient(t, 1)
	kv := c.New("ns", "k")
	b := batch.New(nil, nil, nil)

	assert.ErrorIs(t, kv.Put(nil, b), ErrInvalidArgument)
	assert.ErrorIs(t, kv.Get(nil, b), ErrInvalidArgument)
	assert.ErrorIs(t, kv.GetCallback(nil, b), ErrInvalidArgument)
	assert.True(t, b.Execute())
}

func TestNewAt(t *testing.T) {
	c := newLocalClient(t, 2)

	kv, err := c.NewAt(1, "ns", "k")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), kv.Index())

	_, err = c.NewAt(2, "ns", "k")
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestIterate(t *testing.T) {
	c := newLocalClient(t, 1)

	b := batch.New(nil, nil, nil)
	for _, key := range []string{"user.1", "user.2", "group.1"} {
		require.NoError(t, c.New("ns", key).Put([]byte(key), b))
	}
	require.True(t, b.Execute())

	var keys []string
	require.NoError(t, c.Iterate("ns", "user.", func(key string, value []byte) bool {
		assert.Equal(t, []byte(key), value)
		keys = append(keys, key)
		return true
	}))
	assert.Equal(t, []string{"user.1", "user.2"}, keys)
}

// countingKV records batch starts so tests can assert that a merged run
// produces exactly one backend batch.
type countingKV struct {
	backend.KV

	mu     sync.Mutex
	starts int
}

func (ckv *countingKV) BatchStart(namespace string, safety semantics.Safety) (backend.KVBatch, error) {
	ckv.mu.Lock()
	ckv.starts++
	ckv.mu.Unlock()
	return ckv.KV.BatchStart(namespace, safety)
}

func TestMergedPutsUseOneBackendBatch(t *testing.T) {
	be := &countingKV{KV: memory.NewKV()}
	c := NewClient(testConfig(1), be, nil, zerolog.Nop())

	b := batch.New(nil, nil, nil)
	require.NoError(t, c.New("ns", "a").Put([]byte("A"), b))
	require.NoError(t, c.New("ns", "b").Put([]byte("B"), b))
	require.NoError(t, c.New("ns", "c").Put([]byte("C"), b))
	require.True(t, b.Execute())

	assert.Equal(t, 1, be.starts)

	for _, key := range []string{"a", "b", "c"} {
		var out []byte
		require.NoError(t, c.New("ns", key).Get(&out, b))
		require.True(t, b.Execute())
	}
}

func TestDeleteSplitsPutRuns(t *testing.T) {
	be := &countingKV{KV: memory.NewKV()}
	c := NewClient(testConfig(1), be, nil, zerolog.Nop())

	b := batch.New(nil, nil, nil)
	require.NoError(t, c.New("ns", "k1").Put([]byte("1"), b))
	require.NoError(t, c.New("ns", "k2").Put([]byte("2"), b))
	c.New("ns", "k3").Delete(b)
	require.NoError(t, c.New("ns", "k4").Put([]byte("4"), b))
	require.True(t, b.Execute())

	// Three runs: {put k1, put k2}, {delete k3}, {put k4}.
	assert.Equal(t, 3, be.starts)
}

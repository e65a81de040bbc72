package server

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeltaLaboratory/julea/internal/backend/memory"
	"github.com/DeltaLaboratory/julea/internal/batch"
	"github.com/DeltaLaboratory/julea/internal/config"
	"github.com/DeltaLaboratory/julea/internal/kv"
	"github.com/DeltaLaboratory/julea/internal/object"
	"github.com/DeltaLaboratory/julea/internal/pool"
	"github.com/DeltaLaboratory/julea/internal/semantics"
)

// testCluster is one in-process server with remote clients wired through
// a real TCP connection pool.
type testCluster struct {
	object *object.Client
	kv     *kv.Client
	pool   *pool.Pool
}

func startCluster(t *testing.T) *testCluster {
	t.Helper()

	srv := New(memory.NewObject(), memory.NewKV(), zerolog.Nop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = srv.Serve(listener)
	}()
	t.Cleanup(srv.Shutdown)

	addr := listener.Addr().String()
	cfg := &config.Configuration{
		MaxConnections: 2,
		ObjectServers:  []string{addr},
		KVServers:      []string{addr},
		Object:         config.Backend{Backend: "memory", Component: "server", Path: "/"},
		KV:             config.Backend{Backend: "memory", Component: "server", Path: "/"},
	}

	p := pool.New(cfg, zerolog.Nop())
	t.Cleanup(p.Close)

	return &testCluster{
		object: object.NewClient(cfg, nil, p, zerolog.Nop()),
		kv:     kv.NewClient(cfg, nil, p, zerolog.Nop()),
		pool:   p,
	}
}

func TestKVPutGetRoundTrip(t *testing.T) {
	c := startCluster(t)

	handle := c.kv.New("ns", "k")

	b := batch.New(nil, nil, nil)
	require.NoError(t, handle.Put([]byte{0x01, 0x02, 0x03}, b))
	require.True(t, b.Execute())

	var out []byte
	require.NoError(t, handle.Get(&out, b))
	require.True(t, b.Execute())
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, out)
}

func TestKVBatchOfThreePuts(t *testing.T) {
	c := startCluster(t)

	values := map[string][]byte{
		"a": []byte("A"),
		"b": []byte("B"),
		"c": []byte("C"),
	}

	b := batch.New(nil, nil, nil)
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, c.kv.New("ns", key).Put(values[key], b))
	}
	require.True(t, b.Execute())

	for key, expected := range values {
		var out []byte
		require.NoError(t, c.kv.New("ns", key).Get(&out, b))
		require.True(t, b.Execute())
		assert.Equal(t, expected, out)
	}
}

func TestKVGetAbsent(t *testing.T) {
	c := startCluster(t)

	var out []byte
	b := batch.New(nil, nil, nil)
	require.NoError(t, c.kv.New("ns", "missing").Get(&out, b))
	assert.False(t, b.Execute())
}

func TestKVDelete(t *testing.T) {
	c := startCluster(t)
	handle := c.kv.New("ns", "k")

	b := batch.New(nil, nil, nil)
	require.NoError(t, handle.Put([]byte("v"), b))
	require.True(t, b.Execute())

	handle.Delete(b)
	require.True(t, b.Execute())

	var out []byte
	require.NoError(t, handle.Get(&out, b))
	assert.False(t, b.Execute())
}

func TestObjectWriteReadAtOffset(t *testing.T) {
	c := startCluster(t)

	o := c.object.New("ns", "o")

	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}

	b := batch.New(nil, nil, nil)
	o.Create(b)

	var bytesWritten uint64
	require.NoError(t, o.Write(data, 256, &bytesWritten, b))
	require.True(t, b.Execute())
	assert.Equal(t, uint64(256), bytesWritten)

	buf := make([]byte, 256)
	var bytesRead uint64
	require.NoError(t, o.Read(buf, 256, &bytesRead, b))
	require.True(t, b.Execute())

	assert.Equal(t, uint64(256), bytesRead)
	assert.Equal(t, data, buf)
}

func TestObjectStatus(t *testing.T) {
	c := startCluster(t)

	o := c.object.New("ns", "o")

	b := batch.New(nil, nil, nil)
	o.Create(b)

	var bytesWritten uint64
	require.NoError(t, o.Write([]byte("hello"), 0, &bytesWritten, b))
	require.True(t, b.Execute())

	var modTime int64
	var size uint64
	require.NoError(t, o.Status(&modTime, &size, b))
	require.True(t, b.Execute())

	assert.NotZero(t, modTime)
	assert.Equal(t, uint64(5), size)
}

func TestObjectStatusMissing(t *testing.T) {
	c := startCluster(t)

	var modTime int64
	var size uint64

	b := batch.New(nil, nil, nil)
	require.NoError(t, c.object.New("ns", "missing").Status(&modTime, &size, b))
	assert.False(t, b.Execute())
}

func TestObjectCreateExisting(t *testing.T) {
	c := startCluster(t)
	o := c.object.New("ns", "o")

	b := batch.New(nil, nil, nil)
	o.Create(b)
	require.True(t, b.Execute())

	var w uint64
	require.NoError(t, o.Write([]byte("keep"), 0, &w, b))
	require.True(t, b.Execute())

	// Creating again fails but leaves the object intact.
	o.Create(b)
	assert.False(t, b.Execute())

	buf := make([]byte, 4)
	var r uint64
	require.NoError(t, o.Read(buf, 0, &r, b))
	require.True(t, b.Execute())
	assert.Equal(t, []byte("keep"), buf)
}

func TestObjectDeleteAbsent(t *testing.T) {
	c := startCluster(t)

	b := batch.New(nil, nil, nil)
	c.object.New("ns", "missing").Delete(b)
	assert.False(t, b.Execute())
}

func TestObjectMultiFrameRead(t *testing.T) {
	c := startCluster(t)

	o := c.object.New("ns", "large")

	const chunk = 2 << 20
	data := make([]byte, 3*chunk)
	for i := range data {
		data[i] = byte(i * 31)
	}

	b := batch.New(nil, nil, nil)
	o.Create(b)

	var bytesWritten uint64
	require.NoError(t, o.Write(data, 0, &bytesWritten, b))
	require.True(t, b.Execute())
	assert.Equal(t, uint64(len(data)), bytesWritten)

	// Three 2 MiB sub-operations exceed the 4 MiB bulk flush threshold,
	// so the server answers with more than one reply frame.
	bufs := make([][]byte, 3)
	counts := make([]uint64, 3)

	for i := range bufs {
		bufs[i] = make([]byte, chunk)
		require.NoError(t, o.Read(bufs[i], uint64(i*chunk), &counts[i], b))
	}
	require.True(t, b.Execute())

	for i := range bufs {
		assert.Equal(t, uint64(chunk), counts[i])
		assert.Equal(t, data[i*chunk:(i+1)*chunk], bufs[i])
	}
}

func TestWriteSafetyNoneIsCreditedOptimistically(t *testing.T) {
	c := startCluster(t)

	o := c.object.New("ns", "o")

	b := batch.New(nil, nil, nil)
	o.Create(b)
	require.True(t, b.Execute())

	unsafeSem := semantics.New(semantics.TemplateDefault)
	unsafeSem.SetSafety(semantics.SafetyNone)

	ub := batch.New(unsafeSem, nil, nil)

	var bytesWritten uint64
	require.NoError(t, o.Write([]byte("fire-and-forget"), 0, &bytesWritten, ub))
	require.True(t, ub.Execute())
	assert.Equal(t, uint64(len("fire-and-forget")), bytesWritten)

	// The write still lands; a safe read observes it.
	buf := make([]byte, len("fire-and-forget"))
	var bytesRead uint64
	require.NoError(t, o.Read(buf, 0, &bytesRead, b))
	require.True(t, b.Execute())
	assert.Equal(t, []byte("fire-and-forget"), buf)
}

func TestStorageSafetyRoundTrip(t *testing.T) {
	c := startCluster(t)

	sem := semantics.New(semantics.TemplateDefault)
	sem.SetSafety(semantics.SafetyStorage)

	o := c.object.New("ns", "durable")

	b := batch.New(sem, nil, nil)
	o.Create(b)

	var bytesWritten uint64
	require.NoError(t, o.Write([]byte("synced"), 0, &bytesWritten, b))
	require.True(t, b.Execute())
	assert.Equal(t, uint64(6), bytesWritten)
}

func TestConnectionsAreReused(t *testing.T) {
	c := startCluster(t)

	b := batch.New(nil, nil, nil)
	for i := 0; i < 16; i++ {
		require.NoError(t, c.kv.New("ns", "k").Put([]byte{byte(i)}, b))
		require.True(t, b.Execute())
	}

	var out []byte
	require.NoError(t, c.kv.New("ns", "k").Get(&out, b))
	require.True(t, b.Execute())
	assert.Equal(t, []byte{15}, out)
}

// Package memory implements both backend capability sets on process
// memory. It backs the temporary-local semantics template and the test
// suites.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/julea/internal/backend"
	"github.com/DeltaLaboratory/julea/internal/semantics"
)

func init() {
	backend.RegisterObject("memory", func(_ string, _ zerolog.Logger) (backend.Object, error) {
		return NewObject(), nil
	})
	backend.RegisterKV("memory", func(_ string, _ zerolog.Logger) (backend.KV, error) {
		return NewKV(), nil
	})
}

type object struct {
	data    []byte
	modTime int64
}

// ObjectBackend stores objects as byte slices keyed by namespace and name.
type ObjectBackend struct {
	mu      sync.RWMutex
	objects map[string]map[string]*object
}

// NewObject creates an empty in-memory object backend.
func NewObject() *ObjectBackend {
	return &ObjectBackend{objects: make(map[string]map[string]*object)}
}

func (b *ObjectBackend) Create(namespace, name string) (backend.ObjectHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ns := b.objects[namespace]
	if ns == nil {
		ns = make(map[string]*object)
		b.objects[namespace] = ns
	}

	if _, exists := ns[name]; exists {
		return nil, backend.ErrExists
	}

	ns[name] = &object{modTime: time.Now().UnixNano()}

	return &objectHandle{backend: b, namespace: namespace, name: name}, nil
}

func (b *ObjectBackend) Open(namespace, name string) (backend.ObjectHandle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.objects[namespace] == nil || b.objects[namespace][name] == nil {
		return nil, backend.ErrNotFound
	}

	return &objectHandle{backend: b, namespace: namespace, name: name}, nil
}

func (b *ObjectBackend) Close() error {
	return nil
}

type objectHandle struct {
	backend   *ObjectBackend
	namespace string
	name      string
}

func (h *objectHandle) lookup() (*object, error) {
	ns := h.backend.objects[h.namespace]
	if ns == nil {
		return nil, backend.ErrNotFound
	}

	o := ns[h.name]
	if o == nil {
		return nil, backend.ErrNotFound
	}

	return o, nil
}

func (h *objectHandle) Read(p []byte, offset uint64) (int, error) {
	h.backend.mu.RLock()
	defer h.backend.mu.RUnlock()

	o, err := h.lookup()
	if err != nil {
		return 0, err
	}

	if offset >= uint64(len(o.data)) {
		return 0, nil
	}

	return copy(p, o.data[offset:]), nil
}

func (h *objectHandle) Write(p []byte, offset uint64) (int, error) {
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()

	o, err := h.lookup()
	if err != nil {
		return 0, err
	}

	end := offset + uint64(len(p))
	if end > uint64(len(o.data)) {
		grown := make([]byte, end)
		copy(grown, o.data)
		o.data = grown
	}

	copy(o.data[offset:], p)
	o.modTime = time.Now().UnixNano()

	return len(p), nil
}

func (h *objectHandle) Status() (int64, uint64, error) {
	h.backend.mu.RLock()
	defer h.backend.mu.RUnlock()

	o, err := h.lookup()
	if err != nil {
		return 0, 0, err
	}

	return o.modTime, uint64(len(o.data)), nil
}

func (h *objectHandle) Sync() error {
	return nil
}

func (h *objectHandle) Delete() error {
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()

	if _, err := h.lookup(); err != nil {
		return err
	}

	delete(h.backend.objects[h.namespace], h.name)

	return nil
}

func (h *objectHandle) Close() error {
	return nil
}

// KVBackend stores documents in per-namespace maps.
type KVBackend struct {
	mu     sync.RWMutex
	spaces map[string]map[string][]byte
}

// NewKV creates an empty in-memory kv backend.
func NewKV() *KVBackend {
	return &KVBackend{spaces: make(map[string]map[string][]byte)}
}

type kvOp struct {
	del   bool
	key   string
	value []byte
}

type kvBatch struct {
	namespace string
	ops       []kvOp
}

func (b *kvBatch) Put(key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	b.ops = append(b.ops, kvOp{key: key, value: stored})
	return nil
}

func (b *kvBatch) Delete(key string) error {
	b.ops = append(b.ops, kvOp{del: true, key: key})
	return nil
}

func (b *KVBackend) BatchStart(namespace string, _ semantics.Safety) (backend.KVBatch, error) {
	return &kvBatch{namespace: namespace}, nil
}

func (b *KVBackend) BatchExecute(batch backend.KVBatch) error {
	kb := batch.(*kvBatch)

	b.mu.Lock()
	defer b.mu.Unlock()

	space := b.spaces[kb.namespace]
	if space == nil {
		space = make(map[string][]byte)
		b.spaces[kb.namespace] = space
	}

	for _, op := range kb.ops {
		if op.del {
			delete(space, op.key)
		} else {
			space[op.key] = op.value
		}
	}

	return nil
}

func (b *KVBackend) Get(namespace, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	space := b.spaces[namespace]
	if space == nil {
		return nil, backend.ErrNotFound
	}

	value, ok := space[key]
	if !ok {
		return nil, backend.ErrNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

func (b *KVBackend) GetAll(namespace string) (backend.KVIterator, error) {
	return b.GetByPrefix(namespace, "")
}

func (b *KVBackend) GetByPrefix(namespace, prefix string) (backend.KVIterator, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var pairs []kvOp
	for key, value := range b.spaces[namespace] {
		if strings.HasPrefix(key, prefix) {
			pairs = append(pairs, kvOp{key: key, value: value})
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	return &kvIterator{pairs: pairs}, nil
}

func (b *KVBackend) Close() error {
	return nil
}

type kvIterator struct {
	pairs []kvOp
	pos   int
}

func (it *kvIterator) Next() (string, []byte, bool) {
	if it.pos >= len(it.pairs) {
		return "", nil, false
	}

	pair := it.pairs[it.pos]
	it.pos++

	return pair.key, pair.value, true
}

func (it *kvIterator) Close() error {
	return nil
}

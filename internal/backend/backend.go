// Package backend defines the two capability sets a storage backend can
// implement: byte-addressable objects and key-value documents. A backend
// runs either linked into the client or behind a server; the contracts are
// identical.
//
// Implementations register themselves by name; the registry is the
// link-time equivalent of the module ABI's backend_info entry point.
package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/julea/internal/semantics"
)

var (
	// ErrNotFound is returned for operations on missing objects or keys.
	ErrNotFound = errors.New("backend: not found")

	// ErrExists is returned when creating an object that already exists.
	ErrExists = errors.New("backend: already exists")
)

// ObjectHandle is an open object. Implementations must be safe for
// concurrent use on disjoint namespaces.
type ObjectHandle interface {
	// Read fills p from the given offset and returns the number of bytes
	// read. Reading past the end returns a short count, not an error.
	Read(p []byte, offset uint64) (int, error)

	// Write stores p at the given offset, extending the object over any
	// hole, and returns the number of bytes written.
	Write(p []byte, offset uint64) (int, error)

	// Status returns the modification time (Unix nanoseconds) and size.
	Status() (modTime int64, size uint64, err error)

	// Sync makes prior writes durable.
	Sync() error

	// Delete removes the object. The handle is unusable afterwards.
	Delete() error

	// Close releases the handle without touching the object.
	Close() error
}

// Object is the object capability set.
type Object interface {
	// Create creates a new object and returns an open handle. Creating an
	// existing object fails with ErrExists.
	Create(namespace, name string) (ObjectHandle, error)

	// Open opens an existing object or fails with ErrNotFound.
	Open(namespace, name string) (ObjectHandle, error)

	// Close tears the backend down.
	Close() error
}

// KVBatch collects put/delete operations for one namespace until executed.
type KVBatch interface {
	Put(key string, value []byte) error
	Delete(key string) error
}

// KVIterator walks key-value pairs in key order.
type KVIterator interface {
	Next() (key string, value []byte, ok bool)
	Close() error
}

// KV is the key-value capability set. BatchExecute applies a batch
// atomically if the backend supports it, best-effort in order otherwise.
type KV interface {
	BatchStart(namespace string, safety semantics.Safety) (KVBatch, error)
	BatchExecute(batch KVBatch) error

	// Get returns the value for key or ErrNotFound. It is synchronous and
	// never part of a batch.
	Get(namespace, key string) ([]byte, error)

	GetAll(namespace string) (KVIterator, error)
	GetByPrefix(namespace, prefix string) (KVIterator, error)

	Close() error
}

// ObjectFactory creates an object backend rooted at path.
type ObjectFactory func(path string, logger zerolog.Logger) (Object, error)

// KVFactory creates a kv backend rooted at path.
type KVFactory func(path string, logger zerolog.Logger) (KV, error)

var (
	registryMu      sync.RWMutex
	objectFactories = map[string]ObjectFactory{}
	kvFactories     = map[string]KVFactory{}
)

// RegisterObject registers an object backend under name. Usually called
// from an implementation package's init.
func RegisterObject(name string, factory ObjectFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	objectFactories[name] = factory
}

// RegisterKV registers a kv backend under name.
func RegisterKV(name string, factory KVFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	kvFactories[name] = factory
}

// NewObject instantiates the named object backend.
func NewObject(name, path string, logger zerolog.Logger) (Object, error) {
	registryMu.RLock()
	factory, ok := objectFactories[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("backend: unknown object backend %q", name)
	}

	return factory(path, logger)
}

// NewKV instantiates the named kv backend.
func NewKV(name, path string, logger zerolog.Logger) (KV, error) {
	registryMu.RLock()
	factory, ok := kvFactories[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("backend: unknown kv backend %q", name)
	}

	return factory(path, logger)
}

// Package pebble implements the kv backend on a pebble LSM store. Batches
// map to pebble write batches, so batch execution is atomic and the
// atomicity=batch semantic holds.
//
// Keys are namespaced as <namespace> 0x00 <key>; namespaces therefore must
// not contain NUL, which the wire protocol already guarantees.
package pebble

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/julea/internal/backend"
	"github.com/DeltaLaboratory/julea/internal/semantics"
)

func init() {
	backend.RegisterKV("pebble", func(path string, logger zerolog.Logger) (backend.KV, error) {
		return New(path, logger)
	})
}

// Backend is a pebble-backed kv store.
type Backend struct {
	db     *pebble.DB
	logger zerolog.Logger
}

// New opens (or creates) the store at path.
func New(path string, logger zerolog.Logger) (*Backend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", path, err)
	}

	return &Backend{
		db:     db,
		logger: logger.With().Str("backend", "pebble").Logger(),
	}, nil
}

func storedKey(namespace, key string) []byte {
	k := make([]byte, 0, len(namespace)+1+len(key))
	k = append(k, namespace...)
	k = append(k, 0)
	k = append(k, key...)
	return k
}

type kvBatch struct {
	namespace string
	batch     *pebble.Batch
	sync      bool
}

func (b *kvBatch) Put(key string, value []byte) error {
	return b.batch.Set(storedKey(b.namespace, key), value, nil)
}

func (b *kvBatch) Delete(key string) error {
	return b.batch.Delete(storedKey(b.namespace, key), nil)
}

func (b *Backend) BatchStart(namespace string, safety semantics.Safety) (backend.KVBatch, error) {
	return &kvBatch{
		namespace: namespace,
		batch:     b.db.NewBatch(),
		sync:      safety == semantics.SafetyStorage,
	}, nil
}

func (b *Backend) BatchExecute(batch backend.KVBatch) error {
	kb := batch.(*kvBatch)
	defer kb.batch.Close()

	opts := pebble.NoSync
	if kb.sync {
		opts = pebble.Sync
	}

	if err := kb.batch.Commit(opts); err != nil {
		return fmt.Errorf("pebble: commit batch: %w", err)
	}

	return nil
}

func (b *Backend) Get(namespace, key string) ([]byte, error) {
	value, closer, err := b.db.Get(storedKey(namespace, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("pebble: get: %w", err)
	}
	defer func() {
		if err := closer.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to close pebble value")
		}
	}()

	// Copy, the value is only valid until closer is closed.
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

func (b *Backend) GetAll(namespace string) (backend.KVIterator, error) {
	return b.GetByPrefix(namespace, "")
}

func (b *Backend) GetByPrefix(namespace, prefix string) (backend.KVIterator, error) {
	lower := storedKey(namespace, prefix)

	// The namespace separator is NUL, so the namespace's key space ends
	// before <namespace> 0x01.
	upper := append([]byte(namespace), 1)
	if prefix != "" {
		upper = prefixUpperBound(lower)
	}

	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("pebble: iterator: %w", err)
	}

	return &kvIterator{iter: iter, skip: len(namespace) + 1, first: true}, nil
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}

	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

type kvIterator struct {
	iter  *pebble.Iterator
	skip  int
	first bool
}

func (it *kvIterator) Next() (string, []byte, bool) {
	var valid bool
	if it.first {
		it.first = false
		valid = it.iter.First()
	} else {
		valid = it.iter.Next()
	}

	if !valid {
		return "", nil, false
	}

	key := string(it.iter.Key()[it.skip:])

	value := make([]byte, len(it.iter.Value()))
	copy(value, it.iter.Value())

	return key, value, true
}

func (it *kvIterator) Close() error {
	return it.iter.Close()
}

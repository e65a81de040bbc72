// Package core wires the client-side process state together: the
// configuration, optional in-process backends, the connection pool, the
// background worker pool and the operation cache. There are no hidden
// singletons; everything hangs off an explicitly constructed Runtime.
package core

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/julea/internal/backend"
	"github.com/DeltaLaboratory/julea/internal/background"
	"github.com/DeltaLaboratory/julea/internal/batch"
	"github.com/DeltaLaboratory/julea/internal/config"
	"github.com/DeltaLaboratory/julea/internal/kv"
	"github.com/DeltaLaboratory/julea/internal/object"
	"github.com/DeltaLaboratory/julea/internal/pool"
	"github.com/DeltaLaboratory/julea/internal/semantics"

	// Linked-in backend implementations register themselves.
	_ "github.com/DeltaLaboratory/julea/internal/backend/memory"
	_ "github.com/DeltaLaboratory/julea/internal/backend/pebble"
	_ "github.com/DeltaLaboratory/julea/internal/backend/posix"
)

// Runtime is the per-process client state.
type Runtime struct {
	cfg    *config.Configuration
	logger zerolog.Logger

	objectBackend backend.Object
	kvBackend     backend.KV

	pool       *pool.Pool
	background *background.Pool
	cache      *batch.Cache

	object *object.Client
	kv     *kv.Client
}

// New builds a runtime for the given configuration. Backends whose
// component is "client" are instantiated in-process; the others are
// reached over the connection pool.
func New(cfg *config.Configuration, logger zerolog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	r := &Runtime{
		cfg:        cfg,
		logger:     logger,
		pool:       pool.New(cfg, logger),
		background: background.NewPool(0),
		cache:      batch.NewCache(0),
	}

	if cfg.Object.Client() {
		be, err := backend.NewObject(cfg.Object.Backend, cfg.Object.Path, logger)
		if err != nil {
			r.teardown()
			return nil, fmt.Errorf("core: object backend: %w", err)
		}
		r.objectBackend = be
	}

	if cfg.KV.Client() {
		be, err := backend.NewKV(cfg.KV.Backend, cfg.KV.Path, logger)
		if err != nil {
			r.teardown()
			return nil, fmt.Errorf("core: kv backend: %w", err)
		}
		r.kvBackend = be
	}

	r.object = object.NewClient(cfg, r.objectBackend, r.pool, logger)
	r.kv = kv.NewClient(cfg, r.kvBackend, r.pool, logger)

	return r, nil
}

// Configuration returns the runtime's configuration.
func (r *Runtime) Configuration() *config.Configuration {
	return r.cfg
}

// Object returns the object client.
func (r *Runtime) Object() *object.Client {
	return r.object
}

// KV returns the kv client.
func (r *Runtime) KV() *kv.Client {
	return r.kv
}

// NewBatch creates a batch bound to sem; nil selects the default
// template.
func (r *Runtime) NewBatch(sem *semantics.Semantics, opts ...batch.Option) *batch.Batch {
	return batch.New(sem, r.background, r.cache, opts...)
}

// NewBatchForTemplate creates a batch for a semantics template.
func (r *Runtime) NewBatchForTemplate(template semantics.Template, opts ...batch.Option) *batch.Batch {
	return batch.New(semantics.New(template), r.background, r.cache, opts...)
}

// Close flushes deferred work and releases all resources.
func (r *Runtime) Close() error {
	if !r.cache.Flush() {
		r.logger.Warn().Msg("deferred batches failed during shutdown")
	}

	r.teardown()
	return nil
}

func (r *Runtime) teardown() {
	r.background.Close()
	r.pool.Close()

	if r.kvBackend != nil {
		if err := r.kvBackend.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close kv backend")
		}
	}
	if r.objectBackend != nil {
		if err := r.objectBackend.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close object backend")
		}
	}
}

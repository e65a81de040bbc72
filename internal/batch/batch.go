// Package batch implements the operation pipeline: clients append
// operation descriptors to a batch, Execute partitions them into maximal
// runs of merge-compatible operations and dispatches each run as a single
// backend call or protocol message.
package batch

import (
	"sync"

	"github.com/DeltaLaboratory/julea/internal/background"
	"github.com/DeltaLaboratory/julea/internal/semantics"
)

// Kind tags an operation so the pipeline can tell merge candidates apart.
type Kind uint8

const (
	KindNone Kind = iota
	KindObjectCreate
	KindObjectDelete
	KindObjectRead
	KindObjectWrite
	KindObjectStatus
	KindKVPut
	KindKVDelete
	KindKVGet
)

// ExecFunc executes one run of merge-compatible operations against a
// backend or a server. It reports whether the whole run succeeded.
type ExecFunc func(ops []*Operation, sem *semantics.Semantics) bool

// FreeFunc releases an operation's payload after the batch completed.
type FreeFunc func(op *Operation)

// Operation is one scheduled operation. Key must be comparable; two
// adjacent operations merge into one run iff Kind and Key are equal.
type Operation struct {
	Kind Kind
	Key  any
	Data any
	Exec ExecFunc
	Free FreeFunc
}

// TargetKey is the merge key for operations addressed by server index and
// namespace only.
type TargetKey struct {
	Index     uint32
	Namespace string
}

// State tracks a batch through its lifecycle.
type State uint8

const (
	StateOpen State = iota
	StateExecuting
	StateCompleted
)

// CompletedFunc is invoked with the aggregate result when a batch
// finishes executing.
type CompletedFunc func(b *Batch, ok bool)

// Batch is an ordered container of operations executed under one
// semantics bundle. A batch is a single-owner object; concurrent use
// requires separate batches.
type Batch struct {
	sem        *semantics.Semantics
	background *background.Pool
	cache      *Cache
	completed  CompletedFunc

	mu    sync.Mutex
	ops   []*Operation
	state State
	task  *background.Task
}

// Option configures a batch at construction.
type Option func(*Batch)

// WithCompleted registers a completion callback.
func WithCompleted(fn CompletedFunc) Option {
	return func(b *Batch) { b.completed = fn }
}

// New creates a batch bound to the given semantics. bg may be nil, in
// which case ExecuteAsync degrades to synchronous execution. cache may be
// nil to disable deferral.
func New(sem *semantics.Semantics, bg *background.Pool, cache *Cache, opts ...Option) *Batch {
	if sem == nil {
		sem = semantics.New(semantics.TemplateDefault)
	}
	sem.Bind()

	b := &Batch{
		sem:        sem,
		background: bg,
		cache:      cache,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Semantics returns the bundle the batch executes under.
func (b *Batch) Semantics() *semantics.Semantics {
	return b.sem
}

// State returns the batch's lifecycle state.
func (b *Batch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Add appends an operation. Operations added while the batch executes
// start a fresh list picked up by the next Execute.
func (b *Batch) Add(op *Operation) {
	if op == nil {
		return
	}

	b.mu.Lock()
	if b.state == StateCompleted {
		b.state = StateOpen
	}
	b.ops = append(b.ops, op)
	b.mu.Unlock()
}

// Execute runs all operations added so far and returns the aggregate
// result. Executing a batch that is already executing is rejected.
func (b *Batch) Execute() bool {
	b.mu.Lock()
	if b.state == StateExecuting {
		b.mu.Unlock()
		return false
	}
	ops := b.ops
	b.ops = nil
	b.state = StateExecuting
	b.mu.Unlock()

	ok := b.dispatch(ops)

	b.mu.Lock()
	b.state = StateCompleted
	b.mu.Unlock()

	if b.completed != nil {
		b.completed(b, ok)
	}

	return ok
}

func (b *Batch) dispatch(ops []*Operation) bool {
	if b.cache != nil {
		if b.sem.Safety() == semantics.SafetyNone {
			b.cache.enqueue(ops, b.sem)
			return true
		}

		// A safe batch must observe everything deferred before it.
		b.cache.Flush()
	}

	return executeRuns(ops, b.sem)
}

// ExecuteAsync submits the batch to the background pool. The callback, if
// non-nil, runs on the worker after completion.
func (b *Batch) ExecuteAsync(fn func(ok bool)) {
	run := func() any {
		ok := b.Execute()
		if fn != nil {
			fn(ok)
		}
		return ok
	}

	if b.background == nil {
		run()
		return
	}

	task := b.background.Submit(run)

	b.mu.Lock()
	b.task = task
	b.mu.Unlock()
}

// Wait blocks until an asynchronous execution finishes and returns its
// result. Without a pending execution it returns true.
func (b *Batch) Wait() bool {
	b.mu.Lock()
	task := b.task
	b.task = nil
	b.mu.Unlock()

	if task == nil {
		return true
	}

	ok, _ := task.Wait().(bool)
	return ok
}

// executeRuns partitions ops into maximal runs of equal (Kind, Key) and
// executes each run. All runs execute even if one fails; the result is
// the logical AND. Free funcs run after the last run finished.
func executeRuns(ops []*Operation, sem *semantics.Semantics) bool {
	if len(ops) == 0 {
		return true
	}

	ok := true
	start := 0

	for i := 1; i <= len(ops); i++ {
		if i < len(ops) && ops[i].Kind == ops[start].Kind && ops[i].Key == ops[start].Key {
			continue
		}

		run := ops[start:i]
		if run[0].Exec != nil {
			ok = run[0].Exec(run, sem) && ok
		}
		start = i
	}

	for _, op := range ops {
		if op.Free != nil {
			op.Free(op)
		}
	}

	return ok
}

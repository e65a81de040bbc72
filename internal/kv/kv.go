// Package kv implements the client-side key-value API. Like the object
// client it only schedules operation descriptors; the batch pipeline
// merges adjacent operations on the same server and namespace into one
// backend batch or one protocol message.
package kv

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/julea/internal/backend"
	"github.com/DeltaLaboratory/julea/internal/batch"
	"github.com/DeltaLaboratory/julea/internal/config"
	"github.com/DeltaLaboratory/julea/internal/helper"
	"github.com/DeltaLaboratory/julea/internal/message"
	"github.com/DeltaLaboratory/julea/internal/pool"
	"github.com/DeltaLaboratory/julea/internal/semantics"
)

var (
	ErrInvalidArgument = errors.New("kv: invalid argument")
	ErrIndexOutOfRange = errors.New("kv: server index out of range")
)

// GetFunc receives a fetched value without copying; the bytes are only
// valid for the duration of the call.
type GetFunc func(value []byte)

// Client schedules key-value operations.
type Client struct {
	cfg     *config.Configuration
	backend backend.KV
	pool    *pool.Pool
	logger  zerolog.Logger
}

// NewClient creates a kv client. be may be nil, which selects the remote
// path.
func NewClient(cfg *config.Configuration, be backend.KV, p *pool.Pool, logger zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		backend: be,
		pool:    p,
		logger:  logger.With().Str("layer", "kv").Logger(),
	}
}

// KV is a handle to one key in a namespace.
type KV struct {
	client    *Client
	index     uint32
	namespace string
	key       string
}

// New creates a handle; the server index is derived from the key.
func (c *Client) New(namespace, key string) *KV {
	return &KV{
		client:    c,
		index:     helper.ServerIndex(key, c.cfg.KVServerCount()),
		namespace: namespace,
		key:       key,
	}
}

// NewAt creates a handle pinned to a specific server index.
func (c *Client) NewAt(index uint32, namespace, key string) (*KV, error) {
	if index >= c.cfg.KVServerCount() {
		return nil, ErrIndexOutOfRange
	}

	return &KV{
		client:    c,
		index:     index,
		namespace: namespace,
		key:       key,
	}, nil
}

// Index returns the server index the handle targets.
func (kv *KV) Index() uint32 { return kv.index }

// Key returns the handle's key.
func (kv *KV) Key() string { return kv.key }

func (kv *KV) targetKey() batch.TargetKey {
	return batch.TargetKey{Index: kv.index, Namespace: kv.namespace}
}

type putOp struct {
	kv    *KV
	value []byte
}

// Put schedules storing value under the handle's key. The value slice
// must stay unchanged until the batch executed.
func (kv *KV) Put(value []byte, b *batch.Batch) error {
	if value == nil {
		return ErrInvalidArgument
	}

	b.Add(&batch.Operation{
		Kind: batch.KindKVPut,
		Key:  kv.targetKey(),
		Data: &putOp{kv: kv, value: value},
		Exec: kv.client.putExec,
	})

	return nil
}

// Delete schedules removal of the key.
func (kv *KV) Delete(b *batch.Batch) {
	b.Add(&batch.Operation{
		Kind: batch.KindKVDelete,
		Key:  kv.targetKey(),
		Data: kv,
		Exec: kv.client.deleteExec,
	})
}

type getOp struct {
	kv    *KV
	value *[]byte
	fn    GetFunc
}

// Get schedules fetching the key's value into *value. The sub-op fails if
// the key is absent.
func (kv *KV) Get(value *[]byte, b *batch.Batch) error {
	if value == nil {
		return ErrInvalidArgument
	}

	b.Add(&batch.Operation{
		Kind: batch.KindKVGet,
		Key:  kv.targetKey(),
		Data: &getOp{kv: kv, value: value},
		Exec: kv.client.getExec,
	})

	return nil
}

// GetCallback schedules fetching the key's value and hands the raw bytes
// to fn without copying them into a caller buffer.
func (kv *KV) GetCallback(fn GetFunc, b *batch.Batch) error {
	if fn == nil {
		return ErrInvalidArgument
	}

	b.Add(&batch.Operation{
		Kind: batch.KindKVGet,
		Key:  kv.targetKey(),
		Data: &getOp{kv: kv, fn: fn},
		Exec: kv.client.getExec,
	})

	return nil
}

// Iterate walks all keys with the given prefix in the namespace. It is
// only available with an in-process kv backend.
func (c *Client) Iterate(namespace, prefix string, fn func(key string, value []byte) bool) error {
	if c.backend == nil {
		return errors.New("kv: iteration requires a client-side backend")
	}

	var (
		it  backend.KVIterator
		err error
	)

	if prefix == "" {
		it, err = c.backend.GetAll(namespace)
	} else {
		it, err = c.backend.GetByPrefix(namespace, prefix)
	}
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		key, value, ok := it.Next()
		if !ok {
			return nil
		}
		if !fn(key, value) {
			return nil
		}
	}
}

func (c *Client) putExec(ops []*batch.Operation, sem *semantics.Semantics) bool {
	first := ops[0].Data.(*putOp).kv

	if c.backend != nil {
		kb, err := c.backend.BatchStart(first.namespace, sem.Safety())
		if err != nil {
			return false
		}

		ok := true
		for _, op := range ops {
			pop := op.Data.(*putOp)
			ok = kb.Put(pop.kv.key, pop.value) == nil && ok
		}

		return c.backend.BatchExecute(kb) == nil && ok
	}

	msg := message.New(message.OpKVPut, len(first.namespace)+1)
	msg.SetSafety(sem)
	// A reply is required even under unsafe semantics: a following get
	// may use another pooled connection and race ahead of the put.
	msg.ForceSafety(semantics.SafetyNetwork)
	msg.AppendString(first.namespace)

	for _, op := range ops {
		pop := op.Data.(*putOp)
		msg.AddOperation(len(pop.kv.key) + 1 + 4 + len(pop.value))
		msg.AppendString(pop.kv.key)
		msg.Append4(uint32(len(pop.value)))
		msg.AppendN(pop.value)
	}

	return c.roundTrip(first.index, msg, func(*message.Message) bool { return true })
}

func (c *Client) deleteExec(ops []*batch.Operation, sem *semantics.Semantics) bool {
	first := ops[0].Data.(*KV)

	if c.backend != nil {
		kb, err := c.backend.BatchStart(first.namespace, sem.Safety())
		if err != nil {
			return false
		}

		ok := true
		for _, op := range ops {
			kv := op.Data.(*KV)
			ok = kb.Delete(kv.key) == nil && ok
		}

		return c.backend.BatchExecute(kb) == nil && ok
	}

	msg := message.New(message.OpKVDelete, len(first.namespace)+1)
	msg.SetSafety(sem)
	msg.AppendString(first.namespace)

	for _, op := range ops {
		kv := op.Data.(*KV)
		msg.AddOperation(len(kv.key) + 1)
		msg.AppendString(kv.key)
	}

	return c.roundTrip(first.index, msg, func(*message.Message) bool { return true })
}

func (c *Client) getExec(ops []*batch.Operation, sem *semantics.Semantics) bool {
	first := ops[0].Data.(*getOp).kv

	if c.backend != nil {
		ok := true
		for _, op := range ops {
			gop := op.Data.(*getOp)

			value, err := c.backend.Get(gop.kv.namespace, gop.kv.key)
			if err != nil {
				ok = false
				continue
			}

			if gop.fn != nil {
				gop.fn(value)
			} else {
				*gop.value = value
			}
		}
		return ok
	}

	msg := message.New(message.OpKVGet, len(first.namespace)+1)
	msg.SetSafety(sem)
	msg.AppendString(first.namespace)

	for _, op := range ops {
		gop := op.Data.(*getOp)
		msg.AddOperation(len(gop.kv.key) + 1)
		msg.AppendString(gop.kv.key)
	}

	conn, err := c.pool.PopKV(first.index)
	if err != nil {
		c.logger.Error().Err(err).Uint32("server", first.index).Msg("no connection")
		return false
	}
	defer c.pool.PushKV(first.index, conn)

	if err := msg.Send(conn); err != nil {
		c.logger.Error().Err(err).Msg("send failed")
		conn.MarkBroken()
		return false
	}

	reply := message.NewReply(msg)
	if err := reply.Receive(conn); err != nil {
		c.logger.Error().Err(err).Msg("receive failed")
		conn.MarkBroken()
		return false
	}

	ok := true
	for _, op := range ops {
		gop := op.Data.(*getOp)

		length := reply.Get4()
		if length == 0 {
			// Absent key.
			ok = false
			continue
		}

		data := reply.GetN(int(length))
		if reply.Err() != nil {
			conn.MarkBroken()
			return false
		}

		if gop.fn != nil {
			gop.fn(data)
		} else {
			value := make([]byte, len(data))
			copy(value, data)
			*gop.value = value
		}
	}

	return ok
}

// roundTrip sends msg to the kv server at index and drains the reply when
// one was requested.
func (c *Client) roundTrip(index uint32, msg *message.Message, handle func(reply *message.Message) bool) bool {
	conn, err := c.pool.PopKV(index)
	if err != nil {
		c.logger.Error().Err(err).Uint32("server", index).Msg("no connection")
		return false
	}
	defer c.pool.PushKV(index, conn)

	if err := msg.Send(conn); err != nil {
		c.logger.Error().Err(err).Stringer("op", msg.Op()).Msg("send failed")
		conn.MarkBroken()
		return false
	}

	if msg.Flags()&message.FlagSafetyNetwork == 0 {
		return true
	}

	reply := message.NewReply(msg)
	if err := reply.Receive(conn); err != nil {
		c.logger.Error().Err(err).Stringer("op", msg.Op()).Msg("receive failed")
		conn.MarkBroken()
		return false
	}

	return handle(reply)
}

// Package object implements the client-side object store API. Calls do
// not perform I/O themselves; they schedule operation descriptors into a
// batch, and the batch pipeline dispatches maximal runs either to an
// in-process backend or over the framed protocol.
package object

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

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
	ErrInvalidArgument = errors.New("object: invalid argument")
	ErrIndexOutOfRange = errors.New("object: server index out of range")
)

// Client schedules object operations. It executes them locally when an
// object backend is linked in, remotely over pooled connections
// otherwise.
type Client struct {
	cfg     *config.Configuration
	backend backend.Object
	pool    *pool.Pool
	logger  zerolog.Logger
}

// NewClient creates an object client. be may be nil, which selects the
// remote path.
func NewClient(cfg *config.Configuration, be backend.Object, p *pool.Pool, logger zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		backend: be,
		pool:    p,
		logger:  logger.With().Str("layer", "object").Logger(),
	}
}

// Object is a handle to a named byte stream. All operations on the same
// handle target the same server.
type Object struct {
	client    *Client
	index     uint32
	namespace string
	name      string
}

// New creates a handle; the server index is derived from the name.
func (c *Client) New(namespace, name string) *Object {
	return &Object{
		client:    c,
		index:     helper.ServerIndex(name, c.cfg.ObjectServerCount()),
		namespace: namespace,
		name:      name,
	}
}

// NewAt creates a handle pinned to a specific server index.
func (c *Client) NewAt(index uint32, namespace, name string) (*Object, error) {
	if index >= c.cfg.ObjectServerCount() {
		return nil, ErrIndexOutOfRange
	}

	return &Object{
		client:    c,
		index:     index,
		namespace: namespace,
		name:      name,
	}, nil
}

// Index returns the server index the handle targets.
func (o *Object) Index() uint32 { return o.index }

// Namespace returns the handle's namespace.
func (o *Object) Namespace() string { return o.namespace }

// Name returns the handle's name.
func (o *Object) Name() string { return o.name }

func (o *Object) targetKey() batch.TargetKey {
	return batch.TargetKey{Index: o.index, Namespace: o.namespace}
}

// Create schedules creation of the object.
func (o *Object) Create(b *batch.Batch) {
	b.Add(&batch.Operation{
		Kind: batch.KindObjectCreate,
		Key:  o.targetKey(),
		Data: o,
		Exec: o.client.createExec,
	})
}

// Delete schedules deletion of the object.
func (o *Object) Delete(b *batch.Batch) {
	b.Add(&batch.Operation{
		Kind: batch.KindObjectDelete,
		Key:  o.targetKey(),
		Data: o,
		Exec: o.client.deleteExec,
	})
}

type readOp struct {
	object    *Object
	data      []byte
	offset    uint64
	bytesRead *uint64
}

// Read schedules a read of len(data) bytes at offset. bytesRead is zeroed
// now and incremented as progress is confirmed.
func (o *Object) Read(data []byte, offset uint64, bytesRead *uint64, b *batch.Batch) error {
	if len(data) == 0 || bytesRead == nil {
		return ErrInvalidArgument
	}

	atomic.StoreUint64(bytesRead, 0)

	b.Add(&batch.Operation{
		Kind: batch.KindObjectRead,
		Key:  o,
		Data: &readOp{object: o, data: data, offset: offset, bytesRead: bytesRead},
		Exec: o.client.readExec,
	})

	return nil
}

type writeOp struct {
	object       *Object
	data         []byte
	offset       uint64
	bytesWritten *uint64
}

// Write schedules a write of data at offset. bytesWritten is zeroed now;
// under safety none it is credited optimistically before any server
// acknowledgment, so short writes cannot be reported after the fact.
func (o *Object) Write(data []byte, offset uint64, bytesWritten *uint64, b *batch.Batch) error {
	if len(data) == 0 || bytesWritten == nil {
		return ErrInvalidArgument
	}

	atomic.StoreUint64(bytesWritten, 0)

	b.Add(&batch.Operation{
		Kind: batch.KindObjectWrite,
		Key:  o,
		Data: &writeOp{object: o, data: data, offset: offset, bytesWritten: bytesWritten},
		Exec: o.client.writeExec,
	})

	return nil
}

type statusOp struct {
	object  *Object
	modTime *int64
	size    *uint64
}

// Status schedules a status query filling modTime and size.
func (o *Object) Status(modTime *int64, size *uint64, b *batch.Batch) error {
	if modTime == nil || size == nil {
		return ErrInvalidArgument
	}

	b.Add(&batch.Operation{
		Kind: batch.KindObjectStatus,
		Key:  o.targetKey(),
		Data: &statusOp{object: o, modTime: modTime, size: size},
		Exec: o.client.statusExec,
	})

	return nil
}

func (c *Client) createExec(ops []*batch.Operation, sem *semantics.Semantics) bool {
	first := ops[0].Data.(*Object)

	if c.backend != nil {
		ok := true
		for _, op := range ops {
			o := op.Data.(*Object)

			h, err := c.backend.Create(o.namespace, o.name)
			if err != nil {
				c.logger.Debug().Err(err).Str("namespace", o.namespace).Str("name", o.name).Msg("create failed")
				ok = false
				continue
			}
			ok = h.Close() == nil && ok
		}
		return ok
	}

	msg := message.New(message.OpObjectCreate, len(first.namespace)+1)
	msg.SetSafety(sem)
	// A reply is required even under unsafe semantics: a following write
	// may use another pooled connection and race ahead of the create.
	msg.ForceSafety(semantics.SafetyNetwork)
	msg.AppendString(first.namespace)

	for _, op := range ops {
		o := op.Data.(*Object)
		msg.AddOperation(len(o.name) + 1)
		msg.AppendString(o.name)
	}

	return c.roundTrip(first.index, msg, func(reply *message.Message) bool {
		ok := true
		for range ops {
			ok = reply.Get8() == 0 && ok
		}
		return ok && reply.Err() == nil
	})
}

func (c *Client) deleteExec(ops []*batch.Operation, sem *semantics.Semantics) bool {
	first := ops[0].Data.(*Object)

	if c.backend != nil {
		ok := true
		for _, op := range ops {
			o := op.Data.(*Object)

			h, err := c.backend.Open(o.namespace, o.name)
			if err != nil {
				ok = false
				continue
			}
			ok = h.Delete() == nil && ok
		}
		return ok
	}

	msg := message.New(message.OpObjectDelete, len(first.namespace)+1)
	msg.SetSafety(sem)
	msg.AppendString(first.namespace)

	for _, op := range ops {
		o := op.Data.(*Object)
		msg.AddOperation(len(o.name) + 1)
		msg.AppendString(o.name)
	}

	return c.roundTrip(first.index, msg, func(reply *message.Message) bool {
		ok := true
		for range ops {
			ok = reply.Get8() == 0 && ok
		}
		return ok && reply.Err() == nil
	})
}

func (c *Client) readExec(ops []*batch.Operation, sem *semantics.Semantics) bool {
	object := ops[0].Data.(*readOp).object

	if c.backend != nil {
		h, err := c.backend.Open(object.namespace, object.name)
		if err != nil {
			return false
		}
		defer h.Close()

		ok := true
		for _, op := range ops {
			rop := op.Data.(*readOp)

			n, err := h.Read(rop.data, rop.offset)
			if err != nil {
				ok = false
				continue
			}
			atomic.AddUint64(rop.bytesRead, uint64(n))
		}
		return ok
	}

	msg := message.New(message.OpObjectRead, len(object.namespace)+len(object.name)+2)
	msg.SetSafety(sem)
	msg.AppendString(object.namespace)
	msg.AppendString(object.name)

	for _, op := range ops {
		rop := op.Data.(*readOp)
		msg.AddOperation(16)
		msg.Append8(uint64(len(rop.data)))
		msg.Append8(rop.offset)
	}

	conn, err := c.pool.PopObject(object.index)
	if err != nil {
		c.logger.Error().Err(err).Uint32("server", object.index).Msg("no connection")
		return false
	}
	defer c.pool.PushObject(object.index, conn)

	if err := msg.Send(conn); err != nil {
		c.logger.Error().Err(err).Msg("send failed")
		conn.MarkBroken()
		return false
	}

	// The server may spread the answers over several reply frames, each
	// followed by its bulk bytes on the same stream.
	reply := message.NewReply(msg)
	answered := uint32(0)
	opIndex := 0
	ok := true

	for answered < msg.Count() {
		if err := reply.Receive(conn); err != nil {
			c.logger.Error().Err(err).Msg("receive failed")
			conn.MarkBroken()
			return false
		}

		for i := uint32(0); i < reply.Count() && opIndex < len(ops); i++ {
			rop := ops[opIndex].Data.(*readOp)
			opIndex++

			nbytes := reply.Get8()
			if reply.Err() != nil {
				conn.MarkBroken()
				return false
			}

			if nbytes > uint64(len(rop.data)) {
				conn.MarkBroken()
				return false
			}

			if nbytes > 0 {
				if _, err := io.ReadFull(conn, rop.data[:nbytes]); err != nil {
					conn.MarkBroken()
					return false
				}
				atomic.AddUint64(rop.bytesRead, nbytes)
			}
		}

		answered += reply.Count()
	}

	return ok
}

func (c *Client) writeExec(ops []*batch.Operation, sem *semantics.Semantics) bool {
	object := ops[0].Data.(*writeOp).object

	if c.backend != nil {
		h, err := c.backend.Open(object.namespace, object.name)
		if err != nil {
			return false
		}
		defer h.Close()

		ok := true
		for _, op := range ops {
			wop := op.Data.(*writeOp)

			n, err := h.Write(wop.data, wop.offset)
			if err != nil {
				ok = false
				continue
			}
			atomic.AddUint64(wop.bytesWritten, uint64(n))
		}

		if sem.Safety() == semantics.SafetyStorage {
			ok = h.Sync() == nil && ok
		}
		return ok
	}

	msg := message.New(message.OpObjectWrite, len(object.namespace)+len(object.name)+2)
	msg.SetSafety(sem)
	msg.AppendString(object.namespace)
	msg.AppendString(object.name)

	for _, op := range ops {
		wop := op.Data.(*writeOp)
		msg.AddOperation(16)
		msg.Append8(uint64(len(wop.data)))
		msg.Append8(wop.offset)
		msg.AddSend(wop.data)

		if sem.Safety() == semantics.SafetyNone {
			// Fire-and-forget: credit the write up front.
			atomic.AddUint64(wop.bytesWritten, uint64(len(wop.data)))
		}
	}

	return c.roundTrip(object.index, msg, func(reply *message.Message) bool {
		for _, op := range ops {
			wop := op.Data.(*writeOp)
			atomic.AddUint64(wop.bytesWritten, reply.Get8())
		}
		return reply.Err() == nil
	})
}

func (c *Client) statusExec(ops []*batch.Operation, sem *semantics.Semantics) bool {
	first := ops[0].Data.(*statusOp).object

	if c.backend != nil {
		ok := true
		for _, op := range ops {
			sop := op.Data.(*statusOp)

			h, err := c.backend.Open(sop.object.namespace, sop.object.name)
			if err != nil {
				ok = false
				continue
			}

			modTime, size, err := h.Status()
			if err != nil {
				ok = false
			} else {
				*sop.modTime = modTime
				*sop.size = size
			}
			ok = h.Close() == nil && ok
		}
		return ok
	}

	msg := message.New(message.OpObjectStatus, len(first.namespace)+1)
	msg.SetSafety(sem)
	// Status always needs its answer.
	msg.ForceSafety(semantics.SafetyNetwork)
	msg.AppendString(first.namespace)

	for _, op := range ops {
		sop := op.Data.(*statusOp)
		msg.AddOperation(len(sop.object.name) + 1)
		msg.AppendString(sop.object.name)
	}

	return c.roundTrip(first.index, msg, func(reply *message.Message) bool {
		ok := true
		for _, op := range ops {
			sop := op.Data.(*statusOp)

			modTime := int64(reply.Get8())
			size := reply.Get8()

			if modTime == 0 && size == 0 {
				ok = false
				continue
			}

			*sop.modTime = modTime
			*sop.size = size
		}
		return ok && reply.Err() == nil
	})
}

// roundTrip sends msg to the object server at index and, if the message
// requests a reply, receives it and hands it to handle.
func (c *Client) roundTrip(index uint32, msg *message.Message, handle func(reply *message.Message) bool) bool {
	conn, err := c.pool.PopObject(index)
	if err != nil {
		c.logger.Error().Err(err).Uint32("server", index).Msg("no connection")
		return false
	}
	defer c.pool.PushObject(index, conn)

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

// String implements fmt.Stringer for log output.
func (o *Object) String() string {
	return fmt.Sprintf("%s/%s@%d", o.namespace, o.name, o.index)
}

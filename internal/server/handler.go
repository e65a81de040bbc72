package server

import (
	"fmt"
	"io"
	"net"

	"github.com/DeltaLaboratory/julea/internal/backend"
	"github.com/DeltaLaboratory/julea/internal/message"
	"github.com/DeltaLaboratory/julea/internal/semantics"
)

const (
	// maxReplyBulk flushes a read reply frame once this much bulk payload
	// has accumulated, so large reads stream as several frames.
	maxReplyBulk = 4 << 20

	// writeChunk bounds the buffer used to drain write bulk payload.
	writeChunk = 1 << 20

	// maxSubOpLength rejects nonsensical per-sub-op lengths before any
	// allocation happens.
	maxSubOpLength = 1 << 30
)

func wantReply(msg *message.Message) bool {
	return msg.Flags()&message.FlagSafetyNetwork != 0
}

func wantSync(msg *message.Message) bool {
	return msg.Flags()&message.FlagSafetyStorage != 0
}

func safetyFromFlags(flags uint32) semantics.Safety {
	switch {
	case flags&message.FlagSafetyStorage != 0:
		return semantics.SafetyStorage
	case flags&message.FlagSafetyNetwork != 0:
		return semantics.SafetyNetwork
	}
	return semantics.SafetyNone
}

// objectCreate and objectDelete answer one u64 rc per sub-operation:
// 0 = ok, 1 = failed. Creating an existing object fails and leaves the
// object untouched.
func (s *Server) objectCreate(conn net.Conn, msg *message.Message) error {
	namespace := msg.GetString()

	var reply *message.Message
	if wantReply(msg) {
		reply = message.NewReply(msg)
	}

	for i := uint32(0); i < msg.Count(); i++ {
		name := msg.GetString()
		if err := msg.Err(); err != nil {
			return err
		}

		var rc uint64
		if s.object == nil {
			rc = 1
		} else if handle, err := s.object.Create(namespace, name); err != nil {
			s.logger.Debug().Err(err).Str("namespace", namespace).Str("name", name).Msg("create failed")
			rc = 1
		} else {
			if wantSync(msg) {
				_ = handle.Sync()
			}
			_ = handle.Close()
		}

		if reply != nil {
			reply.AddOperation(8)
			reply.Append8(rc)
		}
	}

	if reply != nil {
		return reply.Send(conn)
	}
	return nil
}

func (s *Server) objectDelete(conn net.Conn, msg *message.Message) error {
	namespace := msg.GetString()

	var reply *message.Message
	if wantReply(msg) {
		reply = message.NewReply(msg)
	}

	for i := uint32(0); i < msg.Count(); i++ {
		name := msg.GetString()
		if err := msg.Err(); err != nil {
			return err
		}

		var rc uint64
		if s.object == nil {
			rc = 1
		} else if handle, err := s.object.Open(namespace, name); err != nil {
			rc = 1
		} else if err := handle.Delete(); err != nil {
			rc = 1
		}

		if reply != nil {
			reply.AddOperation(8)
			reply.Append8(rc)
		}
	}

	if reply != nil {
		return reply.Send(conn)
	}
	return nil
}

// objectOpen verifies existence; handles live per sub-operation on the
// server, so nothing stays open across frames.
func (s *Server) objectOpen(conn net.Conn, msg *message.Message) error {
	namespace := msg.GetString()

	var reply *message.Message
	if wantReply(msg) {
		reply = message.NewReply(msg)
	}

	for i := uint32(0); i < msg.Count(); i++ {
		name := msg.GetString()
		if err := msg.Err(); err != nil {
			return err
		}

		var rc uint64
		if s.object == nil {
			rc = 1
		} else if handle, err := s.object.Open(namespace, name); err != nil {
			rc = 1
		} else {
			_ = handle.Close()
		}

		if reply != nil {
			reply.AddOperation(8)
			reply.Append8(rc)
		}
	}

	if reply != nil {
		return reply.Send(conn)
	}
	return nil
}

func (s *Server) objectClose(conn net.Conn, msg *message.Message) error {
	msg.GetString()

	var reply *message.Message
	if wantReply(msg) {
		reply = message.NewReply(msg)
	}

	for i := uint32(0); i < msg.Count(); i++ {
		msg.GetString()
		if err := msg.Err(); err != nil {
			return err
		}

		if reply != nil {
			reply.AddOperation(8)
			reply.Append8(0)
		}
	}

	if reply != nil {
		return reply.Send(conn)
	}
	return nil
}

func (s *Server) objectSync(conn net.Conn, msg *message.Message) error {
	namespace := msg.GetString()

	var reply *message.Message
	if wantReply(msg) {
		reply = message.NewReply(msg)
	}

	for i := uint32(0); i < msg.Count(); i++ {
		name := msg.GetString()
		if err := msg.Err(); err != nil {
			return err
		}

		var rc uint64
		if s.object == nil {
			rc = 1
		} else if handle, err := s.object.Open(namespace, name); err != nil {
			rc = 1
		} else {
			if handle.Sync() != nil {
				rc = 1
			}
			_ = handle.Close()
		}

		if reply != nil {
			reply.AddOperation(8)
			reply.Append8(rc)
		}
	}

	if reply != nil {
		return reply.Send(conn)
	}
	return nil
}

// objectStatus answers i64 mtime and u64 size per sub-operation; a
// missing object reports both as zero.
func (s *Server) objectStatus(conn net.Conn, msg *message.Message) error {
	namespace := msg.GetString()
	reply := message.NewReply(msg)

	for i := uint32(0); i < msg.Count(); i++ {
		name := msg.GetString()
		if err := msg.Err(); err != nil {
			return err
		}

		var modTime int64
		var size uint64

		if s.object != nil {
			if handle, err := s.object.Open(namespace, name); err == nil {
				modTime, size, _ = handle.Status()
				_ = handle.Close()
			}
		}

		reply.AddOperation(16)
		reply.Append8(uint64(modTime))
		reply.Append8(size)
	}

	return reply.Send(conn)
}

// objectRead streams the answers back: each reply frame carries u64
// byte counts per answered sub-operation, followed by that much bulk
// payload on the stream. A frame is flushed as soon as the buffered bulk
// reaches maxReplyBulk.
func (s *Server) objectRead(conn net.Conn, msg *message.Message) error {
	namespace := msg.GetString()
	name := msg.GetString()

	var handle backend.ObjectHandle
	if s.object != nil {
		handle, _ = s.object.Open(namespace, name)
		if handle != nil {
			defer handle.Close()
		}
	}

	reply := message.NewReply(msg)
	bulk := 0

	for i := uint32(0); i < msg.Count(); i++ {
		length := msg.Get8()
		offset := msg.Get8()
		if err := msg.Err(); err != nil {
			return err
		}
		if length > maxSubOpLength {
			return fmt.Errorf("read length %d out of bounds", length)
		}

		var data []byte
		if handle != nil && length > 0 {
			buf := make([]byte, length)
			n, err := handle.Read(buf, offset)
			if err == nil {
				data = buf[:n]
			}
		}

		reply.AddOperation(8)
		reply.Append8(uint64(len(data)))

		if len(data) > 0 {
			reply.AddSend(data)
			bulk += len(data)
			s.metrics.bytesRead.Add(float64(len(data)))
		}

		if bulk >= maxReplyBulk {
			if err := reply.Send(conn); err != nil {
				return err
			}
			reply = message.NewReply(msg)
			bulk = 0
		}
	}

	if reply.Count() > 0 {
		return reply.Send(conn)
	}
	return nil
}

// objectWrite drains the bulk payload that follows the frame. The bulk
// must be consumed even when the object cannot be opened, otherwise the
// stream loses framing.
func (s *Server) objectWrite(conn net.Conn, msg *message.Message) error {
	namespace := msg.GetString()
	name := msg.GetString()

	var handle backend.ObjectHandle
	if s.object != nil {
		handle, _ = s.object.Open(namespace, name)
		if handle != nil {
			defer handle.Close()
		}
	}

	var reply *message.Message
	if wantReply(msg) {
		reply = message.NewReply(msg)
	}

	buf := make([]byte, writeChunk)

	for i := uint32(0); i < msg.Count(); i++ {
		length := msg.Get8()
		offset := msg.Get8()
		if err := msg.Err(); err != nil {
			return err
		}
		if length > maxSubOpLength {
			return fmt.Errorf("write length %d out of bounds", length)
		}

		var written uint64
		remaining := length

		for remaining > 0 {
			chunk := uint64(len(buf))
			if remaining < chunk {
				chunk = remaining
			}

			if _, err := io.ReadFull(conn, buf[:chunk]); err != nil {
				return fmt.Errorf("drain write payload: %w", err)
			}
			remaining -= chunk

			if handle == nil {
				continue
			}

			n, err := handle.Write(buf[:chunk], offset+written)
			if err != nil {
				handle = nil
				continue
			}
			written += uint64(n)
		}

		s.metrics.bytesWritten.Add(float64(written))

		if reply != nil {
			reply.AddOperation(8)
			reply.Append8(written)
		}
	}

	if handle != nil && wantSync(msg) {
		_ = handle.Sync()
	}

	if reply != nil {
		return reply.Send(conn)
	}
	return nil
}

func (s *Server) kvPut(conn net.Conn, msg *message.Message) error {
	namespace := msg.GetString()

	var kvBatch backend.KVBatch
	if s.kv != nil {
		kvBatch, _ = s.kv.BatchStart(namespace, safetyFromFlags(msg.Flags()))
	}

	for i := uint32(0); i < msg.Count(); i++ {
		key := msg.GetString()
		length := msg.Get4()
		value := msg.GetN(int(length))
		if err := msg.Err(); err != nil {
			return err
		}

		if kvBatch != nil {
			_ = kvBatch.Put(key, value)
		}
	}

	if kvBatch != nil {
		if err := s.kv.BatchExecute(kvBatch); err != nil {
			s.logger.Warn().Err(err).Str("namespace", namespace).Msg("kv batch failed")
		}
	}

	if wantReply(msg) {
		reply := message.NewReply(msg)
		for i := uint32(0); i < msg.Count(); i++ {
			reply.AddOperation(0)
		}
		return reply.Send(conn)
	}
	return nil
}

func (s *Server) kvDelete(conn net.Conn, msg *message.Message) error {
	namespace := msg.GetString()

	var kvBatch backend.KVBatch
	if s.kv != nil {
		kvBatch, _ = s.kv.BatchStart(namespace, safetyFromFlags(msg.Flags()))
	}

	for i := uint32(0); i < msg.Count(); i++ {
		key := msg.GetString()
		if err := msg.Err(); err != nil {
			return err
		}

		if kvBatch != nil {
			_ = kvBatch.Delete(key)
		}
	}

	if kvBatch != nil {
		if err := s.kv.BatchExecute(kvBatch); err != nil {
			s.logger.Warn().Err(err).Str("namespace", namespace).Msg("kv batch failed")
		}
	}

	if wantReply(msg) {
		reply := message.NewReply(msg)
		for i := uint32(0); i < msg.Count(); i++ {
			reply.AddOperation(0)
		}
		return reply.Send(conn)
	}
	return nil
}

// kvGet always replies: u32 length plus the value bytes per
// sub-operation, length zero meaning the key is absent.
func (s *Server) kvGet(conn net.Conn, msg *message.Message) error {
	namespace := msg.GetString()
	reply := message.NewReply(msg)

	for i := uint32(0); i < msg.Count(); i++ {
		key := msg.GetString()
		if err := msg.Err(); err != nil {
			return err
		}

		var value []byte
		if s.kv != nil {
			value, _ = s.kv.Get(namespace, key)
		}

		reply.AddOperation(4 + len(value))
		reply.Append4(uint32(len(value)))
		reply.AppendN(value)
	}

	return reply.Send(conn)
}

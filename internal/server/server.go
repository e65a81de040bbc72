// Package server implements the storage daemon: a TCP listener whose
// per-connection workers decode protocol frames, invoke the configured
// backends and emit replies according to the requested safety level.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/DeltaLaboratory/julea/internal/backend"
	"github.com/DeltaLaboratory/julea/internal/message"
)

// Server hosts the object and/or kv backend behind the framed protocol.
// Either backend may be nil; requests for a missing backend fail per
// sub-operation.
type Server struct {
	object backend.Object
	kv     backend.KV

	logger  zerolog.Logger
	metrics *metrics

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	workers  sync.WaitGroup
}

// New creates a server for the given backends.
func New(objectBackend backend.Object, kvBackend backend.KV, logger zerolog.Logger) *Server {
	return &Server{
		object:  objectBackend,
		kv:      kvBackend,
		logger:  logger.With().Str("layer", "server").Logger(),
		metrics: newMetrics(),
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
// When metricsAddr is non-empty a Prometheus scrape endpoint is served
// there.
func (s *Server) Run(ctx context.Context, addr, metricsAddr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.Serve(listener)
	})

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}

		group.Go(func() error {
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()

		s.Shutdown()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	return group.Wait()
}

// Serve accepts connections on the listener until Shutdown. Each
// connection gets its own worker goroutine.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("server: already shut down")
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()

			if closed {
				return nil
			}
			return err
		}

		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight workers to finish.
// The backends stay up; the owner tears them down.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	s.workers.Wait()
	s.logger.Info().Msg("shut down")
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Debug().Str("remote", remote).Msg("connection opened")
	defer s.logger.Debug().Str("remote", remote).Msg("connection closed")

	msg := message.New(message.OpNone, 0)

	for {
		if err := msg.Receive(conn); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Str("remote", remote).Msg("receive failed")
			}
			return
		}

		s.metrics.requests.WithLabelValues(msg.Op().String()).Inc()

		if err := s.dispatch(conn, msg); err != nil {
			s.logger.Warn().Err(err).Str("remote", remote).Stringer("op", msg.Op()).Msg("dispatch failed")
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, msg *message.Message) error {
	switch msg.Op() {
	case message.OpObjectCreate:
		return s.objectCreate(conn, msg)
	case message.OpObjectDelete:
		return s.objectDelete(conn, msg)
	case message.OpObjectOpen:
		return s.objectOpen(conn, msg)
	case message.OpObjectClose:
		return s.objectClose(conn, msg)
	case message.OpObjectStatus:
		return s.objectStatus(conn, msg)
	case message.OpObjectSync:
		return s.objectSync(conn, msg)
	case message.OpObjectRead:
		return s.objectRead(conn, msg)
	case message.OpObjectWrite:
		return s.objectWrite(conn, msg)
	case message.OpKVPut:
		return s.kvPut(conn, msg)
	case message.OpKVDelete:
		return s.kvDelete(conn, msg)
	case message.OpKVGet:
		return s.kvGet(conn, msg)
	}

	// Unknown opcode: log, answer with an empty reply if one was
	// requested, and keep the connection alive.
	s.logger.Warn().Stringer("op", msg.Op()).Msg("unknown opcode")

	if msg.Flags()&message.FlagSafetyNetwork != 0 {
		return message.NewReply(msg).Send(conn)
	}

	return nil
}

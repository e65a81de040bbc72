// Package pool maintains per-server pools of reusable client connections.
// Connections are created lazily, reused FIFO and capped per server; a
// caller that hits the cap blocks until a connection is returned.
package pool

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/julea/internal/config"
)

// DefaultMaxConnections applies when the configuration does not set
// max-connections.
const DefaultMaxConnections = 8

const dialTimeout = 5 * time.Second

// Conn is a pooled connection. Callers that hit an I/O error mark it
// broken; the pool then discards it instead of reusing it.
type Conn struct {
	net.Conn
	broken bool
}

// MarkBroken flags the connection for discard on push.
func (c *Conn) MarkBroken() {
	c.broken = true
}

// Dialer opens a connection to a server address. Swappable for tests.
type Dialer func(address string) (net.Conn, error)

type serverPool struct {
	address string
	idle    chan *Conn

	mu      sync.Mutex
	created int
}

// Pool holds the object-server and kv-server connection pools.
type Pool struct {
	object []*serverPool
	kv     []*serverPool
	max    int
	dial   Dialer
	logger zerolog.Logger
}

// New builds the pool for the configured servers.
func New(cfg *config.Configuration, logger zerolog.Logger) *Pool {
	return NewWithDialer(cfg, func(address string) (net.Conn, error) {
		return net.DialTimeout("tcp", address, dialTimeout)
	}, logger)
}

// NewWithDialer is New with a custom dialer.
func NewWithDialer(cfg *config.Configuration, dial Dialer, logger zerolog.Logger) *Pool {
	max := cfg.MaxConnections
	if max <= 0 {
		max = DefaultMaxConnections
	}

	p := &Pool{
		max:    max,
		dial:   dial,
		logger: logger.With().Str("layer", "pool").Logger(),
	}

	for _, address := range cfg.ObjectServers {
		p.object = append(p.object, &serverPool{
			address: address,
			idle:    make(chan *Conn, max),
		})
	}
	for _, address := range cfg.KVServers {
		p.kv = append(p.kv, &serverPool{
			address: address,
			idle:    make(chan *Conn, max),
		})
	}

	return p
}

// PopObject takes a connection to the object server at index.
func (p *Pool) PopObject(index uint32) (*Conn, error) {
	if int(index) >= len(p.object) {
		return nil, fmt.Errorf("pool: object server index %d out of range", index)
	}
	return p.pop(p.object[index])
}

// PushObject returns a connection taken with PopObject.
func (p *Pool) PushObject(index uint32, conn *Conn) {
	p.push(p.object[index], conn)
}

// PopKV takes a connection to the kv server at index.
func (p *Pool) PopKV(index uint32) (*Conn, error) {
	if int(index) >= len(p.kv) {
		return nil, fmt.Errorf("pool: kv server index %d out of range", index)
	}
	return p.pop(p.kv[index])
}

// PushKV returns a connection taken with PopKV.
func (p *Pool) PushKV(index uint32, conn *Conn) {
	p.push(p.kv[index], conn)
}

func (p *Pool) pop(sp *serverPool) (*Conn, error) {
	select {
	case conn := <-sp.idle:
		return conn, nil
	default:
	}

	sp.mu.Lock()
	if sp.created < p.max {
		sp.created++
		sp.mu.Unlock()

		raw, err := p.dial(sp.address)
		if err != nil {
			sp.mu.Lock()
			sp.created--
			sp.mu.Unlock()
			return nil, fmt.Errorf("pool: connect %s: %w", sp.address, err)
		}

		return &Conn{Conn: raw}, nil
	}
	sp.mu.Unlock()

	// At the cap: wait for a connection to come back. Waiters are served
	// in arrival order by the channel.
	return <-sp.idle, nil
}

func (p *Pool) push(sp *serverPool, conn *Conn) {
	if conn == nil {
		return
	}

	if conn.broken {
		if err := conn.Close(); err != nil {
			p.logger.Warn().Err(err).Str("server", sp.address).Msg("failed to close broken connection")
		}

		sp.mu.Lock()
		sp.created--
		sp.mu.Unlock()
		return
	}

	sp.idle <- conn
}

// Close discards all idle connections. Checked-out connections are closed
// by whoever holds them.
func (p *Pool) Close() {
	for _, sp := range append(append([]*serverPool{}, p.object...), p.kv...) {
	drain:
		for {
			select {
			case conn := <-sp.idle:
				_ = conn.Close()
			default:
				break drain
			}
		}
	}
}

package broker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/good-yellow-bee/kycstream/internal/alertqueue"
	"github.com/good-yellow-bee/kycstream/internal/auth"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrShuttingDown     = errors.New("broker is shutting down")
)

// State is a connection's lifecycle state.
type State int32

const (
	StateAuthenticating State = iota
	StateActive
	StateStale
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateActive:
		return "ACTIVE"
	case StateStale:
		return "STALE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CloseCode records why a connection ended.
type CloseCode string

const (
	CloseAuthFailed     CloseCode = "auth_failed"
	CloseStaleTimeout   CloseCode = "stale_timeout"
	CloseClientClosed   CloseCode = "client_closed"
	CloseServerError    CloseCode = "server_error"
	CloseServerShutdown CloseCode = "server_shutdown"
)

// Transport is the write side of a client session.
// Send and Close are only ever called from the connection's writer goroutine.
type Transport interface {
	// Send writes one text frame.
	Send(frame []byte) error
	// Close ends the session with code.
	Close(code CloseCode) error
}

// Connection is one live client session scoped to a single subject.
// Its fields are only mutated through the broker's components.
type Connection struct {
	id         string
	subject    string
	identity   auth.Identity
	remoteAddr string
	openedAt   time.Time
	transport  Transport

	state    atomic.Int32
	lastSeen atomic.Int64 // unix nanos
	filter   atomic.Pointer[Filter]

	limiter *rate.Limiter
	outbox  *outbox

	closeMu   sync.Mutex
	closeCode CloseCode
	done      chan struct{}
}

func newConnection(id, subject string, identity auth.Identity, remoteAddr string, t Transport, cfg Config, now time.Time) *Connection {
	replay := cfg.QueueCapacity
	if replay <= 0 {
		replay = alertqueue.DefaultCapacity
	}
	c := &Connection{
		id:         id,
		subject:    subject,
		identity:   identity,
		remoteAddr: remoteAddr,
		openedAt:   now,
		transport:  t,
		outbox:     newOutbox(cfg.SendBuffer, replay+1, cfg.OverflowPolicy), // one full replay and its ack,
		done:       make(chan struct{}),
	}
	if cfg.CommandRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.CommandRate), max(cfg.CommandBurst, 1))
	}
	c.state.Store(int32(StateAuthenticating))
	c.lastSeen.Store(now.UnixNano())
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Subject returns the subject the connection is scoped to.
func (c *Connection) Subject() string { return c.subject }

// Identity returns the authenticated principal.
func (c *Connection) Identity() auth.Identity { return c.identity }

// RemoteAddr returns the peer address seen at handshake.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// LastSeen returns the time of the last inbound activity.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Filter returns the current filter, nil when unfiltered.
func (c *Connection) Filter() *Filter { return c.filter.Load() }

// Done is closed after the transport has been closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// CloseCode returns the code the connection was closed with, empty while open.
func (c *Connection) CloseCode() CloseCode {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode
}

func (c *Connection) touch(now time.Time) bool {
	if c.State() != StateActive {
		return false
	}
	c.lastSeen.Store(now.UnixNano())
	return true
}

func (c *Connection) allowCommand(now time.Time) bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.AllowN(now, 1)
}

// close moves the connection to CLOSED and hands final to the writer.
// Only the first call has any effect.
func (c *Connection) close(code CloseCode, final []byte, flush bool) bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if State(c.state.Swap(int32(StateClosed))) == StateClosed {
		return false
	}
	c.closeCode = code
	c.outbox.close(final, flush)
	return true
}

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
)

// Flavor distinguishes the two socket kinds.
type Flavor int

const (
	// Legacy sockets carry base64 text lines and never get a reply.
	Legacy Flavor = iota
	// Modern sockets carry framed envelopes and get framed responses.
	Modern
)

func (f Flavor) String() string {
	if f == Modern {
		return "modern"
	}
	return "legacy"
}

// writeTimeout bounds one response write so a stuck peer cannot hold its
// connection goroutine forever.
const writeTimeout = 5 * time.Second

var (
	ErrUnidirectional = errors.New("transport: legacy connections are read-only")
	ErrConnClosed     = errors.New("transport: connection closed")
)

// Conn is one accepted client connection.
type Conn struct {
	id       string
	flavor   Flavor
	nc       net.Conn
	server   *Server
	openedAt time.Time

	// last encoding a frame arrived in; responses default to it
	encoding atomic.Int32

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func newConn(s *Server, flavor Flavor, nc net.Conn) *Conn {
	return &Conn{
		id:       uuid.NewString(),
		flavor:   flavor,
		nc:       nc,
		server:   s,
		openedAt: time.Now(),
	}
}

// ID returns the opaque connection id.
func (c *Conn) ID() string { return c.id }

// Flavor returns the socket kind the connection was accepted on.
func (c *Conn) Flavor() Flavor { return c.flavor }

// OpenedAt returns the accept time.
func (c *Conn) OpenedAt() time.Time { return c.openedAt }

// Encoding returns the encoding of the most recent frame read from the peer.
func (c *Conn) Encoding() ipc.Encoding { return ipc.Encoding(c.encoding.Load()) }

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool { return c.closed.Load() }

// WriteResponse frames resp with enc and writes it. Writes on one connection
// are serialized. A failed write tears the connection down.
func (c *Conn) WriteResponse(resp ipc.CommandResponse, enc ipc.Encoding) error {
	if c.flavor != Modern {
		return ErrUnidirectional
	}
	if c.closed.Load() {
		return ErrConnClosed
	}
	frame, err := ipc.SerializeResponse(resp, enc)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.nc.Write(frame); err != nil {
		connLog.Warn("response_write_failed",
			slog.String("conn", c.id),
			slog.String("error", err.Error()))
		c.Close()
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// Close closes the socket and removes the connection from its server.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
		if c.server != nil {
			c.server.removeConn(c)
		}
	})
	return err
}

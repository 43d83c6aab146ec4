package conn

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"net"

	"github.com/bitven/mongowire/msg"
)

var globalClientConnectionID int32

func nextClientConnectionID() int32 {
	return atomic.AddInt32(&globalClientConnectionID, 1)
}

// ErrConnectionClosed is returned from operations on a connection that has
// been closed or that failed its reconnect attempt.
var ErrConnectionClosed = errors.New("connection is closed")

// Handshaker runs the protocol-level handshake (server description and
// authentication) over a freshly dialed socket. It is invoked by Dial and
// again by the automatic reconnect inside Write.
type Handshaker func(ctx context.Context, c Connection) error

// Connection is responsible for reading and writing messages.
type Connection interface {
	// ID identifies the connection uniquely within the process.
	ID() string
	// Alive indicates whether the connection is usable.
	Alive() bool
	// Read reads the next message from the connection.
	Read(ctx context.Context) (*msg.Msg, error)
	// Write writes a message to the connection.
	Write(ctx context.Context, m *msg.Msg) error
}

// ConnectionCloser is a Connection that can be closed.
type ConnectionCloser interface {
	Connection

	// Close closes the connection.
	Close() error
}

// Dial opens a connection to a server and runs the configured handshake.
func Dial(ctx context.Context, endpoint Endpoint, opts ...Option) (ConnectionCloser, error) {
	cfg := newConfig(opts...)
	endpoint = endpoint.Canonicalize()

	transport, err := cfg.dialer(ctx, endpoint)
	if err != nil {
		return nil, &ConnectionError{
			ConnectionID: string(endpoint),
			message:      fmt.Sprintf("failed dialing %s", endpoint),
			inner:        err,
		}
	}

	c := &connectionImpl{
		id:        fmt.Sprintf("%s[-%d]", endpoint, nextClientConnectionID()),
		cfg:       cfg,
		ep:        endpoint,
		transport: transport,
		alive:     true,
	}

	// Handshake failures surface as-is so an authentication rejection
	// stays distinguishable from a transport failure.
	if cfg.handshaker != nil {
		c.handshaking = true
		err = cfg.handshaker(ctx, c)
		c.handshaking = false
		if err != nil {
			_ = transport.Close()
			return nil, err
		}
	}

	cfg.log.WithField("connection", c.id).Debug("connected")

	return c, nil
}

type connectionImpl struct {
	id        string
	cfg       *config
	ep        Endpoint
	transport net.Conn
	alive     bool

	// handshaking suppresses the reconnect-and-retry inside Write while a
	// handshake is driving this connection; a nested reconnect would
	// recurse.
	handshaking bool
}

func (c *connectionImpl) ID() string {
	return c.id
}

func (c *connectionImpl) Alive() bool {
	return c.alive
}

func (c *connectionImpl) String() string {
	return c.id
}

func (c *connectionImpl) Close() error {
	if !c.alive {
		return nil
	}
	c.alive = false

	err := c.transport.Close()
	if err != nil {
		return &TransportError{
			ConnectionID: c.id,
			message:      "failed closing",
			inner:        err,
		}
	}

	c.cfg.log.WithField("connection", c.id).Debug("closed")

	return nil
}

func (c *connectionImpl) Read(ctx context.Context) (*msg.Msg, error) {
	if !c.alive {
		return nil, ErrConnectionClosed
	}

	reader := newPollingReader(ctx, c.transport, c.cfg.cooperative)
	m, err := c.cfg.codec.Decode(reader)
	_ = c.transport.SetReadDeadline(time.Time{})
	if err != nil {
		var recvTimeout *ReceiveTimeoutError
		var framing *msg.FramingError
		if errors.As(err, &recvTimeout) || errors.As(err, &framing) || ctx.Err() != nil {
			return nil, err
		}
		c.alive = false
		return nil, &TransportError{
			ConnectionID: c.id,
			message:      "failed reading",
			inner:        err,
		}
	}

	return m, nil
}

func (c *connectionImpl) Write(ctx context.Context, m *msg.Msg) error {
	if !c.alive {
		return ErrConnectionClosed
	}

	err := c.write(ctx, m)
	if err == nil {
		return nil
	}

	if c.handshaking {
		return err
	}

	// One reconnect, then one retry. A second failure is terminal.
	c.cfg.log.WithField("connection", c.id).WithError(err).Warn("write failed, reconnecting once")

	if rerr := c.reconnect(ctx); rerr != nil {
		c.alive = false
		return &TransportError{
			ConnectionID: c.id,
			message:      "failed reconnecting after write failure",
			inner:        rerr,
		}
	}

	if err = c.write(ctx, m); err != nil {
		c.alive = false
		return &TransportError{
			ConnectionID: c.id,
			message:      "failed writing after reconnect",
			inner:        err,
		}
	}

	return nil
}

func (c *connectionImpl) write(ctx context.Context, m *msg.Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.transport.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return c.cfg.codec.Encode(c.transport, m)
}

func (c *connectionImpl) reconnect(ctx context.Context) error {
	transport, err := c.cfg.dialer(ctx, c.ep)
	if err != nil {
		return err
	}

	_ = c.transport.Close()
	c.transport = transport

	if c.cfg.handshaker != nil {
		c.handshaking = true
		err = c.cfg.handshaker(ctx, c)
		c.handshaking = false
		if err != nil {
			return err
		}
	}

	return nil
}

package conn_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	. "github.com/bitven/mongowire/conn"
	"github.com/bitven/mongowire/internal/conntest"
	"github.com/bitven/mongowire/msg"
)

func newTestMsg(t *testing.T, doc bson.D) *msg.Msg {
	t.Helper()
	body, err := bson.Marshal(doc)
	require.NoError(t, err)
	return msg.NewMsg(msg.NextRequestID(), bson.Raw(body))
}

func TestConn_WriteRead(t *testing.T) {
	server, err := conntest.NewServer(func(req bson.Raw) bson.D {
		require.Equal(t, "ping", conntest.Verb(req))
		return conntest.OK()
	})
	require.NoError(t, err)
	defer server.Close()

	subject, err := Dial(context.Background(), Endpoint(server.Addr()))
	require.NoError(t, err)
	defer func() { _ = subject.Close() }()

	require.True(t, subject.Alive())

	request := newTestMsg(t, bson.D{{Key: "ping", Value: int32(1)}, {Key: "$db", Value: "admin"}})
	require.NoError(t, subject.Write(context.Background(), request))

	resp, err := subject.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, request.ReqID, resp.RespTo)

	ok, err := resp.Body.LookupErr("ok")
	require.NoError(t, err)
	require.Equal(t, 1.0, ok.Double())
}

func TestConn_DefaultPort(t *testing.T) {
	require.Equal(t, Endpoint("localhost:27017"), Endpoint("localhost").Canonicalize())
	require.Equal(t, Endpoint("localhost:27018"), Endpoint("LOCALHOST:27018").Canonicalize())
}

func TestConn_DialFailure(t *testing.T) {
	// A listener that is immediately closed yields a dial failure.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), Endpoint(addr))
	require.Error(t, err)
	require.IsType(t, &ConnectionError{}, err)
}

func TestConn_HandshakerRunsOnDial(t *testing.T) {
	server, err := conntest.NewServer(func(req bson.Raw) bson.D {
		return conntest.OK()
	})
	require.NoError(t, err)
	defer server.Close()

	var ran bool
	handshaker := func(ctx context.Context, c Connection) error {
		ran = true
		req := newTestMsg(t, bson.D{{Key: "isMaster", Value: int32(1)}, {Key: "$db", Value: "admin"}})
		if err := c.Write(ctx, req); err != nil {
			return err
		}
		_, err := c.Read(ctx)
		return err
	}

	subject, err := Dial(context.Background(), Endpoint(server.Addr()), WithHandshaker(handshaker))
	require.NoError(t, err)
	defer func() { _ = subject.Close() }()

	require.True(t, ran)
	require.Len(t, server.Received(), 1)
}

// flakyConn fails exactly one write, then behaves normally.
type flakyConn struct {
	net.Conn
	failNext *atomic.Bool
}

func (c *flakyConn) Write(p []byte) (int, error) {
	if c.failNext.CompareAndSwap(true, false) {
		return 0, errors.New("injected write failure")
	}
	return c.Conn.Write(p)
}

func TestConn_WriteReconnectsOnce(t *testing.T) {
	server, err := conntest.NewServer(func(req bson.Raw) bson.D {
		return conntest.OK()
	})
	require.NoError(t, err)
	defer server.Close()

	var failNext atomic.Bool
	var dials int
	dialer := func(ctx context.Context, ep Endpoint) (net.Conn, error) {
		dials++
		c, err := DialEndpoint(ctx, ep)
		if err != nil {
			return nil, err
		}
		return &flakyConn{Conn: c, failNext: &failNext}, nil
	}

	subject, err := Dial(context.Background(), Endpoint(server.Addr()), WithEndpointDialer(dialer))
	require.NoError(t, err)
	defer func() { _ = subject.Close() }()

	failNext.Store(true)

	request := newTestMsg(t, bson.D{{Key: "ping", Value: int32(1)}, {Key: "$db", Value: "admin"}})
	require.NoError(t, subject.Write(context.Background(), request))
	require.True(t, subject.Alive())
	require.Equal(t, 2, dials)

	resp, err := subject.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, request.ReqID, resp.RespTo)
}

func TestConn_ReadAfterClose(t *testing.T) {
	server, err := conntest.NewServer(func(req bson.Raw) bson.D {
		return conntest.OK()
	})
	require.NoError(t, err)
	defer server.Close()

	subject, err := Dial(context.Background(), Endpoint(server.Addr()))
	require.NoError(t, err)
	require.NoError(t, subject.Close())
	require.False(t, subject.Alive())

	_, err = subject.Read(context.Background())
	require.Equal(t, ErrConnectionClosed, err)
}

func TestConn_ReceiveTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping backoff exhaustion in short mode")
	}

	// A listener that completes the TCP handshake but never sends a byte
	// exhausts the poll budget (10,000 polls of 1 ms in cooperative mode).
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	subject, err := Dial(context.Background(), Endpoint(ln.Addr().String()), WithCooperativeScheduling())
	require.NoError(t, err)
	defer func() { _ = subject.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	_, err = subject.Read(ctx)
	require.Error(t, err)
	var timeoutErr *ReceiveTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

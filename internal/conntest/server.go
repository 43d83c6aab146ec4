// Package conntest provides a scripted in-process MongoDB endpoint for
// transport and client tests.
package conntest

import (
	"net"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/bitven/mongowire/msg"
)

// HandlerFunc produces the reply document for one received command
// document. Returning nil closes the connection without replying.
type HandlerFunc func(req bson.Raw) bson.D

// Server is a TCP endpoint speaking just enough OP_MSG to script replies.
type Server struct {
	ln      net.Listener
	handler HandlerFunc

	mu       sync.Mutex
	received []bson.Raw
	closed   bool
}

// NewServer starts a server on a loopback port.
func NewServer(handler HandlerFunc) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{ln: ln, handler: handler}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Received returns a copy of every command document seen so far, in order.
func (s *Server) Received() []bson.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bson.Raw, len(s.received))
	copy(out, s.received)
	return out
}

// Close stops accepting and tears the listener down.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	_ = s.ln.Close()
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer func() { _ = c.Close() }()

	codec := msg.NewWireProtocolCodec()
	for {
		m, err := codec.Decode(c)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.received = append(s.received, m.Body)
		s.mu.Unlock()

		reply := s.handler(m.Body)
		if reply == nil {
			return
		}

		body, err := bson.Marshal(reply)
		if err != nil {
			return
		}

		resp := &msg.Msg{
			ReqID:  msg.NextRequestID(),
			RespTo: m.ReqID,
			Body:   bson.Raw(body),
		}
		if err := codec.Encode(c, resp); err != nil {
			return
		}
	}
}

// Verb returns the first key of a command document, which names the
// command.
func Verb(req bson.Raw) string {
	elems, err := req.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}

// OK is the minimal success reply.
func OK() bson.D {
	return bson.D{{Key: "ok", Value: 1.0}}
}

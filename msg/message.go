package msg

import (
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"
)

type opcode int32

// opMsg is the only opcode spoken on the wire. Older opcodes (OP_QUERY,
// OP_REPLY) were removed from the server and are not supported here.
const opMsg opcode = 2013

const (
	// frameOverhead is the number of bytes surrounding the BSON body: a
	// 16 byte header, 4 flag bytes and 1 payload-type byte.
	frameOverhead = 21

	// MaxMessageSize bounds both outgoing and incoming messages.
	MaxMessageSize = 16 * 1024 * 1024
)

var globalRequestID int32

// NextRequestID returns a new request id usable in a message header.
func NextRequestID() int32 {
	return atomic.AddInt32(&globalRequestID, 1)
}

// Msg is a single OP_MSG message: one type-0 section holding one BSON
// document. RespTo is zero on requests and carries the correlated request
// id on responses.
type Msg struct {
	ReqID    int32
	RespTo   int32
	FlagBits uint32
	Body     bson.Raw
}

// NewMsg builds a request message around an encoded command document.
func NewMsg(reqID int32, body bson.Raw) *Msg {
	return &Msg{ReqID: reqID, Body: body}
}

// Len returns the total encoded size of the message.
func (m *Msg) Len() int {
	return frameOverhead + len(m.Body)
}

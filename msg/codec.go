package msg

import (
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
)

// FramingError indicates a malformed message envelope. It is raised before
// any BSON decoding takes place.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: %s", e.Reason)
}

func newFramingErrorf(format string, args ...interface{}) *FramingError {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// Codec reads and writes messages on a stream.
type Codec interface {
	Encode(io.Writer, *Msg) error
	Decode(io.Reader) (*Msg, error)
}

// NewWireProtocolCodec creates a Codec for the binary message format.
func NewWireProtocolCodec() Codec {
	return &wireProtocolCodec{
		lengthBytes: make([]byte, 4),
	}
}

type wireProtocolCodec struct {
	lengthBytes []byte
}

func (c *wireProtocolCodec) Encode(writer io.Writer, m *Msg) error {
	if len(m.Body) > MaxMessageSize-frameOverhead {
		return newFramingErrorf("message of %d bytes exceeds the %d byte limit", m.Len(), MaxMessageSize)
	}

	b := make([]byte, 0, m.Len())
	b = addHeader(b, int32(m.Len()), m.ReqID, m.RespTo, int32(opMsg))
	b = addInt32(b, int32(m.FlagBits))
	b = append(b, 0) // payload type 0: a single BSON document
	b = append(b, m.Body...)

	_, err := writer.Write(b)
	if err != nil {
		return fmt.Errorf("unable to encode message: %v", err)
	}
	return nil
}

func (c *wireProtocolCodec) Decode(reader io.Reader) (*Msg, error) {
	_, err := io.ReadFull(reader, c.lengthBytes)
	if err != nil {
		return nil, fmt.Errorf("unable to decode message length: %w", err)
	}

	length := readInt32(c.lengthBytes, 0)
	if length < frameOverhead {
		return nil, newFramingErrorf("message length %d is below the %d byte minimum", length, frameOverhead)
	}
	if length > MaxMessageSize {
		return nil, newFramingErrorf("message of %d bytes exceeds the %d byte limit", length, MaxMessageSize)
	}

	b := make([]byte, length)

	b[0] = c.lengthBytes[0]
	b[1] = c.lengthBytes[1]
	b[2] = c.lengthBytes[2]
	b[3] = c.lengthBytes[3]

	_, err = io.ReadFull(reader, b[4:])
	if err != nil {
		return nil, fmt.Errorf("unable to decode message: %w", err)
	}

	return c.decode(b)
}

func (c *wireProtocolCodec) decode(b []byte) (*Msg, error) {
	requestID := readInt32(b, 4)
	responseTo := readInt32(b, 8)
	op := readInt32(b, 12)

	if opcode(op) != opMsg {
		return nil, newFramingErrorf("opcode %d not supported", op)
	}

	m := &Msg{
		ReqID:    requestID,
		RespTo:   responseTo,
		FlagBits: uint32(readInt32(b, 16)),
	}

	// A bare 21 byte frame carries no document at all; treat it as empty.
	if len(b) == frameOverhead {
		m.Body = bson.Raw{5, 0, 0, 0, 0}
		return m, nil
	}

	if b[20] != 0 {
		return nil, newFramingErrorf("payload type %d not supported", b[20])
	}

	body := b[frameOverhead:]
	if len(body) < 5 {
		return nil, newFramingErrorf("document of %d bytes is truncated", len(body))
	}
	if int(readInt32(body, 0)) != len(body) {
		return nil, newFramingErrorf("document length %d does not match the %d remaining bytes", readInt32(body, 0), len(body))
	}

	m.Body = bson.Raw(body)
	return m, nil
}

func addInt32(b []byte, i int32) []byte {
	return append(b, byte(i), byte(i>>8), byte(i>>16), byte(i>>24))
}

func setInt32(b []byte, pos int32, i int32) {
	b[pos] = byte(i)
	b[pos+1] = byte(i >> 8)
	b[pos+2] = byte(i >> 16)
	b[pos+3] = byte(i >> 24)
}

func addHeader(b []byte, length, requestID, responseTo, opCode int32) []byte {
	b = addInt32(b, length)
	b = addInt32(b, requestID)
	b = addInt32(b, responseTo)
	return addInt32(b, opCode)
}

func readInt32(b []byte, pos int32) int32 {
	return (int32(b[pos+0])) |
		(int32(b[pos+1]) << 8) |
		(int32(b[pos+2]) << 16) |
		(int32(b[pos+3]) << 24)
}

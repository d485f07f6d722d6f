// Package protocol implements the custom binary frame protocol used by the
// admin/introspection listener.
//
// It solves TCP's sticky packet problem by using a fixed-size 16-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// The admin listener exposes a small, closed set of operations (stats, get) —
// there is no method-name string to parse out of the body before dispatch
// can even begin, so Command travels as a single byte in the header itself.
// A response frame echoes the Command it answers and carries a Status byte
// classifying the outcome, so a caller building metrics or logs doesn't need
// to decode the body just to know whether the call succeeded.
//
// Frame format:
//
//	0      3  4  5  6  7  8         12        16
//	┌──────┬──┬──┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│cm│st│   seq   │ bodyLen │    body ...    │
//	│ plb  │01│  │  │  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "plb" (provider load balancer).
// Used to quickly identify whether the incoming data is a valid admin frame,
// rejecting non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x6c // 'l'
	MagicByte3  byte = 0x62 // 'b'
	Version     byte = 0x01
	HeaderSize  int  = 16 // 3(magic)+1(version)+1(codec)+1(msgType)+1(command)+1(status)+4(seq)+4(bodyLen)
)

// MsgType distinguishes request, response, and keepalive frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // admin client → listener command
	MsgTypeResponse  MsgType = 1 // listener → admin client result
	MsgTypeHeartbeat MsgType = 2 // connection keepalive probe (no body)
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Command identifies which fixed admin operation a request frame carries,
// and which operation a response frame answers. The admin listener's
// command set is small and closed (see admin.Server.dispatch), so it's a
// one-byte enum in the header rather than a string the receiver would have
// to decode the body to read.
type Command byte

const (
	CommandUnspecified Command = 0
	CommandStats       Command = 1 // fetch a point-in-time balancer.Stats snapshot
	CommandGet         Command = 2 // run a dispatch probe and return the chosen provider id
)

// String renders c for logging; middleware logs the command on every
// dispatch and a human-readable name is more useful there than a raw byte.
func (c Command) String() string {
	switch c {
	case CommandStats:
		return "stats"
	case CommandGet:
		return "get"
	default:
		return "unspecified"
	}
}

// Status classifies a response frame's outcome. Request frames leave this
// at its zero value; it's meaningful only on MsgTypeResponse.
type Status byte

const (
	StatusOK    Status = 0
	StatusError Status = 1
)

// Header represents the fixed 16-byte frame header.
// It carries metadata needed to decode the following body correctly.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response, or Heartbeat
	Command   Command // Which admin operation (request) or which one answered (response)
	Status    Status  // Response outcome; unset on requests
	Seq       uint32  // Sequence ID — the key to multiplexing (matches request ↔ response)
	BodyLen   uint32  // Body length in bytes — solves TCP sticky packet problem
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)

	// Magic number: 3 bytes — protocol identification
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	// Version: 1 byte — for future protocol upgrades
	buf[3] = Version
	// Codec type: 1 byte
	buf[4] = h.CodecType
	// Message type: 1 byte
	buf[5] = byte(h.MsgType)
	// Command: 1 byte
	buf[6] = byte(h.Command)
	// Status: 1 byte
	buf[7] = byte(h.Status)
	// Sequence number: 4 bytes, big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[8:12], h.Seq)
	// Body length: 4 bytes, big-endian
	binary.BigEndian.PutUint32(buf[12:16], h.BodyLen)

	// Write header
	if _, err := w.Write(buf); err != nil {
		return err
	}
	// Write body (may be nil for heartbeat frames)
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, and message type.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	// Step 1: Read the fixed 16-byte header
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	// Step 2: Validate magic number — reject non-protocol connections
	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	// Step 3: Validate version
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	// Step 4: Validate codec type
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	// Step 5: Validate message type
	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	// Step 6: Parse command, status, sequence number, and body length
	command := headerBuf[6]
	status := headerBuf[7]
	seq := binary.BigEndian.Uint32(headerBuf[8:12])
	bodyLen := binary.BigEndian.Uint32(headerBuf[12:16])

	// Step 7: Read exactly bodyLen bytes — this is how we solve TCP sticky packet
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Command:   Command(command),
		Status:    Status(status),
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}

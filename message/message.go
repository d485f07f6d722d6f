// Package message defines the body carried inside an admin protocol frame.
//
// Which admin operation a frame carries travels in the protocol header
// (protocol.Header.Command), not in the body — the body only needs to
// carry what the header can't: the result, or an error detail.
package message

// Envelope is the decoded frame body.
//
//   - On request: Payload is command-specific; the fixed stats/get commands
//     both take no arguments, so it's empty.
//   - On response: Payload contains the serialized result. Error is
//     non-empty if the command failed, in which case Payload is empty.
type Envelope struct {
	Error   string
	Payload []byte
}

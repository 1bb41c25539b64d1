package wire

import (
	"encoding/json"
	"time"

	"github.com/agentwire/agentwire-go/contracts"
)

// ProtocolVersion is announced by the server in its ACK.
const ProtocolVersion = "1"

// Control payloads ride inside envelopes with the corresponding control
// message type. They are filtered out before business handlers run.

// Hello is the first record a client sends after connecting.
type Hello struct {
	TS     int64  `json:"ts" cbor:"ts"`
	Client string `json:"client" cbor:"client"`
}

// Ack is the server's answer to a Hello; receiving it completes the
// handshake.
type Ack struct {
	TS      int64  `json:"ts" cbor:"ts"`
	Version string `json:"version" cbor:"version"`
}

// Ping is sent periodically by the server after the handshake.
type Ping struct {
	TS int64 `json:"ts" cbor:"ts"`
}

// Pong answers a Ping and doubles as the client's liveness signal.
type Pong struct {
	TS int64 `json:"ts" cbor:"ts"`
}

// ErrorRecord reports a protocol failure to a specific peer.
type ErrorRecord struct {
	Error   string `json:"error" cbor:"error"`
	Details string `json:"details,omitempty" cbor:"details,omitempty"`
}

// Error reasons carried by ErrorRecord.
const (
	ErrorHandshakeTimeout = "handshake_timeout"
	ErrorInvalidMessage   = "invalid_message"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

func controlEnvelope(sender, recipient string, t contracts.MessageType, payload interface{}) *contracts.Envelope {
	data, _ := json.Marshal(payload)
	e := contracts.NewEnvelope(sender, recipient, t)
	e.Payload = data
	return e
}

// NewHello builds a HELLO control envelope.
func NewHello(client string) *contracts.Envelope {
	return controlEnvelope(client, "server", contracts.MessageTypeHello, Hello{TS: nowMillis(), Client: client})
}

// NewAck builds an ACK control envelope.
func NewAck(sender, recipient string) *contracts.Envelope {
	return controlEnvelope(sender, recipient, contracts.MessageTypeAck, Ack{TS: nowMillis(), Version: ProtocolVersion})
}

// NewPing builds a PING control envelope.
func NewPing(sender, recipient string) *contracts.Envelope {
	return controlEnvelope(sender, recipient, contracts.MessageTypePing, Ping{TS: nowMillis()})
}

// NewPong builds a PONG control envelope.
func NewPong(sender, recipient string) *contracts.Envelope {
	return controlEnvelope(sender, recipient, contracts.MessageTypePong, Pong{TS: nowMillis()})
}

// NewError builds an ERROR control envelope.
func NewError(sender, recipient, reason, details string) *contracts.Envelope {
	return controlEnvelope(sender, recipient, contracts.MessageTypeError, ErrorRecord{Error: reason, Details: details})
}

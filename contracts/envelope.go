package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of record carried by an envelope.
type MessageType string

const (
	// MessageTypeTaskRequest carries a TaskRequest payload.
	MessageTypeTaskRequest MessageType = "TASK_REQUEST"
	// MessageTypeTaskResponse carries a TaskResponse payload.
	MessageTypeTaskResponse MessageType = "TASK_RESPONSE"

	// Control types used by the socket transport. They never reach
	// business handlers.
	MessageTypeHello MessageType = "HELLO"
	MessageTypeAck   MessageType = "ACK"
	MessageTypePing  MessageType = "PING"
	MessageTypePong  MessageType = "PONG"
	// MessageTypeError is a control record reporting a protocol-level
	// failure (handshake timeout, invalid message) back to a peer.
	MessageTypeError MessageType = "ERROR"
)

// IsControl reports whether the type is a transport control record.
func (t MessageType) IsControl() bool {
	switch t {
	case MessageTypeHello, MessageTypeAck, MessageTypePing, MessageTypePong, MessageTypeError:
		return true
	}
	return false
}

// knownMessageTypes is the closed set accepted by validation.
var knownMessageTypes = map[MessageType]struct{}{
	MessageTypeTaskRequest:  {},
	MessageTypeTaskResponse: {},
	MessageTypeHello:        {},
	MessageTypeAck:          {},
	MessageTypePing:         {},
	MessageTypePong:         {},
	MessageTypeError:        {},
}

// DeliveryGuarantee declares the reliability policy attached to an
// envelope. It informs sender retry behavior; the transport itself does
// not enforce it.
type DeliveryGuarantee string

const (
	// AtLeastOnce means the sender retries until delivery is confirmed
	// or retries are exhausted. Duplicates are possible.
	AtLeastOnce DeliveryGuarantee = "AT_LEAST_ONCE"
)

// DeliveryPolicy describes how a sender should treat an envelope.
type DeliveryPolicy struct {
	Guarantee    DeliveryGuarantee `json:"guarantee" cbor:"guarantee"`
	RetryCount   int               `json:"retryCount" cbor:"retryCount"`
	RetryDelayMs int64             `json:"retryDelayMs" cbor:"retryDelayMs"`
	RequireAck   bool              `json:"requireAck" cbor:"requireAck"`
	Priority     int               `json:"priority" cbor:"priority"`
}

// RetryDelay returns the delay between send retries.
func (p DeliveryPolicy) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// DefaultDeliveryPolicy is applied to task requests unless the caller
// overrides it.
func DefaultDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{
		Guarantee:    AtLeastOnce,
		RetryCount:   3,
		RetryDelayMs: 1000,
		RequireAck:   true,
		Priority:     5,
	}
}

// Envelope wraps messages for transport. It carries routing, correlation
// and tracing data around an opaque payload. Envelopes are immutable once
// sent and are discarded after delivery; there is no persistence.
type Envelope struct {
	ID            string            `json:"id" cbor:"id"`
	CorrelationID string            `json:"correlationId,omitempty" cbor:"correlationId,omitempty"`
	TraceID       string            `json:"traceId,omitempty" cbor:"traceId,omitempty"`
	SpanID        string            `json:"spanId,omitempty" cbor:"spanId,omitempty"`
	Sender        string            `json:"sender" cbor:"sender"`
	Recipient     string            `json:"recipient" cbor:"recipient"`
	Type          MessageType       `json:"type" cbor:"type"`
	Payload       json.RawMessage   `json:"payload,omitempty" cbor:"payload,omitempty"`
	Delivery      DeliveryPolicy    `json:"delivery" cbor:"delivery"`
	Baggage       map[string]string `json:"baggage,omitempty" cbor:"baggage,omitempty"`
	Timestamp     time.Time         `json:"timestamp" cbor:"timestamp"`
	Permissions   []string          `json:"permissions,omitempty" cbor:"permissions,omitempty"`
}

// EnvelopeOption configures envelope creation.
type EnvelopeOption func(*Envelope)

// WithCorrelationID links the envelope to an originating request.
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithTrace sets the trace and span identifiers.
func WithTrace(traceID, spanID string) EnvelopeOption {
	return func(e *Envelope) {
		e.TraceID = traceID
		e.SpanID = spanID
	}
}

// WithPayload marshals v into the envelope payload.
func WithPayload(v interface{}) EnvelopeOption {
	return func(e *Envelope) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		e.Payload = data
	}
}

// WithDelivery sets the delivery policy.
func WithDelivery(policy DeliveryPolicy) EnvelopeOption {
	return func(e *Envelope) { e.Delivery = policy }
}

// WithBaggage attaches propagation-context entries.
func WithBaggage(baggage map[string]string) EnvelopeOption {
	return func(e *Envelope) {
		if len(baggage) == 0 {
			return
		}
		if e.Baggage == nil {
			e.Baggage = make(map[string]string, len(baggage))
		}
		for k, v := range baggage {
			e.Baggage[k] = v
		}
	}
}

// WithPermissions sets the permission tags.
func WithPermissions(tags ...string) EnvelopeOption {
	return func(e *Envelope) { e.Permissions = tags }
}

// NewEnvelope creates an envelope with a generated id, current UTC
// timestamp and the default delivery policy.
func NewEnvelope(sender, recipient string, messageType MessageType, opts ...EnvelopeOption) *Envelope {
	e := &Envelope{
		ID:        uuid.New().String(),
		Sender:    sender,
		Recipient: recipient,
		Type:      messageType,
		Delivery:  DefaultDeliveryPolicy(),
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UnmarshalPayload decodes the envelope payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

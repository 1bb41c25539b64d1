package contracts

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports a malformed envelope. The message is rejected
// before any delivery attempt and is never retried.
type ValidationError struct {
	Fields []string
	cause  error
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("invalid envelope: %v", e.cause)
	}
	return fmt.Sprintf("invalid envelope: missing or invalid fields: %s", strings.Join(e.Fields, ", "))
}

// Unwrap returns the decoding error, if any.
func (e *ValidationError) Unwrap() error { return e.cause }

// QueueFullError is the backpressure signal: a recipient queue reached
// its size cap and the send was rejected rather than buffered. The
// caller must retry or drop; the transport does not retry internally.
type QueueFullError struct {
	Recipient string
	Size      int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full for recipient %q (max %d)", e.Recipient, e.Size)
}

// HandshakeTimeoutError indicates a peer did not complete the HELLO/ACK
// exchange in time. The connection is destroyed; the caller must
// reconnect.
type HandshakeTimeoutError struct {
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("handshake not completed within %s", e.Timeout)
}

// NoAckError indicates the client did not receive an ACK for its HELLO
// in time. The socket is destroyed; the caller must reconnect.
type NoAckError struct {
	Timeout time.Duration
}

func (e *NoAckError) Error() string {
	return fmt.Sprintf("no ACK received within %s", e.Timeout)
}

// DeliveryError records a handler failure during delivery. It is logged
// and counted at the transport boundary and never propagated to the
// publishing caller; sibling handlers are unaffected.
type DeliveryError struct {
	Recipient string
	MessageID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %q failed for message %s: %v", e.Recipient, e.MessageID, e.Err)
}

// Unwrap returns the handler error.
func (e *DeliveryError) Unwrap() error { return e.Err }

// TaskTimeoutError indicates no matching response arrived within the
// task deadline. A late response after this error is a no-op.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

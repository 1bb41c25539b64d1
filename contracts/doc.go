// Package contracts provides the core message types shared by every
// transport in agentwire.
//
// The package defines:
//   - Envelope: the validated, transport-agnostic message wrapper
//     carrying routing, correlation, tracing and delivery-policy data
//   - TaskRequest / TaskResponse: the typed task call payloads
//   - Validate: the single entry point through which every envelope
//     must pass before a transport will deliver it
//   - the error taxonomy (ValidationError, QueueFullError,
//     HandshakeTimeoutError, NoAckError, DeliveryError, TaskTimeoutError)
//
// Envelopes are serializable as JSON (in-process, broker) and CBOR
// (socket wire protocol) so the same shape crosses every boundary.
package contracts

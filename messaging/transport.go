package messaging

import (
	"context"

	"github.com/agentwire/agentwire-go/contracts"
)

// EnvelopeHandler processes a delivered envelope.
type EnvelopeHandler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// EnvelopeHandlerFunc is a function adapter for EnvelopeHandler.
type EnvelopeHandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// Handle implements EnvelopeHandler.
func (f EnvelopeHandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Transport delivers envelopes to named recipients. The in-process bus,
// the unix-socket client and the broker transport all satisfy it, so
// the task correlation layer is transport-agnostic.
type Transport interface {
	// Send validates and hands one envelope to the transport. Handler
	// failures on the far side never surface here; only validation,
	// backpressure and connection errors do.
	Send(ctx context.Context, env *contracts.Envelope) error

	// Subscribe registers a handler for envelopes addressed to
	// recipient and returns a closure that removes exactly that
	// handler.
	Subscribe(recipient string, handler EnvelopeHandler) (func(), error)

	// Close releases the transport and removes all subscriptions.
	Close() error
}

// MiddlewareFunc processes envelopes before they reach handlers.
type MiddlewareFunc func(ctx context.Context, env *contracts.Envelope, next EnvelopeHandler) error

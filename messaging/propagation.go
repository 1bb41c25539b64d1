package messaging

import (
	"context"

	"github.com/agentwire/agentwire-go/contracts"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	baggageContextKey contextKey = "agentwire:baggage"
	traceContextKey   contextKey = "agentwire:trace"
)

// TraceInfo carries the trace and span identifiers active for a
// delivery, so nested operations attribute correctly.
type TraceInfo struct {
	TraceID string
	SpanID  string
}

// WithBaggage returns a context carrying propagation baggage.
func WithBaggage(ctx context.Context, baggage map[string]string) context.Context {
	if len(baggage) == 0 {
		return ctx
	}
	merged := make(map[string]string, len(baggage))
	for k, v := range BaggageFromContext(ctx) {
		merged[k] = v
	}
	for k, v := range baggage {
		merged[k] = v
	}
	return context.WithValue(ctx, baggageContextKey, merged)
}

// BaggageFromContext returns the propagation baggage, or nil.
func BaggageFromContext(ctx context.Context) map[string]string {
	b, _ := ctx.Value(baggageContextKey).(map[string]string)
	return b
}

// WithTrace returns a context carrying trace identifiers.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceContextKey, info)
}

// TraceFromContext returns the active trace identifiers.
func TraceFromContext(ctx context.Context) (TraceInfo, bool) {
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}

// deliveryContext re-activates the envelope's propagation state for a
// handler invocation: the baggage and trace captured at send time
// become the handler's ambient context.
func deliveryContext(ctx context.Context, env *contracts.Envelope) context.Context {
	if env.TraceID != "" || env.SpanID != "" {
		ctx = WithTrace(ctx, TraceInfo{TraceID: env.TraceID, SpanID: env.SpanID})
	}
	return WithBaggage(ctx, env.Baggage)
}

// stampPropagation captures the sender's ambient propagation state onto
// an outbound envelope if the caller did not set it explicitly.
func stampPropagation(ctx context.Context, env *contracts.Envelope) {
	if env.Baggage == nil {
		if b := BaggageFromContext(ctx); len(b) > 0 {
			env.Baggage = make(map[string]string, len(b))
			for k, v := range b {
				env.Baggage[k] = v
			}
		}
	}
	if env.TraceID == "" {
		if info, ok := TraceFromContext(ctx); ok {
			env.TraceID = info.TraceID
			if env.SpanID == "" {
				env.SpanID = info.SpanID
			}
		}
	}
}

// Package reliability provides the retry and circuit-breaker primitives
// used by senders. Retry behavior is driven by the delivery policy an
// envelope carries; the transport itself never retries.
package reliability

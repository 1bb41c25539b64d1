// Package messaging provides the transport abstraction, the in-process
// event bus and the task correlation layer.
//
// The Transport interface is the seam between the correlation layer and
// the concrete transports: the in-process Bus here, the unix-socket
// client in transports/unixsock and the broker transport in
// transports/amqp all satisfy it.
//
// Bus delivers envelopes to handlers subscribed by recipient name. Each
// recipient has one bounded FIFO queue drained by a dedicated worker
// goroutine; a full queue rejects sends with QueueFullError
// (backpressure), duplicate envelope ids within the deduplication
// window are dropped, and handler failures are contained at the
// transport boundary.
//
// TaskClient and TaskServer implement awaitable request/response on top
// of any Transport: the client correlates TASK_RESPONSE envelopes to
// pending requests by correlation id with a per-request timeout, the
// server dispatches TASK_REQUEST envelopes to per-task-type handlers
// and always produces exactly one response.
package messaging

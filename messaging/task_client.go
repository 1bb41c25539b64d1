package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/internal/reliability"
	"github.com/agentwire/agentwire-go/monitor"
)

// DefaultTaskTimeout is applied when the caller passes a zero timeout.
const DefaultTaskTimeout = 30 * time.Second

// TaskClient turns one-way envelope delivery into an awaitable task
// call. It keeps a pending-request table keyed by correlation id; the
// first of {matching response, timeout, caller cancellation} wins and
// the losing outcome is a no-op.
type TaskClient struct {
	transport Transport
	sender    string

	mu      sync.Mutex
	pending map[string]chan *contracts.TaskResponse

	unsubscribe    func()
	circuitBreaker *reliability.CircuitBreaker
	logger         *slog.Logger
	metrics        monitor.MetricsCollector
	closed         bool
}

// TaskClientOption configures the TaskClient.
type TaskClientOption func(*TaskClient)

// WithTaskClientLogger sets the logger.
func WithTaskClientLogger(logger *slog.Logger) TaskClientOption {
	return func(c *TaskClient) { c.logger = logger }
}

// WithTaskClientMetrics sets the metrics sink.
func WithTaskClientMetrics(m monitor.MetricsCollector) TaskClientOption {
	return func(c *TaskClient) { c.metrics = m }
}

// WithTaskClientCircuitBreaker guards sends with a circuit breaker.
func WithTaskClientCircuitBreaker(cb *reliability.CircuitBreaker) TaskClientOption {
	return func(c *TaskClient) { c.circuitBreaker = cb }
}

// NewTaskClient creates a task client that receives responses on the
// sender's own inbox.
func NewTaskClient(transport Transport, senderID string, opts ...TaskClientOption) (*TaskClient, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if senderID == "" {
		return nil, fmt.Errorf("senderID cannot be empty")
	}

	c := &TaskClient{
		transport: transport,
		sender:    senderID,
		pending:   make(map[string]chan *contracts.TaskResponse),
		logger:    slog.Default(),
		metrics:   monitor.NopCollector{},
	}
	for _, opt := range opts {
		opt(c)
	}

	unsubscribe, err := transport.Subscribe(senderID, EnvelopeHandlerFunc(c.handleResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to inbox %q: %w", senderID, err)
	}
	c.unsubscribe = unsubscribe

	return c, nil
}

// SendTaskRequest sends one task request and waits for its response. A
// zero timeout selects DefaultTaskTimeout. Cancellation surfaces only
// here: callers cancel by abandoning the call via ctx; in-flight sends
// are not otherwise interruptible.
func (c *TaskClient) SendTaskRequest(ctx context.Context, req *contracts.TaskRequest, recipientID string, timeout time.Duration) (*contracts.TaskResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}
	if recipientID == "" {
		return nil, fmt.Errorf("recipientID cannot be empty")
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}

	policy := contracts.DefaultDeliveryPolicy()
	if req.Priority != 0 {
		policy.Priority = req.Priority
	}

	env := contracts.NewEnvelope(c.sender, recipientID, contracts.MessageTypeTaskRequest,
		contracts.WithCorrelationID(req.TaskID),
		contracts.WithPayload(req),
		contracts.WithDelivery(policy),
		contracts.WithTrace(uuid.New().String(), uuid.New().String()),
		contracts.WithBaggage(BaggageFromContext(ctx)),
	)

	responseCh := make(chan *contracts.TaskResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("task client is closed")
	}
	c.pending[req.TaskID] = responseCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.TaskID)
		c.mu.Unlock()
	}()

	// The timeout clock starts when the request is registered, so retry
	// delays inside send count against it rather than on top of it.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.send(sendCtx, env); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.metrics.IncrementCounter(monitor.CounterTaskTimeout, map[string]string{"recipient": recipientID})
			return nil, &contracts.TaskTimeoutError{TaskID: req.TaskID, Timeout: timeout}
		}
		return nil, fmt.Errorf("failed to send task request %s: %w", req.TaskID, err)
	}

	select {
	case resp := <-responseCh:
		c.metrics.RecordProcessingTime("task_roundtrip", time.Duration(resp.Metrics.ProcessingTimeMs)*time.Millisecond)
		return resp, nil
	case <-timer.C:
		c.metrics.IncrementCounter(monitor.CounterTaskTimeout, map[string]string{"recipient": recipientID})
		return nil, &contracts.TaskTimeoutError{TaskID: req.TaskID, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send performs the transport send under the envelope's delivery policy
// (retry count and delay) and the optional circuit breaker.
func (c *TaskClient) send(ctx context.Context, env *contracts.Envelope) error {
	policy := reliability.NewFixedDelay(env.Delivery.RetryDelay(), env.Delivery.RetryCount)
	attempt := func() error {
		return reliability.Retry(ctx, policy, func() error {
			return c.transport.Send(ctx, env)
		})
	}
	if c.circuitBreaker != nil {
		return c.circuitBreaker.Execute(ctx, attempt)
	}
	return attempt()
}

// handleResponse resolves the pending request matching an inbound
// TASK_RESPONSE. Responses with no pending entry (late replies after a
// timeout, or duplicates) are dropped silently.
func (c *TaskClient) handleResponse(ctx context.Context, env *contracts.Envelope) error {
	if env.Type != contracts.MessageTypeTaskResponse {
		return nil
	}
	if env.CorrelationID == "" {
		return fmt.Errorf("task response %s missing correlation id", env.ID)
	}

	var resp contracts.TaskResponse
	if err := env.UnmarshalPayload(&resp); err != nil {
		return fmt.Errorf("failed to decode task response %s: %w", env.ID, err)
	}

	c.mu.Lock()
	responseCh, exists := c.pending[env.CorrelationID]
	c.mu.Unlock()

	if !exists {
		c.logger.Debug("dropping unmatched task response", "correlationId", env.CorrelationID)
		return nil
	}

	select {
	case responseCh <- &resp:
	default:
		// Already resolved; a second response is a no-op.
	}
	return nil
}

// PendingCount returns the number of in-flight requests.
func (c *TaskClient) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close unregisters the inbox handler. In-flight calls are left to time
// out or resolve from already-buffered responses.
func (c *TaskClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	return nil
}

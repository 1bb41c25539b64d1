package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/monitor"
)

// DefaultMaxQueueSize bounds each per-recipient queue.
const DefaultMaxQueueSize = 128

// Bus is the in-process transport: an event bus keyed by recipient
// name. Each recipient has one bounded queue drained by one worker
// goroutine, which makes the FIFO-per-recipient ordering guarantee
// explicit; deliveries for different recipients interleave freely.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*busSubscription
	queues  map[string]chan *contracts.Envelope
	nextSub uint64
	closed  bool

	maxQueue   int
	dedup      *DedupCache
	middleware []MiddlewareFunc
	logger     *slog.Logger
	metrics    monitor.MetricsCollector
	wg         sync.WaitGroup
}

type busSubscription struct {
	id      uint64
	handler EnvelopeHandler
}

// BusOption configures the Bus.
type BusOption func(*busConfig)

type busConfig struct {
	maxQueueSize    int
	dedupWindow     time.Duration
	dedupMaxEntries int
	middleware      []MiddlewareFunc
	logger          *slog.Logger
	metrics         monitor.MetricsCollector
}

// WithMaxQueueSize sets the per-recipient queue bound.
func WithMaxQueueSize(n int) BusOption {
	return func(c *busConfig) { c.maxQueueSize = n }
}

// WithDedupWindow sets the sliding deduplication window.
func WithDedupWindow(window time.Duration) BusOption {
	return func(c *busConfig) { c.dedupWindow = window }
}

// WithDedupMaxEntries sets the deduplication cache hard cap.
func WithDedupMaxEntries(n int) BusOption {
	return func(c *busConfig) { c.dedupMaxEntries = n }
}

// WithBusMiddleware adds middleware run before every handler.
func WithBusMiddleware(mw ...MiddlewareFunc) BusOption {
	return func(c *busConfig) { c.middleware = append(c.middleware, mw...) }
}

// WithBusLogger sets the logger.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(c *busConfig) { c.logger = logger }
}

// WithBusMetrics sets the metrics sink.
func WithBusMetrics(m monitor.MetricsCollector) BusOption {
	return func(c *busConfig) { c.metrics = m }
}

// NewBus creates an in-process transport.
func NewBus(options ...BusOption) *Bus {
	cfg := &busConfig{
		maxQueueSize: DefaultMaxQueueSize,
		logger:       slog.Default(),
		metrics:      monitor.NopCollector{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return &Bus{
		subs:       make(map[string][]*busSubscription),
		queues:     make(map[string]chan *contracts.Envelope),
		maxQueue:   cfg.maxQueueSize,
		dedup:      NewDedupCache(cfg.dedupWindow, cfg.dedupMaxEntries),
		middleware: cfg.middleware,
		logger:     cfg.logger,
		metrics:    cfg.metrics,
	}
}

// Send validates, deduplicates and enqueues one envelope for its
// recipient. With no subscriber the envelope is dropped and counted,
// not an error: this transport is fire-and-forget. A full recipient
// queue fails fast with QueueFullError instead of buffering.
func (b *Bus) Send(ctx context.Context, env *contracts.Envelope) error {
	if err := contracts.Validate(env); err != nil {
		b.metrics.IncrementCounter(monitor.CounterMessageDropped, map[string]string{"reason": "invalid"})
		return err
	}

	dup, err := b.dedup.Seen(env.ID)
	if err != nil {
		return fmt.Errorf("dedup check for message %s: %w", env.ID, err)
	}
	if dup {
		b.metrics.IncrementCounter(monitor.CounterMessageDropped, map[string]string{"reason": "duplicate"})
		b.logger.Debug("dropped duplicate message", "messageId", env.ID, "recipient", env.Recipient)
		return nil
	}

	stampPropagation(ctx, env)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.dedup.Forget(env.ID)
		return fmt.Errorf("bus is closed")
	}
	if len(b.subs[env.Recipient]) == 0 {
		b.mu.Unlock()
		b.metrics.IncrementCounter(monitor.CounterMessageDropped, map[string]string{"reason": "no_handler"})
		b.logger.Debug("no handler for recipient", "recipient", env.Recipient, "messageId", env.ID)
		return nil
	}
	queue := b.queueLocked(env.Recipient)

	select {
	case queue <- env:
		b.mu.Unlock()
	default:
		b.mu.Unlock()
		// The id was recorded above, but the envelope never entered the
		// queue; the caller is told to retry and that retry must be
		// deliverable.
		b.dedup.Forget(env.ID)
		return &contracts.QueueFullError{Recipient: env.Recipient, Size: b.maxQueue}
	}

	b.metrics.IncrementCounter(monitor.CounterMessageSent, map[string]string{"recipient": env.Recipient})
	return nil
}

// Subscribe registers a handler for a recipient and returns a closure
// that removes exactly that handler.
func (b *Bus) Subscribe(recipient string, handler EnvelopeHandler) (func(), error) {
	if recipient == "" {
		return nil, fmt.Errorf("recipient cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	b.nextSub++
	sub := &busSubscription{id: b.nextSub, handler: handler}
	b.subs[recipient] = append(b.subs[recipient], sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subs[recipient]
		for i, s := range handlers {
			if s.id == id {
				b.subs[recipient] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
		if len(b.subs[recipient]) == 0 {
			delete(b.subs, recipient)
		}
	}, nil
}

// Close removes all subscriptions and stops the workers after draining
// enqueued envelopes.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, queue := range b.queues {
		close(queue)
	}
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	b.subs = make(map[string][]*busSubscription)
	b.queues = make(map[string]chan *contracts.Envelope)
	b.mu.Unlock()

	b.dedup.Close()
	return nil
}

// queueLocked returns the recipient queue, starting its worker on first
// use. Caller must hold b.mu.
func (b *Bus) queueLocked(recipient string) chan *contracts.Envelope {
	queue, ok := b.queues[recipient]
	if !ok {
		queue = make(chan *contracts.Envelope, b.maxQueue)
		b.queues[recipient] = queue
		b.wg.Add(1)
		go b.worker(recipient, queue)
	}
	return queue
}

// worker drains one recipient queue in order. Each envelope is fully
// delivered to every handler before the next is dequeued, which is what
// preserves publish order per recipient.
func (b *Bus) worker(recipient string, queue chan *contracts.Envelope) {
	defer b.wg.Done()
	for env := range queue {
		b.deliver(recipient, env)
	}
}

// deliver fans one envelope out to every subscribed handler. Handlers
// run concurrently and failures are isolated: a panicking or erroring
// handler is logged and counted, and its siblings still receive the
// message. Nothing propagates back to the Send caller.
func (b *Bus) deliver(recipient string, env *contracts.Envelope) {
	b.mu.RLock()
	subs := b.subs[recipient]
	handlers := make([]EnvelopeHandler, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.metrics.IncrementCounter(monitor.CounterMessageDropped, map[string]string{"reason": "no_handler"})
		return
	}

	ctx := deliveryContext(context.Background(), env)

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h EnvelopeHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.recordDeliveryFailure(recipient, env, fmt.Errorf("handler panic: %v", r))
				}
			}()
			chained := b.buildChain(h)
			if err := chained.Handle(ctx, env); err != nil {
				b.recordDeliveryFailure(recipient, env, err)
			}
		}(handler)
	}
	wg.Wait()
}

func (b *Bus) recordDeliveryFailure(recipient string, env *contracts.Envelope, err error) {
	delivery := &contracts.DeliveryError{Recipient: recipient, MessageID: env.ID, Err: err}
	b.metrics.IncrementCounter(monitor.CounterMessageError, map[string]string{"recipient": recipient})
	b.logger.Error("handler failed", "recipient", recipient, "messageId", env.ID, "error", delivery)
}

// buildChain wraps a handler in the middleware chain, outermost first.
func (b *Bus) buildChain(handler EnvelopeHandler) EnvelopeHandler {
	result := handler
	for i := len(b.middleware) - 1; i >= 0; i-- {
		mw := b.middleware[i]
		next := result
		result = EnvelopeHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			return mw(ctx, env, next)
		})
	}
	return result
}

package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/internal/reliability"
	"github.com/agentwire/agentwire-go/messaging"
)

// Transport implements messaging.Transport over an AMQP broker, for
// deployments where agents sit behind RabbitMQ instead of a local
// socket. Each recipient maps to one auto-deleted queue named after it;
// envelopes travel JSON-encoded on the default exchange with the
// recipient as routing key.
type Transport struct {
	url    string
	logger *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	subs   map[string]*amqpSubscription
	nextID uint64
	closed bool
}

type amqpSubscription struct {
	queue       string
	consumerTag string
	handlers    map[uint64]messaging.EnvelopeHandler
	cancel      context.CancelFunc
}

// TransportOption configures the Transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) { t.logger = logger }
}

// NewTransport connects to the broker, retrying with exponential
// backoff while it comes up.
func NewTransport(ctx context.Context, url string, opts ...TransportOption) (*Transport, error) {
	t := &Transport{
		url:    url,
		logger: slog.Default(),
		subs:   make(map[string]*amqpSubscription),
	}
	for _, opt := range opts {
		opt(t)
	}

	policy := reliability.NewExponentialBackoff(500*time.Millisecond, 10*time.Second, 2.0, 5)
	err := reliability.Retry(ctx, policy, func() error {
		conn, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return err
		}
		t.conn = conn
		t.ch = ch
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return t, nil
}

// Send implements messaging.Transport.
func (t *Transport) Send(ctx context.Context, env *contracts.Envelope) error {
	if err := contracts.Validate(env); err != nil {
		return err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope %s: %w", env.ID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport is closed")
	}

	return t.ch.PublishWithContext(ctx, "", env.Recipient, false, false, amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		Priority:      clampPriority(env.Delivery.Priority),
		Timestamp:     env.Timestamp,
		Body:          body,
	})
}

// Subscribe implements messaging.Transport. The first subscription for
// a recipient declares its queue and starts one consumer; later
// subscriptions share the delivery stream.
func (t *Transport) Subscribe(recipient string, handler messaging.EnvelopeHandler) (func(), error) {
	if recipient == "" {
		return nil, fmt.Errorf("recipient cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport is closed")
	}

	sub, ok := t.subs[recipient]
	if !ok {
		if _, err := t.ch.QueueDeclare(recipient, false, true, false, false, nil); err != nil {
			return nil, fmt.Errorf("failed to declare queue %q: %w", recipient, err)
		}

		tag := fmt.Sprintf("agentwire.%s", recipient)
		deliveries, err := t.ch.Consume(recipient, tag, false, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to consume queue %q: %w", recipient, err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		sub = &amqpSubscription{
			queue:       recipient,
			consumerTag: tag,
			handlers:    make(map[uint64]messaging.EnvelopeHandler),
			cancel:      cancel,
		}
		t.subs[recipient] = sub
		go t.consumeLoop(ctx, recipient, deliveries)
	}

	t.nextID++
	id := t.nextID
	sub.handlers[id] = handler

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		s, ok := t.subs[recipient]
		if !ok {
			return
		}
		delete(s.handlers, id)
		if len(s.handlers) == 0 {
			s.cancel()
			_ = t.ch.Cancel(s.consumerTag, false)
			delete(t.subs, recipient)
		}
	}, nil
}

func (t *Transport) consumeLoop(ctx context.Context, recipient string, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			t.handleDelivery(ctx, recipient, d)
		}
	}
}

func (t *Transport) handleDelivery(ctx context.Context, recipient string, d amqp.Delivery) {
	env, err := contracts.ValidateRaw(d.Body)
	if err != nil {
		t.logger.Warn("rejecting invalid broker message", "queue", recipient, "error", err)
		_ = d.Reject(false)
		return
	}

	t.mu.Lock()
	var handlers []messaging.EnvelopeHandler
	if sub, ok := t.subs[recipient]; ok {
		handlers = make([]messaging.EnvelopeHandler, 0, len(sub.handlers))
		for _, h := range sub.handlers {
			handlers = append(handlers, h)
		}
	}
	t.mu.Unlock()

	for _, handler := range handlers {
		if err := handler.Handle(ctx, env); err != nil {
			t.logger.Error("broker handler failed", "messageId", env.ID, "error", err)
		}
	}
	_ = d.Ack(false)
}

// Close implements messaging.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, sub := range t.subs {
		sub.cancel()
	}
	t.subs = make(map[string]*amqpSubscription)

	if err := t.ch.Close(); err != nil {
		t.conn.Close()
		return err
	}
	return t.conn.Close()
}

func clampPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > 9 {
		return 9
	}
	return uint8(p)
}

// Package agentwire is the composition root for the message-transport
// core: one explicitly constructed Client wires a transport, the task
// correlation layer and the metrics sink together. "One transport per
// process" is a property of how the application composes this Client,
// not of hidden global state.
package agentwire

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/messaging"
	"github.com/agentwire/agentwire-go/monitor"
)

// Client bundles a transport with the task call surface for one
// in-process participant (an agent or the router).
type Client struct {
	serviceName  string
	transport    messaging.Transport
	taskClient   *messaging.TaskClient
	metrics      monitor.MetricsCollector
	logger       *slog.Logger
	ownTransport bool
}

// ClientOption configures the Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	transport messaging.Transport
	metrics   monitor.MetricsCollector
	logger    *slog.Logger
	busOpts   []messaging.BusOption
}

// WithTransport injects a transport (socket client, broker, or a shared
// Bus). Without it the Client owns a private in-process Bus.
func WithTransport(t messaging.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m monitor.MetricsCollector) ClientOption {
	return func(c *clientConfig) { c.metrics = m }
}

// WithBusOptions configures the private Bus created when no transport
// is injected.
func WithBusOptions(opts ...messaging.BusOption) ClientOption {
	return func(c *clientConfig) { c.busOpts = append(c.busOpts, opts...) }
}

// NewClient creates a client whose inbox is the service name.
func NewClient(serviceName string, opts ...ClientOption) (*Client, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("serviceName cannot be empty")
	}

	cfg := &clientConfig{
		metrics: monitor.NopCollector{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	transport := cfg.transport
	owned := false
	if transport == nil {
		busOpts := append([]messaging.BusOption{
			messaging.WithBusLogger(cfg.logger),
			messaging.WithBusMetrics(cfg.metrics),
		}, cfg.busOpts...)
		transport = messaging.NewBus(busOpts...)
		owned = true
	}

	taskClient, err := messaging.NewTaskClient(transport, serviceName,
		messaging.WithTaskClientLogger(cfg.logger),
		messaging.WithTaskClientMetrics(cfg.metrics),
	)
	if err != nil {
		if owned {
			transport.Close()
		}
		return nil, err
	}

	return &Client{
		serviceName:  serviceName,
		transport:    transport,
		taskClient:   taskClient,
		metrics:      cfg.metrics,
		logger:       cfg.logger,
		ownTransport: owned,
	}, nil
}

// ServiceName returns the inbox name of this participant.
func (c *Client) ServiceName() string { return c.serviceName }

// Transport exposes the underlying transport for wiring additional
// components against the same instance.
func (c *Client) Transport() messaging.Transport { return c.transport }

// SendTask sends one task request and waits for its response.
func (c *Client) SendTask(ctx context.Context, req *contracts.TaskRequest, recipientID string, timeout time.Duration) (*contracts.TaskResponse, error) {
	return c.taskClient.SendTaskRequest(ctx, req, recipientID, timeout)
}

// NewTaskServer creates a task server listening on this client's inbox.
func (c *Client) NewTaskServer(opts ...messaging.TaskServerOption) (*messaging.TaskServer, error) {
	serverOpts := append([]messaging.TaskServerOption{
		messaging.WithTaskServerLogger(c.logger),
		messaging.WithTaskServerMetrics(c.metrics),
	}, opts...)
	return messaging.NewTaskServer(c.transport, c.serviceName, serverOpts...)
}

// Close shuts down the task client and, if the Client owns it, the
// transport.
func (c *Client) Close() error {
	err := c.taskClient.Close()
	if c.ownTransport {
		if terr := c.transport.Close(); err == nil {
			err = terr
		}
	}
	return err
}

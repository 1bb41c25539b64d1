package unixsock

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/internal/wire"
	"github.com/agentwire/agentwire-go/messaging"
)

// Client connects to a socket server. Connect resolves only once the
// server's ACK arrives; until then the connection is unusable for task
// traffic. Client satisfies messaging.Transport so the task correlation
// layer can run over the socket unchanged.
type Client struct {
	path string
	name string

	handshakeTimeout  time.Duration
	heartbeatInterval time.Duration
	maxFrame          uint32
	codec             wire.Codec
	logger            *slog.Logger

	mu           sync.RWMutex
	stream       *wire.Stream
	connected    bool
	listeners    map[uint64]*clientListener
	nextListener uint64
	lastPing     time.Time

	done      chan struct{}
	closeOnce *sync.Once
	wg        sync.WaitGroup
}

// clientListener is one registered callback, optionally filtered by
// recipient.
type clientListener struct {
	recipient string // empty matches every record
	handler   messaging.EnvelopeHandler
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithClientHandshakeTimeout sets how long to wait for the ACK.
func WithClientHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithClientHeartbeatInterval sets the PONG liveness cadence.
func WithClientHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.heartbeatInterval = d }
}

// WithClientMaxFrameSize caps a single record on the wire.
func WithClientMaxFrameSize(n uint32) ClientOption {
	return func(c *Client) { c.maxFrame = n }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the given socket path. name identifies
// this client in the HELLO record and as the sender of control records.
func NewClient(path, name string, opts ...ClientOption) *Client {
	c := &Client{
		path:              path,
		name:              name,
		handshakeTimeout:  DefaultHandshakeTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		maxFrame:          wire.DefaultMaxFrameSize,
		codec:             wire.MustCBOR(),
		logger:            slog.Default(),
		listeners:         make(map[uint64]*clientListener),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the socket, sends HELLO and waits for the ACK.
// Handshake success is the definition of connected: without an ACK
// within the handshake timeout the socket is destroyed and NoAckError
// returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return fmt.Errorf("already connected")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.path, err)
	}

	stream := wire.NewStream(conn, c.codec, c.maxFrame)

	if err := stream.Send(wire.NewHello(c.name)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send HELLO: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
		conn.Close()
		return err
	}
	env, err := stream.Recv()
	if err != nil {
		conn.Close()
		return &contracts.NoAckError{Timeout: c.handshakeTimeout}
	}
	if env.Type != contracts.MessageTypeAck {
		conn.Close()
		return &contracts.NoAckError{Timeout: c.handshakeTimeout}
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return err
	}

	c.stream = stream
	c.connected = true
	c.done = make(chan struct{})
	c.closeOnce = &sync.Once{}

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Info("connected to socket server", "path", c.path, "client", c.name)
	return nil
}

// Send writes one envelope directly to the socket. Nothing is buffered
// or retried here; retry behavior belongs to the sender's delivery
// policy.
func (c *Client) Send(ctx context.Context, env *contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := contracts.Validate(env); err != nil {
		return err
	}

	c.mu.RLock()
	stream := c.stream
	connected := c.connected
	c.mu.RUnlock()

	if !connected {
		return fmt.Errorf("client is not connected")
	}
	return stream.Send(env)
}

// OnMessage registers a callback for every inbound validated
// application record.
func (c *Client) OnMessage(handler messaging.EnvelopeHandler) func() {
	return c.addListener("", handler)
}

// Subscribe implements messaging.Transport: handler receives only
// records addressed to recipient.
func (c *Client) Subscribe(recipient string, handler messaging.EnvelopeHandler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	return c.addListener(recipient, handler), nil
}

func (c *Client) addListener(recipient string, handler messaging.EnvelopeHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.listeners[id] = &clientListener{recipient: recipient, handler: handler}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// LastPing returns when the server last PINGed this client.
func (c *Client) LastPing() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		env, err := c.stream.Recv()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("read loop ended", "error", err)
				c.markDisconnected()
			}
			return
		}

		switch env.Type {
		case contracts.MessageTypePing:
			c.mu.Lock()
			c.lastPing = time.Now()
			c.mu.Unlock()
			_ = c.stream.Send(wire.NewPong(c.name, env.Sender))
		case contracts.MessageTypePong, contracts.MessageTypeAck, contracts.MessageTypeHello:
			// Control records are filtered out before listeners.
		case contracts.MessageTypeError:
			var rec wire.ErrorRecord
			_ = env.UnmarshalPayload(&rec)
			c.logger.Warn("server reported error", "error", rec.Error, "details", rec.Details)
		default:
			if err := contracts.Validate(env); err != nil {
				c.logger.Warn("dropping invalid inbound record", "error", err)
				continue
			}
			c.fanOut(env)
		}
	}
}

func (c *Client) fanOut(env *contracts.Envelope) {
	c.mu.RLock()
	listeners := make([]*clientListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		if l.recipient == "" || l.recipient == env.Recipient {
			listeners = append(listeners, l)
		}
	}
	c.mu.RUnlock()

	ctx := context.Background()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("listener panicked", "messageId", env.ID, "panic", fmt.Sprint(r))
				}
			}()
			if err := l.handler.Handle(ctx, env); err != nil {
				c.logger.Error("listener failed", "messageId", env.ID, "error", err)
			}
		}()
	}
}

// heartbeatLoop sends PONG at the heartbeat interval as an unsolicited
// liveness signal, independent of the server's PINGs.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.RLock()
			stream := c.stream
			connected := c.connected
			c.mu.RUnlock()
			if !connected {
				return
			}
			if err := stream.Send(wire.NewPong(c.name, "server")); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Close stops the heartbeat timer and ends the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected && c.done == nil {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	done := c.done
	once := c.closeOnce
	stream := c.stream
	c.mu.Unlock()

	if once != nil {
		once.Do(func() { close(done) })
	}
	var err error
	if stream != nil {
		err = stream.Close()
	}
	c.wg.Wait()
	return err
}

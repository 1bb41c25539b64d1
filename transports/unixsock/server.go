package unixsock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/internal/wire"
	"github.com/agentwire/agentwire-go/monitor"
)

// Defaults for the socket wire protocol.
const (
	DefaultHandshakeTimeout  = 3 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// MessageHandler is invoked for every valid non-control record from any
// client, with the originating connection so replies can be targeted.
type MessageHandler func(ctx context.Context, env *contracts.Envelope, conn *ServerConn)

// Server accepts unix-domain-socket connections and speaks the framed
// envelope protocol: HELLO/ACK handshake before any task traffic,
// periodic PING afterwards. Control records never reach message
// handlers.
type Server struct {
	path string

	handshakeTimeout  time.Duration
	heartbeatInterval time.Duration
	maxFrame          uint32
	name              string
	codec             wire.Codec
	logger            *slog.Logger
	metrics           monitor.MetricsCollector

	mu       sync.RWMutex
	ln       net.Listener
	conns    map[*ServerConn]struct{}
	handlers []MessageHandler
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithHandshakeTimeout sets how long a client may take to send HELLO.
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.handshakeTimeout = d }
}

// WithHeartbeatInterval sets the PING cadence.
func WithHeartbeatInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.heartbeatInterval = d }
}

// WithMaxFrameSize caps a single record on the wire.
func WithMaxFrameSize(n uint32) ServerOption {
	return func(s *Server) { s.maxFrame = n }
}

// WithServerName sets the identifier used as sender on control records.
func WithServerName(name string) ServerOption {
	return func(s *Server) { s.name = name }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithServerMetrics sets the metrics sink.
func WithServerMetrics(m monitor.MetricsCollector) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a socket server for the given path.
func NewServer(path string, opts ...ServerOption) *Server {
	s := &Server{
		path:              path,
		handshakeTimeout:  DefaultHandshakeTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		maxFrame:          wire.DefaultMaxFrameSize,
		name:              "server",
		codec:             wire.MustCBOR(),
		logger:            slog.Default(),
		metrics:           monitor.NopCollector{},
		conns:             make(map[*ServerConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnMessage registers a callback for valid application records.
func (s *Server) OnMessage(handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Start binds the socket and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server already started")
	}

	// A previous unclean shutdown can leave the socket file behind.
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.path, err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}

	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("socket server listening", "path", s.path)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("accept failed", "error", err)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.track(conn)
	}
}

func (s *Server) track(conn net.Conn) {
	sc := &ServerConn{
		server: s,
		stream: wire.NewStream(conn, s.codec, s.maxFrame),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.mu.Unlock()

	// A peer that never says HELLO must not hold resources: after the
	// handshake deadline the connection is told why and torn down.
	sc.hsTimer = time.AfterFunc(s.handshakeTimeout, func() {
		if sc.handshaken() {
			return
		}
		_ = sc.Send(wire.NewError(s.name, "", wire.ErrorHandshakeTimeout, ""))
		s.logger.Warn("handshake timeout, closing connection", "timeout", s.handshakeTimeout)
		sc.close()
	})

	s.wg.Add(1)
	go s.readLoop(sc)
}

func (s *Server) readLoop(sc *ServerConn) {
	defer s.wg.Done()
	defer s.untrack(sc)

	for {
		env, err := sc.stream.Recv()
		if err != nil {
			// Pre-handshake garbage fails frame or CBOR decoding and
			// lands here: forcible termination.
			select {
			case <-sc.done:
			default:
				s.logger.Debug("connection read ended", "client", sc.ClientName(), "error", err)
			}
			sc.close()
			return
		}

		if !sc.handshaken() {
			if env.Type != contracts.MessageTypeHello {
				// Discard anything but HELLO until the handshake is done.
				s.logger.Debug("discarding pre-handshake record", "type", env.Type)
				continue
			}
			s.completeHandshake(sc, env)
			continue
		}

		switch env.Type {
		case contracts.MessageTypePong:
			sc.setLastPong(time.Now())
		case contracts.MessageTypePing:
			_ = sc.Send(wire.NewPong(s.name, sc.ClientName()))
		case contracts.MessageTypeHello, contracts.MessageTypeAck, contracts.MessageTypeError:
			// Control noise after handshake; tolerated and dropped.
		default:
			s.dispatch(sc, env)
		}
	}
}

func (s *Server) completeHandshake(sc *ServerConn, env *contracts.Envelope) {
	var hello wire.Hello
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		s.logger.Warn("malformed HELLO payload, closing connection", "error", err)
		sc.close()
		return
	}

	sc.completeHandshake(hello.Client)

	if err := sc.Send(wire.NewAck(s.name, hello.Client)); err != nil {
		s.logger.Warn("failed to send ACK", "client", hello.Client, "error", err)
		sc.close()
		return
	}

	s.wg.Add(1)
	go s.heartbeatLoop(sc)

	s.logger.Info("client connected", "client", hello.Client)
}

// heartbeatLoop periodically PINGs one client. A missing PONG is
// advisory only: liveness policing is left to the caller, the server
// never disconnects on missed heartbeats.
func (s *Server) heartbeatLoop(sc *ServerConn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sc.Send(wire.NewPing(s.name, sc.ClientName())); err != nil {
				return
			}
		case <-sc.done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// dispatch validates an application record and fans it out to every
// registered handler. Invalid records are answered with an
// invalid_message control record to that client only; the connection
// survives.
func (s *Server) dispatch(sc *ServerConn, env *contracts.Envelope) {
	if err := contracts.Validate(env); err != nil {
		s.metrics.IncrementCounter(monitor.CounterMessageError, map[string]string{"reason": "invalid_message"})
		_ = sc.Send(wire.NewError(s.name, sc.ClientName(), wire.ErrorInvalidMessage, err.Error()))
		return
	}

	s.mu.RLock()
	handlers := make([]MessageHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.metrics.IncrementCounter(monitor.CounterMessageError, map[string]string{"reason": "handler_panic"})
					s.logger.Error("message handler panicked", "messageId", env.ID, "panic", fmt.Sprint(r))
				}
			}()
			handler(s.ctx, env, sc)
		}()
	}
}

// Broadcast writes one encoded record to every handshaken client.
func (s *Server) Broadcast(env *contracts.Envelope) error {
	s.mu.RLock()
	conns := make([]*ServerConn, 0, len(s.conns))
	for sc := range s.conns {
		if sc.handshaken() {
			conns = append(conns, sc)
		}
	}
	s.mu.RUnlock()

	var errs []error
	for _, sc := range conns {
		if err := sc.Send(env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConnCount returns the number of tracked connections.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Stop closes the listener and destroys all tracked connections.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	ln := s.ln
	conns := make([]*ServerConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	err := ln.Close()
	for _, sc := range conns {
		sc.close()
	}
	s.wg.Wait()

	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

func (s *Server) untrack(sc *ServerConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
}

// ServerConn is one accepted client connection and its protocol state.
type ServerConn struct {
	server *Server
	stream *wire.Stream

	mu         sync.Mutex
	hsDone     bool
	clientName string
	lastPong   time.Time
	hsTimer    *time.Timer

	done      chan struct{}
	closeOnce sync.Once
}

// Send writes one encoded record to this client.
func (c *ServerConn) Send(env *contracts.Envelope) error {
	return c.stream.Send(env)
}

// ClientName returns the name the client announced in its HELLO.
func (c *ServerConn) ClientName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientName
}

// LastPong returns when this client last answered a heartbeat. Callers
// police liveness from this; the server itself does not.
func (c *ServerConn) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *ServerConn) handshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hsDone
}

func (c *ServerConn) completeHandshake(clientName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hsDone = true
	c.clientName = clientName
	c.lastPong = time.Now()
	if c.hsTimer != nil {
		c.hsTimer.Stop()
	}
}

func (c *ServerConn) setLastPong(ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = ts
}

func (c *ServerConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.stream.Close()
	})
}

package unixsock

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/internal/wire"
	"github.com/agentwire/agentwire-go/messaging"
)

func socketPath(t *testing.T) string {
	t.Helper()
	// t.TempDir embeds the full test name, which can push the socket path
	// past the 108-byte sun_path limit; use a short MkdirTemp dir instead.
	dir, err := os.MkdirTemp("", "aw")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "aw.sock")
}

func startServer(t *testing.T, path string, opts ...ServerOption) *Server {
	t.Helper()
	server := NewServer(path, opts...)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })
	return server
}

// rawDial opens a framed stream without the Client's handshake logic so
// tests can drive the protocol by hand.
func rawDial(t *testing.T, path string) *wire.Stream {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	stream := wire.NewStream(conn, wire.MustCBOR(), 0)
	t.Cleanup(func() { stream.Close() })
	return stream
}

func TestServerHandshake(t *testing.T) {
	t.Run("HELLO is answered with exactly one ACK before any PING", func(t *testing.T) {
		path := socketPath(t)
		startServer(t, path, WithHeartbeatInterval(30*time.Millisecond))

		stream := rawDial(t, path)
		require.NoError(t, stream.Send(wire.NewHello("agent-a")))

		first, err := stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, contracts.MessageTypeAck, first.Type)

		var ack wire.Ack
		require.NoError(t, first.UnmarshalPayload(&ack))
		assert.Equal(t, wire.ProtocolVersion, ack.Version)

		// Everything after the single ACK is heartbeat traffic.
		for i := 0; i < 3; i++ {
			env, err := stream.Recv()
			require.NoError(t, err)
			assert.Equal(t, contracts.MessageTypePing, env.Type)
		}
	})

	t.Run("no HELLO within the timeout gets an error record and a dead socket", func(t *testing.T) {
		path := socketPath(t)
		server := startServer(t, path, WithHandshakeTimeout(30*time.Millisecond))

		stream := rawDial(t, path)

		env, err := stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, contracts.MessageTypeError, env.Type)

		var rec wire.ErrorRecord
		require.NoError(t, env.UnmarshalPayload(&rec))
		assert.Equal(t, wire.ErrorHandshakeTimeout, rec.Error)

		_, err = stream.Recv()
		assert.Error(t, err)
		assert.Eventually(t, func() bool { return server.ConnCount() == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("records before HELLO are discarded, not dispatched", func(t *testing.T) {
		path := socketPath(t)
		server := startServer(t, path)

		delivered := make(chan *contracts.Envelope, 1)
		server.OnMessage(func(ctx context.Context, env *contracts.Envelope, conn *ServerConn) {
			delivered <- env
		})

		stream := rawDial(t, path)
		early := contracts.NewEnvelope("agent-a", "router", contracts.MessageTypeTaskRequest)
		require.NoError(t, stream.Send(early))
		require.NoError(t, stream.Send(wire.NewHello("agent-a")))

		ack, err := stream.Recv()
		require.NoError(t, err)
		require.Equal(t, contracts.MessageTypeAck, ack.Type)

		select {
		case env := <-delivered:
			t.Fatalf("pre-handshake record %s must not reach handlers", env.ID)
		case <-time.After(50 * time.Millisecond):
		}

		// The same record after the handshake is dispatched.
		late := contracts.NewEnvelope("agent-a", "router", contracts.MessageTypeTaskRequest)
		require.NoError(t, stream.Send(late))
		select {
		case env := <-delivered:
			assert.Equal(t, late.ID, env.ID)
		case <-time.After(time.Second):
			t.Fatal("post-handshake record was not dispatched")
		}
	})

	t.Run("undecodable bytes terminate the connection", func(t *testing.T) {
		path := socketPath(t)
		server := startServer(t, path)

		conn, err := net.Dial("unix", path)
		require.NoError(t, err)
		defer conn.Close()
		require.Eventually(t, func() bool { return server.ConnCount() == 1 }, time.Second, 10*time.Millisecond)

		// Length prefix far beyond the frame cap.
		_, err = conn.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return server.ConnCount() == 0 }, time.Second, 10*time.Millisecond)
	})
}

func TestServerDispatch(t *testing.T) {
	t.Run("invalid application record draws an error reply and the connection survives", func(t *testing.T) {
		path := socketPath(t)
		server := startServer(t, path, WithHeartbeatInterval(time.Minute))

		delivered := make(chan *contracts.Envelope, 1)
		server.OnMessage(func(ctx context.Context, env *contracts.Envelope, conn *ServerConn) {
			delivered <- env
		})

		stream := rawDial(t, path)
		require.NoError(t, stream.Send(wire.NewHello("agent-a")))
		ack, err := stream.Recv()
		require.NoError(t, err)
		require.Equal(t, contracts.MessageTypeAck, ack.Type)

		invalid := contracts.NewEnvelope("agent-a", "", contracts.MessageTypeTaskRequest)
		require.NoError(t, stream.Send(invalid))

		env, err := stream.Recv()
		require.NoError(t, err)
		require.Equal(t, contracts.MessageTypeError, env.Type)
		var rec wire.ErrorRecord
		require.NoError(t, env.UnmarshalPayload(&rec))
		assert.Equal(t, wire.ErrorInvalidMessage, rec.Error)

		valid := contracts.NewEnvelope("agent-a", "router", contracts.MessageTypeTaskRequest)
		require.NoError(t, stream.Send(valid))
		select {
		case got := <-delivered:
			assert.Equal(t, valid.ID, got.ID)
		case <-time.After(time.Second):
			t.Fatal("connection did not survive the invalid record")
		}
	})

	t.Run("panicking handler does not kill the read loop", func(t *testing.T) {
		path := socketPath(t)
		server := startServer(t, path, WithHeartbeatInterval(time.Minute))

		delivered := make(chan string, 2)
		server.OnMessage(func(ctx context.Context, env *contracts.Envelope, conn *ServerConn) {
			panic("handler bug")
		})
		server.OnMessage(func(ctx context.Context, env *contracts.Envelope, conn *ServerConn) {
			delivered <- env.ID
		})

		stream := rawDial(t, path)
		require.NoError(t, stream.Send(wire.NewHello("agent-a")))
		_, err := stream.Recv()
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			env := contracts.NewEnvelope("agent-a", "router", contracts.MessageTypeTaskRequest)
			require.NoError(t, stream.Send(env))
			select {
			case got := <-delivered:
				assert.Equal(t, env.ID, got)
			case <-time.After(time.Second):
				t.Fatal("record was not dispatched after sibling panic")
			}
		}
	})
}

func TestServerHeartbeat(t *testing.T) {
	t.Run("client PONGs are recorded as advisory liveness", func(t *testing.T) {
		path := socketPath(t)
		server := startServer(t, path, WithHeartbeatInterval(20*time.Millisecond))

		conns := make(chan *ServerConn, 1)
		server.OnMessage(func(ctx context.Context, env *contracts.Envelope, conn *ServerConn) {
			select {
			case conns <- conn:
			default:
			}
		})

		client := NewClient(path, "agent-a", WithClientHeartbeatInterval(20*time.Millisecond))
		require.NoError(t, client.Connect(context.Background()))
		defer client.Close()

		require.NoError(t, client.Send(context.Background(),
			contracts.NewEnvelope("agent-a", "router", contracts.MessageTypeTaskRequest)))

		var sc *ServerConn
		select {
		case sc = <-conns:
		case <-time.After(time.Second):
			t.Fatal("server never saw the client's record")
		}
		assert.Equal(t, "agent-a", sc.ClientName())

		initial := sc.LastPong()
		assert.Eventually(t, func() bool { return sc.LastPong().After(initial) }, time.Second, 10*time.Millisecond)
	})
}

func TestServerBroadcast(t *testing.T) {
	path := socketPath(t)
	server := startServer(t, path, WithHeartbeatInterval(time.Minute))

	newSubscriber := func(name string) chan *contracts.Envelope {
		client := NewClient(path, name)
		require.NoError(t, client.Connect(context.Background()))
		t.Cleanup(func() { client.Close() })

		received := make(chan *contracts.Envelope, 1)
		client.OnMessage(messaging.EnvelopeHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			received <- env
			return nil
		}))
		return received
	}

	first := newSubscriber("agent-a")
	second := newSubscriber("agent-b")

	env := contracts.NewEnvelope("router", "everyone", contracts.MessageTypeTaskResponse)
	require.NoError(t, server.Broadcast(env))

	for _, ch := range []chan *contracts.Envelope{first, second} {
		select {
		case got := <-ch:
			assert.Equal(t, env.ID, got.ID)
		case <-time.After(time.Second):
			t.Fatal("broadcast did not reach every client")
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Run("start removes a stale socket file", func(t *testing.T) {
		path := socketPath(t)
		require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

		server := NewServer(path)
		require.NoError(t, server.Start(context.Background()))
		require.NoError(t, server.Stop())
	})

	t.Run("stop removes the socket file and double start fails", func(t *testing.T) {
		path := socketPath(t)
		server := NewServer(path)
		require.NoError(t, server.Start(context.Background()))
		assert.Error(t, server.Start(context.Background()))

		require.NoError(t, server.Stop())
		_, err := os.Stat(path)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("stop disconnects handshaken clients", func(t *testing.T) {
		path := socketPath(t)
		server := NewServer(path, WithHeartbeatInterval(time.Minute))
		require.NoError(t, server.Start(context.Background()))

		stream := rawDial(t, path)
		require.NoError(t, stream.Send(wire.NewHello("agent-a")))
		_, err := stream.Recv()
		require.NoError(t, err)

		require.NoError(t, server.Stop())
		_, err = stream.Recv()
		assert.Error(t, err)
	})
}

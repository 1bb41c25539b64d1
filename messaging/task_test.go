package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/monitor"
)

// startEchoServer wires a task server answering "echo" with the request
// parameters.
func startEchoServer(t *testing.T, bus *Bus, recipient string) *TaskServer {
	t.Helper()
	server, err := NewTaskServer(bus, recipient)
	require.NoError(t, err)
	require.NoError(t, server.RegisterHandlerFunc("echo", func(ctx context.Context, req *contracts.TaskRequest) (*contracts.TaskResponse, error) {
		return &contracts.TaskResponse{
			Status: contracts.TaskStatusCompleted,
			Result: req.Parameters,
		}, nil
	}))
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return server
}

// failingTransport refuses every send with a retryable error.
type failingTransport struct{}

func (failingTransport) Send(ctx context.Context, env *contracts.Envelope) error {
	return fmt.Errorf("connection refused")
}

func (failingTransport) Subscribe(recipient string, handler EnvelopeHandler) (func(), error) {
	return func() {}, nil
}

func (failingTransport) Close() error { return nil }

func TestTaskRoundTrip(t *testing.T) {
	t.Run("echo task resolves with the matching response", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()
		startEchoServer(t, bus, "worker")

		client, err := NewTaskClient(bus, "caller")
		require.NoError(t, err)
		defer client.Close()

		req, err := contracts.NewTaskRequest("echo", map[string]string{"text": "hello"})
		require.NoError(t, err)

		resp, err := client.SendTaskRequest(context.Background(), req, "worker", time.Second)
		require.NoError(t, err)
		assert.Equal(t, req.TaskID, resp.TaskID)
		assert.True(t, resp.IsSuccess())
		assert.JSONEq(t, `{"text":"hello"}`, string(resp.Result))
		assert.Equal(t, 0, client.PendingCount())
	})

	t.Run("unknown task type fails with a response, not silence", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()
		startEchoServer(t, bus, "worker")

		client, err := NewTaskClient(bus, "caller")
		require.NoError(t, err)
		defer client.Close()

		req, err := contracts.NewTaskRequest("no-such-type", nil)
		require.NoError(t, err)

		resp, err := client.SendTaskRequest(context.Background(), req, "worker", time.Second)
		require.NoError(t, err)
		assert.Equal(t, contracts.TaskStatusFailed, resp.Status)
		assert.Equal(t, "unknown_task_type", resp.ErrorCode)
	})

	t.Run("handler error becomes a FAILED response", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()

		server, err := NewTaskServer(bus, "worker")
		require.NoError(t, err)
		require.NoError(t, server.RegisterHandlerFunc("explode", func(ctx context.Context, req *contracts.TaskRequest) (*contracts.TaskResponse, error) {
			return nil, fmt.Errorf("model overloaded")
		}))
		require.NoError(t, server.Start())
		defer server.Stop()

		client, err := NewTaskClient(bus, "caller")
		require.NoError(t, err)
		defer client.Close()

		req, err := contracts.NewTaskRequest("explode", nil)
		require.NoError(t, err)

		resp, err := client.SendTaskRequest(context.Background(), req, "worker", time.Second)
		require.NoError(t, err)
		assert.Equal(t, contracts.TaskStatusFailed, resp.Status)
		assert.Equal(t, "handler_error", resp.ErrorCode)
		assert.Contains(t, resp.ErrorMessage, "model overloaded")
	})

	t.Run("baggage from the caller context reaches the handler", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()

		var gotTenant string
		server, err := NewTaskServer(bus, "worker")
		require.NoError(t, err)
		require.NoError(t, server.RegisterHandlerFunc("inspect", func(ctx context.Context, req *contracts.TaskRequest) (*contracts.TaskResponse, error) {
			gotTenant = BaggageFromContext(ctx)["tenant"]
			return &contracts.TaskResponse{Status: contracts.TaskStatusCompleted}, nil
		}))
		require.NoError(t, server.Start())
		defer server.Stop()

		client, err := NewTaskClient(bus, "caller")
		require.NoError(t, err)
		defer client.Close()

		req, err := contracts.NewTaskRequest("inspect", nil)
		require.NoError(t, err)

		ctx := WithBaggage(context.Background(), map[string]string{"tenant": "acme"})
		_, err = client.SendTaskRequest(ctx, req, "worker", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "acme", gotTenant)
	})

	t.Run("concurrent requests resolve to their own responses", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()
		startEchoServer(t, bus, "worker")

		client, err := NewTaskClient(bus, "caller")
		require.NoError(t, err)
		defer client.Close()

		const n = 10
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				req, err := contracts.NewTaskRequest("echo", map[string]int{"n": i})
				if !assert.NoError(t, err) {
					return
				}
				resp, err := client.SendTaskRequest(context.Background(), req, "worker", 2*time.Second)
				if assert.NoError(t, err) {
					assert.Equal(t, req.TaskID, resp.TaskID)
					assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(resp.Result))
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 0, client.PendingCount())
	})
}

func TestTaskTimeout(t *testing.T) {
	t.Run("no response within the deadline rejects with TaskTimeoutError", func(t *testing.T) {
		metrics := monitor.NewSimpleMetricsCollector()
		bus := NewBus()
		defer bus.Close()

		client, err := NewTaskClient(bus, "caller", WithTaskClientMetrics(metrics))
		require.NoError(t, err)
		defer client.Close()

		req, err := contracts.NewTaskRequest("echo", nil)
		require.NoError(t, err)

		// Nobody listens on "worker"; the bus drops the request.
		_, err = client.SendTaskRequest(context.Background(), req, "worker", 30*time.Millisecond)

		var timeoutErr *contracts.TaskTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, req.TaskID, timeoutErr.TaskID)
		assert.Equal(t, 0, client.PendingCount())
		assert.Equal(t, int64(1), metrics.Counter(monitor.CounterTaskTimeout, map[string]string{"recipient": "worker"}))
	})

	t.Run("a late response after the timeout is a no-op", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()

		server, err := NewTaskServer(bus, "worker")
		require.NoError(t, err)
		require.NoError(t, server.RegisterHandlerFunc("slow", func(ctx context.Context, req *contracts.TaskRequest) (*contracts.TaskResponse, error) {
			time.Sleep(100 * time.Millisecond)
			return &contracts.TaskResponse{Status: contracts.TaskStatusCompleted}, nil
		}))
		require.NoError(t, server.Start())
		defer server.Stop()

		client, err := NewTaskClient(bus, "caller")
		require.NoError(t, err)
		defer client.Close()

		req, err := contracts.NewTaskRequest("slow", nil)
		require.NoError(t, err)

		_, err = client.SendTaskRequest(context.Background(), req, "worker", 20*time.Millisecond)
		var timeoutErr *contracts.TaskTimeoutError
		require.ErrorAs(t, err, &timeoutErr)

		// Let the stale response arrive; it must be dropped silently.
		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, 0, client.PendingCount())
	})

	t.Run("send retries stop at the deadline", func(t *testing.T) {
		metrics := monitor.NewSimpleMetricsCollector()
		client, err := NewTaskClient(&failingTransport{}, "caller", WithTaskClientMetrics(metrics))
		require.NoError(t, err)
		defer client.Close()

		req, err := contracts.NewTaskRequest("echo", nil)
		require.NoError(t, err)

		// The default delivery policy retries three times with a one
		// second delay; the 50ms deadline must cut that short.
		start := time.Now()
		_, err = client.SendTaskRequest(context.Background(), req, "worker", 50*time.Millisecond)
		elapsed := time.Since(start)

		var timeoutErr *contracts.TaskTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, req.TaskID, timeoutErr.TaskID)
		assert.Less(t, elapsed, 500*time.Millisecond)
		assert.Equal(t, int64(1), metrics.Counter(monitor.CounterTaskTimeout, map[string]string{"recipient": "worker"}))
	})

	t.Run("caller cancellation wins over the task timer", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()

		client, err := NewTaskClient(bus, "caller")
		require.NoError(t, err)
		defer client.Close()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		req, err := contracts.NewTaskRequest("echo", nil)
		require.NoError(t, err)

		_, err = client.SendTaskRequest(ctx, req, "worker", time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestTaskClientLifecycle(t *testing.T) {
	t.Run("rejects nil request and empty recipient", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()

		client, err := NewTaskClient(bus, "caller")
		require.NoError(t, err)
		defer client.Close()

		_, err = client.SendTaskRequest(context.Background(), nil, "worker", time.Second)
		assert.Error(t, err)

		req, err := contracts.NewTaskRequest("echo", nil)
		require.NoError(t, err)
		_, err = client.SendTaskRequest(context.Background(), req, "", time.Second)
		assert.Error(t, err)
	})

	t.Run("fills in a missing task id", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()
		startEchoServer(t, bus, "worker")

		client, err := NewTaskClient(bus, "caller")
		require.NoError(t, err)
		defer client.Close()

		req := &contracts.TaskRequest{TaskType: "echo"}
		resp, err := client.SendTaskRequest(context.Background(), req, "worker", time.Second)
		require.NoError(t, err)
		assert.NotEmpty(t, req.TaskID)
		assert.Equal(t, req.TaskID, resp.TaskID)
	})

	t.Run("send after close fails", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()

		client, err := NewTaskClient(bus, "caller")
		require.NoError(t, err)
		require.NoError(t, client.Close())

		req, err := contracts.NewTaskRequest("echo", nil)
		require.NoError(t, err)
		_, err = client.SendTaskRequest(context.Background(), req, "worker", time.Second)
		assert.Error(t, err)
	})
}

func TestTaskServerRegistration(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	server, err := NewTaskServer(bus, "worker")
	require.NoError(t, err)

	t.Run("rejects empty task type and nil handler", func(t *testing.T) {
		assert.Error(t, server.RegisterHandler("", TaskHandlerFunc(nil)))
		assert.Error(t, server.RegisterHandler("echo", nil))
	})

	t.Run("rejects duplicate registration", func(t *testing.T) {
		handler := TaskHandlerFunc(func(ctx context.Context, req *contracts.TaskRequest) (*contracts.TaskResponse, error) {
			return nil, nil
		})
		require.NoError(t, server.RegisterHandler("echo", handler))
		assert.Error(t, server.RegisterHandler("echo", handler))
	})

	t.Run("double start fails, stop is idempotent", func(t *testing.T) {
		require.NoError(t, server.Start())
		assert.Error(t, server.Start())
		require.NoError(t, server.Stop())
		require.NoError(t, server.Stop())
	})
}

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

// TaskHandler executes one task and returns its result.
type TaskHandler interface {
	HandleTask(ctx context.Context, req *contracts.TaskRequest) (*contracts.TaskResponse, error)
}

// TaskHandlerFunc is a function adapter for TaskHandler.
type TaskHandlerFunc func(ctx context.Context, req *contracts.TaskRequest) (*contracts.TaskResponse, error)

// HandleTask implements TaskHandler.
func (f TaskHandlerFunc) HandleTask(ctx context.Context, req *contracts.TaskRequest) (*contracts.TaskResponse, error) {
	return f(ctx, req)
}

// TaskServer receives TASK_REQUEST envelopes on an agent's inbox,
// dispatches them to the handler registered for their task type and
// sends exactly one TASK_RESPONSE back to the requesting sender.
type TaskServer struct {
	transport Transport
	recipient string

	mu       sync.RWMutex
	handlers map[string]TaskHandler

	unsubscribe func()
	logger      *slog.Logger
	metrics     monitor.MetricsCollector
	running     bool
}

// TaskServerOption configures the TaskServer.
type TaskServerOption func(*TaskServer)

// WithTaskServerLogger sets the logger.
func WithTaskServerLogger(logger *slog.Logger) TaskServerOption {
	return func(s *TaskServer) { s.logger = logger }
}

// WithTaskServerMetrics sets the metrics sink.
func WithTaskServerMetrics(m monitor.MetricsCollector) TaskServerOption {
	return func(s *TaskServer) { s.metrics = m }
}

// NewTaskServer creates a task server for the given inbox.
func NewTaskServer(transport Transport, recipientID string, opts ...TaskServerOption) (*TaskServer, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if recipientID == "" {
		return nil, fmt.Errorf("recipientID cannot be empty")
	}

	s := &TaskServer{
		transport: transport,
		recipient: recipientID,
		handlers:  make(map[string]TaskHandler),
		logger:    slog.Default(),
		metrics:   monitor.NopCollector{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterHandler registers a handler for a task type.
func (s *TaskServer) RegisterHandler(taskType string, handler TaskHandler) error {
	if taskType == "" {
		return fmt.Errorf("taskType cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[taskType]; exists {
		return fmt.Errorf("handler already registered for task type %q", taskType)
	}
	s.handlers[taskType] = handler
	s.logger.Info("registered task handler", "taskType", taskType, "recipient", s.recipient)
	return nil
}

// RegisterHandlerFunc registers a function as a handler.
func (s *TaskServer) RegisterHandlerFunc(taskType string, handler TaskHandlerFunc) error {
	return s.RegisterHandler(taskType, handler)
}

// Start subscribes the server to its inbox.
func (s *TaskServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("task server already started")
	}

	unsubscribe, err := s.transport.Subscribe(s.recipient, EnvelopeHandlerFunc(s.onEnvelope))
	if err != nil {
		return fmt.Errorf("failed to subscribe to inbox %q: %w", s.recipient, err)
	}
	s.unsubscribe = unsubscribe
	s.running = true
	return nil
}

// Stop removes the inbox subscription.
func (s *TaskServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.unsubscribe()
	s.running = false
	return nil
}

// onEnvelope handles one inbound envelope, ignoring anything that is
// not a task request.
func (s *TaskServer) onEnvelope(ctx context.Context, env *contracts.Envelope) error {
	if env.Type != contracts.MessageTypeTaskRequest {
		return nil
	}

	var req contracts.TaskRequest
	if err := env.UnmarshalPayload(&req); err != nil {
		return fmt.Errorf("failed to decode task request %s: %w", env.ID, err)
	}

	resp := s.execute(ctx, &req)
	return s.reply(ctx, env, resp)
}

// execute runs the registered handler, converting handler errors and
// missing handlers into FAILED responses so the caller always gets
// exactly one response.
func (s *TaskServer) execute(ctx context.Context, req *contracts.TaskRequest) *contracts.TaskResponse {
	s.mu.RLock()
	handler, exists := s.handlers[req.TaskType]
	s.mu.RUnlock()

	if !exists {
		return &contracts.TaskResponse{
			TaskID:       req.TaskID,
			Status:       contracts.TaskStatusFailed,
			ErrorCode:    "unknown_task_type",
			ErrorMessage: fmt.Sprintf("no handler registered for task type %q", req.TaskType),
		}
	}

	start := time.Now()
	resp, err := handler.HandleTask(ctx, req)
	elapsed := time.Since(start)
	s.metrics.RecordProcessingTime("task_processing", elapsed)

	if err != nil {
		s.logger.Error("task handler failed", "taskType", req.TaskType, "taskId", req.TaskID, "error", err)
		return &contracts.TaskResponse{
			TaskID:       req.TaskID,
			Status:       contracts.TaskStatusFailed,
			ErrorCode:    "handler_error",
			ErrorMessage: err.Error(),
			Metrics:      contracts.TaskMetrics{ProcessingTimeMs: elapsed.Milliseconds()},
		}
	}
	if resp == nil {
		resp = &contracts.TaskResponse{Status: contracts.TaskStatusCompleted}
	}
	resp.TaskID = req.TaskID
	if resp.Status == "" {
		resp.Status = contracts.TaskStatusCompleted
	}
	if resp.Metrics.ProcessingTimeMs == 0 {
		resp.Metrics.ProcessingTimeMs = elapsed.Milliseconds()
	}
	return resp
}

// reply sends the response back to the requester, correlated to the
// originating task id.
func (s *TaskServer) reply(ctx context.Context, reqEnv *contracts.Envelope, resp *contracts.TaskResponse) error {
	env := contracts.NewEnvelope(s.recipient, reqEnv.Sender, contracts.MessageTypeTaskResponse,
		contracts.WithCorrelationID(resp.TaskID),
		contracts.WithPayload(resp),
		contracts.WithTrace(reqEnv.TraceID, reqEnv.SpanID),
		contracts.WithBaggage(reqEnv.Baggage),
	)
	if err := s.transport.Send(ctx, env); err != nil {
		s.logger.Error("failed to send task response", "taskId", resp.TaskID, "error", err)
		return err
	}
	return nil
}

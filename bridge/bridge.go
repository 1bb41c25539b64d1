package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire/agentwire-go/contracts"
)

// StatusClientClosedRequest mirrors the nginx convention for a caller
// that went away before the response was ready.
const StatusClientClosedRequest = 499

// TaskCaller is the surface the bridge consumes; it never touches
// transports directly.
type TaskCaller interface {
	SendTaskRequest(ctx context.Context, req *contracts.TaskRequest, recipientID string, timeout time.Duration) (*contracts.TaskResponse, error)
}

// RecipientResolver maps a task type to the agent that should execute
// it. Resolution is assumed pre-computed by the caller's routing setup.
type RecipientResolver func(taskType string) (string, error)

// StaticRecipient resolves every task to one agent.
func StaticRecipient(recipient string) RecipientResolver {
	return func(string) (string, error) { return recipient, nil }
}

// Bridge translates legacy HTTP task calls into TaskRequests and
// TaskResponses back into HTTP. It adds no transport logic of its own.
type Bridge struct {
	caller   TaskCaller
	resolver RecipientResolver
	timeout  time.Duration
	logger   *slog.Logger
}

// BridgeOption configures the Bridge.
type BridgeOption func(*Bridge)

// WithBridgeTimeout sets the default task timeout for HTTP calls that
// do not specify one.
func WithBridgeTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.timeout = d }
}

// WithBridgeLogger sets the logger.
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = logger }
}

// NewBridge creates a bridge over a task caller.
func NewBridge(caller TaskCaller, resolver RecipientResolver, opts ...BridgeOption) (*Bridge, error) {
	if caller == nil {
		return nil, fmt.Errorf("caller cannot be nil")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	b := &Bridge{
		caller:   caller,
		resolver: resolver,
		timeout:  30 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// taskCall is the inbound HTTP body.
type taskCall struct {
	TaskType   string            `json:"taskType"`
	Parameters json.RawMessage   `json:"parameters,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Priority   int               `json:"priority,omitempty"`
	TimeoutMs  int64             `json:"timeoutMs,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// ServeHTTP implements http.Handler for POST task submissions.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}

	var call taskCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if call.TaskType == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "taskType is required"})
		return
	}

	recipient, err := b.resolver(call.TaskType)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("no agent for task type %q", call.TaskType)})
		return
	}

	req := &contracts.TaskRequest{
		TaskID:     uuid.New().String(),
		TaskType:   call.TaskType,
		Parameters: call.Parameters,
		Metadata:   call.Metadata,
		Priority:   call.Priority,
	}

	timeout := b.timeout
	if call.TimeoutMs > 0 {
		timeout = time.Duration(call.TimeoutMs) * time.Millisecond
	}

	resp, err := b.caller.SendTaskRequest(r.Context(), req, recipient, timeout)
	if err != nil {
		b.writeError(w, req, err)
		return
	}

	writeJSON(w, statusToHTTP(resp.Status), resp)
}

// writeError maps call failures onto the same four-state response shape
// remote agents produce, so clients see one format.
func (b *Bridge) writeError(w http.ResponseWriter, req *contracts.TaskRequest, err error) {
	var timeoutErr *contracts.TaskTimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		writeJSON(w, http.StatusRequestTimeout, &contracts.TaskResponse{
			TaskID:       req.TaskID,
			Status:       contracts.TaskStatusTimeout,
			ErrorCode:    "task_timeout",
			ErrorMessage: err.Error(),
		})
	case errors.Is(err, context.Canceled):
		writeJSON(w, StatusClientClosedRequest, &contracts.TaskResponse{
			TaskID:       req.TaskID,
			Status:       contracts.TaskStatusCancelled,
			ErrorCode:    "cancelled",
			ErrorMessage: err.Error(),
		})
	default:
		b.logger.Error("task call failed", "taskId", req.TaskID, "error", err)
		writeJSON(w, http.StatusInternalServerError, &contracts.TaskResponse{
			TaskID:       req.TaskID,
			Status:       contracts.TaskStatusFailed,
			ErrorCode:    "send_failed",
			ErrorMessage: err.Error(),
		})
	}
}

// statusToHTTP maps the four-state task status onto HTTP-style codes.
func statusToHTTP(status contracts.TaskStatus) int {
	switch status {
	case contracts.TaskStatusCompleted:
		return http.StatusOK
	case contracts.TaskStatusFailed:
		return http.StatusInternalServerError
	case contracts.TaskStatusTimeout:
		return http.StatusRequestTimeout
	case contracts.TaskStatusCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

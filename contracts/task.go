package contracts

import (
	"encoding/json"

	"github.com/google/uuid"
)

// TaskStatus is the four-state outcome of a task call.
type TaskStatus string

const (
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusTimeout   TaskStatus = "TIMEOUT"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// TaskRequest asks an agent to perform one unit of work. Exactly one
// TaskResponse is expected per request, matched by TaskID.
type TaskRequest struct {
	TaskID     string            `json:"taskId" cbor:"taskId"`
	TaskType   string            `json:"taskType" cbor:"taskType"`
	Parameters json.RawMessage   `json:"parameters,omitempty" cbor:"parameters,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	Priority   int               `json:"priority,omitempty" cbor:"priority,omitempty"`
}

// NewTaskRequest creates a request with a generated task id.
func NewTaskRequest(taskType string, parameters interface{}) (*TaskRequest, error) {
	req := &TaskRequest{
		TaskID:   uuid.New().String(),
		TaskType: taskType,
	}
	if parameters != nil {
		data, err := json.Marshal(parameters)
		if err != nil {
			return nil, err
		}
		req.Parameters = data
	}
	return req, nil
}

// TaskMetrics carries execution accounting back to the caller.
type TaskMetrics struct {
	ProcessingTimeMs int64   `json:"processingTimeMs" cbor:"processingTimeMs"`
	TokensUsed       int64   `json:"tokensUsed,omitempty" cbor:"tokensUsed,omitempty"`
	CostUSD          float64 `json:"costUsd,omitempty" cbor:"costUsd,omitempty"`
}

// TaskResponse is the single response to a TaskRequest.
type TaskResponse struct {
	TaskID       string          `json:"taskId" cbor:"taskId"`
	Status       TaskStatus      `json:"status" cbor:"status"`
	Result       json.RawMessage `json:"result,omitempty" cbor:"result,omitempty"`
	ErrorCode    string          `json:"errorCode,omitempty" cbor:"errorCode,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty" cbor:"errorMessage,omitempty"`
	Metrics      TaskMetrics     `json:"metrics" cbor:"metrics"`
}

// IsSuccess reports whether the task completed.
func (r *TaskResponse) IsSuccess() bool {
	return r.Status == TaskStatusCompleted
}

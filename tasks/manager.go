package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/protocol"
	"github.com/richinex/berry-mcp/server"
)

// Names of the pipeline's management tools. A transport that diverts
// tools/call to the queue must run these synchronously: queueing a status
// check would only ever answer with another task ID.
const (
	ToolCheckTaskStatus = "check_task_status"
	ToolCancelTask      = "cancel_task"
)

// Manager is the enqueue/inspect/cancel side of the pipeline. The server
// holds one Manager; workers hold a Worker against the same store and queue.
type Manager struct {
	store  Store
	queue  Queue
	logger logx.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets a custom logger.
func WithManagerLogger(logger logx.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a manager over the given store and queue.
func NewManager(store Store, queue Queue, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		queue:  queue,
		logger: logx.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue creates a DEQUEUED record, queues the work, and returns the new
// task ID immediately. It satisfies the async invoker hook on the push
// transport and the server.
func (m *Manager) Enqueue(ctx context.Context, toolName string, params map[string]interface{}) (string, error) {
	taskID := uuid.NewString()
	rec := &protocol.TaskRecord{
		TaskID:     taskID,
		ToolName:   toolName,
		Parameters: params,
		Status:     protocol.TaskStatusDequeued,
		Progress:   0,
		StartTime:  unixNow(),
	}
	if _, err := m.store.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to create task record: %w", err)
	}
	msg := &Message{TaskID: taskID, ToolName: toolName, Parameters: params, Attempt: 1}
	if err := m.queue.Enqueue(ctx, msg); err != nil {
		rec.Status = protocol.TaskStatusError
		rec.Error = fmt.Sprintf("Failed to enqueue task: %v", err)
		rec.EndTime = unixNow()
		if _, perr := m.store.Put(ctx, rec); perr != nil {
			m.logger.Error("tasks: failed to record enqueue failure for %s: %v", taskID, perr)
		}
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	m.logger.Info("tasks: enqueued %s for tool '%s'", taskID, toolName)
	return taskID, nil
}

// GetStatus returns the current record. Unknown IDs yield a synthetic
// UNKNOWN record rather than an error, so status polling is total.
func (m *Manager) GetStatus(ctx context.Context, taskID string) (*protocol.TaskRecord, error) {
	rec, _, err := m.store.Get(ctx, taskID)
	if err == ErrNotFound {
		return &protocol.TaskRecord{TaskID: taskID, Status: protocol.TaskStatusUnknown}, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RequestCancel flags the record CANCELLED. It reports false without error
// when the task is already terminal; the caller was simply too late. The
// write is last-write-wins, the worker observes the flag at its next
// checkpoint.
func (m *Manager) RequestCancel(ctx context.Context, taskID string) (bool, error) {
	rec, _, err := m.store.Get(ctx, taskID)
	if err == ErrNotFound {
		return false, fmt.Errorf("unknown task: %s", taskID)
	}
	if err != nil {
		return false, err
	}
	if rec.Status.Terminal() {
		m.logger.Info("tasks: cancel of %s ignored, already %s", taskID, rec.Status)
		return false, nil
	}
	rec.Status = protocol.TaskStatusCancelled
	rec.Error = "Task cancelled by request"
	rec.EndTime = unixNow()
	if _, err := m.store.Put(ctx, rec); err != nil {
		return false, fmt.Errorf("failed to flag cancellation: %w", err)
	}
	m.logger.Info("tasks: cancellation requested for %s", taskID)
	return true, nil
}

// RegisterTools adds the pipeline's management tools to the registry.
func (m *Manager) RegisterTools(registry *server.ToolRegistry) error {
	statusTool := &server.ToolEntry{
		Tool: protocol.Tool{
			Name:        ToolCheckTaskStatus,
			Description: "Check the status and result of a background task",
			InputSchema: protocol.ToolInputSchema{
				Type: "object",
				Properties: map[string]protocol.PropertyDetail{
					"taskId": {Type: "string", Description: "The task ID returned by the original call"},
				},
				Required: []string{"taskId"},
			},
		},
		Kind: protocol.ResultJSON,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			taskID, ok := args["taskId"].(string)
			if !ok || taskID == "" {
				return nil, fmt.Errorf("taskId is required")
			}
			return m.GetStatus(ctx, taskID)
		},
	}
	cancelTool := &server.ToolEntry{
		Tool: protocol.Tool{
			Name:        ToolCancelTask,
			Description: "Request cancellation of a queued or running background task",
			InputSchema: protocol.ToolInputSchema{
				Type: "object",
				Properties: map[string]protocol.PropertyDetail{
					"taskId": {Type: "string", Description: "The task ID to cancel"},
				},
				Required: []string{"taskId"},
			},
		},
		Kind: protocol.ResultJSON,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			taskID, ok := args["taskId"].(string)
			if !ok || taskID == "" {
				return nil, fmt.Errorf("taskId is required")
			}
			flagged, err := m.RequestCancel(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if !flagged {
				return map[string]interface{}{"taskId": taskID, "cancelled": false, "reason": "task already finished"}, nil
			}
			return map[string]interface{}{"taskId": taskID, "cancelled": true}, nil
		},
	}
	if err := registry.Register(statusTool); err != nil {
		return err
	}
	return registry.Register(cancelTool)
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/protocol"
	"github.com/richinex/berry-mcp/server"
)

func newTestManager() (*Manager, *MemoryStore, *MemoryQueue) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	m := NewManager(store, queue, WithManagerLogger(logx.NopLogger{}))
	return m, store, queue
}

func TestManagerEnqueue(t *testing.T) {
	m, store, queue := newTestManager()
	ctx := context.Background()

	taskID, err := m.Enqueue(ctx, "echo", map[string]interface{}{"message": "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	rec, _, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusDequeued, rec.Status)
	assert.Equal(t, "echo", rec.ToolName)
	assert.NotZero(t, rec.StartTime)

	select {
	case msg := <-queue.ch:
		assert.Equal(t, taskID, msg.TaskID)
		assert.Equal(t, "echo", msg.ToolName)
	default:
		t.Fatal("no message queued")
	}
}

func TestManagerGetStatusUnknown(t *testing.T) {
	m, _, _ := newTestManager()
	rec, err := m.GetStatus(context.Background(), "no-such-task")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusUnknown, rec.Status)
	assert.Equal(t, "no-such-task", rec.TaskID)
}

func TestManagerRequestCancel(t *testing.T) {
	m, store, _ := newTestManager()
	ctx := context.Background()

	taskID, err := m.Enqueue(ctx, "echo", nil)
	require.NoError(t, err)

	flagged, err := m.RequestCancel(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, flagged)

	rec, _, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusCancelled, rec.Status)
	assert.NotZero(t, rec.EndTime)

	// Cancelling a terminal task is a late no-op, not an error.
	flagged, err = m.RequestCancel(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, flagged)

	_, err = m.RequestCancel(ctx, "no-such-task")
	assert.Error(t, err)
}

func TestManagerRegisteredTools(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	registry := server.NewToolRegistry()
	require.NoError(t, m.RegisterTools(registry))

	taskID, err := m.Enqueue(ctx, "echo", nil)
	require.NoError(t, err)

	status, err := registry.Lookup("check_task_status")
	require.NoError(t, err)
	value, err := status.Handler(ctx, map[string]interface{}{"taskId": taskID})
	require.NoError(t, err)
	rec := value.(*protocol.TaskRecord)
	assert.Equal(t, protocol.TaskStatusDequeued, rec.Status)

	cancel, err := registry.Lookup("cancel_task")
	require.NoError(t, err)
	value, err = cancel.Handler(ctx, map[string]interface{}{"taskId": taskID})
	require.NoError(t, err)
	outcome := value.(map[string]interface{})
	assert.Equal(t, true, outcome["cancelled"])

	// Second cancel reports it was too late.
	value, err = cancel.Handler(ctx, map[string]interface{}{"taskId": taskID})
	require.NoError(t, err)
	outcome = value.(map[string]interface{})
	assert.Equal(t, false, outcome["cancelled"])

	_, err = status.Handler(ctx, map[string]interface{}{})
	assert.Error(t, err, "taskId is required")
}

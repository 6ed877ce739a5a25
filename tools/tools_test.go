package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinex/berry-mcp/server"
)

func TestRegisterAll(t *testing.T) {
	registry := server.NewToolRegistry()
	require.NoError(t, RegisterAll(registry))

	names := make([]string, 0)
	for _, tool := range registry.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"calculate", "current_time", "echo", "sleep"}, names)

	calc, err := registry.Lookup("calculate")
	require.NoError(t, err)
	assert.Equal(t, []string{"expression"}, calc.Tool.InputSchema.Required)

	sleep, err := registry.Lookup("sleep")
	require.NoError(t, err)
	assert.True(t, sleep.Blocking)
}

func TestCalculateTool(t *testing.T) {
	registry := server.NewToolRegistry()
	require.NoError(t, RegisterAll(registry))
	entry, err := registry.Lookup("calculate")
	require.NoError(t, err)

	value, err := entry.Handler(context.Background(), map[string]interface{}{"expression": "2+2"})
	require.NoError(t, err)
	assert.Equal(t, "4", value)

	_, err = entry.Handler(context.Background(), map[string]interface{}{"expression": "1/0"})
	assert.Error(t, err)

	_, err = entry.Handler(context.Background(), map[string]interface{}{})
	assert.Error(t, err)
}

func TestEchoTool(t *testing.T) {
	registry := server.NewToolRegistry()
	require.NoError(t, RegisterAll(registry))
	entry, err := registry.Lookup("echo")
	require.NoError(t, err)

	value, err := entry.Handler(context.Background(), map[string]interface{}{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", value)
}

func TestSleepToolHonorsContext(t *testing.T) {
	registry := server.NewToolRegistry()
	require.NoError(t, RegisterAll(registry))
	entry, err := registry.Lookup("sleep")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = entry.Handler(ctx, map[string]interface{}{"seconds": float64(30)})
	assert.ErrorIs(t, err, context.Canceled)
}

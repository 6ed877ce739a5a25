package server

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/protocol"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer("test-server", WithLogger(logx.NopLogger{}), WithVersion("9.9.9"))
	t.Cleanup(s.Close)
	return s
}

func call(t *testing.T, s *Server, id interface{}, method string, params interface{}) *protocol.JSONRPCResponse {
	t.Helper()
	env := map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		env["params"] = params
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return s.Dispatcher().HandleRaw(context.Background(), raw)
}

func TestInitialize(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, 1, protocol.MethodInitialize, map[string]interface{}{
		"protocolVersion": protocol.ProtocolVersion,
		"clientInfo":      map[string]string{"name": "tester", "version": "0.0.1"},
	})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	result := resp.Result.(*protocol.InitializeResult)
	assert.Equal(t, protocol.ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "test-server", result.ServerInfo.Name)
	assert.Equal(t, "9.9.9", result.ServerInfo.Version)
}

func TestListTools(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Tools().Register(&ToolEntry{
		Tool: protocol.Tool{Name: "zeta"},
		Kind: protocol.ResultText,
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return "z", nil
		},
	}))
	require.NoError(t, s.Tools().Register(&ToolEntry{
		Tool: protocol.Tool{Name: "alpha"},
		Kind: protocol.ResultText,
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return "a", nil
		},
	}))
	resp := call(t, s, 2, protocol.MethodListTools, nil)
	require.Nil(t, resp.Error)
	result := resp.Result.(*protocol.ListToolsResult)
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "alpha", result.Tools[0].Name)
	assert.Equal(t, "zeta", result.Tools[1].Name)
}

func TestCallTool(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Tools().Register(&ToolEntry{
		Tool: protocol.Tool{Name: "greet"},
		Kind: protocol.ResultText,
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			return fmt.Sprintf("hello %v", args["who"]), nil
		},
	}))
	resp := call(t, s, 3, protocol.MethodCallTool, map[string]interface{}{
		"name":      "greet",
		"arguments": map[string]string{"who": "world"},
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(*protocol.CallToolResult)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello world", result.Content[0].Text)
}

func TestCallToolUnknownToolIsInBandError(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, 4, protocol.MethodCallTool, map[string]interface{}{"name": "ghost"})
	require.NotNil(t, resp)
	// The envelope succeeds; the failure lives inside the tool result.
	require.Nil(t, resp.Error)
	result := resp.Result.(*protocol.CallToolResult)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "ghost")
}

func TestCallToolMissingName(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, 5, protocol.MethodCallTool, map[string]interface{}{})
	require.Nil(t, resp.Error)
	result := resp.Result.(*protocol.CallToolResult)
	assert.True(t, result.IsError)
}

func TestCallToolHandlerError(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Tools().Register(&ToolEntry{
		Tool: protocol.Tool{Name: "broken"},
		Kind: protocol.ResultText,
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("wires crossed")
		},
	}))
	resp := call(t, s, 6, protocol.MethodCallTool, map[string]interface{}{"name": "broken"})
	require.Nil(t, resp.Error)
	result := resp.Result.(*protocol.CallToolResult)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "wires crossed")
}

func TestCallBlockingTool(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Tools().Register(&ToolEntry{
		Tool:     protocol.Tool{Name: "slow"},
		Kind:     protocol.ResultText,
		Blocking: true,
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return "done", nil
		},
	}))
	resp := call(t, s, 7, protocol.MethodCallTool, map[string]interface{}{"name": "slow"})
	require.Nil(t, resp.Error)
	result := resp.Result.(*protocol.CallToolResult)
	assert.False(t, result.IsError)
	assert.Equal(t, "done", result.Content[0].Text)
}

func TestCallBlockingToolPanicContained(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Tools().Register(&ToolEntry{
		Tool:     protocol.Tool{Name: "volatile"},
		Kind:     protocol.ResultText,
		Blocking: true,
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			panic("tool exploded")
		},
	}))
	resp := call(t, s, 14, protocol.MethodCallTool, map[string]interface{}{"name": "volatile"})
	require.Nil(t, resp.Error)
	result := resp.Result.(*protocol.CallToolResult)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "tool exploded")

	// The pool worker survives and serves the next call.
	require.NoError(t, s.Tools().Register(&ToolEntry{
		Tool:     protocol.Tool{Name: "steady"},
		Kind:     protocol.ResultText,
		Blocking: true,
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return "still here", nil
		},
	}))
	resp = call(t, s, 15, protocol.MethodCallTool, map[string]interface{}{"name": "steady"})
	require.Nil(t, resp.Error)
	result = resp.Result.(*protocol.CallToolResult)
	assert.False(t, result.IsError)
	assert.Equal(t, "still here", result.Content[0].Text)
}

type staticProvider struct {
	uri  string
	text string
	err  error
}

func (p *staticProvider) Resources() []protocol.Resource {
	return []protocol.Resource{{URI: p.uri, Name: "static"}}
}

func (p *staticProvider) Read(context.Context, string) ([]protocol.ResourceContent, error) {
	if p.err != nil {
		return nil, p.err
	}
	return []protocol.ResourceContent{{MimeType: "text/plain", Text: p.text}}, nil
}

func (p *staticProvider) Handles(uri string) bool { return uri == p.uri }

func TestReadResource(t *testing.T) {
	s := newTestServer(t)
	s.Resources().AddProvider(&staticProvider{uri: "info://greeting", text: "hi"})

	resp := call(t, s, 8, protocol.MethodReadResource, map[string]string{"uri": "info://greeting"})
	require.Nil(t, resp.Error)
	result := resp.Result.(*protocol.ReadResourceResult)
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "hi", result.Contents[0].Text)
	// Missing URI is stamped with the requested one.
	assert.Equal(t, "info://greeting", result.Contents[0].URI)
}

func TestReadResourceErrorIsInBand(t *testing.T) {
	s := newTestServer(t)
	s.Resources().AddProvider(&staticProvider{uri: "info://flaky", err: fmt.Errorf("disk gone")})

	resp := call(t, s, 9, protocol.MethodReadResource, map[string]string{"uri": "info://flaky"})
	require.Nil(t, resp.Error)
	result := resp.Result.(*protocol.ReadResourceResult)
	require.Len(t, result.Contents, 1)
	assert.Contains(t, result.Contents[0].Text, "disk gone")
}

func TestPromptsGetAndComplete(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Prompts().Register(protocol.Prompt{
		ID:       "welcome",
		Template: "Hello {name}, welcome to {place}!",
		Arguments: []protocol.PromptArgument{
			{Name: "name", Required: true},
			{Name: "place"},
		},
	}))

	resp := call(t, s, 10, protocol.MethodGetPrompt, map[string]string{"id": "welcome"})
	require.Nil(t, resp.Error)

	resp = call(t, s, 11, protocol.MethodCompletionComplete, map[string]interface{}{
		"id":         "welcome",
		"parameters": map[string]string{"name": "Ada", "place": "here"},
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(*protocol.CompleteResult)
	assert.Equal(t, "Hello Ada, welcome to here!", result.Text)
}

func TestCompleteMissingRequiredArgument(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Prompts().Register(protocol.Prompt{
		ID:        "strict",
		Template:  "{value}",
		Arguments: []protocol.PromptArgument{{Name: "value", Required: true}},
	}))
	resp := call(t, s, 12, protocol.MethodCompletionComplete, map[string]interface{}{"id": "strict"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrorCodeInvalidParams, resp.Error.Code)
}

func TestGetPromptUnknown(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, 13, protocol.MethodGetPrompt, map[string]string{"id": "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrorCodeMethodNotFound, resp.Error.Code)
}

// Package server provides the berry-mcp server core: the JSON-RPC
// dispatcher, the tool/resource/prompt registries, and the façade that wires
// the built-in MCP methods to them.
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/protocol"
)

// AsyncInvoker hands a tools/call invocation to the task pipeline instead of
// executing it in-process. It returns the task ID assigned to the
// invocation. Transports that support out-of-band execution consult it.
type AsyncInvoker interface {
	Enqueue(ctx context.Context, toolName string, params map[string]interface{}) (string, error)
}

// Server is the core MCP server logic, independent of transport. It owns the
// dispatcher's handler table and executes tools synchronously; the push
// transport may divert tools/call to a task pipeline instead.
type Server struct {
	name    string
	version string
	logger  logx.Logger

	dispatcher *Dispatcher
	tools      *ToolRegistry
	resources  *ResourceRegistry
	prompts    *PromptRegistry
	pool       *workerPool

	poolSize int
	verbose  bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger logx.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version reported on initialize.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithWorkerPoolSize bounds the pool used for blocking tools.
func WithWorkerPoolSize(size int) Option {
	return func(s *Server) { s.poolSize = size }
}

// WithVerboseErrors includes stack traces in handler panic replies.
func WithVerboseErrors() Option {
	return func(s *Server) { s.verbose = true }
}

// NewServer creates a Server, registers the built-in method handlers, and
// starts its worker pool.
func NewServer(name string, opts ...Option) *Server {
	s := &Server{
		name:      name,
		version:   "0.1.0",
		logger:    logx.NewDefaultLogger(),
		tools:     NewToolRegistry(),
		resources: NewResourceRegistry(),
		prompts:   NewPromptRegistry(),
		poolSize:  4,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = NewDispatcher(s.logger, s.verbose)
	s.pool = newWorkerPool(s.poolSize)
	s.registerDefaultHandlers()
	s.logger.Info("server '%s' v%s initialized", s.name, s.version)
	return s
}

// Dispatcher exposes the message router for transports.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Tools exposes the tool registry for registration and for task workers.
func (s *Server) Tools() *ToolRegistry { return s.tools }

// Resources exposes the resource registry.
func (s *Server) Resources() *ResourceRegistry { return s.resources }

// Prompts exposes the prompt registry.
func (s *Server) Prompts() *PromptRegistry { return s.prompts }

// Close releases the worker pool.
func (s *Server) Close() {
	s.pool.Close()
}

func (s *Server) registerDefaultHandlers() {
	s.dispatcher.SetHandler(protocol.MethodInitialize, s.handleInitialize)
	s.dispatcher.SetHandler(protocol.MethodListTools, s.handleListTools)
	s.dispatcher.SetHandler(protocol.MethodCallTool, s.handleCallTool)
	s.dispatcher.SetHandler(protocol.MethodListResources, s.handleListResources)
	s.dispatcher.SetHandler(protocol.MethodReadResource, s.handleReadResource)
	s.dispatcher.SetHandler(protocol.MethodListPrompts, s.handleListPrompts)
	s.dispatcher.SetHandler(protocol.MethodGetPrompt, s.handleGetPrompt)
	s.dispatcher.SetHandler(protocol.MethodCompletionComplete, s.handleComplete)
}

func (s *Server) handleInitialize(_ context.Context, params json.RawMessage, req RequestInfo) (interface{}, error) {
	var p protocol.InitializeParams
	if err := protocol.UnmarshalParams(params, &p); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}
	s.logger.Info("initialize from client '%s' v%s (id=%v)", p.ClientInfo.Name, p.ClientInfo.Version, req.ID)
	return &protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerInfo:      protocol.ServerInfo{Name: s.name, Version: s.version},
		Capabilities:    protocol.ServerCapabilities{},
	}, nil
}

func (s *Server) handleListTools(context.Context, json.RawMessage, RequestInfo) (interface{}, error) {
	return &protocol.ListToolsResult{Tools: s.tools.List()}, nil
}

// handleCallTool executes a tool in-process. Tool-level failures (missing
// name, unknown tool, handler error) are reported inside the result payload
// with isError set; the caller decides what to make of them.
func (s *Server) handleCallTool(ctx context.Context, params json.RawMessage, req RequestInfo) (interface{}, error) {
	var p protocol.CallToolParams
	if err := protocol.UnmarshalParams(params, &p); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}
	if p.Name == "" {
		return protocol.ToolErrorResult("Missing required parameter: 'name' for tools/call"), nil
	}
	entry, err := s.tools.Lookup(p.Name)
	if err != nil {
		return protocol.ToolErrorResult(fmt.Sprintf("Tool not found in registry: '%s'", p.Name)), nil
	}
	s.logger.Info("tools/call id=%v tool=%s", req.ID, p.Name)
	return s.ExecuteTool(ctx, entry, p.Arguments), nil
}

// ExecuteTool runs a registry entry with the given arguments and renders its
// outcome as a CallToolResult. Blocking tools run on the worker pool so the
// calling transport loop stays responsive. Task workers reuse this for the
// asynchronous path.
func (s *Server) ExecuteTool(ctx context.Context, entry *ToolEntry, args map[string]interface{}) *protocol.CallToolResult {
	var (
		value interface{}
		err   error
	)
	if entry.Blocking {
		outcome, submitErr := s.pool.Submit(ctx, func(ctx context.Context) (interface{}, error) {
			return entry.Handler(ctx, args)
		})
		if submitErr != nil {
			return protocol.ToolErrorResult(fmt.Sprintf("Tool execution error: %v", submitErr))
		}
		select {
		case o := <-outcome:
			value, err = o.value, o.err
		case <-ctx.Done():
			return protocol.ToolErrorResult(fmt.Sprintf("Tool execution error: %v", ctx.Err()))
		}
	} else {
		value, err = entry.Handler(ctx, args)
	}
	if err != nil {
		s.logger.Warn("tool %s failed: %v", entry.Tool.Name, err)
		return protocol.ToolErrorResult(fmt.Sprintf("Tool execution error: %v", err))
	}
	return &protocol.CallToolResult{
		Content: []protocol.Content{renderResult(entry.Kind, value)},
		IsError: false,
	}
}

// renderResult converts a tool's return value into a content block according
// to its declared result kind.
func renderResult(kind protocol.ResultKind, value interface{}) protocol.Content {
	switch kind {
	case protocol.ResultJSON:
		return protocol.JSONContent(value)
	case protocol.ResultBinary:
		if c, ok := value.(protocol.Content); ok {
			return c
		}
		return protocol.BinaryContent(fmt.Sprintf("%v", value), "application/octet-stream")
	default:
		if value == nil {
			return protocol.TextContent("")
		}
		if text, ok := value.(string); ok {
			return protocol.TextContent(text)
		}
		return protocol.TextContent(fmt.Sprintf("%v", value))
	}
}

func (s *Server) handleListResources(context.Context, json.RawMessage, RequestInfo) (interface{}, error) {
	return &protocol.ListResourcesResult{Resources: s.resources.List()}, nil
}

func (s *Server) handleReadResource(ctx context.Context, params json.RawMessage, req RequestInfo) (interface{}, error) {
	var p protocol.ReadResourceParams
	if err := protocol.UnmarshalParams(params, &p); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}
	if p.URI == "" {
		return &protocol.ReadResourceResult{Contents: []protocol.ResourceContent{{
			URI:      "error:///missing-uri",
			MimeType: "text/plain",
			Text:     "[Error: Missing required parameter: uri]",
		}}}, nil
	}
	contents, err := s.resources.Read(ctx, p.URI)
	if err != nil {
		// Read failures are reported in-band, like tool-level errors.
		s.logger.Warn("resources/read %s (id=%v): %v", p.URI, req.ID, err)
		return &protocol.ReadResourceResult{Contents: []protocol.ResourceContent{{
			URI:      p.URI,
			MimeType: "text/plain",
			Text:     fmt.Sprintf("[Error: %v]", err),
		}}}, nil
	}
	return &protocol.ReadResourceResult{Contents: contents}, nil
}

func (s *Server) handleListPrompts(context.Context, json.RawMessage, RequestInfo) (interface{}, error) {
	return &protocol.ListPromptsResult{Prompts: s.prompts.List()}, nil
}

func (s *Server) handleGetPrompt(_ context.Context, params json.RawMessage, _ RequestInfo) (interface{}, error) {
	var p protocol.GetPromptParams
	if err := protocol.UnmarshalParams(params, &p); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}
	if p.ID == "" {
		return nil, protocol.NewInvalidParamsError("Missing required parameter: id")
	}
	prompt, err := s.prompts.Get(p.ID)
	if err != nil {
		return nil, protocol.NewMethodNotFoundError(fmt.Sprintf("prompt %s", p.ID))
	}
	return prompt, nil
}

func (s *Server) handleComplete(_ context.Context, params json.RawMessage, _ RequestInfo) (interface{}, error) {
	var p protocol.GetPromptParams
	if err := protocol.UnmarshalParams(params, &p); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}
	if p.ID == "" {
		return nil, protocol.NewInvalidParamsError("Missing required parameter: id")
	}
	prompt, err := s.prompts.Get(p.ID)
	if err != nil {
		return nil, protocol.NewMethodNotFoundError(fmt.Sprintf("prompt %s", p.ID))
	}
	text, err := Fill(prompt, p.Parameters)
	if err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}
	return &protocol.CompleteResult{Text: text}, nil
}

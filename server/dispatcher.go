package server

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/protocol"
)

// RequestInfo carries the call metadata a handler may need. Only the request
// ID is exposed; transport identity never reaches a handler.
type RequestInfo struct {
	ID interface{}
}

// HandlerFunc processes one request method. The returned value becomes the
// response's result field. Returning a *protocol.MCPError controls the error
// code of the reply; any other error is reported as a generic server error.
type HandlerFunc func(ctx context.Context, params json.RawMessage, req RequestInfo) (interface{}, error)

// NotificationSender delivers an unsolicited server-to-client notification.
// Replies never travel through it; they flow back as HandleMessage's return
// value.
type NotificationSender func(n *protocol.JSONRPCNotification) error

// Dispatcher routes parsed JSON-RPC envelopes to registered method handlers
// and formats replies. It owns no state beyond its handler table.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sender   NotificationSender
	logger   logx.Logger

	// verbose includes a stack trace in the error data of handler panics.
	verbose bool
}

// NewDispatcher creates a Dispatcher with an empty handler table.
func NewDispatcher(logger logx.Logger, verbose bool) *Dispatcher {
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
		verbose:  verbose,
	}
}

// SetHandler registers a handler for a request method, replacing any
// previous registration.
func (d *Dispatcher) SetHandler(method string, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = handler
}

// SetNotificationSender wires the outgoing path used by SendNotification.
// The owning transport calls this once on startup.
func (d *Dispatcher) SetNotificationSender(sender NotificationSender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = sender
}

// SendNotification builds and sends a JSON-RPC notification through the
// configured sender.
func (d *Dispatcher) SendNotification(method string, params interface{}) error {
	d.mu.RLock()
	sender := d.sender
	d.mu.RUnlock()
	if sender == nil {
		return fmt.Errorf("no notification sender configured")
	}
	return sender(protocol.NewNotification(method, params))
}

// HandleRaw parses one raw envelope and dispatches it. Malformed JSON yields
// a parse-error reply with a null ID.
func (d *Dispatcher) HandleRaw(ctx context.Context, raw []byte) *protocol.JSONRPCResponse {
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		d.logger.Warn("Dispatcher: invalid JSON received: %v", err)
		return protocol.NewErrorResponse(nil, protocol.ErrorCodeParseError, fmt.Sprintf("Parse error: %v", err), nil)
	}
	return d.HandleMessage(ctx, req)
}

// HandleMessage validates one envelope, invokes its handler, and formats the
// reply. It returns nil when no reply is owed: for notifications, whatever
// the handler's outcome.
func (d *Dispatcher) HandleMessage(ctx context.Context, req *protocol.JSONRPCRequest) *protocol.JSONRPCResponse {
	if req.JSONRPC != protocol.Version {
		d.logger.Warn("Dispatcher: invalid jsonrpc version %q", req.JSONRPC)
		// No reliable ID when the envelope itself is malformed.
		return protocol.NewErrorResponse(nil, protocol.ErrorCodeInvalidRequest, "Invalid Request", "invalid JSON-RPC version")
	}
	if req.Method == "" {
		d.logger.Warn("Dispatcher: request without method (id=%v)", req.ID)
		return protocol.NewErrorResponse(req.ID, protocol.ErrorCodeInvalidRequest, "Invalid Request", "'method' is missing")
	}

	d.mu.RLock()
	handler, ok := d.handlers[req.Method]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn("Dispatcher: no handler for method %q (id=%v)", req.Method, req.ID)
		if req.IsNotification() {
			return nil
		}
		return protocol.NewErrorResponse(req.ID, protocol.ErrorCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	result, err := d.invoke(ctx, handler, req)
	if err != nil {
		if req.IsNotification() {
			d.logger.Error("Dispatcher: handler for notification %q failed: %v", req.Method, err)
			return nil
		}
		if mcpErr, ok := err.(*protocol.MCPError); ok {
			return protocol.NewErrorResponse(req.ID, mcpErr.Code, mcpErr.Message, mcpErr.Data)
		}
		msg := fmt.Sprintf("Server error executing method '%s': %v", req.Method, err)
		d.logger.Error("Dispatcher: %s", msg)
		return protocol.NewErrorResponse(req.ID, protocol.ErrorCodeServerError, msg, nil)
	}

	if req.IsNotification() {
		return nil
	}
	return protocol.NewSuccessResponse(req.ID, d.checkSerializable(req.ID, result))
}

// invoke calls the handler, converting a panic into an error so a broken
// tool cannot take the transport loop down with it.
func (d *Dispatcher) invoke(ctx context.Context, handler HandlerFunc, req *protocol.JSONRPCRequest) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			if d.verbose {
				err = &protocol.MCPError{ErrorPayload: protocol.ErrorPayload{
					Code:    protocol.ErrorCodeServerError,
					Message: fmt.Sprintf("Server error executing method '%s': panic: %v", req.Method, r),
					Data:    string(debug.Stack()),
				}}
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
		}
	}()
	return handler(ctx, req.Params, RequestInfo{ID: req.ID})
}

// checkSerializable confirms the result payload survives JSON encoding. A
// payload that does not is replaced with a diagnostic string so the exchange
// still completes.
func (d *Dispatcher) checkSerializable(id interface{}, result interface{}) interface{} {
	if result == nil {
		return nil
	}
	if _, err := json.Marshal(result); err != nil {
		d.logger.Error("Dispatcher: result for id %v is not JSON serializable: %v", id, err)
		return fmt.Sprintf("[non-serializable result: %T] %v", result, err)
	}
	return result
}

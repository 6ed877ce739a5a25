package protocol

import "fmt"

// ErrorCode is a JSON-RPC error code.
type ErrorCode int

// Reserved JSON-RPC error codes used by the server.
const (
	ErrorCodeParseError     ErrorCode = -32700 // malformed JSON
	ErrorCodeInvalidRequest ErrorCode = -32600 // not a valid request envelope
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603
	ErrorCodeServerError    ErrorCode = -32000 // handler exceptions and infra failures
)

// MCPError wraps ErrorPayload to implement the error interface. Handlers can
// return this type to control the JSON-RPC error code of the reply; any other
// error is reported with ErrorCodeServerError.
type MCPError struct {
	ErrorPayload
}

// Error implements the error interface for MCPError.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP Error: Code=%d, Message=%s", e.Code, e.Message)
}

// NewInvalidParamsError creates a new MCPError for invalid params.
func NewInvalidParamsError(message string) *MCPError {
	return &MCPError{
		ErrorPayload: ErrorPayload{
			Code:    ErrorCodeInvalidParams,
			Message: message,
		},
	}
}

// NewMethodNotFoundError creates a new MCPError for an unknown method.
func NewMethodNotFoundError(methodName string) *MCPError {
	return &MCPError{
		ErrorPayload: ErrorPayload{
			Code:    ErrorCodeMethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", methodName),
		},
	}
}

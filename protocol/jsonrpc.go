// Package protocol defines the wire structures and constants for the
// berry-mcp server, based on the JSON-RPC 2.0 specification.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the constant JSON-RPC version tag carried by every envelope.
const Version = "2.0"

// ErrorPayload defines the structure for the 'error' object within a
// JSONRPCResponse, aligning with the JSON-RPC 2.0 specification.
type ErrorPayload struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSONRPCRequest represents a standard JSON-RPC request object. A request
// without an ID is a notification and receives no reply.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"` // string, number, or absent for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no ID and therefore
// expects no reply.
func (r *JSONRPCRequest) IsNotification() bool {
	return r.ID == nil
}

// JSONRPCResponse represents a standard JSON-RPC response object. Exactly one
// of Result and Error is populated.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"` // same as the request ID, or null if it never parsed
	Result  interface{}   `json:"result,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// JSONRPCNotification represents a standard JSON-RPC notification object.
// Notifications MUST NOT carry an 'id' field.
type JSONRPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewNotification creates a new JSON-RPC notification object.
func NewNotification(method string, params interface{}) *JSONRPCNotification {
	return &JSONRPCNotification{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}

// NewSuccessResponse creates a new JSON-RPC success response object.
func NewSuccessResponse(id interface{}, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: Version,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates a new JSON-RPC error response object. The id may
// be nil when the error occurred before the request ID could be read.
func NewErrorResponse(id interface{}, code ErrorCode, message string, data interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: Version,
		ID:      id,
		Error: &ErrorPayload{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// ParseRequest decodes one raw envelope into a JSONRPCRequest. It only
// reports JSON-level problems; structural validation (version tag, method
// presence) is the dispatcher's job so the original ID can be preserved in
// the error reply.
func ParseRequest(raw []byte) (*JSONRPCRequest, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return &req, nil
}

// UnmarshalParams decodes a request's raw params into the target struct.
// A nil params field decodes into the zero value.
func UnmarshalParams(params json.RawMessage, target interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to unmarshal params into %T: %w", target, err)
	}
	return nil
}

package protocol

import "encoding/json"

// ToolInputSchema defines the expected input structure for a tool
// (JSON Schema subset).
type ToolInputSchema struct {
	Type       string                    `json:"type"` // typically "object"
	Properties map[string]PropertyDetail `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// PropertyDetail describes a single parameter within a ToolInputSchema.
type PropertyDetail struct {
	Type        string        `json:"type"`
	Description string        `json:"description,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Default     interface{}   `json:"default,omitempty"`
}

// Tool defines a tool offered by the server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ListToolsResult defines the result payload for a 'tools/list' response.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams defines the parameters for a 'tools/call' request.
type CallToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ResultKind declares the shape a tool's return value is rendered as.
// Tools declare their kind up front so result formatting is total rather
// than driven by runtime type inspection.
type ResultKind int

const (
	// ResultText renders the return value as plain text.
	ResultText ResultKind = iota
	// ResultJSON renders the return value as a JSON document in a text
	// content block.
	ResultJSON
	// ResultBinary renders the return value as base64 data with a mime type.
	ResultBinary
)

// Content is one element of a tool result's content list.
type Content struct {
	Type     string `json:"type"` // "text" or "data"
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64 for binary results
	MimeType string `json:"mimeType,omitempty"`
}

// TextContent builds a text content block.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// JSONContent builds a text content block holding the JSON rendering of v.
// Unserializable values degrade to a diagnostic string rather than failing
// the exchange.
func JSONContent(v interface{}) Content {
	b, err := json.Marshal(v)
	if err != nil {
		return TextContent("[non-serializable result: " + err.Error() + "]")
	}
	return Content{Type: "text", Text: string(b)}
}

// BinaryContent builds a base64 data content block.
func BinaryContent(data, mimeType string) Content {
	return Content{Type: "data", Data: data, MimeType: mimeType}
}

// CallToolResult defines the result payload for a 'tools/call' response.
// IsError marks tool-level failures; protocol-level failures use the
// response's error object instead.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// ToolErrorResult builds the conventional tool-level failure payload.
func ToolErrorResult(message string) *CallToolResult {
	return &CallToolResult{
		Content: []Content{TextContent(message)},
		IsError: true,
	}
}

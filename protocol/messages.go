package protocol

// ClientInfo identifies the connecting client during initialization.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerInfo identifies this server in the initialize response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capability flags a capability group as present. Dynamic registration is
// not supported.
type Capability struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
}

// ServerCapabilities is the capability set announced on initialize.
type ServerCapabilities struct {
	Tools     Capability `json:"tools"`
	Resources Capability `json:"resources"`
	Prompts   Capability `json:"prompts"`
}

// InitializeParams defines the parameters of an 'initialize' request.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion,omitempty"`
	ClientInfo      ClientInfo `json:"clientInfo,omitempty"`
}

// InitializeResult defines the result payload of an 'initialize' response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// Resource describes one readable resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult defines the result payload of 'resources/list'.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ResourceContent is one element of a 'resources/read' result. Read failures
// are reported as text contents describing the problem, mirroring tool-level
// errors rather than protocol errors.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"` // base64
}

// ReadResourceParams defines the parameters of a 'resources/read' request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult defines the result payload of 'resources/read'.
type ReadResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// PromptArgument describes one placeholder of a prompt template.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is a named text template with {placeholder} slots.
type Prompt struct {
	ID          string           `json:"id"`
	Description string           `json:"description,omitempty"`
	Template    string           `json:"template"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ListPromptsResult defines the result payload of 'prompts/list'.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

// GetPromptParams defines the parameters of 'prompts/get' and
// 'completion/complete'.
type GetPromptParams struct {
	ID         string                 `json:"id"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// CompleteResult defines the result payload of 'completion/complete'.
type CompleteResult struct {
	Text string `json:"text"`
}

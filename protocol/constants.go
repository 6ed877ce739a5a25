package protocol

const (
	// ProtocolVersion is the MCP protocol revision this server implements.
	ProtocolVersion = "2024-11-05"

	// Initialization
	MethodInitialize = "initialize"

	// Tools
	MethodListTools = "tools/list"
	MethodCallTool  = "tools/call"

	// Resources
	MethodListResources = "resources/list"
	MethodReadResource  = "resources/read"

	// Prompts
	MethodListPrompts        = "prompts/list"
	MethodGetPrompt          = "prompts/get"
	MethodCompletionComplete = "completion/complete"

	// Notifications published by the task pipeline. Progress events are
	// emitted on every task state change; tasks/finished is reserved for
	// abnormal terminations where a stream-only caller would otherwise hang.
	MethodNotifyProgress = "notifications/progress"
	MethodTaskFinished   = "tasks/finished"
)

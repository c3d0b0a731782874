package domain

// Role defines the sender of a conversation message.
type Role string

const (
	// RoleUser indicates a message from the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the agent.
	RoleAssistant Role = "assistant"
	// RoleSystem indicates a system-level message (e.g. interruption notice).
	RoleSystem Role = "system"
	// RoleTool indicates a tool result.
	RoleTool Role = "tool"
	// RoleSessionBoundary marks an explicit reset point. Replay never
	// carries content from before the most recent boundary forward.
	RoleSessionBoundary Role = "session_boundary"
	// RoleCompactionSummary indicates a summary replacing compacted history.
	RoleCompactionSummary Role = "compaction_summary"
)

// Message content types.
const (
	ContentTypeText       = "text"
	ContentTypeToolCall   = "tool_call"
	ContentTypeToolResult = "tool_result"
)

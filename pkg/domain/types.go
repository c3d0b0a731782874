package domain

import "time"

// Conversation represents a long-lived exchange between a user and the
// sandboxed agent. The sandbox/session ID pair is the only cross-request
// shared state: it is read, conditionally invalidated, then rewritten by
// the lifecycle layer on every generation.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	SandboxID string    `json:"sandbox_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"` // explicit device tunnel, overrides provider selection
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Generation represents one agent turn, from prompt submission to a
// terminal event. The sandbox ID is recorded as soon as it is resolved so
// that a crash mid-generation still leaves a reconnect hint behind.
type Generation struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	SandboxID      string    `json:"sandbox_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Generation status values.
const (
	GenerationRunning   = "running"
	GenerationComplete  = "complete"
	GenerationError     = "error"
	GenerationCancelled = "cancelled"
)

// Message is a single persisted entry in a conversation's history.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	ContentType    string    `json:"content_type"` // "text", "tool_call", "tool_result"
	Content        string    `json:"content"`      // Text content or JSON-encoded tool call/result
	Timestamp      time.Time `json:"timestamp"`
}

// ToolCall represents a tool invocation by the agent.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult represents the outcome of a tool call execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

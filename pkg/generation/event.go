// Package generation defines the wire contract for one agent turn — an
// append-only, strictly ordered event stream terminated by exactly one of
// done, error, or cancelled — and the reducer that folds that stream into
// renderable conversation state.
package generation

import "time"

// EventType identifies the kind of generation event.
type EventType string

const (
	EventText            EventType = "text"
	EventThinking        EventType = "thinking"
	EventToolUse         EventType = "tool_use"
	EventToolResult      EventType = "tool_result"
	EventPendingApproval EventType = "pending_approval"
	EventApprovalResult  EventType = "approval_result"
	EventAuthNeeded      EventType = "auth_needed"
	EventAuthProgress    EventType = "auth_progress"
	EventAuthResult      EventType = "auth_result"
	EventSandboxFile     EventType = "sandbox_file"
	EventStatusChange    EventType = "status_change"
	EventDone            EventType = "done"
	EventError           EventType = "error"
	EventCancelled       EventType = "cancelled"
)

// Event is one immutable increment of agent activity. It is a tagged
// union: exactly one payload pointer is set for the types that carry one.
// Events are streamed once, in order, and never mutated.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Text holds the delta for text and thinking events, the note for
	// status_change events, and the message for error events.
	Text string `json:"text,omitempty"`

	ToolUse    *ToolUseEvent    `json:"tool_use,omitempty"`
	ToolResult *ToolResultEvent `json:"tool_result,omitempty"`
	Approval   *ApprovalEvent   `json:"approval,omitempty"`
	Auth       *AuthEvent       `json:"auth,omitempty"`
	File       *FileEvent       `json:"file,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventDone, EventError, EventCancelled:
		return true
	}
	return false
}

// ToolUseEvent announces a tool invocation.
type ToolUseEvent struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	// Integration tags the third-party service a tool belongs to, used
	// for per-turn usage summaries.
	Integration string         `json:"integration,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

// ToolResultEvent resolves a prior tool invocation. When ToolUseID is
// empty, ordering is the only disambiguator: the result matches the most
// recent unresolved call with the same name.
type ToolResultEvent struct {
	ToolUseID string `json:"tool_use_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ApprovalEvent carries an approval gate (pending_approval) or its
// outcome (approval_result).
type ApprovalEvent struct {
	ID        string `json:"id"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
}

// AuthEvent carries an auth handoff (auth_needed), a progress update
// (auth_progress), or its outcome (auth_result).
type AuthEvent struct {
	ID          string `json:"id"`
	Integration string `json:"integration,omitempty"`
	Message     string `json:"message,omitempty"`
	URL         string `json:"url,omitempty"`
	Ok          bool   `json:"ok,omitempty"`
}

// FileEvent announces a file the agent produced in the sandbox.
type FileEvent struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

package generation

import (
	"log/slog"
	"time"
)

// Status is the reducer's view of the turn.
type Status string

const (
	StatusStreaming       Status = "streaming"
	StatusWaitingApproval Status = "waiting_approval"
	StatusWaitingAuth     Status = "waiting_auth"
	StatusComplete        Status = "complete"
	StatusError           Status = "error"
)

// PartKind identifies a reducer-owned projection of agent activity.
type PartKind string

const (
	PartText     PartKind = "text"
	PartThinking PartKind = "thinking"
	PartToolCall PartKind = "tool_call"
	PartSystem   PartKind = "system"
	PartApproval PartKind = "approval"
)

// CallStatus is the lifecycle of a tool-call part.
type CallStatus string

const (
	CallRunning     CallStatus = "running"
	CallComplete    CallStatus = "complete"
	CallInterrupted CallStatus = "interrupted"
)

// Part is one renderable unit of the turn.
type Part struct {
	Kind     PartKind      `json:"kind"`
	Text     string        `json:"text,omitempty"` // text, thinking, system
	ToolCall *ToolCallPart `json:"tool_call,omitempty"`
	Approval *ApprovalPart `json:"approval,omitempty"`
}

// ToolCallPart is a tool invocation with its optionally merged result.
type ToolCallPart struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Integration string         `json:"integration,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Status      CallStatus     `json:"status"`
	Result      string         `json:"result,omitempty"`
	IsError     bool           `json:"is_error,omitempty"`
	HasResult   bool           `json:"has_result,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	Duration    time.Duration  `json:"duration,omitempty"`
}

// ApprovalPart is a resolved or pending approval gate, re-inserted next
// to the tool call it gates during final assembly.
type ApprovalPart struct {
	ID        string `json:"id"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Resolved  bool   `json:"resolved"`
	Approved  bool   `json:"approved,omitempty"`
}

// AuthState tracks one auth handoff across its needed/progress/result
// events.
type AuthState struct {
	ID          string `json:"id"`
	Integration string `json:"integration,omitempty"`
	Message     string `json:"message,omitempty"`
	URL         string `json:"url,omitempty"`
	Resolved    bool   `json:"resolved"`
	Ok          bool   `json:"ok,omitempty"`
}

// Segment groups the parts between two approval/auth gates. Part indexes
// are half-open: [Start, End); End == -1 means the segment is still open.
// Exactly one segment is expanded at any time — the newest.
type Segment struct {
	Start    int  `json:"start"`
	End      int  `json:"end"`
	Expanded bool `json:"expanded"`
}

// Stats aggregates tool-call counters for observability. Durations are
// wall-clock from tool_use emission to its paired resolution.
type Stats struct {
	ToolCalls      int           `json:"tool_calls"`
	CompletedCalls int           `json:"completed_calls"`
	MaxDuration    time.Duration `json:"max_duration,omitempty"`
	TotalDuration  time.Duration `json:"total_duration,omitempty"`
}

// State is the reducer's fold result. It is renderable as-is.
type State struct {
	Status       Status         `json:"status"`
	Parts        []Part         `json:"parts"`
	Segments     []Segment      `json:"segments"`
	Approvals    []ApprovalPart `json:"approvals,omitempty"`
	Auths        []AuthState    `json:"auths,omitempty"`
	Integrations []string       `json:"integrations,omitempty"`
	Files        []FileEvent    `json:"files,omitempty"`
	Stats        Stats          `json:"stats"`
	ErrorMessage string         `json:"error_message,omitempty"`
	// Interrupted records that the single "Interrupted by user" marker
	// has been appended; a repeat cancellation must not duplicate it.
	Interrupted bool `json:"interrupted,omitempty"`

	terminal bool
}

// Terminal reports whether a terminal event has been folded in.
func (s State) Terminal() bool { return s.terminal }

// NewState returns the initial state: streaming, one open expanded
// segment, no parts.
func NewState() State {
	return State{
		Status:   StatusStreaming,
		Segments: []Segment{{Start: 0, End: -1, Expanded: true}},
	}
}

// Reduce folds one event into the state. It is pure: the input state is
// not mutated, there is no I/O beyond logging protocol violations, and
// identical sequences produce identical states. Malformed or post-
// terminal events are logged and ignored — one bad event must never take
// down an otherwise-healthy listener.
func Reduce(s State, ev Event) State {
	if s.terminal {
		// A second cancellation is tolerated silently (idempotent);
		// anything else after a terminal event is a protocol violation.
		if ev.Type != EventCancelled {
			slog.Warn("Event received after terminal event, ignoring", "type", ev.Type)
		}
		return s
	}
	s = s.clone()

	switch ev.Type {
	case EventText:
		if n := len(s.Parts); n > 0 && s.Parts[n-1].Kind == PartText {
			s.Parts[n-1].Text += ev.Text
		} else {
			s.Parts = append(s.Parts, Part{Kind: PartText, Text: ev.Text})
		}

	case EventThinking:
		s.Parts = append(s.Parts, Part{Kind: PartThinking, Text: ev.Text})

	case EventToolUse:
		if ev.ToolUse == nil {
			slog.Warn("tool_use event without payload, ignoring")
			return s
		}
		s.Parts = append(s.Parts, Part{Kind: PartToolCall, ToolCall: &ToolCallPart{
			ID:          ev.ToolUse.ID,
			Name:        ev.ToolUse.Name,
			Integration: ev.ToolUse.Integration,
			Input:       ev.ToolUse.Input,
			Status:      CallRunning,
			StartedAt:   ev.Timestamp,
		}})
		s.Stats.ToolCalls++
		if ev.ToolUse.Integration != "" {
			s.Integrations = appendUnique(s.Integrations, ev.ToolUse.Integration)
		}

	case EventToolResult:
		if ev.ToolResult == nil {
			slog.Warn("tool_result event without payload, ignoring")
			return s
		}
		s.resolveToolCall(ev.ToolResult, ev.Timestamp)

	case EventPendingApproval:
		if ev.Approval == nil {
			slog.Warn("pending_approval event without payload, ignoring")
			return s
		}
		s.Approvals = append(s.Approvals, ApprovalPart{
			ID:        ev.Approval.ID,
			ToolUseID: ev.Approval.ToolUseID,
			Title:     ev.Approval.Title,
		})
		s.openSegment()
		s.Status = StatusWaitingApproval

	case EventApprovalResult:
		if ev.Approval == nil {
			slog.Warn("approval_result event without payload, ignoring")
			return s
		}
		for i := range s.Approvals {
			if s.Approvals[i].ID == ev.Approval.ID && !s.Approvals[i].Resolved {
				s.Approvals[i].Resolved = true
				s.Approvals[i].Approved = ev.Approval.Approved
				break
			}
		}
		s.Status = StatusStreaming

	case EventAuthNeeded:
		if ev.Auth == nil {
			slog.Warn("auth_needed event without payload, ignoring")
			return s
		}
		s.Auths = append(s.Auths, AuthState{
			ID:          ev.Auth.ID,
			Integration: ev.Auth.Integration,
			Message:     ev.Auth.Message,
			URL:         ev.Auth.URL,
		})
		s.openSegment()
		s.Status = StatusWaitingAuth

	case EventAuthProgress:
		if ev.Auth == nil {
			return s
		}
		for i := range s.Auths {
			if s.Auths[i].ID == ev.Auth.ID && !s.Auths[i].Resolved {
				s.Auths[i].Message = ev.Auth.Message
				break
			}
		}

	case EventAuthResult:
		if ev.Auth == nil {
			return s
		}
		for i := range s.Auths {
			if s.Auths[i].ID == ev.Auth.ID && !s.Auths[i].Resolved {
				s.Auths[i].Resolved = true
				s.Auths[i].Ok = ev.Auth.Ok
				break
			}
		}
		s.Status = StatusStreaming

	case EventSandboxFile:
		if ev.File != nil {
			s.Files = append(s.Files, *ev.File)
		}

	case EventStatusChange:
		s.Parts = append(s.Parts, Part{Kind: PartSystem, Text: ev.Text})

	case EventDone:
		s.closeSegment()
		s.Status = StatusComplete
		s.terminal = true

	case EventError:
		s.closeSegment()
		s.Status = StatusError
		s.ErrorMessage = ev.Text
		s.terminal = true

	case EventCancelled:
		s.interrupt()
		s.closeSegment()
		// Cancellation is a clean terminal state, not an error state.
		s.Status = StatusComplete
		s.terminal = true

	default:
		slog.Warn("Unknown generation event type, ignoring", "type", ev.Type)
	}

	return s
}

// resolveToolCall marks the matching tool-call part complete. Matching is
// by ID when the protocol supplies one; otherwise it falls back to the
// most recent unresolved call with the same name, which is order-
// dependent and kept for legacy compatibility only. Resolution is
// idempotent: a second result for an already-resolved call is a no-op.
func (s *State) resolveToolCall(res *ToolResultEvent, at time.Time) {
	for i := len(s.Parts) - 1; i >= 0; i-- {
		tc := s.Parts[i].ToolCall
		if tc == nil || tc.HasResult {
			continue
		}
		if res.ToolUseID != "" {
			if tc.ID != res.ToolUseID {
				continue
			}
		} else if tc.Name != res.Name {
			continue
		}
		tc.Status = CallComplete
		tc.Result = res.Content
		tc.IsError = res.IsError
		tc.HasResult = true
		if !at.IsZero() && !tc.StartedAt.IsZero() && at.After(tc.StartedAt) {
			tc.Duration = at.Sub(tc.StartedAt)
		}
		s.Stats.CompletedCalls++
		s.Stats.TotalDuration += tc.Duration
		if tc.Duration > s.Stats.MaxDuration {
			s.Stats.MaxDuration = tc.Duration
		}
		return
	}
	slog.Warn("tool_result with no matching unresolved call, ignoring",
		"toolUseID", res.ToolUseID, "name", res.Name)
}

// openSegment closes the current segment and opens a new expanded one.
// Prior segments collapse: only the newest is ever expanded.
func (s *State) openSegment() {
	s.closeSegment()
	for i := range s.Segments {
		s.Segments[i].Expanded = false
	}
	s.Segments = append(s.Segments, Segment{Start: len(s.Parts), End: -1, Expanded: true})
}

func (s *State) closeSegment() {
	if n := len(s.Segments); n > 0 && s.Segments[n-1].End == -1 {
		s.Segments[n-1].End = len(s.Parts)
	}
}

// interrupt sweeps every still-running item to interrupted and appends
// the single "Interrupted by user" marker.
func (s *State) interrupt() {
	for i := range s.Parts {
		if tc := s.Parts[i].ToolCall; tc != nil && tc.Status == CallRunning {
			tc.Status = CallInterrupted
		}
	}
	if !s.Interrupted {
		s.Parts = append(s.Parts, Part{Kind: PartSystem, Text: "Interrupted by user"})
		s.Interrupted = true
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// clone deep-copies the mutable reaches of the state so Reduce never
// aliases its input.
func (s State) clone() State {
	out := s
	out.Parts = make([]Part, len(s.Parts))
	for i, p := range s.Parts {
		out.Parts[i] = p
		if p.ToolCall != nil {
			tc := *p.ToolCall
			out.Parts[i].ToolCall = &tc
		}
		if p.Approval != nil {
			ap := *p.Approval
			out.Parts[i].Approval = &ap
		}
	}
	out.Segments = append([]Segment(nil), s.Segments...)
	out.Approvals = append([]ApprovalPart(nil), s.Approvals...)
	out.Auths = append([]AuthState(nil), s.Auths...)
	out.Integrations = append([]string(nil), s.Integrations...)
	out.Files = append([]FileEvent(nil), s.Files...)
	return out
}

// Message is the assembled assistant message for a finished turn.
type Message struct {
	// Text is the plain-text body: every text part concatenated in order.
	Text string `json:"text"`
	// Parts is the full parts list with each resolved approval re-
	// inserted immediately after the tool call it gates. Unresolved and
	// orphaned approvals are appended at the end rather than dropped.
	Parts []Part `json:"parts"`
}

// FinalMessage assembles the turn's assistant message from the state.
func (s State) FinalMessage() Message {
	var msg Message
	placed := make(map[string]bool)

	for _, p := range s.Parts {
		if p.Kind == PartText {
			msg.Text += p.Text
		}
		msg.Parts = append(msg.Parts, p)
		if tc := p.ToolCall; tc != nil && tc.ID != "" {
			for _, ap := range s.Approvals {
				if ap.Resolved && ap.ToolUseID == tc.ID && !placed[ap.ID] {
					placed[ap.ID] = true
					a := ap
					msg.Parts = append(msg.Parts, Part{Kind: PartApproval, Approval: &a})
				}
			}
		}
	}
	for _, ap := range s.Approvals {
		if !placed[ap.ID] {
			a := ap
			msg.Parts = append(msg.Parts, Part{Kind: PartApproval, Approval: &a})
		}
	}
	return msg
}

// Reducer is a convenience wrapper holding one listener's fold. Each
// listener of a generation owns its own Reducer; they are never shared.
type Reducer struct {
	state State
}

// NewReducer returns a reducer in the initial state.
func NewReducer() *Reducer {
	return &Reducer{state: NewState()}
}

// Apply folds one event.
func (r *Reducer) Apply(ev Event) {
	r.state = Reduce(r.state, ev)
}

// State returns the current fold result.
func (r *Reducer) State() State {
	return r.state
}

// Reset clears counters, segments, and parts ahead of the next turn.
func (r *Reducer) Reset() {
	r.state = NewState()
}

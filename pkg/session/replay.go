package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/outpost-run/outpost/pkg/agent"
	"github.com/outpost-run/outpost/pkg/domain"
	"github.com/outpost-run/outpost/pkg/store"
)

// Replayer gives a freshly created session the same context a reused
// session would already have, without provoking a visible reply.
type Replayer struct {
	messages store.MessageStore
}

// NewReplayer creates a replay injector.
func NewReplayer(messages store.MessageStore) *Replayer {
	return &Replayer{messages: messages}
}

// Inject renders the conversation's surviving history into one text
// block and submits it as a no-reply turn. excludeMessageID names the
// in-flight user message of the current turn, which is already persisted
// but is about to be submitted as the live prompt: replay reconstructs
// prior turns only. An empty history after trimming is a no-op: nothing
// is submitted.
func (r *Replayer) Inject(ctx context.Context, client *agent.Client, sessionID, conversationID, excludeMessageID string) error {
	history, err := r.messages.History(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	if excludeMessageID != "" {
		kept := history[:0]
		for _, msg := range history {
			if msg.ID != excludeMessageID {
				kept = append(kept, msg)
			}
		}
		history = kept
	}

	transcript := renderTranscript(history)
	if transcript == "" {
		return nil
	}
	return client.Inject(ctx, sessionID, transcript)
}

// renderTranscript applies boundary and compaction trimming, then
// renders surviving messages: user turns verbatim, assistant turns as
// text plus compact acknowledgements of tool activity. Full tool
// payloads are never replayed — only that a tool ran — which bounds the
// injected context size.
func renderTranscript(history []domain.Message) string {
	// A boundary is an explicit reset point; nothing before the last one
	// may leak forward.
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleSessionBoundary {
			history = history[i+1:]
			break
		}
	}

	// Everything before the last compaction summary collapses into its
	// text; everything after replays verbatim.
	var summary string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleCompactionSummary {
			summary = history[i].Content
			history = history[i+1:]
			break
		}
	}

	var b strings.Builder
	if summary != "" {
		b.WriteString("[Summary of earlier conversation]\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}

	for _, msg := range history {
		switch msg.Role {
		case domain.RoleUser:
			fmt.Fprintf(&b, "User: %s\n\n", msg.Content)
		case domain.RoleAssistant:
			switch msg.ContentType {
			case domain.ContentTypeToolCall:
				fmt.Fprintf(&b, "[Assistant ran tool: %s]\n\n", toolName(msg.Content))
			default:
				fmt.Fprintf(&b, "Assistant: %s\n\n", msg.Content)
			}
		case domain.RoleTool:
			fmt.Fprintf(&b, "[Tool completed]\n\n")
		case domain.RoleSystem:
			fmt.Fprintf(&b, "[System: %s]\n\n", msg.Content)
		}
	}

	body := strings.TrimSpace(b.String())
	if body == "" {
		return ""
	}
	return "The following is the prior conversation history, replayed for context. Do not respond to it.\n\n" + body
}

// toolName extracts the tool name from a JSON-encoded tool call, falling
// back to a generic label.
func toolName(content string) string {
	var tc domain.ToolCall
	if err := json.Unmarshal([]byte(content), &tc); err == nil && tc.Name != "" {
		return tc.Name
	}
	return "unknown"
}

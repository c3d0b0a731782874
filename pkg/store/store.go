// Package store defines the persistence interfaces the lifecycle layer
// depends on. Nothing here requires transactions beyond single-row
// upserts; any row store reachable by ID can implement it.
package store

import (
	"context"
	"errors"

	"github.com/outpost-run/outpost/pkg/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore manages conversation records, including the
// sandbox/session ID pair that carries lifecycle state across requests.
// Clearing a stale ID must always be written before recording its
// replacement so that concurrent requests never observe a mixed pair.
type ConversationStore interface {
	// CreateConversation persists a new conversation. The ID field must
	// be set by the caller.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations returns all conversations, newest first.
	ListConversations(ctx context.Context) ([]domain.Conversation, error)

	// SetSandboxID records (or, with empty value, clears) the
	// conversation's sandbox pointer.
	SetSandboxID(ctx context.Context, id, sandboxID string) error

	// SetSessionID records (or, with empty value, clears) the
	// conversation's session pointer.
	SetSessionID(ctx context.Context, id, sessionID string) error
}

// GenerationStore manages per-generation records.
type GenerationStore interface {
	// CreateGeneration persists a new generation in running status.
	CreateGeneration(ctx context.Context, gen *domain.Generation) error

	// GetGeneration retrieves a generation by ID.
	GetGeneration(ctx context.Context, id string) (*domain.Generation, error)

	// SetGenerationStatus updates a generation's status.
	SetGenerationStatus(ctx context.Context, id, status string) error

	// SetGenerationSandboxID records the sandbox a generation ran in.
	SetGenerationSandboxID(ctx context.Context, id, sandboxID string) error

	// LatestRunningSandboxID returns the sandbox ID of the most recent
	// running generation for a conversation, or "" if none recorded one.
	// This covers the case where the conversation-level pointer was never
	// written, e.g. a crash mid-generation.
	LatestRunningSandboxID(ctx context.Context, conversationID string) (string, error)
}

// MessageStore manages a conversation's append-only message history.
type MessageStore interface {
	// AppendMessage adds a message. The ID and Timestamp should be set by
	// the caller.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// History returns a conversation's messages in creation order.
	History(ctx context.Context, conversationID string) ([]domain.Message, error)
}

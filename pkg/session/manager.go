// Package session manages agent sessions inside sandboxes: reuse when
// the sandbox lineage is intact, recreation with conversation replay when
// it is not.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-run/outpost/pkg/agent"
	"github.com/outpost-run/outpost/pkg/creds"
	"github.com/outpost-run/outpost/pkg/domain"
	"github.com/outpost-run/outpost/pkg/store"
)

// Setup is the outcome of one session lifecycle decision.
type Setup struct {
	SessionID string
	// Reused is true when an existing session survived intact; false
	// when a new session was created (and, if history existed, replayed).
	Reused bool
}

// Manager decides per lifecycle request whether an agent session can be
// reused or must be recreated.
type Manager struct {
	conversations store.ConversationStore
	credentials   creds.Source
	replayer      *Replayer
}

// NewManager creates a session manager.
func NewManager(conversations store.ConversationStore, credentials creds.Source, replayer *Replayer) *Manager {
	return &Manager{
		conversations: conversations,
		credentials:   credentials,
		replayer:      replayer,
	}
}

// Ensure returns a valid session for the conversation. A recorded
// session ID is reused only when the sandbox that owns it was itself
// reused AND the server still recognizes the ID; a session ID surviving
// while its sandbox was replaced is invalid and is discarded, never
// silently reused. inFlightMessageID names the current turn's already-
// persisted user message so replay never duplicates it.
func (m *Manager) Ensure(ctx context.Context, client *agent.Client, conv *domain.Conversation, sandboxReused bool, inFlightMessageID string) (*Setup, error) {
	if conv.SessionID != "" && sandboxReused {
		if _, err := client.GetSession(ctx, conv.SessionID); err == nil {
			slog.Info("Lifecycle stage complete", "stage", "session-create",
				"conversationID", conv.ID, "outcome", "reused", "sessionID", conv.SessionID)
			return &Setup{SessionID: conv.SessionID, Reused: true}, nil
		}
		slog.Info("Recorded session no longer recognized by agent server",
			"conversationID", conv.ID, "sessionID", conv.SessionID)
	}

	// Discard the stale ID before creating a replacement, so no
	// concurrent path can race to reuse a half-invalid ID.
	if conv.SessionID != "" {
		if err := m.conversations.SetSessionID(ctx, conv.ID, ""); err != nil {
			return nil, fmt.Errorf("clearing stale session id: %w", err)
		}
		conv.SessionID = ""
	}

	return m.create(ctx, client, conv, inFlightMessageID)
}

func (m *Manager) create(ctx context.Context, client *agent.Client, conv *domain.Conversation, inFlightMessageID string) (*Setup, error) {
	start := time.Now()
	sess, err := client.CreateSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	slog.Info("Lifecycle stage complete", "stage", "session-create",
		"conversationID", conv.ID, "outcome", "created",
		"sessionID", sess.ID, "durationMS", time.Since(start).Milliseconds())

	// Inject any subscription/provider credentials the user has on file.
	resolved, err := m.credentials.Resolve(ctx, conv.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	for provider, cred := range resolved {
		if err := client.InjectCredentials(ctx, sess.ID, provider, cred); err != nil {
			return nil, fmt.Errorf("injecting %s credentials: %w", provider, err)
		}
	}

	replayStart := time.Now()
	if err := m.replayer.Inject(ctx, client, sess.ID, conv.ID, inFlightMessageID); err != nil {
		return nil, fmt.Errorf("replaying conversation: %w", err)
	}
	slog.Info("Lifecycle stage complete", "stage", "replay",
		"conversationID", conv.ID, "sessionID", sess.ID,
		"durationMS", time.Since(replayStart).Milliseconds())

	if err := m.conversations.SetSessionID(ctx, conv.ID, sess.ID); err != nil {
		return nil, fmt.Errorf("recording session id: %w", err)
	}
	conv.SessionID = sess.ID

	return &Setup{SessionID: sess.ID, Reused: false}, nil
}

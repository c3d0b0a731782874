// Package sandbox decides, once per lifecycle request, how a
// conversation gets a live sandbox: reuse of a recorded ID when it still
// answers, creation otherwise. It also brings the embedded agent server
// inside a sandbox up to a reachable state.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-run/outpost/pkg/agent"
	"github.com/outpost-run/outpost/pkg/backend"
	"github.com/outpost-run/outpost/pkg/domain"
	"github.com/outpost-run/outpost/pkg/store"
)

// ErrProviderNotConfigured is returned when the configured default names
// a provider that is not actually configured. Selection never silently
// substitutes another provider.
var ErrProviderNotConfigured = errors.New("default sandbox provider not configured")

// ProbeFunc checks whether the embedded agent server at addr answers its
// liveness endpoint.
type ProbeFunc func(ctx context.Context, addr string) error

// Resolved is the outcome of one lifecycle decision.
type Resolved struct {
	Handle backend.Handle
	// Reused is true when an existing sandbox passed reconnect and
	// liveness checks; false when a fresh sandbox was created.
	Reused bool
}

// Resolver owns the provider-selection policy: an explicit device tunnel
// beats the configured cloud provider, and a recorded sandbox ID is
// reused only while it still answers.
type Resolver struct {
	conversations store.ConversationStore
	generations   store.GenerationStore
	providers     map[string]backend.Provider
	defaultName   string
	probe         ProbeFunc
}

// NewResolver creates a resolver. providers maps provider names to
// implementations; defaultName selects the one used for creation.
func NewResolver(
	conversations store.ConversationStore,
	generations store.GenerationStore,
	providers map[string]backend.Provider,
	defaultName string,
) *Resolver {
	return &Resolver{
		conversations: conversations,
		generations:   generations,
		providers:     providers,
		defaultName:   defaultName,
		probe: func(ctx context.Context, addr string) error {
			return agent.New(addr).Ready(ctx)
		},
	}
}

// SetProbe overrides the agent liveness probe. Used by tests.
func (r *Resolver) SetProbe(p ProbeFunc) { r.probe = p }

// Resolve decides whether the conversation reuses an existing sandbox or
// gets a new one, and persists the chosen ID. Stale IDs are cleared from
// the record before any new ID is written.
func (r *Resolver) Resolve(ctx context.Context, conv *domain.Conversation) (*Resolved, error) {
	// An explicit device tunnel reflects user intent and bypasses the
	// automatic selection entirely.
	if conv.DeviceID != "" {
		if device, ok := r.providers["device"]; ok {
			h, err := device.Connect(ctx, conv.DeviceID)
			if err == nil {
				slog.Info("Lifecycle stage complete", "stage", "cache-check",
					"conversationID", conv.ID, "outcome", "device-tunnel")
				return &Resolved{Handle: h, Reused: true}, nil
			}
			slog.Warn("Device tunnel unreachable, falling back to automatic selection",
				"conversationID", conv.ID, "deviceID", conv.DeviceID, "error", err)
		} else {
			slog.Warn("Conversation pinned to a device but no device provider is configured, falling back to automatic selection",
				"conversationID", conv.ID, "deviceID", conv.DeviceID)
		}
	}

	checkStart := time.Now()

	// Reconnect to the conversation's recorded sandbox.
	if conv.SandboxID != "" {
		if h := r.reconnect(ctx, conv.SandboxID); h != nil {
			slog.Info("Lifecycle stage complete", "stage", "cache-check",
				"conversationID", conv.ID, "outcome", "reused",
				"sandboxID", conv.SandboxID, "durationMS", time.Since(checkStart).Milliseconds())
			return &Resolved{Handle: h, Reused: true}, nil
		}
		// Clear the stale pair before anything writes a replacement. The
		// session ID is meaningful only with the sandbox it was created
		// in, so it goes too.
		if err := r.conversations.SetSessionID(ctx, conv.ID, ""); err != nil {
			return nil, fmt.Errorf("clearing stale session id: %w", err)
		}
		if err := r.conversations.SetSandboxID(ctx, conv.ID, ""); err != nil {
			return nil, fmt.Errorf("clearing stale sandbox id: %w", err)
		}
		conv.SandboxID = ""
		conv.SessionID = ""
	}

	// The conversation pointer may never have been written — a crash mid-
	// generation leaves the ID only on the generation record.
	if id, err := r.generations.LatestRunningSandboxID(ctx, conv.ID); err != nil {
		return nil, fmt.Errorf("looking up running generation sandbox: %w", err)
	} else if id != "" {
		if h := r.reconnect(ctx, id); h != nil {
			if err := r.conversations.SetSandboxID(ctx, conv.ID, id); err != nil {
				return nil, fmt.Errorf("recording recovered sandbox id: %w", err)
			}
			conv.SandboxID = id
			slog.Info("Lifecycle stage complete", "stage", "cache-check",
				"conversationID", conv.ID, "outcome", "recovered",
				"sandboxID", id, "durationMS", time.Since(checkStart).Milliseconds())
			return &Resolved{Handle: h, Reused: true}, nil
		}
	}

	slog.Info("Lifecycle stage complete", "stage", "cache-check",
		"conversationID", conv.ID, "outcome", "miss",
		"durationMS", time.Since(checkStart).Milliseconds())

	return r.create(ctx, conv)
}

// reconnect attempts provider reconnect plus an agent liveness probe.
// Returns nil on any failure: staleness is handled, not erroneous.
func (r *Resolver) reconnect(ctx context.Context, sandboxID string) backend.Handle {
	provider, ok := r.providers[r.defaultName]
	if !ok {
		return nil
	}
	h, err := provider.Connect(ctx, sandboxID)
	if err != nil {
		slog.Info("Sandbox reconnect failed", "sandboxID", sandboxID, "error", err)
		return nil
	}
	if err := r.probe(ctx, h.AgentAddr()); err != nil {
		slog.Info("Sandbox reconnected but agent probe failed", "sandboxID", sandboxID, "error", err)
		return nil
	}
	return h
}

// create leases a fresh sandbox from the configured default provider and
// records the new ID.
func (r *Resolver) create(ctx context.Context, conv *domain.Conversation) (*Resolved, error) {
	provider, ok := r.providers[r.defaultName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotConfigured, r.defaultName)
	}

	start := time.Now()
	h, err := provider.Create(ctx)
	if err != nil {
		slog.Error("Sandbox creation failed",
			"conversationID", conv.ID,
			"provider", provider.Name(),
			"durationMS", time.Since(start).Milliseconds(),
			"error", err)
		return nil, fmt.Errorf("creating sandbox via %s: %w", provider.Name(), err)
	}

	if err := r.conversations.SetSandboxID(ctx, conv.ID, h.ID()); err != nil {
		return nil, fmt.Errorf("recording sandbox id: %w", err)
	}
	conv.SandboxID = h.ID()

	slog.Info("Lifecycle stage complete", "stage", "create",
		"conversationID", conv.ID, "provider", provider.Name(),
		"sandboxID", h.ID(), "durationMS", time.Since(start).Milliseconds())
	return &Resolved{Handle: h, Reused: false}, nil
}

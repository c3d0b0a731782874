// Package controller orchestrates one generation end-to-end: sandbox
// resolution, agent server bootstrap, session setup with replay, prompt
// submission, and relaying the generation event stream to listeners
// while persisting the finished turn.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-run/outpost/pkg/agent"
	"github.com/outpost-run/outpost/pkg/creds"
	"github.com/outpost-run/outpost/pkg/domain"
	"github.com/outpost-run/outpost/pkg/generation"
	"github.com/outpost-run/outpost/pkg/sandbox"
	"github.com/outpost-run/outpost/pkg/session"
	"github.com/outpost-run/outpost/pkg/store"
)

// ErrGenerationNotFound is returned when no live or recently finished
// generation matches the requested ID.
var ErrGenerationNotFound = errors.New("generation not found")

// finishedRetention is how long a finished generation's broker stays
// subscribable for late listeners.
const finishedRetention = 5 * time.Minute

// Controller runs generations. Lifecycle requests for the same
// conversation are serialized; requests across conversations run
// concurrently.
type Controller struct {
	conversations store.ConversationStore
	generations   store.GenerationStore
	messages      store.MessageStore
	resolver      *sandbox.Resolver
	bootstrapper  *sandbox.Bootstrapper
	sessions      *session.Manager
	credentials   creds.Source

	convLocks sync.Map // conversation ID → *sync.Mutex, never evicted

	mu     sync.Mutex
	active map[string]*activeGeneration
}

type activeGeneration struct {
	broker *generation.Broker
	cancel context.CancelFunc
}

// New creates a controller.
func New(
	conversations store.ConversationStore,
	generations store.GenerationStore,
	messages store.MessageStore,
	resolver *sandbox.Resolver,
	bootstrapper *sandbox.Bootstrapper,
	sessions *session.Manager,
	credentials creds.Source,
) *Controller {
	return &Controller{
		conversations: conversations,
		generations:   generations,
		messages:      messages,
		resolver:      resolver,
		bootstrapper:  bootstrapper,
		sessions:      sessions,
		credentials:   credentials,
		active:        make(map[string]*activeGeneration),
	}
}

// Generate records the user message, creates a generation, and starts it
// in the background. It returns the generation ID immediately; progress
// flows through Subscribe.
func (c *Controller) Generate(ctx context.Context, conversationID, content string) (string, error) {
	conv, err := c.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}

	// Persisted up front so the prompt survives any lifecycle failure;
	// its ID is carried through so replay never re-injects the current
	// turn.
	userMsgID := uuid.New().String()
	if err := c.messages.AppendMessage(ctx, &domain.Message{
		ID:             userMsgID,
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		ContentType:    domain.ContentTypeText,
		Content:        content,
	}); err != nil {
		return "", fmt.Errorf("appending user message: %w", err)
	}

	gen := &domain.Generation{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Status:         domain.GenerationRunning,
	}
	if err := c.generations.CreateGeneration(ctx, gen); err != nil {
		return "", fmt.Errorf("creating generation: %w", err)
	}

	// The generation outlives the originating HTTP request.
	runCtx, cancel := context.WithCancel(context.Background())
	ag := &activeGeneration{broker: generation.NewBroker(), cancel: cancel}
	c.mu.Lock()
	c.active[gen.ID] = ag
	c.mu.Unlock()

	go c.run(runCtx, ag, gen, content, userMsgID)

	return gen.ID, nil
}

// Subscribe attaches a listener to a generation's event stream. Each
// listener receives the full ordered sequence from the beginning and
// should drive its own reducer.
func (c *Controller) Subscribe(ctx context.Context, generationID string) (<-chan generation.Event, error) {
	c.mu.Lock()
	ag, ok := c.active[generationID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrGenerationNotFound
	}
	return ag.broker.Subscribe(ctx), nil
}

// Cancel aborts a running generation. The producer observes the
// cancelled context, the protocol emits its cancelled event, and the
// reducer's interrupt sweep guarantees no tool call stays running.
func (c *Controller) Cancel(generationID string) bool {
	c.mu.Lock()
	ag, ok := c.active[generationID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	ag.cancel()
	return true
}

// run executes one generation under the conversation's lock.
func (c *Controller) run(ctx context.Context, ag *activeGeneration, gen *domain.Generation, content, userMsgID string) {
	lock, _ := c.convLocks.LoadOrStore(gen.ConversationID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	defer c.retire(gen.ID)

	status := c.execute(ctx, ag, gen, content, userMsgID)
	if err := c.generations.SetGenerationStatus(context.Background(), gen.ID, status); err != nil {
		slog.Error("Failed to record generation status", "generationID", gen.ID, "error", err)
	}
}

// execute performs the lifecycle and event pump, returning the final
// generation status. Every stage can be aborted by the caller: a
// cancelled context ends the turn with the clean cancelled outcome, no
// matter which stage it lands in.
func (c *Controller) execute(ctx context.Context, ag *activeGeneration, gen *domain.Generation, content, userMsgID string) string {
	conv, err := c.conversations.GetConversation(ctx, gen.ConversationID)
	if err != nil {
		return c.abort(ctx, ag, gen, fmt.Errorf("loading conversation: %w", err))
	}

	resolved, err := c.resolver.Resolve(ctx, conv)
	if err != nil {
		return c.abort(ctx, ag, gen, fmt.Errorf("resolving sandbox: %w", err))
	}
	if err := c.generations.SetGenerationSandboxID(ctx, gen.ID, resolved.Handle.ID()); err != nil {
		return c.abort(ctx, ag, gen, fmt.Errorf("recording generation sandbox: %w", err))
	}

	env, err := c.credentials.Env(ctx, conv.UserID)
	if err != nil {
		return c.abort(ctx, ag, gen, fmt.Errorf("resolving credential env: %w", err))
	}

	client, err := c.bootstrapper.Ensure(ctx, resolved.Handle, resolved.Reused, env)
	if err != nil {
		return c.abort(ctx, ag, gen, fmt.Errorf("bootstrapping agent server: %w", err))
	}

	setup, err := c.sessions.Ensure(ctx, client, conv, resolved.Reused, userMsgID)
	if err != nil {
		return c.abort(ctx, ag, gen, fmt.Errorf("ensuring session: %w", err))
	}

	stream, err := client.Prompt(ctx, setup.SessionID, content)
	if err != nil {
		return c.abort(ctx, ag, gen, fmt.Errorf("submitting prompt: %w", err))
	}
	defer stream.Close()

	return c.pump(ctx, ag, gen, stream)
}

// abort ends the turn after a lifecycle-stage failure. A cancelled
// context is the caller's doing and ends cleanly; anything else is an
// error.
func (c *Controller) abort(ctx context.Context, ag *activeGeneration, gen *domain.Generation, err error) string {
	if ctx.Err() != nil {
		return c.cancelled(ag, gen)
	}
	return c.fail(ag, gen, err)
}

// pump relays events from the agent stream to the broker, folding them
// into a controller-side reducer so the finished turn can be persisted.
func (c *Controller) pump(ctx context.Context, ag *activeGeneration, gen *domain.Generation, stream *agent.EventStream) string {
	reducer := generation.NewReducer()

	for {
		ev, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation: sweep running items and end cleanly.
				cancelEv := generation.Event{Type: generation.EventCancelled, Timestamp: time.Now().UTC()}
				ag.broker.Publish(cancelEv)
				reducer.Apply(cancelEv)
				c.persistTurn(gen, reducer.State())
				return domain.GenerationCancelled
			}
			if reducer.State().Terminal() {
				// Clean end of stream after the terminal event.
				break
			}
			slog.Error("Agent event stream failed mid-generation", "generationID", gen.ID, "error", err)
			errEv := generation.Event{Type: generation.EventError, Timestamp: time.Now().UTC(), Text: "request failed"}
			ag.broker.Publish(errEv)
			reducer.Apply(errEv)
			c.persistTurn(gen, reducer.State())
			return domain.GenerationError
		}

		ag.broker.Publish(ev)
		reducer.Apply(ev)

		if ev.Terminal() {
			break
		}
	}

	state := reducer.State()
	c.persistTurn(gen, state)

	switch {
	case state.Status == generation.StatusError:
		return domain.GenerationError
	case state.Interrupted:
		return domain.GenerationCancelled
	default:
		return domain.GenerationComplete
	}
}

// fail ends the turn with a generic user-visible message. The full error
// goes to the log, not to listeners.
func (c *Controller) fail(ag *activeGeneration, gen *domain.Generation, err error) string {
	slog.Error("Generation failed", "generationID", gen.ID, "conversationID", gen.ConversationID, "error", err)
	ag.broker.Publish(generation.Event{
		Type:      generation.EventError,
		Timestamp: time.Now().UTC(),
		Text:      "request failed",
	})
	return domain.GenerationError
}

// cancelled ends the turn cleanly after a caller-side abort during
// lifecycle setup, before any agent stream existed.
func (c *Controller) cancelled(ag *activeGeneration, gen *domain.Generation) string {
	ag.broker.Publish(generation.Event{Type: generation.EventCancelled, Timestamp: time.Now().UTC()})
	return domain.GenerationCancelled
}

// persistTurn writes the assembled assistant turn into history: text and
// tool activity in part order. Thinking parts are ephemeral and never
// persisted.
func (c *Controller) persistTurn(gen *domain.Generation, state generation.State) {
	ctx := context.Background()
	msg := state.FinalMessage()

	for _, part := range msg.Parts {
		switch part.Kind {
		case generation.PartText:
			if part.Text == "" {
				continue
			}
			c.appendMessage(ctx, gen, domain.RoleAssistant, domain.ContentTypeText, part.Text)
		case generation.PartToolCall:
			tc := part.ToolCall
			call, _ := json.Marshal(domain.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
			c.appendMessage(ctx, gen, domain.RoleAssistant, domain.ContentTypeToolCall, string(call))
			if tc.HasResult {
				result, _ := json.Marshal(domain.ToolResult{ToolCallID: tc.ID, Content: tc.Result, IsError: tc.IsError})
				c.appendMessage(ctx, gen, domain.RoleTool, domain.ContentTypeToolResult, string(result))
			}
		case generation.PartSystem:
			c.appendMessage(ctx, gen, domain.RoleSystem, domain.ContentTypeText, part.Text)
		}
	}
}

func (c *Controller) appendMessage(ctx context.Context, gen *domain.Generation, role domain.Role, contentType, content string) {
	err := c.messages.AppendMessage(ctx, &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: gen.ConversationID,
		Role:           role,
		ContentType:    contentType,
		Content:        content,
	})
	if err != nil {
		slog.Error("Failed to persist turn message", "generationID", gen.ID, "error", err)
	}
}

// retire keeps the finished broker subscribable for late listeners, then
// evicts it.
func (c *Controller) retire(generationID string) {
	time.AfterFunc(finishedRetention, func() {
		c.mu.Lock()
		delete(c.active, generationID)
		c.mu.Unlock()
	})
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/outpost-run/outpost/pkg/agent"
	"github.com/outpost-run/outpost/pkg/creds"
	"github.com/outpost-run/outpost/pkg/domain"
)

// fakeAgentServer implements just enough of the embedded agent server's
// protocol for session lifecycle tests.
type fakeAgentServer struct {
	mu       sync.Mutex
	sessions map[string]bool
	nextID   int

	prompts []promptCall
	creds   []map[string]any
}

type promptCall struct {
	SessionID string
	Message   string `json:"message"`
	NoReply   bool   `json:"no_reply"`
}

func newFakeAgentServer(t *testing.T) (*fakeAgentServer, *agent.Client) {
	t.Helper()
	f := &fakeAgentServer{sessions: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("sess-%d", f.nextID)
		f.sessions[id] = true
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
	mux.HandleFunc("GET /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		ok := f.sessions[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": r.PathValue("id")})
	})
	mux.HandleFunc("POST /v1/sessions/{id}/prompt", func(w http.ResponseWriter, r *http.Request) {
		var pc promptCall
		json.NewDecoder(r.Body).Decode(&pc)
		pc.SessionID = r.PathValue("id")
		f.mu.Lock()
		f.prompts = append(f.prompts, pc)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/sessions/{id}/credentials", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.creds = append(f.creds, body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, agent.New(strings.TrimPrefix(srv.URL, "http://"))
}

type fakeConvStore struct {
	conv *domain.Conversation
	ops  []string
}

func (s *fakeConvStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	return nil
}

func (s *fakeConvStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	return s.conv, nil
}

func (s *fakeConvStore) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	return nil, nil
}

func (s *fakeConvStore) SetSandboxID(ctx context.Context, id, sandboxID string) error {
	s.ops = append(s.ops, "sandbox="+sandboxID)
	s.conv.SandboxID = sandboxID
	return nil
}

func (s *fakeConvStore) SetSessionID(ctx context.Context, id, sessionID string) error {
	s.ops = append(s.ops, "session="+sessionID)
	s.conv.SessionID = sessionID
	return nil
}

type fakeMessageStore struct {
	messages []domain.Message
}

func (s *fakeMessageStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *fakeMessageStore) History(ctx context.Context, conversationID string) ([]domain.Message, error) {
	return s.messages, nil
}

func newTestManager(conv *domain.Conversation, msgs *fakeMessageStore, credentials creds.Source) (*Manager, *fakeConvStore) {
	convs := &fakeConvStore{conv: conv}
	if credentials == nil {
		credentials = &creds.Static{}
	}
	return NewManager(convs, credentials, NewReplayer(msgs)), convs
}

func TestEnsureReusesRecognizedSession(t *testing.T) {
	f, client := newFakeAgentServer(t)
	f.sessions["sess-live"] = true

	conv := &domain.Conversation{ID: "c1", SessionID: "sess-live"}
	m, convs := newTestManager(conv, &fakeMessageStore{}, nil)

	setup, err := m.Ensure(context.Background(), client, conv, true, "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if !setup.Reused || setup.SessionID != "sess-live" {
		t.Errorf("setup = %+v, want reused sess-live", setup)
	}
	if len(convs.ops) != 0 {
		t.Errorf("pointer writes = %v, want none on reuse", convs.ops)
	}
}

func TestEnsureDiscardsSessionWhenSandboxReplaced(t *testing.T) {
	f, client := newFakeAgentServer(t)
	// The server would even recognize the ID; it must still be discarded
	// because the sandbox it was created in is gone.
	f.sessions["sess-old"] = true

	conv := &domain.Conversation{ID: "c1", SessionID: "sess-old"}
	m, convs := newTestManager(conv, &fakeMessageStore{}, nil)

	setup, err := m.Ensure(context.Background(), client, conv, false, "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if setup.Reused {
		t.Error("reused = true, want recreation when sandbox was replaced")
	}
	if setup.SessionID == "sess-old" {
		t.Error("stale session id reused")
	}

	// Stale ID cleared before the replacement was written.
	if len(convs.ops) != 2 || convs.ops[0] != "session=" {
		t.Errorf("pointer writes = %v, want clear then record", convs.ops)
	}
	if convs.ops[1] != "session="+setup.SessionID {
		t.Errorf("pointer writes = %v, want new id %s recorded", convs.ops, setup.SessionID)
	}
}

func TestEnsureRecreatesUnrecognizedSession(t *testing.T) {
	_, client := newFakeAgentServer(t)

	conv := &domain.Conversation{ID: "c1", SessionID: "sess-forgotten"}
	m, _ := newTestManager(conv, &fakeMessageStore{}, nil)

	setup, err := m.Ensure(context.Background(), client, conv, true, "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if setup.Reused {
		t.Error("reused = true, want recreation for unrecognized id")
	}
	if conv.SessionID != setup.SessionID {
		t.Errorf("conversation session id = %q, want %q", conv.SessionID, setup.SessionID)
	}
}

func TestEnsureCreateInjectsCredentialsAndReplay(t *testing.T) {
	f, client := newFakeAgentServer(t)

	conv := &domain.Conversation{ID: "c1", UserID: "u1"}
	msgs := &fakeMessageStore{messages: []domain.Message{
		{Role: domain.RoleUser, ContentType: domain.ContentTypeText, Content: "remember the plan"},
	}}
	credentials := &creds.Static{Credentials: map[string]creds.Credential{
		"github": {Key: "ghp_test"},
	}}
	m, _ := newTestManager(conv, msgs, credentials)

	setup, err := m.Ensure(context.Background(), client, conv, false, "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if len(f.creds) != 1 {
		t.Fatalf("credential calls = %d, want 1", len(f.creds))
	}
	if f.creds[0]["provider"] != "github" || f.creds[0]["key"] != "ghp_test" {
		t.Errorf("credential body = %v, want github API key", f.creds[0])
	}

	if len(f.prompts) != 1 {
		t.Fatalf("prompt calls = %d, want one replay injection", len(f.prompts))
	}
	replay := f.prompts[0]
	if !replay.NoReply {
		t.Error("replay submitted without no_reply")
	}
	if replay.SessionID != setup.SessionID {
		t.Errorf("replay session = %q, want %q", replay.SessionID, setup.SessionID)
	}
	if !strings.Contains(replay.Message, "User: remember the plan") {
		t.Errorf("replay body = %q, want rendered history", replay.Message)
	}
}

func TestEnsureCreateSkipsReplayForEmptyHistory(t *testing.T) {
	f, client := newFakeAgentServer(t)

	conv := &domain.Conversation{ID: "c1"}
	m, _ := newTestManager(conv, &fakeMessageStore{}, nil)

	if _, err := m.Ensure(context.Background(), client, conv, false, ""); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if len(f.prompts) != 0 {
		t.Errorf("prompt calls = %v, want none for empty history", f.prompts)
	}
}

func TestEnsureCreateReplayExcludesInFlightMessage(t *testing.T) {
	f, client := newFakeAgentServer(t)

	conv := &domain.Conversation{ID: "c1"}
	msgs := &fakeMessageStore{messages: []domain.Message{
		{ID: "m1", Role: domain.RoleUser, ContentType: domain.ContentTypeText, Content: "remember the plan"},
		{ID: "m2", Role: domain.RoleAssistant, ContentType: domain.ContentTypeText, Content: "noted"},
		{ID: "m3", Role: domain.RoleUser, ContentType: domain.ContentTypeText, Content: "the current prompt"},
	}}
	m, _ := newTestManager(conv, msgs, nil)

	if _, err := m.Ensure(context.Background(), client, conv, false, "m3"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if len(f.prompts) != 1 {
		t.Fatalf("prompt calls = %d, want one replay injection", len(f.prompts))
	}
	replay := f.prompts[0]
	if !strings.Contains(replay.Message, "User: remember the plan") {
		t.Errorf("replay body = %q, want prior turns rendered", replay.Message)
	}
	if strings.Contains(replay.Message, "the current prompt") {
		t.Errorf("replay body = %q, must not include the in-flight message", replay.Message)
	}
}

func TestEnsureCreateSkipsReplayWhenOnlyInFlightMessage(t *testing.T) {
	f, client := newFakeAgentServer(t)

	conv := &domain.Conversation{ID: "c1"}
	msgs := &fakeMessageStore{messages: []domain.Message{
		{ID: "m1", Role: domain.RoleUser, ContentType: domain.ContentTypeText, Content: "the current prompt"},
	}}
	m, _ := newTestManager(conv, msgs, nil)

	if _, err := m.Ensure(context.Background(), client, conv, false, "m1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if len(f.prompts) != 0 {
		t.Errorf("prompt calls = %v, want none when only the in-flight message exists", f.prompts)
	}
}

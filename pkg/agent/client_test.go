package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/outpost-run/outpost/pkg/generation"
)

func newClientFor(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(strings.TrimPrefix(srv.URL, "http://"))
}

func TestReady(t *testing.T) {
	client := newClientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/docs" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.Ready(context.Background()); err != nil {
		t.Errorf("ready failed: %v", err)
	}
}

func TestReadyUnreachable(t *testing.T) {
	client := New("127.0.0.1:1")
	if err := client.Ready(context.Background()); err == nil {
		t.Error("ready succeeded against nothing")
	}
}

func TestPromptStreamsEvents(t *testing.T) {
	ndjson := `{"type":"text","text":"Hello"}
{"type":"tool_use","tool_use":{"id":"t1","name":"bash","input":{"command":"ls"}}}

{"type":"tool_result","tool_result":{"tool_use_id":"t1","content":"files"}}
{"type":"done"}
`
	client := newClientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions/s1/prompt" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, ndjson)
	}))

	stream, err := client.Prompt(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatalf("prompt failed: %v", err)
	}
	defer stream.Close()

	var events []generation.Event
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		events = append(events, ev)
	}

	// Blank lines are skipped; order is preserved.
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	if events[0].Type != generation.EventText || events[0].Text != "Hello" {
		t.Errorf("event 0 = %+v, want text Hello", events[0])
	}
	if events[1].ToolUse == nil || events[1].ToolUse.Name != "bash" {
		t.Errorf("event 1 = %+v, want bash tool_use", events[1])
	}
	if events[2].ToolResult == nil || events[2].ToolResult.ToolUseID != "t1" {
		t.Errorf("event 2 = %+v, want t1 tool_result", events[2])
	}
	if events[3].Type != generation.EventDone {
		t.Errorf("event 3 = %+v, want done", events[3])
	}
}

func TestPromptSkipsMalformedLine(t *testing.T) {
	client := newClientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "{not json}\n")
		io.WriteString(w, `{"type":"text","text":"still here"}`+"\n")
	}))

	stream, err := client.Prompt(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatalf("prompt failed: %v", err)
	}
	defer stream.Close()

	ev, err := stream.Next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if ev.Type != generation.EventText || ev.Text != "still here" {
		t.Errorf("event = %+v, want the valid line after the malformed one", ev)
	}

	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("err = %v, want EOF after the stream ends", err)
	}
}

func TestPromptNon200(t *testing.T) {
	client := newClientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session expired", http.StatusGone)
	}))

	if _, err := client.Prompt(context.Background(), "s1", "hi"); err == nil {
		t.Error("prompt succeeded, want error for non-200")
	} else if !strings.Contains(err.Error(), "session expired") {
		t.Errorf("err = %v, want server message surfaced", err)
	}
}

func TestGetSessionStale(t *testing.T) {
	client := newClientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	if _, err := client.GetSession(context.Background(), "gone"); err == nil {
		t.Error("get session succeeded, want staleness error")
	}
}

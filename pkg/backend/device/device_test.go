package device

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/outpost-run/outpost/pkg/backend"
)

// newFakeDaemon serves the device daemon protocol with canned handlers.
func newFakeDaemon(t *testing.T, handlers map[string]http.HandlerFunc) *Provider {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	for pattern, h := range handlers {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New("dev-1", srv.URL, "10.0.0.5:8787")
}

func ok(payload map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"success": true}
		for k, v := range payload {
			body[k] = v
		}
		json.NewEncoder(w).Encode(body)
	}
}

func TestConnectUnknownDevice(t *testing.T) {
	p := newFakeDaemon(t, nil)

	_, err := p.Connect(context.Background(), "dev-other")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConnectUnreachableDaemon(t *testing.T) {
	p := New("dev-1", "http://127.0.0.1:1", "10.0.0.5:8787")

	_, err := p.Connect(context.Background(), "dev-1")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound for unreachable daemon", err)
	}
}

func TestCreateAttachesToDevice(t *testing.T) {
	p := newFakeDaemon(t, nil)

	h, err := p.Create(context.Background())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if h.ID() != "dev-1" {
		t.Errorf("id = %s, want dev-1", h.ID())
	}
	if h.AgentAddr() != "10.0.0.5:8787" {
		t.Errorf("agent addr = %s, want configured tunnel address", h.AgentAddr())
	}
}

func TestExecute(t *testing.T) {
	var gotBody map[string]any
	p := newFakeDaemon(t, map[string]http.HandlerFunc{
		"/v1/exec": func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&gotBody)
			ok(map[string]any{"exit_code": 2, "stdout": "out", "stderr": "err"})(w, r)
		},
	})
	h, err := p.Connect(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}

	res, err := h.Execute(context.Background(), "make build", backend.ExecOptions{
		Timeout: 3 * time.Second,
		Env:     map[string]string{"CI": "1"},
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	// Non-zero exit is data, not an error.
	if res.ExitCode != 2 || res.Stdout != "out" || res.Stderr != "err" {
		t.Errorf("result = %+v, want exit 2 with streams", res)
	}
	if gotBody["command"] != "make build" {
		t.Errorf("sent command = %v, want make build", gotBody["command"])
	}
	if gotBody["timeout_ms"] != float64(3000) {
		t.Errorf("sent timeout = %v, want 3000ms", gotBody["timeout_ms"])
	}
}

func TestExecuteDaemonFailureEnvelope(t *testing.T) {
	p := newFakeDaemon(t, map[string]http.HandlerFunc{
		"/v1/exec": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "shell unavailable"})
		},
	})
	h, err := p.Connect(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Execute(context.Background(), "ls", backend.ExecOptions{}); err == nil {
		t.Error("execute succeeded, want error from success:false envelope")
	}
}

func TestFileRoundTrip(t *testing.T) {
	files := map[string]string{}
	p := newFakeDaemon(t, map[string]http.HandlerFunc{
		"/v1/files/write": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			files[body["path"]] = body["content"]
			ok(nil)(w, r)
		},
		"/v1/files/read": func(w http.ResponseWriter, r *http.Request) {
			ok(map[string]any{"content": files[r.URL.Query().Get("path")]})(w, r)
		},
	})
	h, err := p.Connect(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := h.WriteFile(ctx, "/workspace/a.txt", []byte("payload")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if files["/workspace/a.txt"] != base64.StdEncoding.EncodeToString([]byte("payload")) {
		t.Errorf("stored content = %q, want base64 payload", files["/workspace/a.txt"])
	}

	got, err := h.ReadFile(ctx, "/workspace/a.txt")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got != "payload" {
		t.Errorf("content = %q, want payload", got)
	}
}

// Package agent is the HTTP client for the embedded agent server — the
// network-reachable process inside a sandbox that accepts prompts and
// executes tool calls. The agent's reasoning is an opaque black box; the
// only contract is this protocol: a liveness endpoint, session CRUD, a
// prompt call that streams generation events as NDJSON, and a
// credential-injection call.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/outpost-run/outpost/pkg/creds"
	"github.com/outpost-run/outpost/pkg/generation"
)

// Client talks to one embedded agent server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the agent server at addr (host:port).
func New(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		// Prompt responses stream for the full length of a generation,
		// so the client itself carries no timeout; callers bound
		// individual requests with contexts.
		http: &http.Client{},
	}
}

// Ready probes the liveness/doc endpoint. A 200 means the server is
// accepting requests.
func (c *Client) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/docs", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent server not ready: status %d", resp.StatusCode)
	}
	return nil
}

// Session is the agent server's view of one conversation context.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSession requests a new session.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	resp, err := c.post(ctx, "/v1/sessions", map[string]any{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}

// GetSession fetches a session by ID. A non-200 means the server no
// longer recognizes the ID and the session must be treated as stale.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sessions/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session %s not recognized: status %d", id, resp.StatusCode)
	}
	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}

// Prompt submits a user message to a session and returns the generation
// event stream. The stream is strictly ordered and ends with exactly one
// terminal event; the caller must Close it.
func (c *Client) Prompt(ctx context.Context, sessionID, message string) (*EventStream, error) {
	resp, err := c.post(ctx, "/v1/sessions/"+sessionID+"/prompt", map[string]any{
		"message": message,
	})
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(resp.Body)
	// Tool results can carry large payloads on one NDJSON line.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &EventStream{body: resp.Body, scanner: sc}, nil
}

// Inject submits content to a session with the no-reply flag set: the
// server absorbs it into the session context without generating a
// visible reply. Used for conversation replay.
func (c *Client) Inject(ctx context.Context, sessionID, content string) error {
	resp, err := c.post(ctx, "/v1/sessions/"+sessionID+"/prompt", map[string]any{
		"message":  content,
		"no_reply": true,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// InjectCredentials hands a provider credential to the session in either
// the OAuth shape {access, refresh, expiry} or the API-key shape {key}.
func (c *Client) InjectCredentials(ctx context.Context, sessionID, provider string, cred creds.Credential) error {
	var body map[string]any
	if cred.IsOAuth() {
		body = map[string]any{
			"provider": provider,
			"access":   cred.Access,
			"refresh":  cred.Refresh,
			"expiry":   cred.Expiry,
		}
	} else {
		body = map[string]any{
			"provider": provider,
			"key":      cred.Key,
		}
	}
	resp, err := c.post(ctx, "/v1/sessions/"+sessionID+"/credentials", body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent server %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent server %s: status %d: %s", path, resp.StatusCode, string(msg))
	}
	return resp, nil
}

// EventStream decodes NDJSON generation events off a prompt response.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next event. io.EOF signals a clean end of stream.
func (s *EventStream) Next() (generation.Event, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev generation.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// One bad line must not take down the whole stream.
			slog.Warn("Malformed generation event, skipping", "error", err)
			continue
		}
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return generation.Event{}, err
	}
	return generation.Event{}, io.EOF
}

// Close releases the underlying response body.
func (s *EventStream) Close() error {
	return s.body.Close()
}

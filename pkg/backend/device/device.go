// Package device implements the backend capability interface against a
// daemon running on a user-operated device, reached over an HTTP tunnel.
// The daemon wraps every response in a {success, error} envelope; a
// success:false envelope and a transport failure both surface as a
// generic execution error, and the caller decides retry policy.
package device

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/outpost-run/outpost/pkg/backend"
)

// Provider tunnels sandbox operations to a device daemon. The device is
// a single fixed environment, so Create and Connect both attach to it;
// the sandbox ID is the device ID the user registered.
type Provider struct {
	deviceID  string
	baseURL   string
	agentAddr string
	http      *http.Client
}

var _ backend.Provider = (*Provider)(nil)

// New creates a device tunnel provider. baseURL is the daemon's control
// endpoint; agentAddr is where the daemon exposes the embedded agent
// server.
func New(deviceID, baseURL, agentAddr string) *Provider {
	return &Provider{
		deviceID:  deviceID,
		baseURL:   baseURL,
		agentAddr: agentAddr,
		http:      &http.Client{Timeout: 5 * time.Minute},
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "device" }

// Create attaches to the device. A device is never provisioned on
// demand; if the daemon is unreachable the lease fails.
func (p *Provider) Create(ctx context.Context) (backend.Handle, error) {
	return p.Connect(ctx, p.deviceID)
}

// Connect verifies the daemon is reachable and returns a handle.
func (p *Provider) Connect(ctx context.Context, id string) (backend.Handle, error) {
	if id != p.deviceID {
		return nil, fmt.Errorf("device %s not registered: %w", id, backend.ErrNotFound)
	}
	h := &handle{provider: p}
	if !h.IsAvailable(ctx) {
		return nil, fmt.Errorf("device %s unreachable: %w", id, backend.ErrNotFound)
	}
	return h, nil
}

type handle struct {
	provider *Provider
}

var _ backend.Handle = (*handle)(nil)

func (h *handle) ID() string        { return h.provider.deviceID }
func (h *handle) AgentAddr() string { return h.provider.agentAddr }

// envelope is the daemon's uniform response wrapper.
type envelope struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Content  string `json:"content"` // base64, file reads
}

func (h *handle) Setup(ctx context.Context, sessionKey, workDir string) error {
	_, err := h.post(ctx, "/v1/setup", map[string]any{
		"session_key": sessionKey,
		"work_dir":    workDir,
	})
	return err
}

func (h *handle) Execute(ctx context.Context, command string, opts backend.ExecOptions) (*backend.ExecResult, error) {
	env, err := h.post(ctx, "/v1/exec", map[string]any{
		"command":    command,
		"timeout_ms": opts.Timeout.Milliseconds(),
		"env":        opts.Env,
	})
	if err != nil {
		return nil, err
	}
	return &backend.ExecResult{
		ExitCode: env.ExitCode,
		Stdout:   env.Stdout,
		Stderr:   env.Stderr,
	}, nil
}

func (h *handle) WriteFile(ctx context.Context, path string, data []byte) error {
	_, err := h.post(ctx, "/v1/files/write", map[string]any{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(data),
	})
	return err
}

func (h *handle) ReadFile(ctx context.Context, path string) (string, error) {
	u := h.provider.baseURL + "/v1/files/read?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	env, err := h.do(req)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(env.Content)
	if err != nil {
		return "", fmt.Errorf("decoding file content: %w", err)
	}
	return string(data), nil
}

func (h *handle) Teardown(ctx context.Context) {
	if _, err := h.post(ctx, "/v1/teardown", map[string]any{}); err != nil {
		slog.Warn("Device teardown failed", "deviceID", h.ID(), "error", err)
	}
}

func (h *handle) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.provider.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := h.provider.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (h *handle) post(ctx context.Context, path string, body map[string]any) (*envelope, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.provider.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(req)
}

func (h *handle) do(req *http.Request) (*envelope, error) {
	resp, err := h.provider.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device tunnel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("device tunnel %s: status %d: %s", req.URL.Path, resp.StatusCode, string(body))
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding device response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("device tunnel %s: %s", req.URL.Path, env.Error)
	}
	return &env, nil
}

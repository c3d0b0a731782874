package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/outpost-run/outpost/pkg/backend"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "outpost"
	// DefaultImage is the default sandbox container image.
	DefaultImage = "outpost-sandbox:latest"
	// DefaultAgentPort is the port the embedded agent server listens on
	// inside the container.
	DefaultAgentPort = "8787"
	// DefaultExecTimeout bounds command execution when the caller does not
	// set one.
	DefaultExecTimeout = 2 * time.Minute
)

// Provider leases Docker containers as sandboxes. The container ID doubles
// as the sandbox ID.
type Provider struct {
	client    *client.Client
	image     string
	agentPort string
}

// Verify interface compliance.
var _ backend.Provider = (*Provider)(nil)

// New creates a Docker sandbox provider.
func New(image, agentPort string) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if image == "" {
		image = DefaultImage
	}
	if agentPort == "" {
		agentPort = DefaultAgentPort
	}
	return &Provider{client: cli, image: image, agentPort: agentPort}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "docker" }

// Create leases a fresh sandbox container and returns its handle.
func (p *Provider) Create(ctx context.Context) (backend.Handle, error) {
	// Ensure image exists locally.
	if _, _, err := p.client.ImageInspectWithRaw(ctx, p.image); err != nil {
		return nil, fmt.Errorf("sandbox image '%s' not found — run 'make build-sandbox': %w", p.image, err)
	}

	cfg := &container.Config{
		Image: p.image,
		Labels: map[string]string{
			LabelManager: LabelManagerValue,
		},
		ExposedPorts: nat.PortSet{
			nat.Port(p.agentPort + "/tcp"): {},
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(p.agentPort + "/tcp"): []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0", // Dynamically assigned port.
				},
			},
		},
	}

	name := "outpost-sandbox-" + uuid.New().String()[:8]
	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	c, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	addr, err := p.agentAddr(c)
	if err != nil {
		return nil, err
	}
	slog.Info("Sandbox container started", "sandboxID", resp.ID[:12], "addr", addr)
	return &handle{provider: p, id: resp.ID, addr: addr}, nil
}

// Connect attaches to an existing sandbox container by ID. A container
// that is gone or no longer running reports backend.ErrNotFound so that
// callers fall back to creation.
func (p *Provider) Connect(ctx context.Context, id string) (backend.Handle, error) {
	c, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", id, backend.ErrNotFound)
		}
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	if !c.State.Running {
		return nil, fmt.Errorf("container %s not running (state: %s): %w", id, c.State.Status, backend.ErrNotFound)
	}
	addr, err := p.agentAddr(c)
	if err != nil {
		return nil, err
	}
	return &handle{provider: p, id: c.ID, addr: addr}, nil
}

// Close releases the Docker client resources.
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) agentAddr(c types.ContainerJSON) (string, error) {
	ports := c.NetworkSettings.Ports[nat.Port(p.agentPort+"/tcp")]
	if len(ports) > 0 {
		return "127.0.0.1:" + ports[0].HostPort, nil
	}
	return "", fmt.Errorf("container running but agent port not mapped")
}

// handle is one leased container.
type handle struct {
	provider *Provider
	id       string
	addr     string
}

var _ backend.Handle = (*handle)(nil)

func (h *handle) ID() string        { return h.id }
func (h *handle) AgentAddr() string { return h.addr }

// Setup creates the working directory for a logical unit of work.
// Idempotent: mkdir -p succeeds if the directory already exists.
func (h *handle) Setup(ctx context.Context, sessionKey, workDir string) error {
	if workDir == "" {
		workDir = "/workspace"
	}
	res, err := h.Execute(ctx, fmt.Sprintf("mkdir -p %s/%s", workDir, sessionKey), backend.ExecOptions{})
	if err != nil {
		return fmt.Errorf("setting up workdir: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("setting up workdir: exit %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// Execute runs a shell command inside the container via docker exec.
func (h *handle) Execute(ctx context.Context, command string, opts backend.ExecOptions) (*backend.ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var env []string
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	exec, err := h.provider.client.ContainerExecCreate(execCtx, h.id, types.ExecConfig{
		Cmd:          []string{"sh", "-c", command},
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := h.provider.client.ContainerExecAttach(execCtx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := h.provider.client.ContainerExecInspect(execCtx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}

	return &backend.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// WriteFile copies data into the container as a single-entry tar stream.
func (h *handle) WriteFile(ctx context.Context, path string, data []byte) error {
	dir := filepath.Dir(path)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: filepath.Base(path),
		Mode: 0o644,
		Size: int64(len(data)),
	}); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}

	if err := h.provider.client.CopyToContainer(ctx, h.id, dir, &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying to container: %w", err)
	}
	return nil
}

// ReadFile reads a single file out of the container.
func (h *handle) ReadFile(ctx context.Context, path string) (string, error) {
	rc, _, err := h.provider.client.CopyFromContainer(ctx, h.id, path)
	if err != nil {
		return "", fmt.Errorf("copying from container: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return "", fmt.Errorf("reading tar entry: %w", err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return "", fmt.Errorf("reading file contents: %w", err)
	}
	return string(data), nil
}

// Teardown stops and removes the container. Failures are logged and
// swallowed: teardown runs on already-degraded paths.
func (h *handle) Teardown(ctx context.Context) {
	timeout := 10
	if err := h.provider.client.ContainerStop(ctx, h.id, container.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("Failed to stop sandbox container", "sandboxID", h.id, "error", err)
	}
	if err := h.provider.client.ContainerRemove(ctx, h.id, types.ContainerRemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove sandbox container", "sandboxID", h.id, "error", err)
	}
}

// IsAvailable reports whether the container is still running.
func (h *handle) IsAvailable(ctx context.Context) bool {
	c, err := h.provider.client.ContainerInspect(ctx, h.id)
	return err == nil && c.State.Running
}

package backend

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Provider.Connect when the provider no longer
// recognizes a sandbox ID. Callers treat this as staleness, not failure.
var ErrNotFound = errors.New("sandbox not found")

// ExecResult is the outcome of a command run inside a sandbox. A non-zero
// exit code is data, not an error.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ExecOptions configures a single command execution.
type ExecOptions struct {
	// Timeout bounds the command's wall-clock time. Zero means the
	// provider's default.
	Timeout time.Duration
	// Env is merged into the command's environment.
	Env map[string]string
}

// Handle is one leased remote execution environment. All operations are
// network calls to the remote environment; only Setup and Teardown are
// idempotent.
type Handle interface {
	// ID returns the provider-assigned sandbox identifier.
	ID() string

	// AgentAddr returns the host:port where the embedded agent server is
	// (or will be) reachable.
	AgentAddr() string

	// Setup provisions or attaches session state for a logical unit of
	// work. Idempotent per key.
	Setup(ctx context.Context, sessionKey, workDir string) error

	// Execute runs a command to completion or timeout. A normal non-zero
	// exit is reported in the result, never as an error.
	Execute(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error)

	// WriteFile writes data to a path inside the sandbox.
	WriteFile(ctx context.Context, path string, data []byte) error

	// ReadFile reads a file from inside the sandbox.
	ReadFile(ctx context.Context, path string) (string, error)

	// Teardown is best-effort cleanup. It runs on already-degraded paths,
	// so failures are logged and swallowed, never propagated.
	Teardown(ctx context.Context)

	// IsAvailable is a cheap reachability probe with no side effects.
	IsAvailable(ctx context.Context) bool
}

// Provider creates new sandboxes and reconnects to existing ones. One
// implementation exists per remote-execution backend; selection between
// them is an explicit priority policy, never runtime duck-typing.
type Provider interface {
	// Name returns the provider's identifier (e.g. "docker", "device").
	Name() string

	// Create leases a fresh sandbox.
	Create(ctx context.Context) (Handle, error)

	// Connect attaches to an existing sandbox by ID. Returns ErrNotFound
	// (possibly wrapped) if the provider no longer recognizes the ID.
	Connect(ctx context.Context, id string) (Handle, error)
}

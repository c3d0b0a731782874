package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/outpost-run/outpost/pkg/agent"
	"github.com/outpost-run/outpost/pkg/backend"
)

const (
	// DefaultPollInterval is how often the readiness probe runs.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultReadyTimeout bounds the whole readiness wait.
	DefaultReadyTimeout = 30 * time.Second
	// DefaultStderrLines is the size of the captured stderr ring.
	DefaultStderrLines = 50
	// stderrPath is where the agent server's error output lands inside
	// the sandbox.
	stderrPath = "/tmp/outpost-agent.err"
	stdoutPath = "/tmp/outpost-agent.out"
)

// ReadyTimeoutError reports that the embedded agent server never became
// reachable. The diagnostic payload is mandatory: startup failures are
// the hardest class of incident in this subsystem, and attempts, elapsed
// time, the last probe failure, and recent stderr are what make them
// debuggable.
type ReadyTimeoutError struct {
	Attempts int
	Elapsed  time.Duration
	LastErr  error
	Stderr   []string
}

func (e *ReadyTimeoutError) Error() string {
	msg := fmt.Sprintf("agent server not ready after %d attempts in %s", e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.LastErr != nil {
		msg += fmt.Sprintf(": last probe error: %v", e.LastErr)
	}
	if len(e.Stderr) > 0 {
		msg += "; recent stderr:\n" + strings.Join(e.Stderr, "\n")
	}
	return msg
}

func (e *ReadyTimeoutError) Unwrap() error { return e.LastErr }

// Bootstrapper ensures the embedded agent server inside a sandbox is
// running and reachable.
type Bootstrapper struct {
	// StartCommand launches the agent server inside the sandbox.
	StartCommand string
	// WorkDir is the sandbox working directory handed to Setup.
	WorkDir string
	// PollInterval and ReadyTimeout shape the readiness wait.
	PollInterval time.Duration
	ReadyTimeout time.Duration
	// StderrLines bounds the captured diagnostic ring.
	StderrLines int

	probe ProbeFunc
}

// NewBootstrapper creates a bootstrapper with default timings.
func NewBootstrapper(startCommand, workDir string) *Bootstrapper {
	return &Bootstrapper{
		StartCommand: startCommand,
		WorkDir:      workDir,
		PollInterval: DefaultPollInterval,
		ReadyTimeout: DefaultReadyTimeout,
		StderrLines:  DefaultStderrLines,
		probe: func(ctx context.Context, addr string) error {
			return agent.New(addr).Ready(ctx)
		},
	}
}

// SetProbe overrides the agent liveness probe. Used by tests.
func (b *Bootstrapper) SetProbe(p ProbeFunc) { b.probe = p }

// Ensure brings the sandbox's agent server to a reachable state and
// returns a client for it. A reused sandbox whose server already answers
// skips the start entirely.
func (b *Bootstrapper) Ensure(ctx context.Context, h backend.Handle, reused bool, env map[string]string) (*agent.Client, error) {
	addr := h.AgentAddr()

	if reused {
		if err := b.probe(ctx, addr); err == nil {
			slog.Info("Lifecycle stage complete", "stage", "server-start",
				"sandboxID", h.ID(), "outcome", "skipped")
			return agent.New(addr), nil
		}
		// The sandbox answered the resolver's probe but the server has
		// since gone away; restart it below.
	}

	startAt := time.Now()
	if err := h.Setup(ctx, "agent", b.WorkDir); err != nil {
		return nil, fmt.Errorf("sandbox setup: %w", err)
	}

	// Identifying variables plus the user's credential environment.
	launchEnv := map[string]string{
		"OUTPOST_SANDBOX_ID": h.ID(),
	}
	for k, v := range env {
		launchEnv[k] = v
	}

	start := fmt.Sprintf("nohup %s >%s 2>%s &", b.StartCommand, stdoutPath, stderrPath)
	res, err := h.Execute(ctx, start, backend.ExecOptions{Timeout: 10 * time.Second, Env: launchEnv})
	if err != nil {
		return nil, fmt.Errorf("starting agent server: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("starting agent server: exit %d: %s", res.ExitCode, res.Stderr)
	}
	slog.Info("Lifecycle stage complete", "stage", "server-start",
		"sandboxID", h.ID(), "durationMS", time.Since(startAt).Milliseconds())

	client, err := b.waitReady(ctx, h, addr)
	if err != nil {
		return nil, err
	}
	slog.Info("Lifecycle stage complete", "stage", "server-ready",
		"sandboxID", h.ID(), "durationMS", time.Since(startAt).Milliseconds())
	return client, nil
}

// waitReady polls the liveness endpoint at a fixed interval until it
// answers OK or the overall deadline elapses. The wait is cancellable
// through ctx.
func (b *Bootstrapper) waitReady(ctx context.Context, h backend.Handle, addr string) (*agent.Client, error) {
	deadline, cancel := context.WithTimeout(ctx, b.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()

	ring := NewRing(b.StderrLines)
	started := time.Now()
	attempts := 0
	var lastErr error

	for {
		select {
		case <-deadline.Done():
			// The parent context ending mid-wait is cancellation, not a
			// readiness timeout.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.captureStderr(ctx, h, ring)
			return nil, &ReadyTimeoutError{
				Attempts: attempts,
				Elapsed:  time.Since(started),
				LastErr:  lastErr,
				Stderr:   ring.Lines(),
			}
		case <-ticker.C:
			attempts++
			if err := b.probe(deadline, addr); err != nil {
				lastErr = err
				// Refresh diagnostics occasionally, not on every miss.
				if attempts%8 == 0 {
					b.captureStderr(ctx, h, ring)
				}
				continue
			}
			return agent.New(addr), nil
		}
	}
}

// captureStderr pulls the tail of the agent server's error output into
// the ring. Diagnostics only: failures here are ignored.
func (b *Bootstrapper) captureStderr(ctx context.Context, h backend.Handle, ring *Ring) {
	res, err := h.Execute(ctx, fmt.Sprintf("tail -n %d %s", b.StderrLines, stderrPath),
		backend.ExecOptions{Timeout: 5 * time.Second})
	if err != nil || res.ExitCode != 0 {
		return
	}
	lines := strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return
	}
	ring.Replace(lines)
}

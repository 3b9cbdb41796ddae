package worker

import (
	"context"
	"os/exec"
	"time"

	"github.com/zjrosen/hearth/internal/wire"
)

// CommandFactoryFunc creates an exec.Cmd. Tests inject this to substitute
// stub commands for the real agent runtime.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Config holds everything needed to spawn one worker process.
type Config struct {
	// Command is the executable to run (e.g. "python3").
	Command string
	// Args are passed to the command (e.g. the wrapper script path).
	Args []string
	// WorkDir is the working directory for the process.
	WorkDir string
	// Env holds extra KEY=VALUE entries appended to os.Environ(),
	// including the variable identifying the runtime install location.
	Env []string
	// GracePeriod is how long a killed worker gets between SIGINT and
	// SIGKILL.
	GracePeriod time.Duration
	// StderrTail is how many recent stderr lines to retain for
	// diagnostics on failure.
	StderrTail int
	// EventBuffer is the capacity of the decoded event channel.
	EventBuffer int
	// CommandFactory overrides exec.CommandContext for tests.
	CommandFactory CommandFactoryFunc
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.StderrTail <= 0 {
		c.StderrTail = 50
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

// Process is the handle the session layer drives. The real implementation
// is Handle; tests substitute channel-backed fakes.
type Process interface {
	// Events returns decoded protocol events in arrival order.
	// The channel is closed after the process exits and its output is
	// drained.
	Events() <-chan wire.Event

	// Send writes one encoded request line to the worker's stdin.
	// Fails once the process is terminated.
	Send(data []byte) error

	// Ready is closed exactly once, when the ready signal is observed.
	Ready() <-chan struct{}

	// Done is closed when the process has exited and all cleanup ran.
	Done() <-chan struct{}

	// Status returns the current lifecycle state.
	Status() Status

	// PID returns the OS process id, or -1 if unavailable.
	PID() int

	// ExitErr returns the process exit error. Only meaningful after Done
	// is closed.
	ExitErr() error

	// StderrTail returns the most recent captured stderr lines.
	StderrTail() []string

	// Kill terminates the process: SIGINT first, SIGKILL after the grace
	// period. Safe to call multiple times.
	Kill()
}

// Spawner creates worker processes. The session registry depends on this
// interface so tests can inject fakes without touching the OS.
type Spawner interface {
	Spawn(ctx context.Context, cfg Config) (Process, error)
}

// ExecSpawner is the production Spawner backed by os/exec.
type ExecSpawner struct{}

// Spawn starts the configured worker process.
func (ExecSpawner) Spawn(ctx context.Context, cfg Config) (Process, error) {
	return spawn(ctx, cfg)
}

var _ Spawner = ExecSpawner{}

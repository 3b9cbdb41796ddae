// Package worker owns the lifecycle of one external agent process: spawn,
// readiness detection, output demultiplexing, termination, and crash
// reporting.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/hearth/internal/fault"
	"github.com/zjrosen/hearth/internal/log"
	"github.com/zjrosen/hearth/internal/wire"
)

const readChunkSize = 32 * 1024

// Handle wraps a single external worker process.
type Handle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	stdin *stdinWriter

	events chan wire.Event
	ready  chan struct{}
	done   chan struct{}

	readyOnce sync.Once
	killOnce  sync.Once
	status    atomic.Int32

	gracePeriod time.Duration

	mu          sync.Mutex
	stderrLines []string
	stderrCap   int
	exitErr     error

	readers sync.WaitGroup
}

// stdinWriter serializes writes to the worker's stdin and rejects writes
// after close.
type stdinWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.w.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		_ = sw.w.Close()
		sw.closed = true
	}
}

func spawn(ctx context.Context, cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()

	if cfg.Command == "" {
		return nil, &fault.Fault{Kind: fault.KindSpawnFailure, Op: "spawn",
			Err: fmt.Errorf("worker command is required")}
	}
	if cfg.WorkDir != "" {
		info, err := os.Stat(cfg.WorkDir)
		if err != nil {
			return nil, &fault.Fault{Kind: fault.KindSpawnFailure, Op: "spawn",
				Err: fmt.Errorf("working directory %s: %w", cfg.WorkDir, err)}
		}
		if !info.IsDir() {
			return nil, &fault.Fault{Kind: fault.KindSpawnFailure, Op: "spawn",
				Err: fmt.Errorf("working directory %s is not a directory", cfg.WorkDir)}
		}
	}

	procCtx, cancel := context.WithCancel(ctx)

	var cmd *exec.Cmd
	if cfg.CommandFactory != nil {
		cmd = cfg.CommandFactory(procCtx, cfg.Command, cfg.Args...)
	} else {
		// #nosec G204 -- command and args come from operator config, not user input
		cmd = exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	}
	cmd.Dir = cfg.WorkDir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	var stdin io.WriteCloser
	var stdout, stderr io.ReadCloser
	cleanup := func() {
		cancel()
		if stdin != nil {
			_ = stdin.Close()
		}
		if stdout != nil {
			_ = stdout.Close()
		}
		if stderr != nil {
			_ = stderr.Close()
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cleanup()
		return nil, &fault.Fault{Kind: fault.KindSpawnFailure, Op: "spawn",
			Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, &fault.Fault{Kind: fault.KindSpawnFailure, Op: "spawn",
			Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderr, err = cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, &fault.Fault{Kind: fault.KindSpawnFailure, Op: "spawn",
			Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	h := &Handle{
		cmd:         cmd,
		cancel:      cancel,
		stdin:       &stdinWriter{w: stdin},
		events:      make(chan wire.Event, cfg.EventBuffer),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		gracePeriod: cfg.GracePeriod,
		stderrCap:   cfg.StderrTail,
	}
	h.status.Store(int32(StatusSpawning))

	log.Debug(log.CatWorker, "spawning worker",
		"command", cfg.Command, "workDir", cfg.WorkDir)

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, &fault.Fault{Kind: fault.KindSpawnFailure, Op: "spawn",
			Err: fmt.Errorf("start %s: %w", cfg.Command, err)}
	}

	log.Debug(log.CatWorker, "worker started", "pid", cmd.Process.Pid)

	h.readers.Add(2)
	go h.readStdout(stdout)
	go h.readStderr(stderr)
	go h.supervise()

	return h, nil
}

// readStdout decodes the worker's stdout stream in raw chunks. One read is
// never assumed to be one record; the decoder buffers partial lines.
func (h *Handle) readStdout(r io.Reader) {
	defer h.readers.Done()

	var dec wire.Decoder
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				h.handleEvent(ev)
			}
		}
		if err != nil {
			for _, ev := range dec.Flush() {
				h.handleEvent(ev)
			}
			if err != io.EOF {
				log.Debug(log.CatWorker, "stdout read error", "error", err)
			}
			return
		}
	}
}

func (h *Handle) handleEvent(ev wire.Event) {
	if ev.Kind == wire.EventReady {
		h.markReady()
	}
	if ev.Kind == wire.EventDiagnostic {
		log.Debug(log.CatWire, "diagnostic output", "line", ev.Message)
	}
	select {
	case h.events <- ev:
	default:
		// Event buffer full. Dropping protocol events would lose
		// settlements, so block until the consumer catches up.
		h.events <- ev
	}
}

// readStderr captures diagnostic output. Legacy runtimes announce
// readiness on stderr, so the marker check runs here too.
func (h *Handle) readStderr(r io.Reader) {
	defer h.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatWorker, "STDERR", "line", line)

		if wire.IsLegacyReadyMarker(line) {
			h.markReady()
		}

		h.mu.Lock()
		h.stderrLines = append(h.stderrLines, line)
		if len(h.stderrLines) > h.stderrCap {
			h.stderrLines = h.stderrLines[len(h.stderrLines)-h.stderrCap:]
		}
		h.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatWorker, "stderr scanner error", "error", err)
	}
}

// supervise waits for the readers to drain and the process to exit, then
// publishes the terminal state. Events is closed strictly before Done so
// consumers observe every decoded event before learning about the death.
func (h *Handle) supervise() {
	h.readers.Wait()
	err := h.cmd.Wait()

	h.stdin.Close()

	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	h.status.Store(int32(StatusTerminated))

	if err != nil {
		log.Warn(log.CatWorker, "worker exited", "pid", h.PID(), "error", err)
	} else {
		log.Debug(log.CatWorker, "worker exited cleanly", "pid", h.PID())
	}

	close(h.events)
	close(h.done)
}

func (h *Handle) markReady() {
	h.readyOnce.Do(func() {
		// A terminated process can still flush a buffered ready line;
		// don't resurrect it.
		if Status(h.status.Load()) == StatusSpawning {
			h.status.Store(int32(StatusReady))
		}
		close(h.ready)
		log.Debug(log.CatWorker, "worker ready", "pid", h.PID())
	})
}

// Events returns the decoded protocol event stream.
func (h *Handle) Events() <-chan wire.Event { return h.events }

// Ready is closed once the ready signal is observed.
func (h *Handle) Ready() <-chan struct{} { return h.ready }

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the current lifecycle state.
func (h *Handle) Status() Status { return Status(h.status.Load()) }

// Send writes one encoded request line to the worker's stdin.
func (h *Handle) Send(data []byte) error {
	if h.Status() == StatusTerminated {
		return &fault.Fault{Kind: fault.KindWorkerTerminated, Op: "send", Err: h.ExitErr()}
	}
	if err := h.stdin.Write(data); err != nil {
		return &fault.Fault{Kind: fault.KindWorkerTerminated, Op: "send", Err: err}
	}
	return nil
}

// PID returns the OS process id, or -1 if unavailable.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// ExitErr returns the recorded exit error.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// StderrTail returns a copy of the most recent captured stderr lines.
func (h *Handle) StderrTail() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.stderrLines))
	copy(out, h.stderrLines)
	return out
}

// Kill terminates the worker: SIGINT first for a graceful shutdown, then
// SIGKILL via context cancel after the grace period.
func (h *Handle) Kill() {
	h.killOnce.Do(func() {
		if h.Status() == StatusTerminated {
			return
		}
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Signal(os.Interrupt)
		}
		grace := h.gracePeriod
		go func() {
			select {
			case <-h.done:
			case <-time.After(grace):
				h.cancel()
			}
		}()
	})
}

var _ Process = (*Handle)(nil)

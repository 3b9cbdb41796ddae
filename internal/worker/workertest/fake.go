// Package workertest provides a scriptable in-memory worker.Process for
// tests in the session, dispatch, and manager packages.
package workertest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zjrosen/hearth/internal/fault"
	"github.com/zjrosen/hearth/internal/wire"
	"github.com/zjrosen/hearth/internal/worker"
)

// Responder produces the events a fake worker emits for one request.
// Returning nil leaves the request unanswered.
type Responder func(req wire.Request) []wire.Event

// RespondJSON builds a Responder that settles every request with the
// given JSON payload.
func RespondJSON(payload string) Responder {
	return func(req wire.Request) []wire.Event {
		return []wire.Event{{
			Kind:      wire.EventResponse,
			RequestID: req.RequestID,
			Result:    json.RawMessage(payload),
		}}
	}
}

// Fake is a worker.Process whose behavior tests script directly.
type Fake struct {
	events chan wire.Event
	ready  chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	script     map[wire.Mode]Responder
	sent       [][]byte
	sendErr    error
	exitErr    error
	stderrTail []string

	killed    atomic.Bool
	requests  atomic.Int64
	status    atomic.Int32
	readyOnce sync.Once
	exitOnce  sync.Once
}

// New creates a fake that has not yet signalled readiness.
func New() *Fake {
	f := &Fake{
		events: make(chan wire.Event, 64),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	f.status.Store(int32(worker.StatusSpawning))
	return f
}

// NewReady creates a fake that is already ready.
func NewReady() *Fake {
	f := New()
	f.MarkReady()
	return f
}

// NewScripted creates a ready fake that answers requests from script.
func NewScripted(script map[wire.Mode]Responder) *Fake {
	f := NewReady()
	f.script = script
	return f
}

func (f *Fake) Events() <-chan wire.Event { return f.events }
func (f *Fake) Ready() <-chan struct{}    { return f.ready }
func (f *Fake) Done() <-chan struct{}     { return f.done }
func (f *Fake) PID() int                  { return 4242 }

func (f *Fake) Status() worker.Status {
	return worker.Status(f.status.Load())
}

// Send records the request and, when a script entry matches its mode,
// emits the scripted events.
func (f *Fake) Send(data []byte) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	script := f.script
	f.mu.Unlock()

	var req wire.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	f.requests.Add(1)

	if respond := script[req.Mode]; respond != nil {
		for _, ev := range respond(req) {
			f.Emit(ev)
		}
	}
	return nil
}

// Emit pushes one event into the worker's output stream. An emit after
// Exit is dropped instead of panicking.
func (f *Fake) Emit(ev wire.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.Load() == int32(worker.StatusTerminated) {
		return
	}
	f.events <- ev
}

// MarkReady signals readiness once.
func (f *Fake) MarkReady() {
	f.readyOnce.Do(func() {
		f.status.Store(int32(worker.StatusReady))
		close(f.ready)
	})
}

// Exit terminates the fake with the given exit error.
func (f *Fake) Exit(err error) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.exitErr = err
		f.sendErr = &fault.Fault{Kind: fault.KindWorkerTerminated}
		f.status.Store(int32(worker.StatusTerminated))
		close(f.events)
		close(f.done)
	})
}

// Kill records the kill and exits cleanly.
func (f *Fake) Kill() {
	f.killed.Store(true)
	f.Exit(nil)
}

func (f *Fake) ExitErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitErr
}

func (f *Fake) StderrTail() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stderrTail
}

// SetStderrTail scripts the tail returned after termination.
func (f *Fake) SetStderrTail(lines []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stderrTail = lines
}

// SetSendErr makes subsequent Send calls fail with err.
func (f *Fake) SetSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// SetScript replaces the responder script.
func (f *Fake) SetScript(script map[wire.Mode]Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = script
}

// Killed reports whether Kill was called.
func (f *Fake) Killed() bool { return f.killed.Load() }

// Requests reports how many requests were accepted.
func (f *Fake) Requests() int64 { return f.requests.Load() }

// SentCount reports how many raw lines were written.
func (f *Fake) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var _ worker.Process = (*Fake)(nil)

// Spawner hands out fakes in order. A nil entry makes that spawn call
// fail; running out of fakes fails too.
type Spawner struct {
	mu      sync.Mutex
	procs   []*Fake
	spawns  int
	onSpawn func(*Fake)
}

// NewSpawner creates a spawner over the given fakes.
func NewSpawner(procs ...*Fake) *Spawner {
	return &Spawner{procs: procs}
}

// OnSpawn registers a hook run with each fake as it is handed out.
func (s *Spawner) OnSpawn(fn func(*Fake)) *Spawner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSpawn = fn
	return s
}

func (s *Spawner) Spawn(context.Context, worker.Config) (worker.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spawns >= len(s.procs) {
		return nil, &fault.Fault{Kind: fault.KindSpawnFailure, Err: errors.New("no more fakes")}
	}
	p := s.procs[s.spawns]
	s.spawns++
	if p == nil {
		return nil, &fault.Fault{Kind: fault.KindSpawnFailure, Err: errors.New("spawn refused")}
	}
	if s.onSpawn != nil {
		s.onSpawn(p)
	}
	return p, nil
}

// SpawnCount reports how many spawn calls were served.
func (s *Spawner) SpawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

var _ worker.Spawner = (*Spawner)(nil)

// Package session ties one warm worker process to its pending-request
// table and keeps exactly one live session per key.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zjrosen/hearth/internal/correlator"
	"github.com/zjrosen/hearth/internal/fault"
	"github.com/zjrosen/hearth/internal/log"
	"github.com/zjrosen/hearth/internal/pubsub"
	"github.com/zjrosen/hearth/internal/wire"
	"github.com/zjrosen/hearth/internal/worker"
)

// observerBuffer sizes the per-subscriber event feed. Observers are
// best-effort; slow ones lose events rather than stalling routing.
const observerBuffer = 128

// Session is one warm worker bound to a key, usually a user id. All
// requests for the key flow through the same session, multiplexed over
// the worker's stdin and correlated on its stdout.
type Session struct {
	key   string
	proc  worker.Process
	table *correlator.Table

	broker       *pubsub.Broker[wire.Event]
	lastActivity atomic.Int64
	done         chan struct{}

	// onTerminate runs once after the worker exits and the table is
	// failed. Set by the registry to remove the session from its map.
	onTerminate func(*Session)
}

func newSession(key string, proc worker.Process, onTerminate func(*Session)) *Session {
	s := &Session{
		key:         key,
		proc:        proc,
		table:       correlator.NewTable(),
		broker:      pubsub.NewBrokerWithBuffer[wire.Event](observerBuffer),
		done:        make(chan struct{}),
		onTerminate: onTerminate,
	}
	s.touch()
	go s.route()
	return s
}

// Key returns the session key.
func (s *Session) Key() string { return s.key }

// PID returns the worker's OS process id.
func (s *Session) PID() int { return s.proc.PID() }

// Done is closed after the worker has exited and all outstanding
// requests have been failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastActivity reports when the session last sent or received anything.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Idle reports how long the session has been quiet.
func (s *Session) Idle() time.Duration {
	return time.Since(s.LastActivity())
}

// Outstanding returns the number of unsettled requests.
func (s *Session) Outstanding() int { return s.table.Len() }

// Subscribe returns a feed of every protocol event the session routes.
// The feed closes when ctx is cancelled or the session terminates.
func (s *Session) Subscribe(ctx context.Context) <-chan wire.Event {
	return s.broker.Subscribe(ctx)
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Send registers a pending request and writes it to the worker. The
// deadline starts now, before the write, so a wedged worker still
// settles the request via expiry.
func (s *Session) Send(req wire.Request, deadline time.Duration) (*correlator.Pending, error) {
	line, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}

	p, err := s.table.Register(req.RequestID, req.Mode, deadline)
	if err != nil {
		return nil, err
	}

	s.touch()
	if err := s.proc.Send(line); err != nil {
		s.table.Reject(req.RequestID, err)
		<-p.Done() // drain our own rejection
		return nil, err
	}
	log.Debug(log.CatSession, "request sent",
		"session", s.key, "requestID", req.RequestID, "mode", req.Mode)
	return p, nil
}

// Kill asks the worker to stop. Settlement of outstanding requests
// happens in the routing loop once the process actually exits.
func (s *Session) Kill() {
	s.proc.Kill()
}

// route consumes the worker's event stream until it closes, then fails
// whatever is still pending and tears the session down.
func (s *Session) route() {
	for ev := range s.proc.Events() {
		s.touch()
		s.broker.Publish(ev)
		s.dispatch(ev)
	}

	<-s.proc.Done()
	s.table.FailAll(s.terminationFault())
	s.broker.Close()
	if s.onTerminate != nil {
		s.onTerminate(s)
	}
	close(s.done)
	log.Info(log.CatSession, "session terminated", "session", s.key)
}

func (s *Session) dispatch(ev wire.Event) {
	switch ev.Kind {
	case wire.EventResponse:
		// A response either carries a result or reports an error; the
		// decoder never produces one with both, and an error response
		// has a nil result even when its message is empty.
		if ev.Result == nil {
			s.table.Reject(ev.RequestID, &correlator.WorkerError{Message: ev.Err})
			return
		}
		s.table.Resolve(ev.RequestID, ev.Result)

	case wire.EventProgress:
		if ev.RequestID != "" {
			s.table.Forward(ev)
			return
		}
		// Legacy progress carries no id. It can only belong to an
		// execute request, and only unambiguously.
		if p, ok := s.table.Sole(wire.ModeExecute); ok {
			ev.RequestID = p.ID()
			s.table.Forward(ev)
		}

	case wire.EventLegacyResult:
		if p, ok := s.table.Sole(""); ok {
			// Legacy completions are plain text; settle with the message
			// encoded as a JSON string so callers decode uniformly.
			payload, _ := json.Marshal(ev.Message)
			s.table.Resolve(p.ID(), payload)
		} else {
			log.Warn(log.CatSession, "unroutable legacy result dropped",
				"session", s.key)
		}

	case wire.EventReady:
		// The worker restated readiness mid-session. Harmless.

	case wire.EventDiagnostic:
		// Already logged at decode time.
	}
}

// terminationFault builds the failure handed to every request stranded
// by the worker's exit.
func (s *Session) terminationFault() error {
	f := &fault.Fault{
		Kind:       fault.KindWorkerTerminated,
		SessionKey: s.key,
		Err:        s.proc.ExitErr(),
	}
	if tail := s.proc.StderrTail(); len(tail) > 0 {
		f.Detail = strings.Join(tail, "\n")
	}
	return f
}

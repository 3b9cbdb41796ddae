// Package correlator maps outstanding request ids to waiting callers and
// settles them exactly once.
//
// Every registered request ends in exactly one of three ways: a matching
// response, a deadline expiry, or a forced rejection when the worker dies.
// Removal from the table is the single settlement decision point, which is
// what makes a timeout racing a late response safe: whichever settles
// first removes the entry, and the loser finds nothing to settle.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/hearth/internal/fault"
	"github.com/zjrosen/hearth/internal/log"
	"github.com/zjrosen/hearth/internal/wire"
)

// DefaultProgressBuffer is the per-request progress channel capacity.
// Progress is best-effort; a full buffer drops updates rather than
// stalling the session's routing loop.
const DefaultProgressBuffer = 256

// WorkerError is an error reported by the worker on a correlated response
// line. It is part of the protocol contract, distinct from the fault
// taxonomy's process-level failures.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error: %s", e.Message)
}

// Settlement is the terminal outcome of a pending request.
type Settlement struct {
	Result json.RawMessage
	Err    error
}

// Pending is one outstanding request awaiting settlement.
//
// Consumers drain Progress until it closes, then receive the settlement
// from Done. Progress is closed strictly before the settlement is
// delivered, so every streamed event for a request is observed before its
// final outcome.
type Pending struct {
	id       string
	mode     wire.Mode
	progress chan wire.Event
	done     chan Settlement
	timer    *time.Timer
}

// ID returns the request id.
func (p *Pending) ID() string { return p.id }

// Mode returns the requested mode.
func (p *Pending) Mode() wire.Mode { return p.mode }

// Progress returns the ordered stream of progress events for this
// request. Closed at settlement.
func (p *Pending) Progress() <-chan wire.Event { return p.progress }

// Done delivers the settlement. Exactly one value is ever sent.
func (p *Pending) Done() <-chan Settlement { return p.done }

// Await is a convenience for callers that don't stream: it discards
// progress and returns the settlement, or ctx's error if the caller gives
// up waiting (the request itself stays registered until its deadline).
func (p *Pending) Await(ctx context.Context) (json.RawMessage, error) {
	for {
		select {
		case _, ok := <-p.progress:
			if !ok {
				s := <-p.done
				return s.Result, s.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Table is the pending-request table for one session.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Pending
	failed  error // set once the whole table is failed; rejects late registers
}

// NewTable creates an empty pending-request table.
func NewTable() *Table {
	return &Table{pending: make(map[string]*Pending)}
}

// Register adds a pending entry with the given deadline. The deadline
// timer settles the entry with a RequestTimeout fault if nothing else
// settles it first. Returns an error if the table was already failed.
func (t *Table) Register(id string, mode wire.Mode, deadline time.Duration) (*Pending, error) {
	t.mu.Lock()
	if t.failed != nil {
		err := t.failed
		t.mu.Unlock()
		return nil, err
	}
	if _, exists := t.pending[id]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("request id %s already registered", id)
	}

	p := &Pending{
		id:       id,
		mode:     mode,
		progress: make(chan wire.Event, DefaultProgressBuffer),
		done:     make(chan Settlement, 1),
	}
	// The timer must be in place before the entry is published: anyone
	// who takes the entry may read p.timer immediately, and the mutex is
	// the only ordering between them. The callback itself blocks on the
	// same mutex, so arming it under the lock is safe.
	p.timer = time.AfterFunc(deadline, func() {
		t.Expire(id)
	})
	t.pending[id] = p
	t.mu.Unlock()

	return p, nil
}

// take removes and returns the entry for id. This is the single
// settlement decision point: only the caller that successfully takes the
// entry may settle it.
func (t *Table) take(id string) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return p, ok
}

func settle(p *Pending, s Settlement) {
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.progress)
	p.done <- s
}

// Resolve settles id with a success payload. Returns false if the id is
// not pending (already settled, expired, or never registered) - a no-op,
// not an error, because a late response may race a timeout.
func (t *Table) Resolve(id string, result json.RawMessage) bool {
	p, ok := t.take(id)
	if !ok {
		log.Debug(log.CatSession, "late or unknown response discarded", "requestID", id)
		return false
	}
	settle(p, Settlement{Result: result})
	return true
}

// Reject settles id with an error. Same idempotency contract as Resolve.
func (t *Table) Reject(id string, err error) bool {
	p, ok := t.take(id)
	if !ok {
		return false
	}
	settle(p, Settlement{Err: err})
	return true
}

// Expire settles id with a RequestTimeout fault.
func (t *Table) Expire(id string) bool {
	p, ok := t.take(id)
	if !ok {
		return false
	}
	log.Debug(log.CatSession, "request deadline expired", "requestID", id, "mode", p.mode)
	settle(p, Settlement{Err: &fault.Fault{
		Kind:      fault.KindRequestTimeout,
		Op:        string(p.mode),
		RequestID: id,
	}})
	return true
}

// Forward delivers a progress event to the pending entry matching its
// request id. Returns false if no such entry exists.
func (t *Table) Forward(ev wire.Event) bool {
	t.mu.Lock()
	p, ok := t.pending[ev.RequestID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.progress <- ev:
	default:
		log.Debug(log.CatBridge, "progress buffer full, dropping", "requestID", ev.RequestID)
	}
	return true
}

// Sole returns the single outstanding entry matching mode (or any mode if
// mode is empty), and true only when exactly one such entry exists. The
// legacy free-text framing has no request ids; this is the only routing
// that cannot misdeliver.
func (t *Table) Sole(mode wire.Mode) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var found *Pending
	for _, p := range t.pending {
		if mode != "" && p.mode != mode {
			continue
		}
		if found != nil {
			return nil, false
		}
		found = p
	}
	return found, found != nil
}

// FailAll atomically settles every outstanding entry with err and marks
// the table failed so later registrations are rejected with the same
// error. Used when the worker dies.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	taken := make([]*Pending, 0, len(t.pending))
	for id, p := range t.pending {
		taken = append(taken, p)
		delete(t.pending, id)
	}
	t.failed = err
	t.mu.Unlock()

	for _, p := range taken {
		settle(p, Settlement{Err: err})
	}
}

// Len returns the number of outstanding entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

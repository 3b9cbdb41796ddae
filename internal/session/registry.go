package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/hearth/internal/fault"
	"github.com/zjrosen/hearth/internal/log"
	"github.com/zjrosen/hearth/internal/tracing"
	"github.com/zjrosen/hearth/internal/worker"
)

// Options configures a Registry.
type Options struct {
	// Worker is the spawn configuration shared by every session.
	Worker worker.Config
	// StartupTimeout bounds the wait for a fresh worker's ready signal.
	StartupTimeout time.Duration
	// IdleTimeout is how long a quiet session survives before the
	// sweeper evicts it. Zero disables idle eviction.
	IdleTimeout time.Duration
	// SweepInterval is how often the sweeper checks for idle sessions.
	SweepInterval time.Duration
	// MaxSessions caps concurrent live sessions. Zero means unlimited.
	MaxSessions int
	// Tracer records a span per worker spawn. Nil disables spawn spans.
	Tracer trace.Tracer
}

func (o Options) withDefaults() Options {
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 45 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	return o
}

// entry serializes session creation per key. The first caller spawns;
// everyone else waits on ready and shares the outcome.
type entry struct {
	session *Session
	err     error
	ready   chan struct{}
}

// Registry owns at most one live session per key.
type Registry struct {
	spawner worker.Spawner
	opts    Options

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewRegistry creates a registry and starts its idle sweeper.
func NewRegistry(spawner worker.Spawner, opts Options) *Registry {
	r := &Registry{
		spawner:   spawner,
		opts:      opts.withDefaults(),
		entries:   make(map[string]*entry),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go r.sweep()
	return r
}

// Acquire returns the live session for key, spawning a worker if none
// exists. Concurrent acquires for the same key share one spawn; the
// losers block until the winner's worker is ready or has failed.
func (r *Registry) Acquire(ctx context.Context, key string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry closed")
	}
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
			return e.session, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.opts.MaxSessions > 0 && len(r.entries) >= r.opts.MaxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("session limit reached (%d)", r.opts.MaxSessions)
	}
	e := &entry{ready: make(chan struct{})}
	r.entries[key] = e
	r.mu.Unlock()

	sess, err := r.create(ctx, key)
	if err != nil {
		// Failed spawns leave no entry behind, so the next acquire
		// retries from scratch.
		r.mu.Lock()
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		e.err = err
		close(e.ready)
		return nil, err
	}

	e.session = sess
	close(e.ready)
	return sess, nil
}

func (r *Registry) create(ctx context.Context, key string) (*Session, error) {
	var span trace.Span
	if r.opts.Tracer != nil {
		ctx, span = tracing.StartSpawn(ctx, r.opts.Tracer, key)
	}
	sess, err := r.spawn(ctx, key)
	if span != nil {
		if err == nil {
			tracing.RecordPID(span, sess.PID())
		}
		tracing.EndRequest(span, err)
	}
	return sess, err
}

func (r *Registry) spawn(ctx context.Context, key string) (*Session, error) {
	log.Info(log.CatSession, "spawning worker", "session", key)
	started := time.Now()

	proc, err := r.spawner.Spawn(ctx, r.opts.Worker)
	if err != nil {
		return nil, err
	}

	startup := time.NewTimer(r.opts.StartupTimeout)
	defer startup.Stop()

	select {
	case <-proc.Ready():
		log.Info(log.CatSession, "worker ready",
			"session", key, "pid", proc.PID(), "elapsed", time.Since(started))
	case <-proc.Done():
		return nil, &fault.Fault{
			Kind:       fault.KindSpawnFailure,
			Op:         "startup",
			SessionKey: key,
			Err:        proc.ExitErr(),
			Detail:     joinTail(proc.StderrTail()),
		}
	case <-startup.C:
		proc.Kill()
		return nil, &fault.Fault{
			Kind:       fault.KindStartupTimeout,
			Op:         "startup",
			SessionKey: key,
			Detail:     joinTail(proc.StderrTail()),
		}
	case <-ctx.Done():
		proc.Kill()
		return nil, ctx.Err()
	}

	return newSession(key, proc, func(s *Session) {
		r.remove(key, s)
	}), nil
}

// remove drops the entry for key only if it still refers to s. A crashed
// session racing a fresh replacement must not evict the replacement.
func (r *Registry) remove(key string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && e.session == s {
		delete(r.entries, key)
	}
}

// Lookup returns the live, ready session for key without spawning.
func (r *Registry) Lookup(key string) (*Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.session, e.session != nil
	default:
		return nil, false
	}
}

// Len returns the number of entries, including in-flight spawns.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Evict kills the session for key, if any. The entry disappears once
// the worker has exited and its requests are failed.
func (r *Registry) Evict(key string) {
	if s, ok := r.Lookup(key); ok {
		log.Info(log.CatSession, "evicting session", "session", key)
		s.Kill()
	}
}

// EvictAll kills every live session. Used when the worker runtime on
// disk changes and warm processes would keep running stale code.
func (r *Registry) EvictAll() {
	for _, s := range r.liveSessions() {
		log.Info(log.CatSession, "evicting session", "session", s.Key())
		s.Kill()
	}
}

func (r *Registry) liveSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		select {
		case <-e.ready:
			if e.session != nil {
				out = append(out, e.session)
			}
		default:
		}
	}
	return out
}

// sweep periodically evicts sessions that have been idle past the
// configured timeout. Sessions with requests still in flight are
// never swept.
func (r *Registry) sweep() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if r.opts.IdleTimeout <= 0 {
				continue
			}
			for _, s := range r.liveSessions() {
				if s.Outstanding() == 0 && s.Idle() >= r.opts.IdleTimeout {
					log.Info(log.CatSession, "idle session evicted",
						"session", s.Key(), "idle", s.Idle())
					s.Kill()
				}
			}
		case <-r.sweepStop:
			return
		}
	}
}

// Close stops the sweeper, kills all sessions, and waits for them to
// finish tearing down.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.sweepStop)
	<-r.sweepDone

	// Snapshot every entry, ready or not. An acquire that slipped past
	// the closed check may still be mid-spawn; waiting on its ready
	// channel guarantees whatever worker it produces gets killed here
	// instead of lingering with the sweeper already stopped.
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sessions := make([]*Session, 0, len(entries))
	for _, e := range entries {
		<-e.ready
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
	}
	for _, s := range sessions {
		s.Kill()
	}
	for _, s := range sessions {
		<-s.Done()
	}
}

func joinTail(tail []string) string {
	return strings.Join(tail, "\n")
}

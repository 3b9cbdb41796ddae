// Package manager assembles the session registry, dispatcher, tracing,
// and runtime watcher into one service facade.
package manager

import (
	"context"
	"sync"

	"github.com/zjrosen/hearth/internal/config"
	"github.com/zjrosen/hearth/internal/dispatch"
	"github.com/zjrosen/hearth/internal/log"
	"github.com/zjrosen/hearth/internal/session"
	"github.com/zjrosen/hearth/internal/tracing"
	"github.com/zjrosen/hearth/internal/watcher"
	"github.com/zjrosen/hearth/internal/wire"
	"github.com/zjrosen/hearth/internal/worker"
)

// Manager owns the warm-worker machinery for one process.
type Manager struct {
	cfg        config.Config
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	provider   *tracing.Provider
	watch      *watcher.Watcher

	watchStop chan struct{}
	watchDone chan struct{}
	closeOnce sync.Once
}

// New validates cfg and builds a manager backed by real worker
// processes.
func New(cfg config.Config) (*Manager, error) {
	return NewWithSpawner(cfg, worker.ExecSpawner{})
}

// NewWithSpawner is New with an injected spawner, for tests.
func NewWithSpawner(cfg config.Config, spawner worker.Spawner) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(spawner, session.Options{
		Worker: worker.Config{
			Command:     cfg.Worker.Command,
			Args:        cfg.Worker.Args,
			WorkDir:     cfg.Worker.WorkDir,
			Env:         cfg.Worker.Env,
			GracePeriod: cfg.Worker.GracePeriod,
			StderrTail:  cfg.Worker.StderrTail,
		},
		StartupTimeout: cfg.Worker.StartupTimeout,
		IdleTimeout:    cfg.Session.IdleTimeout,
		SweepInterval:  cfg.Session.SweepInterval,
		MaxSessions:    cfg.Session.MaxSessions,
		Tracer:         provider.Tracer(),
	})

	dispatcher := dispatch.New(registry, dispatch.Options{
		ClassifyTimeout:      cfg.Dispatch.ClassifyTimeout,
		PlanTimeout:          cfg.Dispatch.PlanTimeout,
		ExecuteTimeout:       cfg.Dispatch.ExecuteTimeout,
		ClassifyCacheTTL:     cfg.Dispatch.ClassifyCacheTTL,
		DisableClassifyCache: cfg.Dispatch.DisableClassifyCache,
	}, provider.Tracer())

	m := &Manager{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		provider:   provider,
		watchStop:  make(chan struct{}),
		watchDone:  make(chan struct{}),
	}

	if err := m.startWatcher(); err != nil {
		registry.Close()
		_ = provider.Shutdown(context.Background())
		return nil, err
	}

	return m, nil
}

// startWatcher wires runtime change detection to full eviction. Workers
// spawned afterwards run the updated runtime.
func (m *Manager) startWatcher() error {
	if !m.cfg.Watch.Enabled || m.cfg.Worker.RuntimePath == "" {
		close(m.watchDone)
		return nil
	}

	w, err := watcher.New(watcher.Config{
		Path:        m.cfg.Worker.RuntimePath,
		DebounceDur: m.cfg.Watch.Debounce,
	})
	if err != nil {
		return err
	}

	onChange, err := w.Start()
	if err != nil {
		return err
	}
	m.watch = w

	go func() {
		defer close(m.watchDone)
		for {
			select {
			case <-onChange:
				log.Info(log.CatWatch, "worker runtime changed, evicting all sessions",
					"path", m.cfg.Worker.RuntimePath)
				m.registry.EvictAll()
			case <-m.watchStop:
				return
			}
		}
	}()

	return nil
}

// Classify decides whether prompt is chat or a task for the given
// session key.
func (m *Manager) Classify(ctx context.Context, key, prompt string) (dispatch.ClassifyResult, error) {
	return m.dispatcher.Classify(ctx, key, prompt)
}

// Plan breaks prompt into steps for the given session key.
func (m *Manager) Plan(ctx context.Context, key, prompt string) (dispatch.Plan, error) {
	return m.dispatcher.Plan(ctx, key, prompt)
}

// Execute runs a task on the key's warm worker, streaming progress to
// req.Sink.
func (m *Manager) Execute(ctx context.Context, key string, req dispatch.ExecuteRequest) (dispatch.ExecuteResult, error) {
	return m.dispatcher.Execute(ctx, key, req)
}

// Observe returns the raw protocol event feed for a live session, or
// false if none exists for key. The feed closes when ctx is cancelled
// or the session terminates.
func (m *Manager) Observe(ctx context.Context, key string) (<-chan wire.Event, bool) {
	sess, ok := m.registry.Lookup(key)
	if !ok {
		return nil, false
	}
	return sess.Subscribe(ctx), true
}

// Evict kills the session for key, if any.
func (m *Manager) Evict(key string) {
	m.registry.Evict(key)
}

// Sessions reports how many sessions are live or spawning.
func (m *Manager) Sessions() int {
	return m.registry.Len()
}

// Registry exposes the underlying session registry.
func (m *Manager) Registry() *session.Registry {
	return m.registry
}

// Close tears everything down: watcher, sessions, trace provider.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.watchStop)
		if m.watch != nil {
			_ = m.watch.Stop()
		}
		<-m.watchDone
		m.registry.Close()
		_ = m.provider.Shutdown(context.Background())
	})
}

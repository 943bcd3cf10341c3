package module

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry holds managers in registration order and applies lifecycle
// operations across them. Shutdown walks the list in reverse so dependents
// go down before their dependencies.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Module
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{byName: make(map[string]Module), logger: logger.With("component", "registry")}
}

// Register appends m; a duplicate name replaces the previous entry in place.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[m.Name()]; !ok {
		r.order = append(r.order, m.Name())
	}
	r.byName[m.Name()] = m
}

// Get returns a registered module by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	return m, ok
}

// Names returns module names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) modules() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// InitializeAll initializes every module concurrently and returns the
// fraction that succeeded together with the per-module errors.
func (r *Registry) InitializeAll(ctx context.Context) (float64, map[string]error) {
	mods := r.modules()
	if len(mods) == 0 {
		return 1.0, nil
	}
	var mu sync.Mutex
	failures := make(map[string]error)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range mods {
		g.Go(func() error {
			if err := m.Initialize(gctx); err != nil {
				r.logger.Error("module initialization failed", "module", m.Name(), "err", err)
				mu.Lock()
				failures[m.Name()] = err
				mu.Unlock()
			}
			return nil // init failures degrade, they do not abort the group
		})
	}
	_ = g.Wait()
	ok := len(mods) - len(failures)
	return float64(ok) / float64(len(mods)), failures
}

// StartAll starts modules in registration order, stopping at nothing;
// failures are collected.
func (r *Registry) StartAll(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, m := range r.modules() {
		if err := m.Start(ctx); err != nil {
			r.logger.Error("module start failed", "module", m.Name(), "err", err)
			failures[m.Name()] = err
		}
	}
	return failures
}

// StopAll stops modules in reverse registration order.
func (r *Registry) StopAll(ctx context.Context) {
	mods := r.modules()
	for i := len(mods) - 1; i >= 0; i-- {
		if err := mods[i].Stop(ctx); err != nil {
			r.logger.Warn("module stop failed", "module", mods[i].Name(), "err", err)
		}
	}
}

// CleanupAll cleans up modules in reverse registration order.
func (r *Registry) CleanupAll() {
	mods := r.modules()
	for i := len(mods) - 1; i >= 0; i-- {
		mods[i].Cleanup()
	}
}

// EmergencyStopAll fans the stop out concurrently so the slowest actuator
// bounds total latency instead of the sum.
func (r *Registry) EmergencyStopAll() {
	var wg sync.WaitGroup
	for _, m := range r.modules() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.EmergencyStop()
		}()
	}
	wg.Wait()
}

// ResumeAll lifts emergency mode on every module.
func (r *Registry) ResumeAll() {
	for _, m := range r.modules() {
		m.Resume()
	}
}

// Statuses returns the status of every module keyed by name.
func (r *Registry) Statuses() map[string]Status {
	out := make(map[string]Status)
	for _, m := range r.modules() {
		out[m.Name()] = m.Status()
	}
	return out
}

// Package module defines the uniform lifecycle contract every manager
// implements and the base plumbing (priority queue + single worker) they
// build on.
package module

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"servo/engine/internal/command"
	"servo/engine/internal/events"
	"servo/engine/internal/telemetry/metrics"
)

// Status is the uniform health report every manager exposes.
type Status struct {
	Name        string        `json:"name"`
	Initialized bool          `json:"initialized"`
	Running     bool          `json:"running"`
	Health      float64       `json:"health"`
	LastError   string        `json:"last_error,omitempty"`
	QueueSize   int           `json:"queue_size"`
	Stats       command.Stats `json:"stats"`
}

// Module is the lifecycle contract enforced by the orchestrator.
// Order: Initialize -> Start -> (operate) -> Stop -> Cleanup; a module may be
// re-initialized after Cleanup. Start/Stop are idempotent.
type Module interface {
	Name() string
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cleanup()
	Status() Status
	EmergencyStop()
	Resume()
}

// Submitter is implemented by managers that accept generic commands from the
// API gateway.
type Submitter interface {
	Submit(cmd command.Command) (uint64, error)
}

var (
	errNotInitialized = errors.New("module not initialized")
	errStillRunning   = errors.New("module still running")
)

// Hooks are the manager-specific extension points invoked by Base.
type Hooks struct {
	// OnInit acquires drivers and other resources.
	OnInit func(ctx context.Context) error
	// OnStart runs after the worker goroutine is up.
	OnStart func(ctx context.Context) error
	// OnStop runs before the worker is torn down.
	OnStop func(ctx context.Context) error
	// OnCleanup releases what OnInit acquired.
	OnCleanup func()
	// Execute runs one dequeued command against the actuator.
	Execute command.Executor
	// OnEmergency signals the actuator driver to abort, before the queue
	// flush happens.
	OnEmergency func()
}

// Options configures a Base.
type Options struct {
	Name            string
	Bus             events.Bus
	Logger          *slog.Logger
	Metrics         metrics.Provider
	QueueCapacity   int
	DefaultDeadline time.Duration
	Hooks           Hooks
}

// Base implements the Module plumbing shared by every actuator manager:
// lifecycle bookkeeping, the priority queue, and the single worker.
type Base struct {
	name   string
	bus    events.Bus
	logger *slog.Logger
	mp     metrics.Provider
	hooks  Hooks

	queueCap int
	deadline time.Duration

	mu          sync.Mutex
	initialized bool
	running     bool
	lastErr     error
	queue       *command.Queue
	worker      *command.Worker
	cancel      context.CancelFunc
}

// NewBase builds the shared manager plumbing.
func NewBase(opts Options) *Base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		name:     opts.Name,
		bus:      opts.Bus,
		logger:   logger.With("module", opts.Name),
		mp:       opts.Metrics,
		hooks:    opts.Hooks,
		queueCap: opts.QueueCapacity,
		deadline: opts.DefaultDeadline,
	}
}

func (b *Base) Name() string { return b.name }

// Bus returns the event bus the manager publishes on.
func (b *Base) Bus() events.Bus { return b.bus }

// Logger returns the module-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Initialize builds the queue/worker pair and runs the OnInit hook.
func (b *Base) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	if b.hooks.OnInit != nil {
		if err := b.hooks.OnInit(ctx); err != nil {
			b.lastErr = err
			return err
		}
	}
	b.queue = command.NewQueue(b.queueCap)
	b.worker = command.NewWorker(command.WorkerOptions{
		Name:            b.name,
		Queue:           b.queue,
		Execute:         b.hooks.Execute,
		Bus:             b.bus,
		Logger:          b.logger,
		DefaultDeadline: b.deadline,
		Metrics:         b.mp,
	})
	b.initialized = true
	b.lastErr = nil
	return nil
}

// Start launches the worker. Starting a running module is a no-op.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return errNotInitialized
	}
	if b.running {
		return nil
	}
	wctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.worker.Run(wctx)
	if b.hooks.OnStart != nil {
		if err := b.hooks.OnStart(ctx); err != nil {
			cancel()
			b.worker.Wait()
			b.lastErr = err
			return err
		}
	}
	b.running = true
	b.logger.Info("module started")
	return nil
}

// Stop cancels the worker context, which also cancels the in-flight command,
// and waits for the worker to exit. Stopping a stopped module is a no-op. The wait happens outside the lock: executors
// may read Status mid-command.
func (b *Base) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	w := b.worker
	b.mu.Unlock()

	if b.hooks.OnStop != nil {
		if err := b.hooks.OnStop(ctx); err != nil {
			b.logger.Warn("stop hook failed", "err", err)
			b.SetLastError(err)
		}
	}
	cancel()
	w.Wait()
	b.logger.Info("module stopped")
	return nil
}

// Cleanup releases resources; the module may be initialized again afterwards.
func (b *Base) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		// Refuse silently destructive cleanup; callers stop first.
		b.lastErr = errStillRunning
		return
	}
	if !b.initialized {
		return
	}
	if b.queue != nil {
		b.queue.Close()
	}
	if b.hooks.OnCleanup != nil {
		b.hooks.OnCleanup()
	}
	b.queue = nil
	b.worker = nil
	b.initialized = false
}

// Submit enqueues a command for the worker.
func (b *Base) Submit(cmd command.Command) (uint64, error) {
	b.mu.Lock()
	q := b.queue
	b.mu.Unlock()
	if q == nil {
		return 0, errNotInitialized
	}
	return q.Submit(cmd)
}

// EmergencyStop aborts the in-flight command, flushes non-emergency work and
// latches emergency mode.
func (b *Base) EmergencyStop() {
	b.mu.Lock()
	w := b.worker
	b.mu.Unlock()
	if b.hooks.OnEmergency != nil {
		b.hooks.OnEmergency()
	}
	if w != nil {
		w.EmergencyStop()
	}
}

// Resume lifts emergency mode.
func (b *Base) Resume() {
	b.mu.Lock()
	w := b.worker
	b.mu.Unlock()
	if w != nil {
		w.Resume()
	}
}

// EmergencyActive reports whether emergency mode is latched.
func (b *Base) EmergencyActive() bool {
	b.mu.Lock()
	w := b.worker
	b.mu.Unlock()
	return w != nil && w.EmergencyActive()
}

// Status reports the uniform module status.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{Name: b.name, Initialized: b.initialized, Running: b.running, Health: 1.0}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	if b.queue != nil {
		st.QueueSize = b.queue.Len()
	}
	if b.worker != nil {
		st.Stats = b.worker.Stats()
		st.Health = st.Stats.Health
	}
	return st
}

// SetLastError records err in the status report.
func (b *Base) SetLastError(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
}

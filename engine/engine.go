// Package engine composes the robot middleware behind a single facade: the
// state machine, the event bus, the actuator managers, sensor fusion and the
// supervisory monitors. The API gateway and the CLI only ever talk to Engine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"servo/engine/config"
	"servo/engine/internal/audio"
	"servo/engine/internal/events"
	"servo/engine/internal/fusion"
	"servo/engine/internal/leds"
	"servo/engine/internal/motion"
	"servo/engine/internal/state"
	"servo/engine/internal/telemetry/metrics"
	"servo/engine/internal/telemetry/tracing"
	"servo/engine/internal/video"
	"servo/engine/module"
	"servo/engine/telemetry/health"
)

// Health thresholds for the supervisory monitor.
const (
	healthWarnBelow      = 0.5
	healthEmergencyBelow = 0.3
	initSuccessRatio     = 0.8
)

// Snapshot is the unified external view of engine state.
type Snapshot struct {
	StartedAt time.Time                `json:"started_at"`
	Uptime    time.Duration            `json:"uptime"`
	State     state.Snapshot           `json:"state"`
	Modules   map[string]module.Status `json:"modules"`
	Events    events.BusStats          `json:"events"`
	Estimate  fusion.Estimate          `json:"estimate"`
	Emergency bool                     `json:"emergency"`
}

// Engine is the orchestration root. Construct with New, drive with
// Initialize/Start, tear down with Shutdown.
type Engine struct {
	store  *config.Store
	logger *slog.Logger

	machine  *state.Machine
	bus      events.Bus
	registry *module.Registry

	audio  *audio.Manager
	motion *motion.Manager
	leds   *leds.Manager
	video  *video.Manager
	fusion *fusion.Manager

	provider  metrics.Provider
	tracer    *tracing.Tracer
	healthMon *health.Monitor

	initialized atomic.Bool
	started     atomic.Bool
	emergency   atomic.Bool
	startedAt   time.Time

	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup

	eventCount atomic.Uint64
}

// New wires every subsystem from the config store. Nothing runs until Start.
func New(store *config.Store, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: nil config store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := store.Current()

	provider := selectMetricsProvider(cfg.Performance)
	tracer := tracing.New(cfg.Performance.TracingEnabled, cfg.Performance.TracingSampleRate)
	bus := events.NewBus(provider)
	machine := state.NewMachine(logger)

	e := &Engine{
		store:    store,
		logger:   logger.With("component", "engine"),
		machine:  machine,
		bus:      bus,
		registry: module.NewRegistry(logger),
		provider: provider,
		tracer:   tracer,
	}

	perf := cfg.Performance
	e.audio = audio.New(audio.Options{
		Config: cfg.Audio, Bus: bus, States: machine, Logger: logger, Metrics: provider,
		QueueCapacity: perf.QueueCapacity, DefaultDeadline: perf.WorkerDeadline.Std(),
	})
	e.motion = motion.New(motion.Options{
		Config: cfg.Motion, Bus: bus, States: machine, Logger: logger, Metrics: provider,
		QueueCapacity: perf.QueueCapacity, DefaultDeadline: perf.WorkerDeadline.Std(),
	})
	e.leds = leds.New(leds.Options{
		Config: cfg.LEDs, Bus: bus, States: machine, Logger: logger, Metrics: provider,
		QueueCapacity: perf.QueueCapacity, DefaultDeadline: perf.WorkerDeadline.Std(),
	})
	e.video = video.New(video.Options{
		Config: cfg.Video, Bus: bus, Logger: logger, Metrics: provider,
		QueueCapacity: perf.QueueCapacity, DefaultDeadline: perf.WorkerDeadline.Std(),
	})
	e.fusion = fusion.New(fusion.Options{
		Performance: perf, Bus: bus, Logger: logger, Metrics: provider,
	})

	for _, m := range []module.Module{e.audio, e.motion, e.leds, e.video, e.fusion} {
		e.registry.Register(m)
		machine.RegisterModule(m.Name())
	}

	e.publishStateChanges()
	e.buildHealthMonitor()
	return e, nil
}

func selectMetricsProvider(perf config.PerformanceConfig) metrics.Provider {
	if !perf.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch perf.MetricsBackend {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "servo"})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// publishStateChanges mirrors every accepted transition onto the event bus.
func (e *Engine) publishStateChanges() {
	all := []state.RobotState{
		state.StateInitializing, state.StateIdle, state.StateActive,
		state.StateListening, state.StateProcessing, state.StateSpeaking,
		state.StateMoving, state.StateCalibrating, state.StateMaintenance,
		state.StateLearning, state.StateError, state.StateEmergencyStop,
		state.StateShutdown,
	}
	for _, s := range all {
		e.machine.OnState(s, func(from, to state.RobotState) {
			_ = e.bus.Publish(events.Event{
				Type:    events.TypeStateChanged,
				Source:  "state_machine",
				Payload: map[string]any{"from": string(from), "to": string(to)},
			})
		})
	}
}

// buildHealthMonitor tracks every registered module on the shared [0,1]
// scale: a stopped module scores zero, otherwise the worker's error-rate
// health is reported as-is.
func (e *Engine) buildHealthMonitor() {
	e.healthMon = health.NewMonitor(2 * time.Second)
	for _, name := range e.registry.Names() {
		e.healthMon.Track(name, func(ctx context.Context) (float64, string) {
			m, ok := e.registry.Get(name)
			if !ok {
				return 0, "not registered"
			}
			st := m.Status()
			if !st.Running {
				return 0, "not running"
			}
			return st.Health, st.LastError
		})
	}
}

// Initialize initializes every module registered by New and reports each
// module's status to the state machine. With at least 80% of modules up the
// machine lands in IDLE, otherwise in ERROR.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.initialized.Load() {
		return nil
	}
	ratio, failures := e.registry.InitializeAll(ctx)
	for _, name := range e.registry.Names() {
		st := e.moduleState(name, failures[name])
		m, _ := e.registry.Get(name)
		e.machine.UpdateModuleStatus(name, st, m.Status().Health, nil)
	}
	if ratio < initSuccessRatio {
		_ = e.machine.Transition(state.StateError, map[string]any{"reason": "initialization", "ratio": ratio})
		return fmt.Errorf("initialization below threshold: %.0f%% of modules up", ratio*100)
	}
	if err := e.machine.Transition(state.StateIdle, nil); err != nil {
		return err
	}
	e.initialized.Store(true)
	e.logger.Info("engine initialized", "modules", len(e.registry.Names()), "ratio", ratio)
	return nil
}

func (e *Engine) moduleState(name string, initErr error) state.ModuleState {
	if initErr != nil {
		return state.ModuleError
	}
	m, ok := e.registry.Get(name)
	if !ok {
		return state.ModuleOffline
	}
	st := m.Status()
	switch {
	case !st.Initialized:
		return state.ModuleOffline
	case st.Health < healthWarnBelow:
		return state.ModuleError
	case st.Running:
		return state.ModuleActive
	default:
		return state.ModuleReady
	}
}

// Start initializes if needed, starts every module, transitions to ACTIVE
// and launches the supervisory monitors. Starting a started engine is a
// no-op.
func (e *Engine) Start(ctx context.Context) error {
	if e.started.Load() {
		return nil
	}
	if err := e.Initialize(ctx); err != nil {
		return err
	}
	if failures := e.registry.StartAll(ctx); len(failures) > 0 {
		for name, err := range failures {
			e.machine.UpdateModuleStatus(name, state.ModuleError, 0, map[string]any{"error": err.Error()})
		}
	}
	if err := e.machine.Transition(state.StateActive, nil); err != nil {
		return err
	}
	e.startedAt = time.Now()
	e.started.Store(true)

	mctx, cancel := context.WithCancel(context.Background())
	e.monitorCancel = cancel
	e.monitorWG.Add(3)
	go e.eventProcessor(mctx)
	go e.healthMonitor(mctx)
	go e.stateMonitor(mctx)

	e.logger.Info("engine started")
	return nil
}

// eventProcessor drains a wildcard subscription: counts traffic and surfaces
// error events in the log.
func (e *Engine) eventProcessor(ctx context.Context) {
	defer e.monitorWG.Done()
	buffer := e.store.Current().Performance.EventBuffer
	sub, err := e.bus.Subscribe(buffer, events.Wildcard)
	if err != nil {
		return
	}
	defer func() { _ = sub.Close() }()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			e.eventCount.Add(1)
			if len(ev.Type) > 6 && ev.Type[len(ev.Type)-6:] == "_error" {
				e.logger.Warn("subsystem error event", "type", ev.Type, "source", ev.Source, "payload", ev.Payload)
			}
		case <-ctx.Done():
			return
		}
	}
}

// healthMonitor feeds module health into the state machine and escalates:
// below 0.5 it warns, below 0.3 it triggers an emergency stop before the
// next tick.
func (e *Engine) healthMonitor(ctx context.Context) {
	defer e.monitorWG.Done()
	interval := e.store.Current().Performance.HealthInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.checkHealth()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) checkHealth() {
	for _, name := range e.registry.Names() {
		m, _ := e.registry.Get(name)
		st := m.Status()
		h := st.Health
		ms := state.ModuleActive
		switch {
		case !st.Initialized:
			ms, h = state.ModuleOffline, 0
		case !st.Running:
			// A module that should be operating but is not counts as down.
			ms, h = state.ModuleError, 0
		case h < healthWarnBelow:
			ms = state.ModuleError
		}
		e.machine.UpdateModuleStatus(name, ms, h, nil)
	}
	sys := e.machine.SystemHealth()
	switch {
	case sys < healthEmergencyBelow:
		e.logger.Error("system health critical", "health", sys, "failed", e.machine.FailedModules())
		e.EmergencyStop("system health below critical threshold")
	case sys < healthWarnBelow:
		e.logger.Warn("system health degraded", "health", sys, "failed", e.machine.FailedModules())
		_ = e.bus.Publish(events.Event{
			Type:    events.TypeSystemWarning,
			Source:  "health_monitor",
			Payload: map[string]any{"health": sys, "failed_modules": e.machine.FailedModules()},
		})
	}
}

// stateMonitor periodically logs a compact performance line.
func (e *Engine) stateMonitor(ctx context.Context) {
	defer e.monitorWG.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			info := e.machine.StateInfo()
			e.logger.Info("state monitor",
				"state", string(info.CurrentState),
				"health", info.SystemHealth,
				"events", e.eventCount.Load(),
				"transitions", info.TransitionCount)
		case <-ctx.Done():
			return
		}
	}
}

// EmergencyStop fans the stop out to every manager concurrently, forces the
// state machine to EMERGENCY_STOP and publishes the event. The fan-out is
// signalling only, so the call returns well inside the latency budget.
func (e *Engine) EmergencyStop(reason string) {
	if !e.emergency.CompareAndSwap(false, true) {
		return
	}
	e.logger.Warn("emergency stop", "reason", reason)
	e.registry.EmergencyStopAll()
	e.machine.EmergencyStop(reason)
	_ = e.bus.Publish(events.Event{
		Type:    events.TypeEmergencyStop,
		Source:  "orchestrator",
		Payload: map[string]any{"reason": reason},
	})
}

// Resume lifts emergency mode and returns the machine to IDLE.
func (e *Engine) Resume() error {
	if !e.emergency.Load() {
		return fmt.Errorf("resume: emergency stop not active")
	}
	if err := e.machine.Transition(state.StateIdle, map[string]any{"reason": "resume"}); err != nil {
		return err
	}
	e.registry.ResumeAll()
	e.emergency.Store(false)
	e.logger.Info("emergency stop cleared")
	return nil
}

// EmergencyActive reports whether emergency mode is latched.
func (e *Engine) EmergencyActive() bool { return e.emergency.Load() }

// Shutdown stops monitors, managers (reverse order) and cleans up. The
// machine ends in SHUTDOWN, which is terminal.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.started.CompareAndSwap(true, false) {
		// Never started (or already shut down): still drive the machine to
		// its terminal state.
		e.transitionToShutdown()
		return nil
	}
	e.logger.Info("engine shutting down")
	e.monitorCancel()
	e.monitorWG.Wait()
	e.registry.StopAll(ctx)
	e.registry.CleanupAll()
	e.transitionToShutdown()
	_ = e.tracer.Shutdown(ctx)
	e.initialized.Store(false)
	return nil
}

func (e *Engine) transitionToShutdown() {
	if e.machine.Current() == state.StateShutdown {
		return
	}
	if err := e.machine.Transition(state.StateShutdown, nil); err != nil {
		// ACTIVE and friends route through IDLE first.
		_ = e.machine.Transition(state.StateIdle, nil)
		_ = e.machine.Transition(state.StateShutdown, nil)
	}
}

// Snapshot returns the unified engine view.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		StartedAt: e.startedAt,
		State:     e.machine.StateInfo(),
		Modules:   e.registry.Statuses(),
		Events:    e.bus.Stats(),
		Estimate:  e.fusion.Current(),
		Emergency: e.emergency.Load(),
	}
	if !e.startedAt.IsZero() {
		snap.Uptime = time.Since(e.startedAt)
	}
	return snap
}

// HealthSnapshot collects (or serves the held) per-module health summary.
func (e *Engine) HealthSnapshot(ctx context.Context) health.Summary {
	return e.healthMon.Collect(ctx)
}

// MetricsHandler exposes Prometheus metrics when that backend is active;
// nil otherwise.
func (e *Engine) MetricsHandler() http.Handler {
	if hp, ok := e.provider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Subsystem accessors used by the API gateway.

func (e *Engine) Audio() *audio.Manager      { return e.audio }
func (e *Engine) Motion() *motion.Manager    { return e.motion }
func (e *Engine) LEDs() *leds.Manager        { return e.leds }
func (e *Engine) Video() *video.Manager      { return e.video }
func (e *Engine) Fusion() *fusion.Manager    { return e.fusion }
func (e *Engine) Machine() *state.Machine    { return e.machine }
func (e *Engine) Bus() events.Bus            { return e.bus }
func (e *Engine) ConfigStore() *config.Store { return e.store }
func (e *Engine) Tracer() *tracing.Tracer    { return e.tracer }

// Emit publishes an event on behalf of an external caller.
func (e *Engine) Emit(ctx context.Context, ev events.Event) error {
	return e.bus.PublishCtx(ctx, ev)
}

// Subscribe registers an event-bus subscription for the given types.
func (e *Engine) Subscribe(buffer int, types ...string) (events.Subscription, error) {
	return e.bus.Subscribe(buffer, types...)
}

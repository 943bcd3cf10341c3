package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RobotState enumerates the global operating states of the robot.
type RobotState string

const (
	StateInitializing  RobotState = "INITIALIZING"
	StateIdle          RobotState = "IDLE"
	StateActive        RobotState = "ACTIVE"
	StateListening     RobotState = "LISTENING"
	StateProcessing    RobotState = "PROCESSING"
	StateSpeaking      RobotState = "SPEAKING"
	StateMoving        RobotState = "MOVING"
	StateCalibrating   RobotState = "CALIBRATING"
	StateMaintenance   RobotState = "MAINTENANCE"
	StateLearning      RobotState = "LEARNING"
	StateError         RobotState = "ERROR"
	StateEmergencyStop RobotState = "EMERGENCY_STOP"
	StateShutdown      RobotState = "SHUTDOWN"
)

// ModuleState enumerates per-module lifecycle states.
type ModuleState string

const (
	ModuleOffline      ModuleState = "OFFLINE"
	ModuleInitializing ModuleState = "INITIALIZING"
	ModuleReady        ModuleState = "READY"
	ModuleActive       ModuleState = "ACTIVE"
	ModuleError        ModuleState = "ERROR"
	ModuleMaintenance  ModuleState = "MAINTENANCE"
)

// historyCap bounds the transition history ring.
const historyCap = 1024

// failedHealthThreshold marks a module as failed regardless of its state.
const failedHealthThreshold = 0.5

// Transition records one accepted state change.
type Transition struct {
	From     RobotState     `json:"from"`
	To       RobotState     `json:"to"`
	At       time.Time      `json:"at"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ModuleStatus describes the last reported condition of a registered module.
// Health is clamped to [0,1]; values below 0.5 count the module as failed.
type ModuleStatus struct {
	Name       string         `json:"name"`
	State      ModuleState    `json:"state"`
	Health     float64        `json:"health"`
	LastUpdate time.Time      `json:"last_update"`
	ErrorCount int            `json:"error_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Callback is invoked after an accepted transition. Callbacks run outside the
// machine lock and may re-enter the machine; failures are contained by the
// dispatcher (panics recovered and logged).
type Callback func(from, to RobotState)

// CallbackHandle identifies a registered callback so it can be removed.
type CallbackHandle int64

// Snapshot is a point-in-time view of the machine for external consumers.
type Snapshot struct {
	CurrentState    RobotState              `json:"current_state"`
	PreviousState   RobotState              `json:"previous_state,omitempty"`
	SystemHealth    float64                 `json:"system_health"`
	FailedModules   []string                `json:"failed_modules"`
	Modules         map[string]ModuleStatus `json:"modules"`
	TransitionCount uint64                  `json:"transition_count"`
	Uptime          time.Duration           `json:"uptime"`
}

// validTransitions is the fixed edge table; edges not listed are invalid.
var validTransitions = map[RobotState][]RobotState{
	StateInitializing:  {StateIdle, StateError, StateEmergencyStop},
	StateIdle:          {StateActive, StateListening, StateCalibrating, StateMaintenance, StateError, StateEmergencyStop, StateShutdown},
	StateActive:        {StateIdle, StateListening, StateProcessing, StateSpeaking, StateMoving, StateError, StateEmergencyStop},
	StateListening:     {StateIdle, StateProcessing, StateError, StateEmergencyStop},
	StateProcessing:    {StateIdle, StateSpeaking, StateMoving, StateLearning, StateError, StateEmergencyStop},
	StateSpeaking:      {StateIdle, StateActive, StateMoving, StateError, StateEmergencyStop},
	StateMoving:        {StateIdle, StateActive, StateSpeaking, StateError, StateEmergencyStop},
	StateError:         {StateIdle, StateMaintenance, StateEmergencyStop, StateShutdown},
	StateEmergencyStop: {StateIdle, StateMaintenance, StateShutdown},
	StateCalibrating:   {StateIdle, StateError, StateEmergencyStop},
	StateMaintenance:   {StateIdle, StateCalibrating, StateShutdown},
	StateLearning:      {StateIdle, StateActive, StateError, StateEmergencyStop},
	StateShutdown:      {},
}

// Machine is the global robot state machine. It is the single owner of the
// current state, the transition history and the module status map.
type Machine struct {
	mu            sync.Mutex
	current       RobotState
	previous      RobotState
	history       []Transition // ring, capacity historyCap
	historyStart  int
	transitions   uint64
	modules       map[string]*ModuleStatus
	startedAt     time.Time
	nextHandle    CallbackHandle
	stateCbs      map[RobotState]map[CallbackHandle]Callback
	transitionCbs map[[2]RobotState]map[CallbackHandle]Callback
	logger        *slog.Logger
}

// NewMachine returns a machine in INITIALIZING with an empty module registry.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		current:       StateInitializing,
		modules:       make(map[string]*ModuleStatus),
		startedAt:     time.Now(),
		stateCbs:      make(map[RobotState]map[CallbackHandle]Callback),
		transitionCbs: make(map[[2]RobotState]map[CallbackHandle]Callback),
		logger:        logger.With("component", "state_machine"),
	}
}

// Current returns the current state.
func (m *Machine) Current() RobotState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CanTransition reports whether a transition from the current state to target
// would be accepted.
func (m *Machine) CanTransition(to RobotState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return edgeAllowed(m.current, to)
}

func edgeAllowed(from, to RobotState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition attempts an atomic state change. On rejection the state is
// unchanged and an error naming both states is returned. On acceptance the
// swap and history append happen under the lock; entry and edge callbacks run
// after the lock is released so they may safely re-enter the machine.
func (m *Machine) Transition(to RobotState, metadata map[string]any) error {
	m.mu.Lock()
	from := m.current
	if !edgeAllowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	m.appendHistoryLocked(Transition{From: from, To: to, At: time.Now(), Metadata: metadata})
	m.previous = from
	m.current = to
	m.transitions++
	entry := collectCallbacks(m.stateCbs[to])
	edge := collectCallbacks(m.transitionCbs[[2]RobotState{from, to}])
	m.mu.Unlock()

	m.logger.Info("state transition", "from", string(from), "to", string(to))
	m.dispatch(entry, from, to)
	m.dispatch(edge, from, to)
	return nil
}

// EmergencyStop forces the machine into EMERGENCY_STOP from any non-terminal
// state, bypassing the edge table. It is a no-op when already stopped or shut
// down.
func (m *Machine) EmergencyStop(reason string) {
	m.mu.Lock()
	from := m.current
	if from == StateEmergencyStop || from == StateShutdown {
		m.mu.Unlock()
		return
	}
	meta := map[string]any{"reason": reason}
	m.appendHistoryLocked(Transition{From: from, To: StateEmergencyStop, At: time.Now(), Metadata: meta})
	m.previous = from
	m.current = StateEmergencyStop
	m.transitions++
	entry := collectCallbacks(m.stateCbs[StateEmergencyStop])
	edge := collectCallbacks(m.transitionCbs[[2]RobotState{from, StateEmergencyStop}])
	m.mu.Unlock()

	m.logger.Warn("emergency stop", "from", string(from), "reason", reason)
	m.dispatch(entry, from, StateEmergencyStop)
	m.dispatch(edge, from, StateEmergencyStop)
}

func (m *Machine) appendHistoryLocked(tr Transition) {
	if len(m.history) < historyCap {
		m.history = append(m.history, tr)
		return
	}
	m.history[m.historyStart] = tr
	m.historyStart = (m.historyStart + 1) % historyCap
}

// History returns the retained transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, 0, len(m.history))
	for i := 0; i < len(m.history); i++ {
		out = append(out, m.history[(m.historyStart+i)%len(m.history)])
	}
	return out
}

func collectCallbacks(set map[CallbackHandle]Callback) []Callback {
	if len(set) == 0 {
		return nil
	}
	out := make([]Callback, 0, len(set))
	for _, cb := range set {
		out = append(out, cb)
	}
	return out
}

func (m *Machine) dispatch(cbs []Callback, from, to RobotState) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("state callback panic", "from", string(from), "to", string(to), "panic", r)
				}
			}()
			cb(from, to)
		}()
	}
}

// OnState registers a callback invoked whenever the machine enters state.
func (m *Machine) OnState(s RobotState, cb Callback) CallbackHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandle++
	h := m.nextHandle
	if m.stateCbs[s] == nil {
		m.stateCbs[s] = make(map[CallbackHandle]Callback)
	}
	m.stateCbs[s][h] = cb
	return h
}

// OnTransition registers a callback for one specific (from, to) edge.
func (m *Machine) OnTransition(from, to RobotState, cb Callback) CallbackHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandle++
	h := m.nextHandle
	key := [2]RobotState{from, to}
	if m.transitionCbs[key] == nil {
		m.transitionCbs[key] = make(map[CallbackHandle]Callback)
	}
	m.transitionCbs[key][h] = cb
	return h
}

// RemoveCallback unregisters a handle returned by OnState or OnTransition.
func (m *Machine) RemoveCallback(h CallbackHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.stateCbs {
		delete(set, h)
	}
	for _, set := range m.transitionCbs {
		delete(set, h)
	}
}

// RegisterModule enrolls a module with full health in OFFLINE state.
// Re-registering an existing name resets its status.
func (m *Machine) RegisterModule(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[name] = &ModuleStatus{
		Name:       name,
		State:      ModuleOffline,
		Health:     1.0,
		LastUpdate: time.Now(),
	}
	m.logger.Info("module registered", "module", name)
}

// UpdateModuleStatus records a module's reported state and health. Unknown
// modules are ignored. Health is clamped to [0,1]; entering ERROR increments
// the module error counter.
func (m *Machine) UpdateModuleStatus(name string, state ModuleState, health float64, metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.modules[name]
	if !ok {
		m.logger.Warn("status update for unregistered module", "module", name)
		return
	}
	if state == ModuleError && mod.State != ModuleError {
		mod.ErrorCount++
	}
	mod.State = state
	mod.Health = clamp01(health)
	mod.LastUpdate = time.Now()
	if metadata != nil {
		if mod.Metadata == nil {
			mod.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			mod.Metadata[k] = v
		}
	}
}

// ModuleStatusFor returns a copy of one module's status.
func (m *Machine) ModuleStatusFor(name string) (ModuleStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.modules[name]
	if !ok {
		return ModuleStatus{}, false
	}
	return cloneStatus(mod), true
}

// SystemHealth returns the mean module health, or 1.0 with no modules.
func (m *Machine) SystemHealth() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemHealthLocked()
}

func (m *Machine) systemHealthLocked() float64 {
	if len(m.modules) == 0 {
		return 1.0
	}
	var total float64
	for _, mod := range m.modules {
		total += mod.Health
	}
	return total / float64(len(m.modules))
}

// FailedModules lists modules in ERROR or with health below 0.5.
func (m *Machine) FailedModules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failedModulesLocked()
}

func (m *Machine) failedModulesLocked() []string {
	var failed []string
	for name, mod := range m.modules {
		if mod.State == ModuleError || mod.Health < failedHealthThreshold {
			failed = append(failed, name)
		}
	}
	return failed
}

// StateInfo returns a consistent snapshot of machine and module state.
func (m *Machine) StateInfo() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	mods := make(map[string]ModuleStatus, len(m.modules))
	for name, mod := range m.modules {
		mods[name] = cloneStatus(mod)
	}
	return Snapshot{
		CurrentState:    m.current,
		PreviousState:   m.previous,
		SystemHealth:    m.systemHealthLocked(),
		FailedModules:   m.failedModulesLocked(),
		Modules:         mods,
		TransitionCount: m.transitions,
		Uptime:          time.Since(m.startedAt),
	}
}

func cloneStatus(mod *ModuleStatus) ModuleStatus {
	out := *mod
	if mod.Metadata != nil {
		out.Metadata = make(map[string]any, len(mod.Metadata))
		for k, v := range mod.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

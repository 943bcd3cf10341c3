// Package motion implements the locomotion and gesture manager. A single
// worker drives the motion controller, so at most one motion command is ever
// in flight; a per-command watchdog cancels anything running past its scaled
// expected duration.
package motion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"servo/engine/config"
	"servo/engine/internal/command"
	"servo/engine/internal/drivers"
	"servo/engine/internal/events"
	"servo/engine/internal/state"
	"servo/engine/internal/telemetry/metrics"
	"servo/engine/module"
)

// Command kinds accepted by the motion worker.
const (
	KindMove    = "move"
	KindGesture = "gesture"
	KindArm     = "arm_action"
	KindStop    = "motion_stop"
)

// Options wires the manager's collaborators.
type Options struct {
	Config     config.MotionConfig
	Locomotion drivers.Locomotion
	Arm        drivers.Arm
	Bus        events.Bus
	States     *state.Machine
	Logger     *slog.Logger
	Metrics    metrics.Provider

	QueueCapacity   int
	DefaultDeadline time.Duration
}

// Manager owns the motion actuators (base + arms).
type Manager struct {
	*module.Base
	cfg      config.MotionConfig
	loco     drivers.Locomotion
	arm      drivers.Arm
	states   *state.Machine
	gestures map[string]Gesture
}

// New builds the motion manager; drivers default to the simulation stack.
func New(opts Options) *Manager {
	if opts.Locomotion == nil {
		opts.Locomotion = &drivers.SimLocomotion{}
	}
	if opts.Arm == nil {
		opts.Arm = &drivers.SimArm{}
	}
	m := &Manager{
		cfg:      opts.Config,
		loco:     opts.Locomotion,
		arm:      opts.Arm,
		states:   opts.States,
		gestures: builtinGestures(),
	}
	m.Base = module.NewBase(module.Options{
		Name:            "motion",
		Bus:             opts.Bus,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
		QueueCapacity:   opts.QueueCapacity,
		DefaultDeadline: opts.DefaultDeadline,
		Hooks: module.Hooks{
			Execute: m.execute,
			OnStop: func(ctx context.Context) error {
				return m.loco.Halt()
			},
			OnEmergency: func() {
				_ = m.loco.Halt()
				_ = m.arm.Halt()
			},
		},
	})
	return m
}

// watchdog scales the expected duration by the configured safety factor.
func (m *Manager) watchdog(expected time.Duration) time.Duration {
	factor := m.cfg.Safety.TimeoutFactor
	if factor < 1 {
		factor = 2.0
	}
	return time.Duration(float64(expected) * factor)
}

// submitGuarded rejects new motion while emergency mode is latched.
func (m *Manager) submitGuarded(cmd command.Command) (uint64, error) {
	if m.EmergencyActive() {
		return 0, fmt.Errorf("motion rejected: emergency stop active")
	}
	return m.Submit(cmd)
}

// Move enqueues a velocity command. Velocities are clamped to the configured
// maximum before the driver ever sees them.
func (m *Manager) Move(vx, vy, omega float64, d time.Duration, prio command.Priority, correlation string) (uint64, error) {
	if d <= 0 {
		return 0, fmt.Errorf("move: non-positive duration")
	}
	limit := m.cfg.Safety.MaxVelocity
	if limit <= 0 {
		limit = m.cfg.MaxVelocity
	}
	cmd := command.New(KindMove, prio, map[string]any{
		"vx":         clampAbs(vx, limit),
		"vy":         clampAbs(vy, limit),
		"omega":      clampAbs(omega, limit),
		"duration_s": d.Seconds(),
	})
	cmd.Correlation = correlation
	cmd.Deadline = m.watchdog(d)
	return m.submitGuarded(cmd)
}

// PerformGesture enqueues a named gesture from the library.
func (m *Manager) PerformGesture(name string, prio command.Priority, correlation string) (uint64, error) {
	g, ok := m.gestures[name]
	if !ok {
		return 0, fmt.Errorf("unknown gesture %q", name)
	}
	cmd := command.New(KindGesture, prio, map[string]any{"name": name})
	cmd.Correlation = correlation
	cmd.Deadline = m.watchdog(g.ExpectedDuration())
	return m.submitGuarded(cmd)
}

// ArmAction enqueues a single arm primitive.
func (m *Manager) ArmAction(side, action string, params map[string]float64, prio command.Priority, correlation string) (uint64, error) {
	if side != "left" && side != "right" && side != "both" {
		return 0, fmt.Errorf("invalid arm side %q", side)
	}
	payload := map[string]any{"side": side, "action": action}
	for k, v := range params {
		payload["param_"+k] = v
	}
	cmd := command.New(KindArm, prio, payload)
	cmd.Correlation = correlation
	return m.submitGuarded(cmd)
}

// StopMotion halts the base and arms ahead of queued work.
func (m *Manager) StopMotion(correlation string) (uint64, error) {
	cmd := command.New(KindStop, command.High, nil)
	cmd.Correlation = correlation
	return m.Submit(cmd)
}

// GestureNames lists the library, sorted.
func (m *Manager) GestureNames() []string {
	names := make([]string, 0, len(m.gestures))
	for name := range m.gestures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) execute(ctx context.Context, cmd command.Command) (map[string]any, error) {
	switch cmd.Kind {
	case KindMove:
		return m.execMove(ctx, cmd)
	case KindGesture:
		return m.execGesture(ctx, cmd)
	case KindArm:
		return m.execArm(ctx, cmd)
	case KindStop:
		if err := m.loco.Halt(); err != nil {
			return nil, err
		}
		return nil, m.arm.Halt()
	default:
		return nil, fmt.Errorf("motion: unknown command kind %q", cmd.Kind)
	}
}

func (m *Manager) execMove(ctx context.Context, cmd command.Command) (map[string]any, error) {
	vx, _ := cmd.Payload["vx"].(float64)
	vy, _ := cmd.Payload["vy"].(float64)
	omega, _ := cmd.Payload["omega"].(float64)
	durationS, _ := cmd.Payload["duration_s"].(float64)
	d := time.Duration(durationS * float64(time.Second))

	m.enterMoving()
	defer m.leaveMoving()
	if bus := m.Bus(); bus != nil {
		_ = bus.Publish(events.Event{
			Type:        events.TypeMotionStarted,
			Source:      "motion",
			Correlation: cmd.Correlation,
			Payload:     map[string]any{"vx": vx, "vy": vy, "omega": omega, "duration_s": durationS},
		})
	}
	if err := m.loco.Move(ctx, vx, vy, omega, d); err != nil {
		_ = m.loco.Halt()
		return nil, err
	}
	return map[string]any{"vx": vx, "vy": vy, "omega": omega, "duration_s": durationS}, nil
}

func (m *Manager) execGesture(ctx context.Context, cmd command.Command) (map[string]any, error) {
	name, _ := cmd.Payload["name"].(string)
	g, ok := m.gestures[name]
	if !ok {
		return nil, fmt.Errorf("unknown gesture %q", name)
	}
	m.enterMoving()
	defer m.leaveMoving()
	for _, step := range g.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := m.runStep(ctx, step); err != nil {
			return nil, fmt.Errorf("gesture %s step %s/%s: %w", name, step.Subsystem, step.Action, err)
		}
	}
	return map[string]any{"name": name, "steps": len(g.Steps)}, nil
}

func (m *Manager) runStep(ctx context.Context, step Step) error {
	switch step.Subsystem {
	case SubArm:
		return m.arm.Execute(ctx, step.Side, step.Action, step.Params)
	case SubLocomotion:
		omega := step.Params["omega"]
		return m.loco.Move(ctx, step.Params["vx"], step.Params["vy"], omega, step.Duration)
	case SubHead:
		// No head actuator in this SDK generation: hold the step's timing
		// so the gesture keeps its cadence.
		if !sleepStep(ctx, step.Duration) {
			return ctx.Err()
		}
		return nil
	default:
		return fmt.Errorf("unknown subsystem %q", step.Subsystem)
	}
}

func (m *Manager) execArm(ctx context.Context, cmd command.Command) (map[string]any, error) {
	side, _ := cmd.Payload["side"].(string)
	action, _ := cmd.Payload["action"].(string)
	params := make(map[string]float64)
	for k, v := range cmd.Payload {
		if f, ok := v.(float64); ok && len(k) > 6 && k[:6] == "param_" {
			params[k[6:]] = f
		}
	}
	if err := m.arm.Execute(ctx, side, action, params); err != nil {
		return nil, err
	}
	return map[string]any{"side": side, "action": action}, nil
}

// enterMoving notifies the state machine that a motion command took the
// actuator; rejections (e.g. while IDLE) are tolerated.
func (m *Manager) enterMoving() {
	if m.states == nil {
		return
	}
	_ = m.states.Transition(state.StateMoving, map[string]any{"source": "motion"})
}

// leaveMoving returns to ACTIVE once the queue is drained and nothing is in
// flight.
func (m *Manager) leaveMoving() {
	if m.states == nil || m.states.Current() != state.StateMoving {
		return
	}
	if st := m.Status(); st.QueueSize > 0 {
		return
	}
	if err := m.states.Transition(state.StateActive, map[string]any{"source": "motion"}); err != nil {
		_ = m.states.Transition(state.StateIdle, map[string]any{"source": "motion"})
	}
}

func sleepStep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func clampAbs(v, limit float64) float64 {
	if limit <= 0 {
		return v
	}
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

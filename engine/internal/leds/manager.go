// Package leds implements the RGB feedback manager: direct colors, animated
// patterns, and context colors that track the global robot state.
package leds

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"servo/engine/config"
	"servo/engine/internal/command"
	"servo/engine/internal/drivers"
	"servo/engine/internal/events"
	"servo/engine/internal/state"
	"servo/engine/internal/telemetry/metrics"
	"servo/engine/module"
)

// Command kinds accepted by the LED worker.
const (
	KindColor      = "color"
	KindPattern    = "pattern"
	KindFlash      = "flash"
	KindRainbow    = "rainbow"
	KindOff        = "off"
	KindBrightness = "brightness"
)

// Options wires the manager's collaborators.
type Options struct {
	Config  config.LEDConfig
	Strip   drivers.LEDStrip
	Bus     events.Bus
	States  *state.Machine
	Logger  *slog.Logger
	Metrics metrics.Provider

	QueueCapacity   int
	DefaultDeadline time.Duration
}

// contextColor maps a robot state to the pattern applied when entering it.
type contextColor struct {
	pattern string
	color   RGB
}

// Manager owns the LED strip. Context colors ride the same queue at NORMAL
// priority; external commands at HIGH or above preempt anything playing below
// HIGH, and any external command preempts a context color.
type Manager struct {
	*module.Base
	cfg     config.LEDConfig
	strip   drivers.LEDStrip
	states  *state.Machine
	library *Library

	preemptMu  sync.Mutex
	preempt    context.CancelFunc
	curPrio    command.Priority
	curContext bool

	cbHandle state.CallbackHandle
}

var contextColors = map[state.RobotState]contextColor{
	state.StateIdle:          {pattern: "breathing", color: RGB{0, 0, 255}},
	state.StateListening:     {pattern: "pulse", color: RGB{0, 255, 255}},
	state.StateSpeaking:      {pattern: "wave", color: RGB{0, 255, 0}},
	state.StateError:         {pattern: "flash", color: RGB{255, 0, 0}},
	state.StateEmergencyStop: {pattern: "flash", color: RGB{255, 0, 255}},
}

// New builds the LED manager; the strip defaults to the simulation driver.
func New(opts Options) *Manager {
	if opts.Strip == nil {
		opts.Strip = &drivers.SimLEDStrip{}
	}
	m := &Manager{
		cfg:     opts.Config,
		strip:   opts.Strip,
		states:  opts.States,
		library: NewLibrary(),
	}
	m.Base = module.NewBase(module.Options{
		Name:            "leds",
		Bus:             opts.Bus,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
		QueueCapacity:   opts.QueueCapacity,
		DefaultDeadline: opts.DefaultDeadline,
		Hooks: module.Hooks{
			OnInit: func(ctx context.Context) error {
				return m.strip.SetBrightness(m.cfg.Brightness)
			},
			OnStart: func(ctx context.Context) error {
				if m.cfg.ContextColors && m.states != nil {
					m.cbHandle = m.states.OnState(state.StateIdle, m.onStateEntered)
					for s := range contextColors {
						if s != state.StateIdle {
							m.states.OnState(s, m.onStateEntered)
						}
					}
				}
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return m.strip.Off()
			},
			Execute:     m.execute,
			OnEmergency: m.cancelCurrent,
		},
	})
	return m
}

// onStateEntered applies the context color for the new state at NORMAL
// priority so any externally submitted HIGH command wins.
func (m *Manager) onStateEntered(from, to state.RobotState) {
	cc, ok := contextColors[to]
	if !ok {
		return
	}
	cmd := command.New(KindPattern, command.Normal, map[string]any{
		"name":       cc.pattern,
		"color":      cc.color.Hex(),
		"duration_s": 0.0, // run until replaced
		"context":    true,
	})
	cmd.Deadline = ambientDeadline
	if _, err := m.Submit(cmd); err != nil {
		m.Logger().Debug("context color dropped", "state", string(to), "err", err)
		return
	}
	// A context color always replaces the previous context color; it never
	// preempts an externally submitted pattern.
	m.preemptMu.Lock()
	if m.preempt != nil && m.curContext {
		m.preempt()
	}
	m.preemptMu.Unlock()
}

// ambientDeadline bounds "until replaced" commands far beyond any session.
const ambientDeadline = 24 * time.Hour

// commandDeadline leaves slack beyond the requested play time; unbounded
// commands get the ambient deadline instead of the worker default.
func commandDeadline(d time.Duration) time.Duration {
	if d <= 0 {
		return ambientDeadline
	}
	return d + 5*time.Second
}

// SetColor enqueues a solid color for the given duration (0 = until
// replaced).
func (m *Manager) SetColor(color RGB, d time.Duration, prio command.Priority, correlation string) (uint64, error) {
	cmd := command.New(KindColor, prio, map[string]any{"color": color.Hex(), "duration_s": d.Seconds()})
	cmd.Correlation = correlation
	cmd.Deadline = commandDeadline(d)
	return m.submitExternal(cmd)
}

// PlayPattern enqueues a named pattern.
func (m *Manager) PlayPattern(name string, color *RGB, d time.Duration, prio command.Priority, correlation string) (uint64, error) {
	if _, ok := m.library.Get(name); !ok {
		return 0, fmt.Errorf("unknown pattern %q", name)
	}
	payload := map[string]any{"name": name, "duration_s": d.Seconds()}
	if color != nil {
		payload["color"] = color.Hex()
	}
	cmd := command.New(KindPattern, prio, payload)
	cmd.Correlation = correlation
	cmd.Deadline = commandDeadline(d)
	return m.submitExternal(cmd)
}

// Flash enqueues a bounded blink sequence.
func (m *Manager) Flash(color RGB, count int, interval time.Duration, prio command.Priority, correlation string) (uint64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("flash: count must be positive")
	}
	cmd := command.New(KindFlash, prio, map[string]any{
		"color":      color.Hex(),
		"count":      count,
		"interval_s": interval.Seconds(),
	})
	cmd.Correlation = correlation
	cmd.Deadline = commandDeadline(2 * time.Duration(count) * interval)
	return m.submitExternal(cmd)
}

// Rainbow enqueues the hue cycle for d (0 = until replaced).
func (m *Manager) Rainbow(d time.Duration, prio command.Priority, correlation string) (uint64, error) {
	cmd := command.New(KindRainbow, prio, map[string]any{"duration_s": d.Seconds()})
	cmd.Correlation = correlation
	cmd.Deadline = commandDeadline(d)
	return m.submitExternal(cmd)
}

// Off turns the strip off at HIGH priority.
func (m *Manager) Off(correlation string) (uint64, error) {
	cmd := command.New(KindOff, command.High, nil)
	cmd.Correlation = correlation
	return m.submitExternal(cmd)
}

// SetBrightness enqueues a brightness change [0..1].
func (m *Manager) SetBrightness(level float64, correlation string) (uint64, error) {
	if level < 0 || level > 1 {
		return 0, fmt.Errorf("brightness %.2f outside [0, 1]", level)
	}
	cmd := command.New(KindBrightness, command.High, map[string]any{"level": level})
	cmd.Correlation = correlation
	return m.submitExternal(cmd)
}

// PatternNames lists the library.
func (m *Manager) PatternNames() []string { return m.library.Names() }

// submitExternal preempts the running pattern when the new command outranks
// it; NORMAL and below wait for the current pattern to finish.
func (m *Manager) submitExternal(cmd command.Command) (uint64, error) {
	id, err := m.Submit(cmd)
	if err != nil {
		return 0, err
	}
	m.preemptMu.Lock()
	if m.preempt != nil {
		// HIGH and above preempts anything below HIGH; ambient context
		// patterns yield to any external command.
		if (cmd.Priority >= command.High && m.curPrio < command.High) || m.curContext {
			m.preempt()
		}
	}
	m.preemptMu.Unlock()
	return id, nil
}

func (m *Manager) cancelCurrent() {
	m.preemptMu.Lock()
	if m.preempt != nil {
		m.preempt()
	}
	m.preemptMu.Unlock()
}

func (m *Manager) execute(ctx context.Context, cmd command.Command) (map[string]any, error) {
	// Register a preemption hook for the duration of this command.
	pctx, cancel := context.WithCancel(ctx)
	m.preemptMu.Lock()
	m.preempt = cancel
	m.curPrio = cmd.Priority
	m.curContext = cmd.Payload["context"] == true
	m.preemptMu.Unlock()
	defer func() {
		m.preemptMu.Lock()
		m.preempt = nil
		m.preemptMu.Unlock()
		cancel()
	}()

	switch cmd.Kind {
	case KindColor:
		return m.execColor(pctx, cmd)
	case KindPattern:
		return m.execPattern(pctx, cmd)
	case KindFlash:
		return m.execFlash(pctx, cmd)
	case KindRainbow:
		return m.runPattern(pctx, "rainbow", nil, durationFromPayload(cmd), cmd)
	case KindOff:
		return map[string]any{"off": true}, m.strip.Off()
	case KindBrightness:
		level, _ := cmd.Payload["level"].(float64)
		if err := m.strip.SetBrightness(level); err != nil {
			return nil, err
		}
		return map[string]any{"brightness": level}, nil
	default:
		return nil, fmt.Errorf("leds: unknown command kind %q", cmd.Kind)
	}
}

func (m *Manager) execColor(ctx context.Context, cmd command.Command) (map[string]any, error) {
	color, err := colorFromPayload(cmd, RGB{255, 255, 255})
	if err != nil {
		return nil, err
	}
	if err := m.strip.SetColor(color.R, color.G, color.B); err != nil {
		return nil, err
	}
	d := durationFromPayload(cmd)
	if d > 0 {
		select {
		case <-time.After(d):
			_ = m.strip.Off()
		case <-ctx.Done():
		}
	}
	return map[string]any{"color": color.Hex()}, nil
}

func (m *Manager) execPattern(ctx context.Context, cmd command.Command) (map[string]any, error) {
	name, _ := cmd.Payload["name"].(string)
	var colorOverride *RGB
	if _, ok := cmd.Payload["color"]; ok {
		c, err := colorFromPayload(cmd, RGB{})
		if err != nil {
			return nil, err
		}
		colorOverride = &c
	}
	return m.runPattern(ctx, name, colorOverride, durationFromPayload(cmd), cmd)
}

func (m *Manager) execFlash(ctx context.Context, cmd command.Command) (map[string]any, error) {
	color, err := colorFromPayload(cmd, RGB{255, 0, 0})
	if err != nil {
		return nil, err
	}
	count := intFromPayload(cmd.Payload["count"])
	intervalS, _ := cmd.Payload["interval_s"].(float64)
	interval := time.Duration(intervalS * float64(time.Second))
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	for i := 0; i < count; i++ {
		if err := m.strip.SetColor(color.R, color.G, color.B); err != nil {
			return nil, err
		}
		if !sleepCtx(ctx, interval) {
			return map[string]any{"flashes": i, "preempted": true}, nil
		}
		if err := m.strip.Off(); err != nil {
			return nil, err
		}
		if !sleepCtx(ctx, interval) {
			return map[string]any{"flashes": i, "preempted": true}, nil
		}
	}
	return map[string]any{"flashes": count, "color": color.Hex()}, nil
}

// runPattern samples the generator at the configured rate until the duration
// elapses (0 = until preempted).
func (m *Manager) runPattern(ctx context.Context, name string, override *RGB, d time.Duration, cmd command.Command) (map[string]any, error) {
	p, ok := m.library.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown pattern %q", name)
	}
	params := p.Defaults
	if override != nil {
		params.Color = *override
	}
	rate := m.cfg.SampleRateHz
	if rate < 20 {
		rate = 20
	}
	tick := time.Second / time.Duration(rate)
	start := time.Now()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		elapsed := time.Since(start)
		if d > 0 && elapsed >= d {
			return map[string]any{"pattern": name, "duration_s": elapsed.Seconds()}, nil
		}
		c := p.Generate(elapsed, params)
		if err := m.strip.SetColor(c.R, c.G, c.B); err != nil {
			return nil, err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			// Preemption or shutdown ends the pattern cleanly; the command
			// still completed from the caller's perspective.
			return map[string]any{"pattern": name, "preempted": true}, nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func colorFromPayload(cmd command.Command, fallback RGB) (RGB, error) {
	raw, ok := cmd.Payload["color"].(string)
	if !ok || raw == "" {
		return fallback, nil
	}
	return ParseHexColor(raw)
}

func durationFromPayload(cmd command.Command) time.Duration {
	s, _ := cmd.Payload["duration_s"].(float64)
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func intFromPayload(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

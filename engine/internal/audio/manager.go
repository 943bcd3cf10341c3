// Package audio implements the speech manager: TTS playback, speech
// recognition and volume control over the vendor audio stack.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"servo/engine/config"
	"servo/engine/internal/command"
	"servo/engine/internal/drivers"
	"servo/engine/internal/events"
	"servo/engine/internal/state"
	"servo/engine/internal/telemetry/metrics"
	"servo/engine/module"
)

// Command kinds accepted by the audio worker. Terminal events derive from
// these names (tts_completed, asr_error, ...).
const (
	KindTTS       = "tts"
	KindASR       = "asr"
	KindSetVolume = "set_volume"
	KindGetVolume = "get_volume"
	KindStop      = "stop"
)

// Options wires the manager's collaborators.
type Options struct {
	Config  config.AudioConfig
	TTS     drivers.TTS
	ASR     drivers.ASR
	Device  drivers.AudioDevice
	Bus     events.Bus
	States  *state.Machine
	Logger  *slog.Logger
	Metrics metrics.Provider

	QueueCapacity   int
	DefaultDeadline time.Duration
}

// Manager owns the audio actuator. All requests flow through the single
// command worker so the device is never double-driven.
type Manager struct {
	*module.Base
	cfg    config.AudioConfig
	tts    *ttsEngine
	asr    *asrEngine
	device drivers.AudioDevice
	states *state.Machine
}

// New builds the audio manager; drivers default to the simulation stack.
func New(opts Options) *Manager {
	if opts.TTS == nil {
		opts.TTS = &drivers.SimTTS{}
	}
	if opts.ASR == nil {
		opts.ASR = &drivers.SimASR{}
	}
	if opts.Device == nil {
		opts.Device = drivers.NewSimAudioDevice(opts.Config.Volume)
	}
	m := &Manager{
		cfg:    opts.Config,
		device: opts.Device,
		states: opts.States,
	}
	m.Base = module.NewBase(module.Options{
		Name:            "audio",
		Bus:             opts.Bus,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
		QueueCapacity:   opts.QueueCapacity,
		DefaultDeadline: opts.DefaultDeadline,
		Hooks: module.Hooks{
			OnInit: func(ctx context.Context) error {
				m.tts = newTTSEngine(opts.TTS)
				m.asr = newASREngine(opts.ASR)
				return m.device.SetVolume(m.cfg.Volume)
			},
			OnStart: func(ctx context.Context) error {
				m.tts.start()
				m.asr.start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				m.tts.stop()
				m.asr.stop()
				return nil
			},
			Execute:     m.execute,
			OnEmergency: func() { _ = m.device.StopPlayback() },
		},
	})
	return m
}

// Speak enqueues a synthesis request.
func (m *Manager) Speak(text, voice string, prio command.Priority, correlation string) (uint64, error) {
	if text == "" {
		return 0, fmt.Errorf("speak: empty text")
	}
	if voice == "" {
		voice = m.cfg.TTS.Voice
	}
	cmd := command.New(KindTTS, prio, map[string]any{"text": text, "voice": voice})
	cmd.Correlation = correlation
	return m.Submit(cmd)
}

// Listen enqueues a recognition window.
func (m *Manager) Listen(window time.Duration, correlation string) (uint64, error) {
	if window <= 0 {
		return 0, fmt.Errorf("listen: non-positive window")
	}
	cmd := command.New(KindASR, command.Normal, map[string]any{"window_s": window.Seconds()})
	cmd.Correlation = correlation
	// Leave slack beyond the capture window before declaring a timeout.
	cmd.Deadline = window + 5*time.Second
	return m.Submit(cmd)
}

// SetVolume enqueues a volume change [0..100].
func (m *Manager) SetVolume(percent int, correlation string) (uint64, error) {
	if percent < 0 || percent > 100 {
		return 0, fmt.Errorf("volume %d outside [0, 100]", percent)
	}
	cmd := command.New(KindSetVolume, command.High, map[string]any{"volume": percent})
	cmd.Correlation = correlation
	return m.Submit(cmd)
}

// Volume reads the device volume directly; reads do not queue.
func (m *Manager) Volume() (int, error) { return m.device.Volume() }

// StopSpeech enqueues a HIGH-priority stop that halts device playback when
// the worker reaches it. Queued speech is not discarded.
func (m *Manager) StopSpeech(correlation string) (uint64, error) {
	cmd := command.New(KindStop, command.High, nil)
	cmd.Correlation = correlation
	return m.Submit(cmd)
}

func (m *Manager) execute(ctx context.Context, cmd command.Command) (map[string]any, error) {
	switch cmd.Kind {
	case KindTTS:
		return m.execSpeak(ctx, cmd)
	case KindASR:
		return m.execListen(ctx, cmd)
	case KindSetVolume:
		return m.execSetVolume(ctx, cmd)
	case KindGetVolume:
		v, err := m.device.Volume()
		if err != nil {
			return nil, err
		}
		return map[string]any{"volume": v}, nil
	case KindStop:
		return nil, m.device.StopPlayback()
	default:
		return nil, fmt.Errorf("audio: unknown command kind %q", cmd.Kind)
	}
}

func (m *Manager) execSpeak(ctx context.Context, cmd command.Command) (map[string]any, error) {
	text, _ := cmd.Payload["text"].(string)
	voice, _ := cmd.Payload["voice"].(string)
	m.requestState(state.StateSpeaking)
	defer m.releaseState(state.StateSpeaking)
	if err := m.tts.speak(ctx, text, voice, m.cfg.TTS.Speed); err != nil {
		return nil, err
	}
	return map[string]any{"text": text, "voice": voice}, nil
}

func (m *Manager) execListen(ctx context.Context, cmd command.Command) (map[string]any, error) {
	windowS, _ := cmd.Payload["window_s"].(float64)
	window := time.Duration(windowS * float64(time.Second))
	m.requestState(state.StateListening)
	defer m.releaseState(state.StateListening)
	tr, err := m.asr.listen(ctx, window)
	if err != nil {
		return map[string]any{"success": false}, err
	}
	success := tr.Confidence >= m.cfg.ASR.MinConfidence && tr.Text != ""
	return map[string]any{
		"success":    success,
		"text":       tr.Text,
		"confidence": tr.Confidence,
		"language":   tr.Language,
	}, nil
}

func (m *Manager) execSetVolume(ctx context.Context, cmd command.Command) (map[string]any, error) {
	percent := intFromPayload(cmd.Payload["volume"])
	if err := m.device.SetVolume(percent); err != nil {
		return nil, err
	}
	if bus := m.Bus(); bus != nil {
		_ = bus.Publish(events.Event{
			Type:        events.TypeVolumeChanged,
			Source:      "audio",
			Correlation: cmd.Correlation,
			Payload:     map[string]any{"volume": percent},
		})
	}
	return map[string]any{"volume": percent}, nil
}

// requestState asks the machine for an interaction state; rejections are
// expected (e.g. speaking while IDLE) and ignored.
func (m *Manager) requestState(s state.RobotState) {
	if m.states == nil {
		return
	}
	_ = m.states.Transition(s, map[string]any{"source": "audio"})
}

// releaseState returns to ACTIVE only if we still hold the interaction state.
func (m *Manager) releaseState(s state.RobotState) {
	if m.states == nil || m.states.Current() != s {
		return
	}
	if err := m.states.Transition(state.StateActive, map[string]any{"source": "audio"}); err != nil {
		_ = m.states.Transition(state.StateIdle, map[string]any{"source": "audio"})
	}
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

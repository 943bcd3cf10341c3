// Package video implements camera capture and streaming control. Frames are
// pulled on a capture goroutine at the configured rate; command flow stays on
// the single worker like every other actuator.
package video

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"servo/engine/config"
	"servo/engine/internal/command"
	"servo/engine/internal/drivers"
	"servo/engine/internal/events"
	"servo/engine/internal/telemetry/metrics"
	"servo/engine/module"
)

// Command kinds accepted by the video worker.
const (
	KindStartCapture = "capture_start"
	KindStopCapture  = "capture_stop"
	KindSnapshot     = "snapshot"
	KindStartStream  = "stream_start"
	KindStopStream   = "stream_stop"
)

// Options wires the manager's collaborators.
type Options struct {
	Config  config.VideoConfig
	Camera  drivers.Camera
	Bus     events.Bus
	Logger  *slog.Logger
	Metrics metrics.Provider

	QueueCapacity   int
	DefaultDeadline time.Duration
}

// Manager owns the camera.
type Manager struct {
	*module.Base
	cfg    config.VideoConfig
	camera drivers.Camera

	mu            sync.Mutex
	capturing     bool
	streaming     bool
	captureCancel context.CancelFunc
	captureDone   chan struct{}

	frames  atomic.Uint64
	dropped atomic.Uint64
}

// New builds the video manager; the camera defaults to the simulation driver.
func New(opts Options) *Manager {
	if opts.Camera == nil {
		opts.Camera = &drivers.SimCamera{}
	}
	m := &Manager{cfg: opts.Config, camera: opts.Camera}
	m.Base = module.NewBase(module.Options{
		Name:            "video",
		Bus:             opts.Bus,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
		QueueCapacity:   opts.QueueCapacity,
		DefaultDeadline: opts.DefaultDeadline,
		Hooks: module.Hooks{
			OnStop: func(ctx context.Context) error {
				m.stopCapture()
				return nil
			},
			OnCleanup:   func() { _ = m.camera.Close() },
			Execute:     m.execute,
			OnEmergency: m.stopCapture,
		},
	})
	return m
}

// StartCapture enqueues a capture start.
func (m *Manager) StartCapture(correlation string) (uint64, error) {
	cmd := command.New(KindStartCapture, command.Normal, nil)
	cmd.Correlation = correlation
	return m.Submit(cmd)
}

// StopCapture enqueues a capture stop.
func (m *Manager) StopCapture(correlation string) (uint64, error) {
	cmd := command.New(KindStopCapture, command.Normal, nil)
	cmd.Correlation = correlation
	return m.Submit(cmd)
}

// Snapshot enqueues a single-frame grab.
func (m *Manager) Snapshot(correlation string) (uint64, error) {
	cmd := command.New(KindSnapshot, command.High, nil)
	cmd.Correlation = correlation
	return m.Submit(cmd)
}

// StartStream enqueues a streaming start; capture starts implicitly.
func (m *Manager) StartStream(quality, correlation string) (uint64, error) {
	if quality == "" {
		quality = m.cfg.Streaming.Quality
	}
	switch quality {
	case "low", "medium", "high":
	default:
		return 0, fmt.Errorf("unknown stream quality %q", quality)
	}
	cmd := command.New(KindStartStream, command.Normal, map[string]any{"quality": quality})
	cmd.Correlation = correlation
	return m.Submit(cmd)
}

// StopStream enqueues a streaming stop.
func (m *Manager) StopStream(correlation string) (uint64, error) {
	cmd := command.New(KindStopStream, command.Normal, nil)
	cmd.Correlation = correlation
	return m.Submit(cmd)
}

// Capturing reports whether the capture loop is running.
func (m *Manager) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing
}

// Streaming reports whether streaming is enabled.
func (m *Manager) Streaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming
}

// FrameCount reports total captured frames.
func (m *Manager) FrameCount() uint64 { return m.frames.Load() }

func (m *Manager) execute(ctx context.Context, cmd command.Command) (map[string]any, error) {
	switch cmd.Kind {
	case KindStartCapture:
		if err := m.startCapture(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"capturing": true}, nil
	case KindStopCapture:
		m.stopCapture()
		return map[string]any{"capturing": false}, nil
	case KindSnapshot:
		frame, err := m.camera.Frame(ctx)
		if err != nil {
			return nil, err
		}
		m.frames.Add(1)
		return map[string]any{"bytes": len(frame)}, nil
	case KindStartStream:
		if err := m.startCapture(ctx); err != nil {
			return nil, err
		}
		quality, _ := cmd.Payload["quality"].(string)
		m.mu.Lock()
		m.streaming = true
		m.mu.Unlock()
		return map[string]any{"streaming": true, "quality": quality, "port": m.cfg.Streaming.Port}, nil
	case KindStopStream:
		m.mu.Lock()
		m.streaming = false
		m.mu.Unlock()
		return map[string]any{"streaming": false}, nil
	default:
		return nil, fmt.Errorf("video: unknown command kind %q", cmd.Kind)
	}
}

func (m *Manager) startCapture(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capturing {
		return nil
	}
	if err := m.camera.Open(ctx); err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.captureCancel = cancel
	m.captureDone = make(chan struct{})
	m.capturing = true
	go m.captureLoop(loopCtx, m.captureDone)
	return nil
}

func (m *Manager) stopCapture() {
	m.mu.Lock()
	if !m.capturing {
		m.mu.Unlock()
		return
	}
	cancel := m.captureCancel
	done := m.captureDone
	m.capturing = false
	m.streaming = false
	m.mu.Unlock()

	cancel()
	<-done
	_ = m.camera.Close()
}

func (m *Manager) captureLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	fps := m.cfg.FPS
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := m.camera.Frame(ctx); err != nil {
				m.dropped.Add(1)
				continue
			}
			m.frames.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

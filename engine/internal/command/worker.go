package command

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"servo/engine/internal/events"
	"servo/engine/internal/telemetry/metrics"
)

// ErrEmergencyActive rejects non-emergency commands while an emergency stop
// is latched.
var ErrEmergencyActive = errors.New("emergency stop active")

// ErrDeadlineExceeded marks a command that ran past its deadline.
var ErrDeadlineExceeded = errors.New("command deadline exceeded")

// Executor runs one command against the actuator. It must honor ctx
// cancellation; the returned payload is attached to the terminal event.
type Executor func(ctx context.Context, cmd Command) (map[string]any, error)

// Stats is a point-in-time view of worker accounting.
type Stats struct {
	Total    uint64  `json:"total"`
	Errors   uint64  `json:"errors"`
	Flushed  uint64  `json:"flushed"`
	InFlight int32   `json:"in_flight"`
	Health   float64 `json:"health"`
}

// Worker drains a queue with a single goroutine, guaranteeing at most one
// in-flight command per actuator. Terminal events ("<kind>_completed" or
// "<kind>_error") are published for every executed command.
type Worker struct {
	name            string
	queue           *Queue
	exec            Executor
	bus             events.Bus
	logger          *slog.Logger
	defaultDeadline time.Duration

	emergency atomic.Bool
	total     atomic.Uint64
	errors    atomic.Uint64
	flushed   atomic.Uint64
	inFlight  atomic.Int32

	cancelMu      sync.Mutex
	cancelCurrent context.CancelFunc

	mExecuted metrics.Counter
	mFailed   metrics.Counter
	mLatency  metrics.Histogram

	done chan struct{}
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Name            string
	Queue           *Queue
	Execute         Executor
	Bus             events.Bus
	Logger          *slog.Logger
	DefaultDeadline time.Duration
	Metrics         metrics.Provider
}

// NewWorker wires a worker; Run must be called exactly once.
func NewWorker(opts WorkerOptions) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dl := opts.DefaultDeadline
	if dl <= 0 {
		dl = 30 * time.Second
	}
	w := &Worker{
		name:            opts.Name,
		queue:           opts.Queue,
		exec:            opts.Execute,
		bus:             opts.Bus,
		logger:          logger.With("component", "worker", "manager", opts.Name),
		defaultDeadline: dl,
		done:            make(chan struct{}),
	}
	if opts.Metrics != nil {
		w.mExecuted = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "servo", Subsystem: "worker", Name: "commands_total", Help: "Commands executed", Labels: []string{"manager", "kind"}}})
		w.mFailed = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "servo", Subsystem: "worker", Name: "command_errors_total", Help: "Command failures", Labels: []string{"manager", "kind"}}})
		w.mLatency = opts.Metrics.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{Namespace: "servo", Subsystem: "worker", Name: "command_seconds", Help: "Command execution latency", Labels: []string{"manager"}}})
	}
	return w
}

// Run drains the queue until ctx is cancelled or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		cmd, err := w.queue.Next(ctx)
		if err != nil {
			return
		}
		w.execute(ctx, cmd)
	}
}

// Wait blocks until Run has returned.
func (w *Worker) Wait() { <-w.done }

func (w *Worker) execute(parent context.Context, cmd Command) {
	if w.emergency.Load() && cmd.Priority < Emergency {
		w.flushed.Add(1)
		w.finish(cmd, nil, ErrEmergencyActive, 0)
		return
	}

	deadline := cmd.Deadline
	if deadline <= 0 {
		deadline = w.defaultDeadline
	}
	ctx, cancel := context.WithTimeout(parent, deadline)
	w.cancelMu.Lock()
	w.cancelCurrent = cancel
	w.cancelMu.Unlock()

	w.inFlight.Add(1)
	start := time.Now()
	payload, err := w.exec(ctx, cmd)
	elapsed := time.Since(start)
	w.inFlight.Add(-1)

	w.cancelMu.Lock()
	w.cancelCurrent = nil
	w.cancelMu.Unlock()
	cancel()

	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = ErrDeadlineExceeded
	}
	w.total.Add(1)
	if w.mExecuted != nil {
		w.mExecuted.Inc(1, w.name, cmd.Kind)
	}
	if w.mLatency != nil {
		w.mLatency.Observe(elapsed.Seconds(), w.name)
	}
	if err != nil {
		w.errors.Add(1)
		if w.mFailed != nil {
			w.mFailed.Inc(1, w.name, cmd.Kind)
		}
	}
	w.finish(cmd, payload, err, elapsed)
}

func (w *Worker) finish(cmd Command, payload map[string]any, err error, elapsed time.Duration) {
	if cmd.Done != nil {
		cmd.Done(err)
	}
	if w.bus == nil {
		return
	}
	ev := events.Event{
		Source:      w.name,
		Correlation: cmd.Correlation,
		Payload:     map[string]any{"command_id": cmd.ID, "kind": cmd.Kind, "priority": cmd.Priority.String()},
	}
	for k, v := range payload {
		ev.Payload[k] = v
	}
	if err == nil {
		ev.Type = cmd.Kind + "_completed"
		ev.Payload["duration_s"] = elapsed.Seconds()
	} else {
		ev.Type = cmd.Kind + "_error"
		ev.Payload["error"] = err.Error()
		switch {
		case errors.Is(err, ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
			ev.Payload["reason"] = "timeout"
		case errors.Is(err, ErrEmergencyActive) || errors.Is(err, context.Canceled):
			ev.Payload["reason"] = "emergency"
		default:
			ev.Payload["reason"] = "failure"
		}
		w.logger.Warn("command failed", "kind", cmd.Kind, "id", cmd.ID, "err", err)
	}
	_ = w.bus.Publish(ev)
}

// EmergencyStop latches emergency mode: the in-flight command is cancelled,
// pending non-emergency commands are flushed, and until Resume only
// EMERGENCY/SYSTEM priorities execute.
func (w *Worker) EmergencyStop() {
	w.emergency.Store(true)
	w.cancelMu.Lock()
	if w.cancelCurrent != nil {
		w.cancelCurrent()
	}
	w.cancelMu.Unlock()
	n := w.queue.Flush(Emergency)
	w.flushed.Add(uint64(n))
	w.logger.Warn("emergency stop", "flushed", n)
}

// Resume clears emergency mode.
func (w *Worker) Resume() { w.emergency.Store(false) }

// EmergencyActive reports whether emergency mode is latched.
func (w *Worker) EmergencyActive() bool { return w.emergency.Load() }

// Stats returns current accounting including the derived health score.
func (w *Worker) Stats() Stats {
	return Stats{
		Total:    w.total.Load(),
		Errors:   w.errors.Load(),
		Flushed:  w.flushed.Load(),
		InFlight: w.inFlight.Load(),
		Health:   w.Health(),
	}
}

// Health maps the error rate onto the coarse health scale used by the
// orchestrator: <10% errors is healthy, <30% degraded, anything worse failing.
func (w *Worker) Health() float64 {
	total := w.total.Load()
	if total == 0 {
		return 1.0
	}
	rate := float64(w.errors.Load()) / float64(total)
	switch {
	case rate < 0.1:
		return 1.0
	case rate < 0.3:
		return 0.7
	default:
		return 0.3
	}
}

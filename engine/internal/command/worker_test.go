package command

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servo/engine/internal/events"
)

func startWorker(t *testing.T, opts WorkerOptions) (*Worker, context.CancelFunc) {
	t.Helper()
	if opts.Queue == nil {
		opts.Queue = NewQueue(64)
	}
	w := NewWorker(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() { cancel(); w.Wait() })
	return w, cancel
}

func waitEvent(t *testing.T, sub events.Subscription, timeout time.Duration) events.Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestWorkerEmitsTerminalEvents(t *testing.T) {
	bus := events.NewBus(nil)
	sub, _ := bus.Subscribe(16, "speak_completed", "speak_error")
	q := NewQueue(16)
	startWorker(t, WorkerOptions{
		Name:  "audio",
		Queue: q,
		Bus:   bus,
		Execute: func(ctx context.Context, cmd Command) (map[string]any, error) {
			if cmd.Payload["fail"] == true {
				return nil, errors.New("driver fault")
			}
			return map[string]any{"text": cmd.Payload["text"]}, nil
		},
	})

	cmd := New("speak", Normal, map[string]any{"text": "hello"})
	cmd.Correlation = "req-1"
	_, err := q.Submit(cmd)
	require.NoError(t, err)
	ev := waitEvent(t, sub, time.Second)
	assert.Equal(t, "speak_completed", ev.Type)
	assert.Equal(t, "hello", ev.Payload["text"])
	assert.Equal(t, "req-1", ev.Correlation)
	assert.Equal(t, "audio", ev.Source)

	_, err = q.Submit(New("speak", Normal, map[string]any{"fail": true}))
	require.NoError(t, err)
	ev = waitEvent(t, sub, time.Second)
	assert.Equal(t, "speak_error", ev.Type)
	assert.Equal(t, "failure", ev.Payload["reason"])
}

func TestWorkerSingleInFlight(t *testing.T) {
	var concurrent, maxSeen atomic.Int32
	q := NewQueue(64)
	startWorker(t, WorkerOptions{
		Name:  "motion",
		Queue: q,
		Execute: func(ctx context.Context, cmd Command) (map[string]any, error) {
			cur := concurrent.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			concurrent.Add(-1)
			return nil, nil
		},
	})

	var doneCount atomic.Int32
	for i := 0; i < 20; i++ {
		cmd := New("move", Normal, nil)
		cmd.Done = func(error) { doneCount.Add(1) }
		_, err := q.Submit(cmd)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return doneCount.Load() == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxSeen.Load(), "at most one execute call at any instant")
}

func TestWorkerDeadlineProducesTimeoutEvent(t *testing.T) {
	bus := events.NewBus(nil)
	sub, _ := bus.Subscribe(4, "slow_error")
	q := NewQueue(4)
	startWorker(t, WorkerOptions{
		Name:  "test",
		Queue: q,
		Bus:   bus,
		Execute: func(ctx context.Context, cmd Command) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	cmd := New("slow", Normal, nil)
	cmd.Deadline = 20 * time.Millisecond
	_, err := q.Submit(cmd)
	require.NoError(t, err)
	ev := waitEvent(t, sub, time.Second)
	assert.Equal(t, "slow_error", ev.Type)
	assert.Equal(t, "timeout", ev.Payload["reason"])
}

func TestEmergencyStopAbortsInFlightAndFlushes(t *testing.T) {
	bus := events.NewBus(nil)
	sub, _ := bus.Subscribe(8, "move_error")
	q := NewQueue(64)
	started := make(chan struct{})
	w, _ := startWorker(t, WorkerOptions{
		Name:  "motion",
		Queue: q,
		Bus:   bus,
		Execute: func(ctx context.Context, cmd Command) (map[string]any, error) {
			if cmd.Kind == "move" {
				select {
				case started <- struct{}{}:
				default:
				}
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return nil, nil
		},
	})

	cmd := New("move", Normal, nil)
	cmd.Deadline = 5 * time.Second
	_, err := q.Submit(cmd)
	require.NoError(t, err)
	<-started
	// Queue more work behind the in-flight command.
	_, _ = q.Submit(New("move", Normal, nil))
	_, _ = q.Submit(New("move", Low, nil))

	deadline := time.Now().Add(500 * time.Millisecond)
	w.EmergencyStop()
	ev := waitEvent(t, sub, time.Second)
	assert.Equal(t, "move_error", ev.Type)
	assert.Equal(t, "emergency", ev.Payload["reason"])
	assert.True(t, time.Now().Before(deadline), "abort event within the 500ms budget")
	assert.Zero(t, q.Len(), "queue flushed")
	assert.True(t, w.EmergencyActive())
}

func TestEmergencyModeRejectsUntilResume(t *testing.T) {
	executed := make(chan string, 8)
	q := NewQueue(16)
	w, _ := startWorker(t, WorkerOptions{
		Name:  "leds",
		Queue: q,
		Execute: func(ctx context.Context, cmd Command) (map[string]any, error) {
			executed <- cmd.Kind
			return nil, nil
		},
	})

	w.EmergencyStop()

	rejected := make(chan error, 1)
	cmd := New("color", Normal, nil)
	cmd.Done = func(err error) { rejected <- err }
	_, err := q.Submit(cmd)
	require.NoError(t, err)
	assert.ErrorIs(t, <-rejected, ErrEmergencyActive)

	_, err = q.Submit(New("off", Emergency, nil))
	require.NoError(t, err)
	assert.Equal(t, "off", <-executed)

	w.Resume()
	_, err = q.Submit(New("color", Normal, nil))
	require.NoError(t, err)
	assert.Equal(t, "color", <-executed)
}

func TestWorkerHealthMapping(t *testing.T) {
	q := NewQueue(64)
	w, _ := startWorker(t, WorkerOptions{
		Name:  "health",
		Queue: q,
		Execute: func(ctx context.Context, cmd Command) (map[string]any, error) {
			if cmd.Payload["fail"] == true {
				return nil, errors.New("nope")
			}
			return nil, nil
		},
	})
	assert.Equal(t, 1.0, w.Health(), "no samples means healthy")

	run := func(fail bool) {
		done := make(chan error, 1)
		cmd := New("op", Normal, map[string]any{"fail": fail})
		cmd.Done = func(err error) { done <- err }
		_, err := q.Submit(cmd)
		require.NoError(t, err)
		<-done
	}
	for i := 0; i < 8; i++ {
		run(false)
	}
	run(true)
	run(true)
	// 2 failures in 10 -> 20% error rate -> degraded.
	assert.Equal(t, 0.7, w.Health())
	for i := 0; i < 4; i++ {
		run(true)
	}
	// 6 failures in 14 -> failing.
	assert.Equal(t, 0.3, w.Health())
}

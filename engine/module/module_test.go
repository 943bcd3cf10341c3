package module

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servo/engine/internal/command"
)

func newTestBase(name string, hooks Hooks) *Base {
	if hooks.Execute == nil {
		hooks.Execute = func(ctx context.Context, cmd command.Command) (map[string]any, error) {
			return nil, nil
		}
	}
	return NewBase(Options{Name: name, Hooks: hooks, QueueCapacity: 8, DefaultDeadline: time.Second})
}

func TestLifecycleOrderEnforced(t *testing.T) {
	b := newTestBase("m", Hooks{})
	ctx := context.Background()
	require.Error(t, b.Start(ctx), "start before initialize must fail")
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Stop(ctx))
	b.Cleanup()
	st := b.Status()
	assert.False(t, st.Initialized)
	assert.False(t, st.Running)
	// Re-init after cleanup is allowed.
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Stop(ctx))
}

func TestIdempotentStartStop(t *testing.T) {
	var starts int
	b := newTestBase("m", Hooks{OnStart: func(ctx context.Context) error { starts++; return nil }})
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Start(ctx))
	before := b.Status()
	require.NoError(t, b.Start(ctx), "second start is a no-op")
	assert.Equal(t, 1, starts)
	assert.Equal(t, before.Running, b.Status().Running)

	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Stop(ctx), "second stop is a no-op")
}

func TestInitFailureReported(t *testing.T) {
	boom := errors.New("driver unavailable")
	b := newTestBase("m", Hooks{OnInit: func(ctx context.Context) error { return boom }})
	err := b.Initialize(context.Background())
	assert.ErrorIs(t, err, boom)
	st := b.Status()
	assert.False(t, st.Initialized)
	assert.Equal(t, boom.Error(), st.LastError)
}

func TestSubmitExecutesThroughWorker(t *testing.T) {
	executed := make(chan string, 1)
	b := newTestBase("m", Hooks{Execute: func(ctx context.Context, cmd command.Command) (map[string]any, error) {
		executed <- cmd.Kind
		return nil, nil
	}})
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Start(ctx))
	defer func() { _ = b.Stop(ctx) }()

	_, err := b.Submit(command.New("ping", command.Normal, nil))
	require.NoError(t, err)
	select {
	case kind := <-executed:
		assert.Equal(t, "ping", kind)
	case <-time.After(time.Second):
		t.Fatal("command never executed")
	}
}

func TestRegistryLifecycleAndOrder(t *testing.T) {
	var stopped []string
	mk := func(name string) *Base {
		return newTestBase(name, Hooks{OnStop: func(ctx context.Context) error {
			stopped = append(stopped, name)
			return nil
		}})
	}
	r := NewRegistry(nil)
	r.Register(mk("a"))
	r.Register(mk("b"))
	r.Register(mk("c"))

	ratio, failures := r.InitializeAll(context.Background())
	assert.Equal(t, 1.0, ratio)
	assert.Empty(t, failures)
	assert.Empty(t, r.StartAll(context.Background()))

	r.StopAll(context.Background())
	assert.Equal(t, []string{"c", "b", "a"}, stopped, "stop runs in reverse registration order")
	r.CleanupAll()
	for name, st := range r.Statuses() {
		assert.False(t, st.Initialized, name)
	}
}

func TestRegistryInitializeRatio(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newTestBase("ok1", Hooks{}))
	r.Register(newTestBase("ok2", Hooks{}))
	r.Register(newTestBase("ok3", Hooks{}))
	r.Register(newTestBase("bad", Hooks{OnInit: func(ctx context.Context) error { return errors.New("no device") }}))

	ratio, failures := r.InitializeAll(context.Background())
	assert.InDelta(t, 0.75, ratio, 1e-9)
	require.Len(t, failures, 1)
	assert.Contains(t, failures, "bad")
}

func TestRegistryEmergencyStopAll(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	for _, name := range []string{"audio", "motion", "leds"} {
		b := newTestBase(name, Hooks{})
		require.NoError(t, b.Initialize(ctx))
		require.NoError(t, b.Start(ctx))
		r.Register(b)
	}
	r.EmergencyStopAll()
	for _, name := range r.Names() {
		m, _ := r.Get(name)
		b := m.(*Base)
		assert.True(t, b.EmergencyActive(), name)
	}
	r.ResumeAll()
	for _, name := range r.Names() {
		m, _ := r.Get(name)
		assert.False(t, m.(*Base).EmergencyActive(), name)
	}
	r.StopAll(ctx)
}

package events

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servo/engine/internal/telemetry/metrics"
)

func collect(sub Subscription, n int, timeout time.Duration) []Event {
	out := make([]Event, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublishRequiresType(t *testing.T) {
	b := NewBus(nil)
	require.Error(t, b.Publish(Event{}))
	require.NoError(t, b.Publish(Event{Type: TypeStateChanged}))
}

func TestSubscribeByTypeFiltering(t *testing.T) {
	b := NewBus(nil)
	tts, err := b.Subscribe(8, TypeTTSCompleted)
	require.NoError(t, err)
	all, err := b.Subscribe(8, Wildcard)
	require.NoError(t, err)

	require.NoError(t, b.Publish(Event{Type: TypeTTSCompleted, Payload: map[string]any{"text": "hi"}}))
	require.NoError(t, b.Publish(Event{Type: TypeMotionStarted}))

	got := collect(tts, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, TypeTTSCompleted, got[0].Type)
	select {
	case ev := <-tts.C():
		t.Fatalf("unexpected event for filtered subscriber: %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Len(t, collect(all, 2, time.Second), 2)
}

func TestEmissionOrderPreservedPerSubscriber(t *testing.T) {
	b := NewBus(metrics.NewNoopProvider())
	sub, err := b.Subscribe(128, TypeModuleStatus)
	require.NoError(t, err)
	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(Event{Type: TypeModuleStatus, Payload: map[string]any{"seq": i}}))
	}
	got := collect(sub, n, time.Second)
	require.Len(t, got, n)
	for i, ev := range got {
		assert.Equal(t, i, ev.Payload["seq"])
	}
}

func TestSlowSubscriberDropsOldestOnly(t *testing.T) {
	b := NewBus(nil)
	slow, err := b.Subscribe(4, TypeModuleStatus)
	require.NoError(t, err)
	fast, err := b.Subscribe(64, TypeModuleStatus)
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(Event{Type: TypeModuleStatus, Payload: map[string]any{"seq": i}}))
	}

	// The fast subscriber sees everything, in order.
	fastGot := collect(fast, n, time.Second)
	require.Len(t, fastGot, n)

	// The slow subscriber keeps only the newest events, still in order.
	slowGot := collect(slow, 4, time.Second)
	require.Len(t, slowGot, 4)
	prev := -1
	for _, ev := range slowGot {
		seq := ev.Payload["seq"].(int)
		assert.Greater(t, seq, prev, "observed sequence must stay increasing")
		prev = seq
	}
	assert.Equal(t, n-1, prev, "newest event must survive the drops")

	stats := b.Stats()
	assert.Equal(t, uint64(n), stats.Published)
	assert.Equal(t, uint64(n-4), stats.Dropped)
	assert.Equal(t, uint64(n-4), stats.PerSubscriberDrops[slow.ID()])
	assert.Zero(t, stats.PerSubscriberDrops[fast.ID()])
}

func TestPublishNeverBlocksWithoutConsumers(t *testing.T) {
	b := NewBus(nil)
	_, err := b.Subscribe(1, Wildcard)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			_ = b.Publish(Event{Type: TypeSystemWarning, Payload: map[string]any{"i": strconv.Itoa(i)}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a saturated subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(nil)
	sub, err := b.Subscribe(1, Wildcard)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	_, ok := <-sub.C()
	assert.False(t, ok)
	// Publishing after unsubscribe must not panic.
	require.NoError(t, b.Publish(Event{Type: TypeStateChanged}))
	assert.Zero(t, b.Stats().Subscribers)
}

func TestEventTimeDefaulted(t *testing.T) {
	b := NewBus(nil)
	sub, _ := b.Subscribe(1, Wildcard)
	before := time.Now()
	require.NoError(t, b.Publish(Event{Type: TypeStateChanged}))
	got := collect(sub, 1, time.Second)
	require.Len(t, got, 1)
	assert.False(t, got[0].Time.Before(before))
}

package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrderingWithFIFOTies(t *testing.T) {
	q := NewQueue(32)
	ids := map[string]uint64{}
	submit := func(kind string, p Priority) {
		id, err := q.Submit(New(kind, p, nil))
		require.NoError(t, err)
		ids[kind] = id
	}
	submit("low_a", Low)
	submit("normal_a", Normal)
	submit("high_a", High)
	submit("normal_b", Normal)
	submit("emergency_a", Emergency)
	submit("system_a", System)
	submit("high_b", High)

	want := []string{"system_a", "emergency_a", "high_a", "high_b", "normal_a", "normal_b", "low_a"}
	for _, kind := range want {
		cmd, err := q.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, kind, cmd.Kind)
		assert.Equal(t, ids[kind], cmd.ID)
	}
}

func TestCommandIDsMonotone(t *testing.T) {
	q := NewQueue(16)
	var prev uint64
	for i := 0; i < 10; i++ {
		id, err := q.Submit(New("noop", Normal, nil))
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestNextBlocksUntilSubmit(t *testing.T) {
	q := NewQueue(4)
	got := make(chan Command, 1)
	go func() {
		cmd, err := q.Next(context.Background())
		if err == nil {
			got <- cmd
		}
	}()
	time.Sleep(20 * time.Millisecond)
	_, err := q.Submit(New("late", Normal, nil))
	require.NoError(t, err)
	select {
	case cmd := <-got:
		assert.Equal(t, "late", cmd.Kind)
	case <-time.After(time.Second):
		t.Fatal("Next did not observe the submit")
	}
}

func TestNextHonorsContextCancellation(t *testing.T) {
	q := NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFlushKeepsEmergencyAndAbove(t *testing.T) {
	q := NewQueue(16)
	var flushedErrs []error
	done := func(err error) { flushedErrs = append(flushedErrs, err) }
	_, _ = q.Submit(Command{Kind: "a", Priority: Low, Done: done})
	_, _ = q.Submit(Command{Kind: "b", Priority: Normal, Done: done})
	_, _ = q.Submit(Command{Kind: "c", Priority: High, Done: done})
	_, _ = q.Submit(Command{Kind: "d", Priority: Emergency})
	_, _ = q.Submit(Command{Kind: "e", Priority: System})

	n := q.Flush(Emergency)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, q.Len())
	require.Len(t, flushedErrs, 3)
	for _, err := range flushedErrs {
		assert.ErrorIs(t, err, ErrFlushed)
	}

	cmd, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "e", cmd.Kind)
	cmd, err = q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "d", cmd.Kind)
}

func TestQueueCapacity(t *testing.T) {
	q := NewQueue(2)
	_, err := q.Submit(New("a", Normal, nil))
	require.NoError(t, err)
	_, err = q.Submit(New("b", Normal, nil))
	require.NoError(t, err)
	_, err = q.Submit(New("c", Normal, nil))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestCloseDrainsThenFails(t *testing.T) {
	q := NewQueue(4)
	_, _ = q.Submit(New("pending", Normal, nil))
	q.Close()
	_, err := q.Submit(New("rejected", Normal, nil))
	assert.ErrorIs(t, err, ErrQueueClosed)

	cmd, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pending", cmd.Kind)
	_, err = q.Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWaiter(t *testing.T) {
	tracker, _ := newTestTracker(t, 2, 1)

	_, err := NewWaiter(nil)
	assert.Error(t, err)

	_, err = NewWaiter(&WaiterConfig{})
	assert.EqualError(t, err, "tracker is required")

	_, err = NewWaiter(&WaiterConfig{Tracker: tracker, BaseDelay: time.Second, MaxDelay: time.Millisecond})
	assert.EqualError(t, err, "base delay cannot exceed max delay")

	w, err := NewWaiter(&WaiterConfig{Tracker: tracker})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxWait, w.MaxWait())
}

func TestWaiter_AdmitsWithinBudget(t *testing.T) {
	tracker, _ := newTestTracker(t, 2, 1)
	w, err := NewWaiter(&WaiterConfig{Tracker: tracker})
	require.NoError(t, err)

	require.NoError(t, w.Wait(context.Background(), PriorityFeed))
	require.NoError(t, w.Wait(context.Background(), PriorityLookup))
	assert.Equal(t, int64(0), w.Throttled())
}

func TestWaiter_GivesUpAfterMaxWait(t *testing.T) {
	// the pinned clock never leaves the window
	tracker, _ := newTestTracker(t, 1, 0)
	w, err := NewWaiter(&WaiterConfig{
		Tracker:   tracker,
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
		MaxWait:   10 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, w.Wait(context.Background(), PriorityFeed))

	err = w.Wait(context.Background(), PriorityFeed)
	assert.ErrorIs(t, err, ErrMaxWaitExceeded)
	assert.Greater(t, w.Throttled(), int64(0))
}

func TestWaiter_WaitsForNextWindow(t *testing.T) {
	tracker, _ := newTestTracker(t, 1, 0)
	w, err := NewWaiter(&WaiterConfig{
		Tracker:   tracker,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
		MaxWait:   3 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, w.Wait(context.Background(), PriorityFeed))

	// a real clock again: the next window opens within a second
	tracker.now = time.Now

	start := time.Now()
	require.NoError(t, w.Wait(context.Background(), PriorityFeed))
	require.NoError(t, w.Wait(context.Background(), PriorityFeed))
	assert.Less(t, time.Since(start), 2500*time.Millisecond)
}

func TestWaiter_ContextCancelled(t *testing.T) {
	tracker, _ := newTestTracker(t, 1, 0)
	w, err := NewWaiter(&WaiterConfig{Tracker: tracker, MaxWait: time.Minute})
	require.NoError(t, err)
	require.NoError(t, w.Wait(context.Background(), PriorityFeed))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Wait(ctx, PriorityFeed), context.Canceled)
}

func TestWaiter_BackoffIsCapped(t *testing.T) {
	tracker, _ := newTestTracker(t, 1, 0)
	w, err := NewWaiter(&WaiterConfig{Tracker: tracker, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, 10*time.Millisecond, w.recordFailure())
	assert.Equal(t, 20*time.Millisecond, w.recordFailure())
	assert.Equal(t, 40*time.Millisecond, w.recordFailure())
	assert.Equal(t, 40*time.Millisecond, w.recordFailure())

	w.recordSuccess()
	assert.Equal(t, 10*time.Millisecond, w.recordFailure())
}

package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dwarf-go/internal/dwarf"
	"dwarf-go/internal/scheduler"
)

const tick = time.Millisecond

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(nil, dwarf.NewNopLogger())
	t.Cleanup(func() { s.StopAll(true) })
	return s
}

func TestScheduler_StopsWhenActionIsDone(t *testing.T) {
	s := newScheduler(t)

	var calls atomic.Int32
	s.Start("srv-1", tick, 10, func(context.Context) (bool, error) {
		return calls.Add(1) == 3, nil
	})

	require.Eventually(t, func() bool { return !s.Running("srv-1") }, time.Second, tick)
	assert.Equal(t, int32(3), calls.Load())
}

func TestScheduler_GivesUpAfterMaxAttempts(t *testing.T) {
	s := newScheduler(t)

	var calls atomic.Int32
	s.Start("srv-1", tick, 4, func(context.Context) (bool, error) {
		calls.Add(1)
		return false, nil
	})

	require.Eventually(t, func() bool { return !s.Running("srv-1") }, time.Second, tick)
	assert.Equal(t, int32(4), calls.Load())
}

func TestScheduler_ErrorsCountAsAttempts(t *testing.T) {
	s := newScheduler(t)

	var calls atomic.Int32
	s.Start("srv-1", tick, 2, func(context.Context) (bool, error) {
		calls.Add(1)
		return false, errors.New("hypervisor unavailable")
	})

	require.Eventually(t, func() bool { return !s.Running("srv-1") }, time.Second, tick)
	assert.Equal(t, int32(2), calls.Load())
}

func TestScheduler_Stop(t *testing.T) {
	s := newScheduler(t)

	var calls atomic.Int32
	s.Start("srv-1", time.Hour, 5, func(context.Context) (bool, error) {
		calls.Add(1)
		return false, nil
	})
	require.True(t, s.Running("srv-1"))

	s.Stop("srv-1")
	assert.False(t, s.Running("srv-1"))
	assert.Zero(t, calls.Load(), "action must not run after stop")
}

func TestScheduler_StopWaitsForAction(t *testing.T) {
	s := newScheduler(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	s.Start("srv-1", tick, 1, func(context.Context) (bool, error) {
		close(entered)
		// Ignores cancellation, like an update already in flight.
		<-release
		finished.Store(true)
		return true, nil
	})
	<-entered

	stopped := make(chan struct{})
	go func() {
		s.Stop("srv-1")
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the action was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the action finished")
	}
	assert.True(t, finished.Load())
	assert.False(t, s.Running("srv-1"))
}

func TestScheduler_StopUnknownIsNoop(t *testing.T) {
	s := newScheduler(t)
	s.Stop("missing")
	assert.Zero(t, s.Len())
}

func TestScheduler_StartReplacesExistingTask(t *testing.T) {
	s := newScheduler(t)

	var first, second atomic.Int32
	s.Start("srv-1", time.Hour, 1, func(context.Context) (bool, error) {
		first.Add(1)
		return true, nil
	})
	s.Start("srv-1", tick, 1, func(context.Context) (bool, error) {
		second.Add(1)
		return true, nil
	})

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, tick)
	assert.Zero(t, first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestScheduler_StopAllWaits(t *testing.T) {
	s := scheduler.New(nil, dwarf.NewNopLogger())

	release := make(chan struct{})
	var finished atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		s.Start(id, tick, 1, func(ctx context.Context) (bool, error) {
			<-release
			finished.Add(1)
			return true, nil
		})
	}
	assert.Equal(t, 3, s.Len())

	time.AfterFunc(10*time.Millisecond, func() { close(release) })
	s.StopAll(true)

	assert.Zero(t, s.Len())
}

func TestScheduler_ActionSeesCancellation(t *testing.T) {
	s := newScheduler(t)

	entered := make(chan struct{})
	cancelled := make(chan struct{})
	s.Start("srv-1", tick, 1, func(ctx context.Context) (bool, error) {
		close(entered)
		<-ctx.Done()
		close(cancelled)
		return false, ctx.Err()
	})

	<-entered
	s.Stop("srv-1")

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("action context was not cancelled by Stop")
	}
}

package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/scheduler"
)

func TestTaskRunsOnInterval(t *testing.T) {
	var n atomic.Int32
	task := scheduler.NewTask("sweep", 5*time.Millisecond, func(ctx context.Context, now time.Time) error {
		n.Add(1)
		return nil
	}, events.NewNopLogger())

	task.Start(context.Background())
	task.Start(context.Background())
	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	task.Stop()

	stopped := n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, n.Load())
	assert.Equal(t, int(stopped), task.Runs())

	task.Stop()
}

func TestRunOnce(t *testing.T) {
	boom := errors.New("boom")
	var order []string
	s := scheduler.New(
		scheduler.NewTask("a", time.Hour, func(context.Context, time.Time) error { order = append(order, "a"); return boom }, events.NewNopLogger()),
		scheduler.NewTask("b", time.Hour, func(context.Context, time.Time) error { order = append(order, "b"); return nil }, events.NewNopLogger()),
	)

	err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestSchedulerStopsOnContext(t *testing.T) {
	var n atomic.Int32
	task := scheduler.NewTask("t", time.Millisecond, func(context.Context, time.Time) error {
		n.Add(1)
		return nil
	}, events.NewNopLogger())
	s := scheduler.New()
	s.Add(task)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return n.Load() > 0 }, time.Second, time.Millisecond)
	cancel()
	s.Stop()
	assert.Len(t, s.Tasks(), 1)
}

func TestTaskUsesInjectedTicker(t *testing.T) {
	ticks := make(chan time.Time)
	var stopped atomic.Bool
	ticker := func(d time.Duration) (<-chan time.Time, func()) {
		assert.Equal(t, time.Hour, d)
		return ticks, func() { stopped.Store(true) }
	}

	got := make(chan time.Time, 4)
	task := scheduler.NewTask("sweep", time.Hour, func(ctx context.Context, now time.Time) error {
		got <- now
		return nil
	}, events.NewNopLogger())
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	task.SetClock(func() time.Time { return t0 }, ticker)

	task.Start(context.Background())
	ticks <- t0.Add(time.Hour)
	ticks <- t0.Add(2 * time.Hour)
	assert.Equal(t, t0.Add(time.Hour), <-got)
	assert.Equal(t, t0.Add(2*time.Hour), <-got)
	task.Stop()
	assert.True(t, stopped.Load())

	require.NoError(t, task.RunOnce(context.Background()))
	assert.Equal(t, t0, <-got)
	assert.Equal(t, 3, task.Runs())
}

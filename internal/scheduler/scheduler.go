// Package scheduler runs periodic maintenance such as pool and cache sweeps.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/TheMichaelB/filebridge/internal/events"
)

// Func is the work of a task. now is the tick time.
type Func func(ctx context.Context, now time.Time) error

// TickerFunc starts a ticker with period d and returns its channel and the
// function that stops it.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func systemTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Task runs a function on a fixed interval.
type Task struct {
	name     string
	interval time.Duration
	fn       Func
	logger   *events.Logger

	mu        sync.Mutex
	now       func() time.Time
	newTicker TickerFunc
	cancel    context.CancelFunc
	done      chan struct{}
	runs      int
}

// NewTask creates a task. It does nothing until Start. A non-positive
// interval defaults to one minute.
func NewTask(name string, interval time.Duration, fn Func, logger *events.Logger) *Task {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Task{
		name:      name,
		interval:  interval,
		fn:        fn,
		now:       time.Now,
		newTicker: systemTicker,
		logger:    logger.WithField("task", name),
	}
}

// SetClock replaces the clock used by RunOnce and the ticker driving Start.
// Nil arguments keep the current ones. A new ticker is used from the next
// Start.
func (t *Task) SetClock(now func() time.Time, ticker TickerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now != nil {
		t.now = now
	}
	if ticker != nil {
		t.newTicker = ticker
	}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Start runs the task every interval until Stop or ctx is done. Starting a
// running task does nothing.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	ticks, stop := t.newTicker(t.interval)

	go t.loop(ctx, ticks, stop, t.done)
}

func (t *Task) loop(ctx context.Context, ticks <-chan time.Time, stop func(), done chan struct{}) {
	defer close(done)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticks:
			t.run(ctx, now)
		}
	}
}

// RunOnce runs the task immediately in the calling goroutine.
func (t *Task) RunOnce(ctx context.Context) error {
	t.mu.Lock()
	now := t.now
	t.mu.Unlock()
	return t.run(ctx, now())
}

func (t *Task) run(ctx context.Context, now time.Time) error {
	start := time.Now()
	err := t.fn(ctx, now)

	t.mu.Lock()
	t.runs++
	t.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		t.logger.WithError(err).Warn("Scheduled task failed")
		return err
	}
	t.logger.WithField("duration", time.Since(start).String()).Debug("Scheduled task ran")
	return err
}

// Runs returns how many times the task has run.
func (t *Task) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

// Stop stops the task and waits for a running tick to finish.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Scheduler starts and stops a group of tasks together.
type Scheduler struct {
	mu    sync.Mutex
	tasks []*Task
}

// New creates a scheduler.
func New(tasks ...*Task) *Scheduler {
	return &Scheduler{tasks: tasks}
}

// Add registers a task. It is started on the next Start.
func (s *Scheduler) Add(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Tasks returns the registered tasks.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.tasks...)
}

// SetClock sets the clock and ticker of every registered task.
func (s *Scheduler) SetClock(now func() time.Time, ticker TickerFunc) {
	for _, t := range s.Tasks() {
		t.SetClock(now, ticker)
	}
}

// Start starts every task.
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.Tasks() {
		t.Start(ctx)
	}
}

// Stop stops every task.
func (s *Scheduler) Stop() {
	for _, t := range s.Tasks() {
		t.Stop()
	}
}

// RunOnce runs every task once, in order, and returns the first error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var first error
	for _, t := range s.Tasks() {
		if err := t.RunOnce(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

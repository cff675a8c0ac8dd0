package orchestrator

import (
	"context"
	"time"

	"github.com/TheMichaelB/filebridge/internal/offline"
	"github.com/TheMichaelB/filebridge/internal/scheduler"
)

// Task names.
const (
	TaskPoolSweep    = "pool_sweep"
	TaskCacheSweep   = "cache_sweep"
	TaskQueueDrain   = "queue_drain"
	TaskReachability = "connectivity_check"
)

func (o *Orchestrator) tasks() []*scheduler.Task {
	tasks := []*scheduler.Task{
		scheduler.NewTask(TaskPoolSweep, o.cfg.Pool.SweepInterval, func(ctx context.Context, now time.Time) error {
			o.pool.Sweep(now)
			return nil
		}, o.logger),
		scheduler.NewTask(TaskCacheSweep, o.cfg.Cache.SweepInterval, func(ctx context.Context, now time.Time) error {
			o.cache.Sweep(now)
			return nil
		}, o.logger),
		scheduler.NewTask(TaskQueueDrain, o.cfg.Offline.DrainInterval, func(ctx context.Context, now time.Time) error {
			if !o.online() {
				return nil
			}
			_, err := o.queue.Drain(ctx, o.Replay)
			return err
		}, o.logger),
	}

	if reach, ok := o.conn.(*offline.Reachability); ok {
		tasks = append(tasks, scheduler.NewTask(TaskReachability, o.cfg.Offline.CheckInterval, reach.Check, o.logger))
	}
	return tasks
}

// Scheduler returns the periodic maintenance tasks.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler {
	return o.sched
}

// Start reloads the persisted cache index and starts the maintenance
// tasks and the reconnect watcher. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.cancel != nil {
		return nil
	}

	if n, err := o.cache.Load(); err != nil {
		o.logger.WithError(err).Warn("Failed to reload cache index")
	} else if n > 0 {
		o.logger.WithField("entries", n).Info("Reloaded cache index")
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.sched.Start(ctx)

	if o.conn != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.queue.Watch(ctx, o.conn, o.Replay)
		}()
	}

	o.logger.WithField("tasks", len(o.sched.Tasks())).Info("Orchestrator started")
	return nil
}

// Stop halts the maintenance tasks and waits for them to finish.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.cancel == nil {
		return
	}
	o.cancel()
	o.sched.Stop()
	o.wg.Wait()
	o.cancel = nil
	o.logger.Info("Orchestrator stopped")
}

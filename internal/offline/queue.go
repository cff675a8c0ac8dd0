package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/metrics"
	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/state"
)

// DefaultMaxRetries is used when the queue is created with a non-positive
// limit.
const DefaultMaxRetries = 5

// ReplayFunc executes one queued operation against its backend.
type ReplayFunc func(ctx context.Context, op *models.PendingOperation) error

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Queue persists operations issued while offline and replays them in
// insertion order. An operation leaves the queue only by replaying
// successfully; one that keeps failing is marked failed and kept.
type Queue struct {
	store      state.Store
	bus        events.Publisher
	maxRetries int
	now        func() time.Time
	logger     *events.Logger

	// drainMu serializes drains so no operation replays twice.
	drainMu sync.Mutex
}

// NewQueue creates a queue over store. bus may be nil.
func NewQueue(store state.Store, maxRetries int, bus events.Publisher, logger *events.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{
		store:      store,
		bus:        bus,
		maxRetries: maxRetries,
		now:        time.Now,
		logger:     logger.WithField("component", "offline_queue"),
	}
}

// SetClock replaces the clock used for CreatedAt.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue validates and persists op, assigning an ID when it has none.
func (q *Queue) Enqueue(op *models.PendingOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid pending operation: %w", err)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = q.now()
	}
	op.Status = models.StatusPending
	op.Retries = 0
	op.LastError = ""

	if err := q.store.Enqueue(op); err != nil {
		return fmt.Errorf("enqueue operation: %w", err)
	}

	q.logger.WithFields(map[string]interface{}{
		"op_id":       op.ID,
		"type":        op.Type,
		"resource_id": op.ResourceID,
		"path":        op.SourcePath,
	}).Info("Operation queued")

	q.publish(events.EventOperationQueued, op, "")
	q.reportDepth()
	return nil
}

// Pending lists operations waiting for replay, oldest first.
func (q *Queue) Pending() ([]*models.PendingOperation, error) {
	return q.store.ListOperations(models.StatusPending)
}

// Failed lists operations that exceeded the retry limit.
func (q *Queue) Failed() ([]*models.PendingOperation, error) {
	return q.store.ListOperations(models.StatusFailed)
}

// Retry moves a failed operation back to the end of the pending queue
// with a fresh retry count.
func (q *Queue) Retry(id string) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	op, err := q.store.GetOperation(id)
	if err != nil {
		return fmt.Errorf("get operation %s: %w", id, err)
	}
	if op.Status != models.StatusFailed {
		return fmt.Errorf("operation %s is %s, not failed", id, op.Status)
	}

	// Re-enqueue so the retried op takes a new sequence number and does
	// not jump ahead of operations queued after it failed.
	if err := q.store.DeleteOperation(id); err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	op.Status = models.StatusPending
	op.Retries = 0
	op.LastError = ""
	if err := q.store.Enqueue(op); err != nil {
		return fmt.Errorf("re-enqueue operation %s: %w", id, err)
	}

	q.logger.WithField("op_id", id).Info("Failed operation requeued")
	q.reportDepth()
	return nil
}

// Discard removes an operation regardless of status.
func (q *Queue) Discard(id string) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	if _, err := q.store.GetOperation(id); err != nil {
		return fmt.Errorf("get operation %s: %w", id, err)
	}
	if err := q.store.DeleteOperation(id); err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	q.reportDepth()
	return nil
}

// Drain replays pending operations strictly in FIFO order. A failure
// stops the pass so later operations never overtake an earlier one,
// unless the failed operation has now exceeded the retry limit or hit a
// conflict: it is then marked failed, reported, and the pass continues.
func (q *Queue) Drain(ctx context.Context, replay ReplayFunc) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	defer q.reportDepth()

	var res DrainResult
	ops, err := q.store.ListOperations(models.StatusPending)
	if err != nil {
		return res, fmt.Errorf("list pending operations: %w", err)
	}
	if len(ops) == 0 {
		return res, nil
	}

	q.logger.WithField("pending", len(ops)).Info("Draining offline queue")

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(ops) - i
			return res, err
		}

		replayErr := replay(ctx, op)
		if replayErr == nil {
			if err := q.store.DeleteOperation(op.ID); err != nil {
				res.Remaining = len(ops) - i
				return res, fmt.Errorf("delete replayed operation %s: %w", op.ID, err)
			}
			res.Replayed++
			metrics.RecordReplay("replayed")
			q.publish(events.EventOperationReplayed, op, "")
			q.logger.WithField("op_id", op.ID).Debug("Operation replayed")
			continue
		}

		// A cancelled drain is not an attempt.
		if errors.Is(replayErr, context.Canceled) && ctx.Err() != nil {
			res.Remaining = len(ops) - i
			return res, ctx.Err()
		}

		op.Retries++
		op.SetError(replayErr)
		// A conflict needs a decision; replaying again cannot fix it.
		exhausted := op.Retries > q.maxRetries || errors.Is(replayErr, ErrConflict)
		if exhausted {
			op.Status = models.StatusFailed
		}
		if err := q.store.UpdateOperation(op); err != nil {
			res.Remaining = len(ops) - i
			return res, fmt.Errorf("update operation %s: %w", op.ID, err)
		}

		log := q.logger.WithError(replayErr).WithFields(map[string]interface{}{
			"op_id":   op.ID,
			"retries": op.Retries,
		})

		if !exhausted {
			metrics.RecordReplay("retry")
			log.Warn("Replay failed, stopping drain")
			res.Remaining = len(ops) - i
			return res, nil
		}

		res.Failed++
		metrics.RecordReplay("failed")
		q.publish(events.EventOperationFailed, op, replayErr.Error())
		log.Error("Operation marked failed")
	}

	return res, nil
}

// Watch drains the queue now if conn is online and again on every
// offline to online edge, until ctx is done.
func (q *Queue) Watch(ctx context.Context, conn Connectivity, replay ReplayFunc) {
	changes, cancel := conn.Changes()
	defer cancel()

	online := conn.Online()
	if online {
		q.drainLogged(ctx, replay)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-changes:
			if !ok {
				return
			}
			if up && !online {
				q.drainLogged(ctx, replay)
			}
			online = up
		}
	}
}

func (q *Queue) drainLogged(ctx context.Context, replay ReplayFunc) {
	res, err := q.Drain(ctx, replay)
	if err != nil && ctx.Err() == nil {
		q.logger.WithError(err).Error("Drain failed")
		return
	}
	if res.Replayed > 0 || res.Failed > 0 {
		q.logger.WithFields(map[string]interface{}{
			"replayed":  res.Replayed,
			"failed":    res.Failed,
			"remaining": res.Remaining,
		}).Info("Offline queue drained")
	}
}

func (q *Queue) publish(t events.EventType, op *models.PendingOperation, msg string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.Event{
		Type:       t,
		ResourceID: op.ResourceID,
		Path:       op.SourcePath,
		Message:    msg,
		Data: map[string]interface{}{
			"op_id":   op.ID,
			"op_type": string(op.Type),
			"retries": op.Retries,
		},
	})
}

func (q *Queue) reportDepth() {
	for _, status := range []models.OperationStatus{models.StatusPending, models.StatusFailed} {
		ops, err := q.store.ListOperations(status)
		if err != nil {
			continue
		}
		metrics.SetQueueDepth(string(status), len(ops))
	}
}

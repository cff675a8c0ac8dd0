package orchestrator

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/filebridge/internal/models"
)

// BatchItem is one transfer of a batch. Dst and DstPath are unused for
// deletes.
type BatchItem struct {
	Src     *models.Resource
	SrcPath string
	Dst     *models.Resource
	DstPath string
}

// BatchFailure pairs an item with its error.
type BatchFailure struct {
	Item BatchItem
	Err  error
}

// BatchResult partitions a batch by outcome. Items accepted into the
// offline queue are neither succeeded nor failed.
type BatchResult struct {
	Succeeded []BatchItem
	Queued    []BatchItem
	Failed    []BatchFailure
}

// OK reports whether no item failed.
func (r *BatchResult) OK() bool {
	return len(r.Failed) == 0
}

// CopyBatch copies items concurrently.
func (o *Orchestrator) CopyBatch(ctx context.Context, items []BatchItem, progress models.ProgressFunc, opts ...WriteOption) *BatchResult {
	return o.batch(ctx, items, func(ctx context.Context, it BatchItem) error {
		return o.Copy(ctx, it.Src, it.SrcPath, it.Dst, it.DstPath, progress, opts...)
	})
}

// MoveBatch moves items concurrently.
func (o *Orchestrator) MoveBatch(ctx context.Context, items []BatchItem, progress models.ProgressFunc, opts ...WriteOption) *BatchResult {
	return o.batch(ctx, items, func(ctx context.Context, it BatchItem) error {
		return o.Move(ctx, it.Src, it.SrcPath, it.Dst, it.DstPath, progress, opts...)
	})
}

// DeleteBatch deletes paths of res concurrently.
func (o *Orchestrator) DeleteBatch(ctx context.Context, res *models.Resource, paths []string) *BatchResult {
	items := make([]BatchItem, len(paths))
	for i, p := range paths {
		items[i] = BatchItem{Src: res, SrcPath: p}
	}
	return o.batch(ctx, items, func(ctx context.Context, it BatchItem) error {
		return o.Delete(ctx, it.Src, it.SrcPath)
	})
}

// batch runs fn for every item with at most Transfer.BatchConcurrency in
// flight. One item's failure does not cancel the others.
func (o *Orchestrator) batch(ctx context.Context, items []BatchItem, fn func(context.Context, BatchItem) error) *BatchResult {
	limit := o.cfg.Transfer.BatchConcurrency
	if limit <= 0 {
		limit = 4
	}

	var g errgroup.Group
	g.SetLimit(limit)

	res := &BatchResult{}
	var mu sync.Mutex

	for _, it := range items {
		it := it
		g.Go(func() error {
			var err error
			if err = ctx.Err(); err == nil {
				err = fn(ctx, it)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Succeeded = append(res.Succeeded, it)
			case errors.Is(err, models.ErrQueued):
				res.Queued = append(res.Queued, it)
			default:
				res.Failed = append(res.Failed, BatchFailure{Item: it, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()

	o.logger.WithFields(map[string]interface{}{
		"items":     len(items),
		"succeeded": len(res.Succeeded),
		"queued":    len(res.Queued),
		"failed":    len(res.Failed),
	}).Info("Batch finished")
	return res
}

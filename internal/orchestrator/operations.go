package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/offline"
)

var errReadOnly = errors.New("resource is read-only")

// WriteOption adjusts how Upload, Copy and Move treat their destination.
type WriteOption func(*writeOptions)

type writeOptions struct {
	overwrite bool
}

// Overwrite skips the conflict check on the destination: the caller has
// decided its version wins.
func Overwrite() WriteOption {
	return func(o *writeOptions) { o.overwrite = true }
}

func applyWriteOptions(opts []WriteOption) writeOptions {
	var wo writeOptions
	for _, opt := range opts {
		opt(&wo)
	}
	return wo
}

// List returns the entries of a directory.
func (o *Orchestrator) List(ctx context.Context, res *models.Resource, dir string) ([]models.Entry, error) {
	dir = models.CleanPath(dir)
	var entries []models.Entry
	err := o.run(ctx, res, "list", dir, func(ctx context.Context, conn backend.Conn) error {
		var err error
		entries, err = conn.List(ctx, dir)
		return err
	})
	return entries, err
}

// Stat returns the metadata of a file or directory.
func (o *Orchestrator) Stat(ctx context.Context, res *models.Resource, p string) (*models.Entry, error) {
	p = models.CleanPath(p)
	var entry *models.Entry
	err := o.run(ctx, res, "stat", p, func(ctx context.Context, conn backend.Conn) error {
		var err error
		entry, err = conn.Stat(ctx, p)
		return err
	})
	return entry, err
}

// Download returns the local path of a cached copy of p, transferring it
// only when no valid cache entry exists. Concurrent downloads of the same
// file share one transfer.
func (o *Orchestrator) Download(ctx context.Context, res *models.Resource, p string, progress models.ProgressFunc) (string, error) {
	p = models.CleanPath(p)
	entry, err := o.Stat(ctx, res, p)
	if err != nil {
		return "", err
	}
	if entry.IsDir {
		return "", models.NewError(models.KindProtocolError, "download", p, fmt.Errorf("%s is a directory", p))
	}

	// The cache is keyed by size only. Cached bytes of an older recorded
	// version are dropped so they are transferred again.
	stale, err := o.detector.Stale(res.ID, p, *entry)
	if err != nil {
		return "", err
	}
	if stale {
		o.invalidate(res.ID, p)
	}

	local, err := o.cache.Fetch(ctx, cacheKey(res.ID, p), entry.Size, o.producer(res, p, entry.Size, progress))
	if err != nil {
		return "", err
	}

	if err := o.detector.Record(res.ID, *entry); err != nil {
		o.logger.WithError(err).WithField("path", p).Warn("Failed to record file version")
	}
	return local, nil
}

// Thumbnail is Download through the size-bounded thumbnail cache. p is
// normally a preview rendition of a file.
func (o *Orchestrator) Thumbnail(ctx context.Context, res *models.Resource, p string) (string, error) {
	if o.thumbs == nil {
		return o.Download(ctx, res, p, nil)
	}
	p = models.CleanPath(p)
	entry, err := o.Stat(ctx, res, p)
	if err != nil {
		return "", err
	}
	return o.thumbs.Fetch(ctx, cacheKey(res.ID, p), entry.Size, o.producer(res, p, entry.Size, nil))
}

func (o *Orchestrator) producer(res *models.Resource, p string, size int64, progress models.ProgressFunc) func(ctx context.Context, w io.Writer) error {
	return func(ctx context.Context, w io.Writer) error {
		r, err := o.openRead(ctx, res, p)
		if err != nil {
			return err
		}
		defer r.Close()

		src := &progressReader{
			r: r, total: size, fn: progress, bus: o.bus,
			resourceID: res.ID, path: p, direction: "download",
		}
		if _, err := copyStream(ctx, w, src, o.cfg.Transfer.ChunkSize); err != nil {
			return models.Wrap("read", p, err)
		}
		return nil
	}
}

// Upload writes the local file src to p and records the new version. If p
// changed remotely since it was last recorded, a *offline.ConflictError is
// returned and nothing is written, unless Overwrite is given.
func (o *Orchestrator) Upload(ctx context.Context, res *models.Resource, src, p string, progress models.ProgressFunc, opts ...WriteOption) (*models.Entry, error) {
	p = models.CleanPath(p)
	if err := writable(res, "upload", p); err != nil {
		return nil, err
	}
	if !applyWriteOptions(opts).overwrite {
		if err := o.checkDestination(ctx, res, p); err != nil {
			return nil, err
		}
	}

	f, err := o.fs.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", src, err)
	}

	if err := o.ensureParent(ctx, res, p); err != nil {
		return nil, err
	}

	w, err := o.openWrite(ctx, res, p, info.Size())
	if err != nil {
		return nil, err
	}
	reader := &progressReader{
		r: f, total: info.Size(), fn: progress, bus: o.bus,
		resourceID: res.ID, path: p, direction: "upload",
	}
	if _, err := copyStream(ctx, w, reader, o.cfg.Transfer.ChunkSize); err != nil {
		_ = w.Abort()
		return nil, o.annotate(models.Wrap("write", p, err), res, "write", p)
	}
	if err := w.Close(); err != nil {
		return nil, o.annotate(models.Wrap("write", p, err), res, "write", p)
	}

	return o.afterWrite(ctx, res, p)
}

// afterWrite drops cached content of p and records its new version.
func (o *Orchestrator) afterWrite(ctx context.Context, res *models.Resource, p string) (*models.Entry, error) {
	o.invalidate(res.ID, p)

	entry, err := o.Stat(ctx, res, p)
	if err != nil {
		return nil, err
	}
	if err := o.detector.Record(res.ID, *entry); err != nil {
		o.logger.WithError(err).WithField("path", p).Warn("Failed to record file version")
	}
	return entry, nil
}

// checkDestination compares the current remote state of p with its
// recorded version. A file never recorded, or gone remotely, is no
// conflict.
func (o *Orchestrator) checkDestination(ctx context.Context, res *models.Resource, p string) error {
	remote, err := o.Stat(ctx, res, p)
	if models.KindOf(err) == models.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	c, err := o.detector.Check(ctx, res.ID, p, *remote)
	if err != nil {
		return err
	}
	if c.Exists() {
		return &offline.ConflictError{Conflict: c}
	}
	return nil
}

// ensureParent creates the parent directory of p.
func (o *Orchestrator) ensureParent(ctx context.Context, res *models.Resource, p string) error {
	dir := path.Dir(p)
	if dir == "/" {
		return nil
	}
	return o.Mkdir(ctx, res, dir)
}

// Mkdir creates a directory and its parents.
func (o *Orchestrator) Mkdir(ctx context.Context, res *models.Resource, dir string) error {
	dir = models.CleanPath(dir)
	if err := writable(res, "mkdir", dir); err != nil {
		return err
	}
	return o.run(ctx, res, "mkdir", dir, func(ctx context.Context, conn backend.Conn) error {
		return conn.Mkdir(ctx, dir)
	})
}

// Copy copies a file, possibly between resources. While offline the copy
// is queued and models.ErrQueued is returned. A destination changed since
// it was recorded yields a *offline.ConflictError unless Overwrite is given.
func (o *Orchestrator) Copy(ctx context.Context, src *models.Resource, srcPath string, dst *models.Resource, dstPath string, progress models.ProgressFunc, opts ...WriteOption) error {
	op := &models.PendingOperation{
		Type: models.OpCopy, ResourceID: src.ID, SourcePath: models.CleanPath(srcPath),
		DestResourceID: dst.ID, DestPath: models.CleanPath(dstPath),
	}
	wo := applyWriteOptions(opts)
	op.Overwrite = wo.overwrite
	return o.mutate(ctx, op, func(ctx context.Context) error {
		return o.copy(ctx, src, op.SourcePath, dst, op.DestPath, progress, wo)
	})
}

// Move moves a file, possibly between resources. The destination is
// checked for conflicts like Copy.
func (o *Orchestrator) Move(ctx context.Context, src *models.Resource, srcPath string, dst *models.Resource, dstPath string, progress models.ProgressFunc, opts ...WriteOption) error {
	op := &models.PendingOperation{
		Type: models.OpMove, ResourceID: src.ID, SourcePath: models.CleanPath(srcPath),
		DestResourceID: dst.ID, DestPath: models.CleanPath(dstPath),
	}
	wo := applyWriteOptions(opts)
	op.Overwrite = wo.overwrite
	return o.mutate(ctx, op, func(ctx context.Context) error {
		return o.move(ctx, src, op.SourcePath, dst, op.DestPath, progress, wo)
	})
}

// Delete removes a file or directory.
func (o *Orchestrator) Delete(ctx context.Context, res *models.Resource, p string) error {
	op := &models.PendingOperation{Type: models.OpDelete, ResourceID: res.ID, SourcePath: models.CleanPath(p)}
	return o.mutate(ctx, op, func(ctx context.Context) error {
		return o.delete(ctx, res, op.SourcePath)
	})
}

// mutate runs fn, or queues op when the network is down or the backend
// could not be reached.
func (o *Orchestrator) mutate(ctx context.Context, op *models.PendingOperation, fn func(ctx context.Context) error) error {
	if !o.online() {
		return o.enqueue(op, "offline")
	}

	err := fn(ctx)
	if err != nil && models.IsConnectionFailure(err) && ctx.Err() == nil {
		o.logger.WithError(err).WithField("type", op.Type).Warn("Backend unreachable, queueing operation")
		return o.enqueue(op, "unreachable")
	}
	return err
}

func (o *Orchestrator) enqueue(op *models.PendingOperation, reason string) error {
	if err := o.queue.Enqueue(op); err != nil {
		return err
	}
	o.logger.WithFields(map[string]interface{}{
		"op_id":  op.ID,
		"reason": reason,
	}).Debug("Mutation deferred")
	return fmt.Errorf("%s %s: %w", op.Type, op.SourcePath, models.ErrQueued)
}

func (o *Orchestrator) copy(ctx context.Context, src *models.Resource, srcPath string, dst *models.Resource, dstPath string, progress models.ProgressFunc, wo writeOptions) error {
	if err := writable(dst, "copy", dstPath); err != nil {
		return err
	}
	if !wo.overwrite {
		if err := o.checkDestination(ctx, dst, dstPath); err != nil {
			return err
		}
	}

	if src.Endpoint() == dst.Endpoint() && src.Capabilities.ServerSideCopy {
		err := o.run(ctx, src, "copy", srcPath, func(ctx context.Context, conn backend.Conn) error {
			return conn.Copy(ctx, srcPath, dstPath)
		})
		if err == nil {
			_, err = o.afterWrite(ctx, dst, dstPath)
			return err
		}
		if !errors.Is(err, models.ErrNotSupported) {
			return err
		}
		o.logger.WithField("resource_id", src.ID).Debug("Server-side copy not supported, streaming")
	}

	if err := o.stream(ctx, src, srcPath, dst, dstPath, progress); err != nil {
		return err
	}
	_, err := o.afterWrite(ctx, dst, dstPath)
	return err
}

func (o *Orchestrator) move(ctx context.Context, src *models.Resource, srcPath string, dst *models.Resource, dstPath string, progress models.ProgressFunc, wo writeOptions) error {
	if err := writable(src, "move", srcPath); err != nil {
		return err
	}
	if err := writable(dst, "move", dstPath); err != nil {
		return err
	}
	if !wo.overwrite {
		if err := o.checkDestination(ctx, dst, dstPath); err != nil {
			return err
		}
	}

	if src.Endpoint() == dst.Endpoint() && src.Capabilities.ServerSideMove {
		err := o.run(ctx, src, "move", srcPath, func(ctx context.Context, conn backend.Conn) error {
			return conn.Move(ctx, srcPath, dstPath)
		})
		if err == nil {
			o.forget(src.ID, srcPath)
			_, err = o.afterWrite(ctx, dst, dstPath)
			return err
		}
		if !errors.Is(err, models.ErrNotSupported) {
			return err
		}
	}

	// Copy then delete; the source survives any failure before the
	// destination is complete.
	if err := o.stream(ctx, src, srcPath, dst, dstPath, progress); err != nil {
		return err
	}
	if _, err := o.afterWrite(ctx, dst, dstPath); err != nil {
		return err
	}
	return o.delete(ctx, src, srcPath)
}

func (o *Orchestrator) delete(ctx context.Context, res *models.Resource, p string) error {
	if err := writable(res, "delete", p); err != nil {
		return err
	}
	err := o.run(ctx, res, "delete", p, func(ctx context.Context, conn backend.Conn) error {
		return conn.Delete(ctx, p)
	})
	if err != nil {
		return err
	}
	o.forget(res.ID, p)
	return nil
}

func (o *Orchestrator) forget(resourceID, p string) {
	o.invalidate(resourceID, p)
	if err := o.detector.Forget(resourceID, p); err != nil {
		o.logger.WithError(err).WithField("path", p).Warn("Failed to forget file version")
	}
}

// stream pipes srcPath into dstPath through a bounded buffer. A failed or
// cancelled transfer aborts the destination write.
func (o *Orchestrator) stream(ctx context.Context, src *models.Resource, srcPath string, dst *models.Resource, dstPath string, progress models.ProgressFunc) error {
	entry, err := o.Stat(ctx, src, srcPath)
	if err != nil {
		return err
	}
	if entry.IsDir {
		return models.NewError(models.KindProtocolError, "copy", srcPath, fmt.Errorf("%s is a directory", srcPath))
	}

	r, err := o.openRead(ctx, src, srcPath)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := o.ensureParent(ctx, dst, dstPath); err != nil {
		return err
	}
	w, err := o.openWrite(ctx, dst, dstPath, entry.Size)
	if err != nil {
		return err
	}

	reader := &progressReader{
		r: r, total: entry.Size, fn: progress, bus: o.bus,
		resourceID: dst.ID, path: dstPath, direction: "copy",
	}
	n, err := copyStream(ctx, w, reader, o.cfg.Transfer.ChunkSize)
	if err != nil {
		_ = w.Abort()
		return o.annotate(models.Wrap("copy", srcPath, err), src, "copy", srcPath)
	}
	if err := w.Close(); err != nil {
		return o.annotate(models.Wrap("write", dstPath, err), dst, "write", dstPath)
	}

	o.logger.WithFields(map[string]interface{}{
		"from":  src.ID + ":" + srcPath,
		"to":    dst.ID + ":" + dstPath,
		"bytes": n,
	}).Debug("Streamed copy")
	return nil
}

// Replay executes a queued operation without queueing it again.
func (o *Orchestrator) Replay(ctx context.Context, op *models.PendingOperation) error {
	ctx = events.WithOperationID(ctx, op.ID)
	src, err := o.resources.Get(op.ResourceID)
	if err != nil {
		return err
	}

	switch op.Type {
	case models.OpDelete:
		err = o.delete(ctx, src, op.SourcePath)
		if errors.Is(err, models.ErrNotFound) {
			// Already gone, which is what the delete asked for.
			return nil
		}
		return err
	case models.OpCopy, models.OpMove:
		dst, err := o.resources.Get(op.Target())
		if err != nil {
			return err
		}
		if op.Type == models.OpCopy {
			return o.copy(ctx, src, op.SourcePath, dst, op.DestPath, nil, writeOptions{overwrite: op.Overwrite})
		}
		return o.move(ctx, src, op.SourcePath, dst, op.DestPath, nil, writeOptions{overwrite: op.Overwrite})
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

func writable(res *models.Resource, op, p string) error {
	if !res.Capabilities.Writable {
		return &models.BackendError{Kind: models.KindPermissionDenied, Op: op, Resource: res.ID, Path: p, Err: errReadOnly}
	}
	return nil
}

package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/metrics"
	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/pool"
)

// leasedReader keeps its pooled connection until closed. The first read
// error other than EOF is reported to the pool and the breaker on Close.
type leasedReader struct {
	io.ReadCloser
	lease  *pool.Lease
	finish func(error)

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (r *leasedReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		r.mu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.mu.Unlock()
	}
	return n, err
}

func (r *leasedReader) Close() error {
	var closeErr error
	r.once.Do(func() {
		closeErr = r.ReadCloser.Close()
		r.mu.Lock()
		err := r.err
		r.mu.Unlock()
		r.lease.Release(err)
		r.finish(err)
	})
	return closeErr
}

// leasedWriter keeps its pooled connection until closed or aborted.
type leasedWriter struct {
	backend.Writer
	lease  *pool.Lease
	finish func(error)

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (w *leasedWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	if err != nil {
		w.mu.Lock()
		if w.err == nil {
			w.err = err
		}
		w.mu.Unlock()
	}
	return n, err
}

func (w *leasedWriter) Close() error {
	err := w.Writer.Close()
	w.done(err)
	return err
}

// Abort discards the upload. The session stays reusable unless a write
// already failed.
func (w *leasedWriter) Abort() error {
	err := w.Writer.Abort()
	w.done(context.Canceled)
	return err
}

func (w *leasedWriter) done(err error) {
	w.once.Do(func() {
		w.mu.Lock()
		if w.err != nil {
			err = w.err
		}
		w.mu.Unlock()
		w.lease.Release(err)
		w.finish(err)
	})
}

// progressReader reports transferred bytes to a ProgressFunc and, at most
// every progressInterval, to the event bus.
type progressReader struct {
	r          io.Reader
	total      int64
	done       int64
	fn         models.ProgressFunc
	bus        events.Publisher
	resourceID string
	path       string
	direction  string
	last       time.Time
}

const progressInterval = 500 * time.Millisecond

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		metrics.RecordBytes(p.direction, int64(n))
		if p.fn != nil {
			p.fn(p.done, p.total)
		}
		if p.bus != nil && (time.Since(p.last) >= progressInterval || p.done == p.total) {
			p.last = time.Now()
			p.bus.Publish(events.Event{
				Type:       events.EventTransferProgress,
				ResourceID: p.resourceID,
				Path:       p.path,
				Data: map[string]interface{}{
					"direction":   p.direction,
					"transferred": p.done,
					"total":       p.total,
				},
			})
		}
	}
	return n, err
}

// copyStream copies src into dst through a buffer of chunkSize bytes,
// stopping promptly when ctx is cancelled.
func copyStream(ctx context.Context, dst io.Writer, src io.Reader, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := dst.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if m != n {
				return written, io.ErrShortWrite
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

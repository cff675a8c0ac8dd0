package backend

import (
	"errors"
	"io"
	"sync"
)

// ErrAborted is what an upload sees when its writer is aborted.
var ErrAborted = errors.New("upload aborted")

// PipeWriter adapts a reader-consuming upload call (FTP STOR, S3 PutObject,
// Dropbox Upload) to the Writer interface. The upload runs in its own
// goroutine and Close waits for it to finish.
type PipeWriter struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error
	once sync.Once
}

// NewPipeWriter starts upload reading from the returned writer.
func NewPipeWriter(upload func(r io.Reader) error) *PipeWriter {
	pr, pw := io.Pipe()
	w := &PipeWriter{pw: pw, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		err := upload(pr)
		// Unblock writers if the upload returned early.
		_ = pr.CloseWithError(firstErr(err, io.ErrClosedPipe))
		w.err = err
	}()

	return w
}

func (w *PipeWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close signals end of data and returns the upload result.
func (w *PipeWriter) Close() error {
	w.once.Do(func() { _ = w.pw.Close() })
	<-w.done
	return w.err
}

// Abort makes the upload fail with ErrAborted and waits for it.
func (w *PipeWriter) Abort() error {
	w.once.Do(func() { _ = w.pw.CloseWithError(ErrAborted) })
	<-w.done
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

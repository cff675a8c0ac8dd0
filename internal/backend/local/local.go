// Package local serves resources that live on a locally reachable
// filesystem (including OS-mounted shares).
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// Adapter opens local resources rooted at Resource.Root.
type Adapter struct {
	fs     afero.Fs
	logger *events.Logger
}

// New creates an adapter over the operating system filesystem.
func New(logger *events.Logger) *Adapter {
	return NewWithFs(afero.NewOsFs(), logger)
}

// NewWithFs creates an adapter over an arbitrary afero filesystem.
func NewWithFs(fs afero.Fs, logger *events.Logger) *Adapter {
	return &Adapter{
		fs:     fs,
		logger: logger.WithField("component", "local_adapter"),
	}
}

// Kind returns "local".
func (a *Adapter) Kind() string { return string(models.BackendLocal) }

// Connect verifies the root exists and returns a connection jailed to it.
func (a *Adapter) Connect(ctx context.Context, res *models.Resource, _ *models.Credential) (backend.Conn, error) {
	root := res.Root
	if root == "" {
		root = res.Address
	}

	info, err := a.fs.Stat(root)
	if err != nil {
		return nil, translateError("connect", root, err)
	}
	if !info.IsDir() {
		return nil, models.NewError(models.KindNotFound, "connect", root, fmt.Errorf("root is not a directory"))
	}

	a.logger.WithFields(map[string]interface{}{
		"resource_id": res.ID,
		"root":        root,
	}).Debug("Opened local resource")

	return &conn{
		fs:     afero.NewBasePathFs(a.fs, root),
		logger: a.logger.WithField("resource_id", res.ID),
	}, nil
}

type conn struct {
	fs     afero.Fs
	logger *events.Logger
	closed atomic.Bool
}

// sanitizePath validates and normalizes a resource path.
func sanitizePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", models.ProtocolError("sanitize", p, "path contains null bytes", nil)
	}
	for _, part := range strings.Split(strings.ReplaceAll(p, "\\", "/"), "/") {
		if part == ".." {
			return "", models.NewError(models.KindPermissionDenied, "sanitize", p, fmt.Errorf("path escapes resource root"))
		}
	}
	return models.CleanPath(p), nil
}

func (c *conn) List(ctx context.Context, p string) ([]models.Entry, error) {
	safe, err := sanitizePath(p)
	if err != nil {
		return nil, err
	}

	infos, err := afero.ReadDir(c.fs, safe)
	if err != nil {
		return nil, translateError("list", p, err)
	}

	entries := make([]models.Entry, 0, len(infos))
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries = append(entries, toEntry(path.Join(safe, info.Name()), info))
	}
	return entries, nil
}

func (c *conn) Stat(ctx context.Context, p string) (*models.Entry, error) {
	safe, err := sanitizePath(p)
	if err != nil {
		return nil, err
	}

	info, err := c.fs.Stat(safe)
	if err != nil {
		return nil, translateError("stat", p, err)
	}
	e := toEntry(safe, info)
	return &e, nil
}

func (c *conn) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	safe, err := sanitizePath(p)
	if err != nil {
		return nil, err
	}

	f, err := c.fs.Open(safe)
	if err != nil {
		return nil, translateError("open", p, err)
	}
	return f, nil
}

// OpenWrite writes into a temp file next to the target and renames it into
// place on Close.
func (c *conn) OpenWrite(ctx context.Context, p string, size int64) (backend.Writer, error) {
	safe, err := sanitizePath(p)
	if err != nil {
		return nil, err
	}

	if err := c.fs.MkdirAll(path.Dir(safe), 0755); err != nil {
		return nil, translateError("mkdir", path.Dir(safe), err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", safe, time.Now().UnixNano())
	f, err := c.fs.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, translateError("create", p, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"path": p,
		"size": size,
	}).Debug("Writing file")

	return &atomicWriter{fs: c.fs, f: f, tempPath: tempPath, finalPath: safe}, nil
}

type atomicWriter struct {
	fs        afero.Fs
	f         afero.File
	tempPath  string
	finalPath string
	done      bool
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, translateError("write", w.finalPath, err)
	}
	return n, nil
}

func (w *atomicWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		_ = w.fs.Remove(w.tempPath)
		return translateError("sync", w.finalPath, err)
	}
	if err := w.f.Close(); err != nil {
		_ = w.fs.Remove(w.tempPath)
		return translateError("close", w.finalPath, err)
	}
	if err := w.fs.Rename(w.tempPath, w.finalPath); err != nil {
		_ = w.fs.Remove(w.tempPath)
		return translateError("rename", w.finalPath, err)
	}
	return nil
}

func (w *atomicWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	return w.fs.Remove(w.tempPath)
}

func (c *conn) Copy(ctx context.Context, src, dst string) error {
	r, err := c.OpenRead(ctx, src)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := c.OpenWrite(ctx, dst, -1)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return translateError("copy", src, err)
	}
	return w.Close()
}

func (c *conn) Move(ctx context.Context, src, dst string) error {
	s, err := sanitizePath(src)
	if err != nil {
		return err
	}
	d, err := sanitizePath(dst)
	if err != nil {
		return err
	}

	c.logger.WithFields(map[string]interface{}{
		"old": src,
		"new": dst,
	}).Debug("Moving file")

	if err := c.fs.MkdirAll(path.Dir(d), 0755); err != nil {
		return translateError("mkdir", path.Dir(d), err)
	}
	if err := c.fs.Rename(s, d); err != nil {
		return translateError("move", src, err)
	}
	return nil
}

func (c *conn) Delete(ctx context.Context, p string) error {
	safe, err := sanitizePath(p)
	if err != nil {
		return err
	}
	if safe == "/" {
		return models.NewError(models.KindPermissionDenied, "delete", p, fmt.Errorf("refusing to delete resource root"))
	}

	info, err := c.fs.Stat(safe)
	if err != nil {
		return translateError("delete", p, err)
	}
	if info.IsDir() {
		err = c.fs.RemoveAll(safe)
	} else {
		err = c.fs.Remove(safe)
	}
	if err != nil {
		return translateError("delete", p, err)
	}
	return nil
}

func (c *conn) Mkdir(ctx context.Context, p string) error {
	safe, err := sanitizePath(p)
	if err != nil {
		return err
	}
	if err := c.fs.MkdirAll(safe, 0755); err != nil {
		return translateError("mkdir", p, err)
	}
	return nil
}

func (c *conn) Alive(ctx context.Context) bool {
	return !c.closed.Load()
}

func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}

func toEntry(p string, info os.FileInfo) models.Entry {
	return models.Entry{
		Path:    p,
		Name:    info.Name(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
}

// translateError maps filesystem errors to the backend taxonomy.
func translateError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	kind := models.KindOf(err)
	if kind == models.KindUnknown {
		kind = models.KindProtocolError
	}
	return models.NewError(kind, op, p, err)
}

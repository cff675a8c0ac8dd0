// Package backendtest provides an in-memory backend adapter with failure
// injection for tests.
package backendtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// Operation names accepted by FailNext and Calls.
const (
	OpConnect = "connect"
	OpList    = "list"
	OpStat    = "stat"
	OpRead    = "read"
	OpWrite   = "write"
	OpCopy    = "copy"
	OpMove    = "move"
	OpDelete  = "delete"
	OpMkdir   = "mkdir"
)

type file struct {
	data    []byte
	modTime time.Time
}

// Fake is an adapter whose connections all share one in-memory tree.
type Fake struct {
	kind string

	mu       sync.Mutex
	files    map[string]*file
	dirs     map[string]bool
	queued   map[string][]error
	always   map[string]error
	calls    map[string]int
	delay    time.Duration
	noCopy   bool
	dead     bool
	dials    int
	open     int
	maxOpen  int
	closed   int
	now      func() time.Time
	onAction func(op, p string)
}

// New creates a fake adapter registered under kind.
func New(kind string) *Fake {
	return &Fake{
		kind:   kind,
		files:  make(map[string]*file),
		dirs:   map[string]bool{"/": true},
		queued: make(map[string][]error),
		always: make(map[string]error),
		calls:  make(map[string]int),
		now:    time.Now,
	}
}

// Kind returns the adapter key.
func (f *Fake) Kind() string { return f.kind }

// Connect returns a new connection unless a connect failure is injected.
func (f *Fake) Connect(ctx context.Context, res *models.Resource, cred *models.Credential) (backend.Conn, error) {
	if err := f.begin(ctx, OpConnect, res.ID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	f.open++
	if f.open > f.maxOpen {
		f.maxOpen = f.open
	}
	return &conn{f: f}, nil
}

// Put stores a file, creating parent directories.
func (f *Fake) Put(p string, data []byte, modTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(models.CleanPath(p), data, modTime)
}

func (f *Fake) put(p string, data []byte, modTime time.Time) {
	f.files[p] = &file{data: append([]byte(nil), data...), modTime: modTime}
	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		f.dirs[dir] = true
		if dir == "/" {
			break
		}
	}
}

// Get returns the content of a file.
func (f *Fake) Get(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.files[models.CleanPath(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), fl.data...), true
}

// Exists reports whether a file or directory exists.
func (f *Fake) Exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = models.CleanPath(p)
	_, ok := f.files[p]
	return ok || f.dirs[p]
}

// FailNext makes the next calls of op return errs, one per call.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[op] = append(f.queued[op], errs...)
}

// FailAlways makes every call of op return err until Heal.
func (f *Fake) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always[op] = err
}

// Heal removes all injected failures.
func (f *Fake) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = make(map[string][]error)
	f.always = make(map[string]error)
}

// SetDelay makes every call block for d or until its context ends.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// DisableServerCopy makes Copy return models.ErrNotSupported.
func (f *Fake) DisableServerCopy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noCopy = true
}

// SetAlive controls the result of Conn.Alive for all connections.
func (f *Fake) SetAlive(alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = !alive
}

// SetClock replaces the clock used for modification times.
func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// OnAction registers a hook called with every successful mutation.
func (f *Fake) OnAction(fn func(op, p string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onAction = fn
}

// Calls returns how many times op was invoked, including failures.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Dials returns the number of successful connects.
func (f *Fake) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// Open returns the number of connections not yet closed.
func (f *Fake) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// MaxOpen returns the highest number of simultaneously open connections.
func (f *Fake) MaxOpen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOpen
}

// Closed returns the number of closed connections.
func (f *Fake) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) begin(ctx context.Context, op, p string) error {
	f.mu.Lock()
	f.calls[op]++
	delay := f.delay
	var err error
	if q := f.queued[op]; len(q) > 0 {
		err = q[0]
		f.queued[op] = q[1:]
	} else if e, ok := f.always[op]; ok {
		err = e
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err != nil {
		return models.Wrap(op, p, err)
	}
	return nil
}

func (f *Fake) action(op, p string) {
	if f.onAction != nil {
		f.onAction(op, p)
	}
}

type conn struct {
	f      *Fake
	closed bool
}

func notFound(op, p string) error {
	return models.NewError(models.KindNotFound, op, p, fmt.Errorf("no such file"))
}

func (c *conn) List(ctx context.Context, p string) ([]models.Entry, error) {
	if err := c.f.begin(ctx, OpList, p); err != nil {
		return nil, err
	}
	f := c.f
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := models.CleanPath(p)
	if !f.dirs[dir] {
		return nil, notFound(OpList, p)
	}

	var entries []models.Entry
	for name, fl := range f.files {
		if path.Dir(name) == dir {
			entries = append(entries, models.Entry{Path: name, Name: path.Base(name), Size: int64(len(fl.data)), ModTime: fl.modTime})
		}
	}
	for name := range f.dirs {
		if name != "/" && path.Dir(name) == dir {
			entries = append(entries, models.Entry{Path: name, Name: path.Base(name), IsDir: true})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (c *conn) Stat(ctx context.Context, p string) (*models.Entry, error) {
	if err := c.f.begin(ctx, OpStat, p); err != nil {
		return nil, err
	}
	f := c.f
	f.mu.Lock()
	defer f.mu.Unlock()

	clean := models.CleanPath(p)
	if fl, ok := f.files[clean]; ok {
		return &models.Entry{Path: clean, Name: path.Base(clean), Size: int64(len(fl.data)), ModTime: fl.modTime}, nil
	}
	if f.dirs[clean] {
		return &models.Entry{Path: clean, Name: path.Base(clean), IsDir: true}, nil
	}
	return nil, notFound(OpStat, p)
}

func (c *conn) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := c.f.begin(ctx, OpRead, p); err != nil {
		return nil, err
	}
	data, ok := c.f.Get(p)
	if !ok {
		return nil, notFound(OpRead, p)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *conn) OpenWrite(ctx context.Context, p string, size int64) (backend.Writer, error) {
	if err := c.f.begin(ctx, OpWrite, p); err != nil {
		return nil, err
	}
	return &writer{ctx: ctx, f: c.f, p: models.CleanPath(p)}, nil
}

type writer struct {
	ctx  context.Context
	f    *Fake
	p    string
	buf  bytes.Buffer
	done bool
}

func (w *writer) Write(b []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	return w.buf.Write(b)
}

func (w *writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.f.put(w.p, w.buf.Bytes(), w.f.now())
	w.f.action(OpWrite, w.p)
	return nil
}

func (w *writer) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}

func (c *conn) Copy(ctx context.Context, src, dst string) error {
	if err := c.f.begin(ctx, OpCopy, src); err != nil {
		return err
	}
	f := c.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noCopy {
		return models.ErrNotSupported
	}
	fl, ok := f.files[models.CleanPath(src)]
	if !ok {
		return notFound(OpCopy, src)
	}
	f.put(models.CleanPath(dst), fl.data, f.now())
	f.action(OpCopy, dst)
	return nil
}

func (c *conn) Move(ctx context.Context, src, dst string) error {
	if err := c.f.begin(ctx, OpMove, src); err != nil {
		return err
	}
	f := c.f
	f.mu.Lock()
	defer f.mu.Unlock()
	from := models.CleanPath(src)
	fl, ok := f.files[from]
	if !ok {
		return notFound(OpMove, src)
	}
	delete(f.files, from)
	f.put(models.CleanPath(dst), fl.data, fl.modTime)
	f.action(OpMove, dst)
	return nil
}

func (c *conn) Delete(ctx context.Context, p string) error {
	if err := c.f.begin(ctx, OpDelete, p); err != nil {
		return err
	}
	f := c.f
	f.mu.Lock()
	defer f.mu.Unlock()
	clean := models.CleanPath(p)
	if _, ok := f.files[clean]; ok {
		delete(f.files, clean)
		f.action(OpDelete, clean)
		return nil
	}
	if !f.dirs[clean] || clean == "/" {
		return notFound(OpDelete, p)
	}
	prefix := clean + "/"
	for name := range f.files {
		if strings.HasPrefix(name, prefix) {
			delete(f.files, name)
		}
	}
	for name := range f.dirs {
		if name == clean || strings.HasPrefix(name, prefix) {
			delete(f.dirs, name)
		}
	}
	f.action(OpDelete, clean)
	return nil
}

func (c *conn) Mkdir(ctx context.Context, p string) error {
	if err := c.f.begin(ctx, OpMkdir, p); err != nil {
		return err
	}
	f := c.f
	f.mu.Lock()
	defer f.mu.Unlock()
	for dir := models.CleanPath(p); ; dir = path.Dir(dir) {
		f.dirs[dir] = true
		if dir == "/" {
			break
		}
	}
	return nil
}

func (c *conn) Alive(ctx context.Context) bool {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	return !c.closed && !c.f.dead
}

func (c *conn) Close() error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.f.open--
		c.f.closed++
	}
	return nil
}

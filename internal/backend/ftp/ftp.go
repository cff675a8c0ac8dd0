// Package ftp serves resources over FTP and FTPS.
package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/config"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// FTP reply codes the adapter distinguishes.
const (
	codeNotAvailable        = 421
	codeCannotOpenData      = 425
	codeTransferAborted     = 426
	codeFileActionIgnored   = 450
	codeInsufficientStorage = 452
	codeNotImplemented      = 502
	codeNotLoggedIn         = 530
	codeFileUnavailable     = 550
	codeExceededStorage     = 552
)

const defaultPort = "21"

// Resource options understood by the adapter.
const (
	OptionTLS         = "tls" // "explicit" or "implicit"
	OptionSkipVerify  = "tls_skip_verify"
	OptionDisableEPSV = "disable_epsv"
)

// Adapter opens FTP control connections.
type Adapter struct {
	timeouts config.TimeoutConfig
	logger   *events.Logger
}

// New creates an FTP adapter.
func New(timeouts config.TimeoutConfig, logger *events.Logger) *Adapter {
	return &Adapter{
		timeouts: timeouts,
		logger:   logger.WithField("component", "ftp_adapter"),
	}
}

// Kind returns "ftp".
func (a *Adapter) Kind() string { return string(models.BackendFTP) }

// Connect dials and logs in. Anonymous login is used without a credential.
func (a *Adapter) Connect(ctx context.Context, res *models.Resource, cred *models.Credential) (backend.Conn, error) {
	addr := res.Address
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		addr = net.JoinHostPort(addr, defaultPort)
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.timeouts.Connect)
	defer cancel()

	opts := []ftp.DialOption{
		ftp.DialWithContext(dialCtx),
		ftp.DialWithTimeout(a.timeouts.Read),
	}

	tlsConf := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: res.Option(OptionSkipVerify, "false") == "true",
	}
	switch res.Option(OptionTLS, "") {
	case "explicit":
		opts = append(opts, ftp.DialWithExplicitTLS(tlsConf))
	case "implicit":
		opts = append(opts, ftp.DialWithTLS(tlsConf))
	}
	if res.Option(OptionDisableEPSV, "false") == "true" {
		opts = append(opts, ftp.DialWithDisabledEPSV(true))
	}

	sc, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, translateError("dial", addr, err)
	}

	user, pass := "anonymous", "anonymous"
	if cred != nil && cred.Username != "" {
		user, pass = cred.Username, cred.Secret
	}
	if err := sc.Login(user, pass); err != nil {
		_ = sc.Quit()
		return nil, translateError("login", addr, err)
	}

	a.logger.WithFields(map[string]interface{}{
		"resource_id": res.ID,
		"address":     addr,
		"user":        user,
	}).Debug("Logged in to FTP server")

	return &conn{
		sc:     sc,
		root:   "/" + strings.Trim(res.Root, "/"),
		logger: a.logger.WithField("resource_id", res.ID),
	}, nil
}

// conn wraps one control connection. FTP allows a single transfer at a
// time, so a conn must not be shared between concurrent callers.
type conn struct {
	sc     *ftp.ServerConn
	root   string
	logger *events.Logger
	broken atomic.Bool
}

func (c *conn) remote(p string) string {
	return path.Join(c.root, models.CleanPath(p))
}

func (c *conn) fail(op, p string, err error) error {
	terr := translateError(op, p, err)
	if models.IsConnectionFailure(terr) {
		c.broken.Store(true)
	}
	return terr
}

func (c *conn) List(ctx context.Context, p string) ([]models.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := c.sc.List(c.remote(p))
	if err != nil {
		return nil, c.fail("list", p, err)
	}

	dir := models.CleanPath(p)
	entries := make([]models.Entry, 0, len(list))
	for _, e := range list {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		entries = append(entries, toEntry(path.Join(dir, e.Name), e))
	}
	return entries, nil
}

// Stat uses MLST when the server has it and falls back to listing the
// parent directory.
func (c *conn) Stat(ctx context.Context, p string) (*models.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := models.CleanPath(p)
	if clean == "/" {
		return &models.Entry{Path: "/", Name: "/", IsDir: true}, nil
	}

	e, err := c.sc.GetEntry(c.remote(p))
	if err == nil {
		entry := toEntry(clean, e)
		entry.Name = path.Base(clean)
		return &entry, nil
	}
	var te *textproto.Error
	if !errors.As(err, &te) || te.Code != codeNotImplemented {
		return nil, c.fail("stat", p, err)
	}

	list, err := c.sc.List(c.remote(path.Dir(clean)))
	if err != nil {
		return nil, c.fail("stat", p, err)
	}
	name := path.Base(clean)
	for _, e := range list {
		if e.Name == name {
			entry := toEntry(clean, e)
			return &entry, nil
		}
	}
	return nil, models.NewError(models.KindNotFound, "stat", p, fmt.Errorf("no such file"))
}

func (c *conn) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.sc.Retr(c.remote(p))
	if err != nil {
		return nil, c.fail("open", p, err)
	}
	return &reader{ctx: ctx, resp: resp, c: c, p: p}, nil
}

type reader struct {
	ctx  context.Context
	resp *ftp.Response
	c    *conn
	p    string
}

func (r *reader) Read(b []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.resp.Read(b)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, r.c.fail("read", r.p, err)
	}
	return n, err
}

func (r *reader) Close() error {
	if err := r.resp.Close(); err != nil {
		return r.c.fail("close", r.p, err)
	}
	return nil
}

// OpenWrite streams into a temp name with STOR and renames it on Close.
func (c *conn) OpenWrite(ctx context.Context, p string, size int64) (backend.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	final := c.remote(p)
	if err := c.mkdirAll(path.Dir(final)); err != nil {
		return nil, c.fail("mkdir", path.Dir(p), err)
	}

	temp := fmt.Sprintf("%s.tmp.%d", final, time.Now().UnixNano())
	pw := backend.NewPipeWriter(func(r io.Reader) error {
		return c.sc.Stor(temp, r)
	})
	return &writer{pw: pw, c: c, p: p, temp: temp, final: final}, nil
}

type writer struct {
	pw    *backend.PipeWriter
	c     *conn
	p     string
	temp  string
	final string
}

func (w *writer) Write(b []byte) (int, error) {
	return w.pw.Write(b)
}

func (w *writer) Close() error {
	if err := w.pw.Close(); err != nil {
		_ = w.c.sc.Delete(w.temp)
		return w.c.fail("upload", w.p, err)
	}
	if err := w.c.sc.Rename(w.temp, w.final); err != nil {
		_ = w.c.sc.Delete(w.temp)
		return w.c.fail("rename", w.p, err)
	}
	return nil
}

// Abort stops the transfer and removes the partial upload. A control
// connection that cannot delete it is no longer trusted.
func (w *writer) Abort() error {
	_ = w.pw.Abort()
	if err := w.c.sc.Delete(w.temp); err != nil {
		var te *textproto.Error
		if !errors.As(err, &te) {
			w.c.broken.Store(true)
		}
	}
	return nil
}

// Copy has no FTP command.
func (c *conn) Copy(ctx context.Context, src, dst string) error {
	return models.ErrNotSupported
}

func (c *conn) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := c.remote(dst)
	if err := c.mkdirAll(path.Dir(to)); err != nil {
		return c.fail("mkdir", path.Dir(dst), err)
	}
	if err := c.sc.Rename(c.remote(src), to); err != nil {
		return c.fail("move", src, err)
	}
	return nil
}

func (c *conn) Delete(ctx context.Context, p string) error {
	if models.CleanPath(p) == "/" {
		return models.NewError(models.KindPermissionDenied, "delete", p, fmt.Errorf("refusing to delete resource root"))
	}
	e, err := c.Stat(ctx, p)
	if err != nil {
		return err
	}
	if e.IsDir {
		err = c.sc.RemoveDirRecur(c.remote(p))
	} else {
		err = c.sc.Delete(c.remote(p))
	}
	if err != nil {
		return c.fail("delete", p, err)
	}
	return nil
}

func (c *conn) Mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.mkdirAll(c.remote(p)); err != nil {
		return c.fail("mkdir", p, err)
	}
	return nil
}

// mkdirAll creates each missing segment. 550 on MKD means the directory
// already exists on most servers.
func (c *conn) mkdirAll(dir string) error {
	if dir == "/" || dir == "." {
		return nil
	}
	current := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		current += "/" + part
		err := c.sc.MakeDir(current)
		if err == nil {
			continue
		}
		var te *textproto.Error
		if errors.As(err, &te) && te.Code == codeFileUnavailable {
			continue
		}
		return err
	}
	return nil
}

// Alive sends NOOP.
func (c *conn) Alive(ctx context.Context) bool {
	if c.broken.Load() {
		return false
	}
	return c.sc.NoOp() == nil
}

func (c *conn) Close() error {
	c.broken.Store(true)
	return c.sc.Quit()
}

func toEntry(p string, e *ftp.Entry) models.Entry {
	return models.Entry{
		Path:    p,
		Name:    e.Name,
		Size:    int64(e.Size),
		ModTime: e.Time,
		IsDir:   e.Type == ftp.EntryTypeFolder,
	}
}

// translateError maps FTP replies and network errors to the backend
// taxonomy.
func translateError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var te *textproto.Error
	if errors.As(err, &te) {
		return models.NewError(kindForCode(te.Code), op, p, err)
	}
	return models.Wrap(op, p, err)
}

func kindForCode(code int) models.ErrorKind {
	switch code {
	case codeNotLoggedIn:
		return models.KindAuthenticationFailed
	case codeFileUnavailable, codeFileActionIgnored:
		return models.KindNotFound
	case codeNotAvailable:
		return models.KindServerUnreachable
	case codeCannotOpenData, codeTransferAborted:
		return models.KindConnectionLost
	case codeInsufficientStorage, codeExceededStorage:
		// The server cannot tell a full disk from an account limit.
		return models.KindQuotaExceeded
	default:
		return models.KindProtocolError
	}
}

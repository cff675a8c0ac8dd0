// Package smb connects to SMB2/3 shares directly, without an OS mount.
package smb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync/atomic"

	"github.com/hirochachacha/go-smb2"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/config"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// NT status codes the adapter distinguishes.
const (
	statusAccessDenied        = 0xC0000022
	statusObjectNameNotFound  = 0xC0000034
	statusObjectPathNotFound  = 0xC000003A
	statusQuotaExceeded       = 0xC0000044
	statusLogonFailure        = 0xC000006D
	statusAccountRestriction  = 0xC000006E
	statusPasswordExpired     = 0xC0000071
	statusDiskFull            = 0xC000007F
	statusNetworkNameDeleted  = 0xC00000C9
	statusBadNetworkName      = 0xC00000CC
	statusUserSessionDeleted  = 0xC0000203
	statusConnectionReset     = 0xC000020D
	statusIOTimeout           = 0xC00000B5
	statusSharingViolation    = 0xC0000043
	statusInsufficientRsrcs   = 0xC000009A
	statusNetworkSessionExpir = 0xC000035C
)

const defaultPort = "445"

// Adapter opens SMB sessions. Resource.Address is host[:port] and
// Resource.Root is "share" or "share/sub/dir".
type Adapter struct {
	timeouts config.TimeoutConfig
	logger   *events.Logger
}

// New creates an SMB adapter.
func New(timeouts config.TimeoutConfig, logger *events.Logger) *Adapter {
	return &Adapter{
		timeouts: timeouts,
		logger:   logger.WithField("component", "smb_adapter"),
	}
}

// Kind returns "smb".
func (a *Adapter) Kind() string { return string(models.BackendSMB) }

// Connect dials the server, authenticates with NTLM and mounts the share.
func (a *Adapter) Connect(ctx context.Context, res *models.Resource, cred *models.Credential) (backend.Conn, error) {
	addr := res.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}

	shareName, prefix := splitShare(res.Root)
	if shareName == "" {
		return nil, models.ProtocolError("connect", res.Root, "no share name configured", nil)
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.timeouts.Connect)
	defer cancel()

	var d net.Dialer
	tcp, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, translateError("dial", addr, err)
	}

	initiator := &smb2.NTLMInitiator{}
	if cred != nil {
		initiator.User = cred.Username
		initiator.Password = cred.Secret
		initiator.Domain = cred.Domain
	}
	dialer := &smb2.Dialer{Initiator: initiator}

	session, err := dialer.DialContext(dialCtx, tcp)
	if err != nil {
		tcp.Close()
		return nil, translateError("login", addr, err)
	}

	share, err := session.Mount(shareName)
	if err != nil {
		_ = session.Logoff()
		return nil, translateError("mount", shareName, err)
	}

	a.logger.WithFields(map[string]interface{}{
		"resource_id": res.ID,
		"address":     addr,
		"share":       shareName,
	}).Debug("Mounted SMB share")

	return &conn{
		session:  session,
		share:    share,
		prefix:   prefix,
		timeouts: a.timeouts,
		logger:   a.logger.WithField("resource_id", res.ID),
	}, nil
}

func splitShare(root string) (share, prefix string) {
	root = strings.Trim(strings.ReplaceAll(root, "\\", "/"), "/")
	share, prefix, _ = strings.Cut(root, "/")
	return share, prefix
}

type conn struct {
	session  *smb2.Session
	share    *smb2.Share
	prefix   string
	timeouts config.TimeoutConfig
	logger   *events.Logger
	broken   atomic.Bool
}

// toSambaPath converts a resource path to a backslash path inside the share.
func (c *conn) toSambaPath(p string) string {
	full := strings.TrimPrefix(path.Join("/", c.prefix, models.CleanPath(p)), "/")
	return strings.ReplaceAll(full, "/", `\`)
}

func (c *conn) opShare(ctx context.Context) (*smb2.Share, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Read)
	return c.share.WithContext(ctx), cancel
}

func (c *conn) fail(op, p string, err error) error {
	terr := translateError(op, p, err)
	if models.IsConnectionFailure(terr) {
		c.broken.Store(true)
	}
	return terr
}

func (c *conn) List(ctx context.Context, p string) ([]models.Entry, error) {
	share, cancel := c.opShare(ctx)
	defer cancel()

	infos, err := share.ReadDir(c.toSambaPath(p))
	if err != nil {
		return nil, c.fail("list", p, err)
	}

	dir := models.CleanPath(p)
	entries := make([]models.Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, toEntry(path.Join(dir, info.Name()), info))
	}
	return entries, nil
}

func (c *conn) Stat(ctx context.Context, p string) (*models.Entry, error) {
	share, cancel := c.opShare(ctx)
	defer cancel()

	info, err := share.Stat(c.toSambaPath(p))
	if err != nil {
		return nil, c.fail("stat", p, err)
	}
	e := toEntry(models.CleanPath(p), info)
	return &e, nil
}

func (c *conn) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	f, err := c.share.WithContext(ctx).Open(c.toSambaPath(p))
	if err != nil {
		return nil, c.fail("open", p, err)
	}
	return &reader{f: f, c: c, p: p}, nil
}

type reader struct {
	f *smb2.File
	c *conn
	p string
}

func (r *reader) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, r.c.fail("read", r.p, err)
	}
	return n, err
}

func (r *reader) Close() error {
	return r.f.Close()
}

func (c *conn) OpenWrite(ctx context.Context, p string, size int64) (backend.Writer, error) {
	share := c.share.WithContext(ctx)
	name := c.toSambaPath(p)

	if dir := path.Dir(models.CleanPath(p)); dir != "/" {
		if err := share.MkdirAll(c.toSambaPath(dir), 0o755); err != nil {
			return nil, c.fail("mkdir", dir, err)
		}
	}

	f, err := share.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, c.fail("create", p, err)
	}

	return &writer{f: f, share: share, name: name, c: c, p: p}, nil
}

type writer struct {
	f     *smb2.File
	share *smb2.Share
	name  string
	c     *conn
	p     string
	done  bool
}

func (w *writer) Write(b []byte) (int, error) {
	n, err := w.f.Write(b)
	if err != nil {
		return n, w.c.fail("write", w.p, err)
	}
	return n, nil
}

func (w *writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		_ = w.share.Remove(w.name)
		return w.c.fail("close", w.p, err)
	}
	return nil
}

// Abort removes the partially written file.
func (w *writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	return w.share.Remove(w.name)
}

// Copy is not available natively over SMB2 without IOCTL support.
func (c *conn) Copy(ctx context.Context, src, dst string) error {
	return models.ErrNotSupported
}

func (c *conn) Move(ctx context.Context, src, dst string) error {
	share, cancel := c.opShare(ctx)
	defer cancel()

	if dir := path.Dir(models.CleanPath(dst)); dir != "/" {
		if err := share.MkdirAll(c.toSambaPath(dir), 0o755); err != nil {
			return c.fail("mkdir", dir, err)
		}
	}
	if err := share.Rename(c.toSambaPath(src), c.toSambaPath(dst)); err != nil {
		return c.fail("move", src, err)
	}
	return nil
}

func (c *conn) Delete(ctx context.Context, p string) error {
	if models.CleanPath(p) == "/" {
		return models.NewError(models.KindPermissionDenied, "delete", p, fmt.Errorf("refusing to delete share root"))
	}

	share, cancel := c.opShare(ctx)
	defer cancel()

	name := c.toSambaPath(p)
	info, err := share.Stat(name)
	if err != nil {
		return c.fail("delete", p, err)
	}
	if info.IsDir() {
		err = removeAll(share, name)
	} else {
		err = share.Remove(name)
	}
	if err != nil {
		return c.fail("delete", p, err)
	}
	return nil
}

func removeAll(share *smb2.Share, name string) error {
	infos, err := share.ReadDir(name)
	if err != nil {
		return err
	}
	for _, info := range infos {
		child := name + `\` + info.Name()
		if info.IsDir() {
			err = removeAll(share, child)
		} else {
			err = share.Remove(child)
		}
		if err != nil {
			return err
		}
	}
	return share.Remove(name)
}

func (c *conn) Mkdir(ctx context.Context, p string) error {
	share, cancel := c.opShare(ctx)
	defer cancel()

	if err := share.MkdirAll(c.toSambaPath(p), 0o755); err != nil {
		return c.fail("mkdir", p, err)
	}
	return nil
}

// Alive stats the share root.
func (c *conn) Alive(ctx context.Context) bool {
	if c.broken.Load() {
		return false
	}
	share, cancel := c.opShare(ctx)
	defer cancel()

	_, err := share.Stat(c.toSambaPath("/"))
	return err == nil
}

func (c *conn) Close() error {
	var errs []error
	if err := c.share.Umount(); err != nil {
		errs = append(errs, err)
	}
	if err := c.session.Logoff(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
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

// translateError maps go-smb2 and network errors to the backend taxonomy.
func translateError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var re *smb2.ResponseError
	if errors.As(err, &re) {
		return models.NewError(kindForStatus(re.Code), op, p, err)
	}

	var te *smb2.TransportError
	if errors.As(err, &te) {
		return models.NewError(models.KindConnectionLost, op, p, err)
	}

	var ie *smb2.InvalidResponseError
	if errors.As(err, &ie) {
		return models.ProtocolError(op, p, "invalid response", err)
	}

	return models.Wrap(op, p, err)
}

func kindForStatus(code uint32) models.ErrorKind {
	switch code {
	case statusLogonFailure, statusAccountRestriction, statusPasswordExpired:
		return models.KindAuthenticationFailed
	case statusAccessDenied, statusSharingViolation:
		return models.KindPermissionDenied
	case statusObjectNameNotFound, statusObjectPathNotFound, statusBadNetworkName:
		return models.KindNotFound
	case statusQuotaExceeded:
		return models.KindQuotaExceeded
	case statusDiskFull:
		return models.KindDiskFull
	case statusNetworkNameDeleted, statusUserSessionDeleted, statusConnectionReset, statusNetworkSessionExpir:
		return models.KindConnectionLost
	case statusIOTimeout:
		return models.KindConnectionTimeout
	case statusInsufficientRsrcs:
		return models.KindRateLimited
	default:
		return models.KindProtocolError
	}
}

// Package sftp serves resources over SSH File Transfer Protocol.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/config"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// SSH_FX status codes, including the filesystem extensions from
// draft-ietf-secsh-filexfer-13.
const (
	fxNoSuchFile       = 2
	fxPermissionDenied = 3
	fxNoConnection     = 6
	fxConnectionLost   = 7
	fxOpUnsupported    = 8
	fxNoSpace          = 14
	fxQuotaExceeded    = 15
)

const defaultPort = "22"

// Resource options understood by the adapter.
const (
	OptionHostKey        = "host_key"
	OptionKnownHosts     = "known_hosts"
	OptionInsecure       = "insecure_ignore_host_key"
	OptionKeyPassphrase  = "key_passphrase"
	OptionDisablePosixMv = "disable_posix_rename"
)

// Adapter opens SFTP sessions over SSH.
type Adapter struct {
	timeouts config.TimeoutConfig
	logger   *events.Logger
}

// New creates an SFTP adapter.
func New(timeouts config.TimeoutConfig, logger *events.Logger) *Adapter {
	return &Adapter{
		timeouts: timeouts,
		logger:   logger.WithField("component", "sftp_adapter"),
	}
}

// Kind returns "sftp".
func (a *Adapter) Kind() string { return string(models.BackendSFTP) }

// Connect performs the SSH handshake and starts the sftp subsystem.
func (a *Adapter) Connect(ctx context.Context, res *models.Resource, cred *models.Credential) (backend.Conn, error) {
	addr := res.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}

	sshConfig, err := clientConfig(res, cred, a.timeouts.Connect)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.timeouts.Connect)
	defer cancel()

	var d net.Dialer
	tcp, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, translateError("dial", addr, err)
	}

	// Bound the handshake by the connect timeout.
	deadline, _ := dialCtx.Deadline()
	_ = tcp.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(tcp, addr, sshConfig)
	if err != nil {
		tcp.Close()
		return nil, translateError("handshake", addr, err)
	}
	_ = tcp.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, translateError("subsystem", addr, err)
	}

	a.logger.WithFields(map[string]interface{}{
		"resource_id": res.ID,
		"address":     addr,
		"user":        sshConfig.User,
	}).Debug("Opened SFTP session")

	c := &conn{
		ssh:         client,
		sftp:        sc,
		root:        "/" + strings.Trim(res.Root, "/"),
		posixRename: res.Option(OptionDisablePosixMv, "false") != "true",
		timeouts:    a.timeouts,
		logger:      a.logger.WithField("resource_id", res.ID),
	}

	go func() {
		_ = client.Wait()
		c.broken.Store(true)
	}()

	return c, nil
}

func clientConfig(res *models.Resource, cred *models.Credential, timeout time.Duration) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{Timeout: timeout}

	if cred != nil {
		cfg.User = cred.Username
		if cred.PrivateKey != "" {
			signer, err := parseKey(cred.PrivateKey, res.Option(OptionKeyPassphrase, ""))
			if err != nil {
				return nil, models.NewError(models.KindAuthenticationFailed, "parse_key", res.ID, err)
			}
			cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
		}
		if cred.Secret != "" {
			cfg.Auth = append(cfg.Auth, ssh.Password(cred.Secret))
		}
	}

	cb, err := hostKeyCallback(res)
	if err != nil {
		return nil, err
	}
	cfg.HostKeyCallback = cb
	return cfg, nil
}

func parseKey(pem, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase([]byte(pem), []byte(passphrase))
	}
	return ssh.ParsePrivateKey([]byte(pem))
}

// hostKeyCallback verifies against a pinned key, a known_hosts file, or
// nothing when explicitly disabled.
func hostKeyCallback(res *models.Resource) (ssh.HostKeyCallback, error) {
	if pinned := res.Option(OptionHostKey, ""); pinned != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pinned))
		if err != nil {
			return nil, models.ProtocolError("host_key", res.ID, "invalid pinned host key", err)
		}
		return ssh.FixedHostKey(key), nil
	}

	if res.Option(OptionInsecure, "false") == "true" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	file := res.Option(OptionKnownHosts, "")
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, models.ProtocolError("known_hosts", res.ID, "cannot locate home directory", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, models.ProtocolError("known_hosts", file, "cannot load known hosts", err)
	}
	return cb, nil
}

type conn struct {
	ssh         *ssh.Client
	sftp        *sftp.Client
	root        string
	posixRename bool
	timeouts    config.TimeoutConfig
	logger      *events.Logger
	broken      atomic.Bool
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
	infos, err := c.sftp.ReadDir(c.remote(p))
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := c.sftp.Stat(c.remote(p))
	if err != nil {
		return nil, c.fail("stat", p, err)
	}
	e := toEntry(models.CleanPath(p), info)
	return &e, nil
}

func (c *conn) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := c.sftp.Open(c.remote(p))
	if err != nil {
		return nil, c.fail("open", p, err)
	}
	return &reader{ctx: ctx, f: f, c: c, p: p}, nil
}

type reader struct {
	ctx context.Context
	f   *sftp.File
	c   *conn
	p   string
}

func (r *reader) Read(b []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.f.Read(b)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, r.c.fail("read", r.p, err)
	}
	return n, err
}

func (r *reader) Close() error { return r.f.Close() }

// OpenWrite uploads to a temp name and renames it over the target on Close.
func (c *conn) OpenWrite(ctx context.Context, p string, size int64) (backend.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	final := c.remote(p)
	if err := c.sftp.MkdirAll(path.Dir(final)); err != nil {
		return nil, c.fail("mkdir", path.Dir(p), err)
	}

	temp := fmt.Sprintf("%s.tmp.%d", final, time.Now().UnixNano())
	f, err := c.sftp.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return nil, c.fail("create", p, err)
	}
	return &writer{ctx: ctx, f: f, c: c, p: p, temp: temp, final: final}, nil
}

type writer struct {
	ctx   context.Context
	f     *sftp.File
	c     *conn
	p     string
	temp  string
	final string
	done  bool
}

func (w *writer) Write(b []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
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
		_ = w.c.sftp.Remove(w.temp)
		return w.c.fail("close", w.p, err)
	}
	if err := w.c.rename(w.temp, w.final); err != nil {
		_ = w.c.sftp.Remove(w.temp)
		return w.c.fail("rename", w.p, err)
	}
	return nil
}

func (w *writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	return w.c.sftp.Remove(w.temp)
}

// rename replaces dst atomically when the server supports
// posix-rename@openssh.com, otherwise it removes dst first.
func (c *conn) rename(src, dst string) error {
	if c.posixRename {
		err := c.sftp.PosixRename(src, dst)
		if err == nil {
			return nil
		}
		var se *sftp.StatusError
		if !errors.As(err, &se) || se.Code != fxOpUnsupported {
			return err
		}
		c.posixRename = false
	}
	if _, err := c.sftp.Stat(dst); err == nil {
		if err := c.sftp.Remove(dst); err != nil {
			return err
		}
	}
	return c.sftp.Rename(src, dst)
}

// Copy has no portable SFTP request.
func (c *conn) Copy(ctx context.Context, src, dst string) error {
	return models.ErrNotSupported
}

func (c *conn) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := c.remote(dst)
	if err := c.sftp.MkdirAll(path.Dir(to)); err != nil {
		return c.fail("mkdir", path.Dir(dst), err)
	}
	if err := c.rename(c.remote(src), to); err != nil {
		return c.fail("move", src, err)
	}
	return nil
}

func (c *conn) Delete(ctx context.Context, p string) error {
	if models.CleanPath(p) == "/" {
		return models.NewError(models.KindPermissionDenied, "delete", p, fmt.Errorf("refusing to delete resource root"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	name := c.remote(p)
	info, err := c.sftp.Stat(name)
	if err != nil {
		return c.fail("delete", p, err)
	}
	if info.IsDir() {
		err = c.removeAll(ctx, name)
	} else {
		err = c.sftp.Remove(name)
	}
	if err != nil {
		return c.fail("delete", p, err)
	}
	return nil
}

func (c *conn) removeAll(ctx context.Context, dir string) error {
	infos, err := c.sftp.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		child := path.Join(dir, info.Name())
		if info.IsDir() {
			err = c.removeAll(ctx, child)
		} else {
			err = c.sftp.Remove(child)
		}
		if err != nil {
			return err
		}
	}
	return c.sftp.RemoveDirectory(dir)
}

func (c *conn) Mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.sftp.MkdirAll(c.remote(p)); err != nil {
		return c.fail("mkdir", p, err)
	}
	return nil
}

// Alive sends an OpenSSH keepalive request.
func (c *conn) Alive(ctx context.Context) bool {
	if c.broken.Load() {
		return false
	}
	_, _, err := c.ssh.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (c *conn) Close() error {
	c.broken.Store(true)
	return errors.Join(c.sftp.Close(), c.ssh.Close())
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

// translateError maps ssh and sftp errors to the backend taxonomy.
func translateError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var se *sftp.StatusError
	if errors.As(err, &se) {
		return models.NewError(kindForStatus(se.Code), op, p, err)
	}

	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return models.NewError(models.KindConnectionLost, op, p, err)
	}

	var kerr *knownhosts.KeyError
	if errors.As(err, &kerr) {
		return models.NewError(models.KindAuthenticationFailed, op, p, err)
	}

	// x/crypto/ssh reports rejected credentials as a plain error.
	if strings.Contains(err.Error(), "unable to authenticate") {
		return models.NewError(models.KindAuthenticationFailed, op, p, err)
	}

	return models.Wrap(op, p, err)
}

func kindForStatus(code uint32) models.ErrorKind {
	switch code {
	case fxNoSuchFile:
		return models.KindNotFound
	case fxPermissionDenied:
		return models.KindPermissionDenied
	case fxNoConnection, fxConnectionLost:
		return models.KindConnectionLost
	case fxNoSpace:
		return models.KindDiskFull
	case fxQuotaExceeded:
		return models.KindQuotaExceeded
	default:
		return models.KindProtocolError
	}
}

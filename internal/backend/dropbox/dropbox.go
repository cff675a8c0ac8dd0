// Package dropbox serves cloud resources stored in Dropbox.
package dropbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/auth"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/users"
	"golang.org/x/oauth2"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// Provider is the cloud provider name served by this adapter.
const Provider = "dropbox"

// Uploads larger than one chunk go through an upload session.
const defaultChunkSize = 8 << 20

// TokenSaver persists a refreshed OAuth token for a credential.
type TokenSaver func(credentialID string, tok *oauth2.Token) error

// Adapter opens Dropbox API clients.
//
// The credential carries either an OAuth token (Token, with the app key in
// Username and app secret in Secret so it can be refreshed) or a
// long-lived access token in Secret.
type Adapter struct {
	httpClient *http.Client
	chunkSize  int
	saveToken  TokenSaver
	logger     *events.Logger
}

// New creates a Dropbox adapter. saveToken may be nil.
func New(httpClient *http.Client, saveToken TokenSaver, logger *events.Logger) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{
		httpClient: httpClient,
		chunkSize:  defaultChunkSize,
		saveToken:  saveToken,
		logger:     logger.WithField("component", "dropbox_adapter"),
	}
}

// Kind returns "cloud/dropbox".
func (a *Adapter) Kind() string { return string(models.BackendCloud) + "/" + Provider }

// Connect builds an authenticated client and checks the account.
func (a *Adapter) Connect(ctx context.Context, res *models.Resource, cred *models.Credential) (backend.Conn, error) {
	if cred == nil || (!cred.HasToken() && cred.Secret == "") {
		return nil, models.NewError(models.KindAuthenticationFailed, "connect", res.ID, fmt.Errorf("no dropbox token configured"))
	}

	cfg := dropbox.Config{
		Client: a.oauthClient(cred),
	}

	account, err := users.New(cfg).GetCurrentAccount()
	if err != nil {
		return nil, translateError("connect", res.ID, err)
	}

	a.logger.WithFields(map[string]interface{}{
		"resource_id": res.ID,
		"account":     account.AccountId,
	}).Debug("Connected to Dropbox")

	return &conn{
		client:    files.New(cfg),
		root:      strings.Trim(res.Root, "/"),
		chunkSize: a.chunkSize,
		logger:    a.logger.WithField("resource_id", res.ID),
	}, nil
}

func (a *Adapter) oauthClient(cred *models.Credential) *http.Client {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, a.httpClient)

	if !cred.HasToken() {
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.Secret}))
	}

	conf := &oauth2.Config{
		ClientID:     cred.Username,
		ClientSecret: cred.Secret,
		Endpoint:     dropbox.OAuthEndpoint(""),
	}
	src := conf.TokenSource(ctx, cred.Token)
	if a.saveToken != nil {
		src = &savingSource{
			src:    src,
			last:   cred.Token.AccessToken,
			credID: cred.ID,
			save:   a.saveToken,
			logger: a.logger,
		}
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(cred.Token, src))
}

// savingSource persists tokens when the access token changes.
type savingSource struct {
	src    oauth2.TokenSource
	mu     sync.Mutex
	last   string
	credID string
	save   TokenSaver
	logger *events.Logger
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.save(s.credID, tok); err != nil {
			s.logger.WithError(err).WithField("credential_id", s.credID).Warn("Failed to save refreshed token")
		}
	}
	return tok, nil
}

type conn struct {
	client    files.Client
	root      string
	chunkSize int
	logger    *events.Logger
	closed    atomic.Bool
}

// remote maps a resource path to a Dropbox path. The Dropbox root is "".
func (c *conn) remote(p string) string {
	full := path.Join("/", c.root, models.CleanPath(p))
	if full == "/" {
		return ""
	}
	return full
}

func (c *conn) List(ctx context.Context, p string) ([]models.Entry, error) {
	dir := models.CleanPath(p)
	result, err := c.client.ListFolder(files.NewListFolderArg(c.remote(p)))
	if err != nil {
		return nil, translateError("list", p, err)
	}

	var entries []models.Entry
	for {
		for _, md := range result.Entries {
			if e, ok := toEntry(dir, md); ok {
				entries = append(entries, e)
			}
		}
		if !result.HasMore {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err = c.client.ListFolderContinue(files.NewListFolderContinueArg(result.Cursor))
		if err != nil {
			return nil, translateError("list", p, err)
		}
	}
	return entries, nil
}

func (c *conn) Stat(ctx context.Context, p string) (*models.Entry, error) {
	clean := models.CleanPath(p)
	if clean == "/" {
		return &models.Entry{Path: "/", Name: "/", IsDir: true}, nil
	}

	md, err := c.client.GetMetadata(files.NewGetMetadataArg(c.remote(p)))
	if err != nil {
		return nil, translateError("stat", p, err)
	}
	e, ok := toEntry(path.Dir(clean), md)
	if !ok {
		return nil, models.NewError(models.KindNotFound, "stat", p, fmt.Errorf("deleted"))
	}
	e.Path = clean
	return &e, nil
}

func (c *conn) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	_, body, err := c.client.Download(files.NewDownloadArg(c.remote(p)))
	if err != nil {
		return nil, translateError("open", p, err)
	}
	return body, nil
}

// OpenWrite buffers one chunk in memory. Small files are sent with a
// single upload; larger ones open an upload session.
func (c *conn) OpenWrite(ctx context.Context, p string, size int64) (backend.Writer, error) {
	return &writer{ctx: ctx, c: c, p: p, buf: bytes.NewBuffer(make([]byte, 0, 64<<10))}, nil
}

type writer struct {
	ctx     context.Context
	c       *conn
	p       string
	buf     *bytes.Buffer
	session string
	offset  uint64
	done    bool
}

func (w *writer) Write(b []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	n, _ := w.buf.Write(b)
	for w.buf.Len() >= w.c.chunkSize {
		if err := w.flush(w.buf.Next(w.c.chunkSize)); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (w *writer) flush(chunk []byte) error {
	if w.session == "" {
		res, err := w.c.client.UploadSessionStart(files.NewUploadSessionStartArg(), bytes.NewReader(chunk))
		if err != nil {
			return translateError("upload", w.p, err)
		}
		w.session = res.SessionId
	} else {
		cursor := files.NewUploadSessionCursor(w.session, w.offset)
		if err := w.c.client.UploadSessionAppendV2(files.NewUploadSessionAppendArg(cursor), bytes.NewReader(chunk)); err != nil {
			return translateError("upload", w.p, err)
		}
	}
	w.offset += uint64(len(chunk))
	return nil
}

func (w *writer) commitInfo() *files.CommitInfo {
	info := files.NewCommitInfo(w.c.remote(w.p))
	info.Mode = &files.WriteMode{Tagged: dropbox.Tagged{Tag: files.WriteModeOverwrite}}
	info.ClientModified = ptrTime(time.Now().UTC().Truncate(time.Second))
	return info
}

func (w *writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.ctx.Err(); err != nil {
		return err
	}

	if w.session == "" {
		arg := files.NewUploadArg(w.c.remote(w.p))
		arg.CommitInfo = *w.commitInfo()
		if _, err := w.c.client.Upload(arg, bytes.NewReader(w.buf.Bytes())); err != nil {
			return translateError("upload", w.p, err)
		}
		return nil
	}

	cursor := files.NewUploadSessionCursor(w.session, w.offset)
	finish := files.NewUploadSessionFinishArg(cursor, w.commitInfo())
	if _, err := w.c.client.UploadSessionFinish(finish, bytes.NewReader(w.buf.Bytes())); err != nil {
		return translateError("upload", w.p, err)
	}
	return nil
}

// Abort drops the buffer. An open upload session expires on its own and
// never becomes visible.
func (w *writer) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}

func (c *conn) Copy(ctx context.Context, src, dst string) error {
	if _, err := c.client.CopyV2(files.NewRelocationArg(c.remote(src), c.remote(dst))); err != nil {
		return translateError("copy", src, err)
	}
	return nil
}

func (c *conn) Move(ctx context.Context, src, dst string) error {
	if _, err := c.client.MoveV2(files.NewRelocationArg(c.remote(src), c.remote(dst))); err != nil {
		return translateError("move", src, err)
	}
	return nil
}

func (c *conn) Delete(ctx context.Context, p string) error {
	if models.CleanPath(p) == "/" {
		return models.NewError(models.KindPermissionDenied, "delete", p, fmt.Errorf("refusing to delete resource root"))
	}
	if _, err := c.client.DeleteV2(files.NewDeleteArg(c.remote(p))); err != nil {
		return translateError("delete", p, err)
	}
	return nil
}

func (c *conn) Mkdir(ctx context.Context, p string) error {
	if models.CleanPath(p) == "/" {
		return nil
	}
	_, err := c.client.CreateFolderV2(files.NewCreateFolderArg(c.remote(p)))
	if err != nil && strings.Contains(err.Error(), "path/conflict/folder") {
		return nil
	}
	return translateError("mkdir", p, err)
}

// Alive reports whether the client is open. Tokens are refreshed per
// request by the OAuth transport.
func (c *conn) Alive(ctx context.Context) bool {
	return !c.closed.Load()
}

func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}

func toEntry(dir string, md files.IsMetadata) (models.Entry, bool) {
	switch m := md.(type) {
	case *files.FileMetadata:
		return models.Entry{
			Path:    path.Join(dir, m.Name),
			Name:    m.Name,
			Size:    int64(m.Size),
			ModTime: m.ServerModified,
			ETag:    m.ContentHash,
		}, true
	case *files.FolderMetadata:
		return models.Entry{
			Path:  path.Join(dir, m.Name),
			Name:  m.Name,
			IsDir: true,
		}, true
	default:
		return models.Entry{}, false
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

// translateError maps Dropbox API errors to the backend taxonomy. Endpoint
// errors only expose their tag path in the summary string.
func translateError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var rl auth.RateLimitAPIError
	if errors.As(err, &rl) {
		var after time.Duration
		if rl.RateLimitError != nil {
			after = time.Duration(rl.RateLimitError.RetryAfter) * time.Second
		}
		return models.RateLimitedError(op, p, after, err)
	}

	var authErr auth.AuthAPIError
	if errors.As(err, &authErr) {
		return models.NewError(models.KindAuthenticationFailed, op, p, err)
	}

	var accessErr auth.AccessAPIError
	if errors.As(err, &accessErr) {
		return models.NewError(models.KindPermissionDenied, op, p, err)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return models.NewError(models.KindAuthenticationFailed, op, p, err)
	}

	var internal dropbox.SDKInternalError
	if errors.As(err, &internal) && internal.StatusCode >= 500 {
		return models.NewError(models.KindServerUnreachable, op, p, err)
	}

	summary := err.Error()
	switch {
	case strings.Contains(summary, "not_found"):
		return models.NewError(models.KindNotFound, op, p, err)
	case strings.Contains(summary, "insufficient_space"):
		return models.NewError(models.KindQuotaExceeded, op, p, err)
	case strings.Contains(summary, "too_many_write_operations"), strings.Contains(summary, "too_many_requests"):
		return models.RateLimitedError(op, p, 0, err)
	case strings.Contains(summary, "no_write_permission"), strings.Contains(summary, "access_denied"):
		return models.NewError(models.KindPermissionDenied, op, p, err)
	case strings.Contains(summary, "expired_access_token"), strings.Contains(summary, "invalid_access_token"):
		return models.NewError(models.KindAuthenticationFailed, op, p, err)
	}

	return models.Wrap(op, p, err)
}

// Package s3 serves cloud resources stored in S3-compatible object storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/spf13/afero"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/transport"
)

// Provider is the cloud provider name served by this adapter.
const Provider = "s3"

// Resource options understood by the adapter.
const (
	OptionRegion    = "region"
	OptionPathStyle = "path_style"
	OptionProfile   = "profile"
)

const deleteBatch = 1000

// Adapter creates S3 clients. Resource.Address is an optional endpoint URL
// (empty for AWS), Resource.Root is "bucket" or "bucket/prefix".
type Adapter struct {
	httpClient *http.Client
	spool      afero.Fs
	spoolDir   string
	logger     *events.Logger
}

// New creates an S3 adapter. Uploads are spooled under spoolDir on fs so
// the SDK can sign a seekable body.
func New(httpClient *http.Client, fs afero.Fs, spoolDir string, logger *events.Logger) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{
		httpClient: httpClient,
		spool:      fs,
		spoolDir:   spoolDir,
		logger:     logger.WithField("component", "s3_adapter"),
	}
}

// Kind returns "cloud/s3".
func (a *Adapter) Kind() string { return string(models.BackendCloud) + "/" + Provider }

// Connect builds a client for the resource's bucket.
func (a *Adapter) Connect(ctx context.Context, res *models.Resource, cred *models.Credential) (backend.Conn, error) {
	bucket, prefix := splitRoot(res.Root)
	if bucket == "" {
		return nil, models.ProtocolError("connect", res.Root, "no bucket configured", nil)
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(res.Option(OptionRegion, "us-east-1")),
		config.WithHTTPClient(a.httpClient),
	}
	if cred != nil && cred.Username != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cred.Username, cred.Secret, ""),
		))
	} else if profile := res.Option(OptionProfile, ""); profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, models.NewError(models.KindAuthenticationFailed, "connect", res.ID, fmt.Errorf("load aws config: %w", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Retries are owned by the retry executor.
		o.RetryMaxAttempts = 1
		if res.Address != "" {
			o.BaseEndpoint = aws.String(res.Address)
			o.UsePathStyle = res.Option(OptionPathStyle, "true") == "true"
		}
	})

	a.logger.WithFields(map[string]interface{}{
		"resource_id": res.ID,
		"bucket":      bucket,
		"endpoint":    res.Address,
	}).Debug("Created S3 client")

	return &conn{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		spool:    a.spool,
		spoolDir: a.spoolDir,
		logger:   a.logger.WithField("resource_id", res.ID),
	}, nil
}

func splitRoot(root string) (bucket, prefix string) {
	root = strings.Trim(root, "/")
	bucket, prefix, _ = strings.Cut(root, "/")
	return bucket, prefix
}

type conn struct {
	client   *s3.Client
	bucket   string
	prefix   string
	spool    afero.Fs
	spoolDir string
	logger   *events.Logger
	closed   atomic.Bool
}

// key maps a resource path to an object key. The root maps to "".
func (c *conn) key(p string) string {
	return strings.TrimPrefix(path.Join(c.prefix, models.CleanPath(p)), "/")
}

// dirKey is the listing prefix for a directory path.
func (c *conn) dirKey(p string) string {
	k := c.key(p)
	if k == "" || k == "." {
		return ""
	}
	return k + "/"
}

// relPath maps an object key back to a resource path.
func (c *conn) relPath(key string) string {
	key = strings.TrimSuffix(key, "/")
	if c.prefix != "" {
		key = strings.TrimPrefix(key, c.prefix)
	}
	return models.CleanPath(key)
}

func (c *conn) List(ctx context.Context, p string) ([]models.Entry, error) {
	prefix := c.dirKey(p)
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []models.Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translateError("list", p, err)
		}
		for _, cp := range page.CommonPrefixes {
			rel := c.relPath(aws.ToString(cp.Prefix))
			entries = append(entries, models.Entry{Path: rel, Name: path.Base(rel), IsDir: true})
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if k == prefix {
				// directory marker
				continue
			}
			rel := c.relPath(k)
			entries = append(entries, models.Entry{
				Path:    rel,
				Name:    path.Base(rel),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
				ETag:    strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}
	}

	if len(entries) == 0 && prefix != "" {
		// S3 has no directories; an empty listing of a missing prefix is
		// reported as not found.
		if _, err := c.Stat(ctx, p); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Stat heads the object and falls back to probing for a prefix.
func (c *conn) Stat(ctx context.Context, p string) (*models.Entry, error) {
	clean := models.CleanPath(p)
	if clean == "/" {
		return &models.Entry{Path: "/", Name: "/", IsDir: true}, nil
	}

	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p)),
	})
	if err == nil {
		return &models.Entry{
			Path:    clean,
			Name:    path.Base(clean),
			Size:    aws.ToInt64(out.ContentLength),
			ModTime: aws.ToTime(out.LastModified),
			ETag:    strings.Trim(aws.ToString(out.ETag), `"`),
		}, nil
	}
	if terr := translateError("stat", p, err); models.KindOf(terr) != models.KindNotFound {
		return nil, terr
	}

	list, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(c.dirKey(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, translateError("stat", p, err)
	}
	if aws.ToInt32(list.KeyCount) == 0 {
		return nil, models.NewError(models.KindNotFound, "stat", p, fmt.Errorf("no such key"))
	}
	return &models.Entry{Path: clean, Name: path.Base(clean), IsDir: true}, nil
}

func (c *conn) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p)),
	})
	if err != nil {
		return nil, translateError("open", p, err)
	}
	return out.Body, nil
}

// OpenWrite spools to a local temp file and uploads it on Close.
func (c *conn) OpenWrite(ctx context.Context, p string, size int64) (backend.Writer, error) {
	if err := c.spool.MkdirAll(c.spoolDir, 0700); err != nil {
		return nil, models.Wrap("spool", p, err)
	}
	f, err := afero.TempFile(c.spool, c.spoolDir, "s3-upload-*")
	if err != nil {
		return nil, models.Wrap("spool", p, err)
	}
	return &writer{ctx: ctx, c: c, f: f, p: p}, nil
}

type writer struct {
	ctx  context.Context
	c    *conn
	f    afero.File
	p    string
	n    int64
	done bool
}

func (w *writer) Write(b []byte) (int, error) {
	n, err := w.f.Write(b)
	w.n += int64(n)
	if err != nil {
		return n, models.Wrap("spool", w.p, err)
	}
	return n, nil
}

func (w *writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.cleanup()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return models.Wrap("spool", w.p, err)
	}

	_, err := w.c.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.c.bucket),
		Key:           aws.String(w.c.key(w.p)),
		Body:          w.f,
		ContentLength: aws.Int64(w.n),
	})
	if err != nil {
		return translateError("upload", w.p, err)
	}

	w.c.logger.WithFields(map[string]interface{}{
		"path": w.p,
		"size": w.n,
	}).Debug("Uploaded object")
	return nil
}

func (w *writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.cleanup()
	return nil
}

func (w *writer) cleanup() {
	name := w.f.Name()
	_ = w.f.Close()
	_ = w.c.spool.Remove(name)
}

// Copy uses CopyObject within the bucket.
func (c *conn) Copy(ctx context.Context, src, dst string) error {
	_, err := c.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(c.key(dst)),
		CopySource: aws.String(copySource(c.bucket, c.key(src))),
	})
	if err != nil {
		return translateError("copy", src, err)
	}
	return nil
}

// Move is a server-side copy followed by a delete of the source.
func (c *conn) Move(ctx context.Context, src, dst string) error {
	if err := c.Copy(ctx, src, dst); err != nil {
		return err
	}
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(src)),
	})
	if err != nil {
		return translateError("move", src, err)
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
	if !e.IsDir {
		_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.key(p)),
		})
		return translateError("delete", p, err)
	}

	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.dirKey(p)),
	})
	var batch []types.ObjectIdentifier
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out, err := c.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		batch = batch[:0]
		if err != nil {
			return translateError("delete", p, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return models.ProtocolError("delete", p, fmt.Sprintf("%d objects not deleted, first %s: %s",
				len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Code)), nil)
		}
		return nil
	}

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return translateError("delete", p, err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == deleteBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

// Mkdir writes a zero-length directory marker.
func (c *conn) Mkdir(ctx context.Context, p string) error {
	k := c.dirKey(p)
	if k == "" {
		return nil
	}
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(k),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	return translateError("mkdir", p, err)
}

// Alive reports whether the client is open. Requests are stateless, so
// there is no session to check.
func (c *conn) Alive(ctx context.Context) bool {
	return !c.closed.Load()
}

func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}

// copySource escapes each segment of bucket/key for x-amz-copy-source.
func copySource(bucket, key string) string {
	parts := strings.Split(bucket+"/"+key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// translateError maps S3 API and HTTP errors to the backend taxonomy.
func translateError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return models.NewError(models.KindNotFound, op, p, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return models.NewError(models.KindNotFound, op, p, err)
		case "AccessDenied", "Forbidden", "AllAccessDisabled":
			return models.NewError(models.KindPermissionDenied, op, p, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken", "TokenRefreshRequired":
			return models.NewError(models.KindAuthenticationFailed, op, p, err)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
			return models.RateLimitedError(op, p, retryAfter(err), err)
		case "QuotaExceeded", "ServiceQuotaExceededException":
			return models.NewError(models.KindQuotaExceeded, op, p, err)
		case "RequestTimeout":
			return models.NewError(models.KindConnectionTimeout, op, p, err)
		case "InternalError", "ServiceUnavailable":
			return models.NewError(models.KindServerUnreachable, op, p, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusNotFound:
			return models.NewError(models.KindNotFound, op, p, err)
		case status == http.StatusForbidden:
			return models.NewError(models.KindPermissionDenied, op, p, err)
		case status == http.StatusUnauthorized:
			return models.NewError(models.KindAuthenticationFailed, op, p, err)
		case status == http.StatusTooManyRequests:
			return models.RateLimitedError(op, p, retryAfter(err), err)
		case transport.IsRetryableStatus(status):
			return models.NewError(models.KindServerUnreachable, op, p, err)
		}
	}

	return models.Wrap(op, p, err)
}

func retryAfter(err error) time.Duration {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.Response != nil {
		return transport.ParseRetryAfter(respErr.Response.Header, time.Now())
	}
	return 0
}

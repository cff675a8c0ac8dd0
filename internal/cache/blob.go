// Package cache keeps downloaded file content on local disk.
//
// Entries are keyed by the normalized remote path and the expected size,
// so a file that changed size on the server never matches a stale blob.
// Blobs are written to a temp file and renamed into place only after the
// size is verified; a failed or cancelled download leaves nothing behind.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"
)

// Producer writes the content of a file into w.
type Producer func(ctx context.Context, w io.Writer) error

// Stats reports cache usage.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Bytes   int64 `json:"bytes"`
	Entries int   `json:"entries"`
}

// NormalizePath returns the NFC form of a remote path, so names typed on
// different platforms map to the same entry.
func NormalizePath(remotePath string) string {
	return norm.NFC.String(remotePath)
}

// Key derives the entry key of a remote path and size.
func Key(remotePath string, size int64) string {
	sum := sha256.Sum256([]byte(NormalizePath(remotePath) + "\x00" + strconv.FormatInt(size, 10)))
	return hex.EncodeToString(sum[:])
}

func blobPath(dir, key string) string {
	return filepath.Join(dir, key[:2], key)
}

// writeBlob runs producer into a temp file under dir and renames it to
// dest once the written size matches size. size < 0 skips verification.
// It returns the number of bytes written.
func writeBlob(ctx context.Context, fs afero.Fs, dir, dest string, size int64, producer Producer) (int64, error) {
	tmpDir := filepath.Join(dir, "tmp")
	if err := fs.MkdirAll(tmpDir, 0700); err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}

	tmp, err := afero.TempFile(fs, tmpDir, "fetch-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = fs.Remove(tmpPath)
		}
	}()

	cw := &countingWriter{w: tmp}
	if err := producer(ctx, cw); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}

	if size >= 0 && cw.n != size {
		return 0, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, cw.n)
	}

	if err := fs.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return 0, fmt.Errorf("create blob dir: %w", err)
	}
	if err := fs.Rename(tmpPath, dest); err != nil {
		return 0, fmt.Errorf("rename blob: %w", err)
	}

	success = true
	return cw.n, nil
}

// blobSize returns the on-disk size of a blob, or -1 if it is missing.
func blobSize(fs afero.Fs, p string) int64 {
	info, err := fs.Stat(p)
	if err != nil || info.IsDir() {
		return -1
	}
	return info.Size()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

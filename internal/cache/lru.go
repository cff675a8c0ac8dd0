package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/metrics"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// maxLRUEntries bounds the entry count; the byte cap normally evicts first.
const maxLRUEntries = 1 << 20

// LRU is a content cache without expiry, bounded by total bytes. The least
// recently used entries are evicted when a new entry does not fit. It is
// used for thumbnails and previews.
type LRU struct {
	dir      string
	maxBytes int64
	fs       afero.Fs
	logger   *events.Logger

	mu    sync.Mutex
	items *lru.Cache[string, *models.CacheEntry]
	bytes int64

	flights flights
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewLRU creates a byte-bounded cache in dir.
func NewLRU(dir string, maxBytes int64, fs afero.Fs, logger *events.Logger) (*LRU, error) {
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &LRU{
		dir:      dir,
		maxBytes: maxBytes,
		fs:       fs,
		logger:   logger.WithField("component", "lru_cache"),
	}
	items, err := lru.NewWithEvict(maxLRUEntries, c.onEvicted)
	if err != nil {
		return nil, err
	}
	c.items = items
	return c, nil
}

// onEvicted runs with c.mu held, from Add, Remove or RemoveOldest.
func (c *LRU) onEvicted(key string, e *models.CacheEntry) {
	c.bytes -= e.Size
	if e.BlobPath != "" {
		_ = c.fs.Remove(e.BlobPath)
	}
}

// Get returns the local path of a cached entry and marks it recently used.
func (c *LRU) Get(remotePath string, size int64) (string, bool) {
	key := Key(remotePath, size)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items.Get(key)
	if ok && blobSize(c.fs, e.BlobPath) != e.Size {
		c.items.Remove(key)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		metrics.RecordCacheLookup("thumbnail", false)
		return "", false
	}

	e.LastAccess = time.Now()
	c.hits.Add(1)
	metrics.RecordCacheLookup("thumbnail", true)
	return e.BlobPath, true
}

// Fetch returns the local path of remotePath, running producer on a miss.
// An entry larger than the whole cache evicts everything else and goes
// with the next addition.
func (c *LRU) Fetch(ctx context.Context, remotePath string, size int64, producer Producer) (string, error) {
	if p, ok := c.Get(remotePath, size); ok {
		return p, nil
	}

	key := Key(remotePath, size)
	return c.flights.do(ctx, key, func(ctx context.Context) (string, error) {
		dest := blobPath(c.dir, key)
		written, err := writeBlob(ctx, c.fs, c.dir, dest, size, producer)
		if err != nil {
			return "", err
		}
		c.add(&models.CacheEntry{
			Key:        key,
			RemotePath: NormalizePath(remotePath),
			BlobPath:   dest,
			Size:       written,
			LastAccess: time.Now(),
		})
		return dest, nil
	})
}

func (c *LRU) add(e *models.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items.Peek(e.Key); ok {
		// Same blob path; forget the old entry without removing the file.
		old.BlobPath = ""
		c.items.Remove(e.Key)
	}

	evicted := 0
	for c.bytes+e.Size > c.maxBytes && c.items.Len() > 0 {
		c.items.RemoveOldest()
		evicted++
	}
	c.items.Add(e.Key, e)
	c.bytes += e.Size

	if evicted > 0 {
		c.logger.WithFields(map[string]interface{}{
			"evicted": evicted,
			"bytes":   c.bytes,
		}).Debug("Evicted least recently used entries")
	}
	metrics.SetCacheSize("thumbnail", c.bytes, c.items.Len())
}

// Invalidate removes every entry of remotePath.
func (c *LRU) Invalidate(remotePath string) int {
	target := NormalizePath(remotePath)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.items.Keys() {
		if e, ok := c.items.Peek(key); ok && e.RemotePath == target {
			c.items.Remove(key)
			removed++
		}
	}
	return removed
}

// Stats returns usage counters.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Bytes:   c.bytes,
		Entries: c.items.Len(),
	}
}

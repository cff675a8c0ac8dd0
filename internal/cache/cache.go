package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/spf13/afero"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/metrics"
	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/state"
)

// Config for the content cache.
type Config struct {
	Dir string
	TTL time.Duration
}

// Cache is the TTL content cache. The in-memory index removes the blob
// and the persisted row of every entry it drops.
type Cache struct {
	cfg    Config
	fs     afero.Fs
	store  state.Store
	logger *events.Logger

	index   *gocache.Cache
	flights flights

	mu  sync.Mutex
	now func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache in cfg.Dir. store may be nil, in which case entries
// do not survive a restart.
func New(cfg Config, fs afero.Fs, store state.Store, logger *events.Logger) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if err := fs.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{
		cfg:    cfg,
		fs:     fs,
		store:  store,
		now:    time.Now,
		index:  gocache.New(gocache.NoExpiration, 0),
		logger: logger.WithField("component", "cache"),
	}
	c.index.OnEvicted(c.onEvicted)
	return c, nil
}

// SetClock replaces the cache clock.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Cache) clock() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

func (c *Cache) onEvicted(key string, v interface{}) {
	entry := v.(*models.CacheEntry)
	if err := c.fs.Remove(entry.BlobPath); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
		c.logger.WithError(err).WithField("key", key).Warn("Failed to remove cache blob")
	}
	if c.store != nil {
		if err := c.store.DeleteCacheEntry(key); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Failed to delete cache row")
		}
	}
	c.report()
}

// Load reloads persisted entries. Rows whose blob is missing, has the
// wrong size or has expired are dropped.
func (c *Cache) Load() (int, error) {
	if c.store == nil {
		return 0, nil
	}
	entries, err := c.store.CacheEntries()
	if err != nil {
		return 0, fmt.Errorf("load cache entries: %w", err)
	}

	now := c.clock()
	loaded := 0
	for _, e := range entries {
		if !c.valid(e, now) {
			_ = c.fs.Remove(e.BlobPath)
			_ = c.store.DeleteCacheEntry(e.Key)
			continue
		}
		c.index.SetDefault(e.Key, e)
		loaded++
	}
	c.report()

	c.logger.WithFields(map[string]interface{}{
		"loaded":  loaded,
		"dropped": len(entries) - loaded,
	}).Debug("Loaded cache index")
	return loaded, nil
}

func (c *Cache) valid(e *models.CacheEntry, now time.Time) bool {
	return !e.Expired(now) && blobSize(c.fs, e.BlobPath) == e.Size
}

// Get returns the local path of a valid entry. An entry whose blob is
// missing, has the wrong size or has expired is removed.
func (c *Cache) Get(remotePath string, size int64) (string, bool) {
	key := Key(remotePath, size)
	v, ok := c.index.Get(key)
	if !ok {
		c.miss()
		return "", false
	}

	entry := v.(*models.CacheEntry)
	now := c.clock()
	if !c.valid(entry, now) {
		c.logger.WithField("path", entry.RemotePath).Debug("Dropping stale cache entry")
		c.index.Delete(key)
		c.miss()
		return "", false
	}

	entry.LastAccess = now
	c.hits.Add(1)
	metrics.RecordCacheLookup("content", true)
	return entry.BlobPath, true
}

func (c *Cache) miss() {
	c.misses.Add(1)
	metrics.RecordCacheLookup("content", false)
}

// Fetch returns the local path of remotePath, running producer to fill the
// cache on a miss. Concurrent fetches of the same key share one producer
// run, which keeps going while any of them still waits. size < 0 means
// unknown and skips size verification.
func (c *Cache) Fetch(ctx context.Context, remotePath string, size int64, producer Producer) (string, error) {
	if p, ok := c.Get(remotePath, size); ok {
		return p, nil
	}

	key := Key(remotePath, size)
	return c.flights.do(ctx, key, func(ctx context.Context) (string, error) {
		if v, ok := c.index.Get(key); ok {
			if e := v.(*models.CacheEntry); c.valid(e, c.clock()) {
				return e.BlobPath, nil
			}
		}
		return c.fill(ctx, key, remotePath, size, producer)
	})
}

func (c *Cache) fill(ctx context.Context, key, remotePath string, size int64, producer Producer) (string, error) {
	dest := blobPath(c.cfg.Dir, key)
	written, err := writeBlob(ctx, c.fs, c.cfg.Dir, dest, size, producer)
	if err != nil {
		return "", err
	}

	now := c.clock()
	entry := &models.CacheEntry{
		Key:        key,
		RemotePath: NormalizePath(remotePath),
		BlobPath:   dest,
		Size:       written,
		ExpiresAt:  now.Add(c.cfg.TTL),
		LastAccess: now,
	}
	c.index.SetDefault(key, entry)
	if c.store != nil {
		if err := c.store.SaveCacheEntry(entry); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Failed to persist cache entry")
		}
	}
	c.report()

	c.logger.WithFields(map[string]interface{}{
		"path":  entry.RemotePath,
		"bytes": written,
	}).Debug("Cached file content")
	return dest, nil
}

// Invalidate removes every entry of remotePath regardless of size.
func (c *Cache) Invalidate(remotePath string) int {
	target := NormalizePath(remotePath)
	removed := 0
	for key, item := range c.index.Items() {
		if item.Object.(*models.CacheEntry).RemotePath == target {
			c.index.Delete(key)
			removed++
		}
	}
	return removed
}

// Sweep removes entries expired at now and returns how many were removed.
func (c *Cache) Sweep(now time.Time) int {
	removed := 0
	for key, item := range c.index.Items() {
		if !c.valid(item.Object.(*models.CacheEntry), now) {
			c.index.Delete(key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.WithField("removed", removed).Info("Swept cache")
	}
	c.cleanTemp(now)
	return removed
}

// cleanTemp removes temp files abandoned by a crash.
func (c *Cache) cleanTemp(now time.Time) {
	tmpDir := filepath.Join(c.cfg.Dir, "tmp")
	infos, err := afero.ReadDir(c.fs, tmpDir)
	if err != nil {
		return
	}
	for _, info := range infos {
		if now.Sub(info.ModTime()) > c.cfg.TTL {
			_ = c.fs.Remove(filepath.Join(tmpDir, info.Name()))
		}
	}
}

// Clear removes every entry.
func (c *Cache) Clear() {
	for key := range c.index.Items() {
		c.index.Delete(key)
	}
}

// Stats returns usage counters.
func (c *Cache) Stats() Stats {
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	for _, item := range c.index.Items() {
		s.Bytes += item.Object.(*models.CacheEntry).Size
		s.Entries++
	}
	return s
}

func (c *Cache) report() {
	var bytes int64
	items := c.index.Items()
	for _, item := range items {
		bytes += item.Object.(*models.CacheEntry).Size
	}
	metrics.SetCacheSize("content", bytes, len(items))
}

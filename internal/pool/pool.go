// Package pool keeps backend connections open between operations.
//
// Connections are grouped by key (resource and adapter). Each key has its
// own bound on open connections, and the pool as a whole bounds every open
// connection, idle ones included: dialing at the global bound first closes
// the oldest idle connection of another key. Idle connections are reused
// most-recently-used first and closed by Sweep once they have been idle for
// too long.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/config"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/metrics"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool closed")

// DialFunc opens a new connection for a key.
type DialFunc func(ctx context.Context) (backend.Conn, error)

// Config bounds the pool.
type Config struct {
	MaxPerKey   int
	MaxTotal    int
	IdleTimeout time.Duration

	// ValidateAfter is how long a connection may sit idle before it is
	// checked with Alive on reuse.
	ValidateAfter time.Duration
}

// ConfigFrom converts the application pool settings.
func ConfigFrom(c config.PoolConfig) Config {
	return Config{
		MaxPerKey:     c.MaxPerKey,
		MaxTotal:      c.MaxTotal,
		IdleTimeout:   c.IdleTimeout,
		ValidateAfter: 5 * time.Second,
	}
}

// Stats reports the connections held for a key.
type Stats struct {
	Idle  int
	InUse int
}

type handle struct {
	conn       backend.Conn
	lastUsedAt time.Time
}

type keyPool struct {
	sem    *semaphore.Weighted
	dialMu sync.Mutex

	// guarded by Pool.mu
	idle    []*handle
	inUse   int
	dialing int
}

// Pool hands out leases on pooled connections.
type Pool struct {
	cfg    Config
	total  *semaphore.Weighted
	now    func() time.Time
	logger *events.Logger

	mu     sync.Mutex
	keys   map[string]*keyPool
	open   int // idle, leased and dialing
	closed bool
}

// New creates a pool.
func New(cfg Config, logger *events.Logger) *Pool {
	if cfg.MaxPerKey <= 0 {
		cfg.MaxPerKey = 5
	}
	if cfg.MaxTotal < cfg.MaxPerKey {
		cfg.MaxTotal = cfg.MaxPerKey
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 45 * time.Second
	}
	return &Pool{
		cfg:    cfg,
		total:  semaphore.NewWeighted(int64(cfg.MaxTotal)),
		now:    time.Now,
		keys:   make(map[string]*keyPool),
		logger: logger.WithField("component", "pool"),
	}
}

// SetClock replaces the pool clock.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *Pool) keyPool(key string) *keyPool {
	kp, ok := p.keys[key]
	if !ok {
		kp = &keyPool{sem: semaphore.NewWeighted(int64(p.cfg.MaxPerKey))}
		p.keys[key] = kp
	}
	return kp
}

// Acquire returns a lease on an idle connection for key, or dials a new one.
// It waits while the key or the pool is at its bound.
func (p *Pool) Acquire(ctx context.Context, key string, dial DialFunc) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	kp := p.keyPool(key)
	p.mu.Unlock()

	if err := kp.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := p.total.Acquire(ctx, 1); err != nil {
		kp.sem.Release(1)
		return nil, err
	}

	release := func() {
		p.total.Release(1)
		kp.sem.Release(1)
	}

	if h := p.takeIdle(ctx, key, kp); h != nil {
		return p.lease(key, kp, h), nil
	}

	// Serialize creation so concurrent first use does not dial more than
	// needed; a connection released meanwhile is picked up instead.
	kp.dialMu.Lock()
	defer kp.dialMu.Unlock()

	var victim *handle
	for {
		if h := p.takeIdle(ctx, key, kp); h != nil {
			return p.lease(key, kp, h), nil
		}
		p.mu.Lock()
		if len(kp.idle) == 0 {
			kp.dialing++
			victim = p.reserve()
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()
	}

	if victim != nil {
		p.logger.WithField("key", key).Debug("Closing idle connection of another key to stay within the pool bound")
		_ = victim.conn.Close()
	}

	conn, err := dial(ctx)
	metrics.RecordDial(key, err == nil)

	p.mu.Lock()
	kp.dialing--
	if err == nil {
		kp.inUse++
		p.report(key, kp)
	} else {
		p.open--
	}
	p.mu.Unlock()

	if err != nil {
		release()
		return nil, err
	}

	p.logger.WithField("key", key).Debug("Dialed new connection")
	return p.lease(key, kp, &handle{conn: conn, lastUsedAt: p.now()}), nil
}

// reserve counts a connection about to be dialed. At MaxTotal the oldest
// idle connection of any key is unlinked and returned for the caller to
// close. Leases are bounded by MaxTotal as well, so one exists whenever the
// calling key has no idle connection of its own. p.mu must be held.
func (p *Pool) reserve() *handle {
	var victim *handle
	if p.open >= p.cfg.MaxTotal {
		var (
			vKey string
			vKp  *keyPool
			vIdx int
		)
		for key, kp := range p.keys {
			for i, h := range kp.idle {
				if victim == nil || h.lastUsedAt.Before(victim.lastUsedAt) {
					victim, vKey, vKp, vIdx = h, key, kp, i
				}
			}
		}
		if victim != nil {
			vKp.idle = append(vKp.idle[:vIdx], vKp.idle[vIdx+1:]...)
			p.open--
			p.report(vKey, vKp)
		}
	}
	p.open++
	return victim
}

// takeIdle pops the most recently used idle handle, discarding ones that
// fail validation.
func (p *Pool) takeIdle(ctx context.Context, key string, kp *keyPool) *handle {
	for {
		p.mu.Lock()
		n := len(kp.idle)
		if n == 0 {
			p.mu.Unlock()
			return nil
		}
		h := kp.idle[n-1]
		kp.idle = kp.idle[:n-1]
		kp.inUse++
		now := p.now()
		p.mu.Unlock()

		if p.cfg.ValidateAfter <= 0 || now.Sub(h.lastUsedAt) < p.cfg.ValidateAfter || h.conn.Alive(ctx) {
			h.lastUsedAt = now
			p.mu.Lock()
			p.report(key, kp)
			p.mu.Unlock()
			return h
		}

		p.logger.WithField("key", key).Debug("Discarding stale idle connection")
		_ = h.conn.Close()
		p.mu.Lock()
		kp.inUse--
		p.open--
		p.report(key, kp)
		p.mu.Unlock()
	}
}

func (p *Pool) lease(key string, kp *keyPool, h *handle) *Lease {
	return &Lease{pool: p, key: key, kp: kp, h: h}
}

func (p *Pool) put(key string, kp *keyPool, h *handle, err error) {
	discard := false
	switch {
	case models.IsConnectionFailure(err):
		discard = true
	case err != nil && !errors.Is(err, context.Canceled) && !h.conn.Alive(context.Background()):
		discard = true
	}

	p.mu.Lock()
	kp.inUse--
	h.lastUsedAt = p.now()
	// A handle that would push the key past its bound is not kept.
	if !discard && !p.closed && kp.inUse+kp.dialing+len(kp.idle) < p.cfg.MaxPerKey {
		kp.idle = append(kp.idle, h)
		h = nil
	} else {
		p.open--
	}
	p.report(key, kp)
	p.mu.Unlock()

	p.total.Release(1)
	kp.sem.Release(1)

	if h != nil {
		p.logger.WithFields(map[string]interface{}{
			"key":     key,
			"discard": discard,
		}).Debug("Closing released connection")
		_ = h.conn.Close()
	}
}

// Invalidate closes every idle connection of key. Leased connections are
// closed when they are released with a connection failure.
func (p *Pool) Invalidate(key string) {
	p.mu.Lock()
	kp, ok := p.keys[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	idle := kp.idle
	kp.idle = nil
	p.open -= len(idle)
	p.report(key, kp)
	p.mu.Unlock()

	for _, h := range idle {
		_ = h.conn.Close()
	}
	if len(idle) > 0 {
		p.logger.WithFields(map[string]interface{}{
			"key":    key,
			"closed": len(idle),
		}).Info("Invalidated pooled connections")
	}
}

// Sweep closes idle connections unused since before now - IdleTimeout and
// returns how many were closed.
func (p *Pool) Sweep(now time.Time) int {
	cutoff := now.Add(-p.cfg.IdleTimeout)
	var expired []*handle

	p.mu.Lock()
	for key, kp := range p.keys {
		kept := kp.idle[:0]
		for _, h := range kp.idle {
			if h.lastUsedAt.Before(cutoff) {
				expired = append(expired, h)
			} else {
				kept = append(kept, h)
			}
		}
		for i := len(kept); i < len(kp.idle); i++ {
			kp.idle[i] = nil
		}
		kp.idle = kept
		p.report(key, kp)
	}
	p.open -= len(expired)
	p.mu.Unlock()

	for _, h := range expired {
		_ = h.conn.Close()
	}
	if len(expired) > 0 {
		p.logger.WithField("closed", len(expired)).Debug("Swept idle connections")
	}
	return len(expired)
}

// Stats returns idle and in-use counts for key.
func (p *Pool) Stats(key string) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp, ok := p.keys[key]
	if !ok {
		return Stats{}
	}
	return Stats{Idle: len(kp.idle), InUse: kp.inUse}
}

// Open returns the number of connections the pool holds open, idle and
// leased.
func (p *Pool) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Keys lists the keys the pool currently tracks.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.keys))
	for k := range p.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close closes all idle connections and rejects new acquisitions. Leased
// connections are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	var idle []*handle
	for key, kp := range p.keys {
		idle = append(idle, kp.idle...)
		kp.idle = nil
		p.report(key, kp)
	}
	p.open -= len(idle)
	p.mu.Unlock()

	var errs []error
	for _, h := range idle {
		if err := h.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// report must be called with p.mu held.
func (p *Pool) report(key string, kp *keyPool) {
	metrics.SetPoolConnections(key, len(kp.idle), kp.inUse)
}

// Lease is exclusive use of one pooled connection until Release.
type Lease struct {
	pool *Pool
	key  string
	kp   *keyPool
	h    *handle
	once sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() backend.Conn {
	return l.h.conn
}

// Release returns the connection to the pool. err is the outcome of the
// work done with it: connection failures close the connection instead.
func (l *Lease) Release(err error) {
	l.once.Do(func() {
		l.pool.put(l.key, l.kp, l.h, err)
	})
}

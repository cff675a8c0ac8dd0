// Package ratelimit applies per-identity request quotas before calls reach
// a provider API.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/metrics"
)

// Limiter holds one token bucket per API identity. A bucket holds up to
// the per-minute quota and refills one token every minute/quota.
type Limiter struct {
	logger *events.Logger

	mu      sync.Mutex
	quotas  map[string]int
	buckets map[string]*rate.Limiter
}

// New creates a limiter with requests-per-minute quotas keyed by identity.
// Identities without a quota are unlimited.
func New(quotas map[string]int, logger *events.Logger) *Limiter {
	l := &Limiter{
		quotas:  make(map[string]int, len(quotas)),
		buckets: make(map[string]*rate.Limiter),
		logger:  logger.WithField("component", "ratelimit"),
	}
	for id, rpm := range quotas {
		l.quotas[id] = rpm
	}
	return l
}

// SetQuota changes the quota of an identity. rpm <= 0 removes the limit.
func (l *Limiter) SetQuota(id string, rpm int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, id)
	if rpm <= 0 {
		delete(l.quotas, id)
		return
	}
	l.quotas[id] = rpm
}

func (l *Limiter) bucket(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[id]; ok {
		return b
	}
	rpm, ok := l.quotas[id]
	if !ok {
		return nil
	}
	b := rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
	l.buckets[id] = b
	return b
}

// Acquire waits for a token of id.
func (l *Limiter) Acquire(ctx context.Context, id string) error {
	b := l.bucket(id)
	if b == nil {
		return nil
	}
	start := time.Now()
	if err := b.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.RecordRateLimitWait(id, waited)
		l.logger.WithFields(map[string]interface{}{
			"identity": id,
			"waited":   waited.String(),
		}).Debug("Waited for rate limit token")
	}
	return nil
}

// Reserve takes a token of id and returns how long the caller must wait
// before using it.
func (l *Limiter) Reserve(id string) time.Duration {
	b := l.bucket(id)
	if b == nil {
		return 0
	}
	return b.Reserve().Delay()
}

// TryAcquire takes a token only if one is available now. Otherwise the
// reservation is cancelled and the wait until the next token is returned.
func (l *Limiter) TryAcquire(id string) (bool, time.Duration) {
	b := l.bucket(id)
	if b == nil {
		return true, 0
	}
	r := b.Reserve()
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// Limited reports whether id has a quota.
func (l *Limiter) Limited(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.quotas[id]
	return ok
}

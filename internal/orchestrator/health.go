package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/metrics"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// Health classifies a resource from its recent calls.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("Health(%d)", int(h))
	}
}

const (
	healthWindow  = 20
	slowThreshold = time.Second
)

type sample struct {
	latency time.Duration
	failed  bool
}

type resourceHealth struct {
	samples []sample
	next    int
	open    bool
	level   Health
}

// HealthTracker keeps a sliding window of call outcomes per resource.
// Only infrastructure failures count against a resource; a missing file
// says nothing about the server.
type HealthTracker struct {
	mu        sync.Mutex
	resources map[string]*resourceHealth
	bus       events.Publisher
	logger    *events.Logger
}

// NewHealthTracker creates a tracker. bus may be nil.
func NewHealthTracker(bus events.Publisher, logger *events.Logger) *HealthTracker {
	return &HealthTracker{
		resources: make(map[string]*resourceHealth),
		bus:       bus,
		logger:    logger.WithField("component", "health"),
	}
}

// Observe records one call. circuitOpen reports the breaker state after
// the call.
func (t *HealthTracker) Observe(resourceID string, latency time.Duration, err error, circuitOpen bool) Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.resources[resourceID]
	if !ok {
		r = &resourceHealth{}
		t.resources[resourceID] = r
	}

	// Rejections by an open circuit carry no latency information.
	if models.KindOf(err) != models.KindCircuitOpen {
		s := sample{latency: latency, failed: err != nil && models.IsInfrastructureFailure(err)}
		if len(r.samples) < healthWindow {
			r.samples = append(r.samples, s)
		} else {
			r.samples[r.next] = s
			r.next = (r.next + 1) % healthWindow
		}
	}
	r.open = circuitOpen

	level := classify(r)
	if level != r.level {
		from := r.level
		r.level = level
		t.changed(resourceID, from, level)
	}
	return level
}

func classify(r *resourceHealth) Health {
	if r.open {
		return Unhealthy
	}
	if len(r.samples) == 0 {
		return Healthy
	}

	var total time.Duration
	failures := 0
	for _, s := range r.samples {
		total += s.latency
		if s.failed {
			failures++
		}
	}

	switch {
	case failures*2 >= len(r.samples):
		return Unhealthy
	case failures > 0 || total/time.Duration(len(r.samples)) >= slowThreshold:
		return Degraded
	default:
		return Healthy
	}
}

func (t *HealthTracker) changed(resourceID string, from, to Health) {
	metrics.SetResourceHealth(resourceID, int(to))

	t.logger.WithFields(map[string]interface{}{
		"resource_id": resourceID,
		"from":        from.String(),
		"to":          to.String(),
	}).Info("Resource health changed")

	if t.bus != nil {
		t.bus.Publish(events.Event{
			Type:       events.EventHealthChanged,
			ResourceID: resourceID,
			From:       from.String(),
			To:         to.String(),
		})
	}
}

// Health returns the current classification of a resource.
func (t *HealthTracker) Health(resourceID string) Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.resources[resourceID]; ok {
		return r.level
	}
	return Healthy
}

// Snapshot returns the classification of every observed resource.
func (t *HealthTracker) Snapshot() map[string]Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Health, len(t.resources))
	for id, r := range t.resources {
		out[id] = r.level
	}
	return out
}

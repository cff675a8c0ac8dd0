// Package breaker implements a per-key circuit breaker.
//
// A circuit starts Closed. Consecutive infrastructure failures open it, and
// while Open every call is rejected without reaching the backend. After
// OpenDuration a limited number of trial calls are let through (HalfOpen);
// enough successes close the circuit again, any failure reopens it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/filebridge/internal/config"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/metrics"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// State of a circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config for all circuits of a breaker.
type Config struct {
	FailureThreshold    int
	SuccessThreshold    int
	OpenDuration        time.Duration
	MaxHalfOpenAttempts int
}

// ConfigFrom converts the application breaker settings.
func ConfigFrom(c config.BreakerConfig) Config {
	return Config{
		FailureThreshold:    c.FailureThreshold,
		SuccessThreshold:    c.SuccessThreshold,
		OpenDuration:        c.OpenDuration,
		MaxHalfOpenAttempts: c.MaxHalfOpenAttempts,
	}
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenDuration:        30 * time.Second,
		MaxHalfOpenAttempts: 3,
	}
}

// CircuitState is a snapshot of one circuit.
type CircuitState struct {
	State            State
	Failures         int
	Successes        int
	OpenedAt         time.Time
	HalfOpenInFlight int

	generation uint64
}

// Key builds the circuit key of a resource served by an adapter.
func Key(resourceID, adapterKey string) string {
	return resourceID + "@" + adapterKey
}

// Breaker tracks circuits by key.
type Breaker struct {
	cfg    Config
	bus    events.Publisher
	logger *events.Logger

	mu       sync.Mutex
	now      func() time.Time
	circuits map[string]*CircuitState
}

// New creates a breaker. bus may be nil.
func New(cfg Config, bus events.Publisher, logger *events.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.MaxHalfOpenAttempts <= 0 {
		cfg.MaxHalfOpenAttempts = def.MaxHalfOpenAttempts
	}
	return &Breaker{
		cfg:      cfg,
		bus:      bus,
		now:      time.Now,
		circuits: make(map[string]*CircuitState),
		logger:   logger.WithField("component", "breaker"),
	}
}

// SetClock replaces the breaker clock.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Execute runs fn unless the circuit for key is open, and records its
// outcome.
func (b *Breaker) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	done, err := b.Allow(key)
	if err != nil {
		return err
	}
	err = fn(ctx)
	done(err)
	return err
}

// Call is Execute for functions returning a value.
func Call[T any](ctx context.Context, b *Breaker, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	done, err := b.Allow(key)
	if err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	done(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// Allow admits one call for key. The returned function must be called
// exactly once with the call's outcome. A rejected call returns a
// CircuitOpen error carrying the remaining open time as retry-after.
func (b *Breaker) Allow(key string) (func(error), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key)
	now := b.now()

	if c.State == Open {
		remaining := b.cfg.OpenDuration - now.Sub(c.OpenedAt)
		if remaining > 0 {
			return nil, b.rejection(key, remaining)
		}
		b.transition(key, c, HalfOpen, now)
	}

	halfOpen := c.State == HalfOpen
	if halfOpen {
		if c.HalfOpenInFlight >= b.cfg.MaxHalfOpenAttempts {
			return nil, b.rejection(key, 0)
		}
		c.HalfOpenInFlight++
	}

	gen := c.generation
	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(key, gen, halfOpen, err) })
	}, nil
}

func (b *Breaker) rejection(key string, retryAfter time.Duration) error {
	return &models.BackendError{
		Kind:       models.KindCircuitOpen,
		Op:         "breaker",
		Resource:   resourceOf(key),
		RetryAfter: retryAfter,
	}
}

func (b *Breaker) record(key string, gen uint64, halfOpen bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key)
	if halfOpen && c.generation == gen && c.HalfOpenInFlight > 0 {
		c.HalfOpenInFlight--
	}
	// Outcomes of calls admitted before the last transition say nothing
	// about the current state.
	if c.generation != gen {
		return
	}

	switch {
	case errors.Is(err, context.Canceled), models.KindOf(err) == models.KindCircuitOpen:
		return
	case models.IsInfrastructureFailure(err):
		b.onFailure(key, c, err)
	default:
		// The backend answered, even if the answer was an error such as
		// NotFound.
		b.onSuccess(key, c)
	}
}

func (b *Breaker) onFailure(key string, c *CircuitState, err error) {
	now := b.now()
	switch c.State {
	case Closed:
		c.Failures++
		b.logger.WithFields(map[string]interface{}{
			"key":      key,
			"failures": c.Failures,
			"kind":     models.KindOf(err).String(),
		}).Debug("Recorded backend failure")
		if c.Failures >= b.cfg.FailureThreshold {
			b.transition(key, c, Open, now)
		}
	case HalfOpen:
		b.transition(key, c, Open, now)
	}
}

func (b *Breaker) onSuccess(key string, c *CircuitState) {
	switch c.State {
	case Closed:
		c.Failures = 0
	case HalfOpen:
		c.Successes++
		if c.Successes >= b.cfg.SuccessThreshold {
			b.transition(key, c, Closed, b.now())
		}
	}
}

// transition is the only place a circuit changes state. Allowed moves are
// Closed->Open, Open->HalfOpen, HalfOpen->Closed and HalfOpen->Open.
func (b *Breaker) transition(key string, c *CircuitState, to State, now time.Time) {
	from := c.State
	switch {
	case from == Closed && to == Open,
		from == Open && to == HalfOpen,
		from == HalfOpen && (to == Closed || to == Open):
	default:
		b.logger.WithFields(map[string]interface{}{
			"key":  key,
			"from": from.String(),
			"to":   to.String(),
		}).Error("Refusing invalid circuit transition")
		return
	}

	c.State = to
	c.generation++
	c.Failures = 0
	c.Successes = 0
	c.HalfOpenInFlight = 0
	if to == Open {
		c.OpenedAt = now
	}

	metrics.SetCircuitState(key, int(to))

	log := b.logger.WithFields(map[string]interface{}{
		"key":  key,
		"from": from.String(),
		"to":   to.String(),
	})
	if to == Open {
		log.Warn("Circuit opened")
	} else {
		log.Info("Circuit state changed")
	}

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type:       events.EventCircuitTransition,
			Timestamp:  now,
			ResourceID: resourceOf(key),
			From:       from.String(),
			To:         to.String(),
			Data:       map[string]interface{}{"key": key},
		})
	}
}

// circuit must be called with b.mu held.
func (b *Breaker) circuit(key string) *CircuitState {
	c, ok := b.circuits[key]
	if !ok {
		c = &CircuitState{State: Closed}
		b.circuits[key] = c
	}
	return c
}

// State returns a snapshot of the circuit for key. An Open circuit whose
// open duration has elapsed is still reported as Open until the next call.
func (b *Breaker) State(key string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return *c
	}
	return CircuitState{State: Closed}
}

// Keys lists the keys with a circuit.
func (b *Breaker) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.circuits))
	for k := range b.circuits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset forgets the circuit for key, closing it.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, key)
	metrics.SetCircuitState(key, int(Closed))
}

func resourceOf(key string) string {
	id, _, _ := strings.Cut(key, "@")
	return id
}

package breaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/filebridge/internal/breaker"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(t *testing.T, bus events.Publisher) (*breaker.Breaker, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := breaker.New(breaker.DefaultConfig(), bus, events.NewNopLogger())
	b.SetClock(clk.Now)
	return b, clk
}

var errLost = models.NewError(models.KindConnectionLost, "read", "/f", nil)

func fail(ctx context.Context) error    { return errLost }
func succeed(ctx context.Context) error { return nil }

func TestOpensAfterExactlyThreshold(t *testing.T) {
	b, _ := newBreaker(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Execute(ctx, "k", fail), models.ErrConnectionLost)
		assert.Equal(t, breaker.Closed, b.State("k").State)
	}
	require.ErrorIs(t, b.Execute(ctx, "k", fail), models.ErrConnectionLost)
	assert.Equal(t, breaker.Open, b.State("k").State)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newBreaker(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, "k", fail)
	}
	require.NoError(t, b.Execute(ctx, "k", succeed))
	assert.Equal(t, 0, b.State("k").Failures)

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, "k", fail)
	}
	assert.Equal(t, breaker.Closed, b.State("k").State)
}

func TestNonInfrastructureErrorsDoNotTrip(t *testing.T) {
	b, _ := newBreaker(t, nil)
	ctx := context.Background()

	errs := []error{
		models.NewError(models.KindNotFound, "stat", "/x", nil),
		models.NewError(models.KindPermissionDenied, "stat", "/x", nil),
		models.NewError(models.KindAuthenticationFailed, "connect", "", nil),
		models.NewError(models.KindQuotaExceeded, "write", "/x", nil),
		models.NewError(models.KindDiskFull, "write", "/x", nil),
		models.NewError(models.KindCircuitOpen, "breaker", "", nil),
		context.Canceled,
	}
	for i := 0; i < 3; i++ {
		for _, e := range errs {
			e := e
			_ = b.Execute(ctx, "k", func(context.Context) error { return e })
		}
	}
	assert.Equal(t, breaker.Closed, b.State("k").State)
	assert.Equal(t, 0, b.State("k").Failures)
}

// share-A: five failures open the circuit, the sixth call is rejected
// without running, and after the open duration trial calls close it again.
func TestShareAScenario(t *testing.T) {
	bus := events.NewBus(events.NewNopLogger())
	sub, cancel := bus.Subscribe(10)
	defer cancel()

	b, clk := newBreaker(t, bus)
	ctx := context.Background()
	key := breaker.Key("share-A", "smb")

	calls := 0
	failing := func(context.Context) error {
		calls++
		return models.NewError(models.KindConnectionTimeout, "list", "/", nil)
	}
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, key, failing)
	}
	require.Equal(t, 5, calls)

	err := b.Execute(ctx, key, failing)
	assert.ErrorIs(t, err, models.ErrCircuitOpen)
	assert.Equal(t, 5, calls, "open circuit must not call through")
	assert.Equal(t, 30*time.Second, models.RetryAfterOf(err))

	clk.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, key, failing), models.ErrCircuitOpen)

	clk.Advance(time.Second)
	trials := 0
	trial := func(context.Context) error { trials++; return nil }
	require.NoError(t, b.Execute(ctx, key, trial))
	assert.Equal(t, breaker.HalfOpen, b.State(key).State)
	require.NoError(t, b.Execute(ctx, key, trial))
	assert.Equal(t, breaker.Closed, b.State(key).State)
	assert.Equal(t, 2, trials)

	var transitions []string
	for len(transitions) < 3 {
		ev := <-sub
		assert.Equal(t, events.EventCircuitTransition, ev.Type)
		assert.Equal(t, "share-A", ev.ResourceID)
		transitions = append(transitions, ev.From+"->"+ev.To)
	}
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clk := newBreaker(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, "k", fail)
	}
	clk.Advance(31 * time.Second)

	require.Error(t, b.Execute(ctx, "k", fail))
	st := b.State("k")
	assert.Equal(t, breaker.Open, st.State)
	assert.Equal(t, clk.Now(), st.OpenedAt)
}

func TestHalfOpenLimitsConcurrentTrials(t *testing.T) {
	b, clk := newBreaker(t, nil)
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), "k", fail)
	}
	clk.Advance(30 * time.Second)

	var dones []func(error)
	for i := 0; i < 3; i++ {
		done, err := b.Allow("k")
		require.NoError(t, err)
		dones = append(dones, done)
	}
	_, err := b.Allow("k")
	assert.ErrorIs(t, err, models.ErrCircuitOpen)
	assert.Equal(t, 3, b.State("k").HalfOpenInFlight)

	dones[0](nil)
	dones[1](nil)
	assert.Equal(t, breaker.Closed, b.State("k").State)

	// The third trial finished after the circuit closed and is ignored.
	dones[2](errLost)
	assert.Equal(t, breaker.Closed, b.State("k").State)
	assert.Equal(t, 0, b.State("k").Failures)
}

func TestCallReturnsValue(t *testing.T) {
	b, _ := newBreaker(t, nil)
	v, err := breaker.Call(context.Background(), b, "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = breaker.Call(context.Background(), b, "k", func(context.Context) (int, error) { return 0, errors.New("boom") })
	assert.EqualError(t, err, "boom")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", breaker.Closed.String())
	assert.Equal(t, "open", breaker.Open.String())
	assert.Equal(t, "half_open", breaker.HalfOpen.String())
}

package orchestrator_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/orchestrator"
)

func TestHealthClassification(t *testing.T) {
	lost := models.NewError(models.KindConnectionLost, "read", "/a", errors.New("reset"))
	missing := models.NewError(models.KindNotFound, "stat", "/a", errors.New("no such file"))

	tests := []struct {
		name    string
		observe func(h *orchestrator.HealthTracker)
		want    orchestrator.Health
	}{
		{
			name:    "no samples",
			observe: func(h *orchestrator.HealthTracker) {},
			want:    orchestrator.Healthy,
		},
		{
			name: "fast successes",
			observe: func(h *orchestrator.HealthTracker) {
				for i := 0; i < 5; i++ {
					h.Observe("r", 10*time.Millisecond, nil, false)
				}
			},
			want: orchestrator.Healthy,
		},
		{
			name: "not found is not a failure",
			observe: func(h *orchestrator.HealthTracker) {
				h.Observe("r", 10*time.Millisecond, missing, false)
				h.Observe("r", 10*time.Millisecond, missing, false)
			},
			want: orchestrator.Healthy,
		},
		{
			name: "slow calls",
			observe: func(h *orchestrator.HealthTracker) {
				h.Observe("r", 2*time.Second, nil, false)
				h.Observe("r", time.Second, nil, false)
			},
			want: orchestrator.Degraded,
		},
		{
			name: "occasional failure",
			observe: func(h *orchestrator.HealthTracker) {
				h.Observe("r", time.Millisecond, lost, false)
				for i := 0; i < 4; i++ {
					h.Observe("r", time.Millisecond, nil, false)
				}
			},
			want: orchestrator.Degraded,
		},
		{
			name: "mostly failing",
			observe: func(h *orchestrator.HealthTracker) {
				h.Observe("r", time.Millisecond, nil, false)
				h.Observe("r", time.Millisecond, lost, false)
			},
			want: orchestrator.Unhealthy,
		},
		{
			name: "open circuit",
			observe: func(h *orchestrator.HealthTracker) {
				h.Observe("r", time.Millisecond, nil, true)
			},
			want: orchestrator.Unhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := orchestrator.NewHealthTracker(nil, events.NewNopLogger())
			tt.observe(h)
			assert.Equal(t, tt.want, h.Health("r"))
		})
	}
}

func TestHealthRecoversAsWindowSlides(t *testing.T) {
	h := orchestrator.NewHealthTracker(nil, events.NewNopLogger())
	lost := models.NewError(models.KindConnectionLost, "read", "/a", errors.New("reset"))

	h.Observe("r", time.Millisecond, lost, false)
	assert.Equal(t, orchestrator.Unhealthy, h.Health("r"))

	for i := 0; i < 20; i++ {
		h.Observe("r", time.Millisecond, nil, false)
	}
	assert.Equal(t, orchestrator.Healthy, h.Health("r"))
}

func TestHealthPublishesChanges(t *testing.T) {
	bus := events.NewBus(events.NewNopLogger())
	defer bus.Close()
	sub, cancel := bus.Subscribe(10)
	defer cancel()

	h := orchestrator.NewHealthTracker(bus, events.NewNopLogger())
	h.Observe("nas", time.Millisecond, nil, false)
	h.Observe("nas", time.Millisecond, nil, true)
	h.Observe("nas", time.Millisecond, nil, true)

	require.Len(t, sub, 1)
	ev := <-sub
	assert.Equal(t, events.EventHealthChanged, ev.Type)
	assert.Equal(t, "nas", ev.ResourceID)
	assert.Equal(t, "healthy", ev.From)
	assert.Equal(t, "unhealthy", ev.To)

	assert.Equal(t, map[string]orchestrator.Health{"nas": orchestrator.Unhealthy}, h.Snapshot())
}

func TestCircuitRejectionsAddNoSample(t *testing.T) {
	h := orchestrator.NewHealthTracker(nil, events.NewNopLogger())
	rejected := models.NewError(models.KindCircuitOpen, "list", "/", nil)

	h.Observe("r", time.Millisecond, nil, false)
	h.Observe("r", 0, rejected, true)
	assert.Equal(t, orchestrator.Unhealthy, h.Health("r"))

	// Circuit closes again; the window still holds only the success.
	h.Observe("r", time.Millisecond, nil, false)
	assert.Equal(t, orchestrator.Healthy, h.Health("r"))
}

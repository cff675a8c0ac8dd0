package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/filebridge/internal/events"
)

func TestFromContext(t *testing.T) {
	ctx := context.Background()

	logger := events.FromContext(ctx)
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	ctx := context.Background()
	logger := events.NewNopLogger()

	ctx = events.WithLogger(ctx, logger)
	retrieved := events.FromContext(ctx)

	assert.Same(t, logger, retrieved)
}

func TestWithOperationID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithOperationID(ctx, "op-123")
	assert.Equal(t, "op-123", events.GetOperationID(ctx))

	events.FromContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), `"op_id":"op-123"`)
}

func TestWithResourceID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithResourceID(ctx, "nas-1")
	assert.Equal(t, "nas-1", events.GetResourceID(ctx))

	events.FromContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), `"resource_id":"nas-1"`)
}

func TestGetIDsEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, events.GetOperationID(ctx))
	assert.Empty(t, events.GetResourceID(ctx))
}

func TestScoped(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	logger.Scoped(context.Background()).Info("plain")
	assert.NotContains(t, buf.String(), "op_id")

	buf.Reset()
	ctx := events.WithResourceID(events.WithOperationID(context.Background(), "op-7"), "nas")
	logger.Scoped(ctx).Info("scoped")
	assert.Contains(t, buf.String(), `"op_id":"op-7"`)
	assert.Contains(t, buf.String(), `"resource_id":"nas"`)
}

func TestSetDefault(t *testing.T) {
	original := events.FromContext(context.Background())
	t.Cleanup(func() { events.SetDefault(original) })

	customLogger := events.NewNopLogger()
	events.SetDefault(customLogger)

	assert.Same(t, customLogger, events.FromContext(context.Background()))
}

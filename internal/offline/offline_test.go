package offline_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/offline"
	"github.com/TheMichaelB/filebridge/internal/state"
)

var t1 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func TestCompare(t *testing.T) {
	rec := &models.FileVersionRecord{ModTime: t1, Size: 100}

	tests := []struct {
		name   string
		rec    *models.FileVersionRecord
		remote models.Entry
		want   offline.ConflictType
	}{
		{"no record", nil, models.Entry{ModTime: t1.Add(time.Hour), Size: 5}, offline.NoConflict},
		{"remote newer", rec, models.Entry{ModTime: t1.Add(time.Second), Size: 100}, offline.RemoteNewer},
		{"newer wins over size", rec, models.Entry{ModTime: t1.Add(time.Second), Size: 7}, offline.RemoteNewer},
		{"same time, size differs", rec, models.Entry{ModTime: t1, Size: 101}, offline.SizeChanged},
		{"older, size differs", rec, models.Entry{ModTime: t1.Add(-time.Hour), Size: 1}, offline.SizeChanged},
		{"unchanged", rec, models.Entry{ModTime: t1, Size: 100}, offline.NoConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, offline.Compare(tt.rec, tt.remote))
		})
	}
}

func TestDetectorCheck(t *testing.T) {
	store := state.NewMockStore()
	bus := events.NewBus(events.NewNopLogger())
	sub, cancel := bus.Subscribe(10)
	defer cancel()

	d := offline.NewDetector(store, bus, events.NewNopLogger())
	ctx := context.Background()

	c, err := d.Check(ctx, "nas", "/docs/a.txt", models.Entry{Path: "/docs/a.txt", ModTime: t1, Size: 10})
	require.NoError(t, err)
	assert.False(t, c.Exists(), "unknown file is never a conflict")

	require.NoError(t, d.Record("nas", models.Entry{Path: "docs/a.txt", ModTime: t1, Size: 10}))

	c, err = d.Check(ctx, "nas", "/docs/a.txt", models.Entry{ModTime: t1, Size: 10})
	require.NoError(t, err)
	assert.False(t, c.Exists())

	c, err = d.Check(ctx, "nas", "/docs/a.txt", models.Entry{ModTime: t1.Add(time.Minute), Size: 10})
	require.NoError(t, err)
	assert.Equal(t, offline.RemoteNewer, c.Type)
	require.NotNil(t, c.Local)
	assert.Equal(t, int64(10), c.Local.Size)

	ev := <-sub
	assert.Equal(t, events.EventConflictDetected, ev.Type)
	assert.Equal(t, "nas", ev.ResourceID)
	assert.Equal(t, "/docs/a.txt", ev.Path)
	assert.Equal(t, "remote_newer", ev.Message)

	c, err = d.Check(ctx, "nas", "/docs/a.txt", models.Entry{ModTime: t1, Size: 11})
	require.NoError(t, err)
	assert.Equal(t, offline.SizeChanged, c.Type)

	require.NoError(t, d.Forget("nas", "/docs/a.txt"))
	c, err = d.Check(ctx, "nas", "/docs/a.txt", models.Entry{ModTime: t1.Add(time.Hour), Size: 1})
	require.NoError(t, err)
	assert.False(t, c.Exists())
}

func TestDetectorStale(t *testing.T) {
	d := offline.NewDetector(state.NewMockStore(), nil, events.NewNopLogger())

	stale, err := d.Stale("nas", "/a.txt", models.Entry{ModTime: t1, Size: 6})
	require.NoError(t, err)
	assert.False(t, stale, "nothing recorded")

	require.NoError(t, d.Record("nas", models.Entry{Path: "/a.txt", ModTime: t1, Size: 6, ETag: "v1"}))

	tests := []struct {
		name   string
		remote models.Entry
		want   bool
	}{
		{"same version", models.Entry{ModTime: t1, Size: 6, ETag: "v1"}, false},
		{"newer, same size", models.Entry{ModTime: t1.Add(time.Hour), Size: 6, ETag: "v1"}, true},
		{"older, same size", models.Entry{ModTime: t1.Add(-time.Hour), Size: 6, ETag: "v1"}, true},
		{"size differs", models.Entry{ModTime: t1, Size: 7, ETag: "v1"}, true},
		{"etag differs", models.Entry{ModTime: t1, Size: 6, ETag: "v2"}, true},
		{"no remote etag", models.Entry{ModTime: t1, Size: 6}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stale, err := d.Stale("nas", "a.txt", tt.remote)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stale)
		})
	}
}

func TestConflictError(t *testing.T) {
	var err error = &offline.ConflictError{Conflict: offline.Conflict{ResourceID: "nas", Path: "/a.txt", Type: offline.RemoteNewer}}
	wrapped := fmt.Errorf("upload: %w", err)

	assert.ErrorIs(t, wrapped, offline.ErrConflict)
	var ce *offline.ConflictError
	require.ErrorAs(t, wrapped, &ce)
	assert.Equal(t, "/a.txt", ce.Conflict.Path)
	assert.Equal(t, "nas:/a.txt changed remotely (remote_newer)", err.Error())
}

func TestConflictName(t *testing.T) {
	at := time.Date(2024, 6, 1, 8, 30, 5, 0, time.UTC)
	assert.Equal(t, "/docs/report.conflict-20240601-083005.pdf", offline.ConflictName("/docs/report.pdf", at))
	assert.Equal(t, "/Makefile.conflict-20240601-083005", offline.ConflictName("/Makefile", at))
	assert.Equal(t, "/a/archive.tar.conflict-20240601-083005.gz", offline.ConflictName("/a/archive.tar.gz", at))
}

func TestParseResolution(t *testing.T) {
	for _, r := range []offline.Resolution{offline.KeepLocal, offline.KeepRemote, offline.KeepBoth} {
		got, err := offline.ParseResolution(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := offline.ParseResolution("merge")
	assert.Error(t, err)
}

func newQueue(maxRetries int) (*offline.Queue, *state.MockStore, *events.Bus) {
	store := state.NewMockStore()
	bus := events.NewBus(events.NewNopLogger())
	return offline.NewQueue(store, maxRetries, bus, events.NewNopLogger()), store, bus
}

func deleteOp(path string) *models.PendingOperation {
	return &models.PendingOperation{Type: models.OpDelete, ResourceID: "nas", SourcePath: path}
}

func TestEnqueueValidates(t *testing.T) {
	q, _, _ := newQueue(5)
	err := q.Enqueue(&models.PendingOperation{Type: models.OpCopy, ResourceID: "nas", SourcePath: "/a"})
	assert.Error(t, err)

	op := deleteOp("/a")
	require.NoError(t, q.Enqueue(op))
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, models.StatusPending, op.Status)
}

func TestDrainFIFOExactlyOnce(t *testing.T) {
	q, _, _ := newQueue(5)
	for _, p := range []string{"/1", "/2", "/3"} {
		require.NoError(t, q.Enqueue(deleteOp(p)))
	}

	var replayed []string
	replay := func(ctx context.Context, op *models.PendingOperation) error {
		replayed = append(replayed, op.SourcePath)
		return nil
	}

	res, err := q.Drain(context.Background(), replay)
	require.NoError(t, err)
	assert.Equal(t, offline.DrainResult{Replayed: 3}, res)
	assert.Equal(t, []string{"/1", "/2", "/3"}, replayed)

	res, err = q.Drain(context.Background(), replay)
	require.NoError(t, err)
	assert.Equal(t, offline.DrainResult{}, res)
	assert.Len(t, replayed, 3)

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainStopsOnFailure(t *testing.T) {
	q, _, _ := newQueue(5)
	for _, p := range []string{"/1", "/2", "/3"} {
		require.NoError(t, q.Enqueue(deleteOp(p)))
	}

	unreachable := models.NewError(models.KindServerUnreachable, "delete", "/2", errors.New("no route"))
	var calls []string
	res, err := q.Drain(context.Background(), func(ctx context.Context, op *models.PendingOperation) error {
		calls = append(calls, op.SourcePath)
		if op.SourcePath == "/2" {
			return unreachable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/1", "/2"}, calls, "/3 must not overtake /2")
	assert.Equal(t, offline.DrainResult{Replayed: 1, Remaining: 2}, res)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "/2", pending[0].SourcePath)
	assert.Equal(t, 1, pending[0].Retries)
	assert.Contains(t, pending[0].LastError, "no route")
}

func TestDrainMarksFailedAfterMaxRetries(t *testing.T) {
	q, _, bus := newQueue(2)
	sub, cancel := bus.Subscribe(20)
	defer cancel()

	require.NoError(t, q.Enqueue(deleteOp("/stuck")))
	require.NoError(t, q.Enqueue(deleteOp("/next")))

	boom := errors.New("permission denied")
	var nextRuns int
	replay := func(ctx context.Context, op *models.PendingOperation) error {
		if op.SourcePath == "/stuck" {
			return boom
		}
		nextRuns++
		return nil
	}

	for i := 0; i < 2; i++ {
		res, err := q.Drain(context.Background(), replay)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Failed)
	}
	assert.Equal(t, 0, nextRuns)

	res, err := q.Drain(context.Background(), replay)
	require.NoError(t, err)
	assert.Equal(t, offline.DrainResult{Replayed: 1, Failed: 1}, res)
	assert.Equal(t, 1, nextRuns)

	failed, err := q.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1, "failed operations are kept, not dropped")
	assert.Equal(t, "/stuck", failed[0].SourcePath)
	assert.Equal(t, 3, failed[0].Retries)

	var sawFailed bool
	for len(sub) > 0 {
		if ev := <-sub; ev.Type == events.EventOperationFailed {
			sawFailed = true
			assert.Equal(t, "/stuck", ev.Path)
		}
	}
	assert.True(t, sawFailed)
}

func TestDrainMarksConflictFailedAtOnce(t *testing.T) {
	q, _, _ := newQueue(5)
	require.NoError(t, q.Enqueue(deleteOp("/contested")))
	require.NoError(t, q.Enqueue(deleteOp("/next")))

	replay := func(ctx context.Context, op *models.PendingOperation) error {
		if op.SourcePath == "/contested" {
			return &offline.ConflictError{Conflict: offline.Conflict{ResourceID: "nas", Path: op.SourcePath, Type: offline.SizeChanged}}
		}
		return nil
	}

	res, err := q.Drain(context.Background(), replay)
	require.NoError(t, err)
	assert.Equal(t, offline.DrainResult{Replayed: 1, Failed: 1}, res)

	failed, err := q.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Retries)
}

func TestRetryRequeuesAtTheEnd(t *testing.T) {
	q, _, _ := newQueue(1)
	stuck := deleteOp("/stuck")
	require.NoError(t, q.Enqueue(stuck))

	fail := func(ctx context.Context, op *models.PendingOperation) error { return errors.New("nope") }
	_, _ = q.Drain(context.Background(), fail)
	_, _ = q.Drain(context.Background(), fail)

	failed, err := q.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, q.Enqueue(deleteOp("/later")))
	require.NoError(t, q.Retry(stuck.ID))

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "/later", pending[0].SourcePath)
	assert.Equal(t, "/stuck", pending[1].SourcePath)
	assert.Equal(t, 0, pending[1].Retries)

	assert.Error(t, q.Retry(stuck.ID), "pending operation cannot be retried")
	assert.Error(t, q.Retry("missing"))
}

func TestDiscard(t *testing.T) {
	q, _, _ := newQueue(5)
	op := deleteOp("/a")
	require.NoError(t, q.Enqueue(op))
	require.NoError(t, q.Discard(op.ID))

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.ErrorIs(t, q.Discard(op.ID), state.ErrStateNotFound)
}

func TestDrainCancelled(t *testing.T) {
	q, _, _ := newQueue(5)
	require.NoError(t, q.Enqueue(deleteOp("/a")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := q.Drain(ctx, func(context.Context, *models.PendingOperation) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Remaining)
}

func TestWatchDrainsOnReconnect(t *testing.T) {
	q, _, _ := newQueue(5)
	require.NoError(t, q.Enqueue(deleteOp("/a")))
	require.NoError(t, q.Enqueue(deleteOp("/b")))

	sw := offline.NewSwitch(false)
	var mu sync.Mutex
	var replayed []string
	replay := func(ctx context.Context, op *models.PendingOperation) error {
		mu.Lock()
		defer mu.Unlock()
		replayed = append(replayed, op.SourcePath)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Watch(ctx, sw, replay)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, replayed, "nothing replays while offline")
	mu.Unlock()

	sw.Set(true)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replayed) == 2
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, []string{"/a", "/b"}, replayed)
}

func TestSwitchChanges(t *testing.T) {
	sw := offline.NewSwitch(true)
	ch, stop := sw.Changes()

	sw.Set(true)
	sw.Set(false)
	sw.Set(true)
	assert.True(t, <-ch, "only the latest state is kept")
	assert.True(t, sw.Online())

	stop()
	stop()
	_, ok := <-ch
	assert.False(t, ok)
	sw.Set(false)
}

func TestReachability(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	p := offline.NewReachability(ln.Addr().String(), time.Second, events.NewNopLogger())
	ch, stop := p.Changes()
	defer stop()

	require.NoError(t, p.Check(context.Background(), time.Now()))
	assert.True(t, p.Online())

	require.NoError(t, ln.Close())
	require.NoError(t, p.Check(context.Background(), time.Now()))
	assert.False(t, p.Online())
	assert.False(t, <-ch)
}

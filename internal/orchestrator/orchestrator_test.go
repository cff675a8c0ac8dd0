package orchestrator_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/backend/backendtest"
	"github.com/TheMichaelB/filebridge/internal/cache"
	"github.com/TheMichaelB/filebridge/internal/config"
	"github.com/TheMichaelB/filebridge/internal/creds"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/offline"
	"github.com/TheMichaelB/filebridge/internal/orchestrator"
	"github.com/TheMichaelB/filebridge/internal/retry"
	"github.com/TheMichaelB/filebridge/internal/state"
)

var t1 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type env struct {
	o      *orchestrator.Orchestrator
	nas    *backendtest.Fake
	box    *backendtest.Fake
	nasRes *models.Resource
	boxRes *models.Resource
	roRes  *models.Resource
	store  *state.MockStore
	bus    *events.Bus
	sw     *offline.Switch
	fs     afero.Fs
}

func fastRetry() config.RetryPolicy {
	return config.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1}
}

func newEnv(t *testing.T, mutate ...func(*config.Config)) *env {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.TempDir = "/var/tmp/filebridge"
	cfg.Retry = map[string]config.RetryPolicy{"smb": fastRetry(), "sftp": fastRetry()}
	for _, m := range mutate {
		m(cfg)
	}

	e := &env{
		nas:   backendtest.New("smb"),
		box:   backendtest.New("sftp"),
		store: state.NewMockStore(),
		bus:   events.NewBus(events.NewNopLogger()),
		sw:    offline.NewSwitch(true),
		fs:    afero.NewMemMapFs(),
	}
	e.nasRes = &models.Resource{
		ID: "nas", Kind: models.BackendSMB, Address: "nas.local", Root: "share",
		Capabilities: models.Capabilities{Writable: true, ServerSideCopy: true, ServerSideMove: true},
	}
	e.boxRes = &models.Resource{
		ID: "box", Kind: models.BackendSFTP, Address: "box.example.com",
		Capabilities: models.Capabilities{Writable: true},
	}
	e.roRes = &models.Resource{ID: "archive", Kind: models.BackendSFTP, Address: "archive.example.com"}

	c, err := cache.New(cache.Config{Dir: "/var/cache/filebridge", TTL: time.Hour}, e.fs, e.store, events.NewNopLogger())
	require.NoError(t, err)
	thumbs, err := cache.NewLRU("/var/cache/filebridge/thumbs", 1<<20, e.fs, events.NewNopLogger())
	require.NoError(t, err)

	e.o, err = orchestrator.New(orchestrator.Deps{
		Config:       cfg,
		Registry:     backend.NewRegistry(e.nas, e.box),
		Resources:    creds.NewStaticRepository(e.nasRes, e.boxRes, e.roRes),
		Store:        e.store,
		Cache:        c,
		Thumbnails:   thumbs,
		Bus:          e.bus,
		Connectivity: e.sw,
		Fs:           e.fs,
		Logger:       events.NewNopLogger(),
	})
	require.NoError(t, err)
	e.o.SetRetryOptions(retry.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	t.Cleanup(func() { _ = e.o.Close() })
	return e
}

func unreachable() error {
	return models.NewError(models.KindServerUnreachable, "", "", errors.New("no route to host"))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := orchestrator.New(orchestrator.Deps{})
	assert.Error(t, err)
}

func TestListAndStat(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/docs/a.txt", []byte("alpha"), t1)
	e.nas.Put("/docs/b.txt", []byte("beta"), t1)

	entries, err := e.o.List(context.Background(), e.nasRes, "docs")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)

	entry, err := e.o.Stat(context.Background(), e.nasRes, "/docs/b.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), entry.Size)

	_, err = e.o.Stat(context.Background(), e.nasRes, "/docs/missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	var be *models.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "nas", be.Resource)

	assert.Equal(t, 1, e.nas.Dials(), "connection is reused")
}

func TestDownloadCachesContent(t *testing.T) {
	e := newEnv(t)
	data := bytes.Repeat([]byte("0123456789"), 10000)
	e.nas.Put("/media/video.mp4", data, t1)

	var last, total int64
	local, err := e.o.Download(context.Background(), e.nasRes, "/media/video.mp4", func(done, all int64) {
		last, total = done, all
	})
	require.NoError(t, err)

	got, err := afero.ReadFile(e.fs, local)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), last)
	assert.Equal(t, int64(len(data)), total)

	again, err := e.o.Download(context.Background(), e.nasRes, "/media/video.mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, local, again)
	assert.Equal(t, 1, e.nas.Calls(backendtest.OpRead))

	rec, err := e.store.LoadVersion("nas", "/media/video.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), rec.Size)
	assert.True(t, rec.ModTime.Equal(t1))
}

func TestConcurrentDownloadsShareOneTransfer(t *testing.T) {
	e := newEnv(t)
	data := bytes.Repeat([]byte{0xCD}, 4096)
	e.nas.Put("/a.jpg", data, t1)
	e.nas.SetDelay(10 * time.Millisecond)

	const n = 8
	paths := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := e.o.Download(context.Background(), e.nasRes, "/a.jpg", nil)
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, e.nas.Calls(backendtest.OpRead))
	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
	assert.LessOrEqual(t, e.nas.MaxOpen(), 5)
}

func TestDownloadRetriesTransientOpen(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/f", []byte("x"), t1)
	e.nas.FailNext(backendtest.OpRead, unreachable(), unreachable())

	_, err := e.o.Download(context.Background(), e.nasRes, "/f", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, e.nas.Calls(backendtest.OpRead))
}

func TestDownloadDirectoryFails(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/dir/f", []byte("x"), t1)
	_, err := e.o.Download(context.Background(), e.nasRes, "/dir", nil)
	assert.Error(t, err)
}

func TestThumbnailUsesLRU(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/.thumbs/a.jpg", []byte("tiny"), t1)

	p, err := e.o.Thumbnail(context.Background(), e.nasRes, "/.thumbs/a.jpg")
	require.NoError(t, err)
	got, err := afero.ReadFile(e.fs, p)
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), got)
	assert.Contains(t, p, "thumbs")
}

func TestUpload(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, afero.WriteFile(e.fs, "/home/user/report.pdf", []byte("%PDF-1.7"), 0644))

	entry, err := e.o.Upload(context.Background(), e.nasRes, "/home/user/report.pdf", "/reports/2024/report.pdf", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), entry.Size)

	got, ok := e.nas.Get("/reports/2024/report.pdf")
	require.True(t, ok)
	assert.Equal(t, []byte("%PDF-1.7"), got)

	_, err = e.store.LoadVersion("nas", "/reports/2024/report.pdf")
	assert.NoError(t, err)
}

func TestUploadInvalidatesCache(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/notes.txt", []byte("old"), t1)
	_, err := e.o.Download(context.Background(), e.nasRes, "/notes.txt", nil)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(e.fs, "/tmp/notes.txt", []byte("new"), 0644))
	_, err = e.o.Upload(context.Background(), e.nasRes, "/tmp/notes.txt", "/notes.txt", nil)
	require.NoError(t, err)

	local, err := e.o.Download(context.Background(), e.nasRes, "/notes.txt", nil)
	require.NoError(t, err)
	got, err := afero.ReadFile(e.fs, local)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestDownloadRefetchesSameSizeRemoteChange(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/notes.txt", []byte("AAAAAA"), t1)
	_, err := e.o.Download(context.Background(), e.nasRes, "/notes.txt", nil)
	require.NoError(t, err)

	e.nas.Put("/notes.txt", []byte("BBBBBB"), t1.Add(time.Hour))

	local, err := e.o.Download(context.Background(), e.nasRes, "/notes.txt", nil)
	require.NoError(t, err)
	got, err := afero.ReadFile(e.fs, local)
	require.NoError(t, err)
	assert.Equal(t, []byte("BBBBBB"), got)
	assert.Equal(t, 2, e.nas.Calls(backendtest.OpRead))

	rec, err := e.store.LoadVersion("nas", "/notes.txt")
	require.NoError(t, err)
	assert.True(t, rec.ModTime.Equal(t1.Add(time.Hour)))
}

func TestEditAfterSameSizeRemoteChangeEditsNewContent(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/notes.md", []byte("AAAAAA"), t1)
	_, err := e.o.Download(context.Background(), e.nasRes, "/notes.md", nil)
	require.NoError(t, err)

	e.nas.Put("/notes.md", []byte("BBBBBB"), t1.Add(time.Hour))

	var seen []byte
	ed := &testEditor{edit: func(ctx context.Context, local string) (bool, error) {
		seen, _ = afero.ReadFile(e.fs, local)
		return true, afero.WriteFile(e.fs, local, append(seen, '!'), 0644)
	}}
	_, err = e.o.Edit(context.Background(), e.nasRes, "/notes.md", ed)
	require.NoError(t, err)
	assert.Equal(t, []byte("BBBBBB"), seen)
	got, _ := e.nas.Get("/notes.md")
	assert.Equal(t, []byte("BBBBBB!"), got)
}

func TestUploadOntoRemotelyChangedFileConflicts(t *testing.T) {
	e := newEnv(t)
	sub, cancel := e.bus.Subscribe(100)
	defer cancel()

	e.nas.Put("/notes.txt", []byte("v1"), t1)
	_, err := e.o.Download(context.Background(), e.nasRes, "/notes.txt", nil)
	require.NoError(t, err)
	e.nas.Put("/notes.txt", []byte("v2 by someone else"), t1.Add(time.Hour))

	require.NoError(t, afero.WriteFile(e.fs, "/tmp/notes.txt", []byte("mine"), 0644))
	_, err = e.o.Upload(context.Background(), e.nasRes, "/tmp/notes.txt", "/notes.txt", nil)
	require.ErrorIs(t, err, offline.ErrConflict)
	var ce *offline.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, offline.RemoteNewer, ce.Conflict.Type)

	got, _ := e.nas.Get("/notes.txt")
	assert.Equal(t, []byte("v2 by someone else"), got)
	assert.Equal(t, 0, e.nas.Calls(backendtest.OpWrite))

	assert.Eventually(t, func() bool {
		for {
			select {
			case ev := <-sub:
				if ev.Type == events.EventConflictDetected {
					return ev.Path == "/notes.txt"
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	_, err = e.o.Upload(context.Background(), e.nasRes, "/tmp/notes.txt", "/notes.txt", nil, orchestrator.Overwrite())
	require.NoError(t, err)
	got, _ = e.nas.Get("/notes.txt")
	assert.Equal(t, []byte("mine"), got)
}

func TestCopyOntoRemotelyChangedFileConflicts(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/a.txt", []byte("alpha"), t1)
	e.box.Put("/a.txt", []byte("old"), t1)
	_, err := e.o.Download(context.Background(), e.boxRes, "/a.txt", nil)
	require.NoError(t, err)
	e.box.Put("/a.txt", []byte("newer"), t1.Add(time.Hour))

	err = e.o.Copy(context.Background(), e.nasRes, "/a.txt", e.boxRes, "/a.txt", nil)
	require.ErrorIs(t, err, offline.ErrConflict)
	got, _ := e.box.Get("/a.txt")
	assert.Equal(t, []byte("newer"), got)

	err = e.o.Move(context.Background(), e.nasRes, "/a.txt", e.boxRes, "/a.txt", nil)
	require.ErrorIs(t, err, offline.ErrConflict)
	assert.True(t, e.nas.Exists("/a.txt"), "source kept")

	require.NoError(t, e.o.Copy(context.Background(), e.nasRes, "/a.txt", e.boxRes, "/a.txt", nil, orchestrator.Overwrite()))
	got, _ = e.box.Get("/a.txt")
	assert.Equal(t, []byte("alpha"), got)
}

func TestUnrecordedDestinationIsOverwritten(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/a.txt", []byte("alpha"), t1)
	e.box.Put("/a.txt", []byte("never seen"), t1)

	require.NoError(t, e.o.Copy(context.Background(), e.nasRes, "/a.txt", e.boxRes, "/a.txt", nil))
	got, _ := e.box.Get("/a.txt")
	assert.Equal(t, []byte("alpha"), got)
}

func TestReplayedConflictIsMarkedFailed(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/a.txt", []byte("alpha"), t1)
	e.nas.Put("/b.txt", []byte("beta"), t1)
	e.box.Put("/a.txt", []byte("old"), t1)
	_, err := e.o.Download(context.Background(), e.boxRes, "/a.txt", nil)
	require.NoError(t, err)

	e.sw.Set(false)
	ctx := context.Background()
	require.ErrorIs(t, e.o.Copy(ctx, e.nasRes, "/a.txt", e.boxRes, "/a.txt", nil), models.ErrQueued)
	require.ErrorIs(t, e.o.Delete(ctx, e.nasRes, "/b.txt"), models.ErrQueued)
	e.sw.Set(true)

	e.box.Put("/a.txt", []byte("changed meanwhile"), t1.Add(time.Hour))
	res, err := e.o.Queue().Drain(ctx, e.o.Replay)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 1, res.Failed)
	got, _ := e.box.Get("/a.txt")
	assert.Equal(t, []byte("changed meanwhile"), got)
	assert.False(t, e.nas.Exists("/b.txt"), "later operations still run")
}

func TestQueuedOverwriteSurvivesReplay(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/a.txt", []byte("alpha"), t1)
	e.box.Put("/a.txt", []byte("old"), t1)
	_, err := e.o.Download(context.Background(), e.boxRes, "/a.txt", nil)
	require.NoError(t, err)

	e.sw.Set(false)
	ctx := context.Background()
	require.ErrorIs(t, e.o.Copy(ctx, e.nasRes, "/a.txt", e.boxRes, "/a.txt", nil, orchestrator.Overwrite()), models.ErrQueued)
	e.sw.Set(true)

	e.box.Put("/a.txt", []byte("changed meanwhile"), t1.Add(time.Hour))
	res, err := e.o.Queue().Drain(ctx, e.o.Replay)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	got, _ := e.box.Get("/a.txt")
	assert.Equal(t, []byte("alpha"), got)
}

func TestReadOnlyResourceRejectsMutations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	err := e.o.Delete(ctx, e.roRes, "/x")
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
	err = e.o.Copy(ctx, e.nasRes, "/x", e.roRes, "/x", nil)
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
	assert.Equal(t, 0, e.box.Calls(backendtest.OpWrite))
}

func TestCopyServerSide(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/a.txt", []byte("alpha"), t1)

	require.NoError(t, e.o.Copy(context.Background(), e.nasRes, "/a.txt", e.nasRes, "/b.txt", nil))
	got, ok := e.nas.Get("/b.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), got)
	assert.Equal(t, 1, e.nas.Calls(backendtest.OpCopy))
	assert.Equal(t, 0, e.nas.Calls(backendtest.OpRead))
}

func TestCopyFallsBackToStreaming(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/a.txt", []byte("alpha"), t1)
	e.nas.DisableServerCopy()

	require.NoError(t, e.o.Copy(context.Background(), e.nasRes, "/a.txt", e.nasRes, "/b.txt", nil))
	got, _ := e.nas.Get("/b.txt")
	assert.Equal(t, []byte("alpha"), got)
	assert.Equal(t, 1, e.nas.Calls(backendtest.OpRead))
}

func TestCopyAcrossResourcesStreams(t *testing.T) {
	e := newEnv(t)
	data := bytes.Repeat([]byte("x"), 200*1024)
	e.nas.Put("/big.bin", data, t1)

	var calls int
	require.NoError(t, e.o.Copy(context.Background(), e.nasRes, "/big.bin", e.boxRes, "/in/big.bin", func(done, total int64) {
		calls++
		assert.Equal(t, int64(len(data)), total)
	}))

	got, ok := e.box.Get("/in/big.bin")
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.Equal(t, 0, e.nas.Calls(backendtest.OpCopy))
	assert.GreaterOrEqual(t, calls, 4, "progress is reported per chunk")
}

func TestFailedCopyLeavesSourceIntact(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/a.txt", []byte("alpha"), t1)
	e.box.FailAlways(backendtest.OpWrite, errors.New("disk quota exceeded"))

	err := e.o.Copy(context.Background(), e.nasRes, "/a.txt", e.boxRes, "/a.txt", nil)
	require.Error(t, err)
	assert.False(t, e.box.Exists("/a.txt"))
	assert.True(t, e.nas.Exists("/a.txt"))
}

func TestMoveAcrossResources(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/a.txt", []byte("alpha"), t1)

	require.NoError(t, e.o.Move(context.Background(), e.nasRes, "/a.txt", e.boxRes, "/moved/a.txt", nil))
	assert.False(t, e.nas.Exists("/a.txt"))
	got, _ := e.box.Get("/moved/a.txt")
	assert.Equal(t, []byte("alpha"), got)
}

func TestMoveServerSide(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/a.txt", []byte("alpha"), t1)

	require.NoError(t, e.o.Move(context.Background(), e.nasRes, "/a.txt", e.nasRes, "/b.txt", nil))
	assert.Equal(t, 1, e.nas.Calls(backendtest.OpMove))
	assert.False(t, e.nas.Exists("/a.txt"))
	assert.True(t, e.nas.Exists("/b.txt"))
}

func TestOfflineMutationsAreQueued(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/a.txt", []byte("alpha"), t1)
	e.nas.Put("/b.txt", []byte("beta"), t1)
	e.sw.Set(false)
	ctx := context.Background()

	err := e.o.Copy(ctx, e.nasRes, "/a.txt", e.boxRes, "/a.txt", nil)
	assert.ErrorIs(t, err, models.ErrQueued)
	err = e.o.Delete(ctx, e.nasRes, "/b.txt")
	assert.ErrorIs(t, err, models.ErrQueued)

	assert.Equal(t, 0, e.nas.Calls(backendtest.OpDelete))
	assert.True(t, e.nas.Exists("/b.txt"))

	pending, err := e.o.Queue().Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, models.OpCopy, pending[0].Type)
	assert.Equal(t, "box", pending[0].DestResourceID)

	var order []string
	var mu sync.Mutex
	e.nas.OnAction(func(op, p string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, op+" "+p)
	})
	e.box.OnAction(func(op, p string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, op+" "+p)
	})

	require.NoError(t, e.o.Start(ctx))
	e.sw.Set(true)

	assert.Eventually(t, func() bool {
		pending, _ := e.o.Queue().Pending()
		return len(pending) == 0
	}, 2*time.Second, 5*time.Millisecond)
	e.o.Stop()

	assert.True(t, e.box.Exists("/a.txt"))
	assert.False(t, e.nas.Exists("/b.txt"))
	mu.Lock()
	assert.Equal(t, []string{"write /a.txt", "delete /b.txt"}, order)
	mu.Unlock()
}

func TestUnreachableBackendQueuesMutation(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/a.txt", []byte("alpha"), t1)
	e.nas.FailAlways(backendtest.OpDelete, unreachable())

	err := e.o.Delete(context.Background(), e.nasRes, "/a.txt")
	assert.ErrorIs(t, err, models.ErrQueued)
	assert.Equal(t, 3, e.nas.Calls(backendtest.OpDelete), "retried before queueing")

	e.nas.Heal()
	res, err := e.o.Queue().Drain(context.Background(), e.o.Replay)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.False(t, e.nas.Exists("/a.txt"))
}

func TestReplayDeleteOfMissingFileSucceeds(t *testing.T) {
	e := newEnv(t)
	err := e.o.Replay(context.Background(), &models.PendingOperation{Type: models.OpDelete, ResourceID: "nas", SourcePath: "/gone"})
	assert.NoError(t, err)

	err = e.o.Replay(context.Background(), &models.PendingOperation{Type: models.OpDelete, ResourceID: "unknown", SourcePath: "/x"})
	assert.ErrorIs(t, err, creds.ErrNotFound)
}

func TestBreakerOpensThroughOrchestrator(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Breaker.FailureThreshold = 2
		cfg.Retry["smb"] = config.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1}
	})
	sub, cancel := e.bus.Subscribe(100)
	defer cancel()

	e.nas.FailAlways(backendtest.OpList, unreachable())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.o.List(ctx, e.nasRes, "/")
		assert.ErrorIs(t, err, models.ErrServerUnreachable)
	}
	_, err := e.o.List(ctx, e.nasRes, "/")
	assert.ErrorIs(t, err, models.ErrCircuitOpen)
	assert.Equal(t, 2, e.nas.Calls(backendtest.OpList), "open circuit does not call the backend")
	assert.Equal(t, orchestrator.Unhealthy, e.o.Health().Health("nas"))

	var transitions, health int
	for len(sub) > 0 {
		switch (<-sub).Type {
		case events.EventCircuitTransition:
			transitions++
		case events.EventHealthChanged:
			health++
		}
	}
	assert.Equal(t, 1, transitions)
	assert.GreaterOrEqual(t, health, 1)
}

func TestDeleteBatch(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/1", []byte("1"), t1)
	e.nas.Put("/2", []byte("2"), t1)

	res := e.o.DeleteBatch(context.Background(), e.nasRes, []string{"/1", "/missing", "/2"})
	assert.False(t, res.OK())
	assert.Len(t, res.Succeeded, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "/missing", res.Failed[0].Item.SrcPath)
	assert.ErrorIs(t, res.Failed[0].Err, models.ErrNotFound)
}

func TestCopyBatchWhileOffline(t *testing.T) {
	e := newEnv(t)
	e.sw.Set(false)
	items := []orchestrator.BatchItem{
		{Src: e.nasRes, SrcPath: "/a", Dst: e.boxRes, DstPath: "/a"},
		{Src: e.nasRes, SrcPath: "/b", Dst: e.boxRes, DstPath: "/b"},
	}
	res := e.o.CopyBatch(context.Background(), items, nil)
	assert.True(t, res.OK())
	assert.Len(t, res.Queued, 2)
	assert.Empty(t, res.Succeeded)
}

func TestMoveBatchBoundsConcurrency(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) { cfg.Transfer.BatchConcurrency = 2 })
	var items []orchestrator.BatchItem
	for _, p := range []string{"/1", "/2", "/3", "/4", "/5"} {
		e.nas.Put(p, []byte(p), t1)
		items = append(items, orchestrator.BatchItem{Src: e.nasRes, SrcPath: p, Dst: e.boxRes, DstPath: p})
	}
	e.nas.SetDelay(2 * time.Millisecond)

	res := e.o.MoveBatch(context.Background(), items, nil)
	assert.True(t, res.OK())
	assert.Len(t, res.Succeeded, 5)
	assert.LessOrEqual(t, e.box.MaxOpen(), 2)
}

type testEditor struct {
	edit       func(ctx context.Context, local string) (bool, error)
	resolution offline.Resolution
	conflicts  []offline.Conflict
}

func (ed *testEditor) Edit(ctx context.Context, local string) (bool, error) {
	return ed.edit(ctx, local)
}

func (ed *testEditor) Resolve(ctx context.Context, c offline.Conflict) (offline.Resolution, error) {
	ed.conflicts = append(ed.conflicts, c)
	return ed.resolution, nil
}

func rewrite(fs afero.Fs, content string) func(context.Context, string) (bool, error) {
	return func(ctx context.Context, local string) (bool, error) {
		return true, afero.WriteFile(fs, local, []byte(content), 0644)
	}
}

func TestEditWithoutConflict(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/notes.md", []byte("# draft"), t1)

	ed := &testEditor{edit: rewrite(e.fs, "# final")}
	res, err := e.o.Edit(context.Background(), e.nasRes, "/notes.md", ed)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Conflict.Exists())
	assert.Equal(t, "/notes.md", res.Path)
	assert.Empty(t, ed.conflicts)

	got, _ := e.nas.Get("/notes.md")
	assert.Equal(t, []byte("# final"), got)

	tmp, _ := afero.ReadDir(e.fs, "/var/tmp/filebridge")
	assert.Empty(t, tmp, "working copy removed")
}

func TestEditUnchangedUploadsNothing(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/notes.md", []byte("# draft"), t1)

	ed := &testEditor{edit: func(context.Context, string) (bool, error) { return false, nil }}
	res, err := e.o.Edit(context.Background(), e.nasRes, "/notes.md", ed)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 0, e.nas.Calls(backendtest.OpWrite))
}

func TestEditConflictKeepBoth(t *testing.T) {
	e := newEnv(t)
	now := time.Date(2024, 6, 2, 9, 15, 0, 0, time.UTC)
	e.o.SetClock(func() time.Time { return now })
	e.nas.Put("/notes.md", []byte("# draft"), t1)

	ed := &testEditor{resolution: offline.KeepBoth}
	ed.edit = func(ctx context.Context, local string) (bool, error) {
		// Someone else saves while we edit.
		e.nas.Put("/notes.md", []byte("# theirs"), t1.Add(time.Hour))
		return true, afero.WriteFile(e.fs, local, []byte("# mine"), 0644)
	}

	res, err := e.o.Edit(context.Background(), e.nasRes, "/notes.md", ed)
	require.NoError(t, err)
	require.Len(t, ed.conflicts, 1)
	assert.Equal(t, offline.RemoteNewer, ed.conflicts[0].Type)
	assert.Equal(t, offline.KeepBoth, res.Resolution)
	assert.Equal(t, "/notes.conflict-20240602-091500.md", res.Path)

	theirs, _ := e.nas.Get("/notes.md")
	assert.Equal(t, []byte("# theirs"), theirs)
	mine, _ := e.nas.Get(res.Path)
	assert.Equal(t, []byte("# mine"), mine)
}

func TestEditConflictKeepRemote(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/notes.md", []byte("# draft"), t1)

	ed := &testEditor{resolution: offline.KeepRemote}
	ed.edit = func(ctx context.Context, local string) (bool, error) {
		e.nas.Put("/notes.md", []byte("# theirs, longer"), t1)
		return true, afero.WriteFile(e.fs, local, []byte("# mine"), 0644)
	}

	res, err := e.o.Edit(context.Background(), e.nasRes, "/notes.md", ed)
	require.NoError(t, err)
	assert.Equal(t, offline.SizeChanged, res.Conflict.Type)
	assert.Empty(t, res.Path)
	got, _ := e.nas.Get("/notes.md")
	assert.Equal(t, []byte("# theirs, longer"), got)
	assert.Equal(t, 0, e.nas.Calls(backendtest.OpWrite))
}

func TestEditConflictKeepLocal(t *testing.T) {
	e := newEnv(t)
	e.nas.Put("/notes.md", []byte("# draft"), t1)

	ed := &testEditor{resolution: offline.KeepLocal}
	ed.edit = func(ctx context.Context, local string) (bool, error) {
		e.nas.Put("/notes.md", []byte("# theirs"), t1.Add(time.Minute))
		return true, afero.WriteFile(e.fs, local, []byte("# mine"), 0644)
	}

	res, err := e.o.Edit(context.Background(), e.nasRes, "/notes.md", ed)
	require.NoError(t, err)
	assert.Equal(t, "/notes.md", res.Path)
	got, _ := e.nas.Get("/notes.md")
	assert.Equal(t, []byte("# mine"), got)
}

func TestStartStopRunsTasks(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.o.Start(context.Background()))
	require.NoError(t, e.o.Start(context.Background()))

	names := make([]string, 0)
	for _, task := range e.o.Scheduler().Tasks() {
		names = append(names, task.Name())
	}
	assert.ElementsMatch(t, []string{orchestrator.TaskPoolSweep, orchestrator.TaskCacheSweep, orchestrator.TaskQueueDrain}, names)

	require.NoError(t, e.o.Scheduler().RunOnce(context.Background()))
	e.o.Stop()
	e.o.Stop()
}

package cache

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// maxJoins bounds how often a caller rejoins after landing on a fill that
// was cancelled by the callers before it.
const maxJoins = 3

// flights runs one fill per key for all concurrent callers. A fill is not
// bound to the context of the caller that started it: it is cancelled
// only once every caller waiting on it has gone.
type flights struct {
	group singleflight.Group

	mu    sync.Mutex
	fills map[string]*flight
}

type flight struct {
	waiters int
	ctx     context.Context
	cancel  context.CancelFunc
}

func (f *flights) join(ctx context.Context, key string) *flight {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fills == nil {
		f.fills = make(map[string]*flight)
	}
	fl, ok := f.fills[key]
	if !ok {
		fl = &flight{}
		fl.ctx, fl.cancel = context.WithCancel(context.WithoutCancel(ctx))
		f.fills[key] = fl
	}
	fl.waiters++
	return fl
}

func (f *flights) leave(key string, fl *flight) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if f.fills[key] == fl {
		delete(f.fills, key)
	}
}

// do returns the result of fill for key, sharing a running fill. ctx only
// bounds how long this caller waits.
func (f *flights) do(ctx context.Context, key string, fill func(ctx context.Context) (string, error)) (string, error) {
	fl := f.join(ctx, key)
	defer f.leave(key, fl)

	for attempt := 1; ; attempt++ {
		ch := f.group.DoChan(key, func() (interface{}, error) {
			return fill(fl.ctx)
		})

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(string), nil
			}
			// Joined a fill whose own callers all gave up.
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil && attempt < maxJoins {
				continue
			}
			return "", res.Err
		}
	}
}

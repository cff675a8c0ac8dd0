// Package orchestrator is the single entry point for file operations. Every
// call passes through the rate limiter, the circuit breaker, the retry
// executor and the connection pool before it reaches a backend adapter.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/breaker"
	"github.com/TheMichaelB/filebridge/internal/cache"
	"github.com/TheMichaelB/filebridge/internal/config"
	"github.com/TheMichaelB/filebridge/internal/creds"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/metrics"
	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/offline"
	"github.com/TheMichaelB/filebridge/internal/pool"
	"github.com/TheMichaelB/filebridge/internal/ratelimit"
	"github.com/TheMichaelB/filebridge/internal/retry"
	"github.com/TheMichaelB/filebridge/internal/scheduler"
	"github.com/TheMichaelB/filebridge/internal/state"
)

// Deps are the collaborators of an Orchestrator. Credentials, Bus,
// Connectivity and Thumbnails may be nil.
type Deps struct {
	Config       *config.Config
	Registry     *backend.Registry
	Resources    creds.ResourceRepository
	Credentials  creds.Store
	Store        state.Store
	Cache        *cache.Cache
	Thumbnails   *cache.LRU
	Bus          *events.Bus
	Connectivity offline.Connectivity
	Fs           afero.Fs
	Logger       *events.Logger
}

// Orchestrator runs file operations against configured resources.
type Orchestrator struct {
	cfg       *config.Config
	registry  *backend.Registry
	resources creds.ResourceRepository
	creds     creds.Store
	store     state.Store
	cache     *cache.Cache
	thumbs    *cache.LRU
	bus       *events.Bus
	conn      offline.Connectivity
	fs        afero.Fs
	logger    *events.Logger

	pool     *pool.Pool
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	detector *offline.Detector
	queue    *offline.Queue
	health   *HealthTracker
	sched    *scheduler.Scheduler

	retryMu   sync.Mutex
	retriers  map[string]*retry.Executor
	retryOpts []retry.Option

	now func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an orchestrator from its dependencies.
func New(d Deps) (*Orchestrator, error) {
	if d.Config == nil || d.Registry == nil || d.Resources == nil || d.Store == nil || d.Cache == nil {
		return nil, fmt.Errorf("orchestrator: config, registry, resources, store and cache are required")
	}
	if d.Fs == nil {
		d.Fs = afero.NewOsFs()
	}
	if d.Logger == nil {
		d.Logger = events.NewNopLogger()
	}

	logger := d.Logger.WithField("component", "orchestrator")
	var bus events.Publisher
	if d.Bus != nil {
		bus = d.Bus
	}

	o := &Orchestrator{
		cfg:       d.Config,
		registry:  d.Registry,
		resources: d.Resources,
		creds:     d.Credentials,
		store:     d.Store,
		cache:     d.Cache,
		thumbs:    d.Thumbnails,
		bus:       d.Bus,
		conn:      d.Connectivity,
		fs:        d.Fs,
		logger:    logger,
		pool:      pool.New(pool.ConfigFrom(d.Config.Pool), d.Logger),
		breaker:   breaker.New(breaker.ConfigFrom(d.Config.Breaker), bus, d.Logger),
		limiter:   ratelimit.New(d.Config.RateLimit.Providers, d.Logger),
		detector:  offline.NewDetector(d.Store, bus, d.Logger),
		queue:     offline.NewQueue(d.Store, d.Config.Offline.MaxRetries, bus, d.Logger),
		health:    NewHealthTracker(bus, d.Logger),
		retriers:  make(map[string]*retry.Executor),
		now:       time.Now,
	}
	o.sched = scheduler.New(o.tasks()...)
	return o, nil
}

// SetRetryOptions applies options to every retry executor created after
// the call.
func (o *Orchestrator) SetRetryOptions(opts ...retry.Option) {
	o.retryMu.Lock()
	defer o.retryMu.Unlock()
	o.retryOpts = opts
	o.retriers = make(map[string]*retry.Executor)
}

// SetClock replaces the clock of the orchestrator and its components.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
	o.pool.SetClock(now)
	o.breaker.SetClock(now)
	o.detector.SetClock(now)
	o.queue.SetClock(now)
	o.cache.SetClock(now)
	o.sched.SetClock(now, nil)
}

// Queue returns the offline queue.
func (o *Orchestrator) Queue() *offline.Queue { return o.queue }

// Breaker returns the circuit breaker.
func (o *Orchestrator) Breaker() *breaker.Breaker { return o.breaker }

// Pool returns the connection pool.
func (o *Orchestrator) Pool() *pool.Pool { return o.pool }

// Health returns the health tracker.
func (o *Orchestrator) Health() *HealthTracker { return o.health }

// Detector returns the conflict detector.
func (o *Orchestrator) Detector() *offline.Detector { return o.detector }

// Resource resolves a resource by ID.
func (o *Orchestrator) Resource(id string) (*models.Resource, error) {
	return o.resources.Get(id)
}

func (o *Orchestrator) retrier(res *models.Resource) *retry.Executor {
	key := res.AdapterKey()

	o.retryMu.Lock()
	defer o.retryMu.Unlock()

	if e, ok := o.retriers[key]; ok {
		return e
	}
	e := retry.New(retry.PolicyFrom(o.cfg.RetryFor(key)), o.logger.WithField("adapter", key), o.retryOpts...)
	o.retriers[key] = e
	return e
}

// identity is the API identity a resource's quota is charged to.
func identity(res *models.Resource) string {
	if id := res.Option("rate_limit_identity", ""); id != "" {
		return id
	}
	if res.Kind == models.BackendCloud {
		return res.Provider
	}
	return res.ID
}

func (o *Orchestrator) dialer(res *models.Resource) pool.DialFunc {
	return func(ctx context.Context) (backend.Conn, error) {
		adapter, err := o.registry.For(res)
		if err != nil {
			return nil, err
		}

		var cred *models.Credential
		if res.CredentialID != "" {
			if o.creds == nil {
				return nil, models.NewError(models.KindAuthenticationFailed, "connect", "", fmt.Errorf("no credential store for %s", res.CredentialID))
			}
			cred, err = o.creds.Get(ctx, res.CredentialID)
			if err != nil {
				return nil, models.NewError(models.KindAuthenticationFailed, "connect", "", err)
			}
		}

		conn, err := adapter.Connect(ctx, res, cred)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type connFunc func(ctx context.Context, conn backend.Conn) error

// run executes fn on a pooled connection of res through the full call
// chain: rate limit, breaker, retry, pool.
func (o *Orchestrator) run(ctx context.Context, res *models.Resource, op, p string, fn connFunc) error {
	start := o.now()
	key := breaker.Key(res.ID, res.AdapterKey())
	ctx = events.WithResourceID(ctx, res.ID)

	err := o.limiter.Acquire(ctx, identity(res))
	if err == nil {
		err = o.breaker.Execute(ctx, key, func(ctx context.Context) error {
			return o.retrier(res).Do(ctx, func(ctx context.Context) error {
				return o.attempt(ctx, res, fn)
			})
		})
	}

	o.observe(res, op, start, err)
	return o.annotate(err, res, op, p)
}

func (o *Orchestrator) attempt(ctx context.Context, res *models.Resource, fn connFunc) error {
	lease, err := o.pool.Acquire(ctx, res.PoolKey(), o.dialer(res))
	if err != nil {
		return err
	}
	err = fn(ctx, lease.Conn())
	lease.Release(err)
	return err
}

// openRead opens a stream through the call chain. Only opening is
// retried; the returned reader holds its connection until closed and
// reports the stream outcome to the pool, the breaker and health.
func (o *Orchestrator) openRead(ctx context.Context, res *models.Resource, p string) (io.ReadCloser, error) {
	start := o.now()
	fail := func(err error) (io.ReadCloser, error) {
		o.observe(res, "read", start, err)
		return nil, o.annotate(err, res, "read", p)
	}

	if err := o.limiter.Acquire(ctx, identity(res)); err != nil {
		return fail(err)
	}
	done, err := o.breaker.Allow(breaker.Key(res.ID, res.AdapterKey()))
	if err != nil {
		return fail(err)
	}

	r, err := retry.DoWithResult(ctx, o.retrier(res), func(ctx context.Context) (*leasedReader, error) {
		lease, err := o.pool.Acquire(ctx, res.PoolKey(), o.dialer(res))
		if err != nil {
			return nil, err
		}
		rc, err := lease.Conn().OpenRead(ctx, p)
		if err != nil {
			lease.Release(err)
			return nil, err
		}
		return &leasedReader{ReadCloser: rc, lease: lease}, nil
	})
	if err != nil {
		done(err)
		return fail(err)
	}
	r.finish = func(err error) {
		done(err)
		o.observe(res, "read", start, err)
	}
	return r, nil
}

// openWrite is openRead for uploads.
func (o *Orchestrator) openWrite(ctx context.Context, res *models.Resource, p string, size int64) (backend.Writer, error) {
	start := o.now()
	fail := func(err error) (backend.Writer, error) {
		o.observe(res, "write", start, err)
		return nil, o.annotate(err, res, "write", p)
	}

	if err := o.limiter.Acquire(ctx, identity(res)); err != nil {
		return fail(err)
	}
	done, err := o.breaker.Allow(breaker.Key(res.ID, res.AdapterKey()))
	if err != nil {
		return fail(err)
	}

	w, err := retry.DoWithResult(ctx, o.retrier(res), func(ctx context.Context) (*leasedWriter, error) {
		lease, err := o.pool.Acquire(ctx, res.PoolKey(), o.dialer(res))
		if err != nil {
			return nil, err
		}
		bw, err := lease.Conn().OpenWrite(ctx, p, size)
		if err != nil {
			lease.Release(err)
			return nil, err
		}
		return &leasedWriter{Writer: bw, lease: lease}, nil
	})
	if err != nil {
		done(err)
		return fail(err)
	}
	w.finish = func(err error) {
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		done(err)
		o.observe(res, "write", start, err)
	}
	return w, nil
}

func (o *Orchestrator) observe(res *models.Resource, op string, start time.Time, err error) {
	latency := o.now().Sub(start)

	outcome := "success"
	if err != nil {
		outcome = models.KindOf(err).String()
	}
	metrics.RecordOperation(res.AdapterKey(), op, outcome, latency)

	circuit := o.breaker.State(breaker.Key(res.ID, res.AdapterKey()))
	o.health.Observe(res.ID, latency, err, circuit.State == breaker.Open)
}

// annotate fills in the resource and path of a backend error.
func (o *Orchestrator) annotate(err error, res *models.Resource, op, p string) error {
	if err == nil {
		return nil
	}
	var be *models.BackendError
	if errors.As(err, &be) {
		if be.Resource == "" {
			be.Resource = res.ID
		}
		if be.Path == "" {
			be.Path = p
		}
		if be.Op == "" {
			be.Op = op
		}
	}
	return err
}

// cacheKey is the remote path the content cache indexes a file under.
func cacheKey(resourceID, p string) string {
	return resourceID + ":" + models.CleanPath(p)
}

func (o *Orchestrator) invalidate(resourceID, p string) {
	key := cacheKey(resourceID, p)
	o.cache.Invalidate(key)
	if o.thumbs != nil {
		o.thumbs.Invalidate(key)
	}
}

// online reports whether mutations may be attempted now.
func (o *Orchestrator) online() bool {
	return o.conn == nil || o.conn.Online()
}

// Close stops scheduled tasks and closes pooled connections.
func (o *Orchestrator) Close() error {
	o.Stop()
	return o.pool.Close()
}

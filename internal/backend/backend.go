// Package backend defines the uniform operation surface every storage
// protocol implements, and the registry that maps resources to adapters.
package backend

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/TheMichaelB/filebridge/internal/models"
)

// Adapter opens connections to one kind of backend.
type Adapter interface {
	// Kind returns the adapter key ("local", "smb", "cloud/s3", ...).
	Kind() string

	// Connect dials the resource. The credential is only valid for the
	// duration of the call and must not be retained.
	Connect(ctx context.Context, res *models.Resource, cred *models.Credential) (Conn, error)
}

// Conn is an open session against a resource. All paths are
// resource-relative, forward-slash and rooted ("/dir/file").
type Conn interface {
	List(ctx context.Context, path string) ([]models.Entry, error)
	Stat(ctx context.Context, path string) (*models.Entry, error)
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite creates or replaces path. size is a hint and may be -1.
	// The write only becomes visible when Close returns nil.
	OpenWrite(ctx context.Context, path string, size int64) (Writer, error)

	// Copy duplicates src to dst on the server. Adapters without native
	// copy return models.ErrNotSupported.
	Copy(ctx context.Context, src, dst string) error

	// Move renames src to dst on the server.
	Move(ctx context.Context, src, dst string) error

	Delete(ctx context.Context, path string) error
	Mkdir(ctx context.Context, path string) error

	// Alive reports whether the session can still be used.
	Alive(ctx context.Context) bool

	Close() error
}

// Writer is a destination stream that can be abandoned.
type Writer interface {
	io.WriteCloser

	// Abort discards everything written so far. It is safe to call after
	// Close, in which case it does nothing.
	Abort() error
}

// Registry maps adapter keys to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// For returns the adapter serving a resource.
func (r *Registry) For(res *models.Resource) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := res.AdapterKey()
	a, ok := r.adapters[key]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %q", models.ErrInvalidResource, key)
	}
	return a, nil
}

// Kinds lists the registered adapter keys.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

package state

import (
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/filebridge/internal/models"
)

// MockStore is an in-memory Store for tests and ephemeral sessions.
type MockStore struct {
	mu       sync.RWMutex
	versions map[string]*models.FileVersionRecord
	ops      map[string]*models.PendingOperation
	cache    map[string]*models.CacheEntry
	seq      int64

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewMockStore creates an in-memory state store.
func NewMockStore() *MockStore {
	return &MockStore{
		versions: make(map[string]*models.FileVersionRecord),
		ops:      make(map[string]*models.PendingOperation),
		cache:    make(map[string]*models.CacheEntry),
		locks:    make(map[string]*sync.Mutex),
	}
}

func versionKey(resourceID, path string) string {
	return resourceID + "\x00" + path
}

// LoadVersion returns a copy of the version record.
func (m *MockStore) LoadVersion(resourceID, path string) (*models.FileVersionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec, ok := m.versions[versionKey(resourceID, path)]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, ErrStateNotFound
}

// SaveVersion stores a copy of rec.
func (m *MockStore) SaveVersion(rec *models.FileVersionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.versions[versionKey(rec.ResourceID, rec.Path)] = &cp
	return nil
}

// DeleteVersion removes a record.
func (m *MockStore) DeleteVersion(resourceID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.versions, versionKey(resourceID, path))
	return nil
}

// Enqueue stores a copy of op and assigns its sequence number.
func (m *MockStore) Enqueue(op *models.PendingOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op.Status == "" {
		op.Status = models.StatusPending
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	m.seq++
	op.Seq = m.seq

	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

// GetOperation returns a copy of an operation.
func (m *MockStore) GetOperation(id string) (*models.PendingOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if op, ok := m.ops[id]; ok {
		cp := *op
		return &cp, nil
	}
	return nil, ErrStateNotFound
}

// ListOperations returns copies in FIFO order.
func (m *MockStore) ListOperations(status models.OperationStatus) ([]*models.PendingOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.PendingOperation
	for _, op := range m.ops {
		if op.Status == status {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// UpdateOperation stores replay progress.
func (m *MockStore) UpdateOperation(op *models.PendingOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.ops[op.ID]
	if !ok {
		return ErrStateNotFound
	}
	existing.Retries = op.Retries
	existing.Status = op.Status
	existing.LastError = op.LastError
	return nil
}

// DeleteOperation removes an operation.
func (m *MockStore) DeleteOperation(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.ops, id)
	return nil
}

// SaveCacheEntry stores a copy of e.
func (m *MockStore) SaveCacheEntry(e *models.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.cache[e.Key] = &cp
	return nil
}

// DeleteCacheEntry removes a cache row.
func (m *MockStore) DeleteCacheEntry(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, key)
	return nil
}

// CacheEntries returns copies of all cache rows.
func (m *MockStore) CacheEntries() ([]*models.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.CacheEntry, 0, len(m.cache))
	for _, e := range m.cache {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Lock acquires a named lock, blocking until it is free.
func (m *MockStore) Lock(name string) (UnlockFunc, error) {
	m.lockMu.Lock()
	lock, ok := m.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[name] = lock
	}
	m.lockMu.Unlock()

	lock.Lock()
	return func() { lock.Unlock() }, nil
}

// Migrate copies all records to target.
func (m *MockStore) Migrate(target Store) error {
	m.mu.RLock()
	versions := make([]*models.FileVersionRecord, 0, len(m.versions))
	for _, rec := range m.versions {
		cp := *rec
		versions = append(versions, &cp)
	}
	m.mu.RUnlock()

	return migrate(versions, m, target)
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Clear removes all records.
func (m *MockStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.versions = make(map[string]*models.FileVersionRecord)
	m.ops = make(map[string]*models.PendingOperation)
	m.cache = make(map[string]*models.CacheEntry)
}

package state

import (
	"errors"
	"fmt"

	"github.com/TheMichaelB/filebridge/internal/models"
)

// Store persists the artifacts that must survive a restart: file version
// records for conflict detection, the offline operation queue, and the
// content cache index.
type Store interface {
	// LoadVersion returns the last recorded version of a file.
	LoadVersion(resourceID, path string) (*models.FileVersionRecord, error)

	// SaveVersion upserts a version record.
	SaveVersion(rec *models.FileVersionRecord) error

	// DeleteVersion forgets a file.
	DeleteVersion(resourceID, path string) error

	// Enqueue persists a pending operation and assigns its sequence number.
	Enqueue(op *models.PendingOperation) error

	// GetOperation returns one operation by ID.
	GetOperation(id string) (*models.PendingOperation, error)

	// ListOperations returns operations with the given status in FIFO order.
	ListOperations(status models.OperationStatus) ([]*models.PendingOperation, error)

	// UpdateOperation stores retries, status and last error.
	UpdateOperation(op *models.PendingOperation) error

	// DeleteOperation removes an operation.
	DeleteOperation(id string) error

	// SaveCacheEntry upserts a cache index row.
	SaveCacheEntry(entry *models.CacheEntry) error

	// DeleteCacheEntry removes a cache index row.
	DeleteCacheEntry(key string) error

	// CacheEntries returns all cache index rows.
	CacheEntries() ([]*models.CacheEntry, error)

	// Lock acquires an exclusive named lock.
	Lock(name string) (UnlockFunc, error)

	// Migrate copies every record into target.
	Migrate(target Store) error

	// Close releases resources.
	Close() error
}

// UnlockFunc releases a lock.
type UnlockFunc func()

// Errors
var (
	ErrStateNotFound = errors.New("state not found")
	ErrStateLocked   = errors.New("state is locked")
	ErrStateCorrupt  = errors.New("state is corrupt")
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// migrate copies all records from src to dst. Version records cannot be
// enumerated through the interface, so each implementation passes its own.
func migrate(versions []*models.FileVersionRecord, src, dst Store) error {
	for _, rec := range versions {
		if err := dst.SaveVersion(rec); err != nil {
			return fmt.Errorf("migrate version %s:%s: %w", rec.ResourceID, rec.Path, err)
		}
	}

	for _, status := range []models.OperationStatus{models.StatusPending, models.StatusFailed} {
		ops, err := src.ListOperations(status)
		if err != nil {
			return fmt.Errorf("list %s operations: %w", status, err)
		}
		for _, op := range ops {
			cp := *op
			if err := dst.Enqueue(&cp); err != nil {
				return fmt.Errorf("migrate operation %s: %w", op.ID, err)
			}
		}
	}

	entries, err := src.CacheEntries()
	if err != nil {
		return fmt.Errorf("list cache entries: %w", err)
	}
	for _, e := range entries {
		if err := dst.SaveCacheEntry(e); err != nil {
			return fmt.Errorf("migrate cache entry %s: %w", e.Key, err)
		}
	}

	return nil
}

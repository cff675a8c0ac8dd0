package state

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// SQLiteStore implements SQLite-based state storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger

	// Locking
	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

// NewSQLiteStore creates a SQLite state store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_state_store"),
		locks:  make(map[string]*sync.Mutex),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS file_versions (
        resource_id TEXT NOT NULL,
        path TEXT NOT NULL,
        mod_time TIMESTAMP NOT NULL,
        size INTEGER NOT NULL,
        etag TEXT NOT NULL DEFAULT '',
        synced_at TIMESTAMP NOT NULL,
        PRIMARY KEY (resource_id, path)
    );

    CREATE TABLE IF NOT EXISTS pending_operations (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        type TEXT NOT NULL,
        resource_id TEXT NOT NULL,
        source_path TEXT NOT NULL,
        dest_resource_id TEXT NOT NULL DEFAULT '',
        dest_path TEXT NOT NULL DEFAULT '',
        overwrite INTEGER NOT NULL DEFAULT 0,
        created_at TIMESTAMP NOT NULL,
        retries INTEGER NOT NULL DEFAULT 0,
        status TEXT NOT NULL,
        last_error TEXT NOT NULL DEFAULT ''
    );

    CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_operations(status, seq);

    CREATE TABLE IF NOT EXISTS cache_entries (
        key TEXT PRIMARY KEY,
        remote_path TEXT NOT NULL,
        blob_path TEXT NOT NULL,
        size INTEGER NOT NULL,
        expires_at TIMESTAMP,
        last_access TIMESTAMP NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_cache_remote ON cache_entries(remote_path);

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// LoadVersion retrieves a version record.
func (s *SQLiteStore) LoadVersion(resourceID, path string) (*models.FileVersionRecord, error) {
	rec := models.FileVersionRecord{ResourceID: resourceID, Path: path}

	err := s.db.QueryRow(`
        SELECT mod_time, size, etag, synced_at
        FROM file_versions
        WHERE resource_id = ? AND path = ?
    `, resourceID, path).Scan(&rec.ModTime, &rec.Size, &rec.ETag, &rec.SyncedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query version: %w", err)
	}

	return &rec, nil
}

// SaveVersion upserts a version record.
func (s *SQLiteStore) SaveVersion(rec *models.FileVersionRecord) error {
	s.logger.WithFields(map[string]interface{}{
		"resource_id": rec.ResourceID,
		"path":        rec.Path,
		"size":        rec.Size,
	}).Debug("Saving file version")

	_, err := s.db.Exec(`
        INSERT INTO file_versions (resource_id, path, mod_time, size, etag, synced_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(resource_id, path) DO UPDATE SET
            mod_time = excluded.mod_time,
            size = excluded.size,
            etag = excluded.etag,
            synced_at = excluded.synced_at
    `, rec.ResourceID, rec.Path, rec.ModTime.UTC(), rec.Size, rec.ETag, rec.SyncedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert version: %w", err)
	}

	return nil
}

// DeleteVersion removes a version record.
func (s *SQLiteStore) DeleteVersion(resourceID, path string) error {
	if _, err := s.db.Exec("DELETE FROM file_versions WHERE resource_id = ? AND path = ?", resourceID, path); err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) allVersions() ([]*models.FileVersionRecord, error) {
	rows, err := s.db.Query(`
        SELECT resource_id, path, mod_time, size, etag, synced_at
        FROM file_versions
    `)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var out []*models.FileVersionRecord
	for rows.Next() {
		var rec models.FileVersionRecord
		if err := rows.Scan(&rec.ResourceID, &rec.Path, &rec.ModTime, &rec.Size, &rec.ETag, &rec.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan version row: %w", err)
		}
		out = append(out, &rec)
	}

	return out, rows.Err()
}

// Enqueue persists a pending operation. The assigned sequence number is
// written back to op.
func (s *SQLiteStore) Enqueue(op *models.PendingOperation) error {
	if op.Status == "" {
		op.Status = models.StatusPending
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}

	s.logger.WithFields(map[string]interface{}{
		"op_id": op.ID,
		"type":  op.Type,
		"path":  op.SourcePath,
	}).Debug("Enqueueing pending operation")

	res, err := s.db.Exec(`
        INSERT INTO pending_operations
            (id, type, resource_id, source_path, dest_resource_id, dest_path, overwrite, created_at, retries, status, last_error)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, op.ID, string(op.Type), op.ResourceID, op.SourcePath, op.DestResourceID, op.DestPath, op.Overwrite,
		op.CreatedAt.UTC(), op.Retries, string(op.Status), op.LastError)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read sequence: %w", err)
	}
	op.Seq = seq

	return nil
}

const operationColumns = `seq, id, type, resource_id, source_path, dest_resource_id, dest_path,
        overwrite, created_at, retries, status, last_error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row scanner) (*models.PendingOperation, error) {
	var op models.PendingOperation
	var typ, status string
	err := row.Scan(&op.Seq, &op.ID, &typ, &op.ResourceID, &op.SourcePath, &op.DestResourceID,
		&op.DestPath, &op.Overwrite, &op.CreatedAt, &op.Retries, &status, &op.LastError)
	if err != nil {
		return nil, err
	}
	op.Type = models.OperationType(typ)
	op.Status = models.OperationStatus(status)
	return &op, nil
}

// GetOperation returns one operation.
func (s *SQLiteStore) GetOperation(id string) (*models.PendingOperation, error) {
	row := s.db.QueryRow("SELECT "+operationColumns+" FROM pending_operations WHERE id = ?", id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query operation: %w", err)
	}
	return op, nil
}

// ListOperations returns operations with a status ordered by sequence.
func (s *SQLiteStore) ListOperations(status models.OperationStatus) ([]*models.PendingOperation, error) {
	rows, err := s.db.Query("SELECT "+operationColumns+
		" FROM pending_operations WHERE status = ? ORDER BY seq", string(status))
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		ops = append(ops, op)
	}

	return ops, rows.Err()
}

// UpdateOperation stores replay progress.
func (s *SQLiteStore) UpdateOperation(op *models.PendingOperation) error {
	res, err := s.db.Exec(`
        UPDATE pending_operations
        SET retries = ?, status = ?, last_error = ?
        WHERE id = ?
    `, op.Retries, string(op.Status), op.LastError, op.ID)
	if err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateNotFound
	}
	return nil
}

// DeleteOperation removes an operation.
func (s *SQLiteStore) DeleteOperation(id string) error {
	if _, err := s.db.Exec("DELETE FROM pending_operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	return nil
}

// SaveCacheEntry upserts a cache index row.
func (s *SQLiteStore) SaveCacheEntry(e *models.CacheEntry) error {
	var expires sql.NullTime
	if !e.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: e.ExpiresAt.UTC(), Valid: true}
	}

	_, err := s.db.Exec(`
        INSERT INTO cache_entries (key, remote_path, blob_path, size, expires_at, last_access)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET
            remote_path = excluded.remote_path,
            blob_path = excluded.blob_path,
            size = excluded.size,
            expires_at = excluded.expires_at,
            last_access = excluded.last_access
    `, e.Key, e.RemotePath, e.BlobPath, e.Size, expires, e.LastAccess.UTC())
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// DeleteCacheEntry removes a cache index row.
func (s *SQLiteStore) DeleteCacheEntry(key string) error {
	if _, err := s.db.Exec("DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// CacheEntries returns all cache index rows.
func (s *SQLiteStore) CacheEntries() ([]*models.CacheEntry, error) {
	rows, err := s.db.Query(`
        SELECT key, remote_path, blob_path, size, expires_at, last_access
        FROM cache_entries
    `)
	if err != nil {
		return nil, fmt.Errorf("query cache entries: %w", err)
	}
	defer rows.Close()

	var out []*models.CacheEntry
	for rows.Next() {
		var e models.CacheEntry
		var expires sql.NullTime
		if err := rows.Scan(&e.Key, &e.RemotePath, &e.BlobPath, &e.Size, &expires, &e.LastAccess); err != nil {
			return nil, fmt.Errorf("scan cache row: %w", err)
		}
		if expires.Valid {
			e.ExpiresAt = expires.Time
		}
		out = append(out, &e)
	}

	return out, rows.Err()
}

// Lock acquires a named lock.
func (s *SQLiteStore) Lock(name string) (UnlockFunc, error) {
	s.mu.Lock()
	lock, exists := s.locks[name]
	if !exists {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	s.mu.Unlock()

	// Try to acquire lock with timeout
	done := make(chan struct{})
	go func() {
		lock.Lock()
		close(done)
	}()

	select {
	case <-done:
		return func() { lock.Unlock() }, nil
	case <-time.After(5 * time.Second):
		// Release the lock if the goroutine eventually gets it.
		go func() {
			<-done
			lock.Unlock()
		}()
		return nil, ErrStateLocked
	}
}

// Migrate copies all records to target.
func (s *SQLiteStore) Migrate(target Store) error {
	versions, err := s.allVersions()
	if err != nil {
		return err
	}
	return migrate(versions, s, target)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

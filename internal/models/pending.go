package models

import (
	"fmt"
	"strings"
	"time"
)

// OperationType is a mutation that can be deferred while offline.
type OperationType string

const (
	OpCopy   OperationType = "copy"
	OpMove   OperationType = "move"
	OpDelete OperationType = "delete"
)

// OperationStatus tracks a pending operation through replay.
type OperationStatus string

const (
	StatusPending  OperationStatus = "pending"
	StatusReplayed OperationStatus = "replayed"
	StatusFailed   OperationStatus = "failed"
)

// PendingOperation is a mutation recorded while offline.
type PendingOperation struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	Type           OperationType   `json:"type"`
	ResourceID     string          `json:"resource_id"`
	SourcePath     string          `json:"source_path"`
	DestResourceID string          `json:"dest_resource_id,omitempty"`
	DestPath       string          `json:"dest_path,omitempty"`
	Overwrite      bool            `json:"overwrite,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Retries        int             `json:"retries"`
	Status         OperationStatus `json:"status"`
	LastError      string          `json:"last_error,omitempty"`
}

// Validate checks the operation is replayable.
func (op *PendingOperation) Validate() error {
	if strings.TrimSpace(op.ResourceID) == "" {
		return fmt.Errorf("resource ID is required")
	}
	if strings.TrimSpace(op.SourcePath) == "" {
		return fmt.Errorf("source path is required")
	}
	switch op.Type {
	case OpDelete:
	case OpCopy, OpMove:
		if op.DestPath == "" {
			return fmt.Errorf("%s requires a destination path", op.Type)
		}
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	return nil
}

// Target returns the destination resource, defaulting to the source.
func (op *PendingOperation) Target() string {
	if op.DestResourceID != "" {
		return op.DestResourceID
	}
	return op.ResourceID
}

// SetError records the last replay error.
func (op *PendingOperation) SetError(err error) {
	if err != nil {
		op.LastError = err.Error()
	} else {
		op.LastError = ""
	}
}

// FileVersionRecord is the last known remote state of a file, used to detect
// conflicts.
type FileVersionRecord struct {
	ResourceID string    `json:"resource_id"`
	Path       string    `json:"path"`
	ModTime    time.Time `json:"mod_time"`
	Size       int64     `json:"size"`
	ETag       string    `json:"etag,omitempty"`
	SyncedAt   time.Time `json:"synced_at"`
}

// VersionFromEntry builds a record from a backend entry.
func VersionFromEntry(resourceID string, e Entry, now time.Time) *FileVersionRecord {
	return &FileVersionRecord{
		ResourceID: resourceID,
		Path:       CleanPath(e.Path),
		ModTime:    e.ModTime,
		Size:       e.Size,
		ETag:       e.ETag,
		SyncedAt:   now,
	}
}

// CacheEntry describes a blob held by the local cache.
type CacheEntry struct {
	Key        string    `json:"key"`
	RemotePath string    `json:"remote_path"`
	BlobPath   string    `json:"blob_path"`
	Size       int64     `json:"size"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastAccess time.Time `json:"last_access"`
}

// Expired reports whether the entry is past its TTL. A zero ExpiresAt never
// expires.
func (c *CacheEntry) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

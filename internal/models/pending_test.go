package models_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/filebridge/internal/models"
)

func TestPendingOperation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		op      models.PendingOperation
		wantErr string
	}{
		{
			name: "delete",
			op:   models.PendingOperation{Type: models.OpDelete, ResourceID: "r", SourcePath: "/a"},
		},
		{
			name:    "copy without destination",
			op:      models.PendingOperation{Type: models.OpCopy, ResourceID: "r", SourcePath: "/a"},
			wantErr: "requires a destination",
		},
		{
			name:    "missing resource",
			op:      models.PendingOperation{Type: models.OpDelete, SourcePath: "/a"},
			wantErr: "resource ID is required",
		},
		{
			name:    "unknown type",
			op:      models.PendingOperation{Type: "chmod", ResourceID: "r", SourcePath: "/a"},
			wantErr: "unknown operation type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestPendingOperation_TargetAndError(t *testing.T) {
	op := &models.PendingOperation{ResourceID: "a"}
	assert.Equal(t, "a", op.Target())

	op.DestResourceID = "b"
	assert.Equal(t, "b", op.Target())

	op.SetError(errors.New("offline"))
	assert.Equal(t, "offline", op.LastError)
	op.SetError(nil)
	assert.Empty(t, op.LastError)
}

func TestCacheEntry_Expired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, (&models.CacheEntry{}).Expired(now))
	assert.False(t, (&models.CacheEntry{ExpiresAt: now.Add(time.Second)}).Expired(now))
	assert.True(t, (&models.CacheEntry{ExpiresAt: now}).Expired(now))
}

func TestVersionFromEntry(t *testing.T) {
	now := time.Now()
	mod := now.Add(-time.Hour)
	rec := models.VersionFromEntry("r1", models.Entry{Path: "docs//a.txt", Size: 10, ModTime: mod}, now)

	assert.Equal(t, "/docs/a.txt", rec.Path)
	assert.Equal(t, int64(10), rec.Size)
	assert.Equal(t, mod, rec.ModTime)
	assert.Equal(t, now, rec.SyncedAt)
}

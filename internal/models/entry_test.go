package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/filebridge/internal/models"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"unix path", "photos/2024/a.jpg", "/photos/2024/a.jpg"},
		{"windows path", "photos\\2024\\a.jpg", "/photos/2024/a.jpg"},
		{"dot segments", "photos/../docs/./b.txt", "/docs/b.txt"},
		{"escape attempt", "../../etc/passwd", "/etc/passwd"},
		{"empty", "", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, models.CleanPath(tt.path))
		})
	}
}

func TestResource_Keys(t *testing.T) {
	r := &models.Resource{ID: "s3-main", Kind: models.BackendCloud, Provider: "s3", Address: "Bucket"}

	assert.Equal(t, "cloud/s3", r.AdapterKey())
	assert.Equal(t, "s3-main@cloud/s3", r.PoolKey())
	assert.Equal(t, "cloud/s3://bucket/", r.Endpoint())
	assert.Equal(t, "fallback", r.Option("missing", "fallback"))
}

func TestResource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		res     models.Resource
		wantErr string
	}{
		{"local ok", models.Resource{ID: "l", Kind: models.BackendLocal, Root: "/tmp"}, ""},
		{"missing id", models.Resource{Kind: models.BackendLocal, Root: "/tmp"}, "id is required"},
		{"smb without share", models.Resource{ID: "s", Kind: models.BackendSMB, Address: "nas"}, "needs address and share"},
		{"cloud without provider", models.Resource{ID: "c", Kind: models.BackendCloud}, "needs a provider"},
		{"unknown kind", models.Resource{ID: "x", Kind: "webdav"}, "unknown kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.res.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrInvalidResource)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCredential_Redacts(t *testing.T) {
	c := &models.Credential{ID: "c1", Username: "alice", Secret: "hunter2"}

	assert.NotContains(t, c.String(), "hunter2")
	assert.Contains(t, c.String(), "alice")
	assert.False(t, c.HasToken())
}

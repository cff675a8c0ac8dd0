package backend_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/backend/backendtest"
	"github.com/TheMichaelB/filebridge/internal/models"
)

func TestRegistry(t *testing.T) {
	r := backend.NewRegistry(backendtest.New("smb"), backendtest.New("cloud/s3"))
	assert.Equal(t, []string{"cloud/s3", "smb"}, r.Kinds())

	a, err := r.For(&models.Resource{ID: "bucket", Kind: models.BackendCloud, Provider: "s3"})
	require.NoError(t, err)
	assert.Equal(t, "cloud/s3", a.Kind())

	_, err = r.For(&models.Resource{ID: "box", Kind: models.BackendSFTP})
	assert.ErrorIs(t, err, models.ErrInvalidResource)

	r.Register(backendtest.New("sftp"))
	_, err = r.For(&models.Resource{ID: "box", Kind: models.BackendSFTP})
	assert.NoError(t, err)
}

func TestPipeWriterDeliversData(t *testing.T) {
	var got bytes.Buffer
	w := backend.NewPipeWriter(func(r io.Reader) error {
		_, err := io.Copy(&got, r)
		return err
	})

	_, err := w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, "hello world", got.String())
	// A second Close reports the same result.
	assert.NoError(t, w.Close())
}

func TestPipeWriterAbort(t *testing.T) {
	var uploadErr error
	w := backend.NewPipeWriter(func(r io.Reader) error {
		_, uploadErr = io.Copy(io.Discard, r)
		return uploadErr
	})

	_, err := w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	assert.ErrorIs(t, uploadErr, backend.ErrAborted)
}

func TestPipeWriterUploadFailsEarly(t *testing.T) {
	rejected := errors.New("550 permission denied")
	w := backend.NewPipeWriter(func(r io.Reader) error {
		return rejected
	})

	// The write fails instead of blocking once the upload has returned.
	_, err := w.Write([]byte("data"))
	assert.ErrorIs(t, err, rejected)
	assert.ErrorIs(t, w.Close(), rejected)
}

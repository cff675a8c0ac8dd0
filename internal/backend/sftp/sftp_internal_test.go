package sftp

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/TheMichaelB/filebridge/internal/models"
)

func testHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestHostKeyCallbackPinned(t *testing.T) {
	key := testHostKey(t)
	other := testHostKey(t)
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}

	res := &models.Resource{
		ID:      "s",
		Options: map[string]string{OptionHostKey: string(ssh.MarshalAuthorizedKey(key))},
	}

	cb, err := hostKeyCallback(res)
	require.NoError(t, err)
	assert.NoError(t, cb("example:22", addr, key))
	assert.Error(t, cb("example:22", addr, other))
}

func TestHostKeyCallbackKnownHosts(t *testing.T) {
	key := testHostKey(t)
	file := filepath.Join(t.TempDir(), "known_hosts")
	line := "[example.com]:2222,[10.0.0.1]:2222 " + string(ssh.MarshalAuthorizedKey(key))
	require.NoError(t, os.WriteFile(file, []byte(line), 0600))

	res := &models.Resource{ID: "s", Options: map[string]string{OptionKnownHosts: file}}
	cb, err := hostKeyCallback(res)
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2222}
	assert.NoError(t, cb("example.com:2222", addr, key))

	err = cb("example.com:2222", addr, testHostKey(t))
	require.Error(t, err)
	assert.Equal(t, models.KindAuthenticationFailed, models.KindOf(translateError("handshake", "example.com", err)))
}

func TestHostKeyCallbackErrors(t *testing.T) {
	_, err := hostKeyCallback(&models.Resource{ID: "s", Options: map[string]string{OptionHostKey: "garbage"}})
	assert.Equal(t, models.KindProtocolError, models.KindOf(err))

	_, err = hostKeyCallback(&models.Resource{ID: "s", Options: map[string]string{OptionKnownHosts: filepath.Join(t.TempDir(), "missing")}})
	assert.Equal(t, models.KindProtocolError, models.KindOf(err))

	cb, err := hostKeyCallback(&models.Resource{ID: "s", Options: map[string]string{OptionInsecure: "true"}})
	require.NoError(t, err)
	assert.NotNil(t, cb)
}

func TestClientConfigAuthMethods(t *testing.T) {
	res := &models.Resource{ID: "s", Options: map[string]string{OptionInsecure: "true"}}

	cfg, err := clientConfig(res, &models.Credential{Username: "alice", Secret: "pw"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.User)
	assert.Len(t, cfg.Auth, 1)
	assert.Equal(t, 5*time.Second, cfg.Timeout)

	_, err = clientConfig(res, &models.Credential{Username: "alice", PrivateKey: "not a key"}, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrAuthenticationFailed))
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		code uint32
		kind models.ErrorKind
	}{
		{fxNoSuchFile, models.KindNotFound},
		{fxPermissionDenied, models.KindPermissionDenied},
		{fxConnectionLost, models.KindConnectionLost},
		{fxNoSpace, models.KindDiskFull},
		{fxQuotaExceeded, models.KindQuotaExceeded},
		{99, models.KindProtocolError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, kindForStatus(tt.code), "code %d", tt.code)
	}
}

func TestTranslateErrorAuth(t *testing.T) {
	err := translateError("handshake", "h:22", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"))
	assert.True(t, errors.Is(err, models.ErrAuthenticationFailed))
	assert.NoError(t, translateError("x", "y", nil))
}

// Package creds stores the credentials and resource definitions the
// orchestrator consumes. Secrets are never logged.
package creds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/oauth2"

	"github.com/TheMichaelB/filebridge/internal/crypto"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
)

var (
	// ErrNotFound is returned for an unknown credential or resource ID.
	ErrNotFound = errors.New("not found")

	// ErrSealed is returned when the credential file is encrypted and no
	// passphrase was set.
	ErrSealed = errors.New("credential file is sealed: passphrase required")
)

// Store holds credentials by ID.
type Store interface {
	Get(ctx context.Context, id string) (*models.Credential, error)
	Save(ctx context.Context, cred *models.Credential) error
	Delete(ctx context.Context, id string) error
}

// TokenSaver adapts a Store to the callback OAuth adapters use to persist
// refreshed tokens.
func TokenSaver(s Store) func(credentialID string, tok *oauth2.Token) error {
	return func(credentialID string, tok *oauth2.Token) error {
		ctx := context.Background()
		cred, err := s.Get(ctx, credentialID)
		if err != nil {
			return err
		}
		cred.Token = tok
		return s.Save(ctx, cred)
	}
}

// credentialFile is the on-disk layout of a FileStore. A sealed file holds
// the encrypted credentials map in Sealed instead of Credentials.
type credentialFile struct {
	Version     int                           `json:"version"`
	Salt        []byte                        `json:"salt,omitempty"`
	Sealed      []byte                        `json:"sealed,omitempty"`
	Credentials map[string]*models.Credential `json:"credentials,omitempty"`
}

// FileStore keeps credentials in a single JSON file readable only by the
// owner. Every Save rewrites the file through a temp file and rename.
// With a passphrase set the credentials are encrypted at rest.
type FileStore struct {
	path   string
	fs     afero.Fs
	logger *events.Logger
	mu     sync.Mutex

	passphrase string
	sealer     *crypto.Sealer
}

// NewFileStore opens a credential file. The file is created on first Save.
func NewFileStore(path string, fs afero.Fs, logger *events.Logger) *FileStore {
	return &FileStore{
		path:   path,
		fs:     fs,
		logger: logger.WithField("component", "credential_store"),
	}
}

// SetPassphrase enables encryption at rest. A plain file is sealed on the
// next write.
func (s *FileStore) SetPassphrase(passphrase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passphrase = passphrase
	s.sealer = nil
}

// sealerFor returns a sealer for salt, deriving the key only when the salt
// changes. A nil salt reuses the current sealer or creates a new salt.
func (s *FileStore) sealerFor(salt []byte) (*crypto.Sealer, error) {
	if s.sealer != nil && (salt == nil || bytes.Equal(s.sealer.Salt(), salt)) {
		return s.sealer, nil
	}
	sealer, err := crypto.NewSealer(s.passphrase, salt)
	if err != nil {
		return nil, err
	}
	s.sealer = sealer
	return sealer, nil
}

func (s *FileStore) load() (*credentialFile, error) {
	f := &credentialFile{Version: 1, Credentials: make(map[string]*models.Credential)}

	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if len(f.Sealed) > 0 {
		if s.passphrase == "" {
			return nil, ErrSealed
		}
		sealer, err := s.sealerFor(f.Salt)
		if err != nil {
			return nil, err
		}
		plain, err := sealer.Open(f.Sealed)
		if err != nil {
			return nil, fmt.Errorf("unseal credentials: %w", err)
		}
		if err := json.Unmarshal(plain, &f.Credentials); err != nil {
			return nil, fmt.Errorf("parse sealed credentials: %w", err)
		}
		f.Sealed = nil
	}
	if f.Credentials == nil {
		f.Credentials = make(map[string]*models.Credential)
	}
	return f, nil
}

func (s *FileStore) write(f *credentialFile) error {
	out := &credentialFile{Version: 1, Credentials: f.Credentials}
	if s.passphrase != "" {
		sealer, err := s.sealerFor(f.Salt)
		if err != nil {
			return err
		}
		plain, err := json.Marshal(f.Credentials)
		if err != nil {
			return fmt.Errorf("marshal credentials: %w", err)
		}
		sealed, err := sealer.Seal(plain)
		if err != nil {
			return fmt.Errorf("seal credentials: %w", err)
		}
		out = &credentialFile{Version: 2, Salt: sealer.Salt(), Sealed: sealed}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// Get returns a credential.
func (s *FileStore) Get(ctx context.Context, id string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	cred, ok := f.Credentials[id]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}
	cred.ID = id
	return cred, nil
}

// Save creates or replaces a credential.
func (s *FileStore) Save(ctx context.Context, cred *models.Credential) error {
	if cred == nil || cred.ID == "" {
		return fmt.Errorf("credential ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	cp := *cred
	f.Credentials[cred.ID] = &cp
	if err := s.write(f); err != nil {
		return err
	}

	s.logger.WithField("credential_id", cred.ID).Debug("Saved credential")
	return nil
}

// Delete removes a credential.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := f.Credentials[id]; !ok {
		return fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}
	delete(f.Credentials, id)
	if err := s.write(f); err != nil {
		return err
	}

	s.logger.WithField("credential_id", id).Info("Deleted credential")
	return nil
}

// IDs lists stored credential IDs.
func (s *FileStore) IDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(f.Credentials))
	for id := range f.Credentials {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

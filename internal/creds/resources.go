package creds

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/TheMichaelB/filebridge/internal/models"
)

// ResourceRepository resolves configured resources.
type ResourceRepository interface {
	Get(id string) (*models.Resource, error)
	List() ([]*models.Resource, error)
}

type resourceFile struct {
	Resources []*models.Resource `yaml:"resources"`
}

// FileRepository reads resource definitions from a YAML file:
//
//	resources:
//	  - id: nas
//	    kind: smb
//	    address: nas.local:445
//	    root: media
//	    credential_id: nas-admin
type FileRepository struct {
	path string
	fs   afero.Fs
	mu   sync.Mutex
}

// NewFileRepository opens a resource file. A missing file holds no
// resources.
func NewFileRepository(path string, fs afero.Fs) *FileRepository {
	return &FileRepository{path: path, fs: fs}
}

func (r *FileRepository) load() ([]*models.Resource, error) {
	data, err := afero.ReadFile(r.fs, r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resources: %w", err)
	}

	var f resourceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse resources: %w", err)
	}

	seen := make(map[string]bool, len(f.Resources))
	for _, res := range f.Resources {
		if err := res.Validate(); err != nil {
			return nil, err
		}
		if seen[res.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", models.ErrInvalidResource, res.ID)
		}
		seen[res.ID] = true
	}
	return f.Resources, nil
}

// Get returns one resource.
func (r *FileRepository) Get(id string) (*models.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.load()
	if err != nil {
		return nil, err
	}
	for _, res := range all {
		if res.ID == id {
			return res, nil
		}
	}
	return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
}

// List returns every resource ordered by ID.
func (r *FileRepository) List() ([]*models.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

// Save adds or replaces a resource.
func (r *FileRepository) Save(res *models.Resource) error {
	if err := res.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.load()
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range all {
		if existing.ID == res.ID {
			all[i] = res
			replaced = true
		}
	}
	if !replaced {
		all = append(all, res)
	}
	return r.write(all)
}

// Remove deletes a resource.
func (r *FileRepository) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.load()
	if err != nil {
		return err
	}
	kept := all[:0]
	for _, res := range all {
		if res.ID != id {
			kept = append(kept, res)
		}
	}
	if len(kept) == len(all) {
		return fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return r.write(kept)
}

func (r *FileRepository) write(all []*models.Resource) error {
	data, err := yaml.Marshal(resourceFile{Resources: all})
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}
	if err := r.fs.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("create resources dir: %w", err)
	}
	if err := afero.WriteFile(r.fs, r.path, data, 0600); err != nil {
		return fmt.Errorf("write resources: %w", err)
	}
	return nil
}

// StaticRepository serves a fixed set of resources.
type StaticRepository map[string]*models.Resource

// NewStaticRepository indexes resources by ID.
func NewStaticRepository(resources ...*models.Resource) StaticRepository {
	r := make(StaticRepository, len(resources))
	for _, res := range resources {
		r[res.ID] = res
	}
	return r
}

// Get returns one resource.
func (r StaticRepository) Get(id string) (*models.Resource, error) {
	if res, ok := r[id]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
}

// List returns every resource ordered by ID.
func (r StaticRepository) List() ([]*models.Resource, error) {
	out := make([]*models.Resource, 0, len(r))
	for _, res := range r {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

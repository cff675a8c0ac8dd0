package models

import (
	"fmt"
	"strings"
)

// BackendKind identifies the protocol family of a resource.
type BackendKind string

const (
	BackendLocal BackendKind = "local"
	BackendSMB   BackendKind = "smb"
	BackendSFTP  BackendKind = "sftp"
	BackendFTP   BackendKind = "ftp"
	BackendCloud BackendKind = "cloud"
)

// Capabilities advertises what a resource can do natively.
type Capabilities struct {
	Writable       bool `json:"writable" yaml:"writable"`
	ServerSideCopy bool `json:"server_side_copy" yaml:"server_side_copy"`
	ServerSideMove bool `json:"server_side_move" yaml:"server_side_move"`
}

// Resource is a configured storage endpoint.
type Resource struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Kind         BackendKind       `json:"kind" yaml:"kind"`
	Provider     string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	Address      string            `json:"address" yaml:"address"`
	Root         string            `json:"root,omitempty" yaml:"root,omitempty"`
	CredentialID string            `json:"credential_id,omitempty" yaml:"credential_id,omitempty"`
	Capabilities Capabilities      `json:"capabilities" yaml:"capabilities"`
	Options      map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// AdapterKey names the adapter that serves this resource: the backend kind,
// or "cloud/<provider>" for cloud resources.
func (r *Resource) AdapterKey() string {
	if r.Kind == BackendCloud {
		return string(BackendCloud) + "/" + r.Provider
	}
	return string(r.Kind)
}

// PoolKey groups connections that may be shared.
func (r *Resource) PoolKey() string {
	return r.ID + "@" + r.AdapterKey()
}

// Endpoint identifies the physical server so callers can tell whether two
// resources can use a server-side copy between them.
func (r *Resource) Endpoint() string {
	return r.AdapterKey() + "://" + strings.ToLower(r.Address) + "/" + strings.Trim(r.Root, "/")
}

// Option returns an option value or def when unset.
func (r *Resource) Option(key, def string) string {
	if v, ok := r.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// Validate checks that the resource is usable.
func (r *Resource) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidResource)
	}
	switch r.Kind {
	case BackendLocal:
		if r.Root == "" && r.Address == "" {
			return fmt.Errorf("%w: local resource %s needs a root", ErrInvalidResource, r.ID)
		}
	case BackendSMB:
		if r.Address == "" || r.Root == "" {
			return fmt.Errorf("%w: smb resource %s needs address and share", ErrInvalidResource, r.ID)
		}
	case BackendSFTP, BackendFTP:
		if r.Address == "" {
			return fmt.Errorf("%w: %s resource %s needs an address", ErrInvalidResource, r.Kind, r.ID)
		}
	case BackendCloud:
		if r.Provider == "" {
			return fmt.Errorf("%w: cloud resource %s needs a provider", ErrInvalidResource, r.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidResource, r.Kind)
	}
	return nil
}

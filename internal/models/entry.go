package models

import (
	"path"
	"strings"
	"time"
)

// Entry is a file or directory as reported by a backend.
type Entry struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
	ETag    string    `json:"etag,omitempty"`
}

// CleanPath returns the cleaned, forward-slash, rooted form of p.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// JoinPath joins a directory and a name into a clean path.
func JoinPath(dir, name string) string {
	return CleanPath(path.Join(dir, name))
}

// NormalizedPath returns the cleaned path of the entry.
func (e *Entry) NormalizedPath() string {
	return CleanPath(e.Path)
}

// ProgressFunc receives transfer progress. total is -1 when unknown.
type ProgressFunc func(transferred, total int64)

// Package offline detects write conflicts against the last known remote
// state and queues mutations issued while the network is unavailable.
package offline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/state"
)

// ConflictType classifies how the remote copy diverged.
type ConflictType int

const (
	NoConflict ConflictType = iota
	RemoteNewer
	SizeChanged
)

func (t ConflictType) String() string {
	switch t {
	case NoConflict:
		return "none"
	case RemoteNewer:
		return "remote_newer"
	case SizeChanged:
		return "size_changed"
	default:
		return fmt.Sprintf("ConflictType(%d)", int(t))
	}
}

// Conflict is the result of comparing a remote entry to its recorded
// version. Local is nil when the file was never recorded.
type Conflict struct {
	Type       ConflictType
	ResourceID string
	Path       string
	Local      *models.FileVersionRecord
	Remote     models.Entry
}

// Exists reports whether a conflict was found.
func (c Conflict) Exists() bool {
	return c.Type != NoConflict
}

// ErrConflict matches every *ConflictError.
var ErrConflict = errors.New("remote file changed")

// ConflictError is returned by a write that found its destination changed
// since it was last recorded. The caller decides how to resolve it.
type ConflictError struct {
	Conflict Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s:%s changed remotely (%s)", e.Conflict.ResourceID, e.Conflict.Path, e.Conflict.Type)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Resolution is the caller's decision for a conflict.
type Resolution int

const (
	KeepLocal Resolution = iota
	KeepRemote
	KeepBoth
)

func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "keep_local"
	case KeepRemote:
		return "keep_remote"
	case KeepBoth:
		return "keep_both"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// ParseResolution accepts the String form of a resolution.
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keep_local", "local":
		return KeepLocal, nil
	case "keep_remote", "remote":
		return KeepRemote, nil
	case "keep_both", "both":
		return KeepBoth, nil
	}
	return 0, fmt.Errorf("unknown resolution %q", s)
}

// ConflictName derives the name a KeepBoth resolution writes the local
// copy to: "report.conflict-20240601-080000.pdf".
func ConflictName(p string, t time.Time) string {
	dir := path.Dir(p)
	base := path.Base(p)
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)

	timestamp := t.Format("20060102-150405")

	return path.Join(dir, fmt.Sprintf("%s.conflict-%s%s", name, timestamp, ext))
}

// Detector compares remote metadata with the last recorded version of a
// file. Every conflict it finds is published; none is resolved silently.
type Detector struct {
	store  state.Store
	bus    events.Publisher
	now    func() time.Time
	logger *events.Logger
}

// NewDetector creates a detector. bus may be nil.
func NewDetector(store state.Store, bus events.Publisher, logger *events.Logger) *Detector {
	return &Detector{
		store:  store,
		bus:    bus,
		now:    time.Now,
		logger: logger.WithField("component", "conflict_detector"),
	}
}

// SetClock replaces the clock used for SyncedAt.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// Check compares remote with the recorded version of resourceID:p.
func (d *Detector) Check(ctx context.Context, resourceID, p string, remote models.Entry) (Conflict, error) {
	if err := ctx.Err(); err != nil {
		return Conflict{}, err
	}

	p = models.CleanPath(p)
	c := Conflict{ResourceID: resourceID, Path: p, Remote: remote}

	rec, err := d.store.LoadVersion(resourceID, p)
	if errors.Is(err, state.ErrStateNotFound) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("load version %s:%s: %w", resourceID, p, err)
	}
	c.Local = rec
	c.Type = Compare(rec, remote)

	if c.Exists() {
		d.logger.WithFields(map[string]interface{}{
			"resource_id": resourceID,
			"path":        p,
			"conflict":    c.Type.String(),
		}).Info("Conflict detected")

		if d.bus != nil {
			d.bus.Publish(events.Event{
				Type:       events.EventConflictDetected,
				ResourceID: resourceID,
				Path:       p,
				Message:    c.Type.String(),
				Data: map[string]interface{}{
					"local_mod_time":  rec.ModTime,
					"local_size":      rec.Size,
					"remote_mod_time": remote.ModTime,
					"remote_size":     remote.Size,
				},
			})
		}
	}
	return c, nil
}

// Stale reports whether a version of resourceID:p was recorded and remote
// no longer matches it, so local copies of p predate remote. Nothing is
// published. A path never recorded is not stale.
func (d *Detector) Stale(resourceID, p string, remote models.Entry) (bool, error) {
	rec, err := d.store.LoadVersion(resourceID, models.CleanPath(p))
	if errors.Is(err, state.ErrStateNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load version %s:%s: %w", resourceID, p, err)
	}
	if rec.ETag != "" && remote.ETag != "" && rec.ETag != remote.ETag {
		return true, nil
	}
	return rec.Size != remote.Size || !rec.ModTime.Equal(remote.ModTime), nil
}

// Compare classifies remote against a recorded version.
func Compare(rec *models.FileVersionRecord, remote models.Entry) ConflictType {
	switch {
	case rec == nil:
		return NoConflict
	case remote.ModTime.After(rec.ModTime):
		return RemoteNewer
	case remote.Size != rec.Size:
		return SizeChanged
	default:
		return NoConflict
	}
}

// Record stores remote as the last known version after a successful read
// or write.
func (d *Detector) Record(resourceID string, remote models.Entry) error {
	rec := models.VersionFromEntry(resourceID, remote, d.now())
	if err := d.store.SaveVersion(rec); err != nil {
		return fmt.Errorf("save version %s:%s: %w", resourceID, rec.Path, err)
	}
	return nil
}

// Forget drops the record of a deleted or moved file.
func (d *Detector) Forget(resourceID, p string) error {
	if err := d.store.DeleteVersion(resourceID, models.CleanPath(p)); err != nil && !errors.Is(err, state.ErrStateNotFound) {
		return fmt.Errorf("delete version %s:%s: %w", resourceID, p, err)
	}
	return nil
}

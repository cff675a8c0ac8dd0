package orchestrator

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/offline"
)

// Editor modifies a local working copy of a remote file.
type Editor interface {
	// Edit changes the file at localPath and reports whether it changed.
	Edit(ctx context.Context, localPath string) (bool, error)

	// Resolve decides what to do when the remote file changed while it
	// was being edited.
	Resolve(ctx context.Context, c offline.Conflict) (offline.Resolution, error)
}

// EditResult describes the outcome of Edit.
type EditResult struct {
	Changed    bool
	Conflict   offline.Conflict
	Resolution offline.Resolution

	// Path is where the edited content was written, empty when nothing
	// was uploaded.
	Path  string
	Entry *models.Entry
}

// Edit downloads p, hands a working copy to editor and uploads the result.
// If the remote file changed in the meantime the conflict is handed to
// editor.Resolve; it is never resolved silently.
func (o *Orchestrator) Edit(ctx context.Context, res *models.Resource, p string, editor Editor) (*EditResult, error) {
	p = models.CleanPath(p)
	if err := writable(res, "edit", p); err != nil {
		return nil, err
	}

	cached, err := o.Download(ctx, res, p, nil)
	if err != nil {
		return nil, err
	}

	work, err := o.workingCopy(cached, p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = o.fs.Remove(work) }()

	result := &EditResult{}
	changed, err := editor.Edit(ctx, work)
	if err != nil {
		return nil, fmt.Errorf("edit %s: %w", p, err)
	}
	if !changed {
		return result, nil
	}
	result.Changed = true

	target := p
	remote, err := o.Stat(ctx, res, p)
	switch {
	case err == nil:
		c, err := o.detector.Check(ctx, res.ID, p, *remote)
		if err != nil {
			return nil, err
		}
		result.Conflict = c
		if c.Exists() {
			resolution, err := editor.Resolve(ctx, c)
			if err != nil {
				return nil, fmt.Errorf("resolve conflict on %s: %w", p, err)
			}
			result.Resolution = resolution

			o.logger.WithFields(map[string]interface{}{
				"resource_id": res.ID,
				"path":        p,
				"conflict":    c.Type.String(),
				"resolution":  resolution.String(),
			}).Info("Conflict resolved")

			switch resolution {
			case offline.KeepRemote:
				o.invalidate(res.ID, p)
				if err := o.detector.Record(res.ID, *remote); err != nil {
					o.logger.WithError(err).Warn("Failed to record file version")
				}
				return result, nil
			case offline.KeepBoth:
				target = offline.ConflictName(p, o.now())
			}
		}
	case models.KindOf(err) == models.KindNotFound:
		// Deleted remotely while editing; writing it back recreates it.
	default:
		return nil, err
	}

	// Conflicts were resolved above.
	entry, err := o.Upload(ctx, res, work, target, nil, Overwrite())
	if err != nil {
		return nil, err
	}
	if target != p {
		o.invalidate(res.ID, p)
	}
	result.Path = target
	result.Entry = entry
	return result, nil
}

// workingCopy copies a cached blob to a temp file the editor may change
// without touching the cache.
func (o *Orchestrator) workingCopy(cached, p string) (string, error) {
	dir := o.cfg.Storage.TempDir
	if err := o.fs.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}

	in, err := o.fs.Open(cached)
	if err != nil {
		return "", fmt.Errorf("open cached copy: %w", err)
	}
	defer in.Close()

	out, err := afero.TempFile(o.fs, dir, "edit-*"+path.Ext(p))
	if err != nil {
		return "", fmt.Errorf("create working copy: %w", err)
	}
	name := out.Name()

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = o.fs.Remove(name)
		return "", fmt.Errorf("write working copy: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = o.fs.Remove(name)
		return "", fmt.Errorf("close working copy: %w", err)
	}
	return filepath.Clean(name), nil
}

package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/vfs"
)

const stagingFile = "staging.json"

// StagingEntry records the staged state of a single file.
type StagingEntry struct {
	Path     string      `json:"path"`
	BlobHash object.Hash `json:"blob_hash"`
	Mode     string      `json:"mode"`
	ModTime  int64       `json:"mod_time"`
	Size     int64       `json:"size"`
}

// Staging is the index: the changes the next commit lays over its parent's
// tree. Keys are slash-separated paths relative to the root.
type Staging struct {
	Entries map[string]*StagingEntry `json:"entries"`
}

func (r *Repo) stagingPath() string {
	return filepath.Join(r.GitDir, stagingFile)
}

// ReadStaging loads the index. A missing index is empty.
func (r *Repo) ReadStaging() (*Staging, error) {
	data, err := r.FS.ReadFile(r.stagingPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Staging{Entries: make(map[string]*StagingEntry)}, nil
		}
		return nil, fmt.Errorf("read staging: %w", err)
	}

	var stg Staging
	if err := json.Unmarshal(data, &stg); err != nil {
		return nil, fmt.Errorf("read staging: unmarshal: %w", err)
	}
	if stg.Entries == nil {
		stg.Entries = make(map[string]*StagingEntry)
	}
	return &stg, nil
}

// WriteStaging replaces the index.
func (r *Repo) WriteStaging(s *Staging) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("write staging: marshal: %w", err)
	}
	if err := r.FS.WriteFile(r.stagingPath(), data, 0o644); err != nil {
		return fmt.Errorf("write staging: %w", err)
	}
	return nil
}

func (r *Repo) clearStaging() error {
	err := r.FS.Remove(r.stagingPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear staging: %w", err)
	}
	return nil
}

// Add stages files. Each path is relative to the root (or absolute inside
// it). Directories are added recursively, skipping .git and paths matched
// by .gitignore. A missing path fails with errs.ErrNotFound and stages
// nothing.
func (r *Repo) Add(ctx context.Context, paths ...string) error {
	ctx, done, err := r.lock(ctx, "Add")
	if err != nil {
		return err
	}
	defer done()
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("paths", len(paths)))

	if len(paths) == 0 {
		return fmt.Errorf("add: no paths given")
	}
	stg, err := r.ReadStaging()
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	ignore := NewIgnoreChecker(r.FS, r.Root)

	added := 0
	for _, p := range paths {
		rel, err := r.repoRelPath(p)
		if err != nil {
			return fmt.Errorf("add: %w", err)
		}
		abs := r.absPath(rel)
		info, err := r.FS.Stat(abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("add %q: %w", p, errs.ErrNotFound)
			}
			return fmt.Errorf("add %q: %w", p, err)
		}

		if !info.Dir {
			if err := r.stageFile(stg, rel, info); err != nil {
				return fmt.Errorf("add: %w", err)
			}
			added++
			continue
		}

		err = vfs.Walk(r.FS, abs, func(fp string, e vfs.Entry) error {
			frel, err := filepath.Rel(r.Root, fp)
			if err != nil {
				return err
			}
			frel = filepath.ToSlash(frel)
			if frel == "." {
				return nil
			}
			if ignore.IsIgnored(frel, e.Dir) {
				if e.Dir {
					return fs.SkipDir
				}
				return nil
			}
			if e.Dir {
				return nil
			}
			added++
			return r.stageFile(stg, frel, e)
		})
		if err != nil {
			return fmt.Errorf("add %q: %w", p, err)
		}
	}

	if err := r.WriteStaging(stg); err != nil {
		return fmt.Errorf("add: %w", err)
	}
	r.log.WithFields(logrus.Fields{"op": "add", "files": added}).Debug("staged files")
	return nil
}

func (r *Repo) stageFile(stg *Staging, rel string, info vfs.Entry) error {
	content, err := r.FS.ReadFile(r.absPath(rel))
	if err != nil {
		return fmt.Errorf("read %q: %w", rel, err)
	}
	blobHash, err := r.Store.WriteBlob(&object.Blob{Data: content})
	if err != nil {
		return fmt.Errorf("write blob %q: %w", rel, err)
	}
	stg.Entries[rel] = &StagingEntry{
		Path:     rel,
		BlobHash: blobHash,
		Mode:     modeFromEntry(info),
		ModTime:  info.ModTime.Unix(),
		Size:     int64(len(content)),
	}
	return nil
}

// repoRelPath converts p into a clean slash-separated path relative to the
// root. Paths escaping the root and paths inside .git are rejected.
func (r *Repo) repoRelPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(r.Root, p)
		if err != nil {
			return "", fmt.Errorf("cannot make %q relative to %q: %w", p, r.Root, err)
		}
		p = rel
	}
	rel := path.Clean(filepath.ToSlash(p))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %q is outside the repository", p)
	}
	if rel == GitDirName || strings.HasPrefix(rel, GitDirName+"/") {
		return "", fmt.Errorf("path %q is inside %s", p, GitDirName)
	}
	return rel, nil
}

func (r *Repo) absPath(rel string) string {
	if rel == "." || rel == "" {
		return r.Root
	}
	return filepath.Join(r.Root, filepath.FromSlash(rel))
}

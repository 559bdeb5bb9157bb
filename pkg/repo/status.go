package repo

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/refs"
	"github.com/odvcencio/minigit/pkg/vfs"
)

// FileStatus is the state of a path in one comparison.
type FileStatus int

const (
	StatusClean     FileStatus = iota // no difference
	StatusNew                         // staged, not in HEAD
	StatusModified                    // content differs
	StatusDeleted                     // expected but missing from the working tree
	StatusUntracked                   // in the working tree only
	StatusDirty                       // staged, but the working copy changed since
)

func (s FileStatus) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusNew:
		return "new"
	case StatusModified:
		return "modified"
	case StatusDeleted:
		return "deleted"
	case StatusUntracked:
		return "untracked"
	case StatusDirty:
		return "dirty"
	default:
		return fmt.Sprintf("FileStatus(%d)", int(s))
	}
}

// StatusEntry is the status of one path that is not clean in both
// comparisons.
type StatusEntry struct {
	Path        string
	IndexStatus FileStatus // index against HEAD
	WorkStatus  FileStatus // working tree against index overlaid on HEAD
}

// Status compares HEAD, the index and the working tree. Clean paths are
// omitted; the result is sorted by path.
func (r *Repo) Status() ([]StatusEntry, error) {
	stg, err := r.ReadStaging()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	head, err := r.headFiles()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	work, err := r.workingFiles()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	paths := make(map[string]struct{}, len(head)+len(work))
	for p := range head {
		paths[p] = struct{}{}
	}
	for p := range stg.Entries {
		paths[p] = struct{}{}
	}
	for p := range work {
		paths[p] = struct{}{}
	}

	var out []StatusEntry
	for p := range paths {
		e := StatusEntry{Path: p}
		headEntry, inHead := head[p]
		staged, isStaged := stg.Entries[p]

		expected := headEntry.BlobHash
		switch {
		case isStaged && !inHead:
			e.IndexStatus = StatusNew
			expected = staged.BlobHash
		case isStaged && staged.BlobHash != headEntry.BlobHash:
			e.IndexStatus = StatusModified
			expected = staged.BlobHash
		}

		_, onDisk := work[p]
		switch {
		case expected == "" && onDisk:
			e.WorkStatus = StatusUntracked
		case expected != "" && !onDisk:
			e.WorkStatus = StatusDeleted
		case expected != "":
			h, err := r.hashWorkingFile(p)
			if err != nil {
				return nil, fmt.Errorf("status: %w", err)
			}
			if h != expected {
				e.WorkStatus = StatusModified
				if isStaged {
					e.WorkStatus = StatusDirty
				}
			}
		}

		if e.IndexStatus != StatusClean || e.WorkStatus != StatusClean {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// headFiles returns the files of the HEAD commit's tree keyed by path. An
// unborn HEAD has no files.
func (r *Repo) headFiles() (map[string]TreeFileEntry, error) {
	tip, err := r.resolveOptional(refs.HEAD)
	if err != nil || tip == "" {
		return map[string]TreeFileEntry{}, err
	}
	return r.commitFiles(tip)
}

func (r *Repo) commitFiles(commit object.Hash) (map[string]TreeFileEntry, error) {
	c, err := r.Store.ReadCommit(commit)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", commit, err)
	}
	files, err := r.FlattenTree(c.TreeHash)
	if err != nil {
		return nil, err
	}
	out := make(map[string]TreeFileEntry, len(files))
	for _, f := range files {
		out[f.Path] = f
	}
	return out, nil
}

// workingFiles lists the files of the working tree that are not ignored.
func (r *Repo) workingFiles() (map[string]vfs.Entry, error) {
	ignore := NewIgnoreChecker(r.FS, r.Root)
	out := make(map[string]vfs.Entry)
	err := vfs.Walk(r.FS, r.Root, func(p string, e vfs.Entry) error {
		rel, err := filepath.Rel(r.Root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if ignore.IsIgnored(rel, e.Dir) {
			if e.Dir {
				return fs.SkipDir
			}
			return nil
		}
		if !e.Dir {
			out[rel] = e
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	return out, err
}

func (r *Repo) hashWorkingFile(rel string) (object.Hash, error) {
	data, err := r.FS.ReadFile(r.absPath(rel))
	if err != nil {
		return "", fmt.Errorf("read %q: %w", rel, err)
	}
	return object.HashObject(r.Format(), object.TypeBlob, data), nil
}

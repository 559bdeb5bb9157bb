package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/refs"
)

// Checkout switches the working tree to branch: files tracked by the
// current commit but absent from the branch are removed, the branch's files
// are written, the index is cleared and HEAD is repointed. Uncommitted
// changes, or untracked files the branch would overwrite, fail with
// errs.ErrConflict before anything is touched.
func (r *Repo) Checkout(ctx context.Context, branch string) error {
	_, done, err := r.lock(ctx, "Checkout")
	if err != nil {
		return err
	}
	defer done()

	ref, err := branchRef(branch)
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	tip, err := r.Refs.Resolve(ref)
	if err != nil {
		return fmt.Errorf("checkout %q: %w", branch, err)
	}

	status, err := r.Status()
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	targetFiles, err := r.commitFiles(tip)
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	for _, e := range status {
		if e.IndexStatus != StatusClean || (e.WorkStatus != StatusClean && e.WorkStatus != StatusUntracked) {
			return fmt.Errorf("checkout: %q has uncommitted changes: %w", e.Path, errs.ErrConflict)
		}
		if _, overwrite := targetFiles[e.Path]; overwrite && e.WorkStatus == StatusUntracked {
			return fmt.Errorf("checkout: untracked %q would be overwritten: %w", e.Path, errs.ErrConflict)
		}
	}

	currentFiles, err := r.headFiles()
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	for p := range currentFiles {
		if _, keep := targetFiles[p]; keep {
			continue
		}
		abs := r.absPath(p)
		if err := r.FS.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("checkout: remove %q: %w", p, err)
		}
		r.removeEmptyParents(filepath.Dir(abs))
	}

	files := make([]TreeFileEntry, 0, len(targetFiles))
	for _, f := range targetFiles {
		files = append(files, f)
	}
	if err := r.writeWorktree(files); err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	if err := r.clearStaging(); err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	if err := r.Refs.SetSymbolic(refs.HEAD, ref, "checkout: moving to "+branch); err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	r.log.WithFields(logrus.Fields{"op": "checkout", "ref": ref, "files": len(files)}).Info("checked out")
	return nil
}

// writeWorktree writes files below the root with their tree modes.
func (r *Repo) writeWorktree(files []TreeFileEntry) error {
	for _, f := range files {
		blob, err := r.Store.ReadBlob(f.BlobHash)
		if err != nil {
			return fmt.Errorf("read blob for %q: %w", f.Path, err)
		}
		if err := r.FS.WriteFile(r.absPath(f.Path), blob.Data, filePermFromMode(f.Mode)); err != nil {
			return fmt.Errorf("write %q: %w", f.Path, err)
		}
	}
	return nil
}

// removeEmptyParents removes empty directories up to, but not including,
// the root.
func (r *Repo) removeEmptyParents(dir string) {
	for dir != r.Root && strings.HasPrefix(dir, r.Root+string(filepath.Separator)) {
		entries, err := r.FS.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := r.FS.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

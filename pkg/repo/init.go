package repo

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/refs"
	"github.com/odvcencio/minigit/pkg/vfs"
)

// Init creates a repository at root: objects/, refs/heads/, refs/tags/,
// HEAD pointing at the default branch, and config.toml. If root already
// contains a repository Init fails with errs.ErrAlreadyInitialized.
func Init(ctx context.Context, fsys vfs.FS, root string, opts Options) (*Repo, error) {
	opts = opts.withDefaults()
	root = filepath.Clean(root)

	release, err := acquireOpLock(ctx, fsys, root)
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	defer release()
	_, span := tracer.Start(ctx, "repo.Init")
	defer span.End()

	return initRepo(fsys, root, opts)
}

func initRepo(fsys vfs.FS, root string, opts Options) (*Repo, error) {
	format, err := object.ParseFormat(string(opts.Format))
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	opts.Format = format
	headRef, err := branchRef(opts.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("init: default branch: %w", err)
	}

	gitDir := filepath.Join(root, GitDirName)
	exists, err := vfs.Exists(fsys, gitDir)
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("init %s: %w", root, errs.ErrAlreadyInitialized)
	}

	for _, d := range []string{
		filepath.Join(gitDir, "objects"),
		filepath.Join(gitDir, "refs", "heads"),
		filepath.Join(gitDir, "refs", "tags"),
	} {
		if err := fsys.MkdirAll(d); err != nil {
			return nil, fmt.Errorf("init: mkdir %s: %w", d, err)
		}
	}

	cfg := &Config{Core: CoreConfig{ObjectFormat: string(opts.Format), DefaultBranch: opts.DefaultBranch}}
	if err := writeConfig(fsys, gitDir, cfg); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}

	r := newRepo(fsys, root, opts.Format, opts)
	if err := r.Refs.SetSymbolic(refs.HEAD, headRef, "init"); err != nil {
		return nil, fmt.Errorf("init: write HEAD: %w", err)
	}
	r.log.WithFields(logrus.Fields{"format": opts.Format, "branch": opts.DefaultBranch}).Info("initialized repository")
	return r, nil
}

func branchRef(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("branch name is required")
	}
	return refs.BranchRef(name)
}

package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/refs"
)

// Branch creates branch name at the current commit. With checkout set, HEAD
// is repointed at it. On an unborn HEAD nothing can be created, so checkout
// only repoints HEAD (renaming the unborn branch); without checkout that
// fails with errs.ErrNotFound. An existing branch fails with
// errs.ErrAlreadyExists.
func (r *Repo) Branch(ctx context.Context, name string, checkout bool) error {
	_, done, err := r.lock(ctx, "Branch")
	if err != nil {
		return err
	}
	defer done()

	ref, err := branchRef(name)
	if err != nil {
		return fmt.Errorf("branch: %w", err)
	}
	tip, err := r.resolveOptional(refs.HEAD)
	if err != nil {
		return fmt.Errorf("branch: %w", err)
	}

	if tip == "" {
		if !checkout {
			return fmt.Errorf("branch %q: no commits yet: %w", name, errs.ErrNotFound)
		}
		if err := r.Refs.SetSymbolic(refs.HEAD, ref, "branch: switch unborn HEAD to "+name); err != nil {
			return fmt.Errorf("branch: %w", err)
		}
		r.log.WithField("ref", ref).Info("repointed unborn HEAD")
		return nil
	}

	if err := r.Refs.Create(ref, tip, "branch: created from HEAD"); err != nil && !isReflogOnly(err) {
		return fmt.Errorf("branch %q: %w", name, err)
	}
	if checkout {
		if err := r.Refs.SetSymbolic(refs.HEAD, ref, "checkout: moving to "+name); err != nil {
			return fmt.Errorf("branch: %w", err)
		}
	}
	r.log.WithField("ref", ref).WithField("commit", tip.Short()).Info("created branch")
	return nil
}

// DeleteBranch removes a branch other than the current one.
func (r *Repo) DeleteBranch(ctx context.Context, name string) error {
	_, done, err := r.lock(ctx, "DeleteBranch")
	if err != nil {
		return err
	}
	defer done()

	current, err := r.CurrentBranch()
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	if current == name {
		return fmt.Errorf("delete branch: cannot delete current branch %q: %w", name, errs.ErrConflict)
	}
	ref, err := branchRef(name)
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	if err := r.Refs.Delete(ref, ""); err != nil {
		return fmt.Errorf("delete branch %q: %w", name, err)
	}
	return nil
}

// BranchInfo is one local branch.
type BranchInfo struct {
	Name    string
	Target  object.Hash
	Current bool
}

// ListBranches returns the local branches sorted by name.
func (r *Repo) ListBranches() ([]BranchInfo, error) {
	list, err := r.Refs.List("refs/heads/")
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	current, err := r.CurrentBranch()
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	out := make([]BranchInfo, 0, len(list))
	for _, ref := range list {
		name := strings.TrimPrefix(ref.Name, "refs/heads/")
		out = append(out, BranchInfo{Name: name, Target: ref.Target, Current: name == current})
	}
	return out, nil
}

// CurrentBranch returns the branch HEAD points at, even if it is unborn.
// A detached HEAD returns "".
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.Refs.Head()
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	if strings.HasPrefix(head.Symbolic, "refs/heads/") {
		return strings.TrimPrefix(head.Symbolic, "refs/heads/"), nil
	}
	return "", nil
}

package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/odvcencio/minigit/pkg/errs"
)

// Reset unstages paths. A directory unstages everything below it; no paths
// clears the whole index. The working tree is not touched.
func (r *Repo) Reset(ctx context.Context, paths ...string) error {
	_, done, err := r.lock(ctx, "Reset")
	if err != nil {
		return err
	}
	defer done()

	stg, err := r.ReadStaging()
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	targets, err := r.resolveResetTargets(paths, stg)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	for _, p := range targets {
		delete(stg.Entries, p)
	}
	if len(stg.Entries) == 0 {
		return r.clearStaging()
	}
	if err := r.WriteStaging(stg); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func (r *Repo) resolveResetTargets(paths []string, stg *Staging) ([]string, error) {
	if len(paths) == 0 {
		return sortedKeys(stg.Entries), nil
	}

	targets := make(map[string]*StagingEntry)
	for _, raw := range paths {
		rel, err := r.repoRelPath(raw)
		if err != nil {
			return nil, err
		}
		if rel == "." {
			return sortedKeys(stg.Entries), nil
		}

		matched := false
		for p, e := range stg.Entries {
			if p == rel || strings.HasPrefix(p, rel+"/") {
				targets[p] = e
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("path %q is not staged: %w", raw, errs.ErrNotFound)
		}
	}
	return sortedKeys(targets), nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

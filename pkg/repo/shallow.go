package repo

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/odvcencio/minigit/pkg/object"
)

func (r *Repo) shallowPath() string {
	return filepath.Join(r.GitDir, "shallow")
}

// Shallow returns the commits recorded in .git/shallow: commits present
// without their parents.
func (r *Repo) Shallow() ([]object.Hash, error) {
	data, err := r.FS.ReadFile(r.shallowPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read shallow: %w", err)
	}
	var out []object.Hash
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		h := object.Hash(line)
		if err := r.Format().Validate(h); err != nil {
			return nil, fmt.Errorf("read shallow: %w", err)
		}
		out = append(out, h)
	}
	return out, nil
}

// updateShallow adds and removes boundary commits. An empty result removes
// the file.
func (r *Repo) updateShallow(add, remove []object.Hash) error {
	current, err := r.Shallow()
	if err != nil {
		return err
	}
	set := make(map[object.Hash]struct{}, len(current)+len(add))
	for _, h := range current {
		set[h] = struct{}{}
	}
	for _, h := range add {
		set[h] = struct{}{}
	}
	for _, h := range remove {
		delete(set, h)
	}
	if len(set) == 0 {
		if err := r.FS.Remove(r.shallowPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("write shallow: %w", err)
		}
		return nil
	}
	lines := make([]string, 0, len(set))
	for h := range set {
		lines = append(lines, string(h))
	}
	sort.Strings(lines)
	if err := r.FS.WriteFile(r.shallowPath(), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write shallow: %w", err)
	}
	return nil
}

// Package vfs is the filesystem abstraction every minigit component writes
// through. Backends must make WriteFile atomic and durable before it returns
// and must fail CreateExclusive with fs.ErrExist when the name is taken.
package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"
)

// FS is a minimal hierarchical filesystem.
type FS interface {
	// ReadFile returns the content of name, or an error wrapping
	// fs.ErrNotExist.
	ReadFile(name string) ([]byte, error)
	// WriteFile atomically replaces name with data, creating parents.
	WriteFile(name string, data []byte, perm fs.FileMode) error
	// CreateExclusive writes a new file and fails with fs.ErrExist if name
	// already exists.
	CreateExclusive(name string, data []byte, perm fs.FileMode) error
	// MkdirAll creates name and its parents. Existing directories are not an
	// error; an existing non-directory is.
	MkdirAll(name string) error
	// ReadDir lists the direct children of name sorted by name.
	ReadDir(name string) ([]Entry, error)
	Stat(name string) (Entry, error)
	// Rename moves a file or a directory tree.
	Rename(oldName, newName string) error
	Remove(name string) error
	// RemoveAll removes name and everything under it. Missing is not an error.
	RemoveAll(name string) error
}

// Entry describes one filesystem node.
type Entry struct {
	Name    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	Dir     bool
}

func (e Entry) IsDir() bool { return e.Dir }

var ErrNotDir = errors.New("not a directory")

// Exists reports whether name exists. Errors other than fs.ErrNotExist are
// returned as-is.
func Exists(fsys FS, name string) (bool, error) {
	_, err := fsys.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// IsEmptyDir reports whether name is a directory with no children. A missing
// name counts as empty.
func IsEmptyDir(fsys FS, name string) (bool, error) {
	info, err := fsys.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !info.Dir {
		return false, nil
	}
	children, err := fsys.ReadDir(name)
	if err != nil {
		return false, err
	}
	return len(children) == 0, nil
}

// WalkFunc is called for every node under the walk root. Returning
// fs.SkipDir from a directory skips its children.
type WalkFunc func(path string, e Entry) error

// Walk visits root and its descendants depth-first in lexical order.
func Walk(fsys FS, root string, fn WalkFunc) error {
	info, err := fsys.Stat(root)
	if err != nil {
		return err
	}
	return walk(fsys, root, info, fn)
}

func walk(fsys FS, p string, e Entry, fn WalkFunc) error {
	if err := fn(p, e); err != nil {
		if errors.Is(err, fs.SkipDir) && e.Dir {
			return nil
		}
		return err
	}
	if !e.Dir {
		return nil
	}
	children, err := fsys.ReadDir(p)
	if err != nil {
		return fmt.Errorf("walk %s: %w", p, err)
	}
	for _, c := range children {
		if err := walk(fsys, filepath.Join(p, c.Name), c, fn); err != nil {
			return err
		}
	}
	return nil
}

// copyTree copies src to dst recursively using only FS primitives.
func copyTree(fsys FS, src, dst string) error {
	return Walk(fsys, src, func(p string, e Entry) error {
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if e.Dir {
			return fsys.MkdirAll(target)
		}
		data, err := fsys.ReadFile(p)
		if err != nil {
			return err
		}
		return fsys.WriteFile(target, data, e.Mode.Perm())
	})
}

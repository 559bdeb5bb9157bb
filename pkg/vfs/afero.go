package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// AferoFS adapts an afero.Fs to FS.
type AferoFS struct {
	fs afero.Fs
	// excl serializes exclusive creates; MemMapFs checks and creates in
	// two steps.
	excl sync.Mutex
}

// NewAfero wraps an arbitrary afero filesystem.
func NewAfero(fsys afero.Fs) *AferoFS {
	return &AferoFS{fs: fsys}
}

var hostFS = NewAfero(afero.NewOsFs())

// NewOS returns the host filesystem. Every call returns the same value, so
// repositories opened through different calls share operation locks.
func NewOS() *AferoFS {
	return hostFS
}

// NewMem returns an empty in-memory filesystem.
func NewMem() *AferoFS {
	return NewAfero(afero.NewMemMapFs())
}

func (a *AferoFS) ReadFile(name string) ([]byte, error) {
	return afero.ReadFile(a.fs, name)
}

func (a *AferoFS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(name)
	if err := a.MkdirAll(dir); err != nil {
		return err
	}

	tmp, err := afero.TempFile(a.fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: tmpfile: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		a.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		a.fs.Remove(tmpName)
		return fmt.Errorf("write %s: sync: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		a.fs.Remove(tmpName)
		return fmt.Errorf("write %s: close: %w", name, err)
	}
	if err := a.fs.Chmod(tmpName, perm); err != nil {
		a.fs.Remove(tmpName)
		return fmt.Errorf("write %s: chmod: %w", name, err)
	}
	if err := a.fs.Rename(tmpName, name); err != nil {
		a.fs.Remove(tmpName)
		return fmt.Errorf("write %s: rename: %w", name, err)
	}
	return nil
}

func (a *AferoFS) CreateExclusive(name string, data []byte, perm fs.FileMode) error {
	if err := a.MkdirAll(filepath.Dir(name)); err != nil {
		return err
	}
	a.excl.Lock()
	defer a.excl.Unlock()
	f, err := a.fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("create %s: sync: %w", name, err)
	}
	return f.Close()
}

func (a *AferoFS) MkdirAll(name string) error {
	if err := a.fs.MkdirAll(name, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", name, err)
	}
	// MemMapFs reports success when a file occupies the path.
	info, err := a.fs.Stat(name)
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", name, err)
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "mkdir", Path: name, Err: ErrNotDir}
	}
	return nil
}

func (a *AferoFS) ReadDir(name string) ([]Entry, error) {
	infos, err := afero.ReadDir(a.fs, name)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(infos))
	for _, info := range infos {
		out = append(out, entryFromInfo(info))
	}
	return out, nil
}

func (a *AferoFS) Stat(name string) (Entry, error) {
	info, err := a.fs.Stat(name)
	if err != nil {
		return Entry{}, err
	}
	return entryFromInfo(info), nil
}

func (a *AferoFS) Rename(oldName, newName string) error {
	info, err := a.fs.Stat(oldName)
	if err != nil {
		return err
	}
	if err := a.MkdirAll(filepath.Dir(newName)); err != nil {
		return err
	}
	if _, isOS := a.fs.(*afero.OsFs); isOS || !info.IsDir() {
		return a.fs.Rename(oldName, newName)
	}

	// In-memory backends do not move directory children on rename.
	empty, err := IsEmptyDir(a, newName)
	if err != nil {
		return err
	}
	if !empty {
		return &fs.PathError{Op: "rename", Path: newName, Err: fs.ErrExist}
	}
	if err := copyTree(a, oldName, newName); err != nil {
		a.fs.RemoveAll(newName)
		return fmt.Errorf("rename %s: %w", oldName, err)
	}
	return a.fs.RemoveAll(oldName)
}

func (a *AferoFS) Remove(name string) error {
	return a.fs.Remove(name)
}

func (a *AferoFS) RemoveAll(name string) error {
	err := a.fs.RemoveAll(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func entryFromInfo(info fs.FileInfo) Entry {
	return Entry{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		Dir:     info.IsDir(),
	}
}

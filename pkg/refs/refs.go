// Package refs stores named pointers to objects under <gitdir>/refs and
// <gitdir>/HEAD using Git's loose ref layout.
//
// Every mutation takes an in-process mutex and a <ref>.lock file, checks the
// current value, and renames the lock file over the ref. Concurrent
// compare-and-swap updates of the same ref therefore have exactly one winner.
package refs

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/vfs"
)

var (
	ErrUnknownRef  = fmt.Errorf("unknown ref: %w", errs.ErrNotFound)
	ErrCASMismatch = fmt.Errorf("ref compare-and-swap mismatch: %w", errs.ErrConflict)

	ErrUpdatedButReflogAppendFailed = errors.New("ref updated but reflog append failed")
)

const (
	HEAD = "HEAD"

	symrefPrefix = "ref: "

	lockRetryDelay = 5 * time.Millisecond
	lockWaitLimit  = 2 * time.Second
)

// Ref is either a direct pointer to an object or a symbolic pointer to
// another ref.
type Ref struct {
	Name     string
	Target   object.Hash
	Symbolic string
}

func (r Ref) IsSymbolic() bool { return r.Symbolic != "" }

// ReflogError indicates the ref file update succeeded, but appending the
// corresponding reflog entry failed.
type ReflogError struct {
	Ref     string
	OldHash object.Hash
	NewHash object.Hash
	Err     error
}

func (e *ReflogError) Error() string {
	return fmt.Sprintf("update ref %q: %s (old=%s new=%s): %v",
		e.Ref, ErrUpdatedButReflogAppendFailed, e.OldHash, e.NewHash, e.Err)
}

func (e *ReflogError) Unwrap() error { return e.Err }

func (e *ReflogError) Is(target error) bool {
	return target == ErrUpdatedButReflogAppendFailed
}

// Store reads and mutates the refs of one repository.
type Store struct {
	fs     vfs.FS
	gitDir string
	format object.Format
	ident  func() object.Ident

	mu sync.Mutex
}

// NewStore returns a ref store for gitDir. ident supplies the identity
// recorded in reflog entries; nil records an anonymous identity.
func NewStore(fsys vfs.FS, gitDir string, format object.Format, ident func() object.Ident) *Store {
	if ident == nil {
		ident = func() object.Ident { return object.Ident{Name: "minigit", When: time.Now()} }
	}
	return &Store{fs: fsys, gitDir: gitDir, format: format, ident: ident}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.gitDir, filepath.FromSlash(name))
}

// Read returns the raw value of name without following symbolic refs.
func (s *Store) Read(name string) (Ref, error) {
	ref, ok, err := s.read(name)
	if err != nil {
		return Ref{}, err
	}
	if !ok {
		return Ref{}, fmt.Errorf("read ref %q: %w", name, ErrUnknownRef)
	}
	return ref, nil
}

func (s *Store) read(name string) (Ref, bool, error) {
	data, err := s.fs.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		packed, perr := s.readPacked()
		if perr != nil {
			return Ref{}, false, perr
		}
		if h, ok := packed[name]; ok {
			return Ref{Name: name, Target: h}, true, nil
		}
		return Ref{}, false, nil
	}
	if err != nil {
		return Ref{}, false, fmt.Errorf("read ref %q: %w", name, err)
	}
	return s.parse(name, data)
}

func (s *Store) parse(name string, data []byte) (Ref, bool, error) {
	content := strings.TrimSpace(string(data))
	if strings.HasPrefix(content, symrefPrefix) {
		return Ref{Name: name, Symbolic: strings.TrimSpace(strings.TrimPrefix(content, symrefPrefix))}, true, nil
	}
	h := object.Hash(content)
	if err := s.format.Validate(h); err != nil {
		return Ref{}, false, fmt.Errorf("read ref %q: %w", name, err)
	}
	return Ref{Name: name, Target: h}, true, nil
}

// Expand maps a short name to the full ref name that exists, trying
// refs/heads, refs/tags and refs/remotes in that order. HEAD and names under
// refs/ are returned unchanged.
func (s *Store) Expand(name string) (string, error) {
	if name == HEAD || strings.HasPrefix(name, "refs/") {
		return name, nil
	}
	for _, prefix := range []string{"refs/heads/", "refs/tags/", "refs/remotes/"} {
		_, ok, err := s.read(prefix + name)
		if err != nil {
			return "", err
		}
		if ok {
			return prefix + name, nil
		}
	}
	return "", fmt.Errorf("resolve %q: %w", name, ErrUnknownRef)
}

// Resolve returns the object name refers to, following at most one level of
// symbolic indirection.
func (s *Store) Resolve(name string) (object.Hash, error) {
	full, err := s.Expand(name)
	if err != nil {
		return "", err
	}
	ref, err := s.Read(full)
	if err != nil {
		return "", err
	}
	if !ref.IsSymbolic() {
		return ref.Target, nil
	}
	target, err := s.Read(ref.Symbolic)
	if err != nil {
		return "", fmt.Errorf("resolve %q -> %q: %w", name, ref.Symbolic, err)
	}
	if target.IsSymbolic() {
		return "", fmt.Errorf("resolve %q: %q is symbolic too", name, ref.Symbolic)
	}
	return target.Target, nil
}

// Head returns the raw HEAD ref.
func (s *Store) Head() (Ref, error) {
	return s.Read(HEAD)
}

// Update atomically moves name from expectedOld to newHash. An empty
// expectedOld requires the ref to be absent. A symbolic name updates the ref
// it points to. A mismatch fails with ErrCASMismatch and leaves the ref
// unchanged.
func (s *Store) Update(name string, expectedOld, newHash object.Hash, reason string) error {
	return s.write(name, newHash, "", true, expectedOld, reason)
}

// Set writes name unconditionally.
func (s *Store) Set(name string, newHash object.Hash, reason string) error {
	return s.write(name, newHash, "", false, "", reason)
}

// Create writes name only if it does not already exist.
func (s *Store) Create(name string, newHash object.Hash, reason string) error {
	err := s.write(name, newHash, "", true, "", reason)
	if errors.Is(err, ErrCASMismatch) {
		return fmt.Errorf("create ref %q: %w", name, errs.ErrAlreadyExists)
	}
	return err
}

// SetSymbolic points name at another ref, e.g. HEAD at refs/heads/main.
func (s *Store) SetSymbolic(name, target, reason string) error {
	if err := ValidateName(target); err != nil {
		return err
	}
	return s.write(name, "", target, false, "", reason)
}

func (s *Store) write(name string, newHash object.Hash, symbolic string, cas bool, expectedOld object.Hash, reason string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if symbolic == "" {
		if err := s.format.Validate(newHash); err != nil {
			return fmt.Errorf("update ref %q: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if symbolic == "" {
		current, ok, err := s.read(name)
		if err != nil {
			return err
		}
		if ok && current.IsSymbolic() {
			name = current.Symbolic
		}
	}

	refPath := s.path(name)
	lockPath := refPath + ".lock"
	content := string(newHash) + "\n"
	if symbolic != "" {
		content = symrefPrefix + symbolic + "\n"
	}
	if err := s.acquireLock(lockPath, content); err != nil {
		return fmt.Errorf("update ref %q: lock: %w", name, err)
	}
	locked := true
	defer func() {
		if locked {
			_ = s.fs.Remove(lockPath)
		}
	}()

	current, ok, err := s.read(name)
	if err != nil {
		return fmt.Errorf("update ref %q: read old value: %w", name, err)
	}
	oldHash := current.Target
	if cas {
		if !ok && expectedOld != "" || ok && (current.IsSymbolic() || oldHash != expectedOld) {
			found := string(oldHash)
			if !ok {
				found = "<none>"
			}
			want := string(expectedOld)
			if want == "" {
				want = "<none>"
			}
			return fmt.Errorf("update ref %q: %w (expected %s, found %s)", name, ErrCASMismatch, want, found)
		}
	}

	if err := s.fs.Rename(lockPath, refPath); err != nil {
		return fmt.Errorf("update ref %q: rename: %w", name, err)
	}
	locked = false

	if symbolic != "" {
		return nil
	}
	if err := s.appendReflog(name, oldHash, newHash, reason); err != nil {
		return &ReflogError{Ref: name, OldHash: oldHash, NewHash: newHash, Err: err}
	}
	return nil
}

func (s *Store) acquireLock(lockPath, content string) error {
	deadline := time.Now().Add(lockWaitLimit)
	for {
		err := s.fs.CreateExclusive(lockPath, []byte(content), 0o644)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for lock %q", lockPath)
		}
		time.Sleep(lockRetryDelay)
	}
}

// Delete removes name if its current value is expectedOld. An empty
// expectedOld deletes unconditionally.
func (s *Store) Delete(name string, expectedOld object.Hash) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := s.read(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("delete ref %q: %w", name, ErrUnknownRef)
	}
	if expectedOld != "" && current.Target != expectedOld {
		return fmt.Errorf("delete ref %q: %w (expected %s, found %s)", name, ErrCASMismatch, expectedOld, current.Target)
	}
	if err := s.fs.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete ref %q: %w", name, err)
	}
	if err := s.removePacked(name); err != nil {
		return fmt.Errorf("delete ref %q: %w", name, err)
	}
	return s.fs.RemoveAll(filepath.Join(s.gitDir, "logs", filepath.FromSlash(name)))
}

// List returns the direct and symbolic refs under prefix (e.g. "refs/heads/"),
// sorted by name. HEAD is not included.
func (s *Store) List(prefix string) ([]Ref, error) {
	byName := make(map[string]Ref)

	packed, err := s.readPacked()
	if err != nil {
		return nil, err
	}
	for name, h := range packed {
		if strings.HasPrefix(name, prefix) {
			byName[name] = Ref{Name: name, Target: h}
		}
	}

	root := filepath.Join(s.gitDir, "refs")
	err = vfs.Walk(s.fs, root, func(p string, e vfs.Entry) error {
		if e.Dir || strings.HasSuffix(e.Name, ".lock") {
			return nil
		}
		rel, err := filepath.Rel(s.gitDir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		data, err := s.fs.ReadFile(p)
		if err != nil {
			return err
		}
		ref, ok, err := s.parse(name, data)
		if err != nil {
			return err
		}
		if ok {
			byName[name] = ref
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list refs: %w", err)
	}

	out := make([]Ref, 0, len(byName))
	for _, r := range byName {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Package errs defines the error kinds shared by every minigit component.
//
// Components wrap these sentinels with fmt.Errorf("...: %w") or with typed
// errors that implement Is, so callers classify failures with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conflict")
	ErrCorruptPack   = errors.New("corrupt pack")
	ErrAuth          = errors.New("authentication failed")
	ErrNetwork       = errors.New("network error")
	ErrEmptyCommit   = errors.New("nothing to commit")

	// ErrAlreadyInitialized is returned by init when a repository already
	// exists at the target path.
	ErrAlreadyInitialized = fmt.Errorf("repository already initialized: %w", ErrAlreadyExists)
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrEmptyCommit, "EmptyCommit"},
	{ErrCorruptPack, "CorruptPack"},
	{ErrAuth, "AuthError"},
	{ErrNetwork, "NetworkError"},
	{ErrConflict, "Conflict"},
	{ErrAlreadyInitialized, "AlreadyInitialized"},
	{ErrAlreadyExists, "AlreadyExists"},
	{ErrNotFound, "NotFound"},
}

// Kind returns the taxonomy name of err, "" for nil and "Unknown" when err
// does not wrap any known kind.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Unknown"
}

// CorruptPack wraps err as an ErrCorruptPack failure with context.
func CorruptPack(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptPack, fmt.Sprintf(format, args...))
}

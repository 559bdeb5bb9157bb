package repo

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/odvcencio/minigit/pkg/vfs"
)

type opLockKey struct {
	fs   vfs.FS
	root string
}

var (
	opLocksMu sync.Mutex
	opLocks   = map[opLockKey]chan struct{}{}
)

// acquireOpLock blocks until the process-wide lock for (fsys, root) is free
// or ctx is done.
func acquireOpLock(ctx context.Context, fsys vfs.FS, root string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := opLockKey{fs: fsys, root: filepath.Clean(root)}
	opLocksMu.Lock()
	ch, ok := opLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		opLocks[key] = ch
	}
	opLocksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

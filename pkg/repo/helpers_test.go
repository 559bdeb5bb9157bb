package repo

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/vfs"
)

var testAuthor = object.Ident{Name: "Ada", Email: "ada@example.com"}

// testClock returns a clock that advances one second per call.
func testClock() func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return time.Unix(1700000000+n.Add(1), 0).UTC()
	}
}

func testOptions() Options {
	return Options{Now: testClock()}
}

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := Init(context.Background(), vfs.NewMem(), "/r", testOptions())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return r
}

func writeFile(t *testing.T, r *Repo, rel, content string) {
	t.Helper()
	if err := r.FS.WriteFile(filepath.Join(r.Root, filepath.FromSlash(rel)), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func readFile(t *testing.T, r *Repo, rel string) string {
	t.Helper()
	data, err := r.FS.ReadFile(filepath.Join(r.Root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

// commitFiles writes, stages and commits files in one step.
func commitFiles(t *testing.T, r *Repo, files map[string]string, msg string) object.Hash {
	t.Helper()
	ctx := context.Background()
	var paths []string
	for p, content := range files {
		writeFile(t, r, p, content)
		paths = append(paths, p)
	}
	if err := r.Add(ctx, paths...); err != nil {
		t.Fatalf("Add(%v): %v", paths, err)
	}
	h, err := r.Commit(ctx, CommitOptions{Message: msg, Author: testAuthor})
	if err != nil {
		t.Fatalf("Commit(%q): %v", msg, err)
	}
	return h
}

// worktreeFiles lists every file under root outside .git, slash-separated.
func worktreeFiles(t *testing.T, fsys vfs.FS, root string) []string {
	t.Helper()
	var out []string
	err := vfs.Walk(fsys, root, func(p string, e vfs.Entry) error {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == GitDirName || strings.HasPrefix(rel, GitDirName+"/") || e.Dir {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	sort.Strings(out)
	return out
}

func headCommit(t *testing.T, r *Repo) object.Hash {
	t.Helper()
	h, err := r.Refs.Resolve("HEAD")
	if err != nil {
		t.Fatalf("resolve HEAD: %v", err)
	}
	return h
}

package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
)

func TestAddFile(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "hello.txt", "hello")

	if err := r.Add(context.Background(), "hello.txt"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	stg, err := r.ReadStaging()
	if err != nil {
		t.Fatalf("ReadStaging: %v", err)
	}
	e, ok := stg.Entries["hello.txt"]
	if !ok {
		t.Fatalf("hello.txt not staged: %+v", stg.Entries)
	}
	if want := object.HashObject(object.SHA1, object.TypeBlob, []byte("hello")); e.BlobHash != want {
		t.Errorf("BlobHash = %s, want %s", e.BlobHash, want)
	}
	if e.Mode != object.TreeModeFile {
		t.Errorf("Mode = %q", e.Mode)
	}
	if e.Size != 5 {
		t.Errorf("Size = %d", e.Size)
	}
	if !r.Store.Has(e.BlobHash) {
		t.Error("blob was not written to the object store")
	}
}

func TestAddAbsolutePath(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "docs/guide.md", "guide")
	if err := r.Add(context.Background(), "/r/docs/guide.md"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	stg, _ := r.ReadStaging()
	if _, ok := stg.Entries["docs/guide.md"]; !ok {
		t.Fatalf("docs/guide.md not staged: %+v", stg.Entries)
	}
}

func TestAddMissingPathStagesNothing(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "present.txt", "x")

	err := r.Add(context.Background(), "present.txt", "missing.txt")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Add err = %v, want NotFound", err)
	}
	stg, _ := r.ReadStaging()
	if len(stg.Entries) != 0 {
		t.Errorf("staging = %+v, want empty", stg.Entries)
	}
}

func TestAddRejectsPathsOutsideRepository(t *testing.T) {
	r := newTestRepo(t)
	for _, p := range []string{"../escape.txt", ".git/config.toml", "/elsewhere/file", ""} {
		if err := r.Add(context.Background(), p); err == nil {
			t.Errorf("Add(%q) succeeded", p)
		}
	}
}

func TestAddDirectoryHonorsIgnore(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, ".gitignore", "*.log\nbuild/\n!keep.log\n")
	writeFile(t, r, "src/main.go", "package main")
	writeFile(t, r, "src/debug.log", "noise")
	writeFile(t, r, "src/keep.log", "kept")
	writeFile(t, r, "build/out.bin", "bin")

	if err := r.Add(context.Background(), "."); err != nil {
		t.Fatalf("Add: %v", err)
	}
	stg, _ := r.ReadStaging()
	got := sortedKeys(stg.Entries)
	want := []string{".gitignore", "src/keep.log", "src/main.go"}
	if len(got) != len(want) {
		t.Fatalf("staged = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("staged = %v, want %v", got, want)
		}
	}
}

func TestAddUnderLockContextCanceled(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Add(ctx, "a.txt"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Add err = %v, want context.Canceled", err)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "a")
	writeFile(t, r, "dir/b.txt", "b")
	writeFile(t, r, "dir/c.txt", "c")
	if err := r.Add(ctx, "."); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := r.Reset(ctx, "dir"); err != nil {
		t.Fatalf("Reset dir: %v", err)
	}
	stg, _ := r.ReadStaging()
	if got := sortedKeys(stg.Entries); len(got) != 1 || got[0] != "a.txt" {
		t.Fatalf("after Reset(dir) staged = %v", got)
	}

	if err := r.Reset(ctx, "nope.txt"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Reset unstaged path err = %v, want NotFound", err)
	}

	if err := r.Reset(ctx); err != nil {
		t.Fatalf("Reset all: %v", err)
	}
	stg, _ = r.ReadStaging()
	if len(stg.Entries) != 0 {
		t.Fatalf("after Reset() staged = %v", sortedKeys(stg.Entries))
	}
	if data := readFile(t, r, "dir/b.txt"); data != "b" {
		t.Errorf("Reset touched the working tree: %q", data)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	commitFiles(t, r, map[string]string{"tracked.txt": "v1", "gone.txt": "bye", "same.txt": "same"}, "base")

	writeFile(t, r, "tracked.txt", "v2")
	writeFile(t, r, "new.txt", "new")
	writeFile(t, r, "untracked.txt", "?")
	if err := r.FS.Remove("/r/gone.txt"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := r.Add(ctx, "new.txt"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	writeFile(t, r, "new.txt", "newer")

	entries, err := r.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	got := make(map[string][2]FileStatus)
	for _, e := range entries {
		got[e.Path] = [2]FileStatus{e.IndexStatus, e.WorkStatus}
	}
	want := map[string][2]FileStatus{
		"tracked.txt":   {StatusClean, StatusModified},
		"gone.txt":      {StatusClean, StatusDeleted},
		"new.txt":       {StatusNew, StatusDirty},
		"untracked.txt": {StatusClean, StatusUntracked},
	}
	if len(got) != len(want) {
		t.Fatalf("status = %v, want %v", got, want)
	}
	for p, w := range want {
		if got[p] != w {
			t.Errorf("%s: status = %v/%v, want %v/%v", p, got[p][0], got[p][1], w[0], w[1])
		}
	}
}

func TestIgnoreChecker(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, ".gitignore", "# comment\n*.tmp\n/root-only.txt\nvendor/\n**/cache\n!important.tmp\n")
	ic := NewIgnoreChecker(r.FS, r.Root)

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{".git", true, true},
		{"a.tmp", false, true},
		{"deep/nested/b.tmp", false, true},
		{"important.tmp", false, false},
		{"root-only.txt", false, true},
		{"sub/root-only.txt", false, false},
		{"vendor", true, true},
		{"vendor/lib.go", false, true},
		{"vendor", false, false},
		{"x/y/cache", true, true},
		{"main.go", false, false},
	}
	for _, tt := range tests {
		if got := ic.IsIgnored(tt.path, tt.isDir); got != tt.want {
			t.Errorf("IsIgnored(%q, dir=%v) = %v, want %v", tt.path, tt.isDir, got, tt.want)
		}
	}
}

package repo

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/vfs"
)

func TestInitCreatesLayout(t *testing.T) {
	fsys := vfs.NewMem()
	r, err := Init(context.Background(), fsys, "/r", Options{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if r.Root != "/r" || r.GitDir != "/r/.git" {
		t.Fatalf("Root/GitDir = %q/%q", r.Root, r.GitDir)
	}
	for _, d := range []string{"objects", "refs/heads", "refs/tags"} {
		info, err := fsys.Stat(filepath.Join("/r/.git", d))
		if err != nil || !info.Dir {
			t.Errorf("%s: want directory, got %+v, %v", d, info, err)
		}
	}
	head, err := fsys.ReadFile("/r/.git/HEAD")
	if err != nil {
		t.Fatalf("read HEAD: %v", err)
	}
	if got := strings.TrimSpace(string(head)); got != "ref: refs/heads/main" {
		t.Errorf("HEAD = %q", got)
	}
	cfg, err := fsys.ReadFile("/r/.git/config.toml")
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(cfg), `objectformat = "sha1"`) {
		t.Errorf("config.toml missing object format:\n%s", cfg)
	}

	branch, err := r.CurrentBranch()
	if err != nil || branch != "main" {
		t.Errorf("CurrentBranch = %q, %v", branch, err)
	}
	if _, err := r.Refs.Resolve("HEAD"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("unborn HEAD resolve err = %v, want NotFound", err)
	}
}

func TestInitTwiceIsAlreadyInitialized(t *testing.T) {
	fsys := vfs.NewMem()
	if _, err := Init(context.Background(), fsys, "/r", Options{}); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	_, err := Init(context.Background(), fsys, "/r", Options{})
	if !errors.Is(err, errs.ErrAlreadyInitialized) || !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("second Init err = %v", err)
	}
	if got := errs.Kind(err); got != "AlreadyInitialized" {
		t.Errorf("Kind = %q", got)
	}
}

func TestInitOptions(t *testing.T) {
	fsys := vfs.NewMem()
	_, err := Init(context.Background(), fsys, "/r", Options{Format: object.SHA256, DefaultBranch: "trunk"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	r, err := Open(fsys, "/r", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.Format() != object.SHA256 {
		t.Errorf("Format = %s, want sha256", r.Format())
	}
	if branch, _ := r.CurrentBranch(); branch != "trunk" {
		t.Errorf("CurrentBranch = %q, want trunk", branch)
	}

	if _, err := Init(context.Background(), vfs.NewMem(), "/x", Options{Format: "md5"}); err == nil {
		t.Error("Init with unknown format succeeded")
	}
	if _, err := Init(context.Background(), vfs.NewMem(), "/x", Options{DefaultBranch: "bad..name"}); err == nil {
		t.Error("Init with invalid branch name succeeded")
	}
}

func TestOpenMissingRepository(t *testing.T) {
	_, err := Open(vfs.NewMem(), "/nothing", Options{})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Open err = %v, want NotFound", err)
	}
}

func TestInitOnSQLiteFS(t *testing.T) {
	fsys, err := vfs.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "repo.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { fsys.Close() })

	r, err := Init(context.Background(), fsys, "/r", testOptions())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	h := commitFiles(t, r, map[string]string{"README.md": "# hi"}, "init")
	reopened, err := Open(fsys, "/r", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := headCommit(t, reopened); got != h {
		t.Errorf("HEAD = %s, want %s", got, h)
	}
}

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/remote"
	"github.com/odvcencio/minigit/pkg/remote/remotetest"
)

// runCLI executes one minigit invocation with a fresh app and returns
// what it wrote to stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := newApp()
	cmd := newRootCmd(a)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	a.close()
	return stdout.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("minigit %s: %v", strings.Join(args, " "), err)
	}
	return out
}

// cliEnv isolates the CLI from the user's config file and gives commits a
// stable identity.
func cliEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("MINIGIT_AUTHOR_NAME", "Test User")
	t.Setenv("MINIGIT_AUTHOR_EMAIL", "test@example.com")
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestInitAddCommitLog(t *testing.T) {
	dir := cliEnv(t)

	out := mustRun(t, "init")
	if want := "initialized empty repository in " + filepath.Join(dir, ".git"); !strings.HasPrefix(out, want) {
		t.Fatalf("init output = %q, want prefix %q", out, want)
	}

	writeFile(t, filepath.Join(dir, "README.md"), "# hi")
	mustRun(t, "add", "README.md")
	out = mustRun(t, "commit", "-m", "first commit\n\nbody")
	if !strings.HasPrefix(out, "[main ") || !strings.HasSuffix(out, "] first commit\n") {
		t.Fatalf("commit output = %q", out)
	}

	out = mustRun(t, "-o", "yaml", "log")
	var entries []logOutput
	if err := yaml.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode log yaml: %v\n%s", err, out)
	}
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].Author != "Test User <test@example.com>" {
		t.Fatalf("author = %q", entries[0].Author)
	}
	if entries[0].Message != "first commit\n\nbody" {
		t.Fatalf("message = %q", entries[0].Message)
	}
	if len(entries[0].Parents) != 0 {
		t.Fatalf("root commit has parents %v", entries[0].Parents)
	}

	out = mustRun(t, "log", "--oneline")
	if want := entries[0].Commit[:7] + " first commit\n"; out != want {
		t.Fatalf("oneline = %q, want %q", out, want)
	}

	_, err := runCLI(t, "commit", "-m", "again")
	if !errors.Is(err, errs.ErrEmptyCommit) {
		t.Fatalf("second commit err = %v, want ErrEmptyCommit", err)
	}
	if code := exitCode(err); code != 8 {
		t.Fatalf("exit code = %d, want 8", code)
	}
}

func TestInitTwiceFails(t *testing.T) {
	cliEnv(t)
	mustRun(t, "init")
	_, err := runCLI(t, "init")
	if code := exitCode(err); code != 3 {
		t.Fatalf("exit code = %d (err %v), want 3", code, err)
	}
}

func TestInitObjectFormat(t *testing.T) {
	cliEnv(t)
	mustRun(t, "init", "--object-format", "sha256", "-b", "trunk", "proj")
	if got := mustRun(t, "-C", "proj", "config", "core.objectformat"); got != "sha256\n" {
		t.Fatalf("objectformat = %q", got)
	}
	out := mustRun(t, "-C", "proj", "status")
	if out != "on trunk (no commits yet)\n" {
		t.Fatalf("status = %q", out)
	}
}

func TestStatusYAML(t *testing.T) {
	dir := cliEnv(t)
	mustRun(t, "init")
	writeFile(t, filepath.Join(dir, "a.txt"), "one")
	mustRun(t, "add", "a.txt")
	mustRun(t, "commit", "-m", "add a")

	writeFile(t, filepath.Join(dir, "a.txt"), "two")
	writeFile(t, filepath.Join(dir, "staged.txt"), "s")
	writeFile(t, filepath.Join(dir, "loose.txt"), "l")
	mustRun(t, "add", "staged.txt")

	out := mustRun(t, "--output", "yaml", "status")
	var st statusOutput
	if err := yaml.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode status yaml: %v\n%s", err, out)
	}
	if st.Branch != "main" || st.Commit == "" {
		t.Fatalf("status head = %q %q", st.Branch, st.Commit)
	}
	if fmt.Sprint(st.Staged) != "[+ staged.txt]" {
		t.Fatalf("staged = %v", st.Staged)
	}
	if fmt.Sprint(st.Unstaged) != "[~ a.txt]" {
		t.Fatalf("unstaged = %v", st.Unstaged)
	}
	if fmt.Sprint(st.Untracked) != "[loose.txt]" {
		t.Fatalf("untracked = %v", st.Untracked)
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	cliEnv(t)
	if _, err := runCLI(t, "-o", "json", "version"); err == nil {
		t.Fatal("expected error for unknown output format")
	}
}

func TestBranchAndCheckout(t *testing.T) {
	dir := cliEnv(t)
	mustRun(t, "init")
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	mustRun(t, "add", "a.txt")
	mustRun(t, "commit", "-m", "base")

	mustRun(t, "checkout", "-b", "feature")
	writeFile(t, filepath.Join(dir, "b.txt"), "b")
	mustRun(t, "add", "b.txt")
	mustRun(t, "commit", "-m", "feature work")

	if out := mustRun(t, "branch"); out != "* feature\n  main\n" {
		t.Fatalf("branch list = %q", out)
	}

	mustRun(t, "checkout", "main")
	if _, err := os.Stat(filepath.Join(dir, "b.txt")); !os.IsNotExist(err) {
		t.Fatalf("b.txt should be gone after checkout main, stat err = %v", err)
	}

	out := mustRun(t, "branch", "-d", "feature")
	if out != "deleted branch 'feature'\n" {
		t.Fatalf("delete output = %q", out)
	}
	_, err := runCLI(t, "branch", "-d", "main")
	if code := exitCode(err); code != 4 {
		t.Fatalf("deleting current branch exit code = %d (err %v), want 4", code, err)
	}
}

func TestConfigAndRemote(t *testing.T) {
	cliEnv(t)
	mustRun(t, "init")

	mustRun(t, "config", "user.name", "Ada")
	if got := mustRun(t, "config", "user.name"); got != "Ada\n" {
		t.Fatalf("user.name = %q", got)
	}

	mustRun(t, "remote", "add", "origin", "https://example.com/org/repo.git")
	if got := mustRun(t, "remote"); got != "origin\thttps://example.com/org/repo.git\n" {
		t.Fatalf("remote list = %q", got)
	}

	if got := mustRun(t, "config", "remote.upstream.url"); got != "\n" {
		t.Fatalf("unset remote url = %q", got)
	}
	_, err := runCLI(t, "fetch", "upstream")
	if code := exitCode(err); code != 2 {
		t.Fatalf("missing remote exit code = %d (err %v), want 2", code, err)
	}
	if _, err := runCLI(t, "config", "core.bogus"); err == nil {
		t.Fatal("expected error for unknown key")
	}
	_, err = runCLI(t, "remote", "add", "origin", "https://example.com/other.git")
	if code := exitCode(err); code != 3 {
		t.Fatalf("duplicate remote exit code = %d (err %v), want 3", code, err)
	}
}

func TestCloneCommitPush(t *testing.T) {
	dir := cliEnv(t)
	srv := remotetest.New(t, remotetest.Options{})
	srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "init")

	out := mustRun(t, "clone", srv.RepoURL())
	if !strings.Contains(out, "into "+filepath.Join(dir, "repo")) {
		t.Fatalf("clone output = %q", out)
	}
	data, err := os.ReadFile(filepath.Join(dir, "repo", "a.txt"))
	if err != nil || string(data) != "a" {
		t.Fatalf("cloned a.txt = %q, %v", data, err)
	}

	writeFile(t, filepath.Join(dir, "repo", "b.txt"), "b")
	mustRun(t, "-C", "repo", "add", filepath.Join("repo", "b.txt"))
	mustRun(t, "-C", "repo", "commit", "-m", "add b")

	out = mustRun(t, "-C", "repo", "push")
	if out != "   refs/heads/main\n" {
		t.Fatalf("push output = %q", out)
	}

	out = mustRun(t, "-C", "repo", "-o", "yaml", "log", "-n", "1")
	var entries []logOutput
	if err := yaml.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode log yaml: %v", err)
	}
	if got := srv.Head("main"); string(got) != entries[0].Commit {
		t.Fatalf("remote main = %s, want %s", got, entries[0].Commit)
	}

	if out := mustRun(t, "-C", "repo", "fetch"); out != "already up to date\n" {
		t.Fatalf("fetch output = %q", out)
	}
}

func TestPushRemoteAhead(t *testing.T) {
	dir := cliEnv(t)
	srv := remotetest.New(t, remotetest.Options{})
	srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "init")
	mustRun(t, "clone", srv.RepoURL(), "work")

	srv.Commit(t, "main", map[string]string{"a.txt": "a", "upstream.txt": "u"}, "upstream")
	writeFile(t, filepath.Join(dir, "work", "local.txt"), "l")
	mustRun(t, "-C", "work", "add", filepath.Join("work", "local.txt"))
	mustRun(t, "-C", "work", "commit", "-m", "local")

	_, err := runCLI(t, "-C", "work", "push")
	var ahead *remote.RemoteAheadError
	if !errors.As(err, &ahead) {
		t.Fatalf("push err = %v, want RemoteAheadError", err)
	}
	if code := exitCode(err); code != 4 {
		t.Fatalf("exit code = %d, want 4", code)
	}
	if !strings.Contains(err.Error(), "fetch first") {
		t.Fatalf("missing hint in %q", err)
	}

	out := mustRun(t, "-C", "work", "fetch")
	if !strings.Contains(out, "refs/remotes/origin/main") {
		t.Fatalf("fetch output = %q", out)
	}
}

func TestCloneAuthFromEnvironment(t *testing.T) {
	dir := cliEnv(t)
	srv := remotetest.New(t, remotetest.Options{Token: "s3cret"})
	srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "init")

	_, err := runCLI(t, "--retries", "1", "clone", srv.RepoURL(), "denied")
	if code := exitCode(err); code != 5 {
		t.Fatalf("exit code = %d (err %v), want 5", code, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "denied")); !os.IsNotExist(err) {
		t.Fatalf("failed clone left a directory behind: %v", err)
	}

	t.Setenv("MINIGIT_TOKEN", "s3cret")
	mustRun(t, "clone", srv.RepoURL(), "granted")

	cfg, err := os.ReadFile(filepath.Join(dir, "granted", ".git", "config.toml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if strings.Contains(string(cfg), "s3cret") {
		t.Fatalf("token persisted in config:\n%s", cfg)
	}
}

func TestCloneDepth(t *testing.T) {
	cliEnv(t)
	srv := remotetest.New(t, remotetest.Options{})
	srv.Commit(t, "main", map[string]string{"a.txt": "1"}, "one")
	srv.Commit(t, "main", map[string]string{"a.txt": "2"}, "two")

	out := mustRun(t, "-o", "yaml", "clone", "--depth", "1", srv.RepoURL(), "shallow")
	var res cloneOutput
	if err := yaml.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode clone yaml: %v", err)
	}
	if !res.Shallow || res.Branch != "main" || res.Commit != string(srv.Head("main")) {
		t.Fatalf("clone result = %+v", res)
	}

	out = mustRun(t, "-C", "shallow", "-o", "yaml", "log")
	var entries []logOutput
	if err := yaml.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode log yaml: %v", err)
	}
	if len(entries) != 1 || !entries[0].Shallow {
		t.Fatalf("shallow log = %+v", entries)
	}
}

func TestDefaultCloneDir(t *testing.T) {
	tests := map[string]string{
		"https://example.com/org/repo.git": "repo",
		"https://example.com/org/repo/":    "repo",
		"http://127.0.0.1:8080/tool":       "tool",
		"https://example.com/":             "",
	}
	for in, want := range tests {
		if got := defaultCloneDir(in); got != want {
			t.Errorf("defaultCloneDir(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseAuthor(t *testing.T) {
	got, err := parseAuthor("  Ada Lovelace <ada@example.com> ")
	if err != nil {
		t.Fatalf("parseAuthor: %v", err)
	}
	if got != (object.Ident{Name: "Ada Lovelace", Email: "ada@example.com"}) {
		t.Fatalf("ident = %+v", got)
	}
	for _, bad := range []string{"", "Ada", "<ada@example.com>", "Ada <ada@example.com", "Ada <>"} {
		if _, err := parseAuthor(bad); err == nil {
			t.Errorf("parseAuthor(%q) should fail", bad)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("boom"), 1},
		{fmt.Errorf("open: %w", errs.ErrNotFound), 2},
		{errs.ErrAlreadyExists, 3},
		{errs.ErrAlreadyInitialized, 3},
		{errs.ErrConflict, 4},
		{errs.ErrAuth, 5},
		{errs.ErrNetwork, 6},
		{errs.ErrCorruptPack, 7},
		{errs.ErrEmptyCommit, 8},
	}
	for _, tc := range tests {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestBindFlags(t *testing.T) {
	a := newApp()
	if err := a.bindFlags(newRootCmd(a)); err != nil {
		t.Fatalf("bindFlags on the root command: %v", err)
	}
	if err := newApp().bindFlags(&cobra.Command{Use: "bare"}); err == nil {
		t.Fatal("bindFlags should fail when a persistent flag is missing")
	}
}

package repo

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/refs"
	"github.com/odvcencio/minigit/pkg/remote"
	"github.com/odvcencio/minigit/pkg/remote/remotetest"
	"github.com/odvcencio/minigit/pkg/vfs"
)

// failPOSTs lets discovery through and fails every POST at the transport.
type failPOSTs struct{}

func (failPOSTs) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPost {
		return nil, errors.New("connection reset by peer")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func cloneFrom(t *testing.T, srv *remotetest.Server, fsys vfs.FS, path string, opts CloneOptions) *Repo {
	t.Helper()
	opts.URL = srv.RepoURL()
	opts.Path = path
	if opts.Repo.Now == nil {
		opts.Repo = testOptions()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	r, err := Clone(context.Background(), fsys, opts)
	require.NoError(t, err)
	return r
}

func requireNoCloneLeftovers(t *testing.T, fsys vfs.FS, parent string) {
	t.Helper()
	entries, err := fsys.ReadDir(parent)
	if err != nil {
		return
	}
	for _, e := range entries {
		require.NotContains(t, e.Name, ".clone-", "scratch directory left behind")
	}
}

func TestCloneShallowThroughCORSProxy(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{})
	first := srv.Commit(t, "main", map[string]string{"README.md": "old"}, "one")
	x := srv.Commit(t, "main", map[string]string{"README.md": "# hi", "src/app.go": "package app\n"}, "two")

	fsys := vfs.NewMem()
	r, err := Clone(context.Background(), fsys, CloneOptions{
		URL:           "https://example.com/repo.git",
		Path:          "/c",
		Depth:         1,
		RemoteOptions: RemoteOptions{CORSProxy: srv.URL, Timeout: 5 * time.Second},
		Repo:          testOptions(),
	})
	require.NoError(t, err)

	main, err := r.Refs.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, x, main)
	tracking, err := r.Refs.Resolve("refs/remotes/origin/main")
	require.NoError(t, err)
	require.Equal(t, x, tracking)
	current, err := r.CurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "main", current)

	require.Equal(t, []string{"README.md", "src/app.go"}, worktreeFiles(t, fsys, "/c"))
	require.Equal(t, "# hi", readFile(t, r, "README.md"))
	require.Equal(t, "package app\n", readFile(t, r, "src/app.go"))

	shallow, err := r.Shallow()
	require.NoError(t, err)
	require.Equal(t, []object.Hash{x}, shallow)
	require.False(t, r.Store.Has(first), "depth 1 must not fetch the parent commit")

	for _, req := range srv.Requests() {
		require.Contains(t, req, "/example.com/repo.git/", "request bypassed the CORS proxy")
	}

	cfg, err := r.ReadConfig()
	require.NoError(t, err)
	require.Equal(t, RemoteConfig{URL: "https://example.com/repo.git", CORSProxy: srv.URL}, cfg.Remotes["origin"])

	entries, err := fsys.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "c", entries[0].Name)

	log, err := r.Log(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, log, 1, "history stops at the shallow boundary")
}

func TestCloneFullHistoryTracksAllBranches(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{})
	base := srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "base")
	tip := srv.Commit(t, "main", map[string]string{"a.txt": "b"}, "tip")
	dev := srv.Commit(t, "dev", map[string]string{"dev.txt": "d"}, "dev root")

	fsys := vfs.NewMem()
	r := cloneFrom(t, srv, fsys, "/work/c", CloneOptions{})

	require.Equal(t, tip, headCommit(t, r))
	require.True(t, r.Store.Has(base))
	require.True(t, r.Store.Has(dev))
	devTracking, err := r.Refs.Resolve("refs/remotes/origin/dev")
	require.NoError(t, err)
	require.Equal(t, dev, devTracking)
	_, err = r.Refs.Resolve("refs/heads/dev")
	require.ErrorIs(t, err, errs.ErrNotFound, "only the checked-out branch is created locally")

	originHead, err := r.Refs.Read("refs/remotes/origin/HEAD")
	require.NoError(t, err)
	require.Equal(t, "refs/remotes/origin/main", originHead.Symbolic)

	shallow, err := r.Shallow()
	require.NoError(t, err)
	require.Empty(t, shallow)
	requireNoCloneLeftovers(t, fsys, "/work")
}

func TestCloneSingleBranchAndRef(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{})
	srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "main")
	dev := srv.Commit(t, "dev", map[string]string{"dev.txt": "d"}, "dev")

	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{Ref: "dev", SingleBranch: true})
	current, err := r.CurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "dev", current)
	require.Equal(t, dev, headCommit(t, r))
	require.Equal(t, []string{"dev.txt"}, worktreeFiles(t, r.FS, r.Root))

	_, err = r.Refs.Resolve("refs/remotes/origin/main")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCloneIntoExistingEmptyDirectory(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{})
	srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")

	fsys := vfs.NewMem()
	require.NoError(t, fsys.MkdirAll("/c"))
	r := cloneFrom(t, srv, fsys, "/c", CloneOptions{})
	require.Equal(t, []string{"a.txt"}, worktreeFiles(t, fsys, r.Root))
}

func TestCloneRefusesNonEmptyTarget(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{})
	srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")

	fsys := vfs.NewMem()
	require.NoError(t, fsys.WriteFile("/c/keep.txt", []byte("mine"), 0o644))
	_, err := Clone(context.Background(), fsys, CloneOptions{URL: srv.RepoURL(), Path: "/c"})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	data, err := fsys.ReadFile("/c/keep.txt")
	require.NoError(t, err)
	require.Equal(t, "mine", string(data))
	require.Zero(t, len(srv.Requests()), "no request before the target check")
}

func TestCloneEmptyRemote(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{DefaultBranch: "trunk"})
	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{})

	current, err := r.CurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "trunk", current)
	_, err = r.Refs.Resolve(refs.HEAD)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Empty(t, worktreeFiles(t, r.FS, r.Root))
}

func TestCloneSHA256(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{Format: object.SHA256})
	tip := srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")

	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{})
	require.Equal(t, object.SHA256, r.Format())
	require.Equal(t, tip, headCommit(t, r))
	require.Len(t, string(tip), 64)
}

func TestCloneFailuresLeaveNothingBehind(t *testing.T) {
	tests := []struct {
		name    string
		server  remotetest.Options
		opts    CloneOptions
		wantErr error
	}{
		{
			name:    "auth",
			server:  remotetest.Options{Token: "s3cret"},
			wantErr: errs.ErrAuth,
		},
		{
			name:    "missing branch",
			opts:    CloneOptions{Ref: "nope"},
			wantErr: errs.ErrNotFound,
		},
		{
			name:    "pack transfer fails",
			opts:    CloneOptions{RemoteOptions: RemoteOptions{HTTPTransport: failPOSTs{}}},
			wantErr: errs.ErrNetwork,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := remotetest.New(t, tt.server)
			srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")

			fsys := vfs.NewMem()
			opts := tt.opts
			opts.URL = srv.RepoURL()
			opts.Path = "/work/c"
			opts.Timeout = 5 * time.Second
			_, err := Clone(context.Background(), fsys, opts)
			require.ErrorIs(t, err, tt.wantErr)

			exists, err := vfs.Exists(fsys, "/work/c")
			require.NoError(t, err)
			require.False(t, exists, "target must not exist after a failed clone")
			requireNoCloneLeftovers(t, fsys, "/work")
		})
	}
}

func TestCloneWithToken(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{Token: "s3cret"})
	tip := srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")

	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{RemoteOptions: RemoteOptions{Auth: remote.Auth{Token: "s3cret"}}})
	require.Equal(t, tip, headCommit(t, r))

	cfg, err := r.FS.ReadFile("/c/.git/config.toml")
	require.NoError(t, err)
	require.NotContains(t, string(cfg), "s3cret", "credentials are never persisted")
}

func TestCloneCanceledContext(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{})
	srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fsys := vfs.NewMem()
	_, err := Clone(ctx, fsys, CloneOptions{URL: srv.RepoURL(), Path: "/c"})
	require.ErrorIs(t, err, context.Canceled)
	exists, _ := vfs.Exists(fsys, "/c")
	require.False(t, exists)
}

func TestFetchUpdatesTrackingRefs(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New(t, remotetest.Options{})
	x := srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")
	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{})

	y := srv.Commit(t, "main", map[string]string{"a.txt": "b"}, "two")
	dev := srv.Commit(t, "dev", map[string]string{"dev.txt": "d"}, "dev")

	report, err := r.Fetch(ctx, FetchOptions{RemoteOptions: RemoteOptions{Timeout: 5 * time.Second}})
	require.NoError(t, err)
	require.ElementsMatch(t, []TrackingUpdate{
		{Ref: "refs/remotes/origin/main", Old: x, New: y},
		{Ref: "refs/remotes/origin/dev", Old: "", New: dev},
	}, report.Updated)
	require.True(t, r.Store.Has(y))
	require.True(t, r.Store.Has(dev))
	require.Equal(t, x, headCommit(t, r), "fetch never moves local branches")

	again, err := r.Fetch(ctx, FetchOptions{})
	require.NoError(t, err)
	require.Empty(t, again.Updated)
}

func TestFetchIntoShallowClone(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New(t, remotetest.Options{})
	srv.Commit(t, "main", map[string]string{"a.txt": "1"}, "one")
	x := srv.Commit(t, "main", map[string]string{"a.txt": "2"}, "two")
	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{Depth: 1})

	shallow, err := r.Shallow()
	require.NoError(t, err)
	require.Equal(t, []object.Hash{x}, shallow)

	y := srv.Commit(t, "main", map[string]string{"a.txt": "3"}, "three")
	report, err := r.Fetch(ctx, FetchOptions{RemoteOptions: RemoteOptions{Timeout: 5 * time.Second}})
	require.NoError(t, err)
	require.Equal(t, []TrackingUpdate{{Ref: "refs/remotes/origin/main", Old: x, New: y}}, report.Updated)
	require.True(t, r.Store.Has(y))

	shallow, err = r.Shallow()
	require.NoError(t, err)
	require.Equal(t, []object.Hash{x}, shallow, "a fetch without depth keeps the boundary")

	entries, err := r.Log(ctx, "refs/remotes/origin/main", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, y, entries[0].Hash)
	require.Equal(t, x, entries[1].Hash)
}

func TestFetchUnknownRemote(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.Fetch(context.Background(), FetchOptions{Remote: "upstream"})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPushFastForward(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New(t, remotetest.Options{})
	srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")
	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{})

	local := commitFiles(t, r, map[string]string{"b.txt": "b"}, "local work")
	report, err := r.Push(ctx, PushOptions{})
	require.NoError(t, err)
	require.Empty(t, report.Rejected())
	require.Equal(t, local, srv.Head("main"))
	require.True(t, srv.Store.Has(local))

	tracking, err := r.Refs.Resolve("refs/remotes/origin/main")
	require.NoError(t, err)
	require.Equal(t, local, tracking)
}

func TestPushNewBranch(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New(t, remotetest.Options{})
	srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")
	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{})

	require.NoError(t, r.Branch(ctx, "topic", true))
	topic := commitFiles(t, r, map[string]string{"t.txt": "t"}, "topic")
	_, err := r.Push(ctx, PushOptions{Ref: "topic"})
	require.NoError(t, err)
	require.Equal(t, topic, srv.Head("topic"))
}

func TestPushRemoteAheadIsConflict(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New(t, remotetest.Options{})
	x := srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")
	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{})

	local := commitFiles(t, r, map[string]string{"b.txt": "b"}, "local work")
	y := srv.Commit(t, "main", map[string]string{"a.txt": "remote"}, "remote work")

	_, err := r.Push(ctx, PushOptions{})
	require.ErrorIs(t, err, errs.ErrConflict)
	require.Equal(t, "Conflict", errs.Kind(err))
	var ahead *remote.RemoteAheadError
	require.ErrorAs(t, err, &ahead)
	require.Equal(t, y, ahead.Actual)

	require.Equal(t, local, headCommit(t, r), "local branch unchanged")
	tracking, err := r.Refs.Resolve("refs/remotes/origin/main")
	require.NoError(t, err)
	require.Equal(t, x, tracking, "tracking ref unchanged")
	require.Equal(t, y, srv.Head("main"))
	require.Zero(t, srv.CountRequests("/git-receive-pack"), "no pack is sent when the remote is ahead")
}

func TestPushForceOverwritesRemote(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New(t, remotetest.Options{})
	srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")
	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{})

	local := commitFiles(t, r, map[string]string{"b.txt": "b"}, "local work")
	srv.Commit(t, "main", map[string]string{"a.txt": "remote"}, "remote work")

	_, err := r.Push(ctx, PushOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, local, srv.Head("main"))
}

func TestPushNonFastForward(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New(t, remotetest.Options{})
	srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")
	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{})

	require.NoError(t, r.Branch(ctx, "side", true))
	side := commitFiles(t, r, map[string]string{"side.txt": "s"}, "side")
	require.NoError(t, r.Checkout(ctx, "main"))
	commitFiles(t, r, map[string]string{"main.txt": "m"}, "main")

	// Pretend the remote was last seen at a commit main does not contain.
	require.NoError(t, r.Refs.Set("refs/remotes/origin/main", side, "test"))
	_, err := r.Push(ctx, PushOptions{})
	require.ErrorIs(t, err, ErrNonFastForward)
	require.ErrorIs(t, err, errs.ErrConflict)
	require.Zero(t, srv.CountRequests("/git-receive-pack"))
}

func TestPushRejectedByServer(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New(t, remotetest.Options{})
	x := srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")
	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{})
	commitFiles(t, r, map[string]string{"b.txt": "b"}, "local work")

	srv.RejectRef("refs/heads/main", "protected branch")
	report, err := r.Push(ctx, PushOptions{})
	require.Error(t, err)
	var rejected *remote.RefRejectedError
	require.ErrorAs(t, err, &rejected)
	require.NotNil(t, report)
	require.Len(t, report.Rejected(), 1)
	require.True(t, strings.Contains(report.Rejected()[0].Reason, "protected"))

	tracking, err := r.Refs.Resolve("refs/remotes/origin/main")
	require.NoError(t, err)
	require.Equal(t, x, tracking, "tracking ref moves only on success")
}

func TestPushReadOnlyRemoteIsAuthError(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{ReadOnly: true})
	srv.Commit(t, "main", map[string]string{"a.txt": "a"}, "one")
	r := cloneFrom(t, srv, vfs.NewMem(), "/c", CloneOptions{})
	commitFiles(t, r, map[string]string{"b.txt": "b"}, "local work")

	_, err := r.Push(context.Background(), PushOptions{})
	require.ErrorIs(t, err, errs.ErrAuth)
}

func TestPushToAddedRemote(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New(t, remotetest.Options{})
	r := newTestRepo(t)
	tip := commitFiles(t, r, map[string]string{"a.txt": "a"}, "first")

	require.NoError(t, r.AddRemote(ctx, "origin", srv.RepoURL()))
	_, err := r.Push(ctx, PushOptions{RemoteOptions: RemoteOptions{Timeout: 5 * time.Second}})
	require.NoError(t, err)
	require.Equal(t, tip, srv.Head("main"))
}

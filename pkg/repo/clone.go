package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/refs"
	"github.com/odvcencio/minigit/pkg/remote"
	"github.com/odvcencio/minigit/pkg/vfs"
)

// CloneOptions describes a clone.
type CloneOptions struct {
	URL  string
	Path string
	// Depth limits history to that many commits per wanted tip. Zero
	// fetches everything.
	Depth int
	// Ref is the branch to check out. Empty means the remote's HEAD.
	Ref string
	// SingleBranch fetches only Ref. A depth-limited clone is always
	// single-branch.
	SingleBranch bool
	// RemoteName defaults to "origin".
	RemoteName string
	RemoteOptions

	Repo Options
}

// Clone copies the repository at opts.URL into opts.Path, which must be
// absent or an empty directory. Everything is built in a scratch sibling
// directory that is renamed into place only after objects, refs and the
// working tree are complete; on any failure the scratch is removed and
// opts.Path is left as it was.
func Clone(ctx context.Context, fsys vfs.FS, opts CloneOptions) (*Repo, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("clone: path is required")
	}
	if opts.Depth < 0 {
		return nil, fmt.Errorf("clone: depth must not be negative")
	}
	if opts.RemoteName == "" {
		opts.RemoteName = defaultRemote
	}
	repoOpts := opts.Repo.withDefaults()
	target := filepath.Clean(opts.Path)

	release, err := acquireOpLock(ctx, fsys, target)
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	defer release()
	ctx, span := tracer.Start(ctx, "repo.Clone", trace.WithAttributes(
		attribute.String("url", opts.URL),
		attribute.Int("depth", opts.Depth),
	))
	defer span.End()

	empty, err := vfs.IsEmptyDir(fsys, target)
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	if !empty {
		return nil, fmt.Errorf("clone: %s is not empty: %w", target, errs.ErrAlreadyExists)
	}

	log := repoOpts.Logger.WithFields(logrus.Fields{"op": "clone", "path": target})
	client, err := opts.client(opts.URL, "", log)
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	adv, err := client.Discover(ctx, remote.ServiceUploadPack)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("clone: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}

	scratch := filepath.Join(filepath.Dir(target), fmt.Sprintf(".%s.clone-%s", filepath.Base(target), newULID()))
	succeeded := false
	defer func() {
		if !succeeded {
			if err := fsys.RemoveAll(scratch); err != nil {
				log.WithError(err).WithField("scratch", scratch).Warn("could not remove clone scratch directory")
			}
		}
	}()

	if err := cloneInto(ctx, fsys, scratch, client, adv, opts, repoOpts); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if ok, _ := vfs.Exists(fsys, target); ok {
		if err := fsys.Remove(target); err != nil {
			return nil, fmt.Errorf("clone: %w", err)
		}
	}
	if err := fsys.Rename(scratch, target); err != nil {
		return nil, fmt.Errorf("clone: move into place: %w", err)
	}
	succeeded = true

	r, err := Open(fsys, target, repoOpts)
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	log.WithField("url", opts.URL).Info("cloned repository")
	return r, nil
}

func cloneInto(ctx context.Context, fsys vfs.FS, scratch string, client *remote.Client, adv *remote.Advertisement, opts CloneOptions, repoOpts Options) error {
	branchName := opts.Ref
	if branchName == "" {
		branchName = refs.ShortName(adv.HeadTarget())
	}
	if branchName == "" || branchName == refs.HEAD {
		branchName = repoOpts.DefaultBranch
	}
	localRef, err := branchRef(branchName)
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}

	initOpts := repoOpts
	initOpts.Format = adv.Format
	initOpts.DefaultBranch = branchName
	r, err := initRepo(fsys, scratch, initOpts)
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}

	cfg, err := r.ReadConfig()
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	endpoint, err := remote.ParseEndpoint(opts.URL, opts.CORSProxy)
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	cfg.Remotes[opts.RemoteName] = RemoteConfig{URL: endpoint.URL, CORSProxy: endpoint.CORSProxy}
	if err := r.WriteConfig(cfg); err != nil {
		return fmt.Errorf("clone: %w", err)
	}

	if len(adv.Refs) == 0 {
		if opts.Ref != "" {
			return fmt.Errorf("clone: remote has no branch %q: %w", opts.Ref, errs.ErrNotFound)
		}
		r.log.Warn("cloned an empty repository")
		return nil
	}

	tip, ok := adv.Lookup(localRef)
	if !ok {
		return fmt.Errorf("clone: remote has no branch %q: %w", branchName, errs.ErrNotFound)
	}

	fetched := map[string]object.Hash{localRef: tip}
	if !opts.SingleBranch && opts.Depth == 0 {
		for _, b := range adv.Branches() {
			fetched[b.Name] = b.Hash
		}
	}
	wants := make([]object.Hash, 0, len(fetched))
	for _, h := range fetched {
		wants = append(wants, h)
	}

	res, err := remote.Fetch(ctx, client, r.Store, adv, remote.FetchRequest{Wants: wants, Depth: opts.Depth})
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	if err := r.updateShallow(res.Shallow, res.Unshallow); err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("clone: %w", err)
	}

	names := make([]string, 0, len(fetched))
	for name := range fetched {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tracking := trackingRef(opts.RemoteName, refs.ShortName(name))
		if err := r.Refs.Set(tracking, fetched[name], "clone: from "+endpoint.URL); err != nil && !isReflogOnly(err) {
			return fmt.Errorf("clone: %w", err)
		}
	}
	if err := r.Refs.SetSymbolic(trackingRef(opts.RemoteName, refs.HEAD), trackingRef(opts.RemoteName, branchName), "clone"); err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	if err := r.Refs.Set(localRef, tip, "clone: from "+endpoint.URL); err != nil && !isReflogOnly(err) {
		return fmt.Errorf("clone: %w", err)
	}

	files, err := r.FlattenTreeOfCommit(tip)
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	if err := r.writeWorktree(files); err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	r.log.WithFields(logrus.Fields{
		"branch":  branchName,
		"commit":  tip.Short(),
		"objects": res.Summary.Objects,
		"shallow": len(res.Shallow),
	}).Debug("clone populated")
	return nil
}

// FlattenTreeOfCommit flattens the tree of a commit.
func (r *Repo) FlattenTreeOfCommit(commit object.Hash) ([]TreeFileEntry, error) {
	c, err := r.Store.ReadCommit(commit)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", commit, err)
	}
	return r.FlattenTree(c.TreeHash)
}

func isReflogOnly(err error) bool {
	var reflogErr *refs.ReflogError
	return errors.As(err, &reflogErr)
}

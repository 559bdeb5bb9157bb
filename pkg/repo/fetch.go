package repo

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/refs"
	"github.com/odvcencio/minigit/pkg/remote"
)

// FetchOptions describes a fetch from a configured remote.
type FetchOptions struct {
	Remote string // defaults to "origin"
	// Depth deepens or limits history per tip. Zero keeps the current
	// shallow boundary.
	Depth int
	RemoteOptions
}

// TrackingUpdate is one remote-tracking ref moved by Fetch.
type TrackingUpdate struct {
	Ref string
	Old object.Hash
	New object.Hash
}

// FetchReport lists the remote-tracking refs Fetch changed.
type FetchReport struct {
	Remote  string
	Updated []TrackingUpdate
	Objects int
}

// Fetch downloads the remote's branches and moves refs/remotes/<remote>/*
// to match. Local branches are never touched. Objects are stored before any
// tracking ref is moved.
func (r *Repo) Fetch(ctx context.Context, opts FetchOptions) (*FetchReport, error) {
	ctx, done, err := r.lock(ctx, "Fetch")
	if err != nil {
		return nil, err
	}
	defer done()

	if opts.Remote == "" {
		opts.Remote = defaultRemote
	}
	rc, err := r.remoteConfig(opts.Remote)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	log := r.log.WithFields(logrus.Fields{"op": "fetch", "remote": opts.Remote})
	client, err := opts.client(rc.URL, rc.CORSProxy, log)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	adv, err := client.Discover(ctx, remote.ServiceUploadPack)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	report := &FetchReport{Remote: opts.Remote}
	branches := adv.Branches()
	if len(branches) == 0 {
		return report, nil
	}

	wants := make([]object.Hash, 0, len(branches))
	for _, b := range branches {
		wants = append(wants, b.Hash)
	}
	haves, err := r.localTips(opts.Remote)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	shallow, err := r.Shallow()
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	res, err := remote.Fetch(ctx, client, r.Store, adv, remote.FetchRequest{
		Wants:   wants,
		Haves:   haves,
		Shallow: shallow,
		Depth:   opts.Depth,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	report.Objects = res.Summary.Objects
	if err := r.updateShallow(res.Shallow, res.Unshallow); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	for _, b := range branches {
		tracking := trackingRef(opts.Remote, refs.ShortName(b.Name))
		old, err := r.resolveOptional(tracking)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		if old == b.Hash {
			continue
		}
		if err := r.Refs.Set(tracking, b.Hash, "fetch: "+rc.URL); err != nil && !isReflogOnly(err) {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		report.Updated = append(report.Updated, TrackingUpdate{Ref: tracking, Old: old, New: b.Hash})
	}
	log.WithFields(logrus.Fields{"updated": len(report.Updated), "objects": report.Objects}).Info("fetched")
	return report, nil
}

// localTips returns the commits of local branches and of the remote's
// tracking refs, for use as haves.
func (r *Repo) localTips(remoteName string) ([]object.Hash, error) {
	var tips []object.Hash
	for _, prefix := range []string{"refs/heads/", "refs/remotes/" + remoteName + "/"} {
		list, err := r.Refs.List(prefix)
		if err != nil {
			return nil, err
		}
		for _, ref := range list {
			if ref.IsSymbolic() || !r.Store.Has(ref.Target) {
				continue
			}
			tips = append(tips, ref.Target)
		}
	}
	return tips, nil
}

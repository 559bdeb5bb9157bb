package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/remote"
)

// ErrNonFastForward is returned when the remote branch is not an ancestor of
// the local one.
var ErrNonFastForward = fmt.Errorf("non-fast-forward update: %w", errs.ErrConflict)

// PushOptions describes a push of one branch.
type PushOptions struct {
	Remote string // defaults to "origin"
	// Ref is the local branch to push to the branch of the same name.
	// Empty means the current branch.
	Ref string
	// Force skips the fast-forward and remote-ahead checks.
	Force bool
	RemoteOptions
}

// Push sends a local branch to the remote. The value the remote is expected
// to hold is the remote-tracking ref from the last clone or fetch; if the
// remote moved since, Push fails with *remote.RemoteAheadError and sends
// nothing. Without a tracking ref, an existing remote branch must be an
// ancestor of the local one. The tracking ref moves only when the remote
// accepts the update.
func (r *Repo) Push(ctx context.Context, opts PushOptions) (*remote.PushReport, error) {
	ctx, done, err := r.lock(ctx, "Push")
	if err != nil {
		return nil, err
	}
	defer done()

	if opts.Remote == "" {
		opts.Remote = defaultRemote
	}
	branch := opts.Ref
	if branch == "" {
		if branch, err = r.CurrentBranch(); err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
		if branch == "" {
			return nil, fmt.Errorf("push: HEAD is detached; name a branch")
		}
	}
	localRef, err := branchRef(branch)
	if err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	tip, err := r.Refs.Resolve(localRef)
	if err != nil {
		return nil, fmt.Errorf("push %s: %w", branch, err)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("ref", localRef),
		attribute.String("remote", opts.Remote),
	)

	rc, err := r.remoteConfig(opts.Remote)
	if err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	log := r.log.WithFields(logrus.Fields{"op": "push", "remote": opts.Remote, "ref": localRef})
	client, err := opts.client(rc.URL, rc.CORSProxy, log)
	if err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	adv, err := client.Discover(ctx, remote.ServiceReceivePack)
	if err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}

	tracking := trackingRef(opts.Remote, branch)
	expected, err := r.expectedRemote(localRef, tracking, tip, adv, opts.Force)
	if err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}

	report, err := remote.Push(ctx, client, r.Store, adv, []remote.RefUpdate{
		{Ref: localRef, Expected: expected, New: tip},
	}, opts.Force)
	if err != nil {
		var ahead *remote.RemoteAheadError
		if errors.As(err, &ahead) {
			log.WithField("remote_tip", ahead.Actual.Short()).Warn("remote is ahead; fetch first")
		}
		return report, fmt.Errorf("push: %w", err)
	}

	if err := r.Refs.Set(tracking, tip, "push"); err != nil && !isReflogOnly(err) {
		return report, fmt.Errorf("push: update %s: %w", tracking, err)
	}
	log.WithField("commit", tip.Short()).Info("pushed")
	return report, nil
}

// expectedRemote decides what the remote branch must currently hold.
func (r *Repo) expectedRemote(localRef, tracking string, tip object.Hash, adv *remote.Advertisement, force bool) (object.Hash, error) {
	advertised, _ := adv.Lookup(localRef)
	if force {
		return advertised, nil
	}

	known, err := r.resolveOptional(tracking)
	if err != nil {
		return "", err
	}
	if known != "" {
		ok, err := r.isAncestor(known, tip)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%s %s is not an ancestor of %s: %w", tracking, known.Short(), tip.Short(), ErrNonFastForward)
		}
		return known, nil
	}

	if advertised.IsZero() {
		return "", nil
	}
	ok, err := r.isAncestor(advertised, tip)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("remote %s is at %s, not an ancestor of %s: %w", localRef, advertised.Short(), tip.Short(), ErrNonFastForward)
	}
	return advertised, nil
}

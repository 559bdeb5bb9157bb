package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/refs"
)

// CommitSigner signs the canonical commit payload and returns the armored
// signature stored in the gpgsig header.
type CommitSigner func(payload []byte) (string, error)

// CommitOptions describes a commit. A zero Author falls back to the
// configured user; a zero Committer falls back to Author.
type CommitOptions struct {
	Message    string
	Author     object.Ident
	Committer  object.Ident
	AllowEmpty bool
	Signer     CommitSigner
}

// Commit records the index as a new commit on the current branch: the tree
// is the parent's tree overlaid with the index, the sole parent is the
// branch's current target, and the branch moves by compare-and-swap. The
// index is cleared afterwards. An empty index fails with errs.ErrEmptyCommit
// unless AllowEmpty is set.
func (r *Repo) Commit(ctx context.Context, opts CommitOptions) (object.Hash, error) {
	ctx, done, err := r.lock(ctx, "Commit")
	if err != nil {
		return "", err
	}
	defer done()

	if strings.TrimSpace(opts.Message) == "" {
		return "", fmt.Errorf("commit: message is required")
	}
	stg, err := r.ReadStaging()
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	if len(stg.Entries) == 0 && !opts.AllowEmpty {
		return "", fmt.Errorf("commit: %w", errs.ErrEmptyCommit)
	}

	author, committer, err := r.commitIdents(opts)
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	head, err := r.Refs.Head()
	if err != nil {
		return "", fmt.Errorf("commit: read HEAD: %w", err)
	}
	target := refs.HEAD
	if head.IsSymbolic() {
		target = head.Symbolic
	}
	parent, err := r.resolveOptional(target)
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	var (
		parents  []object.Hash
		baseTree object.Hash
	)
	if parent != "" {
		pc, err := r.Store.ReadCommit(parent)
		if err != nil {
			return "", fmt.Errorf("commit: read parent %s: %w", parent, err)
		}
		parents = []object.Hash{parent}
		baseTree = pc.TreeHash
	}

	treeHash, err := r.BuildTree(baseTree, stg)
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	if parent != "" && treeHash == baseTree && !opts.AllowEmpty {
		return "", fmt.Errorf("commit: tree unchanged: %w", errs.ErrEmptyCommit)
	}

	msg := opts.Message
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	commitObj := &object.CommitObj{
		TreeHash:  treeHash,
		Parents:   parents,
		Author:    author,
		Committer: committer,
		Message:   msg,
	}
	if opts.Signer != nil {
		signature, err := opts.Signer(object.CommitSigningPayload(commitObj))
		if err != nil {
			return "", fmt.Errorf("commit: sign commit: %w", err)
		}
		commitObj.Signature = signature
	}

	commitHash, err := r.Store.WriteCommit(commitObj)
	if err != nil {
		return "", fmt.Errorf("commit: write commit: %w", err)
	}

	reason := "commit: " + firstLine(msg)
	if parent == "" {
		reason = "commit (initial): " + firstLine(msg)
	}
	if err := r.Refs.Update(target, parent, commitHash, reason); err != nil {
		if !isReflogOnly(err) {
			return "", fmt.Errorf("commit: update %s: %w", target, err)
		}
		r.log.WithError(err).Warn("commit recorded without reflog entry")
	}
	if err := r.clearStaging(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("commit", string(commitHash)))
	r.log.WithFields(logrus.Fields{
		"op":     "commit",
		"ref":    target,
		"commit": commitHash.Short(),
		"files":  len(stg.Entries),
	}).Info("committed")
	return commitHash, nil
}

func (r *Repo) commitIdents(opts CommitOptions) (object.Ident, object.Ident, error) {
	author := opts.Author
	if author.Name == "" || author.Email == "" {
		def, err := r.defaultIdent()
		if err != nil {
			return object.Ident{}, object.Ident{}, fmt.Errorf("author: %w", err)
		}
		if author.Name == "" {
			author.Name = def.Name
		}
		if author.Email == "" {
			author.Email = def.Email
		}
	}
	if author.When.IsZero() {
		author.When = r.opts.Now()
	}
	committer := opts.Committer
	if committer.Name == "" {
		committer = author
	}
	if committer.When.IsZero() {
		committer.When = author.When
	}
	return author, committer, nil
}

// resolveOptional resolves name, returning "" when it does not exist.
func (r *Repo) resolveOptional(name string) (object.Hash, error) {
	h, err := r.Refs.Resolve(name)
	if errors.Is(err, errs.ErrNotFound) {
		return "", nil
	}
	return h, err
}

// LogEntry is one commit returned by Log.
type LogEntry struct {
	Hash   object.Hash
	Commit *object.CommitObj
}

// Log walks first-parent history from start (a ref name or commit id;
// empty means HEAD) and returns up to limit commits, newest first. limit <=
// 0 means no limit. History stops at a shallow boundary.
func (r *Repo) Log(ctx context.Context, start string, limit int) ([]LogEntry, error) {
	_, span := tracer.Start(ctx, "repo.Log")
	defer span.End()

	if start == "" {
		start = refs.HEAD
	}
	current, err := r.resolveRevision(start)
	if err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}

	var out []LogEntry
	for current != "" && (limit <= 0 || len(out) < limit) {
		if !r.Store.Has(current) && len(out) > 0 {
			break
		}
		c, err := r.Store.ReadCommit(current)
		if err != nil {
			return nil, fmt.Errorf("log: read commit %s: %w", current, err)
		}
		out = append(out, LogEntry{Hash: current, Commit: c})
		if len(c.Parents) == 0 {
			break
		}
		current = c.Parents[0]
	}
	return out, nil
}

// resolveRevision accepts a ref name, a short branch name or a full id.
func (r *Repo) resolveRevision(rev string) (object.Hash, error) {
	h, err := r.Refs.Resolve(rev)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return "", err
	}
	if r.Format().Validate(object.Hash(rev)) == nil && r.Store.Has(object.Hash(rev)) {
		return object.Hash(rev), nil
	}
	return "", fmt.Errorf("unknown revision %q: %w", rev, errs.ErrNotFound)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// Package repo implements the porcelain operations of minigit: init, add,
// commit, branch, checkout, clone, fetch and push over a vfs.FS.
//
// Every operation holds the operation lock of its repository root for its
// whole duration, so two operations on the same root never interleave.
package repo

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/refs"
	"github.com/odvcencio/minigit/pkg/vfs"
)

// GitDirName is the metadata directory under a repository root.
const GitDirName = ".git"

const defaultBranch = "main"

var tracer = otel.Tracer("github.com/odvcencio/minigit/pkg/repo")

// Options configures how a repository is created or opened.
type Options struct {
	// Logger receives structured operation logs. Nil discards them.
	Logger logrus.FieldLogger
	// Format selects the object hash for Init. Open reads it from config.
	Format object.Format
	// DefaultBranch is the branch HEAD points at after Init. Defaults to
	// "main".
	DefaultBranch string
	// CacheSize bounds the object read cache. Zero uses
	// object.DefaultCacheSize; negative disables the cache.
	CacheSize int
	// Now stamps commits and reflog entries. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
	if o.Format == "" {
		o.Format = object.SHA1
	}
	if o.DefaultBranch == "" {
		o.DefaultBranch = defaultBranch
	}
	if o.CacheSize == 0 {
		o.CacheSize = object.DefaultCacheSize
	} else if o.CacheSize < 0 {
		o.CacheSize = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Repo is an opened repository.
type Repo struct {
	Root   string // working tree root
	GitDir string // <Root>/.git
	FS     vfs.FS
	Store  *object.Store
	Refs   *refs.Store

	opts Options
	log  logrus.FieldLogger
}

func newRepo(fsys vfs.FS, root string, format object.Format, opts Options) *Repo {
	gitDir := filepath.Join(root, GitDirName)
	r := &Repo{
		Root:   root,
		GitDir: gitDir,
		FS:     fsys,
		Store:  object.NewStore(fsys, gitDir, format, opts.CacheSize),
		opts:   opts,
		log:    opts.Logger.WithField("repo", root),
	}
	r.Refs = refs.NewStore(fsys, gitDir, format, r.reflogIdent)
	return r
}

// Open opens the repository rooted at root.
func Open(fsys vfs.FS, root string, opts Options) (*Repo, error) {
	opts = opts.withDefaults()
	root = filepath.Clean(root)
	gitDir := filepath.Join(root, GitDirName)
	info, err := fsys.Stat(gitDir)
	if err != nil || !info.Dir {
		return nil, fmt.Errorf("open %s: not a repository: %w", root, errs.ErrNotFound)
	}
	cfg, err := readConfig(fsys, gitDir)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", root, err)
	}
	format, err := object.ParseFormat(cfg.Core.ObjectFormat)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", root, err)
	}
	return newRepo(fsys, root, format, opts), nil
}

// Format returns the object format of the repository.
func (r *Repo) Format() object.Format {
	return r.Store.Format()
}

// lock takes the operation lock of the repository root and opens a span
// named after op. The returned function releases both.
func (r *Repo) lock(ctx context.Context, op string) (context.Context, func(), error) {
	release, err := acquireOpLock(ctx, r.FS, r.Root)
	if err != nil {
		return ctx, nil, fmt.Errorf("%s: %w", op, err)
	}
	ctx, span := tracer.Start(ctx, "repo."+op)
	return ctx, func() {
		span.End()
		release()
	}, nil
}

func (r *Repo) reflogIdent() object.Ident {
	id, err := r.defaultIdent()
	if err != nil {
		return object.Ident{Name: "minigit", Email: "minigit@localhost", When: r.opts.Now()}
	}
	return id
}

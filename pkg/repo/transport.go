package repo

import (
	"crypto/rand"
	"net/http"
	"time"

	"github.com/oklog/ulid"
	"github.com/sirupsen/logrus"

	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/remote"
)

const defaultRemote = "origin"

// RemoteOptions carries the per-call transport settings shared by Clone,
// Fetch and Push. Nothing here is persisted.
type RemoteOptions struct {
	Auth        remote.Auth
	CORSProxy   string
	Headers     map[string]string
	Timeout     time.Duration
	MaxAttempts int
	// HTTPTransport replaces the default HTTP round tripper.
	HTTPTransport http.RoundTripper
}

func (o RemoteOptions) client(url, storedProxy string, log logrus.FieldLogger) (*remote.Client, error) {
	proxy := o.CORSProxy
	if proxy == "" {
		proxy = storedProxy
	}
	return remote.NewClient(url, remote.ClientOptions{
		Timeout:     o.Timeout,
		MaxAttempts: o.MaxAttempts,
		Auth:        o.Auth,
		Headers:     o.Headers,
		CORSProxy:   proxy,
		Logger:      log,
		Transport:   o.HTTPTransport,
	})
}

func trackingRef(remoteName, branch string) string {
	return "refs/remotes/" + remoteName + "/" + branch
}

func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
}

// isAncestor reports whether ancestor is reachable from tip through commit
// parents stored locally. Commits past a shallow boundary are not searched.
func (r *Repo) isAncestor(ancestor, tip object.Hash) (bool, error) {
	if ancestor == tip {
		return true, nil
	}
	if !r.Store.Has(ancestor) {
		return false, nil
	}
	seen := map[object.Hash]struct{}{tip: {}}
	queue := []object.Hash{tip}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if !r.Store.Has(h) {
			continue
		}
		c, err := r.Store.ReadCommit(h)
		if err != nil {
			return false, err
		}
		for _, p := range c.Parents {
			if p == ancestor {
				return true, nil
			}
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}

package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/odvcencio/minigit/pkg/object"
)

// Fetch runs upload-pack for req and stores every received object. It never
// touches refs: callers point refs at the fetched ids only after Fetch
// returns, so a ref never names an object that is not stored.
//
// If every want is already present and no deepening is requested, no
// request is sent.
func Fetch(ctx context.Context, c *Client, store *object.Store, adv *Advertisement, req FetchRequest) (*FetchResult, error) {
	if adv.Format != store.Format() {
		return nil, fmt.Errorf("fetch: remote object format %s does not match repository format %s", adv.Format, store.Format())
	}
	req.Wants = uniqueHashes(req.Wants)
	req.Haves = uniqueHashes(req.Haves)
	if len(req.Wants) == 0 {
		return nil, fmt.Errorf("fetch: at least one want hash is required")
	}
	if req.Depth == 0 && allPresent(store, req.Wants) {
		return &FetchResult{Summary: &object.IngestSummary{}}, nil
	}

	res, err := c.UploadPack(ctx, adv, req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	summary, err := store.IngestPack(res.Pack)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	res.Summary = summary
	c.log.WithFields(logrus.Fields{
		"objects": summary.Objects,
		"written": summary.Written,
		"shallow": len(res.Shallow),
	}).Info("fetched pack")

	for _, h := range req.Wants {
		if !store.Has(h) {
			return nil, fmt.Errorf("fetch: remote did not send wanted object %s", h)
		}
	}
	return res, nil
}

// RefUpdate asks Push to move Ref on the remote from Expected to New. An
// empty Expected means the ref must not exist on the remote.
type RefUpdate struct {
	Ref      string
	Expected object.Hash
	New      object.Hash
}

// Push updates refs on the remote. Unless force is set, every update's
// Expected is compared with the advertised value first and a mismatch fails
// with *RemoteAheadError before anything is sent. The pack carries every
// object reachable from the new tips that is not reachable from a tip the
// remote advertises.
func Push(ctx context.Context, c *Client, store *object.Store, adv *Advertisement, updates []RefUpdate, force bool) (*PushReport, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("push: at least one ref update is required")
	}
	if adv.Format != store.Format() {
		return nil, fmt.Errorf("push: remote object format %s does not match repository format %s", adv.Format, store.Format())
	}

	var (
		cmds  []Command
		roots []object.Hash
		noop  []RefStatus
	)
	for _, u := range updates {
		actual, _ := adv.Lookup(u.Ref)
		if !force && !sameHash(actual, u.Expected) {
			return nil, &RemoteAheadError{Ref: u.Ref, Expected: u.Expected, Actual: actual}
		}
		if sameHash(actual, u.New) {
			noop = append(noop, RefStatus{Ref: u.Ref, OK: true, Reason: "up to date"})
			continue
		}
		cmds = append(cmds, Command{Ref: u.Ref, Old: actual, New: u.New})
		if !u.New.IsZero() {
			roots = append(roots, u.New)
		}
	}
	if len(cmds) == 0 {
		return &PushReport{UnpackOK: true, Refs: noop}, nil
	}

	var pack []byte
	if len(roots) > 0 {
		opts := object.PackOptions{OfsDelta: adv.Capabilities.Has(CapOfsDelta)}
		data, n, err := store.PackBytes(roots, adv.Tips(), opts)
		if err != nil {
			return nil, fmt.Errorf("push: build pack: %w", err)
		}
		pack = data
		c.log.WithField("objects", n).Info("sending pack")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}

	report, err := c.ReceivePack(ctx, adv, cmds, pack)
	if report != nil {
		report.Refs = append(report.Refs, noop...)
	}
	return report, err
}

func sameHash(a, b object.Hash) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() && b.IsZero()
	}
	return a == b
}

func allPresent(store *object.Store, hashes []object.Hash) bool {
	for _, h := range hashes {
		if !store.Has(h) {
			return false
		}
	}
	return true
}

func uniqueHashes(in []object.Hash) []object.Hash {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[object.Hash]struct{}, len(in))
	out := make([]object.Hash, 0, len(in))
	for _, h := range in {
		h = object.Hash(strings.TrimSpace(string(h)))
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

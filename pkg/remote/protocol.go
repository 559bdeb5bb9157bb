package remote

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/pktline"
)

// Service names a smart-HTTP service.
type Service string

const (
	ServiceUploadPack  Service = "git-upload-pack"
	ServiceReceivePack Service = "git-receive-pack"
)

// AdvertisementContentType is the response type of info/refs for s.
func (s Service) AdvertisementContentType() string {
	return "application/x-" + string(s) + "-advertisement"
}

// RequestContentType is the POST body type for s.
func (s Service) RequestContentType() string {
	return "application/x-" + string(s) + "-request"
}

// ResultContentType is the POST response type for s.
func (s Service) ResultContentType() string {
	return "application/x-" + string(s) + "-result"
}

// Capability names used by this client.
const (
	CapSideBand64k   = "side-band-64k"
	CapOfsDelta      = "ofs-delta"
	CapShallow       = "shallow"
	CapReportStatus  = "report-status"
	CapSymref        = "symref"
	CapObjectFormat  = "object-format"
	CapThinPack      = "thin-pack"
	capabilitiesName = "capabilities^{}"
)

// agent identifies this client in capability lists.
const agent = "agent=minigit/1"

// Capabilities is an ordered capability list as sent on the first ref line.
// Entries are either bare names or name=value pairs; a name may repeat
// (symref).
type Capabilities struct {
	entries []string
}

// ParseCapabilities parses a space-separated capability string.
func ParseCapabilities(raw string) Capabilities {
	var caps Capabilities
	for _, c := range strings.Fields(raw) {
		caps.entries = append(caps.entries, c)
	}
	return caps
}

// NewCapabilities builds a list from entries.
func NewCapabilities(entries ...string) Capabilities {
	return Capabilities{entries: append([]string(nil), entries...)}
}

// Has reports whether name is present, with or without a value.
func (c Capabilities) Has(name string) bool {
	for _, e := range c.entries {
		if e == name || strings.HasPrefix(e, name+"=") {
			return true
		}
	}
	return false
}

// Values returns every value of name=value entries.
func (c Capabilities) Values(name string) []string {
	var out []string
	for _, e := range c.entries {
		if v, ok := strings.CutPrefix(e, name+"="); ok {
			out = append(out, v)
		}
	}
	return out
}

// Value returns the first value of name.
func (c Capabilities) Value(name string) string {
	if v := c.Values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Symref returns the target of a symref=<src>:<dst> capability.
func (c Capabilities) Symref(src string) string {
	for _, v := range c.Values(CapSymref) {
		if s, dst, ok := strings.Cut(v, ":"); ok && s == src {
			return dst
		}
	}
	return ""
}

// Select returns the wanted capabilities the server supports, in the order
// given, followed by the client agent.
func (c Capabilities) Select(wanted ...string) Capabilities {
	var out Capabilities
	for _, w := range wanted {
		if c.Has(w) {
			out.entries = append(out.entries, w)
		}
	}
	out.entries = append(out.entries, agent)
	return out
}

// String returns the space-separated list.
func (c Capabilities) String() string {
	return strings.Join(c.entries, " ")
}

// AdvertisedRef is one ref line of an advertisement.
type AdvertisedRef struct {
	Name string
	Hash object.Hash
}

// Advertisement is the decoded response of GET info/refs.
type Advertisement struct {
	Service      Service
	Refs         []AdvertisedRef
	Peeled       map[string]object.Hash
	Capabilities Capabilities
	Format       object.Format
}

// Lookup returns the advertised value of a full ref name.
func (a *Advertisement) Lookup(name string) (object.Hash, bool) {
	for _, r := range a.Refs {
		if r.Name == name {
			return r.Hash, true
		}
	}
	return "", false
}

// HeadTarget returns the ref the remote HEAD points at. Without a symref
// capability it picks the branch whose value equals HEAD's, preferring
// refs/heads/main and refs/heads/master.
func (a *Advertisement) HeadTarget() string {
	if t := a.Capabilities.Symref("HEAD"); t != "" {
		return t
	}
	head, ok := a.Lookup("HEAD")
	if !ok {
		return ""
	}
	var candidates []string
	for _, r := range a.Refs {
		if strings.HasPrefix(r.Name, "refs/heads/") && r.Hash == head {
			candidates = append(candidates, r.Name)
		}
	}
	for _, pref := range []string{"refs/heads/main", "refs/heads/master"} {
		for _, c := range candidates {
			if c == pref {
				return c
			}
		}
	}
	if len(candidates) > 0 {
		sort.Strings(candidates)
		return candidates[0]
	}
	return ""
}

// Branches returns the advertised refs under refs/heads/.
func (a *Advertisement) Branches() []AdvertisedRef {
	var out []AdvertisedRef
	for _, r := range a.Refs {
		if strings.HasPrefix(r.Name, "refs/heads/") {
			out = append(out, r)
		}
	}
	return out
}

// Tips returns the distinct object ids the remote advertises.
func (a *Advertisement) Tips() []object.Hash {
	seen := make(map[object.Hash]bool)
	var out []object.Hash
	for _, r := range a.Refs {
		if !seen[r.Hash] {
			seen[r.Hash] = true
			out = append(out, r.Hash)
		}
	}
	return out
}

// ParseAdvertisement decodes an info/refs response body.
func ParseAdvertisement(r io.Reader, service Service) (*Advertisement, error) {
	pr := pktline.NewReader(r)
	adv := &Advertisement{Service: service, Peeled: map[string]object.Hash{}, Format: object.SHA1}

	first, err := pr.ReadPacket()
	if err != nil {
		return nil, fmt.Errorf("read advertisement: %w", err)
	}
	if first.Kind == pktline.Data && strings.HasPrefix(first.Line(), "# service=") {
		if got := Service(strings.TrimPrefix(first.Line(), "# service=")); got != service {
			return nil, fmt.Errorf("read advertisement: service %q, want %q", got, service)
		}
		if _, err := pr.ReadLines(); err != nil {
			return nil, fmt.Errorf("read advertisement: %w", err)
		}
		first, err = pr.ReadPacket()
		if err != nil {
			return nil, fmt.Errorf("read advertisement: %w", err)
		}
	}

	var lines []string
	for p := first; p.Kind == pktline.Data; {
		lines = append(lines, p.Line())
		if p, err = pr.ReadPacket(); err != nil {
			return nil, fmt.Errorf("read advertisement: %w", err)
		}
	}
	if len(lines) == 0 {
		return adv, nil
	}
	if msg, ok := strings.CutPrefix(lines[0], "ERR "); ok {
		return nil, &RemoteError{Message: msg}
	}

	head, caps, hasCaps := strings.Cut(lines[0], "\x00")
	if !hasCaps {
		return nil, fmt.Errorf("%w: first ref line carries no capabilities", pktline.ErrMalformed)
	}
	adv.Capabilities = ParseCapabilities(caps)
	if v := adv.Capabilities.Value(CapObjectFormat); v != "" {
		f, err := object.ParseFormat(v)
		if err != nil {
			return nil, fmt.Errorf("read advertisement: %w", err)
		}
		adv.Format = f
	}
	lines[0] = head

	for _, line := range lines {
		id, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("%w: bad ref line %q", pktline.ErrMalformed, line)
		}
		h := object.Hash(id)
		if err := adv.Format.Validate(h); err != nil {
			return nil, fmt.Errorf("%w: ref %q: %v", pktline.ErrMalformed, name, err)
		}
		switch {
		case name == capabilitiesName && h.IsZero():
			// Empty repository.
		case strings.HasSuffix(name, "^{}"):
			adv.Peeled[strings.TrimSuffix(name, "^{}")] = h
		default:
			adv.Refs = append(adv.Refs, AdvertisedRef{Name: name, Hash: h})
		}
	}
	return adv, nil
}

// WriteAdvertisement encodes adv as an info/refs response body.
func WriteAdvertisement(w io.Writer, adv *Advertisement) error {
	pw := pktline.NewWriter(w)
	if err := pw.Writef("# service=%s\n", adv.Service); err != nil {
		return err
	}
	if err := pw.Flush(); err != nil {
		return err
	}
	caps := adv.Capabilities.String()
	if len(adv.Refs) == 0 {
		f := adv.Format
		if f == "" {
			f = object.SHA1
		}
		if err := pw.Writef("%s %s\x00%s\n", f.ZeroHash(), capabilitiesName, caps); err != nil {
			return err
		}
		return pw.Flush()
	}
	for i, r := range adv.Refs {
		var err error
		if i == 0 {
			err = pw.Writef("%s %s\x00%s\n", r.Hash, r.Name, caps)
		} else {
			err = pw.Writef("%s %s\n", r.Hash, r.Name)
		}
		if err != nil {
			return err
		}
		if peeled, ok := adv.Peeled[r.Name]; ok {
			if err := pw.Writef("%s %s^{}\n", peeled, r.Name); err != nil {
				return err
			}
		}
	}
	return pw.Flush()
}

// RemoteError is an error message sent by the server in-band, either as an
// "ERR" packet or on side-band channel 3.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + strings.TrimSpace(e.Message)
}

// RemoteAheadError is returned by push when the remote's current value of a
// ref is not what the caller expected. Fetch and retry.
type RemoteAheadError struct {
	Ref      string
	Expected object.Hash
	Actual   object.Hash
}

func (e *RemoteAheadError) Error() string {
	show := func(h object.Hash) string {
		if h == "" || h.IsZero() {
			return "<none>"
		}
		return h.Short()
	}
	return fmt.Sprintf("push %s: remote is at %s, expected %s: %s",
		e.Ref, show(e.Actual), show(e.Expected), errs.ErrConflict)
}

func (e *RemoteAheadError) Is(target error) bool {
	return target == errs.ErrConflict
}

// RefStatus is the outcome of one pushed ref.
type RefStatus struct {
	Ref    string
	OK     bool
	Reason string
}

// PushReport is the decoded report-status of a push.
type PushReport struct {
	UnpackOK    bool
	UnpackError string
	Refs        []RefStatus
}

// Rejected returns the refs the remote refused.
func (r *PushReport) Rejected() []RefStatus {
	var out []RefStatus
	for _, s := range r.Refs {
		if !s.OK {
			out = append(out, s)
		}
	}
	return out
}

// RefRejectedError is returned when the remote refused the pack or at least
// one ref. Report lists every ref's status.
type RefRejectedError struct {
	Report *PushReport
}

func (e *RefRejectedError) Error() string {
	var parts []string
	if !e.Report.UnpackOK {
		parts = append(parts, "unpack failed: "+e.Report.UnpackError)
	}
	for _, s := range e.Report.Refs {
		if s.OK {
			parts = append(parts, s.Ref+" ok")
		} else {
			parts = append(parts, s.Ref+" rejected ("+s.Reason+")")
		}
	}
	return fmt.Sprintf("push rejected: %s: %s", strings.Join(parts, "; "), errs.ErrConflict)
}

func (e *RefRejectedError) Is(target error) bool {
	return target == errs.ErrConflict
}

// Package remotetest runs an in-process Git smart-HTTP server backed by an
// in-memory object store and ref store. It implements the parts of
// upload-pack and receive-pack that minigit's client speaks, plus knobs for
// authentication and failure injection.
package remotetest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/pktline"
	"github.com/odvcencio/minigit/pkg/refs"
	"github.com/odvcencio/minigit/pkg/remote"
	"github.com/odvcencio/minigit/pkg/vfs"
)

const gitDir = "/srv/repo.git"

// Options configures a Server.
type Options struct {
	Format        object.Format
	DefaultBranch string // default "main"
	Token         string // require "Authorization: Bearer <Token>"
	Username      string // require Basic auth when set
	Password      string
	ReadOnly      bool // receive-pack answers 403
	NoSideBand    bool // do not advertise side-band-64k
	NoShallow     bool // do not advertise shallow
	NoOfsDelta    bool // do not advertise ofs-delta; reject pushed deltas
	GzipResponses bool
}

// Server is a smart-HTTP Git server for tests.
type Server struct {
	*httptest.Server

	FS    vfs.FS
	Store *object.Store
	Refs  *refs.Store

	opts Options

	mu         sync.Mutex
	requests   []string
	failures   []int
	delay      time.Duration
	rejectRefs map[string]string
	deltas     int
	clock      int64
}

// New starts a server and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.Format == "" {
		opts.Format = object.SHA1
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	fsys := vfs.NewMem()
	s := &Server{
		FS:         fsys,
		Store:      object.NewStore(fsys, gitDir, opts.Format, 0),
		Refs:       refs.NewStore(fsys, gitDir, opts.Format, nil),
		opts:       opts,
		rejectRefs: map[string]string{},
		clock:      1700000000,
	}
	if err := s.Refs.SetSymbolic(refs.HEAD, "refs/heads/"+opts.DefaultBranch, "init"); err != nil {
		t.Fatalf("remotetest: init HEAD: %v", err)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

// RepoURL is the URL clients clone from.
func (s *Server) RepoURL() string {
	return s.URL + "/repo.git"
}

// Requests returns "METHOD path" for every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// CountRequests returns how many requests had a path ending in suffix.
func (s *Server) CountRequests(suffix string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.HasSuffix(r, suffix) {
			n++
		}
	}
	return n
}

// DeltasReceived returns how many OFS_DELTA entries pushed packs carried.
func (s *Server) DeltasReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deltas
}

// FailNext makes the next len(statuses) requests answer with the given
// statuses, in order.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// SetDelay makes every request sleep for d before being served.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// RejectRef makes receive-pack refuse updates of ref with reason.
func (s *Server) RejectRef(ref, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRefs[ref] = reason
}

// Commit writes files as a new commit on branch, parented on the branch's
// current tip, and returns its id. Paths may contain "/".
func (s *Server) Commit(t testing.TB, branch string, files map[string]string, message string) object.Hash {
	t.Helper()
	tree, err := s.writeTree(files)
	if err != nil {
		t.Fatalf("remotetest: write tree: %v", err)
	}
	ref := "refs/heads/" + branch
	parent, err := s.Refs.Resolve(ref)
	var parents []object.Hash
	if err == nil {
		parents = []object.Hash{parent}
	}

	s.mu.Lock()
	s.clock += 60
	when := time.Unix(s.clock, 0).UTC()
	s.mu.Unlock()
	who := object.Ident{Name: "Remote Tester", Email: "remote@example.com", When: when}
	h, err := s.Store.WriteCommit(&object.CommitObj{
		TreeHash:  tree,
		Parents:   parents,
		Author:    who,
		Committer: who,
		Message:   message + "\n",
	})
	if err != nil {
		t.Fatalf("remotetest: write commit: %v", err)
	}
	if err := s.Refs.Update(ref, parent, h, "commit: "+message); err != nil {
		t.Fatalf("remotetest: update %s: %v", ref, err)
	}
	return h
}

// Head returns the id of refs/heads/<branch>, or "" when absent.
func (s *Server) Head(branch string) object.Hash {
	h, err := s.Refs.Resolve("refs/heads/" + branch)
	if err != nil {
		return ""
	}
	return h
}

func (s *Server) writeTree(files map[string]string) (object.Hash, error) {
	entries := map[string]object.TreeEntry{}
	subdirs := map[string]map[string]string{}
	for p, content := range files {
		dir, rest, nested := strings.Cut(p, "/")
		if nested {
			if subdirs[dir] == nil {
				subdirs[dir] = map[string]string{}
			}
			subdirs[dir][rest] = content
			continue
		}
		h, err := s.Store.Write(object.TypeBlob, []byte(content))
		if err != nil {
			return "", err
		}
		entries[p] = object.TreeEntry{Name: p, Mode: object.TreeModeFile, Hash: h}
	}
	for dir, sub := range subdirs {
		h, err := s.writeTree(sub)
		if err != nil {
			return "", err
		}
		entries[dir] = object.TreeEntry{Name: dir, Mode: object.TreeModeDir, Hash: h}
	}
	tr := &object.TreeObj{}
	for _, e := range entries {
		tr.Entries = append(tr.Entries, e)
	}
	return s.Store.WriteTree(tr)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	delay := s.delay
	var fail int
	if len(s.failures) > 0 {
		fail, s.failures = s.failures[0], s.failures[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail != 0 {
		http.Error(w, http.StatusText(fail), fail)
		return
	}
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="remotetest"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/info/refs"):
		s.serveInfoRefs(w, r)
	case r.Method == http.MethodPost && path.Base(r.URL.Path) == string(remote.ServiceUploadPack):
		s.serveUploadPack(w, r)
	case r.Method == http.MethodPost && path.Base(r.URL.Path) == string(remote.ServiceReceivePack):
		if s.opts.ReadOnly {
			http.Error(w, "push not allowed", http.StatusForbidden)
			return
		}
		s.serveReceivePack(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	got := r.Header.Get("Authorization")
	switch {
	case s.opts.Token != "":
		return got == "Bearer "+s.opts.Token
	case s.opts.Username != "":
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte(s.opts.Username+":"+s.opts.Password))
		return got == want
	default:
		return true
	}
}

func (s *Server) capabilities(service remote.Service) remote.Capabilities {
	var caps []string
	if !s.opts.NoSideBand {
		caps = append(caps, remote.CapSideBand64k)
	}
	if !s.opts.NoOfsDelta {
		caps = append(caps, remote.CapOfsDelta)
	}
	if service == remote.ServiceUploadPack {
		caps = append(caps, remote.CapThinPack)
		if !s.opts.NoShallow {
			caps = append(caps, remote.CapShallow)
		}
		if head, err := s.Refs.Head(); err == nil && head.IsSymbolic() {
			caps = append(caps, remote.CapSymref+"=HEAD:"+head.Symbolic)
		}
	} else {
		caps = append(caps, remote.CapReportStatus, "delete-refs")
	}
	caps = append(caps, remote.CapObjectFormat+"="+string(s.opts.Format), "agent=remotetest/1")
	return remote.NewCapabilities(caps...)
}

func (s *Server) advertisement(service remote.Service) (*remote.Advertisement, error) {
	adv := &remote.Advertisement{
		Service:      service,
		Peeled:       map[string]object.Hash{},
		Capabilities: s.capabilities(service),
		Format:       s.opts.Format,
	}
	if service == remote.ServiceUploadPack {
		if h, err := s.Refs.Resolve(refs.HEAD); err == nil {
			adv.Refs = append(adv.Refs, remote.AdvertisedRef{Name: refs.HEAD, Hash: h})
		}
	}
	list, err := s.Refs.List("refs/")
	if err != nil {
		return nil, err
	}
	for _, ref := range list {
		if ref.IsSymbolic() {
			continue
		}
		adv.Refs = append(adv.Refs, remote.AdvertisedRef{Name: ref.Name, Hash: ref.Target})
		if strings.HasPrefix(ref.Name, "refs/tags/") {
			if tag, err := s.Store.ReadTag(ref.Target); err == nil {
				adv.Peeled[ref.Name] = tag.Object
			}
		}
	}
	return adv, nil
}

func (s *Server) serveInfoRefs(w http.ResponseWriter, r *http.Request) {
	service := remote.Service(r.URL.Query().Get("service"))
	if service != remote.ServiceUploadPack && service != remote.ServiceReceivePack {
		http.Error(w, "dumb HTTP is not supported", http.StatusForbidden)
		return
	}
	if service == remote.ServiceReceivePack && s.opts.ReadOnly {
		http.Error(w, "push not allowed", http.StatusForbidden)
		return
	}
	adv, err := s.advertisement(service)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := remote.WriteAdvertisement(&buf, adv); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	s.respond(w, service.AdvertisementContentType(), buf.Bytes())
}

func (s *Server) respond(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	if s.opts.GzipResponses {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write(body)
		_ = zw.Close()
		return
	}
	_, _ = w.Write(body)
}

func readRequestBody(r *http.Request) ([]byte, error) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		body = zr
	}
	return io.ReadAll(body)
}

type uploadRequest struct {
	wants   []object.Hash
	haves   []object.Hash
	shallow []object.Hash
	depth   int
	caps    remote.Capabilities
}

func parseUploadRequest(body []byte) (*uploadRequest, error) {
	pr := pktline.NewReader(bytes.NewReader(body))
	req := &uploadRequest{}
	lines, err := pr.ReadLines()
	if err != nil {
		return nil, err
	}
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "want "):
			fields := strings.SplitN(strings.TrimPrefix(line, "want "), " ", 2)
			req.wants = append(req.wants, object.Hash(fields[0]))
			if i == 0 && len(fields) == 2 {
				req.caps = remote.ParseCapabilities(fields[1])
			}
		case strings.HasPrefix(line, "shallow "):
			req.shallow = append(req.shallow, object.Hash(strings.TrimPrefix(line, "shallow ")))
		case strings.HasPrefix(line, "deepen "):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "deepen "))
			if err != nil {
				return nil, fmt.Errorf("bad deepen %q", line)
			}
			req.depth = n
		default:
			return nil, fmt.Errorf("unexpected line %q", line)
		}
	}
	for {
		p, err := pr.ReadPacket()
		if err != nil {
			return nil, err
		}
		line := p.Line()
		if line == "done" {
			return req, nil
		}
		if h, ok := strings.CutPrefix(line, "have "); ok {
			req.haves = append(req.haves, object.Hash(h))
		}
	}
}

func (s *Server) serveUploadPack(w http.ResponseWriter, r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := parseUploadRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var out bytes.Buffer
	pw := pktline.NewWriter(&out)
	for _, h := range req.wants {
		if !s.Store.Has(h) {
			_ = pw.Writef("ERR upload-pack: not our ref %s\n", h)
			s.respond(w, remote.ServiceUploadPack.ResultContentType(), out.Bytes())
			return
		}
	}

	objs, boundary, err := s.collect(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req.depth > 0 {
		for _, h := range boundary {
			_ = pw.Writef("shallow %s\n", h)
		}
		_ = pw.Flush()
	}
	common := ""
	for _, h := range req.haves {
		if s.Store.Has(h) {
			common = string(h)
			break
		}
	}
	if common != "" {
		_ = pw.Writef("ACK %s\n", common)
	} else {
		_ = pw.WriteString("NAK\n")
	}

	var pack bytes.Buffer
	packOpts := object.PackOptions{OfsDelta: req.caps.Has(remote.CapOfsDelta) && !s.opts.NoOfsDelta}
	if _, err := object.EncodePackWith(&pack, s.opts.Format, objs, packOpts); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req.caps.Has(remote.CapSideBand64k) {
		sw := remote.NewSidebandWriter(pw)
		_ = sw.WriteProgress(fmt.Sprintf("Enumerating objects: %d, done.\n", len(objs)))
		_ = sw.WriteData(pack.Bytes())
		_ = pw.Flush()
	} else {
		out.Write(pack.Bytes())
	}
	s.respond(w, remote.ServiceUploadPack.ResultContentType(), out.Bytes())
}

// collect returns the objects to send and, for deepened requests, the
// commits whose parents are not sent.
func (s *Server) collect(req *uploadRequest) ([]object.PackObject, []object.Hash, error) {
	if req.depth <= 0 {
		objs, err := s.Store.CollectObjects(req.wants, req.haves)
		return objs, nil, err
	}

	stop, err := s.Store.ReachableSet(req.haves)
	if err != nil {
		return nil, nil, err
	}
	var (
		commits  []object.PackObject
		trees    []object.Hash
		boundary []object.Hash
		seen     = map[object.Hash]bool{}
		frontier = append([]object.Hash(nil), req.wants...)
	)
	for level := 1; level <= req.depth && len(frontier) > 0; level++ {
		var next []object.Hash
		for _, h := range frontier {
			if seen[h] {
				continue
			}
			seen[h] = true
			_, raw, err := s.Store.Read(h)
			if err != nil {
				return nil, nil, err
			}
			c, err := object.UnmarshalCommit(raw)
			if err != nil {
				return nil, nil, err
			}
			if _, known := stop[h]; !known {
				commits = append(commits, object.PackObject{Hash: h, Type: object.TypeCommit, Data: raw})
				trees = append(trees, c.TreeHash)
			}
			if level == req.depth && len(c.Parents) > 0 {
				boundary = append(boundary, h)
				continue
			}
			next = append(next, c.Parents...)
		}
		frontier = next
	}

	var haveTrees []object.Hash
	for h := range stop {
		if c, err := s.Store.ReadCommit(h); err == nil {
			haveTrees = append(haveTrees, c.TreeHash)
		}
	}
	rest, err := s.Store.CollectObjects(trees, haveTrees)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(boundary, func(i, j int) bool { return boundary[i] < boundary[j] })
	return append(commits, rest...), boundary, nil
}

func (s *Server) serveReceivePack(w http.ResponseWriter, r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pr := pktline.NewReader(bytes.NewReader(body))
	lines, err := pr.ReadLines()
	if err != nil || len(lines) == 0 {
		http.Error(w, "bad receive-pack request", http.StatusBadRequest)
		return
	}

	type command struct{ old, next, ref string }
	var (
		cmds []command
		caps remote.Capabilities
	)
	for i, line := range lines {
		if i == 0 {
			var c string
			line, c, _ = strings.Cut(line, "\x00")
			caps = remote.ParseCapabilities(c)
		}
		f := strings.Fields(line)
		if len(f) != 3 {
			http.Error(w, "bad command "+line, http.StatusBadRequest)
			return
		}
		cmds = append(cmds, command{old: f[0], next: f[1], ref: f[2]})
	}
	pack, _ := io.ReadAll(pr.Buffered())

	var report []string
	unpack := "ok"
	if len(pack) > 0 {
		unpack = s.unpack(pack, caps)
	}
	report = append(report, "unpack "+unpack)
	for _, c := range cmds {
		report = append(report, s.applyCommand(c.ref, object.Hash(c.old), object.Hash(c.next), unpack == "ok"))
	}

	var out bytes.Buffer
	pw := pktline.NewWriter(&out)
	if caps.Has(remote.CapReportStatus) {
		var inner bytes.Buffer
		ipw := pktline.NewWriter(&inner)
		for _, line := range report {
			_ = ipw.WriteString(line + "\n")
		}
		_ = ipw.Flush()
		if caps.Has(remote.CapSideBand64k) {
			sw := remote.NewSidebandWriter(pw)
			_ = sw.WriteData(inner.Bytes())
			_ = pw.Flush()
		} else {
			out.Write(inner.Bytes())
		}
	}
	s.respond(w, remote.ServiceReceivePack.ResultContentType(), out.Bytes())
}

func (s *Server) unpack(pack []byte, caps remote.Capabilities) string {
	pf, err := object.ReadPack(s.opts.Format, pack)
	if err != nil {
		return err.Error()
	}
	deltas := 0
	for _, e := range pf.Entries {
		if e.Type == object.PackOfsDelta {
			deltas++
		}
	}
	if deltas > 0 && (s.opts.NoOfsDelta || !caps.Has(remote.CapOfsDelta)) {
		return "ofs-delta was not negotiated"
	}
	if _, err := s.Store.IngestPack(pack); err != nil {
		return err.Error()
	}
	s.mu.Lock()
	s.deltas += deltas
	s.mu.Unlock()
	return "ok"
}

func (s *Server) applyCommand(ref string, old, next object.Hash, unpacked bool) string {
	if !unpacked {
		return "ng " + ref + " unpacker error"
	}
	s.mu.Lock()
	reason, rejected := s.rejectRefs[ref]
	s.mu.Unlock()
	if rejected {
		return "ng " + ref + " " + reason
	}

	expected := old
	if old.IsZero() {
		expected = ""
	}
	var err error
	switch {
	case next.IsZero():
		err = s.Refs.Delete(ref, expected)
	case !s.Store.Has(next):
		return "ng " + ref + " missing necessary objects"
	default:
		err = s.Refs.Update(ref, expected, next, "push")
	}
	if err != nil {
		return "ng " + ref + " fetch first"
	}
	return "ok " + ref
}

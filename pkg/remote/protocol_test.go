package remote

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
)

const (
	idA = object.Hash("1111111111111111111111111111111111111111")
	idB = object.Hash("2222222222222222222222222222222222222222")
	idC = object.Hash("3333333333333333333333333333333333333333")
)

func pkt(s string) string {
	return fmt.Sprintf("%04x%s", len(s)+4, s)
}

func TestAdvertisementRoundTrip(t *testing.T) {
	adv := &Advertisement{
		Service: ServiceUploadPack,
		Refs: []AdvertisedRef{
			{Name: "HEAD", Hash: idA},
			{Name: "refs/heads/main", Hash: idA},
			{Name: "refs/heads/dev", Hash: idB},
			{Name: "refs/tags/v1", Hash: idC},
		},
		Peeled:       map[string]object.Hash{"refs/tags/v1": idB},
		Capabilities: NewCapabilities("side-band-64k", "ofs-delta", "symref=HEAD:refs/heads/main", "agent=git/2.45"),
		Format:       object.SHA1,
	}
	var buf bytes.Buffer
	if err := WriteAdvertisement(&buf, adv); err != nil {
		t.Fatalf("WriteAdvertisement: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "001e# service=git-upload-pack\n0000") {
		t.Fatalf("missing service banner: %q", buf.String()[:40])
	}

	got, err := ParseAdvertisement(&buf, ServiceUploadPack)
	if err != nil {
		t.Fatalf("ParseAdvertisement: %v", err)
	}
	if len(got.Refs) != 4 {
		t.Fatalf("refs = %+v", got.Refs)
	}
	if h, ok := got.Lookup("refs/heads/dev"); !ok || h != idB {
		t.Fatalf("Lookup(dev) = %s, %v", h, ok)
	}
	if got.Peeled["refs/tags/v1"] != idB {
		t.Fatalf("peeled = %v", got.Peeled)
	}
	if got.HeadTarget() != "refs/heads/main" {
		t.Fatalf("HeadTarget = %q", got.HeadTarget())
	}
	if !got.Capabilities.Has(CapSideBand64k) || got.Capabilities.Value("agent") != "git/2.45" {
		t.Fatalf("capabilities = %s", got.Capabilities)
	}
	if len(got.Branches()) != 2 {
		t.Fatalf("branches = %+v", got.Branches())
	}
	if len(got.Tips()) != 3 {
		t.Fatalf("tips = %v", got.Tips())
	}
}

func TestParseAdvertisementEmptyRepository(t *testing.T) {
	var buf bytes.Buffer
	err := WriteAdvertisement(&buf, &Advertisement{
		Service:      ServiceReceivePack,
		Capabilities: NewCapabilities("report-status", "object-format=sha256"),
		Format:       object.SHA256,
	})
	if err != nil {
		t.Fatalf("WriteAdvertisement: %v", err)
	}
	adv, err := ParseAdvertisement(&buf, ServiceReceivePack)
	if err != nil {
		t.Fatalf("ParseAdvertisement: %v", err)
	}
	if len(adv.Refs) != 0 {
		t.Fatalf("refs = %+v", adv.Refs)
	}
	if adv.Format != object.SHA256 {
		t.Fatalf("format = %s", adv.Format)
	}
	if !adv.Capabilities.Has(CapReportStatus) {
		t.Fatalf("capabilities = %s", adv.Capabilities)
	}
}

func TestHeadTargetWithoutSymref(t *testing.T) {
	adv := &Advertisement{Refs: []AdvertisedRef{
		{Name: "HEAD", Hash: idA},
		{Name: "refs/heads/feature", Hash: idA},
		{Name: "refs/heads/master", Hash: idA},
		{Name: "refs/heads/other", Hash: idB},
	}}
	if got := adv.HeadTarget(); got != "refs/heads/master" {
		t.Fatalf("HeadTarget = %q", got)
	}
}

func TestParseAdvertisementErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		corrupt bool
	}{
		{"wrong service", pkt("# service=git-receive-pack\n") + "0000", false},
		{"bad framing", "zzzz", true},
		{"no capabilities", pkt(string(idA)+" refs/heads/main\n") + "0000", true},
		{"bad id", pkt("xyz"+strings.Repeat("0", 37)+" refs/heads/main\x00agent=x\n") + "0000", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseAdvertisement(strings.NewReader(tc.body), ServiceUploadPack)
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.corrupt && !errors.Is(err, errs.ErrCorruptPack) {
				t.Fatalf("got %v, want a framing error", err)
			}
		})
	}

	_, err := ParseAdvertisement(strings.NewReader(pkt("ERR access denied\n")+"0000"), ServiceUploadPack)
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "access denied" {
		t.Fatalf("ERR line: got %v", err)
	}
}

func TestCapabilitiesSelect(t *testing.T) {
	server := ParseCapabilities("multi_ack side-band-64k ofs-delta shallow symref=HEAD:refs/heads/main agent=git/2")
	got := server.Select(CapSideBand64k, CapThinPack, CapShallow)
	if got.String() != "side-band-64k shallow "+agent {
		t.Fatalf("Select = %q", got.String())
	}
	if server.Symref("HEAD") != "refs/heads/main" || server.Symref("refs/x") != "" {
		t.Fatalf("Symref lookup wrong")
	}
}

func TestParseReport(t *testing.T) {
	report, err := parseReport([]string{"unpack ok", "ok refs/heads/main", "ng refs/heads/dev non-fast-forward"})
	if err != nil {
		t.Fatalf("parseReport: %v", err)
	}
	if !report.UnpackOK || len(report.Refs) != 2 {
		t.Fatalf("report = %+v", report)
	}
	rejected := report.Rejected()
	if len(rejected) != 1 || rejected[0].Ref != "refs/heads/dev" || rejected[0].Reason != "non-fast-forward" {
		t.Fatalf("rejected = %+v", rejected)
	}

	rerr := &RefRejectedError{Report: report}
	if !errors.Is(rerr, errs.ErrConflict) {
		t.Fatal("RefRejectedError should classify as Conflict")
	}
	if !strings.Contains(rerr.Error(), "refs/heads/main ok") || !strings.Contains(rerr.Error(), "refs/heads/dev rejected (non-fast-forward)") {
		t.Fatalf("error text = %q", rerr.Error())
	}

	if _, err := parseReport([]string{"ok refs/heads/main"}); !errors.Is(err, errs.ErrCorruptPack) {
		t.Fatalf("missing unpack line: got %v", err)
	}
	failed, err := parseReport([]string{"unpack index-pack failed", "ng refs/heads/main unpacker error"})
	if err != nil || failed.UnpackOK || failed.UnpackError != "index-pack failed" {
		t.Fatalf("unpack failure = %+v, %v", failed, err)
	}
}

func TestRemoteAheadError(t *testing.T) {
	err := &RemoteAheadError{Ref: "refs/heads/main", Expected: idA, Actual: idB}
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatal("RemoteAheadError should classify as Conflict")
	}
	if !strings.Contains(err.Error(), "remote is at 2222222") {
		t.Fatalf("error text = %q", err.Error())
	}
}

package remote

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/pktline"
)

// Command is one ref update sent to receive-pack. A zero Old creates the
// ref; a zero New deletes it.
type Command struct {
	Ref string
	Old object.Hash
	New object.Hash
}

func (c Command) isDelete() bool { return c.New.IsZero() }

// ReceivePack sends cmds followed by pack and returns the per-ref report.
// adv must come from Discover(ctx, ServiceReceivePack). If the remote
// refuses the pack or any ref, the report is returned together with a
// *RefRejectedError.
func (c *Client) ReceivePack(ctx context.Context, adv *Advertisement, cmds []Command, pack []byte) (*PushReport, error) {
	ctx, span := tracer.Start(ctx, "remote.ReceivePack", trace.WithAttributes(
		attribute.Int("commands", len(cmds)),
		attribute.Int("pack.bytes", len(pack)),
	))
	defer span.End()

	if len(cmds) == 0 {
		return nil, fmt.Errorf("receive-pack: at least one command is required")
	}
	caps := adv.Capabilities.Select(CapReportStatus, CapSideBand64k, CapOfsDelta)
	if adv.Format != "" && adv.Format != object.SHA1 {
		caps.entries = append(caps.entries, CapObjectFormat+"="+string(adv.Format))
	}

	var buf bytes.Buffer
	pw := pktline.NewWriter(&buf)
	allDeletes := true
	for i, cmd := range cmds {
		old, next := cmd.Old, cmd.New
		if old == "" {
			old = adv.Format.ZeroHash()
		}
		if next == "" {
			next = adv.Format.ZeroHash()
		}
		line := fmt.Sprintf("%s %s %s", old, next, cmd.Ref)
		if i == 0 {
			line += "\x00" + caps.String()
		}
		if err := pw.WriteString(line + "\n"); err != nil {
			return nil, fmt.Errorf("receive-pack: %w", err)
		}
		if !cmd.isDelete() {
			allDeletes = false
		}
	}
	if err := pw.Flush(); err != nil {
		return nil, err
	}
	if !allDeletes {
		buf.Write(pack)
	}

	req, err := c.newRequest(ctx, http.MethodPost, string(ServiceReceivePack), buf.Bytes())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ServiceReceivePack.RequestContentType())
	req.Header.Set("Accept", ServiceReceivePack.ResultContentType())

	body, err := c.do(req, responseLimitReport, ServiceReceivePack.ResultContentType())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("receive-pack: %w", err)
	}

	report, err := c.decodeReport(body, cmds, caps)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("receive-pack: %w", err)
	}
	if !report.UnpackOK || len(report.Rejected()) > 0 {
		err := &RefRejectedError{Report: report}
		span.RecordError(err)
		return report, err
	}
	return report, nil
}

func (c *Client) decodeReport(body []byte, cmds []Command, caps Capabilities) (*PushReport, error) {
	if !caps.Has(CapReportStatus) {
		report := &PushReport{UnpackOK: true}
		for _, cmd := range cmds {
			report.Refs = append(report.Refs, RefStatus{Ref: cmd.Ref, OK: true})
		}
		return report, nil
	}

	pr := pktline.NewReader(bytes.NewReader(body))
	if caps.Has(CapSideBand64k) {
		var inner bytes.Buffer
		sr := NewSidebandReader(pr, func(msg string) {
			c.log.WithField("progress", strings.TrimSpace(msg)).Debug("remote")
		})
		if _, err := inner.ReadFrom(sr); err != nil {
			return nil, fmt.Errorf("read report: %w", err)
		}
		pr = pktline.NewReader(&inner)
	}
	lines, err := pr.ReadLines()
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	return parseReport(lines)
}

func parseReport(lines []string) (*PushReport, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty report-status", pktline.ErrMalformed)
	}
	report := &PushReport{}
	status, ok := strings.CutPrefix(lines[0], "unpack ")
	if !ok {
		return nil, fmt.Errorf("%w: report-status starts with %q", pktline.ErrMalformed, lines[0])
	}
	report.UnpackOK = status == "ok"
	if !report.UnpackOK {
		report.UnpackError = status
	}
	for _, line := range lines[1:] {
		switch {
		case strings.HasPrefix(line, "ok "):
			report.Refs = append(report.Refs, RefStatus{Ref: strings.TrimPrefix(line, "ok "), OK: true})
		case strings.HasPrefix(line, "ng "):
			ref, reason, _ := strings.Cut(strings.TrimPrefix(line, "ng "), " ")
			report.Refs = append(report.Refs, RefStatus{Ref: ref, Reason: reason})
		default:
			return nil, fmt.Errorf("%w: bad report line %q", pktline.ErrMalformed, line)
		}
	}
	return report, nil
}

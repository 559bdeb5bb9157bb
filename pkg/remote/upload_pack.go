package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/pktline"
)

// gzipRequestThreshold is the request body size above which upload-pack
// requests are sent gzip-encoded.
const gzipRequestThreshold = 64 << 10

// Discover fetches the ref advertisement of service.
func (c *Client) Discover(ctx context.Context, service Service) (*Advertisement, error) {
	ctx, span := tracer.Start(ctx, "remote.Discover", trace.WithAttributes(
		attribute.String("service", string(service)),
	))
	defer span.End()

	body, err := c.getWithRetry(ctx, "info/refs?service="+string(service), responseLimitAdvert, service.AdvertisementContentType())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	adv, err := ParseAdvertisement(bytes.NewReader(body), service)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	span.SetAttributes(attribute.Int("refs", len(adv.Refs)))
	c.log.WithFields(logrus.Fields{"service": service, "refs": len(adv.Refs)}).Debug("discovered refs")
	return adv, nil
}

// FetchRequest is one upload-pack negotiation. A clone sends no Haves.
// Shallow lists the commits the client already holds without parents.
type FetchRequest struct {
	Wants   []object.Hash
	Haves   []object.Hash
	Shallow []object.Hash
	Depth   int
}

// FetchResult is the decoded upload-pack response.
type FetchResult struct {
	Pack      []byte
	Shallow   []object.Hash
	Unshallow []object.Hash
	Acked     []object.Hash
	Summary   *object.IngestSummary
}

// UploadPack negotiates with the remote and returns the raw pack it sends.
// adv must come from Discover(ctx, ServiceUploadPack).
func (c *Client) UploadPack(ctx context.Context, adv *Advertisement, req FetchRequest) (*FetchResult, error) {
	ctx, span := tracer.Start(ctx, "remote.UploadPack", trace.WithAttributes(
		attribute.Int("wants", len(req.Wants)),
		attribute.Int("haves", len(req.Haves)),
		attribute.Int("depth", req.Depth),
	))
	defer span.End()

	body, caps, err := encodeUploadRequest(adv, req)
	if err != nil {
		return nil, err
	}
	gzipped := false
	if len(body) > gzipRequestThreshold {
		if body, err = compressGzip(body); err != nil {
			return nil, fmt.Errorf("upload-pack: compress request: %w", err)
		}
		gzipped = true
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, string(ServiceUploadPack), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", ServiceUploadPack.RequestContentType())
	httpReq.Header.Set("Accept", ServiceUploadPack.ResultContentType())
	if gzipped {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.do(httpReq, responseLimitPack, ServiceUploadPack.ResultContentType())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("upload-pack: %w", err)
	}

	res, err := c.decodeUploadResult(resp, req, caps)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("upload-pack: %w", err)
	}
	span.SetAttributes(attribute.Int("pack.bytes", len(res.Pack)))
	return res, nil
}

func encodeUploadRequest(adv *Advertisement, req FetchRequest) ([]byte, Capabilities, error) {
	if len(req.Wants) == 0 {
		return nil, Capabilities{}, fmt.Errorf("upload-pack: at least one want is required")
	}
	wanted := []string{CapSideBand64k, CapOfsDelta}
	if len(req.Haves) > 0 {
		wanted = append(wanted, CapThinPack)
	}
	if req.Depth > 0 || len(req.Shallow) > 0 {
		if !adv.Capabilities.Has(CapShallow) {
			return nil, Capabilities{}, fmt.Errorf("upload-pack: remote does not support shallow fetches")
		}
		wanted = append(wanted, CapShallow)
	}
	caps := adv.Capabilities.Select(wanted...)

	var buf bytes.Buffer
	pw := pktline.NewWriter(&buf)
	for i, h := range req.Wants {
		if err := adv.Format.Validate(h); err != nil {
			return nil, caps, fmt.Errorf("upload-pack: want: %w", err)
		}
		line := "want " + string(h)
		if i == 0 {
			line += " " + caps.String()
		}
		if err := pw.WriteString(line + "\n"); err != nil {
			return nil, caps, err
		}
	}
	for _, h := range req.Shallow {
		if err := pw.Writef("shallow %s\n", h); err != nil {
			return nil, caps, err
		}
	}
	if req.Depth > 0 {
		if err := pw.Writef("deepen %d\n", req.Depth); err != nil {
			return nil, caps, err
		}
	}
	if err := pw.Flush(); err != nil {
		return nil, caps, err
	}
	for _, h := range req.Haves {
		if err := pw.Writef("have %s\n", h); err != nil {
			return nil, caps, err
		}
	}
	if err := pw.WriteString("done\n"); err != nil {
		return nil, caps, err
	}
	return buf.Bytes(), caps, nil
}

func (c *Client) decodeUploadResult(body []byte, req FetchRequest, caps Capabilities) (*FetchResult, error) {
	pr := pktline.NewReader(bytes.NewReader(body))
	res := &FetchResult{}

	// v0 servers send shallow-info only in reply to a deepen request.
	if req.Depth > 0 {
		lines, err := pr.ReadLines()
		if err != nil {
			return nil, fmt.Errorf("read shallow section: %w", err)
		}
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "shallow "):
				res.Shallow = append(res.Shallow, object.Hash(strings.TrimPrefix(line, "shallow ")))
			case strings.HasPrefix(line, "unshallow "):
				res.Unshallow = append(res.Unshallow, object.Hash(strings.TrimPrefix(line, "unshallow ")))
			case strings.HasPrefix(line, "ERR "):
				return nil, &RemoteError{Message: strings.TrimPrefix(line, "ERR ")}
			default:
				return nil, fmt.Errorf("%w: unexpected line %q in shallow section", pktline.ErrMalformed, line)
			}
		}
	}

	pkt, err := pr.ReadPacket()
	if err != nil {
		return nil, fmt.Errorf("read acknowledgement: %w", err)
	}
	line := pkt.Line()
	switch {
	case pkt.Kind != pktline.Data:
		return nil, fmt.Errorf("%w: expected ACK or NAK, got %s", pktline.ErrMalformed, pkt.Kind)
	case line == "NAK":
	case strings.HasPrefix(line, "ACK "):
		id, _, _ := strings.Cut(strings.TrimPrefix(line, "ACK "), " ")
		res.Acked = append(res.Acked, object.Hash(id))
	case strings.HasPrefix(line, "ERR "):
		return nil, &RemoteError{Message: strings.TrimPrefix(line, "ERR ")}
	default:
		return nil, fmt.Errorf("%w: expected ACK or NAK, got %q", pktline.ErrMalformed, line)
	}

	var packReader io.Reader = pr.Buffered()
	if caps.Has(CapSideBand64k) {
		packReader = NewSidebandReader(pr, func(msg string) {
			c.log.WithField("progress", strings.TrimSpace(msg)).Debug("remote")
		})
	}
	pack, err := io.ReadAll(packReader)
	if err != nil {
		return nil, fmt.Errorf("read pack: %w", err)
	}
	res.Pack = pack
	return res, nil
}

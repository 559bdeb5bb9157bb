package remote

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// readBody reads at most maxBytes of the response body, inflating it when
// the server applied gzip content encoding.
func readBody(resp *http.Response, maxBytes int64) ([]byte, error) {
	var r io.Reader = io.LimitReader(resp.Body, maxBytes+1)
	if isGzipEncoded(resp.Header.Get("Content-Encoding")) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip response: %w", err)
		}
		defer zr.Close()
		r = io.LimitReader(zr, maxBytes+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxBytes)
	}
	return body, nil
}

// compressGzip compresses a request body.
func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// isGzipEncoded reports whether a Content-Encoding header names gzip.
func isGzipEncoded(contentEncoding string) bool {
	for _, enc := range strings.Split(contentEncoding, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

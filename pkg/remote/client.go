package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/odvcencio/minigit/pkg/errs"
)

// Endpoint identifies a smart-HTTP repository.
// URL is normalized with no userinfo, query or trailing slash.
type Endpoint struct {
	Raw       string
	URL       string
	CORSProxy string
	user      string
	pass      string
}

// ParseEndpoint parses a remote URL. corsProxy, when set, is prefixed to
// every request as {proxy}/{host}{path}.
func ParseEndpoint(raw, corsProxy string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("remote URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse remote URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("remote URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("remote URL %q must include a host", raw)
	}

	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	proxy := strings.TrimRight(strings.TrimSpace(corsProxy), "/")
	if proxy != "" {
		if _, err := url.Parse(proxy); err != nil {
			return Endpoint{}, fmt.Errorf("parse CORS proxy: %w", err)
		}
	}
	return Endpoint{
		Raw:       raw,
		URL:       u.String(),
		CORSProxy: proxy,
		user:      user,
		pass:      pass,
	}, nil
}

// ServiceURL returns the request URL for a path below the repository,
// e.g. "info/refs?service=git-upload-pack".
func (e Endpoint) ServiceURL(p string) string {
	full := e.URL + "/" + strings.TrimPrefix(p, "/")
	if e.CORSProxy == "" {
		return full
	}
	u, err := url.Parse(full)
	if err != nil {
		return full
	}
	rest := u.Host + u.EscapedPath()
	if u.RawQuery != "" {
		rest += "?" + u.RawQuery
	}
	return e.CORSProxy + "/" + rest
}

// Auth carries per-call credentials. Token takes precedence over
// Username/Password. Credentials are never persisted.
type Auth struct {
	Token    string
	Username string
	Password string
}

func (a Auth) empty() bool {
	return strings.TrimSpace(a.Token) == "" && strings.TrimSpace(a.Username) == ""
}

// ClientOptions configures the transport client.
type ClientOptions struct {
	Timeout     time.Duration // per-request timeout (default 60s)
	MaxAttempts int           // discovery GET attempts (default 1); POSTs are never retried
	Auth        Auth
	Headers     map[string]string
	UserAgent   string
	CORSProxy   string
	Logger      logrus.FieldLogger
	Transport   http.RoundTripper
}

// Response limits per request kind.
const (
	responseLimitAdvert = 16 << 20
	responseLimitReport = 1 << 20
	responseLimitPack   = 1 << 30
)

const defaultUserAgent = "git/minigit"

var tracer = otel.Tracer("github.com/odvcencio/minigit/pkg/remote")

// Client speaks Git's smart HTTP protocol (version 0) to one repository.
type Client struct {
	endpoint    Endpoint
	httpClient  *http.Client
	auth        Auth
	headers     map[string]string
	userAgent   string
	maxAttempts int
	log         logrus.FieldLogger
}

// NewClient creates a transport client for remoteURL. Zero-value fields in
// opts receive defaults. Credentials in the URL are used only when
// opts.Auth is empty.
func NewClient(remoteURL string, opts ClientOptions) (*Client, error) {
	endpoint, err := ParseEndpoint(remoteURL, opts.CORSProxy)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	auth := opts.Auth
	if auth.empty() && endpoint.user != "" {
		auth = Auth{Username: endpoint.user, Password: endpoint.pass}
	}

	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(base),
		},
		auth:        auth,
		headers:     opts.Headers,
		userAgent:   opts.UserAgent,
		maxAttempts: opts.MaxAttempts,
		log:         opts.Logger.WithField("url", endpoint.URL),
	}, nil
}

// Endpoint returns the parsed endpoint.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

func (c *Client) newRequest(ctx context.Context, method, p string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint.ServiceURL(p), r)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	c.applyAuth(req)
	return req, nil
}

func (c *Client) applyAuth(req *http.Request) {
	if strings.TrimSpace(c.auth.Token) != "" {
		req.Header.Set("Authorization", "Bearer "+c.auth.Token)
		return
	}
	if strings.TrimSpace(c.auth.Username) != "" {
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	}
}

// do sends req once and returns the decoded body of a 200 response whose
// content type matches expectedContentType.
func (c *Client) do(req *http.Request, maxBytes int64, expectedContentType string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(req, err)
	}
	defer resp.Body.Close()
	return c.readResponse(req, resp, maxBytes, expectedContentType)
}

func (c *Client) readResponse(req *http.Request, resp *http.Response, maxBytes int64, expectedContentType string) ([]byte, error) {
	body, err := readBody(resp, maxBytes)
	if err != nil {
		return nil, transportError(req, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(req, resp.StatusCode, body)
	}
	if expectedContentType != "" {
		ct := resp.Header.Get("Content-Type")
		if !strings.HasPrefix(ct, expectedContentType) {
			return nil, fmt.Errorf("%s %s: unexpected content type %q (expected %s); the server may not speak smart HTTP",
				req.Method, redact(req.URL), ct, expectedContentType)
		}
	}
	return body, nil
}

func transportError(req *http.Request, err error) error {
	return fmt.Errorf("%w: %s %s: %w", errs.ErrNetwork, req.Method, redact(req.URL), err)
}

func statusError(req *http.Request, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{URL: redact(req.URL), Status: status}
	case status == http.StatusNotFound:
		return fmt.Errorf("%s %s: %s: %w", req.Method, redact(req.URL), msg, errs.ErrNotFound)
	default:
		return &HTTPError{Method: req.Method, URL: redact(req.URL), Status: status, Message: msg}
	}
}

// HTTPError is an unexpected non-2xx response other than 401, 403 and 404.
// It classifies as errs.ErrNetwork.
type HTTPError struct {
	Method  string
	URL     string
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %s %s: status %d: %s", errs.ErrNetwork, e.Method, e.URL, e.Status, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == errs.ErrNetwork
}

func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	cp := *u
	cp.User = nil
	cp.RawQuery = ""
	return cp.String()
}

// AuthError is returned for 401 and 403 responses. It is never retried.
type AuthError struct {
	URL    string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s (HTTP %d)", e.URL, errs.ErrAuth, e.Status)
}

func (e *AuthError) Is(target error) bool {
	return target == errs.ErrAuth
}

// Package remote speaks the WebDAV dialect of the sync server: PROPFIND
// listings with the oc-namespace properties, conditional PUT/GET, MKCOL,
// DELETE, MOVE and the chunked-upload dialects. It is a thin, explicit layer
// over net/http; everything above it works in terms of Entry values and
// sentinel errors.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors mapped from HTTP status codes.
var (
	ErrUnauthorized        = errors.New("401 unauthorized")
	ErrForbidden           = errors.New("403 forbidden")
	ErrNotFound            = errors.New("404 not found")
	ErrConflict            = errors.New("409 conflict")
	ErrPreconditionFailed  = errors.New("412 precondition failed")
	ErrLocked              = errors.New("423 locked")
	ErrInsufficientStorage = errors.New("507 insufficient storage")
)

// Default per-request deadlines. Data transfers get the long deadline, which
// chunked uploads reset per chunk (the heartbeat the engine relies on).
const (
	DataTimeout     = 5 * time.Minute
	MetadataTimeout = 60 * time.Second
)

// CredentialProvider signs outgoing requests. Invalidate is called once when
// the server rejects the credentials; afterwards the run ends fatally.
type CredentialProvider interface {
	Sign(req *http.Request) error
	Invalidate()
}

// BasicAuth is the simplest credential provider.
type BasicAuth struct {
	Username string
	Password string

	invalidated bool
}

// Sign adds the Authorization header.
func (b *BasicAuth) Sign(req *http.Request) error {
	if b.invalidated {
		return ErrUnauthorized
	}
	req.SetBasicAuth(b.Username, b.Password)
	return nil
}

// Invalidate marks the credentials unusable.
func (b *BasicAuth) Invalidate() { b.invalidated = true }

// Client is a WebDAV client bound to one remote collection root.
type Client struct {
	httpClient *http.Client
	creds      CredentialProvider

	baseURL *url.URL // server base, e.g. https://host
	davRoot string   // absolute dav path of the sync root, e.g. /remote.php/dav/files/user/Photos

	userAgent string

	// http2 is set once a response arrives over HTTP/2; the propagator
	// widens its parallelism budget when it does.
	http2 bool
}

// Options configures a Client.
type Options struct {
	BaseURL     string // e.g. https://cloud.example.com
	DavRoot     string // e.g. /remote.php/dav/files/alice/Photos
	Credentials CredentialProvider
	UserAgent   string
	HTTPClient  *http.Client // optional override, used by tests
}

// NewClient validates the options and builds a client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", opts.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}
	if opts.Credentials == nil {
		return nil, errors.New("credential provider is required")
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			// Deadlines come from the per-request contexts so cancellation
			// stays prompt; no client-level timeout is set.
			Timeout: 0,
		}
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = "davsync"
	}

	return &Client{
		httpClient: hc,
		creds:      opts.Credentials,
		baseURL:    base,
		davRoot:    "/" + strings.Trim(opts.DavRoot, "/"),
		userAgent:  ua,
	}, nil
}

// HTTP2 reports whether the server has negotiated HTTP/2 on this session.
func (c *Client) HTTP2() bool { return c.http2 }

// urlFor builds the absolute URL for a path relative to the sync root.
func (c *Client) urlFor(relPath string) string {
	u := *c.baseURL
	u.Path = c.davRoot
	if relPath != "" {
		u.Path = path.Join(c.davRoot, relPath)
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, relPath string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.urlFor(relPath), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request for %q: %w", method, relPath, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if err := c.creds.Sign(req); err != nil {
		return nil, err
	}
	return req, nil
}

// do executes a request and maps error statuses to sentinels. The caller owns
// the response body on success.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.ProtoMajor >= 2 {
		c.http2 = true
	}
	if err := statusError(resp.StatusCode); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if errors.Is(err, ErrUnauthorized) {
			c.creds.Invalidate()
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func statusError(code int) error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusConflict:
		return ErrConflict
	case code == http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case code == http.StatusLocked:
		return ErrLocked
	case code == http.StatusInsufficientStorage:
		return ErrInsufficientStorage
	default:
		return fmt.Errorf("http status %d", code)
	}
}

// HTTPStatusCode extracts the numeric status from an error produced by this
// package, or 0.
func HTTPStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrLocked):
		return http.StatusLocked
	case errors.Is(err, ErrInsufficientStorage):
		return http.StatusInsufficientStorage
	default:
		msg := err.Error()
		if i := strings.LastIndex(msg, "http status "); i >= 0 {
			if code, aerr := strconv.Atoi(strings.TrimSpace(msg[i+len("http status "):])); aerr == nil {
				return code
			}
		}
		return 0
	}
}

// IsTransient reports whether an error is worth retrying within the run:
// network failures and 5xx responses, but never 4xx semantics.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrLocked),
		errors.Is(err, ErrInsufficientStorage):
		return false
	}
	if code := HTTPStatusCode(err); code >= 400 && code < 500 {
		return false
	}
	return true
}

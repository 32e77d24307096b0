// Package fetch downloads remote media objects for the cache.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	chatcache "github.com/wolfeidau/chat-cache"
	"github.com/wolfeidau/chat-cache/telemetry"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default timeout for remote requests.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxObjectSize caps the bytes read from one response.
	DefaultMaxObjectSize int64 = 100 << 20
)

// Object is a downloaded remote object.
type Object struct {
	Data     []byte
	MimeType string
}

// Fetcher is the remote object fetch capability consumed by the media cache.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) (*Object, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, sourceURL string) (*Object, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, sourceURL string) (*Object, error) {
	return f(ctx, sourceURL)
}

// HTTPFetcher fetches objects over HTTP(S).
type HTTPFetcher struct {
	client    *http.Client
	token     string
	authHost  string
	limiter   *rate.Limiter
	maxSize   int64
	userAgent string
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient sets a custom HTTP client. The client's transport is used as-is.
func WithHTTPClient(client *http.Client) Option {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// WithBearerToken sets the token sent to authHost. An empty authHost sends
// the token to every host.
func WithBearerToken(token, authHost string) Option {
	return func(f *HTTPFetcher) {
		f.token = token
		f.authHost = authHost
	}
}

// WithRateLimit limits outgoing requests to rps with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(f *HTTPFetcher) {
		if rps <= 0 {
			f.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMaxObjectSize caps the number of bytes accepted per object.
func WithMaxObjectSize(n int64) Option {
	return func(f *HTTPFetcher) {
		f.maxSize = n
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

// New creates an HTTP fetcher.
func New(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil),
		},
		maxSize:   DefaultMaxObjectSize,
		userAgent: "chat-cache",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads sourceURL. Every failure is a *chatcache.DownloadError.
func (f *HTTPFetcher) Fetch(ctx context.Context, sourceURL string) (*Object, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &chatcache.DownloadError{URL: sourceURL, Err: fmt.Errorf("waiting for rate limiter: %w", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, &chatcache.DownloadError{URL: sourceURL, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)
	if f.shouldAttachAuth(req.URL) {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &chatcache.DownloadError{URL: sourceURL, Err: fmt.Errorf("performing request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &chatcache.DownloadError{
			URL:        sourceURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("remote returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	if f.maxSize > 0 && resp.ContentLength > f.maxSize {
		return nil, &chatcache.DownloadError{
			URL:        sourceURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("object size %d exceeds limit %d", resp.ContentLength, f.maxSize),
		}
	}

	reader := io.Reader(resp.Body)
	if f.maxSize > 0 {
		reader = io.LimitReader(resp.Body, f.maxSize+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &chatcache.DownloadError{URL: sourceURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}
	if f.maxSize > 0 && int64(len(data)) > f.maxSize {
		return nil, &chatcache.DownloadError{
			URL:        sourceURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("object exceeds limit %d", f.maxSize),
		}
	}

	return &Object{Data: data, MimeType: DetectMimeType(resp.Header.Get("Content-Type"), data)}, nil
}

func (f *HTTPFetcher) shouldAttachAuth(u *url.URL) bool {
	if f.token == "" {
		return false
	}
	if f.authHost == "" {
		return true
	}
	return strings.EqualFold(u.Hostname(), f.authHost)
}

// DetectMimeType returns the media type from the Content-Type header when it
// is specific, otherwise sniffs it from data.
func DetectMimeType(contentType string, data []byte) string {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	return mimetype.Detect(data).String()
}

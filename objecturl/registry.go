// Package objecturl materializes cached blobs as locally dereferenceable
// URLs. Each URL stays valid until it is revoked.
package objecturl

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/chat-cache/telemetry"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://127.0.0.1:8080/blob"

type object struct {
	data     []byte
	mimeType string
	created  time.Time
}

// Registry holds the blobs behind every live object URL.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]object
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithNow sets the clock used for Last-Modified headers.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a registry that issues URLs under baseURL.
func New(baseURL string, opts ...Option) *Registry {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	r := &Registry{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string]object),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BaseURL returns the prefix of every issued URL.
func (r *Registry) BaseURL() string {
	return r.baseURL
}

// Create registers data and returns its URL. The caller owns the URL and
// must Revoke it when it is no longer displayed.
func (r *Registry) Create(ctx context.Context, data []byte, mimeType string) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	id := uuid.NewString()

	r.mu.Lock()
	r.objects[id] = object{data: data, mimeType: mimeType, created: r.now()}
	r.mu.Unlock()

	telemetry.RecordObjectURLCreated(ctx)
	r.logger.Debug("object url created", "id", id, "size", len(data), "mime_type", mimeType)

	return r.baseURL + "/" + id
}

// Resolve returns the blob behind an issued URL.
func (r *Registry) Resolve(rawURL string) (data []byte, mimeType string, ok bool) {
	id, ok := r.idFromURL(rawURL)
	if !ok {
		return nil, "", false
	}
	obj, ok := r.lookup(id)
	if !ok {
		return nil, "", false
	}
	return obj.data, obj.mimeType, true
}

// Revoke releases an issued URL. Revoking an unknown or already revoked URL
// is a no-op.
func (r *Registry) Revoke(rawURL string) {
	id, ok := r.idFromURL(rawURL)
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.objects, id)
	r.mu.Unlock()
}

// RevokeAll releases every issued URL.
func (r *Registry) RevokeAll() {
	r.mu.Lock()
	r.objects = make(map[string]object)
	r.mu.Unlock()
}

// Len returns the number of live URLs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// ServeHTTP serves GET/HEAD /blob/{id}. Range requests are supported so
// audio and video can seek.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if id == "" {
		id = req.URL.Path[strings.LastIndexByte(req.URL.Path, '/')+1:]
	}

	obj, ok := r.lookup(id)
	if !ok {
		telemetry.SetCacheResult(req, telemetry.CacheMiss)
		http.NotFound(w, req)
		return
	}

	telemetry.SetCacheResult(req, telemetry.CacheHit)
	w.Header().Set("Content-Type", obj.mimeType)
	w.Header().Set("Cache-Control", "private, max-age=0, must-revalidate")
	http.ServeContent(w, req, "", obj.created, bytes.NewReader(obj.data))
}

func (r *Registry) lookup(id string) (object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[id]
	return obj, ok
}

func (r *Registry) idFromURL(rawURL string) (string, bool) {
	id, ok := strings.CutPrefix(rawURL, r.baseURL+"/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

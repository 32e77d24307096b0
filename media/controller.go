package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chatcache "github.com/wolfeidau/chat-cache"
	"github.com/wolfeidau/chat-cache/download"
	"github.com/wolfeidau/chat-cache/notify"
)

// ErrDetached is returned by CacheMedia when the resource was detached before
// a local URL could be published. The media itself is still cached.
var ErrDetached = errors.New("media: resource detached")

// Phase is the lifecycle position of a Resource.
type Phase string

const (
	PhaseUnknown     Phase = "unknown"
	PhaseChecking    Phase = "checking"
	PhaseCached      Phase = "cached"
	PhaseNotCached   Phase = "not_cached"
	PhaseDownloading Phase = "downloading"
	PhaseFailed      Phase = "failed"
)

// State is a snapshot of a Resource.
type State struct {
	MediaID   chatcache.MediaID
	SourceURL string
	MimeType  string
	Phase     Phase
	IsCached  bool
	IsLoading bool
	LocalURL  string
	Error     string
}

// URL returns the URL to render: the local URL when cached, otherwise the
// remote source.
func (s State) URL() string {
	if s.LocalURL != "" {
		return s.LocalURL
	}
	return s.SourceURL
}

// Controller issues Resources and de-duplicates their downloads.
type Controller struct {
	store     *Store
	downloads *download.Downloader
	notifier  notify.Sink
	ttl       time.Duration
	logger    *slog.Logger
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithNotifier sets the sink that receives download failures.
func WithNotifier(sink notify.Sink) ControllerOption {
	return func(c *Controller) {
		c.notifier = sink
	}
}

// WithTTL sets how long downloaded media stays cached.
func WithTTL(ttl time.Duration) ControllerOption {
	return func(c *Controller) {
		c.ttl = ttl
	}
}

// WithControllerLogger sets the logger for the controller.
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithDownloader shares an in-flight registry between controllers.
func WithDownloader(d *download.Downloader) ControllerOption {
	return func(c *Controller) {
		c.downloads = d
	}
}

// NewController creates a controller over store.
func NewController(store *Store, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:    store,
		notifier: notify.Discard,
		ttl:      DefaultTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.downloads == nil {
		c.downloads = download.New(download.WithLogger(c.logger))
	}
	return c
}

// Store returns the underlying blob store.
func (c *Controller) Store() *Store {
	return c.store
}

// Attach binds a Resource to sourceURL. When the media is already cached a
// local URL is materialized immediately; otherwise the state points at the
// remote URL until CacheMedia succeeds.
func (c *Controller) Attach(ctx context.Context, sourceURL, mimeType string) *Resource {
	r := &Resource{
		c: c,
		state: State{
			MediaID:   ID(sourceURL),
			SourceURL: sourceURL,
			MimeType:  mimeType,
			Phase:     PhaseChecking,
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	localURL, err := c.store.GetCachedLocalURL(ctx, r.state.MediaID)
	if err != nil || localURL == "" {
		r.state.Phase = PhaseNotCached
		return r
	}
	r.publishLocked(localURL)
	return r
}

// Resource is the cache view of one media item as displayed by a caller.
// It is safe for concurrent use.
type Resource struct {
	c *Controller

	mu       sync.Mutex
	state    State
	urls     []string
	detached bool
	gen      uint64 // bumped by every CacheMedia call
}

// State returns a snapshot of the resource.
func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CacheMedia downloads and caches the media if needed and returns its local
// URL. Concurrent calls for the same media share one download and one outcome.
// The download runs to completion even if ctx ends or the resource is detached.
func (r *Resource) CacheMedia(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		return "", ErrDetached
	}
	if r.state.LocalURL != "" {
		u := r.state.LocalURL
		r.mu.Unlock()
		return u, nil
	}
	r.state.Phase = PhaseDownloading
	r.state.IsLoading = true
	r.state.Error = ""
	r.gen++
	gen := r.gen
	id, sourceURL, mimeType := r.state.MediaID, r.state.SourceURL, r.state.MimeType
	r.mu.Unlock()

	store := r.c.store
	ttl := r.c.ttl
	_, shared, err := r.c.downloads.Do(ctx, id, func(dctx context.Context) (*download.Result, error) {
		blob, err := store.DownloadAndCache(dctx, id, sourceURL, mimeType, ttl)
		if err != nil {
			// One report per download, whether or not any caller still waits.
			err = asDownloadError(sourceURL, err)
			r.markFailed(gen, err)
			r.c.report(dctx, id, err)
			return nil, err
		}
		return &download.Result{ID: id, Size: blob.Size, MimeType: blob.MimeType}, nil
	})

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The caller stopped waiting; the download carries on in the background.
			r.mu.Lock()
			if r.gen == gen && r.state.Phase == PhaseDownloading {
				r.state.Phase = PhaseNotCached
				r.state.IsLoading = false
			}
			r.mu.Unlock()
			return "", err
		}
		r.markFailed(gen, err)
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.detached {
		return "", ErrDetached
	}
	if r.state.LocalURL != "" {
		return r.state.LocalURL, nil
	}

	localURL, err := store.GetCachedLocalURL(ctx, id)
	if err != nil || localURL == "" {
		if err == nil {
			err = fmt.Errorf("media %s missing after download: %w", id.Short(), chatcache.ErrNotFound)
		}
		r.state.Phase = PhaseNotCached
		r.state.IsLoading = false
		r.state.Error = err.Error()
		return "", err
	}
	r.publishLocked(localURL)

	r.c.logger.Debug("media cached for resource", "media_id", id.Short(), "shared", shared)
	return localURL, nil
}

// markFailed moves the resource to PhaseFailed unless it has since been
// cached, detached or asked to download again.
func (r *Resource) markFailed(gen uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || r.detached || r.state.LocalURL != "" {
		return
	}
	r.state.Phase = PhaseFailed
	r.state.IsCached = false
	r.state.IsLoading = false
	r.state.Error = err.Error()
}

// report logs and notifies a failed download.
func (c *Controller) report(ctx context.Context, id chatcache.MediaID, err error) {
	c.logger.Warn("media download failed", "media_id", id.Short(), "error", err)
	c.notifier.Notify(ctx, notify.KindError, "Failed to cache media: "+err.Error())
}

func asDownloadError(sourceURL string, err error) error {
	var de *chatcache.DownloadError
	if errors.As(err, &de) || errors.Is(err, chatcache.ErrStorageUnavailable) {
		return err
	}
	return &chatcache.DownloadError{URL: sourceURL, Err: err}
}

func (r *Resource) publishLocked(localURL string) {
	r.urls = append(r.urls, localURL)
	r.state.Phase = PhaseCached
	r.state.IsCached = true
	r.state.IsLoading = false
	r.state.LocalURL = localURL
	r.state.Error = ""
}

// Detach releases every local URL this resource created. A pending
// CacheMedia still completes its store write.
func (r *Resource) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.urls {
		r.c.store.ReleaseLocalURL(u)
	}
	r.urls = nil
	r.detached = true
	r.state.LocalURL = ""
}

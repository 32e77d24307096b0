// Package download de-duplicates concurrent media downloads. When several
// callers ask for the same uncached media at once, only one fetch and one
// store write happen and every caller observes the same outcome.
package download

import (
	"context"
	"log/slog"

	chatcache "github.com/wolfeidau/chat-cache"
	"github.com/wolfeidau/chat-cache/telemetry"
	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of a download-and-cache operation.
type Result struct {
	ID       chatcache.MediaID
	Size     int64
	MimeType string
}

// DownloadFunc fetches the media and writes it to the cache.
// The context passed to DownloadFunc is detached from the caller so that
// one caller going away does not cancel the download for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader is the in-flight registry keyed by media id.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do runs fn once per id among concurrent callers.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context ends before the download completes, Do returns the
// context error and the download keeps running to completion.
func (d *Downloader) Do(ctx context.Context, id chatcache.MediaID, fn DownloadFunc) (*Result, bool, error) {
	key := id.String()
	ch := d.group.DoChan(key, func() (any, error) {
		d.logger.Debug("download started", "media_id", id.Short())
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			telemetry.RecordMediaDownload(ctx, "error", res.Shared)
			return nil, res.Shared, res.Err
		}
		telemetry.RecordMediaDownload(ctx, "success", res.Shared)
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		telemetry.RecordMediaDownload(ctx, "abandoned", false)
		return nil, false, ctx.Err()
	}
}

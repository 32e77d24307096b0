package labels

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/chat-cache/telemetry"
)

// DefaultRetention is how long an unused label survives.
const DefaultRetention = 30 * 24 * time.Hour

// Reaper deletes labels that have not been used within the retention window.
// Deletion is permanent.
type Reaper struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithRetention sets the retention window.
func WithRetention(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.retention = d
	}
}

// WithReaperInterval sets the sweep interval. It defaults to the retention window.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper for store.
func NewReaper(store *Store, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:     store,
		retention: DefaultRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval <= 0 {
		r.interval = r.retention
	}
	return r
}

// Run sweeps on every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("label reaper started", "interval", r.interval, "retention", r.retention)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("label reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.ReapNow(ctx); err != nil {
				r.logger.Warn("label sweep failed", "error", err)
			}
		}
	}
}

// ReapNow runs one sweep and returns the number of labels deleted.
func (r *Reaper) ReapNow(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := r.store.now().Add(-r.retention)

	deleted, err := r.store.deleteStale(ctx, cutoff)
	telemetry.RecordReaperCycle(ctx, "labels", deleted, time.Since(start))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		r.logger.Info("stale labels deleted", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

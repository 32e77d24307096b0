// Package notify delivers user-facing cache advisories (download failures,
// quota warnings) to whatever surface the host application provides.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Kind classifies a notification.
type Kind string

const (
	KindInfo    Kind = "info"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// Sink receives notifications. Implementations must not block the caller for
// long; delivery is fire-and-forget.
type Sink interface {
	Notify(ctx context.Context, kind Kind, message string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, kind Kind, message string)

// Notify implements Sink.
func (f SinkFunc) Notify(ctx context.Context, kind Kind, message string) {
	f(ctx, kind, message)
}

// Discard drops every notification.
var Discard Sink = SinkFunc(func(context.Context, Kind, string) {})

// LogSink writes notifications to a slog.Logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs through logger.
// If logger is nil, slog.Default() is used.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "notify")}
}

// Notify implements Sink.
func (s *LogSink) Notify(ctx context.Context, kind Kind, message string) {
	level := slog.LevelInfo
	switch kind {
	case KindWarning:
		level = slog.LevelWarn
	case KindError:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, message, "kind", string(kind))
}

// Notification is a single recorded notification.
type Notification struct {
	Kind    Kind
	Message string
}

// Recorder keeps every notification in memory. It is safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Notify implements Sink.
func (r *Recorder) Notify(_ context.Context, kind Kind, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, Notification{Kind: kind, Message: message})
}

// All returns a copy of the recorded notifications in arrival order.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// Count returns the number of recorded notifications of the given kind.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.items {
		if item.Kind == kind {
			n++
		}
	}
	return n
}

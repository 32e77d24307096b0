// Package server provides the loopback HTTP server for the chat cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/chat-cache/labels"
	"github.com/wolfeidau/chat-cache/media"
	"github.com/wolfeidau/chat-cache/objecturl"
	"github.com/wolfeidau/chat-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:8080")
	Address string

	// AuthToken protects /stats and /admin endpoints when set.
	// Object URLs are capability URLs and stay unauthenticated.
	AuthToken string

	// Media is the blob cache reported by /stats and swept by /admin.
	Media *media.Store

	// Labels is the label store reported by /stats.
	Labels *labels.Store

	// Reaper runs label sweeps for POST /admin/labels/reap (optional).
	Reaper *labels.Reaper

	// URLs serves GET /blob/{id}.
	URLs *objecturl.Registry

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the chat cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8080"
	}
	if cfg.URLs == nil {
		return nil, fmt.Errorf("server: object URL registry is required")
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for large video blobs
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler wraps mux with logging and authentication.
func (s *Server) Handler(mux http.Handler) http.Handler {
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Local object URLs for cached media (GET also matches HEAD)
	mux.Handle("GET /blob/{id}", s.config.URLs)

	mux.HandleFunc("POST /admin/media/clear-expired", s.handleClearExpired)
	mux.HandleFunc("POST /admin/labels/reap", s.handleReap)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"media_available":  s.config.Media != nil && s.config.Media.Available(),
		"labels_supported": s.config.Labels != nil && s.config.Labels.Supported(),
	})
}

type statsResponse struct {
	Media       *media.Stats        `json:"media,omitempty"`
	Labels      *labelStats         `json:"labels,omitempty"`
	Quota       *labels.QuotaStatus `json:"quota,omitempty"`
	ObjectURLs  int                 `json:"object_urls"`
	GeneratedAt time.Time           `json:"generated_at"`
}

type labelStats struct {
	Phase labels.Phase `json:"phase"`
	Count int          `json:"count"`
	Bytes int64        `json:"bytes"`
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statsResponse{
		ObjectURLs:  s.config.URLs.Len(),
		GeneratedAt: time.Now().UTC(),
	}

	if s.config.Media != nil {
		st, err := s.config.Media.Stats(ctx)
		if err != nil {
			s.logger.Warn("media stats failed", "error", err)
		} else {
			resp.Media = &st
		}
	}

	if s.config.Labels != nil {
		resp.Labels = &labelStats{
			Phase: s.config.Labels.Phase(),
			Count: s.config.Labels.Count(ctx),
			Bytes: s.config.Labels.DBSize(),
		}
		if s.config.Labels.Supported() {
			q, err := s.config.Labels.CheckStorageQuota(ctx)
			if err == nil {
				resp.Quota = &q
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearExpired(w http.ResponseWriter, r *http.Request) {
	if s.config.Media == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "media cache not configured"})
		return
	}
	n, err := s.config.Media.ClearExpired(r.Context())
	if err != nil {
		s.logger.Error("clearing expired media failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	if s.config.Reaper == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "label reaper not configured"})
		return
	}
	n, err := s.config.Reaper.ReapNow(r.Context())
	if err != nil {
		s.logger.Error("label sweep failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		telemetry.SetEndpoint(r, deriveEndpoint(r.URL.Path))

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", logPath(r.URL.Path),
			"endpoint", tags.Endpoint,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting server", "address", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server and revokes every object URL.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	err := s.httpServer.Shutdown(ctx)
	s.config.URLs.RevokeAll()
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveEndpoint classifies the request path for logs and metrics.
func deriveEndpoint(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/blob/"):
		return "blob"
	case strings.HasPrefix(path, "/admin/"):
		return "admin"
	default:
		return "unknown"
	}
}

// logPath drops object URL ids from logged paths; they grant access to the blob.
func logPath(path string) string {
	if strings.HasPrefix(path, "/blob/") {
		return "/blob/{id}"
	}
	return path
}

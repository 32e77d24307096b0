package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wolfeidau/chat-cache/telemetry"
)

// publicPath reports whether path is served without a bearer token.
// Object URLs are capabilities: holding the random id is the grant.
func publicPath(path string) bool {
	switch path {
	case "/health", "/metrics":
		return true
	}
	id, ok := strings.CutPrefix(path, "/blob/")
	return ok && id != "" && !strings.Contains(id, "/")
}

// authMiddleware requires "Authorization: Bearer <AuthToken>" on the stats
// and admin routes. An empty AuthToken disables the check.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || provided == "" {
			s.reject(w, r, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), tokenBytes) != 1 {
			s.reject(w, r, "invalid bearer token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, reason string) {
	telemetry.SetEndpoint(r, deriveEndpoint(r.URL.Path))
	s.logger.Warn("request rejected",
		"method", r.Method,
		"path", logPath(r.URL.Path),
		"remote_addr", r.RemoteAddr,
		"reason", reason,
	)
	w.Header().Set("WWW-Authenticate", `Bearer realm="chat-cache"`)
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "reason": reason})
}

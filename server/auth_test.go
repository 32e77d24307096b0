package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthServer(token string, logOut io.Writer) *Server {
	return &Server{
		config: Config{AuthToken: token},
		logger: slog.New(slog.NewJSONHandler(logOut, nil)),
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestPublicPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/metrics", true},
		{"/blob/0b6c2f1e-7d1a-4c1e-9a55-3f0e2b8c4d11", true},
		{"/blob/", false},
		{"/blob/a/b", false},
		{"/blobs", false},
		{"/stats", false},
		{"/admin/labels/reap", false},
		{"/admin/media/clear-expired", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, publicPath(tt.path))
		})
	}
}

func TestAuthMiddleware_NoTokenConfigured(t *testing.T) {
	handler := newAuthServer("", io.Discard).authMiddleware(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/labels/reap", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_Tokens(t *testing.T) {
	tests := []struct {
		name   string
		header string
		code   int
		reason string
	}{
		{"valid", "Bearer stats-token", http.StatusOK, ""},
		{"wrong token", "Bearer nope", http.StatusUnauthorized, "invalid bearer token"},
		{"missing header", "", http.StatusUnauthorized, "missing bearer token"},
		{"empty bearer", "Bearer ", http.StatusUnauthorized, "missing bearer token"},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, "missing bearer token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newAuthServer("stats-token", io.Discard).authMiddleware(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				return
			}

			require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			require.Equal(t, "unauthorized", body["error"])
			require.Equal(t, tt.reason, body["reason"])
		})
	}
}

func TestAuthMiddleware_RejectionLogRedactsObjectIDs(t *testing.T) {
	var logs bytes.Buffer
	handler := newAuthServer("stats-token", &logs).authMiddleware(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/blob/secret-object-id/extra", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	out := logs.String()
	require.Contains(t, out, `"msg":"request rejected"`)
	require.Contains(t, out, `"path":"/blob/{id}"`)
	require.NotContains(t, out, "secret-object-id")
}

func TestServer_RevokedObjectURLWithoutToken(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.AuthToken = "stats-token" })

	localURL := ts.urls.Create(context.Background(), []byte("voice-note"), "audio/ogg")
	path := strings.TrimPrefix(localURL, "http://127.0.0.1:8080")

	rec := ts.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "audio/ogg", rec.Header().Get("Content-Type"))

	ts.urls.Revoke(localURL)
	rec = ts.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusNotFound, rec.Code, "revoked URLs are gone, not forbidden")
}

package objecturl

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateResolveRevoke(t *testing.T) {
	ctx := context.Background()
	r := New("http://127.0.0.1:9000/blob/")

	u := r.Create(ctx, []byte("png-bytes"), "image/png")
	require.True(t, strings.HasPrefix(u, "http://127.0.0.1:9000/blob/"))
	require.Equal(t, 1, r.Len())

	data, mime, ok := r.Resolve(u)
	require.True(t, ok)
	require.Equal(t, []byte("png-bytes"), data)
	require.Equal(t, "image/png", mime)

	r.Revoke(u)
	_, _, ok = r.Resolve(u)
	require.False(t, ok)
	require.Equal(t, 0, r.Len())

	// Revoking twice or revoking foreign URLs is harmless.
	r.Revoke(u)
	r.Revoke("https://example.com/blob/x")
}

func TestRegistry_DistinctURLsForSameData(t *testing.T) {
	ctx := context.Background()
	r := New("")

	a := r.Create(ctx, []byte("x"), "")
	b := r.Create(ctx, []byte("x"), "")
	require.NotEqual(t, a, b)
	require.True(t, strings.HasPrefix(a, DefaultBaseURL+"/"))

	_, mime, ok := r.Resolve(a)
	require.True(t, ok)
	require.Equal(t, "application/octet-stream", mime)

	r.RevokeAll()
	require.Equal(t, 0, r.Len())
}

func TestRegistry_ResolveRejectsMalformed(t *testing.T) {
	r := New("http://local/blob")
	for _, u := range []string{"", "http://local/blob", "http://local/blob/", "http://local/blob/a/b", "http://other/blob/a"} {
		_, _, ok := r.Resolve(u)
		require.False(t, ok, u)
	}
}

func TestRegistry_ServeHTTP(t *testing.T) {
	ctx := context.Background()
	r := New("http://local/blob")
	u := r.Create(ctx, []byte("hello world"), "text/plain")
	id := u[strings.LastIndexByte(u, '/')+1:]

	mux := http.NewServeMux()
	mux.Handle("GET /blob/{id}", r)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/blob/" + id)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Equal(t, "hello world", string(body))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/blob/"+id, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-4")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, "hello", string(body))

	r.Revoke(u)
	resp, err = http.Get(srv.URL + "/blob/" + id)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

package chatcache

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("hello"))
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())

	h := HashBytes([]byte("test"))
	require.False(t, h.IsZero())
}

func TestParseHash(t *testing.T) {
	original := HashBytes([]byte("parse test"))

	parsed, err := ParseHash(strings.ToUpper(original.String()))
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	_, err = ParseHash("abc")
	require.Error(t, err)
}

func TestMediaIDFromURL(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{name: "identical", a: "https://cdn.example.com/m/1.jpg", b: "https://cdn.example.com/m/1.jpg", same: true},
		{name: "host case", a: "https://CDN.example.com/m/1.jpg", b: "https://cdn.example.com/m/1.jpg", same: true},
		{name: "fragment ignored", a: "https://cdn.example.com/m/1.jpg#x", b: "https://cdn.example.com/m/1.jpg", same: true},
		{name: "surrounding space", a: "  https://cdn.example.com/m/1.jpg ", b: "https://cdn.example.com/m/1.jpg", same: true},
		{name: "query differs", a: "https://cdn.example.com/m/1.jpg?sig=a", b: "https://cdn.example.com/m/1.jpg?sig=b", same: false},
		{name: "path differs", a: "https://cdn.example.com/m/1.jpg", b: "https://cdn.example.com/m/2.jpg", same: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := MediaIDFromURL(tt.a), MediaIDFromURL(tt.b)
			assert.Len(t, a.String(), HashSize*2)
			if tt.same {
				assert.Equal(t, a, b)
			} else {
				assert.NotEqual(t, a, b)
			}
		})
	}
}

func TestParseMediaID(t *testing.T) {
	id := MediaIDFromURL("https://cdn.example.com/a.png")

	parsed, err := ParseMediaID(strings.ToUpper(id.String()))
	require.NoError(t, err)
	require.Equal(t, id, parsed)
	require.Len(t, id.Short(), 16)

	_, err = ParseMediaID("not-hex")
	require.Error(t, err)
}

func TestDownloadError(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("caching media: %w", &DownloadError{URL: "https://x/y", Err: base})

	require.True(t, IsDownloadError(err))
	require.ErrorIs(t, err, base)
	require.Contains(t, err.Error(), "https://x/y")

	withStatus := &DownloadError{URL: "https://x/y", StatusCode: 403, Err: errors.New("forbidden")}
	require.Contains(t, withStatus.Error(), "status 403")
	require.False(t, IsDownloadError(base))
}

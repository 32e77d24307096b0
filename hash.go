// Package chatcache provides the offline media and label cache used by the chat
// client: shared identifiers and the error taxonomy for its stores.
package chatcache

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// MediaID identifies a cached media object. It is derived from the source URL
// so repeated requests for the same URL land on the same record.
type MediaID string

// MediaIDFromURL derives the media identifier for a source URL.
// The URL is normalised (scheme and host lowercased, fragment dropped) before
// hashing; query strings are kept because signed media URLs differ by query.
func MediaIDFromURL(sourceURL string) MediaID {
	return MediaID(HashBytes([]byte(normalizeURL(sourceURL))).String())
}

// ParseMediaID validates a hex media identifier.
func ParseMediaID(s string) (MediaID, error) {
	h, err := ParseHash(s)
	if err != nil {
		return "", fmt.Errorf("invalid media id %q: %w", s, err)
	}
	return MediaID(h.String()), nil
}

// String returns the identifier as a string.
func (id MediaID) String() string {
	return string(id)
}

// Short returns the first 16 hex characters for log output.
func (id MediaID) Short() string {
	if len(id) <= 16 {
		return string(id)
	}
	return string(id[:16])
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String()
}

package kvstore

import (
	"encoding/binary"
	"time"
)

// EncodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func EncodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// DecodeTimestamp converts a big-endian byte slice back to time.Time.
func DecodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// TimeKey creates a time-ordered index key.
// Format: [8-byte timestamp][id]
func TimeKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	copy(key[:8], EncodeTimestamp(t))
	copy(key[8:], id)
	return key
}

// ParseTimeKey splits a TimeKey into its timestamp and id.
func ParseTimeKey(key []byte) (time.Time, string) {
	if len(key) < 8 {
		return time.Time{}, ""
	}
	return DecodeTimestamp(key[:8]), string(key[8:])
}

// Uint64Key encodes an integer id as a big-endian key so cursor order matches numeric order.
func Uint64Key(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// ParseUint64Key decodes a key produced by Uint64Key.
func ParseUint64Key(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// NamespacedKey creates a compound key.
// Format: [namespace][separator][key]
func NamespacedKey(namespace, key string) []byte {
	result := make([]byte, len(namespace)+1+len(key))
	copy(result, namespace)
	result[len(namespace)] = 0 // null separator
	copy(result[len(namespace)+1:], key)
	return result
}

// NamespacePrefix returns the prefix shared by every NamespacedKey in namespace.
func NamespacePrefix(namespace string) []byte {
	return append([]byte(namespace), 0)
}

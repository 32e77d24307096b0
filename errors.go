package chatcache

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is returned when the durable store cannot be opened
	// or has been degraded after a failed open.
	ErrStorageUnavailable = errors.New("chatcache: storage unavailable")

	// ErrNotFound is returned when an operation references a record that does not exist.
	ErrNotFound = errors.New("chatcache: not found")

	// ErrSerialization is returned when a value cannot be encoded or decoded for storage.
	ErrSerialization = errors.New("chatcache: serialization failed")

	// ErrQuotaExceeded is returned when estimated storage usage is over the warning threshold.
	ErrQuotaExceeded = errors.New("chatcache: storage quota exceeded")
)

// DownloadError is returned when fetching a remote media object fails.
type DownloadError struct {
	URL        string
	StatusCode int // zero when the request never produced a response
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("downloading %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("downloading %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// IsDownloadError reports whether err is or wraps a *DownloadError.
func IsDownloadError(err error) bool {
	var de *DownloadError
	return errors.As(err, &de)
}

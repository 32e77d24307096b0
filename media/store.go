// Package media caches remote media blobs (images, video, audio) in the
// durable store and hands out local URLs for them.
//
// Storage layout (all in one bbolt file shared with kvcache):
//
//	media_records   id -> Record JSON
//	media_blobs     id -> codec-encoded payload
//	media_by_expiry [8-byte expiresAt][id] -> nil
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	chatcache "github.com/wolfeidau/chat-cache"
	"github.com/wolfeidau/chat-cache/fetch"
	"github.com/wolfeidau/chat-cache/objecturl"
	"github.com/wolfeidau/chat-cache/store/kvstore"
	"github.com/wolfeidau/chat-cache/telemetry"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

var (
	BucketRecords  = []byte("media_records")
	BucketBlobs    = []byte("media_blobs")
	BucketByExpiry = []byte("media_by_expiry")
)

// Migration creates the media buckets. It follows kvcache.Migration on the
// shared database.
var Migration = kvstore.Migration{
	From:  1,
	To:    2,
	Name:  "create media buckets",
	Apply: kvstore.CreateBuckets(BucketRecords, BucketBlobs, BucketByExpiry),
}

const (
	// DefaultTTL applies when DownloadAndCache is called with a non-positive ttl.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultMaxBlobSize is the largest payload the store accepts.
	DefaultMaxBlobSize int64 = 64 << 20
)

// ErrBlobTooLarge is wrapped in the DownloadError for oversized payloads.
var ErrBlobTooLarge = errors.New("media: blob exceeds maximum size")

// Record describes one cached media object.
type Record struct {
	ID        chatcache.MediaID `json:"id"`
	SourceURL string            `json:"source_url"`
	MimeType  string            `json:"mime_type"`
	Size      int64             `json:"size"`
	CachedAt  time.Time         `json:"cached_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Expired reports whether the record is no longer visible at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Blob is a cached payload with its record.
type Blob struct {
	Record
	Data []byte
}

// Stats summarises the media cache.
type Stats struct {
	Records    int       `json:"records"`
	TotalBytes int64     `json:"total_bytes"`
	Oldest     time.Time `json:"oldest_cached_at,omitzero"`
	Newest     time.Time `json:"newest_cached_at,omitzero"`
}

// Store is the blob cache. It is safe for concurrent use.
type Store struct {
	db          *kvstore.DB
	fetcher     fetch.Fetcher
	urls        *objecturl.Registry
	logger      *slog.Logger
	now         func() time.Time
	maxBlobSize int64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithMaxBlobSize sets the largest payload accepted by DownloadAndCache.
func WithMaxBlobSize(n int64) StoreOption {
	return func(s *Store) {
		s.maxBlobSize = n
	}
}

// NewStore creates a blob cache over db. fetcher downloads missing media and
// urls issues local URLs for cached blobs.
func NewStore(db *kvstore.DB, fetcher fetch.Fetcher, urls *objecturl.Registry, opts ...StoreOption) *Store {
	s := &Store{
		db:          db,
		fetcher:     fetcher,
		urls:        urls,
		logger:      slog.Default(),
		now:         time.Now,
		maxBlobSize: DefaultMaxBlobSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.urls == nil {
		s.urls = objecturl.New("")
	}
	return s
}

// ID returns the media identifier for sourceURL.
func ID(sourceURL string) chatcache.MediaID {
	return chatcache.MediaIDFromURL(sourceURL)
}

// Available reports whether the underlying store is open.
func (s *Store) Available() bool {
	return s.db.Available()
}

// IsCached reports whether a non-expired record exists for id.
func (s *Store) IsCached(ctx context.Context, id chatcache.MediaID) bool {
	rec, err := s.record(ctx, id)
	return err == nil && rec != nil
}

// Record returns the record for id, or nil when absent or expired.
func (s *Store) Record(ctx context.Context, id chatcache.MediaID) (*Record, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return nil, nil
	}
	return rec, nil
}

func (s *Store) record(ctx context.Context, id chatcache.MediaID) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	if err != nil {
		if !errors.Is(err, chatcache.ErrStorageUnavailable) {
			s.logger.Warn("media record lookup failed", "media_id", id.Short(), "error", err)
		}
		if errors.Is(err, chatcache.ErrSerialization) {
			s.expire(id)
		}
		telemetry.RecordCacheLookup(ctx, "media", telemetry.CacheMiss)
		return nil, err
	}
	if rec == nil {
		telemetry.RecordCacheLookup(ctx, "media", telemetry.CacheMiss)
		return nil, nil
	}
	if rec.Expired(s.now()) {
		telemetry.RecordCacheLookup(ctx, "media", telemetry.CacheExpired)
		s.expire(id)
		return nil, nil
	}
	telemetry.RecordCacheLookup(ctx, "media", telemetry.CacheHit)
	return rec, nil
}

// GetCachedBlob returns the payload for id. It returns nil, nil when the
// media is absent, expired or unreadable; expired records are deleted.
func (s *Store) GetCachedBlob(ctx context.Context, id chatcache.MediaID) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		rec     *Record
		encoded []byte
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		if err != nil || rec == nil {
			return err
		}
		if b := tx.Bucket(BucketBlobs); b != nil {
			if v := b.Get([]byte(id)); v != nil {
				encoded = bytes.Clone(v)
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, chatcache.ErrStorageUnavailable) {
			s.logger.Warn("media blob lookup failed", "media_id", id.Short(), "error", err)
		}
		telemetry.RecordCacheLookup(ctx, "media", telemetry.CacheMiss)
		return nil, nil
	}
	if rec == nil {
		telemetry.RecordCacheLookup(ctx, "media", telemetry.CacheMiss)
		return nil, nil
	}
	if rec.Expired(s.now()) {
		telemetry.RecordCacheLookup(ctx, "media", telemetry.CacheExpired)
		s.expire(id)
		return nil, nil
	}

	data, err := s.decode(encoded)
	if err != nil {
		s.logger.Warn("discarding unreadable media blob", "media_id", id.Short(), "error", err)
		telemetry.RecordCacheLookup(ctx, "media", telemetry.CacheMiss)
		s.expire(id)
		return nil, nil
	}

	telemetry.RecordCacheLookup(ctx, "media", telemetry.CacheHit)
	return &Blob{Record: *rec, Data: data}, nil
}

// GetCachedLocalURL materializes a local URL for the cached blob. It returns
// "" when the media is not cached. The caller must ReleaseLocalURL it.
func (s *Store) GetCachedLocalURL(ctx context.Context, id chatcache.MediaID) (string, error) {
	blob, err := s.GetCachedBlob(ctx, id)
	if err != nil || blob == nil {
		return "", err
	}
	return s.urls.Create(ctx, blob.Data, blob.MimeType), nil
}

// ReleaseLocalURL revokes a URL returned by GetCachedLocalURL.
func (s *Store) ReleaseLocalURL(localURL string) {
	s.urls.Revoke(localURL)
}

// DownloadAndCache returns the cached blob for id, fetching and storing it
// from sourceURL first when needed. Fetch failures are returned as
// *chatcache.DownloadError and nothing is written.
func (s *Store) DownloadAndCache(ctx context.Context, id chatcache.MediaID, sourceURL, mimeType string, ttl time.Duration) (*Blob, error) {
	if blob, err := s.GetCachedBlob(ctx, id); err != nil {
		return nil, err
	} else if blob != nil {
		return blob, nil
	}
	if !s.db.Available() {
		return nil, chatcache.ErrStorageUnavailable
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	obj, err := s.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		var de *chatcache.DownloadError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &chatcache.DownloadError{URL: sourceURL, Err: err}
	}
	if s.maxBlobSize > 0 && int64(len(obj.Data)) > s.maxBlobSize {
		return nil, &chatcache.DownloadError{
			URL: sourceURL,
			Err: fmt.Errorf("%w: %d > %d bytes", ErrBlobTooLarge, len(obj.Data), s.maxBlobSize),
		}
	}
	if mimeType == "" {
		mimeType = obj.MimeType
	}

	now := s.now()
	rec := Record{
		ID:        id,
		SourceURL: sourceURL,
		MimeType:  mimeType,
		Size:      int64(len(obj.Data)),
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.put(&rec, obj.Data); err != nil {
		return nil, err
	}

	telemetry.RecordMediaBytes(ctx, rec.Size)
	s.logger.Debug("media cached", "media_id", id.Short(), "size", rec.Size, "mime_type", mimeType, "expires_at", rec.ExpiresAt)

	return &Blob{Record: rec, Data: obj.Data}, nil
}

func (s *Store) put(rec *Record, data []byte) error {
	meta, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding media record: %v", chatcache.ErrSerialization, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		records, err := tx.CreateBucketIfNotExists(BucketRecords)
		if err != nil {
			return err
		}
		blobs, err := tx.CreateBucketIfNotExists(BucketBlobs)
		if err != nil {
			return err
		}
		expiry, err := tx.CreateBucketIfNotExists(BucketByExpiry)
		if err != nil {
			return err
		}

		// A concurrent writer may have stored this id already; replace it.
		if err := deleteInTx(tx, rec.ID); err != nil {
			return err
		}

		if err := records.Put([]byte(rec.ID), meta); err != nil {
			return fmt.Errorf("putting media record: %w", err)
		}
		if err := blobs.Put([]byte(rec.ID), s.encode(data)); err != nil {
			return fmt.Errorf("putting media blob: %w", err)
		}
		if err := expiry.Put(kvstore.TimeKey(rec.ExpiresAt, string(rec.ID)), nil); err != nil {
			return fmt.Errorf("putting media expiry index: %w", err)
		}
		return nil
	})
}

// DeleteCached removes id from the cache. Absent ids are not an error.
func (s *Store) DeleteCached(ctx context.Context, id chatcache.MediaID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteInTx(tx, id)
	})
}

// ClearExpired deletes every expired record and returns how many were removed.
func (s *Store) ClearExpired(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := kvstore.EncodeTimestamp(s.now())

	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		expiry := tx.Bucket(BucketByExpiry)
		if expiry == nil {
			return nil
		}

		var keys [][]byte
		c := expiry.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			// Keys are sorted by timestamp, so stop at the first live entry.
			if bytes.Compare(k[:8], cutoff) > 0 {
				break
			}
			keys = append(keys, bytes.Clone(k))
		}

		for _, k := range keys {
			_, id := kvstore.ParseTimeKey(k)
			if err := deleteInTx(tx, chatcache.MediaID(id)); err != nil {
				return err
			}
			// Drop the index entry even if the record was unreadable.
			if err := expiry.Delete(k); err != nil {
				return fmt.Errorf("deleting media expiry index: %w", err)
			}
		}
		deleted = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}

	telemetry.RecordReaperCycle(ctx, "media", deleted, time.Since(start))
	if deleted > 0 {
		s.logger.Info("expired media cleared", "deleted", deleted)
	}
	return deleted, nil
}

// ClearAll removes every cached media object.
func (s *Store) ClearAll(ctx context.Context) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{BucketRecords, BucketBlobs, BucketByExpiry} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, berrors.ErrBucketNotFound) {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("media cache cleared")
	return nil
}

// TotalCachedBytes sums the payload sizes of every record.
func (s *Store) TotalCachedBytes(ctx context.Context) (int64, error) {
	st, err := s.Stats(ctx)
	return st.TotalBytes, err
}

// Stats returns counts and totals for the media cache.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(BucketRecords)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // Skip invalid entries
			}
			st.Records++
			st.TotalBytes += rec.Size
			if st.Oldest.IsZero() || rec.CachedAt.Before(st.Oldest) {
				st.Oldest = rec.CachedAt
			}
			if rec.CachedAt.After(st.Newest) {
				st.Newest = rec.CachedAt
			}
			return nil
		})
	})
	return st, err
}

// expire deletes id after a read found it expired or unreadable.
func (s *Store) expire(id chatcache.MediaID) {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return deleteInTx(tx, id)
	}); err != nil {
		s.logger.Warn("failed to delete expired media", "media_id", id.Short(), "error", err)
	}
}

func (s *Store) encode(data []byte) []byte {
	if codec := s.db.Codec(); codec != nil {
		return codec.Encode(data)
	}
	out := make([]byte, len(data)+1)
	out[0] = kvstore.EncodingIdentity
	copy(out[1:], data)
	return out
}

func (s *Store) decode(value []byte) ([]byte, error) {
	codec := s.db.Codec()
	if codec == nil {
		return nil, chatcache.ErrStorageUnavailable
	}
	data, err := codec.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chatcache.ErrSerialization, err)
	}
	return data, nil
}

func getRecord(tx *bbolt.Tx, id chatcache.MediaID) (*Record, error) {
	b := tx.Bucket(BucketRecords)
	if b == nil {
		return nil, nil
	}
	v := b.Get([]byte(id))
	if v == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("%w: decoding media record: %v", chatcache.ErrSerialization, err)
	}
	return &rec, nil
}

// deleteInTx removes the record, payload and expiry index entry for id.
func deleteInTx(tx *bbolt.Tx, id chatcache.MediaID) error {
	records := tx.Bucket(BucketRecords)
	if records == nil {
		return nil
	}
	key := []byte(id)

	if v := records.Get(key); v != nil {
		var rec Record
		if err := json.Unmarshal(v, &rec); err == nil {
			if expiry := tx.Bucket(BucketByExpiry); expiry != nil {
				if err := expiry.Delete(kvstore.TimeKey(rec.ExpiresAt, string(id))); err != nil {
					return fmt.Errorf("deleting media expiry index: %w", err)
				}
			}
		}
		if err := records.Delete(key); err != nil {
			return fmt.Errorf("deleting media record: %w", err)
		}
	}
	if blobs := tx.Bucket(BucketBlobs); blobs != nil {
		if err := blobs.Delete(key); err != nil {
			return fmt.Errorf("deleting media blob: %w", err)
		}
	}
	return nil
}

// Package kvcache implements a namespaced, expiring key-value cache for small
// JSON-serialisable payloads (session data, label lists, conversation metadata).
//
// Expiry is lazy: an entry read after its deadline is reported as a miss and
// deleted. There is no background sweep. Durability is best effort; storage and
// serialisation failures are logged and turned into misses.
package kvcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	chatcache "github.com/wolfeidau/chat-cache"
	"github.com/wolfeidau/chat-cache/store/kvstore"
	"github.com/wolfeidau/chat-cache/telemetry"
	"go.etcd.io/bbolt"
)

// Bucket holds every kvcache namespace.
var Bucket = []byte("kv")

// Migration creates the kvcache bucket. Register it on the shared kvstore.DB.
var Migration = kvstore.Migration{
	From:  0,
	To:    1,
	Name:  "create kv bucket",
	Apply: kvstore.CreateBuckets(Bucket),
}

// entry is the stored form of a cached value.
type entry struct {
	Value     json.RawMessage `json:"v"`
	ExpiresAt int64           `json:"exp"` // unix milliseconds
}

// Cache is an expiring key-value cache scoped to one namespace.
type Cache struct {
	db        *kvstore.DB
	namespace string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache over db scoped to namespace.
func New(db *kvstore.DB, namespace string, opts ...Option) *Cache {
	c := &Cache{
		db:        db,
		namespace: namespace,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Namespace returns the namespace this cache writes under.
func (c *Cache) Namespace() string {
	return c.namespace
}

// Set stores value under key for ttl, overwriting any prior entry.
// Failures are logged and otherwise ignored.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("kvcache: marshaling value", "namespace", c.namespace, "key", key,
			"error", fmt.Errorf("%w: %v", chatcache.ErrSerialization, err))
		return
	}

	data, err := json.Marshal(entry{Value: raw, ExpiresAt: c.now().Add(ttl).UnixMilli()})
	if err != nil {
		c.logger.Warn("kvcache: marshaling entry", "namespace", c.namespace, "key", key, "error", err)
		return
	}

	if err := c.db.Put(Bucket, kvstore.NamespacedKey(c.namespace, key), data); err != nil {
		c.logger.Warn("kvcache: storing entry", "namespace", c.namespace, "key", key, "error", err)
	}
}

// Get decodes the value stored under key into dst.
// It returns false on miss, on expiry (deleting the entry), on storage errors
// and when the stored value cannot be decoded into dst.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	raw, ok := c.lookup(ctx, key)
	if !ok {
		return false
	}
	if dst == nil {
		return true
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("kvcache: decoding value", "namespace", c.namespace, "key", key,
			"error", fmt.Errorf("%w: %v", chatcache.ErrSerialization, err))
		telemetry.RecordCacheLookup(ctx, "kv", telemetry.CacheMiss)
		return false
	}
	return true
}

// Has reports whether a live entry exists under key.
// A stored JSON null reports false, like a miss.
func (c *Cache) Has(ctx context.Context, key string) bool {
	raw, ok := c.lookup(ctx, key)
	return ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (c *Cache) lookup(ctx context.Context, key string) (json.RawMessage, bool) {
	fullKey := kvstore.NamespacedKey(c.namespace, key)

	data, err := c.db.Get(Bucket, fullKey)
	if err != nil {
		if !errors.Is(err, chatcache.ErrNotFound) {
			c.logger.Debug("kvcache: reading entry", "namespace", c.namespace, "key", key, "error", err)
		}
		telemetry.RecordCacheLookup(ctx, "kv", telemetry.CacheMiss)
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("kvcache: decoding entry", "namespace", c.namespace, "key", key,
			"error", fmt.Errorf("%w: %v", chatcache.ErrSerialization, err))
		telemetry.RecordCacheLookup(ctx, "kv", telemetry.CacheMiss)
		return nil, false
	}

	if c.now().UnixMilli() >= e.ExpiresAt {
		if err := c.db.Delete(Bucket, fullKey); err != nil {
			c.logger.Debug("kvcache: deleting expired entry", "namespace", c.namespace, "key", key, "error", err)
		}
		telemetry.RecordCacheLookup(ctx, "kv", telemetry.CacheExpired)
		return nil, false
	}

	telemetry.RecordCacheLookup(ctx, "kv", telemetry.CacheHit)
	return e.Value, true
}

// Remove deletes the entry under key.
func (c *Cache) Remove(ctx context.Context, key string) {
	if err := c.db.Delete(Bucket, kvstore.NamespacedKey(c.namespace, key)); err != nil {
		c.logger.Debug("kvcache: removing entry", "namespace", c.namespace, "key", key, "error", err)
	}
}

// ClearAll deletes every entry in this cache's namespace and leaves other
// namespaces untouched.
func (c *Cache) ClearAll(ctx context.Context) {
	prefix := kvstore.NamespacePrefix(c.namespace)
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(Bucket)
		if b == nil {
			return nil
		}
		cursor := b.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); {
			if err := cursor.Delete(); err != nil {
				return err
			}
			// Delete moves the cursor; re-seek to the next remaining key.
			k, _ = cursor.Seek(prefix)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("kvcache: clearing namespace", "namespace", c.namespace, "error", err)
	}
}

// Producer computes a value on a cache miss.
type Producer[V any] func(ctx context.Context) (V, error)

// GetOrFetch returns the cached value under key, or calls producer, caches its
// result for ttl and returns it. Producer errors are returned and nothing is
// cached. Concurrent misses for the same key each call producer.
func GetOrFetch[V any](ctx context.Context, c *Cache, key string, producer Producer[V], ttl time.Duration) (V, error) {
	var cached V
	if c.Get(ctx, key, &cached) {
		return cached, nil
	}

	value, err := producer(ctx)
	if err != nil {
		var zero V
		return zero, err
	}

	c.Set(ctx, key, value, ttl)
	return value, nil
}

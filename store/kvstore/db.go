// Package kvstore provides the durable key-value primitive used by the cache
// tiers: a bbolt database with named buckets, a versioned migration list run at
// open time, and a compression codec for stored values.
package kvstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	chatcache "github.com/wolfeidau/chat-cache"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// DB wraps a bbolt database. A DB that failed to open, or has been closed,
// reports chatcache.ErrStorageUnavailable from every operation.
type DB struct {
	mu         sync.RWMutex
	db         *bbolt.DB
	path       string
	codec      *Codec
	migrations []Migration
	logger     *slog.Logger
	timeout    time.Duration
	noSync     bool
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithMigrations sets the schema migrations applied at open time.
func WithMigrations(migrations ...Migration) Option {
	return func(d *DB) {
		d.migrations = append(d.migrations, migrations...)
	}
}

// WithTimeout sets how long Open waits for the file lock held by another process.
func WithTimeout(timeout time.Duration) Option {
	return func(d *DB) {
		d.timeout = timeout
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates a new, unopened DB.
func New(opts ...Option) *DB {
	d := &DB{
		logger:  slog.Default(),
		timeout: time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at path and applies pending migrations.
// Failures are reported wrapped in chatcache.ErrStorageUnavailable.
func (d *DB) Open(path string) error {
	if err := ValidateMigrations(d.migrations); err != nil {
		return err
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: d.timeout,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", chatcache.ErrStorageUnavailable, path, err)
	}

	var from, to int
	err = db.Update(func(tx *bbolt.Tx) error {
		var merr error
		from, to, merr = Migrate(tx, d.migrations)
		return merr
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: migrating %s: %w", chatcache.ErrStorageUnavailable, path, err)
	}

	codec, err := NewCodec(DefaultCompressionThreshold)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating codec: %w", err)
	}

	d.mu.Lock()
	d.db = db
	d.path = path
	d.codec = codec
	d.mu.Unlock()

	d.logger.Debug("opened kvstore", "path", path, "schema_from", from, "schema_to", to, "noSync", d.noSync)
	return nil
}

// Close closes the database and releases resources. Closing an unopened DB is a no-op.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.codec != nil {
		d.codec.Close()
		d.codec = nil
	}
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing kvstore", "path", d.path)
	err := d.db.Close()
	d.db = nil
	return err
}

// Destroy closes the database and removes its file.
func (d *DB) Destroy() error {
	d.mu.RLock()
	path := d.path
	d.mu.RUnlock()

	if err := d.Close(); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Available reports whether the database is open.
func (d *DB) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db != nil
}

// Path returns the file path of the open database.
func (d *DB) Path() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.path
}

// Codec returns the shared value codec, or nil when the database is not open.
func (d *DB) Codec() *Codec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.codec
}

func (d *DB) handle() (*bbolt.DB, error) {
	if d == nil {
		return nil, chatcache.ErrStorageUnavailable
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, chatcache.ErrStorageUnavailable
	}
	return d.db, nil
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(tx *bbolt.Tx) error) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	return mapErr(db.View(fn))
}

// Update runs fn in a read-write transaction.
func (d *DB) Update(fn func(tx *bbolt.Tx) error) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	return mapErr(db.Update(fn))
}

// Get returns a copy of the value stored under key in bucket.
// Returns chatcache.ErrNotFound when the bucket or key does not exist.
func (d *DB) Get(bucket, key []byte) ([]byte, error) {
	var data []byte
	err := d.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return chatcache.ErrNotFound
		}
		val := b.Get(key)
		if val == nil {
			return chatcache.ErrNotFound
		}
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// Put stores value under key, creating the bucket if needed.
func (d *DB) Put(bucket, key, value []byte) error {
	return d.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
		return b.Put(key, value)
	})
}

// Delete removes key from bucket. Missing keys are not an error.
func (d *DB) Delete(bucket, key []byte) error {
	return d.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}

// Size returns the size in bytes of the database as seen by a read transaction.
func (d *DB) Size() (int64, error) {
	var size int64
	err := d.View(func(tx *bbolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size, err
}

// SchemaVersion returns the schema version recorded in the database.
func (d *DB) SchemaVersion() (int, error) {
	var v int
	err := d.View(func(tx *bbolt.Tx) error {
		v = CurrentVersion(tx)
		return nil
	})
	return v, err
}

func mapErr(err error) error {
	if errors.Is(err, berrors.ErrDatabaseNotOpen) {
		return fmt.Errorf("%w: %v", chatcache.ErrStorageUnavailable, err)
	}
	return err
}

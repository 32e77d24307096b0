package labels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	chatcache "github.com/wolfeidau/chat-cache"
	"github.com/wolfeidau/chat-cache/notify"
	"github.com/wolfeidau/chat-cache/store/kvstore"
	"github.com/wolfeidau/chat-cache/telemetry"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

var (
	BucketLabels = []byte("labels")
	BucketByName = []byte("labels_by_name")
)

const (
	// DefaultPageSize is the number of labels per GetLabels page.
	DefaultPageSize = 20

	// DefaultLRUSize is the number of encoded labels kept in memory.
	DefaultLRUSize = 64
)

// Phase is the initialisation state of a Store.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseOpening       Phase = "opening"
	PhaseReady         Phase = "ready"
	PhaseFailed        Phase = "failed"
)

// Store is the label record store. It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	db    *kvstore.DB
	path  string
	phase Phase

	// writeMu pairs each committed write with its LRU update, and a read
	// miss with the populate that follows it.
	writeMu sync.Mutex
	lruMu   sync.Mutex
	lru     *simplelru.LRU[uint64, []byte]

	beforePopulate func(id uint64) // test hook

	logger         *slog.Logger
	now            func() time.Time
	notifier       notify.Sink
	pageSize       int
	lruSize        int
	noSync         bool
	lockTimeout    time.Duration
	quotaThreshold int64
	usage          []usageReporter
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNotifier sets the sink for quota warnings.
func WithNotifier(sink notify.Sink) Option {
	return func(s *Store) {
		s.notifier = sink
	}
}

// WithPageSize sets the GetLabels page size.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithLRUSize sets the LRU capacity.
func WithLRUSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.lruSize = n
		}
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// WithLockTimeout sets how long Open waits for a file lock held elsewhere.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

// Open opens the label store at path. It never fails: when the file cannot
// be opened it is deleted and opened once more, and if that also fails the
// store stays in PhaseFailed and every operation degrades to empty results.
func Open(ctx context.Context, path string, opts ...Option) *Store {
	s := &Store{
		path:           path,
		phase:          PhaseUninitialized,
		logger:         slog.Default(),
		now:            time.Now,
		notifier:       notify.Discard,
		pageSize:       DefaultPageSize,
		lruSize:        DefaultLRUSize,
		lockTimeout:    time.Second,
		quotaThreshold: DefaultQuotaThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "labels")

	lru, _ := simplelru.NewLRU[uint64, []byte](s.lruSize, nil)
	s.lru = lru

	s.setPhase(PhaseOpening)
	if err := s.openDB(); err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			// Another process holds the file; it is not corrupt.
			s.logger.Error("label store locked", "path", path, "error", err)
			s.setPhase(PhaseFailed)
			return s
		}
		s.logger.Warn("label store failed to open, recovering", "path", path, "error", err)
		if err := s.RecoverCorruption(ctx); err != nil {
			s.logger.Error("label store unavailable", "path", path, "error", err)
		}
		return s
	}
	s.setPhase(PhaseReady)
	return s
}

func (s *Store) openDB() error {
	db := kvstore.New(
		kvstore.WithLogger(s.logger),
		kvstore.WithMigrations(Migrations...),
		kvstore.WithNoSync(s.noSync),
		kvstore.WithTimeout(s.lockTimeout),
	)
	if err := db.Open(s.path); err != nil {
		return err
	}
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}

// RecoverCorruption deletes the store file and opens it once more.
// All labels are lost. On failure the store moves to PhaseFailed.
func (s *Store) RecoverCorruption(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
	s.phase = PhaseOpening
	s.mu.Unlock()
	s.purgeLRU()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.setPhase(PhaseFailed)
		return fmt.Errorf("%w: removing %s: %v", chatcache.ErrStorageUnavailable, s.path, err)
	}
	if err := s.openDB(); err != nil {
		s.setPhase(PhaseFailed)
		return err
	}

	s.setPhase(PhaseReady)
	s.logger.Warn("label store recreated", "path", s.path)
	return nil
}

// Close closes the store. Subsequent operations degrade to empty results.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseFailed
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Phase returns the store's initialisation state.
func (s *Store) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Supported reports whether label persistence is available.
func (s *Store) Supported() bool {
	return s.Phase() == PhaseReady
}

func (s *Store) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// handle returns the open database, or nil when the store is not ready.
func (s *Store) handle() *kvstore.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.phase != PhaseReady {
		return nil
	}
	return s.db
}

func (s *Store) encode(db *kvstore.DB, l *Label) []byte {
	compact := marshalCompact(l)
	if codec := db.Codec(); codec != nil {
		return codec.Encode(compact)
	}
	return append([]byte{kvstore.EncodingIdentity}, compact...)
}

func (s *Store) decode(db *kvstore.DB, id uint64, value []byte) (*Label, error) {
	codec := db.Codec()
	if codec == nil {
		return nil, chatcache.ErrStorageUnavailable
	}
	compact, err := codec.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("%w: label %d: %v", chatcache.ErrSerialization, id, err)
	}
	l, err := unmarshalCompact(id, compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chatcache.ErrSerialization, err)
	}
	return l, nil
}

// prepare normalises a label for insertion.
func (s *Store) prepare(l Label) (Label, error) {
	if err := l.validate(); err != nil {
		return l, err
	}
	now := s.now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.LastUsed.IsZero() {
		l.LastUsed = now
	}
	l.CreatedAt = storedTime(l.CreatedAt)
	l.LastUsed = storedTime(l.LastUsed)
	l.Contacts = mergeContacts(nil, l.Contacts...)
	return l, nil
}

// AddLabel stores a new label and returns its id. CreatedAt and LastUsed
// default to now.
func (s *Store) AddLabel(ctx context.Context, l Label) (uint64, error) {
	ids, err := s.addLabels(ctx, "add", []Label{l})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AddLabels stores labels in one transaction. Any failure aborts the batch.
func (s *Store) AddLabels(ctx context.Context, labels []Label) ([]uint64, error) {
	return s.addLabels(ctx, "add_batch", labels)
}

func (s *Store) addLabels(ctx context.Context, op string, labels []Label) (ids []uint64, err error) {
	defer func() { telemetry.RecordLabelOp(ctx, op, err) }()

	db := s.handle()
	if db == nil {
		return nil, chatcache.ErrStorageUnavailable
	}
	if len(labels) == 0 {
		return nil, nil
	}

	prepared := make([]Label, len(labels))
	for i, l := range labels {
		if prepared[i], err = s.prepare(l); err != nil {
			return nil, err
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	encoded := make([][]byte, len(prepared))
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(BucketLabels)
		if err != nil {
			return err
		}
		idx, err := tx.CreateBucketIfNotExists(BucketByName)
		if err != nil {
			return err
		}
		ids = make([]uint64, len(prepared))
		for i := range prepared {
			id, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating label id: %w", err)
			}
			prepared[i].ID = id
			encoded[i] = s.encode(db, &prepared[i])
			if err := b.Put(kvstore.Uint64Key(id), encoded[i]); err != nil {
				return fmt.Errorf("putting label: %w", err)
			}
			if err := idx.Put(nameKey(prepared[i].Name, id), nil); err != nil {
				return fmt.Errorf("putting name index: %w", err)
			}
			ids[i] = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, id := range ids {
		s.cacheLabel(id, encoded[i])
	}
	return ids, nil
}

// GetLabel returns the label with id, or nil when absent.
func (s *Store) GetLabel(ctx context.Context, id uint64) (*Label, error) {
	db := s.handle()
	if db == nil {
		return nil, nil
	}

	if v, ok := s.cachedLabel(id); ok {
		if l, err := s.decode(db, id, v); err == nil {
			telemetry.RecordCacheLookup(ctx, "labels_lru", telemetry.CacheHit)
			return l, nil
		}
		s.evict(id)
	}
	telemetry.RecordCacheLookup(ctx, "labels_lru", telemetry.CacheMiss)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	v, err := db.Get(BucketLabels, kvstore.Uint64Key(id))
	if err != nil {
		if !errors.Is(err, chatcache.ErrNotFound) {
			s.logger.Warn("label lookup failed", "id", id, "error", err)
		}
		return nil, nil
	}
	l, err := s.decode(db, id, v)
	if err != nil {
		s.logger.Warn("unreadable label", "id", id, "error", err)
		return nil, nil
	}
	if s.beforePopulate != nil {
		s.beforePopulate(id)
	}
	s.cacheLabel(id, v)
	return l, nil
}

// GetLabelByName returns the first label whose name matches
// case-insensitively, or nil.
func (s *Store) GetLabelByName(ctx context.Context, name string) (*Label, error) {
	db := s.handle()
	if db == nil {
		return nil, nil
	}

	prefix := namePrefix(name)
	var id uint64
	err := db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(BucketByName)
		if idx == nil {
			return nil
		}
		k, _ := idx.Cursor().Seek(prefix)
		if k != nil && bytes.HasPrefix(k, prefix) && len(k) == len(prefix)+8 {
			id = kvstore.ParseUint64Key(k[len(prefix):])
		}
		return nil
	})
	if err != nil || id == 0 {
		return nil, nil
	}
	return s.GetLabel(ctx, id)
}

// GetLabels returns the page-th page of labels in id order.
func (s *Store) GetLabels(ctx context.Context, page int) ([]Label, error) {
	if page < 0 {
		page = 0
	}
	skip := page * s.pageSize
	return s.scan(ctx, func(i int, _ *Label) (keep, stop bool) {
		if i < skip {
			return false, false
		}
		return true, i+1 >= skip+s.pageSize
	})
}

// AllLabels returns every label in id order.
func (s *Store) AllLabels(ctx context.Context) ([]Label, error) {
	return s.scan(ctx, func(int, *Label) (bool, bool) { return true, false })
}

// Count returns the number of stored labels.
func (s *Store) Count(ctx context.Context) int {
	db := s.handle()
	if db == nil {
		return 0
	}
	n := 0
	_ = db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(BucketLabels); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n
}

// SearchLabels returns labels whose name or category contains query,
// ignoring case. An empty query matches everything.
func (s *Store) SearchLabels(ctx context.Context, query string) ([]Label, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	return s.scan(ctx, func(_ int, l *Label) (bool, bool) {
		if q == "" {
			return true, false
		}
		return strings.Contains(strings.ToLower(l.Name), q) ||
			strings.Contains(strings.ToLower(l.Category), q), false
	})
}

// scan walks labels in id order. Unreadable records are skipped.
func (s *Store) scan(ctx context.Context, visit func(i int, l *Label) (keep, stop bool)) ([]Label, error) {
	db := s.handle()
	if db == nil {
		return []Label{}, nil
	}

	out := []Label{}
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(BucketLabels)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		i := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := kvstore.ParseUint64Key(k)
			l, err := s.decode(db, id, v)
			if err != nil {
				s.logger.Warn("skipping unreadable label", "id", id, "error", err)
				continue
			}
			keep, stop := visit(i, l)
			i++
			if keep {
				out = append(out, *l)
			}
			if stop {
				break
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		s.logger.Warn("label scan failed", "error", err)
		return []Label{}, nil
	}
	return out, nil
}

// AssociateContacts merges contactIDs into the label's contacts and bumps
// LastUsed. The read-modify-write happens in one transaction.
// Returns chatcache.ErrNotFound when the label does not exist.
func (s *Store) AssociateContacts(ctx context.Context, id uint64, contactIDs []string) (err error) {
	defer func() { telemetry.RecordLabelOp(ctx, "associate", err) }()

	db := s.handle()
	if db == nil {
		return chatcache.ErrStorageUnavailable
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var encoded []byte
	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(BucketLabels)
		key := kvstore.Uint64Key(id)
		var v []byte
		if b != nil {
			v = b.Get(key)
		}
		if v == nil {
			return fmt.Errorf("label %d: %w", id, chatcache.ErrNotFound)
		}
		l, err := s.decode(db, id, v)
		if err != nil {
			return err
		}
		l.Contacts = mergeContacts(l.Contacts, contactIDs...)
		l.LastUsed = storedTime(s.now())
		encoded = s.encode(db, l)
		return b.Put(key, encoded)
	})
	if err != nil {
		return err
	}
	s.cacheLabel(id, encoded)
	return nil
}

// PutLabel replaces an existing label. Returns chatcache.ErrNotFound when
// no label has l.ID.
func (s *Store) PutLabel(ctx context.Context, l Label) (err error) {
	defer func() { telemetry.RecordLabelOp(ctx, "put", err) }()

	db := s.handle()
	if db == nil {
		return chatcache.ErrStorageUnavailable
	}
	if l.ID == 0 {
		return fmt.Errorf("%w: id is required", ErrInvalidLabel)
	}
	if l, err = s.prepare(l); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var encoded []byte
	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(BucketLabels)
		key := kvstore.Uint64Key(l.ID)
		var old []byte
		if b != nil {
			old = b.Get(key)
		}
		if old == nil {
			return fmt.Errorf("label %d: %w", l.ID, chatcache.ErrNotFound)
		}
		idx, err := tx.CreateBucketIfNotExists(BucketByName)
		if err != nil {
			return err
		}
		if prev, err := s.decode(db, l.ID, old); err == nil {
			if err := idx.Delete(nameKey(prev.Name, l.ID)); err != nil {
				return err
			}
		}
		encoded = s.encode(db, &l)
		if err := b.Put(key, encoded); err != nil {
			return err
		}
		return idx.Put(nameKey(l.Name, l.ID), nil)
	})
	if err != nil {
		return err
	}
	s.cacheLabel(l.ID, encoded)
	return nil
}

// RemoveLabel deletes the label with id. Missing labels are not an error.
func (s *Store) RemoveLabel(ctx context.Context, id uint64) (err error) {
	defer func() { telemetry.RecordLabelOp(ctx, "remove", err) }()

	db := s.handle()
	if db == nil {
		return chatcache.ErrStorageUnavailable
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = db.Update(func(tx *bbolt.Tx) error {
		return s.deleteInTx(db, tx, id)
	})
	s.evict(id)
	return err
}

// deleteStale removes labels whose last activity is before cutoff.
func (s *Store) deleteStale(ctx context.Context, cutoff time.Time) (int, error) {
	db := s.handle()
	if db == nil {
		return 0, chatcache.ErrStorageUnavailable
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted []uint64
	err := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(BucketLabels)
		if b == nil {
			return nil
		}
		var stale []uint64
		err := b.ForEach(func(k, v []byte) error {
			id := kvstore.ParseUint64Key(k)
			l, err := s.decode(db, id, v)
			if err != nil {
				return nil // leave unreadable records for RecoverCorruption
			}
			if l.LastActivity().Before(cutoff) {
				stale = append(stale, id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range stale {
			if err := s.deleteInTx(db, tx, id); err != nil {
				return err
			}
		}
		deleted = stale
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range deleted {
		s.evict(id)
	}
	return len(deleted), nil
}

func (s *Store) deleteInTx(db *kvstore.DB, tx *bbolt.Tx, id uint64) error {
	b := tx.Bucket(BucketLabels)
	if b == nil {
		return nil
	}
	key := kvstore.Uint64Key(id)
	v := b.Get(key)
	if v == nil {
		return nil
	}
	if l, err := s.decode(db, id, v); err == nil {
		if idx := tx.Bucket(BucketByName); idx != nil {
			if err := idx.Delete(nameKey(l.Name, id)); err != nil {
				return err
			}
		}
	}
	return b.Delete(key)
}

// DBSize returns the size of the label database file as seen by bbolt.
func (s *Store) DBSize() int64 {
	db := s.handle()
	if db == nil {
		return 0
	}
	size, err := db.Size()
	if err != nil {
		return 0
	}
	return size
}

func (s *Store) cachedLabel(id uint64) ([]byte, bool) {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	return s.lru.Get(id)
}

func (s *Store) cacheLabel(id uint64, encoded []byte) {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	s.lru.Add(id, encoded)
}

func (s *Store) evict(id uint64) {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	s.lru.Remove(id)
}

func (s *Store) purgeLRU() {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	s.lru.Purge()
}

// nameKey builds a labels_by_name key: [lower(name)][0x00][8-byte id].
func nameKey(name string, id uint64) []byte {
	return append(namePrefix(name), kvstore.Uint64Key(id)...)
}

func namePrefix(name string) []byte {
	return kvstore.NamespacePrefix(strings.ToLower(strings.TrimSpace(name)))
}

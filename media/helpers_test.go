package media

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/chat-cache/fetch"
	"github.com/wolfeidau/chat-cache/kvcache"
	"github.com/wolfeidau/chat-cache/objecturl"
	"github.com/wolfeidau/chat-cache/store/kvstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeFetcher serves fixed content and counts calls. When gate is set, Fetch
// blocks until it is closed.
type fakeFetcher struct {
	mu      sync.Mutex
	data    []byte
	mime    string
	err     error
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func newFakeFetcher(data string, mime string) *fakeFetcher {
	return &fakeFetcher{data: []byte(data), mime: mime, started: make(chan struct{})}
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ string) (*fetch.Object, error) {
	f.calls.Add(1)
	f.once.Do(func() { close(f.started) })

	f.mu.Lock()
	gate, data, mime, err := f.gate, f.data, f.mime, f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &fetch.Object{Data: data, MimeType: mime}, nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) block() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func newTestDB(t *testing.T) *kvstore.DB {
	t.Helper()
	db := kvstore.New(kvstore.WithNoSync(true), kvstore.WithMigrations(kvcache.Migration, Migration))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "cache.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type testEnv struct {
	db      *kvstore.DB
	fetcher *fakeFetcher
	urls    *objecturl.Registry
	clock   *clock
	store   *Store
}

func newTestEnv(t *testing.T, opts ...StoreOption) *testEnv {
	t.Helper()
	env := &testEnv{
		db:      newTestDB(t),
		fetcher: newFakeFetcher("image-bytes", "image/jpeg"),
		urls:    objecturl.New("http://127.0.0.1:8080/blob"),
		clock:   newClock(),
	}
	opts = append([]StoreOption{WithNow(env.clock.Now)}, opts...)
	env.store = NewStore(env.db, env.fetcher, env.urls, opts...)
	return env
}

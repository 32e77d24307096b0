package kvcache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func newTestStore(t *testing.T) *kvstore.DB {
	t.Helper()
	db := kvstore.New(kvstore.WithNoSync(true), kvstore.WithMigrations(Migration))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "kv.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type session struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

func TestCache_TTL(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := New(newTestStore(t), "auth", WithNow(clk.Now))

	want := session{UserID: "u-1", Roles: []string{"agent"}}
	c.Set(ctx, "session", want, time.Minute)

	var got session
	require.True(t, c.Get(ctx, "session", &got))
	assert.Equal(t, want, got)
	assert.True(t, c.Has(ctx, "session"))

	clk.Advance(time.Minute + time.Millisecond)

	got = session{}
	assert.False(t, c.Get(ctx, "session", &got))
	assert.False(t, c.Has(ctx, "session"))

	// The expired entry was deleted from the store, not just hidden.
	_, err := c.db.Get(Bucket, kvstore.NamespacedKey("auth", "session"))
	require.Error(t, err)
}

func TestCache_Overwrite(t *testing.T) {
	ctx := context.Background()
	c := New(newTestStore(t), "labels")

	c.Set(ctx, "list", []string{"a"}, time.Hour)
	c.Set(ctx, "list", []string{"b", "c"}, time.Hour)

	var got []string
	require.True(t, c.Get(ctx, "list", &got))
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestCache_RemoveAndClearAll(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	auth := New(db, "auth")
	convs := New(db, "conversations")
	authPrefixed := New(db, "auth2")

	auth.Set(ctx, "a", 1, time.Hour)
	auth.Set(ctx, "b", 2, time.Hour)
	auth.Set(ctx, "c", 3, time.Hour)
	convs.Set(ctx, "a", "keep", time.Hour)
	authPrefixed.Set(ctx, "a", "keep", time.Hour)

	auth.Remove(ctx, "a")
	assert.False(t, auth.Has(ctx, "a"))
	assert.True(t, auth.Has(ctx, "b"))

	auth.ClearAll(ctx)
	assert.False(t, auth.Has(ctx, "b"))
	assert.False(t, auth.Has(ctx, "c"))

	assert.True(t, convs.Has(ctx, "a"))
	assert.True(t, authPrefixed.Has(ctx, "a"))
}

func TestCache_DecodeFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	c := New(db, "meta")

	c.Set(ctx, "n", "not a number", time.Hour)
	var n int
	assert.False(t, c.Get(ctx, "n", &n))

	require.NoError(t, db.Put(Bucket, kvstore.NamespacedKey("meta", "corrupt"), []byte("{not json")))
	var s string
	assert.False(t, c.Get(ctx, "corrupt", &s))
}

func TestCache_SetUnserialisableIsIgnored(t *testing.T) {
	ctx := context.Background()
	c := New(newTestStore(t), "meta")

	c.Set(ctx, "ch", make(chan int), time.Hour)
	assert.False(t, c.Has(ctx, "ch"))
}

func TestCache_NullValue(t *testing.T) {
	ctx := context.Background()
	c := New(newTestStore(t), "meta")

	c.Set(ctx, "nothing", nil, time.Hour)
	assert.True(t, c.Get(ctx, "nothing", nil))
	assert.False(t, c.Has(ctx, "nothing"))
}

func TestCache_StorageUnavailable(t *testing.T) {
	ctx := context.Background()
	c := New(kvstore.New(), "auth")

	c.Set(ctx, "k", "v", time.Hour)
	var v string
	assert.False(t, c.Get(ctx, "k", &v))
	assert.False(t, c.Has(ctx, "k"))
	c.Remove(ctx, "k")
	c.ClearAll(ctx)
}

func TestGetOrFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("miss calls producer and caches", func(t *testing.T) {
		clk := newClock()
		c := New(newTestStore(t), "labels", WithNow(clk.Now))
		var calls atomic.Int32

		producer := func(context.Context) ([]string, error) {
			calls.Add(1)
			return []string{"All", "Critical"}, nil
		}

		got, err := GetOrFetch(ctx, c, "list", producer, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []string{"All", "Critical"}, got)

		got, err = GetOrFetch(ctx, c, "list", producer, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []string{"All", "Critical"}, got)
		assert.Equal(t, int32(1), calls.Load())

		clk.Advance(2 * time.Minute)
		_, err = GetOrFetch(ctx, c, "list", producer, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("producer error propagates and nothing is cached", func(t *testing.T) {
		c := New(newTestStore(t), "labels")
		boom := errors.New("backend down")

		_, err := GetOrFetch(ctx, c, "list", func(context.Context) (int, error) { return 0, boom }, time.Minute)
		require.ErrorIs(t, err, boom)
		assert.False(t, c.Has(ctx, "list"))
	})

	t.Run("concurrent misses each call producer", func(t *testing.T) {
		c := New(newTestStore(t), "labels")
		var calls atomic.Int32
		start := make(chan struct{})

		producer := func(context.Context) (int, error) {
			calls.Add(1)
			<-start
			return 7, nil
		}

		var wg sync.WaitGroup
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := GetOrFetch(ctx, c, "n", producer, time.Minute)
				assert.NoError(t, err)
				assert.Equal(t, 7, v)
			}()
		}

		require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
		close(start)
		wg.Wait()
	})
}

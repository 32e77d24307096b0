package media

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	chatcache "github.com/wolfeidau/chat-cache"
	"github.com/wolfeidau/chat-cache/notify"
)

func newTestController(t *testing.T) (*testEnv, *Controller, *notify.Recorder) {
	t.Helper()
	env := newTestEnv(t)
	rec := &notify.Recorder{}
	c := NewController(env.store, WithNotifier(rec), WithTTL(time.Hour))
	return env, c, rec
}

func TestController_AttachNotCached(t *testing.T) {
	_, c, _ := newTestController(t)

	r := c.Attach(context.Background(), srcURL, "image/jpeg")
	st := r.State()
	require.Equal(t, PhaseNotCached, st.Phase)
	require.False(t, st.IsCached)
	require.False(t, st.IsLoading)
	require.Empty(t, st.LocalURL)
	require.Equal(t, srcURL, st.URL(), "falls back to the remote URL")
}

func TestController_CacheMediaThenReattach(t *testing.T) {
	ctx := context.Background()
	env, c, _ := newTestController(t)

	r := c.Attach(ctx, srcURL, "image/jpeg")
	u, err := r.CacheMedia(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, u)

	st := r.State()
	require.Equal(t, PhaseCached, st.Phase)
	require.True(t, st.IsCached)
	require.Equal(t, u, st.URL())

	again, err := r.CacheMedia(ctx)
	require.NoError(t, err)
	require.Equal(t, u, again)

	// A new attach for the same source resolves locally right away.
	r2 := c.Attach(ctx, srcURL, "image/jpeg")
	st2 := r2.State()
	require.True(t, st2.IsCached)
	require.NotEmpty(t, st2.LocalURL)
	require.NotEqual(t, u, st2.LocalURL, "each resource owns its own URL")
	require.EqualValues(t, 1, env.fetcher.calls.Load())
	require.Equal(t, 2, env.urls.Len())
}

func TestController_ConcurrentCacheMediaDeduplicated(t *testing.T) {
	ctx := context.Background()
	env, c, _ := newTestController(t)
	gate := env.fetcher.block()

	r := c.Attach(ctx, srcURL, "image/jpeg")

	var wg sync.WaitGroup
	urls := make([]string, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			urls[idx], errs[idx] = r.CacheMedia(ctx)
		}(i)
	}

	<-env.fetcher.started
	require.Eventually(t, func() bool { return r.State().IsLoading }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, urls[0], urls[1], "both callers observe the same local URL")
	require.EqualValues(t, 1, env.fetcher.calls.Load(), "exactly one remote fetch")
	require.Equal(t, 1, env.urls.Len())
}

func TestController_ConcurrentFailureShared(t *testing.T) {
	ctx := context.Background()
	env, c, rec := newTestController(t)
	gate := env.fetcher.block()
	env.fetcher.setErr(&chatcache.DownloadError{URL: srcURL, StatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")})

	r := c.Attach(ctx, srcURL, "image/jpeg")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = r.CacheMedia(ctx)
		}(i)
	}

	<-env.fetcher.started
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.EqualValues(t, 1, env.fetcher.calls.Load())
	for _, err := range errs {
		var de *chatcache.DownloadError
		require.ErrorAs(t, err, &de)
		require.Equal(t, http.StatusBadGateway, de.StatusCode)
	}

	st := r.State()
	require.Equal(t, PhaseFailed, st.Phase)
	require.False(t, st.IsCached)
	require.False(t, st.IsLoading)
	require.Contains(t, st.Error, "bad gateway")
	require.Equal(t, srcURL, st.URL())
	require.Equal(t, 1, rec.Count(notify.KindError))
	require.False(t, env.store.IsCached(ctx, st.MediaID))

	// The guard is released, so a retry downloads again.
	env.fetcher.setErr(nil)
	u, err := r.CacheMedia(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, u)
	require.EqualValues(t, 2, env.fetcher.calls.Load())
	require.Equal(t, PhaseCached, r.State().Phase)
}

func TestController_DetachRevokesURLs(t *testing.T) {
	ctx := context.Background()
	env, c, _ := newTestController(t)

	r := c.Attach(ctx, srcURL, "image/jpeg")
	u, err := r.CacheMedia(ctx)
	require.NoError(t, err)

	r.Detach()
	_, _, ok := env.urls.Resolve(u)
	require.False(t, ok)
	require.Zero(t, env.urls.Len())
	require.Empty(t, r.State().LocalURL)

	_, err = r.CacheMedia(ctx)
	require.ErrorIs(t, err, ErrDetached)
}

func TestController_DetachDuringDownload(t *testing.T) {
	ctx := context.Background()
	env, c, _ := newTestController(t)
	gate := env.fetcher.block()

	r := c.Attach(ctx, srcURL, "image/jpeg")

	done := make(chan error, 1)
	go func() {
		_, err := r.CacheMedia(ctx)
		done <- err
	}()

	<-env.fetcher.started
	r.Detach()
	close(gate)

	require.ErrorIs(t, <-done, ErrDetached)
	require.True(t, env.store.IsCached(ctx, ID(srcURL)), "store write still completes")
	require.Zero(t, env.urls.Len(), "no URL is leaked after detach")
}

func TestController_CallerCancelDoesNotAbortDownload(t *testing.T) {
	env, c, rec := newTestController(t)
	gate := env.fetcher.block()

	r := c.Attach(context.Background(), srcURL, "image/jpeg")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.CacheMedia(ctx)
		done <- err
	}()

	<-env.fetcher.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, r.State().IsLoading)

	close(gate)
	require.Eventually(t, func() bool {
		return env.store.IsCached(context.Background(), ID(srcURL))
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, rec.Count(notify.KindError), "cancellation is not a download failure")
}

func TestController_AbandonedDownloadFailureIsReported(t *testing.T) {
	env, c, rec := newTestController(t)
	gate := env.fetcher.block()
	env.fetcher.setErr(&chatcache.DownloadError{URL: srcURL, StatusCode: http.StatusNotFound, Err: errors.New("gone")})

	r := c.Attach(context.Background(), srcURL, "image/jpeg")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.CacheMedia(ctx)
		done <- err
	}()

	<-env.fetcher.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Zero(t, rec.Count(notify.KindError))

	close(gate)
	require.Eventually(t, func() bool {
		return rec.Count(notify.KindError) == 1
	}, 2*time.Second, 10*time.Millisecond)

	st := r.State()
	require.Equal(t, PhaseFailed, st.Phase)
	require.Contains(t, st.Error, "gone")
	require.False(t, env.store.IsCached(context.Background(), st.MediaID))
}

func TestController_OneNotificationPerFailedDownload(t *testing.T) {
	ctx := context.Background()
	env, c, rec := newTestController(t)
	gate := env.fetcher.block()
	env.fetcher.setErr(errors.New("connection reset"))

	resources := []*Resource{c.Attach(ctx, srcURL, "image/jpeg"), c.Attach(ctx, srcURL, "image/jpeg")}

	var wg sync.WaitGroup
	errs := make([]error, len(resources))
	for i, r := range resources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = r.CacheMedia(ctx)
		}()
	}

	<-env.fetcher.started
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		require.True(t, chatcache.IsDownloadError(err))
	}

	require.EqualValues(t, 1, env.fetcher.calls.Load())
	require.Equal(t, 1, rec.Count(notify.KindError), "waiters share one report")
	for _, r := range resources {
		require.Equal(t, PhaseFailed, r.State().Phase)
	}

	// A retry is a new download and reports its own failure.
	env.fetcher.mu.Lock()
	env.fetcher.gate = nil
	env.fetcher.mu.Unlock()
	_, err := resources[0].CacheMedia(ctx)
	require.Error(t, err)
	require.EqualValues(t, 2, env.fetcher.calls.Load())
	require.Equal(t, 2, rec.Count(notify.KindError))
}

package labels

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/chat-cache/notify"
)

func TestStore_CheckStorageQuota(t *testing.T) {
	ctx := context.Background()
	rec := &notify.Recorder{}
	s, _ := newTestStore(t,
		WithNotifier(rec),
		WithQuotaThreshold(1<<40),
		WithUsageReporter("media", func(context.Context) (int64, error) { return 1000, nil }),
		WithUsageReporter("broken", func(context.Context) (int64, error) { return 0, errors.New("boom") }),
	)

	st, err := s.CheckStorageQuota(ctx)
	require.NoError(t, err)
	assert.False(t, st.Exceeded)
	assert.EqualValues(t, 1000, st.Breakdown["media"])
	assert.NotContains(t, st.Breakdown, "broken", "failing reporters are skipped")
	assert.Positive(t, st.Breakdown["labels"])
	assert.Equal(t, st.Breakdown["labels"]+1000, st.Usage)
	assert.Empty(t, rec.All())
}

func TestStore_CheckStorageQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	rec := &notify.Recorder{}
	s, _ := newTestStore(t, WithNotifier(rec), WithQuotaThreshold(1))

	_, err := s.AddLabel(ctx, Label{Name: "kept"})
	require.NoError(t, err)

	st, err := s.CheckStorageQuota(ctx)
	require.NoError(t, err)
	assert.True(t, st.Exceeded)
	assert.Equal(t, 1, rec.Count(notify.KindWarning))
	assert.Equal(t, 1, s.Count(ctx), "quota checks never delete")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "200.0 MiB", formatBytes(200<<20))
}

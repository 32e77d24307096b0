package labels

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
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

func newTestStore(t *testing.T, opts ...Option) (*Store, *clock) {
	t.Helper()
	clk := newClock()
	opts = append([]Option{WithNoSync(true), WithNow(clk.Now)}, opts...)
	s := Open(context.Background(), filepath.Join(t.TempDir(), "labels.db"), opts...)
	require.Equal(t, PhaseReady, s.Phase())
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func names(labels []Label) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = l.Name
	}
	return out
}

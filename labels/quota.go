package labels

import (
	"context"
	"fmt"

	"github.com/wolfeidau/chat-cache/notify"
	"github.com/wolfeidau/chat-cache/telemetry"
)

// DefaultQuotaThreshold is the usage at which a quota warning is raised.
const DefaultQuotaThreshold int64 = 200 << 20

// UsageFunc reports the bytes used by another store.
type UsageFunc func(ctx context.Context) (int64, error)

type usageReporter struct {
	name string
	fn   UsageFunc
}

// WithQuotaThreshold sets the usage warning threshold in bytes.
func WithQuotaThreshold(bytes int64) Option {
	return func(s *Store) {
		s.quotaThreshold = bytes
	}
}

// WithUsageReporter adds another store's usage to CheckStorageQuota,
// e.g. the media cache's TotalCachedBytes.
func WithUsageReporter(name string, fn UsageFunc) Option {
	return func(s *Store) {
		s.usage = append(s.usage, usageReporter{name: name, fn: fn})
	}
}

// QuotaStatus is the result of a quota check.
type QuotaStatus struct {
	Usage     int64            `json:"usage"`
	Threshold int64            `json:"threshold"`
	Exceeded  bool             `json:"exceeded"`
	Breakdown map[string]int64 `json:"breakdown"`
}

// CheckStorageQuota compares estimated usage against the warning threshold
// and sends a warning notification when it is exceeded. It never deletes
// anything.
func (s *Store) CheckStorageQuota(ctx context.Context) (QuotaStatus, error) {
	st := QuotaStatus{
		Threshold: s.quotaThreshold,
		Breakdown: map[string]int64{"labels": s.DBSize()},
	}
	for _, r := range s.usage {
		n, err := r.fn(ctx)
		if err != nil {
			s.logger.Warn("usage reporter failed", "reporter", r.name, "error", err)
			continue
		}
		st.Breakdown[r.name] = n
	}
	for name, n := range st.Breakdown {
		st.Usage += n
		telemetry.RecordStorageUsage(ctx, name, n, false)
	}

	st.Exceeded = s.quotaThreshold > 0 && st.Usage >= s.quotaThreshold
	telemetry.RecordStorageUsage(ctx, "total", st.Usage, st.Exceeded)

	if st.Exceeded {
		s.logger.Warn("storage quota threshold exceeded", "usage", st.Usage, "threshold", st.Threshold)
		s.notifier.Notify(ctx, notify.KindWarning,
			fmt.Sprintf("Local storage is almost full (%s of %s used)", formatBytes(st.Usage), formatBytes(st.Threshold)))
	}
	return st, nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

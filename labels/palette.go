package labels

import (
	"context"
	"math/rand/v2"
	"slices"
)

// MaxLabels is the most labels a user may create. The store does not
// enforce it; callers check Count before adding.
const MaxLabels = 20

// Palette is the fixed set of label colors.
var Palette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#96CEB4",
	"#FFEAA7",
	"#DDA0DD",
	"#98D8C8",
	"#F7DC6F",
}

// RandomColor returns a palette color not used by any label, or a random
// palette color once every color is taken.
func (s *Store) RandomColor(ctx context.Context) string {
	all, _ := s.AllLabels(ctx)
	used := make(map[string]bool, len(all))
	for _, l := range all {
		used[l.Color] = true
	}

	free := slices.DeleteFunc(slices.Clone(Palette), func(c string) bool { return used[c] })
	if len(free) == 0 {
		return Palette[rand.IntN(len(Palette))] //nolint:gosec // not security sensitive
	}
	return free[rand.IntN(len(free))] //nolint:gosec // not security sensitive
}

// DefaultLabels is the label set shown when persistence is unavailable.
func DefaultLabels() []Label {
	return []Label{
		{Name: "All", Color: Palette[0]},
		{Name: "Critical", Color: Palette[1]},
	}
}

// LabelsForDisplay returns a page of labels, or DefaultLabels when the store
// is not supported.
func (s *Store) LabelsForDisplay(ctx context.Context, page int) []Label {
	if !s.Supported() {
		return DefaultLabels()
	}
	labels, err := s.GetLabels(ctx, page)
	if err != nil {
		return []Label{}
	}
	return labels
}

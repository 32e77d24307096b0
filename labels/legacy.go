package labels

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/afero"
)

// legacyLabel is one entry of the legacy flat label list.
type legacyLabel struct {
	Name      string   `json:"name"`
	Color     string   `json:"color"`
	CreatedAt int64    `json:"createdAt"` // unix milliseconds
	LastUsed  int64    `json:"lastUsed,omitempty"`
	Category  string   `json:"category,omitempty"`
	Contacts  []string `json:"contacts,omitempty"`
}

// MigrateFromLegacy imports the legacy JSON label list at path and deletes
// it after a successful import. It is best effort: failures are logged and
// leave the source in place. Names already in the store are skipped, so
// importing the same file twice adds nothing. Returns the number of labels
// imported.
func (s *Store) MigrateFromLegacy(ctx context.Context, fs afero.Fs, path string) int {
	logger := s.logger.With("source", path)

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("no legacy labels to migrate")
		} else {
			logger.Warn("reading legacy labels failed", "error", err)
		}
		return 0
	}

	var legacy []legacyLabel
	if err := json.Unmarshal(data, &legacy); err != nil {
		logger.Warn("legacy labels are not valid JSON", "error", err)
		return 0
	}

	batch := make([]Label, 0, len(legacy))
	seen := make(map[string]bool, len(legacy))
	for _, ll := range legacy {
		l := Label{
			Name:     ll.Name,
			Color:    ll.Color,
			Category: ll.Category,
			Contacts: ll.Contacts,
		}
		if ll.CreatedAt > 0 {
			l.CreatedAt = time.UnixMilli(ll.CreatedAt).UTC()
		}
		if ll.LastUsed > 0 {
			l.LastUsed = time.UnixMilli(ll.LastUsed).UTC()
		}
		if l.validate() != nil {
			logger.Warn("skipping legacy label without a name")
			continue
		}
		// A source that could not be removed last time is seen again.
		key := string(namePrefix(l.Name))
		if seen[key] {
			continue
		}
		seen[key] = true
		if existing, _ := s.GetLabelByName(ctx, l.Name); existing != nil {
			logger.Debug("legacy label already imported", "name", l.Name)
			continue
		}
		batch = append(batch, l)
	}

	ids, err := s.AddLabels(ctx, batch)
	if err != nil {
		logger.Warn("importing legacy labels failed", "error", err)
		return 0
	}

	if err := fs.Remove(path); err != nil {
		logger.Warn("removing legacy labels failed", "error", err)
	}
	logger.Info("legacy labels migrated", "imported", len(ids))
	return len(ids)
}

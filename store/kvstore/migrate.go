package kvstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"
)

var (
	bucketSchema = []byte("_schema")
	keyVersion   = []byte("version")
)

// ErrSchemaTooNew is returned when the stored schema version is newer than
// any migration known to this build.
var ErrSchemaTooNew = errors.New("kvstore: schema version is newer than supported")

// Migration upgrades the schema from one version to the next.
// Apply runs inside the open-time read-write transaction.
type Migration struct {
	From  int
	To    int
	Name  string
	Apply func(tx *bbolt.Tx) error
}

// ValidateMigrations checks that migrations form a single forward chain.
func ValidateMigrations(migrations []Migration) error {
	seen := make(map[int]string, len(migrations))
	for _, m := range migrations {
		if m.To <= m.From {
			return fmt.Errorf("migration %q: target version %d must be greater than %d", m.Name, m.To, m.From)
		}
		if m.Apply == nil {
			return fmt.Errorf("migration %q: missing apply func", m.Name)
		}
		if other, ok := seen[m.From]; ok {
			return fmt.Errorf("migrations %q and %q both start at version %d", other, m.Name, m.From)
		}
		seen[m.From] = m.Name
	}
	return nil
}

// CurrentVersion returns the schema version stored in tx, or 0 for a new database.
func CurrentVersion(tx *bbolt.Tx) int {
	b := tx.Bucket(bucketSchema)
	if b == nil {
		return 0
	}
	v := b.Get(keyVersion)
	if len(v) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(v)) //nolint:gosec // versions are small
}

func setVersion(tx *bbolt.Tx, version int) error {
	b, err := tx.CreateBucketIfNotExists(bucketSchema)
	if err != nil {
		return fmt.Errorf("creating schema bucket: %w", err)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(version)) //nolint:gosec // versions are non-negative
	return b.Put(keyVersion, buf)
}

// Migrate applies every migration reachable from the stored version, in order.
// It returns the version before and after.
func Migrate(tx *bbolt.Tx, migrations []Migration) (from, to int, err error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	from = CurrentVersion(tx)
	to = from

	latest := 0
	for _, m := range sorted {
		if m.To > latest {
			latest = m.To
		}
	}
	if len(sorted) > 0 && from > latest {
		return from, to, fmt.Errorf("%w: stored %d, latest %d", ErrSchemaTooNew, from, latest)
	}

	for _, m := range sorted {
		if m.From != to {
			continue
		}
		if err := m.Apply(tx); err != nil {
			return from, to, fmt.Errorf("migration %q (%d -> %d): %w", m.Name, m.From, m.To, err)
		}
		to = m.To
	}

	if to != from {
		if err := setVersion(tx, to); err != nil {
			return from, to, err
		}
	}
	return from, to, nil
}

// CreateBuckets returns a migration step that creates the named buckets.
func CreateBuckets(names ...[]byte) func(tx *bbolt.Tx) error {
	return func(tx *bbolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	}
}

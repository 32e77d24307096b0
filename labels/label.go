// Package labels stores user-defined conversation labels.
//
// Labels live in their own bbolt file in a compact protobuf-wire form, are
// fronted by an in-process LRU of encoded records, and are swept by a
// retention reaper. A store that cannot be opened degrades to empty results.
package labels

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Compact field numbers.
const (
	fieldName     protowire.Number = 1
	fieldColor    protowire.Number = 2
	fieldCreated  protowire.Number = 3
	fieldCategory protowire.Number = 4
	fieldLastUsed protowire.Number = 5
	fieldContact  protowire.Number = 6
)

// ErrInvalidLabel is returned for labels that cannot be stored.
var ErrInvalidLabel = errors.New("labels: invalid label")

// Label is a user-defined label attached to conversations.
type Label struct {
	ID        uint64    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
	Category  string    `json:"category,omitempty"`
	LastUsed  time.Time `json:"last_used,omitzero"`
	Contacts  []string  `json:"contacts,omitempty"`
}

// LastActivity is LastUsed or, if unset, CreatedAt.
func (l *Label) LastActivity() time.Time {
	if !l.LastUsed.IsZero() {
		return l.LastUsed
	}
	return l.CreatedAt
}

// HasContact reports whether contactID is associated with the label.
func (l *Label) HasContact(contactID string) bool {
	_, found := slices.BinarySearch(l.Contacts, contactID)
	return found
}

func (l *Label) validate() error {
	if strings.TrimSpace(l.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidLabel)
	}
	return nil
}

// mergeContacts returns the sorted union of existing and added, without
// duplicates or empty ids.
func mergeContacts(existing []string, added ...string) []string {
	out := make([]string, 0, len(existing)+len(added))
	out = append(out, existing...)
	for _, c := range added {
		if c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// storedTime is t at the precision the compact form keeps.
func storedTime(t time.Time) time.Time {
	return t.Truncate(time.Millisecond).UTC()
}

// marshalCompact encodes l without its ID. Zero optional fields are omitted.
func marshalCompact(l *Label) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, l.Name)
	if l.Color != "" {
		b = protowire.AppendTag(b, fieldColor, protowire.BytesType)
		b = protowire.AppendString(b, l.Color)
	}
	if !l.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreated, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(l.CreatedAt.UnixMilli()))
	}
	if l.Category != "" {
		b = protowire.AppendTag(b, fieldCategory, protowire.BytesType)
		b = protowire.AppendString(b, l.Category)
	}
	if !l.LastUsed.IsZero() {
		b = protowire.AppendTag(b, fieldLastUsed, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(l.LastUsed.UnixMilli()))
	}
	for _, c := range l.Contacts {
		b = protowire.AppendTag(b, fieldContact, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	return b
}

// unmarshalCompact decodes a record written by marshalCompact.
// Unknown fields are skipped.
func unmarshalCompact(id uint64, b []byte) (*Label, error) {
	l := &Label{ID: id}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decoding label %d tag: %w", id, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldName || num == fieldColor || num == fieldCategory || num == fieldContact):
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("decoding label %d field %d: %w", id, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldName:
				l.Name = v
			case fieldColor:
				l.Color = v
			case fieldCategory:
				l.Category = v
			case fieldContact:
				l.Contacts = append(l.Contacts, v)
			}
		case typ == protowire.VarintType && (num == fieldCreated || num == fieldLastUsed):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("decoding label %d field %d: %w", id, num, protowire.ParseError(n))
			}
			b = b[n:]
			t := time.UnixMilli(protowire.DecodeZigZag(v)).UTC()
			if num == fieldCreated {
				l.CreatedAt = t
			} else {
				l.LastUsed = t
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skipping label %d field %d: %w", id, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return l, nil
}

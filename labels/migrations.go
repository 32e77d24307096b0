package labels

import (
	"fmt"

	"github.com/wolfeidau/chat-cache/store/kvstore"
	"go.etcd.io/bbolt"
)

// Migrations is the label store schema history.
var Migrations = []kvstore.Migration{
	{From: 0, To: 1, Name: "create labels bucket", Apply: kvstore.CreateBuckets(BucketLabels)},
	{From: 1, To: 2, Name: "index labels by name", Apply: backfillNameIndex},
}

// backfillNameIndex creates labels_by_name and indexes every existing label.
func backfillNameIndex(tx *bbolt.Tx) error {
	idx, err := tx.CreateBucketIfNotExists(BucketByName)
	if err != nil {
		return fmt.Errorf("creating bucket %s: %w", BucketByName, err)
	}
	b := tx.Bucket(BucketLabels)
	if b == nil {
		return nil
	}

	// The DB codec is not available until Open returns.
	codec, err := kvstore.NewCodec(kvstore.DefaultCompressionThreshold)
	if err != nil {
		return err
	}
	defer codec.Close()

	return b.ForEach(func(k, v []byte) error {
		id := kvstore.ParseUint64Key(k)
		compact, err := codec.Decode(v)
		if err != nil {
			return nil // unreadable records are not indexed
		}
		l, err := unmarshalCompact(id, compact)
		if err != nil {
			return nil
		}
		return idx.Put(nameKey(l.Name, id), nil)
	})
}

package disk

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	bucketSegments = []byte("segments") // segment id → segmentInfo
	bucketMeta     = []byte("meta")     // fixed keys below
	keyCursor      = []byte("cursor")
	keyExpired     = []byte("expired")
)

// segmentInfo is the persisted registry record for one segment.
//
//	[createdMs   : 8 bytes, int64]
//	[lastWriteMs : 8 bytes, int64]
type segmentInfo struct {
	CreatedMs   int64
	LastWriteMs int64
}

// cursor is the persisted read position: the segment being consumed and the
// byte offset of the next unread record in it.
//
//	[segIDLen : 2 bytes, uint16][segID : segIDLen bytes][offset : 8 bytes, int64]
type cursor struct {
	SegmentID string
	Offset    int64
}

// index is a bbolt-backed store for the segment registry, the read cursor
// and lifetime counters. The segment files themselves remain the source of
// truth for message data.
type index struct {
	db *bbolt.DB
}

// openIndex opens (or creates) the bbolt database at path.
func openIndex(path string) (*index, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSegments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: init buckets: %w", err)
	}
	return &index{db: db}, nil
}

// putSegment upserts the registry record for id.
func (idx *index) putSegment(id string, info segmentInfo) error {
	val := make([]byte, 16)
	binary.BigEndian.PutUint64(val[0:], uint64(info.CreatedMs))
	binary.BigEndian.PutUint64(val[8:], uint64(info.LastWriteMs))
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSegments).Put([]byte(id), val)
	})
}

// deleteSegment removes the registry record for id.
func (idx *index) deleteSegment(id string) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSegments).Delete([]byte(id))
	})
}

// segments returns every registered segment keyed by id.
func (idx *index) segments() (map[string]segmentInfo, error) {
	out := make(map[string]segmentInfo)
	err := idx.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSegments).ForEach(func(k, v []byte) error {
			if len(v) < 16 {
				return fmt.Errorf("index: segment %s: record too short (%d bytes)", k, len(v))
			}
			out[string(k)] = segmentInfo{
				CreatedMs:   int64(binary.BigEndian.Uint64(v[0:])),
				LastWriteMs: int64(binary.BigEndian.Uint64(v[8:])),
			}
			return nil
		})
	})
	return out, err
}

// saveState persists the cursor and the expired-entry counter in a single
// transaction.
func (idx *index) saveState(c cursor, expired int64) error {
	id := []byte(c.SegmentID)
	val := make([]byte, 2+len(id)+8)
	binary.BigEndian.PutUint16(val[0:], uint16(len(id)))
	copy(val[2:], id)
	binary.BigEndian.PutUint64(val[2+len(id):], uint64(c.Offset))

	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], uint64(expired))

	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if err := b.Put(keyCursor, val); err != nil {
			return err
		}
		return b.Put(keyExpired, exp[:])
	})
}

// loadState returns the persisted cursor (ok=false when none was saved) and
// the expired-entry counter.
func (idx *index) loadState() (c cursor, ok bool, expired int64, err error) {
	err = idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if v := b.Get(keyExpired); len(v) == 8 {
			expired = int64(binary.BigEndian.Uint64(v))
		}
		v := b.Get(keyCursor)
		if v == nil {
			return nil
		}
		if len(v) < 2 {
			return fmt.Errorf("index: cursor too short (%d bytes)", len(v))
		}
		n := int(binary.BigEndian.Uint16(v))
		if len(v) != 2+n+8 {
			return fmt.Errorf("index: cursor length %d does not match id length %d", len(v), n)
		}
		c = cursor{
			SegmentID: string(v[2 : 2+n]),
			Offset:    int64(binary.BigEndian.Uint64(v[2+n:])),
		}
		ok = true
		return nil
	})
	return c, ok, expired, err
}

func (idx *index) close() error {
	return idx.db.Close()
}

package metadata

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ReclaimEntry is one unit of deferred byte reclamation. Ref is the opaque
// backend reference; Staged distinguishes staging tokens from committed
// locations. Entries are enqueued inside the metadata transaction that
// unreferences the bytes, so reclamation can never observe a still-live
// reference.
type ReclaimEntry struct {
	ID          uint64 `json:"id"`
	Staged      bool   `json:"staged,omitempty"`
	Ref         string `json:"ref"`
	EnqueuedAt  int64  `json:"enqueued_at"`
	RetryCount  int    `json:"retry_count,omitempty"`
	NextRetryAt int64  `json:"next_retry_at,omitempty"`
}

func reclaimKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// enqueueReclaim appends an entry inside an existing transaction.
func enqueueReclaim(tx *bolt.Tx, entry ReclaimEntry) error {
	b := tx.Bucket(reclaimBucket)
	id, err := b.NextSequence()
	if err != nil {
		return err
	}
	entry.ID = id
	if entry.EnqueuedAt == 0 {
		entry.EnqueuedAt = time.Now().Unix()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.Put(reclaimKey(id), data)
}

// EnqueueReclaim appends an entry in its own transaction, for callers that
// discover orphaned bytes outside a metadata write.
func (s *Store) EnqueueReclaim(entry ReclaimEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return enqueueReclaim(tx, entry)
	})
}

// DequeueReclaim returns up to limit entries whose retry time has passed.
// Entries stay queued until acked.
func (s *Store) DequeueReclaim(limit int, now int64) ([]ReclaimEntry, error) {
	var entries []ReclaimEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(reclaimBucket).Cursor()
		for k, v := c.First(); k != nil && len(entries) < limit; k, v = c.Next() {
			var entry ReclaimEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.NextRetryAt > now {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// AckReclaim removes a processed entry.
func (s *Store) AckReclaim(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(reclaimBucket).Delete(reclaimKey(id))
	})
}

// NackReclaim reschedules a failed entry.
func (s *Store) NackReclaim(id uint64, retryCount int, nextRetryAt int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(reclaimBucket)
		data := b.Get(reclaimKey(id))
		if data == nil {
			return nil
		}
		var entry ReclaimEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		entry.RetryCount = retryCount
		entry.NextRetryAt = nextRetryAt
		updated, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(reclaimKey(id), updated)
	})
}

// ReclaimDepth reports the queue length.
func (s *Store) ReclaimDepth() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(reclaimBucket).Stats().KeyN
		return nil
	})
	return count, err
}

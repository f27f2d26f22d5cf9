package metadata

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketsBucket  = []byte("buckets")
	versionsBucket = []byte("object_versions")
	latestBucket   = []byte("objects")
	sessionsBucket = []byte("multipart_sessions")
	partsBucket    = []byte("multipart_parts")
	reclaimBucket  = []byte("reclaim_queue")
)

var (
	// ErrNotFound is returned when a bucket, version, or session record
	// does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional write's precondition no
	// longer holds. The store never merges; the caller re-reads and
	// decides.
	ErrConflict = errors.New("conditional write conflict")

	// ErrExists is returned when creating a record that already exists.
	ErrExists = errors.New("record already exists")
)

// Store is the transactional record keeper for buckets, versions, and
// multipart sessions. It is the single arbiter of the per-key is-latest
// pointer: all key-level contention resolves at PutVersion.
type Store struct {
	db *bolt.DB
}

// BucketInfo is the durable bucket record.
type BucketInfo struct {
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	Versioning string    `json:"versioning,omitempty"` // "Enabled", "Suspended", or ""
	Owner      string    `json:"owner,omitempty"`
}

// Version is one immutable committed instance of a key's content. The
// Location field is an opaque backend reference; the store never
// interprets it.
type Version struct {
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	VersionID    string `json:"version_id"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum,omitempty"` // xxhash64, hex
	ETag         string `json:"etag,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	Location     string `json:"location,omitempty"` // empty for delete markers
	CreatedAt    int64  `json:"created_at"`
	DeleteMarker bool   `json:"delete_marker,omitempty"`
	IsLatest     bool   `json:"is_latest,omitempty"`
}

func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketsBucket, versionsBucket, latestBucket, sessionsBucket, partsBucket, reclaimBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init metadata buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// NewVersionID returns an opaque version id. Ids sort lexicographically
// newest-first, which gives version chains their order and makes listing
// a plain cursor walk.
func NewVersionID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("%016x%s", uint64(math.MaxInt64)-uint64(time.Now().UnixNano()), hex.EncodeToString(b))
}

// Bucket operations

func (s *Store) CreateBucket(info BucketInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketsBucket)
		if b.Get([]byte(info.Name)) != nil {
			return fmt.Errorf("bucket %s: %w", info.Name, ErrExists)
		}
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put([]byte(info.Name), data)
	})
}

func (s *Store) GetBucket(name string) (*BucketInfo, error) {
	var info *BucketInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketsBucket).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("bucket %s: %w", name, ErrNotFound)
		}
		info = &BucketInfo{}
		return json.Unmarshal(data, info)
	})
	return info, err
}

func (s *Store) ListBuckets() ([]BucketInfo, error) {
	var buckets []BucketInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketsBucket).ForEach(func(k, v []byte) error {
			var info BucketInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			buckets = append(buckets, info)
			return nil
		})
	})
	return buckets, err
}

func (s *Store) BucketExists(name string) bool {
	exists := false
	s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketsBucket).Get([]byte(name)) != nil
		return nil
	})
	return exists
}

// DeleteBucket removes an empty bucket. Buckets holding any version record
// (delete markers included) refuse deletion.
func (s *Store) DeleteBucket(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketsBucket)
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("bucket %s: %w", name, ErrNotFound)
		}
		prefix := []byte(name + "\x00")
		c := tx.Bucket(versionsBucket).Cursor()
		if k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix) {
			return fmt.Errorf("bucket %s not empty: %w", name, ErrConflict)
		}
		return b.Delete([]byte(name))
	})
}

func (s *Store) SetBucketVersioning(name, status string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketsBucket)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("bucket %s: %w", name, ErrNotFound)
		}
		var info BucketInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return err
		}
		info.Versioning = status
		updated, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), updated)
	})
}

// Version operations
// Key format in object_versions: {bucket}\x00{key}\x00{versionID}.
// Version ids sort newest-first, so a prefix cursor walk yields the chain
// in reverse chronological order.

func versionKey(bucket, key, versionID string) []byte {
	return []byte(bucket + "\x00" + key + "\x00" + versionID)
}

func versionPrefix(bucket, key string) []byte {
	return []byte(bucket + "\x00" + key + "\x00")
}

func latestKey(bucket, key string) []byte {
	return []byte(bucket + "\x00" + key)
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

// PutVersion is the conditional write at the heart of the commit protocol.
// It succeeds only if the current latest version id for (bucket, key)
// equals expectedPrior (empty string means "no latest"). On success it
// atomically flips is-latest to the new version. With removePrior set the
// superseded version row is deleted and its bytes enqueued for
// reclamation in the same transaction, which is the unversioned-overwrite
// path: reclamation can never run ahead of the commit that unreferences
// the bytes.
func (s *Store) PutVersion(v Version, expectedPrior string, removePrior bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		lb := tx.Bucket(latestBucket)
		vb := tx.Bucket(versionsBucket)
		lk := latestKey(v.Bucket, v.Key)

		var prior *Version
		if data := lb.Get(lk); data != nil {
			prior = &Version{}
			if err := json.Unmarshal(data, prior); err != nil {
				return fmt.Errorf("decode latest record: %w", err)
			}
		}

		currentID := ""
		if prior != nil {
			currentID = prior.VersionID
		}
		if currentID != expectedPrior {
			return fmt.Errorf("latest is %q, expected %q: %w", currentID, expectedPrior, ErrConflict)
		}

		if prior != nil {
			if removePrior {
				if err := vb.Delete(versionKey(prior.Bucket, prior.Key, prior.VersionID)); err != nil {
					return err
				}
				if prior.Location != "" {
					if err := enqueueReclaim(tx, ReclaimEntry{Ref: prior.Location}); err != nil {
						return err
					}
				}
			} else {
				prior.IsLatest = false
				data, err := json.Marshal(prior)
				if err != nil {
					return err
				}
				if err := vb.Put(versionKey(prior.Bucket, prior.Key, prior.VersionID), data); err != nil {
					return err
				}
			}
		}

		v.IsLatest = true
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := vb.Put(versionKey(v.Bucket, v.Key, v.VersionID), data); err != nil {
			return err
		}
		return lb.Put(lk, data)
	})
}

// GetLatest returns the latest version record for a key, delete markers
// included. Callers decide how a marker surfaces.
func (s *Store) GetLatest(bucket, key string) (*Version, error) {
	var v *Version
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(latestBucket).Get(latestKey(bucket, key))
		if data == nil {
			return fmt.Errorf("latest %s/%s: %w", bucket, key, ErrNotFound)
		}
		v = &Version{}
		return json.Unmarshal(data, v)
	})
	return v, err
}

func (s *Store) GetVersion(bucket, key, versionID string) (*Version, error) {
	var v *Version
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(versionsBucket).Get(versionKey(bucket, key, versionID))
		if data == nil {
			return fmt.Errorf("version %s/%s@%s: %w", bucket, key, versionID, ErrNotFound)
		}
		v = &Version{}
		return json.Unmarshal(data, v)
	})
	return v, err
}

// ListVersions walks a key's chain newest-first. A non-empty continuation
// token (the last version id of the previous page) restarts the walk after
// that version. nextToken is empty once the chain is exhausted.
func (s *Store) ListVersions(bucket, key, continuation string, max int) ([]Version, string, error) {
	if max <= 0 {
		max = 1000
	}
	var versions []Version
	nextToken := ""

	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := versionPrefix(bucket, key)
		c := tx.Bucket(versionsBucket).Cursor()

		start := prefix
		if continuation != "" {
			start = versionKey(bucket, key, continuation)
		}

		k, v := c.Seek(start)
		if continuation != "" && k != nil && string(k) == string(versionKey(bucket, key, continuation)) {
			k, v = c.Next()
		}

		for ; k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if len(versions) == max {
				nextToken = versions[len(versions)-1].VersionID
				return nil
			}
			var ver Version
			if err := json.Unmarshal(v, &ver); err != nil {
				return fmt.Errorf("decode version record: %w", err)
			}
			versions = append(versions, ver)
		}
		return nil
	})
	return versions, nextToken, err
}

// ListLatest walks a bucket's per-key latest pointers in key order,
// restricted to keys with the given prefix. A non-empty continuation token
// (the last key of the previous page) restarts the walk after that key.
// Delete markers are included; callers filter.
func (s *Store) ListLatest(bucket, prefix, continuation string, max int) ([]Version, string, error) {
	if max <= 0 {
		max = 1000
	}
	var versions []Version
	nextToken := ""

	err := s.db.View(func(tx *bolt.Tx) error {
		bp := []byte(bucket + "\x00" + prefix)
		scope := []byte(bucket + "\x00")
		c := tx.Bucket(latestBucket).Cursor()

		start := bp
		if continuation != "" {
			start = latestKey(bucket, continuation)
		}

		k, v := c.Seek(start)
		if continuation != "" && k != nil && string(k) == string(latestKey(bucket, continuation)) {
			k, v = c.Next()
		}

		for ; k != nil && hasPrefix(k, scope) && hasPrefix(k, bp); k, v = c.Next() {
			if len(versions) == max {
				nextToken = versions[len(versions)-1].Key
				return nil
			}
			var ver Version
			if err := json.Unmarshal(v, &ver); err != nil {
				return fmt.Errorf("decode latest record: %w", err)
			}
			versions = append(versions, ver)
		}
		return nil
	})
	return versions, nextToken, err
}

// DeleteVersion removes one version row and enqueues its bytes for
// reclamation. When the removed version was latest, the next newest
// version (if any) is promoted in the same transaction, keeping exactly
// one is-latest per key.
func (s *Store) DeleteVersion(bucket, key, versionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		vb := tx.Bucket(versionsBucket)
		lb := tx.Bucket(latestBucket)

		vk := versionKey(bucket, key, versionID)
		data := vb.Get(vk)
		if data == nil {
			return fmt.Errorf("version %s/%s@%s: %w", bucket, key, versionID, ErrNotFound)
		}
		var v Version
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode version record: %w", err)
		}

		if err := vb.Delete(vk); err != nil {
			return err
		}
		if v.Location != "" {
			if err := enqueueReclaim(tx, ReclaimEntry{Ref: v.Location}); err != nil {
				return err
			}
		}

		if !v.IsLatest {
			return nil
		}

		// Promote the next newest version, or clear the pointer.
		prefix := versionPrefix(bucket, key)
		c := vb.Cursor()
		k, nv := c.Seek(prefix)
		if k == nil || !hasPrefix(k, prefix) {
			return lb.Delete(latestKey(bucket, key))
		}
		var next Version
		if err := json.Unmarshal(nv, &next); err != nil {
			return fmt.Errorf("decode version record: %w", err)
		}
		next.IsLatest = true
		updated, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := vb.Put(versionKey(next.Bucket, next.Key, next.VersionID), updated); err != nil {
			return err
		}
		return lb.Put(latestKey(bucket, key), updated)
	})
}

// ScanVersions iterates every version record. Return false from fn to stop.
func (s *Store) ScanVersions(fn func(Version) bool) error {
	stop := errors.New("scan stopped")
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(versionsBucket).ForEach(func(k, v []byte) error {
			var ver Version
			if err := json.Unmarshal(v, &ver); err != nil {
				return nil // skip malformed entries
			}
			if !fn(ver) {
				return stop
			}
			return nil
		})
	})
	if errors.Is(err, stop) {
		return nil
	}
	return err
}

package metadata

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_BucketCRUD(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateBucket(BucketInfo{Name: "test-bucket", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	buckets, err := s.ListBuckets()
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	if len(buckets) != 1 || buckets[0].Name != "test-bucket" {
		t.Errorf("expected [test-bucket], got %v", buckets)
	}

	if err := s.CreateBucket(BucketInfo{Name: "test-bucket"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create: expected ErrExists, got %v", err)
	}

	if err := s.DeleteBucket("test-bucket"); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	if s.BucketExists("test-bucket") {
		t.Error("bucket still exists after delete")
	}
}

func TestStore_DeleteBucketRefusesNonEmpty(t *testing.T) {
	s := newTestStore(t)
	s.CreateBucket(BucketInfo{Name: "bucket"})

	v := Version{Bucket: "bucket", Key: "file.txt", VersionID: NewVersionID(), Size: 4}
	if err := s.PutVersion(v, "", false); err != nil {
		t.Fatalf("PutVersion: %v", err)
	}

	if err := s.DeleteBucket("bucket"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for non-empty bucket, got %v", err)
	}

	if err := s.DeleteVersion("bucket", "file.txt", v.VersionID); err != nil {
		t.Fatalf("DeleteVersion: %v", err)
	}
	if err := s.DeleteBucket("bucket"); err != nil {
		t.Errorf("DeleteBucket after emptying: %v", err)
	}
}

func TestStore_PutVersionCAS(t *testing.T) {
	s := newTestStore(t)
	s.CreateBucket(BucketInfo{Name: "bucket"})

	first := Version{Bucket: "bucket", Key: "k", VersionID: NewVersionID(), Size: 1}
	if err := s.PutVersion(first, "", false); err != nil {
		t.Fatalf("first PutVersion: %v", err)
	}

	// Stale expectation loses.
	stale := Version{Bucket: "bucket", Key: "k", VersionID: NewVersionID(), Size: 2}
	if err := s.PutVersion(stale, "", false); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on stale prior, got %v", err)
	}

	// Correct expectation wins and flips is-latest.
	second := Version{Bucket: "bucket", Key: "k", VersionID: NewVersionID(), Size: 2}
	if err := s.PutVersion(second, first.VersionID, false); err != nil {
		t.Fatalf("second PutVersion: %v", err)
	}

	latest, err := s.GetLatest("bucket", "k")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest.VersionID != second.VersionID || !latest.IsLatest {
		t.Errorf("latest = %+v, want %s", latest, second.VersionID)
	}

	prior, err := s.GetVersion("bucket", "k", first.VersionID)
	if err != nil {
		t.Fatalf("GetVersion prior: %v", err)
	}
	if prior.IsLatest {
		t.Error("superseded version still marked latest")
	}
}

func TestStore_PutVersionRemovePrior(t *testing.T) {
	s := newTestStore(t)
	s.CreateBucket(BucketInfo{Name: "bucket"})

	first := Version{Bucket: "bucket", Key: "k", VersionID: NewVersionID(), Location: "bucket/k/a"}
	if err := s.PutVersion(first, "", false); err != nil {
		t.Fatalf("PutVersion: %v", err)
	}
	second := Version{Bucket: "bucket", Key: "k", VersionID: NewVersionID(), Location: "bucket/k/b"}
	if err := s.PutVersion(second, first.VersionID, true); err != nil {
		t.Fatalf("PutVersion removePrior: %v", err)
	}

	if _, err := s.GetVersion("bucket", "k", first.VersionID); !errors.Is(err, ErrNotFound) {
		t.Errorf("prior version should be gone, got %v", err)
	}

	// The overwrite must have queued the prior bytes.
	entries, err := s.DequeueReclaim(10, time.Now().Unix())
	if err != nil {
		t.Fatalf("DequeueReclaim: %v", err)
	}
	if len(entries) != 1 || entries[0].Ref != "bucket/k/a" {
		t.Errorf("reclaim queue = %+v, want one entry for bucket/k/a", entries)
	}
}

func TestStore_VersionIDsSortNewestFirst(t *testing.T) {
	a := NewVersionID()
	time.Sleep(2 * time.Millisecond)
	b := NewVersionID()
	if !(b < a) {
		t.Errorf("later id %q should sort before earlier id %q", b, a)
	}
}

func TestStore_ListVersionsPagination(t *testing.T) {
	s := newTestStore(t)
	s.CreateBucket(BucketInfo{Name: "bucket"})

	var ids []string
	prior := ""
	for i := 0; i < 5; i++ {
		v := Version{Bucket: "bucket", Key: "k", VersionID: NewVersionID(), Size: int64(i)}
		if err := s.PutVersion(v, prior, false); err != nil {
			t.Fatalf("PutVersion %d: %v", i, err)
		}
		prior = v.VersionID
		ids = append(ids, v.VersionID)
		time.Sleep(2 * time.Millisecond)
	}

	var got []string
	token := ""
	for {
		page, next, err := s.ListVersions("bucket", "k", token, 2)
		if err != nil {
			t.Fatalf("ListVersions: %v", err)
		}
		for _, v := range page {
			got = append(got, v.VersionID)
		}
		if next == "" {
			break
		}
		token = next
	}

	if len(got) != 5 {
		t.Fatalf("got %d versions, want 5", len(got))
	}
	// Newest (last written) first.
	for i := range got {
		if got[i] != ids[len(ids)-1-i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], ids[len(ids)-1-i])
		}
	}
}

func TestStore_DeleteVersionPromotesNext(t *testing.T) {
	s := newTestStore(t)
	s.CreateBucket(BucketInfo{Name: "bucket"})

	first := Version{Bucket: "bucket", Key: "k", VersionID: NewVersionID(), Location: "l1"}
	s.PutVersion(first, "", false)
	time.Sleep(2 * time.Millisecond)
	second := Version{Bucket: "bucket", Key: "k", VersionID: NewVersionID(), Location: "l2"}
	s.PutVersion(second, first.VersionID, false)

	if err := s.DeleteVersion("bucket", "k", second.VersionID); err != nil {
		t.Fatalf("DeleteVersion latest: %v", err)
	}

	latest, err := s.GetLatest("bucket", "k")
	if err != nil {
		t.Fatalf("GetLatest after promote: %v", err)
	}
	if latest.VersionID != first.VersionID || !latest.IsLatest {
		t.Errorf("promoted latest = %+v, want %s", latest, first.VersionID)
	}

	if err := s.DeleteVersion("bucket", "k", first.VersionID); err != nil {
		t.Fatalf("DeleteVersion last: %v", err)
	}
	if _, err := s.GetLatest("bucket", "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected cleared latest pointer, got %v", err)
	}
}

func TestStore_ListLatest(t *testing.T) {
	s := newTestStore(t)
	s.CreateBucket(BucketInfo{Name: "bucket"})

	for _, key := range []string{"a/1", "a/2", "b/1"} {
		v := Version{Bucket: "bucket", Key: key, VersionID: NewVersionID()}
		if err := s.PutVersion(v, "", false); err != nil {
			t.Fatalf("PutVersion %s: %v", key, err)
		}
	}

	all, next, err := s.ListLatest("bucket", "", "", 10)
	if err != nil {
		t.Fatalf("ListLatest: %v", err)
	}
	if next != "" || len(all) != 3 {
		t.Fatalf("got %d keys (next=%q), want 3", len(all), next)
	}
	if all[0].Key != "a/1" || all[2].Key != "b/1" {
		t.Errorf("keys out of order: %v", all)
	}

	scoped, _, err := s.ListLatest("bucket", "a/", "", 10)
	if err != nil {
		t.Fatalf("ListLatest prefix: %v", err)
	}
	if len(scoped) != 2 {
		t.Errorf("prefix a/ returned %d keys, want 2", len(scoped))
	}

	page, token, err := s.ListLatest("bucket", "", "", 2)
	if err != nil {
		t.Fatalf("ListLatest paged: %v", err)
	}
	if len(page) != 2 || token != "a/2" {
		t.Errorf("page = %d keys token=%q, want 2 keys token a/2", len(page), token)
	}
}

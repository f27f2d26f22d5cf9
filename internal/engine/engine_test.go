package engine

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/objectio/objectio/internal/backend"
	"github.com/objectio/objectio/internal/metadata"
)

func newTestEngine(t *testing.T) (*Engine, *metadata.Store, backend.Backend) {
	t.Helper()
	store, err := metadata.NewStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	back := backend.NewMemory()
	return New(store, back, Options{}, nil), store, back
}

func mustCreateBucket(t *testing.T, e *Engine, name string, versioned bool) {
	t.Helper()
	if _, err := e.CreateBucket(context.Background(), name, "tester"); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if versioned {
		if err := e.SetBucketVersioning(context.Background(), name, true); err != nil {
			t.Fatalf("SetBucketVersioning: %v", err)
		}
	}
}

func mustPut(t *testing.T, e *Engine, bucket, key, body string) *metadata.Version {
	t.Helper()
	v, err := e.PutObject(context.Background(), bucket, key, strings.NewReader(body), PutOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("PutObject %s/%s: %v", bucket, key, err)
	}
	return v
}

func mustGet(t *testing.T, e *Engine, bucket, key, versionID string) (string, *metadata.Version) {
	t.Helper()
	rc, v, err := e.GetObject(context.Background(), bucket, key, versionID, 0, -1)
	if err != nil {
		t.Fatalf("GetObject %s/%s: %v", bucket, key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data), v
}

func TestEngine_PutGetRoundTrip(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreateBucket(t, e, "bucket", false)

	body := "hello object world"
	v := mustPut(t, e, "bucket", "greeting.txt", body)

	sum := md5.Sum([]byte(body))
	if v.ETag != hex.EncodeToString(sum[:]) {
		t.Errorf("etag = %s, want md5 of body", v.ETag)
	}
	if v.Size != int64(len(body)) {
		t.Errorf("size = %d, want %d", v.Size, len(body))
	}

	got, gv := mustGet(t, e, "bucket", "greeting.txt", "")
	if got != body {
		t.Errorf("body = %q, want %q", got, body)
	}
	if gv.ContentType != "text/plain" {
		t.Errorf("content type = %q", gv.ContentType)
	}
}

func TestEngine_RangeRead(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreateBucket(t, e, "bucket", false)
	mustPut(t, e, "bucket", "k", "0123456789")

	rc, _, err := e.GetObject(context.Background(), "bucket", "k", "", 3, 4)
	if err != nil {
		t.Fatalf("GetObject range: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "3456" {
		t.Errorf("range read %q, want 3456", data)
	}

	if _, _, err := e.GetObject(context.Background(), "bucket", "k", "", 100, -1); !IsValidation(err) {
		t.Errorf("out-of-bounds offset: %v, want validation error", err)
	}
}

func TestEngine_UnversionedOverwriteKeepsOneVersion(t *testing.T) {
	e, store, _ := newTestEngine(t)
	mustCreateBucket(t, e, "bucket", false)

	first := mustPut(t, e, "bucket", "k", "one")
	second := mustPut(t, e, "bucket", "k", "two")

	versions, _, err := e.ListVersions(context.Background(), "bucket", "k", "", 10)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 1 || versions[0].VersionID != second.VersionID {
		t.Errorf("chain = %v, want only %s", versions, second.VersionID)
	}

	// The superseded bytes are queued for reclamation.
	entries, err := store.DequeueReclaim(10, 1<<60)
	if err != nil {
		t.Fatalf("DequeueReclaim: %v", err)
	}
	if len(entries) != 1 || entries[0].Ref != first.Location {
		t.Errorf("reclaim = %+v, want entry for %s", entries, first.Location)
	}
}

func TestEngine_VersionedPutBuildsChain(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreateBucket(t, e, "bucket", true)

	v1 := mustPut(t, e, "bucket", "k", "one")
	v2 := mustPut(t, e, "bucket", "k", "two")

	if body, _ := mustGet(t, e, "bucket", "k", ""); body != "two" {
		t.Errorf("latest = %q, want two", body)
	}
	if body, _ := mustGet(t, e, "bucket", "k", v1.VersionID); body != "one" {
		t.Errorf("pinned v1 = %q, want one", body)
	}

	versions, _, _ := e.ListVersions(context.Background(), "bucket", "k", "", 10)
	if len(versions) != 2 {
		t.Fatalf("chain length = %d, want 2", len(versions))
	}
	if versions[0].VersionID != v2.VersionID || !versions[0].IsLatest {
		t.Errorf("newest-first order violated: %+v", versions)
	}
	if versions[1].VersionID != v1.VersionID || versions[1].IsLatest {
		t.Errorf("older version state wrong: %+v", versions[1])
	}
}

func TestEngine_ConditionalPut(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreateBucket(t, e, "bucket", true)
	ctx := context.Background()

	// Expect-absent succeeds on a fresh key.
	empty := ""
	v1, err := e.PutObject(ctx, "bucket", "k", strings.NewReader("one"), PutOptions{ExpectedVersionID: &empty})
	if err != nil {
		t.Fatalf("expect-absent put: %v", err)
	}

	// Expect-absent now conflicts, with no retry.
	if _, err := e.PutObject(ctx, "bucket", "k", strings.NewReader("x"), PutOptions{ExpectedVersionID: &empty}); !IsConflict(err) {
		t.Errorf("expect-absent on existing key: %v, want conflict", err)
	}

	// Correct expectation succeeds.
	if _, err := e.PutObject(ctx, "bucket", "k", strings.NewReader("two"), PutOptions{ExpectedVersionID: &v1.VersionID}); err != nil {
		t.Fatalf("conditional put with correct prior: %v", err)
	}

	// Stale expectation conflicts.
	if _, err := e.PutObject(ctx, "bucket", "k", strings.NewReader("three"), PutOptions{ExpectedVersionID: &v1.VersionID}); !IsConflict(err) {
		t.Errorf("stale conditional put: %v, want conflict", err)
	}
}

func TestEngine_ConcurrentPutsOneLatest(t *testing.T) {
	store, err := metadata.NewStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	// A generous retry budget so every racing writer eventually lands.
	e := New(store, backend.NewMemory(), Options{CommitRetries: 64}, nil)
	mustCreateBucket(t, e, "bucket", true)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = e.PutObject(ctx, "bucket", "k",
				strings.NewReader(fmt.Sprintf("writer-%d", n)), PutOptions{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}

	versions, _, err := e.ListVersions(ctx, "bucket", "k", "", 100)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != writers {
		t.Errorf("chain length = %d, want %d", len(versions), writers)
	}
	latestCount := 0
	for _, v := range versions {
		if v.IsLatest {
			latestCount++
		}
	}
	if latestCount != 1 {
		t.Errorf("%d versions marked latest, want exactly 1", latestCount)
	}

	latest, err := e.HeadObject(ctx, "bucket", "k", "")
	if err != nil {
		t.Fatalf("HeadObject: %v", err)
	}
	if !latest.IsLatest {
		t.Error("resolved latest not marked as such")
	}
}

func TestEngine_DeleteVersionedWritesMarker(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreateBucket(t, e, "bucket", true)
	ctx := context.Background()

	v1 := mustPut(t, e, "bucket", "k", "content")

	res, err := e.DeleteObject(ctx, "bucket", "k", "")
	if err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if !res.Marker {
		t.Fatal("expected a delete marker")
	}

	// Latest reads as absent, the pinned version survives.
	if _, _, err := e.GetObject(ctx, "bucket", "k", "", 0, -1); !IsNotFound(err) {
		t.Errorf("get after marker: %v, want not found", err)
	}
	if body, _ := mustGet(t, e, "bucket", "k", v1.VersionID); body != "content" {
		t.Errorf("pinned read after marker = %q", body)
	}

	// Removing the marker restores visibility.
	if _, err := e.DeleteObject(ctx, "bucket", "k", res.VersionID); err != nil {
		t.Fatalf("delete marker removal: %v", err)
	}
	if body, _ := mustGet(t, e, "bucket", "k", ""); body != "content" {
		t.Errorf("restored latest = %q, want content", body)
	}
}

func TestEngine_DeleteUnversionedRemovesRow(t *testing.T) {
	e, store, _ := newTestEngine(t)
	mustCreateBucket(t, e, "bucket", false)
	ctx := context.Background()

	v := mustPut(t, e, "bucket", "k", "bytes")
	if _, err := e.DeleteObject(ctx, "bucket", "k", ""); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if _, err := e.HeadObject(ctx, "bucket", "k", ""); !IsNotFound(err) {
		t.Errorf("head after delete: %v, want not found", err)
	}

	entries, _ := store.DequeueReclaim(10, 1<<60)
	if len(entries) != 1 || entries[0].Ref != v.Location {
		t.Errorf("reclaim = %+v, want entry for %s", entries, v.Location)
	}
}

func TestEngine_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	for _, name := range []string{"", "A", "UPPER", "has space", "ab", "-leading"} {
		if _, err := e.CreateBucket(ctx, name, ""); !IsValidation(err) {
			t.Errorf("bucket %q: %v, want validation error", name, err)
		}
	}

	mustCreateBucket(t, e, "bucket", false)
	for _, key := range []string{"", "/leading", "a/../b", strings.Repeat("x", 1025)} {
		if _, err := e.PutObject(ctx, "bucket", key, strings.NewReader("x"), PutOptions{}); !IsValidation(err) {
			t.Errorf("key %q: %v, want validation error", key, err)
		}
	}

	if _, err := e.PutObject(ctx, "missing", "k", strings.NewReader("x"), PutOptions{}); !IsNotFound(err) {
		t.Errorf("put to missing bucket: %v, want not found", err)
	}
}

func TestEngine_ListObjectsSkipsMarkers(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreateBucket(t, e, "bucket", true)
	ctx := context.Background()

	mustPut(t, e, "bucket", "kept", "a")
	mustPut(t, e, "bucket", "removed", "b")
	if _, err := e.DeleteObject(ctx, "bucket", "removed", ""); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}

	objects, _, err := e.ListObjects(ctx, "bucket", "", "", 100)
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objects) != 1 || objects[0].Key != "kept" {
		t.Errorf("objects = %v, want [kept]", objects)
	}
}

func TestEngine_LargeBody(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreateBucket(t, e, "bucket", false)

	payload := bytes.Repeat([]byte{0xAB}, 6<<20)
	v, err := e.PutObject(context.Background(), "bucket", "big", bytes.NewReader(payload), PutOptions{})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if v.Size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", v.Size, len(payload))
	}
	body, _ := mustGet(t, e, "bucket", "big", "")
	if len(body) != len(payload) {
		t.Errorf("read %d bytes, want %d", len(body), len(payload))
	}
}

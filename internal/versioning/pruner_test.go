package versioning

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/objectio/objectio/internal/metadata"
)

func newTestStore(t *testing.T) *metadata.Store {
	t.Helper()
	store, err := metadata.NewStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.CreateBucket(metadata.BucketInfo{Name: "bucket"}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	return store
}

func putChain(t *testing.T, store *metadata.Store, key string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	prior := ""
	for i := 0; i < n; i++ {
		id := metadata.NewVersionID()
		v := metadata.Version{
			Bucket:    "bucket",
			Key:       key,
			VersionID: id,
			Size:      1,
			Location:  fmt.Sprintf("bucket/%s/%s", key, id),
			CreatedAt: int64(i),
		}
		if err := store.PutVersion(v, prior, false); err != nil {
			t.Fatalf("PutVersion %s #%d: %v", key, i, err)
		}
		prior = id
		ids = append(ids, id)
	}
	return ids
}

func chainLen(t *testing.T, store *metadata.Store, key string) int {
	t.Helper()
	versions, _, err := store.ListVersions("bucket", key, "", 1000)
	if err != nil {
		t.Fatalf("ListVersions %s: %v", key, err)
	}
	return len(versions)
}

func TestPruner_TrimsToRetention(t *testing.T) {
	store := newTestStore(t)
	putChain(t, store, "long", 6)
	putChain(t, store, "short", 2)

	p := New(store, Config{RetainLast: 3}, nil)
	pruned, err := p.PruneAll(context.Background())
	if err != nil {
		t.Fatalf("PruneAll: %v", err)
	}
	if pruned != 3 {
		t.Errorf("pruned = %d, want 3", pruned)
	}
	if n := chainLen(t, store, "long"); n != 3 {
		t.Errorf("long chain = %d versions, want 3", n)
	}
	if n := chainLen(t, store, "short"); n != 2 {
		t.Errorf("short chain = %d versions, want 2", n)
	}

	// Retained versions are the newest, and the latest pointer survives.
	versions, _, _ := store.ListVersions("bucket", "long", "", 1000)
	if !versions[0].IsLatest {
		t.Error("latest flag lost after pruning")
	}

	// Pruned bytes were queued for reclamation.
	entries, _ := store.DequeueReclaim(100, 1<<60)
	if len(entries) != 3 {
		t.Errorf("reclaim entries = %d, want 3", len(entries))
	}
}

func TestPruner_NeverPrunesLatest(t *testing.T) {
	store := newTestStore(t)
	putChain(t, store, "k", 4)

	p := New(store, Config{RetainLast: 1}, nil)
	if _, err := p.PruneAll(context.Background()); err != nil {
		t.Fatalf("PruneAll: %v", err)
	}

	versions, _, _ := store.ListVersions("bucket", "k", "", 1000)
	if len(versions) != 1 {
		t.Fatalf("chain = %d versions, want 1", len(versions))
	}
	if !versions[0].IsLatest {
		t.Error("surviving version not latest")
	}
}

func TestPruner_DisabledByZeroRetention(t *testing.T) {
	store := newTestStore(t)
	putChain(t, store, "k", 5)

	p := New(store, Config{}, nil)
	pruned, err := p.PruneAll(context.Background())
	if err != nil {
		t.Fatalf("PruneAll: %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned = %d with retention disabled", pruned)
	}
	if n := chainLen(t, store, "k"); n != 5 {
		t.Errorf("chain = %d versions, want 5", n)
	}
}

package backend

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestErasure_SurvivesShardLoss(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := NewErasure(ErasureConfig{Root: root, DataShards: 4, ParityShards: 2})
	if err != nil {
		t.Fatalf("NewErasure: %v", err)
	}

	payload := bytes.Repeat([]byte("durability"), 1000)
	token, _, _, err := b.Stage(ctx, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	loc, err := b.Commit(ctx, token, "bucket/key/v1")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	dir := filepath.Join(root, "objects", "bucket", "key", "v1")

	// Up to parity-count shard losses are recoverable.
	for _, shard := range []string{"shard.00", "shard.03"} {
		if err := os.Remove(filepath.Join(dir, shard)); err != nil {
			t.Fatalf("remove %s: %v", shard, err)
		}
	}
	got := readAll(t, mustOpen(t, b, loc, 0, -1))
	if !bytes.Equal(got, payload) {
		t.Fatal("reconstructed payload differs")
	}

	// One more loss exceeds parity.
	if err := os.Remove(filepath.Join(dir, "shard.01")); err != nil {
		t.Fatalf("remove shard.01: %v", err)
	}
	if _, err := b.Open(ctx, loc, 0, -1); err == nil {
		t.Error("read succeeded with more shards lost than parity")
	}
}

func TestErasure_DetectsCorruptShard(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := NewErasure(ErasureConfig{Root: root, DataShards: 3, ParityShards: 1})
	if err != nil {
		t.Fatalf("NewErasure: %v", err)
	}

	payload := bytes.Repeat([]byte("integrity"), 500)
	token, _, _, _ := b.Stage(ctx, bytes.NewReader(payload))
	loc, err := b.Commit(ctx, token, "bucket/key/v1")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	shardPath := filepath.Join(root, "objects", "bucket", "key", "v1", "shard.01")
	raw, err := os.ReadFile(shardPath)
	if err != nil {
		t.Fatalf("read shard: %v", err)
	}
	raw[0] ^= 0xff
	if err := os.WriteFile(shardPath, raw, 0644); err != nil {
		t.Fatalf("write corrupted shard: %v", err)
	}

	if _, err := b.Open(ctx, loc, 0, -1); err == nil {
		t.Error("read succeeded on corrupted shard set")
	}
}

func TestErasure_RecommitReplacesShardDir(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := NewErasure(ErasureConfig{Root: root, DataShards: 3, ParityShards: 1})
	if err != nil {
		t.Fatalf("NewErasure: %v", err)
	}

	first := bytes.Repeat([]byte("one"), 400)
	token, _, _, err := b.Stage(ctx, bytes.NewReader(first))
	if err != nil {
		t.Fatalf("Stage first: %v", err)
	}
	loc, err := b.Commit(ctx, token, "bucket/key/v1")
	if err != nil {
		t.Fatalf("Commit first: %v", err)
	}

	// A retried commit to the same destination swaps the new shard dir
	// in and leaves no displaced remnant behind.
	second := bytes.Repeat([]byte("two"), 400)
	token, _, _, err = b.Stage(ctx, bytes.NewReader(second))
	if err != nil {
		t.Fatalf("Stage second: %v", err)
	}
	if _, err := b.Commit(ctx, token, "bucket/key/v1"); err != nil {
		t.Fatalf("Commit second: %v", err)
	}

	got := readAll(t, mustOpen(t, b, loc, 0, -1))
	if !bytes.Equal(got, second) {
		t.Fatal("replaced destination does not serve the new payload")
	}

	entries, err := os.ReadDir(filepath.Join(root, "objects", "bucket", "key"))
	if err != nil {
		t.Fatalf("read key dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "v1" {
		t.Fatalf("key dir entries = %v, want only v1", entries)
	}
}

package gc

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/objectio/objectio/internal/backend"
	"github.com/objectio/objectio/internal/metadata"
)

func newTestStore(t *testing.T) *metadata.Store {
	t.Helper()
	store, err := metadata.NewStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// failingBackend refuses every delete and discard.
type failingBackend struct {
	backend.Backend
}

func (f *failingBackend) Delete(ctx context.Context, loc backend.Location) error {
	return errors.New("delete refused")
}

func (f *failingBackend) Discard(ctx context.Context, token backend.StagedToken) error {
	return errors.New("discard refused")
}

func TestReclaimer_DrainsCommittedAndStaged(t *testing.T) {
	store := newTestStore(t)
	back := backend.NewMemory()
	ctx := context.Background()

	token, _, _, err := back.Stage(ctx, strings.NewReader("committed bytes"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	loc, err := back.Commit(ctx, token, "bucket/k/v1")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	staged, _, _, err := back.Stage(ctx, strings.NewReader("orphaned part"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	for _, e := range []metadata.ReclaimEntry{
		{Ref: string(loc)},
		{Staged: true, Ref: string(staged)},
	} {
		if err := store.EnqueueReclaim(e); err != nil {
			t.Fatalf("EnqueueReclaim: %v", err)
		}
	}

	r := New(store, back, Config{}, nil)
	n, err := r.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 2 {
		t.Errorf("reclaimed = %d, want 2", n)
	}

	if _, err := back.Open(ctx, loc, 0, -1); !errors.Is(err, backend.ErrTokenNotFound) {
		t.Errorf("open after reclaim: %v, want %v", err, backend.ErrTokenNotFound)
	}
	if depth, _ := r.QueueDepth(); depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestReclaimer_FailureReschedulesWithBackoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.EnqueueReclaim(metadata.ReclaimEntry{Ref: "bucket/k/v1"}); err != nil {
		t.Fatalf("EnqueueReclaim: %v", err)
	}

	r := New(store, &failingBackend{Backend: backend.NewMemory()}, Config{}, nil)
	n, err := r.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 0 {
		t.Errorf("reclaimed = %d, want 0", n)
	}

	// The entry is retained but not due yet.
	due, _ := store.DequeueReclaim(10, time.Now().Unix())
	if len(due) != 0 {
		t.Errorf("entry due immediately after failure: %+v", due)
	}
	later, _ := store.DequeueReclaim(10, time.Now().Add(2*time.Minute).Unix())
	if len(later) != 1 {
		t.Fatalf("entry missing after reschedule")
	}
	if later[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", later[0].RetryCount)
	}
}

func TestReclaimer_AbandonsAfterRetryBudget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.EnqueueReclaim(metadata.ReclaimEntry{Ref: "bucket/k/v1"}); err != nil {
		t.Fatalf("EnqueueReclaim: %v", err)
	}

	r := New(store, &failingBackend{Backend: backend.NewMemory()}, Config{MaxRetries: 1}, nil)
	if _, err := r.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if depth, _ := r.QueueDepth(); depth != 0 {
		t.Errorf("queue depth = %d, want 0 after abandonment", depth)
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{10, time.Hour},
	}
	for _, tc := range cases {
		if got := backoff(tc.retries); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.retries, got, tc.want)
		}
	}
}

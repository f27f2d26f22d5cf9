package backend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"time"
)

// StagedToken identifies bytes written to a backend's staging area. It is
// opaque to callers: only the backend that issued it may interpret it.
type StagedToken string

// Location identifies committed bytes. Like StagedToken it is opaque and
// passed back verbatim for reads and deletes.
type Location string

// Backend is the capability set every physical storage medium must provide.
// Staged bytes are never addressable under a final destination until Commit,
// and Commit is atomic: readers observe either the prior content or the new
// content, never an intermediate state.
type Backend interface {
	// Stage writes the stream to the staging area and returns a token for
	// the staged bytes along with their size and xxhash64 checksum. A
	// failed Stage leaves no readable artifact.
	Stage(ctx context.Context, r io.Reader) (StagedToken, int64, uint64, error)

	// Commit atomically makes staged bytes the content addressed by dest,
	// replacing any prior content at that destination. The token is
	// consumed on success.
	Commit(ctx context.Context, token StagedToken, dest string) (Location, error)

	// Open returns a reader over committed bytes starting at offset.
	// length < 0 reads to the end.
	Open(ctx context.Context, loc Location, offset, length int64) (io.ReadCloser, error)

	// Delete removes committed bytes. Idempotent: deleting an absent
	// location is not an error.
	Delete(ctx context.Context, loc Location) error

	// Discard removes staged bytes that will never be committed.
	// Idempotent like Delete.
	Discard(ctx context.Context, token StagedToken) error

	// Concatenate assembles the ordered staged blobs into one new staged
	// blob, without consuming the inputs. Backends stitch segments where
	// the medium supports it and fall back to a streaming copy otherwise.
	Concatenate(ctx context.Context, tokens []StagedToken) (StagedToken, int64, uint64, error)
}

var (
	// ErrTransient marks failures worth retrying at the call site
	// (medium temporarily unavailable).
	ErrTransient = errors.New("backend temporarily unavailable")

	// ErrQuota marks space exhaustion. Fatal to the write.
	ErrQuota = errors.New("backend quota exhausted")

	// ErrTokenNotFound means a token or location the metadata layer holds
	// a reference to does not exist. This indicates a consistency bug or
	// external tampering and must never be silently retried.
	ErrTokenNotFound = errors.New("backend token not found")
)

// newToken generates an unguessable staging token.
func newToken() StagedToken {
	b := make([]byte, 16)
	rand.Read(b)
	return StagedToken(hex.EncodeToString(b))
}

// retryBackoff is the schedule for transient-failure retries. Retrying
// happens only at the individual backend call, never across the whole
// commit pipeline.
var retryBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// withRetry runs fn, retrying on ErrTransient per the backoff schedule.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt >= len(retryBackoff) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff[attempt]):
		}
	}
}

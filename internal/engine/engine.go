package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/objectio/objectio/internal/backend"
	"github.com/objectio/objectio/internal/metadata"
)

// Lifecycle event names passed to the notification hook.
const (
	EventObjectCreated      = "s3:ObjectCreated:Put"
	EventObjectDeleted      = "s3:ObjectRemoved:Delete"
	EventMarkerCreated      = "s3:ObjectRemoved:DeleteMarkerCreated"
	EventMultipartCompleted = "s3:ObjectCreated:CompleteMultipartUpload"
)

// EventFunc receives lifecycle events after the metadata transaction that
// produced them has committed.
type EventFunc func(event, bucket, key, versionID string, size int64, etag string)

// Options tunes coordinator behavior.
type Options struct {
	// CommitRetries bounds the re-read/re-attempt loop for unconditional
	// writes that lose the latest-pointer race.
	CommitRetries int
}

const defaultCommitRetries = 4

// Engine is the object commit coordinator. It owns the stage, commit,
// record pipeline: bytes reach the backend before any metadata references
// them, and metadata contention resolves through conditional writes, never
// through locks held across backend calls.
type Engine struct {
	store   *metadata.Store
	back    backend.Backend
	logger  *slog.Logger
	retries int
	onEvent EventFunc
}

func New(store *metadata.Store, back backend.Backend, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	retries := opts.CommitRetries
	if retries <= 0 {
		retries = defaultCommitRetries
	}
	return &Engine{
		store:   store,
		back:    back,
		logger:  logger,
		retries: retries,
	}
}

// SetEventFunc installs the notification hook. Must be called before the
// engine serves traffic.
func (e *Engine) SetEventFunc(fn EventFunc) {
	e.onEvent = fn
}

// Store exposes the metadata store to supporting workers (reclaimer,
// pruner, multipart sweeper).
func (e *Engine) Store() *metadata.Store {
	return e.store
}

// Backend exposes the storage backend to supporting workers.
func (e *Engine) Backend() backend.Backend {
	return e.back
}

// Emit forwards a lifecycle event to the notification hook, if installed.
func (e *Engine) Emit(event, bucket, key, versionID string, size int64, etag string) {
	if e.onEvent != nil {
		e.onEvent(event, bucket, key, versionID, size, etag)
	}
}

func nowUTC() time.Time { return time.Now().UTC() }
func nowUnix() int64    { return time.Now().Unix() }

// Bucket operations

var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func ValidBucketName(name string) bool {
	return bucketNameRe.MatchString(name) && !strings.Contains(name, "..")
}

func ValidObjectKey(key string) bool {
	if key == "" || len(key) > 1024 {
		return false
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\x00") {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

func (e *Engine) CreateBucket(ctx context.Context, name, owner string) (*metadata.BucketInfo, error) {
	if !ValidBucketName(name) {
		return nil, ValidationError("create bucket", "invalid bucket name", Error{Bucket: name})
	}
	info := metadata.BucketInfo{
		Name:      name,
		CreatedAt: nowUTC(),
		Owner:     owner,
	}
	if err := e.store.CreateBucket(info); err != nil {
		return nil, StoreError("create bucket", err, Error{Bucket: name})
	}
	e.logger.Info("bucket created", "bucket", name, "owner", owner)
	return &info, nil
}

func (e *Engine) GetBucket(ctx context.Context, name string) (*metadata.BucketInfo, error) {
	info, err := e.store.GetBucket(name)
	if err != nil {
		return nil, StoreError("get bucket", err, Error{Bucket: name})
	}
	return info, nil
}

func (e *Engine) ListBuckets(ctx context.Context) ([]metadata.BucketInfo, error) {
	infos, err := e.store.ListBuckets()
	if err != nil {
		return nil, StoreError("list buckets", err, Error{})
	}
	return infos, nil
}

// DeleteBucket removes an empty bucket. A bucket still holding versions or
// delete markers refuses with a conflict.
func (e *Engine) DeleteBucket(ctx context.Context, name string) error {
	if err := e.store.DeleteBucket(name); err != nil {
		return StoreError("delete bucket", err, Error{Bucket: name})
	}
	e.logger.Info("bucket deleted", "bucket", name)
	return nil
}

// SetBucketVersioning flips a bucket between Enabled and Suspended.
// Versioning can never return to the never-configured state.
func (e *Engine) SetBucketVersioning(ctx context.Context, name string, enabled bool) error {
	status := "Suspended"
	if enabled {
		status = "Enabled"
	}
	if err := e.store.SetBucketVersioning(name, status); err != nil {
		return StoreError("set bucket versioning", err, Error{Bucket: name})
	}
	e.logger.Info("bucket versioning changed", "bucket", name, "status", status)
	return nil
}

// Object operations

// PutOptions carries per-write options. ExpectedVersionID, when non-nil,
// makes the write conditional: it succeeds only if the current latest
// version id equals the value (empty string means "key must not exist").
// Conditional writes never retry; a failed precondition is a conflict the
// caller must resolve.
type PutOptions struct {
	ContentType       string
	ExpectedVersionID *string
}

// PutObject streams the body to the backend's staging area, commits it
// under a destination unique to the new version, then records the version
// with a conditional latest-pointer update. Unconditional writes that lose
// the pointer race re-read and re-attempt up to the retry budget; the
// committed bytes are reused across attempts, never re-staged.
func (e *Engine) PutObject(ctx context.Context, bucket, key string, body io.Reader, opts PutOptions) (*metadata.Version, error) {
	if !ValidObjectKey(key) {
		return nil, ValidationError("put object", "invalid object key", Error{Bucket: bucket, Key: key})
	}
	if _, err := e.store.GetBucket(bucket); err != nil {
		return nil, StoreError("put object", err, Error{Bucket: bucket, Key: key})
	}

	h := md5.New()
	token, size, sum, err := e.back.Stage(ctx, io.TeeReader(body, h))
	if err != nil {
		return nil, BackendError("stage object", err, Error{Bucket: bucket, Key: key})
	}
	etag := hex.EncodeToString(h.Sum(nil))

	v, err := e.commitStaged(ctx, bucket, key, token, staged{
		size:        size,
		checksum:    fmt.Sprintf("%016x", sum),
		etag:        etag,
		contentType: opts.ContentType,
	}, opts.ExpectedVersionID)
	if err != nil {
		return nil, err
	}
	e.Emit(EventObjectCreated, bucket, key, v.VersionID, v.Size, v.ETag)
	return v, nil
}

// CommitStaged records already-staged bytes as a new object version. The
// multipart completion path uses it after concatenating parts.
func (e *Engine) CommitStaged(ctx context.Context, bucket, key string, token backend.StagedToken, size int64, checksum, etag, contentType string) (*metadata.Version, error) {
	return e.commitStaged(ctx, bucket, key, token, staged{
		size:        size,
		checksum:    checksum,
		etag:        etag,
		contentType: contentType,
	}, nil)
}

type staged struct {
	size        int64
	checksum    string
	etag        string
	contentType string
}

func (e *Engine) commitStaged(ctx context.Context, bucket, key string, token backend.StagedToken, st staged, expected *string) (*metadata.Version, error) {
	info, err := e.store.GetBucket(bucket)
	if err != nil {
		discardErr := e.back.Discard(ctx, token)
		if discardErr != nil {
			e.logger.Warn("discard staged bytes failed", "bucket", bucket, "key", key, "error", discardErr)
		}
		return nil, StoreError("commit object", err, Error{Bucket: bucket, Key: key})
	}
	versioned := info.Versioning == "Enabled"

	versionID := metadata.NewVersionID()
	dest := path.Join(bucket, key, versionID)

	loc, err := e.back.Commit(ctx, token, dest)
	if err != nil {
		discardErr := e.back.Discard(ctx, token)
		if discardErr != nil {
			e.logger.Warn("discard staged bytes failed", "bucket", bucket, "key", key, "error", discardErr)
		}
		return nil, BackendError("commit object", err, Error{Bucket: bucket, Key: key})
	}

	v := metadata.Version{
		Bucket:      bucket,
		Key:         key,
		VersionID:   versionID,
		Size:        st.size,
		Checksum:    st.checksum,
		ETag:        st.etag,
		ContentType: st.contentType,
		Location:    string(loc),
		CreatedAt:   nowUnix(),
	}

	attempts := e.retries
	if expected != nil {
		attempts = 1
	}
	var putErr error
	for attempt := 0; attempt < attempts; attempt++ {
		prior := ""
		if expected != nil {
			prior = *expected
		} else {
			latest, err := e.store.GetLatest(bucket, key)
			if err != nil && !errors.Is(err, metadata.ErrNotFound) {
				putErr = err
				break
			}
			if err == nil {
				prior = latest.VersionID
			}
		}

		putErr = e.store.PutVersion(v, prior, !versioned)
		if putErr == nil {
			return &v, nil
		}
		if !errors.Is(putErr, metadata.ErrConflict) {
			break
		}
		e.logger.Debug("latest pointer moved, retrying commit",
			"bucket", bucket, "key", key, "attempt", attempt+1)
	}

	// The bytes are committed under a destination nothing references.
	// Queue them for reclamation before reporting the failure.
	if err := e.store.EnqueueReclaim(metadata.ReclaimEntry{Ref: string(loc)}); err != nil {
		e.logger.Error("enqueue reclaim for failed commit", "location", string(loc), "error", err)
	}
	return nil, StoreError("commit object", putErr, Error{Bucket: bucket, Key: key, VersionID: versionID})
}

// GetObject opens a version for reading. An empty versionID resolves the
// latest version; a latest delete marker reads as not found. offset and
// length bound the byte range; length < 0 reads to the end.
func (e *Engine) GetObject(ctx context.Context, bucket, key, versionID string, offset, length int64) (io.ReadCloser, *metadata.Version, error) {
	v, err := e.HeadObject(ctx, bucket, key, versionID)
	if err != nil {
		return nil, nil, err
	}
	if v.DeleteMarker {
		return nil, nil, StoreError("get object", fmt.Errorf("version %s is a delete marker: %w", v.VersionID, metadata.ErrNotFound), Error{Bucket: bucket, Key: key, VersionID: v.VersionID})
	}
	if offset < 0 || (v.Size > 0 && offset >= v.Size) {
		return nil, nil, ValidationError("get object", "range out of bounds", Error{Bucket: bucket, Key: key, VersionID: v.VersionID})
	}

	rc, err := e.back.Open(ctx, backend.Location(v.Location), offset, length)
	if err != nil {
		if errors.Is(err, backend.ErrTokenNotFound) {
			e.logger.Error("referenced location missing from backend",
				"bucket", bucket, "key", key, "version", v.VersionID, "location", v.Location)
		}
		return nil, nil, BackendError("open object", err, Error{Bucket: bucket, Key: key, VersionID: v.VersionID})
	}
	return rc, v, nil
}

// HeadObject resolves a version record without opening the bytes.
func (e *Engine) HeadObject(ctx context.Context, bucket, key, versionID string) (*metadata.Version, error) {
	if !e.store.BucketExists(bucket) {
		return nil, StoreError("head object", fmt.Errorf("bucket %s: %w", bucket, metadata.ErrNotFound), Error{Bucket: bucket, Key: key})
	}

	var v *metadata.Version
	var err error
	if versionID == "" {
		v, err = e.store.GetLatest(bucket, key)
	} else {
		v, err = e.store.GetVersion(bucket, key, versionID)
	}
	if err != nil {
		return nil, StoreError("head object", err, Error{Bucket: bucket, Key: key, VersionID: versionID})
	}
	if v.DeleteMarker && versionID == "" {
		return nil, StoreError("head object", fmt.Errorf("latest is a delete marker: %w", metadata.ErrNotFound), Error{Bucket: bucket, Key: key})
	}
	return v, nil
}

// DeleteResult reports what a delete did: either a new delete marker was
// written (versioned bucket, no explicit version) or a version row was
// removed.
type DeleteResult struct {
	Marker    bool
	VersionID string
}

// DeleteObject removes a key or one of its versions. On a
// versioning-enabled bucket a keyless delete writes a delete marker and
// removes nothing; an explicit versionID physically deletes that version
// (markers included) and promotes the next newest. On unversioned buckets
// the single version row is removed.
func (e *Engine) DeleteObject(ctx context.Context, bucket, key, versionID string) (*DeleteResult, error) {
	info, err := e.store.GetBucket(bucket)
	if err != nil {
		return nil, StoreError("delete object", err, Error{Bucket: bucket, Key: key})
	}

	if versionID != "" {
		if err := e.store.DeleteVersion(bucket, key, versionID); err != nil {
			return nil, StoreError("delete object", err, Error{Bucket: bucket, Key: key, VersionID: versionID})
		}
		e.Emit(EventObjectDeleted, bucket, key, versionID, 0, "")
		return &DeleteResult{VersionID: versionID}, nil
	}

	if info.Versioning == "Enabled" {
		return e.writeDeleteMarker(ctx, bucket, key)
	}

	latest, err := e.store.GetLatest(bucket, key)
	if err != nil {
		return nil, StoreError("delete object", err, Error{Bucket: bucket, Key: key})
	}
	if err := e.store.DeleteVersion(bucket, key, latest.VersionID); err != nil {
		return nil, StoreError("delete object", err, Error{Bucket: bucket, Key: key, VersionID: latest.VersionID})
	}
	e.Emit(EventObjectDeleted, bucket, key, latest.VersionID, 0, "")
	return &DeleteResult{VersionID: latest.VersionID}, nil
}

func (e *Engine) writeDeleteMarker(ctx context.Context, bucket, key string) (*DeleteResult, error) {
	m := metadata.Version{
		Bucket:       bucket,
		Key:          key,
		VersionID:    metadata.NewVersionID(),
		CreatedAt:    nowUnix(),
		DeleteMarker: true,
	}

	var putErr error
	for attempt := 0; attempt < e.retries; attempt++ {
		prior := ""
		latest, err := e.store.GetLatest(bucket, key)
		switch {
		case err == nil:
			prior = latest.VersionID
		case errors.Is(err, metadata.ErrNotFound):
		default:
			return nil, StoreError("delete object", err, Error{Bucket: bucket, Key: key})
		}

		putErr = e.store.PutVersion(m, prior, false)
		if putErr == nil {
			e.Emit(EventMarkerCreated, bucket, key, m.VersionID, 0, "")
			return &DeleteResult{Marker: true, VersionID: m.VersionID}, nil
		}
		if !errors.Is(putErr, metadata.ErrConflict) {
			break
		}
	}
	return nil, StoreError("delete object", putErr, Error{Bucket: bucket, Key: key})
}

// ListVersions pages through a key's version chain newest-first.
func (e *Engine) ListVersions(ctx context.Context, bucket, key, continuation string, max int) ([]metadata.Version, string, error) {
	if !e.store.BucketExists(bucket) {
		return nil, "", StoreError("list versions", fmt.Errorf("bucket %s: %w", bucket, metadata.ErrNotFound), Error{Bucket: bucket, Key: key})
	}
	versions, next, err := e.store.ListVersions(bucket, key, continuation, max)
	if err != nil {
		return nil, "", StoreError("list versions", err, Error{Bucket: bucket, Key: key})
	}
	return versions, next, nil
}

// ListObjects pages through a bucket's latest versions in key order,
// skipping keys whose latest is a delete marker.
func (e *Engine) ListObjects(ctx context.Context, bucket, prefix, continuation string, max int) ([]metadata.Version, string, error) {
	if !e.store.BucketExists(bucket) {
		return nil, "", StoreError("list objects", fmt.Errorf("bucket %s: %w", bucket, metadata.ErrNotFound), Error{Bucket: bucket})
	}
	var out []metadata.Version
	for {
		page, next, err := e.store.ListLatest(bucket, prefix, continuation, max)
		if err != nil {
			return nil, "", StoreError("list objects", err, Error{Bucket: bucket})
		}
		for _, v := range page {
			if v.DeleteMarker {
				continue
			}
			out = append(out, v)
		}
		if next == "" || len(out) >= max {
			return out, next, nil
		}
		continuation = next
	}
}

package multipart

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/objectio/objectio/internal/backend"
	"github.com/objectio/objectio/internal/engine"
	"github.com/objectio/objectio/internal/metadata"
)

const (
	// DefaultMinPartSize is the smallest accepted size for every part
	// except the final one.
	DefaultMinPartSize = 5 << 20

	// DefaultIdleDeadline is how long a session may sit without activity
	// before the sweeper aborts it.
	DefaultIdleDeadline = 24 * time.Hour

	maxPartNumber = 10000
)

// Config tunes session limits and the idle sweeper.
type Config struct {
	MinPartSize   int64
	IdleDeadline  time.Duration
	SweepInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MinPartSize <= 0 {
		out.MinPartSize = DefaultMinPartSize
	}
	if out.IdleDeadline <= 0 {
		out.IdleDeadline = DefaultIdleDeadline
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 5 * time.Minute
	}
	return out
}

// Manager drives multipart sessions through their state machine. Parts are
// staged on the backend and only the completion step turns them into a
// committed object version; the object namespace never observes a partial
// upload.
type Manager struct {
	eng    *engine.Engine
	store  *metadata.Store
	back   backend.Backend
	cfg    Config
	logger *slog.Logger
}

func NewManager(eng *engine.Engine, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		eng:    eng,
		store:  eng.Store(),
		back:   eng.Backend(),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

func newUploadID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Initiate opens a new session in the initiated state and returns its
// upload id.
func (m *Manager) Initiate(ctx context.Context, bucket, key, contentType string) (*metadata.Session, error) {
	if !engine.ValidObjectKey(key) {
		return nil, engine.ValidationError("initiate multipart", "invalid object key", engine.Error{Bucket: bucket, Key: key})
	}
	if _, err := m.store.GetBucket(bucket); err != nil {
		return nil, engine.StoreError("initiate multipart", err, engine.Error{Bucket: bucket, Key: key})
	}

	now := time.Now().Unix()
	sess := metadata.Session{
		UploadID:    newUploadID(),
		Bucket:      bucket,
		Key:         key,
		ContentType: contentType,
		State:       metadata.SessionInitiated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, engine.StoreError("initiate multipart", err, engine.Error{Bucket: bucket, Key: key})
	}
	m.logger.Info("multipart initiated", "bucket", bucket, "key", key, "upload", sess.UploadID)
	return &sess, nil
}

// UploadPart stages one part's bytes and records them under the part
// number. Re-uploading a number supersedes the previous bytes; the old
// staging token stays referenced on the part record until the session
// reaches a terminal state. Parts are accepted only while the session is
// initiated.
func (m *Manager) UploadPart(ctx context.Context, uploadID string, number int, body io.Reader) (*metadata.Part, error) {
	if number < 1 || number > maxPartNumber {
		return nil, engine.ValidationError("upload part",
			fmt.Sprintf("part number %d outside 1..%d", number, maxPartNumber),
			engine.Error{UploadID: uploadID})
	}
	sess, err := m.store.GetSession(uploadID)
	if err != nil {
		return nil, engine.StoreError("upload part", err, engine.Error{UploadID: uploadID})
	}
	if sess.State != metadata.SessionInitiated {
		return nil, engine.StoreError("upload part",
			fmt.Errorf("session is %s: %w", sess.State, metadata.ErrConflict),
			engine.Error{Bucket: sess.Bucket, Key: sess.Key, UploadID: uploadID})
	}

	h := md5.New()
	token, size, sum, err := m.back.Stage(ctx, io.TeeReader(body, h))
	if err != nil {
		return nil, engine.BackendError("stage part", err, engine.Error{Bucket: sess.Bucket, Key: sess.Key, UploadID: uploadID})
	}

	p := metadata.Part{
		Number:   number,
		Size:     size,
		Checksum: fmt.Sprintf("%016x", sum),
		ETag:     hex.EncodeToString(h.Sum(nil)),
		Token:    string(token),
	}
	if err := m.store.PutPart(uploadID, p, time.Now().Unix()); err != nil {
		if derr := m.back.Discard(ctx, token); derr != nil {
			m.logger.Warn("discard part bytes failed", "upload", uploadID, "part", number, "error", derr)
		}
		return nil, engine.StoreError("upload part", err, engine.Error{Bucket: sess.Bucket, Key: sess.Key, UploadID: uploadID})
	}
	return &p, nil
}

// ListParts returns the session and its accepted parts in part-number order.
func (m *Manager) ListParts(ctx context.Context, uploadID string) (*metadata.Session, []metadata.Part, error) {
	sess, err := m.store.GetSession(uploadID)
	if err != nil {
		return nil, nil, engine.StoreError("list parts", err, engine.Error{UploadID: uploadID})
	}
	parts, err := m.store.ListParts(uploadID)
	if err != nil {
		return nil, nil, engine.StoreError("list parts", err, engine.Error{UploadID: uploadID})
	}
	return sess, parts, nil
}

// CompletedPart is the client's claim about one uploaded part.
type CompletedPart struct {
	Number int
	ETag   string
}

// Complete assembles the claimed parts into one object version. The part
// list must be contiguous from 1 and match the stored parts by number and
// ETag, and every part except the last must meet the minimum size. A
// validation failure returns the session to the initiated state so the
// client can correct and retry. On success the session reaches its terminal
// state: the row is removed and every staging token (superseded uploads
// included) is queued for reclamation in that same transaction.
func (m *Manager) Complete(ctx context.Context, uploadID string, claimed []CompletedPart) (*metadata.Version, error) {
	sess, err := m.store.GetSession(uploadID)
	if err != nil {
		return nil, engine.StoreError("complete multipart", err, engine.Error{UploadID: uploadID})
	}
	ectx := engine.Error{Bucket: sess.Bucket, Key: sess.Key, UploadID: uploadID}

	now := time.Now().Unix()
	if err := m.store.CasSessionState(uploadID, now, metadata.SessionCompleting,
		metadata.SessionInitiated, metadata.SessionCompleting); err != nil {
		return nil, engine.StoreError("complete multipart", err, ectx)
	}

	stored, err := m.store.ListParts(uploadID)
	if err != nil {
		return nil, engine.StoreError("complete multipart", err, ectx)
	}

	ordered, total, compositeETag, verr := m.validateParts(claimed, stored)
	if verr != "" {
		m.reopen(uploadID)
		return nil, engine.ValidationError("complete multipart", verr, ectx)
	}

	tokens := make([]backend.StagedToken, len(ordered))
	for i, p := range ordered {
		tokens[i] = backend.StagedToken(p.Token)
	}
	token, size, sum, err := m.back.Concatenate(ctx, tokens)
	if err != nil {
		m.reopen(uploadID)
		return nil, engine.BackendError("assemble multipart", err, ectx)
	}
	if size != total {
		if derr := m.back.Discard(ctx, token); derr != nil {
			m.logger.Warn("discard assembled bytes failed", "upload", uploadID, "error", derr)
		}
		m.reopen(uploadID)
		return nil, engine.ValidationError("complete multipart",
			fmt.Sprintf("assembled size %d, parts total %d", size, total), ectx)
	}

	if err := m.store.CasSessionState(uploadID, time.Now().Unix(), metadata.SessionCommitting,
		metadata.SessionCompleting); err != nil {
		if derr := m.back.Discard(ctx, token); derr != nil {
			m.logger.Warn("discard assembled bytes failed", "upload", uploadID, "error", derr)
		}
		return nil, engine.StoreError("complete multipart", err, ectx)
	}

	v, err := m.eng.CommitStaged(ctx, sess.Bucket, sess.Key, token,
		size, fmt.Sprintf("%016x", sum), compositeETag, sess.ContentType)
	if err != nil {
		// The assembled staging token is gone either way; the parts are
		// intact, so hand the session back for another attempt.
		if cerr := m.store.CasSessionState(uploadID, time.Now().Unix(), metadata.SessionInitiated,
			metadata.SessionCommitting); cerr != nil {
			m.logger.Error("reopen session after failed commit", "upload", uploadID, "error", cerr)
		}
		return nil, err
	}

	if err := m.store.FinishSession(uploadID, reclaimEntries(stored)); err != nil {
		// The version is committed; only the session cleanup failed. The
		// sweeper will retire the leftover row.
		m.logger.Error("finish multipart session", "upload", uploadID, "error", err)
	}

	m.eng.Emit(engine.EventMultipartCompleted, sess.Bucket, sess.Key, v.VersionID, v.Size, v.ETag)
	m.logger.Info("multipart completed", "bucket", sess.Bucket, "key", sess.Key,
		"upload", uploadID, "parts", len(ordered), "size", size, "version", v.VersionID)
	return v, nil
}

// reopen returns a session from completing to initiated after a rejected
// or failed completion attempt.
func (m *Manager) reopen(uploadID string) {
	if err := m.store.CasSessionState(uploadID, time.Now().Unix(), metadata.SessionInitiated,
		metadata.SessionCompleting); err != nil {
		m.logger.Error("reopen session", "upload", uploadID, "error", err)
	}
}

// validateParts checks the claimed list against the stored parts and
// returns them in completion order along with the total size and the
// composite ETag. A non-empty verr describes the first violation.
func (m *Manager) validateParts(claimed []CompletedPart, stored []metadata.Part) (ordered []metadata.Part, total int64, etag string, verr string) {
	if len(claimed) == 0 {
		return nil, 0, "", "no parts listed"
	}

	byNumber := make(map[int]metadata.Part, len(stored))
	for _, p := range stored {
		byNumber[p.Number] = p
	}

	digest := md5.New()
	ordered = make([]metadata.Part, 0, len(claimed))
	for i, c := range claimed {
		if c.Number != i+1 {
			return nil, 0, "", fmt.Sprintf("part list not contiguous at position %d (got part %d)", i+1, c.Number)
		}
		p, ok := byNumber[c.Number]
		if !ok {
			return nil, 0, "", fmt.Sprintf("part %d was never uploaded", c.Number)
		}
		if c.ETag != "" && c.ETag != p.ETag {
			return nil, 0, "", fmt.Sprintf("part %d etag mismatch", c.Number)
		}
		if i < len(claimed)-1 && p.Size < m.cfg.MinPartSize {
			return nil, 0, "", fmt.Sprintf("part %d is %d bytes, below the %d byte minimum", c.Number, p.Size, m.cfg.MinPartSize)
		}
		raw, err := hex.DecodeString(p.ETag)
		if err != nil {
			return nil, 0, "", fmt.Sprintf("part %d has a malformed etag", c.Number)
		}
		digest.Write(raw)
		ordered = append(ordered, p)
		total += p.Size
	}

	etag = fmt.Sprintf("%s-%d", hex.EncodeToString(digest.Sum(nil)), len(ordered))
	return ordered, total, etag, ""
}

// Abort cancels a session and queues every staged part for reclamation.
// Aborting an already-aborting session is a no-op; aborting an unknown
// upload id reports not found.
func (m *Manager) Abort(ctx context.Context, uploadID string) error {
	sess, err := m.store.GetSession(uploadID)
	if err != nil {
		return engine.StoreError("abort multipart", err, engine.Error{UploadID: uploadID})
	}

	err = m.store.CasSessionState(uploadID, time.Now().Unix(), metadata.SessionAborting,
		metadata.SessionInitiated, metadata.SessionCompleting, metadata.SessionCommitting,
		metadata.SessionAborting)
	if err != nil {
		return engine.StoreError("abort multipart", err,
			engine.Error{Bucket: sess.Bucket, Key: sess.Key, UploadID: uploadID})
	}

	parts, err := m.store.ListParts(uploadID)
	if err != nil {
		return engine.StoreError("abort multipart", err,
			engine.Error{Bucket: sess.Bucket, Key: sess.Key, UploadID: uploadID})
	}
	if err := m.store.FinishSession(uploadID, reclaimEntries(parts)); err != nil {
		return engine.StoreError("abort multipart", err,
			engine.Error{Bucket: sess.Bucket, Key: sess.Key, UploadID: uploadID})
	}
	m.logger.Info("multipart aborted", "bucket", sess.Bucket, "key", sess.Key,
		"upload", uploadID, "parts", len(parts))
	return nil
}

// reclaimEntries flattens live and superseded part tokens into reclamation
// entries for the terminal transaction.
func reclaimEntries(parts []metadata.Part) []metadata.ReclaimEntry {
	var entries []metadata.ReclaimEntry
	for _, p := range parts {
		entries = append(entries, metadata.ReclaimEntry{Staged: true, Ref: p.Token})
		for _, tok := range p.Superseded {
			entries = append(entries, metadata.ReclaimEntry{Staged: true, Ref: tok})
		}
	}
	return entries
}

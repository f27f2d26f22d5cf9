package engine

import (
	"errors"
	"fmt"

	"github.com/objectio/objectio/internal/backend"
	"github.com/objectio/objectio/internal/metadata"
)

// Kind classifies every error the engine surfaces. Component-internal
// errors (bolt, backend syscalls, remote store codes) are translated into
// exactly one kind at the boundary and never leak through.
type Kind int

const (
	// KindNotFound: bucket, key, version, or session absent. No retry.
	KindNotFound Kind = iota + 1

	// KindConflict: an optimistic write lost the race beyond the retry
	// budget, or a precondition failed. The caller re-issues.
	KindConflict

	// KindValidation: malformed part ordering, checksum mismatch,
	// undersized non-final part, bad names. The session stays usable.
	KindValidation

	// KindBackendTransient: storage medium temporarily unavailable after
	// call-site retries were exhausted.
	KindBackendTransient

	// KindBackendFatal: quota exhausted, corruption, or a referenced
	// token missing. Alertable: a consistency invariant may be at risk.
	KindBackendFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindBackendTransient:
		return "backend transient"
	case KindBackendFatal:
		return "backend fatal"
	}
	return "unknown"
}

// Error carries enough context (bucket, key, version or upload id) for the
// caller to retry deterministically.
type Error struct {
	Kind      Kind
	Op        string
	Bucket    string
	Key       string
	VersionID string
	UploadID  string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Bucket != "" {
		msg += " bucket=" + e.Bucket
	}
	if e.Key != "" {
		msg += " key=" + e.Key
	}
	if e.VersionID != "" {
		msg += " version=" + e.VersionID
	}
	if e.UploadID != "" {
		msg += " upload=" + e.UploadID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrKind reports the taxonomy kind of err, or 0 for untyped errors.
func ErrKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsNotFound(err error) bool   { return ErrKind(err) == KindNotFound }
func IsConflict(err error) bool   { return ErrKind(err) == KindConflict }
func IsValidation(err error) bool { return ErrKind(err) == KindValidation }

// StoreError translates metadata-store sentinels into the taxonomy.
func StoreError(op string, err error, e Error) error {
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		e.Kind = KindNotFound
	case errors.Is(err, metadata.ErrConflict):
		e.Kind = KindConflict
	case errors.Is(err, metadata.ErrExists):
		e.Kind = KindConflict
	default:
		e.Kind = KindBackendFatal
	}
	e.Op = op
	e.Err = err
	return &e
}

// BackendError translates backend error classes into the taxonomy.
func BackendError(op string, err error, e Error) error {
	switch {
	case errors.Is(err, backend.ErrTransient):
		e.Kind = KindBackendTransient
	default:
		// Quota exhaustion, missing tokens, and anything unclassified is
		// fatal to the operation.
		e.Kind = KindBackendFatal
	}
	e.Op = op
	e.Err = err
	return &e
}

func ValidationError(op, msg string, e Error) error {
	e.Kind = KindValidation
	e.Op = op
	e.Err = errors.New(msg)
	return &e
}

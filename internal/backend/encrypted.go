package backend

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// StagedOpener is an optional backend capability: reading back staged bytes
// before they are committed. The encrypting wrapper needs it to assemble
// multi-segment uploads in the plaintext domain.
type StagedOpener interface {
	OpenStaged(ctx context.Context, token StagedToken) (io.ReadCloser, error)
}

// Encrypted wraps another Backend and encrypts blobs transparently with
// AES-256-GCM, a random 12-byte nonce prepended to each ciphertext. Sizes
// and checksums reported to callers are always of the plaintext.
type Encrypted struct {
	inner  Backend
	opener StagedOpener
	gcm    cipher.AEAD
}

// NewEncrypted creates the encrypting wrapper. key must be exactly 32 bytes.
// The inner backend must support reading staged bytes back.
func NewEncrypted(inner Backend, key []byte) (*Encrypted, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	opener, ok := inner.(StagedOpener)
	if !ok {
		return nil, fmt.Errorf("inner backend does not support staged reads")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encrypted{inner: inner, opener: opener, gcm: gcm}, nil
}

func (e *Encrypted) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return append(nonce, e.gcm.Seal(nil, nonce, plaintext, nil)...), nil
}

func (e *Encrypted) open(sealed []byte) ([]byte, error) {
	ns := e.gcm.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	plaintext, err := e.gcm.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (e *Encrypted) Stage(ctx context.Context, r io.Reader) (StagedToken, int64, uint64, error) {
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", 0, 0, fmt.Errorf("read plaintext: %w", err)
	}
	sealed, err := e.seal(plaintext)
	if err != nil {
		return "", 0, 0, err
	}
	token, _, _, err := e.inner.Stage(ctx, bytes.NewReader(sealed))
	if err != nil {
		return "", 0, 0, err
	}
	return token, int64(len(plaintext)), xxhash.Sum64(plaintext), nil
}

func (e *Encrypted) Commit(ctx context.Context, token StagedToken, dest string) (Location, error) {
	return e.inner.Commit(ctx, token, dest)
}

func (e *Encrypted) Open(ctx context.Context, loc Location, offset, length int64) (io.ReadCloser, error) {
	rc, err := e.inner.Open(ctx, loc, 0, -1)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sealed, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read ciphertext: %w", err)
	}
	plaintext, err := e.open(sealed)
	if err != nil {
		return nil, err
	}

	if offset > int64(len(plaintext)) {
		offset = int64(len(plaintext))
	}
	plaintext = plaintext[offset:]
	if length >= 0 && length < int64(len(plaintext)) {
		plaintext = plaintext[:length]
	}
	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

func (e *Encrypted) Delete(ctx context.Context, loc Location) error {
	return e.inner.Delete(ctx, loc)
}

func (e *Encrypted) Discard(ctx context.Context, token StagedToken) error {
	return e.inner.Discard(ctx, token)
}

// Concatenate decrypts each staged segment, joins the plaintext, and stages
// the re-encrypted result. Ciphertexts cannot be stitched byte-wise.
func (e *Encrypted) Concatenate(ctx context.Context, tokens []StagedToken) (StagedToken, int64, uint64, error) {
	var joined bytes.Buffer
	for _, token := range tokens {
		rc, err := e.opener.OpenStaged(ctx, token)
		if err != nil {
			return "", 0, 0, err
		}
		sealed, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", 0, 0, fmt.Errorf("read staged segment: %w", err)
		}
		plaintext, err := e.open(sealed)
		if err != nil {
			return "", 0, 0, err
		}
		joined.Write(plaintext)
	}
	return e.Stage(ctx, &joined)
}

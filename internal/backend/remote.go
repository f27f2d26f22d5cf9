package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"

	"github.com/cespare/xxhash/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// RemoteConfig configures an S3-compatible blob store used as the physical
// medium. All staged and committed bytes live in a single remote bucket,
// under distinct prefixes.
type RemoteConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Remote implements Backend over an S3-compatible service. Commit is a
// server-side copy from the staging prefix to the final prefix; the remote
// store's copy is atomic per key, which preserves the no-intermediate-state
// guarantee. Concatenate uses server-side compose where the segment sizes
// allow it and falls back to a streaming copy.
type Remote struct {
	client *minio.Client
	bucket string
}

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create remote client: %w", err)
	}
	return &Remote{client: client, bucket: cfg.Bucket}, nil
}

func (b *Remote) stagingKey(token StagedToken) string {
	return path.Join("staging", string(token))
}

func (b *Remote) objectKey(loc string) string {
	return path.Join("objects", loc)
}

func (b *Remote) Stage(ctx context.Context, r io.Reader) (StagedToken, int64, uint64, error) {
	token := newToken()
	h := xxhash.New()

	info, err := b.client.PutObject(ctx, b.bucket, b.stagingKey(token),
		io.TeeReader(r, h), -1, minio.PutObjectOptions{})
	if err != nil {
		return "", 0, 0, classifyRemote("stage bytes", err)
	}
	return token, info.Size, h.Sum64(), nil
}

// OpenStaged reads staged bytes back before commit.
func (b *Remote) OpenStaged(ctx context.Context, token StagedToken) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.stagingKey(token), minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyRemote("open staged bytes", err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classifyRemote("open staged bytes", err)
	}
	return obj, nil
}

func (b *Remote) Commit(ctx context.Context, token StagedToken, dest string) (Location, error) {
	src := minio.CopySrcOptions{Bucket: b.bucket, Object: b.stagingKey(token)}
	dst := minio.CopyDestOptions{Bucket: b.bucket, Object: b.objectKey(dest)}

	err := withRetry(ctx, func() error {
		_, err := b.client.CopyObject(ctx, dst, src)
		return classifyRemote("commit staged bytes", err)
	})
	if err != nil {
		return "", err
	}

	// Staged copy is no longer needed once the final key exists.
	b.client.RemoveObject(ctx, b.bucket, b.stagingKey(token), minio.RemoveObjectOptions{})
	return Location(dest), nil
}

func (b *Remote) Open(ctx context.Context, loc Location, offset, length int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if offset > 0 || length >= 0 {
		end := int64(0)
		if length >= 0 {
			end = offset + length - 1
		}
		if err := opts.SetRange(offset, end); err != nil {
			return nil, fmt.Errorf("set range: %w", err)
		}
	}
	obj, err := b.client.GetObject(ctx, b.bucket, b.objectKey(string(loc)), opts)
	if err != nil {
		return nil, classifyRemote("open object", err)
	}
	// GetObject is lazy; surface a missing key now rather than on first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classifyRemote("open object", err)
	}
	return obj, nil
}

func (b *Remote) Delete(ctx context.Context, loc Location) error {
	err := b.client.RemoveObject(ctx, b.bucket, b.objectKey(string(loc)), minio.RemoveObjectOptions{})
	if err == nil || isNotFound(err) {
		return nil
	}
	return classifyRemote("delete object", err)
}

func (b *Remote) Discard(ctx context.Context, token StagedToken) error {
	err := b.client.RemoveObject(ctx, b.bucket, b.stagingKey(token), minio.RemoveObjectOptions{})
	if err == nil || isNotFound(err) {
		return nil
	}
	return classifyRemote("discard staged bytes", err)
}

func (b *Remote) Concatenate(ctx context.Context, tokens []StagedToken) (StagedToken, int64, uint64, error) {
	out := newToken()

	srcs := make([]minio.CopySrcOptions, len(tokens))
	for i, token := range tokens {
		srcs[i] = minio.CopySrcOptions{Bucket: b.bucket, Object: b.stagingKey(token)}
	}
	dst := minio.CopyDestOptions{Bucket: b.bucket, Object: b.stagingKey(out)}

	if _, err := b.client.ComposeObject(ctx, dst, srcs...); err != nil {
		// Compose refuses small segments; assemble with a streaming copy.
		if err := b.concatStreaming(ctx, out, tokens); err != nil {
			return "", 0, 0, err
		}
	}

	// The checksum is recomputed from the assembled bytes since compose
	// happens server side.
	rc, err := b.client.GetObject(ctx, b.bucket, b.stagingKey(out), minio.GetObjectOptions{})
	if err != nil {
		return "", 0, 0, classifyRemote("read assembled bytes", err)
	}
	defer rc.Close()

	h := xxhash.New()
	total, err := io.Copy(h, rc)
	if err != nil {
		return "", 0, 0, classifyRemote("read assembled bytes", err)
	}
	return out, total, h.Sum64(), nil
}

func (b *Remote) concatStreaming(ctx context.Context, out StagedToken, tokens []StagedToken) error {
	pr, pw := io.Pipe()
	go func() {
		for _, token := range tokens {
			obj, err := b.client.GetObject(ctx, b.bucket, b.stagingKey(token), minio.GetObjectOptions{})
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, obj)
			obj.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	if _, err := b.client.PutObject(ctx, b.bucket, b.stagingKey(out), pr, -1, minio.PutObjectOptions{}); err != nil {
		return classifyRemote("assemble staged bytes", err)
	}
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

// classifyRemote maps remote S3 errors onto the backend error classes.
func classifyRemote(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return fmt.Errorf("%s: %w: %v", op, ErrTokenNotFound, err)
	case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
		return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
	case "QuotaExceeded", "EntityTooLarge":
		return fmt.Errorf("%s: %w: %v", op, ErrQuota, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

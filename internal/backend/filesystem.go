package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cespare/xxhash/v2"
)

// FileSystem implements Backend on a local directory. Staged bytes live
// under <root>/staging and are moved into <root>/objects with a single
// os.Rename, which gives the atomic-commit guarantee on POSIX filesystems.
type FileSystem struct {
	root string
}

func NewFileSystem(root string) (*FileSystem, error) {
	for _, dir := range []string{filepath.Join(root, "staging"), filepath.Join(root, "objects")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create backend dir: %w", err)
		}
	}
	return &FileSystem{root: root}, nil
}

func (b *FileSystem) stagingPath(token StagedToken) string {
	return filepath.Join(b.root, "staging", string(token))
}

func (b *FileSystem) objectPath(loc string) string {
	return filepath.Join(b.root, "objects", filepath.FromSlash(loc))
}

func (b *FileSystem) Stage(ctx context.Context, r io.Reader) (StagedToken, int64, uint64, error) {
	token := newToken()
	path := b.stagingPath(token)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, 0, classifyFS("create staged file", err)
	}

	h := xxhash.New()
	written, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, 0, classifyFS("write staged bytes", err)
	}

	return token, written, h.Sum64(), nil
}

// OpenStaged reads staged bytes back before commit.
func (b *FileSystem) OpenStaged(ctx context.Context, token StagedToken) (io.ReadCloser, error) {
	f, err := os.Open(b.stagingPath(token))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open staged %q: %w", token, ErrTokenNotFound)
		}
		return nil, classifyFS("open staged file", err)
	}
	return f, nil
}

func (b *FileSystem) Commit(ctx context.Context, token StagedToken, dest string) (Location, error) {
	src := b.stagingPath(token)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("commit %q: %w", token, ErrTokenNotFound)
		}
		return "", classifyFS("stat staged file", err)
	}

	dst := b.objectPath(dest)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", classifyFS("create object dir", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", classifyFS("commit staged file", err)
	}
	return Location(dest), nil
}

func (b *FileSystem) Open(ctx context.Context, loc Location, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(b.objectPath(string(loc)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %q: %w", loc, ErrTokenNotFound)
		}
		return nil, classifyFS("open object", err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, classifyFS("seek object", err)
		}
	}
	if length < 0 {
		return f, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, length), f: f}, nil
}

func (b *FileSystem) Delete(ctx context.Context, loc Location) error {
	path := b.objectPath(string(loc))
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyFS("delete object", err)
	}

	// Prune now-empty parent directories up to the objects root.
	stop := filepath.Join(b.root, "objects")
	for dir := filepath.Dir(path); dir != stop; dir = filepath.Dir(dir) {
		entries, _ := os.ReadDir(dir)
		if len(entries) > 0 {
			break
		}
		os.Remove(dir)
	}
	return nil
}

func (b *FileSystem) Discard(ctx context.Context, token StagedToken) error {
	if err := os.Remove(b.stagingPath(token)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyFS("discard staged file", err)
	}
	return nil
}

func (b *FileSystem) Concatenate(ctx context.Context, tokens []StagedToken) (StagedToken, int64, uint64, error) {
	out := newToken()
	outPath := b.stagingPath(out)

	f, err := os.Create(outPath)
	if err != nil {
		return "", 0, 0, classifyFS("create staged file", err)
	}

	h := xxhash.New()
	w := io.MultiWriter(f, h)
	var total int64
	for _, token := range tokens {
		src, err := os.Open(b.stagingPath(token))
		if err != nil {
			f.Close()
			os.Remove(outPath)
			if errors.Is(err, fs.ErrNotExist) {
				return "", 0, 0, fmt.Errorf("concatenate %q: %w", token, ErrTokenNotFound)
			}
			return "", 0, 0, classifyFS("open staged segment", err)
		}
		n, err := io.Copy(w, src)
		src.Close()
		if err != nil {
			f.Close()
			os.Remove(outPath)
			return "", 0, 0, classifyFS("copy staged segment", err)
		}
		total += n
	}
	if err := f.Close(); err != nil {
		os.Remove(outPath)
		return "", 0, 0, classifyFS("close staged file", err)
	}

	return out, total, h.Sum64(), nil
}

// limitedFile closes the underlying file when the range reader is closed.
type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error {
	return l.f.Close()
}

// classifyFS maps filesystem errors onto the backend error classes.
func classifyFS(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%s: %w: %v", op, ErrQuota, err)
	}
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EBUSY) {
		return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

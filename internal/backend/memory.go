package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Memory is an in-process Backend used by tests and single-shot tooling.
type Memory struct {
	mu        sync.Mutex
	staged    map[StagedToken][]byte
	committed map[Location][]byte
}

func NewMemory() *Memory {
	return &Memory{
		staged:    make(map[StagedToken][]byte),
		committed: make(map[Location][]byte),
	}
}

func (m *Memory) Stage(ctx context.Context, r io.Reader) (StagedToken, int64, uint64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, 0, fmt.Errorf("read staged bytes: %w", err)
	}
	token := newToken()
	m.mu.Lock()
	m.staged[token] = data
	m.mu.Unlock()
	return token, int64(len(data)), xxhash.Sum64(data), nil
}

// OpenStaged reads staged bytes back before commit.
func (m *Memory) OpenStaged(ctx context.Context, token StagedToken) (io.ReadCloser, error) {
	m.mu.Lock()
	data, ok := m.staged[token]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open staged %q: %w", token, ErrTokenNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Commit(ctx context.Context, token StagedToken, dest string) (Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.staged[token]
	if !ok {
		return "", fmt.Errorf("commit %q: %w", token, ErrTokenNotFound)
	}
	delete(m.staged, token)
	loc := Location(dest)
	m.committed[loc] = data
	return loc, nil
}

func (m *Memory) Open(ctx context.Context, loc Location, offset, length int64) (io.ReadCloser, error) {
	m.mu.Lock()
	data, ok := m.committed[loc]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %q: %w", loc, ErrTokenNotFound)
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	data = data[offset:]
	if length >= 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Delete(ctx context.Context, loc Location) error {
	m.mu.Lock()
	delete(m.committed, loc)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Discard(ctx context.Context, token StagedToken) error {
	m.mu.Lock()
	delete(m.staged, token)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Concatenate(ctx context.Context, tokens []StagedToken) (StagedToken, int64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var buf bytes.Buffer
	for _, token := range tokens {
		data, ok := m.staged[token]
		if !ok {
			return "", 0, 0, fmt.Errorf("concatenate %q: %w", token, ErrTokenNotFound)
		}
		buf.Write(data)
	}
	out := newToken()
	joined := buf.Bytes()
	m.staged[out] = joined
	return out, int64(len(joined)), xxhash.Sum64(joined), nil
}

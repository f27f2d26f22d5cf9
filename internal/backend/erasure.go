package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/reedsolomon"
)

// ErasureConfig configures Reed-Solomon striping.
type ErasureConfig struct {
	Root         string `yaml:"root"`
	DataShards   int    `yaml:"data_shards"`
	ParityShards int    `yaml:"parity_shards"`
}

// Erasure implements Backend on a local directory with Reed-Solomon
// striping: every blob is split into data+parity shard files and can be
// reconstructed with up to ParityShards shard files lost or corrupted.
// Each blob occupies its own directory, so commit is a directory rename
// and the destination stays readable throughout.
type Erasure struct {
	root   string
	rs     reedsolomon.Encoder
	data   int
	parity int
}

type shardMeta struct {
	Size     int64  `json:"size"`
	Checksum uint64 `json:"checksum"`
}

func NewErasure(cfg ErasureConfig) (*Erasure, error) {
	if cfg.DataShards <= 0 {
		cfg.DataShards = 4
	}
	if cfg.ParityShards <= 0 {
		cfg.ParityShards = 2
	}
	rs, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("create reed-solomon encoder: %w", err)
	}
	for _, dir := range []string{filepath.Join(cfg.Root, "staging"), filepath.Join(cfg.Root, "objects")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create backend dir: %w", err)
		}
	}
	return &Erasure{root: cfg.Root, rs: rs, data: cfg.DataShards, parity: cfg.ParityShards}, nil
}

func (b *Erasure) stagingDir(token StagedToken) string {
	return filepath.Join(b.root, "staging", string(token))
}

func (b *Erasure) objectDir(loc string) string {
	return filepath.Join(b.root, "objects", filepath.FromSlash(loc))
}

// writeBlob encodes data into a shard directory at dir. Empty blobs are
// stored as bare metadata since the encoder rejects zero-length input.
func (b *Erasure) writeBlob(dir string, data []byte, sum uint64) error {
	if len(data) == 0 {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return classifyFS("create shard dir", err)
		}
		meta, _ := json.Marshal(shardMeta{Size: 0, Checksum: sum})
		if err := os.WriteFile(filepath.Join(dir, "meta.json"), meta, 0644); err != nil {
			os.RemoveAll(dir)
			return classifyFS("write shard meta", err)
		}
		return nil
	}

	shards, err := b.rs.Split(data)
	if err != nil {
		return fmt.Errorf("split data: %w", err)
	}
	if err := b.rs.Encode(shards); err != nil {
		return fmt.Errorf("encode parity: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return classifyFS("create shard dir", err)
	}
	for i, shard := range shards {
		path := filepath.Join(dir, fmt.Sprintf("shard.%02d", i))
		if err := os.WriteFile(path, shard, 0644); err != nil {
			os.RemoveAll(dir)
			return classifyFS("write shard", err)
		}
	}

	meta, _ := json.Marshal(shardMeta{Size: int64(len(data)), Checksum: sum})
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), meta, 0644); err != nil {
		os.RemoveAll(dir)
		return classifyFS("write shard meta", err)
	}
	return nil
}

// readBlob reconstructs the blob stored in the shard directory at dir.
// Missing or unreadable shards are tolerated up to the parity count.
func (b *Erasure) readBlob(dir string) ([]byte, error) {
	metaRaw, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read shard meta: %w", ErrTokenNotFound)
		}
		return nil, classifyFS("read shard meta", err)
	}
	var meta shardMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("decode shard meta: %w", err)
	}
	if meta.Size == 0 {
		return nil, nil
	}

	shards := make([][]byte, b.data+b.parity)
	missing := 0
	for i := range shards {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("shard.%02d", i)))
		if err != nil {
			missing++
			continue
		}
		shards[i] = data
	}
	if missing > b.parity {
		return nil, fmt.Errorf("read blob: %d shards missing, parity %d: %w", missing, b.parity, ErrTokenNotFound)
	}
	if missing > 0 {
		if err := b.rs.Reconstruct(shards); err != nil {
			return nil, fmt.Errorf("reconstruct shards: %w", err)
		}
	}
	ok, err := b.rs.Verify(shards)
	if err != nil {
		return nil, fmt.Errorf("verify shards: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("shard verification failed for %s", dir)
	}

	var buf bytes.Buffer
	buf.Grow(int(meta.Size))
	if err := b.rs.Join(&buf, shards, int(meta.Size)); err != nil {
		return nil, fmt.Errorf("join shards: %w", err)
	}

	data := buf.Bytes()
	if xxhash.Sum64(data) != meta.Checksum {
		return nil, fmt.Errorf("checksum mismatch after reconstruction for %s", dir)
	}
	return data, nil
}

func (b *Erasure) Stage(ctx context.Context, r io.Reader) (StagedToken, int64, uint64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, 0, fmt.Errorf("read staged bytes: %w", err)
	}
	token := newToken()
	sum := xxhash.Sum64(data)
	if err := b.writeBlob(b.stagingDir(token), data, sum); err != nil {
		return "", 0, 0, err
	}
	return token, int64(len(data)), sum, nil
}

// OpenStaged reads staged bytes back before commit.
func (b *Erasure) OpenStaged(ctx context.Context, token StagedToken) (io.ReadCloser, error) {
	data, err := b.readBlob(b.stagingDir(token))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Erasure) Commit(ctx context.Context, token StagedToken, dest string) (Location, error) {
	src := b.stagingDir(token)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("commit %q: %w", token, ErrTokenNotFound)
		}
		return "", classifyFS("stat shard dir", err)
	}

	dst := b.objectDir(dest)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", classifyFS("create object dir", err)
	}
	// Rename fails on a non-empty target, so an existing shard dir is
	// moved aside first and the staged dir swapped into its place. The
	// displaced dir is only removed once the swap has landed, keeping
	// the destination readable at every instant.
	var displaced string
	if _, err := os.Stat(dst); err == nil {
		displaced = dst + ".displaced"
		os.RemoveAll(displaced)
		if err := os.Rename(dst, displaced); err != nil {
			return "", classifyFS("displace shard dir", err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		if displaced != "" {
			os.Rename(displaced, dst)
		}
		return "", classifyFS("commit shard dir", err)
	}
	if displaced != "" {
		os.RemoveAll(displaced)
	}
	return Location(dest), nil
}

func (b *Erasure) Open(ctx context.Context, loc Location, offset, length int64) (io.ReadCloser, error) {
	data, err := b.readBlob(b.objectDir(string(loc)))
	if err != nil {
		return nil, err
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

func (b *Erasure) Delete(ctx context.Context, loc Location) error {
	path := b.objectDir(string(loc))
	if err := os.RemoveAll(path); err != nil {
		return classifyFS("delete shard dir", err)
	}
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

func (b *Erasure) Discard(ctx context.Context, token StagedToken) error {
	if err := os.RemoveAll(b.stagingDir(token)); err != nil {
		return classifyFS("discard shard dir", err)
	}
	return nil
}

func (b *Erasure) Concatenate(ctx context.Context, tokens []StagedToken) (StagedToken, int64, uint64, error) {
	var joined bytes.Buffer
	for _, token := range tokens {
		data, err := b.readBlob(b.stagingDir(token))
		if err != nil {
			return "", 0, 0, err
		}
		joined.Write(data)
	}
	out := newToken()
	data := joined.Bytes()
	sum := xxhash.Sum64(data)
	if err := b.writeBlob(b.stagingDir(out), data, sum); err != nil {
		return "", 0, 0, err
	}
	return out, int64(len(data)), sum, nil
}

package versioning

import (
	"context"
	"log/slog"
	"time"

	"github.com/objectio/objectio/internal/metadata"
)

// Config tunes chain pruning. RetainLast <= 0 disables pruning entirely.
type Config struct {
	RetainLast int
	Interval   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 1 * time.Hour
	}
	return out
}

// Pruner trims version chains down to the configured retention count.
// The latest version of a key is never pruned regardless of the count, so
// a current object can never lose its bytes to retention.
type Pruner struct {
	store  *metadata.Store
	cfg    Config
	logger *slog.Logger
}

func New(store *metadata.Store, cfg Config, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Run prunes on the configured interval until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	if p.cfg.RetainLast <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("version pruner started", "retain", p.cfg.RetainLast, "interval", p.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.PruneAll(ctx); err != nil {
				p.logger.Error("version prune", "error", err)
			} else if n > 0 {
				p.logger.Info("version prune", "pruned", n)
			}
		}
	}
}

type excessVersion struct {
	bucket, key, versionID string
}

// PruneAll walks every version chain and deletes versions past the
// retention count. Version rows sort newest-first within a key, so a
// single ordered scan counts each chain without an index. Deletions happen
// after the scan; each one promotes or reclaims through the same
// transactional path as an explicit version delete.
func (p *Pruner) PruneAll(ctx context.Context) (int, error) {
	if p.cfg.RetainLast <= 0 {
		return 0, nil
	}

	var excess []excessVersion
	curBucket, curKey := "", ""
	kept := 0
	err := p.store.ScanVersions(func(v metadata.Version) bool {
		if v.Bucket != curBucket || v.Key != curKey {
			curBucket, curKey = v.Bucket, v.Key
			kept = 0
		}
		kept++
		if kept > p.cfg.RetainLast && !v.IsLatest {
			excess = append(excess, excessVersion{v.Bucket, v.Key, v.VersionID})
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, ev := range excess {
		if ctx.Err() != nil {
			return pruned, ctx.Err()
		}
		if err := p.store.DeleteVersion(ev.bucket, ev.key, ev.versionID); err != nil {
			p.logger.Warn("prune version", "bucket", ev.bucket, "key", ev.key,
				"version", ev.versionID, "error", err)
			continue
		}
		pruned++
	}
	return pruned, nil
}

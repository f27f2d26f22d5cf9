package gc

import (
	"context"
	"log/slog"
	"time"

	"github.com/objectio/objectio/internal/backend"
	"github.com/objectio/objectio/internal/metadata"
)

// Config tunes the reclamation worker.
type Config struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 256
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 8
	}
	return out
}

// Reclaimer drains the reclamation queue, returning unreferenced bytes to
// the backend. Entries only ever enter the queue in the metadata
// transaction that removed their last reference, so anything dequeued here
// is provably garbage. Deletion failures are rescheduled with exponential
// backoff; entries that exhaust the retry budget are dropped with an error
// log so the queue cannot wedge on a permanently failing reference.
type Reclaimer struct {
	store  *metadata.Store
	back   backend.Backend
	cfg    Config
	logger *slog.Logger
}

func New(store *metadata.Store, back backend.Backend, cfg Config, logger *slog.Logger) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		store:  store,
		back:   back,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Run drains the queue on the configured interval until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reclaimer started", "interval", r.cfg.Interval, "batch", r.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Drain(ctx); err != nil {
				r.logger.Error("reclaim drain", "error", err)
			} else if n > 0 {
				r.logger.Debug("reclaim drain", "reclaimed", n)
			}
		}
	}
}

// Drain processes one batch of due entries and reports how many were
// reclaimed.
func (r *Reclaimer) Drain(ctx context.Context) (int, error) {
	entries, err := r.store.DequeueReclaim(r.cfg.BatchSize, time.Now().Unix())
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return reclaimed, ctx.Err()
		}
		if r.reclaim(ctx, entry) {
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (r *Reclaimer) reclaim(ctx context.Context, entry metadata.ReclaimEntry) bool {
	var err error
	if entry.Staged {
		err = r.back.Discard(ctx, backend.StagedToken(entry.Ref))
	} else {
		err = r.back.Delete(ctx, backend.Location(entry.Ref))
	}

	if err == nil {
		if ackErr := r.store.AckReclaim(entry.ID); ackErr != nil {
			r.logger.Error("ack reclaim", "id", entry.ID, "error", ackErr)
			return false
		}
		return true
	}

	if entry.RetryCount+1 >= r.cfg.MaxRetries {
		r.logger.Error("reclaim abandoned after retries",
			"id", entry.ID, "ref", entry.Ref, "staged", entry.Staged,
			"retries", entry.RetryCount+1, "error", err)
		if ackErr := r.store.AckReclaim(entry.ID); ackErr != nil {
			r.logger.Error("ack reclaim", "id", entry.ID, "error", ackErr)
		}
		return false
	}

	next := time.Now().Add(backoff(entry.RetryCount)).Unix()
	if nackErr := r.store.NackReclaim(entry.ID, entry.RetryCount+1, next); nackErr != nil {
		r.logger.Error("nack reclaim", "id", entry.ID, "error", nackErr)
	}
	r.logger.Warn("reclaim failed, rescheduled",
		"id", entry.ID, "ref", entry.Ref, "retry", entry.RetryCount+1, "error", err)
	return false
}

// backoff doubles from one minute per retry, capped at an hour.
func backoff(retryCount int) time.Duration {
	d := time.Minute << uint(retryCount)
	if d > time.Hour {
		return time.Hour
	}
	return d
}

// QueueDepth exposes the backlog for health reporting.
func (r *Reclaimer) QueueDepth() (int, error) {
	return r.store.ReclaimDepth()
}

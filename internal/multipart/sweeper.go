package multipart

import (
	"context"
	"time"
)

// RunSweeper aborts sessions idle past the deadline until ctx is
// cancelled. Sessions stranded mid-completion by a crash are swept the
// same way: aborting reclaims only part tokens, which a committed version
// never references.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("multipart sweeper started",
		"interval", m.cfg.SweepInterval, "idle_deadline", m.cfg.IdleDeadline)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.SweepIdle(ctx); err != nil {
				m.logger.Error("multipart sweep", "error", err)
			} else if n > 0 {
				m.logger.Info("multipart sweep", "aborted", n)
			}
		}
	}
}

// SweepIdle aborts every session whose last activity predates the idle
// deadline and returns how many were retired.
func (m *Manager) SweepIdle(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.cfg.IdleDeadline).Unix()
	idle, err := m.store.ListIdleSessions(cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, sess := range idle {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		if err := m.Abort(ctx, sess.UploadID); err != nil {
			m.logger.Warn("sweep abort failed", "upload", sess.UploadID, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

// Package pipeline runs the periodic maintenance jobs that move settled data
// out of the hot path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/metrics"
)

const archiveLockKey = "order-archiver"

// Archiver moves evaluated orders older than the retention window to cold
// storage. When several workers run, the lock lets only one export per tick.
type Archiver struct {
	blobArchiver  domain.Archiver
	locks         domain.LockManager
	retentionDays int
	interval      time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, locks domain.LockManager, retentionDays int, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Archiver{
		blobArchiver:  blobArchiver,
		locks:         locks,
		retentionDays: retentionDays,
		interval:      interval,
		metrics:       m,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// RunOnce executes a single archive pass. It returns 0 without error when
// another process holds the archive lock.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	unlock, err := a.locks.Acquire(ctx, archiveLockKey, a.interval)
	if errors.Is(err, domain.ErrLockHeld) {
		a.logger.DebugContext(ctx, "archive run skipped, lock held elsewhere")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pipeline: acquire archive lock: %w", err)
	}
	defer unlock()

	cutoff := a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blobArchiver.ArchiveOrders(ctx, cutoff)
	if n > 0 {
		a.metrics.ArchivedOrders.Add(float64(n))
	}
	if err != nil {
		return n, fmt.Errorf("pipeline: archive orders before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("orders_archived", n))
	return n, nil
}

// Run archives immediately and then every interval until ctx is cancelled.
// Failed passes are logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("archiver started", slog.Duration("interval", a.interval))

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return nil
		case <-ticker.C:
		}
	}
}

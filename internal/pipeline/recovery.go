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

const recoveryLockKey = "waiting-recovery"

// WaitingRecoverer re-queues waiting contracts that have no scheduled job.
type WaitingRecoverer interface {
	RecoverWaiting(ctx context.Context, queue domain.JobQueue, limit int) (int, error)
}

// Recoverer periodically re-queues waiting contracts whose evaluation job was
// never scheduled, e.g. when Redis was unreachable right after placement.
type Recoverer struct {
	settlement WaitingRecoverer
	queue      domain.JobQueue
	locks      domain.LockManager
	batch      int
	interval   time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewRecoverer creates a Recoverer sweeping up to batch contracts per pass.
func NewRecoverer(settlement WaitingRecoverer, queue domain.JobQueue, locks domain.LockManager, batch int, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Recoverer {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 1000
	}
	return &Recoverer{
		settlement: settlement,
		queue:      queue,
		locks:      locks,
		batch:      batch,
		interval:   interval,
		metrics:    m,
		logger:     logger.With(slog.String("component", "recoverer")),
	}
}

// RunOnce executes a single sweep. It returns 0 without error when another
// worker holds the sweep lock.
func (r *Recoverer) RunOnce(ctx context.Context) (int, error) {
	unlock, err := r.locks.Acquire(ctx, recoveryLockKey, r.interval)
	if errors.Is(err, domain.ErrLockHeld) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pipeline: acquire recovery lock: %w", err)
	}
	defer unlock()

	n, err := r.settlement.RecoverWaiting(ctx, r.queue, r.batch)
	if n > 0 {
		r.metrics.RecoveredJobs.Add(float64(n))
		r.logger.WarnContext(ctx, "re-queued waiting contracts", slog.Int("requeued", n))
	}
	if err != nil {
		return n, fmt.Errorf("pipeline: recover waiting contracts: %w", err)
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled. The first sweep happens
// one interval after start; startup recovery is the caller's concern.
func (r *Recoverer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
		}
	}
}

package ws

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/metrics"
)

// GroupSweeper removes consumer groups nobody has read from recently.
type GroupSweeper interface {
	SweepIdleGroups(ctx context.Context, prefix string, idle time.Duration) (int, error)
}

// Janitor removes consumer groups left behind by gateway processes that died
// without tearing down their sessions. Only one process sweeps per interval.
type Janitor struct {
	sweeper  GroupSweeper
	locks    domain.LockManager
	interval time.Duration
	idle     time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewJanitor creates a Janitor. Groups whose consumers have been idle longer
// than idle are destroyed every interval.
func NewJanitor(sweeper GroupSweeper, locks domain.LockManager, interval, idle time.Duration, m *metrics.Metrics, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Janitor{
		sweeper:  sweeper,
		locks:    locks,
		interval: interval,
		idle:     idle,
		metrics:  m,
		logger:   logger.With(slog.String("component", "group_janitor")),
	}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.WarnContext(ctx, "group sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs a single pass. It returns zero without error when another
// process holds the sweep lock.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	unlock, err := j.locks.Acquire(ctx, "gateway-group-janitor", j.interval)
	if errors.Is(err, domain.ErrLockHeld) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := j.sweeper.SweepIdleGroups(ctx, GroupPrefix, j.idle)
	if n > 0 {
		j.metrics.StaleGroupsPruned.Add(float64(n))
		j.logger.InfoContext(ctx, "pruned stale consumer groups", slog.Int("count", n))
	}
	return n, err
}

// Package scheduler runs deferred contract evaluations off the shared
// delayed-job queue. A single dispatcher claims jobs shortly before they are
// due and hands them to a bounded pool of workers, each of which waits out
// the remaining time before evaluating.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/metrics"
	"github.com/alanyoungcy/optionsengine/internal/notify"
)

// Handler evaluates one contract. An error leaves the job leased; it is
// redelivered once the lease expires.
type Handler func(ctx context.Context, job domain.EvaluationJob) error

// Config tunes the dispatcher and workers.
type Config struct {
	Workers           int
	BatchSize         int
	PollInterval      time.Duration
	Lease             time.Duration
	TeardownRetries   int
	TeardownBaseDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.TeardownRetries <= 0 {
		c.TeardownRetries = 5
	}
	if c.TeardownBaseDelay <= 0 {
		c.TeardownBaseDelay = 100 * time.Millisecond
	}
}

// Scheduler dispatches due evaluation jobs to workers.
type Scheduler struct {
	cfg     Config
	queue   domain.JobQueue
	handle  Handler
	alerts  domain.Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	wake    chan struct{}
}

// New creates a Scheduler. alerts may be nil.
func New(cfg Config, queue domain.JobQueue, handle Handler, alerts domain.Alerter, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:     cfg,
		queue:   queue,
		handle:  handle,
		alerts:  alerts,
		metrics: m,
		logger:  logger.With(slog.String("component", "scheduler")),
		wake:    make(chan struct{}, 1),
	}
}

// Schedule enqueues job and wakes the local dispatcher so a short-lived
// contract is not held back by the poll interval.
func (s *Scheduler) Schedule(ctx context.Context, job domain.ScheduledJob) error {
	if err := s.queue.Schedule(ctx, job); err != nil {
		return err
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run dispatches and evaluates jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		slog.Int("workers", s.cfg.Workers),
		slog.Duration("poll_interval", s.cfg.PollInterval),
	)
	defer s.logger.Info("scheduler stopped")

	jobs := make(chan domain.ScheduledJob)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for job := range jobs {
				s.process(ctx, job)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		return s.dispatch(ctx, jobs)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// dispatch claims jobs due within the next poll interval. Claiming slightly
// early lets workers fire on time; they never evaluate before expiry.
func (s *Scheduler) dispatch(ctx context.Context, jobs chan<- domain.ScheduledJob) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
		}

		now := time.Now()
		if n, err := s.queue.Recover(ctx, now); err != nil {
			s.logger.Warn("recover expired leases failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("redelivering jobs with expired leases", slog.Int("count", n))
		}

		horizon := now.Add(s.cfg.PollInterval)
		for {
			claimed, err := s.queue.Claim(ctx, horizon, s.cfg.BatchSize, s.cfg.Lease)
			if err != nil {
				s.logger.Warn("claim jobs failed", slog.String("error", err.Error()))
				break
			}
			for _, job := range claimed {
				select {
				case jobs <- job:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if len(claimed) < s.cfg.BatchSize {
				break
			}
		}

		timer.Reset(s.nextWait(ctx))
	}
}

func (s *Scheduler) nextWait(ctx context.Context) time.Duration {
	wait := s.cfg.PollInterval
	due, ok, err := s.queue.NextDue(ctx)
	if err != nil || !ok {
		return wait
	}
	// Wake when the next job enters the claim horizon.
	if d := time.Until(due) - s.cfg.PollInterval; d < wait {
		wait = max(d, 0)
	}
	return wait
}

func (s *Scheduler) process(ctx context.Context, sj domain.ScheduledJob) {
	log := s.logger.With(slog.String("job_id", sj.ID))

	job, err := domain.ParseEvaluationJob(sj.Payload)
	if err != nil {
		log.Error("dropping undecodable job", slog.String("error", err.Error()))
		s.teardown(ctx, sj.ID)
		return
	}

	if remaining := time.Until(job.Expiry); remaining > 0 {
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			// Still leased; another worker picks it up after the lease.
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	if err := s.handle(ctx, job); err != nil {
		log.Warn("evaluation failed, will retry after lease",
			slog.String("order_id", job.OrderID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.teardown(ctx, sj.ID)
}

// teardown acknowledges a finished job with bounded exponential backoff.
// Exhaustion is logged and counted, never propagated: the contract has
// already settled and a redelivery is a no-op.
func (s *Scheduler) teardown(ctx context.Context, id string) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.teardownBudget())
	defer cancel()

	delay := s.cfg.TeardownBaseDelay
	var err error
retry:
	for attempt := 1; ; attempt++ {
		if err = s.queue.Ack(ackCtx, id); err == nil {
			return
		}
		if attempt >= s.cfg.TeardownRetries {
			break
		}
		select {
		case <-ackCtx.Done():
			break retry
		case <-time.After(delay):
		}
		delay *= 2
	}

	err = fmt.Errorf("%w: %s: %v", domain.ErrSchedulerTeardown, id, err)
	s.metrics.TeardownFailures.Inc()
	s.logger.Error("job teardown abandoned", slog.String("error", err.Error()))
	if s.alerts != nil {
		s.alerts.Alert(ctx, notify.EventTeardownAbandoned, err.Error())
	}
}

// teardownBudget covers every retry delay plus slack for the calls.
func (s *Scheduler) teardownBudget() time.Duration {
	total := time.Duration(0)
	d := s.cfg.TeardownBaseDelay
	for i := 0; i < s.cfg.TeardownRetries; i++ {
		total += d
		d *= 2
	}
	return total + 10*time.Second
}

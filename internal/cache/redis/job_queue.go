package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

var (
	//go:embed scripts/schedule.lua
	scheduleLua string
	//go:embed scripts/claim.lua
	claimLua string
	//go:embed scripts/recover.lua
	recoverLua string
)

const (
	jobsDueKey      = "sched:due"
	jobsInflightKey = "sched:inflight"
	jobsPayloadKey  = "sched:jobs"
)

// JobQueue implements domain.JobQueue: one shared durable queue instead of a
// resource per job. A job lives in the payload hash from Schedule until Ack,
// and is in exactly one of the due or in-flight sorted sets meanwhile. Claims
// carry a lease; Recover hands expired leases back, so a crashed worker's
// jobs are redelivered (at-least-once).
type JobQueue struct {
	rdb      *redis.Client
	schedule *redis.Script
	claim    *redis.Script
	recover  *redis.Script
}

// NewJobQueue creates a JobQueue backed by the given Client.
func NewJobQueue(c *Client) *JobQueue {
	return &JobQueue{
		rdb:      c.Underlying(),
		schedule: redis.NewScript(scheduleLua),
		claim:    redis.NewScript(claimLua),
		recover:  redis.NewScript(recoverLua),
	}
}

// Schedule enqueues job at its due time. A job id that is already queued or
// in flight is left untouched.
func (q *JobQueue) Schedule(ctx context.Context, job domain.ScheduledJob) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}
	err := q.schedule.Run(ctx, q.rdb,
		[]string{jobsDueKey, jobsPayloadKey},
		job.ID, job.DueAt.UnixMilli(), job.Payload,
	).Err()
	if err != nil {
		return fmt.Errorf("redis: schedule job %s: %w", job.ID, err)
	}
	return nil
}

// Claim leases up to max jobs due at or before now.
func (q *JobQueue) Claim(ctx context.Context, now time.Time, max int, lease time.Duration) ([]domain.ScheduledJob, error) {
	res, err := q.claim.Run(ctx, q.rdb,
		[]string{jobsDueKey, jobsInflightKey, jobsPayloadKey},
		now.UnixMilli(), max, now.Add(lease).UnixMilli(),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: claim jobs: %w", err)
	}
	if len(res)%3 != 0 {
		return nil, fmt.Errorf("redis: claim jobs: unexpected reply length %d", len(res))
	}

	jobs := make([]domain.ScheduledJob, 0, len(res)/3)
	for i := 0; i < len(res); i += 3 {
		dueMs, err := strconv.ParseFloat(res[i+1], 64)
		if err != nil {
			return nil, fmt.Errorf("redis: claim jobs: parse due of %s: %w", res[i], err)
		}
		jobs = append(jobs, domain.ScheduledJob{
			ID:      res[i],
			DueAt:   time.UnixMilli(int64(dueMs)).UTC(),
			Payload: []byte(res[i+2]),
		})
	}
	return jobs, nil
}

// Recover moves jobs whose lease expired before now back to due.
func (q *JobQueue) Recover(ctx context.Context, now time.Time) (int, error) {
	n, err := q.recover.Run(ctx, q.rdb,
		[]string{jobsInflightKey, jobsDueKey, jobsPayloadKey},
		now.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis: recover jobs: %w", err)
	}
	return n, nil
}

// Ack removes a finished job from the queue entirely.
func (q *JobQueue) Ack(ctx context.Context, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, jobsInflightKey, id)
		pipe.ZRem(ctx, jobsDueKey, id)
		pipe.HDel(ctx, jobsPayloadKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: ack job %s: %w", id, err)
	}
	return nil
}

// NextDue returns the earliest due time among queued jobs.
func (q *JobQueue) NextDue(ctx context.Context) (time.Time, bool, error) {
	zs, err := q.rdb.ZRangeWithScores(ctx, jobsDueKey, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis: next due job: %w", err)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)).UTC(), true, nil
}

// Exists reports whether the job is queued or in flight.
func (q *JobQueue) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := q.rdb.HExists(ctx, jobsPayloadKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("redis: job exists %s: %w", id, err)
	}
	return ok, nil
}

var _ domain.JobQueue = (*JobQueue)(nil)

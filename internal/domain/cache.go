package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache holds the latest price per symbol.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}

// TickHistory keeps a capped recent history per symbol.
type TickHistory interface {
	Append(ctx context.Context, tick Tick) error
	Recent(ctx context.Context, symbol string, limit int) ([]Tick, error)
}

// TickStream is the shared distribution topic. Every consumer group sees the
// full tick sequence in publish order.
type TickStream interface {
	Publish(ctx context.Context, tick Tick) error
	CreateGroup(ctx context.Context, group string) error
	// Consume blocks delivering ticks to handle until ctx is done or handle
	// returns an error.
	Consume(ctx context.Context, group, consumer string, handle func(Tick) error) error
	DestroyGroup(ctx context.Context, group string) error
}

// JobQueue is a durable delayed-job queue keyed by job id and due time.
type JobQueue interface {
	Schedule(ctx context.Context, job ScheduledJob) error
	Claim(ctx context.Context, now time.Time, max int, lease time.Duration) ([]ScheduledJob, error)
	Recover(ctx context.Context, now time.Time) (int, error)
	Ack(ctx context.Context, id string) error
	NextDue(ctx context.Context) (time.Time, bool, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides fire-and-forget pub/sub between processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

// TickStreamKey is the shared distribution topic.
const TickStreamKey = "ticks"

// TickStream implements domain.TickStream on a single Redis stream. Fan-out is
// by replication: each subscriber owns a consumer group positioned at the
// tail, so every group sees every tick in publish order.
type TickStream struct {
	rdb       *redis.Client
	stream    string
	maxLen    int64
	block     time.Duration
	batchSize int64
}

// TickStreamConfig tunes the stream.
type TickStreamConfig struct {
	MaxLen    int64         // approximate XADD MAXLEN
	Block     time.Duration // XREADGROUP BLOCK per poll
	BatchSize int64         // XREADGROUP COUNT
}

// NewTickStream creates a TickStream backed by the given Client.
func NewTickStream(c *Client, cfg TickStreamConfig) *TickStream {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10_000
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	return &TickStream{
		rdb:       c.Underlying(),
		stream:    TickStreamKey,
		maxLen:    cfg.MaxLen,
		block:     cfg.Block,
		batchSize: cfg.BatchSize,
	}
}

// Publish appends one tick. The symbol is stored as its own field so
// consumers can filter without decoding the payload.
func (ts *TickStream) Publish(ctx context.Context, tick domain.Tick) error {
	payload, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("redis: marshal tick: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: ts.stream,
		MaxLen: ts.maxLen,
		Approx: true,
		Values: map[string]any{
			"symbol":  tick.Symbol,
			"payload": payload,
		},
	}
	if err := ts.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: publish tick %s: %w", tick.Symbol, err)
	}
	return nil
}

// CreateGroup creates a consumer group that starts at the current tail.
// Creating an existing group is not an error.
func (ts *TickStream) CreateGroup(ctx context.Context, group string) error {
	err := ts.rdb.XGroupCreateMkStream(ctx, ts.stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create group %s: %w", group, err)
	}
	return nil
}

// Consume reads the group until ctx is done or handle fails. Entries are read
// with NOACK: ticks are ephemeral and never redelivered.
func (ts *TickStream) Consume(ctx context.Context, group, consumer string, handle func(domain.Tick) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := ts.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{ts.stream, ">"},
			Count:    ts.batchSize,
			Block:    ts.block,
			NoAck:    true,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("redis: consume group %s: %w", group, err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				tick, err := decodeTick(msg.Values)
				if err != nil {
					continue
				}
				if err := handle(tick); err != nil {
					return err
				}
			}
		}
	}
}

// DestroyGroup removes a consumer group and its consumers.
func (ts *TickStream) DestroyGroup(ctx context.Context, group string) error {
	if err := ts.rdb.XGroupDestroy(ctx, ts.stream, group).Err(); err != nil {
		return fmt.Errorf("redis: destroy group %s: %w", group, err)
	}
	return nil
}

// SweepIdleGroups destroys groups named with prefix whose consumers have all
// been idle longer than idle. Groups left behind by a crashed gateway are
// removed this way; live groups poll every block interval and stay fresh.
func (ts *TickStream) SweepIdleGroups(ctx context.Context, prefix string, idle time.Duration) (int, error) {
	groups, err := ts.rdb.XInfoGroups(ctx, ts.stream).Result()
	if err != nil {
		if isNoSuchKey(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: list groups: %w", err)
	}

	removed := 0
	for _, g := range groups {
		if !strings.HasPrefix(g.Name, prefix) || g.Consumers == 0 {
			continue
		}
		consumers, err := ts.rdb.XInfoConsumers(ctx, ts.stream, g.Name).Result()
		if err != nil {
			return removed, fmt.Errorf("redis: list consumers of %s: %w", g.Name, err)
		}
		stale := true
		for _, c := range consumers {
			if c.Idle < idle {
				stale = false
				break
			}
		}
		if !stale {
			continue
		}
		if err := ts.DestroyGroup(ctx, g.Name); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func isNoSuchKey(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such key")
}

// decodeTick parses the payload field of a stream entry.
func decodeTick(values map[string]any) (domain.Tick, error) {
	raw, ok := values["payload"]
	if !ok {
		return domain.Tick{}, fmt.Errorf("redis: stream entry without payload")
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return domain.Tick{}, fmt.Errorf("redis: unexpected payload type %T", raw)
	}

	var tick domain.Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		return domain.Tick{}, fmt.Errorf("redis: decode tick: %w", err)
	}
	return tick, nil
}

var _ domain.TickStream = (*TickStream)(nil)

// TickHistory implements domain.TickHistory with one capped stream per
// symbol at "history:{symbol}".
type TickHistory struct {
	rdb    *redis.Client
	maxLen int64
}

// NewTickHistory creates a TickHistory keeping roughly maxLen ticks per symbol.
func NewTickHistory(c *Client, maxLen int64) *TickHistory {
	if maxLen <= 0 {
		maxLen = 500
	}
	return &TickHistory{rdb: c.Underlying(), maxLen: maxLen}
}

func historyKey(symbol string) string {
	return "history:" + symbol
}

// Append records a tick in its symbol's history.
func (th *TickHistory) Append(ctx context.Context, tick domain.Tick) error {
	payload, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("redis: marshal tick: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: historyKey(tick.Symbol),
		MaxLen: th.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}
	if err := th.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: append history %s: %w", tick.Symbol, err)
	}
	return nil
}

// Recent returns up to limit of the newest ticks for symbol, oldest first.
func (th *TickHistory) Recent(ctx context.Context, symbol string, limit int) ([]domain.Tick, error) {
	if limit <= 0 {
		return nil, nil
	}
	msgs, err := th.rdb.XRevRangeN(ctx, historyKey(symbol), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read history %s: %w", symbol, err)
	}

	ticks := make([]domain.Tick, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		tick, err := decodeTick(msgs[i].Values)
		if err != nil {
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

var _ domain.TickHistory = (*TickHistory)(nil)

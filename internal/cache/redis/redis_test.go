package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb), mr
}

func tick(symbol, price string, at time.Time) domain.Tick {
	return domain.Tick{Symbol: symbol, Price: decimal.RequireFromString(price), EventTime: at}
}

func TestPriceCache(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	pc := NewPriceCache(c, time.Minute)

	_, _, err := pc.GetPrice(ctx, "BTC-USD")
	require.ErrorIs(t, err, domain.ErrNotFound)

	at := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	require.NoError(t, pc.SetPrice(ctx, "BTC-USD", decimal.RequireFromString("50100.25"), at))

	price, ts, err := pc.GetPrice(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "50100.25", price.String())
	assert.True(t, ts.Equal(at))
}

func TestRateLimiter(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "orders:u1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "orders:u1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "orders:u2", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	_, err = rl.Allow(ctx, "orders:u1", 0, time.Minute)
	assert.Error(t, err)
}

func TestLockManager(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "janitor", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "janitor", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock2, err := lm.Acquire(ctx, "janitor", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestJobQueueLifecycle(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	q := NewJobQueue(c)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	due := domain.ScheduledJob{ID: "settle:a", DueAt: now.Add(-time.Second), Payload: []byte(`{"order_id":"a"}`)}
	later := domain.ScheduledJob{ID: "settle:b", DueAt: now.Add(time.Hour), Payload: []byte(`{"order_id":"b"}`)}
	require.NoError(t, q.Schedule(ctx, due))
	require.NoError(t, q.Schedule(ctx, later))

	// Re-scheduling keeps the original entry.
	require.NoError(t, q.Schedule(ctx, domain.ScheduledJob{ID: "settle:a", DueAt: now.Add(time.Hour), Payload: []byte(`{}`)}))

	next, ok, err := q.NextDue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(due.DueAt))

	jobs, err := q.Claim(ctx, now, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "settle:a", jobs[0].ID)
	assert.True(t, jobs[0].DueAt.Equal(due.DueAt))
	assert.JSONEq(t, `{"order_id":"a"}`, string(jobs[0].Payload))

	// Claimed jobs are not handed out twice while leased.
	again, err := q.Claim(ctx, now, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)

	// An expired lease is recovered and redelivered.
	n, err := q.Recover(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	jobs, err = q.Claim(ctx, now.Add(time.Minute), 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	exists, err := q.Exists(ctx, "settle:a")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, q.Ack(ctx, "settle:a"))
	exists, err = q.Exists(ctx, "settle:a")
	require.NoError(t, err)
	assert.False(t, exists)

	n, err = q.Recover(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "acked jobs never come back")

	next, ok, err = q.NextDue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(later.DueAt))
}

var errStop = errors.New("stop")

func TestTickStreamFanOutIsolation(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	ts := NewTickStream(c, TickStreamConfig{Block: 50 * time.Millisecond})
	now := time.Now().UTC()

	require.NoError(t, ts.Publish(ctx, tick("BTC-USD", "1", now)), "before any group exists")
	require.NoError(t, ts.CreateGroup(ctx, "gw:a"))
	require.NoError(t, ts.CreateGroup(ctx, "gw:b"))
	require.NoError(t, ts.CreateGroup(ctx, "gw:a"), "idempotent")

	require.NoError(t, ts.Publish(ctx, tick("ETH-USD", "3000", now)))
	require.NoError(t, ts.Publish(ctx, tick("BTC-USD", "50100", now)))

	collect := func(group string) []domain.Tick {
		var got []domain.Tick
		err := ts.Consume(ctx, group, "c1", func(tk domain.Tick) error {
			got = append(got, tk)
			if len(got) == 2 {
				return errStop
			}
			return nil
		})
		require.ErrorIs(t, err, errStop)
		return got
	}

	a := collect("gw:a")
	b := collect("gw:b")
	require.Len(t, a, 2)
	require.Len(t, b, 2, "each group sees the full sequence")
	assert.Equal(t, "ETH-USD", a[0].Symbol)
	assert.Equal(t, "BTC-USD", a[1].Symbol)
	assert.True(t, a[1].Price.Equal(decimal.NewFromInt(50100)))

	require.NoError(t, ts.DestroyGroup(ctx, "gw:a"))
	require.Error(t, ts.DestroyGroup(ctx, "gw:missing"))
}

func TestTickStreamConsumeStopsOnCancel(t *testing.T) {
	c, _ := newTestClient(t)
	ts := NewTickStream(c, TickStreamConfig{Block: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ts.CreateGroup(ctx, "gw:c"))

	cancel()
	err := ts.Consume(ctx, "gw:c", "c1", func(domain.Tick) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTickHistoryRecent(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	th := NewTickHistory(c, 100)
	base := time.Now().UTC()

	for i, p := range []string{"100", "101", "102"} {
		require.NoError(t, th.Append(ctx, tick("BTC-USD", p, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, th.Append(ctx, tick("ETH-USD", "5", base)))

	got, err := th.Recent(ctx, "BTC-USD", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "101", got[0].Price.String(), "oldest first")
	assert.Equal(t, "102", got[1].Price.String())

	none, err := th.Recent(ctx, "DOGE-USD", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSignalBus(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewSignalBus(c)

	ch, err := bus.Subscribe(ctx, domain.SettlementsChannel)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, domain.SettlementsChannel, []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	for range ch {
	}
}

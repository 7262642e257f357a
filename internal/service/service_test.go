package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/metrics"
	"github.com/alanyoungcy/optionsengine/internal/notify"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type harness struct {
	accounts   fakeAccounts
	contracts  *fakeContracts
	bars       *fakeBars
	cache      *fakePriceCache
	queue      *fakeQueue
	bus        *fakeBus
	alerts     *fakeAlerter
	prices     *PriceService
	placement  *PlacementService
	settlement *SettlementService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		accounts: fakeAccounts{
			"u1":        {ID: "u1", Kind: domain.OwnerKindUser, LiveMode: true},
			"suspended": {ID: "suspended", Kind: domain.OwnerKindUser, Disabled: true},
		},
		contracts: newFakeContracts(),
		bars:      &fakeBars{prev: domain.Bar{Close: dec("50000")}},
		cache:     &fakePriceCache{},
		queue:     newFakeQueue(),
		bus:       &fakeBus{},
		alerts:    &fakeAlerter{},
	}
	h.contracts.balances["u1"] = dec("1000")

	m := metrics.NewNop()
	logger := discardLogger()
	h.prices = NewPriceService(&fakeStream{}, h.cache, &fakeHistory{}, h.bars, logger)
	h.prices.now = func() time.Time { return t0.Add(5 * time.Second) }

	h.placement = NewPlacementService(PlacementConfig{
		MinStake:   dec("1"),
		MaxStake:   dec("5000"),
		MaxHorizon: time.Hour,
	}, h.accounts, h.contracts, h.prices, h.queue, fakeLimiter{allow: true}, h.alerts, m, logger)
	h.placement.now = func() time.Time { return t0 }

	h.settlement = NewSettlementService(SettlementConfig{
		GainRate:    dec("0.9"),
		PriceWindow: 5 * time.Second,
	}, h.contracts, h.prices, h.bus, h.alerts, m, logger)
	h.settlement.now = func() time.Time { return t0.Add(5 * time.Second) }
	return h
}

func (h *harness) placeBTC(t *testing.T, prediction string) domain.Order {
	t.Helper()
	order, err := h.placement.Place(context.Background(), PlaceRequest{
		OwnerID:    "u1",
		Symbol:     "btc-usd",
		Stake:      dec("100"),
		Prediction: prediction,
		Expiry:     t0.Add(5 * time.Second),
	})
	require.NoError(t, err)
	return order
}

func (h *harness) jobFor(t *testing.T, order domain.Order) domain.EvaluationJob {
	t.Helper()
	jobs := h.queue.all()
	require.Len(t, jobs, 1)
	job, err := domain.ParseEvaluationJob(jobs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, order.ID, job.OrderID)
	return job
}

func TestPlaceOpensContractAndSchedulesJob(t *testing.T) {
	h := newHarness(t)
	order := h.placeBTC(t, "Higher")

	assert.Equal(t, "BTC-USD", order.Symbol)
	assert.Equal(t, domain.PredictionHigher, order.Prediction)
	assert.Equal(t, domain.OrderStatusWaiting, order.Status)
	assert.True(t, order.InitialValue.Equal(dec("50000")))
	assert.True(t, h.contracts.balance("u1").Equal(dec("900")))

	jobs := h.queue.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, order.ExpiryTime, jobs[0].DueAt)
	assert.Contains(t, jobs[0].ID, "settle:u1:"+order.ID+":")
}

func TestPlaceRejections(t *testing.T) {
	valid := PlaceRequest{
		OwnerID: "u1", Symbol: "BTC-USD", Stake: dec("100"),
		Prediction: "higher", Expiry: t0.Add(time.Minute),
	}

	cases := []struct {
		name   string
		mutate func(*PlaceRequest, *harness)
		want   error
	}{
		{"missing symbol", func(r *PlaceRequest, _ *harness) { r.Symbol = "" }, domain.ErrValidation},
		{"missing expiry", func(r *PlaceRequest, _ *harness) { r.Expiry = time.Time{} }, domain.ErrValidation},
		{"bad prediction", func(r *PlaceRequest, _ *harness) { r.Prediction = "sideways" }, domain.ErrValidation},
		{"negative stake", func(r *PlaceRequest, _ *harness) { r.Stake = dec("-5") }, domain.ErrValidation},
		{"stake above max", func(r *PlaceRequest, _ *harness) { r.Stake = dec("5000.01") }, domain.ErrValidation},
		{"unknown owner", func(r *PlaceRequest, _ *harness) { r.OwnerID = "ghost" }, domain.ErrUnauthorized},
		{"suspended owner", func(r *PlaceRequest, _ *harness) { r.OwnerID = "suspended" }, domain.ErrAccountSuspended},
		{"expiry now", func(r *PlaceRequest, _ *harness) { r.Expiry = t0 }, domain.ErrInvalidExpiration},
		{"expiry past", func(r *PlaceRequest, _ *harness) { r.Expiry = t0.Add(-time.Second) }, domain.ErrInvalidExpiration},
		{"beyond horizon", func(r *PlaceRequest, _ *harness) { r.Expiry = t0.Add(2 * time.Hour) }, domain.ErrValidation},
		{"no reference bar", func(_ *PlaceRequest, h *harness) { h.bars.prevErr = domain.ErrNotFound }, domain.ErrInvalidTicker},
		{"upstream down", func(_ *PlaceRequest, h *harness) { h.bars.prevErr = errors.New("dial tcp") }, domain.ErrInvalidTicker},
		{"zero reference", func(_ *PlaceRequest, h *harness) { h.bars.prev = domain.Bar{} }, domain.ErrInvalidTicker},
		{"rate limited", func(_ *PlaceRequest, h *harness) { h.placement.limiter = fakeLimiter{allow: false} }, domain.ErrRateLimited},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.placement.cfg.RateLimit = 10
			req := valid
			tc.mutate(&req, h)

			_, err := h.placement.Place(context.Background(), req)
			assert.ErrorIs(t, err, tc.want)

			orders, txns := h.contracts.count()
			assert.Zero(t, orders)
			assert.Zero(t, txns)
			assert.Empty(t, h.queue.all())
		})
	}
}

func TestPlaceInsufficientBalanceCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.contracts.balances["u1"] = dec("50")

	_, err := h.placement.Place(context.Background(), PlaceRequest{
		OwnerID: "u1", Symbol: "BTC-USD", Stake: dec("100"),
		Prediction: "higher", Expiry: t0.Add(5 * time.Second),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, "insufficient_balance", domain.ErrorCode(err))

	orders, txns := h.contracts.count()
	assert.Zero(t, orders)
	assert.Zero(t, txns)
	assert.True(t, h.contracts.balance("u1").Equal(dec("50")))
}

func TestPlaceScheduleFailureKeepsOrderWaiting(t *testing.T) {
	h := newHarness(t)
	h.queue.err = errors.New("redis down")

	order := h.placeBTC(t, "lower")
	assert.Equal(t, domain.OrderStatusWaiting, order.Status)
	assert.Equal(t, []string{notify.EventScheduleFailed}, h.alerts.events)

	h.queue.err = nil
	n, err := h.settlement.RecoverWaiting(context.Background(), h.queue, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.jobFor(t, order)

	n, err = h.settlement.RecoverWaiting(context.Background(), h.queue, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func settlementEvents(t *testing.T, bus *fakeBus) []domain.SettlementEvent {
	t.Helper()
	var out []domain.SettlementEvent
	for _, raw := range bus.published(domain.SettlementsChannel) {
		var ev domain.SettlementEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		out = append(out, ev)
	}
	return out
}

func TestEvaluateCorrectPredictionPaysOut(t *testing.T) {
	h := newHarness(t)
	order := h.placeBTC(t, "higher")
	job := h.jobFor(t, order)
	require.NoError(t, h.cache.SetPrice(context.Background(), "BTC-USD", dec("50100"), t0.Add(4*time.Second)))

	require.NoError(t, h.settlement.Evaluate(context.Background(), job))

	settled, err := h.contracts.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusEvaluated, settled.Status)
	require.NotNil(t, settled.PredictionCorrect)
	assert.True(t, *settled.PredictionCorrect)
	assert.True(t, settled.CompletedValue.Decimal.Equal(dec("50100")))
	assert.False(t, settled.EvaluatedAt.Before(settled.ExpiryTime))

	txns, err := h.contracts.ListTransactions(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.True(t, txns[1].Amount.Equal(dec("190")))

	// 1000 - 100 + 190
	assert.True(t, h.contracts.balance("u1").Equal(dec("1090")))

	events := settlementEvents(t, h.bus)
	require.Len(t, events, 1)
	assert.True(t, events[0].Correct)
	assert.True(t, events[0].Payout.Equal(dec("190")))
}

func TestEvaluateIncorrectPrediction(t *testing.T) {
	h := newHarness(t)
	order := h.placeBTC(t, "higher")
	job := h.jobFor(t, order)
	require.NoError(t, h.cache.SetPrice(context.Background(), "BTC-USD", dec("49900"), t0.Add(4*time.Second)))

	require.NoError(t, h.settlement.Evaluate(context.Background(), job))

	settled, _ := h.contracts.GetOrder(context.Background(), order.ID)
	assert.False(t, *settled.PredictionCorrect)
	assert.True(t, settled.CompletedValue.Decimal.Equal(dec("49900")))

	txns, _ := h.contracts.ListTransactions(context.Background(), order.ID)
	assert.Len(t, txns, 1)
	assert.True(t, h.contracts.balance("u1").Equal(dec("900")))

	events := settlementEvents(t, h.bus)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonIncorrect, events[0].Reason)
}

func TestEvaluateEqualPriceCountsAsLower(t *testing.T) {
	h := newHarness(t)
	order := h.placeBTC(t, "lower")
	job := h.jobFor(t, order)
	require.NoError(t, h.cache.SetPrice(context.Background(), "BTC-USD", dec("50000"), t0.Add(5*time.Second)))

	require.NoError(t, h.settlement.Evaluate(context.Background(), job))
	settled, _ := h.contracts.GetOrder(context.Background(), order.ID)
	assert.True(t, *settled.PredictionCorrect)
}

func TestEvaluateWithoutPriceFailsSafe(t *testing.T) {
	h := newHarness(t)
	order := h.placeBTC(t, "higher")
	job := h.jobFor(t, order)
	// Cached price is stale and the REST window is empty.
	require.NoError(t, h.cache.SetPrice(context.Background(), "BTC-USD", dec("60000"), t0.Add(-time.Minute)))

	require.NoError(t, h.settlement.Evaluate(context.Background(), job))

	settled, _ := h.contracts.GetOrder(context.Background(), order.ID)
	assert.Equal(t, domain.OrderStatusEvaluated, settled.Status)
	assert.False(t, *settled.PredictionCorrect)
	assert.True(t, settled.CompletedValue.Decimal.Equal(dec("50000")))
	assert.True(t, h.contracts.balance("u1").Equal(dec("900")))

	events := settlementEvents(t, h.bus)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonPriceUnavailable, events[0].Reason)
}

func TestEvaluateFallsBackToSecondBars(t *testing.T) {
	h := newHarness(t)
	order := h.placeBTC(t, "higher")
	job := h.jobFor(t, order)
	h.bars.seconds = []domain.Bar{{Close: dec("50050")}, {Close: dec("50200")}}

	require.NoError(t, h.settlement.Evaluate(context.Background(), job))
	settled, _ := h.contracts.GetOrder(context.Background(), order.ID)
	assert.True(t, settled.CompletedValue.Decimal.Equal(dec("50200")))
	assert.True(t, *settled.PredictionCorrect)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	order := h.placeBTC(t, "higher")
	job := h.jobFor(t, order)
	require.NoError(t, h.cache.SetPrice(context.Background(), "BTC-USD", dec("50100"), t0.Add(4*time.Second)))

	require.NoError(t, h.settlement.Evaluate(context.Background(), job))
	require.NoError(t, h.settlement.Evaluate(context.Background(), job))

	txns, _ := h.contracts.ListTransactions(context.Background(), order.ID)
	assert.Len(t, txns, 2)
	assert.True(t, h.contracts.balance("u1").Equal(dec("1090")))
	assert.Len(t, settlementEvents(t, h.bus), 1)
}

func TestEvaluateRefusesBeforeExpiry(t *testing.T) {
	h := newHarness(t)
	order := h.placeBTC(t, "higher")
	job := h.jobFor(t, order)
	h.settlement.now = func() time.Time { return t0.Add(4 * time.Second) }

	require.Error(t, h.settlement.Evaluate(context.Background(), job))
	settled, _ := h.contracts.GetOrder(context.Background(), order.ID)
	assert.Equal(t, domain.OrderStatusWaiting, settled.Status)
}

func TestEvaluateStoreFailureAlertsAndRetries(t *testing.T) {
	h := newHarness(t)
	order := h.placeBTC(t, "higher")
	job := h.jobFor(t, order)
	h.contracts.settleErr = errors.New("connection reset")

	require.Error(t, h.settlement.Evaluate(context.Background(), job))
	assert.Contains(t, h.alerts.events, notify.EventSettlementError)
}

func TestEvaluateUnknownOrderIsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.settlement.Evaluate(context.Background(), domain.EvaluationJob{OwnerID: "u1", OrderID: "missing"}))
}

func TestPriceServiceHandleTick(t *testing.T) {
	stream := &fakeStream{}
	cache := &fakePriceCache{}
	history := &fakeHistory{}
	svc := NewPriceService(stream, cache, history, &fakeBars{}, discardLogger())

	tick := domain.Tick{Symbol: "ETH-USD", Price: dec("3000"), EventTime: t0}
	require.NoError(t, svc.HandleTick(context.Background(), tick))

	assert.Len(t, stream.published, 1)
	price, _, err := cache.GetPrice(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.True(t, price.Equal(dec("3000")))

	ticks, err := svc.History(context.Background(), "eth-usd", 10)
	require.NoError(t, err)
	assert.Len(t, ticks, 1)

	stream.err = errors.New("stream down")
	assert.Error(t, svc.HandleTick(context.Background(), tick))
}

func TestLatestPriceUnavailable(t *testing.T) {
	svc := NewPriceService(&fakeStream{}, &fakePriceCache{}, &fakeHistory{}, &fakeBars{secErr: domain.ErrFeedUnavailable}, discardLogger())
	_, _, err := svc.LatestPrice(context.Background(), "BTC-USD", 5*time.Second)
	assert.ErrorIs(t, err, domain.ErrFeedUnavailable)

	svc.bars = &fakeBars{seconds: []domain.Bar{{Close: decimal.Zero}}}
	_, _, err = svc.LatestPrice(context.Background(), "BTC-USD", 5*time.Second)
	assert.ErrorIs(t, err, domain.ErrFeedUnavailable)
}

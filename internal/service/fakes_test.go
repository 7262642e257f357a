package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeAccounts map[string]domain.Account

func (f fakeAccounts) GetByID(_ context.Context, id string) (domain.Account, error) {
	a, ok := f[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

// fakeContracts keeps orders, transactions, and wallet balances in memory
// with the same atomicity the postgres store provides.
type fakeContracts struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal // owner id -> balance
	orders    map[string]domain.Order
	txns      []domain.Transaction
	settleErr error
}

func newFakeContracts() *fakeContracts {
	return &fakeContracts{
		balances: map[string]decimal.Decimal{},
		orders:   map[string]domain.Order{},
	}
}

func (f *fakeContracts) CreateContract(_ context.Context, req domain.ContractRequest) (domain.Order, domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bal := f.balances[req.OwnerID]
	if bal.LessThan(req.Amount) {
		return domain.Order{}, domain.Transaction{}, domain.ErrInsufficientBalance
	}
	f.balances[req.OwnerID] = bal.Sub(req.Amount)

	txn := domain.Transaction{
		ID: uuid.NewString(), WalletID: "w-" + req.OwnerID, OwnerID: req.OwnerID,
		Amount: req.Amount, Type: domain.TransactionDebit, Status: domain.TransactionCompleted,
	}
	order := domain.Order{
		ID: uuid.NewString(), OwnerID: req.OwnerID, WalletID: txn.WalletID, TransactionID: txn.ID,
		Symbol: req.Symbol, Prediction: req.Prediction, Amount: req.Amount,
		Status: domain.OrderStatusWaiting, InitialValue: req.ReferencePrice, LiveMode: req.LiveMode,
		StartTime: req.StartTime, ExpiryTime: req.ExpiryTime,
	}
	txn.Ref = order.ID
	f.txns = append(f.txns, txn)
	f.orders[order.ID] = order
	return order, txn, nil
}

func (f *fakeContracts) Settle(_ context.Context, req domain.SettleRequest) (domain.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return domain.SettleResult{}, f.settleErr
	}

	o, ok := f.orders[req.OrderID]
	if !ok {
		return domain.SettleResult{}, domain.ErrNotFound
	}
	if o.Status != domain.OrderStatusWaiting {
		return domain.SettleResult{}, domain.ErrAlreadySettled
	}

	var credit *domain.Transaction
	if req.Correct {
		t := domain.Transaction{
			ID: uuid.NewString(), Ref: o.ID, WalletID: o.WalletID, OwnerID: o.OwnerID,
			Amount: req.Payout, Type: domain.TransactionCredit, Status: domain.TransactionCompleted,
		}
		f.txns = append(f.txns, t)
		f.balances[o.OwnerID] = f.balances[o.OwnerID].Add(req.Payout)
		credit = &t
	}

	correct := req.Correct
	evaluatedAt := req.EvaluatedAt
	o.Status = domain.OrderStatusEvaluated
	o.PredictionCorrect = &correct
	o.CompletedValue = decimal.NewNullDecimal(req.OutcomePrice)
	o.EvaluatedAt = &evaluatedAt
	f.orders[o.ID] = o

	return domain.SettleResult{
		Order:  o,
		Credit: credit,
		Wallet: domain.Wallet{ID: o.WalletID, OwnerID: o.OwnerID, Balance: f.balances[o.OwnerID]},
	}, nil
}

func (f *fakeContracts) GetOrder(_ context.Context, id string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (f *fakeContracts) ListByOwner(_ context.Context, ownerID string, _ domain.ListOpts) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Order
	for _, o := range f.orders {
		if o.OwnerID == ownerID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeContracts) ListWaiting(_ context.Context, limit int) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Order
	for _, o := range f.orders {
		if o.Status == domain.OrderStatusWaiting && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeContracts) ListTransactions(_ context.Context, orderID string) ([]domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Transaction
	for _, t := range f.txns {
		if t.Ref == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeContracts) ListUnarchived(context.Context, time.Time, int) ([]domain.Order, error) {
	return nil, nil
}

func (f *fakeContracts) MarkArchived(context.Context, []string, time.Time) error { return nil }

func (f *fakeContracts) count() (orders, txns int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders), len(f.txns)
}

func (f *fakeContracts) balance(owner string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[owner]
}

type fakeBars struct {
	prev    domain.Bar
	prevErr error
	seconds []domain.Bar
	secErr  error
}

func (f *fakeBars) PreviousClose(context.Context, string) (domain.Bar, error) {
	return f.prev, f.prevErr
}

func (f *fakeBars) SecondBars(context.Context, string, time.Time, time.Time) ([]domain.Bar, error) {
	return f.seconds, f.secErr
}

type fakePriceCache struct {
	mu     sync.Mutex
	prices map[string]domain.Tick
}

func (f *fakePriceCache) SetPrice(_ context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prices == nil {
		f.prices = map[string]domain.Tick{}
	}
	f.prices[symbol] = domain.Tick{Symbol: symbol, Price: price, EventTime: ts}
	return nil
}

func (f *fakePriceCache) GetPrice(_ context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.prices[symbol]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return t.Price, t.EventTime, nil
}

type fakeStream struct {
	mu        sync.Mutex
	published []domain.Tick
	err       error
}

func (f *fakeStream) Publish(_ context.Context, tick domain.Tick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, tick)
	return nil
}

func (f *fakeStream) CreateGroup(context.Context, string) error  { return nil }
func (f *fakeStream) DestroyGroup(context.Context, string) error { return nil }
func (f *fakeStream) Consume(ctx context.Context, _, _ string, _ func(domain.Tick) error) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeHistory struct {
	mu    sync.Mutex
	ticks []domain.Tick
}

func (f *fakeHistory) Append(_ context.Context, tick domain.Tick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, tick)
	return nil
}

func (f *fakeHistory) Recent(_ context.Context, symbol string, limit int) ([]domain.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Tick
	for _, t := range f.ticks {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs map[string]domain.ScheduledJob
	err  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string]domain.ScheduledJob{}}
}

func (f *fakeQueue) Schedule(_ context.Context, job domain.ScheduledJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.jobs[job.ID]; !ok {
		f.jobs[job.ID] = job
	}
	return nil
}

func (f *fakeQueue) Claim(context.Context, time.Time, int, time.Duration) ([]domain.ScheduledJob, error) {
	return nil, nil
}

func (f *fakeQueue) Recover(context.Context, time.Time) (int, error) { return 0, nil }

func (f *fakeQueue) Ack(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

func (f *fakeQueue) NextDue(context.Context) (time.Time, bool, error) { return time.Time{}, false, nil }

func (f *fakeQueue) Exists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[id]
	return ok, nil
}

func (f *fakeQueue) all() []domain.ScheduledJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ScheduledJob, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

type fakeBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = map[string][][]byte{}
	}
	f.messages[channel] = append(f.messages[channel], payload)
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *fakeBus) published(channel string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[channel]
}

type fakeLimiter struct{ allow bool }

func (f fakeLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return f.allow, nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeAlerter) Alert(_ context.Context, event, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

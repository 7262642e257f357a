package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

// memBucket is an in-memory object store.
type memBucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart int
}

func newMemBucket() *memBucket { return &memBucket{objects: make(map[string][]byte)} }

func (b *memBucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = raw
	return nil
}

func (b *memBucket) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	b.mu.Lock()
	b.multipart++
	b.mu.Unlock()
	return b.Put(ctx, path, data, "")
}

func (b *memBucket) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

type memOrders struct {
	orders   []domain.Order
	archived map[string]time.Time
	markErr  error
}

func (m *memOrders) ListUnarchived(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range m.orders {
		if _, done := m.archived[o.ID]; done {
			continue
		}
		if o.Status == domain.OrderStatusEvaluated && o.EvaluatedAt.Before(before) {
			out = append(out, o)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memOrders) MarkArchived(_ context.Context, ids []string, at time.Time) error {
	if m.markErr != nil {
		return m.markErr
	}
	for _, id := range ids {
		m.archived[id] = at
	}
	return nil
}

type memAudit struct{ events []string }

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func evaluated(id string, at time.Time) domain.Order {
	correct := id != "o3"
	return domain.Order{
		ID: id, OwnerID: "alice", Symbol: "BTC-USD", Prediction: domain.PredictionHigher,
		Amount: decimal.NewFromInt(10), Status: domain.OrderStatusEvaluated,
		InitialValue:      decimal.NewFromInt(50000),
		CompletedValue:    decimal.NewNullDecimal(decimal.NewFromInt(50100)),
		PredictionCorrect: &correct,
		EvaluatedAt:       &at,
	}
}

func lines(b []byte) []string {
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func TestOrderArchiver_ExportsByDay(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)
	store := &memOrders{
		orders: []domain.Order{
			evaluated("o1", day1),
			evaluated("o2", day1.Add(time.Hour)),
			evaluated("o3", day2),
			evaluated("o4", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)), // after cutoff
			{ID: "o5", Status: domain.OrderStatusWaiting},
		},
		archived: make(map[string]time.Time),
	}
	bucket := newMemBucket()
	audit := &memAudit{}
	a := NewOrderArchiver(bucket, bucket, store, audit, 2)

	n, err := a.ArchiveOrders(context.Background(), time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	require.Contains(t, bucket.objects, "archive/orders/2026-03-01.jsonl")
	require.Contains(t, bucket.objects, "archive/orders/2026-03-02.jsonl")
	assert.Len(t, lines(bucket.objects["archive/orders/2026-03-01.jsonl"]), 2)
	assert.Contains(t, string(bucket.objects["archive/orders/2026-03-02.jsonl"]), `"id":"o3"`)
	assert.Contains(t, string(bucket.objects["archive/orders/2026-03-02.jsonl"]), `"prediction_correct":false`)

	assert.Len(t, store.archived, 3)
	assert.NotContains(t, store.archived, "o4")
	assert.Len(t, audit.events, 2, "one audit entry per batch")
	assert.Zero(t, bucket.multipart)
}

func TestOrderArchiver_RetryAfterMarkFailureDeduplicates(t *testing.T) {
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &memOrders{
		orders:   []domain.Order{evaluated("o1", day), evaluated("o2", day)},
		archived: make(map[string]time.Time),
		markErr:  fmt.Errorf("connection reset"),
	}
	bucket := newMemBucket()
	a := NewOrderArchiver(bucket, bucket, store, &memAudit{}, 10)
	cutoff := day.Add(24 * time.Hour)

	_, err := a.ArchiveOrders(context.Background(), cutoff)
	require.Error(t, err)
	require.Len(t, lines(bucket.objects["archive/orders/2026-03-01.jsonl"]), 2)

	store.markErr = nil
	n, err := a.ArchiveOrders(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Len(t, lines(bucket.objects["archive/orders/2026-03-01.jsonl"]), 2)
}

func TestOrderArchiver_AppendsToExistingDay(t *testing.T) {
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &memOrders{orders: []domain.Order{evaluated("o1", day)}, archived: make(map[string]time.Time)}
	bucket := newMemBucket()
	a := NewOrderArchiver(bucket, bucket, store, &memAudit{}, 10)

	_, err := a.ArchiveOrders(context.Background(), day.Add(time.Hour))
	require.NoError(t, err)

	store.orders = append(store.orders, evaluated("o2", day.Add(2*time.Hour)))
	_, err = a.ArchiveOrders(context.Background(), day.Add(3*time.Hour))
	require.NoError(t, err)

	got := lines(bucket.objects["archive/orders/2026-03-01.jsonl"])
	require.Len(t, got, 2)
	assert.Contains(t, got[0], `"id":"o1"`)
	assert.Contains(t, got[1], `"id":"o2"`)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("http://localhost:9000", true))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://10.0.0.5:9000", normaliseEndpoint("10.0.0.5:9000", false))
}

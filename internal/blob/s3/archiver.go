package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = minPartSize

// OrderArchiveStore is the slice of the contract store the archiver needs.
type OrderArchiveStore interface {
	ListUnarchived(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// OrderArchiver implements domain.Archiver. Evaluated orders are exported as
// JSONL to one object per settlement day and then stamped archived_at. Rows
// are never deleted from the primary store.
type OrderArchiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	orders    OrderArchiveStore
	audit     domain.AuditStore
	batchSize int
	now       func() time.Time
}

// NewOrderArchiver creates an OrderArchiver exporting up to batchSize orders
// per store round trip.
func NewOrderArchiver(writer domain.BlobWriter, reader domain.BlobReader, orders OrderArchiveStore, audit domain.AuditStore, batchSize int) *OrderArchiver {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &OrderArchiver{
		writer:    writer,
		reader:    reader,
		orders:    orders,
		audit:     audit,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// archivedOrder is the exported row format.
type archivedOrder struct {
	ID                string           `json:"id"`
	OwnerID           string           `json:"owner_id"`
	WalletID          string           `json:"wallet_id"`
	TransactionID     string           `json:"transaction_id"`
	Symbol            string           `json:"symbol"`
	Prediction        string           `json:"prediction"`
	Amount            decimal.Decimal  `json:"amount"`
	InitialValue      decimal.Decimal  `json:"initial_value"`
	CompletedValue    *decimal.Decimal `json:"completed_value,omitempty"`
	PredictionCorrect *bool            `json:"prediction_correct,omitempty"`
	LiveMode          bool             `json:"livemode"`
	StartTime         time.Time        `json:"start_time"`
	ExpiryTime        time.Time        `json:"expiry_time"`
	EvaluatedAt       time.Time        `json:"evaluated_at"`
	CreatedAt         time.Time        `json:"created_at"`
}

func toArchived(o domain.Order) archivedOrder {
	a := archivedOrder{
		ID:                o.ID,
		OwnerID:           o.OwnerID,
		WalletID:          o.WalletID,
		TransactionID:     o.TransactionID,
		Symbol:            o.Symbol,
		Prediction:        string(o.Prediction),
		Amount:            o.Amount,
		InitialValue:      o.InitialValue,
		PredictionCorrect: o.PredictionCorrect,
		LiveMode:          o.LiveMode,
		StartTime:         o.StartTime.UTC(),
		ExpiryTime:        o.ExpiryTime.UTC(),
		CreatedAt:         o.CreatedAt.UTC(),
	}
	if o.CompletedValue.Valid {
		v := o.CompletedValue.Decimal
		a.CompletedValue = &v
	}
	if o.EvaluatedAt != nil {
		a.EvaluatedAt = o.EvaluatedAt.UTC()
	}
	return a
}

// ArchiveOrders exports every evaluated, unarchived order settled before the
// cutoff and returns how many were archived.
func (a *OrderArchiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		orders, err := a.orders.ListUnarchived(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive orders query: %w", err)
		}
		if len(orders) == 0 {
			break
		}

		byDay := make(map[string][]archivedOrder)
		ids := make([]string, 0, len(orders))
		for _, o := range orders {
			rec := toArchived(o)
			day := archivePath("orders", rec.EvaluatedAt)
			byDay[day] = append(byDay[day], rec)
			ids = append(ids, o.ID)
		}

		paths := make([]string, 0, len(byDay))
		for p := range byDay {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		for _, path := range paths {
			if err := a.appendDay(ctx, path, byDay[path]); err != nil {
				return total, err
			}
		}

		// Marking happens only after every object is durable. A crash in
		// between re-exports the batch, which the merge deduplicates.
		if err := a.orders.MarkArchived(ctx, ids, a.now().UTC()); err != nil {
			return total, fmt.Errorf("s3blob: archive orders mark: %w", err)
		}
		total += int64(len(ids))

		if err := a.audit.Log(ctx, "archive.orders", map[string]any{
			"paths":  paths,
			"count":  len(ids),
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive orders audit log: %w", err)
		}

		if len(orders) < a.batchSize {
			break
		}
	}
	return total, nil
}

// appendDay merges records into the day's object, keyed by order id.
func (a *OrderArchiver) appendDay(ctx context.Context, path string, records []archivedOrder) error {
	existing, err := a.load(ctx, path)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(existing)+len(records))
	merged := make([]archivedOrder, 0, len(existing)+len(records))
	for _, list := range [][]archivedOrder{existing, records} {
		for _, r := range list {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			merged = append(merged, r)
		}
	}

	buf, err := marshalJSONL(merged)
	if err != nil {
		return fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}

	if int64(len(buf)) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), multipartThreshold)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive orders upload: %w", err)
	}
	return nil
}

// load reads an existing day object. A missing object is empty.
func (a *OrderArchiver) load(ctx context.Context, path string) ([]archivedOrder, error) {
	rc, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive orders read %s: %w", path, err)
	}
	defer rc.Close()
	return unmarshalJSONL(rc)
}

// archivePath builds the object key for a kind and UTC day, e.g.
// archive/orders/2026-03-01.jsonl.
func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.UTC().Format("2006-01-02"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func unmarshalJSONL(r io.Reader) ([]archivedOrder, error) {
	var out []archivedOrder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec archivedOrder
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("s3blob: jsonl decode line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: jsonl scan: %w", err)
	}
	return out, nil
}

var _ domain.Archiver = (*OrderArchiver)(nil)

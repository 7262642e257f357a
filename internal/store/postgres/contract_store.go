package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

const orderColumns = `
	id::text, owner_id::text, wallet_id::text, transaction_id::text, symbol, prediction,
	amount::text, status, initial_value::text, completed_value::text, prediction_correct,
	livemode, start_time, expiry_time, evaluated_at, archived_at, created_at`

const transactionColumns = `
	id::text, COALESCE(ref::text, ''), wallet_id::text, owner_id::text, amount::text,
	type, status, live_mode, created_at`

// ContractStore implements domain.ContractStore. Opening and settling a
// contract each run in one transaction together with the wallet adjustment.
type ContractStore struct {
	pool   *pgxpool.Pool
	ledger *Ledger
}

// NewContractStore creates a ContractStore. The ledger supplies wallet row
// locking so contract writes and balance changes commit together.
func NewContractStore(pool *pgxpool.Pool, ledger *Ledger) *ContractStore {
	return &ContractStore{pool: pool, ledger: ledger}
}

// CreateContract locks the owner's wallet, checks the stake is covered,
// writes the debit transaction and the waiting order, links them, and debits
// the wallet. On domain.ErrInsufficientBalance nothing is written.
func (s *ContractStore) CreateContract(ctx context.Context, req domain.ContractRequest) (domain.Order, domain.Transaction, error) {
	if !req.Amount.IsPositive() {
		return domain.Order{}, domain.Transaction{}, fmt.Errorf("%w: stake must be positive", domain.ErrValidation)
	}

	var (
		order domain.Order
		txn   domain.Transaction
	)
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		wallet, err := s.ledger.lockWallet(ctx, tx, req.OwnerID, req.OwnerKind, req.LiveMode)
		if err != nil {
			return err
		}
		if wallet.Balance.LessThan(req.Amount) {
			return fmt.Errorf("postgres: wallet %s balance %s, stake %s: %w",
				wallet.ID, wallet.Balance.StringFixed(2), req.Amount.StringFixed(2), domain.ErrInsufficientBalance)
		}

		txn, err = insertTransaction(ctx, tx, domain.Transaction{
			ID:       uuid.NewString(),
			WalletID: wallet.ID,
			OwnerID:  req.OwnerID,
			Amount:   req.Amount,
			Type:     domain.TransactionDebit,
			Status:   domain.TransactionCompleted,
			LiveMode: req.LiveMode,
		})
		if err != nil {
			return err
		}

		order = domain.Order{
			ID:            uuid.NewString(),
			OwnerID:       req.OwnerID,
			WalletID:      wallet.ID,
			TransactionID: txn.ID,
			Symbol:        req.Symbol,
			Prediction:    req.Prediction,
			Amount:        req.Amount,
			Status:        domain.OrderStatusWaiting,
			InitialValue:  req.ReferencePrice,
			LiveMode:      req.LiveMode,
			StartTime:     req.StartTime,
			ExpiryTime:    req.ExpiryTime,
		}
		const insertOrder = `
			INSERT INTO orders (
				id, owner_id, wallet_id, transaction_id, symbol, prediction,
				amount, status, initial_value, livemode, start_time, expiry_time
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING created_at`
		err = tx.QueryRow(ctx, insertOrder,
			order.ID, order.OwnerID, order.WalletID, order.TransactionID,
			order.Symbol, string(order.Prediction), order.Amount.String(),
			string(order.Status), order.InitialValue.String(), order.LiveMode,
			order.StartTime, order.ExpiryTime,
		).Scan(&order.CreatedAt)
		if err != nil {
			return fmt.Errorf("postgres: create order: %w", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE transactions SET ref = $1 WHERE id = $2`, order.ID, txn.ID); err != nil {
			return fmt.Errorf("postgres: link transaction %s: %w", txn.ID, err)
		}
		txn.Ref = order.ID

		if _, err = s.ledger.apply(ctx, tx, wallet, req.Amount.Neg()); err != nil {
			return err
		}
		return logEvent(ctx, tx, "contract_opened", map[string]any{
			"order_id":       order.ID,
			"transaction_id": txn.ID,
			"owner_id":       order.OwnerID,
			"symbol":         order.Symbol,
			"prediction":     string(order.Prediction),
			"amount":         order.Amount.StringFixed(2),
			"reference":      order.InitialValue.String(),
			"expiry":         order.ExpiryTime,
		})
	})
	if err != nil {
		return domain.Order{}, domain.Transaction{}, err
	}
	return order, txn, nil
}

// Settle applies a scored result exactly once. The order row lock and the
// waiting check share the transaction with the credit, so a redelivered job
// gets domain.ErrAlreadySettled and changes nothing.
func (s *ContractStore) Settle(ctx context.Context, req domain.SettleRequest) (domain.SettleResult, error) {
	var res domain.SettleResult
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		order, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, req.OrderID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("postgres: settle order %s: %w", req.OrderID, domain.ErrNotFound)
			}
			return fmt.Errorf("postgres: lock order %s: %w", req.OrderID, err)
		}
		if order.Status != domain.OrderStatusWaiting {
			return fmt.Errorf("postgres: settle order %s: %w", req.OrderID, domain.ErrAlreadySettled)
		}

		wallet, err := s.ledger.lockWalletByID(ctx, tx, order.WalletID)
		if err != nil {
			return err
		}

		if req.Correct && req.Payout.IsPositive() {
			credit, err := insertTransaction(ctx, tx, domain.Transaction{
				ID:       uuid.NewString(),
				Ref:      order.ID,
				WalletID: wallet.ID,
				OwnerID:  order.OwnerID,
				Amount:   req.Payout,
				Type:     domain.TransactionCredit,
				Status:   domain.TransactionCompleted,
				LiveMode: order.LiveMode,
			})
			if err != nil {
				return err
			}
			res.Credit = &credit

			if wallet, err = s.ledger.apply(ctx, tx, wallet, req.Payout); err != nil {
				return err
			}
		}

		evaluatedAt := req.EvaluatedAt
		if evaluatedAt.IsZero() {
			evaluatedAt = time.Now().UTC()
		}
		correct := req.Correct
		const update = `
			UPDATE orders
			SET status = $2, prediction_correct = $3, completed_value = $4, evaluated_at = $5
			WHERE id = $1 AND status = 'waiting'`
		tag, err := tx.Exec(ctx, update, order.ID, string(domain.OrderStatusEvaluated),
			correct, req.OutcomePrice.String(), evaluatedAt)
		if err != nil {
			return fmt.Errorf("postgres: mark order %s evaluated: %w", order.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: mark order %s evaluated: %w", order.ID, domain.ErrAlreadySettled)
		}

		order.Status = domain.OrderStatusEvaluated
		order.PredictionCorrect = &correct
		order.CompletedValue = decimal.NewNullDecimal(req.OutcomePrice)
		order.EvaluatedAt = &evaluatedAt
		res.Order = order
		res.Wallet = wallet

		detail := map[string]any{
			"order_id": order.ID,
			"owner_id": order.OwnerID,
			"correct":  correct,
			"outcome":  req.OutcomePrice.String(),
		}
		if res.Credit != nil {
			detail["payout"] = res.Credit.Amount.StringFixed(2)
		}
		return logEvent(ctx, tx, "contract_settled", detail)
	})
	if err != nil {
		return domain.SettleResult{}, err
	}
	return res, nil
}

// GetOrder retrieves a single order by ID.
func (s *ContractStore) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, domain.ErrNotFound)
	}
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListByOwner returns the owner's orders, newest first.
func (s *ContractStore) ListByOwner(ctx context.Context, ownerID string, opts domain.ListOpts) ([]domain.Order, error) {
	if _, err := uuid.Parse(ownerID); err != nil {
		return nil, nil
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE owner_id = $1`
	args := []any{ownerID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryOrders(ctx, "list orders by owner", query, args...)
}

// ListWaiting returns waiting orders ordered by expiry.
func (s *ContractStore) ListWaiting(ctx context.Context, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = 'waiting' ORDER BY expiry_time LIMIT $1`
	return s.queryOrders(ctx, "list waiting orders", query, limit)
}

// ListUnarchived returns evaluated orders settled before the cutoff that have
// not been exported yet.
func (s *ContractStore) ListUnarchived(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status = 'evaluated' AND archived_at IS NULL AND evaluated_at < $1
		ORDER BY evaluated_at LIMIT $2`
	return s.queryOrders(ctx, "list unarchived orders", query, before, limit)
}

// MarkArchived stamps archived_at on the given orders.
func (s *ContractStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE orders SET archived_at = $1 WHERE id::text = ANY($2::text[])`
	if _, err := s.pool.Exec(ctx, query, at, ids); err != nil {
		return fmt.Errorf("postgres: mark %d orders archived: %w", len(ids), err)
	}
	return nil
}

// ListTransactions returns the ledger entries linked to an order.
func (s *ContractStore) ListTransactions(ctx context.Context, orderID string) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ref = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions %s: %w", orderID, err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list transactions rows: %w", err)
	}
	return txns, nil
}

func (s *ContractStore) queryOrders(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return orders, nil
}

// insertTransaction writes a ledger entry and fills in CreatedAt.
func insertTransaction(ctx context.Context, tx pgx.Tx, t domain.Transaction) (domain.Transaction, error) {
	var ref *string
	if t.Ref != "" {
		ref = &t.Ref
	}
	const query = `
		INSERT INTO transactions (id, ref, wallet_id, owner_id, amount, type, status, live_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`
	err := tx.QueryRow(ctx, query,
		t.ID, ref, t.WalletID, t.OwnerID, t.Amount.String(),
		string(t.Type), string(t.Status), t.LiveMode,
	).Scan(&t.CreatedAt)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("postgres: create %s transaction: %w", t.Type, err)
	}
	return t, nil
}

// scanOrder scans a row selected with orderColumns.
func scanOrder(row interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var (
		o                  domain.Order
		prediction, status string
		amount, initial    string
		completed          *string
	)
	err := row.Scan(
		&o.ID, &o.OwnerID, &o.WalletID, &o.TransactionID, &o.Symbol, &prediction,
		&amount, &status, &initial, &completed, &o.PredictionCorrect,
		&o.LiveMode, &o.StartTime, &o.ExpiryTime, &o.EvaluatedAt, &o.ArchivedAt, &o.CreatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Prediction = domain.Prediction(prediction)
	o.Status = domain.OrderStatus(status)

	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Order{}, fmt.Errorf("parse amount: %w", err)
	}
	if o.InitialValue, err = decimal.NewFromString(initial); err != nil {
		return domain.Order{}, fmt.Errorf("parse initial value: %w", err)
	}
	if completed != nil {
		v, err := decimal.NewFromString(*completed)
		if err != nil {
			return domain.Order{}, fmt.Errorf("parse completed value: %w", err)
		}
		o.CompletedValue = decimal.NewNullDecimal(v)
	}
	return o, nil
}

func scanTransaction(row interface{ Scan(dest ...any) error }) (domain.Transaction, error) {
	var (
		t           domain.Transaction
		amount      string
		typ, status string
	)
	if err := row.Scan(&t.ID, &t.Ref, &t.WalletID, &t.OwnerID, &amount, &typ, &status, &t.LiveMode, &t.CreatedAt); err != nil {
		return domain.Transaction{}, err
	}
	t.Type = domain.TransactionType(typ)
	t.Status = domain.TransactionStatus(status)

	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	return t, nil
}

var _ domain.ContractStore = (*ContractStore)(nil)

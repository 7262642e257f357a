package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

const walletColumns = `id::text, owner_id::text, owner_kind, live_mode, balance::text, bonus::text, updated_at`

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger implements domain.WalletLedger. Wallets are created lazily; demo
// (non-live) wallets start with the configured practice balance.
type Ledger struct {
	pool        *pgxpool.Pool
	demoBalance decimal.Decimal
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool, demoBalance decimal.Decimal) *Ledger {
	return &Ledger{pool: pool, demoBalance: demoBalance}
}

// Adjust applies a credit or debit under a row lock. A debit that would take
// the balance below zero fails with domain.ErrInsufficientBalance and leaves
// the wallet untouched.
func (l *Ledger) Adjust(ctx context.Context, req domain.AdjustRequest) (domain.Wallet, error) {
	if err := req.Validate(); err != nil {
		return domain.Wallet{}, err
	}

	var w domain.Wallet
	err := withTx(ctx, l.pool, func(tx pgx.Tx) error {
		locked, err := l.lockWallet(ctx, tx, req.OwnerID, req.OwnerKind, req.LiveMode)
		if err != nil {
			return err
		}
		w, err = l.apply(ctx, tx, locked, req.Signed())
		return err
	})
	if err != nil {
		return domain.Wallet{}, err
	}
	return w, nil
}

// Get returns the wallet, creating it on first access.
func (l *Ledger) Get(ctx context.Context, ownerID string, kind domain.OwnerKind, liveMode bool) (domain.Wallet, error) {
	if err := l.ensureWallet(ctx, l.pool, ownerID, kind, liveMode); err != nil {
		return domain.Wallet{}, err
	}

	query := `SELECT ` + walletColumns + ` FROM wallets
		WHERE owner_id = $1 AND owner_kind = $2 AND live_mode = $3`
	w, err := scanWallet(l.pool.QueryRow(ctx, query, ownerID, string(kind), liveMode))
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("postgres: get wallet %s: %w", ownerID, err)
	}
	return w, nil
}

// ListByOwner returns every wallet the owner has touched.
func (l *Ledger) ListByOwner(ctx context.Context, ownerID string) ([]domain.Wallet, error) {
	if _, err := uuid.Parse(ownerID); err != nil {
		return nil, nil
	}
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE owner_id = $1 ORDER BY live_mode DESC, owner_kind`
	rows, err := l.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list wallets %s: %w", ownerID, err)
	}
	defer rows.Close()

	var wallets []domain.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list wallets rows: %w", err)
	}
	return wallets, nil
}

// ensureWallet inserts the wallet row if it does not exist yet.
func (l *Ledger) ensureWallet(ctx context.Context, db dbtx, ownerID string, kind domain.OwnerKind, liveMode bool) error {
	opening := decimal.Zero
	if !liveMode {
		opening = l.demoBalance
	}

	const query = `
		INSERT INTO wallets (id, owner_id, owner_kind, live_mode, balance)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, owner_kind, live_mode) DO NOTHING`
	_, err := db.Exec(ctx, query, uuid.NewString(), ownerID, string(kind), liveMode, opening.String())
	if err != nil {
		return fmt.Errorf("postgres: ensure wallet %s: %w", ownerID, err)
	}
	return nil
}

// lockWallet creates the wallet if needed and takes its row lock for the
// remainder of tx.
func (l *Ledger) lockWallet(ctx context.Context, tx pgx.Tx, ownerID string, kind domain.OwnerKind, liveMode bool) (domain.Wallet, error) {
	if err := l.ensureWallet(ctx, tx, ownerID, kind, liveMode); err != nil {
		return domain.Wallet{}, err
	}

	query := `SELECT ` + walletColumns + ` FROM wallets
		WHERE owner_id = $1 AND owner_kind = $2 AND live_mode = $3
		FOR UPDATE`
	w, err := scanWallet(tx.QueryRow(ctx, query, ownerID, string(kind), liveMode))
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("postgres: lock wallet %s: %w", ownerID, err)
	}
	return w, nil
}

// lockWalletByID takes the row lock of an existing wallet.
func (l *Ledger) lockWalletByID(ctx context.Context, tx pgx.Tx, id string) (domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1 FOR UPDATE`
	w, err := scanWallet(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Wallet{}, fmt.Errorf("postgres: lock wallet %s: %w", id, domain.ErrNotFound)
		}
		return domain.Wallet{}, fmt.Errorf("postgres: lock wallet %s: %w", id, err)
	}
	return w, nil
}

// apply writes balance+delta for a wallet already locked in tx.
func (l *Ledger) apply(ctx context.Context, tx pgx.Tx, w domain.Wallet, delta decimal.Decimal) (domain.Wallet, error) {
	newBalance := w.Balance.Add(delta)
	if newBalance.IsNegative() {
		return domain.Wallet{}, fmt.Errorf("postgres: wallet %s balance %s, delta %s: %w",
			w.ID, w.Balance.StringFixed(2), delta.StringFixed(2), domain.ErrInsufficientBalance)
	}

	var updatedAt time.Time
	const query = `UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2 RETURNING updated_at`
	if err := tx.QueryRow(ctx, query, newBalance.String(), w.ID).Scan(&updatedAt); err != nil {
		return domain.Wallet{}, fmt.Errorf("postgres: update wallet %s: %w", w.ID, err)
	}

	w.Balance = newBalance
	w.UpdatedAt = updatedAt
	return w, nil
}

// scanWallet scans a wallet row selected with walletColumns.
func scanWallet(row interface{ Scan(dest ...any) error }) (domain.Wallet, error) {
	var (
		w              domain.Wallet
		kind           string
		balance, bonus string
	)
	if err := row.Scan(&w.ID, &w.OwnerID, &kind, &w.LiveMode, &balance, &bonus, &w.UpdatedAt); err != nil {
		return domain.Wallet{}, err
	}
	w.OwnerKind = domain.OwnerKind(kind)

	var err error
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return domain.Wallet{}, fmt.Errorf("parse balance: %w", err)
	}
	if w.Bonus, err = decimal.NewFromString(bonus); err != nil {
		return domain.Wallet{}, fmt.Errorf("parse bonus: %w", err)
	}
	return w, nil
}

var _ domain.WalletLedger = (*Ledger)(nil)

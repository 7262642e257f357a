package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

// AccountStore implements domain.AccountStore over the accounts table, which
// is owned by the account-management side of the platform.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// GetByID returns the account or domain.ErrNotFound. Malformed ids are
// reported as not found rather than as a database error.
func (s *AccountStore) GetByID(ctx context.Context, id string) (domain.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Account{}, fmt.Errorf("postgres: get account %q: %w", id, domain.ErrNotFound)
	}

	const query = `SELECT id::text, kind, disabled, live_mode, created_at FROM accounts WHERE id = $1`
	var (
		a    domain.Account
		kind string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(&a.ID, &kind, &a.Disabled, &a.LiveMode, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", id, domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", id, err)
	}
	a.Kind = domain.OwnerKind(kind)
	return a, nil
}

// Upsert creates or replaces an account row. The engine itself never calls
// it; it exists for seeding and tests.
func (s *AccountStore) Upsert(ctx context.Context, a domain.Account) error {
	const query = `
		INSERT INTO accounts (id, kind, disabled, live_mode)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, disabled = EXCLUDED.disabled, live_mode = EXCLUDED.live_mode`
	if _, err := s.pool.Exec(ctx, query, a.ID, string(a.Kind), a.Disabled, a.LiveMode); err != nil {
		return fmt.Errorf("postgres: upsert account %s: %w", a.ID, err)
	}
	return nil
}

var _ domain.AccountStore = (*AccountStore)(nil)

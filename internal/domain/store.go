package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AccountStore resolves account state owned by the wider platform.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (Account, error)
}

// WalletLedger owns every balance mutation and the non-negative invariant.
type WalletLedger interface {
	Adjust(ctx context.Context, req AdjustRequest) (Wallet, error)
	Get(ctx context.Context, ownerID string, kind OwnerKind, liveMode bool) (Wallet, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Wallet, error)
}

// ContractStore persists orders with their funding and settlement
// transactions. CreateContract and Settle each run in a single database
// transaction that also adjusts the wallet.
type ContractStore interface {
	CreateContract(ctx context.Context, req ContractRequest) (Order, Transaction, error)
	Settle(ctx context.Context, req SettleRequest) (SettleResult, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOpts) ([]Order, error)
	ListWaiting(ctx context.Context, limit int) ([]Order, error)
	ListTransactions(ctx context.Context, orderID string) ([]Transaction, error)
	ListUnarchived(ctx context.Context, before time.Time, limit int) ([]Order, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

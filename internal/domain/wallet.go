package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OwnerKind partitions wallets by the kind of account that owns them.
type OwnerKind string

const (
	OwnerKindUser      OwnerKind = "user"
	OwnerKindAffiliate OwnerKind = "affiliate"
)

// Direction is the sign of a ledger adjustment.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Wallet is identified by (OwnerID, OwnerKind, LiveMode). Balance never goes
// negative.
type Wallet struct {
	ID        string
	OwnerID   string
	OwnerKind OwnerKind
	LiveMode  bool
	Balance   decimal.Decimal
	Bonus     decimal.Decimal
	UpdatedAt time.Time
}

// AdjustRequest is a single credit or debit against a wallet.
type AdjustRequest struct {
	OwnerID   string
	OwnerKind OwnerKind
	LiveMode  bool
	Amount    decimal.Decimal
	Direction Direction
}

// Validate checks the request shape.
func (r AdjustRequest) Validate() error {
	if r.OwnerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if r.Direction != DirectionCredit && r.Direction != DirectionDebit {
		return fmt.Errorf("%w: unknown direction %q", ErrValidation, r.Direction)
	}
	return nil
}

// Signed returns the amount with the direction's sign applied.
func (r AdjustRequest) Signed() decimal.Decimal {
	if r.Direction == DirectionDebit {
		return r.Amount.Neg()
	}
	return r.Amount
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionDebit  TransactionType = "debit"
	TransactionCredit TransactionType = "credit"
	TransactionPayout TransactionType = "payout"
)

// TransactionStatus is only mutated by external payment callbacks.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// Transaction is an immutable ledger entry linked to an order through Ref.
type Transaction struct {
	ID        string
	Ref       string
	WalletID  string
	OwnerID   string
	Amount    decimal.Decimal
	Type      TransactionType
	Status    TransactionStatus
	LiveMode  bool
	CreatedAt time.Time
}

// Account is the subset of an owner's profile the engine needs.
type Account struct {
	ID        string
	Kind      OwnerKind
	Disabled  bool
	LiveMode  bool
	CreatedAt time.Time
}

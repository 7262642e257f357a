package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Prediction is the direction a contract bets on.
type Prediction string

const (
	PredictionHigher Prediction = "higher"
	PredictionLower  Prediction = "lower"
)

// ParsePrediction accepts "higher" or "lower" in any case.
func ParsePrediction(s string) (Prediction, error) {
	switch p := Prediction(strings.ToLower(strings.TrimSpace(s))); p {
	case PredictionHigher, PredictionLower:
		return p, nil
	default:
		return "", fmt.Errorf("%w: prediction must be higher or lower, got %q", ErrValidation, s)
	}
}

// OrderStatus tracks the contract lifecycle. It only ever moves forward.
type OrderStatus string

const (
	OrderStatusWaiting   OrderStatus = "waiting"
	OrderStatusEvaluated OrderStatus = "evaluated"
)

// Order is a single binary-outcome, fixed-stake, fixed-expiry contract.
type Order struct {
	ID                string
	OwnerID           string
	WalletID          string
	TransactionID     string
	Symbol            string
	Prediction        Prediction
	Amount            decimal.Decimal
	Status            OrderStatus
	InitialValue      decimal.Decimal     // reference price at start
	CompletedValue    decimal.NullDecimal // outcome price at settlement
	PredictionCorrect *bool
	LiveMode          bool
	StartTime         time.Time
	ExpiryTime        time.Time
	EvaluatedAt       *time.Time
	ArchivedAt        *time.Time
	CreatedAt         time.Time
}

// Outcome scores the prediction against an observed price. A price equal to
// the reference counts as lower.
func Outcome(reference, price decimal.Decimal) Prediction {
	if price.GreaterThan(reference) {
		return PredictionHigher
	}
	return PredictionLower
}

// Payout returns stake * (1 + gainRate) rounded to cents.
func Payout(stake, gainRate decimal.Decimal) decimal.Decimal {
	return stake.Mul(decimal.NewFromInt(1).Add(gainRate)).Round(2)
}

// ContractRequest carries everything the store needs to open a contract and
// fund it from the owner's wallet in one transaction.
type ContractRequest struct {
	OwnerID        string
	OwnerKind      OwnerKind
	LiveMode       bool
	Symbol         string
	Prediction     Prediction
	Amount         decimal.Decimal
	ReferencePrice decimal.Decimal
	StartTime      time.Time
	ExpiryTime     time.Time
}

// SettleRequest is the result of scoring a contract, applied atomically by
// the store.
type SettleRequest struct {
	OrderID      string
	Correct      bool
	OutcomePrice decimal.Decimal
	Payout       decimal.Decimal // zero when Correct is false
	EvaluatedAt  time.Time
}

// SettleResult describes what the store committed.
type SettleResult struct {
	Order  Order
	Credit *Transaction // nil for an incorrect prediction
	Wallet Wallet
}

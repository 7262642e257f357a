package domain

import "github.com/shopspring/decimal"

// SettlementsChannel carries settlement results from workers to gateways.
const SettlementsChannel = "settlements"

// SettlementEvent is published after a contract is evaluated so the gateway
// holding the owner's connection can push the result.
type SettlementEvent struct {
	OwnerID      string          `json:"owner_id"`
	OrderID      string          `json:"order_id"`
	Correct      bool            `json:"correct"`
	Payout       decimal.Decimal `json:"payout"`
	OutcomePrice decimal.Decimal `json:"outcome_price"`
	Reason       string          `json:"reason,omitempty"`
}

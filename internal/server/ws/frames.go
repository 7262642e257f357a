package ws

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

// Inbound frame types.
const (
	frameAuth       = "auth"
	frameSubscribe  = "subscribe"
	framePlaceOrder = "place_order"
)

// Outbound frame types.
const (
	frameAuthed        = "authed"
	frameAuthRequired  = "auth_required"
	frameHistory       = "ticker_subscription_history"
	frameOptions       = "options"
	frameOrderPlaced   = "order_placed"
	frameOrderRewarded = "order_rewarded"
	frameOrderFailed   = "order_failed"
	frameError         = "error"
)

// Close codes sent when authentication fails.
const (
	CloseInvalidCredential = 4001
	CloseAccountSuspended  = 4003
)

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outbound struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

type authData struct {
	Token string `json:"token"`
}

type subscribeData struct {
	Ticker string `json:"ticker"`
}

type placeOrderData struct {
	Option     string          `json:"option"`
	Expiration time.Time       `json:"expiration"`
	Amount     decimal.Decimal `json:"amount"`
	Prediction string          `json:"prediction"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rewardData struct {
	OrderID      string          `json:"order_id"`
	Payout       decimal.Decimal `json:"payout"`
	OutcomePrice decimal.Decimal `json:"outcome_price"`
}

func errorFrame(err error) outbound {
	return outbound{Type: frameError, Data: errorData{Code: domain.ErrorCode(err), Message: err.Error()}}
}

func settlementFrame(ev domain.SettlementEvent) outbound {
	if ev.Correct {
		return outbound{Type: frameOrderRewarded, OrderID: ev.OrderID, Data: rewardData{
			OrderID:      ev.OrderID,
			Payout:       ev.Payout,
			OutcomePrice: ev.OutcomePrice,
		}}
	}
	return outbound{Type: frameOrderFailed, OrderID: ev.OrderID, Data: ev.Reason}
}

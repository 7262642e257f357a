package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one normalized price sample. Ticks are never persisted in the
// relational store.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	EventTime time.Time       `json:"timestamp"`
}

// Bar is an aggregate over an interval as returned by the market-data REST API.
type Bar struct {
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
	Start  time.Time
	End    time.Time
}

// NormalizeSymbol returns the canonical BASE-QUOTE form, e.g. "btc/usd" ->
// "BTC-USD".
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "X:")
	return strings.ReplaceAll(s, "/", "-")
}

// Package polygon speaks the crypto market-data protocol: a WebSocket stream
// of status and aggregate-bar events, and REST aggregate endpoints used for
// reference and fallback prices.
package polygon

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

// Event types and status values sent by the stream.
const (
	EventStatus       = "status"
	EventAggregateBar = "XA"

	StatusConnected   = "connected"
	StatusAuthTimeout = "auth_timeout"
	StatusAuthFailed  = "auth_failed"
	StatusAuthSuccess = "auth_success"
	StatusAuthed      = "authed"
	StatusSuccess     = "success"
)

// CloseAuthFailed is the close code used when the upstream rejects our key.
const CloseAuthFailed = 4001

// Event is one element of an inbound frame. Frames are JSON arrays mixing
// status and bar events.
type Event struct {
	Ev      string          `json:"ev"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Pair    string          `json:"pair,omitempty"`
	Open    decimal.Decimal `json:"o"`
	High    decimal.Decimal `json:"h"`
	Low     decimal.Decimal `json:"l"`
	Close   decimal.Decimal `json:"c"`
	Volume  decimal.Decimal `json:"v"`
	Start   int64           `json:"s"` // unix ms
	End     int64           `json:"e"` // unix ms
}

// Tick converts an aggregate bar into a normalized tick priced at the close.
func (e Event) Tick() domain.Tick {
	return domain.Tick{
		Symbol:    domain.NormalizeSymbol(e.Pair),
		Price:     e.Close,
		EventTime: time.UnixMilli(e.End).UTC(),
	}
}

// action is an outbound control message.
type action struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// aggResult is one bar in a REST aggregates response.
type aggResult struct {
	Ticker string          `json:"T"`
	Open   decimal.Decimal `json:"o"`
	High   decimal.Decimal `json:"h"`
	Low    decimal.Decimal `json:"l"`
	Close  decimal.Decimal `json:"c"`
	Volume decimal.Decimal `json:"v"`
	Start  int64           `json:"t"` // unix ms
}

func (r aggResult) bar(span time.Duration) domain.Bar {
	start := time.UnixMilli(r.Start).UTC()
	return domain.Bar{
		Open:   r.Open,
		High:   r.High,
		Low:    r.Low,
		Close:  r.Close,
		Volume: r.Volume,
		Start:  start,
		End:    start.Add(span),
	}
}

type aggResponse struct {
	Ticker       string      `json:"ticker"`
	Status       string      `json:"status"`
	ResultsCount int         `json:"resultsCount"`
	Results      []aggResult `json:"results"`
	Error        string      `json:"error,omitempty"`
	Message      string      `json:"message,omitempty"`
}

// Instrument maps "BTC-USD" to the upstream crypto ticker "X:BTCUSD".
func Instrument(symbol string) string {
	s := domain.NormalizeSymbol(symbol)
	return "X:" + strings.ReplaceAll(s, "-", "")
}

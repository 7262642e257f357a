package domain

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcome(t *testing.T) {
	ref := decimal.NewFromInt(50000)
	assert.Equal(t, PredictionHigher, Outcome(ref, decimal.NewFromInt(50100)))
	assert.Equal(t, PredictionLower, Outcome(ref, decimal.NewFromInt(49900)))
	assert.Equal(t, PredictionLower, Outcome(ref, ref), "unchanged price scores as lower")
}

func TestPayout(t *testing.T) {
	got := Payout(decimal.NewFromInt(100), decimal.RequireFromString("0.9"))
	assert.True(t, got.Equal(decimal.NewFromInt(190)), "got %s", got)

	got = Payout(decimal.RequireFromString("10.01"), decimal.RequireFromString("0.85"))
	assert.Equal(t, "18.52", got.StringFixed(2))
}

func TestParsePrediction(t *testing.T) {
	p, err := ParsePrediction(" Higher ")
	require.NoError(t, err)
	assert.Equal(t, PredictionHigher, p)

	_, err = ParsePrediction("sideways")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTC-USD", NormalizeSymbol("btc-usd"))
	assert.Equal(t, "ETH-USD", NormalizeSymbol(" eth/usd "))
	assert.Equal(t, "BTC-USD", NormalizeSymbol("X:BTC-USD"))
}

func TestEvaluationJobRoundTrip(t *testing.T) {
	expiry := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := EvaluationJob{OwnerID: "u1", OrderID: "o1", TransactionID: "t1", WalletID: "w1", Expiry: expiry}
	assert.Equal(t, "settle:u1:o1:t1:w1", job.ID())

	sj, err := job.ScheduledJob()
	require.NoError(t, err)
	assert.Equal(t, job.ID(), sj.ID)
	assert.True(t, sj.DueAt.Equal(expiry))

	back, err := ParseEvaluationJob(sj.Payload)
	require.NoError(t, err)
	assert.Equal(t, job.OrderID, back.OrderID)
	assert.True(t, back.Expiry.Equal(expiry))

	_, err = ParseEvaluationJob([]byte(`{"order_id":""}`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAdjustRequestValidate(t *testing.T) {
	ok := AdjustRequest{OwnerID: "u1", Amount: decimal.NewFromInt(5), Direction: DirectionDebit}
	require.NoError(t, ok.Validate())
	assert.True(t, ok.Signed().Equal(decimal.NewFromInt(-5)))

	zero := ok
	zero.Amount = decimal.Zero
	assert.ErrorIs(t, zero.Validate(), ErrValidation)

	bad := ok
	bad.Direction = "sideways"
	assert.ErrorIs(t, bad.Validate(), ErrValidation)
}

func TestErrorMapping(t *testing.T) {
	wrapped := fmt.Errorf("placement: %w", ErrInsufficientBalance)
	assert.Equal(t, "insufficient_balance", ErrorCode(wrapped))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(wrapped))

	assert.Equal(t, "account_suspended", ErrorCode(ErrAccountSuspended))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(ErrAccountSuspended))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(ErrRateLimited))
	assert.Equal(t, "internal_error", ErrorCode(fmt.Errorf("boom")))
	assert.Equal(t, "", ErrorCode(nil))
}

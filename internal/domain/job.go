package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EvaluationJob is the deferred settlement job for one contract.
type EvaluationJob struct {
	OwnerID       string    `json:"owner_id"`
	OrderID       string    `json:"order_id"`
	TransactionID string    `json:"transaction_id"`
	WalletID      string    `json:"wallet_id"`
	Expiry        time.Time `json:"expiry"`
}

// ID is deterministic so scheduling the same contract twice is a no-op.
func (j EvaluationJob) ID() string {
	return strings.Join([]string{"settle", j.OwnerID, j.OrderID, j.TransactionID, j.WalletID}, ":")
}

// ScheduledJob converts the evaluation job into a queue entry due at expiry.
func (j EvaluationJob) ScheduledJob() (ScheduledJob, error) {
	payload, err := json.Marshal(j)
	if err != nil {
		return ScheduledJob{}, fmt.Errorf("domain: marshal evaluation job: %w", err)
	}
	return ScheduledJob{ID: j.ID(), DueAt: j.Expiry, Payload: payload}, nil
}

// ParseEvaluationJob decodes a queue payload.
func ParseEvaluationJob(payload []byte) (EvaluationJob, error) {
	var j EvaluationJob
	if err := json.Unmarshal(payload, &j); err != nil {
		return EvaluationJob{}, fmt.Errorf("domain: decode evaluation job: %w", err)
	}
	if j.OrderID == "" || j.OwnerID == "" {
		return EvaluationJob{}, fmt.Errorf("%w: evaluation job missing ids", ErrValidation)
	}
	return j, nil
}

// ScheduledJob is an opaque entry in the delayed-job queue.
type ScheduledJob struct {
	ID      string
	DueAt   time.Time
	Payload []byte
}

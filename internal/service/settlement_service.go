package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/metrics"
	"github.com/alanyoungcy/optionsengine/internal/notify"
)

// LatestPricer supplies the outcome price at evaluation time.
type LatestPricer interface {
	LatestPrice(ctx context.Context, symbol string, window time.Duration) (decimal.Decimal, time.Time, error)
}

// SettlementConfig holds the scoring parameters.
type SettlementConfig struct {
	GainRate    decimal.Decimal
	PriceWindow time.Duration
}

// Reasons attached to settlement events for contracts that did not pay out.
const (
	ReasonIncorrect        = "prediction incorrect"
	ReasonPriceUnavailable = "price unavailable at expiry"
)

// SettlementService evaluates expired contracts and settles them against the
// wallet ledger exactly once.
type SettlementService struct {
	cfg       SettlementConfig
	contracts domain.ContractStore
	prices    LatestPricer
	bus       domain.SignalBus
	alerts    domain.Alerter
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewSettlementService creates a SettlementService with all required
// dependencies.
func NewSettlementService(
	cfg SettlementConfig,
	contracts domain.ContractStore,
	prices LatestPricer,
	bus domain.SignalBus,
	alerts domain.Alerter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		cfg:       cfg,
		contracts: contracts,
		prices:    prices,
		bus:       bus,
		alerts:    alerts,
		metrics:   m,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "settlement_service")),
	}
}

// Evaluate scores the job's contract and settles it. A contract that is
// missing or already evaluated is a no-op, so redelivered jobs are harmless.
// A returned error means the job should be retried.
func (s *SettlementService) Evaluate(ctx context.Context, job domain.EvaluationJob) error {
	order, err := s.contracts.GetOrder(ctx, job.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "evaluation for unknown order dropped", slog.String("order_id", job.OrderID))
			return nil
		}
		return fmt.Errorf("settlement_service: load order %s: %w", job.OrderID, err)
	}
	if order.Status != domain.OrderStatusWaiting {
		return nil
	}

	now := s.now().UTC()
	if now.Before(order.ExpiryTime) {
		return fmt.Errorf("settlement_service: order %s evaluated %s before expiry", order.ID, order.ExpiryTime.Sub(now))
	}

	req := domain.SettleRequest{OrderID: order.ID, EvaluatedAt: now}
	reason := ""

	price, _, err := s.prices.LatestPrice(ctx, order.Symbol, s.cfg.PriceWindow)
	if err != nil {
		s.logger.WarnContext(ctx, "no outcome price, settling at reference",
			slog.String("order_id", order.ID),
			slog.String("symbol", order.Symbol),
			slog.String("error", err.Error()),
		)
		req.Correct = false
		req.OutcomePrice = order.InitialValue
		reason = ReasonPriceUnavailable
	} else {
		req.OutcomePrice = price
		req.Correct = domain.Outcome(order.InitialValue, price) == order.Prediction
		if req.Correct {
			req.Payout = domain.Payout(order.Amount, s.cfg.GainRate)
		} else {
			reason = ReasonIncorrect
		}
	}

	res, err := s.contracts.Settle(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			return nil
		}
		if s.alerts != nil {
			s.alerts.Alert(ctx, notify.EventSettlementError, fmt.Sprintf("order %s: %v", order.ID, err))
		}
		return fmt.Errorf("settlement_service: settle %s: %w", order.ID, err)
	}

	outcome := "incorrect"
	switch {
	case req.Correct:
		outcome = "correct"
	case reason == ReasonPriceUnavailable:
		outcome = "no_price"
	}
	s.metrics.Settlements.WithLabelValues(outcome).Inc()
	s.metrics.SchedulerLag.Observe(now.Sub(order.ExpiryTime).Seconds())

	s.logger.InfoContext(ctx, "contract settled",
		slog.String("order_id", order.ID),
		slog.String("owner_id", order.OwnerID),
		slog.Bool("correct", req.Correct),
		slog.String("outcome_price", req.OutcomePrice.String()),
		slog.String("payout", req.Payout.StringFixed(2)),
		slog.String("balance", res.Wallet.Balance.StringFixed(2)),
	)

	s.publish(ctx, domain.SettlementEvent{
		OwnerID:      order.OwnerID,
		OrderID:      order.ID,
		Correct:      req.Correct,
		Payout:       req.Payout,
		OutcomePrice: req.OutcomePrice,
		Reason:       reason,
	})
	return nil
}

// publish is best effort; the settlement has already committed.
func (s *SettlementService) publish(ctx context.Context, ev domain.SettlementEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal settlement event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, domain.SettlementsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish settlement event failed",
			slog.String("order_id", ev.OrderID),
			slog.String("error", err.Error()),
		)
	}
}

// RecoverWaiting re-schedules every waiting contract that has no queued job,
// e.g. after a scheduling failure at placement. It returns how many jobs were
// re-queued.
func (s *SettlementService) RecoverWaiting(ctx context.Context, queue domain.JobQueue, limit int) (int, error) {
	orders, err := s.contracts.ListWaiting(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("settlement_service: list waiting: %w", err)
	}

	requeued := 0
	for _, o := range orders {
		job := domain.EvaluationJob{
			OwnerID:       o.OwnerID,
			OrderID:       o.ID,
			TransactionID: o.TransactionID,
			WalletID:      o.WalletID,
			Expiry:        o.ExpiryTime,
		}
		exists, err := queue.Exists(ctx, job.ID())
		if err != nil {
			return requeued, err
		}
		if exists {
			continue
		}
		sj, err := job.ScheduledJob()
		if err != nil {
			return requeued, err
		}
		if err := queue.Schedule(ctx, sj); err != nil {
			return requeued, err
		}
		requeued++
	}

	if requeued > 0 {
		s.logger.InfoContext(ctx, "re-scheduled waiting contracts", slog.Int("count", requeued))
	}
	return requeued, nil
}

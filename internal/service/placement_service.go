package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/metrics"
	"github.com/alanyoungcy/optionsengine/internal/notify"
)

// ReferencePricer supplies the reference price captured at placement.
type ReferencePricer interface {
	ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// JobScheduler registers a deferred evaluation.
type JobScheduler interface {
	Schedule(ctx context.Context, job domain.ScheduledJob) error
}

// PlaceRequest is a client's request to open a contract.
type PlaceRequest struct {
	OwnerID    string
	Symbol     string
	Stake      decimal.Decimal
	Prediction string
	Expiry     time.Time
}

// PlacementConfig bounds what a single placement may ask for.
type PlacementConfig struct {
	MinStake   decimal.Decimal
	MaxStake   decimal.Decimal
	MaxHorizon time.Duration
	RateLimit  int
	RateWindow time.Duration
}

// PlacementService validates and opens contracts, then schedules their
// evaluation at expiry.
type PlacementService struct {
	cfg       PlacementConfig
	accounts  domain.AccountStore
	contracts domain.ContractStore
	prices    ReferencePricer
	scheduler JobScheduler
	limiter   domain.RateLimiter
	alerts    domain.Alerter
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewPlacementService creates a PlacementService with all required
// dependencies.
func NewPlacementService(
	cfg PlacementConfig,
	accounts domain.AccountStore,
	contracts domain.ContractStore,
	prices ReferencePricer,
	scheduler JobScheduler,
	limiter domain.RateLimiter,
	alerts domain.Alerter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *PlacementService {
	return &PlacementService{
		cfg:       cfg,
		accounts:  accounts,
		contracts: contracts,
		prices:    prices,
		scheduler: scheduler,
		limiter:   limiter,
		alerts:    alerts,
		metrics:   m,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "placement_service")),
	}
}

// Place opens a contract. Every rejection happens before anything is
// persisted; the debit, order, and funding transaction commit together.
func (s *PlacementService) Place(ctx context.Context, req PlaceRequest) (domain.Order, error) {
	order, err := s.place(ctx, req)
	if err != nil {
		s.metrics.OrdersRejected.WithLabelValues(domain.ErrorCode(err)).Inc()
		return domain.Order{}, err
	}
	s.metrics.OrdersPlaced.Inc()
	return order, nil
}

func (s *PlacementService) place(ctx context.Context, req PlaceRequest) (domain.Order, error) {
	prediction, err := s.validate(req)
	if err != nil {
		return domain.Order{}, err
	}

	account, err := s.accounts.GetByID(ctx, req.OwnerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Order{}, fmt.Errorf("%w: unknown owner", domain.ErrUnauthorized)
		}
		return domain.Order{}, fmt.Errorf("placement_service: load account: %w", err)
	}
	if account.Disabled {
		return domain.Order{}, domain.ErrAccountSuspended
	}

	if s.limiter != nil && s.cfg.RateLimit > 0 {
		allowed, err := s.limiter.Allow(ctx, "place:"+req.OwnerID, s.cfg.RateLimit, s.cfg.RateWindow)
		if err != nil {
			return domain.Order{}, fmt.Errorf("placement_service: rate limiter: %w", err)
		}
		if !allowed {
			return domain.Order{}, domain.ErrRateLimited
		}
	}

	now := s.now().UTC()
	if !req.Expiry.After(now) {
		return domain.Order{}, domain.ErrInvalidExpiration
	}
	if s.cfg.MaxHorizon > 0 && req.Expiry.Sub(now) > s.cfg.MaxHorizon {
		return domain.Order{}, fmt.Errorf("%w: expiration more than %s ahead", domain.ErrValidation, s.cfg.MaxHorizon)
	}

	symbol := domain.NormalizeSymbol(req.Symbol)
	reference, err := s.prices.ReferencePrice(ctx, symbol)
	if err != nil {
		return domain.Order{}, err
	}

	order, txn, err := s.contracts.CreateContract(ctx, domain.ContractRequest{
		OwnerID:        account.ID,
		OwnerKind:      account.Kind,
		LiveMode:       account.LiveMode,
		Symbol:         symbol,
		Prediction:     prediction,
		Amount:         req.Stake.Round(2),
		ReferencePrice: reference,
		StartTime:      now,
		ExpiryTime:     req.Expiry.UTC(),
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.logger.InfoContext(ctx, "contract opened",
		slog.String("order_id", order.ID),
		slog.String("owner_id", order.OwnerID),
		slog.String("symbol", order.Symbol),
		slog.String("prediction", string(order.Prediction)),
		slog.String("amount", order.Amount.StringFixed(2)),
		slog.Time("expiry", order.ExpiryTime),
	)

	job := domain.EvaluationJob{
		OwnerID:       order.OwnerID,
		OrderID:       order.ID,
		TransactionID: txn.ID,
		WalletID:      order.WalletID,
		Expiry:        order.ExpiryTime,
	}
	if err := s.schedule(ctx, job); err != nil {
		// The order stays waiting until the periodic recovery sweep re-queues it.
		s.logger.ErrorContext(ctx, "schedule evaluation failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		if s.alerts != nil {
			s.alerts.Alert(ctx, notify.EventScheduleFailed, fmt.Sprintf("order %s: %v", order.ID, err))
		}
	}
	return order, nil
}

func (s *PlacementService) schedule(ctx context.Context, job domain.EvaluationJob) error {
	sj, err := job.ScheduledJob()
	if err != nil {
		return err
	}
	return s.scheduler.Schedule(ctx, sj)
}

func (s *PlacementService) validate(req PlaceRequest) (domain.Prediction, error) {
	var missing []string
	if strings.TrimSpace(req.OwnerID) == "" {
		missing = append(missing, "owner")
	}
	if strings.TrimSpace(req.Symbol) == "" {
		missing = append(missing, "option")
	}
	if req.Stake.IsZero() {
		missing = append(missing, "amount")
	}
	if strings.TrimSpace(req.Prediction) == "" {
		missing = append(missing, "prediction")
	}
	if req.Expiry.IsZero() {
		missing = append(missing, "expiration")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: missing %s", domain.ErrValidation, strings.Join(missing, ", "))
	}

	prediction, err := domain.ParsePrediction(req.Prediction)
	if err != nil {
		return "", err
	}
	if req.Stake.IsNegative() {
		return "", fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	if s.cfg.MinStake.IsPositive() && req.Stake.LessThan(s.cfg.MinStake) {
		return "", fmt.Errorf("%w: amount below minimum %s", domain.ErrValidation, s.cfg.MinStake)
	}
	if s.cfg.MaxStake.IsPositive() && req.Stake.GreaterThan(s.cfg.MaxStake) {
		return "", fmt.Errorf("%w: amount above maximum %s", domain.ErrValidation, s.cfg.MaxStake)
	}
	return prediction, nil
}

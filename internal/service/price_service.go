package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

// BarSource fetches aggregate bars from the upstream REST API.
type BarSource interface {
	PreviousClose(ctx context.Context, symbol string) (domain.Bar, error)
	SecondBars(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error)
}

// PriceService republishes ingested ticks and answers price queries for
// placement, settlement, and the gateway's history snapshot.
type PriceService struct {
	stream  domain.TickStream
	prices  domain.PriceCache
	history domain.TickHistory
	bars    BarSource
	now     func() time.Time
	logger  *slog.Logger
}

// NewPriceService creates a PriceService with all required dependencies.
func NewPriceService(
	stream domain.TickStream,
	prices domain.PriceCache,
	history domain.TickHistory,
	bars BarSource,
	logger *slog.Logger,
) *PriceService {
	return &PriceService{
		stream:  stream,
		prices:  prices,
		history: history,
		bars:    bars,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "price_service")),
	}
}

// HandleTick appends tick to the distribution stream, then refreshes the
// latest-price cache and the symbol's history. Only the stream append is
// fatal for the tick.
func (s *PriceService) HandleTick(ctx context.Context, tick domain.Tick) error {
	if err := s.stream.Publish(ctx, tick); err != nil {
		return fmt.Errorf("price_service: publish %s: %w", tick.Symbol, err)
	}

	if err := s.prices.SetPrice(ctx, tick.Symbol, tick.Price, tick.EventTime); err != nil {
		s.logger.WarnContext(ctx, "set latest price failed",
			slog.String("symbol", tick.Symbol),
			slog.String("error", err.Error()),
		)
	}
	if err := s.history.Append(ctx, tick); err != nil {
		s.logger.WarnContext(ctx, "append history failed",
			slog.String("symbol", tick.Symbol),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// History returns up to limit recent ticks for symbol, oldest first.
func (s *PriceService) History(ctx context.Context, symbol string, limit int) ([]domain.Tick, error) {
	ticks, err := s.history.Recent(ctx, domain.NormalizeSymbol(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("price_service: history %s: %w", symbol, err)
	}
	return ticks, nil
}

// ReferencePrice returns the close of the most recent daily bar. Anything
// short of a positive close is domain.ErrInvalidTicker.
func (s *PriceService) ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	bar, err := s.bars.PreviousClose(ctx, symbol)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "reference price lookup failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		return decimal.Zero, fmt.Errorf("%w: no reference price for %s", domain.ErrInvalidTicker, symbol)
	}
	if !bar.Close.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no reference price for %s", domain.ErrInvalidTicker, symbol)
	}
	return bar.Close, nil
}

// LatestPrice returns a price observed within window of now. The cached
// stream price is preferred; otherwise the newest one-second bar in the
// window is fetched. Neither yields domain.ErrFeedUnavailable.
func (s *PriceService) LatestPrice(ctx context.Context, symbol string, window time.Duration) (decimal.Decimal, time.Time, error) {
	now := s.now()

	price, ts, err := s.prices.GetPrice(ctx, symbol)
	switch {
	case err == nil && price.IsPositive() && now.Sub(ts) <= window:
		return price, ts, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		s.logger.WarnContext(ctx, "latest price cache read failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}

	bars, err := s.bars.SecondBars(ctx, symbol, now.Add(-window), now)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("%w: %s: %v", domain.ErrFeedUnavailable, symbol, err)
	}
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Close.IsPositive() {
			return bars[i].Close, bars[i].End, nil
		}
	}
	return decimal.Zero, time.Time{}, fmt.Errorf("%w: no price for %s in the last %s", domain.ErrFeedUnavailable, symbol, window)
}

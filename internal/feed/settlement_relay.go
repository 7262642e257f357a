package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

// SettlementSink receives settlement results for delivery to clients.
type SettlementSink interface {
	DeliverSettlement(ctx context.Context, ev domain.SettlementEvent)
}

// SettlementRelay subscribes to the settlements channel and hands each event
// to the sink. Settlement workers and gateways may live in different
// processes; the bus joins them.
type SettlementRelay struct {
	bus    domain.SignalBus
	sink   SettlementSink
	logger *slog.Logger
}

// NewSettlementRelay creates a SettlementRelay.
func NewSettlementRelay(bus domain.SignalBus, sink SettlementSink, logger *slog.Logger) *SettlementRelay {
	return &SettlementRelay{
		bus:    bus,
		sink:   sink,
		logger: logger.With(slog.String("component", "settlement_relay")),
	}
}

// Run relays events until ctx is cancelled.
func (r *SettlementRelay) Run(ctx context.Context) error {
	ch, err := r.bus.Subscribe(ctx, domain.SettlementsChannel)
	if err != nil {
		return err
	}
	r.logger.Info("settlement relay started")
	defer r.logger.Info("settlement relay stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.SettlementEvent
			if err := json.Unmarshal(data, &ev); err != nil || ev.OwnerID == "" {
				r.logger.Debug("dropping malformed settlement event", slog.Int("payload_len", len(data)))
				continue
			}
			r.sink.DeliverSettlement(ctx, ev)
		}
	}
}

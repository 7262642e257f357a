// Package ws implements the client gateway: a per-connection protocol for
// authenticating, streaming ticks for one instrument, placing contracts, and
// receiving their settlement results.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/optionsengine/internal/auth"
	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/metrics"
	"github.com/alanyoungcy/optionsengine/internal/service"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// GroupPrefix names every consumer group owned by a gateway session.
	GroupPrefix = "gw:"
)

// SessionVerifier validates the credential in an auth frame.
type SessionVerifier interface {
	Verify(raw string) (auth.Session, error)
}

// Placer opens contracts on behalf of an authenticated owner.
type Placer interface {
	Place(ctx context.Context, req service.PlaceRequest) (domain.Order, error)
}

// HistorySource returns the recent ticks pushed when a client subscribes.
type HistorySource interface {
	History(ctx context.Context, symbol string, limit int) ([]domain.Tick, error)
}

// Config tunes the gateway.
type Config struct {
	HistoryLimit int
	CheckOrigin  func(r *http.Request) bool
}

// Gateway upgrades client connections and runs one session per connection.
type Gateway struct {
	cfg      Config
	verifier SessionVerifier
	accounts domain.AccountStore
	stream   domain.TickStream
	history  HistorySource
	placer   Placer
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

// NewGateway creates a Gateway. The registry is shared with whatever
// delivers settlement results.
func NewGateway(
	cfg Config,
	verifier SessionVerifier,
	accounts domain.AccountStore,
	stream domain.TickStream,
	history HistorySource,
	placer Placer,
	registry *Registry,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Gateway {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:      cfg,
		verifier: verifier,
		accounts: accounts,
		stream:   stream,
		history:  history,
		placer:   placer,
		registry: registry,
		metrics:  m,
		logger:   logger.With(slog.String("component", "ws_gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// HandleWS upgrades the request and serves the session until the client
// goes away.
// GET /ws
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(g.ctx)
	s := &session{
		gw:     g,
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	s.logger = g.logger.With(slog.String("session_id", s.id))

	g.registry.add(s)
	g.metrics.GatewaySessions.Inc()
	s.logger.Debug("client connected", slog.Int("sessions", g.registry.Len()))

	go s.writePump()
	go s.readPump()
}

// DeliverSettlement pushes a settlement result to every session of the
// owner. Contracts settle regardless of presence; an absent owner only
// loses the push.
func (g *Gateway) DeliverSettlement(ctx context.Context, ev domain.SettlementEvent) {
	sessions := g.registry.sessionsFor(ev.OwnerID)
	if len(sessions) == 0 {
		g.logger.InfoContext(ctx, "settlement result not delivered, owner not connected",
			slog.String("owner_id", ev.OwnerID),
			slog.String("order_id", ev.OrderID),
		)
		return
	}
	frame := settlementFrame(ev)
	for _, s := range sessions {
		s.push(frame)
	}
}

// Shutdown closes every open session.
func (g *Gateway) Shutdown() {
	g.cancel()
	for _, s := range g.registry.snapshot() {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// Package feed keeps the upstream market-data connection alive and relays
// bus traffic into in-process handlers.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/metrics"
	"github.com/alanyoungcy/optionsengine/internal/notify"
	"github.com/alanyoungcy/optionsengine/internal/platform/polygon"
)

// State is the ingestor's connection state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateSubscribed     State = "subscribed"
)

var allStates = []string{
	string(StateDisconnected), string(StateConnecting),
	string(StateAuthenticating), string(StateSubscribed),
}

// errAuthRejected marks a connection the upstream refused to authenticate.
var errAuthRejected = errors.New("feed: upstream rejected credentials")

// TickHandler receives every normalized tick. An error is logged and the
// tick dropped; it never tears down the connection.
type TickHandler func(ctx context.Context, tick domain.Tick) error

// IngestorConfig configures the upstream connection.
type IngestorConfig struct {
	WSURL            string
	APIKey           string
	Subscription     string // e.g. "XA.*"
	HandshakeTimeout time.Duration
	Backoff          polygon.Backoff
}

// Ingestor maintains one upstream stream connection, authenticates,
// subscribes, and hands each bar to the tick handler as a Tick. It
// reconnects with jittered exponential backoff until stopped.
type Ingestor struct {
	cfg     IngestorConfig
	handle  TickHandler
	alerts  domain.Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger

	state     atomic.Value
	closeOnce sync.Once
	done      chan struct{}
}

// NewIngestor creates an Ingestor. alerts may be nil.
func NewIngestor(cfg IngestorConfig, handle TickHandler, alerts domain.Alerter, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	if cfg.Subscription == "" {
		cfg.Subscription = "XA.*"
	}
	in := &Ingestor{
		cfg:     cfg,
		handle:  handle,
		alerts:  alerts,
		metrics: m,
		logger:  logger.With(slog.String("component", "feed_ingestor")),
		done:    make(chan struct{}),
	}
	in.setState(StateDisconnected)
	return in
}

// State returns the current connection state.
func (in *Ingestor) State() State {
	return in.state.Load().(State)
}

func (in *Ingestor) setState(s State) {
	in.state.Store(s)
	in.metrics.SetFeedState(string(s), allStates)
}

// Run connects and streams until ctx is cancelled or Close is called.
func (in *Ingestor) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-in.done:
			return nil
		default:
		}

		authed, err := in.runConnection(ctx)
		in.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if authed {
			attempt = 0
		}
		attempt++

		delay := in.cfg.Backoff.Next(attempt)
		in.metrics.FeedReconnects.Inc()
		in.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-in.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runConnection drives one connection through its states. authed reports
// whether the upstream accepted our credentials on this connection.
func (in *Ingestor) runConnection(ctx context.Context) (authed bool, err error) {
	in.setState(StateConnecting)
	ws, err := polygon.Dial(ctx, in.cfg.WSURL, in.cfg.HandshakeTimeout)
	if err != nil {
		return false, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the read loop on shutdown, and keep the connection alive.
	go func() {
		ticker := time.NewTicker(polygon.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				_ = ws.Close()
				return
			case <-in.done:
				_ = ws.Close()
				return
			case <-ticker.C:
				if err := ws.Ping(); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		events, err := ws.ReadEvents()
		if err != nil {
			if connCtx.Err() != nil {
				return authed, connCtx.Err()
			}
			return authed, fmt.Errorf("feed: read: %w", err)
		}

		for _, ev := range events {
			switch ev.Ev {
			case polygon.EventStatus:
				done, err := in.handleStatus(ctx, ws, ev, &authed)
				if done {
					return authed, err
				}
			case polygon.EventAggregateBar:
				in.handleBar(ctx, ev)
			default:
				in.logger.Debug("ignoring event", slog.String("ev", ev.Ev))
			}
		}
	}
}

// handleStatus advances the state machine. done is true when the connection
// must be dropped.
func (in *Ingestor) handleStatus(ctx context.Context, ws *polygon.WSClient, ev polygon.Event, authed *bool) (done bool, err error) {
	switch ev.Status {
	case polygon.StatusConnected:
		in.setState(StateAuthenticating)
		if err := ws.Authenticate(in.cfg.APIKey); err != nil {
			return true, err
		}

	case polygon.StatusAuthed, polygon.StatusAuthSuccess:
		if err := ws.Subscribe(in.cfg.Subscription); err != nil {
			return true, err
		}
		*authed = true
		in.setState(StateSubscribed)
		in.logger.Info("feed subscribed", slog.String("params", in.cfg.Subscription))

	case polygon.StatusAuthTimeout, polygon.StatusAuthFailed:
		_ = ws.CloseWith(polygon.CloseAuthFailed, ev.Status)
		in.logger.Error("feed authentication rejected",
			slog.String("status", ev.Status),
			slog.String("message", ev.Message),
		)
		if in.alerts != nil {
			in.alerts.Alert(ctx, notify.EventFeedAuthFailed, fmt.Sprintf("%s: %s", ev.Status, ev.Message))
		}
		return true, fmt.Errorf("%w: %s", errAuthRejected, ev.Status)

	default:
		in.logger.Debug("feed status", slog.String("status", ev.Status), slog.String("message", ev.Message))
	}
	return false, nil
}

func (in *Ingestor) handleBar(ctx context.Context, ev polygon.Event) {
	tick := ev.Tick()
	if tick.Symbol == "" || !tick.Price.IsPositive() {
		return
	}
	if err := in.handle(ctx, tick); err != nil {
		in.logger.Warn("tick handler failed",
			slog.String("symbol", tick.Symbol),
			slog.String("error", err.Error()),
		)
		return
	}
	in.metrics.TicksIngested.Inc()
}

// Close stops the ingestor.
func (in *Ingestor) Close() {
	in.closeOnce.Do(func() { close(in.done) })
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

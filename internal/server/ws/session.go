package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/service"
)

// session is the state of one client connection.
type session struct {
	gw     *Gateway
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu            sync.Mutex
	authenticated bool
	ownerID       string
	symbol        string
	group         string
	streamCancel  context.CancelFunc
	streamDone    chan struct{}
}

func (s *session) owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerID
}

func (s *session) isAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// readPump reads and dispatches client frames. It owns session teardown.
func (s *session) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		if !s.handle(message) {
			return
		}
	}
}

// handle processes one frame. It returns false when the connection must be
// dropped.
func (s *session) handle(message []byte) bool {
	var in inbound
	if err := json.Unmarshal(message, &in); err != nil || in.Type == "" {
		s.protocolError("malformed frame")
		return true
	}
	s.gw.metrics.GatewayFrames.WithLabelValues(frameLabel(in.Type)).Inc()

	switch in.Type {
	case frameAuth:
		return s.handleAuth(in.Data)
	case frameSubscribe:
		if !s.isAuthenticated() {
			s.push(outbound{Type: frameAuthRequired})
			return true
		}
		s.handleSubscribe(in.Data)
	case framePlaceOrder:
		if !s.isAuthenticated() {
			s.push(outbound{Type: frameAuthRequired})
			return true
		}
		s.handlePlaceOrder(in.Data)
	default:
		s.protocolError(fmt.Sprintf("unknown frame type %q", in.Type))
	}
	return true
}

func (s *session) handleAuth(data json.RawMessage) bool {
	var req authData
	if err := json.Unmarshal(data, &req); err != nil {
		// A bare string credential is accepted too.
		if err := json.Unmarshal(data, &req.Token); err != nil {
			s.protocolError("auth data must carry a token")
			return true
		}
	}

	sess, err := s.gw.verifier.Verify(req.Token)
	if err != nil {
		s.logger.Info("authentication failed", slog.String("error", err.Error()))
		s.closeWith(CloseInvalidCredential, "invalid credential")
		return false
	}

	account, err := s.gw.accounts.GetByID(s.ctx, sess.UserID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.closeWith(CloseInvalidCredential, "unknown account")
		return false
	case err != nil:
		s.logger.Error("load account failed", slog.String("error", err.Error()))
		s.push(errorFrame(err))
		return true
	case account.Disabled:
		s.closeWith(CloseAccountSuspended, "account suspended")
		return false
	}

	s.mu.Lock()
	s.authenticated = true
	s.ownerID = account.ID
	s.mu.Unlock()
	s.gw.registry.bind(s, account.ID)

	s.logger.Debug("authenticated", slog.String("owner_id", account.ID))
	s.push(outbound{Type: frameAuthed, Data: "OK"})
	return true
}

func (s *session) handleSubscribe(data json.RawMessage) {
	var req subscribeData
	if err := json.Unmarshal(data, &req); err != nil || req.Ticker == "" {
		s.protocolError("subscribe requires a ticker")
		return
	}
	symbol := domain.NormalizeSymbol(req.Ticker)

	s.stopStream()

	// The group is positioned at the stream tail before the history read so
	// no tick falls between the snapshot and the live stream.
	group := GroupPrefix + s.id
	if err := s.gw.stream.CreateGroup(s.ctx, group); err != nil {
		s.logger.Error("create consumer group failed", slog.String("error", err.Error()))
		s.push(errorFrame(err))
		return
	}

	history, err := s.gw.history.History(s.ctx, symbol, s.gw.cfg.HistoryLimit)
	if err != nil {
		s.logger.Warn("history snapshot failed", slog.String("error", err.Error()))
		history = nil
	}
	if history == nil {
		history = []domain.Tick{}
	}
	s.push(outbound{Type: frameHistory, Data: history})

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.symbol = symbol
	s.group = group
	s.streamCancel = cancel
	s.streamDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := s.gw.stream.Consume(ctx, group, s.id, func(tick domain.Tick) error {
			if tick.Symbol != symbol {
				return nil
			}
			s.push(outbound{Type: frameOptions, Data: tick})
			return nil
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("tick stream ended", slog.String("error", err.Error()))
		}
	}()

	s.logger.Debug("subscribed", slog.String("symbol", symbol))
}

// stopStream halts the current tick consumer, waits for it, and removes its
// consumer group.
func (s *session) stopStream() {
	s.mu.Lock()
	cancel, done, group := s.streamCancel, s.streamDone, s.group
	s.streamCancel, s.streamDone, s.group = nil, nil, ""
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := s.gw.stream.DestroyGroup(ctx, group); err != nil {
		s.logger.Warn("destroy consumer group failed",
			slog.String("group", group),
			slog.String("error", err.Error()),
		)
	}
}

func (s *session) handlePlaceOrder(data json.RawMessage) {
	var req placeOrderData
	if err := json.Unmarshal(data, &req); err != nil {
		s.push(errorFrame(fmt.Errorf("%w: %v", domain.ErrValidation, err)))
		return
	}

	order, err := s.gw.placer.Place(s.ctx, service.PlaceRequest{
		OwnerID:    s.owner(),
		Symbol:     req.Option,
		Stake:      req.Amount,
		Prediction: req.Prediction,
		Expiry:     req.Expiration,
	})
	if err != nil {
		s.push(errorFrame(err))
		return
	}
	s.push(outbound{Type: frameOrderPlaced, Data: order.ID})
}

func (s *session) protocolError(msg string) {
	err := fmt.Errorf("%w: %s", domain.ErrProtocol, msg)
	s.logger.Debug("protocol error", slog.String("error", err.Error()))
	s.push(errorFrame(err))
}

// push queues a frame without blocking. A client too slow to drain its
// buffer loses frames rather than stalling the stream.
func (s *session) push(frame outbound) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal frame", slog.String("error", err.Error()))
		return
	}
	select {
	case <-s.ctx.Done():
	case s.send <- data:
	default:
		s.logger.Warn("dropping frame for slow client", slog.String("type", frame.Type))
	}
}

// closeWith sends a close frame carrying code and drops the connection.
func (s *session) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = s.conn.Close()
}

func (s *session) teardown() {
	s.stopStream()
	s.cancel()
	s.gw.registry.remove(s)
	s.gw.metrics.GatewaySessions.Dec()
	_ = s.conn.Close()
	s.logger.Debug("client disconnected")
}

// writePump is the only writer of data frames on the connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func frameLabel(t string) string {
	switch t {
	case frameAuth, frameSubscribe, framePlaceOrder:
		return t
	default:
		return "unknown"
	}
}

package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/metrics"
	"github.com/alanyoungcy/optionsengine/internal/notify"
	"github.com/alanyoungcy/optionsengine/internal/platform/polygon"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeAlerter) Alert(_ context.Context, event, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeAlerter) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type upstreamAction struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// fakeUpstream rejects the first connection's credentials and accepts the
// second, then streams one frame holding bars for two instruments.
func fakeUpstream(t *testing.T, closeCodes chan<- int) *httptest.Server {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"connected"}]`))
		var auth upstreamAction
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		assert.Equal(t, "auth", auth.Action)

		if n == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"auth_failed","message":"bad key"}]`))
			_, _, err := conn.ReadMessage()
			if ce, ok := err.(*websocket.CloseError); ok {
				closeCodes <- ce.Code
			}
			return
		}

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"authed"}]`))
		var sub upstreamAction
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, upstreamAction{Action: "subscribe", Params: "XA.*"}, sub)

		bars := []map[string]any{
			{"ev": "XA", "pair": "BTC-USD", "o": 1, "h": 1, "l": 1, "c": 50100, "v": 1, "s": 1700000000000, "e": 1700000001000},
			{"ev": "XA", "pair": "ETH-USD", "o": 1, "h": 1, "l": 1, "c": 3000, "v": 1, "s": 1700000000000, "e": 1700000001000},
		}
		data, _ := json.Marshal(bars)
		_ = conn.WriteMessage(websocket.TextMessage, data)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestIngestorReconnectsAfterAuthFailureAndSplitsBars(t *testing.T) {
	closeCodes := make(chan int, 1)
	srv := fakeUpstream(t, closeCodes)
	defer srv.Close()

	var mu sync.Mutex
	var ticks []domain.Tick
	got := make(chan struct{})
	handle := func(_ context.Context, tick domain.Tick) error {
		mu.Lock()
		defer mu.Unlock()
		ticks = append(ticks, tick)
		if len(ticks) == 2 {
			close(got)
		}
		return nil
	}

	alerts := &fakeAlerter{}
	in := NewIngestor(IngestorConfig{
		WSURL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:           "key",
		HandshakeTimeout: time.Second,
		Backoff:          polygon.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond},
	}, handle, alerts, metrics.NewNop(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- in.Run(ctx) }()

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("ticks not received")
	}
	assert.Equal(t, StateSubscribed, in.State())

	select {
	case code := <-closeCodes:
		assert.Equal(t, polygon.CloseAuthFailed, code)
	case <-time.After(time.Second):
		t.Fatal("auth failure close code not observed")
	}
	assert.Equal(t, []string{notify.EventFeedAuthFailed}, alerts.Events())

	mu.Lock()
	assert.Equal(t, "BTC-USD", ticks[0].Symbol)
	assert.Equal(t, "50100", ticks[0].Price.String())
	assert.Equal(t, "ETH-USD", ticks[1].Symbol)
	mu.Unlock()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("ingestor did not stop")
	}
	assert.Equal(t, StateDisconnected, in.State())
}

func TestIngestorCloseStopsRetrying(t *testing.T) {
	in := NewIngestor(IngestorConfig{
		WSURL:            "ws://127.0.0.1:1",
		HandshakeTimeout: 50 * time.Millisecond,
		Backoff:          polygon.Backoff{Min: 10 * time.Millisecond, Max: 10 * time.Millisecond},
	}, func(context.Context, domain.Tick) error { return nil }, nil, metrics.NewNop(), discardLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- in.Run(context.Background()) }()
	time.Sleep(30 * time.Millisecond)
	in.Close()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ingestor did not stop")
	}
}

type recordingSink struct {
	ch chan domain.SettlementEvent
}

func (s recordingSink) DeliverSettlement(_ context.Context, ev domain.SettlementEvent) {
	s.ch <- ev
}

type chanBus struct {
	ch chan []byte
}

func (b chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.ch, nil
}

func TestSettlementRelay(t *testing.T) {
	bus := chanBus{ch: make(chan []byte, 4)}
	sink := recordingSink{ch: make(chan domain.SettlementEvent, 1)}
	relay := NewSettlementRelay(bus, sink, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()

	bus.ch <- []byte(`not json`)
	payload, err := json.Marshal(domain.SettlementEvent{OwnerID: "u1", OrderID: "o1", Correct: true})
	require.NoError(t, err)
	bus.ch <- payload

	select {
	case ev := <-sink.ch:
		assert.Equal(t, "o1", ev.OrderID)
		assert.True(t, ev.Correct)
	case <-time.After(2 * time.Second):
		t.Fatal("event not relayed")
	}
}

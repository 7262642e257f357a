package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed between inbound frames or pongs.
	pongWait = 60 * time.Second

	// PingPeriod sends pings at this interval. Must be less than pongWait.
	PingPeriod = (pongWait * 9) / 10

	maxFrameSize = 1 << 20
)

// WSClient is one stream connection. Reads happen on a single goroutine;
// writes are serialized internally.
type WSClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Dial opens a stream connection.
func Dial(ctx context.Context, wsURL string, handshakeTimeout time.Duration) (*WSClient, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("polygon/ws: connect: %w", err)
	}

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	return &WSClient{conn: conn}, nil
}

// ReadEvents blocks for the next frame and decodes its events.
func (w *WSClient) ReadEvents() ([]Event, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))

	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		// Some servers send a bare object instead of a one-element array.
		var single Event
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("polygon/ws: decode frame: %w", err)
		}
		events = []Event{single}
	}
	return events, nil
}

// Authenticate sends the auth action with the API key.
func (w *WSClient) Authenticate(apiKey string) error {
	return w.send(action{Action: "auth", Params: apiKey})
}

// Subscribe sends the subscribe action, e.g. params "XA.*" for every
// aggregate-bar instrument.
func (w *WSClient) Subscribe(params string) error {
	return w.send(action{Action: "subscribe", Params: params})
}

// Ping writes a keepalive ping.
func (w *WSClient) Ping() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// CloseWith sends a close frame with code and reason, then closes the socket.
func (w *WSClient) CloseWith(code int, reason string) error {
	w.writeMu.Lock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	w.writeMu.Unlock()
	return w.conn.Close()
}

// Close closes the connection normally.
func (w *WSClient) Close() error {
	return w.CloseWith(websocket.CloseNormalClosure, "")
}

func (w *WSClient) send(a action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("polygon/ws: marshal %s: %w", a.Action, err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polygon/ws: send %s: %w", a.Action, err)
	}
	return nil
}

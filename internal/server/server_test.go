package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionsengine/internal/auth"
	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/metrics"
	"github.com/alanyoungcy/optionsengine/internal/server/handler"
)

type emptyWallets struct{}

func (emptyWallets) ListByOwner(context.Context, string) ([]domain.Wallet, error) {
	return nil, nil
}

func TestServerRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := auth.NewSessionVerifier("server-test-secret")
	m := metrics.NewNop()
	m.OrdersPlaced.Inc()

	srv := NewServer(Config{Port: 0}, Handlers{
		Health:  handler.NewHealthHandler(nil, nil, logger),
		Wallets: handler.NewWalletHandler(emptyWallets{}, logger),
		Metrics: m.Handler(),
	}, verifier, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	get := func(path, token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, get("/api/health", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get("/api/wallets", "").StatusCode)

	token, err := verifier.Issue(auth.Session{UserID: "alice", SessionID: "s", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get("/api/wallets", token).StatusCode)

	resp := get("/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "optengine_placement_orders_total 1")

	// Not registered in this mode.
	assert.Equal(t, http.StatusNotFound, get("/api/orders", token).StatusCode)
}

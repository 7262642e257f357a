package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return "recording" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier([]Sender{s}, []string{EventScheduleFailed}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), EventFeedAuthFailed, "ignored"))
	require.NoError(t, n.Notify(context.Background(), EventScheduleFailed, "order 1"))
	assert.Equal(t, []string{"Contract evaluation not scheduled"}, s.titles)
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	bad := &recordingSender{err: errors.New("boom")}
	good := &recordingSender{}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), EventSettlementError, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, good.titles, 1)
}

func TestAlertRunsInBackground(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier([]Sender{s}, nil, discardLogger())

	n.Alert(context.Background(), EventTeardownAbandoned, "job")
	n.Wait()
	assert.Len(t, s.titles, 1)
}

func TestNilNotifierIsDisabled(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled(EventFeedAuthFailed))
	n.Wait()
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	err := NewTelegramSender("TOKEN", "42").WithAPIBase(srv.URL).Send(context.Background(), "T", "body")
	require.NoError(t, err)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*T*\nbody", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "T", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

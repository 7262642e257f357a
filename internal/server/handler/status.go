package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports process mode and gateway occupancy.
type StatusHandler struct {
	mode     string
	started  time.Time
	sessions func() int
}

// NewStatusHandler creates a StatusHandler. sessions may be nil when the
// process serves no gateway.
func NewStatusHandler(mode string, sessions func() int) *StatusHandler {
	return &StatusHandler{mode: mode, started: time.Now(), sessions: sessions}
}

// GetStatus responds with the current mode, uptime and open sessions.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":       h.mode,
		"uptime_sec": int64(time.Since(h.started).Seconds()),
	}
	if h.sessions != nil {
		resp["sessions"] = h.sessions()
	}
	writeJSON(w, http.StatusOK, resp)
}

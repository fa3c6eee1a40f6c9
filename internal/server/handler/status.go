package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the process mode, start time and live markets.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	markets   func() []string
}

// NewStatusHandler creates a StatusHandler. markets is called per request.
func NewStatusHandler(mode string, startedAt time.Time, markets func() []string) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, markets: markets}
}

// GetStatus GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	markets := []string{}
	if h.markets != nil {
		markets = h.markets()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"started_at":     h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"markets":        markets,
	})
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// PositionLister returns the open positions of one user.
type PositionLister interface {
	List(ctx context.Context, userID string) ([]domain.Position, error)
}

// EventReader reads the persistence event stream.
type EventReader interface {
	Read(ctx context.Context, lastID string, count int) ([]domain.StreamEntry, error)
}

const (
	defaultEventCount = 100
	maxEventCount     = 1000
)

// AccountHandler serves per-user positions and the tail of the persistence
// event stream. Either source may be nil.
type AccountHandler struct {
	positions PositionLister
	events    EventReader
	logger    *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(positions PositionLister, events EventReader, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{positions: positions, events: events, logger: logger.With(slog.String("handler", "account"))}
}

// HasPositions reports whether positions can be served.
func (h *AccountHandler) HasPositions() bool { return h.positions != nil }

// HasEvents reports whether the event stream can be served.
func (h *AccountHandler) HasEvents() bool { return h.events != nil }

// GetPositions GET /api/users/{user}/positions
func (h *AccountHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	list, err := h.positions.List(r.Context(), user)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed",
			slog.String("user_id", user),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "positions unavailable")
		return
	}
	if list == nil {
		list = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetEvents GET /api/events?after=<stream id>&count=<n>
func (h *AccountHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	count := defaultEventCount
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = min(n, maxEventCount)
	}

	entries, err := h.events.Read(r.Context(), after, count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read event stream failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "event stream unavailable")
		return
	}
	if entries == nil {
		entries = []domain.StreamEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// Submitter hands a command to the running engine and waits for its reply.
type Submitter interface {
	Submit(ctx context.Context, cmd domain.Command) (domain.Reply, error)
}

// BookHandler exposes read-only views of the live books for operators. Reads
// go through the engine so they observe a consistent book.
type BookHandler struct {
	engine  Submitter
	timeout time.Duration
	logger  *slog.Logger
}

// NewBookHandler creates a BookHandler.
func NewBookHandler(engine Submitter, timeout time.Duration, logger *slog.Logger) *BookHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BookHandler{engine: engine, timeout: timeout, logger: logger.With(slog.String("handler", "book"))}
}

// GetDepth GET /api/markets/{symbol}/depth
func (h *BookHandler) GetDepth(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.CmdGetDepth, domain.DepthData{Market: r.PathValue("symbol")})
}

// GetOpenOrders GET /api/markets/{symbol}/orders?user=<id>
func (h *BookHandler) GetOpenOrders(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	h.submit(w, r, domain.CmdGetOpenOrders, domain.OpenOrdersData{UserID: user, Market: r.PathValue("symbol")})
}

func (h *BookHandler) submit(w http.ResponseWriter, r *http.Request, typ domain.CommandType, data any) {
	cmd, err := domain.NewCommand("", typ, data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	reply, err := h.engine.Submit(ctx, cmd)
	if err != nil {
		h.logger.WarnContext(r.Context(), "engine submit failed",
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, reply.Payload)
}

package inventory

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the inventory ledger.
type Handler struct {
	logger *slog.Logger
	ledger *Ledger
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, ledger *Ledger) *Handler {
	return &Handler{logger: logger, ledger: ledger}
}

// MountRoutes registers read routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/products/{id}/projection", h.projection)
}

// MountAdminRoutes registers staff-only routes.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Get("/products/{id}/movements", h.movements)
	r.Put("/products/{id}/stock-override", h.setOverride)
	r.Delete("/products/{id}/stock-override", h.clearOverride)
	r.Put("/products/{id}/stock-buffer", h.setBuffer)
	r.Post("/reservations/{id}/release", h.release)
}

var errorMappings = []httpx.ErrorMapping{
	{Err: ErrInsufficientStock, Status: httpx.ErrConflict},
	{Err: ErrReservationNotFound, Status: httpx.ErrNotFound},
	{Err: ErrInvalidQuantity, Status: httpx.ErrValidation},
	{Err: ErrNegativeOverride, Status: httpx.ErrValidation},
	{Err: catalog.ErrNegativeBuffer, Status: httpx.ErrValidation},
	{Err: catalog.ErrNotFound, Status: httpx.ErrNotFound},
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := httpx.Map(err, errorMappings...)
	if mapped == err {
		h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

func (h *Handler) projection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	proj, err := h.ledger.Projection(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, proj)
}

func (h *Handler) movements(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	filter := MovementFilter{ProductID: id}
	q := r.URL.Query()
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
		filter.To = t
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	entries, err := h.ledger.Movements(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

type quantityRequest struct {
	Value decimal.Decimal `json:"value"`
}

func (h *Handler) setOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	var req quantityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	level, err := h.ledger.SetStockOverride(r.Context(), id, req.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, levelResponse(level))
}

func (h *Handler) clearOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	level, err := h.ledger.ClearStockOverride(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, levelResponse(level))
}

func (h *Handler) setBuffer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	var req quantityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	level, err := h.ledger.SetStockBuffer(r.Context(), id, req.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, levelResponse(level))
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	if err := h.ledger.Release(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func levelResponse(l Level) map[string]any {
	resp := map[string]any{
		"product_id":      l.ProductID,
		"synced_stock":    l.Synced,
		"stock_buffer":    l.Buffer,
		"source":          l.Source(),
		"effective_stock": l.Display(),
		"signed_stock":    l.Effective(),
	}
	if l.Override != nil {
		resp["stock_override"] = *l.Override
	}
	return resp
}

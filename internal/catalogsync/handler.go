package catalogsync

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/platform/httpx"
)

// Handler exposes ingest endpoints for the master system and the
// indexing extension.
type Handler struct {
	logger     *slog.Logger
	reconciler *Reconciler
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, reconciler *Reconciler) *Handler {
	return &Handler{logger: logger, reconciler: reconciler}
}

// MountRoutes registers ingest routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/batches", h.applyBatch)
	r.Post("/records", h.applyRecord)
}

type batchRequest struct {
	Source   string              `json:"source" validate:"max=64"`
	Complete bool                `json:"complete"`
	Records  []catalog.RawRecord `json:"records" validate:"required,min=1"`
}

func (h *Handler) applyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.reconciler.ApplyBatch(r.Context(), Batch{Records: req.Records, Complete: req.Complete, Source: req.Source})
	if err != nil {
		// Per-record results are still meaningful when only retirement failed.
		h.logger.Error("catalog sync batch", slog.String("source", req.Source), slog.Any("error", err))
		if errors.Is(err, r.Context().Err()) {
			httpx.RespondError(w, err)
			return
		}
	}
	status := http.StatusOK
	if summary.Degraded {
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, summary)
}

type recordRequest struct {
	Record catalog.RawRecord `json:"record" validate:"required"`
}

func (h *Handler) applyRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	outcome, err := h.reconciler.ApplyRecord(r.Context(), req.Record)
	if err != nil {
		h.logger.Error("catalog sync record", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusOK
	switch {
	case outcome.Status == StatusSkipped:
		status = http.StatusUnprocessableEntity
	case outcome.Created:
		status = http.StatusCreated
	}
	httpx.JSON(w, status, outcome)
}

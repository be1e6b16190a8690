package orders

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/inventory"
	"github.com/gastronom/gastronom/internal/platform/httpx"
	"github.com/gastronom/gastronom/internal/pricing"
	"github.com/gastronom/gastronom/internal/shared"
)

// Handler exposes order endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers customer-facing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders", h.create)
	r.Get("/orders/{id}", h.get)
	r.Get("/orders/{id}/breakdown", h.breakdown)
	r.Get("/orders/{id}/history", h.history)
	r.Post("/orders/{id}/transitions", h.transition)
	r.Get("/customers/{customerID}/stats", h.stats)
}

// MountAdminRoutes registers routes for the payment collaborator and staff.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Put("/orders/{id}/payment-status", h.paymentStatus)
}

var errorMappings = []httpx.ErrorMapping{
	{Err: ErrNotFound, Status: httpx.ErrNotFound},
	{Err: ErrInvalidTransition, Status: httpx.ErrConflict},
	{Err: inventory.ErrInsufficientStock, Status: httpx.ErrConflict},
	{Err: ErrRequestInFlight, Status: httpx.ErrConflict},
	{Err: ErrNotEligibleForDelivery, Status: httpx.ErrUnprocessable},
	{Err: ErrProductUnavailable, Status: httpx.ErrUnprocessable},
	{Err: catalog.ErrInvalidUnitConfiguration, Status: httpx.ErrUnprocessable},
	{Err: ErrInvalidInput, Status: httpx.ErrValidation},
	{Err: ErrInvalidPaymentStatus, Status: httpx.ErrValidation},
	{Err: pricing.ErrFractionalPieces, Status: httpx.ErrValidation},
	{Err: ErrForbidden, Status: httpx.ErrForbidden},
	{Err: shared.ErrIdempotencyConflict, Status: httpx.ErrConflict},
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := httpx.Map(err, errorMappings...)
	if mapped == err {
		h.logger.Error("orders request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func orderID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, httpx.ErrNotFound
	}
	return id, nil
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		in.IdempotencyKey = key
	}
	order, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) breakdown(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	b, err := h.service.Breakdown(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	changes, err := h.service.History(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, changes)
}

type transitionRequest struct {
	Target Status `json:"target" validate:"required"`
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.Transition(r.Context(), TransitionInput{OrderID: id, Target: req.Target, Reason: req.Reason})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

type paymentStatusRequest struct {
	Status PaymentStatus `json:"status" validate:"required"`
}

func (h *Handler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req paymentStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.UpdatePaymentStatus(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	stats, percent, err := h.service.CustomerStats(r.Context(), customerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"customer_id":      stats.CustomerID,
		"total_spent":      stats.TotalSpent,
		"order_count":      stats.OrderCount,
		"discount_percent": percent,
	})
}

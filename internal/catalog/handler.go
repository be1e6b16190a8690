package catalog

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the catalog module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs catalog handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers read routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/products", h.list)
	r.Get("/products/{id}", h.get)
	r.Get("/categories", h.categories)
}

// MountAdminRoutes registers staff-only routes.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Put("/products/{id}/price-override", h.setPriceOverride)
	r.Delete("/products/{id}/price-override", h.clearPriceOverride)
	r.Put("/products/{id}/availability", h.setAvailability)
	r.Post("/products/{id}/approve", h.approve)
	r.Put("/products/{id}/units", h.defineUnits)
}

var errorMappings = []httpx.ErrorMapping{
	{Err: ErrNotFound, Status: httpx.ErrNotFound},
	{Err: ErrDuplicate, Status: httpx.ErrDuplicate},
	{Err: ErrInvalidUnitConfiguration, Status: httpx.ErrUnprocessable},
	{Err: ErrNegativePrice, Status: httpx.ErrValidation},
	{Err: ErrNegativeBuffer, Status: httpx.ErrValidation},
	{Err: ErrMissingCorrelationKey, Status: httpx.ErrValidation},
	{Err: ErrNotApproved, Status: httpx.ErrConflict},
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := httpx.Map(err, errorMappings...)
	if mapped == err {
		h.logger.Error("catalog request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func productID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, httpx.ErrNotFound
	}
	return id, nil
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		ReviewState:   ReviewState(q.Get("review_state")),
		AvailableOnly: q.Get("available") == "true",
	}
	if raw := q.Get("category_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
		filter.CategoryID = &id
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	products, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, products)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) categories(w http.ResponseWriter, r *http.Request) {
	tree, err := h.service.Categories(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tree)
}

type priceOverrideRequest struct {
	Price decimal.Decimal `json:"price"`
}

func (h *Handler) setPriceOverride(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req priceOverrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.SetPriceOverride(r.Context(), id, req.Price)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) clearPriceOverride(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.ClearPriceOverride(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type availabilityRequest struct {
	Available *bool `json:"available" validate:"required"`
}

func (h *Handler) setAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req availabilityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.SetAvailability(r.Context(), id, *req.Available)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.ApproveProduct(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) defineUnits(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req UnitsInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.DefineUnits(r.Context(), id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

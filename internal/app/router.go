package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/catalogsync"
	"github.com/gastronom/gastronom/internal/inventory"
	"github.com/gastronom/gastronom/internal/observability"
	"github.com/gastronom/gastronom/internal/orders"
	"github.com/gastronom/gastronom/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error

	CatalogHandler   *catalog.Handler
	InventoryHandler *inventory.Handler
	OrdersHandler    *orders.Handler
	SyncHandler      *catalogsync.Handler
	JobHandler       *jobs.Handler
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if params.Ready != nil {
			if err := params.Ready(r.Context()); err != nil {
				params.Logger.Warn("readiness check failed", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if params.CatalogHandler != nil {
			params.CatalogHandler.MountRoutes(r)
		}
		if params.InventoryHandler != nil {
			params.InventoryHandler.MountRoutes(r)
		}
		if params.OrdersHandler != nil {
			params.OrdersHandler.MountRoutes(r)
		}

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireStaff)
			if params.CatalogHandler != nil {
				params.CatalogHandler.MountAdminRoutes(r)
			}
			if params.InventoryHandler != nil {
				params.InventoryHandler.MountAdminRoutes(r)
			}
			if params.OrdersHandler != nil {
				params.OrdersHandler.MountAdminRoutes(r)
			}
			if params.SyncHandler != nil {
				r.Route("/sync", params.SyncHandler.MountRoutes)
			}
			if params.JobHandler != nil {
				r.Route("/jobs", params.JobHandler.MountRoutes)
			}
		})
	})

	return r
}

package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arbor-portal/arbor-portal/internal/billing"
	"github.com/arbor-portal/arbor-portal/internal/observability"
	"github.com/arbor-portal/arbor-portal/internal/periods"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	BillingHandler *billing.Handler
	PeriodsHandler *periods.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Arbor defaults.
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

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/billing", func(r chi.Router) {
		params.BillingHandler.MountRoutes(r)
	})
	r.Route("/periods", func(r chi.Router) {
		params.PeriodsHandler.MountRoutes(r)
	})

	return r
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

type RouterConfig struct {
	Service *appointment.Service
	Health  *HealthHandler
	Logger  zerolog.Logger
	// Retries bounds attempts for commands sent without If-Match.
	Retries int
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	health := cfg.Health
	if health == nil {
		health = NewHealthHandler(nil, "", "")
	}
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := &appointmentHandlers{svc: cfg.Service, retries: cfg.Retries, logger: cfg.Logger}

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.book)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/reschedule", h.reschedule)
		r.Post("/{id}/complete", h.complete)
		r.Post("/{id}/cancel", h.cancel)
	})
	r.Get("/doctors/{id}/conflicts", h.conflicts)

	return r
}

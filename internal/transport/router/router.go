package router

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trunov/mp3hub/internal/transport/handler"
)

func NewRouter(h *handler.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.Authenticate)
		r.Post("/upload", h.Upload)
		r.Get("/download", h.Download)
	})

	return r
}

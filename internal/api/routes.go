package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	r.Get("/status", s.HandleStatus)

	r.Route("/beacons", func(r chi.Router) {
		r.Get("/", s.HandleListBeacons)
		r.Get("/stored", s.HandleListStoredBeacons)
	})

	r.Get("/events", s.HandleListEvents)
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

// Package api serves the read-only status and metrics endpoints.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/poc-gateway/internal/config"
	"github.com/lorawan-server/poc-gateway/internal/models"
	"github.com/lorawan-server/poc-gateway/internal/region"
	"github.com/lorawan-server/poc-gateway/internal/router"
	"github.com/lorawan-server/poc-gateway/internal/signer"
	"github.com/lorawan-server/poc-gateway/internal/storage"
)

// Session reports router session state
type Session interface {
	Status() router.State
	LastActivity() time.Time
	Queued() int
}

// Link reports concentrator link state
type Link interface {
	Health() models.LinkHealth
	ActiveGateway() string
}

// Regions reports the active plan
type Regions interface {
	Current() *region.Plan
	Pinned() bool
}

// Filter reports the active device filter
type Filter interface {
	Generation() uint64
}

// Beacons reports the beacon history
type Beacons interface {
	History() []models.BeaconRecord
	SignerDegraded() bool
}

// Engine reports the last link status
type Engine interface {
	Status() models.StatusReport
}

// Deps are the read-only views the API renders. Beacons and Store are
// optional.
type Deps struct {
	Identity signer.PublicKey
	Session  Session
	Link     Link
	Regions  Regions
	Filter   Filter
	Engine   Engine
	Beacons  Beacons
	Store    storage.Store
}

// RESTServer represents the REST API server
type RESTServer struct {
	deps    Deps
	log     zerolog.Logger
	router  chi.Router
	server  *http.Server
	started time.Time
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg config.APIConfig, deps Deps) *RESTServer {
	s := &RESTServer{
		deps:    deps,
		log:     log.With().Str("module", "api").Logger(),
		router:  chi.NewRouter(),
		started: time.Now(),
	}

	s.setupRoutes(cfg.AllowedOrigins)

	s.server = &http.Server{
		Addr:         cfg.Bind,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes(origins []string) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Handle("/metrics", metricsHandler())
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the root handler
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully. A listen
// failure is returned immediately.
func (s *RESTServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *RESTServer) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("status api listening")
		errc <- s.server.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogger logs requests through zerolog
func (s *RESTServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

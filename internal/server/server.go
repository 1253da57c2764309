package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/voyagen/tvguide/internal/cache"
	"github.com/voyagen/tvguide/internal/config"
	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/store"
)

// Deps are the handles the HTTP API serves from. Redis and Worker may be
// nil; the sync endpoints then report 503.
type Deps struct {
	Store   store.Store
	Catalog store.Catalog
	Redis   *cache.Redis
	Worker  *Worker
	Config  *config.Config
}

// Server holds dependencies for the HTTP API.
type Server struct {
	deps   Deps
	router *chi.Mux
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Server and registers routes.
func New(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		logger: tvlog.WithComponent("api"),
		now:    time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(withCORS)
	r.Use(s.withLogging)

	r.Get("/api/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/docs", handleSwaggerUI)
	r.Get("/api/docs/openapi.yaml", handleOpenAPISpec)

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(120, time.Minute))

		r.Get("/api/sync/last", s.handleLastSync)

		r.Get("/api/channels", s.handleListChannels)
		r.Get("/api/channels/{stationId}", s.handleGetChannel)
		r.Patch("/api/channels/{stationId}", s.handleUpdateChannel)
		r.Get("/api/channels/{stationId}/schedule", s.handleSchedule)

		r.Get("/api/programs/{programId}", s.handleGetProgram)
	})

	// Triggering a pass is expensive; it gets its own tighter budget.
	r.With(rateLimit(10, time.Minute)).Post("/api/sync", s.handleTriggerSync)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.deps.Config.ServerPort
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	s.logger.Info().Str(tvlog.FieldEvent, "api.listen").Str("addr", addr).Msg("listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

// rateLimit limits requests per client IP with a sliding window.
func rateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeErr(w, http.StatusTooManyRequests, errors.New("too many requests, try again later"))
		}),
	)
}

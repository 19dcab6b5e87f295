// Package web serves the dashboard page and read-only JSON API over persisted visitor history.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/LdDl/mot-visitors/storage"
	"github.com/LdDl/mot-visitors/visitors"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// HistoryReader is the query side of the visitor store
type HistoryReader interface {
	Stats(ctx context.Context) (visitors.Stats, error)
	RecentEvents(ctx context.Context, limit int) ([]storage.EventRecord, error)
	Visitor(ctx context.Context, identity string) (storage.Visitor, error)
	VisitorEvents(ctx context.Context, identity string) ([]storage.EventRecord, error)
}

// LiveCounter reports identities currently in view, per stream
type LiveCounter func() map[string]int

// Server represents the web server
type Server struct {
	history    HistoryReader
	live       LiveCounter
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates a new web server. live may be nil when no stream is running
func NewServer(history HistoryReader, live LiveCounter, host string, port int) *Server {
	r := chi.NewRouter()
	s := &Server{
		history: history,
		live:    live,
		router:  r,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(30 * time.Second))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.health)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/events", s.recentEvents)
		r.Get("/visitors/{identity}", s.visitor)
		r.Get("/visitors/{identity}/events", s.visitorEvents)
	})
	s.router.Get("/*", s.serveDashboard)
}

// Start blocks serving requests until Shutdown
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("Starting web server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "failed to start server")
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutting down server")
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(started)).
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Msg("Request")
	})
}

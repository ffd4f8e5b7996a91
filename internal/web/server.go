// Package web provides the HTTP server and JSON handlers for the scan
// archive service.
package web

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mindbrainbody/mbam/internal/config"
	"github.com/mindbrainbody/mbam/internal/scans"
	"github.com/mindbrainbody/mbam/internal/store"
	"github.com/mindbrainbody/mbam/internal/web/middleware"
)

// Store is the persistence surface the handlers read and write.
type Store interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, email string) (store.User, error)
	GetUser(ctx context.Context, id int64) (store.User, error)
	CreateExperiment(ctx context.Context, userID int64, date time.Time, scanner string) (store.Experiment, error)
	GetExperiment(ctx context.Context, id int64) (store.Experiment, error)
	GetScan(ctx context.Context, id int64) (store.Scan, error)
	ListScans(ctx context.Context, experimentID int64) ([]store.Scan, error)
	ListIncompleteScans(ctx context.Context, olderThan time.Duration) ([]store.Scan, error)
}

// Uploader runs the scan upload pipeline.
type Uploader interface {
	UploadScan(ctx context.Context, userID, experimentID int64, file io.Reader, fileName string) (*scans.UploadOutcome, error)
}

// Server is the HTTP server for the scan archive service.
type Server struct {
	scans  Uploader
	store  Store
	cfg    *config.Config
	router *chi.Mux
	server *http.Server
}

// NewServer creates a new Server instance.
func NewServer(scanService Uploader, st Store, cfg *config.Config) *Server {
	s := &Server{
		scans:  scanService,
		store:  st,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/users", s.handleCreateUser)
		r.Get("/users/{userID}", s.handleGetUser)
		r.Post("/users/{userID}/experiments", s.handleCreateExperiment)

		r.Get("/experiments/{experimentID}", s.handleGetExperiment)
		r.Get("/experiments/{experimentID}/scans", s.handleListScans)
		r.Post("/experiments/{experimentID}/scans", s.handleUploadScan)

		r.Get("/scans/incomplete", s.handleListIncompleteScans)
		r.Get("/scans/{scanID}", s.handleGetScan)
	})
}

// Start begins listening for HTTP requests on the configured address.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleHealth reports service and database health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

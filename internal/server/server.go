// Package server provides the HTTP API for Shoko.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/shoko/internal/config"
	"github.com/hyperjump/shoko/internal/coverage"
	"github.com/hyperjump/shoko/internal/ingest"
	"github.com/hyperjump/shoko/internal/retrieval"
	"github.com/hyperjump/shoko/internal/unitstore"
	"github.com/hyperjump/shoko/internal/vector"
)

// Server is the HTTP server for the Shoko API.
type Server struct {
	pipeline *ingest.Pipeline
	engine   *retrieval.Engine
	store    *unitstore.Store
	ledger   *coverage.Ledger
	vectors  vector.Index // nil when semantic indexing is disabled
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(
	pipeline *ingest.Pipeline,
	engine *retrieval.Engine,
	store *unitstore.Store,
	ledger *coverage.Ledger,
	vectors vector.Index,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		pipeline: pipeline,
		engine:   engine,
		store:    store,
		ledger:   ledger,
		vectors:  vectors,
		config:   cfg,
		logger:   logger,
	}
}

// Router builds the API router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/documents", s.handleIngest)
	r.Get("/api/v1/documents", s.handleListDocuments)
	r.Get("/api/v1/documents/{docID}", s.handleGetDocument)
	r.Post("/api/v1/documents/{docID}/resume", s.handleResume)
	r.Post("/api/v1/documents/{docID}/embeddings", s.handleEmbeddings)
	r.Post("/api/v1/documents/{docID}/retrieve", s.handleRetrieve)
	r.Get("/api/v1/documents/{docID}/outline", s.handleOutline)
	r.Get("/api/v1/documents/{docID}/coverage", s.handleCoverage)
	r.Get("/api/v1/documents/{docID}/pages/{pageNo}/units", s.handleUnitsByPage)
	r.Get("/api/v1/units/{unitID}", s.handleGetUnit)
	r.Get("/api/v1/units/{unitID}/coverage", s.handleUnitCoverage)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

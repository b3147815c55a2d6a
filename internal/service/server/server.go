package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vertextoedge/media-cache/internal/domain"
	"github.com/vertextoedge/media-cache/internal/port"
)

// Config contains HTTP server configuration
type Config struct {
	BindAddr     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		BindAddr:    "127.0.0.1:8787",
		ReadTimeout: 30 * time.Second,
		// Batches and large files can take longer than any fixed limit
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

// Index is the part of the database the API reports on
type Index interface {
	Ping() error
	GetJobStats() (*domain.JobStats, error)
}

// BatchRunner downloads a user selection
type BatchRunner interface {
	DownloadBatch(ctx context.Context, req *domain.BatchRequest) *domain.BatchResult
}

// Server represents the local HTTP API server
type Server struct {
	config *Config
	index  Index
	logger *zap.Logger
	server *http.Server

	// Requests run under baseCtx so Stop can abort running batches
	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	entryHandler *EntryHandler
	cacheHandler *CacheHandler
	batchHandler *BatchHandler
}

// New creates a new HTTP server. Every request context derives from ctx, so
// canceling ctx aborts the downloads started through the API.
func New(ctx context.Context, cfg *Config, cache port.CacheStore, guard port.SpaceGuard, batches BatchRunner, index Index, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config: cfg,
		index:  index,
		logger: logger,
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	s.entryHandler = NewEntryHandler(cache, logger)
	s.cacheHandler = NewCacheHandler(cache, guard, index, logger)
	s.batchHandler = NewBatchHandler(batches, logger)

	r := chi.NewRouter()
	r.Use(s.trackInflight)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(logger))

	// Health check
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/entries", s.entryHandler.HandleList)
		r.Get("/entries/{id}", s.entryHandler.HandleGet)
		r.Head("/entries/{id}", s.entryHandler.HandleHas)
		r.Get("/entries/{id}/file", s.entryHandler.HandleFile)

		r.Get("/stats", s.cacheHandler.HandleStats)
		r.Delete("/cache", s.cacheHandler.HandleClear)

		r.Post("/batch", s.batchHandler.HandleBatch)
	})

	r.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return s.baseCtx
		},
	}

	return s
}

// trackInflight counts running handlers so Stop can wait for them
func (s *Server) trackInflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.inflight.Add(1)
		defer s.inflight.Done()
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Stop is called
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting HTTP server", zap.String("addr", l.Addr().String()))
	if err := s.server.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop cancels running requests, shuts the server down and waits until every
// handler has returned. Once Stop returns no handler touches the cache.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	s.cancel()
	err := s.server.Shutdown(ctx)
	s.inflight.Wait()
	return err
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.index.Ping(); err != nil {
		s.logger.Error("health check failed", zap.Error(err))
		http.Error(w, "Database connection failed", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy","time":"` + time.Now().Format(time.RFC3339) + `"}`))
}

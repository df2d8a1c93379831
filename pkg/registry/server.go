package registry

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"swarmshare/pkg/advisory"
	"swarmshare/pkg/metrics"
)

// Server bundles the registry core, the signaling hub and the HTTP surface.
type Server struct {
	Registry *Registry
	Hub      *Hub

	logger *zap.Logger
	http   *http.Server
}

// NewServer wires a registry with its hub, metrics and side channel. The
// prometheus registerer may be nil to use the default one.
func NewServer(addr string, opts Options, advisories advisory.Sender, reg prometheus.Registerer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := metrics.NewRegistryMetrics(reg)
	hub := NewHub(logger.Named("hub"), m)
	registry := New(logger.Named("registry"), opts, hub, advisories, m)

	s := &Server{
		Registry: registry,
		Hub:      hub,
		logger:   logger,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1/files/{fileID}", func(fr chi.Router) {
		fr.Post("/announce", s.handleAnnounce)
		fr.Get("/", s.handleGetFileInfo)
		fr.Post("/share", s.handleUpdateShare)
	})
	r.Get("/v1/signal", s.Hub.ServeHTTP)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start runs the hub, the janitor and the HTTP listener. It blocks until the
// listener stops.
func (s *Server) Start() error {
	go s.Hub.Run()
	s.Registry.Start()

	s.logger.Info("Registry server listening", zap.String("address", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.Registry.Stop()
	s.Hub.Stop()
	return err
}

// Handler exposes the routed handler for tests running under httptest.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

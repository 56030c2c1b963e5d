// Package api exposes the scan service over HTTP: scan control, results, Prometheus
// metrics and a per-site Server-Sent Events stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/alvmarrod/outbound-weaver/internal/events"
	"github.com/alvmarrod/outbound-weaver/internal/scan"
	"github.com/alvmarrod/outbound-weaver/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// ScanService is the part of scan.Service the API drives
type ScanService interface {
	Start(ctx context.Context, req scan.Request, sink events.Sink) (*storage.Checkpoint, error)
	Get(ctx context.Context, site string) (*storage.Checkpoint, error)
	List(ctx context.Context) ([]*storage.Checkpoint, error)
	Interrupt(ctx context.Context, site string) error
	Delete(ctx context.Context, site string) error
	Running(site string) bool
	Scheduled(site string) (time.Time, bool)
}

// ResultReader reads persisted liveness results
type ResultReader interface {
	ListResults(ctx context.Context, site, status string) ([]storage.Result, error)
	SummarizeResults(ctx context.Context, site string) (*storage.Summary, error)
}

// Deps holds what the handlers need
type Deps struct {
	Scans     ScanService
	Results   ResultReader
	Hub       *Hub
	Gatherer  prometheus.Gatherer
	StartTime time.Time
	// Heartbeat is the event stream keep-alive interval
	Heartbeat time.Duration
}

// Server wraps the HTTP server and its dependencies
type Server struct {
	http *http.Server
}

// New builds the HTTP server (router, middlewares, routes)
func New(addr string, d Deps) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(d),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}
}

// NewRouter returns the routing tree
func NewRouter(d Deps) http.Handler {
	if d.Hub == nil {
		d.Hub = NewHub(0)
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.StartTime.IsZero() {
		d.StartTime = time.Now()
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 15 * time.Second
	}
	h := &handlers{d: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/scans", func(r chi.Router) {
		r.Post("/", h.startScan)
		r.Get("/", h.listScans)

		r.Route("/{site}", func(r chi.Router) {
			r.Get("/", h.getScan)
			r.Delete("/", h.deleteScan)
			r.Post("/interrupt", h.interruptScan)
			r.Get("/results", h.listResults)
			r.Get("/results.xlsx", h.exportResults)
			r.Get("/summary", h.summary)
			r.Get("/events", h.stream)
		})
	})

	return r
}

// Start runs the HTTP server (blocks until error or shutdown)
func (s *Server) Start() error {
	logrus.Infof("HTTP server listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	// http.ErrServerClosed is expected on graceful shutdown
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server with the provided context deadline
func (s *Server) Stop(ctx context.Context) error {
	logrus.Info("HTTP server shutting down...")
	return s.http.Shutdown(ctx)
}

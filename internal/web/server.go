// Package web serves a read-only JSON view of pipeline runs, a live event
// stream, and Prometheus metrics.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/db"
	"github.com/lucasnoah/specfactory/internal/events"
	"github.com/lucasnoah/specfactory/internal/orchestrator"
)

// StatusSource reports run status. *orchestrator.Orchestrator implements it.
type StatusSource interface {
	Status(specID string) (*orchestrator.StatusInfo, error)
	StatusAll() ([]orchestrator.StatusInfo, error)
}

// Subscriber hands out event subscriptions. *orchestrator.Orchestrator implements it.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Server is the read-only HTTP server.
type Server struct {
	status StatusSource
	events Subscriber
	db     *db.DB
	logger *zap.Logger

	// heartbeat is how often an idle event stream sends a comment line.
	heartbeat time.Duration
}

// NewServer creates a Server. database and sub may be nil; the endpoints
// that need them then answer 503.
func NewServer(status StatusSource, sub Subscriber, database *db.DB, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		status:    status,
		events:    sub,
		db:        database,
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatusAll)
	mux.HandleFunc("GET /status/{spec}", s.handleStatus)
	mux.HandleFunc("GET /status/{spec}/events", s.handleHistory)
	mux.HandleFunc("GET /activity", s.handleActivity)
	mux.HandleFunc("GET /analytics", s.handleAnalytics)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Requests end with ctx so open event streams do not hold up shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

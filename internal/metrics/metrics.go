// Package metrics exposes the daemon's Prometheus collectors and the
// scrape listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuskersd_sessions_opened_total",
		Help: "Chat sessions opened since daemon start.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuskersd_sessions_active",
		Help: "Chat sessions currently open.",
	})
	MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuskersd_messages_ingested_total",
		Help: "Messages folded into session sets from pages and tails.",
	})
	StatusWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tuskersd_status_writes_total",
		Help: "Successful status-advance writes by target status.",
	}, []string{"status"})
	WriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuskersd_write_failures_total",
		Help: "Failed fire-and-forget status writes.",
	})
)

// Server serves /metrics on its own listener.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds the scrape listener bound to addr.
func NewServer(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("metrics listener starting", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

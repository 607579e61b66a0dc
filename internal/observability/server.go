// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/pkg/errutil"
)

// ReadinessChecker reports why the service cannot serve, or nil when it can.
type ReadinessChecker func(ctx context.Context) error

// readinessTimeout bounds a single readiness probe.
const readinessTimeout = 2 * time.Second

// Metrics contains process-level metrics owned by the server binary.
// Credential flow metrics are registered by the auth package itself.
type Metrics struct {
	CleanupRuns     *prometheus.CounterVec
	ReadinessChecks *prometheus.CounterVec
	BuildInfo       *prometheus.GaugeVec
}

// NewMetrics creates and registers the server metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CleanupRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_cleanup_runs_total",
				Help: "Total number of cleanup sweeps by status",
			},
			[]string{"status"},
		),
		ReadinessChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_readiness_checks_total",
				Help: "Total number of readiness probes by result",
			},
			[]string{"result"},
		),
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gatehouse_build_info",
				Help: "Build information, value is always 1",
			},
			[]string{"version", "store"},
		),
	}

	reg.MustRegister(m.CleanupRuns, m.ReadinessChecks, m.BuildInfo)
	return m
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	gatherer   prometheus.Gatherer
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100").
// The metrics endpoint serves the server's own registry merged with the
// default Prometheus gatherer, which carries the Go, process and auth metrics.
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	registry := prometheus.NewRegistry()

	return &Server{
		addr:     addr,
		registry: registry,
		gatherer: prometheus.Gatherers{prometheus.DefaultGatherer, registry},
		metrics:  NewMetrics(registry),
		isReady:  readinessChecker,
	}
}

// Metrics returns the server metrics for recording process events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP handler serving metrics and health probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// Kubernetes-style health probes
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)
	return mux
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP server
// after it starts. The channel is closed when the server stops gracefully.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Code("OBSERVABILITY_RUNNING").Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("OBSERVABILITY_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errutil.LogError(slog.Default(), "observability server error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 when the readiness checker passes and 503
// otherwise. The failure reason is logged, not returned to the prober.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	var err error
	if s.isReady != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		err = s.isReady(ctx)
		cancel()
	}

	if err == nil {
		s.metrics.ReadinessChecks.WithLabelValues("ready").Inc()
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	s.metrics.ReadinessChecks.WithLabelValues("not_ready").Inc()
	errutil.LogErrorContext(r.Context(), slog.Default(), "readiness check failed", err)
	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}

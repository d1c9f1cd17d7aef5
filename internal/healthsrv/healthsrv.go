// Package healthsrv serves an opt-in /healthz and /metrics endpoint
// alongside a run, for operators embedding the driver in a longer-lived
// process (e.g. a CI job polling readiness) rather than a one-shot CLI
// invocation.
//
// Grounded on extensions/healthcheck/extension.go (http.Server
// lifecycle, JSON health payload) and internal/health/
// checker.go (component health aggregation shape), trimmed from a
// multi-pipeline collector status down to the handful of facts this
// driver actually has to report: whether it's still running, how long
// it has been, and how many permutations it has completed.
package healthsrv

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dbintel/isotest/internal/metrics"
)

// Status is the JSON body served at /healthz.
type Status struct {
	Healthy              bool      `json:"healthy"`
	StartedAt            time.Time `json:"started_at"`
	UptimeSeconds        float64   `json:"uptime_seconds"`
	PermutationsComplete int64     `json:"permutations_complete"`
}

// Server runs the health/metrics HTTP endpoints for the lifetime of a
// driver run.
type Server struct {
	logger    *zap.Logger
	startedAt time.Time
	completed atomic.Int64

	mu      sync.Mutex
	healthy bool

	httpServer *http.Server
}

// New builds a Server bound to addr, wiring /metrics to reg if non-nil.
func New(addr string, reg *metrics.Registry, logger *zap.Logger) *Server {
	s := &Server{
		logger:    logger,
		startedAt: time.Now(),
		healthy:   true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background. Listen errors after startup
// (e.g. the port going away) are logged, not returned, since they
// should never abort an in-progress test run.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("health server stopped unexpectedly", zap.Error(err))
		}
	}()

	s.logger.Info("health server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops the server, giving in-flight requests a short grace
// period.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// RecordPermutationComplete increments the count reported at /healthz.
func (s *Server) RecordPermutationComplete() {
	s.completed.Add(1)
}

// SetUnhealthy marks the server unhealthy, e.g. once a fatal driver
// error has occurred and the process is about to exit.
func (s *Server) SetUnhealthy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = false
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	healthy := s.healthy
	s.mu.Unlock()

	status := Status{
		Healthy:              healthy,
		StartedAt:            s.startedAt,
		UptimeSeconds:        time.Since(s.startedAt).Seconds(),
		PermutationsComplete: s.completed.Load(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

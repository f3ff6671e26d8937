// Package metrics exposes Prometheus metrics for pipeline runs and an optional
// HTTP server that serves them alongside a health endpoint.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/config"
	"github.com/johnayoung/go-tvl-correlator/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tvlcorr"

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal      *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	PagesFetched   prometheus.Counter
	CandlesFetched prometheus.Counter
	TvlPoints      prometheus.Counter
	RecordsDropped *prometheus.CounterVec
	MergedRows     prometheus.Gauge
	CacheRequests  *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by final stage",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		PagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "pages_fetched_total",
			Help:      "Candle pages requested from the exchange",
		}),
		CandlesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "candles_fetched_total",
			Help:      "Candles received after de-duplication",
		}),
		TvlPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "tvl_points_total",
			Help:      "TVL chart points extracted from scraped pages",
		}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "records_dropped_total",
			Help:      "Records skipped because they failed to parse",
		}, []string{"source"}),
		MergedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "rows",
			Help:      "Rows in the most recently merged table",
		}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.StageDuration,
		m.PagesFetched,
		m.CandlesFetched,
		m.TvlPoints,
		m.RecordsDropped,
		m.MergedRows,
		m.CacheRequests,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObservePage() {
	if m == nil {
		return
	}
	m.PagesFetched.Inc()
}

func (m *Metrics) ObserveCandles(n int) {
	if m == nil {
		return
	}
	m.CandlesFetched.Add(float64(n))
}

func (m *Metrics) ObserveTvlPoints(n int) {
	if m == nil {
		return
	}
	m.TvlPoints.Add(float64(n))
}

func (m *Metrics) ObserveDropped(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsDropped.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) ObserveMerged(rows int) {
	if m == nil {
		return
	}
	m.MergedRows.Set(float64(rows))
}

// ObserveCache records a cache hit or miss.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

// Server serves /metrics and /health while a long-running command is active.
type Server struct {
	config    config.MetricsConfig
	metrics   *Metrics
	logger    *logger.ComponentLogger
	server    *http.Server
	listener  net.Listener
	startTime time.Time
}

// NewServer creates a metrics server for the given metrics.
func NewServer(cfg config.MetricsConfig, m *Metrics, loggerMgr *logger.LoggerManager) *Server {
	return &Server{
		config:  cfg,
		metrics: m,
		logger:  loggerMgr.GetComponentLogger("metrics"),
	}
}

// Start binds the listener and serves in the background. It is a no-op when
// metrics are disabled.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Debug("metrics server disabled")
		return nil
	}

	path := s.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, s.metrics.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to start metrics HTTP server: %w", err)
	}

	s.listener = ln
	s.startTime = time.Now()
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		s.logger.Info("metrics HTTP server starting", "addr", ln.Addr().String(), "path", path)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics HTTP server failed", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or an empty string before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error shutting down metrics server", "error", err)
		return err
	}
	s.logger.Info("metrics server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
	})
}

package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/config"
	"github.com/johnayoung/go-tvl-correlator/internal/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.ObserveRun("done")
	m.ObserveRun("done")
	m.ObserveRun("failed")
	m.ObservePage()
	m.ObserveCandles(42)
	m.ObserveTvlPoints(7)
	m.ObserveDropped("tvl", 2)
	m.ObserveDropped("tvl", 0)
	m.ObserveMerged(5)
	m.ObserveCache(true)
	m.ObserveCache(false)
	m.ObserveCache(false)
	m.ObserveStage("merge", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PagesFetched))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.CandlesFetched))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.TvlPoints))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsDropped.WithLabelValues("tvl")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.MergedRows))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun("done")
		m.ObservePage()
		m.ObserveCandles(1)
		m.ObserveCache(true)
		m.ObserveStage("merge", time.Second)
	})
}

func TestHandlerServesPrometheusText(t *testing.T) {
	m := NewMetrics()
	m.ObserveRun("done")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tvlcorr_pipeline_runs_total{outcome="done"} 1`)
}

func TestServerLifecycle(t *testing.T) {
	lm := logger.NewLoggerManagerWithWriter(config.LoggingConfig{Level: "error"}, io.Discard)

	t.Run("disabled server does nothing", func(t *testing.T) {
		s := NewServer(config.MetricsConfig{Enabled: false}, NewMetrics(), lm)
		require.NoError(t, s.Start(context.Background()))
		assert.Empty(t, s.Addr())
		require.NoError(t, s.Stop(context.Background()))
	})

	t.Run("serves metrics and health", func(t *testing.T) {
		m := NewMetrics()
		m.ObservePage()
		s := NewServer(config.MetricsConfig{Enabled: true, Port: 0, Path: "/metrics"}, m, lm)
		require.NoError(t, s.Start(context.Background()))
		defer s.Stop(context.Background())

		_, port, err := net.SplitHostPort(s.Addr())
		require.NoError(t, err)
		base := "http://127.0.0.1:" + port

		resp, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "tvlcorr_exchange_pages_fetched_total 1")

		resp, err = http.Get(base + "/health")
		require.NoError(t, err)
		body, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Contains(t, string(body), `"status":"healthy"`)
	})
}

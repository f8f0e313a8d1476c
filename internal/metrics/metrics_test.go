package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeCounters(t *testing.T) {
	m, err := New("test")
	require.NoError(t, err)

	m.ProbeStarted("port")
	m.ProbeStarted("port")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.probesInFlight.WithLabelValues("port")))

	m.ProbeFinished("port", "success", 10*time.Millisecond)
	m.ProbeFinished("port", "negative", 20*time.Millisecond)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.probesInFlight.WithLabelValues("port")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probesTotal.WithLabelValues("port", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probesTotal.WithLabelValues("port", "negative")))
}

func TestFindingAndToolCounters(t *testing.T) {
	m, err := New("")
	require.NoError(t, err)

	m.FindingAdded("vulnerability", "high")
	m.FindingAdded("vulnerability", "high")
	m.ToolInvoked("nuclei", "unavailable")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.findingsTotal.WithLabelValues("vulnerability", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolRunsTotal.WithLabelValues("nuclei", "unavailable")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ProbeStarted("dns")
		m.ProbeFinished("dns", "success", time.Millisecond)
		m.FindingAdded("asset", "info")
		m.ToolInvoked("wpscan", "ok")
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m, err := New("tarantula")
	require.NoError(t, err)
	m.FindingAdded("asset", "info")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tarantula_findings_total")
}

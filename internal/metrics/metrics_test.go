package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New()
	v, pv := 52.5, 900.0
	m.ObserveInverter(&v, &pv)
	m.ObserveInverter(nil, nil)
	m.TelemetryFetch("primary", true)
	m.TelemetryFetch("primary", false)
	m.TelemetryFetch("primary", false)
	m.ObserveDevice("pump", true, 12.5)
	m.PumpSpeed("pump", 35)
	m.Actuation("pump", "speed", true)
	m.ActuationAlert("relay")

	assert.Equal(t, 52.5, testutil.ToFloat64(m.batteryVoltage), "nil values keep the last reading")
	assert.Equal(t, 900.0, testutil.ToFloat64(m.pvPower))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.telemetryFetches.WithLabelValues("primary", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deviceOn.WithLabelValues("pump")))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.deviceEnergy.WithLabelValues("pump")))
	assert.Equal(t, 35.0, testutil.ToFloat64(m.pumpSpeed.WithLabelValues("pump")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actuations.WithLabelValues("pump", "speed", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actuationAlerts.WithLabelValues("relay")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TelemetryFetch("fallback", true)
		m.ObserveDevice("x", false, 0)
		m.Actuation("x", "on", false)
		m.ActuationAlert("x")
		m.PumpSpeed("x", 1)
		m.ObserveInverter(nil, nil)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ActuationAlert("relay")
	wrapped := m.WrapHandler("metrics", m.Handler())

	srv := httptest.NewServer(wrapped)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `solar_actuation_alerts_total{device="relay"} 1`)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("metrics", "200")))
}

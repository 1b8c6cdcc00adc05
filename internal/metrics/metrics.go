// Package metrics exposes the controller's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on its own registry. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	batteryVoltage prometheus.Gauge
	pvPower        prometheus.Gauge
	deviceOn       *prometheus.GaugeVec
	deviceEnergy   *prometheus.GaugeVec
	pumpSpeed      *prometheus.GaugeVec

	telemetryFetches *prometheus.CounterVec
	actuations       *prometheus.CounterVec
	actuationAlerts  *prometheus.CounterVec

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		batteryVoltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "solar_battery_voltage_volts",
			Help: "Last reported battery voltage.",
		}),
		pvPower: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "solar_pv_power_watts",
			Help: "Last reported total PV power.",
		}),
		deviceOn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solar_device_on",
			Help: "Device on (1) or off (0).",
		}, []string{"device"}),
		deviceEnergy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solar_device_energy_wh",
			Help: "Energy used by the device today.",
		}, []string{"device"}),
		pumpSpeed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solar_pump_speed",
			Help: "Current pump speed in percent.",
		}, []string{"device"}),
		telemetryFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solar_telemetry_fetch_total",
			Help: "Telemetry fetches by source and result.",
		}, []string{"source", "result"}),
		actuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solar_actuations_total",
			Help: "Commands sent to the device gateway by device, action and result.",
		}, []string{"device", "action", "result"}),
		actuationAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solar_actuation_alerts_total",
			Help: "Times a device reached the consecutive failure threshold.",
		}, []string{"device"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solar_http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "solar_http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.batteryVoltage,
		m.pvPower,
		m.deviceOn,
		m.deviceEnergy,
		m.pumpSpeed,
		m.telemetryFetches,
		m.actuations,
		m.actuationAlerts,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and their latency under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// ObserveInverter records the battery voltage and PV power when present.
func (m *Metrics) ObserveInverter(batteryVoltage, pvPower *float64) {
	if m == nil {
		return
	}
	if batteryVoltage != nil {
		m.batteryVoltage.Set(*batteryVoltage)
	}
	if pvPower != nil {
		m.pvPower.Set(*pvPower)
	}
}

func (m *Metrics) TelemetryFetch(source string, ok bool) {
	if m == nil {
		return
	}
	m.telemetryFetches.WithLabelValues(source, result(ok)).Inc()
}

// ObserveDevice records the on state and today's energy of a device.
func (m *Metrics) ObserveDevice(id string, on bool, energyWh float64) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.deviceOn.WithLabelValues(id).Set(v)
	m.deviceEnergy.WithLabelValues(id).Set(energyWh)
}

func (m *Metrics) PumpSpeed(id string, speed int) {
	if m == nil {
		return
	}
	m.pumpSpeed.WithLabelValues(id).Set(float64(speed))
}

func (m *Metrics) Actuation(id, action string, ok bool) {
	if m == nil {
		return
	}
	m.actuations.WithLabelValues(id, action, result(ok)).Inc()
}

func (m *Metrics) ActuationAlert(id string) {
	if m == nil {
		return
	}
	m.actuationAlerts.WithLabelValues(id).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

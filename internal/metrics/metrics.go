// Package metrics exposes sync engine readings and cycle outcomes to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensesync/internal/reconcile"
	"sensesync/internal/sense"
)

// Metrics holds the gauges and counters updated by the scheduler after each cycle.
type Metrics struct {
	registry *prometheus.Registry

	activePowerW       prometheus.Gauge
	solarPowerW        prometheus.Gauge
	dailyUsageKWh      prometheus.Gauge
	dailyProductionKWh prometheus.Gauge
	lastSuccess        prometheus.Gauge
	authenticated      prometheus.Gauge
	devicePowerW       *prometheus.GaugeVec
	cycles             *prometheus.CounterVec
	stepFailures       *prometheus.CounterVec
	changes            *prometheus.CounterVec
}

// New creates the metrics on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activePowerW: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensesync_active_power_w",
			Help: "Whole-home active power in watts",
		}),
		solarPowerW: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensesync_solar_power_w",
			Help: "Active solar production in watts",
		}),
		dailyUsageKWh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensesync_daily_usage_kwh",
			Help: "Consumption so far today (kWh)",
		}),
		dailyProductionKWh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensesync_daily_production_kwh",
			Help: "Solar production so far today (kWh)",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensesync_last_success_timestamp_seconds",
			Help: "Last fully successful cycle timestamp (epoch seconds)",
		}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensesync_authenticated",
			Help: "1 if a session token is held",
		}),
		devicePowerW: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensesync_device_power_w",
			Help: "Per-device power in watts for enabled records",
		}, []string{"remote_id", "name"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensesync_cycles_total",
			Help: "Polling cycles by result",
		}, []string{"result"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensesync_step_failures_total",
			Help: "Failed cycle steps by step name",
		}, []string{"step"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensesync_reconcile_changes_total",
			Help: "Record changes applied by reconciliation",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.activePowerW,
		m.solarPowerW,
		m.dailyUsageKWh,
		m.dailyProductionKWh,
		m.lastSuccess,
		m.authenticated,
		m.devicePowerW,
		m.cycles,
		m.stepFailures,
		m.changes,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSnapshot records the aggregate readings of a fresh snapshot
func (m *Metrics) ObserveSnapshot(snap *sense.RealtimeSnapshot) {
	if snap == nil {
		return
	}
	m.activePowerW.Set(snap.ActiveWatts)
	if snap.HasSolar {
		m.solarPowerW.Set(snap.SolarWatts)
	}
}

// ObserveTrends records today's totals
func (m *Metrics) ObserveTrends(usage, production float64) {
	m.dailyUsageKWh.Set(usage)
	m.dailyProductionKWh.Set(production)
}

// ObserveRecords replaces the per-device series with the enabled records
func (m *Metrics) ObserveRecords(records []reconcile.Record) {
	m.devicePowerW.Reset()
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		m.devicePowerW.WithLabelValues(rec.RemoteID, rec.DisplayName).Set(float64(rec.PowerWatts))
	}
}

// ObserveReport adds a reconciliation report to the change counters
func (m *Metrics) ObserveReport(report reconcile.Report) {
	m.changes.WithLabelValues("created").Add(float64(report.Created))
	m.changes.WithLabelValues("renamed").Add(float64(report.Renamed))
	m.changes.WithLabelValues("enabled").Add(float64(report.Enabled))
	m.changes.WithLabelValues("disabled").Add(float64(report.Disabled))
	m.changes.WithLabelValues("updated").Add(float64(report.Updated))
}

// SetAuthenticated records whether a session is held
func (m *Metrics) SetAuthenticated(ok bool) {
	if ok {
		m.authenticated.Set(1)
		return
	}
	m.authenticated.Set(0)
}

// StepFailed counts one failed cycle step
func (m *Metrics) StepFailed(step string) {
	m.stepFailures.WithLabelValues(step).Inc()
}

// CycleFinished counts a cycle and stamps the last success time when ok
func (m *Metrics) CycleFinished(ok bool, at time.Time) {
	if ok {
		m.cycles.WithLabelValues("ok").Inc()
		m.lastSuccess.Set(float64(at.Unix()))
		return
	}
	m.cycles.WithLabelValues("partial").Inc()
}

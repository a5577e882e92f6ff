// Package metrics exposes sweep and escalation counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
	"github.com/zyn1030z/SLA-service-sub000/pkg/service"
)

// Metrics implements service.Metrics on its own registry.
type Metrics struct {
	registry       *prometheus.Registry
	sweeps         prometheus.Counter
	sweepDuration  prometheus.Histogram
	sweepRecords   *prometheus.CounterVec
	escalations    *prometheus.CounterVec
	activeRecords  *prometheus.GaugeVec
	lastSweepStamp prometheus.Gauge
}

var _ service.Metrics = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slaguard_sweeps_total",
			Help: "Total number of completed sweeps",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slaguard_sweep_duration_seconds",
			Help:    "Wall time of one sweep",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		sweepRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slaguard_sweep_records_total",
			Help: "Records handled by sweeps, by outcome",
		}, []string{"outcome"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slaguard_escalations_total",
			Help: "Escalation attempts by action and result",
		}, []string{"action", "success"}),
		activeRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slaguard_active_records",
			Help: "Tracked records that are not completed, by status",
		}, []string{"status"}),
		lastSweepStamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slaguard_last_sweep_timestamp_seconds",
			Help: "Start time of the most recent sweep",
		}),
	}
	m.registry.MustRegister(
		m.sweeps, m.sweepDuration, m.sweepRecords, m.escalations, m.activeRecords, m.lastSweepStamp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveSweep(r service.SweepReport) {
	m.sweeps.Inc()
	m.sweepDuration.Observe(r.Duration.Seconds())
	m.sweepRecords.WithLabelValues("evaluated").Add(float64(r.Evaluated))
	m.sweepRecords.WithLabelValues("skipped").Add(float64(r.Skipped))
	m.sweepRecords.WithLabelValues("failed").Add(float64(r.Failed))
	m.lastSweepStamp.Set(float64(r.StartedAt.Unix()))
}

func (m *Metrics) ObserveEscalation(kind models.ActionKind, success bool) {
	action := string(kind)
	if action == "" {
		action = "none"
	}
	m.escalations.WithLabelValues(action, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) SetActiveRecords(waiting, violated int) {
	m.activeRecords.WithLabelValues(string(models.WaitingRecordStatus)).Set(float64(waiting))
	m.activeRecords.WithLabelValues(string(models.ViolatedRecordStatus)).Set(float64(violated))
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

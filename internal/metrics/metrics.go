// Package metrics exposes daemon state as Prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"greenbox/internal/eventbus"
	"greenbox/internal/sensor"
)

const namespace = "greenbox"

// Metrics owns a private registry so tests and multiple daemons in one
// process never collide on the default one.
type Metrics struct {
	reg *prometheus.Registry

	sensorValue      *prometheus.GaugeVec
	sensorReadErrors *prometheus.CounterVec
	alerts           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram

	taskRuns     *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	sweeps       prometheus.Counter
	sweepRan     prometheus.Gauge

	notifications *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		sensorValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_value",
			Help:      "Last successful reading per sensor kind",
		}, []string{"kind"}),
		sensorReadErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_read_errors_total",
			Help:      "Failed sensor reads",
		}, []string{"kind"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Threshold alerts raised",
		}, []string{"key"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one control cycle",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}),
		taskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Task executions by outcome",
		}, []string{"task", "result"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 30, 120},
		}, []string{"task"}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Scheduler sweeps performed",
		}),
		sweepRan: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_tasks_ran",
			Help:      "Tasks executed by the most recent sweep",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifier pipeline events by type",
		}, []string{"event"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// TaskFinished implements scheduler.Observer.
func (m *Metrics) TaskFinished(name string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.taskRuns.WithLabelValues(name, result).Inc()
	m.taskDuration.WithLabelValues(name).Observe(took.Seconds())
}

// SweepFinished implements scheduler.Observer.
func (m *Metrics) SweepFinished(ran int, _ time.Duration) {
	m.sweeps.Inc()
	m.sweepRan.Set(float64(ran))
}

// ObserveReading implements controller.Observer.
func (m *Metrics) ObserveReading(r sensor.Reading) {
	m.sensorValue.WithLabelValues(string(r.Kind)).Set(r.Value)
}

func (m *Metrics) ObserveReadError(kind sensor.Kind) {
	m.sensorReadErrors.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ObserveAlert(a eventbus.Alert) {
	m.alerts.WithLabelValues(a.Key).Inc()
}

func (m *Metrics) ObserveCycle(took time.Duration) {
	m.cycleDuration.Observe(took.Seconds())
}

// CountNotifierEvents counts bus events whose type starts with
// "notifier." until ctx is done.
func (m *Metrics) CountNotifierEvents(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if name, ok := strings.CutPrefix(ev.Type, "notifier."); ok && name != "" {
				m.notifications.WithLabelValues(name).Inc()
			}
		}
	}
}

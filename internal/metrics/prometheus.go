// Package metrics exposes the supervisor's Prometheus collectors: per-function
// worker/cooling gauges, sampled CPU percentages, autoscale decision counts,
// and sandbox lifecycle counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the supervisor's collectors.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	activeWorkers  *prometheus.GaugeVec // function -> active worker count
	coolingWorkers *prometheus.GaugeVec // function -> cooling worker count
	slotCPUPercent *prometheus.GaugeVec // slot -> last sampled cpu percent

	sandboxesCreated prometheus.Counter
	sandboxesStopped *prometheus.CounterVec // reason -> count
	sandboxesCrashed prometheus.Counter

	autoscaleDecisionsTotal *prometheus.CounterVec // function, decision -> count
	reaperKillsTotal        prometheus.Counter

	poolSize prometheus.Gauge
}

var promMetrics *PrometheusMetrics

// Init initializes the Prometheus metrics subsystem under namespace.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		activeWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Number of active (non-cooling) workers per function",
		}, []string{"function"}),

		coolingWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cooling_workers",
			Help:      "Number of workers in the cooling set per function",
		}, []string{"function"}),

		slotCPUPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_cpu_percent",
			Help:      "Last sampled CPU percent per slot",
		}, []string{"slot"}),

		sandboxesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandboxes_created_total",
			Help:      "Total sandboxes launched",
		}),

		sandboxesStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandboxes_stopped_total",
			Help:      "Total sandboxes stopped, by reason",
		}, []string{"reason"}),

		sandboxesCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandboxes_crashed_total",
			Help:      "Total sandboxes whose stats stream ended unexpectedly",
		}),

		autoscaleDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autoscale_decisions_total",
			Help:      "Autoscaler decisions, by function and decision kind",
		}, []string{"function", "decision"}),

		reaperKillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_kills_total",
			Help:      "Total cooling workers killed and replaced by the reaper",
		}),

		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Number of slots managed by the pool",
		}),
	}

	registry.MustRegister(
		pm.activeWorkers, pm.coolingWorkers, pm.slotCPUPercent,
		pm.sandboxesCreated, pm.sandboxesStopped, pm.sandboxesCrashed,
		pm.autoscaleDecisionsTotal, pm.reaperKillsTotal, pm.poolSize,
	)

	promMetrics = pm
}

// Handler returns the Prometheus exposition HTTP handler. It responds 503
// until Init has been called.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if promMetrics == nil {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
			return
		}
		promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// SetActiveWorkers records the active worker count for function.
func SetActiveWorkers(function string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeWorkers.WithLabelValues(function).Set(float64(n))
}

// SetCoolingWorkers records the cooling worker count for function.
func SetCoolingWorkers(function string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.coolingWorkers.WithLabelValues(function).Set(float64(n))
}

// SetSlotCPUPercent records the last sampled CPU percent for slot.
func SetSlotCPUPercent(slot string, pct float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.slotCPUPercent.WithLabelValues(slot).Set(pct)
}

// RecordSandboxCreated increments the sandbox-created counter.
func RecordSandboxCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.sandboxesCreated.Inc()
}

// RecordSandboxStopped increments the sandbox-stopped counter for reason.
func RecordSandboxStopped(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.sandboxesStopped.WithLabelValues(reason).Inc()
}

// RecordSandboxCrashed increments the sandbox-crashed counter.
func RecordSandboxCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.sandboxesCrashed.Inc()
}

// RecordAutoscaleDecision increments the autoscale-decision counter.
func RecordAutoscaleDecision(function, decision string) {
	if promMetrics == nil {
		return
	}
	promMetrics.autoscaleDecisionsTotal.WithLabelValues(function, decision).Inc()
}

// RecordReaperKill increments the reaper-kill counter.
func RecordReaperKill() {
	if promMetrics == nil {
		return
	}
	promMetrics.reaperKillsTotal.Inc()
}

// SetPoolSize records the number of slots managed by the pool.
func SetPoolSize(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolSize.Set(float64(n))
}

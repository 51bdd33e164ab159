// Package metrics exposes Prometheus metrics for fault scenarios.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scenario statuses reported by the status gauge.
var scenarioStatuses = []string{"idle", "running", "passed", "failed", "error"}

// PrometheusMetrics holds all Prometheus metrics for the harness.
type PrometheusMetrics struct {
	// Scenario and step outcomes
	ScenarioRuns   *prometheus.CounterVec
	ScenarioStatus *prometheus.GaugeVec
	StepTotal      *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec

	// Cluster view
	NodeUp         *prometheus.GaugeVec
	NodeHeight     *prometheus.GaugeVec
	SelectionPower *prometheus.GaugeVec

	// Backend commands
	BackendCommands *prometheus.CounterVec
	BackendLatency  *prometheus.HistogramVec

	// Probe transactions
	ProbeTotal   *prometheus.CounterVec
	ProbeLatency prometheus.Histogram
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		ScenarioRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "faultinj_scenario_runs_total",
				Help: "Completed scenario runs by scenario and verdict",
			},
			[]string{"scenario", "result"},
		),

		ScenarioStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "faultinj_scenario_status",
				Help: "Current scenario status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		StepTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "faultinj_steps_total",
				Help: "Scenario steps by name and outcome",
			},
			[]string{"step", "result"},
		),

		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "faultinj_step_duration_seconds",
				Help:    "Scenario step duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"step"},
		),

		NodeUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "faultinj_node_up",
				Help: "Last observed reachability of a node layer (1 up, 0 down)",
			},
			[]string{"node", "layer"},
		),

		NodeHeight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "faultinj_node_block_height",
				Help: "Last sampled execute-layer block height per node",
			},
			[]string{"node"},
		),

		SelectionPower: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "faultinj_selection_voting_power",
				Help: "Voting power of the last validator selection",
			},
			[]string{"kind"},
		),

		BackendCommands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "faultinj_backend_commands_total",
				Help: "Backend stop/start commands by operation and status",
			},
			[]string{"op", "status"},
		),

		BackendLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "faultinj_backend_command_duration_seconds",
				Help:    "Backend command duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"op"},
		),

		ProbeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "faultinj_probe_transactions_total",
				Help: "Probe transactions by result",
			},
			[]string{"result"},
		),

		ProbeLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "faultinj_probe_latency_seconds",
				Help:    "Time from probe submission to inclusion or give-up",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordScenario records a finished scenario.
func (m *PrometheusMetrics) RecordScenario(scenario string, passed bool) {
	result := "passed"
	if !passed {
		result = "failed"
	}
	m.ScenarioRuns.WithLabelValues(scenario, result).Inc()
}

// SetScenarioStatus updates the status gauges.
func (m *PrometheusMetrics) SetScenarioStatus(s string) {
	for _, v := range scenarioStatuses {
		if v == s {
			m.ScenarioStatus.WithLabelValues(v).Set(1)
		} else {
			m.ScenarioStatus.WithLabelValues(v).Set(0)
		}
	}
}

// RecordStep records one scenario step.
func (m *PrometheusMetrics) RecordStep(step string, ok bool, d time.Duration) {
	m.StepTotal.WithLabelValues(step, status(ok)).Inc()
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// SetNodeUp records whether a node layer answered its last probe.
func (m *PrometheusMetrics) SetNodeUp(node int, layer string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.NodeUp.WithLabelValues(strconv.Itoa(node), layer).Set(v)
}

// SetNodeHeight records a sampled block height.
func (m *PrometheusMetrics) SetNodeHeight(node int, height uint64) {
	m.NodeHeight.WithLabelValues(strconv.Itoa(node)).Set(float64(height))
}

// RecordSelection records the voting power snapshot of a selection.
func (m *PrometheusMetrics) RecordSelection(total, target, achieved uint64) {
	m.SelectionPower.WithLabelValues("total").Set(float64(total))
	m.SelectionPower.WithLabelValues("target").Set(float64(target))
	m.SelectionPower.WithLabelValues("achieved").Set(float64(achieved))
}

// RecordBackendCommand records a backend command.
func (m *PrometheusMetrics) RecordBackendCommand(op string, ok bool, d time.Duration) {
	m.BackendCommands.WithLabelValues(op, status(ok)).Inc()
	m.BackendLatency.WithLabelValues(op).Observe(d.Seconds())
}

// RecordProbe records a probe transaction.
func (m *PrometheusMetrics) RecordProbe(included bool, latency time.Duration) {
	result := "included"
	if !included {
		result = "failed"
	}
	m.ProbeTotal.WithLabelValues(result).Inc()
	m.ProbeLatency.Observe(latency.Seconds())
}

// Reset resets counters and gauges.
// Histograms are cumulative and keep their buckets across runs.
func (m *PrometheusMetrics) Reset() {
	m.ScenarioRuns.Reset()
	m.StepTotal.Reset()
	m.NodeUp.Reset()
	m.NodeHeight.Reset()
	m.SelectionPower.Reset()
	m.BackendCommands.Reset()
	m.ProbeTotal.Reset()
	m.SetScenarioStatus("idle")
}

// Package observability adapts the teacher's Metrics struct to the
// command-bus domain: worker concurrency, queue depth, retry/backoff,
// troubleshooting-queue size, and batch/process completion, in place of
// the teacher's HTTP-request collectors. No Non-goal excludes the
// collectors themselves (§1 only excludes an HTTP /metrics *export*
// surface) — this is the engine instrumenting its own state machine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors threaded through the worker,
// bus, TSQ, and process manager.
type Metrics struct {
	WorkerConcurrency *prometheus.GaugeVec
	WorkerInFlight    *prometheus.GaugeVec
	QueueDepth        *prometheus.GaugeVec

	CommandsReceived *prometheus.CounterVec
	CommandsFinished *prometheus.CounterVec
	RetriesScheduled *prometheus.CounterVec

	TSQSize             *prometheus.GaugeVec
	BatchCompleted      *prometheus.CounterVec
	ProcessStepDuration *prometheus.HistogramVec
}

// NewMetrics registers every collector against reg under namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkerConcurrency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "worker_concurrency_limit", Help: "Configured in-flight dispatch cap.",
		}, []string{"domain"}),
		WorkerInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "worker_in_flight", Help: "Commands currently dispatched to a handler.",
		}, []string{"domain"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Visible messages waiting in a queue.",
		}, []string{"queue"}),
		CommandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_received_total", Help: "Commands accepted by sp_receive_command.",
		}, []string{"domain", "command_type"}),
		CommandsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_finished_total", Help: "Commands reaching a terminal or quasi-terminal status.",
		}, []string{"domain", "command_type", "status"}),
		RetriesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_scheduled_total", Help: "Transient failures that scheduled a backoff retry.",
		}, []string{"domain", "command_type"}),
		TSQSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "troubleshooting_queue_size", Help: "Commands currently IN_TROUBLESHOOTING_QUEUE.",
		}, []string{"domain"}),
		BatchCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_completed_total", Help: "Batches reaching COMPLETED or COMPLETED_WITH_FAILURES.",
		}, []string{"domain", "status"}),
		ProcessStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "process_step_duration_seconds", Help: "Time from a step's command send to its reply.", Buckets: prometheus.DefBuckets,
		}, []string{"domain", "process_type", "step"}),
	}

	reg.MustRegister(
		m.WorkerConcurrency, m.WorkerInFlight, m.QueueDepth,
		m.CommandsReceived, m.CommandsFinished, m.RetriesScheduled,
		m.TSQSize, m.BatchCompleted, m.ProcessStepDuration,
	)

	return m
}

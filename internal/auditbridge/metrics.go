package auditbridge

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus collectors for the audit bridge's publish path,
// trimmed from the teacher's NATSMetrics down to the publish/connection
// subset this one-directional mirror actually exercises.
type Metrics struct {
	PublishTotal    *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	PublishErrors   *prometheus.CounterVec

	ConnectionStatus     prometheus.Gauge
	ReconnectionTotal    prometheus.Counter
	DisconnectionTotal   prometheus.Counter
	ConnectionErrorTotal prometheus.Counter
}

// NewMetrics creates and registers audit-bridge Prometheus metrics.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auditbridge", Name: "publish_total", Help: "Total audit events published.",
		}, []string{"domain", "status"}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "auditbridge", Name: "publish_duration_seconds", Help: "Duration of audit publish calls.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"domain"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auditbridge", Name: "publish_errors_total", Help: "Total audit publish errors.",
		}, []string{"domain"}),
		ConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "auditbridge", Name: "connection_status", Help: "1=connected, 0=disconnected.",
		}),
		ReconnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auditbridge", Name: "reconnection_total", Help: "Total reconnections.",
		}),
		DisconnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auditbridge", Name: "disconnection_total", Help: "Total disconnections.",
		}),
		ConnectionErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auditbridge", Name: "connection_error_total", Help: "Total async connection errors.",
		}),
	}

	reg.MustRegister(
		m.PublishTotal, m.PublishDuration, m.PublishErrors,
		m.ConnectionStatus, m.ReconnectionTotal, m.DisconnectionTotal, m.ConnectionErrorTotal,
	)
	return m
}

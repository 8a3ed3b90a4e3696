// Package metrics exposes Prometheus instrumentation for the server.
// A nil *Metrics is a valid no-op receiver so that components can run
// uninstrumented.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "asyncit"

type Metrics struct {
	framesTotal      prometheus.Counter
	dispatchOutcomes *prometheus.CounterVec
	handlerTimeouts  prometheus.Counter
	writeFailures    prometheus.Counter
	activeSessions   prometheus.Gauge
}

func CreateMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of complete frames read from clients",
		}),

		dispatchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Total number of dispatched frames by outcome",
		}, []string{"outcome"}),

		handlerTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_timeouts_total",
			Help:      "Total number of handler invocations abandoned at the deadline",
		}),

		writeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Total number of failed writes to client connections",
		}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently connected client sessions",
		}),
	}
}

func (m *Metrics) ObserveFrame() {
	if m == nil {
		return
	}
	m.framesTotal.Inc()
}

func (m *Metrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTimeout() {
	if m == nil {
		return
	}
	m.handlerTimeouts.Inc()
}

func (m *Metrics) ObserveWriteFailure() {
	if m == nil {
		return
	}
	m.writeFailures.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

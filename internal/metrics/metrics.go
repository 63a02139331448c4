package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	readings       *prometheus.CounterVec
	malformed      prometheus.Counter
	alerts         *prometheus.CounterVec
	syncState      prometheus.Gauge
	queueFlushed   prometheus.Counter
	reconcileRuns  *prometheus.CounterVec
	reconcileApply prometheus.Counter
}

// Label values for reconcile status.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waterwise",
			Name:      "readings_total",
			Help:      "Readings applied to the local store by append outcome.",
		}, []string{"outcome"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waterwise",
			Name:      "readings_malformed_total",
			Help:      "Readings dropped because they failed validation.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waterwise",
			Name:      "alerts_emitted_total",
			Help:      "Alert events emitted by kind, including superseding revisions.",
		}, []string{"kind"}),
		syncState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "waterwise",
			Name:      "sync_connected",
			Help:      "1 while the remote sync channel is connected.",
		}),
		queueFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waterwise",
			Name:      "write_queue_flushed_total",
			Help:      "Locally recorded readings pushed to the remote backend.",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waterwise",
			Name:      "reconcile_runs_total",
			Help:      "Per-device reconciliation runs by status.",
		}, []string{"status"}),
		reconcileApply: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waterwise",
			Name:      "reconcile_readings_total",
			Help:      "Readings fetched and applied during reconciliation.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.readings, m.malformed, m.alerts, m.syncState,
			m.queueFlushed, m.reconcileRuns, m.reconcileApply,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) ReadingApplied(outcome string) {
	if m == nil {
		return
	}
	m.readings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReadingMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) AlertEmitted(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.syncState.Set(1)
		return
	}
	m.syncState.Set(0)
}

func (m *Metrics) QueueFlushed(n int) {
	if m == nil {
		return
	}
	m.queueFlushed.Add(float64(n))
}

// ReconcileDone records one reconciliation run and the readings it applied.
func (m *Metrics) ReconcileDone(applied int, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusFailed
	}
	m.reconcileRuns.WithLabelValues(status).Inc()
	m.reconcileApply.Add(float64(applied))
}

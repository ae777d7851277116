package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Every
// helper method tolerates a nil receiver.
type Metrics struct {
	ActiveTasks    *prometheus.GaugeVec
	PollRounds     *prometheus.CounterVec
	FetchErrors    *prometheus.CounterVec
	Notifications  *prometheus.CounterVec
	SnapshotWrites *prometheus.CounterVec
	Submissions    *prometheus.CounterVec
	WSClients      prometheus.Gauge
	StageLatency   *prometheus.HistogramVec

	polling *pollWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveTasks: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of tasks currently being polled, by feature.",
		}, []string{"feature"}),
		PollRounds: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_rounds_total",
			Help:      "Completed polling rounds by feature.",
		}, []string{"feature"}),
		FetchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Status fetch failures by feature.",
		}, []string{"feature"}),
		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications emitted by severity.",
		}, []string{"severity"}),
		SnapshotWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Snapshot writes by feature and outcome.",
		}, []string{"feature", "outcome"}),
		Submissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Task submissions by feature and outcome.",
		}, []string{"feature", "outcome"}),
		WSClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected notification stream clients.",
		}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Latency of polling pipeline stages in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1600, 3200},
		}, []string{"stage"}),
		polling: newPollWindow(256),
	}
}

func (m *Metrics) SetActiveTasks(feature string, n int) {
	if m == nil {
		return
	}
	m.ActiveTasks.WithLabelValues(feature).Set(float64(n))
}

func (m *Metrics) IncPollRound(feature string) {
	if m == nil {
		return
	}
	m.PollRounds.WithLabelValues(feature).Inc()
}

func (m *Metrics) IncFetchError(feature string) {
	if m == nil {
		return
	}
	m.FetchErrors.WithLabelValues(feature).Inc()
}

func (m *Metrics) IncNotification(severity string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncSnapshotWrite(feature, outcome string) {
	if m == nil {
		return
	}
	m.SnapshotWrites.WithLabelValues(feature, outcome).Inc()
}

func (m *Metrics) IncSubmission(feature, outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(feature, outcome).Inc()
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}

func (m *Metrics) ObservePollStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := d.Seconds() * 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.polling.Observe(stage, ms)
}

func (m *Metrics) ObservePollIndicator(name string) {
	if m == nil {
		return
	}
	m.polling.ObserveIndicator(name)
}

func (m *Metrics) SnapshotPolling() PollSnapshot {
	if m == nil {
		return PollSnapshot{}
	}
	return m.polling.Snapshot()
}

func (m *Metrics) ResetPolling() {
	if m == nil {
		return
	}
	m.polling.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

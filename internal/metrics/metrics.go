package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bidloop/realtime/internal/connection"
)

const namespace = "realtime"

var statuses = []connection.Status{
	connection.StatusDisconnected,
	connection.StatusConnecting,
	connection.StatusHealthy,
	connection.StatusDegraded,
}

// Metrics holds the client's collectors on its own registry. It implements
// connection.Observer.
type Metrics struct {
	registry *prometheus.Registry

	status             *prometheus.GaugeVec
	transitions        *prometheus.CounterVec
	reconnects         *prometheus.CounterVec
	reconnectDelay     *prometheus.HistogramVec
	reconnectExhausted *prometheus.CounterVec
	frames             *prometheus.CounterVec
	framesDropped      *prometheus.CounterVec
	polls              *prometheus.CounterVec
	pollErrors         *prometheus.CounterVec
	recorderRows       *prometheus.CounterVec
	recorderErrors     *prometheus.CounterVec
}

var _ connection.Observer = (*Metrics)(nil)

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		status: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_status",
			Help:      "1 for the current status of each channel, 0 otherwise",
		}, []string{"channel", "status"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_transitions_total",
			Help:      "Status transitions by target status",
		}, []string{"channel", "to"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled",
		}, []string{"channel"}),
		reconnectDelay: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay of scheduled reconnects",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}, []string{"channel"}),
		reconnectExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_exhausted_total",
			Help:      "Times a channel gave up reconnecting and fell back to polling only",
		}, []string{"channel"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound frames by type and whether a handler applied them",
		}, []string{"channel", "type", "applied"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before dispatch",
		}, []string{"channel", "reason"}),
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Fallback polls completed",
		}, []string{"channel"}),
		pollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Fallback polls that failed",
		}, []string{"channel"}),
		recorderRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_rows_total",
			Help:      "Rows written by the recorder",
		}, []string{"table"}),
		recorderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_errors_total",
			Help:      "Recorder batches that failed",
		}, []string{"table"}),
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) StatusChanged(channel string, _, to connection.Status) {
	for _, s := range statuses {
		v := 0.0
		if s == to {
			v = 1
		}
		m.status.WithLabelValues(channel, s.String()).Set(v)
	}
	m.transitions.WithLabelValues(channel, to.String()).Inc()
}

func (m *Metrics) ReconnectScheduled(channel string, _ int, delay time.Duration) {
	m.reconnects.WithLabelValues(channel).Inc()
	m.reconnectDelay.WithLabelValues(channel).Observe(delay.Seconds())
}

func (m *Metrics) ReconnectExhausted(channel string) {
	m.reconnectExhausted.WithLabelValues(channel).Inc()
}

func (m *Metrics) FrameRouted(channel, frameType string, applied bool) {
	a := "false"
	if applied {
		a = "true"
	}
	m.frames.WithLabelValues(channel, frameType, a).Inc()
}

func (m *Metrics) FrameDropped(channel, reason string) {
	m.framesDropped.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) PollCompleted(channel string, err error) {
	m.polls.WithLabelValues(channel).Inc()
	if err != nil {
		m.pollErrors.WithLabelValues(channel).Inc()
	}
}

// RowsWritten counts recorder rows for table.
func (m *Metrics) RowsWritten(table string, n int) {
	m.recorderRows.WithLabelValues(table).Add(float64(n))
}

// WriteFailed counts a failed recorder batch for table.
func (m *Metrics) WriteFailed(table string) {
	m.recorderErrors.WithLabelValues(table).Inc()
}

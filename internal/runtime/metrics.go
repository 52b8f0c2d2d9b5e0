package runtime

import (
	"errors"
	"net/http"
	"sync"
	"time"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/hooks"
)

const metricsNamespace = "zmqflow"

// Metrics holds the Prometheus collectors of a server. A nil *Metrics
// records nothing, so callers never need to check whether metrics are on.
type Metrics struct {
	mu sync.Mutex

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	executorErrors   *prometheus.CounterVec
	checksumFailures prometheus.Counter
	decodeFailures   prometheus.Counter
	messagesSent     *prometheus.CounterVec
	taskErrors       *prometheus.CounterVec
	workersRunning   prometheus.GaugeFunc
	reloadsTotal     prometheus.Counter
	relayedTotal     *prometheus.CounterVec
	relayDropped     *prometheus.CounterVec

	workers func() int

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

// newCounterVec creates a new counter vec with the zmqflow namespace.
func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the collectors. registerer and gatherer default to the
// Prometheus defaults; call Register before serving them.
func NewMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	m := &Metrics{
		registerer:       registerer,
		gatherer:         gatherer,
		requestsTotal:    newCounterVec("requests", "total", "Requests answered by workers", []string{"operation", "status"}),
		executorErrors:   newCounterVec("executor", "errors_total", "Executor calls that failed outright", []string{"operation"}),
		messagesSent:     newCounterVec("tasks", "messages_total", "Messages sent by scheduled tasks", []string{"kind", "channel"}),
		taskErrors:       newCounterVec("tasks", "errors_total", "Scheduled task runs that failed", []string{"task", "kind"}),
		relayedTotal:     newCounterVec("relay", "messages_total", "Messages relayed to the external sink", []string{"topic"}),
		relayDropped:     newCounterVec("relay", "dropped_total", "Messages the relay dropped", []string{"reason"}),
		checksumFailures: newCounter("wire", "checksum_failures_total", "Messages rejected for a checksum mismatch"),
		decodeFailures:   newCounter("wire", "decode_failures_total", "Messages that could not be decoded"),
		reloadsTotal:     newCounter("watcher", "reloads_total", "Worker pool restarts"),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Time spent in the executor",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	m.workersRunning = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "workers",
		Name:      "running",
		Help:      "Workers currently running",
	}, m.runningWorkers)
	return m
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestDuration,
		m.executorErrors,
		m.checksumFailures,
		m.decodeFailures,
		m.messagesSent,
		m.taskErrors,
		m.workersRunning,
		m.reloadsTotal,
		m.relayedTotal,
		m.relayDropped,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the gathered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// TrackWorkers sets the source of the running workers gauge.
func (m *Metrics) TrackWorkers(fn func() int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = fn
}

func (m *Metrics) runningWorkers() float64 {
	m.mu.Lock()
	fn := m.workers
	m.mu.Unlock()
	if fn == nil {
		return 0
	}
	return float64(fn())
}

func (m *Metrics) ObserveRequest(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(operation, status).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) ExecutorError(operation string) {
	if m == nil {
		return
	}
	m.executorErrors.WithLabelValues(operation).Inc()
}

// MalformedMessage counts a message the request loop could not decode.
func (m *Metrics) MalformedMessage(err error) {
	if m == nil {
		return
	}
	var checksum *errspkg.ChecksumError
	if errors.As(err, &checksum) {
		m.checksumFailures.Inc()
		return
	}
	m.decodeFailures.Inc()
}

func (m *Metrics) MessageSent(kind, channel string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind, channel).Inc()
}

func (m *Metrics) TaskError(task, kind string) {
	if m == nil {
		return
	}
	m.taskErrors.WithLabelValues(task, kind).Inc()
}

func (m *Metrics) Reload() {
	if m == nil {
		return
	}
	m.reloadsTotal.Inc()
}

func (m *Metrics) Relayed(topic string) {
	if m == nil {
		return
	}
	m.relayedTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) RelayDropped(reason string) {
	if m == nil {
		return
	}
	m.relayDropped.WithLabelValues(reason).Inc()
}

// JobHooks counts task sends and task failures. Requests are counted by the
// executor middleware instead.
func (m *Metrics) JobHooks() hooks.JobHooks {
	if m == nil {
		return hooks.JobHooks{}
	}
	return hooks.MetricsHooks(nil, nil, func(job, kind string) {
		if kind != "request" {
			m.TaskError(job, kind)
		}
	}).Merge(hooks.JobHooks{
		OnJobDone: func(ctx hooks.JobContext) {
			if ctx.Kind != "request" && ctx.Sent {
				m.MessageSent(ctx.Kind, ctx.Channel)
			}
		},
	})
}

// DecoratePublisher adds Watermill's publish metrics to a relay sink.
func (m *Metrics) DecoratePublisher(pub message.Publisher) (message.Publisher, error) {
	if m == nil {
		return pub, nil
	}
	builder := wmmetrics.NewPrometheusMetricsBuilder(m.registerer, metricsNamespace, "relay_sink")
	return builder.DecoratePublisher(pub)
}

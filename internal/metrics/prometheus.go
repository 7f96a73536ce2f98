package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	tickCount       prometheus.Gauge
	tasks           prometheus.Gauge
	dispatched      prometheus.Counter
	failed          *prometheus.CounterVec
	published       prometheus.Counter
	publishFailures prometheus.Counter

	peerEvents prometheus.Counter
	peersStale prometheus.Gauge
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates a collector registering on reg (prometheus.DefaultRegisterer
// if nil) under namespace ("pulse" if empty). Metrics are registered lazily on
// first use.
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "pulse"
	}
	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.tickCount = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "ticker",
			Name:      "count",
			Help:      "Current heartbeat tick count.",
		})
		p.tasks = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "ticker",
			Name:      "tasks",
			Help:      "Number of registered tasks.",
		})
		p.dispatched = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "ticker",
			Name:      "task_dispatches_total",
			Help:      "Task invocations started by the ticker.",
		})
		p.failed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "ticker",
			Name:      "task_failures_total",
			Help:      "Task invocations that returned an error or panicked.",
		}, []string{"reason"})
		p.published = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "liveness",
			Name:      "published_total",
			Help:      "Liveness events handed to the event bus.",
		})
		p.publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "liveness",
			Name:      "publish_failures_total",
			Help:      "Liveness events the event bus rejected.",
		})
		// no server_id label: peers come and go, so it would grow without bound
		p.peerEvents = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "monitor",
			Name:      "events_total",
			Help:      "Liveness events observed from peers.",
		})
		p.peersStale = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "monitor",
			Name:      "stale_peers",
			Help:      "Peers that have not announced liveness within the stale window.",
		})

		p.reg.MustRegister(
			p.tickCount, p.tasks, p.dispatched, p.failed,
			p.published, p.publishFailures, p.peerEvents, p.peersStale,
		)
	})
}

func (p *PrometheusCollector) TickAdvanced(count uint64) {
	p.ensureRegistered()
	p.tickCount.Set(float64(count))
}

func (p *PrometheusCollector) TasksRegistered(n int) {
	p.ensureRegistered()
	p.tasks.Set(float64(n))
}

func (p *PrometheusCollector) TaskDispatched() {
	p.ensureRegistered()
	p.dispatched.Inc()
}

func (p *PrometheusCollector) TaskFailed(reason string) {
	p.ensureRegistered()
	p.failed.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) LivenessPublished() {
	p.ensureRegistered()
	p.published.Inc()
}

func (p *PrometheusCollector) LivenessPublishFailed() {
	p.ensureRegistered()
	p.publishFailures.Inc()
}

func (p *PrometheusCollector) PeerObserved() {
	p.ensureRegistered()
	p.peerEvents.Inc()
}

func (p *PrometheusCollector) PeersStale(n int) {
	p.ensureRegistered()
	p.peersStale.Set(float64(n))
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sedentary"

// Metrics 管道指标
type Metrics struct {
	EventsPublished     *prometheus.CounterVec
	SubscriberDropped   *prometheus.CounterVec
	Subscribers         prometheus.Gauge
	SamplesMalformed    *prometheus.CounterVec
	SamplesAccepted     *prometheus.CounterVec
	ReplayedSamples     prometheus.Counter
	SinkFailures        *prometheus.CounterVec
	FallbackActive      prometheus.Gauge
	FallbackTransitions *prometheus.CounterVec
}

// New 创建并注册指标，reg 为 nil 时不注册（测试用）
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Processed events published on the hub, by origin.",
		}, []string{"origin"}),
		SubscriberDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_dropped_total",
			Help:      "Events dropped from full subscriber buffers, by subscriber name.",
		}, []string{"subscriber"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Currently attached hub subscribers.",
		}),
		SamplesMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_malformed_total",
			Help:      "Raw samples dropped because they could not be parsed, by source.",
		}, []string{"source"}),
		SamplesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_accepted_total",
			Help:      "Raw samples decoded successfully, by source.",
		}, []string{"source"}),
		ReplayedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_samples_total",
			Help:      "Archived events re-injected by the replay engine.",
		}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Failed sink writes, by sink.",
		}, []string{"sink"}),
		FallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fallback_active",
			Help:      "1 while the pipeline is fed by the replay engine.",
		}),
		FallbackTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_transitions_total",
			Help:      "Liveness monitor transitions, by target mode.",
		}, []string{"to"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsPublished,
			m.SubscriberDropped,
			m.Subscribers,
			m.SamplesMalformed,
			m.SamplesAccepted,
			m.ReplayedSamples,
			m.SinkFailures,
			m.FallbackActive,
			m.FallbackTransitions,
		)
	}
	return m
}

// NewNop 不注册的指标实例
func NewNop() *Metrics {
	return New(nil)
}

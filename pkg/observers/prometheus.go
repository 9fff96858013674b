package observers

import (
	"github.com/harunnryd/voiceprint/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver turns engine events into Prometheus series.
type PrometheusObserver struct {
	turns         *prometheus.CounterVec
	turnLatency   *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	actions       *prometheus.CounterVec
	ignored       *prometheus.CounterVec
	ends          *prometheus.CounterVec
	relayRequests *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	active        prometheus.Gauge
}

func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceprint",
			Subsystem: "conversation",
			Name:      "turns_total",
			Help:      "Conversation turns processed",
		}, []string{"input", "phase"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voiceprint",
			Subsystem: "conversation",
			Name:      "turn_duration_seconds",
			Help:      "Time to load, step and save one turn",
			Buckets:   prometheus.DefBuckets,
		}, []string{"input"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceprint",
			Subsystem: "conversation",
			Name:      "phase_transitions_total",
			Help:      "Phase transitions",
		}, []string{"from", "to"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceprint",
			Subsystem: "conversation",
			Name:      "actions_total",
			Help:      "Outbound actions emitted",
		}, []string{"action", "request"}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceprint",
			Subsystem: "conversation",
			Name:      "ignored_inputs_total",
			Help:      "Inputs that produced no action",
		}, []string{"reason"}),
		ends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceprint",
			Subsystem: "conversation",
			Name:      "ended_total",
			Help:      "Conversations ended",
		}, []string{"reason"}),
		relayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceprint",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Requests sent to the verification relay",
		}, []string{"request", "status"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceprint",
			Subsystem: "session",
			Name:      "store_errors_total",
			Help:      "Session store failures",
		}, []string{"op"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voiceprint",
			Subsystem: "conversation",
			Name:      "active",
			Help:      "Conversations with a live worker",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(o.turns, o.turnLatency, o.transitions, o.actions, o.ignored, o.ends, o.relayRequests, o.storeErrors, o.active)
	return o
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	if o == nil {
		return
	}
	tags := ev.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	switch ev.Name {
	case metrics.EventConversationStart:
		o.active.Inc()
	case metrics.EventConversationEnd:
		o.active.Dec()
		o.ends.WithLabelValues(tags[TagReason]).Inc()
	case metrics.EventTurn:
		o.turns.WithLabelValues(tags[TagInput], tags[TagPhase]).Inc()
		if ev.Value > 0 {
			o.turnLatency.WithLabelValues(tags[TagInput]).Observe(ev.Value)
		}
	case metrics.EventTransition:
		o.transitions.WithLabelValues(tags[TagFrom], tags[TagTo]).Inc()
	case metrics.EventAction:
		o.actions.WithLabelValues(tags[TagActionKind], tags[TagRequest]).Inc()
	case metrics.EventIgnored:
		o.ignored.WithLabelValues(tags[TagReason]).Inc()
	case metrics.EventRelayRequest:
		o.relayRequests.WithLabelValues(tags[TagRequest], tags[TagStatus]).Inc()
	case metrics.EventStoreError:
		o.storeErrors.WithLabelValues(tags[TagOp]).Inc()
	}
}

var _ metrics.Observer = (*PrometheusObserver)(nil)

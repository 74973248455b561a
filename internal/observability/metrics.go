package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	PushPeers       *prometheus.GaugeVec
	PushMessages    *prometheus.CounterVec
	TrialEvents     *prometheus.CounterVec
	TrialRejections *prometheus.CounterVec
	ReactionTime    *prometheus.HistogramVec
	StressEMA       prometheus.Histogram

	trials *trialWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_participant_sessions",
			Help:      "Number of active participant tokens.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Participant and task session events by type.",
		}, []string{"event"}),
		PushPeers: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_peers",
			Help:      "Connected push peers by transport.",
		}, []string{"transport"}),
		PushMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_messages_total",
			Help:      "Push messages by direction, event kind and result.",
		}, []string{"direction", "event", "result"}),
		TrialEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trial_events_total",
			Help:      "Accepted trial events by task and outcome.",
		}, []string{"task", "outcome"}),
		TrialRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trial_rejections_total",
			Help:      "Rejected trial events by reason.",
		}, []string{"reason"}),
		ReactionTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reaction_time_ms",
			Help:      "Reaction time of scored trials in milliseconds.",
			Buckets:   []float64{150, 250, 350, 500, 700, 1000, 1500, 2500, 4000},
		}, []string{"task"}),
		StressEMA: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stress_ema",
			Help:      "Smoothed stress probability per sample.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		trials: newTrialWindow(256),
	}
}

// ObserveTrial records one accepted trial.
func (m *Metrics) ObserveTrial(task, outcome string, rt time.Duration, correct *bool) {
	if m == nil {
		return
	}
	m.TrialEvents.WithLabelValues(task, outcome).Inc()
	switch {
	case outcome == "early" || outcome == "timeout":
		m.trials.ObserveOutcome(task + "_" + outcome)
	case correct != nil && !*correct:
		m.trials.ObserveOutcome(task + "_incorrect")
		m.ReactionTime.WithLabelValues(task).Observe(float64(rt.Milliseconds()))
	default:
		m.ReactionTime.WithLabelValues(task).Observe(float64(rt.Milliseconds()))
		m.trials.Observe(task, float64(rt.Milliseconds()))
	}
}

// ObservePush counts one push message. Participant-scoped event names are
// collapsed to their kind to keep label cardinality bounded.
func (m *Metrics) ObservePush(direction, event, result string) {
	if m == nil {
		return
	}
	m.PushMessages.WithLabelValues(direction, EventKind(event), result).Inc()
}

func (m *Metrics) PeerConnected(transport string) {
	if m == nil {
		return
	}
	m.PushPeers.WithLabelValues(transport).Inc()
}

func (m *Metrics) PeerDisconnected(transport string) {
	if m == nil {
		return
	}
	m.PushPeers.WithLabelValues(transport).Dec()
}

// TrialSnapshot summarizes recent reaction times per task.
func (m *Metrics) TrialSnapshot() TrialWindowSnapshot {
	if m == nil {
		return TrialWindowSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.trials.Snapshot()
}

// EventKind strips the participant suffix of scoped event names.
func EventKind(event string) string {
	for _, prefix := range []string{"difficulty_update_", "stress_update_"} {
		if strings.HasPrefix(event, prefix) {
			return strings.TrimSuffix(prefix, "_")
		}
	}
	return event
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

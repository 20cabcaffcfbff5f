// Package metrics exposes engine counters to Prometheus. A nil *Recorder is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	registry       *prometheus.Registry
	inbound        *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	followUps      prometheus.Counter
	validations    *prometheus.CounterVec
	transcriptions *prometheus.CounterVec
	expired        prometheus.Counter
	pruned         prometheus.Counter
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elicit_inbound_messages_total",
			Help: "Inbound messages by outcome",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elicit_state_transitions_total",
			Help: "Conversation state transitions",
		}, []string{"from", "to"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "elicit_turn_duration_seconds",
			Help:    "Time spent handling one inbound message",
			Buckets: prometheus.DefBuckets,
		}),
		followUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elicit_follow_ups_total",
			Help: "Follow-up questions generated",
		}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elicit_validations_total",
			Help: "Validation verdicts recorded",
		}, []string{"verdict"}),
		transcriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elicit_transcriptions_total",
			Help: "Transcription jobs by result",
		}, []string{"result"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elicit_sweep_expired_total",
			Help: "Conversations expired by the stale sweep",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elicit_sweep_pruned_messages_total",
			Help: "Processed-message records pruned",
		}),
	}
	r.registry.MustRegister(
		r.inbound, r.transitions, r.turnDuration, r.followUps,
		r.validations, r.transcriptions, r.expired, r.pruned,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Inbound(outcome string) {
	if r != nil {
		r.inbound.WithLabelValues(outcome).Inc()
	}
}

func (r *Recorder) Transition(from, to string) {
	if r != nil && from != to {
		r.transitions.WithLabelValues(from, to).Inc()
	}
}

func (r *Recorder) ObserveTurn(d time.Duration) {
	if r != nil {
		r.turnDuration.Observe(d.Seconds())
	}
}

func (r *Recorder) FollowUp() {
	if r != nil {
		r.followUps.Inc()
	}
}

func (r *Recorder) Validation(valid bool) {
	if r == nil {
		return
	}
	label := "invalid"
	if valid {
		label = "valid"
	}
	r.validations.WithLabelValues(label).Inc()
}

func (r *Recorder) Transcription(result string) {
	if r != nil {
		r.transcriptions.WithLabelValues(result).Inc()
	}
}

func (r *Recorder) Expired(n int) {
	if r != nil {
		r.expired.Add(float64(n))
	}
}

func (r *Recorder) Pruned(n int) {
	if r != nil {
		r.pruned.Add(float64(n))
	}
}

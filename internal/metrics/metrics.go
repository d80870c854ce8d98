// Package metrics exposes worker counters to prometheus. Sink records them
// from the same events the store and the event bus receive.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/whatsapp-automation/worker/internal/model"
)

const namespace = "worker"

type Sink struct {
	queued         prometheus.Counter
	retries        prometheus.Counter
	outcomes       *prometheus.CounterVec
	attempts       prometheus.Histogram
	transitions    *prometheus.CounterVec
	campaigns      *prometheus.CounterVec
	campaignLength prometheus.Summary
	started        prometheus.Counter
	reg            prometheus.Registerer
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Sink, error) {
	s := &Sink{
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_queued_total",
			Help: "Messages accepted by the delivery queue.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_retries_total",
			Help: "Send attempts that failed and were scheduled again.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_outcomes_total",
			Help: "Terminal message outcomes by status.",
		}, []string{"status"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "message_attempts",
			Help:    "Send attempts used per terminal outcome.",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_transitions_total",
			Help: "Connection state transitions by target state.",
		}, []string{"state"}),
		campaigns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "campaigns_finished_total",
			Help: "Closed campaigns by final status.",
		}, []string{"status"}),
		campaignLength: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace, Name: "campaign_duration_seconds",
			Help:       "Wall time from campaign start to close.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			MaxAge:     time.Hour,
		}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "campaigns_started_total",
			Help: "Campaigns accepted for processing.",
		}),
		reg: reg,
	}
	for _, c := range []prometheus.Collector{
		s.queued, s.retries, s.outcomes, s.attempts, s.transitions, s.campaigns, s.campaignLength, s.started,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WatchQueue exports the live depth and in-flight count of the delivery queue.
func (s *Sink) WatchQueue(depth, inFlight func() int) error {
	if err := s.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "queue_depth",
		Help: "Tasks waiting in the delivery queue, including delayed retries.",
	}, func() float64 { return float64(depth()) })); err != nil {
		return err
	}
	return s.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "sends_in_flight",
		Help: "Provider sends currently in progress.",
	}, func() float64 { return float64(inFlight()) }))
}

func (s *Sink) RecordStateChange(_ context.Context, c model.Connection) error {
	s.transitions.WithLabelValues(string(c.State)).Inc()
	return nil
}

func (s *Sink) RecordMessageQueued(context.Context, model.MessageTask) error {
	s.queued.Inc()
	return nil
}

func (s *Sink) RecordRetryScheduled(context.Context, model.MessageTask, string) error {
	s.retries.Inc()
	return nil
}

func (s *Sink) RecordMessageOutcome(_ context.Context, _ model.MessageTask, out model.Outcome) error {
	s.outcomes.WithLabelValues(string(out.Status)).Inc()
	s.attempts.Observe(float64(out.Attempts))
	return nil
}

func (s *Sink) RecordCampaignCreated(context.Context, model.Campaign) error {
	s.started.Inc()
	return nil
}

func (s *Sink) RecordCampaignProgress(context.Context, model.Progress) error { return nil }

func (s *Sink) RecordCampaignFinal(_ context.Context, sum model.Summary) error {
	s.campaigns.WithLabelValues(string(sum.Status)).Inc()
	s.campaignLength.Observe(sum.Duration.Seconds())
	return nil
}

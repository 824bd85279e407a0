package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the engine's Prometheus metrics.
//
// Tracked dimensions:
//   - Webhook traffic and signature verification failures per provider
//   - Call events processed and dropped
//   - Active call counts for capacity planning
//   - Call duration distribution
//   - Media stream frames and STT reconnect churn
//   - Mixer channel population
type Metrics struct {
	// WebhookRequests counts webhook deliveries.
	// Labels: provider, status (accepted|rejected|error)
	WebhookRequests *prometheus.CounterVec

	// VerificationFailures counts rejected webhook signatures.
	// Labels: provider
	VerificationFailures *prometheus.CounterVec

	// CallEvents counts call events processed by the manager.
	// Labels: provider, type
	CallEvents *prometheus.CounterVec

	// EventsDropped counts events discarded on full subscriber queues.
	// Labels: provider
	EventsDropped *prometheus.CounterVec

	// ActiveCalls is a gauge of calls in a non-terminal state.
	// Labels: provider
	ActiveCalls *prometheus.GaugeVec

	// CallDuration measures completed call lifetime in seconds.
	// Labels: provider
	// Buckets: 5s, 15s, 30s, 60s, 120s, 300s, 600s, 1800s, 3600s
	CallDuration *prometheus.HistogramVec

	// StreamFrames counts media frames by direction.
	// Labels: direction (inbound|outbound)
	StreamFrames *prometheus.CounterVec

	// STTReconnects counts transcription session reconnect attempts.
	// Labels: status (success|failure)
	STTReconnects *prometheus.CounterVec

	// MixerParticipants is a gauge of participants across mixer channels.
	MixerParticipants prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates all engine metrics on a private registry so tests can
// construct multiple instances without duplicate-registration panics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) {
		registry.MustRegister(c)
	}

	m := &Metrics{registry: registry}

	m.WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicewire_webhook_requests_total",
			Help: "Total webhook deliveries by provider and outcome",
		},
		[]string{"provider", "status"},
	)
	m.VerificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicewire_webhook_verification_failures_total",
			Help: "Webhook deliveries rejected for bad signatures",
		},
		[]string{"provider"},
	)
	m.CallEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicewire_call_events_total",
			Help: "Call events processed by provider and type",
		},
		[]string{"provider", "type"},
	)
	m.EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicewire_events_dropped_total",
			Help: "Events discarded because a subscriber queue was full",
		},
		[]string{"provider"},
	)
	m.ActiveCalls = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voicewire_active_calls",
			Help: "Calls currently in a non-terminal state",
		},
		[]string{"provider"},
	)
	m.CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voicewire_call_duration_seconds",
			Help:    "Lifetime of completed calls in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"provider"},
	)
	m.StreamFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicewire_stream_frames_total",
			Help: "Media stream frames by direction",
		},
		[]string{"direction"},
	)
	m.STTReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicewire_stt_reconnects_total",
			Help: "Transcription session reconnect attempts by outcome",
		},
		[]string{"status"},
	)
	m.MixerParticipants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicewire_mixer_participants",
			Help: "Participants currently joined to mixer channels",
		},
	)

	factory(m.WebhookRequests)
	factory(m.VerificationFailures)
	factory(m.CallEvents)
	factory(m.EventsDropped)
	factory(m.ActiveCalls)
	factory(m.CallDuration)
	factory(m.StreamFrames)
	factory(m.STTReconnects)
	factory(m.MixerParticipants)

	return m
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WebhookAccepted records a verified, processed webhook.
func (m *Metrics) WebhookAccepted(provider string) {
	m.WebhookRequests.WithLabelValues(provider, "accepted").Inc()
}

// WebhookRejected records a webhook that failed signature verification.
func (m *Metrics) WebhookRejected(provider string) {
	m.WebhookRequests.WithLabelValues(provider, "rejected").Inc()
	m.VerificationFailures.WithLabelValues(provider).Inc()
}

// WebhookError records a webhook that verified but failed to parse or apply.
func (m *Metrics) WebhookError(provider string) {
	m.WebhookRequests.WithLabelValues(provider, "error").Inc()
}

// CallStarted bumps the active call gauge.
func (m *Metrics) CallStarted(provider string) {
	m.ActiveCalls.WithLabelValues(provider).Inc()
}

// CallEnded drops the active call gauge and records the duration.
func (m *Metrics) CallEnded(provider string, durationSeconds float64) {
	m.ActiveCalls.WithLabelValues(provider).Dec()
	m.CallDuration.WithLabelValues(provider).Observe(durationSeconds)
}

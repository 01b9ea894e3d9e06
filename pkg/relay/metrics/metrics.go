package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Channels
	ChannelsActive       prometheus.Gauge
	ChannelsCreatedTotal prometheus.Counter
	ChannelsReapedTotal  prometheus.Counter
	HandshakeFailures    *prometheus.CounterVec
	TeardownTimeouts     prometheus.Counter
	ChannelLifetime      prometheus.Histogram

	// Clients
	ClientsActive          *prometheus.GaugeVec
	BroadcastFailuresTotal *prometheus.CounterVec
	FramesSentTotal        prometheus.Counter
	AudioBytesTotal        *prometheus.CounterVec
	InboundDroppedTotal    *prometheus.CounterVec

	// Tools
	ToolInvocationsTotal *prometheus.CounterVec
	ToolDuration         *prometheus.HistogramVec
	InjectionsTotal      *prometheus.CounterVec
}

// New creates a Metrics instance with every collector registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sonic_relay"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds (websocket requests span the connection)",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 1800},
		},
		[]string{"path"},
	)

	channelsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of registered channels",
		},
	)

	channelsCreated := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_created_total",
			Help:      "Total number of channels whose upstream handshake completed",
		},
	)

	channelsReaped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_reaped_total",
			Help:      "Total number of idle channels force-closed by the reaper",
		},
	)

	handshakeFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total number of failed upstream handshakes",
		},
		[]string{"step"},
	)

	teardownTimeouts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_timeouts_total",
			Help:      "Total number of graceful teardowns that fell back to a forced close",
		},
	)

	channelLifetime := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_lifetime_seconds",
			Help:      "Channel lifetime in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	clientsActive := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_active",
			Help:      "Number of attached client connections",
		},
		[]string{"transport"},
	)

	broadcastFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Total number of per-client delivery failures during fan-out",
		},
		[]string{"reason"},
	)

	framesSent := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of re-framed audio frames handed to clients",
		},
	)

	audioBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes relayed",
		},
		[]string{"direction"},
	)

	inboundDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_audio_dropped_total",
			Help:      "Total inbound audio messages dropped before reaching upstream",
		},
		[]string{"reason"},
	)

	toolInvocations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Total tool invocations",
		},
		[]string{"tool", "status"},
	)

	toolDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool handler duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"tool"},
	)

	injections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_injections_total",
			Help:      "Synthesized speech injected into upstream sessions by outcome",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		channelsActive,
		channelsCreated,
		channelsReaped,
		handshakeFailures,
		teardownTimeouts,
		channelLifetime,
		clientsActive,
		broadcastFailures,
		framesSent,
		audioBytes,
		inboundDropped,
		toolInvocations,
		toolDuration,
		injections,
	)

	return &Metrics{
		registry:               registry,
		RequestsTotal:          requestsTotal,
		RequestDuration:        requestDuration,
		ChannelsActive:         channelsActive,
		ChannelsCreatedTotal:   channelsCreated,
		ChannelsReapedTotal:    channelsReaped,
		HandshakeFailures:      handshakeFailures,
		TeardownTimeouts:       teardownTimeouts,
		ChannelLifetime:        channelLifetime,
		ClientsActive:          clientsActive,
		BroadcastFailuresTotal: broadcastFailures,
		FramesSentTotal:        framesSent,
		AudioBytesTotal:        audioBytes,
		InboundDroppedTotal:    inboundDropped,
		ToolInvocationsTotal:   toolInvocations,
		ToolDuration:           toolDuration,
		InjectionsTotal:        injections,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordRequest(path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}

func (m *Metrics) RecordChannelCreated() {
	if m == nil {
		return
	}
	m.ChannelsCreatedTotal.Inc()
	m.ChannelsActive.Inc()
}

func (m *Metrics) RecordChannelRemoved(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ChannelsActive.Dec()
	m.ChannelLifetime.Observe(lifetime.Seconds())
}

func (m *Metrics) RecordChannelReaped() {
	if m == nil {
		return
	}
	m.ChannelsReapedTotal.Inc()
}

func (m *Metrics) RecordHandshakeFailure(step string) {
	if m == nil {
		return
	}
	if step == "" {
		step = "unknown"
	}
	m.HandshakeFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) RecordTeardownTimeout() {
	if m == nil {
		return
	}
	m.TeardownTimeouts.Inc()
}

func (m *Metrics) RecordClientAttached(transport string) {
	if m == nil {
		return
	}
	m.ClientsActive.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordClientDetached(transport string) {
	if m == nil {
		return
	}
	m.ClientsActive.WithLabelValues(transport).Dec()
}

func (m *Metrics) RecordBroadcastFailure(reason string) {
	if m == nil {
		return
	}
	m.BroadcastFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordFramesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesSentTotal.Add(float64(n))
}

// RecordAudio records relayed audio bytes; direction is "inbound" or "outbound".
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordInboundDropped(reason string) {
	if m == nil {
		return
	}
	m.InboundDroppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordToolInvocation(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolInvocationsTotal.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (m *Metrics) RecordInjection(status string) {
	if m == nil {
		return
	}
	m.InjectionsTotal.WithLabelValues(status).Inc()
}

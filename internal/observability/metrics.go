package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	agentSpawnTotal    *prometheus.CounterVec
	agentSpawnDuration prometheus.Histogram
	agentExitTotal     *prometheus.CounterVec

	acpRequestTotal    *prometheus.CounterVec
	acpRequestDuration *prometheus.HistogramVec
	acpMalformedFrames prometheus.Counter

	activeSessions   prometheus.Gauge
	sessionsSwept    prometheus.Counter
	inboundTotal     *prometheus.CounterVec
	turnTotal        *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	permissionsTotal *prometheus.CounterVec

	gatewayClients     prometheus.Gauge
	gatewayAuthTotal   *prometheus.CounterVec
	channelDeliveries  *prometheus.CounterVec
	channelRejectTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			agentSpawnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_spawn_total",
					Help: "Total agent process launches by status.",
				},
				[]string{"status"},
			),
			agentSpawnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_spawn_duration_seconds",
					Help:    "Time taken to start an agent process in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			agentExitTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_exit_total",
					Help: "Total agent connection shutdowns by reason (stopped, lost).",
				},
				[]string{"reason"},
			),
			acpRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "acp_request_total",
					Help: "Total ACP requests sent to agents by method and status.",
				},
				[]string{"method", "status"},
			),
			acpRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "acp_request_duration_seconds",
					Help:    "ACP request round-trip duration in seconds by method.",
					Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
				},
				[]string{"method"},
			),
			acpMalformedFrames: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "acp_malformed_frames_total",
					Help: "Total agent frames skipped because they could not be parsed.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current number of conversation sessions.",
				},
			),
			sessionsSwept: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_swept_total",
					Help: "Total sessions closed by the idle sweeper.",
				},
			),
			inboundTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "inbound_messages_total",
					Help: "Total inbound chat messages by platform and kind.",
				},
				[]string{"platform", "kind"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total prompt turns by platform and outcome.",
				},
				[]string{"platform", "outcome"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Prompt turn duration in seconds by platform.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
				},
				[]string{"platform"},
			),
			permissionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "permission_requests_total",
					Help: "Total resolved permission requests by outcome.",
				},
				[]string{"outcome"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_clients",
					Help: "Current number of connected WebSocket gateway clients.",
				},
			),
			gatewayAuthTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_auth_total",
					Help: "Total gateway authentication attempts by method and result.",
				},
				[]string{"method", "result"},
			),
			channelDeliveries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "channel_deliveries_total",
					Help: "Total outbound events delivered by platform, kind and status.",
				},
				[]string{"platform", "kind", "status"},
			),
			channelRejectTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "channel_rejected_total",
					Help: "Total inbound platform updates dropped before routing, by platform and reason.",
				},
				[]string{"platform", "reason"},
			),
		}

		prometheus.MustRegister(
			m.agentSpawnTotal,
			m.agentSpawnDuration,
			m.agentExitTotal,
			m.acpRequestTotal,
			m.acpRequestDuration,
			m.acpMalformedFrames,
			m.activeSessions,
			m.sessionsSwept,
			m.inboundTotal,
			m.turnTotal,
			m.turnDuration,
			m.permissionsTotal,
			m.gatewayClients,
			m.gatewayAuthTotal,
			m.channelDeliveries,
			m.channelRejectTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordAgentSpawn(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
		m.agentSpawnDuration.Observe(duration.Seconds())
	}
	m.agentSpawnTotal.WithLabelValues(status).Inc()
}

func RecordAgentExit(reason string) {
	getMetrics().agentExitTotal.WithLabelValues(reason).Inc()
}

func RecordAgentRequest(method string, duration time.Duration, status string) {
	m := getMetrics()
	m.acpRequestTotal.WithLabelValues(method, status).Inc()
	m.acpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordMalformedFrame() {
	getMetrics().acpMalformedFrames.Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSweep(closed int) {
	getMetrics().sessionsSwept.Add(float64(closed))
}

// RecordInbound counts an inbound message. kind is one of prompt, command,
// permission_reply, cancel or rejected.
func RecordInbound(platform, kind string) {
	getMetrics().inboundTotal.WithLabelValues(platform, kind).Inc()
}

// RecordTurn records a finished turn. outcome is one of completed, cancelled,
// error, timeout or lost.
func RecordTurn(platform string, duration time.Duration, outcome string) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(platform, outcome).Inc()
	m.turnDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

func RecordPermission(outcome string) {
	getMetrics().permissionsTotal.WithLabelValues(outcome).Inc()
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

// RecordGatewayAuth counts an authentication attempt. method is header or
// challenge; result is success or failure.
func RecordGatewayAuth(method, result string) {
	getMetrics().gatewayAuthTotal.WithLabelValues(method, result).Inc()
}

func RecordDelivery(platform, kind string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	getMetrics().channelDeliveries.WithLabelValues(platform, kind, status).Inc()
}

// RecordChannelReject counts an update an adapter dropped, such as a sender
// outside the allowlist or a group message without a mention.
func RecordChannelReject(platform, reason string) {
	getMetrics().channelRejectTotal.WithLabelValues(platform, reason).Inc()
}

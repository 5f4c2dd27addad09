package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the process-level metrics of the daemon. Domain metrics are
// registered on the default registry by the observability package and are
// served alongside these.
type Metrics struct {
	registry *prometheus.Registry

	BuildInfo *prometheus.GaugeVec
	StartTime prometheus.Gauge
	Channels  *prometheus.GaugeVec
}

// NewMetrics creates and registers the process metrics.
func NewMetrics(version string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kirogate_build_info",
				Help: "Build information of the running daemon.",
			},
			[]string{"version"},
		),
		StartTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kirogate_start_time_seconds",
				Help: "Unix time the daemon started.",
			},
		),
		Channels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kirogate_channel_up",
				Help: "Whether a chat channel is running (1) or not (0).",
			},
			[]string{"platform"},
		),
	}

	registry.MustRegister(m.BuildInfo, m.StartTime, m.Channels)
	m.BuildInfo.WithLabelValues(version).Set(1)
	return m
}

// MarkStarted records the daemon start time.
func (m *Metrics) MarkStarted(t time.Time) {
	m.StartTime.Set(float64(t.Unix()))
}

// SetChannelUp records whether a channel is running.
func (m *Metrics) SetChannelUp(platform string, up bool) {
	value := 0.0
	if up {
		value = 1
	}
	m.Channels.WithLabelValues(platform).Set(value)
}

// Handler serves these metrics together with the default registry.
func (m *Metrics) Handler() http.Handler {
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, m.registry}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Server is the standalone metrics listener.
type Server struct {
	addr    string
	metrics *Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics listener on addr.
func NewServer(addr string, m *Metrics, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		metrics: m,
		logger:  logger.With().Str("component", "metrics").Logger(),
	}
}

// Start binds the listener and serves /metrics in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("metrics server is already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())

	s.listener = listener
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server, l net.Listener) {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}(s.server, listener)

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Metrics server started")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}
	s.logger.Info().Msg("Metrics server stopped")
	return nil
}

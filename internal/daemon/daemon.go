package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/kirogate/internal/config"
	"github.com/harun/kirogate/internal/logger"
	"github.com/harun/kirogate/internal/metrics"
	"github.com/harun/kirogate/internal/observability"
	"github.com/harun/kirogate/internal/telegram"
	"github.com/harun/kirogate/internal/tracing"
	"github.com/harun/kirogate/pkg/channels"
	"github.com/harun/kirogate/pkg/gateway"
	"github.com/harun/kirogate/pkg/session"
)

// DefaultShutdownTimeout bounds Stop when the caller gives no deadline.
const DefaultShutdownTimeout = 15 * time.Second

// Options configures a Daemon.
type Options struct {
	Config *config.Config
	// ConfigPath is watched for changes when set.
	ConfigPath string
	Logger     *logger.Logger
	Version    string

	// Launch overrides how agent processes are started.
	Launch session.Launcher
	// TelegramAPI and TelegramSelf replace the Bot API client.
	TelegramAPI  telegram.BotAPI
	TelegramSelf tgbotapi.User
}

// Daemon represents the kirogate daemon service
type Daemon struct {
	configPath string
	logger     *logger.Logger

	registry      *channels.Registry
	sessionMgr    *session.Manager
	gatewayServer *gateway.Server
	telegramBot   *telegram.Bot
	metrics       *metrics.Metrics
	metricsServer *metrics.Server
	watcher       *config.Watcher
	lifecycle     *LifecycleManager
	eventLoop     *EventLoop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	config    *config.Config
	startTime time.Time
	running   bool

	tracingEnabled bool
}

// Status is a snapshot of the daemon.
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
	Channels  []string
	Sessions  int
}

// New creates a new daemon instance
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	cfg := opts.Config
	log := opts.Logger

	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		configPath: opts.ConfigPath,
		logger:     log,
		config:     cfg,
		ctx:        ctx,
		cancel:     cancel,
		metrics:    metrics.NewMetrics(opts.Version),
		lifecycle:  NewLifecycleManager(cfg.DataDir, log.GetZerolog()),
	}

	if cfg.Tracing.Enabled {
		err := tracing.InitProvider(tracing.ProviderConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: opts.Version,
			DataDir:        cfg.DataDir,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	d.registry = channels.NewRegistry(nil)
	d.sessionMgr = session.NewManager(session.Options{
		Settings:      d.sessionSettings,
		Launch:        opts.Launch,
		Sink:          d.registry,
		Logger:        log.GetZerolog(),
		SweepInterval: cfg.Session.SweepInterval,
	})
	d.registry.SetDispatch(d.sessionMgr.Route)

	if err := d.initializeChannels(opts); err != nil {
		cancel()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize channels: %w", err)
	}

	if cfg.Metrics.Enabled {
		d.metricsServer = metrics.NewServer(cfg.Metrics.Addr, d.metrics, log.GetZerolog())
	}

	if opts.ConfigPath != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Path:     opts.ConfigPath,
			OnChange: d.applyConfig,
			Logger:   log.GetZerolog(),
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create config watcher, hot reload disabled")
		} else {
			d.watcher = watcher
		}
	}

	d.eventLoop = NewEventLoop(d)
	return d, nil
}

// Start starts every component. Channels start last so no message arrives
// before the session manager is ready.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.startTime = time.Now()
	cfg := d.config
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting kirogate daemon")

	if err := d.start(cfg); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.teardown(context.Background())
		return err
	}

	d.metrics.MarkStarted(d.startTime)
	observability.RecordSessionAudit(d.ctx, "daemon_start", "", "success", map[string]interface{}{
		"pid":      os.Getpid(),
		"channels": d.registry.Names(),
	})

	logger.Info().
		Strs("channels", d.registry.Names()).
		Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) start(cfg *config.Config) error {
	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are discarded")
		} else {
			d.logger.Info().Str("path", cfg.Logging.AuditFile).Msg("Audit logger initialized")
		}
	}

	if d.metricsServer != nil {
		if err := d.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if err := d.sessionMgr.Start(); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}

	if err := d.registry.StartAll(d.ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}
	for _, name := range d.registry.Names() {
		d.metrics.SetChannelUp(name, true)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()
	return nil
}

// Stop stops the daemon. Channels stop first so no new messages arrive while
// sessions are shut down.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	d.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping kirogate daemon")

	d.teardown(ctx)

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) teardown(ctx context.Context) {
	logger := d.logger

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if err := d.registry.StopAll(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop channels")
	}
	for _, name := range d.registry.Names() {
		d.metrics.SetChannelUp(name, false)
	}

	d.sessionMgr.Stop()

	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug().Msg("All goroutines stopped")
	case <-ctx.Done():
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownProvider(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Wait blocks until SIGINT, SIGTERM or ctx ends, then stops the daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
		d.logger.Info().Msg("Context cancelled")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Channels: d.registry.Names(),
		Sessions: d.sessionMgr.Len(),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// GetConfig returns the daemon configuration currently in effect.
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetSessionManager returns the session manager
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessionMgr
}

// GetChannelRegistry returns the channel registry
func (d *Daemon) GetChannelRegistry() *channels.Registry {
	return d.registry
}

// GetGatewayServer returns the gateway server, nil when disabled.
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetTelegramBot returns the Telegram bot, nil when disabled.
func (d *Daemon) GetTelegramBot() *telegram.Bot {
	return d.telegramBot
}

// sessionSettings reads the current config so reloaded values apply to
// sessions created afterwards.
func (d *Daemon) sessionSettings(platform string) session.Settings {
	return d.GetConfig().SessionSettings(platform)
}

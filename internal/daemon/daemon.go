package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/shiftdesk/internal/config"
	"github.com/harun/shiftdesk/internal/logger"
	"github.com/harun/shiftdesk/internal/observability"
	"github.com/harun/shiftdesk/internal/telegram"
	"github.com/harun/shiftdesk/internal/tracing"
	"github.com/harun/shiftdesk/pkg/channels"
	"github.com/harun/shiftdesk/pkg/commandqueue"
	"github.com/harun/shiftdesk/pkg/linebot"
	"github.com/harun/shiftdesk/pkg/webhook"
	"github.com/sourcegraph/conc"
)

// Daemon represents the shiftdesk service: the runtime plus its channels.
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	runtime *Runtime

	// Services
	webhookServer *webhook.Server
	lineHandler   *linebot.Handler
	dedup         *commandqueue.DedupCache
	telegramBot   *telegram.Bot
	channels      *channels.Registry

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes a running daemon
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	observability.EnsureRegistered()
	if cfg.Telemetry.Tracing {
		if err := tracing.InitOpenTelemetry(cfg.Telemetry.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) abort() {
	d.cancel()
	if d.dedup != nil {
		d.dedup.Stop()
	}
	if d.runtime != nil {
		_ = d.runtime.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules opens the audit log and builds the runtime
func (d *Daemon) initializeCoreModules() error {
	if err := os.MkdirAll(d.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if path := d.config.Logging.AuditFile; path != "" {
		if err := observability.InitAuditLogger(path); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		} else {
			d.logger.Info().Str("path", path).Msg("Audit logger initialized")
		}
	}

	runtime, err := NewRuntime(d.ctx, d.config, d.logger.GetZerolog())
	if err != nil {
		return err
	}
	d.runtime = runtime
	return nil
}

// initializeServices builds the HTTP server and the enabled channels
func (d *Daemon) initializeServices() error {
	d.channels = channels.NewRegistry()

	d.webhookServer = webhook.NewServer(webhook.ServerOptions{
		Host:               d.config.Server.Host,
		Port:               d.config.Server.Port,
		RateLimitPerMinute: d.config.Server.RateLimitPerMinute,
	}, d.logger.GetZerolog())
	d.webhookServer.Handle("/metrics", observability.MetricsHandler())
	d.webhookServer.SetHealthCheck(d.health)

	if d.config.Line.Enabled {
		ttl := time.Duration(d.config.Line.DedupTTLSeconds) * time.Second
		if ttl > 0 {
			d.dedup = commandqueue.NewDedupCache(d.ctx, ttl)
		}

		opts := linebot.HandlerOptions{
			ChannelSecret: d.config.Line.ChannelSecret,
			Path:          d.config.Line.WebhookPath,
			Messages:      d.runtime.Orchestrator,
			Replier:       d.runtime.LineClient,
			Dedup:         d.dedup,
			Timeout:       d.config.Agent.Timeout(),
			Logger:        d.logger.GetZerolog(),
		}
		// Only gate on membership when a roster exists.
		if d.runtime.Shifts.MemberCount() > 0 {
			opts.Directory = d.runtime.Shifts
		}
		handler, err := linebot.NewHandler(opts)
		if err != nil {
			return fmt.Errorf("failed to create LINE handler: %w", err)
		}
		if err := d.webhookServer.RegisterRoute(handler.Route()); err != nil {
			return fmt.Errorf("failed to register LINE route: %w", err)
		}
		d.lineHandler = handler
		// Accepted LINE events finish before the queue closes.
		if err := d.channels.Register(channels.Funcs{
			ChannelName: linebot.ChannelName,
			StopFunc: func(context.Context) error {
				handler.Close()
				return nil
			},
		}); err != nil {
			return err
		}
		d.logger.Info().Str("path", handler.Route().Path).Msg("LINE channel enabled")
	}

	if d.config.Telegram.Enabled {
		bot, err := telegram.New(&d.config.Telegram, d.runtime.Orchestrator, d.logger.GetZerolog())
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		bot.SetTimeout(d.config.Agent.Timeout())
		bot.SetResetCommand(d.config.Agent.ResetCommand)
		d.telegramBot = bot
		if err := d.channels.Register(channels.Funcs{
			ChannelName: telegram.ChannelName,
			StartFunc:   func(context.Context) error { return bot.Start() },
			StopFunc:    func(context.Context) error { return bot.Stop() },
		}); err != nil {
			return err
		}
		d.logger.Info().Msg("Telegram channel enabled")
	}

	return nil
}

func (d *Daemon) health() map[string]interface{} {
	status := d.Status()
	return map[string]interface{}{
		"running":  status.Running,
		"uptime":   status.Uptime.Round(time.Second).String(),
		"provider": d.runtime.Gateway.Provider(),
		"channels": d.channels.Names(),
		"lanes":    len(d.runtime.Queue.GetStats()),
	}
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting shiftdesk daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.config.Agent.SystemPromptFile != "" {
		if err := d.runtime.Prompts.Watch(); err != nil {
			logger.Warn().Err(err).Msg("Failed to watch system prompt file")
		} else {
			logger.Info().Str("file", d.config.Agent.SystemPromptFile).Msg("Watching system prompt file")
		}
	}

	d.wg.Go(func() {
		if err := d.webhookServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Webhook server failed")
			d.cancel()
		}
	})
	logger.Info().Str("addr", d.webhookServer.Addr()).Msg("Webhook server started")

	if err := d.channels.StartAll(d.ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}
	logger.Info().Strs("channels", d.channels.Names()).Msg("Channels started")

	d.wg.Go(func() {
		d.eventLoop.Run(d.ctx)
	})

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping shiftdesk daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.webhookServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop webhook server")
	}

	if err := d.channels.StopAll(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop channels")
	}
	d.eventLoop.HandleShutdown()

	d.cancel()

	done := make(chan struct{})
	go func() {
		if r := d.wg.WaitAndRecover(); r != nil {
			logger.Error().Interface("panic", r.Value).Str("stack", string(r.Stack)).Msg("Daemon goroutine panicked")
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if d.dedup != nil {
		d.dedup.Stop()
	}

	if err := d.runtime.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close runtime")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT/SIGTERM or a fatal service error, then stops.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.ctx.Done():
		d.logger.Warn().Msg("Daemon context cancelled")
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetRuntime returns the message-handling core
func (d *Daemon) GetRuntime() *Runtime {
	return d.runtime
}

// GetWebhookServer returns the HTTP server
func (d *Daemon) GetWebhookServer() *webhook.Server {
	return d.webhookServer
}

// GetTelegramBot returns the Telegram bot, nil when disabled
func (d *Daemon) GetTelegramBot() *telegram.Bot {
	return d.telegramBot
}

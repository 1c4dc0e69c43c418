package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/otaku/internal/config"
	"github.com/harun/otaku/internal/logger"
	"github.com/harun/otaku/internal/observability"
	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/cron"
	"github.com/harun/otaku/pkg/gateway"
	"github.com/harun/otaku/pkg/orchestrator"
)

// RefreshJobName is the scheduler name of the token refresh job
const RefreshJobName = "token-refresh"

// Daemon represents the otaku daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	stack         *Stack
	gatewayServer *gateway.Server
	scheduler     *cron.Scheduler

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	observer orchestrator.Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	return NewWithOptions(cfg, log, StackOptions{})
}

// NewWithOptions creates a daemon whose query stack is built with opts.
// An Observer in opts receives every orchestrator event alongside the
// gateway.
func NewWithOptions(cfg *config.Config, log *logger.Logger, opts StackOptions) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	tracingEnabled := true
	if err := tracing.InitOpenTelemetry("otaku-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		tracingEnabled = false
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		observer:       opts.Observer,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: tracingEnabled,
	}

	if err := d.initialize(opts); err != nil {
		d.abort()
		return nil, err
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initialize(opts StackOptions) error {
	zl := d.logger.GetZerolog()

	if err := os.MkdirAll(d.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := observability.InitAuditLogger(filepath.Join(d.config.DataDir, "audit.log")); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to open audit log")
	}

	opts.Observer = d.observe
	stack, err := BuildStack(d.config, zl, opts)
	if err != nil {
		return fmt.Errorf("failed to initialize query stack: %w", err)
	}
	d.stack = stack

	gwCfg := gateway.Config{
		Host:         d.config.Gateway.Host,
		Port:         d.config.Gateway.Port,
		SharedSecret: d.config.Gateway.SharedSecret,
		Querier:      stack.Orchestrator,
		Logger:       d.logger.Component("gateway"),
	}
	if stack.Transcripts != nil {
		gwCfg.Transcripts = stack.Transcripts
	}
	d.gatewayServer, err = gateway.NewServer(gwCfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	d.scheduler = cron.NewScheduler(zl)
	if d.config.Refresh.Enabled {
		if err := d.scheduler.Add(RefreshJobName, d.config.Refresh.Schedule, stack.Refresher.Refresh); err != nil {
			return fmt.Errorf("failed to schedule token refresh: %w", err)
		}
	}

	return nil
}

// observe fans orchestrator events out to the gateway and the optional
// caller observer. The gateway may not exist yet while the stack is built.
func (d *Daemon) observe(evt orchestrator.Event) {
	d.gatewayServer.Observe(evt)
	if d.observer != nil {
		d.observer(evt)
	}
}

// abort releases whatever initialize managed to create
func (d *Daemon) abort() {
	d.cancel()
	if d.stack != nil {
		if err := d.stack.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close query stack")
		}
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to close audit logger")
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
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

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting otaku daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.config.Credentials.Watch {
		if err := d.stack.Credentials.Watch(); err != nil {
			logger.Warn().Err(err).Msg("Failed to watch credentials file")
		}
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	d.scheduler.Start()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().
		Strs("experts", d.stack.Experts.Names()).
		Bool("refresh_job", d.config.Refresh.Enabled).
		Msg("Daemon started")

	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
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

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping otaku daemon")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()

	if err := d.gatewayServer.Stop(drainCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if err := d.scheduler.Stop(drainCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop scheduler")
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.stack.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close query stack")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
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

// RefreshNow runs the token refresh immediately, through the scheduler
// when the job is registered so its state stays accurate
func (d *Daemon) RefreshNow(ctx context.Context) error {
	if d.config.Refresh.Enabled {
		return d.scheduler.RunNow(ctx, RefreshJobName)
	}
	return d.stack.Refresher.Refresh(ctx)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Experts: d.stack.Experts.Names(),
		Jobs:    d.scheduler.Jobs(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.PID = os.Getpid()
		status.Address = d.gatewayServer.Addr()
		status.Clients = len(d.gatewayServer.GetConnectedClients())
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

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

// GetStack returns the query stack
func (d *Daemon) GetStack() *Stack {
	return d.stack
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetScheduler returns the background job scheduler
func (d *Daemon) GetScheduler() *cron.Scheduler {
	return d.scheduler
}

// Status represents daemon status
type Status struct {
	Running   bool            `json:"running"`
	Uptime    time.Duration   `json:"uptime"`
	StartTime time.Time       `json:"start_time,omitempty"`
	PID       int             `json:"pid,omitempty"`
	Address   string          `json:"address,omitempty"`
	Clients   int             `json:"clients"`
	Experts   []string        `json:"experts"`
	Jobs      []cron.JobState `json:"jobs,omitempty"`
}

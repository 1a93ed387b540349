package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/harun/toolengine/internal/config"
	"github.com/harun/toolengine/internal/logger"
	"github.com/harun/toolengine/internal/observability"
	"github.com/harun/toolengine/internal/tracing"
	"github.com/harun/toolengine/pkg/backends"
	"github.com/harun/toolengine/pkg/backends/twin"
	"github.com/harun/toolengine/pkg/gateway"
	"github.com/harun/toolengine/pkg/toolexecutor"
)

const version = "0.1.0"

// Daemon hosts the tool engine: the catalog, the executor and, when
// enabled, the gateway in front of them.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	catalog        *toolexecutor.MemoryCatalog
	catalogWatcher *config.CatalogWatcher
	twinStore      twin.Store
	executor       *toolexecutor.ToolExecutor
	gatewayServer  *gateway.Server
	lifecycle      *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a snapshot of the daemon state
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Tools     int
	Gateway   string
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, version, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			log.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to open audit log")
		}
	}

	if err := d.initializeEngine(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	if err := d.initializeGateway(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initializeEngine() error {
	catalog, err := config.LoadCatalog(d.config.Catalog.Path)
	if err != nil {
		return err
	}
	d.catalog = catalog

	if path := d.config.Backends.TwinDatabase; path != "" {
		store, err := twin.OpenSQLite(path)
		if err != nil {
			return err
		}
		d.twinStore = store
	} else {
		d.twinStore = twin.NewMemoryStore()
	}

	var fs afero.Fs = afero.NewOsFs()
	if root := d.config.Backends.FileRoot; root != "" {
		fs = afero.NewBasePathFs(fs, root)
	}

	timeout, retention, breaker := d.config.ExecutorSettings()
	executor, err := toolexecutor.New(toolexecutor.Config{
		Catalog:        catalog,
		Factory:        backends.NewFactory(backends.WithFs(fs), backends.WithTwinStore(d.twinStore)),
		Logger:         d.logger.Component("executor"),
		DefaultTimeout: timeout,
		DefaultRetry:   d.config.Executor.Retry,
		Breaker:        breaker,
		StreamBuffer:   d.config.Executor.StreamBuffer,
		Retention:      retention,
	})
	if err != nil {
		return err
	}
	d.executor = executor

	if d.config.Catalog.Watch && d.config.Catalog.Path != "" {
		watcher, err := config.NewCatalogWatcher(catalog, d.config.Catalog.Path, d.onCatalogReload)
		if err != nil {
			return err
		}
		d.catalogWatcher = watcher
	}

	return nil
}

func (d *Daemon) initializeGateway() error {
	gw := d.config.Gateway
	if !gw.Enabled {
		return nil
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:              gw.Host,
		Port:              gw.Port,
		SharedSecret:      gw.SharedSecret,
		Executor:          d.executor,
		Logger:            d.logger.GetZerolog(),
		TickInterval:      time.Duration(gw.TickInterval) * time.Millisecond,
		RequestsPerMinute: gw.RequestsPerMinute,
		MaxConcurrent:     gw.MaxConcurrent,
	})
	if err != nil {
		return err
	}
	d.gatewayServer = server
	return nil
}

// onCatalogReload tells gateway clients the tool set changed.
func (d *Daemon) onCatalogReload(err error) {
	if err != nil || d.gatewayServer == nil {
		return
	}
	tools, _ := d.catalog.ListTools(context.Background())
	d.gatewayServer.Broadcast("catalog.reloaded", map[string]interface{}{
		"count": len(tools),
	})
	observability.RecordConfigAudit(context.Background(), "catalog.reload", "watcher", map[string]interface{}{
		"path":  d.config.Catalog.Path,
		"tools": len(tools),
	})
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
	logger.Info().Msg("Starting toolengine daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.executor.StartJanitor(d.config.Executor.JanitorSchedule); err != nil {
		return fmt.Errorf("failed to start execution janitor: %w", err)
	}

	if d.catalogWatcher != nil {
		if err := d.catalogWatcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to watch catalog, reload disabled")
		}
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr().String()).Msg("Gateway server started")
	}

	tools, _ := d.catalog.ListTools(context.Background())
	logger.Info().Int("tools", len(tools)).Msg("Daemon started successfully")

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

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping toolengine daemon")

	// The gateway goes first so no new executions arrive while backends close.
	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	d.release()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Close releases a daemon that was never started, as used by one-shot
// commands driving the executor directly.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}
	d.release()
	return nil
}

// release closes everything New opened.
func (d *Daemon) release() {
	if d.catalogWatcher != nil {
		if err := d.catalogWatcher.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop catalog watcher")
		}
		d.catalogWatcher = nil
	}

	if d.executor != nil {
		if err := d.executor.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close executor")
		}
	}

	if closer, ok := d.twinStore.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close twin store")
		}
	}
	d.twinStore = nil

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		if d.gatewayServer != nil && d.gatewayServer.Addr() != nil {
			status.Gateway = d.gatewayServer.Addr().String()
		}
	}
	if d.catalog != nil {
		tools, _ := d.catalog.ListTools(context.Background())
		status.Tools = len(tools)
	}

	return status
}

// Wait blocks until ctx is done or SIGINT/SIGTERM arrives, then stops the
// daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	d.logger.Info().Msg("Shutdown requested")

	return d.Stop()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetExecutor returns the tool executor
func (d *Daemon) GetExecutor() *toolexecutor.ToolExecutor {
	return d.executor
}

// GetCatalog returns the tool catalog
func (d *Daemon) GetCatalog() *toolexecutor.MemoryCatalog {
	return d.catalog
}

// GetGatewayServer returns the gateway, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

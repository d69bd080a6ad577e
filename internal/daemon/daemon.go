// internal/daemon/daemon.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/colebrumley/reactor/internal/config"
	"github.com/colebrumley/reactor/internal/engine"
	"github.com/colebrumley/reactor/internal/logging"
	"github.com/colebrumley/reactor/internal/mcp"
	"github.com/colebrumley/reactor/internal/queue"
	"github.com/colebrumley/reactor/internal/runner"
	"github.com/colebrumley/reactor/internal/scheduler"
	"github.com/colebrumley/reactor/internal/sensor"
)

const (
	// redeliverInterval is how often stored but undelivered trigger
	// instances are published again.
	redeliverInterval = 5 * time.Second
	redeliverGrace    = 10 * time.Second
	redeliverBatch    = 100

	shutdownTimeout = 30 * time.Second
)

// Options customize a Daemon.
type Options struct {
	// Logger replaces the logger built from the logging config.
	Logger *slog.Logger
	// ToolServer is the executable claude-prompt runs may start as an MCP
	// tool server. Empty means the running executable.
	ToolServer string
}

// Daemon runs the sensors, the rules engine, the scheduler and the
// runners in one process.
type Daemon struct {
	cfg  *config.Global
	opts Options

	logger     *slog.Logger
	logWriter  io.Closer
	svc        *Services
	sensors    *sensors
	engine     *engine.Engine
	scheduler  *scheduler.Scheduler
	container  *runner.Container
	tools      *mcp.Server
	httpServer *http.Server
	startTime  time.Time
}

// New creates a daemon for cfg. cfg must already carry defaults.
func New(cfg *config.Global, opts Options) *Daemon {
	return &Daemon{cfg: cfg, opts: opts}
}

// Run starts every component and blocks until ctx is done or the
// scheduler fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = time.Now()
	d.initLogger()
	defer d.closeLogWriter()

	d.logger.Info("starting daemon", "content_dir", d.cfg.Content.Dir, "database", d.cfg.Database.Driver, "bus", d.cfg.Bus.Driver)

	if err := d.init(ctx); err != nil {
		return err
	}
	defer d.svc.Close()

	if err := d.loadContent(ctx); err != nil {
		return fmt.Errorf("loading content: %w", err)
	}

	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, runCtx := errgroup.WithContext(base)
	spawn := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(runCtx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	spawn("rules engine", func(ctx context.Context) error { return d.engine.Run(ctx, d.svc.Bus) })
	spawn("scheduler", d.scheduler.Run)
	spawn("runner", d.container.Run)
	spawn("sensors", func(ctx context.Context) error { d.sensors.Run(ctx); return nil })
	spawn("redelivery", func(ctx context.Context) error { d.redeliverLoop(ctx); return nil })
	if d.cfg.Content.Watch {
		spawn("hot reload", func(ctx context.Context) error { d.startHotReload(ctx); return nil })
	}

	stopRetention, err := d.startRetention(runCtx)
	if err != nil {
		cancel()
		g.Wait()
		return err
	}
	defer stopRetention()

	if err := d.startHTTPServer(runCtx); err != nil {
		cancel()
		g.Wait()
		return fmt.Errorf("starting http server: %w", err)
	}

	d.sensors.Lifecycle(sensor.LifecycleStart)
	d.logger.Info("daemon started", "sensors", d.sensors.Len())

	failed := false
	select {
	case <-ctx.Done():
		d.logger.Info("daemon stopping")
		// Stop events are stored before the engine goes down; anything
		// not handled now is redelivered on the next start.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if d.sensors.Lifecycle(sensor.LifecycleStop) > 0 {
			d.sensors.Drain(shutdownCtx)
		}
		shutdownCancel()
	case <-runCtx.Done():
		failed = true
	}

	cancel()
	d.sensors.StopAll()
	err = g.Wait()
	if failed {
		d.logger.Error("daemon stopped after component failure", "error", err)
		return err
	}
	d.logger.Info("daemon stopped", "uptime", time.Since(d.startTime).Truncate(time.Second).String())
	return nil
}

func (d *Daemon) init(ctx context.Context) error {
	svc, err := OpenServices(ctx, d.cfg, d.logger, true)
	if err != nil {
		return err
	}
	d.svc = svc

	toolServer := d.opts.ToolServer
	if toolServer == "" {
		if exe, err := os.Executable(); err == nil {
			toolServer = exe
		} else {
			d.logger.Warn("could not determine daemon path, claude tool server disabled", "error", err)
		}
	}

	registry := runner.NewRegistry(runner.Options{
		Shell:          d.cfg.Runner.Shell,
		ClaudeCommand:  d.cfg.Runner.ClaudeCommand,
		ClaudeDefaults: d.cfg.ClaudeDefaults,
		ToolServer:     toolServer,
		AllowedUsers:   d.cfg.Runner.AllowedRunAsUsers,
		Logger:         d.logger,
	})
	d.container = runner.NewContainer(registry, svc.Actions, svc.Store, runner.ContainerOptions{
		PoolSize:           d.cfg.Runner.PoolSize,
		DefaultTimeout:     d.cfg.Runner.DefaultTimeout,
		CancelPollInterval: d.cfg.Runner.CancelPollInterval,
		Logger:             d.logger,
		Metrics:            svc.Metrics,
	})

	sc := d.cfg.Scheduler
	retry := queue.DefaultRetry()
	if sc.RetryMaxAttempt > 0 {
		retry.MaxAttempts = sc.RetryMaxAttempt
	}
	if sc.RetryWait > 0 {
		retry.InitialDelay = sc.RetryWait
	}
	d.scheduler = scheduler.New(svc.Queue, svc.Store, svc.PolicyService(), d.container, svc.Actions, scheduler.Options{
		PoolSize:          sc.PoolSize,
		SleepInterval:     sc.SleepInterval,
		GCInterval:        sc.GCInterval,
		SchedulingTimeout: sc.SchedulingTimeout,
		HandledRetention:  sc.HandledRetention,
		DelayedReschedule: sc.DelayedReschedule,
		Retry:             retry,
		Logger:            d.logger,
		Metrics:           svc.Metrics,
	})

	d.engine = engine.New(svc.Store, svc.Enforcer, engine.Options{
		PoolSize: d.cfg.Reactor.PoolSize,
		Retry:    retry,
		Logger:   d.logger,
		Metrics:  svc.Metrics,
	})

	d.sensors = newSensors(svc.Triggers, logging.WithComponent(d.logger, "sensors"), svc.Metrics)
	d.tools = mcp.NewServer(mcp.Deps{
		Dispatcher: svc.Triggers,
		Store:      svc.Store,
		Actions:    svc.Actions,
		Queue:      svc.Queue,
		Logger:     d.logger,
	})
	return nil
}

// initLogger writes to the rotating log file when one is configured and
// falls back to stdout.
func (d *Daemon) initLogger() {
	if d.opts.Logger != nil {
		d.logger = d.opts.Logger
		return
	}
	lc := d.cfg.Logging
	if lc.File == "" {
		d.logger = logging.NewLogger(lc.Format, lc.Level, os.Stdout)
		return
	}
	w, err := d.initLogWriter()
	if err != nil {
		d.logger = logging.NewLogger(lc.Format, lc.Level, os.Stdout)
		d.logger.Warn("failed to initialize rotating log writer, using stdout", "error", err)
		return
	}
	d.logWriter = w
	d.logger = logging.NewLogger(lc.Format, lc.Level, w)
}

func (d *Daemon) initLogWriter() (*logging.RotatingWriter, error) {
	path := d.cfg.Logging.File
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return logging.NewRotatingWriter(path, int64(d.cfg.Logging.MaxSizeMB)*1024*1024, d.cfg.Logging.MaxFiles)
}

func (d *Daemon) closeLogWriter() {
	if d.logWriter != nil {
		d.logWriter.Close()
	}
}

// redeliverLoop publishes trigger instances other processes stored
// without a bus.
func (d *Daemon) redeliverLoop(ctx context.Context) {
	ticker := time.NewTicker(redeliverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.Redeliver(ctx, d.svc.Store, d.svc.Bus, redeliverGrace, redeliverBatch)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn("redelivering trigger instances", "error", err)
			}
			if n > 0 {
				d.logger.Info("redelivered trigger instances", "count", n)
			}
		}
	}
}

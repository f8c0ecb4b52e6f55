// Package fabric assembles the event fabric from a loaded config: storage,
// StarBridge, the vector ledger, the watchdog, the governors, the Magnetic
// Rail and the HTTP gateway.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BrandonDucar/dream-net-sub003/internal/audit"
	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/channels"
	"github.com/BrandonDucar/dream-net-sub003/internal/config"
	"github.com/BrandonDucar/dream-net-sub003/internal/gateway"
	"github.com/BrandonDucar/dream-net-sub003/internal/governor"
	"github.com/BrandonDucar/dream-net-sub003/internal/ledger"
	"github.com/BrandonDucar/dream-net-sub003/internal/otel"
	"github.com/BrandonDucar/dream-net-sub003/internal/persistence"
	"github.com/BrandonDucar/dream-net-sub003/internal/rail"
	"github.com/BrandonDucar/dream-net-sub003/internal/telemetry"
	"github.com/BrandonDucar/dream-net-sub003/internal/watchdog"
)

// Built-in Magnetic Rail job ids.
const (
	JobVectorRollup = "vector-rollup"
	JobWatchdog     = "integrity-watchdog"
	JobRetention    = "retention"
)

// StartupError tags a failed startup phase with a stable code.
type StartupError struct {
	Code string
	Err  error
}

func (e *StartupError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *StartupError) Unwrap() error { return e.Err }

func startupErr(code string, err error) error {
	return &StartupError{Code: code, Err: err}
}

type Options struct {
	// Logger overrides the file+stdout logger built from the config.
	Logger *slog.Logger
	// Quiet keeps logs out of stdout.
	Quiet   bool
	Version string
}

// Fabric owns every long-lived component. Close releases them in reverse
// order of construction.
type Fabric struct {
	Config config.Config
	Logger *slog.Logger

	OTel     *otel.Provider
	Metrics  *otel.Metrics
	Store    *persistence.Store
	Audit    *audit.Recorder
	Bus      *bus.Bus
	Ledger   *ledger.Service
	Watchdog *watchdog.Watchdog
	Conduits *governor.ConduitGovernor
	Budgets  *governor.BudgetLedger
	Compute  *governor.ComputeGovernor
	Rail     *rail.Rail
	// Notifier is nil unless a notification channel is configured.
	Notifier *channels.Forwarder

	version string
	closers []func() error
}

// Open builds the fabric. On error everything opened so far is closed.
func Open(ctx context.Context, cfg config.Config, opts Options) (_ *Fabric, err error) {
	f := &Fabric{Config: cfg, version: opts.Version}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	f.Logger = opts.Logger
	if f.Logger == nil {
		logger, closer, lerr := telemetry.NewLogger(cfg.HomeDir, telemetry.Options{
			Level:  cfg.LogLevel,
			Quiet:  opts.Quiet,
			Format: cfg.LogFormat,
		})
		if lerr != nil {
			return nil, startupErr("E_LOGGER_INIT", lerr)
		}
		f.Logger = logger
		f.onClose(closer.Close)
	}
	f.Logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	f.OTel, err = otel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, startupErr("E_OTEL_INIT", err)
	}
	f.onClose(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return f.OTel.Shutdown(sctx)
	})
	f.Metrics, err = otel.NewMetrics(f.OTel.Meter)
	if err != nil {
		return nil, startupErr("E_OTEL_INIT", err)
	}

	f.Store, err = persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, startupErr("E_STORE_OPEN", err)
	}
	f.onClose(f.Store.Close)
	f.Logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	f.Audit, err = audit.New(cfg.HomeDir, f.Store.DB(), f.Logger)
	if err != nil {
		return nil, startupErr("E_AUDIT_INIT", err)
	}
	f.onClose(f.Audit.Close)

	unsigned, err := bus.ParseTopics(cfg.Bus.UnsignedTopics)
	if err != nil {
		return nil, startupErr("E_CONFIG_INVALID", err)
	}
	f.Bus = bus.New(bus.Config{
		Log:            f.Store,
		Secret:         []byte(cfg.HMACSecret),
		UnsignedTopics: unsigned,
		Logger:         f.Logger,
		Metrics:        f.Metrics,
		Tracer:         f.OTel.Tracer,
		OnReject:       f.auditRejection,
	})
	if !f.Bus.SigningEnabled() {
		f.Logger.Warn("hmac_secret is empty; external events are accepted unsigned")
	}
	if cfg.Bus.NATSURL != "" {
		mirror, nerr := bus.NewNATSMirror(cfg.Bus.NATSURL, f.Logger)
		if nerr != nil {
			return nil, startupErr("E_NATS_CONNECT", nerr)
		}
		detach := mirror.Attach(f.Bus)
		f.onClose(func() error {
			detach()
			return mirror.Close()
		})
		f.Logger.Info("startup phase", "phase", "nats_mirror_attached")
	}

	algo := cfg.Algo()
	f.Ledger = ledger.New(ledger.Config{
		Store:   f.Store,
		Bus:     f.Bus,
		Algo:    algo,
		Logger:  f.Logger,
		Metrics: f.Metrics,
		Tracer:  f.OTel.Tracer,
	})

	f.Watchdog, err = watchdog.New(watchdog.Config{
		Root:          cfg.Watchdog.Root,
		Exclude:       cfg.Watchdog.Exclude,
		WebhookURL:    cfg.Watchdog.WebhookURL,
		Algo:          algo,
		Store:         f.Store,
		Bus:           f.Bus,
		Logger:        f.Logger,
		Metrics:       f.Metrics,
		Tracer:        f.OTel.Tracer,
		Concurrency:   cfg.Watchdog.Concurrency,
		KeepSnapshots: cfg.Watchdog.KeepSnapshots,
	})
	if err != nil {
		return nil, startupErr("E_WATCHDOG_INIT", err)
	}

	var usage governor.UsageStore = governor.NewMemoryUsageStore()
	if cfg.Governor.RedisURL != "" {
		redisStore, rerr := governor.NewRedisUsageStore(ctx, cfg.Governor.RedisURL)
		if rerr != nil {
			return nil, startupErr("E_REDIS_CONNECT", rerr)
		}
		f.onClose(redisStore.Close)
		usage = redisStore
	}
	f.Conduits, err = governor.NewConduitGovernor(governor.ConduitOptions{
		Conduits: cfg.Governor.Conduits,
		Store:    usage,
		Bus:      f.Bus,
		Audit:    f.Audit,
		Logger:   f.Logger,
		Metrics:  f.Metrics,
	})
	if err != nil {
		return nil, startupErr("E_CONFIG_INVALID", err)
	}
	f.Budgets = governor.NewBudgetLedger(cfg.Governor.Budgets, nil)
	f.Compute = governor.NewComputeGovernor(governor.ComputeOptions{
		Provider: cfg.Governor.Provider,
		Conduits: f.Conduits,
		Budgets:  f.Budgets,
		Costs:    &cfg.Governor.Costs,
		Bus:      f.Bus,
		Audit:    f.Audit,
		Logger:   f.Logger,
		Metrics:  f.Metrics,
	})

	if cfg.Notify.TelegramToken != "" {
		tg, terr := channels.NewTelegramChannel(cfg.Notify.TelegramToken, cfg.Notify.TelegramEndpoint, cfg.Notify.TelegramChatIDs, f.Logger)
		if terr != nil {
			return nil, startupErr("E_NOTIFY_INIT", terr)
		}
		f.Notifier = channels.NewForwarder(tg, cfg.Notify.Types, f.Logger)
	}

	f.Rail = rail.New(rail.Config{Bus: f.Bus, Logger: f.Logger, Metrics: f.Metrics, Tracer: f.OTel.Tracer})
	if err := f.registerJobs(); err != nil {
		return nil, startupErr("E_RAIL_REGISTER", err)
	}
	f.Logger.Info("startup phase", "phase", "components_ready",
		"conduits", len(cfg.Governor.Conduits), "budgets", len(cfg.Governor.Budgets))
	return f, nil
}

func (f *Fabric) onClose(fn func() error) {
	f.closers = append(f.closers, fn)
}

// Close releases resources in reverse order. It is safe to call twice.
func (f *Fabric) Close() error {
	var errs []error
	for i := len(f.closers) - 1; i >= 0; i-- {
		errs = append(errs, f.closers[i]())
	}
	f.closers = nil
	return errors.Join(errs...)
}

func (f *Fabric) auditRejection(ctx context.Context, reason string, err error) {
	f.Audit.Record(ctx, audit.Entry{
		Subject:  "starbridge",
		Action:   "event.publish",
		Decision: audit.DecisionDeny,
		Reason:   fmt.Sprintf("%s: %v", reason, err),
	})
}

func (f *Fabric) registerJobs() error {
	paused := make(map[string]bool, len(f.Config.Rail.Paused))
	for _, id := range f.Config.Rail.Paused {
		paused[id] = true
	}
	jobs := []rail.Job{
		{
			ID:       JobVectorRollup,
			Name:     "Vector Ledger daily rollup",
			CronExpr: f.Config.Rail.RollupCron,
			Handler:  f.Ledger.RollupPreviousDay,
		},
		{
			ID:       JobWatchdog,
			Name:     "Integrity watchdog snapshot",
			CronExpr: f.Config.Rail.WatchdogCron,
			Handler: func(ctx context.Context) error {
				_, err := f.Watchdog.RunSnapshot(ctx)
				return err
			},
		},
		{
			ID:       JobRetention,
			Name:     "Audit and alert retention",
			CronExpr: f.Config.Rail.RetentionCron,
			Handler:  f.runRetention,
		},
	}
	for _, job := range jobs {
		if job.CronExpr == "" {
			f.Logger.Info("rail job disabled", "job", job.ID)
			continue
		}
		job.StartPaused = paused[job.ID]
		if err := f.Rail.Register(job); err != nil {
			return fmt.Errorf("register %s: %w", job.ID, err)
		}
	}
	return nil
}

func (f *Fabric) runRetention(ctx context.Context) error {
	res, err := f.Store.RunRetention(ctx, f.Config.RetentionAuditLogDays, f.Config.RetentionAlertDays)
	if err != nil {
		return err
	}
	if res.PurgedAuditLogs+res.PurgedAlerts > 0 {
		f.Logger.Info("retention job completed",
			"purged_audit_logs", res.PurgedAuditLogs,
			"purged_alerts", res.PurgedAlerts)
	}
	return nil
}

// Reload applies the runtime-reloadable sections of cfg: conduits and
// budgets. An invalid conduit table leaves the running one in place.
func (f *Fabric) Reload(cfg config.Config) error {
	if err := f.Conduits.ReplaceConduits(cfg.Governor.Conduits); err != nil {
		return fmt.Errorf("reload conduits: %w", err)
	}
	f.Budgets.ReplaceBudgets(cfg.Governor.Budgets)
	f.Config.Governor.Conduits = cfg.Governor.Conduits
	f.Config.Governor.Budgets = cfg.Governor.Budgets
	f.Logger.Info("config reloaded",
		"fingerprint", cfg.Fingerprint(),
		"conduits", len(cfg.Governor.Conduits),
		"budgets", len(cfg.Governor.Budgets))
	return nil
}

// Server builds the HTTP gateway over the fabric's components.
func (f *Fabric) Server() *gateway.Server {
	return gateway.New(gateway.Config{
		Bus:               f.Bus,
		Ledger:            f.Ledger,
		Conduits:          f.Conduits,
		Compute:           f.Compute,
		Rail:              f.Rail,
		Watchdog:          f.Watchdog,
		Store:             f.Store,
		Audit:             f.Audit,
		Logger:            f.Logger,
		Metrics:           f.Metrics,
		Tracer:            f.OTel.Tracer,
		MetricsHandler:    f.OTel.MetricsHandler(),
		AllowOrigins:      f.Config.AllowOrigins,
		RateLimit:         f.Config.RateLimit,
		StreamBuffer:      f.Config.Bus.StreamBuffer,
		Heartbeat:         time.Duration(f.Config.Bus.HeartbeatSeconds) * time.Second,
		ConfigFingerprint: f.Config.Fingerprint(),
		Version:           f.version,
	})
}

// Run listens on the configured bind address and serves until ctx ends.
func (f *Fabric) Run(ctx context.Context) error {
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", f.Config.BindAddr)
	if err != nil {
		return startupErr("E_LISTENER_BIND", err)
	}
	return f.Serve(ctx, ln)
}

// Serve runs the rail, the config watcher and the gateway on ln until ctx
// ends, then shuts down: intake stops first, then in-flight jobs drain
// within the configured timeout.
func (f *Fabric) Serve(ctx context.Context, ln net.Listener) error {
	srv := f.Server()
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	// Request contexts end with gctx so open streams return on shutdown.
	httpServer.BaseContext = func(net.Listener) context.Context { return gctx }

	f.Rail.Start(gctx)
	if f.Notifier != nil {
		f.Notifier.Start(gctx, f.Bus)
	}
	if lim := srv.Limiter(); lim != nil {
		lim.StartEviction(gctx, time.Minute, 10*time.Minute)
	}

	watcher := config.NewWatcher(f.Config.HomeDir, f.Logger)
	if err := watcher.Start(gctx); err != nil {
		f.Logger.Warn("config watcher unavailable; hot reload disabled", "error", err)
	} else {
		g.Go(func() error {
			f.watchConfig(watcher.Events())
			return nil
		})
	}

	g.Go(func() error {
		f.Logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		f.Logger.Info("shutdown signal received")
		drain := time.Duration(f.Config.DrainTimeoutSeconds) * time.Second
		if drain <= 0 {
			drain = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			f.Logger.Warn("gateway shutdown incomplete", "error", err)
			_ = httpServer.Close()
		}
		if err := f.Rail.Stop(shutdownCtx); err != nil {
			f.Logger.Warn("rail drain timed out", "error", err)
		}
		if f.Notifier != nil {
			f.Notifier.Stop()
		}
		f.Logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}

func (f *Fabric) watchConfig(events <-chan config.ReloadEvent) {
	for ev := range events {
		f.Logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
		cfg, err := config.LoadFrom(f.Config.HomeDir)
		if err != nil {
			f.Logger.Error("config reload rejected", "error", err)
			continue
		}
		if err := f.Reload(cfg); err != nil {
			f.Logger.Error("config reload rejected", "error", err)
		}
	}
}

var _ io.Closer = (*Fabric)(nil)

package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nuetzliches/eventpipe/internal/config"
	"github.com/nuetzliches/eventpipe/internal/connectivity"
	"github.com/nuetzliches/eventpipe/internal/dispatcher"
	"github.com/nuetzliches/eventpipe/internal/engine"
	"github.com/nuetzliches/eventpipe/internal/httpheader"
	"github.com/nuetzliches/eventpipe/internal/ingest"
	"github.com/nuetzliches/eventpipe/internal/queue"
	"github.com/nuetzliches/eventpipe/internal/scheduler"
	"github.com/nuetzliches/eventpipe/internal/secrets"
	"github.com/nuetzliches/eventpipe/internal/telemetry"
)

const (
	minDrainTimeout   = 15 * time.Second
	shutdownTimeout   = 5 * time.Second
	watchDebounce     = 200 * time.Millisecond
	ingestReadTimeout = 10 * time.Second
)

// runFlags are command line overrides that survive config reloads.
type runFlags struct {
	configPath string
	dbPath     string
	logLevel   string
	offline    bool
}

func (f runFlags) apply(cfg *config.Config) {
	if p := strings.TrimSpace(f.dbPath); p != "" {
		cfg.Queue.Path = p
	}
	if l := strings.TrimSpace(f.logLevel); l != "" {
		cfg.Observability.LogLevel = l
	}
}

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file (empty: defaults and environment only)")
	dbPath := fs.String("db", "", "override queue.path for the sqlite backend")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	logLevel := fs.String("log-level", "", "override observability.log_level (debug|info|warn|error)")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch config file for reload")
	offline := fs.Bool("offline", false, "start with dispatch suspended; payloads are only queued")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	flags := runFlags{configPath: *configPath, dbPath: *dbPath, logLevel: *logLevel, offline: *offline}

	baseLogger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(baseLogger)

	releasePIDFile, err := claimPIDFile(*pidFile)
	if err != nil {
		baseLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if err := config.LoadDotenv(*dotenvPath); err != nil {
		baseLogger.Error("dotenv_failed", slog.Any("err", err))
		return 1
	}

	cfg, err := loadRunConfig(flags)
	if err != nil {
		baseLogger.Error("load_config_failed", slog.Any("err", err))
		return 1
	}
	res := cfg.Validate(config.ValidationOptions{})
	if !res.OK {
		baseLogger.Error("validate_config_failed", slog.String("error", formatValidationText(res)))
		return 1
	}
	for _, w := range res.Warnings {
		baseLogger.Warn("config_warning", slog.String("warning", w))
	}

	obs := cfg.Observability
	logger, logCloser, err := newLoggerToSink(obs.LogLevel, obs.LogOutput, obs.LogPath)
	if err != nil {
		baseLogger.Error("runtime_log_failed", slog.Any("err", err))
		return 1
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)
	logger.Info("config_ok", slog.String("path", flags.configPath))

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newAgent(ctx, cfg, flags, logger)
	if err != nil {
		logger.Error("start_failed", slog.Any("err", err))
		return 1
	}
	a.start(cancel)

	if len(reloadSignals) > 0 {
		hupCh := make(chan os.Signal, 1)
		signal.Notify(hupCh, reloadSignals...)
		defer signal.Stop(hupCh)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hupCh:
					a.reload("signal_sighup")
				}
			}
		}()
	}
	if *watch && strings.TrimSpace(flags.configPath) != "" {
		go watchConfig(ctx, flags.configPath, logger, func() { a.reload("watch") })
	}

	<-ctx.Done()
	logger.Info("shutdown_started")
	a.shutdown()
	logger.Info("shutdown_complete")
	return 0
}

func loadRunConfig(flags runFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags.apply(&cfg)
	return cfg, nil
}

// agent owns every runtime component of the pipeline.
type agent struct {
	flags  runFlags
	logger *slog.Logger

	reloadMu sync.Mutex
	running  config.Config

	store     queue.Store
	oracle    connectivity.Oracle
	deliverer dispatcher.Deliverer
	worker    *dispatcher.Worker
	sched     *scheduler.Scheduler
	engine    *engine.Engine
	recorder  telemetry.Recorder

	ingestSrv *http.Server
	ingestLn  net.Listener
	health    *healthServer
	healthLn  net.Listener

	drainTimeout time.Duration
	closers      []func(context.Context) error
}

func newAgent(ctx context.Context, cfg config.Config, flags runFlags, logger *slog.Logger) (*agent, error) {
	a := &agent{flags: flags, logger: logger, running: cfg, recorder: telemetry.Noop{}}
	built := false
	defer func() {
		if !built {
			if a.healthLn != nil {
				_ = a.healthLn.Close()
			}
			a.closeAll()
		}
	}()

	obs := cfg.Observability
	if obs.Tracing.Enabled || obs.Metrics.Enabled {
		res, err := newResource(ctx)
		if err != nil {
			return nil, fmt.Errorf("otel resource: %w", err)
		}
		if obs.Tracing.Enabled {
			shutdown, err := initTracing(ctx, obs.Tracing, res, func(err error) {
				logger.Error("otel_export_failed", slog.Any("err", err))
			})
			if err != nil {
				return nil, fmt.Errorf("init tracing: %w", err)
			}
			a.closers = append(a.closers, shutdown)
			logger.Info("tracing_enabled")
		}
		if obs.Metrics.Enabled {
			mp, err := telemetry.NewMeterProvider(ctx, telemetry.ExportConfig{
				Collector: obs.Metrics.Collector,
				Insecure:  obs.Metrics.Insecure,
				Interval:  obs.Metrics.Interval.D(),
			}, res)
			if err != nil {
				return nil, fmt.Errorf("init metrics: %w", err)
			}
			a.closers = append(a.closers, mp.Shutdown)
			a.recorder = telemetry.New(mp)
			logger.Info("metrics_enabled")
		}
	}

	store, err := newQueueStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	logger.Info("queue_backend_selected", slog.String("backend", cfg.Queue.Backend))
	if n, err := store.RecoverProcessing(); err != nil {
		return nil, fmt.Errorf("recover processing: %w", err)
	} else if n > 0 {
		logger.Warn("queue_recovered_processing", slog.Int("count", n))
	}

	deliverer, err := newDeliverer(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.deliverer = deliverer
	if c, ok := deliverer.(io.Closer); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}
	a.oracle = newOracle(cfg, flags.offline, logger)

	if cfg.Health.GRPCListen != "" {
		ln, err := net.Listen("tcp", cfg.Health.GRPCListen)
		if err != nil {
			return nil, fmt.Errorf("health listen: %w", err)
		}
		a.health = newHealthServer()
		a.healthLn = ln
	}

	sender := &dispatcher.BatchSender{
		Deliverer:      deliverer,
		NetworkRetries: cfg.NetworkRetries,
		Logger:         logger,
		Observe: func(o dispatcher.StreamOutcome) {
			a.recorder.StreamSend(context.Background(), o)
		},
	}
	cycle := &dispatcher.Cycle{
		Store:        store,
		Sender:       sender,
		Connectivity: a.oracle,
		Logger:       logger,
	}
	a.worker = dispatcher.NewWorker(cycle, logger)
	a.worker.FlushOnDrain = !flags.offline
	a.worker.OnCycle = func(res dispatcher.CycleResult, err error) {
		a.recorder.Cycle(context.Background(), res, err)
		a.health.setCollector(a.oracle.Status())
	}
	a.drainTimeout = max(minDrainTimeout, cfg.NetworkRequestTimeout.D()*time.Duration(cfg.NetworkRetries+1)+shutdownTimeout)

	a.sched = scheduler.New(schedulerConfig(cfg), func(reason scheduler.Reason) {
		logger.Debug("dispatch_triggered", slog.String("reason", string(reason)))
		a.worker.Kick()
	}, logger)

	identity, err := openIdentity(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(store, a.sched, a.worker, engineConfig(cfg),
		engine.WithLogger(logger),
		engine.WithRecorder(a.recorder),
		engine.WithIdentity(identity),
		engine.WithAdvertisingID(advertisingIDProvider(cfg)),
	)

	if cfg.Ingest.Listen != "" {
		srv := ingest.NewServer(a.engine)
		srv.Logger = logger
		srv.MaxBodyBytes = int64(cfg.Ingest.MaxBody)
		srv.ObserveReject = func(endpoint string, status int, reason string) {
			logger.Debug("ingest_rejected",
				slog.String("endpoint", endpoint),
				slog.Int("status", status),
				slog.String("reason", reason),
			)
		}
		if cfg.Ingest.Token != "" {
			token, err := secrets.LoadRef(cfg.Ingest.Token)
			if err != nil {
				return nil, fmt.Errorf("ingest token: %w", err)
			}
			srv.Token = token
		}
		ln, err := net.Listen("tcp", cfg.Ingest.Listen)
		if err != nil {
			return nil, fmt.Errorf("ingest listen: %w", err)
		}
		a.ingestLn = ln
		a.ingestSrv = &http.Server{
			Handler:           withAccessLog(logger, wrapTracingHandler(obs.Tracing.Enabled, "ingest", srv)),
			ReadHeaderTimeout: ingestReadTimeout,
			ReadTimeout:       ingestReadTimeout,
		}
	}
	built = true
	return a, nil
}

// start launches the worker and servers and schedules whatever is already
// pending from a previous run.
func (a *agent) start(cancel func()) {
	a.worker.Start()
	if a.ingestSrv != nil {
		serveOnListener(a.logger, "ingest", a.ingestSrv.Serve, a.ingestLn, cancel)
		a.logger.Info("ingest_listening", slog.String("addr", a.ingestLn.Addr().String()))
	}
	if a.health != nil {
		serveOnListener(a.logger, "health", a.health.grpc.Serve, a.healthLn, cancel)
		a.logger.Info("health_listening", slog.String("addr", a.healthLn.Addr().String()))
	}
	if n, err := a.store.PendingCount(); err != nil {
		a.logger.Warn("pending_count_failed", slog.Any("err", err))
	} else if n > 0 {
		a.logger.Info("queue_pending_on_start", slog.Int("pending", n))
		a.sched.Notify(n)
	}
}

// shutdown stops accepting events, drains the worker with a final flush and
// releases every resource.
func (a *agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.ingestSrv != nil {
		if err := a.ingestSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("ingest_shutdown_failed", slog.Any("err", err))
		}
	}
	a.sched.Stop()
	if ok := a.worker.Drain(a.drainTimeout); !ok {
		a.logger.Warn("dispatcher_drain_timeout", slog.Duration("timeout", a.drainTimeout))
	} else {
		a.logger.Info("dispatcher_drained")
	}
	a.health.stop()
	// Listeners are closed by Serve; this covers an agent that never started.
	for _, ln := range []net.Listener{a.ingestLn, a.healthLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}
	a.closeAll()
}

func (a *agent) closeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close_failed", slog.Any("err", err))
		}
	}
	a.closers = nil
}

// reload re-reads the config file and applies dispatch and engine tuning live.
// Any change outside the reloadable set is reported and the whole reload is
// skipped.
func (a *agent) reload(trigger string) bool {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	next, err := loadRunConfig(a.flags)
	if err != nil {
		a.logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return false
	}
	if res := next.Validate(config.ValidationOptions{}); !res.OK {
		a.logger.Error("config_reload_failed", slog.String("error", formatValidationText(res)), slog.String("trigger", trigger))
		return false
	}

	changes := config.Diff(a.running, next)
	if len(changes) == 0 {
		a.logger.Info("config_reload_unchanged", slog.String("trigger", trigger))
		return true
	}
	keys := make([]string, 0, len(changes))
	for _, ch := range changes {
		keys = append(keys, ch.Key)
	}
	if config.RestartRequired(changes) {
		a.logger.Warn("config_reloaded_restart_required",
			slog.String("trigger", trigger),
			slog.Any("keys", keys),
		)
		return false
	}

	a.sched.Reconfigure(schedulerConfig(next))
	a.engine.Reconfigure(engineConfig(next))
	a.running = next
	a.logger.Info("config_reloaded_ok", slog.String("trigger", trigger), slog.Any("keys", keys))
	return true
}

func schedulerConfig(c config.Config) scheduler.Config {
	return scheduler.Config{
		MaxQueueSize:   c.MaxQueueSize,
		UploadInterval: c.UploadInterval.D(),
	}
}

func engineConfig(c config.Config) engine.Config {
	return engine.Config{
		DefaultStream:     c.DefaultStream,
		SessionTimeout:    c.SessionTimeout.D(),
		RequireConsent:    c.RequireConsent,
		AutoTrackAppOpens: c.AutoTrackAppOpens,
		AutoTrackScreens:  c.AutoTrackScreens,
	}
}

func newQueueStore(cfg config.Config) (queue.Store, error) {
	switch cfg.Queue.Backend {
	case config.BackendSQLite:
		if dir := filepath.Dir(cfg.Queue.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return queue.NewSQLiteStore(cfg.Queue.Path,
			queue.WithSQLiteMaxRetryAttempts(cfg.MaxRetryAttempts),
			queue.WithSQLiteDefaultStream(cfg.DefaultStream),
		)
	case config.BackendPostgres:
		return queue.NewPostgresStore(cfg.Queue.PostgresDSN,
			queue.WithPostgresMaxRetryAttempts(cfg.MaxRetryAttempts),
			queue.WithPostgresDefaultStream(cfg.DefaultStream),
		)
	case config.BackendMemory:
		return queue.NewMemoryStore(
			queue.WithMaxRetryAttempts(cfg.MaxRetryAttempts),
			queue.WithDefaultStream(cfg.DefaultStream),
		), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}

func newDeliverer(cfg config.Config, logger *slog.Logger) (dispatcher.Deliverer, error) {
	switch cfg.Transport {
	case config.TransportHTTP:
		apiKey, err := secrets.LoadRef(cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("api key: %w", err)
		}
		header, err := httpheader.Build(cfg.Headers)
		if err != nil {
			return nil, fmt.Errorf("headers: %w", err)
		}
		d := dispatcher.NewHTTPDeliverer(tracingHTTPClient(cfg.Observability.Tracing.Enabled), dispatcher.HTTPConfig{
			Endpoint: cfg.CollectionEndpoint,
			APIKey:   apiKey.Reveal(),
			Sandbox:  cfg.SandboxMode,
			Header:   header,
			Timeout:  cfg.NetworkRequestTimeout.D(),
		})
		d.Logger = logger
		return d, nil
	case config.TransportKafka:
		w := dispatcher.NewKafkaWriter(dispatcher.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			TopicPrefix:  cfg.Kafka.TopicPrefix,
			WriteTimeout: cfg.Kafka.WriteTimeout.D(),
		})
		return dispatcher.NewKafkaDeliverer(w, cfg.Kafka.TopicPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// newOracle returns the breaker when enabled. --offline pins the result to
// Offline until the process restarts.
func newOracle(cfg config.Config, offline bool, logger *slog.Logger) connectivity.Oracle {
	if !cfg.Breaker.Enabled {
		if offline {
			return connectivity.NewStatic(connectivity.Offline)
		}
		return connectivity.NewStatic(connectivity.Online)
	}
	b := connectivity.NewBreaker(connectivity.BreakerConfig{
		ConsecutiveFailures: uint32(cfg.Breaker.ConsecutiveFailures),
		OpenTimeout:         cfg.Breaker.OpenTimeout.D(),
	}, logger)
	if offline {
		b.WithOverride(connectivity.NewStatic(connectivity.Offline))
	}
	return b
}

func openIdentity(cfg config.Config, logger *slog.Logger) (engine.Identity, error) {
	if strings.TrimSpace(cfg.IdentityPath) == "" {
		return engine.NewMemoryIdentity(cfg.AnonymousIdentityKey), nil
	}
	id, err := engine.OpenFileIdentity(cfg.IdentityPath, cfg.AnonymousIdentityKey, logger)
	if err != nil {
		return nil, fmt.Errorf("open identity: %w", err)
	}
	return id, nil
}

// advertisingIDProvider returns nil when no id source is configured; enabling
// the advertising id then only records the decision.
func advertisingIDProvider(cfg config.Config) engine.AdvertisingIDProvider {
	p := strings.TrimSpace(cfg.AdvertisingIDPath)
	if p == "" {
		return nil
	}
	return engine.FileAdvertisingID{Path: p}
}

func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("watching_config", slog.String("path", path))

	// Editors and atomic writes emit bursts; reload once they settle.
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(watchDebounce)
		} else {
			timer.Reset(watchDebounce)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warn("watch_error", slog.Any("err", err))
				continue
			}
			schedule()
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}

// Package server builds the crawlic dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlic/internal/api"
	"github.com/JakeFAU/crawlic/internal/browser"
	"github.com/JakeFAU/crawlic/internal/browser/chrome"
	"github.com/JakeFAU/crawlic/internal/browser/rodbrowser"
	"github.com/JakeFAU/crawlic/internal/browser/static"
	"github.com/JakeFAU/crawlic/internal/clock/system"
	"github.com/JakeFAU/crawlic/internal/config"
	"github.com/JakeFAU/crawlic/internal/dispatcher"
	"github.com/JakeFAU/crawlic/internal/emails"
	"github.com/JakeFAU/crawlic/internal/hash/sha256"
	"github.com/JakeFAU/crawlic/internal/id/uuid"
	"github.com/JakeFAU/crawlic/internal/metrics"
	"github.com/JakeFAU/crawlic/internal/progress"
	progresssinks "github.com/JakeFAU/crawlic/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/crawlic/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawlic/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/crawlic/internal/queue/memory"
	queueredis "github.com/JakeFAU/crawlic/internal/queue/redis"
	"github.com/JakeFAU/crawlic/internal/service"
	gcsstorage "github.com/JakeFAU/crawlic/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawlic/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawlic/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawlic/internal/storage/postgres"
	redisstorage "github.com/JakeFAU/crawlic/internal/storage/redis"
	"github.com/JakeFAU/crawlic/internal/supervisor"
	"github.com/JakeFAU/crawlic/internal/task"
	"github.com/JakeFAU/crawlic/internal/telemetry"
	"github.com/JakeFAU/crawlic/internal/worker"
)

// App holds every long-lived component.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Service    *service.Service
	Dispatcher *dispatcher.Dispatcher
	Supervisor *supervisor.Supervisor
	Registry   *worker.Registry
	Publisher  task.Publisher

	apiServer   *api.Server
	queue       task.Queue
	store       task.Store
	redis       *redis.Client
	runStore    *pgstore.RunStore
	hub         *progress.Hub
	gcs         *storage.Client
	pubsub      *pubsub.Client
	gcpPub      *gcppublisher.Publisher
	traces      *sdktrace.TracerProvider
	closeQueue  func()
	readyChecks map[string]api.ReadyCheck
}

// Option adjusts Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	opener     browser.Opener
}

// WithRegisterer registers progress collectors on reg instead of the default
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithOpener replaces the configured browser driver.
func WithOpener(opener browser.Opener) Option {
	return func(o *options) { o.opener = opener }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{
		cfg:         cfg,
		logger:      logger,
		Registry:    worker.NewRegistry(),
		readyChecks: map[string]api.ReadyCheck{},
	}
	built := false
	defer func() {
		if !built {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()
	logger.Info("building application dependencies",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("store", cfg.Store.Backend),
		zap.String("driver", cfg.Browser.Driver),
		zap.Int("concurrency", cfg.Worker.Concurrency))

	tracer, err := app.setupTracing(ctx)
	if err != nil {
		return nil, err
	}
	clock := system.New()
	if err := app.setupBackends(ctx, clock); err != nil {
		return nil, err
	}
	blobs, err := app.setupSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	if err := app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	emitter, err := app.setupProgress(o.registerer)
	if err != nil {
		return nil, err
	}

	app.Supervisor = supervisor.New(supervisor.Config{
		Scope: supervisor.Scope(cfg.Supervisor.Scope),
		Names: cfg.Supervisor.ProcessNames,
	}, logger.Named("supervisor"))

	opener := o.opener
	if opener == nil {
		if opener, err = NewOpener(cfg.Browser, logger); err != nil {
			return nil, err
		}
	}
	workerCfg, err := WorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := worker.Deps{
		Queue:     app.queue,
		Store:     app.store,
		Opener:    opener,
		Reaper:    app.Supervisor,
		Registry:  app.Registry,
		Blobs:     blobs,
		Hasher:    sha256.New(),
		Publisher: app.Publisher,
		Progress:  emitter,
		Clock:     clock,
		Tracer:    tracer,
		Logger:    logger.Named("worker"),
	}
	app.Dispatcher = dispatcher.New(dispatcher.Config{
		Concurrency:   cfg.Worker.Concurrency,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
		SweepWhenIdle: cfg.Supervisor.SweepWhenIdle,
	}, app.queue, func(id string) *worker.Worker {
		return worker.New(id, workerCfg, deps)
	}, app.Supervisor, logger)

	svcDeps := service.Deps{
		Store:    app.store,
		Queue:    app.queue,
		IDs:      uuid.New(),
		Clock:    clock,
		Canceler: app.Registry,
		Tracer:   tracer,
		Logger:   logger,
	}
	if app.runStore != nil {
		svcDeps.Runs = app.runStore
	}
	app.Service = service.New(svcDeps)
	app.apiServer = api.NewServer(app.Service, cfg, logger, app.readyChecks)
	built = true
	return app, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) setupTracing(ctx context.Context) (trace.Tracer, error) {
	cfg := a.cfg.Telemetry
	if !cfg.Enabled {
		return telemetry.Tracer(nil), nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.ServiceName,
		Version:     cfg.Version,
		ProjectID:   cfg.ProjectID,
		SampleRatio: cfg.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer provider init failed: %w", err)
	}
	a.traces = tp
	a.logger.Info("tracing enabled",
		zap.String("service", cfg.ServiceName),
		zap.String("project", cfg.ProjectID),
		zap.Float64("sample_ratio", cfg.SampleRatio))
	return telemetry.Tracer(tp), nil
}

func (a *App) setupBackends(ctx context.Context, clock task.Clock) error {
	cfg := a.cfg
	if cfg.Queue.Backend == config.BackendRedis || cfg.Store.Backend == config.BackendRedis {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		a.readyChecks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
		a.logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	switch cfg.Queue.Backend {
	case config.BackendRedis:
		q := queueredis.New(a.redis, queueredis.Config{Prefix: cfg.Queue.Prefix})
		recovered, err := q.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover redis queue: %w", err)
		}
		if recovered > 0 {
			a.logger.Warn("requeued deliveries left by a previous process", zap.Int("count", recovered))
		}
		a.queue = q
	default:
		q := queuememory.NewQueue(cfg.Queue.Depth)
		a.queue = q
		a.closeQueue = q.Close
	}

	switch cfg.Store.Backend {
	case config.BackendRedis:
		a.store = redisstorage.NewTaskStore(a.redis, redisstorage.Config{
			Prefix:    cfg.Store.Prefix,
			ResultTTL: cfg.Store.ResultTTL,
		}, clock)
	default:
		a.store = memorystorage.NewTaskStore(cfg.Store.ResultTTL, clock)
	}
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) (task.BlobStore, error) {
	cfg := a.cfg.Snapshots
	switch cfg.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving snapshots to GCS", zap.String("bucket", cfg.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving snapshots locally", zap.String("path", cfg.BaseDir))
		return blobs, nil
	case config.BackendMemory:
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	cfg := a.cfg.Database
	if cfg.DSN == "" {
		a.logger.Info("no database DSN, run history disabled")
		return nil
	}
	runs, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		Table:           cfg.Table,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.runStore = runs
	if cfg.Migrate {
		if err := runs.Migrate(ctx); err != nil {
			return fmt.Errorf("run store migrate failed: %w", err)
		}
	}
	a.readyChecks["postgres"] = runs.Ping
	a.logger.Info("run store initialized", zap.String("table", cfg.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	cfg := a.cfg.PubSub
	if cfg.ProjectID == "" || cfg.Topic == "" {
		a.logger.Info("no Pub/Sub project configured, completion events stay in memory")
		a.Publisher = memorypublisher.New(1000)
		return nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsub = client
	a.gcpPub = gcppublisher.NewForTopic(client, cfg.Topic)
	a.Publisher = a.gcpPub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.Topic))
	return nil
}

func (a *App) setupProgress(reg prometheus.Registerer) (progress.Emitter, error) {
	cfg := a.cfg.Progress
	if !cfg.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics sink: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if cfg.Log {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger))
	}
	if a.runStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.runStore, a.logger.Named("progress_store")))
	}
	a.hub = progress.NewHub(progress.Config{
		Buffer:     cfg.Buffer,
		BatchSize:  cfg.Batch,
		FlushEvery: cfg.FlushEvery,
		Logger:     a.logger.Named("progress_hub"),
	}, sinkList...)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return a.hub, nil
}

// NewOpener builds the session opener selected by cfg.Driver, paced per host
// when HostQPS is set.
func NewOpener(cfg config.BrowserConfig, logger *zap.Logger) (browser.Opener, error) {
	var opener browser.Opener
	switch cfg.Driver {
	case config.DriverChrome:
		opener = chrome.NewOpener(chrome.Config{ExecPath: cfg.ExecPath}, logger.Named("chrome"))
	case config.DriverRod:
		opener = rodbrowser.NewOpener(rodbrowser.Config{Bin: cfg.ExecPath}, logger.Named("rod"))
	case config.DriverStatic:
		opener = static.NewOpener()
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
	if cfg.HostQPS > 0 {
		opener = browser.ThrottledOpener(opener, browser.NewHostLimiter(cfg.HostQPS, 1))
	}
	return opener, nil
}

// WorkerConfig translates the loaded configuration into worker limits.
func WorkerConfig(cfg config.Config) (worker.Config, error) {
	opts := browser.Options{
		Headless:          cfg.Browser.Headless,
		Incognito:         cfg.Browser.Incognito,
		DisableCookies:    cfg.Browser.DisableCookies,
		UserAgent:         cfg.Browser.UserAgent,
		WindowWidth:       cfg.Browser.WindowWidth,
		WindowHeight:      cfg.Browser.WindowHeight,
		NavigationTimeout: cfg.Browser.NavTimeout,
	}
	if cfg.Browser.Proxy != "" {
		proxy, ok := browser.ParseProxy(cfg.Browser.Proxy)
		if !ok {
			return worker.Config{}, errors.New("browser.proxy must look like ip:port:user:pass")
		}
		opts.Proxy = proxy
	}
	return worker.Config{
		Retry: task.RetryPolicy{
			MaxRetries: cfg.Worker.MaxRetries,
			Backoff:    cfg.Worker.RetryBackoff,
		},
		SoftLimit:     cfg.Worker.SoftLimit,
		HardLimit:     cfg.Worker.HardLimit,
		DistillSettle: cfg.Distill.Settle,
		CancelPoll:    cfg.Worker.CancelPoll,
		CancelGrace:   cfg.Worker.CancelGrace,
		Browser:       opts,
		Driver:        cfg.Browser.Driver,
		Emails: emails.Config{
			MainSettle:    cfg.Emails.MainSettle,
			ContactSettle: cfg.Emails.ContactSettle,
			MaxCandidates: cfg.Emails.MaxCandidates,
		},
		SnapshotPrefix: cfg.Snapshots.Prefix,
		Topic:          cfg.PubSub.Topic,
	}, nil
}

// Run serves the API and the worker pool until ctx ends, then shuts both
// down and releases every client.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Dispatcher.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(a.cfg))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(a.cfg))
	defer cancel()
	a.Close(closeCtx)
	return runErr
}

func shutdownTimeout(cfg config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// Close releases every client. It is called by Run and is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.closeQueue != nil {
		a.closeQueue()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcpPub != nil {
		a.gcpPub.Stop()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.runStore != nil {
		a.runStore.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.traces != nil {
		if err := a.traces.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
}

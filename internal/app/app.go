// Package app builds the rank tracker's long-lived services once from
// configuration and owns their start-up and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/ads"
	"github.com/JakeFAU/rank-tracker/internal/api"
	"github.com/JakeFAU/rank-tracker/internal/browser"
	"github.com/JakeFAU/rank-tracker/internal/clock/system"
	"github.com/JakeFAU/rank-tracker/internal/config"
	"github.com/JakeFAU/rank-tracker/internal/events"
	"github.com/JakeFAU/rank-tracker/internal/events/sinks"
	"github.com/JakeFAU/rank-tracker/internal/id/uuid"
	"github.com/JakeFAU/rank-tracker/internal/jobs"
	"github.com/JakeFAU/rank-tracker/internal/logging"
	"github.com/JakeFAU/rank-tracker/internal/metrics"
	"github.com/JakeFAU/rank-tracker/internal/policy/ratelimit"
	"github.com/JakeFAU/rank-tracker/internal/queue"
	"github.com/JakeFAU/rank-tracker/internal/rank"
	"github.com/JakeFAU/rank-tracker/internal/scheduler"
	gcsstorage "github.com/JakeFAU/rank-tracker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/rank-tracker/internal/storage/local"
	memorystorage "github.com/JakeFAU/rank-tracker/internal/storage/memory"
	pgstore "github.com/JakeFAU/rank-tracker/internal/storage/postgres"
	"github.com/JakeFAU/rank-tracker/internal/systemlog"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
	"github.com/JakeFAU/rank-tracker/internal/worker"
)

const recentJobsInStatus = 20

// Store is the keyword and credential backend the service runs against.
type Store interface {
	tracker.TargetStore
	tracker.CredentialStore
}

type options struct {
	logger     *zap.Logger
	store      Store
	browser    worker.Browser
	adsClient  ads.Client
	registerer prometheus.Registerer
}

// Option overrides a collaborator Build would otherwise create from config.
type Option func(*options)

// WithLogger uses logger instead of building one from the logging section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore uses store instead of Postgres or the empty in-memory store.
func WithStore(store Store) Option {
	return func(o *options) { o.store = store }
}

// WithBrowser replaces the chromedp session provider.
func WithBrowser(b worker.Browser) Option {
	return func(o *options) { o.browser = b }
}

// WithAdsClient sets the client the ads refresh calls per tenant. Without
// one the refresh step only logs.
func WithAdsClient(c ads.Client) Option {
	return func(o *options) { o.adsClient = c }
}

// WithRegisterer registers the event-derived collectors somewhere other than
// the default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  tracker.Clock

	syslog      *systemlog.Log
	bus         *events.Bus
	manager     *jobs.Manager
	broadcaster *events.Broadcaster
	provider    *browser.Provider
	pool        *queue.Pool
	runner      *worker.Runner
	scheduler   *scheduler.Scheduler
	apiServer   *api.Server

	store        Store
	pgStore      *pgstore.Store
	gcsStore     *gcsstorage.BlobStore
	pubsubClient *pubsub.Client

	// baseCtx outlives requests and commands; Close cancels it so in-flight
	// keyword checks stop.
	baseCtx context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app := &App{
		cfg:     cfg,
		logger:  logger,
		clock:   system.New(),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("queue_concurrency", cfg.Queue.Concurrency),
		zap.Bool("scheduler_enabled", cfg.Scheduler.Enabled),
	)
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	if err := app.build(ctx, o); err != nil {
		closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = app.Close(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o options) error {
	a.syslog = systemlog.New(a.cfg.SystemLog.Capacity, a.clock, uuid.New(), a.logger.Named("systemlog"))

	eventSinks, err := a.setupSinks(ctx, o.registerer)
	if err != nil {
		return err
	}
	a.bus = events.NewBus(events.Config{
		BufferEnabled:    a.cfg.Events.BufferEnabled,
		BufferSize:       a.cfg.Events.BufferSize,
		SubscriberBuffer: a.cfg.Events.SubscriberBuffer,
	}, a.clock, a.logger.Named("events"), eventSinks...)
	a.syslog.SetPublisher(a.bus)

	a.manager = jobs.NewManager(jobs.Config{Retention: a.cfg.Retention()}, a.clock, a.bus, a.syslog, a.logger.Named("jobs"))
	a.broadcaster = events.NewBroadcaster(a.bus, a.manager, a.statusInterval(), recentJobsInStatus)

	if err := a.setupStore(ctx, o.store); err != nil {
		return err
	}
	blobs, err := a.setupSnapshots(ctx)
	if err != nil {
		return err
	}

	sessions := o.browser
	if sessions == nil {
		sessions = a.setupBrowser()
	}

	a.pool = queue.New(a.cfg.Queue.Concurrency, a.logger.Named("queue"))
	a.pool.SetHooks(queue.Hooks{
		OnStart:  metrics.IncQueueRunning,
		OnFinish: metrics.DecQueueRunning,
	})

	extractor := rank.NewExtractor(rank.Options{
		PlaceURL:        a.cfg.Search.PlaceURL,
		BlogURL:         a.cfg.Search.BlogURL,
		MainURL:         a.cfg.Search.MainURL,
		MaxPages:        a.cfg.Search.MaxPages,
		PageSize:        a.cfg.Search.PageSize,
		TopN:            a.cfg.Search.TopN,
		ScrollPause:     time.Duration(a.cfg.Search.ScrollPauseMs) * time.Millisecond,
		MaxScrollRounds: a.cfg.Search.MaxScrollRounds,
		WaitTimeout:     a.cfg.NavTimeout(),
	}, a.clock)

	a.runner = worker.New(worker.Deps{
		Registry: a.manager,
		Store:    a.store,
		Browser:  sessions,
		Checker:  extractor,
		Pool:     a.pool,
		Blobs:    blobs,
		Recorder: a.syslog,
		Clock:    a.clock,
	}, worker.Config{SnapshotOnlyNotFound: a.cfg.Snapshots.OnlyNotFound}, a.logger.Named("worker"))

	refresher := ads.NewRefresher(a.store, o.adsClient, a.syslog, a.logger.Named("ads"))

	a.scheduler, err = scheduler.New(scheduler.Config{
		Cron:     a.cfg.Scheduler.Cron,
		Timezone: a.cfg.Scheduler.Timezone,
	}, scheduler.Deps{
		Registry: a.manager,
		Store:    a.store,
		Runner:   a.runner,
		Ads:      refresher,
		Recorder: a.syslog,
		Clock:    a.clock,
	}, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.baseCtx, api.Deps{
		Jobs:      a.manager,
		Logs:      a.syslog,
		Scheduler: a.scheduler,
		Events:    a.bus,
		Status:    a.broadcaster,
	}, api.Config{MetricsEnabled: a.cfg.Metrics.Enabled}, a.logger.Named("api"))
	return nil
}

func (a *App) setupSinks(ctx context.Context, reg prometheus.Registerer) ([]events.Sink, error) {
	list := []events.Sink{sinks.NewLogSink(a.logger.Named("event_log"))}
	if a.cfg.Metrics.Enabled {
		promSink, err := sinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		list = append(list, promSink)
	}
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, events stay in process")
		return list, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	list = append(list, sinks.NewPubSubSink(a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)))
	a.logger.Info("Pub/Sub event sink initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return list, nil
}

func (a *App) setupStore(ctx context.Context, override Store) error {
	if override != nil {
		a.store = override
		return nil
	}
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no DSN specified for database, tracking against an empty in-memory store")
		a.store = memorystorage.NewTargetStore()
		return nil
	}
	var err error
	a.pgStore, err = pgstore.New(ctx, pgstore.Config{
		DSN:      a.cfg.Database.DSN,
		MaxConns: int32(a.cfg.Database.MaxOpenConns),
		MinConns: int32(a.cfg.Database.MaxIdleConns),
	})
	if err != nil {
		return fmt.Errorf("target store init failed: %w", err)
	}
	a.store = a.pgStore
	a.logger.Info("postgres target store initialized")
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) (tracker.BlobStore, error) {
	switch a.cfg.Snapshots.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: a.cfg.Snapshots.Bucket,
			Prefix: a.cfg.Snapshots.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs snapshot store init failed: %w", err)
		}
		a.gcsStore = store
		a.logger.Info("using GCS snapshot backend", zap.String("bucket", a.cfg.Snapshots.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Snapshots.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local snapshot store init failed: %w", err)
		}
		a.logger.Info("using local snapshot backend", zap.String("path", a.cfg.Snapshots.BaseDir))
		return store, nil
	case "memory":
		a.logger.Info("using in-memory snapshot backend")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("result page snapshots disabled")
		return nil, nil
	}
}

func (a *App) setupBrowser() worker.Browser {
	var opts []browser.Option
	if a.cfg.RateLimit.Enabled {
		opts = append(opts, browser.WithPacer(ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.RateLimit.RPS,
			DefaultBurst: a.cfg.RateLimit.Burst,
			Observe:      metrics.ObserveRateLimitDelay,
		})))
		a.logger.Info("navigation pacing enabled",
			zap.Float64("rps", a.cfg.RateLimit.RPS),
			zap.Int("burst", a.cfg.RateLimit.Burst),
		)
	}
	a.provider = browser.NewProvider(browser.Config{
		Headless:          a.cfg.Browser.Headless,
		NoSandbox:         a.cfg.Browser.NoSandbox,
		UserAgent:         a.cfg.Browser.UserAgent,
		ExecPath:          a.cfg.Browser.ExecPath,
		NavigationTimeout: a.cfg.NavTimeout(),
		LaunchTimeout:     time.Duration(a.cfg.Browser.LaunchTimeoutSec) * time.Second,
		Settle:            time.Duration(a.cfg.Browser.SettleMs) * time.Millisecond,
	}, a.logger.Named("browser"), opts...)
	return worker.FromProvider(a.provider)
}

func (a *App) statusInterval() time.Duration {
	return time.Duration(a.cfg.Events.StatusIntervalSeconds) * time.Second
}

// Handler exposes the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Jobs exposes the job registry.
func (a *App) Jobs() *jobs.Manager {
	return a.manager
}

// Logs exposes the system log.
func (a *App) Logs() *systemlog.Log {
	return a.syslog
}

// Scheduler exposes the daily scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// RunOnce executes a single cycle for scope and returns its report.
func (a *App) RunOnce(ctx context.Context, scope scheduler.Scope) (scheduler.CycleReport, error) {
	report, err := a.scheduler.RunManually(ctx, scope)
	if err != nil {
		return report, fmt.Errorf("run %s cycle: %w", scope, err)
	}
	return report, nil
}

// Run starts the scheduler, the background loops, and the HTTP server, and
// blocks until ctx is canceled or the process is signalled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(a.baseCtx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		a.logger.Info("daily scheduler disabled; cycles run only on request")
	}
	go a.broadcaster.Run(a.baseCtx)
	go a.manager.RunSweeper(a.baseCtx, a.cfg.SweepInterval())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts the application down: scheduler, in-flight work,
// event sinks, browser, backends, then the logger. Later calls return the
// first call's result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.shutdown(ctx)
	})
	return a.closeErr
}

func (a *App) shutdown(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.cancel()
	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain queue: %w", err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}
	if a.provider != nil {
		a.provider.Close()
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

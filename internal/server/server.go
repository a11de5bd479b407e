// Package server is the composition root: it builds every component from
// config, runs the proxy and admin listeners and shuts them down in order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/render-cache/internal/api"
	"github.com/JakeFAU/render-cache/internal/backend/headless"
	"github.com/JakeFAU/render-cache/internal/backend/noop"
	"github.com/JakeFAU/render-cache/internal/backend/shell"
	"github.com/JakeFAU/render-cache/internal/backend/static"
	"github.com/JakeFAU/render-cache/internal/breaker"
	"github.com/JakeFAU/render-cache/internal/cache"
	filecache "github.com/JakeFAU/render-cache/internal/cache/file"
	gcscache "github.com/JakeFAU/render-cache/internal/cache/gcs"
	memorycache "github.com/JakeFAU/render-cache/internal/cache/memory"
	pgcache "github.com/JakeFAU/render-cache/internal/cache/postgres"
	"github.com/JakeFAU/render-cache/internal/clock/system"
	"github.com/JakeFAU/render-cache/internal/config"
	"github.com/JakeFAU/render-cache/internal/fingerprint"
	"github.com/JakeFAU/render-cache/internal/id/uuid"
	"github.com/JakeFAU/render-cache/internal/logging"
	"github.com/JakeFAU/render-cache/internal/metrics"
	"github.com/JakeFAU/render-cache/internal/pipeline"
	"github.com/JakeFAU/render-cache/internal/policy/bots"
	"github.com/JakeFAU/render-cache/internal/policy/hosts"
	"github.com/JakeFAU/render-cache/internal/policy/ratelimit"
	"github.com/JakeFAU/render-cache/internal/progress"
	progresssinks "github.com/JakeFAU/render-cache/internal/progress/sinks"
	"github.com/JakeFAU/render-cache/internal/proxy"
	memorypublisher "github.com/JakeFAU/render-cache/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/render-cache/internal/publisher/pubsub"
	"github.com/JakeFAU/render-cache/internal/queue"
	memorybacklog "github.com/JakeFAU/render-cache/internal/queue/memory"
	pubsubbacklog "github.com/JakeFAU/render-cache/internal/queue/pubsub"
	"github.com/JakeFAU/render-cache/internal/render"
	"github.com/JakeFAU/render-cache/internal/scheduler"
	"github.com/JakeFAU/render-cache/internal/telemetry"
)

const (
	pruneInterval      = time.Minute
	purgeInterval      = 10 * time.Minute
	notificationBuffer = 1000
	readinessProbeKey  = "render-cache:readyz"
)

// closer is satisfied by the publishers and backlogs released on shutdown.
type closer interface {
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	breaker   *breaker.Breaker
	scheduler *scheduler.Scheduler
	pipeline  *pipeline.Service
	proxy     *proxy.Handler
	apiServer *api.Server
	limiter   *ratelimit.Limiter

	store       cache.Store
	memoryStore *memorycache.Store
	pgStore     *pgcache.Store
	storage     *storage.Client
	headless    *headless.Backend

	progressHub  *progress.Hub
	notifier     closer
	pubsubClient *pubsub.Client
	backlog      queue.Backlog
	feeder       *queue.Feeder

	tracerProvider *sdktrace.TracerProvider
}

// NewApp creates an App shell around cfg and logger.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	logger.Info("creating application",
		zap.String("origin", cfg.Origin.URL),
		zap.Int("proxy_port", cfg.Server.ProxyPort),
		zap.Int("admin_port", cfg.Server.AdminPort),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("queue", cfg.Queue.Enabled),
	)
	return &App{cfg: cfg, logger: logger}
}

// Build creates the application's dependencies. On error everything
// already opened is closed again.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := NewApp(cfg, logger)
	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if closeErr := app.Close(closeCtx); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if err := a.setupTelemetry(ctx); err != nil {
		return err
	}

	var err error
	a.breaker, err = breaker.New(a.cfg.Breaker, a.logger.Named("breaker"))
	if err != nil {
		return fmt.Errorf("breaker init failed: %w", err)
	}

	backend, err := a.setupBackend()
	if err != nil {
		return err
	}
	if err := a.setupCache(ctx); err != nil {
		return err
	}
	if err := a.setupPubSub(ctx); err != nil {
		return err
	}
	if err := a.setupProgress(ctx); err != nil {
		return err
	}

	clock := system.New()
	schedOpts := []scheduler.Option{}
	if a.progressHub != nil {
		schedOpts = append(schedOpts, scheduler.WithEmitter(a.progressHub))
	}
	if a.tracerProvider != nil {
		schedOpts = append(schedOpts, scheduler.WithTracer(a.tracerProvider.Tracer("github.com/JakeFAU/render-cache/internal/scheduler")))
	}
	a.scheduler, err = scheduler.New(
		a.cfg.Scheduler,
		backend,
		a.breaker,
		uuid.New(),
		clock,
		a.logger.Named("scheduler"),
		schedOpts...,
	)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	if err := a.setupPipeline(clock); err != nil {
		return err
	}
	if err := a.setupBacklog(ctx); err != nil {
		return err
	}

	a.proxy, err = proxy.New(
		proxy.Config{Origin: a.cfg.Origin.URL, WaitTimeout: a.cfg.Origin.WaitTimeout},
		a.pipeline,
		bots.New(a.cfg.Bots),
		a.logger.Named("proxy"),
	)
	if err != nil {
		return fmt.Errorf("proxy init failed: %w", err)
	}

	apiCfg := api.Config{}
	if a.cfg.Auth.Enabled {
		apiCfg.APIKey = a.cfg.Auth.APIKey
	}
	if a.backlog != nil && (a.cfg.Queue.Backend == config.QueueMemory || a.cfg.PubSub.BacklogTopic != "") {
		apiCfg.Backlog = a.backlog
	}
	a.apiServer = api.NewServer(a.pipeline, a.scheduler, a.breaker, apiCfg, a.logger.Named("api"), a.cacheReady)
	return nil
}

func (a *App) setupTelemetry(ctx context.Context) error {
	if !a.cfg.Telemetry.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerProvider = tp
	a.logger.Info("tracing enabled", zap.Float64("sample_ratio", a.cfg.Telemetry.SampleRatio))
	return nil
}

func (a *App) setupBackend() (render.Backend, error) {
	var backend render.Backend
	switch {
	case a.cfg.Headless.Enabled:
		hb, err := headless.New(a.cfg.Headless.Config, a.logger.Named("headless"))
		if err != nil {
			return nil, fmt.Errorf("headless backend init failed: %w", err)
		}
		a.headless = hb
		backend = hb
		a.logger.Info("using headless backend", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	case a.cfg.Static.Enabled:
		backend = static.New(a.cfg.Static.Config)
		a.logger.Info("headless rendering disabled, using static backend",
			zap.String("user_agent", a.cfg.Static.UserAgent))
	default:
		a.logger.Warn("no render backend enabled; serving from cache only")
		return noop.New(), nil
	}
	if a.cfg.Shell.Enabled {
		backend = shell.New(backend, a.cfg.Shell)
	}
	return backend, nil
}

func (a *App) setupCache(ctx context.Context) error {
	switch a.cfg.Cache.Backend {
	case config.CacheFile:
		store, err := filecache.New(a.cfg.Cache.File, a.logger.Named("file_cache"))
		if err != nil {
			return fmt.Errorf("file cache init failed: %w", err)
		}
		a.store = store
		a.logger.Info("using file cache", zap.String("base_dir", a.cfg.Cache.File.BaseDir))
	case config.CachePostgres:
		store, err := pgcache.New(ctx, a.cfg.Database)
		if err != nil {
			return fmt.Errorf("postgres cache init failed: %w", err)
		}
		a.pgStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres cache schema: %w", err)
		}
		a.store = store
		a.logger.Info("using postgres cache", zap.String("table", a.cfg.Database.Table))
	case config.CacheGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcscache.New(client, a.cfg.Storage, a.logger.Named("gcs_cache"))
		if err != nil {
			return fmt.Errorf("gcs cache init failed: %w", err)
		}
		a.store = store
		a.logger.Info("using GCS cache", zap.String("bucket", a.cfg.Storage.Bucket))
	default:
		a.memoryStore = memorycache.New(a.cfg.Cache.Memory, memorycache.WithLogger(a.logger.Named("memory_cache")))
		a.store = a.memoryStore
		a.logger.Info("using in-memory cache", zap.Int("max_entries", a.cfg.Cache.Memory.MaxEntries))
	}
	return nil
}

// setupPubSub dials one client shared by the notification publisher and the
// backlog, when either of them needs Pub/Sub.
func (a *App) setupPubSub(ctx context.Context) error {
	wantNotify := a.cfg.Progress.Notify && a.cfg.PubSub.ProjectID != ""
	wantBacklog := a.cfg.Queue.Enabled && a.cfg.Queue.Backend == config.QueuePubSub
	if !wantNotify && !wantBacklog {
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.logger.Info("Pub/Sub client initialized", zap.String("project", a.cfg.PubSub.ProjectID))
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	var sinkList []progress.Sink
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.Notify {
		var publisher progresssinks.Publisher
		topic := a.cfg.PubSub.NotificationTopic
		if a.pubsubClient != nil {
			p := gcppublisher.New(a.pubsubClient.Publisher(topic))
			a.notifier = p
			publisher = p
			a.logger.Info("render notifications via Pub/Sub", zap.String("topic", topic))
		} else {
			p := memorypublisher.New(notificationBuffer)
			a.notifier = p
			publisher = p
			a.logger.Warn("no Pub/Sub project configured, render notifications kept in memory")
		}
		sinkList = append(sinkList, progresssinks.NewPublisherSink(publisher, topic, a.logger.Named("progress_notify")))
	}
	if len(sinkList) == 0 {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	hubCfg := a.cfg.Progress.Config
	hubCfg.BaseContext = context.WithoutCancel(ctx)
	hubCfg.Logger = a.logger.Named("progress_hub")
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// allowedHosts permits the origin's host plus any configured extras.
func (a *App) allowedHosts() (*hosts.Allowlist, error) {
	origin, err := url.Parse(a.cfg.Origin.URL)
	if err != nil {
		return nil, fmt.Errorf("origin url: %w", err)
	}
	patterns := append([]string{origin.Hostname()}, a.cfg.Origin.AllowedHosts...)
	return hosts.New(patterns...), nil
}

func (a *App) setupPipeline(clock render.Clock) error {
	revalidate, err := a.cfg.RevalidatePriority()
	if err != nil {
		return fmt.Errorf("revalidate priority: %w", err)
	}
	engine, err := fingerprint.New(a.cfg.Fingerprint)
	if err != nil {
		return fmt.Errorf("fingerprint engine init failed: %w", err)
	}
	allowed, err := a.allowedHosts()
	if err != nil {
		return err
	}
	opts := []pipeline.Option{pipeline.WithClock(clock), pipeline.WithHostPolicy(allowed)}
	if a.cfg.RateLimit.DefaultRPS > 0 || len(a.cfg.RateLimit.Hosts) > 0 {
		a.limiter = ratelimit.New(a.cfg.RateLimit)
		opts = append(opts, pipeline.WithLimiter(a.limiter))
		a.logger.Info("render rate limiter enabled",
			zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst))
	}
	if a.progressHub != nil {
		opts = append(opts, pipeline.WithEmitter(a.progressHub))
	}
	a.pipeline, err = pipeline.New(
		pipeline.Config{
			Options:            a.cfg.RenderOptions(),
			CacheErrorStatuses: a.cfg.Cache.CacheErrorStatuses,
			RevalidatePriority: revalidate,
			WriteTimeout:       a.cfg.Cache.WriteTimeout,
		},
		a.scheduler,
		a.store,
		engine,
		a.logger.Named("pipeline"),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}
	return nil
}

func (a *App) setupBacklog(_ context.Context) error {
	if !a.cfg.Queue.Enabled {
		return nil
	}
	switch a.cfg.Queue.Backend {
	case config.QueuePubSub:
		b, err := pubsubbacklog.NewWithClient(a.pubsubClient, pubsubbacklog.Config{
			ProjectID:      a.cfg.PubSub.ProjectID,
			Topic:          a.cfg.PubSub.BacklogTopic,
			Subscription:   a.cfg.PubSub.BacklogSubscription,
			MaxOutstanding: a.cfg.PubSub.MaxOutstanding,
		}, a.logger.Named("backlog"))
		if err != nil {
			return fmt.Errorf("pubsub backlog init failed: %w", err)
		}
		a.backlog = b
		a.logger.Info("using Pub/Sub backlog", zap.String("subscription", a.cfg.PubSub.BacklogSubscription))
	default:
		a.backlog = memorybacklog.NewBacklog(a.cfg.Queue.Capacity)
		a.logger.Info("using in-memory backlog", zap.Int("capacity", a.cfg.Queue.Capacity))
	}
	a.feeder = queue.NewFeeder(a.backlog, a.pipeline, a.cfg.Queue.Pause, a.logger.Named("feeder"))
	return nil
}

// cacheReady reads a key that never exists so every backend is probed
// through its normal read path.
func (a *App) cacheReady(ctx context.Context) error {
	if _, _, err := a.store.Get(ctx, readinessProbeKey); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// ProxyHandler serves crawler and passthrough traffic.
func (a *App) ProxyHandler() http.Handler {
	return a.proxy
}

// AdminHandler serves probes, metrics and the operator API.
func (a *App) AdminHandler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until ctx is canceled, a signal
// arrives or a listener fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	a.logger.Info("application started")

	// The dispatch loop outlives gctx so Shutdown can drain running jobs;
	// it returns once Shutdown completes.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	g.Go(func() error {
		a.scheduler.Run(dispatchCtx)
		return nil
	})

	servers := []*http.Server{
		a.newHTTPServer(a.cfg.Server.ProxyPort, a.ProxyHandler()),
		a.newHTTPServer(a.cfg.Server.AdminPort, a.AdminHandler()),
	}
	for _, srv := range servers {
		g.Go(func() error {
			a.logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	if a.memoryStore != nil {
		g.Go(func() error {
			a.memoryStore.Run(gctx)
			return nil
		})
	}
	if a.pgStore != nil {
		g.Go(func() error {
			a.purgeLoop(gctx)
			return nil
		})
	}
	if a.limiter != nil {
		g.Go(func() error {
			a.pruneLoop(gctx)
			return nil
		})
	}
	if a.feeder != nil {
		g.Go(func() error {
			if err := a.feeder.Run(gctx); err != nil && !errors.Is(err, queue.ErrClosed) {
				a.logger.Error("backlog feeder stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		if err := a.scheduler.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func (a *App) newHTTPServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
}

func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Prune(); n > 0 {
				a.logger.Debug("pruned idle rate limit buckets", zap.Int("removed", n))
			}
		}
	}
}

// purgeLoop deletes Postgres rows expired for longer than the stale
// retention window shared with the memory cache.
func (a *App) purgeLoop(ctx context.Context) {
	retention := a.cfg.Cache.Memory.StaleFor
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.pgStore.Purge(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				a.logger.Warn("cache purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Info("purged expired cache rows", zap.Int64("rows", n))
			}
		}
	}
}

// Close releases infrastructure. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeInfrastructure(ctx, &errs)
	a.closeObservability(ctx, &errs)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context, errs *[]error) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			*errs = append(*errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	if a.backlog != nil {
		if err := a.backlog.Close(); err != nil {
			*errs = append(*errs, fmt.Errorf("backlog close: %w", err))
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			*errs = append(*errs, fmt.Errorf("notifier close: %w", err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			*errs = append(*errs, fmt.Errorf("pubsub client close: %w", err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			*errs = append(*errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context, errs *[]error) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			*errs = append(*errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	// Sync fails on stderr/stdout with EINVAL on some platforms; not fatal.
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

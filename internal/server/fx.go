// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvester/internal/api"
	"github.com/JakeFAU/harvester/internal/clock/system"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/hash/sha256"
	"github.com/JakeFAU/harvester/internal/logging"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/orchestrator"
	"github.com/JakeFAU/harvester/internal/policy/quota"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/harvester/internal/quality"
	"github.com/JakeFAU/harvester/internal/queue"
	queueMemory "github.com/JakeFAU/harvester/internal/queue/memory"
	queuePostgres "github.com/JakeFAU/harvester/internal/queue/postgres"
	"github.com/JakeFAU/harvester/internal/registry"
	"github.com/JakeFAU/harvester/internal/session"
	gcsstorage "github.com/JakeFAU/harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/harvester/internal/storage/local"
	memoryStorage "github.com/JakeFAU/harvester/internal/storage/memory"
	"github.com/JakeFAU/harvester/internal/strategy/direct"
	"github.com/JakeFAU/harvester/internal/strategy/headless"
	"github.com/JakeFAU/harvester/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	pool         *worker.Pool
	queue        harvest.Queue
	dbPool       *pgxpool.Pool
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
	storage      *storage.Client
	headless     []*headless.Strategy
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, workerCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("worker pool started", zap.Int("workers", a.cfg.Worker.Count))
		return a.pool.Run(workerCtx)
	})

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := g.Wait(); err != nil {
		a.logger.Error("worker pool error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(_ context.Context) error {
	for _, h := range a.headless {
		h.Close()
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies")

	clock := system.New()
	hasher := sha256.New()
	validator := quality.New(quality.Config{
		MinLength:           cfg.Quality.MinLength,
		MinPunctuationRatio: cfg.Quality.MinPunctuationRatio,
		AcceptThreshold:     cfg.Quality.AcceptThreshold,
		HintThresholds:      cfg.Quality.HintThresholds,
	})

	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}

	var quotaStore quota.Store
	if cfg.Queue.QuotaBackend == "postgres" {
		quotaStore = quota.NewPostgresStore(app.dbPool)
	} else {
		quotaStore = quota.NewMemoryStore()
	}
	tracker := quota.New(quotaStore, cfg.QuotaPolicies(), clock)
	pacer := ratelimit.New(cfg.RatePolicies())

	var sessions harvest.SessionStore
	if cfg.Queue.SessionBackend == "postgres" {
		sessions = session.NewPostgresStore(app.dbPool, clock)
	} else {
		sessions = session.NewStore(clock)
	}

	reg, err := setupStrategies(app, tracker)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(
		reg,
		pacer,
		tracker,
		sessions,
		validator,
		orchestrator.Config{
			AttemptTimeout: time.Duration(cfg.Worker.AttemptTimeoutSec) * time.Second,
		},
		logger.Named("orchestrator"),
	)

	policy := queue.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.RetryBase(),
		MaxDelay:    cfg.RetryMax(),
	}.Normalize()
	if cfg.Queue.Backend == "postgres" {
		app.logger.Info("using postgres queue backend")
		app.queue = queuePostgres.NewWithPool(app.dbPool, policy, tracker, clock, logger.Named("queue"))
	} else {
		app.logger.Info("using in-memory queue backend")
		app.queue = queueMemory.New(policy, tracker, clock, logger.Named("queue"))
	}

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	app.pool = worker.New(
		app.queue,
		orch,
		blobStore,
		publisher,
		hasher,
		clock,
		worker.Config{
			Count:        cfg.Worker.Count,
			PollInterval: time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond,
			CancelPoll:   time.Duration(cfg.Worker.CancelPollMs) * time.Millisecond,
			ClaimLease:   time.Duration(cfg.Queue.ClaimLeaseSec) * time.Second,
			ReapInterval: time.Duration(cfg.Queue.ReapIntervalSec) * time.Second,
			ContentType:  cfg.Storage.ContentType,
			BlobPrefix:   cfg.Storage.Prefix,
		},
		logger.Named("worker"),
	)

	app.apiServer = api.NewServer(
		app.queue,
		tracker,
		reg,
		clock,
		*cfg,
		logger.Named("api"),
	)

	return app, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	cfg := app.cfg
	needsDB := cfg.Queue.Backend == "postgres" ||
		cfg.Queue.SessionBackend == "postgres" ||
		cfg.Queue.QuotaBackend == "postgres"
	if !needsDB {
		return nil
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = cfg.DB.MaxConns
	}
	if cfg.DB.MinConns > 0 {
		poolCfg.MinConns = cfg.DB.MinConns
	}
	if cfg.DB.MaxConnLifeSec > 0 {
		poolCfg.MaxConnLifetime = time.Duration(cfg.DB.MaxConnLifeSec) * time.Second
	}
	app.dbPool, err = pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	app.logger.Info("postgres pool initialized")
	return nil
}

func setupStrategies(app *App, tracker harvest.QuotaTracker) (*registry.Registry, error) {
	strategies := make([]harvest.Strategy, 0, len(app.cfg.Strategies))
	for _, sc := range app.cfg.Strategies {
		switch sc.Kind {
		case "headless":
			h, err := headless.New(headless.Config{
				Name:              sc.Name,
				Tier:              sc.Tier,
				MaxParallel:       sc.MaxParallel,
				UserAgent:         sc.UserAgent,
				NavigationTimeout: time.Duration(sc.TimeoutSec) * time.Second,
				Hints:             sc.ContentHints(),
			})
			if err != nil {
				return nil, fmt.Errorf("strategy %s init failed: %w", sc.Name, err)
			}
			app.headless = append(app.headless, h)
			strategies = append(strategies, h)
		default:
			strategies = append(strategies, direct.New(direct.Config{
				Name:       sc.Name,
				Tier:       sc.Tier,
				UserAgent:  sc.UserAgent,
				Timeout:    time.Duration(sc.TimeoutSec) * time.Second,
				Hints:      sc.ContentHints(),
				UseSession: sc.UseSession,
			}))
		}
		app.logger.Info("strategy registered",
			zap.String("name", sc.Name),
			zap.String("kind", sc.Kind),
			zap.Int("tier", sc.Tier),
		)
	}
	return registry.New(tracker, app.logger.Named("registry"), strategies...), nil
}

func setupStorage(ctx context.Context, app *App) (harvest.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.BaseDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (harvest.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubTopic = app.pubsubClient.Topic(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubTopic), nil
}

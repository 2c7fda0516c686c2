// Package server builds the ingest service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/trashtv-ingest/database"
	"github.com/JakeFAU/trashtv-ingest/internal/api"
	"github.com/JakeFAU/trashtv-ingest/internal/backfill"
	"github.com/JakeFAU/trashtv-ingest/internal/clock/system"
	"github.com/JakeFAU/trashtv-ingest/internal/config"
	"github.com/JakeFAU/trashtv-ingest/internal/extract"
	collyfetcher "github.com/JakeFAU/trashtv-ingest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/trashtv-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/trashtv-ingest/internal/hash/sha256"
	"github.com/JakeFAU/trashtv-ingest/internal/id/uuid"
	"github.com/JakeFAU/trashtv-ingest/internal/ingest"
	"github.com/JakeFAU/trashtv-ingest/internal/logging"
	"github.com/JakeFAU/trashtv-ingest/internal/metrics"
	memorypublisher "github.com/JakeFAU/trashtv-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/trashtv-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/trashtv-ingest/internal/reconcile"
	"github.com/JakeFAU/trashtv-ingest/internal/scheduler"
	gcsstorage "github.com/JakeFAU/trashtv-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/trashtv-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/trashtv-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/trashtv-ingest/internal/storage/postgres"
	"github.com/JakeFAU/trashtv-ingest/internal/telemetry"
)

const (
	taskIngest      = "ingest"
	taskBackfill    = "backfill"
	shutdownTimeout = 10 * time.Second

	// memoryPublisherLimit bounds events retained without a Pub/Sub project.
	memoryPublisherLimit = 256
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	scheduler *scheduler.Scheduler
	store     ingest.Store
	pipeline  *ingest.Pipeline

	pgStore        *pgstore.Store
	storage        *storage.Client
	gcpPublisher   *gcppublisher.Publisher
	headless       *headlessfetcher.Fetcher
	tracerShutdown func(context.Context) error
}

// Run starts the HTTP server and the scheduler and blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	a.Close(closeCtx)
	return runErr
}

// Close releases every client the App owns. It is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gcpPublisher != nil {
		if err := a.gcpPublisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies",
		zap.String("source_url", a.cfg.Source.URL),
		zap.String("render_mode", a.cfg.Source.RenderMode),
		zap.Bool("backfill_enabled", a.cfg.Backfill.Enabled),
	)

	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	clock := system.New()
	if err := a.setupStore(ctx, clock); err != nil {
		return err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.HTTP.UserAgent,
		RespectRobots: a.cfg.HTTP.RespectRobots,
		Timeout:       a.cfg.HTTPTimeout(),
		MaxBodyBytes:  a.cfg.HTTP.MaxBodyBytes,
	})
	var docs ingest.DocumentFetcher = httpFetcher
	if a.cfg.Source.RenderMode == config.RenderModeHeadless {
		a.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       1,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: a.cfg.NavigationTimeout(),
		})
		if err != nil {
			return fmt.Errorf("headless fetcher init failed: %w", err)
		}
		docs = a.headless
		a.logger.Info("using headless document fetcher")
	}

	extractor, err := extract.New(a.cfg.Source.Targets)
	if err != nil {
		return fmt.Errorf("extractor init failed: %w", err)
	}
	reconciler, err := reconcile.New(a.store, uuid.New(), a.logger.Named("reconcile"))
	if err != nil {
		return fmt.Errorf("reconciler init failed: %w", err)
	}

	deps := ingest.PipelineDeps{
		Fetcher:    docs,
		Extractor:  extractor,
		Reconciler: reconciler,
		Publisher:  publisher,
		Clock:      clock,
	}
	if a.cfg.Backfill.Enabled {
		var opts []backfill.Option
		if archive != nil {
			opts = append(opts, backfill.WithArchive(archive))
		}
		loader, err := backfill.New(a.store, httpFetcher, backfill.Config{
			Concurrency: a.cfg.Backfill.Concurrency,
		}, a.logger.Named("backfill"), opts...)
		if err != nil {
			return fmt.Errorf("backfill loader init failed: %w", err)
		}
		deps.Backfiller = loader
	}

	a.pipeline, err = ingest.NewPipeline(ingest.PipelineConfig{
		SourceURL:     a.cfg.Source.URL,
		RecordHistory: a.cfg.Source.RecordHistory,
		Topic:         a.cfg.PubSub.TopicName,
	}, deps, a.logger.Named("ingest"))
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	tasks := []scheduler.Task{{
		Name:     taskIngest,
		Interval: a.cfg.Source.FetchInterval,
		Run:      a.pipeline.Ingest,
	}}
	if a.cfg.Backfill.Enabled {
		tasks = append(tasks, scheduler.Task{
			Name:     taskBackfill,
			Interval: a.cfg.Backfill.Interval,
			Run:      a.pipeline.Backfill,
		})
	}
	a.scheduler, err = scheduler.New(tasks, scheduler.Config{
		TickTimeout: a.cfg.Scheduler.TickTimeout,
	}, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	if len(a.cfg.Server.CORSAllowedOrigins) == 0 {
		a.logger.Warn("no CORS origins allowed; set server.cors_allowed_origins to change this")
	}
	a.apiServer = api.NewServer(a.store, api.Config{
		CORSAllowedOrigins: a.cfg.Server.CORSAllowedOrigins,
	}, a.logger.Named("api"))
	return nil
}

func (a *App) setupStore(ctx context.Context, clock ingest.Clock) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database.dsn configured, using in-memory item store")
		store, err := memorystorage.NewItemStore(clock)
		if err != nil {
			return fmt.Errorf("memory store init failed: %w", err)
		}
		a.store = store
		return nil
	}

	if a.cfg.Database.MigrateOnStart {
		version, err := database.MigrateUp(a.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
		a.logger.Info("database migrated", zap.Uint("version", version))
	}
	store, err := pgstore.NewStore(ctx, pgstore.StoreConfig{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = store
	a.store = store
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	a.logger.Info("postgres item store ready")
	return nil
}

func (a *App) setupArchive(ctx context.Context) (*backfill.Archive, error) {
	var blobs ingest.BlobStore
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		gcs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:       a.cfg.Archive.GCS.Bucket,
			CacheControl: a.cfg.Archive.GCS.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := gcs.CheckBucket(ctx); err != nil {
			return nil, err
		}
		blobs = gcs
		a.logger.Info("archiving payloads to GCS", zap.String("bucket", a.cfg.Archive.GCS.Bucket))
	case config.ArchiveLocal:
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
		a.logger.Info("archiving payloads locally", zap.String("path", a.cfg.Archive.Local.BaseDir))
	case config.ArchiveMemory:
		blobs = memorystorage.NewBlobStore()
		a.logger.Info("archiving payloads in memory")
	default:
		a.logger.Debug("payload archive disabled")
		return nil, nil
	}
	archive, err := backfill.NewArchive(blobs, sha256.New(), a.cfg.Archive.Prefix)
	if err != nil {
		return nil, fmt.Errorf("archive init failed: %w", err)
	}
	return archive, nil
}

func (a *App) setupPublisher(ctx context.Context) (ingest.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no pubsub.project_id configured, using in-memory publisher")
		return memorypublisher.NewWithLimit(memoryPublisherLimit), nil
	}
	publisher, err := gcppublisher.Open(ctx, nil, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, a.logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.gcpPublisher = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/api"
	"github.com/openparcels/parcel-ingest/internal/clock/system"
	"github.com/openparcels/parcel-ingest/internal/config"
	"github.com/openparcels/parcel-ingest/internal/dispatcher"
	"github.com/openparcels/parcel-ingest/internal/fetcher/recordcard"
	"github.com/openparcels/parcel-ingest/internal/hash/sha256"
	"github.com/openparcels/parcel-ingest/internal/id/uuid"
	"github.com/openparcels/parcel-ingest/internal/logging"
	"github.com/openparcels/parcel-ingest/internal/orchestrator"
	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/pipeline"
	"github.com/openparcels/parcel-ingest/internal/planner"
	"github.com/openparcels/parcel-ingest/internal/policy/ratelimit"
	"github.com/openparcels/parcel-ingest/internal/policy/simple"
	"github.com/openparcels/parcel-ingest/internal/progress"
	progresssinks "github.com/openparcels/parcel-ingest/internal/progress/sinks"
	memorypublisher "github.com/openparcels/parcel-ingest/internal/publisher/memory"
	gcppublisher "github.com/openparcels/parcel-ingest/internal/publisher/pubsub"
	queueMemory "github.com/openparcels/parcel-ingest/internal/queue/memory"
	"github.com/openparcels/parcel-ingest/internal/scan"
	gcsstorage "github.com/openparcels/parcel-ingest/internal/storage/gcs"
	localstorage "github.com/openparcels/parcel-ingest/internal/storage/local"
	memoryStorage "github.com/openparcels/parcel-ingest/internal/storage/memory"
	pgstore "github.com/openparcels/parcel-ingest/internal/storage/postgres"
	"github.com/openparcels/parcel-ingest/internal/telemetry"
	"github.com/openparcels/parcel-ingest/internal/transform"
	"github.com/openparcels/parcel-ingest/internal/worker"
)

// Version is stamped into traces; override with -ldflags.
var Version = "dev"

// stores groups the persistence backends chosen by setupDatabase.
type stores struct {
	records    parcel.RecordStore
	batches    parcel.BatchStore
	scans      parcel.ScanStore
	candidates parcel.CandidateSource
}

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	orchestrator *orchestrator.Orchestrator
	scanner      *scan.Scanner
	progressHub  *progress.Hub
	queue        *queueMemory.Queue
	pool         *pgxpool.Pool
	gcsStore     *gcsstorage.BlobStore
	pubsub       *gcppublisher.Publisher
	stores       stores

	tracerShutdown func(context.Context) error
	dispatchDone   chan struct{}
	cancelDispatch context.CancelFunc
	closeOnce      sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	type SanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Upstream   string `json:"upstream"`
		Workers    int    `json:"workers"`
		Storage    string `json:"storage"`
		Postgres   bool   `json:"postgres"`
	}
	safeCfg := SanitizedConfig{
		ServerPort: cfg.Server.Port,
		Upstream:   cfg.Upstream.BaseURL,
		Workers:    cfg.Batch.Workers,
		Storage:    cfg.Storage.Backend,
		Postgres:   cfg.Database.DSN != "",
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Logger exposes the application logger to commands.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// StartWorkers launches the dispatcher in the background. It is safe to call
// more than once.
func (a *App) StartWorkers(ctx context.Context) {
	if a.dispatchDone != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancelDispatch = cancel
	a.dispatchDone = make(chan struct{})
	go func() {
		defer close(a.dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Batch.Workers))
		a.dispatch.Run(ctx)
	}()
}

// ResumeWork restarts batches and the scan left open by a previous process,
// as configured.
func (a *App) ResumeWork(ctx context.Context) {
	if a.cfg.Batch.ResumeOnBoot {
		n, err := a.orchestrator.ResumeAll(ctx)
		if err != nil {
			a.logger.Error("resume batches failed", zap.Error(err))
		} else if n > 0 {
			a.logger.Info("resumed open batches", zap.Int("count", n))
		}
	}
	if a.cfg.Scan.ResumeOnBoot {
		resumed, err := a.scanner.Resume(ctx)
		if err != nil {
			a.logger.Error("resume scan failed", zap.Error(err))
		} else if resumed {
			a.logger.Info("resumed cursor scan")
		}
	}
}

// Run serves the control API and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")

	a.StartWorkers(ctx)
	a.ResumeWork(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
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

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. Open batches and a running
// scan keep their durable state so the next process can resume them. Calls
// after the first are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.close(ctx) })
	return nil
}

func (a *App) close(ctx context.Context) {
	if a.scanner != nil {
		a.scanner.Close()
	}
	if a.orchestrator != nil {
		a.orchestrator.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.cancelDispatch != nil {
		a.cancelDispatch()
		select {
		case <-a.dispatchDone:
		case <-ctx.Done():
			a.logger.Warn("workers did not stop before shutdown deadline")
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	a.closeObservability(ctx)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, Version)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	app.logger.Info("building application dependencies")

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	progressEmitter, err := setupProgress(ctx, app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	var limiter recordcard.Limiter
	if cfg.Upstream.RPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Upstream.RPS,
			DefaultBurst: cfg.Upstream.Burst,
		})
		app.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.Upstream.RPS),
			zap.Int("default_burst", cfg.Upstream.Burst),
		)
	} else {
		limiter = simple.New()
		app.logger.Info("rate limiter disabled, using simple policy")
	}
	batchPipeline, err := setupPipeline(app, cfg.FetchTimeout(), limiter, clock, blobStore, "batch")
	if err != nil {
		return nil, err
	}
	scanPipeline, err := setupPipeline(app, cfg.ScanFetchTimeout(), limiter, clock, blobStore, "scan")
	if err != nil {
		return nil, err
	}

	app.queue = queueMemory.NewQueue(cfg.Batch.QueueDepth)
	app.orchestrator = orchestrator.New(
		planner.New(app.stores.candidates, cfg.Batch.PageSize, logger.Named("planner")),
		app.stores.batches,
		app.queue,
		uuid.New(),
		clock,
		publisher,
		progressEmitter,
		orchestrator.Config{Topic: cfg.PubSub.TopicName},
		logger.Named("orchestrator"),
	)
	app.dispatch = setupDispatcher(app, batchPipeline, clock, progressEmitter)

	app.scanner = scan.New(
		app.stores.scans,
		scanPipeline,
		app.stores.records,
		clock,
		progressEmitter,
		scan.Config{Delay: time.Duration(cfg.Scan.DelayMs) * time.Millisecond},
		logger.Named("scan"),
	)

	var apiKey string
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(
		app.orchestrator,
		app.scanner,
		app.stores.records,
		api.Options{
			APIKey:   apiKey,
			Defaults: parcel.BatchOptions{UnitSize: cfg.Batch.UnitSize},
			Ready:    app.ready,
		},
		logger.Named("api"),
	)

	return app, nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func setupStorage(ctx context.Context, app *App) (parcel.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
		}, app.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcsStore = store
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
		return store, nil
	case "local":
		app.logger.Info("using local storage backend")
		store, err := localstorage.New(app.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
		return store, nil
	case "memory":
		app.logger.Warn("using in-memory storage backend, archived bodies are kept until exit")
		return memoryStorage.NewBlobStore(), nil
	default:
		app.logger.Info("raw record archive disabled")
		return nil, nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, using in-memory parcel, batch and scan stores")
		app.stores = stores{
			records:    memoryStorage.NewRecordStore(),
			batches:    memoryStorage.NewBatchStore(),
			scans:      memoryStorage.NewScanStore(),
			candidates: memoryStorage.NewCandidateStore(),
		}
		return nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres pool init failed: %w", err)
	}
	app.pool = pool

	records, err := pgstore.NewRecordStore(pool, app.cfg.Database.ParcelsTable)
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	batches, err := pgstore.NewBatchStore(pool)
	if err != nil {
		return fmt.Errorf("batch store init failed: %w", err)
	}
	scans, err := pgstore.NewScanStore(pool)
	if err != nil {
		return fmt.Errorf("scan store init failed: %w", err)
	}
	candidates, err := pgstore.NewCandidateStore(pool, app.cfg.Database.CandidatesTable)
	if err != nil {
		return fmt.Errorf("candidate store init failed: %w", err)
	}
	app.stores = stores{records: records, batches: batches, scans: scans, candidates: candidates}
	app.logger.Info("postgres stores initialized",
		zap.String("parcels_table", app.cfg.Database.ParcelsTable),
		zap.String("candidates_table", app.cfg.Database.CandidatesTable),
	)
	return nil
}

func setupPublisher(ctx context.Context, app *App) (parcel.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName, app.logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.pubsub = pub
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	if app.cfg.Progress.PrometheusEnabled {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("prometheus progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("Added progress prometheus sink")
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupPipeline(
	app *App,
	timeout time.Duration,
	limiter recordcard.Limiter,
	clock parcel.Clock,
	blobs parcel.BlobStore,
	mode string,
) (*pipeline.Pipeline, error) {
	fetcher, err := recordcard.New(recordcard.Config{
		BaseURL:     app.cfg.Upstream.BaseURL,
		UserAgent:   app.cfg.Upstream.UserAgent,
		Timeout:     timeout,
		MaxAttempts: app.cfg.Upstream.MaxAttempts,
		RetryDelay:  time.Duration(app.cfg.Upstream.RetryDelayMs) * time.Millisecond,
	}, limiter, clock, app.logger.Named("fetcher").With(zap.String("mode", mode)))
	if err != nil {
		return nil, fmt.Errorf("%s fetcher init failed: %w", mode, err)
	}
	app.logger.Info("record card fetcher ready",
		zap.String("mode", mode),
		zap.String("base_url", app.cfg.Upstream.BaseURL),
		zap.Duration("timeout", timeout),
	)
	return pipeline.New(
		fetcher,
		transform.New(app.logger.Named("transform")),
		blobs,
		sha256.New(),
		pipeline.Config{
			ArchivePrefix: app.cfg.Storage.Prefix,
			ContentType:   app.cfg.Storage.ContentType,
		},
		app.logger.Named("pipeline").With(zap.String("mode", mode)),
	), nil
}

func setupDispatcher(
	app *App,
	processor worker.Processor,
	clock parcel.Clock,
	progressEmitter progress.Emitter,
) *dispatcher.Dispatcher {
	workerCfg := worker.Config{
		UnitBudget:    time.Duration(app.cfg.Batch.UnitBudgetSeconds) * time.Second,
		UnitRetries:   app.cfg.Batch.UnitRetries,
		RetryBackoff:  app.cfg.RetryBackoff(),
		CommitTimeout: time.Duration(app.cfg.Batch.CommitTimeoutSeconds) * time.Second,
	}
	app.logger.Info("worker config",
		zap.Duration("unit_budget", workerCfg.UnitBudget),
		zap.Int("unit_retries", workerCfg.UnitRetries),
		zap.Durations("retry_backoff", workerCfg.RetryBackoff),
		zap.Duration("commit_timeout", workerCfg.CommitTimeout),
	)

	runners := make([]dispatcher.Runner, 0, app.cfg.Batch.Workers)
	for i := 0; i < app.cfg.Batch.Workers; i++ {
		runners = append(runners, worker.New(
			app.queue,
			app.stores.batches,
			app.stores.records,
			processor,
			clock,
			progressEmitter,
			app.orchestrator,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(app.queue, runners)
}

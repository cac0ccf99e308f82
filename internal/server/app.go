// Package server assembles the pkgkeeper runtime: persistence, storage,
// the protocol engines, the job scheduler, the ops gRPC endpoint and the
// metrics endpoint. It handles graceful shutdown on SIGINT/SIGTERM.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/logging"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/auth"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/config"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/docker"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/locks"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/maintenance"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/packages"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/proxycache"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/scheduler"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/storage"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/writepolicy"

	gs "github.com/dmitrijs2005/pkgkeeper/internal/server/grpc"
)

// schedulerHealth is the health service name reporting the job loop.
const schedulerHealth = "pkgkeeper.scheduler"

// retentionLockWait bounds how long a retention run waits for a repository
// that another instance is already cleaning.
const retentionLockWait = 5 * time.Second

type App struct {
	config    *config.Config
	logger    logging.Logger
	db        *sql.DB
	storage   storage.Storage
	registry  *docker.Registry
	packages  *packages.Service
	tokens    *auth.TokenIssuer
	sessions  *docker.UploadSessions
	scheduler *scheduler.Scheduler
	ops       *gs.Server
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewJSONLogger(os.Stdout, c.LogLevel)

	defs, err := repomanager.LoadRepositories(c.RepositoriesFile)
	if err != nil {
		return nil, err
	}
	creds, err := repomanager.LoadCredentials(c.UsersFile)
	if err != nil {
		return nil, err
	}

	var (
		db *sql.DB
		rm repomanager.RepositoryManager
	)
	if c.DatabaseDSN != "" {
		db, err = repomanager.Open(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		rm = repomanager.NewPostgresRepositoryManager()
	} else {
		logger.Warn(ctx, "no database configured, using in-memory stores and process-local locks")
		rm = repomanager.NewMemoryRepositoryManager(nil, nil)
	}

	app, err := build(ctx, c, logger, db, rm, defs, creds)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}
	return app, nil
}

func build(ctx context.Context, c *config.Config, logger logging.Logger, db *sql.DB, rm repomanager.RepositoryManager,
	defs []*models.Repository, creds map[string]string) (*App, error) {
	if err := rm.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	repositories := rm.Repositories(db)
	index := rm.Artifacts(db)
	accounts := rm.Users(db)
	queue := rm.Jobs(db)

	if err := repomanager.Seed(ctx, repositories, accounts, defs, creds); err != nil {
		return nil, err
	}

	st, err := storage.New(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	memCache, err := proxycache.NewMemoryCache(c.ProxyMemoryCacheSize, proxycache.NewStorageCache(st))
	if err != nil {
		return nil, err
	}
	engine := proxycache.NewEngine(memCache, proxycache.NewHTTPUpstream(), index, logger)
	resolver := writepolicy.NewResolver(repositories, logger)

	sessions := docker.NewUploadSessions(c.UploadTempDir)
	registry := docker.NewRegistry(repositories, st, index, resolver, engine, sessions, logger)
	pkgs := packages.NewService(repositories, st, index, resolver, engine, logger, packages.WithSpoolDir(c.UploadTempDir))

	tokens := auth.NewTokenIssuer([]byte(c.SecretKey), c.TokenIssuer, c.TokenService, c.TokenTTL, auth.NewAuthenticator(accounts))

	var elector scheduler.Elector
	if db != nil {
		elector = scheduler.NewPostgresElector(db, scheduler.DefaultLockID)
	} else {
		elector = scheduler.NewMemoryElector(queue)
	}
	sched := scheduler.New(queue, elector, scheduler.Options{
		WorkerID:    c.WorkerID,
		Tick:        c.SchedulerTick,
		StaleAfter:  c.JobStaleAfter,
		MaxAttempts: c.JobMaxAttempts,
	}, logger)

	tasks := maintenance.NewTasks(maintenance.Config{
		UploadSessionTTL: c.UploadSessionTTL,
		RetentionAge:     c.RetentionAge,
		LockTTL:          c.LockTTL,
		CacheMaxAge:      c.ProxyMemoryCacheMaxAge,
	}, logger)
	tasks.Sessions = sessions
	tasks.Cache = memCache
	tasks.Repositories = repositories
	tasks.Artifacts = index
	tasks.Storage = st
	tasks.Locker = locks.NewLocker(db, c.WorkerID, locks.Options{MaxWait: retentionLockWait, Logger: logger.With("module", "locks")})
	tasks.Register(sched)

	return &App{
		config:    c,
		logger:    logger,
		db:        db,
		storage:   st,
		registry:  registry,
		packages:  pkgs,
		tokens:    tokens,
		sessions:  sessions,
		scheduler: sched,
		ops:       gs.NewServer(c.EndpointAddrGRPC, logger, tokens),
	}, nil
}

// Registry is the Docker Registry V2 engine for protocol front ends.
func (app *App) Registry() *docker.Registry { return app.registry }

// Packages is the engine of the file-based package managers.
func (app *App) Packages() *packages.Service { return app.packages }

// Tokens issues registry bearer tokens.
func (app *App) Tokens() *auth.TokenIssuer { return app.tokens }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.ops.Run(ctx); err != nil {
		app.logger.Error(ctx, "gRPC server failed", "error", err)
		cancelFunc()
	}
}

func (app *App) startMetricsServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if app.config.MetricsAddr == "" {
		return
	}
	if err := metrics.Serve(ctx, app.config.MetricsAddr, app.logger); err != nil {
		app.logger.Error(ctx, "metrics endpoint failed", "error", err)
		cancelFunc()
	}
}

// Run blocks until ctx is cancelled, a signal arrives or an endpoint fails.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "worker", app.config.WorkerID)

	app.initSignalHandler(cancelFunc)

	app.scheduler.Start(ctx)
	app.ops.SetServing(schedulerHealth, true)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startMetricsServer(ctx, cancelFunc)
	}()

	<-ctx.Done()
	app.ops.SetServing(schedulerHealth, false)
	app.shutdown(context.WithoutCancel(ctx))

	wg.Wait()
}

func (app *App) shutdown(ctx context.Context) {
	app.logger.Info(ctx, "Stopping app...")

	app.scheduler.Stop()
	app.sessions.Close()

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error(ctx, "closing database", "error", err)
		}
	}
}

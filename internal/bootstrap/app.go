// Package bootstrap builds the engine from configuration. Both binaries
// share it; they differ only in whether they serve HTTP.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bryanwahyu/analyzer-engine/internal/application"
	appbatches "github.com/bryanwahyu/analyzer-engine/internal/application/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/application/contract"
	"github.com/bryanwahyu/analyzer-engine/internal/application/environments"
	"github.com/bryanwahyu/analyzer-engine/internal/config"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/sandbox"
	"github.com/bryanwahyu/analyzer-engine/internal/infra/db/memory"
	mysqlp "github.com/bryanwahyu/analyzer-engine/internal/infra/db/mysql"
	"github.com/bryanwahyu/analyzer-engine/internal/infra/db/postgres"
	"github.com/bryanwahyu/analyzer-engine/internal/infra/executor/docker"
	"github.com/bryanwahyu/analyzer-engine/internal/infra/executor/process"
	"github.com/bryanwahyu/analyzer-engine/internal/infra/httpserver"
	memqueue "github.com/bryanwahyu/analyzer-engine/internal/infra/queue/memory"
	redisq "github.com/bryanwahyu/analyzer-engine/internal/infra/queue/redis"
	"github.com/bryanwahyu/analyzer-engine/internal/infra/storage"
	"github.com/bryanwahyu/analyzer-engine/internal/logging"
	"github.com/bryanwahyu/analyzer-engine/internal/middleware"
	"github.com/bryanwahyu/analyzer-engine/internal/telemetry"
)

var logger = logging.For("bootstrap")

// repositories groups the three persistence ports; every driver implements all.
type repositories interface {
	analyzers.Repository
	projects.Repository
	batches.Repository
}

// App is the wired engine.
type App struct {
	Config      *config.Config
	Dispatcher  *appbatches.Dispatcher
	Coordinator *appbatches.Coordinator
	Worker      *appbatches.Worker
	Metrics     *telemetry.Metrics
	Registry    *prometheus.Registry
	Checkers    map[string]middleware.HealthChecker
	RateLimiter *middleware.RateLimiter

	closers []func() error
}

// New connects every backend named by cfg. On error, whatever was opened is closed.
func New(ctx context.Context, cfg *config.Config) (app *App, err error) {
	app = &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		Checkers: make(map[string]middleware.HealthChecker),
	}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = telemetry.New(app.Registry)
	if cfg.Security.RateLimit.Enabled {
		app.RateLimiter = middleware.NewRateLimiter(cfg.Security.RateLimit.Requests, cfg.Security.RateLimit.Window)
	}

	repos, err := app.openDatabase(ctx)
	if err != nil {
		return nil, err
	}
	artifacts, err := app.openArtifacts(ctx, repos)
	if err != nil {
		return nil, err
	}

	var pool *redis.Pool
	if cfg.Queue.Driver == "redis" {
		pool = redisq.NewPool(cfg.Redis)
		app.closers = append(app.closers, pool.Close)
		if err := redisq.Ping(ctx, pool); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		app.Checkers["redis"] = middleware.CheckerFunc(func(ctx context.Context) error { return redisq.Ping(ctx, pool) })
	}
	queue := app.openQueue(pool)

	provisioner, executor, err := app.openSandbox(ctx)
	if err != nil {
		return nil, err
	}
	opts := []environments.Option{environments.WithMetrics(app.Metrics)}
	if pool != nil {
		opts = append(opts, environments.WithLocker(redisq.NewLocker(pool, cfg.Sandbox.ProvisionTimeout)))
	}
	envs := environments.NewManager(provisioner, opts...)

	clock := application.SystemClock{}
	app.Coordinator = &appbatches.Coordinator{
		Batches:      repos,
		Analyzers:    repos,
		Artifacts:    artifacts,
		Resolver:     &contract.Resolver{Analyzers: repos, Projects: repos},
		Environments: envs,
		Executor:     executor,
		Clock:        clock,
		Metrics:      app.Metrics,
		Timeout:      cfg.Sandbox.Timeout,
		Parallelism:  cfg.Worker.ProjectParallelism,
	}
	app.Dispatcher = &appbatches.Dispatcher{
		Batches:     repos,
		Analyzers:   repos,
		Projects:    repos,
		Queue:       queue,
		Clock:       clock,
		Metrics:     app.Metrics,
		MaxProjects: cfg.Server.MaxProjects,
	}
	app.Worker = &appbatches.Worker{
		Queue:       queue,
		Runner:      app.Coordinator,
		Concurrency: cfg.Worker.Concurrency,
	}
	return app, nil
}

func (a *App) openDatabase(ctx context.Context) (repositories, error) {
	switch a.Config.Database.Driver {
	case "mysql":
		db, err := mysqlp.Connect(ctx, a.Config.MySQLDSN())
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if a.Config.Database.Migrate {
			if err := mysqlp.Migrate(ctx, db); err != nil {
				return nil, err
			}
		}
		a.Checkers["database"] = &middleware.DatabaseHealthChecker{DB: db}
		return mysqlp.NewStore(db), nil
	case "postgres":
		db, err := postgres.Connect(ctx, a.Config.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if a.Config.Database.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				return nil, err
			}
		}
		a.Checkers["database"] = &middleware.DatabaseHealthChecker{DB: db}
		return postgres.NewStore(db), nil
	default:
		store := memory.NewStore()
		if a.Config.Database.Seed != "" {
			if err := LoadSeed(a.Config.Database.Seed, store); err != nil {
				return nil, err
			}
		}
		logger.Warn("using in-memory database, state is lost on restart")
		return store, nil
	}
}

func (a *App) openArtifacts(ctx context.Context, repos repositories) (analyzers.ArtifactStore, error) {
	if store, ok := repos.(*memory.Store); ok && a.Config.Database.Seed != "" {
		// the seed already carried the files
		return store, nil
	}
	if a.Config.Artifacts.Driver == "minio" {
		ms, err := storage.NewMinio(ctx, a.Config.Minio)
		if err != nil {
			return nil, err
		}
		a.Checkers["artifacts"] = middleware.CheckerFunc(ms.Ping)
		return ms, nil
	}
	return storage.NewLocal(a.Config.Artifacts.BaseDir), nil
}

func (a *App) openQueue(pool *redis.Pool) batches.Queue {
	if pool != nil {
		return redisq.NewQueue(pool, a.Config.Queue.Name)
	}
	return memqueue.New(a.Config.Queue.BufferSize)
}

func (a *App) openSandbox(ctx context.Context) (sandbox.Provisioner, sandbox.Executor, error) {
	sc := a.Config.Sandbox
	if sc.Driver == "process" {
		logger.Warn("process sandbox isolates environment variables and files only; use docker for untrusted scripts")
		p := &process.Provisioner{Root: sc.EnvRoot, Python: sc.Python, Timeout: sc.ProvisionTimeout}
		e := &process.Executor{WorkRoot: sc.WorkRoot, MaxOutputBytes: sc.MaxOutputBytes, Metrics: a.Metrics}
		if os.Geteuid() == 0 {
			// root ignores the read-only venv
			e.RunAs = process.Nobody()
		}
		return p, e, nil
	}

	cli, err := docker.NewClient()
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, cli.Close)
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := docker.Ping(pctx, cli); err != nil {
		return nil, nil, fmt.Errorf("docker daemon: %w", err)
	}
	a.Checkers["docker"] = middleware.CheckerFunc(func(ctx context.Context) error { return docker.Ping(ctx, cli) })

	p := &docker.Provisioner{Client: cli, Image: sc.Image, Timeout: sc.ProvisionTimeout}
	e := &docker.Sandbox{
		Client:         cli,
		Image:          sc.Image,
		Limits:         docker.LimitsFrom(sc),
		MaxOutputBytes: sc.MaxOutputBytes,
		Metrics:        a.Metrics,
	}
	return p, e, nil
}

// Handler returns the HTTP API. ready reports whether /readyz should pass.
func (a *App) Handler(ready func() bool) http.Handler {
	opts := httpserver.Options{
		Security:    a.Config.Security,
		Metrics:     a.Metrics,
		Checkers:    a.Checkers,
		Ready:       ready,
		RateLimiter: a.RateLimiter,
	}
	if a.Config.Metrics.Enabled {
		opts.MetricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
		opts.MetricsPath = a.Config.Metrics.Path
	}
	return httpserver.NewRouter(a.Dispatcher, opts)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Package app assembles the mailqueue service from configuration: the job
// store, the mailer, the worker pool and the HTTP servers in front of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/nimburion/mailqueue/pkg/accounts"
	"github.com/nimburion/mailqueue/pkg/config"
	"github.com/nimburion/mailqueue/pkg/email"
	"github.com/nimburion/mailqueue/pkg/health"
	"github.com/nimburion/mailqueue/pkg/jobs"
	jobsfactory "github.com/nimburion/mailqueue/pkg/jobs/factory"
	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/observability/metrics"
	"github.com/nimburion/mailqueue/pkg/observability/tracing"
	"github.com/nimburion/mailqueue/pkg/server"
	ginrouter "github.com/nimburion/mailqueue/pkg/server/router/gin"
	"github.com/nimburion/mailqueue/pkg/version"
)

const healthCheckTimeout = 2 * time.Second

// App owns every long-lived dependency of the service.
type App struct {
	cfg  *config.Config
	log  logger.Logger
	info version.Info

	tracer   *tracing.TracerProvider
	store    jobsfactory.Store
	mailer   email.Provider
	producer *jobs.Producer
	pool     *jobs.Pool

	health  *health.Registry
	metrics *metrics.Registry
}

// Options overrides dependencies New would otherwise build from cfg.
type Options struct {
	Store  jobsfactory.Store
	Mailer email.Provider
}

// New connects to the job store and builds the mailer, producer and pool.
// A store that cannot be reached is an error; nothing is left open when New
// fails.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts Options) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		info:    version.Current(cfg.Service.Name),
		health:  health.NewRegistry(),
		metrics: metrics.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.tracer, err = tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: a.info.Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("create tracer provider: %w", err)
	}

	a.store = opts.Store
	if a.store == nil {
		a.store, err = jobsfactory.NewStore(cfg.Jobs, log)
		if err != nil {
			return nil, fmt.Errorf("open jobs store: %w", err)
		}
	}

	a.mailer = opts.Mailer
	if a.mailer == nil {
		a.mailer, err = email.NewProvider(ctx, cfg.Email, log)
		if err != nil {
			return nil, fmt.Errorf("create email provider: %w", err)
		}
	}

	a.producer, err = jobs.NewProducer(a.store, log)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}

	a.pool, err = jobs.NewPool(a.store, jobs.NewExecutionContext(a.mailer, log), log, jobsfactory.PoolConfig(cfg.Jobs))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	if err = accounts.RegisterHandlers(a.pool, cfg.Accounts); err != nil {
		return nil, fmt.Errorf("register job handlers: %w", err)
	}

	a.health.Register(jobs.NewStoreHealthChecker("jobs_store", a.store, healthCheckTimeout))
	a.health.Register(jobs.NewPoolHealthChecker("jobs_pool", a.pool, healthCheckTimeout))
	a.health.Register(email.NewHealthChecker("email", a.mailer))

	log.Info("application initialized", a.info.Fields()...)
	return a, nil
}

// Store exposes the job store for maintenance commands.
func (a *App) Store() jobsfactory.Store {
	return a.store
}

// Producer returns the producer used by the HTTP handlers.
func (a *App) Producer() *jobs.Producer {
	return a.producer
}

// Serve runs the public API, the management server and the worker pool until
// ctx is cancelled or SIGINT/SIGTERM arrives.
func (a *App) Serve(ctx context.Context) error {
	public := server.NewPublicAPIServer(a.cfg.HTTP, ginrouter.NewRouter(), a.log)
	accounts.RegisterRoutes(public.Router(), a.producer, a.cfg.Accounts, a.log)

	return a.run(ctx, public.Server)
}

// Work runs only the worker pool, with the management server when enabled.
func (a *App) Work(ctx context.Context) error {
	return a.run(ctx)
}

func (a *App) run(ctx context.Context, servers ...*server.Server) error {
	if a.cfg.Management.Enabled {
		mgmt := server.NewManagementServer(
			a.cfg.Management,
			a.cfg.HTTP.ShutdownTimeout,
			ginrouter.NewRouter(),
			a.log,
			a.health,
			a.metrics,
			a.info,
		)
		servers = append(servers, mgmt.Server)
	}

	return server.RunWithSignals(ctx, server.RunOptions{
		Logger:  a.log,
		Servers: servers,
		Runners: []server.Runner{{Name: "worker pool", Run: a.runPool}},
		ShutdownHooks: []server.LifecycleHook{
			{Name: "release dependencies", Fn: a.close},
		},
		ShutdownHookTimeout: a.cfg.HTTP.ShutdownTimeout,
	}, os.Interrupt, syscall.SIGTERM)
}

// runPool runs the pool and, once ctx is cancelled, waits at most
// jobs.stop_timeout for in-flight attempts to finish.
func (a *App) runPool(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.pool.Run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	stopTimeout := a.cfg.Jobs.StopTimeout
	if stopTimeout <= 0 {
		return <-done
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.pool.Stop(stopCtx); err != nil {
		a.log.Warn("worker pool did not drain in time", "timeout", stopTimeout.String(), "error", err)
		return fmt.Errorf("stop worker pool: %w", err)
	}
	return <-done
}

// Close releases the store, the mailer and the tracer provider.
func (a *App) Close(ctx context.Context) error {
	return a.close(ctx)
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.mailer != nil {
		if err := a.mailer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close email provider: %w", err))
		}
		a.mailer = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close jobs store: %w", err))
		}
		a.store = nil
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.tracer = nil
	}
	return errors.Join(errs...)
}

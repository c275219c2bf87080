package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

const defaultShutdownHookTimeout = 10 * time.Second

// ErrStoppedEarly reports a component that returned while the process was
// still supposed to run.
var ErrStoppedEarly = errors.New("component stopped before shutdown")

// LifecycleHook is a named startup or shutdown action.
type LifecycleHook struct {
	Name string
	Fn   func(context.Context) error
}

// Runner is a long-running component joined with the servers, such as the
// worker pool. Run must block until ctx is cancelled or it fails.
type Runner struct {
	Name string
	Run  func(context.Context) error
}

// RunOptions lists everything Run starts and tears down.
type RunOptions struct {
	Logger  logger.Logger
	Servers []*Server
	Runners []Runner

	StartupHooks        []LifecycleHook
	ShutdownHooks       []LifecycleHook
	ShutdownHookTimeout time.Duration
}

// Run binds every server, runs the startup hooks and then runs servers and
// runners in one errgroup. The first failure, or any component returning
// before ctx is done, cancels the rest. A failed bind or startup hook
// releases every listener already bound. Shutdown hooks always run.
func Run(ctx context.Context, opts RunOptions) error {
	if opts.Logger == nil {
		return errors.New("logger is required")
	}
	if len(opts.Servers) == 0 && len(opts.Runners) == 0 {
		return errors.New("nothing to run")
	}

	runErr := listenAll(opts.Servers)
	if runErr == nil {
		runErr = runStartupHooks(ctx, opts)
	}
	if runErr == nil {
		runErr = runGroup(ctx, opts)
	} else {
		for _, srv := range opts.Servers {
			srv.closeListener()
		}
	}
	if hookErr := runShutdownHooks(opts); hookErr != nil {
		opts.Logger.Error("shutdown hooks completed with errors", "error", hookErr)
		runErr = errors.Join(runErr, hookErr)
	}
	return runErr
}

// RunWithSignals runs until SIGINT or SIGTERM, or the given signals.
func RunWithSignals(ctx context.Context, opts RunOptions, signals ...os.Signal) error {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ctx, stop := signal.NotifyContext(ctx, signals...)
	defer stop()
	return Run(ctx, opts)
}

// listenAll binds servers in order and stops at the first failure.
func listenAll(servers []*Server) error {
	for _, srv := range servers {
		if err := srv.Listen(); err != nil {
			return err
		}
	}
	return nil
}

func runGroup(ctx context.Context, opts RunOptions) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range opts.Servers {
		g.Go(func() error {
			return stayedUp(ctx, srv.config.Name, srv.Start(gctx))
		})
	}
	for _, runner := range opts.Runners {
		g.Go(func() error {
			err := stayedUp(ctx, runner.Name, runner.Run(gctx))
			if err != nil {
				opts.Logger.Error("component failed", "component", runner.Name, "error", err)
			}
			return err
		})
	}
	return g.Wait()
}

// stayedUp turns a clean return into ErrStoppedEarly unless the parent
// context asked for it.
func stayedUp(parent context.Context, name string, err error) error {
	if err != nil {
		return err
	}
	if parent.Err() == nil {
		return fmt.Errorf("%s: %w", name, ErrStoppedEarly)
	}
	return nil
}

func runStartupHooks(ctx context.Context, opts RunOptions) error {
	for _, hook := range opts.StartupHooks {
		if hook.Fn == nil {
			continue
		}
		name := hookName(hook)
		opts.Logger.Info("startup hook start", "hook", name)
		if err := hook.Fn(ctx); err != nil {
			opts.Logger.Error("startup hook failed", "hook", name, "error", err)
			return fmt.Errorf("startup hook %q failed: %w", name, err)
		}
	}
	return nil
}

func runShutdownHooks(opts RunOptions) error {
	timeout := opts.ShutdownHookTimeout
	if timeout <= 0 {
		timeout = defaultShutdownHookTimeout
	}

	var errs []error
	for _, hook := range opts.ShutdownHooks {
		if hook.Fn == nil {
			continue
		}
		name := hookName(hook)
		hookCtx, cancel := context.WithTimeout(context.Background(), timeout)
		err := hook.Fn(hookCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("shutdown hook %q failed: %w", name, err))
			continue
		}
		opts.Logger.Info("shutdown hook complete", "hook", name)
	}
	return errors.Join(errs...)
}

func hookName(hook LifecycleHook) string {
	if name := strings.TrimSpace(hook.Name); name != "" {
		return name
	}
	return "unnamed"
}

package jobs

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

const (
	DefaultWorkers           = 2
	DefaultPollInterval      = 250 * time.Millisecond
	DefaultAttemptTimeout    = 30 * time.Second
	DefaultMaxStoreFailures  = 5
	DefaultRetentionInterval = time.Minute
)

// PoolConfig configures worker concurrency and retry behavior.
type PoolConfig struct {
	Workers          int
	PollInterval     time.Duration
	LeaseTTL         time.Duration
	AttemptTimeout   time.Duration
	MaxStoreFailures int
	Backoff          BackoffPolicy
	// RetentionInterval is how often stores implementing Purger are swept.
	// Negative disables the sweep.
	RetentionInterval time.Duration
}

func (c *PoolConfig) normalize() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.MaxStoreFailures <= 0 {
		c.MaxStoreFailures = DefaultMaxStoreFailures
	}
	if c.RetentionInterval == 0 {
		c.RetentionInterval = DefaultRetentionInterval
	}
	c.Backoff.normalize()
}

// Pool runs a fixed number of workers against one store.
type Pool struct {
	store   Store
	execCtx *ExecutionContext
	log     logger.Logger
	config  PoolConfig

	mu       sync.RWMutex
	handlers map[string]Handler
	kinds    []string

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewPool creates a pool. Handlers must be registered before Run.
func NewPool(store Store, execCtx *ExecutionContext, log logger.Logger, cfg PoolConfig) (*Pool, error) {
	if store == nil {
		return nil, jobsError(ErrInvalidArgument, "store is required")
	}
	if execCtx == nil {
		return nil, jobsError(ErrInvalidArgument, "execution context is required")
	}
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()

	return &Pool{
		store:    store,
		execCtx:  execCtx,
		log:      log,
		config:   cfg,
		handlers: map[string]Handler{},
	}, nil
}

// Register binds handler to a job kind.
func (p *Pool) Register(kind string, handler Handler) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return jobsError(ErrInvalidArgument, "job kind is required")
	}
	if handler == nil {
		return jobsError(ErrInvalidArgument, "handler is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.handlers[kind]; !exists {
		p.kinds = append(p.kinds, kind)
		sort.Strings(p.kinds)
	}
	p.handlers[kind] = handler
	return nil
}

// Config returns the normalized pool configuration.
func (p *Pool) Config() PoolConfig {
	return p.config
}

// Run starts the workers and blocks until ctx is cancelled or a worker fails
// fatally. On cancellation each worker finishes its current attempt first and
// Run returns nil. A store that stays unavailable is reported as an
// ErrStoreUnavailable error after the remaining workers have stopped.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.RLock()
	registered := len(p.kinds)
	p.mu.RUnlock()
	if registered == 0 {
		return jobsError(ErrInvalidArgument, "at least one handler must be registered")
	}

	p.lifecycleMu.Lock()
	if p.running {
		p.lifecycleMu.Unlock()
		return jobsError(ErrInvalidArgument, "pool already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.running = true
	p.cancel = cancel
	p.done = done
	p.lifecycleMu.Unlock()

	defer func() {
		cancel()
		p.lifecycleMu.Lock()
		p.running = false
		p.cancel = nil
		p.lifecycleMu.Unlock()
		close(done)
	}()

	p.log.Info("worker pool starting", "workers", p.config.Workers, "kinds", p.registeredKinds())

	group, groupCtx := errgroup.WithContext(runCtx)
	for idx := 0; idx < p.config.Workers; idx++ {
		w := newWorker(idx, p)
		group.Go(func() error {
			return w.run(groupCtx)
		})
	}
	if purger, ok := p.store.(Purger); ok && p.config.RetentionInterval > 0 {
		group.Go(func() error {
			p.runJanitor(groupCtx, purger)
			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		p.log.Error("worker pool stopped", "error", err)
		return err
	}
	p.log.Info("worker pool stopped")
	return nil
}

// Stop cancels a running pool and waits for it to drain or for ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.lifecycleMu.Lock()
	if !p.running {
		p.lifecycleMu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.lifecycleMu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck reports the store status while the pool is running.
func (p *Pool) HealthCheck(ctx context.Context) error {
	p.lifecycleMu.Lock()
	running := p.running
	p.lifecycleMu.Unlock()
	if !running {
		return ErrClosed
	}
	return p.store.HealthCheck(ctx)
}

func (p *Pool) runJanitor(ctx context.Context, purger Purger) {
	ticker := time.NewTicker(p.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := purger.Purge(ctx, now.UTC())
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				p.log.Warn("jobs retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				p.log.Debug("jobs retention sweep", "removed", removed)
			}
		}
	}
}

func (p *Pool) registeredKinds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.kinds))
	copy(out, p.kinds)
	return out
}

func (p *Pool) lookupHandler(kind string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	handler, ok := p.handlers[kind]
	return handler, ok
}

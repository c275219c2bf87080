package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

func testPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:           1,
		PollInterval:      5 * time.Millisecond,
		LeaseTTL:          time.Second,
		AttemptTimeout:    time.Second,
		MaxStoreFailures:  3,
		Backoff:           BackoffPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		RetentionInterval: -1,
	}
}

func newTestPool(t *testing.T, store Store, cfg PoolConfig) *Pool {
	t.Helper()
	pool, err := NewPool(store, NewExecutionContext(nil, logger.NewNop()), logger.NewNop(), cfg)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	return pool
}

// startPool runs pool in the background. The returned function stops it and
// returns the error from Run.
func startPool(t *testing.T, pool *Pool) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- pool.Run(ctx) }()

	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-result:
			case <-time.After(5 * time.Second):
				err = errors.New("pool did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func waitForStatus(t *testing.T, store Store, id string, want Status) *Job {
	t.Helper()
	var job *Job
	waitFor(t, 3*time.Second, func() bool {
		current, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = current
		return current.Status == want
	})
	return job
}

func TestNewPool_RequiresDependencies(t *testing.T) {
	execCtx := NewExecutionContext(nil, logger.NewNop())
	store := NewMemoryStore(StoreConfig{})

	if _, err := NewPool(nil, execCtx, logger.NewNop(), PoolConfig{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("NewPool(nil store) error = %v", err)
	}
	if _, err := NewPool(store, nil, logger.NewNop(), PoolConfig{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("NewPool(nil exec ctx) error = %v", err)
	}
	if _, err := NewPool(store, execCtx, nil, PoolConfig{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("NewPool(nil logger) error = %v", err)
	}

	pool, err := NewPool(store, execCtx, logger.NewNop(), PoolConfig{})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	cfg := pool.Config()
	if cfg.Workers != DefaultWorkers || cfg.LeaseTTL != DefaultLeaseTTL || cfg.MaxStoreFailures != DefaultMaxStoreFailures {
		t.Fatalf("expected normalized defaults, got %+v", cfg)
	}
}

func TestPool_Register(t *testing.T) {
	pool := newTestPool(t, NewMemoryStore(StoreConfig{}), testPoolConfig())
	noop := func(context.Context, *Job, *ExecutionContext) error { return nil }

	if err := pool.Register("", noop); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Register(blank) error = %v", err)
	}
	if err := pool.Register(contractKind, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Register(nil handler) error = %v", err)
	}
	if err := pool.Run(context.Background()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Run() without handlers error = %v", err)
	}
}

func TestPool_ProcessesJob(t *testing.T) {
	store := NewMemoryStore(StoreConfig{})
	pool := newTestPool(t, store, testPoolConfig())

	var calls atomic.Int32
	var seen atomic.Pointer[ExecutionContext]
	if err := pool.Register(contractKind, func(ctx context.Context, job *Job, execCtx *ExecutionContext) error {
		calls.Add(1)
		seen.Store(execCtx)
		return nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	id := mustPush(t, store, contractKind)
	stop := startPool(t, pool)

	job := waitForStatus(t, store, id, StatusDone)
	if job.Attempt != 1 {
		t.Fatalf("expected a single attempt, got %d", job.Attempt)
	}
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
	if seen.Load() != pool.execCtx {
		t.Fatal("handler must receive the pool execution context")
	}
}

func TestPool_RetriesFailedAttempts(t *testing.T) {
	store := NewMemoryStore(StoreConfig{MaxAttempts: 5})
	pool := newTestPool(t, store, testPoolConfig())

	var calls atomic.Int32
	_ = pool.Register(contractKind, func(ctx context.Context, job *Job, execCtx *ExecutionContext) error {
		if calls.Add(1) < 3 {
			return errors.New("smtp 451 try again")
		}
		return nil
	})

	id := mustPush(t, store, contractKind)
	startPool(t, pool)

	job := waitForStatus(t, store, id, StatusDone)
	if job.Attempt != 3 || calls.Load() != 3 {
		t.Fatalf("expected success on attempt 3, got attempt %d after %d calls", job.Attempt, calls.Load())
	}
}

func TestPool_DeadLettersExhaustedJobs(t *testing.T) {
	store := NewMemoryStore(StoreConfig{MaxAttempts: 3})
	pool := newTestPool(t, store, testPoolConfig())

	var calls atomic.Int32
	_ = pool.Register(contractKind, func(ctx context.Context, job *Job, execCtx *ExecutionContext) error {
		calls.Add(1)
		return errors.New("mailbox unavailable")
	})

	id := mustPush(t, store, contractKind)
	startPool(t, pool)

	job := waitForStatus(t, store, id, StatusDeadLettered)
	if job.Attempt != 3 || calls.Load() != 3 {
		t.Fatalf("expected 3 attempts before dead letter, got attempt %d after %d calls", job.Attempt, calls.Load())
	}
	if !strings.Contains(job.LastError, "mailbox unavailable") {
		t.Fatalf("LastError = %q", job.LastError)
	}
}

func TestPool_RecoversHandlerPanics(t *testing.T) {
	store := NewMemoryStore(StoreConfig{MaxAttempts: 1})
	pool := newTestPool(t, store, testPoolConfig())

	_ = pool.Register(contractKind, func(context.Context, *Job, *ExecutionContext) error {
		panic("template missing")
	})
	_ = pool.Register("Welcome", func(context.Context, *Job, *ExecutionContext) error {
		return nil
	})

	panicked := mustPush(t, store, contractKind)
	healthy := mustPush(t, store, "Welcome")
	stop := startPool(t, pool)

	job := waitForStatus(t, store, panicked, StatusDeadLettered)
	if !strings.Contains(job.LastError, "panic while handling job: template missing") {
		t.Fatalf("LastError = %q", job.LastError)
	}
	waitForStatus(t, store, healthy, StatusDone)
	if err := stop(); err != nil {
		t.Fatalf("a panicking handler must not stop the pool, Run() error = %v", err)
	}
}

func TestPool_AttemptTimeoutCountsAsFailure(t *testing.T) {
	store := NewMemoryStore(StoreConfig{MaxAttempts: 1})
	cfg := testPoolConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	pool := newTestPool(t, store, cfg)

	_ = pool.Register(contractKind, func(ctx context.Context, job *Job, execCtx *ExecutionContext) error {
		<-ctx.Done()
		return ctx.Err()
	})

	id := mustPush(t, store, contractKind)
	startPool(t, pool)

	job := waitForStatus(t, store, id, StatusDeadLettered)
	if !strings.Contains(job.LastError, "operation timed out") {
		t.Fatalf("LastError = %q", job.LastError)
	}
}

func TestPool_TimedOutAttemptKeepsItsWorker(t *testing.T) {
	store := NewMemoryStore(StoreConfig{MaxAttempts: 10})
	cfg := testPoolConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	pool := newTestPool(t, store, cfg)

	var running, peak, attempts atomic.Int32
	_ = pool.Register(contractKind, func(context.Context, *Job, *ExecutionContext) error {
		now := running.Add(1)
		for {
			seen := peak.Load()
			if now <= seen || peak.CompareAndSwap(seen, now) {
				break
			}
		}
		attempts.Add(1)
		time.Sleep(120 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	id := mustPush(t, store, contractKind)
	stop := startPool(t, pool)

	waitFor(t, 3*time.Second, func() bool { return attempts.Load() >= 2 })
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := running.Load(); n != 0 {
		t.Fatalf("Run returned with %d handlers still running", n)
	}
	if n := peak.Load(); n != 1 {
		t.Fatalf("peak concurrent attempts = %d with one worker", n)
	}

	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !strings.Contains(job.LastError, "operation timed out") {
		t.Fatalf("LastError = %q, want the attempt timeout", job.LastError)
	}
}

// cancelOnReserve stops the pool from inside the first Reserve call, as if
// the stop signal arrived while the store round-trip was in flight.
type cancelOnReserve struct {
	*MemoryStore
	cancel   context.CancelFunc
	once     sync.Once
	detached atomic.Bool
}

func (s *cancelOnReserve) Reserve(ctx context.Context, kind string, leaseFor time.Duration) (*Job, *Lease, error) {
	s.once.Do(func() {
		s.cancel()
		s.detached.Store(ctx.Err() == nil)
	})
	return s.MemoryStore.Reserve(ctx, kind, leaseFor)
}

func TestPool_StopDuringReserveKeepsGrantedLease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelOnReserve{MemoryStore: NewMemoryStore(StoreConfig{MaxAttempts: 1}), cancel: cancel}
	pool := newTestPool(t, store, testPoolConfig())

	var handled atomic.Int32
	_ = pool.Register(contractKind, func(context.Context, *Job, *ExecutionContext) error {
		handled.Add(1)
		return nil
	})
	id := mustPush(t, store.MemoryStore, contractKind)

	if err := pool.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !store.detached.Load() {
		t.Fatal("reserve call was cancelled by the stop signal")
	}
	if handled.Load() != 1 {
		t.Fatalf("handler ran %d times, want the reserved job processed once", handled.Load())
	}
	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.Status != StatusDone {
		t.Fatalf("job status = %s, want done", job.Status)
	}
}

func TestPool_StopsWhenStoreStaysUnavailable(t *testing.T) {
	store := &failingStore{
		MemoryStore: NewMemoryStore(StoreConfig{}),
		err:         storeError("reserve", errors.New("dial tcp: connection refused")),
	}
	pool := newTestPool(t, store, testPoolConfig())
	_ = pool.Register(contractKind, func(context.Context, *Job, *ExecutionContext) error { return nil })

	result := make(chan error, 1)
	go func() { result <- pool.Run(context.Background()) }()

	select {
	case err := <-result:
		if !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("Run() error = %v, want ErrStoreUnavailable", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool kept running against an unavailable store")
	}
	if err := pool.HealthCheck(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("HealthCheck() after fatal stop error = %v, want ErrClosed", err)
	}
}

func TestPool_StopFinishesCurrentAttempt(t *testing.T) {
	store := NewMemoryStore(StoreConfig{})
	pool := newTestPool(t, store, testPoolConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	_ = pool.Register(contractKind, func(ctx context.Context, job *Job, execCtx *ExecutionContext) error {
		close(started)
		<-release
		return ctx.Err()
	})

	id := mustPush(t, store, contractKind)
	startPool(t, pool)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- pool.Stop(ctx)
	}()

	select {
	case err := <-stopped:
		t.Fatalf("Stop() returned before the attempt finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.Status != StatusDone {
		t.Fatalf("in-flight attempt must settle on stop, got %s", job.Status)
	}
}

func TestPool_ReclaimsAbandonedLease(t *testing.T) {
	store := NewMemoryStore(StoreConfig{MaxAttempts: 3})
	id := mustPush(t, store, contractKind)

	// A worker that crashed right after reserving never settles its lease.
	mustReserve(t, store, contractKind, 30*time.Millisecond)

	pool := newTestPool(t, store, testPoolConfig())
	_ = pool.Register(contractKind, func(context.Context, *Job, *ExecutionContext) error { return nil })
	startPool(t, pool)

	job := waitForStatus(t, store, id, StatusDone)
	if job.Attempt != 2 {
		t.Fatalf("expected the reclaimed job to finish on attempt 2, got %d", job.Attempt)
	}
}

func TestPool_RenewsLeaseForLongAttempts(t *testing.T) {
	store := NewMemoryStore(StoreConfig{})
	cfg := testPoolConfig()
	cfg.Workers = 3
	cfg.LeaseTTL = 200 * time.Millisecond
	cfg.AttemptTimeout = 2 * time.Second
	pool := newTestPool(t, store, cfg)

	var calls atomic.Int32
	_ = pool.Register(contractKind, func(context.Context, *Job, *ExecutionContext) error {
		calls.Add(1)
		time.Sleep(600 * time.Millisecond)
		return nil
	})

	id := mustPush(t, store, contractKind)
	startPool(t, pool)

	job := waitForStatus(t, store, id, StatusDone)
	if job.Attempt != 1 || calls.Load() != 1 {
		t.Fatalf("renewed lease must not be reclaimed, got attempt %d after %d calls", job.Attempt, calls.Load())
	}
}

func TestPool_ServesEveryRegisteredKind(t *testing.T) {
	store := NewMemoryStore(StoreConfig{})
	pool := newTestPool(t, store, testPoolConfig())

	var mu sync.Mutex
	seen := map[string]int{}
	handler := func(ctx context.Context, job *Job, execCtx *ExecutionContext) error {
		mu.Lock()
		seen[job.Kind]++
		mu.Unlock()
		return nil
	}
	_ = pool.Register(contractKind, handler)
	_ = pool.Register("Welcome", handler)

	var ids []string
	for idx := 0; idx < 3; idx++ {
		ids = append(ids, mustPush(t, store, contractKind), mustPush(t, store, "Welcome"))
	}
	startPool(t, pool)

	for _, id := range ids {
		waitForStatus(t, store, id, StatusDone)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen[contractKind] != 3 || seen["Welcome"] != 3 {
		t.Fatalf("unexpected per-kind counts %v", seen)
	}
}

func TestPool_SweepsExpiredRecords(t *testing.T) {
	store := NewMemoryStore(StoreConfig{DoneRetention: 20 * time.Millisecond})
	cfg := testPoolConfig()
	cfg.RetentionInterval = 10 * time.Millisecond
	pool := newTestPool(t, store, cfg)
	_ = pool.Register(contractKind, func(context.Context, *Job, *ExecutionContext) error { return nil })

	id := mustPush(t, store, contractKind)
	startPool(t, pool)

	waitFor(t, 3*time.Second, func() bool {
		_, err := store.Get(context.Background(), id)
		return errors.Is(err, ErrUnknownJob)
	})
}

func TestPool_HealthCheck(t *testing.T) {
	store := NewMemoryStore(StoreConfig{})
	pool := newTestPool(t, store, testPoolConfig())
	_ = pool.Register(contractKind, func(context.Context, *Job, *ExecutionContext) error { return nil })

	if err := pool.HealthCheck(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("HealthCheck() before Run error = %v", err)
	}

	stop := startPool(t, pool)
	waitFor(t, time.Second, func() bool {
		return pool.HealthCheck(context.Background()) == nil
	})
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := pool.HealthCheck(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("HealthCheck() after stop error = %v", err)
	}
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() on a stopped pool error = %v", err)
	}
}

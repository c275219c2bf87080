package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/observability/tracing"
	"github.com/nimburion/mailqueue/pkg/resilience"
)

const (
	minLeaseRenewInterval = 100 * time.Millisecond
	maxStoreRetryDelay    = 5 * time.Second
	// reserveTimeout bounds one reserve round-trip, which runs detached from
	// the stop signal.
	reserveTimeout = 10 * time.Second
)

// Handler executes one job attempt. Returning an error, or panicking, schedules
// a retry with backoff.
type Handler func(ctx context.Context, job *Job, execCtx *ExecutionContext) error

// worker is one reserve/execute/settle loop owned by a Pool.
type worker struct {
	id   int
	pool *Pool
	log  logger.Logger
	next int
}

func newWorker(id int, pool *Pool) *worker {
	return &worker{
		id:   id,
		pool: pool,
		log:  pool.log.With("worker", id),
		next: id,
	}
}

// run loops until ctx is cancelled, returning nil, or until the store has
// failed MaxStoreFailures times in a row, returning an ErrStoreUnavailable error.
func (w *worker) run(ctx context.Context) error {
	cfg := w.pool.config
	retry := BackoffPolicy{Initial: cfg.PollInterval, Max: maxStoreRetryDelay}
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		job, lease, err := w.reserveNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if !errors.Is(err, ErrStoreUnavailable) {
				err = storeError("reserve", err)
			}
			if failures >= cfg.MaxStoreFailures {
				w.log.Error("store unavailable, stopping worker", "failures", failures, "error", err)
				return fmt.Errorf("worker %d: %w", w.id, err)
			}
			w.log.Warn("jobs reserve failed", "failures", failures, "error", err)
			sleep(ctx, retry.Delay(failures))
			continue
		}
		if job == nil {
			failures = 0
			sleep(ctx, cfg.PollInterval)
			continue
		}

		if err := w.process(ctx, job, lease); err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				failures++
				if failures >= cfg.MaxStoreFailures {
					w.log.Error("store unavailable, stopping worker", "failures", failures, "error", err)
					return fmt.Errorf("worker %d: %w", w.id, err)
				}
			}
			w.log.Warn("jobs processing failed", "job_id", job.ID, "kind", job.Kind, "error", err)
			continue
		}
		failures = 0
	}
}

// reserveNext tries every registered kind once, starting after the kind this
// worker served last. A stop arriving mid round-trip does not cancel the call:
// a lease the store already granted is returned and processed instead of
// being lost until it expires.
func (w *worker) reserveNext(ctx context.Context) (*Job, *Lease, error) {
	kinds := w.pool.registeredKinds()
	for offset := 0; offset < len(kinds); offset++ {
		if offset > 0 && ctx.Err() != nil {
			return nil, nil, nil
		}
		idx := (w.next + offset) % len(kinds)
		reserveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reserveTimeout)
		job, lease, err := w.pool.store.Reserve(reserveCtx, kinds[idx], w.pool.config.LeaseTTL)
		cancel()
		if err != nil {
			return nil, nil, err
		}
		if job != nil && lease != nil {
			w.next = idx + 1
			return job, lease, nil
		}
	}
	return nil, nil, nil
}

// process runs the handler and settles the lease. Handler execution and
// settlement ignore cancellation of ctx so a stopping pool never abandons an
// attempt halfway.
func (w *worker) process(ctx context.Context, job *Job, lease *Lease) error {
	execCtx := context.WithoutCancel(ctx)
	traceCtx, span := tracing.StartMessagingSpan(
		execCtx,
		tracing.SpanOperationMsgProcess,
		tracing.WithMessagingSystem("mailqueue"),
		tracing.WithMessagingDestination(job.Kind),
		tracing.WithMessagingMessageID(job.ID),
		tracing.WithMessagingPayloadSize(len(job.Payload)),
	)
	span.SetAttributes(
		attribute.Int("jobs.attempt", job.Attempt),
		attribute.Int("jobs.worker", w.id),
	)
	defer span.End()

	defer trackAttempt(job.Kind)()

	log := w.log.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt)

	var execErr error
	handler, found := w.pool.lookupHandler(job.Kind)
	if !found {
		execErr = jobsError(ErrHandlerFailure, "no handler registered for kind "+job.Kind)
	} else {
		stopRenew := w.startLeaseRenewal(traceCtx, lease, log)
		execErr = w.execute(traceCtx, job, handler)
		stopRenew()
	}

	if execErr == nil {
		return w.acknowledge(traceCtx, job, lease, log, span)
	}
	tracing.RecordError(span, execErr)
	return w.requeue(traceCtx, job, lease, execErr, log)
}

func (w *worker) execute(ctx context.Context, job *Job, handler Handler) error {
	err := resilience.WithTimeout(ctx, w.pool.config.AttemptTimeout, func(runCtx context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic while handling job: %v; stack=%s", rec, string(debug.Stack()))
			}
		}()
		return handler(runCtx, cloneJob(job), w.pool.execCtx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrHandlerFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHandlerFailure, err)
}

func (w *worker) acknowledge(ctx context.Context, job *Job, lease *Lease, log logger.Logger, span trace.Span) error {
	err := w.pool.store.Acknowledge(ctx, lease)
	switch {
	case err == nil:
		recordJobProcessed(job.Kind, "success")
		tracing.RecordSuccess(span)
		log.Info("job acknowledged")
		return nil
	case errors.Is(err, ErrUnknownJob):
		recordJobProcessed(job.Kind, "lost")
		log.Warn("lease lost before acknowledge, job may run again", "error", err)
		return nil
	default:
		tracing.RecordError(span, err)
		return fmt.Errorf("acknowledge failed: %w", err)
	}
}

func (w *worker) requeue(ctx context.Context, job *Job, lease *Lease, failure error, log logger.Logger) error {
	delay := w.pool.config.Backoff.Delay(job.Attempt)
	status, err := w.pool.store.Requeue(ctx, lease, delay, failure)
	if err != nil {
		if errors.Is(err, ErrUnknownJob) {
			recordJobProcessed(job.Kind, "lost")
			log.Warn("lease lost before requeue, job may run again", "error", err)
			return nil
		}
		return fmt.Errorf("requeue failed: %w", err)
	}

	if status == StatusDeadLettered {
		recordJobDeadLettered(job.Kind)
		recordJobProcessed(job.Kind, "dead_lettered")
		log.Error("job dead-lettered", "error", fmt.Errorf("%w: %w", ErrDeadLettered, failure))
		return nil
	}
	recordJobRetry(job.Kind)
	recordJobProcessed(job.Kind, "retry")
	log.Warn("job failed, retry scheduled", "delay", delay.String(), "error", failure)
	return nil
}

// startLeaseRenewal keeps the lease alive while a long handler runs. Renewal
// failures are logged only: the handler cannot be preempted, and settlement
// will report the lost lease.
func (w *worker) startLeaseRenewal(ctx context.Context, lease *Lease, log logger.Logger) func() {
	leaseTTL := w.pool.config.LeaseTTL
	interval := leaseTTL / 2
	if interval < minLeaseRenewInterval {
		interval = minLeaseRenewInterval
	}

	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := w.pool.store.Renew(renewCtx, lease, leaseTTL); err != nil {
					if renewCtx.Err() != nil {
						return
					}
					log.Warn("renew lease failed", "error", err)
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

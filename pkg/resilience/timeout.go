// Package resilience holds the failure-containment helpers shared by job
// execution and outbound email delivery.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout reports an operation cut off by its deadline.
var ErrTimeout = errors.New("operation timed out")

// WithTimeout bounds fn by timeout. A non-positive timeout runs fn under ctx
// alone. When the deadline passes first, fn's context is cancelled and
// WithTimeout still waits for fn to return before reporting ErrTimeout, so
// fn never outlives the call. Whatever fn returned late is discarded.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- fn(runCtx)
	}()

	select {
	case err := <-result:
		if err == nil || runCtx.Err() == nil {
			return err
		}
	case <-runCtx.Done():
		<-result
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w after %s", ErrTimeout, timeout)
}

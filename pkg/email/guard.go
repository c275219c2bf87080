package email

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/observability/tracing"
	"github.com/nimburion/mailqueue/pkg/resilience"
)

// GuardOptions configures the protections wrapped around a provider. Zero
// values disable the corresponding guard.
type GuardOptions struct {
	// BreakerFailures opens the breaker after this many consecutive delivery
	// failures.
	BreakerFailures int
	BreakerReset    time.Duration
	// RatePerSecond bounds outbound sends; Burst defaults to 1.
	RatePerSecond float64
	Burst         int
}

// GuardedProvider traces every send and applies rate limiting and a circuit
// breaker in front of another provider. Invalid messages never count as
// delivery failures.
type GuardedProvider struct {
	name    string
	next    Provider
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
}

// Guard wraps next. name labels spans and log entries.
func Guard(name string, next Provider, opts GuardOptions, log logger.Logger) *GuardedProvider {
	if log == nil {
		log = logger.NewNop()
	}
	g := &GuardedProvider{name: name, next: next}
	if opts.BreakerFailures > 0 {
		g.breaker = resilience.NewCircuitBreaker(opts.BreakerFailures, opts.BreakerReset,
			resilience.WithFailurePredicate(isDeliveryFailure),
			resilience.WithStateChange(func(from, to resilience.State) {
				log.Warn("email circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
			}),
		)
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return g
}

func isDeliveryFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrInvalidMessage) && !errors.Is(err, context.Canceled)
}

func (g *GuardedProvider) Send(ctx context.Context, message Message) error {
	ctx, span := tracing.StartEmailSpan(ctx, g.name, len(message.Recipients()))
	defer span.End()

	err := g.send(ctx, message)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	tracing.RecordSuccess(span)
	return nil
}

func (g *GuardedProvider) send(ctx context.Context, message Message) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("email rate limit: %w", err)
		}
	}
	if g.breaker == nil {
		return g.next.Send(ctx, message)
	}
	err := g.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		return g.next.Send(ctx, message)
	})
	if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		return fmt.Errorf("email provider %s: %w", g.name, err)
	}
	return err
}

// BreakerState reports the breaker position, or closed when no breaker is set.
func (g *GuardedProvider) BreakerState() resilience.State {
	if g.breaker == nil {
		return resilience.StateClosed
	}
	return g.breaker.GetState()
}

func (g *GuardedProvider) Close() error {
	return g.next.Close()
}

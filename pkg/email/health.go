package email

import (
	"context"
	"fmt"

	"github.com/nimburion/mailqueue/pkg/health"
	"github.com/nimburion/mailqueue/pkg/resilience"
)

const defaultHealthCheckName = "email"

// NewHealthChecker reports a guarded provider as degraded while its circuit
// breaker is not closed. Jobs keep queueing in that state, so readiness is
// not lost. Unguarded providers are always healthy.
func NewHealthChecker(name string, provider Provider) health.Checker {
	if name == "" {
		name = defaultHealthCheckName
	}
	return health.NewFuncChecker(name, func(context.Context) (health.Status, string, error) {
		guarded, ok := provider.(*GuardedProvider)
		if !ok {
			return health.StatusHealthy, "", nil
		}
		state := guarded.BreakerState()
		if state == resilience.StateClosed {
			return health.StatusHealthy, fmt.Sprintf("%s provider available", guarded.name), nil
		}
		return health.StatusDegraded, fmt.Sprintf("%s circuit breaker %s", guarded.name, state), nil
	})
}

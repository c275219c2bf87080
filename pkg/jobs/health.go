package jobs

import (
	"strings"
	"time"

	"github.com/nimburion/mailqueue/pkg/health"
)

const (
	defaultStoreHealthCheckName = "jobs-store"
	defaultPoolHealthCheckName  = "jobs-pool"
)

// NewStoreHealthChecker reports whether the job store answers within timeout.
func NewStoreHealthChecker(name string, store Store, timeout time.Duration) health.Checker {
	return health.NewAdapterChecker(normalizeHealthCheckName(name, defaultStoreHealthCheckName), store, timeout)
}

// NewPoolHealthChecker reports unhealthy once the pool has stopped.
func NewPoolHealthChecker(name string, pool *Pool, timeout time.Duration) health.Checker {
	return health.NewAdapterChecker(normalizeHealthCheckName(name, defaultPoolHealthCheckName), pool, timeout)
}

func normalizeHealthCheckName(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

// Package metrics records Prometheus request metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/nimburion/mailqueue/pkg/observability/metrics"
	"github.com/nimburion/mailqueue/pkg/server/router"
)

// unmatchedRoute labels requests that hit no registered route.
const unmatchedRoute = "unmatched"

// Metrics records request duration, count and in-flight requests labelled
// by method, route template and status.
func Metrics() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			metrics.IncrementInFlight()
			defer metrics.DecrementInFlight()

			start := time.Now()
			err := next(c)

			status := c.Response().Status()
			if err != nil && !c.Response().Written() {
				status = http.StatusInternalServerError
			}
			route := c.Route()
			if route == "" {
				route = unmatchedRoute
			}
			metrics.RecordHTTPMetrics(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}

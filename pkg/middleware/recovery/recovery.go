// Package recovery turns handler panics into 500 responses.
package recovery

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/nimburion/mailqueue/pkg/middleware/requestid"
	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/server/router"
)

// Recovery recovers panics, logs them with the stack and answers 500 unless
// the handler already started the response.
func Recovery(log logger.Logger) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				ctx := c.Request().Context()
				log.WithContext(ctx).Error("panic recovered",
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				if c.Response().Written() {
					err = fmt.Errorf("panic after response started: %v", r)
					return
				}
				err = c.JSON(http.StatusInternalServerError, map[string]any{
					"error":      "internal_server_error",
					"message":    "an unexpected error occurred",
					"request_id": requestid.FromContext(ctx),
				})
			}()

			return next(c)
		}
	}
}

// Package requestid assigns every request an identifier that follows it
// through logs and responses.
package requestid

import (
	"context"

	"github.com/google/uuid"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/server/router"
)

// Header carries the request id in both directions.
const Header = "X-Request-ID"

// ContextKey is the router.Context key holding the request id.
const ContextKey = "request_id"

const maxLength = 128

// RequestID reuses a well-formed incoming X-Request-ID or generates a UUID,
// echoes it on the response and stores it on the request context.
func RequestID() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			id := c.Request().Header.Get(Header)
			if !valid(id) {
				id = uuid.NewString()
			}

			c.Set(ContextKey, id)
			c.Response().Header().Set(Header, id)
			c.SetRequest(c.Request().WithContext(logger.ContextWithRequestID(c.Request().Context(), id)))
			return next(c)
		}
	}
}

// FromContext returns the request id stored by RequestID, or "".
func FromContext(ctx context.Context) string {
	return logger.RequestIDFromContext(ctx)
}

// valid rejects empty, oversized and non-printable ids so clients cannot
// inject arbitrary bytes into logs.
func valid(id string) bool {
	if id == "" || len(id) > maxLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// Package requestsize rejects request bodies above a byte limit.
package requestsize

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nimburion/mailqueue/pkg/server/router"
)

// Middleware answers 413 when the body exceeds maxBytes, either by declared
// Content-Length or while the handler reads it. A non-positive maxBytes
// disables the check.
func Middleware(maxBytes int64) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		if maxBytes <= 0 {
			return next
		}
		return func(c router.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > maxBytes {
				return tooLarge(c, maxBytes)
			}

			req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBytes)
			c.SetRequest(req)

			err := next(c)
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) && !c.Response().Written() {
				return tooLarge(c, maxBytes)
			}
			return err
		}
	}
}

func tooLarge(c router.Context, maxBytes int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, map[string]any{
		"error":    "request_too_large",
		"message":  fmt.Sprintf("request body exceeds %d bytes", maxBytes),
		"max_size": maxBytes,
	})
}

// Package logging writes one structured access log entry per request.
package logging

import (
	"net/http"
	"strings"
	"time"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/server/router"
)

// Field names written on every entry.
const (
	FieldMethod     = "method"
	FieldRoute      = "route"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDurationMS = "duration_ms"
	FieldRemoteAddr = "remote_addr"
	FieldUserAgent  = "user_agent"
	FieldError      = "error"
)

// Config tunes the access log.
type Config struct {
	// SkipPaths are exact request paths that are never logged, e.g. probes.
	SkipPaths []string
}

// Logging logs completed requests at info, 4xx at warn and 5xx or handler
// errors at error. The request id is attached through log.WithContext.
func Logging(log logger.Logger, cfg Config) router.MiddlewareFunc {
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skip[strings.TrimSpace(path)] = struct{}{}
	}

	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			if _, ok := skip[c.Request().URL.Path]; ok {
				return next(c)
			}

			start := time.Now()
			err := next(c)

			req := c.Request()
			status := c.Response().Status()
			if err != nil && !c.Response().Written() {
				status = http.StatusInternalServerError
			}

			fields := []any{
				FieldMethod, req.Method,
				FieldRoute, c.Route(),
				FieldPath, req.URL.Path,
				FieldStatus, status,
				FieldDurationMS, time.Since(start).Milliseconds(),
				FieldRemoteAddr, req.RemoteAddr,
				FieldUserAgent, req.UserAgent(),
			}
			if err != nil {
				fields = append(fields, FieldError, err.Error())
			}

			entry := log.WithContext(req.Context())
			switch {
			case err != nil || status >= http.StatusInternalServerError:
				entry.Error("request completed", fields...)
			case status >= http.StatusBadRequest:
				entry.Warn("request completed", fields...)
			default:
				entry.Info("request completed", fields...)
			}
			return err
		}
	}
}

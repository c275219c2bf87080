// Package tracing starts an OpenTelemetry server span per request.
package tracing

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/mailqueue/pkg/middleware/requestid"
	"github.com/nimburion/mailqueue/pkg/server/router"
)

const tracerName = "github.com/nimburion/mailqueue/http"

// Tracing extracts the incoming trace context, starts a server span named
// after the route template and records the response status. Downstream work
// such as enqueueing a job becomes a child of this span.
func Tracing() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Route()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := otel.Tracer(tracerName).Start(ctx, fmt.Sprintf("HTTP %s %s", req.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("http.target", req.URL.Path),
					attribute.String("http.user_agent", req.UserAgent()),
				),
			)
			defer span.End()

			if id := requestid.FromContext(ctx); id != "" {
				span.SetAttributes(attribute.String("request.id", id))
			}
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			status := c.Response().Status()
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				if !c.Response().Written() {
					status = http.StatusInternalServerError
				}
			} else if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			return err
		}
	}
}

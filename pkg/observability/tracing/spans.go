// Package tracing wires OpenTelemetry spans around job store calls, queue
// publish/process steps and outbound email delivery.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation names a traced operation.
type SpanOperation string

const (
	SpanOperationDBQuery  SpanOperation = "db.query"
	SpanOperationDBInsert SpanOperation = "db.insert"
	SpanOperationDBUpdate SpanOperation = "db.update"
	SpanOperationDBDelete SpanOperation = "db.delete"

	SpanOperationMsgPublish SpanOperation = "messaging.publish"
	SpanOperationMsgReceive SpanOperation = "messaging.receive"
	SpanOperationMsgProcess SpanOperation = "messaging.process"
	SpanOperationMsgSettle  SpanOperation = "messaging.settle"

	SpanOperationEmailSend SpanOperation = "email.send"
)

type spanOptions struct {
	target     string
	attributes []attribute.KeyValue
}

func startSpan(ctx context.Context, scope, prefix string, kind trace.SpanKind, operation SpanOperation, opts *spanOptions) (context.Context, trace.Span) {
	name := fmt.Sprintf("%s %s", prefix, operation)
	if opts.target != "" {
		name = fmt.Sprintf("%s %s %s", prefix, operation, opts.target)
	}
	ctx, span := otel.Tracer(scope).Start(ctx, name, trace.WithSpanKind(kind))
	span.SetAttributes(opts.attributes...)
	return ctx, span
}

// StartDatabaseSpan starts a client span around a job store call.
func StartDatabaseSpan(ctx context.Context, operation SpanOperation, opts ...DatabaseSpanOption) (context.Context, trace.Span) {
	o := &spanOptions{attributes: []attribute.KeyValue{attribute.String("db.operation", string(operation))}}
	for _, opt := range opts {
		opt(o)
	}
	return startSpan(ctx, "database", "DB", trace.SpanKindClient, operation, o)
}

// DatabaseSpanOption configures a database span.
type DatabaseSpanOption func(*spanOptions)

// WithDBTable sets the table, or key prefix for Redis, touched by the call.
func WithDBTable(table string) DatabaseSpanOption {
	return func(o *spanOptions) {
		o.target = table
		o.attributes = append(o.attributes, attribute.String("db.table", table))
	}
}

// WithDBSystem sets the database system ("postgresql", "redis").
func WithDBSystem(system string) DatabaseSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("db.system", system))
	}
}

// WithDBStatement sets the statement or script name.
func WithDBStatement(statement string) DatabaseSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("db.statement", statement))
	}
}

// StartMessagingSpan starts a producer span for publish, a consumer span for
// receive and process, and a client span otherwise.
func StartMessagingSpan(ctx context.Context, operation SpanOperation, opts ...MessagingSpanOption) (context.Context, trace.Span) {
	o := &spanOptions{attributes: []attribute.KeyValue{attribute.String("messaging.operation", string(operation))}}
	for _, opt := range opts {
		opt(o)
	}
	kind := trace.SpanKindClient
	switch operation {
	case SpanOperationMsgPublish:
		kind = trace.SpanKindProducer
	case SpanOperationMsgReceive, SpanOperationMsgProcess:
		kind = trace.SpanKindConsumer
	}
	return startSpan(ctx, "messaging", "MSG", kind, operation, o)
}

// MessagingSpanOption configures a messaging span.
type MessagingSpanOption func(*spanOptions)

// WithMessagingSystem sets the queue backend.
func WithMessagingSystem(system string) MessagingSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("messaging.system", system))
	}
}

// WithMessagingDestination sets the job kind.
func WithMessagingDestination(destination string) MessagingSpanOption {
	return func(o *spanOptions) {
		o.target = destination
		o.attributes = append(o.attributes, attribute.String("messaging.destination", destination))
	}
}

// WithMessagingMessageID sets the job id.
func WithMessagingMessageID(messageID string) MessagingSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("messaging.message_id", messageID))
	}
}

// WithMessagingPayloadSize sets the payload size in bytes.
func WithMessagingPayloadSize(size int) MessagingSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.Int("messaging.payload_size_bytes", size))
	}
}

// StartEmailSpan starts a client span around a provider send. Recipient
// addresses are never recorded.
func StartEmailSpan(ctx context.Context, provider string, recipients int) (context.Context, trace.Span) {
	o := &spanOptions{
		target: provider,
		attributes: []attribute.KeyValue{
			attribute.String("email.provider", provider),
			attribute.Int("email.recipients", recipients),
		},
	}
	return startSpan(ctx, "email", "EMAIL", trace.SpanKindClient, SpanOperationEmailSend, o)
}

// RecordError marks the span failed. A nil error is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess marks the span OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

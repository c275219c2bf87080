package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/observability/tracing"
)

// Payload is a typed job body. JobKind selects the handler that will run it.
type Payload interface {
	JobKind() string
}

// Validatable payloads get an extra check after struct tag validation.
type Validatable interface {
	Validate() error
}

// Producer validates, encodes and pushes jobs. It never waits for execution.
type Producer struct {
	store    Store
	log      logger.Logger
	validate *validator.Validate
}

// NewProducer creates a producer on top of store.
func NewProducer(store Store, log logger.Logger) (*Producer, error) {
	if store == nil {
		return nil, jobsError(ErrInvalidArgument, "store is required")
	}
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	return &Producer{
		store:    store,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Enqueue validates payload, serializes it and pushes a new job. The returned id
// is durable once Enqueue returns nil.
func (p *Producer) Enqueue(ctx context.Context, payload Payload) (string, error) {
	if payload == nil {
		return "", jobsError(ErrValidation, "payload is required")
	}
	kind := strings.TrimSpace(payload.JobKind())
	if kind == "" {
		return "", jobsError(ErrValidation, "payload kind is required")
	}

	if err := p.validate.Struct(payload); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			return "", jobsError(ErrValidation, err.Error())
		}
	}
	if v, ok := payload.(Validatable); ok {
		if err := v.Validate(); err != nil {
			return "", jobsError(ErrValidation, err.Error())
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", jobsError(ErrSerialization, err.Error())
	}

	traceCtx, span := tracing.StartMessagingSpan(
		ctx,
		tracing.SpanOperationMsgPublish,
		tracing.WithMessagingSystem("mailqueue"),
		tracing.WithMessagingDestination(kind),
		tracing.WithMessagingPayloadSize(len(raw)),
	)
	defer span.End()

	id, err := p.store.Push(traceCtx, kind, raw)
	if err != nil {
		tracing.RecordError(span, err)
		p.log.WithContext(ctx).Warn("enqueue failed", "kind", kind, "error", err)
		return "", err
	}
	span.SetAttributes(attribute.String("messaging.message_id", id))
	tracing.RecordSuccess(span)
	p.log.WithContext(ctx).Debug("job enqueued", "job_id", id, "kind", kind)
	return id, nil
}

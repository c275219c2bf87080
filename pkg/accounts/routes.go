package accounts

import (
	"context"
	"errors"
	"net/http"

	"github.com/nimburion/mailqueue/pkg/config"
	"github.com/nimburion/mailqueue/pkg/jobs"
	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/server/router"
)

// ForgotPasswordPath is the public route that queues a reset email.
const ForgotPasswordPath = "/accounts/forgot-password"

const defaultConfirmation = "ForgottenEmail added to queue"

// Enqueuer is the part of jobs.Producer used by the routes.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload jobs.Payload) (string, error)
}

// RegisterRoutes mounts the accounts API on r.
func RegisterRoutes(r router.Router, producer Enqueuer, cfg config.AccountsConfig, log logger.Logger) {
	confirmation := cfg.Confirmation
	if confirmation == "" {
		confirmation = defaultConfirmation
	}
	h := &forgotPasswordHandler{producer: producer, confirmation: confirmation, log: log}

	group := r.Group("/accounts")
	group.POST("/forgot-password", h.handle)
}

type forgotPasswordHandler struct {
	producer     Enqueuer
	confirmation string
	log          logger.Logger
}

// handle answers 400 for a body that is not valid JSON, 500 with the error
// text when the job cannot be queued, including validation failures, and
// 200 with the confirmation once the job is stored.
func (h *forgotPasswordHandler) handle(c router.Context) error {
	var payload ForgottenEmail
	if err := c.Bind(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return c.String(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	id, err := h.producer.Enqueue(ctx, payload)
	if err != nil {
		h.log.WithContext(ctx).Warn("forgotten password job rejected", "error", err)
		return c.String(http.StatusInternalServerError, err.Error())
	}

	h.log.WithContext(ctx).Info("forgotten password job queued", "job_id", id, "kind", ForgottenEmailKind)
	return c.String(http.StatusOK, h.confirmation)
}

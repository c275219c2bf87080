package jobs

import (
	"github.com/nimburion/mailqueue/pkg/email"
	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

// ExecutionContext carries the dependencies shared by every handler
// invocation. It is built once at startup and never mutated afterwards.
type ExecutionContext struct {
	mailer email.Provider
	log    logger.Logger
}

// NewExecutionContext bundles the shared handler dependencies.
func NewExecutionContext(mailer email.Provider, log logger.Logger) *ExecutionContext {
	if log == nil {
		log = logger.NewNop()
	}
	return &ExecutionContext{mailer: mailer, log: log}
}

// Mailer returns the outbound email provider.
func (e *ExecutionContext) Mailer() email.Provider {
	if e == nil {
		return nil
	}
	return e.mailer
}

// Logger returns the base handler logger.
func (e *ExecutionContext) Logger() logger.Logger {
	if e == nil || e.log == nil {
		return logger.NewNop()
	}
	return e.log
}

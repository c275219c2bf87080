package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable classifies backend connectivity failures.
	ErrStoreUnavailable = errors.New("jobs store unavailable")
	// ErrSerialization classifies payloads that cannot be encoded or decoded.
	ErrSerialization = errors.New("jobs serialization error")
	// ErrUnknownJob is returned when a job id does not exist or its lease was reclaimed.
	ErrUnknownJob = errors.New("jobs unknown job")
	// ErrHandlerFailure wraps errors and recovered panics raised by job handlers.
	ErrHandlerFailure = errors.New("jobs handler failure")
	// ErrDeadLettered reports that a job exhausted its attempt budget.
	ErrDeadLettered = errors.New("jobs dead lettered")

	// ErrValidation classifies input/config/payload validation failures.
	ErrValidation = errors.New("jobs validation error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("jobs invalid argument")
	// ErrClosed classifies operations on an already closed store or pool.
	ErrClosed = errors.New("jobs closed")
)

func jobsError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// storeError wraps a backend error as ErrStoreUnavailable while keeping the cause inspectable.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

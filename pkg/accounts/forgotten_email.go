// Package accounts implements the forgotten password flow: the HTTP route
// queues a ForgottenEmail job and a worker handler sends the reset email.
package accounts

import (
	"github.com/nimburion/mailqueue/pkg/jobs"
)

// ForgottenEmailKind is the job kind of ForgottenEmail.
const ForgottenEmailKind = "ForgottenEmail"

// ForgottenEmail asks for a password reset email to be sent to Email.
type ForgottenEmail struct {
	Email string `json:"email" validate:"required,email"`
}

// JobKind implements jobs.Payload.
func (ForgottenEmail) JobKind() string {
	return ForgottenEmailKind
}

var _ jobs.Payload = ForgottenEmail{}

package accounts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"

	"github.com/nimburion/mailqueue/pkg/config"
	"github.com/nimburion/mailqueue/pkg/email"
	"github.com/nimburion/mailqueue/pkg/jobs"
)

// JobIDHeader lets recipients' mail systems and support staff correlate a
// delivered email with the job that produced it. Retries reuse the value.
const JobIDHeader = "X-Mailqueue-Job-ID"

var errNoMailer = errors.New("execution context has no mailer")

var resetHTML = template.Must(template.New("reset").Parse(`<p>Hello,</p>
<p>We received a request to reset the password for {{.Email}}.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p>If you did not ask for this, you can ignore this email.</p>
`))

const resetText = `Hello,

We received a request to reset the password for %s.

Choose a new password: %s

If you did not ask for this, you can ignore this email.
`

// NewForgottenEmailHandler returns the worker handler for ForgottenEmail
// jobs. It sends one reset email per attempt; a failed send is returned so
// the pool retries it.
func NewForgottenEmailHandler(cfg config.AccountsConfig) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, execCtx *jobs.ExecutionContext) error {
		var payload ForgottenEmail
		if err := job.Decode(&payload); err != nil {
			return err
		}
		mailer := execCtx.Mailer()
		if mailer == nil {
			return errNoMailer
		}

		message, err := resetMessage(cfg, payload.Email)
		if err != nil {
			return err
		}
		message.Headers = map[string]string{JobIDHeader: job.ID}

		if err := mailer.Send(ctx, message); err != nil {
			return fmt.Errorf("send reset email: %w", err)
		}
		execCtx.Logger().Info("password reset email sent", "job_id", job.ID, "attempt", job.Attempt)
		return nil
	}
}

// RegisterHandlers binds the accounts job handlers on pool.
func RegisterHandlers(pool *jobs.Pool, cfg config.AccountsConfig) error {
	return pool.Register(ForgottenEmailKind, NewForgottenEmailHandler(cfg))
}

func resetMessage(cfg config.AccountsConfig, address string) (email.Message, error) {
	link, err := resetLink(cfg.ResetURL, address)
	if err != nil {
		return email.Message{}, err
	}

	var html bytes.Buffer
	if err := resetHTML.Execute(&html, struct{ Email, Link string }{address, link}); err != nil {
		return email.Message{}, fmt.Errorf("render reset email: %w", err)
	}

	return email.Message{
		To:       []string{address},
		Subject:  cfg.Subject,
		TextBody: fmt.Sprintf(resetText, address, link),
		HTMLBody: html.String(),
	}, nil
}

func resetLink(base, address string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse reset url: %w", err)
	}
	query := u.Query()
	query.Set("email", address)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/mailqueue/pkg/config"
	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

// NewProvider builds the configured provider and wraps it with the breaker
// and rate limiter from cfg.
func NewProvider(ctx context.Context, cfg config.EmailConfig, log logger.Logger) (Provider, error) {
	if log == nil {
		log = logger.NewNop()
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))

	var (
		base Provider
		err  error
	)
	switch name {
	case config.EmailProviderLog, "":
		name = config.EmailProviderLog
		base = NewLogProvider(cfg.From, log)
	case config.EmailProviderSMTP:
		base, err = NewSMTPProvider(SMTPConfig{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			From:               cfg.From,
			EnableTLS:          cfg.SMTP.EnableTLS,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			OperationTimeout:   cfg.SMTP.OperationTimeout,
		}, log)
	case config.EmailProviderSES:
		base, err = NewSESProvider(ctx, SESConfig{
			Region:           cfg.SES.Region,
			From:             cfg.From,
			Endpoint:         cfg.SES.Endpoint,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			SessionToken:     cfg.SES.SessionToken,
			OperationTimeout: cfg.SES.OperationTimeout,
		}, log)
	case config.EmailProviderSendGrid:
		base, err = NewSendGridProvider(SendGridConfig{
			APIKey:           cfg.SendGrid.Token,
			From:             cfg.From,
			BaseURL:          cfg.SendGrid.BaseURL,
			OperationTimeout: cfg.SendGrid.OperationTimeout,
		}, log)
	case config.EmailProviderResend:
		base, err = NewResendProvider(ResendConfig{
			APIKey:           cfg.Resend.Token,
			From:             cfg.From,
			BaseURL:          cfg.Resend.BaseURL,
			OperationTimeout: cfg.Resend.OperationTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported email provider %q (supported: log, smtp, ses, sendgrid, resend)", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	var opts GuardOptions
	if cfg.CircuitBreaker.Enabled {
		opts.BreakerFailures = cfg.CircuitBreaker.MaxFailures
		opts.BreakerReset = cfg.CircuitBreaker.ResetTimeout
	}
	if cfg.RateLimit.Enabled {
		opts.RatePerSecond = cfg.RateLimit.PerSecond
		opts.Burst = cfg.RateLimit.Burst
	}
	return Guard(name, base, opts, log), nil
}

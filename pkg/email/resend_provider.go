package email

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

// ResendConfig configures the Resend adapter.
type ResendConfig struct {
	APIKey           string
	From             string
	BaseURL          string
	OperationTimeout time.Duration
	HTTPClient       *http.Client
}

// ResendProvider sends email through the Resend API client.
type ResendProvider struct {
	cfg    ResendConfig
	client *resend.Client
	log    logger.Logger
}

// NewResendProvider creates a Resend adapter.
func NewResendProvider(cfg ResendConfig, log logger.Logger) (*ResendProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("resend api key is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}

	client := resend.NewCustomClient(defaultHTTPClient(cfg.HTTPClient, cfg.OperationTimeout), cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		parsed, err := url.Parse(strings.TrimRight(base, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("resend base url: %w", err)
		}
		client.BaseURL = parsed
	}
	return &ResendProvider{cfg: cfg, client: client, log: log}, nil
}

// Send sends email via Resend.
func (p *ResendProvider) Send(ctx context.Context, message Message) error {
	msg, err := prepare(message, p.cfg.From)
	if err != nil {
		return err
	}

	headers := make(map[string]string, len(msg.Headers)+1)
	for key, value := range msg.Headers {
		headers[key] = value
	}
	if msg.ReplyTo != "" {
		headers["Reply-To"] = msg.ReplyTo
	}

	params := &resend.SendEmailRequest{
		From:    msg.From,
		To:      msg.To,
		Cc:      msg.Cc,
		Bcc:     msg.Bcc,
		Subject: msg.Subject,
		Text:    msg.TextBody,
		Html:    msg.HTMLBody,
	}
	if len(headers) > 0 {
		params.Headers = headers
	}

	cctx, cancel := withTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()

	sent, err := p.client.Emails.SendWithContext(cctx, params)
	if err != nil {
		return fmt.Errorf("resend send: %w", err)
	}
	p.log.WithContext(ctx).Debug("resend accepted email", "resend_id", sent.Id)
	return nil
}

// Close releases resources.
func (p *ResendProvider) Close() error {
	return nil
}

package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

// SendGridConfig configures the SendGrid v3 adapter.
type SendGridConfig struct {
	APIKey           string
	From             string
	BaseURL          string
	OperationTimeout time.Duration
	HTTPClient       *http.Client
}

// SendGridProvider sends email through the SendGrid v3 mail/send API.
type SendGridProvider struct {
	cfg        SendGridConfig
	httpClient *http.Client
	log        logger.Logger
}

// NewSendGridProvider creates a SendGrid adapter.
func NewSendGridProvider(cfg SendGridConfig, log logger.Logger) (*SendGridProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.sendgrid.com"
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &SendGridProvider{
		cfg:        cfg,
		httpClient: defaultHTTPClient(cfg.HTTPClient, cfg.OperationTimeout),
		log:        log,
	}, nil
}

type sendGridAddress struct {
	Email string `json:"email"`
}

type sendGridPersonalization struct {
	To  []sendGridAddress `json:"to,omitempty"`
	Cc  []sendGridAddress `json:"cc,omitempty"`
	Bcc []sendGridAddress `json:"bcc,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	ReplyTo          *sendGridAddress          `json:"reply_to,omitempty"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	Headers          map[string]string         `json:"headers,omitempty"`
}

// Send sends email via SendGrid.
func (p *SendGridProvider) Send(ctx context.Context, message Message) error {
	msg, err := prepare(message, p.cfg.From)
	if err != nil {
		return err
	}

	payload := sendGridRequest{
		Personalizations: []sendGridPersonalization{{
			To:  sendGridAddresses(msg.To),
			Cc:  sendGridAddresses(msg.Cc),
			Bcc: sendGridAddresses(msg.Bcc),
		}},
		From:    sendGridAddress{Email: msg.From},
		Subject: msg.Subject,
		Content: sendGridBody(msg),
		Headers: msg.Headers,
	}
	if msg.ReplyTo != "" {
		payload.ReplyTo = &sendGridAddress{Email: msg.ReplyTo}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	cctx, cancel := withTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, strings.TrimRight(p.cfg.BaseURL, "/")+"/v3/mail/send", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusError("sendgrid", resp)
}

// Close releases resources.
func (p *SendGridProvider) Close() error {
	return nil
}

func sendGridAddresses(emails []string) []sendGridAddress {
	if len(emails) == 0 {
		return nil
	}
	out := make([]sendGridAddress, 0, len(emails))
	for _, address := range emails {
		out = append(out, sendGridAddress{Email: address})
	}
	return out
}

// sendGridBody lists text/plain before text/html as the API requires.
func sendGridBody(msg Message) []sendGridContent {
	content := make([]sendGridContent, 0, 2)
	if strings.TrimSpace(msg.TextBody) != "" {
		content = append(content, sendGridContent{Type: "text/plain", Value: msg.TextBody})
	}
	if strings.TrimSpace(msg.HTMLBody) != "" {
		content = append(content, sendGridContent{Type: "text/html", Value: msg.HTMLBody})
	}
	return content
}
